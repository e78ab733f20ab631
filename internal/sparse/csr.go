// Package sparse holds the compressed sparse row matrices used for per-text
// SAE feature activations (rows are tokens, columns are features).
package sparse

import (
	"errors"
	"fmt"
	"sort"
)

var ErrShape = errors.New("sparse: shape mismatch")

type CSR struct {
	Rows, Cols int
	Indptr     []int64
	Indices    []int32
	Data       []float32
}

// New returns an empty rows x cols matrix.
func New(rows, cols int) *CSR {
	return &CSR{Rows: rows, Cols: cols, Indptr: make([]int64, rows+1)}
}

// FromDense compresses a row-major rows x cols slice, dropping zeros.
func FromDense(rows, cols int, data []float32) (*CSR, error) {
	if len(data) != rows*cols {
		return nil, fmt.Errorf("%w: %d values for %dx%d", ErrShape, len(data), rows, cols)
	}
	m := &CSR{Rows: rows, Cols: cols, Indptr: make([]int64, rows+1)}
	for r := 0; r < rows; r++ {
		row := data[r*cols : (r+1)*cols]
		for c, v := range row {
			if v != 0 {
				m.Indices = append(m.Indices, int32(c))
				m.Data = append(m.Data, v)
			}
		}
		m.Indptr[r+1] = int64(len(m.Indices))
	}
	return m, nil
}

// FromMaskedBatch splits a dense [batch][seq][cols] activation tensor into
// one matrix per sequence, keeping only positions where mask is true.
func FromMaskedBatch(batch, seq, cols int, acts []float32, mask [][]bool) ([]*CSR, error) {
	if len(acts) != batch*seq*cols {
		return nil, fmt.Errorf("%w: %d values for %dx%dx%d", ErrShape, len(acts), batch, seq, cols)
	}
	if len(mask) != batch {
		return nil, fmt.Errorf("%w: mask has %d rows for batch %d", ErrShape, len(mask), batch)
	}

	out := make([]*CSR, batch)
	for b := 0; b < batch; b++ {
		if len(mask[b]) != seq {
			return nil, fmt.Errorf("%w: mask row %d has %d positions, want %d", ErrShape, b, len(mask[b]), seq)
		}
		m := &CSR{Cols: cols, Indptr: []int64{0}}
		for s := 0; s < seq; s++ {
			if !mask[b][s] {
				continue
			}
			base := (b*seq + s) * cols
			for c, v := range acts[base : base+cols] {
				if v != 0 {
					m.Indices = append(m.Indices, int32(c))
					m.Data = append(m.Data, v)
				}
			}
			m.Rows++
			m.Indptr = append(m.Indptr, int64(len(m.Indices)))
		}
		out[b] = m
	}
	return out, nil
}

func (m *CSR) NNZ() int {
	return len(m.Data)
}

// Row returns the column indices and values of row i without copying.
func (m *CSR) Row(i int) ([]int32, []float32) {
	lo, hi := m.Indptr[i], m.Indptr[i+1]
	return m.Indices[lo:hi], m.Data[lo:hi]
}

func (m *CSR) At(i, j int) float32 {
	idx, vals := m.Row(i)
	k := sort.Search(len(idx), func(k int) bool { return idx[k] >= int32(j) })
	if k < len(idx) && idx[k] == int32(j) {
		return vals[k]
	}
	return 0
}

// Dense expands the matrix to row-major form.
func (m *CSR) Dense() []float32 {
	out := make([]float32, m.Rows*m.Cols)
	for r := 0; r < m.Rows; r++ {
		idx, vals := m.Row(r)
		for k, c := range idx {
			out[r*m.Cols+int(c)] = vals[k]
		}
	}
	return out
}

// ActiveColumns lists, ascending, the columns non-zero in any row.
func (m *CSR) ActiveColumns() []int32 {
	seen := make(map[int32]struct{}, len(m.Indices))
	for _, c := range m.Indices {
		seen[c] = struct{}{}
	}
	cols := make([]int32, 0, len(seen))
	for c := range seen {
		cols = append(cols, c)
	}
	sort.Slice(cols, func(a, b int) bool { return cols[a] < cols[b] })
	return cols
}

// Vector is a sparse 1 x Cols row with ascending indices.
type Vector struct {
	Len     int
	Indices []int32
	Data    []float32
}

// MaxPool reduces rows to the per-column maximum.
func (m *CSR) MaxPool() Vector {
	return m.pool(func(acc, v float32, first bool) float32 {
		if first || v > acc {
			return v
		}
		return acc
	})
}

// SumPool reduces rows to the per-column sum.
func (m *CSR) SumPool() Vector {
	return m.pool(func(acc, v float32, first bool) float32 {
		return acc + v
	})
}

func (m *CSR) pool(f func(acc, v float32, first bool) float32) Vector {
	acc := make(map[int32]float32)
	for k, c := range m.Indices {
		cur, ok := acc[c]
		acc[c] = f(cur, m.Data[k], !ok)
	}
	cols := make([]int32, 0, len(acc))
	for c := range acc {
		cols = append(cols, c)
	}
	sort.Slice(cols, func(a, b int) bool { return cols[a] < cols[b] })
	vals := make([]float32, len(cols))
	for i, c := range cols {
		vals[i] = acc[c]
	}
	return Vector{Len: m.Cols, Indices: cols, Data: vals}
}

func (m *CSR) Equal(o *CSR) bool {
	if m == nil || o == nil {
		return m == o
	}
	if m.Rows != o.Rows || m.Cols != o.Cols || len(m.Indptr) != len(o.Indptr) || len(m.Data) != len(o.Data) {
		return false
	}
	for i := range m.Indptr {
		if m.Indptr[i] != o.Indptr[i] {
			return false
		}
	}
	for i := range m.Data {
		if m.Indices[i] != o.Indices[i] || m.Data[i] != o.Data[i] {
			return false
		}
	}
	return true
}

// Validate checks structural invariants; decoded cache rows go through it.
func (m *CSR) Validate() error {
	if m.Rows < 0 || m.Cols < 0 {
		return fmt.Errorf("%w: negative dims %dx%d", ErrShape, m.Rows, m.Cols)
	}
	if len(m.Indptr) != m.Rows+1 {
		return fmt.Errorf("%w: indptr has %d entries for %d rows", ErrShape, len(m.Indptr), m.Rows)
	}
	if len(m.Indices) != len(m.Data) {
		return fmt.Errorf("%w: %d indices vs %d values", ErrShape, len(m.Indices), len(m.Data))
	}
	if m.Indptr[0] != 0 || m.Indptr[m.Rows] != int64(len(m.Data)) {
		return fmt.Errorf("%w: indptr bounds [%d, %d] for %d values", ErrShape, m.Indptr[0], m.Indptr[m.Rows], len(m.Data))
	}
	for r := 0; r < m.Rows; r++ {
		if m.Indptr[r+1] < m.Indptr[r] {
			return fmt.Errorf("%w: indptr decreases at row %d", ErrShape, r)
		}
		prev := int32(-1)
		for _, c := range m.Indices[m.Indptr[r]:m.Indptr[r+1]] {
			if c <= prev || int(c) >= m.Cols {
				return fmt.Errorf("%w: bad column %d in row %d", ErrShape, c, r)
			}
			prev = c
		}
	}
	return nil
}
