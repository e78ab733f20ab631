package sae

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-interp/internal/gguf"
)

type Activation string

const (
	ActivationReLU     Activation = "relu"
	ActivationJumpReLU Activation = "jumprelu"
	ActivationTopK     Activation = "topk"
)

// GGUF tensor and KV names for SAE weights.
const (
	TensorWEnc      = "W_enc"
	TensorBEnc      = "b_enc"
	TensorBDec      = "b_dec"
	TensorThreshold = "threshold"

	KeyHookName   = "sae.hook_name"
	KeyModelName  = "sae.model_name"
	KeyActivation = "sae.activation"
	KeyK          = "sae.k"
)

// Encoder computes f = act((x - b_dec) W_enc + b_enc) for each row of x.
type Encoder struct {
	DIn, DSAE int
	WEnc      *mat.Dense // DIn x DSAE
	BEnc      []float64
	BDec      []float64
	Threshold []float64 // jumprelu only

	Activation Activation
	K          int // topk only

	HookName  string
	ModelName string
}

// NewEncoder validates shapes. wEnc is row-major DIn x DSAE.
func NewEncoder(dIn, dSAE int, wEnc, bEnc, bDec, threshold []float32, act Activation, k int) (*Encoder, error) {
	if dIn <= 0 || dSAE <= 0 {
		return nil, fmt.Errorf("invalid SAE shape %dx%d", dIn, dSAE)
	}
	if len(wEnc) != dIn*dSAE {
		return nil, fmt.Errorf("W_enc has %d values, want %d", len(wEnc), dIn*dSAE)
	}
	if len(bEnc) != dSAE {
		return nil, fmt.Errorf("b_enc has %d values, want %d", len(bEnc), dSAE)
	}
	if bDec == nil {
		bDec = make([]float32, dIn)
	}
	if len(bDec) != dIn {
		return nil, fmt.Errorf("b_dec has %d values, want %d", len(bDec), dIn)
	}
	if act == "" {
		act = ActivationReLU
	}

	e := &Encoder{
		DIn:        dIn,
		DSAE:       dSAE,
		WEnc:       mat.NewDense(dIn, dSAE, widen(wEnc)),
		BEnc:       widen(bEnc),
		BDec:       widen(bDec),
		Activation: act,
		K:          k,
	}
	switch act {
	case ActivationReLU:
	case ActivationJumpReLU:
		if len(threshold) != dSAE {
			return nil, fmt.Errorf("jumprelu needs %d thresholds, got %d", dSAE, len(threshold))
		}
		e.Threshold = widen(threshold)
	case ActivationTopK:
		if k <= 0 || k > dSAE {
			return nil, fmt.Errorf("topk needs 0 < k <= %d, got %d", dSAE, k)
		}
	default:
		return nil, fmt.Errorf("unknown SAE activation %q", act)
	}
	return e, nil
}

func widen(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// LoadEncoder reads SAE weights from a GGUF file. W_enc is stored with
// dims [d_sae, d_in], so its data is row-major d_in x d_sae.
func LoadEncoder(path string) (*Encoder, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, ok := f.Tensor(TensorWEnc)
	if !ok || len(info.Dimensions) != 2 {
		return nil, fmt.Errorf("%s: missing 2-d %s tensor", path, TensorWEnc)
	}
	dSAE, dIn := int(info.Dimensions[0]), int(info.Dimensions[1])

	wEnc, err := f.Float32s(TensorWEnc)
	if err != nil {
		return nil, err
	}
	bEnc, err := f.Float32s(TensorBEnc)
	if err != nil {
		return nil, err
	}
	var bDec, threshold []float32
	if _, ok := f.Tensor(TensorBDec); ok {
		if bDec, err = f.Float32s(TensorBDec); err != nil {
			return nil, err
		}
	}
	if _, ok := f.Tensor(TensorThreshold); ok {
		if threshold, err = f.Float32s(TensorThreshold); err != nil {
			return nil, err
		}
	}

	act := ActivationReLU
	if s, ok := f.String(KeyActivation); ok {
		act = Activation(s)
	} else if threshold != nil {
		act = ActivationJumpReLU
	}
	k, _ := f.Uint(KeyK)

	e, err := NewEncoder(dIn, dSAE, wEnc, bEnc, bDec, threshold, act, int(k))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	e.HookName, _ = f.String(KeyHookName)
	e.ModelName, _ = f.String(KeyModelName)
	return e, nil
}

// WriteGGUF exports the encoder in the layout LoadEncoder reads.
func (e *Encoder) WriteGGUF(path string) error {
	w := gguf.NewWriter()
	w.AddString(KeyActivation, string(e.Activation))
	if e.HookName != "" {
		w.AddString(KeyHookName, e.HookName)
	}
	if e.ModelName != "" {
		w.AddString(KeyModelName, e.ModelName)
	}
	if e.Activation == ActivationTopK {
		w.AddUint32(KeyK, uint32(e.K))
	}

	raw := e.WEnc.RawMatrix()
	wEnc := make([]float32, 0, e.DIn*e.DSAE)
	for r := 0; r < raw.Rows; r++ {
		wEnc = append(wEnc, narrow(raw.Data[r*raw.Stride:r*raw.Stride+raw.Cols])...)
	}
	if err := w.AddTensor(TensorWEnc, []uint64{uint64(e.DSAE), uint64(e.DIn)}, wEnc); err != nil {
		return err
	}
	if err := w.AddTensor(TensorBEnc, []uint64{uint64(e.DSAE)}, narrow(e.BEnc)); err != nil {
		return err
	}
	if err := w.AddTensor(TensorBDec, []uint64{uint64(e.DIn)}, narrow(e.BDec)); err != nil {
		return err
	}
	if e.Threshold != nil {
		if err := w.AddTensor(TensorThreshold, []uint64{uint64(e.DSAE)}, narrow(e.Threshold)); err != nil {
			return err
		}
	}
	return w.WriteFile(path)
}

func narrow(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

// Encode maps rows x DIn activations to rows x DSAE feature activations.
func (e *Encoder) Encode(x []float32, rows int) ([]float32, error) {
	if len(x) != rows*e.DIn {
		return nil, fmt.Errorf("SAE input has %d values, want %d rows of %d", len(x), rows, e.DIn)
	}
	if rows == 0 {
		return nil, nil
	}

	in := mat.NewDense(rows, e.DIn, widen(x))
	for r := 0; r < rows; r++ {
		floats.Sub(in.RawRowView(r), e.BDec)
	}

	var z mat.Dense
	z.Mul(in, e.WEnc)

	out := make([]float32, rows*e.DSAE)
	for r := 0; r < rows; r++ {
		row := z.RawRowView(r)
		floats.Add(row, e.BEnc)
		e.activate(row)
		for c, v := range row {
			out[r*e.DSAE+c] = float32(v)
		}
	}
	return out, nil
}

func (e *Encoder) activate(row []float64) {
	switch e.Activation {
	case ActivationJumpReLU:
		for i, v := range row {
			if v <= e.Threshold[i] || v <= 0 {
				row[i] = 0
			}
		}
	case ActivationTopK:
		keep := make([]int, len(row))
		for i := range keep {
			keep[i] = i
		}
		sort.SliceStable(keep, func(a, b int) bool { return row[keep[a]] > row[keep[b]] })
		top := make(map[int]struct{}, e.K)
		for _, i := range keep[:e.K] {
			top[i] = struct{}{}
		}
		for i, v := range row {
			if _, ok := top[i]; !ok || v < 0 {
				row[i] = 0
			}
		}
	default:
		for i, v := range row {
			if v < 0 {
				row[i] = 0
			}
		}
	}
}
