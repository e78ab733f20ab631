// Package analysis computes comparisons and clusterings over encoded
// datasets.
package analysis

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-interp/internal/dataset"
)

// FeatureFrequency returns, per feature, the fraction of present rows where
// it fires on at least one token.
func FeatureFrequency(ds *dataset.Dataset) []float64 {
	freq := make([]float64, ds.NFeatures())
	n := 0
	for i := 0; i < ds.Len(); i++ {
		m := ds.Features(i)
		if m == nil {
			continue
		}
		n++
		for _, c := range m.ActiveColumns() {
			if int(c) < len(freq) {
				freq[c]++
			}
		}
	}
	if n == 0 {
		return freq
	}
	for f := range freq {
		freq[f] /= float64(n)
	}
	return freq
}

type FrequencyRow struct {
	Feature int
	Label   string
	FreqA   float64
	FreqB   float64
	Diff    float64
}

// FrequencyTable lists features active in either dataset, most
// over-represented in A first.
type FrequencyTable struct {
	Rows []FrequencyRow
}

var frequencySchema = arrow.NewSchema([]arrow.Field{
	{Name: "feature", Type: arrow.PrimitiveTypes.Int64},
	{Name: "label", Type: arrow.BinaryTypes.String},
	{Name: "freq_a", Type: arrow.PrimitiveTypes.Float64},
	{Name: "freq_b", Type: arrow.PrimitiveTypes.Float64},
	{Name: "diff", Type: arrow.PrimitiveTypes.Float64},
}, nil)

// DiffFeatures compares per-feature activation frequency of a and b. Labels
// come from a, falling back to b.
func DiffFeatures(a, b *dataset.Dataset) (*FrequencyTable, error) {
	if a.NFeatures() != b.NFeatures() {
		return nil, fmt.Errorf("datasets have %d and %d features", a.NFeatures(), b.NFeatures())
	}
	fa, fb := FeatureFrequency(a), FeatureFrequency(b)
	la, lb := a.FeatureLabels(), b.FeatureLabels()

	t := &FrequencyTable{}
	for f := range fa {
		if fa[f] == 0 && fb[f] == 0 {
			continue
		}
		label, ok := la[f]
		if !ok {
			label = lb[f]
		}
		t.Rows = append(t.Rows, FrequencyRow{Feature: f, Label: label, FreqA: fa[f], FreqB: fb[f], Diff: fa[f] - fb[f]})
	}
	sort.SliceStable(t.Rows, func(i, j int) bool {
		if t.Rows[i].Diff != t.Rows[j].Diff {
			return t.Rows[i].Diff > t.Rows[j].Diff
		}
		return t.Rows[i].Feature < t.Rows[j].Feature
	})
	return t, nil
}

func (t *FrequencyTable) Len() int { return len(t.Rows) }

// Head returns the first n rows.
func (t *FrequencyTable) Head(n int) *FrequencyTable {
	if n > len(t.Rows) {
		n = len(t.Rows)
	}
	return &FrequencyTable{Rows: t.Rows[:n]}
}

func (t *FrequencyTable) Record(mem memory.Allocator) arrow.Record {
	b := array.NewRecordBuilder(mem, frequencySchema)
	defer b.Release()
	for _, r := range t.Rows {
		b.Field(0).(*array.Int64Builder).Append(int64(r.Feature))
		b.Field(1).(*array.StringBuilder).Append(r.Label)
		b.Field(2).(*array.Float64Builder).Append(r.FreqA)
		b.Field(3).(*array.Float64Builder).Append(r.FreqB)
		b.Field(4).(*array.Float64Builder).Append(r.Diff)
	}
	return b.NewRecord()
}

// WriteCSV writes the table with a header row.
func (t *FrequencyTable) WriteCSV(w io.Writer) error {
	rec := t.Record(memory.DefaultAllocator)
	defer rec.Release()

	cw := csv.NewWriter(w, frequencySchema, csv.WithHeader(true))
	if err := cw.Write(rec); err != nil {
		return fmt.Errorf("failed to write frequency table: %w", err)
	}
	cw.Flush()
	return cw.Error()
}

// SaveCSV writes the table to path, creating parent directories.
func (t *FrequencyTable) SaveCSV(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := t.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// String renders the rows as an aligned text table.
func (t *FrequencyTable) String() string {
	var sb strings.Builder
	tw := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "feature\tlabel\tfreq_a\tfreq_b\tdiff")
	for _, r := range t.Rows {
		fmt.Fprintf(tw, "%d\t%s\t%.4f\t%.4f\t%+.4f\n", r.Feature, r.Label, r.FreqA, r.FreqB, r.Diff)
	}
	tw.Flush()
	return sb.String()
}
