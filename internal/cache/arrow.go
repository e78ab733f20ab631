package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/dustin/go-humanize"

	"github.com/23skdu/longbow-interp/internal/logger"
	"github.com/23skdu/longbow-interp/internal/metrics"
	"github.com/23skdu/longbow-interp/internal/sparse"
)

// Schema metadata keys.
const (
	mdKind      = "interp.kind"
	mdVersion   = "interp.version"
	mdDataset   = "interp.dataset"
	mdSplit     = "interp.split"
	mdField     = "interp.field"
	mdModel     = "interp.model"
	mdMetadata  = "interp.sae_metadata"
	mdFeatures  = "interp.n_features"
	mdRows      = "interp.n_rows"
	mdLabels    = "interp.feature_labels"
	mdRunID     = "interp.run_id"
	mdCreatedAt = "interp.created_at"
	mdUpdatedAt = "interp.updated_at"
)

const (
	colIdx       = "idx"
	colText      = "text"
	colMeta      = "meta"
	colNTokens   = "n_tokens"
	colIndptr    = "indptr"
	colIndices   = "indices"
	colValues    = "values"
	colEmbedding = "embedding"
)

func schemaFor(h Header, nRows int) (*arrow.Schema, error) {
	mdJSON, err := json.Marshal(h.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entry metadata: %w", err)
	}
	keys := []string{mdKind, mdVersion, mdDataset, mdSplit, mdField, mdModel, mdMetadata, mdFeatures, mdRows, mdRunID, mdCreatedAt, mdUpdatedAt}
	vals := []string{
		string(h.Kind), strconv.Itoa(h.Version),
		h.Key.Dataset, h.Key.Split, h.Key.Field, h.Key.Model,
		string(mdJSON), strconv.Itoa(h.NFeatures), strconv.Itoa(nRows), h.RunID,
		h.CreatedAt.UTC().Format(time.RFC3339Nano), h.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if len(h.Labels) > 0 {
		labels, err := json.Marshal(h.Labels)
		if err != nil {
			return nil, fmt.Errorf("failed to encode feature labels: %w", err)
		}
		keys = append(keys, mdLabels)
		vals = append(vals, string(labels))
	}

	fields := []arrow.Field{
		{Name: colIdx, Type: arrow.PrimitiveTypes.Int64},
		{Name: colText, Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: colMeta, Type: arrow.BinaryTypes.String, Nullable: true},
	}
	switch h.Kind {
	case KindSAE:
		fields = append(fields,
			arrow.Field{Name: colNTokens, Type: arrow.PrimitiveTypes.Int32, Nullable: true},
			arrow.Field{Name: colIndptr, Type: arrow.ListOf(arrow.PrimitiveTypes.Int64), Nullable: true},
			arrow.Field{Name: colIndices, Type: arrow.ListOf(arrow.PrimitiveTypes.Int32), Nullable: true},
			arrow.Field{Name: colValues, Type: arrow.ListOf(arrow.PrimitiveTypes.Float32), Nullable: true},
		)
	case KindEmbedding:
		fields = append(fields,
			arrow.Field{Name: colEmbedding, Type: arrow.ListOf(arrow.PrimitiveTypes.Float32), Nullable: true},
		)
	default:
		return nil, fmt.Errorf("unknown entry kind %q", h.Kind)
	}
	md := arrow.NewMetadata(keys, vals)
	return arrow.NewSchema(fields, &md), nil
}

// Record converts the entry into a single Arrow record. Missing rows keep
// their idx and are null elsewhere.
func (e *Entry) Record(mem memory.Allocator) (arrow.Record, error) {
	schema, err := schemaFor(e.Header, len(e.Rows))
	if err != nil {
		return nil, err
	}
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	idx := b.Field(0).(*array.Int64Builder)
	text := b.Field(1).(*array.StringBuilder)
	meta := b.Field(2).(*array.StringBuilder)
	for i, r := range e.Rows {
		idx.Append(int64(i))
		if r == nil {
			text.AppendNull()
			meta.AppendNull()
			continue
		}
		text.Append(r.Text)
		if len(r.Meta) == 0 {
			meta.AppendNull()
			continue
		}
		raw, err := json.Marshal(r.Meta)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		meta.Append(string(raw))
	}

	switch e.Header.Kind {
	case KindSAE:
		ntok := b.Field(3).(*array.Int32Builder)
		indptr := b.Field(4).(*array.ListBuilder)
		indices := b.Field(5).(*array.ListBuilder)
		values := b.Field(6).(*array.ListBuilder)
		ipv := indptr.ValueBuilder().(*array.Int64Builder)
		inv := indices.ValueBuilder().(*array.Int32Builder)
		vav := values.ValueBuilder().(*array.Float32Builder)
		for i, r := range e.Rows {
			if r == nil {
				ntok.AppendNull()
				indptr.AppendNull()
				indices.AppendNull()
				values.AppendNull()
				continue
			}
			if r.Features == nil {
				return nil, fmt.Errorf("row %d has no features", i)
			}
			ntok.Append(int32(r.Features.Rows))
			indptr.Append(true)
			ipv.AppendValues(r.Features.Indptr, nil)
			indices.Append(true)
			inv.AppendValues(r.Features.Indices, nil)
			values.Append(true)
			vav.AppendValues(r.Features.Data, nil)
		}
	case KindEmbedding:
		emb := b.Field(3).(*array.ListBuilder)
		ev := emb.ValueBuilder().(*array.Float32Builder)
		for _, r := range e.Rows {
			if r == nil {
				emb.AppendNull()
				continue
			}
			emb.Append(true)
			ev.AppendValues(r.Embedding, nil)
		}
	}
	return b.NewRecord(), nil
}

// Save writes the entry to path through a temporary file in the same
// directory, so readers never see a partial file.
func Save(path string, e *Entry) error {
	start := time.Now()
	now := start.UTC()
	if e.Header.CreatedAt.IsZero() {
		e.Header.CreatedAt = now
	}
	e.Header.UpdatedAt = now
	if e.Header.Version == 0 {
		e.Header.Version = FormatVersion
	}

	rec, err := e.Record(memory.DefaultAllocator)
	if err != nil {
		return err
	}
	defer rec.Release()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	w, err := ipc.NewFileWriter(tmp, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		cleanup()
		return fmt.Errorf("failed to open arrow writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		cleanup()
		return fmt.Errorf("failed to write cache record: %w", err)
	}
	if err := w.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to finish cache file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	st, err := tmp.Stat()
	if err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move cache file into place: %w", err)
	}

	metrics.RecordCacheWrite(st.Size(), time.Since(start))
	logger.Log.Debug("cache entry saved",
		"path", path, "rows", e.Len(), "present", e.Present(),
		"size", humanize.Bytes(uint64(st.Size())), "elapsed", time.Since(start))
	return nil
}

// Load reads an entry written by Save.
func Load(path string) (*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	defer r.Close()

	h, nRows, err := parseHeader(r.Schema())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}

	e := &Entry{Header: h}
	seen := 0
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: record %d: %v", ErrCorrupt, path, i, err)
		}
		rows, err := decodeRecord(rec, h)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
		}
		for _, dr := range rows {
			if dr.idx != seen {
				return nil, fmt.Errorf("%w: %s: row %d has idx %d", ErrCorrupt, path, seen, dr.idx)
			}
			e.Rows = append(e.Rows, dr.row)
			seen++
		}
	}
	if nRows >= 0 && nRows != len(e.Rows) {
		return nil, fmt.Errorf("%w: %s: header says %d rows, file has %d", ErrCorrupt, path, nRows, len(e.Rows))
	}
	return e, nil
}

func parseHeader(s *arrow.Schema) (Header, int, error) {
	md := s.Metadata()
	get := func(k string) string {
		if i := md.FindKey(k); i >= 0 {
			return md.Values()[i]
		}
		return ""
	}

	h := Header{
		Kind: Kind(get(mdKind)),
		Key: Key{
			Dataset: get(mdDataset),
			Split:   get(mdSplit),
			Field:   get(mdField),
			Model:   get(mdModel),
		},
		RunID: get(mdRunID),
	}
	if h.Kind != KindSAE && h.Kind != KindEmbedding {
		return h, 0, fmt.Errorf("unknown kind %q", h.Kind)
	}

	var err error
	if h.Version, err = strconv.Atoi(get(mdVersion)); err != nil {
		return h, 0, fmt.Errorf("bad version: %v", err)
	}
	if h.Version > FormatVersion {
		return h, 0, fmt.Errorf("format version %d is newer than %d", h.Version, FormatVersion)
	}
	if h.NFeatures, err = strconv.Atoi(get(mdFeatures)); err != nil {
		return h, 0, fmt.Errorf("bad n_features: %v", err)
	}
	if raw := get(mdMetadata); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &h.Metadata); err != nil {
			return h, 0, fmt.Errorf("bad metadata: %v", err)
		}
	}
	for _, ts := range []struct {
		key string
		dst *time.Time
	}{{mdCreatedAt, &h.CreatedAt}, {mdUpdatedAt, &h.UpdatedAt}} {
		if v := get(ts.key); v != "" {
			if *ts.dst, err = time.Parse(time.RFC3339Nano, v); err != nil {
				return h, 0, fmt.Errorf("bad %s: %v", ts.key, err)
			}
		}
	}

	if raw := get(mdLabels); raw != "" {
		if err := json.Unmarshal([]byte(raw), &h.Labels); err != nil {
			return h, 0, fmt.Errorf("bad feature labels: %v", err)
		}
	}

	nRows := -1
	if v := get(mdRows); v != "" {
		if nRows, err = strconv.Atoi(v); err != nil {
			return h, 0, fmt.Errorf("bad n_rows: %v", err)
		}
	}
	return h, nRows, nil
}

type decodedRow struct {
	idx int
	row *Row
}

func column[T arrow.Array](rec arrow.Record, name string) (T, error) {
	var zero T
	idx := rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return zero, fmt.Errorf("missing column %q", name)
	}
	col, ok := rec.Column(idx[0]).(T)
	if !ok {
		return zero, fmt.Errorf("column %q has type %s", name, rec.Column(idx[0]).DataType())
	}
	return col, nil
}

// The list helpers copy row i out of the child array so the record can be
// released.
func listInt64(l *array.List, i int) ([]int64, error) {
	child, ok := l.ListValues().(*array.Int64)
	if !ok {
		return nil, fmt.Errorf("list child is %s, want int64", l.ListValues().DataType())
	}
	lo, hi := l.ValueOffsets(i)
	return append([]int64(nil), child.Int64Values()[lo:hi]...), nil
}

func listInt32(l *array.List, i int) ([]int32, error) {
	child, ok := l.ListValues().(*array.Int32)
	if !ok {
		return nil, fmt.Errorf("list child is %s, want int32", l.ListValues().DataType())
	}
	lo, hi := l.ValueOffsets(i)
	return append([]int32(nil), child.Int32Values()[lo:hi]...), nil
}

func listFloat32(l *array.List, i int) ([]float32, error) {
	child, ok := l.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("list child is %s, want float32", l.ListValues().DataType())
	}
	lo, hi := l.ValueOffsets(i)
	return append([]float32(nil), child.Float32Values()[lo:hi]...), nil
}

func decodeRecord(rec arrow.Record, h Header) ([]decodedRow, error) {
	idx, err := column[*array.Int64](rec, colIdx)
	if err != nil {
		return nil, err
	}
	text, err := column[*array.String](rec, colText)
	if err != nil {
		return nil, err
	}

	meta, err := column[*array.String](rec, colMeta)
	if err != nil {
		return nil, err
	}

	out := make([]decodedRow, int(rec.NumRows()))
	metas := make([]map[string]string, len(out))
	for i := range out {
		out[i].idx = int(idx.Value(i))
		if meta.IsValid(i) {
			if err := json.Unmarshal([]byte(meta.Value(i)), &metas[i]); err != nil {
				return nil, fmt.Errorf("row %d: bad meta: %v", out[i].idx, err)
			}
		}
	}

	switch h.Kind {
	case KindSAE:
		ntok, err := column[*array.Int32](rec, colNTokens)
		if err != nil {
			return nil, err
		}
		indptr, err := column[*array.List](rec, colIndptr)
		if err != nil {
			return nil, err
		}
		indices, err := column[*array.List](rec, colIndices)
		if err != nil {
			return nil, err
		}
		values, err := column[*array.List](rec, colValues)
		if err != nil {
			return nil, err
		}
		for i := range out {
			if text.IsNull(i) {
				continue
			}
			m := &sparse.CSR{Rows: int(ntok.Value(i)), Cols: h.NFeatures}
			if m.Indptr, err = listInt64(indptr, i); err != nil {
				return nil, err
			}
			if m.Indices, err = listInt32(indices, i); err != nil {
				return nil, err
			}
			if m.Data, err = listFloat32(values, i); err != nil {
				return nil, err
			}
			if err := m.Validate(); err != nil {
				return nil, fmt.Errorf("row %d: %v", out[i].idx, err)
			}
			out[i].row = &Row{Index: out[i].idx, Text: text.Value(i), Meta: metas[i], Features: m}
		}
	case KindEmbedding:
		emb, err := column[*array.List](rec, colEmbedding)
		if err != nil {
			return nil, err
		}
		for i := range out {
			if text.IsNull(i) {
				continue
			}
			v, err := listFloat32(emb, i)
			if err != nil {
				return nil, err
			}
			if h.NFeatures > 0 && len(v) != h.NFeatures {
				return nil, fmt.Errorf("row %d: embedding has %d values, want %d", out[i].idx, len(v), h.NFeatures)
			}
			out[i].row = &Row{Index: out[i].idx, Text: text.Value(i), Meta: metas[i], Embedding: v}
		}
	}
	return out, nil
}
