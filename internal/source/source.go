// Package source reads text datasets from local JSONL and Parquet files.
package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/tidwall/gjson"

	"github.com/23skdu/longbow-interp/internal/dataset"
	"github.com/23skdu/longbow-interp/internal/logger"
)

const maxLineBytes = 64 << 20

var (
	ErrNotFound     = errors.New("dataset file not found")
	ErrUnsupported  = errors.New("unsupported dataset format")
	ErrMissingField = errors.New("field not present")
)

type options struct {
	limit int
}

type Option func(*options)

// WithLimit keeps only the first n records. n <= 0 keeps everything.
func WithLimit(n int) Option {
	return func(o *options) { o.limit = n }
}

// Find locates the files of one split under dir/dataset. A single
// {split}.jsonl or {split}.parquet wins over hub style shards
// ({split}-00000-of-00002.parquet, possibly below data/).
func Find(dir, dataset, split string) ([]string, error) {
	base := filepath.Join(dir, dataset)
	for _, name := range []string{split + ".jsonl", split + ".ndjson", split + ".parquet"} {
		p := filepath.Join(base, name)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return []string{p}, nil
		}
	}
	for _, pattern := range []string{
		filepath.Join(base, split+"-*.parquet"),
		filepath.Join(base, "data", split+"-*.parquet"),
		filepath.Join(base, "*", split+"-*.parquet"),
	} {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		if len(matches) > 0 {
			sort.Strings(matches)
			return matches, nil
		}
	}
	return nil, fmt.Errorf("%w: %s split %q under %s", ErrNotFound, dataset, split, dir)
}

// LoadAll reads every file in order and concatenates their records.
func LoadAll(ctx context.Context, files []string, field string, opts ...Option) ([]dataset.Record, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	var out []dataset.Record
	for _, f := range files {
		remaining := 0
		if o.limit > 0 {
			remaining = o.limit - len(out)
			if remaining <= 0 {
				break
			}
		}
		recs, err := Load(ctx, f, field, WithLimit(remaining))
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// Load reads field from every record of a .jsonl/.ndjson or .parquet file.
// For JSONL, field is a gjson path. Other scalar values become Meta.
func Load(ctx context.Context, path, field string, opts ...Option) ([]dataset.Record, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var (
		recs []dataset.Record
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		recs, err = loadJSONL(path, field, o.limit)
	case ".parquet":
		recs, err = loadParquet(ctx, path, field, o.limit)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, path)
	}
	if err != nil {
		return nil, err
	}
	logger.Log.Debug("loaded dataset file", "path", path, "field", field, "records", len(recs))
	return recs, nil
}

func loadJSONL(path, field string, limit int) ([]dataset.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	defer f.Close()

	var out []dataset.Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		if !gjson.ValidBytes(raw) {
			return nil, fmt.Errorf("%s:%d: invalid JSON", path, line)
		}
		v := gjson.GetBytes(raw, field)
		if !v.Exists() {
			return nil, fmt.Errorf("%w: %q at %s:%d", ErrMissingField, field, path, line)
		}

		rec := dataset.Record{Text: v.String()}
		gjson.ParseBytes(raw).ForEach(func(k, val gjson.Result) bool {
			if k.String() == field || val.IsObject() || val.IsArray() {
				return true
			}
			if rec.Meta == nil {
				rec.Meta = make(map[string]string)
			}
			rec.Meta[k.String()] = val.String()
			return true
		})
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return out, nil
}

func loadParquet(ctx context.Context, path, field string, limit int) ([]dataset.Record, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	pf, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet %s: %w", path, err)
	}
	defer pf.Close()

	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: 4096}, memory.DefaultAllocator)
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet schema %s: %w", path, err)
	}
	tbl, err := fr.ReadTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet %s: %w", path, err)
	}
	defer tbl.Release()

	idx := tbl.Schema().FieldIndices(field)
	if len(idx) == 0 {
		return nil, fmt.Errorf("%w: column %q in %s", ErrMissingField, field, path)
	}
	col := idx[0]

	tr := array.NewTableReader(tbl, 4096)
	defer tr.Release()

	var out []dataset.Record
	for tr.Next() {
		rec := tr.Record()
		texts, err := stringColumn(rec.Column(col))
		if err != nil {
			return nil, fmt.Errorf("%s: column %q: %w", path, field, err)
		}
		for i := 0; i < int(rec.NumRows()); i++ {
			r := dataset.Record{Text: texts(i)}
			for c, f := range rec.Schema().Fields() {
				if c == col {
					continue
				}
				if _, nested := f.Type.(arrow.NestedType); nested {
					continue
				}
				a := rec.Column(c)
				if a.IsNull(i) {
					continue
				}
				if r.Meta == nil {
					r.Meta = make(map[string]string)
				}
				r.Meta[f.Name] = a.ValueStr(i)
			}
			out = append(out, r)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func stringColumn(a arrow.Array) (func(int) string, error) {
	switch s := a.(type) {
	case *array.String:
		return s.Value, nil
	case *array.LargeString:
		return s.Value, nil
	default:
		return nil, fmt.Errorf("%w: type %s is not a string", ErrUnsupported, a.DataType())
	}
}
