package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-interp/internal/dataset"
)

const gsm8k = `{"question": "What is 2+2?", "answer": "2+2 = 4\n#### 4", "id": 7, "tags": ["math"]}
{"question": "What is 3*3?", "answer": "3*3 = 9\n#### 9", "id": 8, "tags": []}

{"question": "Nested?", "answer": {"text": "deep"}, "id": 9}
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func writeParquet(t *testing.T, path string, texts []string, dates []string) {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "text", Type: arrow.BinaryTypes.String},
		{Name: "date", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "n", Type: arrow.PrimitiveTypes.Int64},
	}, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	for i, s := range texts {
		b.Field(0).(*array.StringBuilder).Append(s)
		if dates[i] == "" {
			b.Field(1).(*array.StringBuilder).AppendNull()
		} else {
			b.Field(1).(*array.StringBuilder).Append(dates[i])
		}
		b.Field(2).(*array.Int64Builder).Append(int64(i))
	}
	rec := b.NewRecord()
	defer rec.Release()
	tbl := array.NewTableFromRecords(schema, []arrow.Record{rec})
	defer tbl.Release()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, pqarrow.WriteTable(tbl, f, 1024, parquet.NewWriterProperties(), pqarrow.DefaultWriterProps()))
}

func TestLoadJSONL(t *testing.T) {
	path := writeFile(t, t.TempDir(), "train.jsonl", gsm8k)

	recs, err := Load(context.Background(), path, "question")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "What is 2+2?", recs[0].Text)
	assert.Equal(t, map[string]string{"answer": "2+2 = 4\n#### 4", "id": "7"}, recs[0].Meta)
	assert.Equal(t, map[string]string{"id": "9"}, recs[2].Meta)

	recs, err = Load(context.Background(), path, "answer", WithLimit(2))
	require.NoError(t, err)
	assert.Equal(t, []dataset.Record{
		{Text: "2+2 = 4\n#### 4", Meta: map[string]string{"question": "What is 2+2?", "id": "7"}},
		{Text: "3*3 = 9\n#### 9", Meta: map[string]string{"question": "What is 3*3?", "id": "8"}},
	}, recs)
}

func TestLoadJSONLErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(context.Background(), writeFile(t, dir, "a.jsonl", `{"q": 1}`), "answer")
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = Load(context.Background(), writeFile(t, dir, "b.jsonl", `{"q": `), "q")
	assert.Error(t, err)

	_, err = Load(context.Background(), filepath.Join(dir, "none.jsonl"), "q")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Load(context.Background(), writeFile(t, dir, "c.csv", "q\n1\n"), "q")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestLoadParquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.parquet")
	writeParquet(t, path, []string{"Good morning!", "Hello there!"}, []string{"2022-01-10", ""})

	recs, err := Load(context.Background(), path, "text")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "Good morning!", recs[0].Text)
	assert.Equal(t, map[string]string{"date": "2022-01-10", "n": "0"}, recs[0].Meta)
	assert.Equal(t, map[string]string{"n": "1"}, recs[1].Meta)

	_, err = Load(context.Background(), path, "n")
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = Load(context.Background(), path, "answer")
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestFind(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "gsm8k/train.jsonl", gsm8k)
	writeParquet(t, filepath.Join(dir, "gsm8k/main/test-00001-of-00002.parquet"), []string{"b"}, []string{""})
	writeParquet(t, filepath.Join(dir, "gsm8k/main/test-00000-of-00002.parquet"), []string{"a"}, []string{""})

	files, err := Find(dir, "gsm8k", "train")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "gsm8k", "train.jsonl")}, files)

	files, err = Find(dir, "gsm8k", "test")
	require.NoError(t, err)
	require.Len(t, files, 2)

	recs, err := LoadAll(context.Background(), files, "text")
	require.NoError(t, err)
	assert.Equal(t, "a", recs[0].Text)
	assert.Equal(t, "b", recs[1].Text)

	recs, err = LoadAll(context.Background(), files, "text", WithLimit(1))
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	_, err = Find(dir, "gsm8k", "validation")
	assert.ErrorIs(t, err, ErrNotFound)
}
