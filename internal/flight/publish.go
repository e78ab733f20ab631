package flight

import (
	"context"
	"errors"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-interp/internal/cache"
	"github.com/23skdu/longbow-interp/internal/logger"
)

var ErrNothingToPublish = errors.New("entry has no computed rows")

// DescriptorPath is the Flight path an entry is published under.
func DescriptorPath(k cache.Key) []string {
	return []string{k.Dataset, k.Split, k.Field, k.Model}
}

// PublishRecord flattens the present rows of e into one record. SAE rows
// are max pooled over tokens into (feature_indices, feature_values);
// embedding rows keep their vector.
func PublishRecord(e *cache.Entry, mem memory.Allocator) (arrow.Record, error) {
	if e.Present() == 0 {
		return nil, ErrNothingToPublish
	}

	fields := []arrow.Field{
		{Name: "idx", Type: arrow.PrimitiveTypes.Int64},
		{Name: "text", Type: arrow.BinaryTypes.String},
	}
	switch e.Header.Kind {
	case cache.KindSAE:
		fields = append(fields,
			arrow.Field{Name: "n_tokens", Type: arrow.PrimitiveTypes.Int32},
			arrow.Field{Name: "feature_indices", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
			arrow.Field{Name: "feature_values", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
		)
	default:
		fields = append(fields, arrow.Field{Name: "embedding", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)})
	}
	md := arrow.NewMetadata(
		[]string{"interp.kind", "interp.model", "interp.n_features", "interp.run_id"},
		[]string{string(e.Header.Kind), e.Header.Key.Model, strconv.Itoa(e.Header.NFeatures), e.Header.RunID},
	)
	schema := arrow.NewSchema(fields, &md)

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	idx := b.Field(0).(*array.Int64Builder)
	text := b.Field(1).(*array.StringBuilder)

	for i, r := range e.Rows {
		if r == nil {
			continue
		}
		idx.Append(int64(i))
		text.Append(r.Text)
		if e.Header.Kind != cache.KindSAE {
			lb := b.Field(2).(*array.ListBuilder)
			lb.Append(true)
			lb.ValueBuilder().(*array.Float32Builder).AppendValues(r.Embedding, nil)
			continue
		}

		pooled := r.Features.MaxPool()
		b.Field(2).(*array.Int32Builder).Append(int32(r.Features.Rows))
		ib := b.Field(3).(*array.ListBuilder)
		ib.Append(true)
		ib.ValueBuilder().(*array.Int32Builder).AppendValues(pooled.Indices, nil)
		vb := b.Field(4).(*array.ListBuilder)
		vb.Append(true)
		vb.ValueBuilder().(*array.Float32Builder).AppendValues(pooled.Data, nil)
	}
	return b.NewRecord(), nil
}

// PublishEntry puts the present rows of e under path, or under the entry's
// key when path is empty. It returns the number of rows sent.
func PublishEntry(ctx context.Context, c Client, e *cache.Entry, path []string) (int, error) {
	rec, err := PublishRecord(e, memory.DefaultAllocator)
	if err != nil {
		return 0, err
	}
	defer rec.Release()

	if len(path) == 0 {
		path = DescriptorPath(e.Header.Key)
	}
	if err := c.Publish(ctx, path, rec); err != nil {
		return 0, err
	}
	n := int(rec.NumRows())
	logger.Log.Info("published entry", "path", path, "rows", n, "kind", e.Header.Kind)
	return n, nil
}
