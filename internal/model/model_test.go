package model

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-interp/internal/flight"
	"github.com/23skdu/longbow-interp/internal/gguf"
	"github.com/23skdu/longbow-interp/internal/tokenizer"
)

func writeCheckpoint(t *testing.T, withPositions bool) string {
	t.Helper()
	w := gguf.NewWriter()
	w.AddString("general.name", "tiny")
	// vocab 3, dim 2
	require.NoError(t, w.AddTensor("token_embd.weight", []uint64{2, 3}, []float32{
		1, 2,
		3, 4,
		5, 6,
	}))
	if withPositions {
		require.NoError(t, w.AddTensor("position_embd.weight", []uint64{2, 2}, []float32{
			0.5, 0.5,
			-1, -1,
		}))
	}
	path := filepath.Join(t.TempDir(), "tiny.gguf")
	require.NoError(t, w.WriteFile(path))
	return path
}

func testBatch() *tokenizer.Batch {
	return &tokenizer.Batch{
		InputIDs:      [][]int{{0, 2}, {1, 1}},
		AttentionMask: [][]bool{{true, true}, {true, false}},
		Lengths:       []int{2, 1},
	}
}

func TestParseHookLayer(t *testing.T) {
	tests := []struct {
		hook    string
		want    int
		wantErr bool
	}{
		{"blocks.8.hook_resid_pre", 8, false},
		{"blocks.12.attn.hook_z", 12, false},
		{"hook_embed", 0, true},
		{"blocks.x.hook_resid_pre", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.hook, func(t *testing.T) {
			got, err := ParseHookLayer(tt.hook)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatsAndSanitize(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(-1))
	a := &Activations{Batch: 1, Seq: 2, Dim: 2, Data: []float32{1, nan, -3, inf}}

	st := Stats(a.Data)
	assert.Equal(t, 1, st.NaN)
	assert.Equal(t, 1, st.Inf)
	assert.Equal(t, float32(3), st.MaxAbs)

	got := Sanitize(a, "blocks.0.hook_resid_pre")
	assert.Equal(t, 2, got.NonFinite())
	assert.Equal(t, []float32{1, 0, -3, 0}, a.Data)
	assert.Zero(t, Stats(a.Data).NonFinite())
}

func TestEmbeddingModelForward(t *testing.T) {
	m, err := NewEmbeddingModel(writeCheckpoint(t, true))
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, "tiny", m.Name())
	assert.Equal(t, 2, m.Dim())

	acts, err := m.Forward(context.Background(), testBatch(), HookResidPreLayer0)
	require.NoError(t, err)
	assert.Equal(t, 2, acts.Batch)
	assert.Equal(t, 2, acts.Seq)
	assert.Equal(t, []float32{1.5, 2.5}, acts.Position(0, 0))
	assert.Equal(t, []float32{4, 5}, acts.Position(0, 1))
	assert.Equal(t, []float32{3.5, 4.5}, acts.Position(1, 0))
}

func TestEmbeddingModelWithoutPositions(t *testing.T) {
	m, err := NewEmbeddingModel(writeCheckpoint(t, false))
	require.NoError(t, err)

	acts, err := m.Forward(context.Background(), testBatch(), HookEmbed)
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 6}, acts.Position(0, 1))
}

func TestEmbeddingModelHooks(t *testing.T) {
	m, err := NewEmbeddingModel(writeCheckpoint(t, false))
	require.NoError(t, err)

	tests := []struct {
		hook string
		ok   bool
	}{
		{HookEmbed, true},
		{HookResidPreLayer0, true},
		{"blocks.0.hook_resid_post", false},
		{"blocks.8.hook_resid_pre", false},
		{"hook_pos_embed", false},
	}
	for _, tt := range tests {
		t.Run(tt.hook, func(t *testing.T) {
			_, err := m.Forward(context.Background(), testBatch(), tt.hook)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrUnsupportedHook)
			}
		})
	}
}

func TestEmbeddingModelContextWindow(t *testing.T) {
	m, err := NewEmbeddingModel(writeCheckpoint(t, true))
	require.NoError(t, err)
	assert.Equal(t, 2, m.ContextLength())

	long := &tokenizer.Batch{
		InputIDs:      [][]int{{0, 1, 2}},
		AttentionMask: [][]bool{{true, true, true}},
		Lengths:       []int{3},
	}
	_, err = m.Forward(context.Background(), long, HookEmbed)
	assert.ErrorIs(t, err, tokenizer.ErrContextWindow)

	// Without learned positions any length is accepted.
	m, err = NewEmbeddingModel(writeCheckpoint(t, false))
	require.NoError(t, err)
	assert.Zero(t, m.ContextLength())
	_, err = m.Forward(context.Background(), long, HookEmbed)
	assert.NoError(t, err)
}

func TestEmbeddingModelQuantized(t *testing.T) {
	// Two Q8_0 rows of 32 weights with scale 1: row r holds (-1)^r * i.
	var data []byte
	for r := 0; r < 2; r++ {
		data = append(data, 0x00, 0x3C)
		for i := 0; i < 32; i++ {
			q := int8(i)
			if r == 1 {
				q = -q
			}
			data = append(data, byte(q))
		}
	}
	w := gguf.NewWriter()
	w.AddString("general.name", "q8")
	require.NoError(t, w.AddRawTensor("token_embd.weight", []uint64{32, 2}, gguf.GGMLTypeQ8_0, data))
	path := filepath.Join(t.TempDir(), "q8.gguf")
	require.NoError(t, w.WriteFile(path))

	m, err := NewEmbeddingModel(path)
	require.NoError(t, err)
	assert.Equal(t, 32, m.Dim())

	batch := &tokenizer.Batch{InputIDs: [][]int{{0, 1}}, AttentionMask: [][]bool{{true, true}}, Lengths: []int{2}}
	acts, err := m.Forward(context.Background(), batch, HookEmbed)
	require.NoError(t, err)
	assert.Equal(t, float32(5), acts.Position(0, 0)[5])
	assert.Equal(t, float32(-31), acts.Position(0, 1)[31])
}

func TestEmbeddingModelErrors(t *testing.T) {
	m, err := NewEmbeddingModel(writeCheckpoint(t, false))
	require.NoError(t, err)

	_, err = m.Forward(context.Background(), testBatch(), "blocks.8.hook_resid_pre")
	assert.ErrorIs(t, err, ErrUnsupportedHook)

	bad := &tokenizer.Batch{InputIDs: [][]int{{7}}, AttentionMask: [][]bool{{true}}, Lengths: []int{1}}
	_, err = m.Forward(context.Background(), bad, HookEmbed)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Forward(ctx, testBatch(), HookEmbed)
	assert.ErrorIs(t, err, context.Canceled)

	w := gguf.NewWriter()
	w.AddString("general.name", "empty")
	path := filepath.Join(t.TempDir(), "empty.gguf")
	require.NoError(t, w.WriteFile(path))
	_, err = NewEmbeddingModel(path)
	assert.Error(t, err)
}

func activationRecord(t *testing.T, dim int, rows [][]float32) arrow.Record {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: ActivationsColumn, Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32), Nullable: true},
	}, nil)
	bld := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer bld.Release()

	lb := bld.Field(0).(*array.FixedSizeListBuilder)
	vb := lb.ValueBuilder().(*array.Float32Builder)
	for _, r := range rows {
		if r == nil {
			lb.AppendNull()
			continue
		}
		lb.Append(true)
		vb.AppendValues(r, nil)
	}
	return bld.NewRecord()
}

func TestFlightModelForward(t *testing.T) {
	client := flight.NewMockClient()
	var got ForwardTicket
	client.FetchFunc = func(ctx context.Context, ticket []byte) ([]arrow.Record, error) {
		if err := json.Unmarshal(ticket, &got); err != nil {
			return nil, err
		}
		return []arrow.Record{
			activationRecord(t, 3, [][]float32{{1, 2, 3}, {4, 5, 6}}),
			activationRecord(t, 3, [][]float32{{7, 8, 9}, nil}),
		}, nil
	}

	m, err := NewFlightModel(context.Background(), "remote", client)
	require.NoError(t, err)
	defer m.Close()

	acts, err := m.Forward(context.Background(), testBatch(), "blocks.8.hook_resid_pre")
	require.NoError(t, err)

	assert.Equal(t, "blocks.8.hook_resid_pre", got.Hook)
	assert.Equal(t, [][]int{{0, 2}, {1, 1}}, got.InputIDs)
	assert.Equal(t, 3, acts.Dim)
	assert.Equal(t, []float32{4, 5, 6}, acts.Position(0, 1))
	assert.Equal(t, []float32{7, 8, 9}, acts.Position(1, 0))
	assert.Equal(t, []float32{0, 0, 0}, acts.Position(1, 1))
}

func TestFlightModelRowMismatch(t *testing.T) {
	client := flight.NewMockClient()
	client.FetchFunc = func(ctx context.Context, ticket []byte) ([]arrow.Record, error) {
		return []arrow.Record{activationRecord(t, 2, [][]float32{{1, 2}})}, nil
	}
	m, err := NewFlightModel(context.Background(), "remote", client)
	require.NoError(t, err)

	_, err = m.Forward(context.Background(), testBatch(), HookEmbed)
	assert.Error(t, err)
}

func TestFlightModelFetchError(t *testing.T) {
	client := flight.NewMockClient()
	boom := errors.New("server down")
	client.FetchFunc = func(ctx context.Context, ticket []byte) ([]arrow.Record, error) {
		return nil, boom
	}
	m, err := NewFlightModel(context.Background(), "remote", client)
	require.NoError(t, err)

	_, err = m.Forward(context.Background(), testBatch(), HookEmbed)
	assert.ErrorIs(t, err, boom)
}
