package model

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/23skdu/longbow-interp/internal/flight"
	"github.com/23skdu/longbow-interp/internal/logger"
	"github.com/23skdu/longbow-interp/internal/metrics"
	"github.com/23skdu/longbow-interp/internal/tokenizer"
)

const ActivationsColumn = "activations"

// ForwardTicket is the DoGet ticket body sent to the activation server.
type ForwardTicket struct {
	Model         string   `json:"model,omitempty"`
	Hook          string   `json:"hook"`
	InputIDs      [][]int  `json:"input_ids"`
	AttentionMask [][]bool `json:"attention_mask"`
}

// FlightModel fetches activations from a remote server. The reply holds
// one row per (sequence, position) in a fixed-size-list column.
type FlightModel struct {
	name   string
	client flight.Client
}

func NewFlightModel(ctx context.Context, name string, client flight.Client) (*FlightModel, error) {
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	metrics.RecordModelLoad("model")
	logger.Log.Info("using remote model", "name", name)
	return &FlightModel{name: name, client: client}, nil
}

func (m *FlightModel) Name() string { return m.name }

func (m *FlightModel) Forward(ctx context.Context, batch *tokenizer.Batch, hook string) (*Activations, error) {
	ticket, err := json.Marshal(ForwardTicket{
		Model:         m.name,
		Hook:          hook,
		InputIDs:      batch.InputIDs,
		AttentionMask: batch.AttentionMask,
	})
	if err != nil {
		return nil, err
	}

	recs, err := m.client.Fetch(ctx, ticket)
	if err != nil {
		return nil, fmt.Errorf("remote forward to %s: %w", hook, err)
	}
	defer flight.Release(recs)

	return DecodeActivations(recs, batch.Size(), batch.SeqLen())
}

// DecodeActivations flattens the activations column of recs into a
// [batch][seq][dim] tensor. Null rows decode as zeros.
func DecodeActivations(recs []arrow.Record, batch, seq int) (*Activations, error) {
	want := batch * seq
	var out *Activations
	row := 0
	for _, rec := range recs {
		idx := rec.Schema().FieldIndices(ActivationsColumn)
		if len(idx) == 0 {
			return nil, fmt.Errorf("reply has no %q column", ActivationsColumn)
		}
		col, ok := rec.Column(idx[0]).(*array.FixedSizeList)
		if !ok {
			return nil, fmt.Errorf("%q column is %s, want fixed_size_list<float32>", ActivationsColumn, rec.Column(idx[0]).DataType())
		}
		dim := int(col.DataType().(*arrow.FixedSizeListType).Len())
		values, ok := col.ListValues().(*array.Float32)
		if !ok {
			return nil, fmt.Errorf("%q values are %s, want float32", ActivationsColumn, col.ListValues().DataType())
		}
		if out == nil {
			out = NewActivations(batch, seq, dim)
		} else if dim != out.Dim {
			return nil, fmt.Errorf("activation width changed from %d to %d", out.Dim, dim)
		}

		for i := 0; i < col.Len(); i++ {
			if row >= want {
				return nil, fmt.Errorf("reply has more than %d rows", want)
			}
			if col.IsValid(i) {
				start := (col.Offset() + i) * dim
				dst := out.Data[row*dim : (row+1)*dim]
				for k := range dst {
					dst[k] = values.Value(start + k)
				}
			}
			row++
		}
	}
	if row != want {
		return nil, fmt.Errorf("reply has %d rows, want %d", row, want)
	}
	return out, nil
}

func (m *FlightModel) Close() error {
	return m.client.Close()
}
