package model

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/23skdu/longbow-interp/internal/gguf"
	"github.com/23skdu/longbow-interp/internal/logger"
	"github.com/23skdu/longbow-interp/internal/metrics"
	"github.com/23skdu/longbow-interp/internal/tokenizer"
)

const (
	tensorTokenEmbd = "token_embd.weight"
	tensorPosEmbd   = "position_embd.weight"
)

// EmbeddingModel serves the layer-0 residual stream of a GGUF checkpoint:
// token embedding plus learned positions when the checkpoint has them.
type EmbeddingModel struct {
	name       string
	dim, vocab int
	nCtx       int
	tokenEmbd  []float32
	posEmbd    []float32
}

func NewEmbeddingModel(path string) (*EmbeddingModel, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if n, ok := f.String("general.name"); ok && n != "" {
		name = n
	}
	return FromGGUF(f, name)
}

// FromGGUF copies the embedding tensors out of f, so f may be closed after.
func FromGGUF(f *gguf.GGUFFile, name string) (*EmbeddingModel, error) {
	info, ok := f.Tensor(tensorTokenEmbd)
	if !ok {
		return nil, fmt.Errorf("checkpoint has no %s tensor", tensorTokenEmbd)
	}
	if len(info.Dimensions) != 2 {
		return nil, fmt.Errorf("%s: expected 2 dims, got %v", tensorTokenEmbd, info.Dimensions)
	}
	tok, err := f.Float32s(tensorTokenEmbd)
	if err != nil {
		return nil, err
	}

	// GGUF lists the fastest-varying dimension first.
	m := &EmbeddingModel{
		name:      name,
		dim:       int(info.Dimensions[0]),
		vocab:     int(info.Dimensions[1]),
		tokenEmbd: tok,
	}

	if pinfo, ok := f.Tensor(tensorPosEmbd); ok {
		if len(pinfo.Dimensions) != 2 || int(pinfo.Dimensions[0]) != m.dim {
			return nil, fmt.Errorf("%s: dims %v do not match embedding dim %d", tensorPosEmbd, pinfo.Dimensions, m.dim)
		}
		pos, err := f.Float32s(tensorPosEmbd)
		if err != nil {
			return nil, err
		}
		m.posEmbd = pos
		m.nCtx = int(pinfo.Dimensions[1])
	}

	metrics.RecordModelLoad("model")
	logger.Log.Info("loaded embedding model",
		"name", m.name, "dim", m.dim, "vocab", m.vocab, "positions", m.nCtx)
	return m, nil
}

func (m *EmbeddingModel) Name() string { return m.name }
func (m *EmbeddingModel) Dim() int { return m.dim }

// ContextLength is the number of learned positions, or 0 when the
// checkpoint has none and any length is accepted.
func (m *EmbeddingModel) ContextLength() int { return m.nCtx }

// checkEmbeddingHook accepts hook_embed and blocks.0.hook_resid_pre.
func checkEmbeddingHook(hook string) error {
	if hook == HookEmbed {
		return nil
	}
	layer, err := ParseHookLayer(hook)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedHook, err)
	}
	if layer != 0 || hook != HookResidPreLayer0 {
		return fmt.Errorf("%w: %s reads layer %d, embedding backend serves %s and %s",
			ErrUnsupportedHook, hook, layer, HookEmbed, HookResidPreLayer0)
	}
	return nil
}

func (m *EmbeddingModel) Forward(ctx context.Context, batch *tokenizer.Batch, hook string) (*Activations, error) {
	if err := checkEmbeddingHook(hook); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seq := batch.SeqLen()
	if m.posEmbd != nil && seq > m.nCtx {
		return nil, fmt.Errorf("%w: sequence of %d tokens, model has %d positions", tokenizer.ErrContextWindow, seq, m.nCtx)
	}
	out := NewActivations(batch.Size(), seq, m.dim)
	for b, ids := range batch.InputIDs {
		for s, id := range ids {
			if id < 0 || id >= m.vocab {
				return nil, fmt.Errorf("token id %d out of range for vocab %d", id, m.vocab)
			}
			dst := out.Position(b, s)
			copy(dst, m.tokenEmbd[id*m.dim:(id+1)*m.dim])
			if m.posEmbd != nil {
				pos := m.posEmbd[s*m.dim : (s+1)*m.dim]
				for k := range dst {
					dst[k] += pos[k]
				}
			}
		}
	}
	return out, nil
}

func (m *EmbeddingModel) Close() error {
	m.tokenEmbd, m.posEmbd = nil, nil
	return nil
}
