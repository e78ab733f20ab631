// Package model runs a language model forward to a named hook point and
// returns the dense activations there.
package model

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/23skdu/longbow-interp/internal/tokenizer"
)

const (
	HookEmbed          = "hook_embed"
	HookResidPreLayer0 = "blocks.0.hook_resid_pre"
)

var ErrUnsupportedHook = errors.New("hook not supported by this backend")

// LanguageModel is a forward pass truncated at a hook.
type LanguageModel interface {
	Name() string
	Forward(ctx context.Context, batch *tokenizer.Batch, hook string) (*Activations, error)
	Close() error
}

// Activations is a dense [Batch][Seq][Dim] tensor stored row-major.
type Activations struct {
	Batch, Seq, Dim int
	Data            []float32
}

func NewActivations(batch, seq, dim int) *Activations {
	return &Activations{Batch: batch, Seq: seq, Dim: dim, Data: make([]float32, batch*seq*dim)}
}

// Position returns the Dim-wide vector at (b, s).
func (a *Activations) Position(b, s int) []float32 {
	off := (b*a.Seq + s) * a.Dim
	return a.Data[off : off+a.Dim]
}

var hookLayerRe = regexp.MustCompile(`^blocks\.(\d+)\.`)

// ParseHookLayer extracts N from "blocks.N.<hook>".
func ParseHookLayer(hook string) (int, error) {
	m := hookLayerRe.FindStringSubmatch(hook)
	if m == nil {
		return 0, fmt.Errorf("hook %q has no layer index", hook)
	}
	return strconv.Atoi(m[1])
}
