package sae

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/23skdu/longbow-interp/internal/logger"
	"github.com/23skdu/longbow-interp/internal/metrics"
	"github.com/23skdu/longbow-interp/internal/model"
	"github.com/23skdu/longbow-interp/internal/sparse"
	"github.com/23skdu/longbow-interp/internal/tokenizer"
)

// pipeline is the shared load/encode machinery. The concrete SAE types
// supply resolve, which names the model, hook and weight files.
type pipeline struct {
	opts    Options
	log     *logger.Logger
	resolve func() (loadSpec, error)
	onLoad  func()

	mu     sync.Mutex
	loaded bool
	model  model.LanguageModel
	tok    *tokenizer.Tokenizer
	enc    *Encoder
	hook   string
	maxLen int
	labels map[int]string
}

func newPipeline(opts Options, component string) *pipeline {
	return &pipeline{opts: opts, log: logger.Log.With(component)}
}

func (p *pipeline) weightsPath(rel string) string {
	if rel == "" || filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(p.opts.WeightsDir, rel)
}

func (p *pipeline) Load(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadLocked(ctx)
}

func (p *pipeline) loadLocked(ctx context.Context) error {
	if p.loaded {
		return nil
	}
	spec, err := p.resolve()
	if err != nil {
		return err
	}
	if p.onLoad != nil {
		p.onLoad()
	}

	p.log.Info("Loading SAE...", "weights", p.weightsPath(spec.Weights), "device", p.opts.SAEDevice)
	start := time.Now()
	enc, err := LoadEncoder(p.weightsPath(spec.Weights))
	if err != nil {
		return fmt.Errorf("failed to load SAE weights: %w", err)
	}
	metrics.RecordModelLoad("sae")
	p.log.Info("SAE loaded", "d_in", enc.DIn, "d_sae", enc.DSAE, "activation", enc.Activation, "elapsed", time.Since(start))

	hook := spec.Hook
	if enc.HookName != "" && enc.HookName != hook {
		p.log.Warn("weights were trained on a different hook than the registry names", "registry", hook, "weights", enc.HookName)
	}

	loader := p.opts.Loader
	if loader == nil {
		loader = HubLoader("")
	}
	p.log.Info("Loading language model...", "model", spec.Model, "device", p.opts.ModelDevice)
	start = time.Now()
	lm, tok, err := loader(ctx, spec.Model)
	if err != nil {
		return fmt.Errorf("failed to load language model %s: %w", spec.Model, err)
	}
	p.log.Info("language model loaded", "model", lm.Name(), "elapsed", time.Since(start))

	p.model, p.tok, p.enc, p.hook = lm, tok, enc, hook
	p.maxLen = p.opts.MaxLength
	if limit := contextLength(lm, tok); limit > 0 && (p.maxLen <= 0 || limit < p.maxLen) {
		p.log.Warn("max length exceeds the model context, capping", "max_length", p.maxLen, "context", limit)
		p.maxLen = limit
	}
	p.labels = LoadFeatureLabels(p.weightsPath(spec.LabelsFile))
	p.loaded = true
	return nil
}

// Encode returns one matrix per text with a row per real token.
func (p *pipeline) Encode(ctx context.Context, texts []string) ([]*sparse.CSR, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.loadLocked(ctx); err != nil {
		return nil, err
	}
	return p.encodeLocked(ctx, texts)
}

func (p *pipeline) encodeLocked(ctx context.Context, texts []string) ([]*sparse.CSR, error) {
	if !p.loaded {
		return nil, ErrNotLoaded
	}

	start := time.Now()
	batch, err := p.tok.EncodeBatch(texts, tokenizer.BatchOptions{
		PrependBOS: p.tok.BOS >= 0,
		Truncate:   p.opts.Truncate,
		MaxLength:  p.maxLen,
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordStage("tokenize", time.Since(start))

	start = time.Now()
	acts, err := p.model.Forward(ctx, batch, p.hook)
	if err != nil {
		return nil, err
	}
	metrics.RecordStage("forward", time.Since(start))
	if acts.Dim != p.enc.DIn {
		return nil, fmt.Errorf("hook %s has width %d, SAE expects %d", p.hook, acts.Dim, p.enc.DIn)
	}
	if acts.Batch != batch.Size() || acts.Seq != batch.SeqLen() {
		return nil, fmt.Errorf("model returned %dx%d activations for a %dx%d batch", acts.Batch, acts.Seq, batch.Size(), batch.SeqLen())
	}
	if st := model.Sanitize(acts, p.hook); st.NonFinite() > 0 && p.opts.Alert != nil {
		p.opts.Alert("warning", "sae", fmt.Sprintf("%d NaN and %d Inf activations zeroed at %s", st.NaN, st.Inf, p.hook))
	}

	start = time.Now()
	feats, err := p.enc.Encode(acts.Data, acts.Batch*acts.Seq)
	if err != nil {
		return nil, err
	}
	out, err := sparse.FromMaskedBatch(acts.Batch, acts.Seq, p.enc.DSAE, feats, batch.AttentionMask)
	if err != nil {
		return nil, err
	}
	metrics.RecordStage("sae", time.Since(start))

	nnz := 0
	for _, m := range out {
		nnz += m.NNZ()
	}
	metrics.RecordEncodeBatch(len(texts), batch.Tokens(), batch.SeqLen())
	metrics.RecordFeatureDensity(nnz, batch.Tokens(), p.enc.DSAE)
	p.log.Debug("encoded batch", "texts", len(texts), "seq_len", batch.SeqLen(), "tokens", batch.Tokens(), "nnz", nnz)
	return out, nil
}

func (p *pipeline) EncodeChat(ctx context.Context, conversations [][]tokenizer.Message) ([]*sparse.CSR, error) {
	if len(conversations) == 0 {
		return nil, ErrEmptyInput
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.loadLocked(ctx); err != nil {
		return nil, err
	}
	if !p.tok.ChatTemplateExists() {
		return nil, tokenizer.ErrNoChatTemplate
	}
	texts := make([]string, len(conversations))
	for i, conv := range conversations {
		s, err := p.tok.ApplyChatTemplate(conv)
		if err != nil {
			return nil, err
		}
		texts[i] = s
	}
	return p.encodeLocked(ctx, texts)
}

func (p *pipeline) FeatureLabels() map[int]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.labels
}

func (p *pipeline) NFeatures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enc == nil {
		return 0
	}
	return p.enc.DSAE
}

// Hook is the hook point the SAE reads, resolved from the registry.
func (p *pipeline) Hook() string {
	spec, err := p.resolve()
	if err != nil {
		return ""
	}
	return spec.Hook
}

// Destroy frees the model and weights. A later call reloads them.
func (p *pipeline) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.model != nil {
		err = p.model.Close()
	}
	p.model, p.tok, p.enc = nil, nil, nil
	p.loaded = false
	return err
}

// contextLength is the smaller of the model's position count and the
// tokenizer's advertised limit, ignoring unknown values.
func contextLength(lm model.LanguageModel, tok *tokenizer.Tokenizer) int {
	limit := tok.ModelMaxLength
	if cl, ok := lm.(interface{ ContextLength() int }); ok {
		if n := cl.ContextLength(); n > 0 && (limit <= 0 || n < limit) {
			limit = n
		}
	}
	return limit
}

func (p *pipeline) baseMetadata(name string) Metadata {
	return Metadata{
		"name":       name,
		"truncate":   p.opts.Truncate,
		"max_length": p.opts.MaxLength,
		"hook":       p.Hook(),
		"device": map[string]any{
			"model": p.opts.ModelDevice,
			"sae":   p.opts.SAEDevice,
		},
	}
}
