// Package sae encodes text into sparse autoencoder feature activations:
// tokenize, run the language model to the SAE's hook, apply the encoder,
// and keep one sparse token-by-feature matrix per text.
package sae

import (
	"context"
	"errors"

	"github.com/23skdu/longbow-interp/internal/config"
	"github.com/23skdu/longbow-interp/internal/sparse"
	"github.com/23skdu/longbow-interp/internal/tokenizer"
)

var (
	ErrNotLoaded  = errors.New("SAE models are not loaded")
	ErrEmptyInput = errors.New("there must be at least one text to encode")
)

type SAE interface {
	Name() string
	Metadata() Metadata
	Load(ctx context.Context) error
	Encode(ctx context.Context, texts []string) ([]*sparse.CSR, error)
	EncodeChat(ctx context.Context, conversations [][]tokenizer.Message) ([]*sparse.CSR, error)
	FeatureLabels() map[int]string
	// NFeatures is the SAE width, 0 until loaded.
	NFeatures() int
	Destroy() error
}

// Metadata describes an SAE's identity and settings. It is stored in cache
// headers and compared on lookup, so values must survive a JSON round trip.
type Metadata map[string]any

type Options struct {
	ModelDevice string
	SAEDevice   string
	Truncate    bool
	MaxLength   int
	WeightsDir  string
	Registry    *Registry
	Loader      ModelLoader

	// Alert receives non-fatal problems such as non-finite activations;
	// monitoring.HealthMonitor.AddAlert fits.
	Alert func(level, component, message string)
}

type Option func(*Options)

func WithDevices(model, sae string) Option {
	return func(o *Options) { o.ModelDevice, o.SAEDevice = model, sae }
}

func WithTruncate(truncate bool, maxLength int) Option {
	return func(o *Options) { o.Truncate, o.MaxLength = truncate, maxLength }
}

func WithWeightsDir(dir string) Option {
	return func(o *Options) { o.WeightsDir = dir }
}

func WithRegistry(r *Registry) Option {
	return func(o *Options) { o.Registry = r }
}

func WithModelLoader(l ModelLoader) Option {
	return func(o *Options) { o.Loader = l }
}

func WithAlerts(fn func(level, component, message string)) Option {
	return func(o *Options) { o.Alert = fn }
}

func defaultOptions() Options {
	return Options{
		ModelDevice: "auto",
		SAEDevice:   "cpu",
		MaxLength:   config.ContextWindowLimit,
	}
}

func buildOptions(opts []Option) Options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Registry == nil {
		o.Registry = DefaultRegistry()
	}
	return o
}

// FromConfig builds the SAE named by cfg.
func FromConfig(cfg config.SAEConfig, enc config.EncodeConfig, opts ...Option) (SAE, error) {
	reg, err := LoadRegistry(cfg.Registry)
	if err != nil {
		return nil, err
	}
	base := []Option{
		WithDevices(cfg.ModelDevice, cfg.SAEDevice),
		WithTruncate(enc.Truncate, enc.MaxLength),
		WithWeightsDir(cfg.WeightsDir),
		WithRegistry(reg),
	}
	opts = append(base, opts...)

	switch cfg.Type {
	case config.SAETypeGoodfire:
		return NewGoodfireSAE(cfg.VariantName, cfg.Quantize, opts...), nil
	default:
		return NewLocalSAE(cfg.Release, cfg.SAEID, opts...), nil
	}
}
