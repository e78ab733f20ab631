package sae

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-interp/internal/config"
	"github.com/23skdu/longbow-interp/internal/model"
	"github.com/23skdu/longbow-interp/internal/tokenizer"
)

const testRegistry = `
releases:
  test-release:
    model: test/tiny
    weights: "{release}/{sae_id}.gguf"
    saes:
      blocks.0.hook_resid_pre: {hook: blocks.0.hook_resid_pre}
goodfire:
  Tiny-SAE-l3:
    hf_model: test/tiny
    weights: goodfire/tiny.gguf
    feature_labels_file: goodfire/tiny.labels.json
  Tiny-SAE:
    hf_model: test/tiny
    weights: goodfire/tiny.gguf
`

// fakeLM maps token id t to the activation [t, 1].
type fakeLM struct {
	dim    int
	nCtx   int
	nan    bool
	hooks  []string
	closed int
}

func (f *fakeLM) Name() string       { return "fake" }
func (f *fakeLM) ContextLength() int { return f.nCtx }

func (f *fakeLM) Forward(ctx context.Context, b *tokenizer.Batch, hook string) (*model.Activations, error) {
	f.hooks = append(f.hooks, hook)
	acts := model.NewActivations(b.Size(), b.SeqLen(), f.dim)
	for i, ids := range b.InputIDs {
		for s, id := range ids {
			p := acts.Position(i, s)
			p[0] = float32(id)
			p[1] = 1
			if f.nan {
				p[1] = float32(math.NaN())
			}
		}
	}
	return acts, nil
}

func (f *fakeLM) Close() error {
	f.closed++
	return nil
}

type fixture struct {
	dir   string
	lm    *fakeLM
	loads int
	opts  []Option
}

func testEncoder(t *testing.T) *Encoder {
	t.Helper()
	enc, err := NewEncoder(2, 3,
		[]float32{
			1, 0, -1,
			0, 1, 0,
		},
		[]float32{0, 0, 0}, []float32{0, 0}, nil, ActivationReLU, 0)
	require.NoError(t, err)
	return enc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{dir: t.TempDir(), lm: &fakeLM{dim: 2}}

	reg, err := ParseRegistry([]byte(testRegistry))
	require.NoError(t, err)

	enc := testEncoder(t)
	for _, rel := range []string{"test-release/blocks.0.hook_resid_pre.gguf", "goodfire/tiny.gguf"} {
		path := filepath.Join(f.dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, enc.WriteGGUF(path))
	}

	loader := func(ctx context.Context, name string) (model.LanguageModel, *tokenizer.Tokenizer, error) {
		f.loads++
		tok := tokenizer.NewFromVocab([]string{"<unk>", "<|endoftext|>", "Hello", "Ġworld", "!"})
		return f.lm, tok, nil
	}
	f.opts = []Option{WithRegistry(reg), WithWeightsDir(f.dir), WithModelLoader(loader)}
	return f
}

func TestLocalSAENameAndMetadata(t *testing.T) {
	s := NewLocalSAE("org/release", "blocks.8/hook", WithDevices("cuda:0", "cpu"))
	assert.Equal(t, "local__org__release_blocks.8__hook", s.Name())

	md := s.Metadata()
	assert.Equal(t, "local", md["sae_type"])
	assert.Equal(t, "org/release", md["release"])
	assert.Equal(t, "blocks.8/hook", md["sae_id"])
	assert.Equal(t, map[string]any{"model": "cuda:0", "sae": "cpu"}, md["device"])
	assert.Equal(t, false, md["truncate"])
	assert.Equal(t, config.ContextWindowLimit, md["max_length"])

	short := NewLocalSAE("org/release", "blocks.8/hook", WithTruncate(true, 16)).Metadata()
	long := NewLocalSAE("org/release", "blocks.8/hook", WithTruncate(true, 1024)).Metadata()
	assert.Equal(t, 16, short["max_length"])
	assert.NotEqual(t, short["max_length"], long["max_length"])

	def := NewLocalSAE("", "")
	assert.Equal(t, "local__gpt2-small-res-jb_blocks.8.hook_resid_pre", def.Name())
	assert.Equal(t, "blocks.8.hook_resid_pre", def.Metadata()["hook"])
}

func TestGoodfireSAENameAndMetadata(t *testing.T) {
	s := NewGoodfireSAE("", true)
	assert.Equal(t, "goodfire__Llama-3.3-70B-Instruct-SAE-l50", s.Name())

	md := s.Metadata()
	assert.Equal(t, "goodfire", md["sae_type"])
	assert.Equal(t, true, md["quantize"])
	assert.Equal(t, "blocks.50.hook_resid_post", md["hook"])
}

func TestVariantLayer(t *testing.T) {
	tests := []struct {
		variant string
		want    int
		wantErr bool
	}{
		{"Llama-3.3-70B-Instruct-SAE-l50", 50, false},
		{"Llama-3.1-8B-Instruct-SAE-l19", 19, false},
		{"Tiny-SAE", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.variant, func(t *testing.T) {
			got, err := VariantLayer(tt.variant)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeAutoLoads(t *testing.T) {
	f := newFixture(t)
	s := NewLocalSAE("test-release", "blocks.0.hook_resid_pre", f.opts...)
	assert.Zero(t, s.NFeatures())

	out, err := s.Encode(context.Background(), []string{"Hello world!", "Hello"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 1, f.loads)
	assert.Equal(t, 3, s.NFeatures())
	assert.Equal(t, []string{"blocks.0.hook_resid_pre"}, f.lm.hooks)

	// bos, Hello, Ġworld, ! -> ids 1, 2, 3, 4
	assert.Equal(t, 4, out[0].Rows)
	assert.Equal(t, 3, out[0].Cols)
	assert.Equal(t, []float32{
		1, 1, 0,
		2, 1, 0,
		3, 1, 0,
		4, 1, 0,
	}, out[0].Dense())

	// padding positions are dropped
	assert.Equal(t, 2, out[1].Rows)
	assert.Equal(t, []float32{1, 1, 0, 2, 1, 0}, out[1].Dense())
	for _, m := range out {
		assert.NoError(t, m.Validate())
	}
}

func TestEncodeCapsToModelContext(t *testing.T) {
	f := newFixture(t)
	f.lm.nCtx = 2

	s := NewLocalSAE("test-release", "blocks.0.hook_resid_pre", append(f.opts, WithTruncate(true, 1024))...)
	out, err := s.Encode(context.Background(), []string{"Hello world!"})
	require.NoError(t, err)
	assert.Equal(t, 2, out[0].Rows)

	s = NewLocalSAE("test-release", "blocks.0.hook_resid_pre", append(f.opts, WithTruncate(false, 1024))...)
	_, err = s.Encode(context.Background(), []string{"Hello world!"})
	assert.ErrorIs(t, err, tokenizer.ErrContextWindow)
}

func TestEncodeAlertsOnNonFinite(t *testing.T) {
	f := newFixture(t)
	f.lm.nan = true

	var alerts []string
	alert := func(level, component, message string) {
		alerts = append(alerts, level+" "+component+" "+message)
	}
	s := NewLocalSAE("test-release", "blocks.0.hook_resid_pre", append(f.opts, WithAlerts(alert))...)
	out, err := s.Encode(context.Background(), []string{"Hello"})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "warning sae 2 NaN and 0 Inf activations zeroed at blocks.0.hook_resid_pre", alerts[0])
	// the NaN column was zeroed before encoding
	assert.Equal(t, []float32{1, 0, 0, 2, 0, 0}, out[0].Dense())
}

func TestEncodeEmptyInput(t *testing.T) {
	f := newFixture(t)
	s := NewLocalSAE("test-release", "blocks.0.hook_resid_pre", f.opts...)
	_, err := s.Encode(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Zero(t, f.loads, "empty input must not load models")
}

func TestDestroyThenReload(t *testing.T) {
	f := newFixture(t)
	s := NewLocalSAE("test-release", "blocks.0.hook_resid_pre", f.opts...)
	ctx := context.Background()

	require.NoError(t, s.Load(ctx))
	require.NoError(t, s.Load(ctx))
	assert.Equal(t, 1, f.loads)

	require.NoError(t, s.Destroy())
	assert.Equal(t, 1, f.lm.closed)
	assert.Zero(t, s.NFeatures())

	_, err := s.Encode(ctx, []string{"Hello"})
	require.NoError(t, err)
	assert.Equal(t, 2, f.loads)
}

func TestLoadUnknownRelease(t *testing.T) {
	f := newFixture(t)
	s := NewLocalSAE("missing", "blocks.0.hook_resid_pre", f.opts...)
	assert.ErrorIs(t, s.Load(context.Background()), ErrUnknownSAE)
	assert.Equal(t, "", s.Metadata()["hook"])
}

func TestLoadMissingWeights(t *testing.T) {
	f := newFixture(t)
	opts := append(f.opts, WithWeightsDir(t.TempDir()))
	s := NewLocalSAE("test-release", "blocks.0.hook_resid_pre", opts...)
	assert.Error(t, s.Load(context.Background()))
	assert.Zero(t, f.loads)
}

func TestGoodfireEncodeAndLabels(t *testing.T) {
	f := newFixture(t)
	labels := `{"0": "token identity", "1": "constant", "oops": "skipped"}`
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "goodfire", "tiny.labels.json"), []byte(labels), 0o644))

	s := NewGoodfireSAE("Tiny-SAE-l3", true, f.opts...)
	assert.Nil(t, s.FeatureLabels())

	out, err := s.Encode(context.Background(), []string{"Hello"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []string{"blocks.3.hook_resid_post"}, f.lm.hooks)
	assert.Equal(t, map[int]string{0: "token identity", 1: "constant"}, s.FeatureLabels())
}

func TestGoodfireVariantWithoutLayer(t *testing.T) {
	f := newFixture(t)
	s := NewGoodfireSAE("Tiny-SAE", false, f.opts...)
	assert.Error(t, s.Load(context.Background()))
}

func TestGoodfireMissingLabels(t *testing.T) {
	f := newFixture(t)
	s := NewGoodfireSAE("Tiny-SAE-l3", false, f.opts...)
	require.NoError(t, s.Load(context.Background()))
	assert.Nil(t, s.FeatureLabels())
}

func TestEncodeChat(t *testing.T) {
	f := newFixture(t)
	s := NewLocalSAE("test-release", "blocks.0.hook_resid_pre", f.opts...)
	conv := [][]tokenizer.Message{{{Role: "user", Content: "Hello"}}}

	_, err := s.EncodeChat(context.Background(), conv)
	assert.ErrorIs(t, err, tokenizer.ErrNoChatTemplate)

	s.tok.ChatTemplate = "chatml"
	out, err := s.EncodeChat(context.Background(), conv)
	require.NoError(t, err)
	assert.Len(t, out, 1)

	_, err = s.EncodeChat(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestEncodeWidthMismatch(t *testing.T) {
	f := newFixture(t)
	f.lm.dim = 5
	s := NewLocalSAE("test-release", "blocks.0.hook_resid_pre", f.opts...)
	_, err := s.Encode(context.Background(), []string{"Hello"})
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()

	s, err := FromConfig(cfg.SAE, cfg.Encode)
	require.NoError(t, err)
	assert.IsType(t, &LocalSAE{}, s)
	assert.Equal(t, "local__gpt2-small-res-jb_blocks.8.hook_resid_pre", s.Name())

	cfg.SAE.Type = config.SAETypeGoodfire
	s, err = FromConfig(cfg.SAE, cfg.Encode)
	require.NoError(t, err)
	assert.Equal(t, "goodfire__Llama-3.3-70B-Instruct-SAE-l50", s.Name())
	assert.Equal(t, map[string]any{"model": "auto", "sae": "cpu"}, s.Metadata()["device"])

	cfg.SAE.Registry = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = FromConfig(cfg.SAE, cfg.Encode)
	assert.Error(t, err)
}

func TestDefaultRegistry(t *testing.T) {
	reg := DefaultRegistry()
	spec, err := reg.local(DefaultRelease, DefaultSAEID)
	require.NoError(t, err)
	assert.Equal(t, "blocks.8.hook_resid_pre", spec.Hook)
	assert.Equal(t, "gpt2-small-res-jb/blocks.8.hook_resid_pre.gguf", spec.Weights)

	v, err := reg.goodfire(DefaultVariant)
	require.NoError(t, err)
	assert.Equal(t, "meta-llama/Llama-3.3-70B-Instruct", v.HFModel)
}

func TestLoadFeatureLabelsMissing(t *testing.T) {
	assert.Nil(t, LoadFeatureLabels(""))
	assert.Nil(t, LoadFeatureLabels(filepath.Join(t.TempDir(), "none.json")))

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("not json"), 0o644))
	assert.Nil(t, LoadFeatureLabels(bad))
}
