// Package openai computes text embeddings with the OpenAI API and caches
// them beside the SAE feature datasets.
package openai

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/23skdu/longbow-interp/internal/logger"
	"github.com/23skdu/longbow-interp/internal/metrics"
)

const (
	DefaultEnvVar    = "OPENAI_KEY"
	DefaultModel     = "text-embedding-3-large"
	DefaultBatchSize = 256
)

var ErrMissingKey = errors.New("openai api key is not set")

// EmbeddingsAPI is the part of the OpenAI client used here.
type EmbeddingsAPI interface {
	New(ctx context.Context, body oai.EmbeddingNewParams, opts ...option.RequestOption) (*oai.CreateEmbeddingResponse, error)
}

// LoadClient reads a .env file when present and builds an embeddings client
// from the key in envVar.
func LoadClient(envVar string, opts ...option.RequestOption) (EmbeddingsAPI, error) {
	if envVar == "" {
		envVar = DefaultEnvVar
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Log.Warn("failed to read .env", "error", err)
	}
	key := os.Getenv(envVar)
	if key == "" {
		return nil, fmt.Errorf("%w: export %s or add it to .env", ErrMissingKey, envVar)
	}
	client := oai.NewClient(append([]option.RequestOption{option.WithAPIKey(key)}, opts...)...)
	return &client.Embeddings, nil
}

// ComputeEmbeddings embeds texts in batches, returning one vector per text
// in input order.
func ComputeEmbeddings(ctx context.Context, api EmbeddingsAPI, texts []string, model string, batchSize int) ([][]float32, error) {
	if model == "" {
		model = DefaultModel
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	out := make([][]float32, 0, len(texts))
	for lo := 0; lo < len(texts); lo += batchSize {
		hi := lo + batchSize
		if hi > len(texts) {
			hi = len(texts)
		}
		batch, err := embedBatch(ctx, api, texts[lo:hi], model)
		if err != nil {
			return nil, fmt.Errorf("embedding texts %d-%d: %w", lo, hi-1, err)
		}
		out = append(out, batch...)
		logger.Log.Debug("embedded batch", "model", model, "done", hi, "total", len(texts))
	}
	if len(out) != len(texts) {
		return nil, fmt.Errorf("got %d embeddings for %d texts", len(out), len(texts))
	}
	return out, nil
}

func embedBatch(ctx context.Context, api EmbeddingsAPI, texts []string, model string) ([][]float32, error) {
	start := time.Now()
	resp, err := api.New(ctx, oai.EmbeddingNewParams{
		Input: oai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: oai.EmbeddingModel(model),
	})
	metrics.RecordEmbeddingRequest(err, time.Since(start))
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("api returned %d embeddings for %d texts", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		i := int(d.Index)
		if i < 0 || i >= len(texts) || out[i] != nil {
			return nil, fmt.Errorf("api returned bad embedding index %d", d.Index)
		}
		v := make([]float32, len(d.Embedding))
		for k, x := range d.Embedding {
			v[k] = float32(x)
		}
		out[i] = v
	}
	return out, nil
}
