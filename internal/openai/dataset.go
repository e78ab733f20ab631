package openai

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-interp/internal/cache"
	"github.com/23skdu/longbow-interp/internal/logger"
	"github.com/23skdu/longbow-interp/internal/metrics"
)

type EmbedOptions struct {
	Model     string
	BatchSize int
	Root      string // results root; the cache is off when empty
	Mirror    cache.Mirror
}

// Identity is the cache metadata of an OpenAI embedding model.
func Identity(model string) map[string]any {
	return map[string]any{"name": model, "provider": "openai"}
}

// EmbedTexts returns an embedding entry for texts under key, reusing cached
// rows and computing the rest. The entry is saved when anything was
// computed.
func EmbedTexts(ctx context.Context, api EmbeddingsAPI, key cache.Key, texts []string, opts EmbedOptions) (*cache.Entry, error) {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if key.Model == "" {
		key.Model = opts.Model
	}
	md := Identity(opts.Model)
	entry := cache.NewEntry(cache.KindEmbedding, key, md, 0, len(texts))
	log := logger.Log.With("openai")

	var path string
	if opts.Root != "" {
		var lookupOpts []cache.LookupOption
		if opts.Mirror != nil {
			lookupOpts = append(lookupOpts, cache.WithMirror(opts.Mirror))
		}
		res, err := cache.Lookup(ctx, opts.Root, cache.Query{Key: key, Kind: cache.KindEmbedding, Identity: md, Texts: texts}, lookupOpts...)
		if err != nil {
			return nil, err
		}
		path = res.Path
		switch res.State {
		case cache.Hit, cache.Partial:
			entry.Header.RunID = res.Entry.Header.RunID
			entry.Header.CreatedAt = res.Entry.Header.CreatedAt
			entry.Header.NFeatures = res.Entry.Header.NFeatures
			for i, ok := range res.Coverage.Covered {
				if ok {
					entry.Set(i, res.Entry.Rows[i])
				}
			}
			metrics.RecordRowsReused(res.Coverage.Reused)
		case cache.Stale:
			log.Warn("cached embeddings were made differently, recomputing", "path", path)
		}
	}

	missing := entry.Missing()
	if len(missing) == 0 {
		log.Info("all embeddings cached", "key", key.String(), "rows", len(texts), "path", path)
		return entry, nil
	}

	batch := make([]string, len(missing))
	for j, i := range missing {
		batch[j] = texts[i]
	}
	log.Info("computing embeddings", "key", key.String(), "missing", len(missing), "total", len(texts), "batch_size", opts.BatchSize)
	vecs, err := ComputeEmbeddings(ctx, api, batch, opts.Model, opts.BatchSize)
	if err != nil {
		return nil, err
	}
	for j, i := range missing {
		entry.Set(i, &cache.Row{Text: texts[i], Embedding: vecs[j]})
		if entry.Header.NFeatures == 0 {
			entry.Header.NFeatures = len(vecs[j])
		}
	}

	if path != "" {
		if err := cache.Save(path, entry); err != nil {
			return nil, fmt.Errorf("failed to save embeddings: %w", err)
		}
		metrics.RecordCheckpoint("final")
		log.Info("saved embeddings", "rows", len(texts), "path", path)
	}
	return entry, nil
}
