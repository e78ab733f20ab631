// Package dataset pairs a list of texts with their SAE feature
// activations, computing only what the on-disk cache does not already hold.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/23skdu/longbow-interp/internal/cache"
	"github.com/23skdu/longbow-interp/internal/logger"
	"github.com/23skdu/longbow-interp/internal/metrics"
	"github.com/23skdu/longbow-interp/internal/sae"
	"github.com/23skdu/longbow-interp/internal/sparse"
)

const (
	DefaultBatchSize       = 8
	DefaultCheckpointEvery = 10
)

var ErrEmpty = errors.New("dataset has no records")

type Record struct {
	Text string
	Meta map[string]string
}

type Options struct {
	BatchSize       int
	CheckpointEvery int // batches between checkpoints; 0 disables them

	// Root and Key enable the cache. Without them nothing is read or saved.
	Root   string
	Key    *cache.Key
	Mirror cache.Mirror

	Progress func(done, total int)
	Alert    cache.AlertFunc
}

type Option func(*Options)

func WithBatchSize(n int) Option {
	return func(o *Options) { o.BatchSize = n }
}

func WithCheckpointEvery(n int) Option {
	return func(o *Options) { o.CheckpointEvery = n }
}

func WithCache(root string, key cache.Key) Option {
	return func(o *Options) { o.Root, o.Key = root, &key }
}

func WithMirror(m cache.Mirror) Option {
	return func(o *Options) { o.Mirror = m }
}

func WithProgress(fn func(done, total int)) Option {
	return func(o *Options) { o.Progress = fn }
}

// WithAlerts reports failed checkpoints and mirror pulls to fn.
func WithAlerts(fn cache.AlertFunc) Option {
	return func(o *Options) { o.Alert = fn }
}

type Dataset struct {
	entry *cache.Entry
	path  string
}

// New encodes records with s. When a cache is configured, rows already
// cached for the same texts and SAE are reused, the rest are computed in
// batches, and progress is checkpointed so an interrupted run resumes.
func New(ctx context.Context, records []Record, s sae.SAE, opts ...Option) (*Dataset, error) {
	if len(records) == 0 {
		return nil, ErrEmpty
	}
	o := Options{BatchSize: DefaultBatchSize, CheckpointEvery: DefaultCheckpointEvery}
	for _, opt := range opts {
		opt(&o)
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}

	texts := make([]string, len(records))
	for i, r := range records {
		texts[i] = r.Text
	}

	md := s.Metadata()
	key := cache.Key{Model: s.Name()}
	if o.Key != nil {
		key = *o.Key
	}
	entry := cache.NewEntry(cache.KindSAE, key, md, s.NFeatures(), len(records))
	log := logger.Log.With("dataset")

	d := &Dataset{entry: entry}
	if o.Key != nil {
		var lookupOpts []cache.LookupOption
		if o.Mirror != nil {
			lookupOpts = append(lookupOpts, cache.WithMirror(o.Mirror))
		}
		if o.Alert != nil {
			lookupOpts = append(lookupOpts, cache.WithAlert(o.Alert))
		}
		res, err := cache.Lookup(ctx, o.Root, cache.Query{Key: key, Kind: cache.KindSAE, Identity: md, Texts: texts}, lookupOpts...)
		if err != nil {
			return nil, err
		}
		d.path = res.Path

		switch res.State {
		case cache.Hit, cache.Partial:
			entry.Header.RunID = res.Entry.Header.RunID
			entry.Header.CreatedAt = res.Entry.Header.CreatedAt
			entry.Header.NFeatures = res.Entry.Header.NFeatures
			entry.Header.Labels = res.Entry.Header.Labels
			for i, ok := range res.Coverage.Covered {
				if ok {
					entry.Set(i, res.Entry.Rows[i])
				}
			}
			metrics.RecordRowsReused(res.Coverage.Reused)
			log.Info("resuming from cache", "path", res.Path, "state", res.State,
				"reused", res.Coverage.Reused, "total", len(records))
		case cache.Stale:
			log.Warn("cached entry was made with a different SAE, recomputing", "path", res.Path)
		}
	}
	for i, r := range records {
		if entry.Rows[i] != nil {
			entry.Rows[i].Meta = r.Meta
		}
	}

	missing := entry.Missing()
	if len(missing) == 0 {
		if entry.Header.Labels == nil {
			entry.Header.Labels = s.FeatureLabels()
		}
		log.Info("all rows cached", "path", d.path, "rows", len(records))
		return d, nil
	}

	checkpoint := func(reason string) error {
		if d.path == "" {
			return nil
		}
		if err := cache.Save(d.path, entry); err != nil {
			err = fmt.Errorf("checkpoint (%s) failed: %w", reason, err)
			if o.Alert != nil {
				o.Alert("error", "dataset", fmt.Sprintf("%s: %v", key.String(), err))
			}
			return err
		}
		metrics.RecordCheckpoint(reason)
		log.Info("checkpoint saved", "reason", reason, "path", d.path, "present", entry.Present(), "total", entry.Len())
		return nil
	}
	// abort saves what is done so far and returns cause.
	abort := func(reason string, cause error) (*Dataset, error) {
		if err := checkpoint(reason); err != nil {
			log.Error("failed to save partial progress", "error", err)
		}
		return nil, cause
	}

	log.Info("encoding", "missing", len(missing), "total", len(records), "batch_size", o.BatchSize)
	start := time.Now()
	sinceCheckpoint := 0
	done := len(records) - len(missing)
	for lo := 0; lo < len(missing); lo += o.BatchSize {
		if err := ctx.Err(); err != nil {
			return abort("interrupt", err)
		}
		hi := lo + o.BatchSize
		if hi > len(missing) {
			hi = len(missing)
		}
		idx := missing[lo:hi]
		batch := make([]string, len(idx))
		for j, i := range idx {
			batch[j] = texts[i]
		}

		feats, err := s.Encode(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				return abort("interrupt", err)
			}
			return abort("error", fmt.Errorf("encoding rows %d-%d: %w", idx[0], idx[len(idx)-1], err))
		}
		if len(feats) != len(idx) {
			return abort("error", fmt.Errorf("SAE returned %d results for %d texts", len(feats), len(idx)))
		}
		for j, i := range idx {
			entry.Set(i, &cache.Row{Text: texts[i], Meta: records[i].Meta, Features: feats[j]})
		}
		if entry.Header.NFeatures == 0 && len(feats) > 0 {
			entry.Header.NFeatures = feats[0].Cols
		}

		done += len(idx)
		if o.Progress != nil {
			o.Progress(done, len(records))
		}
		sinceCheckpoint++
		if o.CheckpointEvery > 0 && sinceCheckpoint >= o.CheckpointEvery && hi < len(missing) {
			if err := checkpoint("periodic"); err != nil {
				return nil, err
			}
			sinceCheckpoint = 0
		}
	}

	entry.Header.Labels = s.FeatureLabels()
	if err := checkpoint("final"); err != nil {
		return nil, err
	}
	log.Info("encoded dataset", "rows", len(missing), "elapsed", time.Since(start))
	return d, nil
}

// LoadFromFile opens a dataset saved by SaveToFile or a cache run.
func LoadFromFile(path string) (*Dataset, error) {
	e, err := cache.Load(path)
	if err != nil {
		return nil, err
	}
	if e.Header.Kind != cache.KindSAE {
		return nil, fmt.Errorf("%s holds %s rows, not SAE features", path, e.Header.Kind)
	}
	return &Dataset{entry: e, path: path}, nil
}

// FromEntry wraps an in-memory SAE entry.
func FromEntry(e *cache.Entry) *Dataset {
	return &Dataset{entry: e}
}

func (d *Dataset) SaveToFile(path string) error {
	if err := cache.Save(path, d.entry); err != nil {
		return err
	}
	d.path = path
	return nil
}

func (d *Dataset) Len() int { return d.entry.Len() }
func (d *Dataset) Path() string { return d.path }
func (d *Dataset) Header() cache.Header { return d.entry.Header }
func (d *Dataset) Entry() *cache.Entry { return d.entry }
func (d *Dataset) Complete() bool { return d.entry.Complete() }
func (d *Dataset) NFeatures() int { return d.entry.Header.NFeatures }
func (d *Dataset) Row(i int) *cache.Row { return d.entry.Rows[i] }
func (d *Dataset) FeatureLabels() map[int]string { return d.entry.Header.Labels }

// Texts returns every text; missing rows give "".
func (d *Dataset) Texts() []string {
	out := make([]string, d.entry.Len())
	for i, r := range d.entry.Rows {
		if r != nil {
			out[i] = r.Text
		}
	}
	return out
}

// Features is the token-by-feature matrix of row i, nil when missing.
func (d *Dataset) Features(i int) *sparse.CSR {
	if r := d.entry.Rows[i]; r != nil {
		return r.Features
	}
	return nil
}

type Pooling int

const (
	PoolMax Pooling = iota
	PoolSum
	PoolBinary
)

// Pooled reduces row i over tokens. Binary gives 1 for every feature active
// on any token.
func (d *Dataset) Pooled(i int, p Pooling) sparse.Vector {
	m := d.Features(i)
	if m == nil {
		return sparse.Vector{Len: d.NFeatures()}
	}
	switch p {
	case PoolSum:
		return m.SumPool()
	case PoolBinary:
		cols := m.ActiveColumns()
		ones := make([]float32, len(cols))
		for k := range ones {
			ones[k] = 1
		}
		return sparse.Vector{Len: m.Cols, Indices: cols, Data: ones}
	default:
		return m.MaxPool()
	}
}
