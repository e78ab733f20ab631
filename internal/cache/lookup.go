package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/23skdu/longbow-interp/internal/logger"
	"github.com/23skdu/longbow-interp/internal/metrics"
)

type State string

const (
	Miss    State = "miss"
	Hit     State = "hit"
	Partial State = "partial"
	Stale   State = "stale"
)

// identityExcluded are metadata keys that do not change encoded values.
var identityExcluded = map[string]bool{"device": true}

// Mirror is a remote copy of the results tree, addressed by paths relative
// to the results root. Pull wraps fs.ErrNotExist for absent objects.
type Mirror interface {
	Pull(ctx context.Context, rel, dst string) error
}

type Query struct {
	Key      Key
	Kind     Kind
	Identity map[string]any
	Texts    []string
}

// Coverage says which requested texts an entry already holds.
type Coverage struct {
	Covered []bool
	Reused  int
}

func (c Coverage) Missing() []int {
	var out []int
	for i, ok := range c.Covered {
		if !ok {
			out = append(out, i)
		}
	}
	return out
}

type Result struct {
	State    State
	Path     string
	Entry    *Entry
	Coverage Coverage
}

// ComputeCoverage marks text i covered when the entry has row i and its
// text matches. Rows past the entry's end are missing.
func ComputeCoverage(e *Entry, texts []string) Coverage {
	c := Coverage{Covered: make([]bool, len(texts))}
	if e == nil {
		return c
	}
	for i, t := range texts {
		if i < len(e.Rows) && e.Rows[i] != nil && e.Rows[i].Text == t {
			c.Covered[i] = true
			c.Reused++
		}
	}
	return c
}

// SameIdentity compares metadata as JSON, ignoring device placement.
func SameIdentity(a, b map[string]any) bool {
	return canonical(a) == canonical(b)
}

func canonical(m map[string]any) string {
	filtered := make(map[string]any, len(m))
	for k, v := range m {
		if !identityExcluded[k] {
			filtered[k] = v
		}
	}
	data, err := json.Marshal(filtered)
	if err != nil {
		return fmt.Sprintf("%v", filtered)
	}
	return string(data)
}

type LookupOption func(*lookupOptions)

// AlertFunc receives operational problems that do not fail the call. It
// matches monitoring.HealthMonitor.AddAlert.
type AlertFunc func(level, component, message string)

type lookupOptions struct {
	mirror Mirror
	alert  AlertFunc
}

func WithMirror(m Mirror) LookupOption {
	return func(o *lookupOptions) { o.mirror = m }
}

// WithAlert reports mirror pull failures to fn.
func WithAlert(fn AlertFunc) LookupOption {
	return func(o *lookupOptions) { o.alert = fn }
}

// Lookup loads the entry for q.Key under root and classifies it against
// the request. A missing local file is pulled from the mirror first when
// one is configured. Corrupt files are reported as misses.
func Lookup(ctx context.Context, root string, q Query, opts ...LookupOption) (*Result, error) {
	var o lookupOptions
	for _, opt := range opts {
		opt(&o)
	}

	path, err := q.Key.Path(root)
	if err != nil {
		return nil, err
	}
	res := &Result{State: Miss, Path: path, Coverage: ComputeCoverage(nil, q.Texts)}
	defer func() { metrics.RecordCacheLookup(string(q.Kind), string(res.State)) }()

	e, err := Load(path)
	if errors.Is(err, ErrNotFound) && o.mirror != nil {
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return nil, rerr
		}
		if perr := o.mirror.Pull(ctx, filepath.ToSlash(rel), path); perr == nil {
			logger.Log.Info("pulled cache entry from mirror", "key", q.Key.String())
			e, err = Load(path)
		} else if !errors.Is(perr, fs.ErrNotExist) {
			logger.Log.Warn("mirror pull failed", "key", q.Key.String(), "error", perr)
			if o.alert != nil {
				o.alert("warning", "cache", fmt.Sprintf("mirror pull of %s failed: %v", q.Key.String(), perr))
			}
		}
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return res, nil
	case errors.Is(err, ErrCorrupt):
		logger.Log.Warn("ignoring corrupt cache entry", "path", path, "error", err)
		return res, nil
	case err != nil:
		return nil, err
	}

	res.Entry = e
	if e.Header.Kind != q.Kind || e.Header.Key.Model != q.Key.Model || !SameIdentity(e.Header.Metadata, q.Identity) {
		res.State = Stale
		logger.Log.Warn("cache entry does not match the requested model", "path", path,
			"cached", canonical(e.Header.Metadata), "requested", canonical(q.Identity))
		return res, nil
	}

	res.Coverage = ComputeCoverage(e, q.Texts)
	switch {
	case res.Coverage.Reused == len(q.Texts) && len(q.Texts) > 0:
		res.State = Hit
	case res.Coverage.Reused > 0:
		res.State = Partial
	default:
		res.State = Miss
	}
	logger.Log.Debug("cache lookup", "key", q.Key.String(), "state", res.State,
		"reused", res.Coverage.Reused, "requested", len(q.Texts))
	return res, nil
}
