package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-interp/internal/sparse"
)

var testKey = Key{Dataset: "openai/gsm8k", Split: "train", Field: "answer", Model: "local__tiny_blocks.0.hook_resid_pre"}

func identity() map[string]any {
	return map[string]any{
		"name":     testKey.Model,
		"sae_type": "local",
		"release":  "tiny",
		"truncate": false,
		"device":   map[string]any{"model": "auto", "sae": "cpu"},
	}
}

func features(t *testing.T, rows int, data []float32) *sparse.CSR {
	t.Helper()
	m, err := sparse.FromDense(rows, 4, data)
	require.NoError(t, err)
	return m
}

func sampleEntry(t *testing.T) *Entry {
	e := NewEntry(KindSAE, testKey, identity(), 4, 3)
	e.Header.Labels = map[int]string{1: "greeting"}
	e.Set(0, &Row{Text: "first", Meta: map[string]string{"date": "2022-01-10"}, Features: features(t, 2, []float32{0, 1, 0, 0, 2.5, 0, 0, 3})})
	e.Set(2, &Row{Text: "third", Features: features(t, 1, []float32{0, 0, 7, 0})})
	return e
}

func TestKeyPath(t *testing.T) {
	root := t.TempDir()
	p, err := testKey.Path(root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "datasets", "openai__gsm8k", "train", "answer", testKey.Model+".arrow"), p)
	assert.DirExists(t, filepath.Dir(p))
}

func TestEntryAccounting(t *testing.T) {
	e := sampleEntry(t)
	assert.Equal(t, 3, e.Len())
	assert.Equal(t, 2, e.Present())
	assert.Equal(t, []int{1}, e.Missing())
	assert.False(t, e.Complete())
	assert.Equal(t, 2, e.Rows[2].Index)
	assert.NotEmpty(t, e.Header.RunID)
}

func TestSaveLoadSAE(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entry.arrow")
	e := sampleEntry(t)
	require.NoError(t, Save(path, e))

	got, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, KindSAE, got.Header.Kind)
	assert.Equal(t, FormatVersion, got.Header.Version)
	assert.Equal(t, testKey, got.Header.Key)
	assert.Equal(t, 4, got.Header.NFeatures)
	assert.Equal(t, e.Header.RunID, got.Header.RunID)
	assert.True(t, SameIdentity(identity(), got.Header.Metadata))
	assert.True(t, got.Header.CreatedAt.Equal(e.Header.CreatedAt))

	require.Equal(t, 3, got.Len())
	assert.Nil(t, got.Rows[1])
	assert.Equal(t, "first", got.Rows[0].Text)
	assert.True(t, got.Rows[0].Features.Equal(e.Rows[0].Features))
	assert.True(t, got.Rows[2].Features.Equal(e.Rows[2].Features))
	assert.Equal(t, float32(2.5), got.Rows[0].Features.At(1, 0))
	assert.Equal(t, map[string]string{"date": "2022-01-10"}, got.Rows[0].Meta)
	assert.Nil(t, got.Rows[2].Meta)
	assert.Equal(t, map[int]string{1: "greeting"}, got.Header.Labels)

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".*tmp-*"))
	assert.Empty(t, matches, "temp files must not be left behind")
}

func TestSavePreservesCreatedAt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entry.arrow")
	e := sampleEntry(t)
	require.NoError(t, Save(path, e))
	created := e.Header.CreatedAt

	e.Set(1, &Row{Text: "second", Features: features(t, 1, []float32{1, 0, 0, 0})})
	require.NoError(t, Save(path, e))

	got, err := Load(path)
	require.NoError(t, err)
	assert.True(t, got.Header.CreatedAt.Equal(created))
	assert.False(t, got.Header.UpdatedAt.Before(created))
	assert.True(t, got.Complete())
}

func TestSaveLoadEmbedding(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emb.arrow")
	k := Key{Dataset: "gsm8k", Split: "train", Field: "answer", Model: "text-embedding-3-large"}
	e := NewEntry(KindEmbedding, k, map[string]any{"model": "text-embedding-3-large"}, 3, 2)
	e.Set(1, &Row{Text: "b", Embedding: []float32{0.1, 0.2, 0.3}})
	require.NoError(t, Save(path, e))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, KindEmbedding, got.Header.Kind)
	assert.Nil(t, got.Rows[0])
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, got.Rows[1].Embedding)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.arrow"))
	assert.ErrorIs(t, err, ErrNotFound)

	garbage := filepath.Join(dir, "garbage.arrow")
	require.NoError(t, os.WriteFile(garbage, []byte("definitely not arrow"), 0o644))
	_, err = Load(garbage)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestLoadRejectsInvalidFeatures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.arrow")
	e := NewEntry(KindSAE, testKey, identity(), 4, 1)
	// column 9 is out of range for 4 features
	e.Set(0, &Row{Text: "x", Features: &sparse.CSR{Rows: 1, Cols: 4, Indptr: []int64{0, 1}, Indices: []int32{9}, Data: []float32{1}}})
	require.NoError(t, Save(path, e))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestSaveRejectsUnknownKind(t *testing.T) {
	e := NewEntry(Kind("bogus"), testKey, nil, 0, 1)
	assert.Error(t, Save(filepath.Join(t.TempDir(), "x.arrow"), e))
}

func TestComputeCoverage(t *testing.T) {
	e := sampleEntry(t)
	tests := []struct {
		name    string
		texts   []string
		covered []bool
	}{
		{"exact", []string{"first", "second", "third"}, []bool{true, false, true}},
		{"text changed", []string{"first", "second", "THIRD"}, []bool{true, false, false}},
		{"longer request", []string{"first", "x", "third", "fourth"}, []bool{true, false, true, false}},
		{"shorter request", []string{"first"}, []bool{true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ComputeCoverage(e, tt.texts)
			assert.Equal(t, tt.covered, c.Covered)
		})
	}

	c := ComputeCoverage(nil, []string{"a", "b"})
	assert.Equal(t, []int{0, 1}, c.Missing())
}

func TestSameIdentityIgnoresDevice(t *testing.T) {
	a := identity()
	b := identity()
	b["device"] = map[string]any{"model": "cuda:0", "sae": "cuda:1"}
	assert.True(t, SameIdentity(a, b))

	b["release"] = "other"
	assert.False(t, SameIdentity(a, b))
}

func saveAt(t *testing.T, root string, e *Entry) {
	t.Helper()
	path, err := e.Header.Key.Path(root)
	require.NoError(t, err)
	require.NoError(t, Save(path, e))
}

func TestLookupStates(t *testing.T) {
	ctx := context.Background()
	full := []string{"first", "second", "third"}

	t.Run("miss", func(t *testing.T) {
		res, err := Lookup(ctx, t.TempDir(), Query{Key: testKey, Kind: KindSAE, Identity: identity(), Texts: full})
		require.NoError(t, err)
		assert.Equal(t, Miss, res.State)
		assert.Nil(t, res.Entry)
		assert.Len(t, res.Coverage.Missing(), 3)
	})

	t.Run("partial", func(t *testing.T) {
		root := t.TempDir()
		saveAt(t, root, sampleEntry(t))
		res, err := Lookup(ctx, root, Query{Key: testKey, Kind: KindSAE, Identity: identity(), Texts: full})
		require.NoError(t, err)
		assert.Equal(t, Partial, res.State)
		assert.Equal(t, 2, res.Coverage.Reused)
		assert.Equal(t, []int{1}, res.Coverage.Missing())
	})

	t.Run("hit", func(t *testing.T) {
		root := t.TempDir()
		saveAt(t, root, sampleEntry(t))
		res, err := Lookup(ctx, root, Query{Key: testKey, Kind: KindSAE, Identity: identity(), Texts: []string{"first"}})
		require.NoError(t, err)
		assert.Equal(t, Hit, res.State)
	})

	t.Run("stale identity", func(t *testing.T) {
		root := t.TempDir()
		saveAt(t, root, sampleEntry(t))
		other := identity()
		other["truncate"] = true
		res, err := Lookup(ctx, root, Query{Key: testKey, Kind: KindSAE, Identity: other, Texts: full})
		require.NoError(t, err)
		assert.Equal(t, Stale, res.State)
		assert.NotNil(t, res.Entry)
	})

	t.Run("stale kind", func(t *testing.T) {
		root := t.TempDir()
		saveAt(t, root, sampleEntry(t))
		res, err := Lookup(ctx, root, Query{Key: testKey, Kind: KindEmbedding, Identity: identity(), Texts: full})
		require.NoError(t, err)
		assert.Equal(t, Stale, res.State)
	})

	t.Run("no overlap", func(t *testing.T) {
		root := t.TempDir()
		saveAt(t, root, sampleEntry(t))
		res, err := Lookup(ctx, root, Query{Key: testKey, Kind: KindSAE, Identity: identity(), Texts: []string{"x", "y"}})
		require.NoError(t, err)
		assert.Equal(t, Miss, res.State)
	})

	t.Run("corrupt", func(t *testing.T) {
		root := t.TempDir()
		path, err := testKey.Path(root)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, []byte("junk"), 0o644))
		res, err := Lookup(ctx, root, Query{Key: testKey, Kind: KindSAE, Identity: identity(), Texts: full})
		require.NoError(t, err)
		assert.Equal(t, Miss, res.State)
	})
}

// dirMirror serves files from another results root.
type dirMirror struct {
	root  string
	pulls []string
}

func (m *dirMirror) Pull(ctx context.Context, rel, dst string) error {
	m.pulls = append(m.pulls, rel)
	src, err := os.Open(filepath.Join(m.root, filepath.FromSlash(rel)))
	if err != nil {
		return fmt.Errorf("pull %s: %w", rel, fs.ErrNotExist)
	}
	defer src.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, src)
	return err
}

func TestLookupPullsFromMirror(t *testing.T) {
	remote := t.TempDir()
	saveAt(t, remote, sampleEntry(t))
	m := &dirMirror{root: remote}

	local := t.TempDir()
	res, err := Lookup(context.Background(), local, Query{Key: testKey, Kind: KindSAE, Identity: identity(), Texts: []string{"first", "second", "third"}}, WithMirror(m))
	require.NoError(t, err)
	assert.Equal(t, Partial, res.State)
	require.Len(t, m.pulls, 1)
	assert.Equal(t, "datasets/openai__gsm8k/train/answer/"+testKey.Model+".arrow", m.pulls[0])
	assert.FileExists(t, res.Path)

	// once the file is local, the mirror is not consulted
	_, err = Lookup(context.Background(), local, Query{Key: testKey, Kind: KindSAE, Identity: identity(), Texts: []string{"first"}}, WithMirror(m))
	require.NoError(t, err)
	assert.Len(t, m.pulls, 1)
}

func TestLookupMirrorMiss(t *testing.T) {
	m := &dirMirror{root: t.TempDir()}
	res, err := Lookup(context.Background(), t.TempDir(), Query{Key: testKey, Kind: KindSAE, Identity: identity(), Texts: []string{"a"}}, WithMirror(m))
	require.NoError(t, err)
	assert.Equal(t, Miss, res.State)
	assert.Len(t, m.pulls, 1)
}

type brokenMirror struct{}

func (brokenMirror) Pull(ctx context.Context, rel, dst string) error {
	return errors.New("access denied")
}

func TestLookupMirrorFailureAlerts(t *testing.T) {
	var alerts []string
	alert := func(level, component, message string) {
		alerts = append(alerts, level+" "+component+" "+message)
	}

	res, err := Lookup(context.Background(), t.TempDir(), Query{Key: testKey, Kind: KindSAE, Identity: identity(), Texts: []string{"a"}},
		WithMirror(brokenMirror{}), WithAlert(alert))
	require.NoError(t, err)
	assert.Equal(t, Miss, res.State)
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0], "warning cache mirror pull of")
	assert.Contains(t, alerts[0], "access denied")

	// an absent object is an ordinary miss
	alerts = nil
	_, err = Lookup(context.Background(), t.TempDir(), Query{Key: testKey, Kind: KindSAE, Identity: identity(), Texts: []string{"a"}},
		WithMirror(&dirMirror{root: t.TempDir()}), WithAlert(alert))
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	got, err := Scan(root)
	require.NoError(t, err)
	assert.Empty(t, got)

	saveAt(t, root, sampleEntry(t))
	bad := filepath.Join(root, "datasets", "broken", "train", "answer", "m.arrow")
	require.NoError(t, os.MkdirAll(filepath.Dir(bad), 0o755))
	require.NoError(t, os.WriteFile(bad, []byte("not arrow"), 0o644))

	got, err = Scan(root)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "datasets/broken/train/answer/m.arrow", got[0].Rel)
	assert.ErrorIs(t, got[0].Err, ErrCorrupt)

	assert.NoError(t, got[1].Err)
	assert.Equal(t, testKey, got[1].Header.Key)
	assert.Equal(t, 3, got[1].Rows)
	assert.Equal(t, 2, got[1].Present)
	assert.Positive(t, got[1].Size)
}
