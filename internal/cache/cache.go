// Package cache stores encoded datasets on disk, one Arrow IPC file per
// (dataset, split, field, model) key, and decides how much of a request an
// existing file already answers.
package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-interp/internal/paths"
	"github.com/23skdu/longbow-interp/internal/sparse"
)

const FormatVersion = 1

type Kind string

const (
	KindSAE       Kind = "sae"
	KindEmbedding Kind = "embedding"
)

var (
	ErrNotFound = errors.New("cache entry not found")
	ErrCorrupt  = errors.New("cache entry is corrupt")
)

type Key struct {
	Dataset string
	Split   string
	Field   string
	Model   string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Dataset, k.Split, k.Field, k.Model)
}

// Path is root/datasets/{dataset}/{split}/{field}/{model}.arrow. Parent
// directories are created.
func (k Key) Path(root string) (string, error) {
	return paths.BuildDatasetPath(root, k.Dataset, k.Split, k.Field, k.Model, paths.DefaultExtension)
}

type Header struct {
	Kind      Kind
	Version   int
	Key       Key
	Metadata  map[string]any // SAE or embedding model identity
	NFeatures int            // SAE width, or embedding dimension
	Labels    map[int]string // feature labels, not part of identity
	RunID     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Row is one encoded text. Features is set for SAE entries, Embedding for
// embedding entries.
type Row struct {
	Index     int
	Text      string
	Meta      map[string]string
	Features  *sparse.CSR
	Embedding []float32
}

// Entry is a full or partial cache file. A nil row has not been computed.
type Entry struct {
	Header Header
	Rows   []*Row
}

func NewEntry(kind Kind, key Key, md map[string]any, nFeatures, n int) *Entry {
	return &Entry{
		Header: Header{
			Kind:      kind,
			Version:   FormatVersion,
			Key:       key,
			Metadata:  md,
			NFeatures: nFeatures,
			RunID:     uuid.NewString(),
		},
		Rows: make([]*Row, n),
	}
}

func (e *Entry) Len() int { return len(e.Rows) }

func (e *Entry) Present() int {
	n := 0
	for _, r := range e.Rows {
		if r != nil {
			n++
		}
	}
	return n
}

// Missing lists the indices of rows not yet computed.
func (e *Entry) Missing() []int {
	var out []int
	for i, r := range e.Rows {
		if r == nil {
			out = append(out, i)
		}
	}
	return out
}

func (e *Entry) Complete() bool {
	return e.Present() == len(e.Rows)
}

// Set stores row at index i and stamps its index.
func (e *Entry) Set(i int, row *Row) {
	row.Index = i
	e.Rows[i] = row
}
