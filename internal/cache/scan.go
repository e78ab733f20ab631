package cache

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/23skdu/longbow-interp/internal/paths"
)

// Summary describes one cache file found by Scan. Err is set when the file
// could not be decoded; Header is then zero.
type Summary struct {
	Path    string
	Rel     string // relative to the results root, slash separated
	Size    int64
	Header  Header
	Rows    int
	Present int
	Err     error
}

// Scan loads every cache file under root/datasets, sorted by path. A root
// without a datasets directory yields nothing.
func Scan(root string) ([]Summary, error) {
	dir := filepath.Join(root, "datasets")
	var out []Summary
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == dir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || filepath.Ext(p) != "."+paths.DefaultExtension || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		s := Summary{Path: p, Rel: filepath.ToSlash(rel)}
		if st, err := os.Stat(p); err == nil {
			s.Size = st.Size()
		}
		e, err := Load(p)
		if err != nil {
			s.Err = err
		} else {
			s.Header, s.Rows, s.Present = e.Header, e.Len(), e.Present()
		}
		out = append(out, s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
