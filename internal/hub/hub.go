// Package hub resolves model names to weights already present on local
// disk: a Hugging Face hub cache snapshot, an Ollama blob, or a file path.
package hub

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/23skdu/longbow-interp/internal/logger"
)

const DefaultModel = "meta-llama/Llama-3.3-70B-Instruct"

var ErrNotFound = errors.New("model not found")

// DefaultHubDir is $HF_HUB_CACHE, else $HF_HOME/hub, else ~/.cache/huggingface/hub.
func DefaultHubDir() string {
	if v := os.Getenv("HF_HUB_CACHE"); v != "" {
		return v
	}
	if v := os.Getenv("HF_HOME"); v != "" {
		return filepath.Join(v, "hub")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".cache", "huggingface", "hub")
	}
	return filepath.Join(home, ".cache", "huggingface", "hub")
}

// RepoDir returns hubDir/models--{org}--{name}.
func RepoDir(hubDir, modelName string) string {
	return filepath.Join(hubDir, "models--"+strings.ReplaceAll(modelName, "/", "--"))
}

// ResolveSnapshot returns the snapshot directory for modelName. The revision
// comes from refs/main; without it the lexically last snapshot is used.
func ResolveSnapshot(hubDir, modelName string) (string, error) {
	if modelName == "" {
		modelName = DefaultModel
	}
	if hubDir == "" {
		hubDir = DefaultHubDir()
	}
	repo := RepoDir(hubDir, modelName)
	snapshots := filepath.Join(repo, "snapshots")

	if ref, err := os.ReadFile(filepath.Join(repo, "refs", "main")); err == nil {
		dir := filepath.Join(snapshots, strings.TrimSpace(string(ref)))
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			return dir, nil
		}
		logger.Log.Warn("refs/main points at missing snapshot", "model", modelName, "ref", strings.TrimSpace(string(ref)))
	}

	entries, err := os.ReadDir(snapshots)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s has no snapshots in %s", ErrNotFound, modelName, hubDir)
		}
		return "", err
	}
	var revs []string
	for _, e := range entries {
		if e.IsDir() {
			revs = append(revs, e.Name())
		}
	}
	if len(revs) == 0 {
		return "", fmt.Errorf("%w: %s has no snapshots in %s", ErrNotFound, modelName, hubDir)
	}
	sort.Strings(revs)
	return filepath.Join(snapshots, revs[len(revs)-1]), nil
}

// FindGGUF returns the first .gguf file, by name, in dir.
func FindGGUF(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.gguf"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: no .gguf file in %s", ErrNotFound, dir)
	}
	sort.Strings(matches)
	return matches[0], nil
}

// Resolve maps a name to a GGUF path: an existing file, then an Ollama
// model, then a hub snapshot.
func Resolve(hubDir, name string) (string, error) {
	if st, err := os.Stat(name); err == nil {
		if st.IsDir() {
			return FindGGUF(name)
		}
		return name, nil
	}

	if !strings.Contains(name, "/") || strings.Contains(name, ":") {
		if p, err := ResolveOllama(name); err == nil {
			return p, nil
		} else if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}

	snap, err := ResolveSnapshot(hubDir, name)
	if err != nil {
		return "", err
	}
	return FindGGUF(snap)
}
