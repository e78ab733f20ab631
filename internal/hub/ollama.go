package hub

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultTag     = "latest"
	MediaTypeModel = "application/vnd.ollama.image.model"
	ollamaRegistry = "registry.ollama.ai"
)

type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// OllamaDir is $OLLAMA_MODELS, else ~/.ollama/models.
func OllamaDir() (string, error) {
	if env := os.Getenv("OLLAMA_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

// ResolveOllama finds the GGUF blob for "name" or "name:tag". Names without
// a namespace resolve under the library namespace.
func ResolveOllama(modelName string) (string, error) {
	name, tag, ok := strings.Cut(modelName, ":")
	if !ok || tag == "" {
		tag = DefaultTag
	}
	if !strings.Contains(name, "/") {
		name = "library/" + name
	}

	baseDir, err := OllamaDir()
	if err != nil {
		return "", err
	}

	manifestPath := filepath.Join(baseDir, "manifests", ollamaRegistry, filepath.FromSlash(name), tag)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: ollama manifest %s", ErrNotFound, manifestPath)
		}
		return "", err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("parse manifest %s: %w", manifestPath, err)
	}

	var digest string
	for _, l := range m.Layers {
		if l.MediaType == MediaTypeModel {
			digest = l.Digest
			break
		}
	}
	if digest == "" {
		return "", fmt.Errorf("no model layer in manifest %s", manifestPath)
	}

	// "sha256:abc" is stored as blobs/sha256-abc
	blobPath := filepath.Join(baseDir, "blobs", strings.Replace(digest, ":", "-", 1))
	if _, err := os.Stat(blobPath); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: ollama blob %s", ErrNotFound, blobPath)
		}
		return "", err
	}
	return blobPath, nil
}
