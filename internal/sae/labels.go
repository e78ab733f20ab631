package sae

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"strconv"

	"github.com/23skdu/longbow-interp/internal/logger"
)

// LoadFeatureLabels reads a JSON object of "feature id": "label". A missing
// or unreadable file yields no labels.
func LoadFeatureLabels(path string) map[int]string {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Log.Warn("failed to read feature labels", "path", path, "error", err)
		}
		return nil
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		logger.Log.Warn("failed to parse feature labels", "path", path, "error", err)
		return nil
	}
	labels := make(map[int]string, len(raw))
	for k, v := range raw {
		id, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		labels[id] = v
	}
	return labels
}
