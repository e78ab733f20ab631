package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultResultsDir = "results"
	DefaultExtension  = "arrow"
	datasetsDir       = "datasets"
)

// ResultsDir picks the results root: explicit value, INTERP_RESULTS_DIR,
// then ./results.
func ResultsDir(configured string) string {
	if configured != "" {
		return configured
	}
	if env := os.Getenv("INTERP_RESULTS_DIR"); env != "" {
		return env
	}
	return DefaultResultsDir
}

// CleanComponent makes an identifier safe as a single path element.
func CleanComponent(s string) string {
	return strings.ReplaceAll(s, "/", "__")
}

// DatasetsDir returns root/datasets/{dataset}, creating it.
func DatasetsDir(root, dataset string) (string, error) {
	dir := filepath.Join(root, datasetsDir, CleanComponent(dataset))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create datasets dir %s: %w", dir, err)
	}
	return dir, nil
}

// BuildDatasetPath returns root/datasets/{dataset}/{split}/{field}/{model}.{ext}
// and creates its parent directory.
func BuildDatasetPath(root, dataset, split, field, model, ext string) (string, error) {
	dir, err := DatasetsDir(root, dataset)
	if err != nil {
		return "", err
	}
	return place(filepath.Join(dir, CleanComponent(split), CleanComponent(field)), model, ext)
}

// BuildExperimentPath returns root/{experiment}/{dataset}/{split}/{field}/{model}.{ext}
// and creates its parent directory.
func BuildExperimentPath(root, experiment, dataset, split, field, model, ext string) (string, error) {
	dir := filepath.Join(root,
		CleanComponent(experiment),
		CleanComponent(dataset),
		CleanComponent(split),
		CleanComponent(field))
	return place(dir, model, ext)
}

func place(dir, model, ext string) (string, error) {
	if ext == "" {
		ext = DefaultExtension
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return filepath.Join(dir, CleanComponent(model)+"."+strings.TrimPrefix(ext, ".")), nil
}
