package sae

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-interp/internal/paths"
)

//go:embed registry.yaml
var defaultRegistry []byte

var ErrUnknownSAE = errors.New("unknown SAE")

type Registry struct {
	Releases map[string]Release `yaml:"releases"`
	Goodfire map[string]Variant `yaml:"goodfire"`
}

type Release struct {
	Model   string              `yaml:"model"`
	Weights string              `yaml:"weights"`
	SAEs    map[string]SAEEntry `yaml:"saes"`
}

type SAEEntry struct {
	Hook    string `yaml:"hook"`
	Weights string `yaml:"weights,omitempty"`
}

type Variant struct {
	HFModel           string `yaml:"hf_model"`
	Weights           string `yaml:"weights"`
	FeatureLabelsFile string `yaml:"feature_labels_file"`
}

func DefaultRegistry() *Registry {
	r, err := ParseRegistry(defaultRegistry)
	if err != nil {
		panic(fmt.Sprintf("embedded SAE registry: %v", err))
	}
	return r
}

func ParseRegistry(data []byte) (*Registry, error) {
	var r Registry
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse SAE registry: %w", err)
	}
	return &r, nil
}

// LoadRegistry reads a registry file; an empty path gives the embedded one.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return DefaultRegistry(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRegistry(data)
}

// loadSpec is everything Load needs, resolved without touching weights.
type loadSpec struct {
	Model      string
	Hook       string
	Weights    string
	LabelsFile string
}

func (r *Registry) local(release, saeID string) (loadSpec, error) {
	rel, ok := r.Releases[release]
	if !ok {
		return loadSpec{}, fmt.Errorf("%w: release %q", ErrUnknownSAE, release)
	}
	entry, ok := rel.SAEs[saeID]
	if !ok {
		return loadSpec{}, fmt.Errorf("%w: sae_id %q in release %q", ErrUnknownSAE, saeID, release)
	}
	tmpl := rel.Weights
	if entry.Weights != "" {
		tmpl = entry.Weights
	}
	repl := strings.NewReplacer(
		"{release}", paths.CleanComponent(release),
		"{sae_id}", paths.CleanComponent(saeID),
	)
	return loadSpec{Model: rel.Model, Hook: entry.Hook, Weights: repl.Replace(tmpl)}, nil
}

func (r *Registry) goodfire(variant string) (Variant, error) {
	v, ok := r.Goodfire[variant]
	if !ok {
		return Variant{}, fmt.Errorf("%w: goodfire variant %q", ErrUnknownSAE, variant)
	}
	return v, nil
}
