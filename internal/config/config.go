package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/23skdu/longbow-interp/internal/paths"
)

// ContextWindowLimit is the context window used when the tokenizer does not
// advertise one.
const ContextWindowLimit = 2048

type SAEType string

const (
	SAETypeLocal    SAEType = "local"
	SAETypeGoodfire SAEType = "goodfire"
)

type ModelBackend string

const (
	BackendEmbedding ModelBackend = "embedding"
	BackendFlight    ModelBackend = "flight"
)

type Config struct {
	ResultsDir  string `toml:"results_dir"`
	DataDir     string `toml:"data_dir"`
	HFHubDir    string `toml:"hf_hub_dir"`
	LogLevel    string `toml:"log_level"`
	LogFormat   string `toml:"log_format"`
	MetricsAddr string `toml:"metrics_addr"`

	Encode  EncodeConfig  `toml:"encode"`
	SAE     SAEConfig     `toml:"sae"`
	Model   ModelConfig   `toml:"model"`
	OpenAI  OpenAIConfig  `toml:"openai"`
	Mirror  MirrorConfig  `toml:"mirror"`
	Publish PublishConfig `toml:"publish"`

	meta *toml.MetaData
}

// IsSet reports whether the config file defined key, e.g. IsSet("sae", "type").
func (c Config) IsSet(key ...string) bool {
	return c.meta != nil && c.meta.IsDefined(key...)
}

type EncodeConfig struct {
	BatchSize       int  `toml:"batch_size"`
	CheckpointEvery int  `toml:"checkpoint_every"`
	Truncate        bool `toml:"truncate"`
	MaxLength       int  `toml:"max_length"`
}

type SAEConfig struct {
	Type        SAEType `toml:"type"`
	Release     string  `toml:"release"`
	SAEID       string  `toml:"sae_id"`
	VariantName string  `toml:"variant_name"`
	Quantize    bool    `toml:"quantize"`
	ModelDevice string  `toml:"model_device"`
	SAEDevice   string  `toml:"sae_device"`
	Registry    string  `toml:"registry"`
	WeightsDir  string  `toml:"weights_dir"`
}

type ModelConfig struct {
	Backend    ModelBackend `toml:"backend"`
	FlightAddr string       `toml:"flight_addr"`
}

type OpenAIConfig struct {
	EnvVar    string `toml:"env_var"`
	Model     string `toml:"model"`
	BatchSize int    `toml:"batch_size"`
}

type MirrorConfig struct {
	Bucket  string `toml:"bucket"`
	Prefix  string `toml:"prefix"`
	Region  string `toml:"region"`
	Profile string `toml:"profile"`
}

// Enabled reports whether a remote cache mirror is configured.
func (m MirrorConfig) Enabled() bool {
	return m.Bucket != ""
}

type PublishConfig struct {
	FlightAddr string `toml:"flight_addr"`
}

func Default() Config {
	return Config{
		ResultsDir: paths.DefaultResultsDir,
		DataDir:    "data",
		HFHubDir:   "",
		LogLevel:   "info",
		LogFormat:  "console",

		Encode: EncodeConfig{
			BatchSize:       8,
			CheckpointEvery: 10,
			Truncate:        false,
			MaxLength:       ContextWindowLimit,
		},
		SAE: SAEConfig{
			Type:        SAETypeLocal,
			Release:     "gpt2-small-res-jb",
			SAEID:       "blocks.8.hook_resid_pre",
			VariantName: "Llama-3.3-70B-Instruct-SAE-l50",
			ModelDevice: "auto",
			SAEDevice:   "cpu",
		},
		Model: ModelConfig{
			Backend: BackendEmbedding,
		},
		OpenAI: OpenAIConfig{
			EnvVar:    "OPENAI_KEY",
			Model:     "text-embedding-3-large",
			BatchSize: 256,
		},
	}
}

// Load reads an optional TOML file over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return cfg, fmt.Errorf("failed to decode config %s: %w", path, err)
		}
		cfg.meta = &md
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	// A results_dir from the file beats INTERP_RESULTS_DIR.
	configured := ""
	if c.IsSet("results_dir") {
		configured = c.ResultsDir
	}
	c.ResultsDir = paths.ResultsDir(configured)
	if v := os.Getenv("INTERP_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("INTERP_HF_HUB"); v != "" {
		c.HFHubDir = v
	}
	if v := os.Getenv("INTERP_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) Validate() error {
	var result *multierror.Error

	if c.ResultsDir == "" {
		result = multierror.Append(result, fmt.Errorf("invalid results_dir: must not be empty"))
	}
	if c.Encode.BatchSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("invalid encode.batch_size: %d (must be positive)", c.Encode.BatchSize))
	}
	if c.Encode.CheckpointEvery < 0 {
		result = multierror.Append(result, fmt.Errorf("invalid encode.checkpoint_every: %d (must be non-negative)", c.Encode.CheckpointEvery))
	}
	if c.Encode.MaxLength <= 0 {
		result = multierror.Append(result, fmt.Errorf("invalid encode.max_length: %d (must be positive)", c.Encode.MaxLength))
	}

	switch c.SAE.Type {
	case SAETypeLocal:
		if c.SAE.Release == "" || c.SAE.SAEID == "" {
			result = multierror.Append(result, fmt.Errorf("invalid sae: local SAEs need release and sae_id"))
		}
	case SAETypeGoodfire:
		if c.SAE.VariantName == "" {
			result = multierror.Append(result, fmt.Errorf("invalid sae: goodfire SAEs need variant_name"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("invalid sae.type: %q (must be local or goodfire)", c.SAE.Type))
	}

	switch c.Model.Backend {
	case BackendEmbedding:
	case BackendFlight:
		if c.Model.FlightAddr == "" {
			result = multierror.Append(result, fmt.Errorf("invalid model.flight_addr: required for the flight backend"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("invalid model.backend: %q (must be embedding or flight)", c.Model.Backend))
	}

	if c.OpenAI.BatchSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("invalid openai.batch_size: %d (must be positive)", c.OpenAI.BatchSize))
	}
	if c.OpenAI.EnvVar == "" {
		result = multierror.Append(result, fmt.Errorf("invalid openai.env_var: must not be empty"))
	}

	if c.LogFormat != "" {
		switch strings.ToLower(c.LogFormat) {
		case "console", "json":
		default:
			result = multierror.Append(result, fmt.Errorf("invalid log_format: %q (must be console or json)", c.LogFormat))
		}
	}

	return result.ErrorOrNil()
}
