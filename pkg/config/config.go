// Package config loads countenv settings from a YAML file and COUNTENV_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/boristopalov/countenv/pkg/dataset"
	"github.com/boristopalov/countenv/pkg/environment"
	"github.com/boristopalov/countenv/pkg/experiment"
	"github.com/boristopalov/countenv/pkg/imaging"
	"github.com/boristopalov/countenv/pkg/providers"
	"github.com/boristopalov/countenv/pkg/tokenize"
)

// DefaultPath is read when no config file is given; it may be absent
const DefaultPath = "countenv.yaml"

const (
	DatasetHub   = "hub"
	DatasetJSONL = "jsonl"
)

type Config struct {
	Env        EnvConfig        `koanf:"env"`
	Dataset    DatasetConfig    `koanf:"dataset"`
	Provider   ProviderConfig   `koanf:"provider"`
	Tokenizer  TokenizerConfig  `koanf:"tokenizer"`
	Image      ImageConfig      `koanf:"image"`
	Experiment ExperimentConfig `koanf:"experiment"`
	Storage    StorageConfig    `koanf:"storage"`
	Logging    LogConfig        `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

type EnvConfig struct {
	Name               string        `koanf:"name"`
	GroupSize          int           `koanf:"group_size"`
	MaxTokens          int           `koanf:"max_tokens"`
	Timeout            time.Duration `koanf:"timeout"`
	MinTrainableTokens int           `koanf:"min_trainable_tokens"`
	SystemPrompt       string        `koanf:"system_prompt"`
}

type DatasetConfig struct {
	Type     string `koanf:"type"` // hub, jsonl
	ID       string `koanf:"id"`
	Config   string `koanf:"config"`
	Split    string `koanf:"split"`
	Path     string `koanf:"path"` // jsonl file
	Endpoint string `koanf:"endpoint"`
}

type ProviderConfig struct {
	Type    string `koanf:"type"` // openai, gemini
	Model   string `koanf:"model"`
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
}

type TokenizerConfig struct {
	Encoding string `koanf:"encoding"`
}

type ImageConfig struct {
	MaxBytes int64         `koanf:"max_bytes"`
	Timeout  time.Duration `koanf:"timeout"`
}

type ExperimentConfig struct {
	Steps           int `koanf:"steps"`
	Workers         int `koanf:"workers"`
	Retries         int `koanf:"retries"`
	BacklogCapacity int `koanf:"backlog_capacity"`
}

type StorageConfig struct {
	SQLitePath string `koanf:"sqlite_path"` // empty disables persistence
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var defaults = map[string]any{
	"env.name":                    environment.DefaultName,
	"env.group_size":              environment.DefaultGroupSize,
	"env.max_tokens":              environment.DefaultMaxTokens,
	"env.timeout":                 environment.DefaultTimeout.String(),
	"env.min_trainable_tokens":    environment.DefaultMinTrainableTokens,
	"env.system_prompt":           environment.DefaultSystemPrompt,
	"dataset.type":                DatasetHub,
	"dataset.id":                  "allenai/pixmo-count",
	"dataset.config":              "default",
	"dataset.split":               "train",
	"dataset.endpoint":            dataset.DefaultHubEndpoint,
	"provider.type":               providers.TypeOpenAI,
	"provider.model":              "gpt-4o",
	"tokenizer.encoding":          tokenize.DefaultEncoding,
	"image.max_bytes":             imaging.DefaultMaxSize,
	"image.timeout":               "30s",
	"experiment.steps":            experiment.DefaultSteps,
	"experiment.workers":          experiment.DefaultWorkers,
	"experiment.retries":          0,
	"experiment.backlog_capacity": experiment.DefaultBacklogCapacity,
	"storage.sqlite_path":         "countenv.db",
	"logging.level":               "info",
	"logging.format":              "json",
	"telemetry.enabled":           false,
}

// Load reads path (or DefaultPath when empty), overlays COUNTENV_ variables
// and fills in defaults for anything left unset. A missing file is only an
// error when path was given explicitly.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	filePath := path
	if filePath == "" {
		filePath = DefaultPath
	}
	if err := k.Load(file.Provider(filePath), yaml.Parser()); err != nil {
		if path != "" || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", filePath, err)
		}
	}

	if err := k.Load(env.Provider("COUNTENV_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "COUNTENV_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.Provider.APIKey = substituteEnvVars(cfg.Provider.APIKey)
	if cfg.Provider.APIKey == "" {
		switch cfg.Provider.Type {
		case providers.TypeOpenAI:
			cfg.Provider.APIKey = os.Getenv("OPENAI_API_KEY")
		case providers.TypeGemini:
			cfg.Provider.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}

	return &cfg, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate reports the first setting that would stop a run from starting
func (c *Config) Validate() error {
	switch {
	case c.Env.GroupSize < 1:
		return fmt.Errorf("env.group_size must be at least 1, got %d", c.Env.GroupSize)
	case c.Env.MaxTokens < 1:
		return fmt.Errorf("env.max_tokens must be at least 1, got %d", c.Env.MaxTokens)
	case c.Env.Timeout <= 0:
		return fmt.Errorf("env.timeout must be positive, got %s", c.Env.Timeout)
	case c.Env.MinTrainableTokens < 1:
		return fmt.Errorf("env.min_trainable_tokens must be at least 1, got %d", c.Env.MinTrainableTokens)
	case c.Experiment.Workers < 1:
		return fmt.Errorf("experiment.workers must be at least 1, got %d", c.Experiment.Workers)
	case c.Experiment.Steps < 0:
		return fmt.Errorf("experiment.steps must be non-negative, got %d", c.Experiment.Steps)
	case c.Experiment.Retries < 0:
		return fmt.Errorf("experiment.retries must be non-negative, got %d", c.Experiment.Retries)
	}

	switch c.Dataset.Type {
	case DatasetHub:
		if c.Dataset.ID == "" {
			return errors.New("dataset.id is required for the hub dataset")
		}
	case DatasetJSONL:
		if c.Dataset.Path == "" {
			return errors.New("dataset.path is required for the jsonl dataset")
		}
	default:
		return fmt.Errorf("unknown dataset type %q", c.Dataset.Type)
	}

	switch c.Provider.Type {
	case providers.TypeOpenAI, providers.TypeGemini:
	default:
		return fmt.Errorf("unknown provider type %q", c.Provider.Type)
	}
	if c.Provider.APIKey == "" {
		return fmt.Errorf("no API key for provider %s", c.Provider.Type)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("unknown logging format %q", c.Logging.Format)
	}
	return nil
}

// NewLogger builds a slog logger writing to w
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.ToLower(c.Format) == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
