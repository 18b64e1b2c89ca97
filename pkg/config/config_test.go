package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "countenv.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("failed to chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func clearKeys(t *testing.T) {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
}

func TestLoad_Defaults(t *testing.T) {
	clearKeys(t)
	chdir(t, t.TempDir())
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Env.Name != "pixmo_count" {
		t.Errorf("Env.Name = %q, want pixmo_count", cfg.Env.Name)
	}
	if cfg.Env.GroupSize != 2 {
		t.Errorf("Env.GroupSize = %d, want 2", cfg.Env.GroupSize)
	}
	if cfg.Env.Timeout != 60*time.Second {
		t.Errorf("Env.Timeout = %s, want 60s", cfg.Env.Timeout)
	}
	if cfg.Env.MinTrainableTokens != 10 {
		t.Errorf("Env.MinTrainableTokens = %d, want 10", cfg.Env.MinTrainableTokens)
	}
	if cfg.Dataset.Type != DatasetHub || cfg.Dataset.ID != "allenai/pixmo-count" || cfg.Dataset.Split != "train" {
		t.Errorf("Dataset = %+v", cfg.Dataset)
	}
	if cfg.Provider.Type != "openai" || cfg.Provider.Model != "gpt-4o" {
		t.Errorf("Provider = %+v", cfg.Provider)
	}
	if cfg.Provider.APIKey != "sk-test" {
		t.Errorf("Provider.APIKey = %q, want fallback from OPENAI_API_KEY", cfg.Provider.APIKey)
	}
	if cfg.Tokenizer.Encoding != "r50k_base" {
		t.Errorf("Tokenizer.Encoding = %q, want r50k_base", cfg.Tokenizer.Encoding)
	}
	if cfg.Image.MaxBytes != 20<<20 || cfg.Image.Timeout != 30*time.Second {
		t.Errorf("Image = %+v", cfg.Image)
	}
	if cfg.Experiment.Steps != 1000 || cfg.Experiment.Workers != 2 || cfg.Experiment.Retries != 0 {
		t.Errorf("Experiment = %+v", cfg.Experiment)
	}
	if cfg.Storage.SQLitePath != "countenv.db" {
		t.Errorf("Storage.SQLitePath = %q", cfg.Storage.SQLitePath)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	clearKeys(t)
	t.Setenv("MY_GEMINI_KEY", "gm-secret")

	path := writeConfig(t, `
env:
  group_size: 8
  timeout: 90s
dataset:
  type: jsonl
  path: /data/pixmo.jsonl
provider:
  type: gemini
  model: gemini-2.0-flash
  api_key: ${MY_GEMINI_KEY}
storage:
  sqlite_path: ""
logging:
  format: text
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Env.GroupSize != 8 {
		t.Errorf("Env.GroupSize = %d, want 8", cfg.Env.GroupSize)
	}
	if cfg.Env.Timeout != 90*time.Second {
		t.Errorf("Env.Timeout = %s, want 90s", cfg.Env.Timeout)
	}
	if cfg.Env.MaxTokens != 512 {
		t.Errorf("Env.MaxTokens = %d, want default 512", cfg.Env.MaxTokens)
	}
	if cfg.Dataset.Type != DatasetJSONL || cfg.Dataset.Path != "/data/pixmo.jsonl" {
		t.Errorf("Dataset = %+v", cfg.Dataset)
	}
	if cfg.Provider.APIKey != "gm-secret" {
		t.Errorf("Provider.APIKey = %q, want substituted value", cfg.Provider.APIKey)
	}
	if cfg.Storage.SQLitePath != "" {
		t.Errorf("Storage.SQLitePath = %q, want empty", cfg.Storage.SQLitePath)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearKeys(t)
	path := writeConfig(t, `
env:
  group_size: 8
provider:
  api_key: from-file
`)
	t.Setenv("COUNTENV_ENV__GROUP_SIZE", "16")
	t.Setenv("COUNTENV_EXPERIMENT__WORKERS", "4")
	t.Setenv("COUNTENV_TELEMETRY__ENABLED", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Env.GroupSize != 16 {
		t.Errorf("Env.GroupSize = %d, want 16", cfg.Env.GroupSize)
	}
	if cfg.Experiment.Workers != 4 {
		t.Errorf("Experiment.Workers = %d, want 4", cfg.Experiment.Workers)
	}
	if !cfg.Telemetry.Enabled {
		t.Error("Telemetry.Enabled = false, want true")
	}
	if cfg.Provider.APIKey != "from-file" {
		t.Errorf("Provider.APIKey = %q, want from-file", cfg.Provider.APIKey)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Env:        EnvConfig{GroupSize: 2, MaxTokens: 512, Timeout: time.Minute, MinTrainableTokens: 10},
			Dataset:    DatasetConfig{Type: DatasetHub, ID: "allenai/pixmo-count"},
			Provider:   ProviderConfig{Type: "openai", APIKey: "sk-test"},
			Experiment: ExperimentConfig{Steps: 10, Workers: 2},
			Logging:    LogConfig{Level: "info", Format: "json"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"zero group size", func(c *Config) { c.Env.GroupSize = 0 }, "group_size"},
		{"zero max tokens", func(c *Config) { c.Env.MaxTokens = 0 }, "max_tokens"},
		{"zero timeout", func(c *Config) { c.Env.Timeout = 0 }, "timeout"},
		{"zero min trainable", func(c *Config) { c.Env.MinTrainableTokens = 0 }, "min_trainable_tokens"},
		{"zero workers", func(c *Config) { c.Experiment.Workers = 0 }, "workers"},
		{"negative retries", func(c *Config) { c.Experiment.Retries = -1 }, "retries"},
		{"unknown dataset", func(c *Config) { c.Dataset.Type = "s3" }, "unknown dataset"},
		{"jsonl without path", func(c *Config) { c.Dataset.Type = DatasetJSONL }, "dataset.path"},
		{"unknown provider", func(c *Config) { c.Provider.Type = "llama" }, "unknown provider"},
		{"missing api key", func(c *Config) { c.Provider.APIKey = "" }, "API key"},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }, "logging format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLogConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "item_id", "abc")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "shown" || entry["item_id"] != "abc" {
		t.Errorf("entry = %v", entry)
	}

	buf.Reset()
	LogConfig{Level: "bogus", Format: "text"}.NewLogger(&buf).Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("text output = %q", buf.String())
	}
}
