package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("openai:\n  api_key: ${TASKAGENT_TEST_KEY}\n"), 0600)
	t.Setenv("TASKAGENT_TEST_KEY", "sk-secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.OpenAI.APIKey != "sk-secret123" {
		t.Errorf("api_key = %q, want %q", cfg.OpenAI.APIKey, "sk-secret123")
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("data_dir: /var/lib/taskagent\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Memory.Backend != BackendLocal {
		t.Errorf("memory.backend = %q, want %q", cfg.Memory.Backend, BackendLocal)
	}
	if cfg.Memory.Index != "auto-gpt" {
		t.Errorf("memory.index = %q, want auto-gpt", cfg.Memory.Index)
	}
	if cfg.Memory.Path != "/var/lib/taskagent/memory.db" {
		t.Errorf("memory.path = %q, want path under data_dir", cfg.Memory.Path)
	}
	if cfg.Agent.FastTokenLimit != 4000 {
		t.Errorf("agent.fast_token_limit = %d, want 4000", cfg.Agent.FastTokenLimit)
	}
	if cfg.Agent.MaxAttempts != 10 {
		t.Errorf("agent.max_attempts = %d, want 10", cfg.Agent.MaxAttempts)
	}
	if cfg.Memory.Redis.Addr() != "localhost:6379" {
		t.Errorf("redis addr = %q, want localhost:6379", cfg.Memory.Redis.Addr())
	}
	if cfg.Listen.SessionTTL != time.Hour {
		t.Errorf("listen.session_ttl = %v, want 1h", cfg.Listen.SessionTTL)
	}
}

func TestLoad_AvailableModelsDefaultProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(`
models:
  fast: llama3
  available:
    - name: llama3
      provider: ollama
    - name: gpt-4
`), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got := cfg.Models.Available[1].Provider; got != "openai" {
		t.Errorf("provider = %q, want openai", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"MEMORY_BACKEND":   "redis",
		"REDIS_HOST":       "cache.local",
		"REDIS_PORT":       "6380",
		"CONTINUOUS_LIMIT": "5",
		"FAST_TOKEN_LIMIT": "8000",
		"TEMPERATURE":      "0.7",
		"OPENAI_API_KEY":   "sk-env",
	}

	cfg := Default()
	if err := cfg.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}

	if cfg.Memory.Backend != BackendRedis {
		t.Errorf("backend = %q", cfg.Memory.Backend)
	}
	if cfg.Memory.Redis.Addr() != "cache.local:6380" {
		t.Errorf("redis addr = %q", cfg.Memory.Redis.Addr())
	}
	if cfg.Agent.ContinuousLimit != 5 {
		t.Errorf("continuous_limit = %d", cfg.Agent.ContinuousLimit)
	}
	if cfg.Agent.FastTokenLimit != 8000 {
		t.Errorf("fast_token_limit = %d", cfg.Agent.FastTokenLimit)
	}
	if cfg.Models.Temperature != 0.7 {
		t.Errorf("temperature = %v", cfg.Models.Temperature)
	}
	if cfg.OpenAI.APIKey != "sk-env" {
		t.Errorf("api key = %q", cfg.OpenAI.APIKey)
	}
}

func TestApplyEnv_BadNumber(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) string {
		if k == "CONTINUOUS_LIMIT" {
			return "lots"
		}
		return ""
	})
	if err == nil || !strings.Contains(err.Error(), "CONTINUOUS_LIMIT") {
		t.Fatalf("ApplyEnv error = %v, want CONTINUOUS_LIMIT parse error", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Memory.Backend = "weaviate" },
			wantErr: "memory.backend",
		},
		{
			name:    "pinecone without key",
			mutate:  func(c *Config) { c.Memory.Backend = BackendPinecone },
			wantErr: "pinecone.api_key",
		},
		{
			name: "pinecone with key",
			mutate: func(c *Config) {
				c.Memory.Backend = BackendPinecone
				c.Memory.Pinecone.APIKey = "pk"
			},
		},
		{
			name:    "zero limit",
			mutate:  func(c *Config) { c.Agent.ContinuousLimit = -1 },
			wantErr: "continuous_limit",
		},
		{
			name:    "temperature too high",
			mutate:  func(c *Config) { c.Models.Temperature = 2.5 },
			wantErr: "temperature",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "loud" },
			wantErr: "log level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.LogFormat = "xml" },
			wantErr: "log_format",
		},
		{
			name: "bad provider",
			mutate: func(c *Config) {
				c.Models.Available = []ModelConfig{{Name: "m", Provider: "anthropic"}}
			},
			wantErr: "unknown provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_FanOutToFile(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.LogLevel = "trace"
	cfg.LogFile = filepath.Join(dir, "logs", "agent.log")

	var buf bytes.Buffer
	logger, closer, err := cfg.NewLogger(&buf)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Log(t.Context(), LevelTrace, "payload", "bytes", 42)
	closer.Close()

	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("primary output missing TRACE level: %q", buf.String())
	}

	data, err := os.ReadFile(cfg.LogFile)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &rec); err != nil {
		t.Fatalf("log file line is not JSON: %v (%q)", err, data)
	}
	if rec["msg"] != "payload" {
		t.Errorf("msg = %v, want payload", rec["msg"])
	}
}
