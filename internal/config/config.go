// Package config handles taskagent configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Memory backend names accepted in memory.backend / MEMORY_BACKEND.
const (
	BackendLocal    = "local"
	BackendNone     = "no_memory"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPinecone = "pinecone"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/taskagent/config.yaml, /etc/taskagent/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "taskagent", "config.yaml"))
	}

	paths = append(paths, "/etc/taskagent/config.yaml")
	return paths
}

// ErrNoConfig is returned by FindConfig when no file exists in any of
// the default search paths.
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all taskagent configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	Models    ModelsConfig    `yaml:"models"`
	Agent     AgentConfig     `yaml:"agent"`
	Memory    MemoryConfig    `yaml:"memory"`
	Search    SearchConfig    `yaml:"search"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
	LogFile   string          `yaml:"log_file"`   // optional second log sink
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`

	// SessionTTL is how long a run may wait for human feedback before
	// it is abandoned (default 1h). A negative value never expires.
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// OpenAIConfig defines OpenAI API settings.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // default https://api.openai.com/v1
}

// Configured reports whether an OpenAI API key is set.
func (c OpenAIConfig) Configured() bool {
	return c.APIKey != ""
}

// OllamaConfig defines a local Ollama endpoint for models whose
// provider is "ollama".
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// ModelsConfig defines model selection.
type ModelsConfig struct {
	Fast        string        `yaml:"fast"`      // agent loop, browse summaries
	Smart       string        `yaml:"smart"`     // reserved for heavier reasoning
	Embedding   string        `yaml:"embedding"` // memory embeddings
	Temperature float64       `yaml:"temperature"`
	Available   []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider serving it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // openai, ollama
}

// AgentConfig defines the interaction loop limits.
type AgentConfig struct {
	AIName           string `yaml:"ai_name"`
	ContinuousLimit  int    `yaml:"continuous_limit"` // max rounds per run
	FastTokenLimit   int    `yaml:"fast_token_limit"` // context token budget
	TriggeringPrompt string `yaml:"triggering_prompt"`
	MaxAttempts      int    `yaml:"max_attempts"` // LLM retry attempts

	// AllowFeedback makes human_feedback suspend a run until the caller
	// answers. When false the command returns no feedback and the run
	// continues.
	AllowFeedback bool `yaml:"allow_feedback"`
}

// MemoryConfig selects and configures the memory backend.
type MemoryConfig struct {
	Backend  string         `yaml:"backend"`
	Index    string         `yaml:"index"` // index / key prefix shared by remote backends
	Path     string         `yaml:"path"`  // sqlite backend file (default data_dir/memory.db)
	Redis    RedisConfig    `yaml:"redis"`
	Pinecone PineconeConfig `yaml:"pinecone"`

	// Persist makes every run share one memory. By default each run
	// gets a private, initially empty scope that is emptied when the
	// run ends.
	Persist bool `yaml:"persist"`
}

// RedisConfig defines the redis memory backend connection.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Addr returns host:port.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PineconeConfig defines the pinecone memory backend connection.
type PineconeConfig struct {
	APIKey string `yaml:"api_key"`
	Region string `yaml:"region"` // pod environment, or serverless region when cloud is set
	Cloud  string `yaml:"cloud"`  // aws, gcp or azure; creates a serverless index when set
	Host   string `yaml:"host"`   // optional data-plane host; resolved from the index when empty
}

// SearchConfig selects the provider behind the google command.
type SearchConfig struct {
	Provider string        `yaml:"provider"` // searxng or brave
	SearXNG  SearXNGConfig `yaml:"searxng"`
	Brave    BraveConfig   `yaml:"brave"`
}

// SearXNGConfig holds configuration for a SearXNG instance.
type SearXNGConfig struct {
	URL string `yaml:"url"`
}

// BraveConfig holds configuration for the Brave Search API.
type BraveConfig struct {
	APIKey string `yaml:"api_key"`
}

// WorkspaceConfig defines the sandbox for the file commands.
type WorkspaceConfig struct {
	// Path is the root directory for file commands. If empty, file
	// commands are not registered.
	Path string `yaml:"path"`
}

// Load reads configuration from a YAML file, expands ${VAR} references
// and fills defaults for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 16000
	}
	if c.Listen.SessionTTL == 0 {
		c.Listen.SessionTTL = time.Hour
	}
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.Ollama.URL == "" {
		c.Ollama.URL = "http://localhost:11434"
	}
	if c.Models.Fast == "" {
		c.Models.Fast = "gpt-3.5-turbo"
	}
	if c.Models.Smart == "" {
		c.Models.Smart = "gpt-4"
	}
	if c.Models.Embedding == "" {
		c.Models.Embedding = "text-embedding-ada-002"
	}
	for i := range c.Models.Available {
		if c.Models.Available[i].Provider == "" {
			c.Models.Available[i].Provider = "openai"
		}
	}
	if c.Agent.ContinuousLimit == 0 {
		c.Agent.ContinuousLimit = 20
	}
	if c.Agent.FastTokenLimit == 0 {
		c.Agent.FastTokenLimit = 4000
	}
	if c.Agent.TriggeringPrompt == "" {
		c.Agent.TriggeringPrompt = "Determine which next command to use, and respond using the format specified above:"
	}
	if c.Agent.MaxAttempts == 0 {
		c.Agent.MaxAttempts = 10
	}
	if c.Memory.Backend == "" {
		c.Memory.Backend = BackendLocal
	}
	if c.Memory.Index == "" {
		c.Memory.Index = "auto-gpt"
	}
	if c.Memory.Redis.Host == "" {
		c.Memory.Redis.Host = "localhost"
	}
	if c.Memory.Redis.Port == 0 {
		c.Memory.Redis.Port = 6379
	}
	if c.Search.Provider == "" {
		c.Search.Provider = "searxng"
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.Memory.Path == "" {
		c.Memory.Path = filepath.Join(c.DataDir, "memory.db")
	}
}

// ApplyEnv overrides configuration from environment-style variables.
// getenv is usually os.Getenv; tests pass a map lookup. Unset or empty
// variables leave the file value alone.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := map[string]*string{
		"MEMORY_BACKEND":   &c.Memory.Backend,
		"MEMORY_INDEX":     &c.Memory.Index,
		"OPENAI_API_KEY":   &c.OpenAI.APIKey,
		"PINECONE_API_KEY": &c.Memory.Pinecone.APIKey,
		"PINECONE_REGION":  &c.Memory.Pinecone.Region,
		"PINECONE_CLOUD":   &c.Memory.Pinecone.Cloud,
		"REDIS_HOST":       &c.Memory.Redis.Host,
		"REDIS_PASSWORD":   &c.Memory.Redis.Password,
		"FAST_LLM_MODEL":   &c.Models.Fast,
		"SMART_LLM_MODEL":  &c.Models.Smart,
		"EMBEDDING_MODEL":  &c.Models.Embedding,
		"LOG_LEVEL":        &c.LogLevel,
	}
	for name, dst := range str {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"REDIS_PORT":       &c.Memory.Redis.Port,
		"CONTINUOUS_LIMIT": &c.Agent.ContinuousLimit,
		"FAST_TOKEN_LIMIT": &c.Agent.FastTokenLimit,
	}
	for name, dst := range ints {
		v := getenv(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
	}

	if v := getenv("TEMPERATURE"); v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("TEMPERATURE: %w", err)
		}
		c.Models.Temperature = f
	}

	return nil
}

// Validate checks the configuration for values that would fail later
// at runtime.
func (c *Config) Validate() error {
	switch c.Memory.Backend {
	case BackendLocal, BackendNone, BackendSQLite, BackendRedis, BackendPinecone:
	default:
		return fmt.Errorf("memory.backend %q is not supported (valid: local, no_memory, sqlite, redis, pinecone)", c.Memory.Backend)
	}
	if c.Memory.Backend == BackendPinecone && c.Memory.Pinecone.APIKey == "" {
		return fmt.Errorf("memory.pinecone.api_key is required for the pinecone backend")
	}
	if c.Agent.ContinuousLimit < 1 {
		return fmt.Errorf("agent.continuous_limit must be positive, got %d", c.Agent.ContinuousLimit)
	}
	if c.Agent.FastTokenLimit < 1 {
		return fmt.Errorf("agent.fast_token_limit must be positive, got %d", c.Agent.FastTokenLimit)
	}
	if c.Models.Temperature < 0 || c.Models.Temperature > 2 {
		return fmt.Errorf("models.temperature must be in [0, 2], got %g", c.Models.Temperature)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q is not supported (valid: text, json)", c.LogFormat)
	}
	for _, m := range c.Models.Available {
		if m.Provider != "openai" && m.Provider != "ollama" {
			return fmt.Errorf("model %s: unknown provider %q", m.Name, m.Provider)
		}
	}
	return nil
}
