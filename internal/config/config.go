// Package config handles Parley configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the corresponding config values are absent.
const (
	DefaultMaxToolIterations  = 25
	DefaultMaxConcurrentTools = 20
	DefaultMaxTokens          = 4096
	DefaultSubChatThresholdKB = 20
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "parley", "config.yaml"))
	}

	paths = append(paths, "/etc/parley/config.yaml")
	return paths
}

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

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Parley configuration.
type Config struct {
	Providers  ProvidersConfig   `yaml:"providers"`
	Catalog    CatalogConfig     `yaml:"catalog"`
	Defaults   ChatDefaults      `yaml:"defaults"`
	Safety     SafetyConfig      `yaml:"safety"`
	SubChat    SubChatConfig     `yaml:"sub_chat"`
	MCPServers []MCPServerConfig `yaml:"mcp_servers"`
	DataDir    string            `yaml:"data_dir"`
	LogLevel   string            `yaml:"log_level"`
}

// ProvidersConfig defines LLM provider connection settings.
type ProvidersConfig struct {
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// OpenAIConfig defines settings for OpenAI-compatible endpoints
// (OpenAI itself, or a local server speaking the same protocol).
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// CatalogConfig defines the models/pricing endpoint.
type CatalogConfig struct {
	// URL is the models endpoint returning per-provider model lists
	// with context windows and pricing. Empty disables fetching;
	// pricing falls back to the built-in table.
	URL string `yaml:"url"`
}

// ChatDefaults are the settings applied to new conversations.
type ChatDefaults struct {
	// Model is the default model as "provider:model-id".
	Model         string  `yaml:"model"`
	Temperature   float64 `yaml:"temperature"`
	TopP          float64 `yaml:"top_p"`
	MaxTokens     int     `yaml:"max_tokens"`
	ContextWindow int     `yaml:"context_window"` // 0 = use catalog value
	// CacheControl selects the prompt-caching hint mode: "", "auto".
	CacheControl   string `yaml:"cache_control"`
	GenerateTitles bool   `yaml:"generate_titles"`
	SystemPrompt   string `yaml:"system_prompt"`
}

// SafetyConfig holds the circuit-breaker ceilings for the tool loop.
type SafetyConfig struct {
	// MaxToolIterations is the maximum consecutive tool-calling
	// iterations within one user turn.
	MaxToolIterations int `yaml:"max_tool_iterations"`
	// MaxConcurrentTools is the maximum tool calls the model may
	// request in a single response.
	MaxConcurrentTools int `yaml:"max_concurrent_tools"`
}

// SubChatConfig controls delegation of oversized tool results to an
// isolated sub-conversation for summarization.
type SubChatConfig struct {
	Enabled bool `yaml:"enabled"`
	// ThresholdKB is the result size in KiB above which delegation
	// triggers. 0 means always delegate.
	ThresholdKB int `yaml:"threshold_kb"`
	// Model overrides the parent's model for sub-conversations.
	Model string `yaml:"model"`
}

// MCPServerConfig defines one MCP tool server connection.
type MCPServerConfig struct {
	Name string `yaml:"name"`
	// Exactly one of Command, URL, or WebSocketURL should be set.
	Command      string            `yaml:"command"`
	Args         []string          `yaml:"args"`
	Env          []string          `yaml:"env"`
	URL          string            `yaml:"url"`
	WebSocketURL string            `yaml:"websocket_url"`
	Headers      map[string]string `yaml:"headers"`
	IncludeTools []string          `yaml:"include_tools"`
	ExcludeTools []string          `yaml:"exclude_tools"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing.
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

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Defaults: ChatDefaults{
			Temperature:    1.0,
			MaxTokens:      DefaultMaxTokens,
			GenerateTitles: true,
		},
		Safety: SafetyConfig{
			MaxToolIterations:  DefaultMaxToolIterations,
			MaxConcurrentTools: DefaultMaxConcurrentTools,
		},
		SubChat: SubChatConfig{
			Enabled:     true,
			ThresholdKB: DefaultSubChatThresholdKB,
		},
		DataDir: ".",
	}
}

// applyDefaults fills zero values that have non-zero defaults. Needed
// after unmarshaling because YAML zero values are indistinguishable
// from absent keys for scalars.
func (c *Config) applyDefaults() {
	if c.Safety.MaxToolIterations <= 0 {
		c.Safety.MaxToolIterations = DefaultMaxToolIterations
	}
	if c.Safety.MaxConcurrentTools <= 0 {
		c.Safety.MaxConcurrentTools = DefaultMaxConcurrentTools
	}
	if c.Defaults.MaxTokens <= 0 {
		c.Defaults.MaxTokens = DefaultMaxTokens
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
}

// Validate checks configuration for fail-fast errors before any
// network call is made.
func (c *Config) Validate() error {
	if c.Defaults.Model == "" {
		return fmt.Errorf("defaults.model is required (format \"provider:model-id\")")
	}
	for i, s := range c.MCPServers {
		if s.Name == "" {
			return fmt.Errorf("mcp_servers[%d]: name is required", i)
		}
		set := 0
		for _, v := range []string{s.Command, s.URL, s.WebSocketURL} {
			if v != "" {
				set++
			}
		}
		if set != 1 {
			return fmt.Errorf("mcp_servers[%d] (%s): exactly one of command, url, websocket_url must be set", i, s.Name)
		}
	}
	return nil
}
