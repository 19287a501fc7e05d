package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main Ally configuration
type Config struct {
	Provider  ProviderConfig  `json:"provider" mapstructure:"provider"`
	Models    ModelsConfig    `json:"models" mapstructure:"models"`
	Agent     AgentConfig     `json:"agent" mapstructure:"agent"`
	Retrieval RetrievalConfig `json:"retrieval" mapstructure:"retrieval"`
	WebSearch WebSearchConfig `json:"web_search" mapstructure:"web_search"`
	Paths     PathsConfig     `json:"paths" mapstructure:"paths"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Metrics   MetricsConfig   `json:"metrics" mapstructure:"metrics"`
}

// ProviderConfig selects the inference provider
type ProviderConfig struct {
	Name    string `json:"name" mapstructure:"name"` // openai, anthropic, openrouter, github, groq, cerebras, ollama
	APIKey  string `json:"api_key" mapstructure:"api_key"`
	BaseURL string `json:"base_url" mapstructure:"base_url"` // overrides the provider default
}

// ModelsConfig holds model parameters
type ModelsConfig struct {
	Default     string  `json:"default" mapstructure:"default"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
}

// AgentConfig holds the conversation loop limits
type AgentConfig struct {
	SystemPrompt       string `json:"system_prompt" mapstructure:"system_prompt"`
	LastNTurns         int    `json:"last_n_turns" mapstructure:"last_n_turns"`
	RecursionLimit     int    `json:"recursion_limit" mapstructure:"recursion_limit"`
	MaxRetries         int    `json:"max_retries" mapstructure:"max_retries"`
	HandleToolErrors   bool   `json:"handle_tool_errors" mapstructure:"handle_tool_errors"`
	ToolTimeoutSeconds int    `json:"tool_timeout_seconds" mapstructure:"tool_timeout_seconds"`
}

// RetrievalConfig holds document retrieval settings
type RetrievalConfig struct {
	Enabled           bool   `json:"enabled" mapstructure:"enabled"`
	TopK              int    `json:"top_k" mapstructure:"top_k"`
	EmbeddingProvider string `json:"embedding_provider" mapstructure:"embedding_provider"` // openai, ollama
	EmbeddingModel    string `json:"embedding_model" mapstructure:"embedding_model"`
	EmbeddingBaseURL  string `json:"embedding_base_url" mapstructure:"embedding_base_url"`
	EmbeddingAPIKey   string `json:"embedding_api_key" mapstructure:"embedding_api_key"`
	EmbeddingDims     int    `json:"embedding_dims" mapstructure:"embedding_dims"`
	ChunkSize         int    `json:"chunk_size" mapstructure:"chunk_size"`
	ChunkOverlap      int    `json:"chunk_overlap" mapstructure:"chunk_overlap"`
	ResyncSchedule    string `json:"resync_schedule" mapstructure:"resync_schedule"` // cron spec, empty disables
}

// WebSearchConfig configures the web research helper agent
type WebSearchConfig struct {
	Enabled      bool    `json:"enabled" mapstructure:"enabled"`
	Model        string  `json:"model" mapstructure:"model"` // empty uses models.default
	Temperature  float64 `json:"temperature" mapstructure:"temperature"`
	SystemPrompt string  `json:"system_prompt" mapstructure:"system_prompt"`
	APIKey       string  `json:"api_key" mapstructure:"api_key"`     // GOOGLE_SEARCH_API_KEY
	EngineID     string  `json:"engine_id" mapstructure:"engine_id"` // SEARCH_ENGINE_ID
	Results      int     `json:"results" mapstructure:"results"`
}

// SearchAvailable reports whether search credentials are configured
func (w WebSearchConfig) SearchAvailable() bool {
	return w.APIKey != "" && w.EngineID != ""
}

// PathsConfig holds on-disk locations
type PathsConfig struct {
	DataDir     string `json:"data_dir" mapstructure:"data_dir"`
	HistoryDir  string `json:"history_dir" mapstructure:"history_dir"`
	DatabaseDir string `json:"database_dir" mapstructure:"database_dir"`
	LogsDir     string `json:"logs_dir" mapstructure:"logs_dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// MetricsConfig controls the prometheus endpoint
type MetricsConfig struct {
	Addr string `json:"addr" mapstructure:"addr"` // empty disables
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Name: "openai",
		},
		Models: ModelsConfig{
			Default:     "gpt-4o-mini",
			Temperature: 0,
			MaxTokens:   4096,
		},
		Agent: AgentConfig{
			SystemPrompt:       DefaultSystemPrompt,
			LastNTurns:         20,
			RecursionLimit:     100,
			MaxRetries:         50,
			HandleToolErrors:   false,
			ToolTimeoutSeconds: 3600,
		},
		Retrieval: RetrievalConfig{
			Enabled:           false,
			TopK:              5,
			EmbeddingProvider: "openai",
			EmbeddingModel:    "text-embedding-3-small",
			EmbeddingDims:     1536,
			ChunkSize:         50,
			ChunkOverlap:      10,
			ResyncSchedule:    "",
		},
		WebSearch: WebSearchConfig{
			Enabled:     true,
			Temperature: 0,
			Results:     5,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   20,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
	}
}

// DefaultSystemPrompt is used when no system prompt is configured
const DefaultSystemPrompt = `You are Ally, a helpful local assistant with access to tools.
Use tools when they help you answer accurately. Ask before doing anything destructive.`

// RequiresAPIKey reports whether the provider needs a credential
func RequiresAPIKey(provider string) bool {
	return provider != "ollama"
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	v := NewValidator()

	if err := v.ValidateProvider(c.Provider.Name); err != nil {
		return err
	}
	if RequiresAPIKey(c.Provider.Name) && c.Provider.APIKey == "" {
		return fmt.Errorf("no API key configured for provider %s", c.Provider.Name)
	}
	if err := v.ValidateModel(c.Models.Default); err != nil {
		return err
	}
	if err := v.ValidateTemperature(c.Models.Temperature); err != nil {
		return err
	}
	if err := v.ValidateMaxTokens(c.Models.MaxTokens); err != nil {
		return err
	}

	if c.Agent.LastNTurns <= 0 {
		return fmt.Errorf("agent.last_n_turns must be positive, got %d", c.Agent.LastNTurns)
	}
	if c.Agent.RecursionLimit <= 0 {
		return fmt.Errorf("agent.recursion_limit must be positive, got %d", c.Agent.RecursionLimit)
	}
	if c.Agent.MaxRetries < 0 {
		return fmt.Errorf("agent.max_retries cannot be negative, got %d", c.Agent.MaxRetries)
	}

	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive, got %d", c.Retrieval.TopK)
	}
	if c.Retrieval.ChunkSize <= 0 || c.Retrieval.ChunkOverlap < 0 || c.Retrieval.ChunkOverlap >= c.Retrieval.ChunkSize {
		return fmt.Errorf("retrieval chunking requires 0 <= chunk_overlap < chunk_size, got %d/%d",
			c.Retrieval.ChunkOverlap, c.Retrieval.ChunkSize)
	}
	if c.Retrieval.ResyncSchedule != "" {
		if err := v.ValidateSchedule(c.Retrieval.ResyncSchedule); err != nil {
			return err
		}
	}

	if c.WebSearch.Enabled {
		if err := v.ValidateTemperature(c.WebSearch.Temperature); err != nil {
			return fmt.Errorf("web_search: %w", err)
		}
		if c.WebSearch.Results <= 0 || c.WebSearch.Results > 10 {
			return fmt.Errorf("web_search.results must be between 1 and 10, got %d", c.WebSearch.Results)
		}
	}

	return v.ValidateLogLevel(c.Logging.Level)
}
