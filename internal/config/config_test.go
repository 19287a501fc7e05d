package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Provider.APIKey = "sk-test-key"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "openai", cfg.Provider.Name)
	assert.Equal(t, 20, cfg.Agent.LastNTurns)
	assert.Equal(t, 100, cfg.Agent.RecursionLimit)
	assert.Equal(t, 50, cfg.Agent.MaxRetries)
	assert.Equal(t, 3600, cfg.Agent.ToolTimeoutSeconds)
	assert.False(t, cfg.Agent.HandleToolErrors)
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.Equal(t, 50, cfg.Retrieval.ChunkSize)
	assert.Equal(t, 10, cfg.Retrieval.ChunkOverlap)
	assert.True(t, cfg.WebSearch.Enabled)
	assert.Equal(t, 0.0, cfg.WebSearch.Temperature)
	assert.Equal(t, 5, cfg.WebSearch.Results)
	assert.False(t, cfg.WebSearch.SearchAvailable())
}

func TestConfigValidate(t *testing.T) {
	t.Run("should accept a complete config", func(t *testing.T) {
		require.NoError(t, validConfig().Validate())
	})

	t.Run("should reject a missing api key", func(t *testing.T) {
		cfg := DefaultConfig()
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no API key")
	})

	t.Run("should not require a key for ollama", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Provider.Name = "ollama"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("should reject an unknown provider", func(t *testing.T) {
		cfg := validConfig()
		cfg.Provider.Name = "palm"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported inference provider")
	})

	t.Run("should reject non positive limits", func(t *testing.T) {
		cases := map[string]func(*Config){
			"last_n_turns":    func(c *Config) { c.Agent.LastNTurns = 0 },
			"recursion_limit": func(c *Config) { c.Agent.RecursionLimit = -1 },
			"top_k":           func(c *Config) { c.Retrieval.TopK = 0 },
			"chunk":           func(c *Config) { c.Retrieval.ChunkOverlap = c.Retrieval.ChunkSize },
		}
		for name, mutate := range cases {
			cfg := validConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate(), name)
		}
	})

	t.Run("should validate the web searcher settings", func(t *testing.T) {
		cfg := validConfig()
		cfg.WebSearch.Results = 11
		assert.Error(t, cfg.Validate())

		cfg = validConfig()
		cfg.WebSearch.Temperature = 3
		assert.Error(t, cfg.Validate())

		cfg.WebSearch.Enabled = false
		assert.NoError(t, cfg.Validate())
	})

	t.Run("should validate the resync schedule", func(t *testing.T) {
		cfg := validConfig()
		cfg.Retrieval.ResyncSchedule = "*/15 * * * *"
		assert.NoError(t, cfg.Validate())

		cfg.Retrieval.ResyncSchedule = "every now and then"
		assert.Error(t, cfg.Validate())
	})
}

func TestConfigString(t *testing.T) {
	s := validConfig().String()
	assert.True(t, strings.HasPrefix(s, "{"))
	assert.Contains(t, s, `"last_n_turns": 20`)
}
