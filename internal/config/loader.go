package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// APIKeyEnv maps a provider to the environment variable holding its key
var APIKeyEnv = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"github":     "GITHUB_TOKEN",
	"groq":       "GROQ_API_KEY",
	"cerebras":   "CEREBRAS_API_KEY",
}

// Environment variables holding the Google Custom Search credentials
const (
	SearchAPIKeyEnv   = "GOOGLE_SEARCH_API_KEY"
	SearchEngineIDEnv = "SEARCH_ENGINE_ID"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
	envFile    string
	warnings   []string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envFile:    ".env",
	}
}

// WithEnvFile sets the dotenv file read before the config. Empty disables it.
func (l *Loader) WithEnvFile(path string) *Loader {
	l.envFile = path
	return l
}

// Warnings returns the non fatal problems found by the last Load
func (l *Loader) Warnings() []string {
	return l.warnings
}

// Load reads the dotenv file, the JSON config file (if present) and the
// environment, in increasing order of precedence.
func (l *Loader) Load() (*Config, error) {
	l.warnings = nil

	if l.envFile != "" {
		if err := godotenv.Load(l.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			l.warnings = append(l.warnings, fmt.Sprintf("failed to read %s: %v", l.envFile, err))
		}
	}

	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix("ALLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{
		"provider.name", "provider.api_key", "provider.base_url",
		"models.default", "models.temperature",
		"retrieval.enabled", "retrieval.embedding_provider", "retrieval.embedding_model",
		"retrieval.embedding_base_url", "retrieval.embedding_api_key",
		"web_search.enabled", "web_search.model",
		"logging.level", "metrics.addr",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		if env, ok := APIKeyEnv[cfg.Provider.Name]; ok {
			cfg.Provider.APIKey = os.Getenv(env)
		}
	}
	if cfg.Retrieval.EmbeddingAPIKey == "" && cfg.Retrieval.EmbeddingProvider == "openai" {
		cfg.Retrieval.EmbeddingAPIKey = os.Getenv(APIKeyEnv["openai"])
	}
	if cfg.WebSearch.APIKey == "" {
		cfg.WebSearch.APIKey = os.Getenv(SearchAPIKeyEnv)
	}
	if cfg.WebSearch.EngineID == "" {
		cfg.WebSearch.EngineID = os.Getenv(SearchEngineIDEnv)
	}

	if err := l.resolvePaths(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// resolvePaths fills in empty directories. ALLY_HISTORY_DIR and
// ALLY_DATABASE_DIR override the config when they name a valid directory.
func (l *Loader) resolvePaths(cfg *Config) error {
	validator := NewValidator()

	if cfg.Paths.DataDir == "" {
		dir, err := defaultDataDir()
		if err != nil {
			return err
		}
		cfg.Paths.DataDir = dir
	}

	overrides := []struct {
		env    string
		target *string
		name   string
	}{
		{"ALLY_HISTORY_DIR", &cfg.Paths.HistoryDir, "history"},
		{"ALLY_DATABASE_DIR", &cfg.Paths.DatabaseDir, "database"},
		{"ALLY_LOGS_DIR", &cfg.Paths.LogsDir, "logs"},
	}
	for _, o := range overrides {
		if val, ok := os.LookupEnv(o.env); ok {
			if validator.ValidateDirName(val) {
				*o.target = val
			} else {
				l.warnings = append(l.warnings,
					fmt.Sprintf("Invalid directory path found in $%s. Reverting to default path.", o.env))
			}
		}
		if *o.target == "" {
			*o.target = filepath.Join(cfg.Paths.DataDir, o.name)
		}
		*o.target = expandHome(*o.target)
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.Paths.LogsDir, "ally.log")
	}
	return nil
}

func defaultDataDir() (string, error) {
	if runtime.GOOS == "windows" {
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, "Ally"), nil
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "Ally"), nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// Save writes cfg as JSON to the config path
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("provider", cfg.Provider)
	v.Set("models", cfg.Models)
	v.Set("agent", cfg.Agent)
	v.Set("retrieval", cfg.Retrieval)
	v.Set("web_search", cfg.WebSearch)
	v.Set("paths", cfg.Paths)
	v.Set("logging", cfg.Logging)
	v.Set("metrics", cfg.Metrics)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return os.Chmod(configPath, 0600)
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ally", "ally.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
