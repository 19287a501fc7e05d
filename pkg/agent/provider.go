package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/ally/pkg/conversation"
	"github.com/harun/ally/pkg/toolexecutor"
)

// LLMProvider is the model client the state machine invokes
type LLMProvider interface {
	// Call sends one request and returns the model's reply
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// LLMRequest contains the request parameters for one inference
type LLMRequest struct {
	Model        string
	SystemPrompt string
	Messages     []conversation.Message
	Tools        []toolexecutor.ToolDefinition
	Temperature  float64
	MaxTokens    int
}

// LLMResponse contains the reply of one inference
type LLMResponse struct {
	Content   string
	ToolCalls []conversation.ToolCall
	// Malformed is set when the model attempted a tool call whose arguments
	// could not be decoded
	Malformed bool
	Usage     *TokenUsage
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ProviderConfig selects and authenticates a provider
type ProviderConfig struct {
	Name    string
	APIKey  string
	BaseURL string // overrides DefaultBaseURLs
}

// DefaultBaseURLs are the OpenAI compatible endpoints of the supported providers
var DefaultBaseURLs = map[string]string{
	"openrouter": "https://openrouter.ai/api/v1",
	"github":     "https://models.github.ai/inference",
	"groq":       "https://api.groq.com/openai/v1",
	"cerebras":   "https://api.cerebras.ai/v1",
	"ollama":     "http://localhost:11434/v1",
}

// SupportedProviders lists every provider name NewProvider accepts
func SupportedProviders() []string {
	return []string{"anthropic", "cerebras", "github", "groq", "ollama", "openai", "openrouter"}
}

// NewProvider creates an LLM provider from cfg
func NewProvider(cfg ProviderConfig) (LLMProvider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Name))

	switch name {
	case "anthropic":
		return NewAnthropicProvider(cfg.APIKey, cfg.BaseURL), nil
	case "openai", "openrouter", "github", "groq", "cerebras", "ollama":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = DefaultBaseURLs[name]
		}
		apiKey := cfg.APIKey
		if apiKey == "" && name == "ollama" {
			apiKey = "ollama"
		}
		return NewOpenAIProvider(name, apiKey, baseURL), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Name)
	}
}

// statusError maps an HTTP status from a provider SDK onto the error taxonomy
func statusError(status int, err error) error {
	switch status {
	case 429:
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case 404:
		return fmt.Errorf("%w: %v", ErrModelNotFound, err)
	default:
		return err
	}
}
