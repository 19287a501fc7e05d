package agent

import (
	"errors"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/harun/ally/pkg/conversation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider(t *testing.T) {
	t.Run("should select the anthropic client", func(t *testing.T) {
		p, err := NewProvider(ProviderConfig{Name: "Anthropic", APIKey: "k"})
		require.NoError(t, err)
		assert.IsType(t, &AnthropicProvider{}, p)
		assert.Equal(t, "anthropic", p.Provider())
	})

	t.Run("should use the OpenAI client for compatible providers", func(t *testing.T) {
		for _, name := range []string{"openai", "openrouter", "github", "groq", "cerebras", "ollama"} {
			p, err := NewProvider(ProviderConfig{Name: name})
			require.NoError(t, err, name)
			assert.IsType(t, &OpenAIProvider{}, p)
			assert.Equal(t, name, p.Provider())
		}
	})

	t.Run("should reject unknown providers", func(t *testing.T) {
		_, err := NewProvider(ProviderConfig{Name: "gemini"})
		assert.Error(t, err)
	})

	t.Run("should list every accepted provider", func(t *testing.T) {
		for _, name := range SupportedProviders() {
			_, err := NewProvider(ProviderConfig{Name: name})
			assert.NoError(t, err, name)
		}
	})
}

func TestStatusError(t *testing.T) {
	cause := errors.New("http failure")

	t.Run("should map 429 to rate limiting", func(t *testing.T) {
		assert.ErrorIs(t, statusError(429, cause), ErrRateLimited)
	})

	t.Run("should map 404 to an unknown model", func(t *testing.T) {
		assert.ErrorIs(t, statusError(404, cause), ErrModelNotFound)
	})

	t.Run("should pass other statuses through", func(t *testing.T) {
		assert.Equal(t, cause, statusError(500, cause))
	})
}

func conversationWithTools() []conversation.Message {
	return []conversation.Message{
		conversation.Human("read both"),
		conversation.AI("reading", conversation.ToolCall{ID: "c1", Name: "read_file", Arguments: map[string]interface{}{"path": "a"}},
			conversation.ToolCall{ID: "c2", Name: "read_file"}),
		conversation.ToolResult("c1", "read_file", "alpha", false),
		conversation.ToolResult("c2", "read_file", "missing", true),
		conversation.Synthetic("context"),
	}
}

func TestAnthropicMessages(t *testing.T) {
	t.Run("should merge consecutive user side blocks", func(t *testing.T) {
		msgs := anthropicMessages(conversationWithTools())

		require.Len(t, msgs, 3)
		assert.Equal(t, anthropic.MessageParamRoleUser, msgs[0].Role)
		assert.Equal(t, anthropic.MessageParamRoleAssistant, msgs[1].Role)
		assert.Len(t, msgs[1].Content, 3)
		assert.Equal(t, anthropic.MessageParamRoleUser, msgs[2].Role)
		assert.Len(t, msgs[2].Content, 3)
	})

	t.Run("should skip empty AI messages", func(t *testing.T) {
		msgs := anthropicMessages([]conversation.Message{conversation.Human("hi"), conversation.AI("")})
		assert.Len(t, msgs, 1)
	})
}

func TestOpenAIMessages(t *testing.T) {
	t.Run("should convert every role", func(t *testing.T) {
		msgs, err := openAIMessages("system", conversationWithTools())

		require.NoError(t, err)
		require.Len(t, msgs, 6)
		assert.NotNil(t, msgs[0].OfSystem)
		assert.NotNil(t, msgs[1].OfUser)

		assistant := msgs[2].OfAssistant
		require.NotNil(t, assistant)
		require.Len(t, assistant.ToolCalls, 2)
		assert.Equal(t, "c1", assistant.ToolCalls[0].ID)
		assert.JSONEq(t, `{"path":"a"}`, assistant.ToolCalls[0].Function.Arguments)
		assert.JSONEq(t, `{}`, assistant.ToolCalls[1].Function.Arguments)

		require.NotNil(t, msgs[3].OfTool)
		assert.Equal(t, "c1", msgs[3].OfTool.ToolCallID)
		assert.NotNil(t, msgs[5].OfUser)
	})

	t.Run("should omit the system message when empty", func(t *testing.T) {
		msgs, err := openAIMessages("", []conversation.Message{conversation.Human("hi")})
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.NotNil(t, msgs[0].OfUser)
	})
}
