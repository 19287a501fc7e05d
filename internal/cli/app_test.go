package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/harun/ally/internal/config"
	"github.com/harun/ally/pkg/agent"
	"github.com/harun/ally/pkg/conversation"
	"github.com/harun/ally/pkg/subagent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider replies with canned answers in order
type scriptedProvider struct {
	mu       sync.Mutex
	replies  []*agent.LLMResponse
	requests []agent.LLMRequest
}

func (p *scriptedProvider) Call(ctx context.Context, request agent.LLMRequest) (*agent.LLMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, request)
	if len(p.replies) == 0 {
		return &agent.LLMResponse{Content: "done"}, nil
	}
	reply := p.replies[0]
	p.replies = p.replies[1:]
	return reply, nil
}

func (p *scriptedProvider) Provider() string {
	return "scripted"
}

// letterEmbedder counts a few letters so similar texts land close together
type letterEmbedder struct{}

func (letterEmbedder) Dimension() int {
	return 4
}

func (letterEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		lower := strings.ToLower(text)
		out[i] = []float32{
			float32(strings.Count(lower, "a")),
			float32(strings.Count(lower, "e")),
			float32(strings.Count(lower, "o")),
			1,
		}
	}
	return out, nil
}

func setupTestConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "ally.json")
	content := `{
		"provider": {"name": "ollama"},
		"models": {"default": "test-model"},
		"paths": {"data_dir": "` + filepath.ToSlash(dir) + `"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfgFile = path
	t.Cleanup(func() { cfgFile = "" })

	cfg, _, err := loadConfig()
	require.NoError(t, err)
	return cfg
}

func setupTestApp(t *testing.T, input string, provider agent.LLMProvider) (*app, *bytes.Buffer) {
	t.Helper()

	cfg := setupTestConfig(t)
	out := &bytes.Buffer{}
	a, err := newApp(cfg, appOptions{
		In:           strings.NewReader(input),
		Out:          out,
		WorkingDir:   t.TempDir(),
		NoColor:      true,
		Agent:        provider != nil,
		ShowMessages: true,
		Provider:     provider,
		Embedder:     letterEmbedder{},
	})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a, out
}

func TestLoadConfig(t *testing.T) {
	t.Run("should apply flag overrides", func(t *testing.T) {
		setupTestConfig(t)
		logLevel, metricsAddr = "debug", "127.0.0.1:0"
		defer func() { logLevel, metricsAddr = "", "" }()

		cfg, _, err := loadConfig()

		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "127.0.0.1:0", cfg.Metrics.Addr)
		assert.Equal(t, "test-model", cfg.Models.Default)
	})
}

func TestNewApp(t *testing.T) {
	t.Run("should wire retrieval without the agent", func(t *testing.T) {
		a, _ := setupTestApp(t, "", nil)

		assert.NotNil(t, a.store)
		assert.NotNil(t, a.collections)
		assert.Nil(t, a.session)
	})

	t.Run("should register the built in tools", func(t *testing.T) {
		a, _ := setupTestApp(t, "", &scriptedProvider{})

		tools := a.registry.ListTools()
		assert.Contains(t, tools, "run_command")
		assert.Contains(t, tools, "find_references")
		assert.Contains(t, tools, "fetch_page")
		assert.Contains(t, tools, "search_documents")
		assert.Contains(t, tools, subagent.WebSearcherTool)
		assert.NotContains(t, tools, "web_search")
		assert.NotNil(t, a.webSearcher)
		assert.False(t, a.gate.AlwaysAllow())
	})

	t.Run("should leave the web searcher out when disabled", func(t *testing.T) {
		cfg := setupTestConfig(t)
		cfg.WebSearch.Enabled = false

		a, err := newApp(cfg, appOptions{In: strings.NewReader(""), Out: &bytes.Buffer{}, NoColor: true, Agent: true, Provider: &scriptedProvider{}, Embedder: letterEmbedder{}})
		require.NoError(t, err)
		defer a.Close()

		assert.NotContains(t, a.registry.ListTools(), subagent.WebSearcherTool)
		assert.Nil(t, a.coordinator)
	})

	t.Run("should leave retrieval off without embedding credentials", func(t *testing.T) {
		cfg := setupTestConfig(t)
		cfg.Retrieval.EmbeddingProvider = "openai"
		cfg.Retrieval.EmbeddingAPIKey = ""

		a, err := newApp(cfg, appOptions{In: strings.NewReader(""), Out: &bytes.Buffer{}, NoColor: true})
		require.NoError(t, err)
		defer a.Close()

		assert.Nil(t, a.store)
		assert.Nil(t, a.collections)
	})

	t.Run("should refuse to chat without required configuration", func(t *testing.T) {
		cfg := setupTestConfig(t)
		cfg.Provider.Name = "anthropic"
		cfg.Provider.APIKey = ""

		_, err := newApp(cfg, appOptions{In: strings.NewReader(""), Out: &bytes.Buffer{}, NoColor: true, Agent: true, Embedder: letterEmbedder{}})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing required configuration")
	})
}

func TestApp_ChatSession(t *testing.T) {
	t.Run("should answer and store the conversation", func(t *testing.T) {
		provider := &scriptedProvider{replies: []*agent.LLMResponse{{Content: "<think>hmm</think>Hi there"}}}
		a, out := setupTestApp(t, "hello\n/quit\n", provider)

		_, err := a.session.StartSession(context.Background(), agent.StartOptions{ThreadID: "t1"})

		require.NoError(t, err)
		assert.Contains(t, out.String(), "Hi there")
		assert.NotContains(t, out.String(), "hmm")
		assert.Contains(t, out.String(), "Thanks for using Ally!")

		threads, err := a.checkpoints.List(context.Background())
		require.NoError(t, err)
		require.Len(t, threads, 1)
		assert.Equal(t, "t1", threads[0].ThreadID)
		assert.Equal(t, 2, threads[0].Messages)
	})

	t.Run("should deny a gated tool when the user declines", func(t *testing.T) {
		call := conversation.ToolCall{ID: "c1", Name: "write_file", Arguments: map[string]interface{}{"path": "x.txt", "content": "data"}}
		provider := &scriptedProvider{replies: []*agent.LLMResponse{
			{ToolCalls: []conversation.ToolCall{call}},
			{Content: "ok, skipped"},
		}}
		a, out := setupTestApp(t, "write it\nn\n/quit\n", provider)

		_, err := a.session.StartSession(context.Background(), agent.StartOptions{})

		require.NoError(t, err)
		assert.Contains(t, out.String(), "Tool Executing")
		assert.Contains(t, out.String(), "ok, skipped")

		state, err := a.checkpoints.Load(context.Background(), a.session.ThreadID())
		require.NoError(t, err)
		var denied bool
		for _, msg := range state.Messages {
			if msg.Role == conversation.RoleTool && msg.IsError {
				denied = true
			}
		}
		assert.True(t, denied)
	})

	t.Run("should delegate research to the web searcher", func(t *testing.T) {
		call := conversation.ToolCall{ID: "c1", Name: subagent.WebSearcherTool, Arguments: map[string]interface{}{"task": "latest Go release"}}
		provider := &scriptedProvider{replies: []*agent.LLMResponse{
			{ToolCalls: []conversation.ToolCall{call}},
			{Content: "Go 1.24 is the latest release."},
			{Content: "It is Go 1.24."},
		}}
		a, _ := setupTestApp(t, "", provider)

		out := a.session.Invoke(context.Background(), "Which Go release is current?", agent.InvokeOptions{ThreadID: "main"})

		assert.Equal(t, "It is Go 1.24.", out)
		require.Len(t, provider.requests, 3)
		assert.Equal(t, subagent.DefaultWebSearcherPrompt, provider.requests[1].SystemPrompt)
		assert.Equal(t, "latest Go release", provider.requests[1].Messages[0].Content)

		runs := a.coordinator.ListChildren("main")
		require.Len(t, runs, 1)
		assert.Equal(t, subagent.StatusCompleted, runs[0].Status)
		assert.Equal(t, "Go 1.24 is the latest release.", runs[0].Result)

		_, err := os.Stat(filepath.Join(a.config.Paths.DataDir, subagentRegistryFile))
		assert.NoError(t, err)
	})

	t.Run("should embed through the slash command", func(t *testing.T) {
		src := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(src, "notes.md"), []byte("banana bread recipe"), 0644))

		a, out := setupTestApp(t, "/embed "+src+" docs\n/index docs\n/list\n/quit\n", &scriptedProvider{})

		_, err := a.session.StartSession(context.Background(), agent.StartOptions{})

		require.NoError(t, err)
		assert.Contains(t, out.String(), "1 embedded, 0 unchanged, 0 skipped, 0 failed (1 chunks).")
		assert.Contains(t, out.String(), "Collection 'docs' is now indexed.")
		assert.Contains(t, out.String(), "docs (1 documents) [indexed]")
		assert.True(t, a.index.IsIndexed("docs"))
	})
}
