package subagent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/harun/ally/pkg/agent"
	"github.com/harun/ally/pkg/conversation"
	"github.com/harun/ally/pkg/coretools"
	"github.com/harun/ally/pkg/session"
	"github.com/harun/ally/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Call(ctx context.Context, request agent.LLMRequest) (*agent.LLMResponse, error) {
	args := m.Called(ctx, request)
	resp, _ := args.Get(0).(*agent.LLMResponse)
	return resp, args.Error(1)
}

func (m *MockProvider) Provider() string {
	return "mock"
}

func (m *MockProvider) request(t *testing.T, i int) agent.LLMRequest {
	t.Helper()
	require.Greater(t, len(m.Calls), i)
	return m.Calls[i].Arguments.Get(1).(agent.LLMRequest)
}

// quietUI satisfies agent.UI and records errors
type quietUI struct {
	mu     sync.Mutex
	errors []string
}

func (u *quietUI) Warning(msg string) {}
func (u *quietUI) Error(msg string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.errors = append(u.errors, msg)
}
func (u *quietUI) Confirm(question string, def bool) bool { return false }
func (u *quietUI) Input(ctx context.Context, model, cwd string) (string, error) {
	return "", io.EOF
}
func (u *quietUI) Ask(ctx context.Context, prompt string) (string, error) { return "", io.EOF }
func (u *quietUI) Status(title, message string) {}
func (u *quietUI) AIResponse(text string) {}
func (u *quietUI) Print(text string) {}
func (u *quietUI) Help(model string) {}
func (u *quietUI) ClearScreen() {}
func (u *quietUI) HistoryCleared() {}
func (u *quietUI) Goodbye() {}

// scriptedInvoker returns a fixed answer and remembers what it was asked
type scriptedInvoker struct {
	answer  string
	message string
	opts    agent.InvokeOptions
	cancel  context.CancelFunc
}

func (s *scriptedInvoker) Invoke(ctx context.Context, message string, opts agent.InvokeOptions) string {
	s.message = message
	s.opts = opts
	if s.cancel != nil {
		s.cancel()
	}
	return s.answer
}

type staticScraper struct{}

func (staticScraper) Fetch(ctx context.Context, target string, maxChars int) (*coretools.Page, error) {
	return &coretools.Page{URL: target, Text: "Go 1.24 ships generic type aliases."}, nil
}

func setupTestDelegate(t *testing.T, invoker Invoker) (toolexecutor.ToolDefinition, *Coordinator) {
	t.Helper()
	coordinator := NewCoordinator(Config{Logger: zerolog.Nop()})
	tool, err := NewDelegateTool(DelegateConfig{
		ToolName:    WebSearcherTool,
		Description: "delegate research",
		Agent:       WebSearcherAgent,
		Invoker:     invoker,
		Coordinator: coordinator,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	return tool, coordinator
}

func withThread(threadID string) context.Context {
	return toolexecutor.ContextWithExecContext(context.Background(), &toolexecutor.ExecutionContext{ThreadID: threadID})
}

func TestNewDelegateTool(t *testing.T) {
	t.Run("should require an invoker and a coordinator", func(t *testing.T) {
		_, err := NewDelegateTool(DelegateConfig{ToolName: "x", Agent: "a", Coordinator: NewCoordinator(Config{})})
		assert.Error(t, err)

		_, err = NewDelegateTool(DelegateConfig{ToolName: "x", Agent: "a", Invoker: &scriptedInvoker{}})
		assert.Error(t, err)
	})
}

func TestDelegateTool_Handler(t *testing.T) {
	t.Run("should run the task on a fresh child thread and record the answer", func(t *testing.T) {
		invoker := &scriptedInvoker{answer: "summary"}
		tool, coordinator := setupTestDelegate(t, invoker)

		out, err := tool.Handler(withThread("main"), map[string]interface{}{"task": "  latest Go release  "})
		require.NoError(t, err)

		assert.Equal(t, "summary", out)
		assert.Equal(t, "latest Go release", invoker.message)
		assert.True(t, strings.HasPrefix(invoker.opts.ThreadID, WebSearcherAgent+"-"))
		assert.NoError(t, session.ValidateThreadID(invoker.opts.ThreadID))

		runs := coordinator.ListChildren("main")
		require.Len(t, runs, 1)
		assert.Equal(t, StatusCompleted, runs[0].Status)
		assert.Equal(t, "summary", runs[0].Result)
		assert.Equal(t, invoker.opts.ThreadID, runs[0].ChildThreadID)
	})

	t.Run("should use a new thread for every call", func(t *testing.T) {
		invoker := &scriptedInvoker{answer: "ok"}
		tool, coordinator := setupTestDelegate(t, invoker)

		_, err := tool.Handler(withThread("main"), map[string]interface{}{"task": "one"})
		require.NoError(t, err)
		first := invoker.opts.ThreadID
		_, err = tool.Handler(withThread("main"), map[string]interface{}{"task": "two"})
		require.NoError(t, err)

		assert.NotEqual(t, first, invoker.opts.ThreadID)
		assert.Len(t, coordinator.ListChildren("main"), 2)
	})

	t.Run("should mark an error answer as failed", func(t *testing.T) {
		tool, coordinator := setupTestDelegate(t, &scriptedInvoker{answer: agent.FailedText})

		out, err := tool.Handler(withThread("main"), map[string]interface{}{"task": "search"})
		require.NoError(t, err)

		assert.Equal(t, agent.FailedText, out)
		run := coordinator.ListChildren("main")[0]
		assert.Equal(t, StatusFailed, run.Status)
		assert.Equal(t, agent.FailedText, run.Error)
	})

	t.Run("should mark a canceled run as aborted", func(t *testing.T) {
		ctx, cancel := context.WithCancel(withThread("main"))
		defer cancel()
		tool, coordinator := setupTestDelegate(t, &scriptedInvoker{answer: agent.FailedText, cancel: cancel})

		_, err := tool.Handler(ctx, map[string]interface{}{"task": "search"})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, StatusAborted, coordinator.ListChildren("main")[0].Status)
	})

	t.Run("should reject an empty task", func(t *testing.T) {
		tool, coordinator := setupTestDelegate(t, &scriptedInvoker{})

		_, err := tool.Handler(withThread("main"), map[string]interface{}{"task": " "})
		assert.Error(t, err)
		assert.Equal(t, 0, coordinator.GetStats().TotalRuns)
	})
}

func newSearchServer(t *testing.T) *coretools.SearchClient {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"items": []map[string]string{{"title": "Go 1.24 Release Notes", "link": "https://go.dev/doc/go1.24"}},
		})
	}))
	t.Cleanup(server.Close)
	return coretools.NewSearchClient(coretools.SearchConfig{APIKey: "k", EngineID: "cx", Endpoint: server.URL})
}

func TestRegisterWebSearcher(t *testing.T) {
	ctx := context.Background()

	t.Run("should answer through a second agent with its own prompt and tools", func(t *testing.T) {
		checkpoints, err := session.NewStore(session.Config{Dir: t.TempDir(), Logger: zerolog.Nop()})
		require.NoError(t, err)
		coordinator := NewCoordinator(Config{Logger: zerolog.Nop()})
		ui := &quietUI{}

		searchProvider := &MockProvider{}
		searchProvider.On("Call", mock.Anything, mock.Anything).
			Return(&agent.LLMResponse{ToolCalls: []conversation.ToolCall{{ID: "s1", Name: "web_search", Arguments: map[string]interface{}{"query": "go 1.24"}}}}, nil).Once()
		searchProvider.On("Call", mock.Anything, mock.Anything).
			Return(&agent.LLMResponse{Content: "Go 1.24 adds generic type aliases (go.dev/doc/go1.24)."}, nil).Once()

		registry := toolexecutor.NewRegistry()
		_, err = RegisterWebSearcher(registry, coordinator, WebSearcherConfig{
			Provider:    searchProvider,
			Model:       "search-model",
			Search:      newSearchServer(t),
			Scraper:     staticScraper{},
			Checkpoints: checkpoints,
			UI:          ui,
			Gate:        toolexecutor.NewGate(nil),
			Logger:      zerolog.Nop(),
		})
		require.NoError(t, err)

		mainProvider := &MockProvider{}
		mainProvider.On("Call", mock.Anything, mock.Anything).
			Return(&agent.LLMResponse{ToolCalls: []conversation.ToolCall{{ID: "m1", Name: WebSearcherTool, Arguments: map[string]interface{}{"task": "What is new in Go 1.24?"}}}}, nil).Once()
		mainProvider.On("Call", mock.Anything, mock.Anything).
			Return(&agent.LLMResponse{Content: "Generic type aliases."}, nil).Once()

		machine, err := agent.NewMachine(agent.MachineConfig{
			Provider:     mainProvider,
			Model:        "main-model",
			SystemPrompt: "main prompt",
			Temperature:  0.7,
			Tools:        toolexecutor.NewEngine(toolexecutor.EngineConfig{Registry: registry, Logger: zerolog.Nop()}),
			Logger:       zerolog.Nop(),
		})
		require.NoError(t, err)
		parent, err := agent.NewSession(agent.SessionConfig{Machine: machine, Checkpoints: checkpoints, UI: ui, Logger: zerolog.Nop()})
		require.NoError(t, err)

		out := parent.Invoke(ctx, "What changed in Go 1.24?", agent.InvokeOptions{ThreadID: "main"})
		assert.Equal(t, "Generic type aliases.", out)
		assert.Empty(t, ui.errors)

		first := searchProvider.request(t, 0)
		assert.Equal(t, "search-model", first.Model)
		assert.Equal(t, DefaultWebSearcherPrompt, first.SystemPrompt)
		assert.Equal(t, 0.0, first.Temperature)
		var toolNames []string
		for _, def := range first.Tools {
			toolNames = append(toolNames, def.Name)
		}
		assert.Equal(t, []string{"web_search"}, toolNames)

		second := searchProvider.request(t, 1)
		toolResult := second.Messages[len(second.Messages)-1]
		assert.Equal(t, conversation.RoleTool, toolResult.Role)
		assert.Contains(t, toolResult.Content, "# Title: \nGo 1.24 Release Notes")
		assert.Contains(t, toolResult.Content, "generic type aliases")

		runs := coordinator.ListChildren("main")
		require.Len(t, runs, 1)
		assert.Equal(t, StatusCompleted, runs[0].Status)
		assert.Equal(t, "Go 1.24 adds generic type aliases (go.dev/doc/go1.24).", runs[0].Result)

		mainState, err := checkpoints.Load(ctx, "main")
		require.NoError(t, err)
		delegated := mainState.Messages[2]
		assert.Equal(t, conversation.RoleTool, delegated.Role)
		assert.Equal(t, runs[0].Result, delegated.Content)

		childState, err := checkpoints.Load(ctx, runs[0].ChildThreadID)
		require.NoError(t, err)
		assert.Equal(t, "What is new in Go 1.24?", childState.Messages[0].Content)

		searchProvider.AssertExpectations(t)
		mainProvider.AssertExpectations(t)
	})

	t.Run("should require a provider", func(t *testing.T) {
		_, err := RegisterWebSearcher(toolexecutor.NewRegistry(), NewCoordinator(Config{}), WebSearcherConfig{Model: "m"})
		assert.Error(t, err)
	})
}
