package agent

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/harun/ally/pkg/conversation"
	"github.com/harun/ally/pkg/recovery"
	"github.com/harun/ally/pkg/retrieval"
	sessionstore "github.com/harun/ally/pkg/session"
	"github.com/harun/ally/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeUI records everything shown and answers from a script
type fakeUI struct {
	mu       sync.Mutex
	inputs   []string
	answers  []string
	confirm  bool
	warnings []string
	errors   []string
	statuses []string
	printed  []string
	cleared  int
	goodbye  int
}

func (u *fakeUI) Warning(msg string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.warnings = append(u.warnings, msg)
}

func (u *fakeUI) Error(msg string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.errors = append(u.errors, msg)
}

func (u *fakeUI) Confirm(question string, def bool) bool {
	return u.confirm
}

func (u *fakeUI) Input(ctx context.Context, model, cwd string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.inputs) == 0 {
		return "", io.EOF
	}
	line := u.inputs[0]
	u.inputs = u.inputs[1:]
	return line, nil
}

func (u *fakeUI) Ask(ctx context.Context, prompt string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.answers) == 0 {
		return "", io.EOF
	}
	answer := u.answers[0]
	u.answers = u.answers[1:]
	return answer, nil
}

func (u *fakeUI) Status(title, message string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.statuses = append(u.statuses, title+": "+message)
}

func (u *fakeUI) AIResponse(text string) {}

func (u *fakeUI) Print(text string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.printed = append(u.printed, text)
}

func (u *fakeUI) Help(model string) {}

func (u *fakeUI) ClearScreen() {}

func (u *fakeUI) HistoryCleared() { u.cleared++ }

func (u *fakeUI) Goodbye() { u.goodbye++ }

// memoryCheckpoints keeps cloned states by thread id
type memoryCheckpoints struct {
	mu     sync.Mutex
	states map[string]*conversation.State
	err    error
}

func newMemoryCheckpoints() *memoryCheckpoints {
	return &memoryCheckpoints{states: make(map[string]*conversation.State)}
}

func (c *memoryCheckpoints) Load(ctx context.Context, threadID string) (*conversation.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	if st, ok := c.states[threadID]; ok {
		return st.Clone(), nil
	}
	return conversation.NewState(threadID), nil
}

func (c *memoryCheckpoints) Save(ctx context.Context, state *conversation.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[state.ThreadID] = state.Clone()
	return nil
}

func (c *memoryCheckpoints) get(threadID string) *conversation.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[threadID]
}

type fakeRetriever struct {
	cands []retrieval.Candidate
	err   error
}

func (r *fakeRetriever) Merge(ctx context.Context, query string, enabled map[string]bool) ([]retrieval.Candidate, error) {
	return r.cands, r.err
}

type staticIndex map[string]bool

func (i staticIndex) Enabled() map[string]bool {
	return i
}

type sessionFixture struct {
	session     *Session
	provider    *MockProvider
	ui          *fakeUI
	checkpoints *memoryCheckpoints
	machine     *Machine
}

func setupTestSession(t *testing.T, tools *toolexecutor.Engine, limit int, retriever Retriever) *sessionFixture {
	t.Helper()
	provider := &MockProvider{}
	machine := setupTestMachine(t, provider, tools, limit)
	ui := &fakeUI{confirm: true}
	checkpoints := newMemoryCheckpoints()

	cfg := SessionConfig{
		Machine:     machine,
		Checkpoints: checkpoints,
		UI:          ui,
		ThreadID:    "thread-1",
		WorkingDir:  t.TempDir(),
		Logger:      zerolog.Nop(),
	}
	if retriever != nil {
		cfg.Retriever = retriever
		cfg.Index = staticIndex{"docs": true}
		cfg.RetrievalEnabled = true
	}
	session, err := NewSession(cfg)
	require.NoError(t, err)

	return &sessionFixture{session: session, provider: provider, ui: ui, checkpoints: checkpoints, machine: machine}
}

func TestNewSession(t *testing.T) {
	t.Run("should require its collaborators", func(t *testing.T) {
		_, err := NewSession(SessionConfig{})
		assert.Error(t, err)
	})

	t.Run("should generate a thread id", func(t *testing.T) {
		s, err := NewSession(SessionConfig{
			Machine:     setupTestMachine(t, &MockProvider{}, nil, 0),
			Checkpoints: newMemoryCheckpoints(),
			UI:          &fakeUI{},
		})
		require.NoError(t, err)
		assert.Len(t, s.ThreadID(), 36)
	})

	t.Run("should reject an unsafe initial thread id", func(t *testing.T) {
		store, err := sessionstore.NewStore(sessionstore.Config{Dir: t.TempDir(), Logger: zerolog.Nop()})
		require.NoError(t, err)

		_, err = NewSession(SessionConfig{
			Machine:     setupTestMachine(t, &MockProvider{}, nil, 0),
			Checkpoints: store,
			UI:          &fakeUI{},
			ThreadID:    "a/b",
		})
		assert.ErrorContains(t, err, "path separators")
	})

	t.Run("should keep retrieval off without a retriever", func(t *testing.T) {
		s, err := NewSession(SessionConfig{
			Machine:          setupTestMachine(t, &MockProvider{}, nil, 0),
			Checkpoints:      newMemoryCheckpoints(),
			UI:               &fakeUI{},
			RetrievalEnabled: true,
		})
		require.NoError(t, err)
		assert.False(t, s.RetrievalEnabled())
	})
}

func TestSession_HandleCommand(t *testing.T) {
	ctx := context.Background()

	t.Run("should ignore ordinary messages", func(t *testing.T) {
		f := setupTestSession(t, nil, 0, nil)
		handled, quit := f.session.HandleCommand(ctx, "hello there")
		assert.False(t, handled)
		assert.False(t, quit)
	})

	t.Run("should quit", func(t *testing.T) {
		f := setupTestSession(t, nil, 0, nil)
		for _, cmd := range []string{"/quit", "/exit", "/q", "/QUIT"} {
			handled, quit := f.session.HandleCommand(ctx, cmd)
			assert.True(t, handled, cmd)
			assert.True(t, quit, cmd)
		}
	})

	t.Run("should start a new thread on clear", func(t *testing.T) {
		f := setupTestSession(t, nil, 0, nil)
		handled, _ := f.session.HandleCommand(ctx, "/clear")
		assert.True(t, handled)
		assert.NotEqual(t, "thread-1", f.session.ThreadID())
		assert.Equal(t, 1, f.ui.cleared)
	})

	t.Run("should show and change the thread id", func(t *testing.T) {
		f := setupTestSession(t, nil, 0, nil)
		f.session.HandleCommand(ctx, "/id")
		f.session.HandleCommand(ctx, "/id other")

		assert.Equal(t, "other", f.session.ThreadID())
		assert.Equal(t, []string{
			"Current Session ID: thread-1",
			"Changed Session ID: Session ID changed to: other",
		}, f.ui.statuses)
	})

	t.Run("should refuse a thread id the checkpoint store cannot hold", func(t *testing.T) {
		store, err := sessionstore.NewStore(sessionstore.Config{Dir: t.TempDir(), Logger: zerolog.Nop()})
		require.NoError(t, err)
		provider := &MockProvider{}
		ui := &fakeUI{}
		s, err := NewSession(SessionConfig{
			Machine:     setupTestMachine(t, provider, nil, 0),
			Checkpoints: store,
			UI:          ui,
			ThreadID:    "thread-1",
			Logger:      zerolog.Nop(),
		})
		require.NoError(t, err)

		s.HandleCommand(ctx, "/id ../escape")

		assert.Equal(t, "thread-1", s.ThreadID())
		assert.Empty(t, ui.statuses)
		require.Len(t, ui.errors, 1)
		assert.Contains(t, ui.errors[0], "cannot contain '..'")

		provider.On("Call", mock.Anything, mock.Anything).Return(answer("still here"), nil).Once()
		result := s.Turn(ctx, "hello")
		assert.True(t, result.OK)
	})

	t.Run("should change the model", func(t *testing.T) {
		f := setupTestSession(t, nil, 0, nil)
		f.session.HandleCommand(ctx, "/model change bigger-model")

		assert.Equal(t, "bigger-model", f.session.Model())
		assert.True(t, f.session.HasPreviousModel())
	})

	t.Run("should reject incomplete model commands", func(t *testing.T) {
		f := setupTestSession(t, nil, 0, nil)
		f.session.HandleCommand(ctx, "/model swap")
		f.session.HandleCommand(ctx, "/model change")

		assert.Equal(t, []string{
			"Unknown model command. Type /help for instructions.",
			"Please specify a model to change to.",
		}, f.ui.errors)
		assert.Equal(t, "test-model", f.session.Model())
	})

	t.Run("should report unknown commands", func(t *testing.T) {
		f := setupTestSession(t, nil, 0, nil)
		handled, quit := f.session.HandleCommand(ctx, "/frobnicate")
		assert.True(t, handled)
		assert.False(t, quit)
		assert.Equal(t, []string{"Unknown command. Type /help for instructions."}, f.ui.errors)
	})

	t.Run("should run registered commands with their arguments", func(t *testing.T) {
		f := setupTestSession(t, nil, 0, nil)
		var got []string
		f.session.RegisterCommand("/Embed", func(ctx context.Context, args []string) error {
			got = args
			return nil
		})

		f.session.HandleCommand(ctx, "/embed ./docs work")

		assert.Equal(t, []string{"./docs", "work"}, got)
		assert.Empty(t, f.ui.errors)
	})

	t.Run("should disable retrieval when a command hits the database", func(t *testing.T) {
		f := setupTestSession(t, nil, 0, &fakeRetriever{})
		require.True(t, f.session.RetrievalEnabled())
		f.session.RegisterCommand("/list", func(ctx context.Context, args []string) error {
			return errors.Join(errors.New("open failed"), retrieval.ErrDataAccess)
		})

		f.session.HandleCommand(ctx, "/list")

		assert.False(t, f.session.RetrievalEnabled())
		assert.Equal(t, []string{"Database access error occurred."}, f.ui.errors)
		assert.Equal(t, []string{"RAG features disabled."}, f.ui.warnings)
	})

	t.Run("should report other command failures", func(t *testing.T) {
		f := setupTestSession(t, nil, 0, nil)
		f.session.RegisterCommand("/index", func(ctx context.Context, args []string) error {
			return errors.New("no such collection")
		})

		f.session.HandleCommand(ctx, "/index work")

		assert.Equal(t, []string{"Command '/index' failed: no such collection"}, f.ui.errors)
	})

	t.Run("should toggle retrieval", func(t *testing.T) {
		f := setupTestSession(t, nil, 0, &fakeRetriever{})
		f.session.HandleCommand(ctx, "/stop_rag")
		assert.False(t, f.session.RetrievalEnabled())
		f.session.HandleCommand(ctx, "/start_rag")
		assert.True(t, f.session.RetrievalEnabled())
	})

	t.Run("should warn when retrieval is unavailable", func(t *testing.T) {
		f := setupTestSession(t, nil, 0, nil)
		f.session.HandleCommand(ctx, "/start_rag")
		assert.False(t, f.session.RetrievalEnabled())
		assert.Equal(t, []string{"RAG is not available. Please configure an embedding provider."}, f.ui.warnings)
	})
}

func TestSession_Models(t *testing.T) {
	t.Run("should keep the conversation when swapping models", func(t *testing.T) {
		f := setupTestSession(t, nil, 0, nil)
		f.provider.On("Call", mock.Anything, mock.Anything).Return(answer("first"), nil).Once()
		f.provider.On("Call", mock.Anything, mock.MatchedBy(func(r LLMRequest) bool {
			return r.Model == "other" && len(r.Messages) == 3
		})).Return(answer("second"), nil).Once()

		require.True(t, f.session.Turn(context.Background(), "one").OK)
		require.NoError(t, f.session.SwapModel("other"))
		result := f.session.Turn(context.Background(), "two")

		require.True(t, result.OK)
		assert.Equal(t, "second", result.Text)
		assert.Equal(t, 4, f.checkpoints.get("thread-1").Len())
		f.provider.AssertExpectations(t)
	})

	t.Run("should revert to the previous model", func(t *testing.T) {
		f := setupTestSession(t, nil, 0, nil)
		require.NoError(t, f.session.SwapModel("missing-model"))

		require.NoError(t, f.session.RevertModel())

		assert.Equal(t, "test-model", f.session.Model())
		assert.False(t, f.session.HasPreviousModel())
		assert.Error(t, f.session.RevertModel())
	})

	t.Run("should revert after an unknown model", func(t *testing.T) {
		f := setupTestSession(t, nil, 0, nil)
		require.NoError(t, f.session.SwapModel("missing-model"))
		f.provider.On("Call", mock.Anything, mock.Anything).Return(nil, ErrModelNotFound).Once()

		result := f.session.Turn(context.Background(), "hi")

		assert.False(t, result.OK)
		assert.Equal(t, recovery.KindModelNotFound, result.Kind)
		assert.Equal(t, "test-model", f.session.Model())
	})

	t.Run("should prompt for a model when there is none to revert to", func(t *testing.T) {
		f := setupTestSession(t, nil, 0, nil)
		f.ui.answers = []string{"fixed-model"}
		f.provider.On("Call", mock.Anything, mock.Anything).Return(nil, ErrModelNotFound).Once()

		result := f.session.Turn(context.Background(), "hi")

		assert.False(t, result.OK)
		assert.Equal(t, "fixed-model", f.session.Model())
	})
}

func TestSession_Turn(t *testing.T) {
	ctx := context.Background()

	t.Run("should add retrieved documents as a synthetic message", func(t *testing.T) {
		retriever := &fakeRetriever{cands: []retrieval.Candidate{{
			Document: "deploy with make release",
			Metadata: map[string]interface{}{"file_path": "/docs/deploy.md"},
		}}}
		f := setupTestSession(t, nil, 0, retriever)
		f.provider.On("Call", mock.Anything, mock.Anything).Return(answer("use make release"), nil).Once()

		result := f.session.Turn(ctx, "how do I deploy?")

		require.True(t, result.OK)
		state := f.checkpoints.get("thread-1")
		require.Equal(t, 3, state.Len())
		assert.True(t, state.Messages[0].IsRealHuman())
		assert.True(t, state.Messages[1].Synthetic)
		assert.Contains(t, state.Messages[1].Content, "deploy with make release")
		assert.Equal(t, []string{"/docs/deploy.md"}, f.session.References())
	})

	t.Run("should disable retrieval after a lookup failure", func(t *testing.T) {
		retriever := &fakeRetriever{err: retrieval.ErrDataAccess}
		f := setupTestSession(t, nil, 0, retriever)
		f.provider.On("Call", mock.Anything, mock.Anything).Return(answer("fine"), nil).Once()

		result := f.session.Turn(ctx, "hello")

		require.True(t, result.OK)
		assert.False(t, f.session.RetrievalEnabled())
		assert.Equal(t, []string{"Database access error occurred."}, f.ui.errors)
		assert.Equal(t, 2, f.checkpoints.get("thread-1").Len())
	})

	t.Run("should continue past the recursion limit when confirmed", func(t *testing.T) {
		tools := setupTestTools(t, map[string]toolexecutor.ToolHandler{
			"echo": func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return "echo", nil },
		})
		f := setupTestSession(t, tools, 2, nil)
		f.provider.On("Call", mock.Anything, mock.Anything).Return(callTool("c1", "echo", nil), nil).Once()
		f.provider.On("Call", mock.Anything, mock.Anything).Return(answer("finished"), nil).Once()

		result := f.session.Turn(ctx, "work hard")

		require.True(t, result.OK)
		assert.Equal(t, "finished", result.Text)
		assert.Equal(t, 1, result.Retries)
		state := f.checkpoints.get("thread-1")
		require.Equal(t, 4, state.Len())
		assert.Equal(t, ContinuePrompt, state.Messages[2].Content)
		assert.Equal(t, []string{"Agent processing took longer than expected (Max recursion limit reached)"}, f.ui.warnings)
	})

	t.Run("should stop at the recursion limit when declined", func(t *testing.T) {
		tools := setupTestTools(t, map[string]toolexecutor.ToolHandler{
			"echo": func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return "echo", nil },
		})
		f := setupTestSession(t, tools, 2, nil)
		f.ui.confirm = false
		f.provider.On("Call", mock.Anything, mock.Anything).Return(callTool("c1", "echo", nil), nil).Once()

		result := f.session.Turn(ctx, "work hard")

		assert.False(t, result.OK)
		assert.Equal(t, recovery.KindRecursionLimit, result.Kind)
		assert.Equal(t, 2, f.checkpoints.get("thread-1").Len())
	})

	t.Run("should report checkpoint load failures", func(t *testing.T) {
		f := setupTestSession(t, nil, 0, nil)
		f.checkpoints.err = errors.New("disk gone")

		result := f.session.Turn(ctx, "hello")

		assert.False(t, result.OK)
		assert.Equal(t, recovery.KindDataAccess, result.Kind)
		f.provider.AssertNotCalled(t, "Call", mock.Anything, mock.Anything)
	})

	t.Run("should append prompt suffixes", func(t *testing.T) {
		provider := &MockProvider{}
		provider.On("Call", mock.Anything, mock.Anything).Return(answer("ok"), nil).Twice()
		checkpoints := newMemoryCheckpoints()
		s, err := NewSession(SessionConfig{
			Machine:         setupTestMachine(t, provider, nil, 0),
			Checkpoints:     checkpoints,
			UI:              &fakeUI{},
			ThreadID:        "t",
			InitialSuffix:   "first only",
			RecurringSuffix: "always",
		})
		require.NoError(t, err)

		s.Turn(ctx, "one")
		s.Turn(ctx, "two")

		state := checkpoints.get("t")
		assert.Equal(t, "one\n\nfirst only\n\nalways", state.Messages[0].Content)
		assert.Equal(t, "two\n\nalways", state.Messages[2].Content)
	})
}

func TestSession_StartSession(t *testing.T) {
	t.Run("should run turns until input ends", func(t *testing.T) {
		f := setupTestSession(t, nil, 0, nil)
		f.ui.inputs = []string{"  ", "/id", "hello"}
		f.provider.On("Call", mock.Anything, mock.Anything).Return(answer("hi"), nil).Once()

		last, err := f.session.StartSession(context.Background(), StartOptions{})

		require.NoError(t, err)
		assert.Equal(t, "hi", last)
		assert.Equal(t, 1, f.ui.goodbye)
		assert.Equal(t, []string{"Current Session ID: thread-1"}, f.ui.statuses)
	})

	t.Run("should send the initial message first", func(t *testing.T) {
		f := setupTestSession(t, nil, 0, nil)
		f.ui.inputs = []string{"/quit", "never read"}
		f.provider.On("Call", mock.Anything, mock.Anything).Return(answer("started"), nil).Once()

		last, err := f.session.StartSession(context.Background(), StartOptions{ThreadID: "resumed", InitialMessage: "begin"})

		require.NoError(t, err)
		assert.Equal(t, "started", last)
		assert.Equal(t, "resumed", f.session.ThreadID())
		assert.NotNil(t, f.checkpoints.get("resumed"))
	})

	t.Run("should run shell escapes without the model", func(t *testing.T) {
		f := setupTestSession(t, nil, 0, nil)
		f.ui.inputs = []string{"!echo from-shell"}

		_, err := f.session.StartSession(context.Background(), StartOptions{})

		require.NoError(t, err)
		assert.Equal(t, []string{"from-shell"}, f.ui.printed)
		f.provider.AssertNotCalled(t, "Call", mock.Anything, mock.Anything)
	})
}

func TestSession_Invoke(t *testing.T) {
	ctx := context.Background()

	t.Run("should return the final answer without thinking", func(t *testing.T) {
		f := setupTestSession(t, nil, 0, nil)
		f.provider.On("Call", mock.Anything, mock.Anything).Return(answer("<think>plan</think>\n42"), nil).Once()

		assert.Equal(t, "42", f.session.Invoke(ctx, "answer?", InvokeOptions{}))
	})

	t.Run("should keep thinking when asked", func(t *testing.T) {
		f := setupTestSession(t, nil, 0, nil)
		f.provider.On("Call", mock.Anything, mock.Anything).Return(answer("<think>plan</think>42"), nil).Once()

		assert.Equal(t, "<think>plan</think>42", f.session.Invoke(ctx, "answer?", InvokeOptions{IncludeThinking: true}))
	})

	t.Run("should append extra context", func(t *testing.T) {
		f := setupTestSession(t, nil, 0, nil)
		f.provider.On("Call", mock.Anything, mock.MatchedBy(func(r LLMRequest) bool {
			last := r.Messages[len(r.Messages)-1]
			return strings.HasSuffix(last.Content, "\n\nExtra context you must know:\nbranch main\nci green")
		})).Return(answer("ok"), nil).Once()

		out := f.session.Invoke(ctx, "status?", InvokeOptions{ThreadID: "inv", ExtraContext: []string{"branch main", "ci green"}})

		assert.Equal(t, "ok", out)
		assert.Equal(t, 2, f.checkpoints.get("inv").Len())
		f.provider.AssertExpectations(t)
	})

	t.Run("should report failure text", func(t *testing.T) {
		f := setupTestSession(t, nil, 0, nil)
		f.provider.On("Call", mock.Anything, mock.Anything).Return(nil, errors.New("boom")).Once()

		assert.Equal(t, FailedText, f.session.Invoke(ctx, "hi", InvokeOptions{}))
		assert.Equal(t, []string{"An unexpected error occurred"}, f.ui.errors)
	})

	t.Run("should not continue past the recursion limit", func(t *testing.T) {
		tools := setupTestTools(t, map[string]toolexecutor.ToolHandler{
			"echo": func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return "echo", nil },
		})
		f := setupTestSession(t, tools, 2, nil)
		f.provider.On("Call", mock.Anything, mock.Anything).Return(callTool("c1", "echo", nil), nil).Once()

		assert.Equal(t, FailedText, f.session.Invoke(ctx, "loop", InvokeOptions{}))
		assert.Empty(t, f.ui.warnings)
	})

	t.Run("should report an empty answer", func(t *testing.T) {
		f := setupTestSession(t, nil, 0, nil)
		f.provider.On("Call", mock.Anything, mock.Anything).Return(answer("  "), nil).Once()

		assert.Equal(t, NoMessagesText, f.session.Invoke(ctx, "hi", InvokeOptions{}))
	})
}
