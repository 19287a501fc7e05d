package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/ally/internal/observability"
	"github.com/harun/ally/internal/tracing"
	"github.com/harun/ally/pkg/conversation"
	"github.com/harun/ally/pkg/recovery"
	"github.com/harun/ally/pkg/retrieval"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// UI is the console surface a session talks to
type UI interface {
	recovery.Prompter

	// Input reads one user message. It returns io.EOF when input ends.
	Input(ctx context.Context, model, cwd string) (string, error)
	// Ask reads a free form answer to prompt
	Ask(ctx context.Context, prompt string) (string, error)
	Status(title, message string)
	AIResponse(text string)
	Print(text string)
	Help(model string)
	ClearScreen()
	HistoryCleared()
	Goodbye()
}

// CheckpointStore persists conversation state by thread id
type CheckpointStore interface {
	Load(ctx context.Context, threadID string) (*conversation.State, error)
	Save(ctx context.Context, state *conversation.State) error
}

// ThreadIDValidator is implemented by checkpoint stores that restrict which
// thread ids they can hold
type ThreadIDValidator interface {
	ValidateThreadID(id string) error
}

// Retriever ranks documents across the enabled collections
type Retriever interface {
	Merge(ctx context.Context, query string, enabled map[string]bool) ([]retrieval.Candidate, error)
}

// CollectionIndex reports which collections are eligible for retrieval
type CollectionIndex interface {
	Enabled() map[string]bool
}

// SessionConfig configures a Session
type SessionConfig struct {
	Machine     *Machine
	Checkpoints CheckpointStore
	UI          UI
	// Retriever and Index are optional; without them retrieval is unavailable
	Retriever Retriever
	Index     CollectionIndex
	// RetrievalEnabled turns retrieval on at start
	RetrievalEnabled bool
	ThreadID         string
	MaxRetries       int
	WorkingDir       string
	// InitialSuffix is appended to the first user message, RecurringSuffix to every one
	InitialSuffix   string
	RecurringSuffix string
	Logger          zerolog.Logger
}

// StartOptions configures StartSession
type StartOptions struct {
	ThreadID       string
	InitialMessage string
}

// Session hosts one interactive conversation: commands, retrieval, the
// retry policy and checkpointing around the state machine
type Session struct {
	machine         *Machine
	checkpoints     CheckpointStore
	ui              UI
	retriever       Retriever
	index           CollectionIndex
	engine          *recovery.Engine
	workingDir      string
	initialSuffix   string
	recurringSuffix string
	logger          zerolog.Logger

	// turnMu serializes turns and one-shot invocations
	turnMu sync.Mutex

	mu         sync.RWMutex
	threadID   string
	prevModel  string
	rag        bool
	latestRefs []string
	commands   map[string]CommandHandler
	firstTurn  bool
}

// NewSession creates a session
func NewSession(cfg SessionConfig) (*Session, error) {
	observability.EnsureRegistered()

	if cfg.Machine == nil {
		return nil, fmt.Errorf("machine is required")
	}
	if cfg.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if cfg.UI == nil {
		return nil, fmt.Errorf("ui is required")
	}

	threadID := strings.TrimSpace(cfg.ThreadID)
	if threadID == "" {
		threadID = uuid.NewString()
	}
	if err := validateThreadID(cfg.Checkpoints, threadID); err != nil {
		return nil, err
	}
	workingDir := cfg.WorkingDir
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}

	s := &Session{
		machine:         cfg.Machine,
		checkpoints:     cfg.Checkpoints,
		ui:              cfg.UI,
		retriever:       cfg.Retriever,
		index:           cfg.Index,
		workingDir:      workingDir,
		initialSuffix:   cfg.InitialSuffix,
		recurringSuffix: cfg.RecurringSuffix,
		logger:          cfg.Logger,
		threadID:        threadID,
		commands:        make(map[string]CommandHandler),
		firstTurn:       true,
	}
	s.rag = cfg.RetrievalEnabled && s.retrievalAvailable()

	engine, err := recovery.NewEngine(recovery.Config{
		Prompter:   cfg.UI,
		Models:     s,
		MaxRetries: cfg.MaxRetries,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.engine = engine

	return s, nil
}

// ThreadID returns the id of the active conversation
func (s *Session) ThreadID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.threadID
}

// SetThreadID switches to another conversation. The previous one stays
// stored under its id.
func (s *Session) SetThreadID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("thread id cannot be empty")
	}
	if err := validateThreadID(s.checkpoints, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threadID = id
	return nil
}

func validateThreadID(store CheckpointStore, id string) error {
	v, ok := store.(ThreadIDValidator)
	if !ok {
		return nil
	}
	if err := v.ValidateThreadID(id); err != nil {
		return fmt.Errorf("invalid thread id %q: %w", id, err)
	}
	return nil
}

// Model returns the active model
func (s *Session) Model() string {
	return s.machine.Model()
}

// SwapModel changes the model of future turns, remembering the current one
// for RevertModel. Conversation state is untouched.
func (s *Session) SwapModel(model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return fmt.Errorf("model cannot be empty")
	}
	s.mu.Lock()
	s.prevModel = s.machine.Model()
	s.mu.Unlock()

	s.machine.SetModel(model)
	s.logger.Info().Str("model", model).Msg("Model changed")
	return nil
}

// HasPreviousModel reports whether SwapModel recorded a model to go back to
func (s *Session) HasPreviousModel() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prevModel != ""
}

// RevertModel switches back to the model active before the last SwapModel
func (s *Session) RevertModel() error {
	s.mu.Lock()
	prev := s.prevModel
	s.prevModel = ""
	s.mu.Unlock()

	if prev == "" {
		return fmt.Errorf("no previous model recorded")
	}
	s.ui.Status("Reverting Model", "Reverting to previous model: "+prev)
	s.machine.SetModel(prev)
	return nil
}

// PromptModel asks the user for a new model name
func (s *Session) PromptModel() error {
	if !s.ui.Confirm("Do you want to change the model?", true) {
		return nil
	}
	model, err := s.ui.Ask(context.Background(), "Enter new model name: ")
	if err != nil {
		return err
	}
	if strings.TrimSpace(model) == "" {
		return nil
	}
	return s.SwapModel(model)
}

func (s *Session) retrievalAvailable() bool {
	return s.retriever != nil && s.index != nil
}

// EnableRetrieval turns retrieval on or off. It reports the resulting state,
// which stays off when no retriever is configured.
func (s *Session) EnableRetrieval(enable bool) bool {
	if enable && !s.retrievalAvailable() {
		s.ui.Warning("RAG is not available. Please configure an embedding provider.")
		enable = false
	}
	s.mu.Lock()
	s.rag = enable
	s.mu.Unlock()
	return enable
}

// RetrievalEnabled reports whether turns query the indexed collections
func (s *Session) RetrievalEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rag
}

// References returns the file paths behind the latest retrieval results
func (s *Session) References() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.latestRefs...)
}

// StartSession runs the interactive loop until the user quits or input
// ends. It returns the text of the last completed turn.
func (s *Session) StartSession(ctx context.Context, opts StartOptions) (string, error) {
	if opts.ThreadID != "" {
		if err := s.SetThreadID(opts.ThreadID); err != nil {
			return "", err
		}
	}

	last := ""
	pending := opts.InitialMessage
	for {
		if err := ctx.Err(); err != nil {
			s.ui.Goodbye()
			return last, nil
		}

		input := pending
		pending = ""
		if input == "" {
			readCtx, stopRead := signal.NotifyContext(ctx, os.Interrupt)
			line, err := s.ui.Input(readCtx, s.Model(), s.workingDir)
			stopRead()
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
					s.ui.Goodbye()
					return last, nil
				}
				return last, fmt.Errorf("failed to read input: %w", err)
			}
			input = strings.TrimSpace(line)
		}
		if input == "" {
			continue
		}

		handled, quit := s.HandleCommand(ctx, input)
		if quit {
			s.ui.Goodbye()
			return last, nil
		}
		if handled {
			continue
		}

		if strings.HasPrefix(input, "!") {
			s.runShell(ctx, strings.TrimSpace(input[1:]))
			continue
		}

		turnCtx, stopTurn := signal.NotifyContext(ctx, os.Interrupt)
		result := s.Turn(turnCtx, input)
		stopTurn()
		if result.OK {
			last = result.Text
		} else if result.Kind == recovery.KindCanceled {
			s.ui.Warning("Turn interrupted.")
		}
	}
}

// Turn runs one user message through retrieval, the state machine and the
// retry policy, then checkpoints the thread
func (s *Session) Turn(ctx context.Context, text string) recovery.Result {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	threadID := s.ThreadID()
	ctx = tracing.NewTurnContext(ctx, threadID)
	ctx, span := tracing.StartSpan(ctx, "ally.agent", "agent.turn", attribute.String("thread_id", threadID))
	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()

	result := s.runTurn(ctx, threadID, s.decorate(text))

	observability.RecordTurn(turnOutcome(result), time.Since(start))
	if !result.OK {
		tracing.EndSpan(span, result.Err)
	} else {
		tracing.EndSpan(span, nil)
	}
	logger.Debug().Bool("ok", result.OK).Str("kind", string(result.Kind)).Int("retries", result.Retries).Msg("Turn finished")
	return result
}

func (s *Session) runTurn(ctx context.Context, threadID, text string) recovery.Result {
	state, err := s.checkpoints.Load(ctx, threadID)
	if err != nil {
		s.logger.Error().Err(err).Str("thread_id", threadID).Msg("Failed to load checkpoint")
		s.ui.Error("Failed to load conversation history.")
		return recovery.Result{Kind: recovery.KindDataAccess, Err: err}
	}

	input := []conversation.Message{conversation.Human(text)}
	if rag, ok := s.retrieve(ctx, text); ok {
		input = append(input, rag)
	}

	result := s.engine.Run(ctx, recovery.Plan{
		Op: func(ctx context.Context) (string, error) {
			return s.machine.Run(ctx, state, input...)
		},
		Continue: func(ctx context.Context) (string, error) {
			return s.machine.Run(ctx, state, conversation.Human(ContinuePrompt))
		},
		ContinueOnLimit: true,
	})

	if err := s.checkpoints.Save(context.WithoutCancel(ctx), state); err != nil {
		s.logger.Error().Err(err).Str("thread_id", threadID).Msg("Failed to save checkpoint")
		s.ui.Error("Failed to save conversation history.")
	}
	return result
}

// decorate applies the configured prompt suffixes
func (s *Session) decorate(text string) string {
	s.mu.Lock()
	first := s.firstTurn
	s.firstTurn = false
	s.mu.Unlock()

	if first && s.initialSuffix != "" {
		text += "\n\n" + s.initialSuffix
	}
	if s.recurringSuffix != "" {
		text += "\n\n" + s.recurringSuffix
	}
	return text
}

// retrieve queries the indexed collections. A data access failure disables
// retrieval for the rest of the session.
func (s *Session) retrieve(ctx context.Context, query string) (conversation.Message, bool) {
	if !s.RetrievalEnabled() {
		return conversation.Message{}, false
	}

	cands, err := s.retriever.Merge(ctx, query, s.index.Enabled())
	if err != nil {
		s.logger.Error().Err(err).Msg("Retrieval failed")
		s.ui.Error("Database access error occurred.")
		s.ui.Warning("RAG features disabled.")
		s.mu.Lock()
		s.rag = false
		s.latestRefs = nil
		s.mu.Unlock()
		return conversation.Message{}, false
	}

	s.mu.Lock()
	s.latestRefs = retrieval.References(cands)
	s.mu.Unlock()

	return retrieval.WrapResults(cands)
}

func turnOutcome(result recovery.Result) string {
	if result.OK {
		return "ok"
	}
	return string(result.Kind)
}
