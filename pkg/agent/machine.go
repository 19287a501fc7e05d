package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/ally/internal/observability"
	"github.com/harun/ally/internal/tracing"
	"github.com/harun/ally/pkg/conversation"
	"github.com/harun/ally/pkg/toolexecutor"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// State is a node of the turn state machine
type State string

const (
	StateAwaitInput       State = "AWAIT_INPUT"
	StateInfer            State = "INFER"
	StateValidateToolCall State = "VALIDATE_TOOLCALL"
	StateExecTools        State = "EXEC_TOOLS"
	StateToolCallError    State = "TOOLCALL_ERROR"
	StateTerminal         State = "TERMINAL"
)

const (
	// DefaultRecursionLimit bounds the steps of one Run
	DefaultRecursionLimit = 100

	// CorrectionPrompt is appended after a malformed tool call
	CorrectionPrompt = "Error: Your tool call was malformed or non-JSON. Please fix and retry."

	// ContinuePrompt resumes a turn stopped by the recursion limit
	ContinuePrompt = "Continue where you left off. Don't repeat anything already done."
)

// MachineConfig configures a Machine
type MachineConfig struct {
	Provider     LLMProvider
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	// Tools executes tool calls; nil or an empty registry disables tool routing
	Tools          *toolexecutor.Engine
	LastNTurns     int
	RecursionLimit int
	// OnAIMessage observes every AI message as it is appended
	OnAIMessage func(conversation.Message)
	Logger      zerolog.Logger
}

// Machine runs one turn of a conversation:
//
//	AWAIT_INPUT -> INFER -> TERMINAL
//	                     -> VALIDATE_TOOLCALL -> EXEC_TOOLS -> INFER
//	                                          -> TOOLCALL_ERROR -> INFER
type Machine struct {
	provider       LLMProvider
	systemPrompt   string
	temperature    float64
	maxTokens      int
	tools          *toolexecutor.Engine
	lastNTurns     int
	recursionLimit int
	onAIMessage    func(conversation.Message)
	logger         zerolog.Logger

	mu    sync.RWMutex
	model string
}

// NewMachine creates a state machine
func NewMachine(cfg MachineConfig) (*Machine, error) {
	observability.EnsureRegistered()

	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.LastNTurns <= 0 {
		cfg.LastNTurns = conversation.DefaultLastNTurns
	}
	if cfg.RecursionLimit <= 0 {
		cfg.RecursionLimit = DefaultRecursionLimit
	}

	return &Machine{
		provider:       cfg.Provider,
		model:          cfg.Model,
		systemPrompt:   cfg.SystemPrompt,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		tools:          cfg.Tools,
		lastNTurns:     cfg.LastNTurns,
		recursionLimit: cfg.RecursionLimit,
		onAIMessage:    cfg.OnAIMessage,
		logger:         cfg.Logger,
	}, nil
}

// Model returns the model future inferences target
func (m *Machine) Model() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.model
}

// SetModel changes the inference target
func (m *Machine) SetModel(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.model = model
}

// ProviderName returns the name of the configured provider
func (m *Machine) ProviderName() string {
	return m.provider.Provider()
}

// RecursionLimit returns the step bound of one Run
func (m *Machine) RecursionLimit() int {
	return m.recursionLimit
}

func (m *Machine) hasTools() bool {
	return m.tools != nil && m.tools.Registry().Len() > 0
}

// Run appends input to state and drives the machine to TERMINAL, returning
// the text of the final AI message. Every step after AWAIT_INPUT counts
// toward the recursion limit; when it is exceeded Run returns
// ErrRecursionLimit and state keeps everything produced so far.
func (m *Machine) Run(ctx context.Context, state *conversation.State, input ...conversation.Message) (string, error) {
	if state == nil {
		return "", fmt.Errorf("state cannot be nil")
	}
	logger := tracing.LoggerFromContext(ctx, m.logger)

	current := StateAwaitInput
	steps := 0
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if current == StateTerminal {
			return state.LastAI(), nil
		}
		if current != StateAwaitInput {
			steps++
			if steps > m.recursionLimit {
				logger.Warn().Int("limit", m.recursionLimit).Str("state", string(current)).Msg("Recursion limit reached")
				return "", fmt.Errorf("%w: %d steps", ErrRecursionLimit, m.recursionLimit)
			}
		}

		next, err := m.transition(ctx, current, state, input)
		if err != nil {
			return "", err
		}
		logger.Debug().Str("from", string(current)).Str("to", string(next)).Msg("State transition")
		current = next
	}
}

// transition performs the side effects of current and returns the next state
func (m *Machine) transition(ctx context.Context, current State, state *conversation.State, input []conversation.Message) (State, error) {
	switch current {
	case StateAwaitInput:
		state.Append(input...)
		return StateInfer, nil

	case StateInfer:
		msg, malformed, err := m.infer(ctx, state)
		if err != nil {
			return "", err
		}
		state.Append(msg)
		if m.onAIMessage != nil {
			m.onAIMessage(msg)
		}
		if !m.hasTools() {
			return StateTerminal, nil
		}
		if msg.HasToolCalls() || malformed || LooksLikeToolCall(msg.Content) {
			return StateValidateToolCall, nil
		}
		return StateTerminal, nil

	case StateValidateToolCall:
		last, _ := state.Last()
		if last.HasToolCalls() {
			return StateExecTools, nil
		}
		return StateToolCallError, nil

	case StateToolCallError:
		observability.RecordMalformedToolCall()
		state.Append(conversation.Human(CorrectionPrompt))
		return StateInfer, nil

	case StateExecTools:
		last, _ := state.Last()
		results, err := m.tools.Execute(ctx, last.ToolCalls)
		state.Append(results...)
		if err != nil {
			return "", err
		}
		return StateInfer, nil

	default:
		return "", fmt.Errorf("unknown state %q", current)
	}
}

// infer invokes the model on the bounded window and returns exactly one AI message
func (m *Machine) infer(ctx context.Context, state *conversation.State) (msg conversation.Message, malformed bool, err error) {
	model := m.Model()
	provider := m.provider.Provider()
	ctx, span := tracing.StartSpan(ctx, "ally.agent", "agent.infer",
		attribute.String("provider", provider),
		attribute.String("model", model),
	)
	defer func() { tracing.EndSpan(span, err) }()

	request := LLMRequest{
		Model:        model,
		SystemPrompt: m.systemPrompt,
		Messages:     conversation.BuildWindow(state.Messages, m.lastNTurns),
		Temperature:  m.temperature,
		MaxTokens:    m.maxTokens,
	}
	if m.hasTools() {
		request.Tools = m.tools.Registry().Definitions()
	}

	start := time.Now()
	response, err := m.provider.Call(ctx, request)
	observability.RecordInference(provider, time.Since(start), err == nil)
	if err != nil {
		return conversation.Message{}, false, err
	}

	if response.Usage != nil {
		span.SetAttributes(
			attribute.Int("usage.input_tokens", response.Usage.InputTokens),
			attribute.Int("usage.output_tokens", response.Usage.OutputTokens),
		)
	}

	return conversation.AI(response.Content, assignCallIDs(response.ToolCalls)...), response.Malformed, nil
}

// assignCallIDs gives every call a unique id within the message
func assignCallIDs(calls []conversation.ToolCall) []conversation.ToolCall {
	seen := make(map[string]bool, len(calls))
	for i := range calls {
		if calls[i].ID == "" || seen[calls[i].ID] {
			id, err := gonanoid.New()
			if err != nil {
				id = fmt.Sprintf("%d_%d", time.Now().UnixNano(), i)
			}
			calls[i].ID = "call_" + id
		}
		seen[calls[i].ID] = true
	}
	return calls
}
