package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/ally/internal/observability"
	"github.com/harun/ally/internal/tracing"
	"github.com/harun/ally/pkg/conversation"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Notifier receives progress events from a batch. Implementations must not block.
type Notifier interface {
	// BatchStart is called once when a batch has more than one call
	BatchStart(total int)
	// BatchProgress is called before and after each call of a multi-call batch
	BatchProgress(index, total int, name string, done bool)
	ToolStart(call conversation.ToolCall)
	ToolEnd(result conversation.Message)
}

// NopNotifier discards every event
type NopNotifier struct{}

func (NopNotifier) BatchStart(int) {}
func (NopNotifier) BatchProgress(int, int, string, bool) {}
func (NopNotifier) ToolStart(conversation.ToolCall) {}
func (NopNotifier) ToolEnd(conversation.Message) {}

// EngineConfig configures an Engine
type EngineConfig struct {
	Registry *Registry
	Gate     *Gate
	Notifier Notifier
	// SwallowErrors keeps the batch going after a tool failure
	SwallowErrors bool
	WorkingDir    string
	Timeout       time.Duration
	Logger        zerolog.Logger
}

// Engine executes the tool calls of one AI message sequentially
type Engine struct {
	registry      *Registry
	gate          *Gate
	notifier      Notifier
	swallowErrors bool
	workingDir    string
	timeout       time.Duration
	logger        zerolog.Logger
}

// NewEngine creates an engine. A nil Registry is treated as empty.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NopNotifier{}
	}
	if cfg.Gate == nil {
		cfg.Gate = NewGate(nil)
	}
	return &Engine{
		registry:      cfg.Registry,
		gate:          cfg.Gate,
		notifier:      cfg.Notifier,
		swallowErrors: cfg.SwallowErrors,
		workingDir:    cfg.WorkingDir,
		timeout:       cfg.Timeout,
		logger:        cfg.Logger,
	}
}

// Registry returns the engine's tool registry
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Gate returns the engine's permission gate
func (e *Engine) Gate() *Gate {
	return e.gate
}

// Execute runs calls one at a time and returns one tool result per processed
// call, in order. Unknown tools and permission denials yield a result and the
// batch continues. Any other failure yields an error result and, unless errors
// are swallowed, stops the batch: the results so far are returned together
// with the failure.
func (e *Engine) Execute(ctx context.Context, calls []conversation.ToolCall) ([]conversation.Message, error) {
	total := len(calls)
	results := make([]conversation.Message, 0, total)
	logger := tracing.LoggerFromContext(ctx, e.logger)

	ctx = ContextWithExecContext(ctx, &ExecutionContext{
		ThreadID:   tracing.GetThreadID(ctx),
		WorkingDir: e.workingDir,
		Timeout:    e.timeout,
		Gate:       e.gate,
	})

	if total > 1 {
		e.notifier.BatchStart(total)
	}

	for i, call := range calls {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		index := i + 1
		if total > 1 {
			e.notifier.BatchProgress(index, total, call.Name, false)
		}
		e.notifier.ToolStart(call)

		result, err := e.executeOne(ctx, call)
		results = append(results, result)
		e.notifier.ToolEnd(result)

		if total > 1 {
			e.notifier.BatchProgress(index, total, call.Name, true)
		}

		if err == nil {
			continue
		}

		switch {
		case errors.Is(err, ErrToolNotFound), errors.Is(err, ErrPermissionDenied):
			logger.Warn().Err(err).Str("tool", call.Name).Msg("Tool call skipped")
		case e.swallowErrors:
			logger.Warn().Err(err).Str("tool", call.Name).Msg("Tool failed, continuing batch")
		default:
			logger.Error().Err(err).Str("tool", call.Name).Int("index", index).Int("total", total).Msg("Tool failed, aborting batch")
			return results, fmt.Errorf("tool %s: %w", call.Name, err)
		}
	}

	return results, nil
}

func (e *Engine) executeOne(ctx context.Context, call conversation.ToolCall) (conversation.Message, error) {
	ctx, span := tracing.StartSpan(ctx, "ally.toolexecutor", "tool.execute",
		attribute.String("tool", call.Name),
		attribute.String("tool_call_id", call.ID),
	)

	start := time.Now()
	output, err := e.registry.Invoke(ctx, call.Name, call.Arguments)
	duration := time.Since(start)

	tracing.EndSpan(span, err)

	switch {
	case err == nil:
		observability.RecordToolExecution(call.Name, duration, true)
		observability.AuditToolCall(ctx, call.Name, "success", map[string]interface{}{
			"duration_ms": duration.Milliseconds(),
		})
		return conversation.ToolResult(call.ID, call.Name, output, false), nil

	case errors.Is(err, ErrToolNotFound):
		return conversation.ToolResult(call.ID, call.Name, fmt.Sprintf("Tool '%s' not found.", call.Name), true), err

	case errors.Is(err, ErrPermissionDenied):
		observability.AuditToolCall(ctx, call.Name, "denied", nil)
		return conversation.ToolResult(call.ID, call.Name, PermissionDeniedText(call.Name), true), err

	default:
		observability.RecordToolExecution(call.Name, duration, false)
		observability.AuditToolCall(ctx, call.Name, "error", map[string]interface{}{
			"error": err.Error(),
		})
		return conversation.ToolResult(call.ID, call.Name, fmt.Sprintf("Error: %v", err), true), err
	}
}

// PermissionDeniedText is the tool result reported to the model after a denial
func PermissionDeniedText(tool string) string {
	return fmt.Sprintf("Permission denied: the user did not allow '%s' to run. Do not retry it unless asked.", tool)
}
