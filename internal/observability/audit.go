package observability

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harun/ally/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent is a record of a tool call or a permission decision
type AuditEvent struct {
	Kind      string
	Tool      string
	DecidedBy string // "policy", "user" or "agent"
	Outcome   string // "allowed", "denied", "success", "error"
	Details   map[string]interface{}
	Timestamp time.Time
}

// AuditLogger appends audit events as JSON lines
type AuditLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	file   *os.File
}

var (
	auditMu   sync.RWMutex
	auditInst = &AuditLogger{logger: zerolog.Nop()}
)

// GetAuditLogger returns the process audit logger. It discards events until
// InitAuditLogger is called.
func GetAuditLogger() *AuditLogger {
	auditMu.RLock()
	defer auditMu.RUnlock()
	return auditInst
}

// InitAuditLogger directs audit events to a JSON lines file at path
func InitAuditLogger(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	auditMu.Lock()
	auditInst = &AuditLogger{
		logger: zerolog.New(file),
		file:   file,
	}
	auditMu.Unlock()
	return nil
}

// Record writes event tagged with the thread and trace of ctx, and adds it
// to the active span
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	thread := tracing.GetThreadID(ctx)
	traceID := tracing.GetTraceID(ctx)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
		span.AddEvent("audit."+event.Kind, trace.WithAttributes(
			attribute.String("tool", event.Tool),
			attribute.String("outcome", event.Outcome),
			attribute.String("decided_by", event.DecidedBy),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Time("ts", event.Timestamp).
		Str("kind", event.Kind).
		Str("tool", event.Tool).
		Str("outcome", event.Outcome)
	if event.DecidedBy != "" {
		entry.Str("decided_by", event.DecidedBy)
	}
	if thread != "" {
		entry.Str("thread_id", thread)
	}
	if traceID != "" {
		entry.Str("trace_id", traceID)
	}
	if len(event.Details) > 0 {
		entry.Interface("details", event.Details)
	}
	entry.Send()
}

// Close closes the audit file
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	a.logger = zerolog.Nop()
	return err
}

// AuditToolCall records the outcome of one executed tool call
func AuditToolCall(ctx context.Context, tool, outcome string, details map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Kind:      "tool_call",
		Tool:      tool,
		DecidedBy: "agent",
		Outcome:   outcome,
		Details:   details,
	})
}

// AuditPermission records a Permission Gate decision
func AuditPermission(ctx context.Context, tool, decidedBy string, allowed bool, details map[string]interface{}) {
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	GetAuditLogger().Record(ctx, AuditEvent{
		Kind:      "permission",
		Tool:      tool,
		DecidedBy: decidedBy,
		Outcome:   outcome,
		Details:   details,
	})
}
