package subagent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/ally/internal/tracing"
	"github.com/harun/ally/pkg/agent"
	"github.com/harun/ally/pkg/toolexecutor"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// threadAlphabet keeps child thread ids safe as checkpoint file names
const threadAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Invoker runs one message to completion on a thread. *agent.Session
// implements it.
type Invoker interface {
	Invoke(ctx context.Context, message string, opts agent.InvokeOptions) string
}

// DelegateConfig configures a tool that hands a task to a helper agent
type DelegateConfig struct {
	// ToolName is the name the calling model sees
	ToolName    string
	Description string
	// Agent names the helper in run records and child thread ids
	Agent       string
	Invoker     Invoker
	Coordinator *Coordinator
	Logger      zerolog.Logger
}

// NewDelegateTool returns a tool that runs its task argument through the
// helper agent on a fresh thread and returns the helper's final answer.
// Every call is tracked by the coordinator.
func NewDelegateTool(cfg DelegateConfig) (toolexecutor.ToolDefinition, error) {
	if cfg.ToolName == "" {
		return toolexecutor.ToolDefinition{}, errors.New("tool name is required")
	}
	if cfg.Agent == "" {
		return toolexecutor.ToolDefinition{}, errors.New("agent name is required")
	}
	if cfg.Invoker == nil {
		return toolexecutor.ToolDefinition{}, errors.New("invoker is required")
	}
	if cfg.Coordinator == nil {
		return toolexecutor.ToolDefinition{}, errors.New("coordinator is required")
	}

	d := &delegate{cfg: cfg}
	return toolexecutor.ToolDefinition{
		Name:        cfg.ToolName,
		Description: cfg.Description,
		Category:    toolexecutor.CategoryGeneral,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "task", Type: "string", Description: "What the helper should find out, with any context it needs", Required: true},
		},
		Handler: d.handle,
	}, nil
}

type delegate struct {
	cfg DelegateConfig
}

func (d *delegate) handle(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	task, _ := params["task"].(string)
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, errors.New("task is required")
	}

	suffix, err := gonanoid.Generate(threadAlphabet, 12)
	if err != nil {
		return nil, fmt.Errorf("failed to generate thread id: %w", err)
	}
	child := d.cfg.Agent + "-" + suffix
	parent := tracing.GetThreadID(ctx)
	if execCtx := toolexecutor.ExecContextFromContext(ctx); execCtx != nil && execCtx.ThreadID != "" {
		parent = execCtx.ThreadID
	}

	runID, err := d.cfg.Coordinator.RegisterRun(RunParams{
		Agent:          d.cfg.Agent,
		ParentThreadID: parent,
		ChildThreadID:  child,
		Prompt:         task,
	})
	if err != nil {
		return nil, err
	}
	d.update(runID, StatusRunning, "", "")

	answer := d.cfg.Invoker.Invoke(ctx, task, agent.InvokeOptions{ThreadID: child})

	switch {
	case ctx.Err() != nil:
		d.update(runID, StatusAborted, "", ctx.Err().Error())
		return nil, ctx.Err()
	case strings.HasPrefix(answer, "[ERROR]"):
		d.update(runID, StatusFailed, "", answer)
	default:
		d.update(runID, StatusCompleted, answer, "")
	}
	return answer, nil
}

func (d *delegate) update(runID string, status RunStatus, result, errMsg string) {
	if err := d.cfg.Coordinator.UpdateRunStatus(runID, status, result, errMsg); err != nil {
		d.cfg.Logger.Warn().Err(err).Str("run_id", runID).Msg("Failed to update subagent run")
	}
}
