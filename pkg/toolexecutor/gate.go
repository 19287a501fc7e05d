package toolexecutor

import (
	"context"
	"fmt"
	"sync"

	"github.com/harun/ally/internal/observability"
	"github.com/rs/zerolog/log"
)

// Gate decides whether a side-effecting tool may run. It is passed to tools
// through the ExecutionContext so every session and test owns its own gate.
type Gate struct {
	mu          sync.RWMutex
	alwaysAllow bool
	handler     ApprovalHandler
}

// NewGate creates a gate that asks handler for consent. A nil handler denies
// everything until SetAlwaysAllow(true) is called.
func NewGate(handler ApprovalHandler) *Gate {
	return &Gate{handler: handler}
}

// SetAlwaysAllow changes the always_allow policy. Only user action calls this.
func (g *Gate) SetAlwaysAllow(allow bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.alwaysAllow = allow
}

// AlwaysAllow reports the current policy
func (g *Gate) AlwaysAllow() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.alwaysAllow
}

// Check returns nil when the call may proceed and an error wrapping
// ErrPermissionDenied when the user declines.
func (g *Gate) Check(ctx context.Context, req ApprovalRequest) error {
	if g.AlwaysAllow() {
		observability.AuditPermission(ctx, req.Tool, "policy", true, map[string]interface{}{
			"reason": "always_allow",
		})
		return nil
	}

	g.mu.RLock()
	handler := g.handler
	g.mu.RUnlock()

	if handler == nil {
		observability.AuditPermission(ctx, req.Tool, "policy", false, map[string]interface{}{
			"reason": "no approval handler",
		})
		return fmt.Errorf("%w: %s", ErrPermissionDenied, req.Tool)
	}

	resp, err := handler.RequestApproval(ctx, req)
	if err != nil {
		log.Warn().Err(err).Str("tool", req.Tool).Msg("Approval request failed")
		observability.AuditPermission(ctx, req.Tool, "user", false, map[string]interface{}{
			"error": err.Error(),
		})
		return fmt.Errorf("%w: %s: %v", ErrPermissionDenied, req.Tool, err)
	}

	observability.AuditPermission(ctx, req.Tool, "user", resp.Approved, map[string]interface{}{
		"reason": resp.Reason,
		"always": resp.Always,
	})

	if !resp.Approved {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, req.Tool)
	}
	if resp.Always {
		g.SetAlwaysAllow(true)
		log.Info().Str("tool", req.Tool).Msg("Always-allow enabled by user")
	}
	return nil
}
