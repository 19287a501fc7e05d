package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ApprovalRequest describes a side-effecting tool call awaiting user consent
type ApprovalRequest struct {
	Tool      string                 `json:"tool"`
	Category  ToolCategory           `json:"category"`
	Arguments map[string]interface{} `json:"arguments"`
	ThreadID  string                 `json:"thread_id,omitempty"`
}

// ApprovalResponse represents the response to an approval request.
// Always widens the gate for the rest of the process.
type ApprovalResponse struct {
	Approved bool   `json:"approved"`
	Always   bool   `json:"always"`
	Reason   string `json:"reason"`
}

// ApprovalHandler handles approval requests
type ApprovalHandler interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error)
}

// ApprovalHandlerFunc adapts a function to ApprovalHandler
type ApprovalHandlerFunc func(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error)

// RequestApproval implements ApprovalHandler
func (f ApprovalHandlerFunc) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	return f(ctx, req)
}

// Summary renders the request arguments as sorted key: value lines
func (r ApprovalRequest) Summary() string {
	keys := make([]string, 0, len(r.Arguments))
	for k := range r.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, formatArgument(r.Arguments[k]))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatArgument(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
