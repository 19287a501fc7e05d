package subagent

import "time"

// RunParams describes a delegated run before it starts
type RunParams struct {
	Agent          string `json:"agent"`
	ParentThreadID string `json:"parent_thread_id"`
	ChildThreadID  string `json:"child_thread_id"`
	Prompt         string `json:"prompt"`
}

// RunRecord is one delegation from a parent conversation to a helper agent
type RunRecord struct {
	ID             string    `json:"id"`
	Agent          string    `json:"agent"`
	ParentThreadID string    `json:"parent_thread_id"`
	ChildThreadID  string    `json:"child_thread_id"`
	Prompt         string    `json:"prompt"`
	Status         RunStatus `json:"status"`
	StartedAt      int64     `json:"started_at"`
	CompletedAt    *int64    `json:"completed_at,omitempty"`
	Result         string    `json:"result,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Duration returns how long the run took, or has been running
func (r *RunRecord) Duration() time.Duration {
	end := time.Now().UnixMilli()
	if r.CompletedAt != nil {
		end = *r.CompletedAt
	}
	return time.Duration(end-r.StartedAt) * time.Millisecond
}

// RunStatus represents the execution state of a delegated run
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusAborted   RunStatus = "aborted"
)

// IsTerminal returns true if the status is terminal
func (s RunStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// Registry is the on-disk format of the run log
type Registry struct {
	Version     int          `json:"version"`
	Runs        []*RunRecord `json:"runs"`
	LastUpdated int64        `json:"last_updated"`
}

// Stats counts runs by state
type Stats struct {
	TotalRuns     int `json:"total_runs"`
	ActiveRuns    int `json:"active_runs"`
	CompletedRuns int `json:"completed_runs"`
	FailedRuns    int `json:"failed_runs"`
	AbortedRuns   int `json:"aborted_runs"`
}
