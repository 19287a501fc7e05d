package subagent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// defaultRetention is how long finished runs are kept by Cleanup
const defaultRetention = 7 * 24 * time.Hour

// Coordinator tracks delegated runs and persists them to a JSON registry
type Coordinator struct {
	runs         map[string]*RunRecord
	registryPath string
	autoSave     bool
	logger       zerolog.Logger
	mu           sync.RWMutex
}

// Config holds coordinator configuration
type Config struct {
	// RegistryPath is the JSON file runs are saved to; empty keeps them in memory
	RegistryPath string
	AutoSave     bool
	Logger       zerolog.Logger
}

// NewCoordinator creates a coordinator
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		runs:         make(map[string]*RunRecord),
		registryPath: cfg.RegistryPath,
		autoSave:     cfg.AutoSave && cfg.RegistryPath != "",
		logger:       cfg.Logger,
	}
}

// Initialize loads the registry from disk. A missing or corrupt file starts
// an empty registry. Runs left pending or running by a previous process are
// marked aborted.
func (c *Coordinator) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registryPath == "" {
		return nil
	}

	data, err := os.ReadFile(c.registryPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to read subagent registry")
		return nil
	}

	var registry Registry
	if err := json.Unmarshal(data, &registry); err != nil {
		c.logger.Error().Err(err).Msg("Failed to parse subagent registry, starting with empty registry")
		return nil
	}

	now := time.Now().UnixMilli()
	for _, run := range registry.Runs {
		if !run.Status.IsTerminal() {
			run.Status = StatusAborted
			run.CompletedAt = &now
		}
		c.runs[run.ID] = run
	}

	c.logger.Debug().Int("runs", len(c.runs)).Msg("Subagent registry loaded")
	return nil
}

// Close saves the registry
func (c *Coordinator) Close() error {
	if c.registryPath == "" {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.saveRegistry()
}

// RegisterRun records a new pending run and returns its id
func (c *Coordinator) RegisterRun(params RunParams) (string, error) {
	runID, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate run ID: %w", err)
	}

	record := &RunRecord{
		ID:             runID,
		Agent:          params.Agent,
		ParentThreadID: params.ParentThreadID,
		ChildThreadID:  params.ChildThreadID,
		Prompt:         params.Prompt,
		Status:         StatusPending,
		StartedAt:      time.Now().UnixMilli(),
	}

	c.mu.Lock()
	c.runs[runID] = record
	c.persist()
	c.mu.Unlock()

	c.logger.Info().
		Str("run_id", runID).
		Str("agent", params.Agent).
		Str("parent_thread", params.ParentThreadID).
		Str("child_thread", params.ChildThreadID).
		Msg("Subagent run registered")

	return runID, nil
}

// UpdateRunStatus moves a run to status, storing result or errMsg when set
func (c *Coordinator) UpdateRunStatus(runID string, status RunStatus, result, errMsg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	record, exists := c.runs[runID]
	if !exists {
		return fmt.Errorf("run not found: %s", runID)
	}
	if record.Status.IsTerminal() {
		return fmt.Errorf("run %s already %s", runID, record.Status)
	}

	record.Status = status
	if status.IsTerminal() {
		now := time.Now().UnixMilli()
		record.CompletedAt = &now
	}
	if result != "" {
		record.Result = result
	}
	if errMsg != "" {
		record.Error = errMsg
	}
	c.persist()

	c.logger.Info().
		Str("run_id", runID).
		Str("status", string(status)).
		Msg("Subagent run status updated")
	return nil
}

// GetRun returns a copy of a run, or nil
func (c *Coordinator) GetRun(runID string) *RunRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	record, ok := c.runs[runID]
	if !ok {
		return nil
	}
	cp := *record
	return &cp
}

// GetRunByChildThread returns the run that owns a child thread, or nil
func (c *Coordinator) GetRunByChildThread(threadID string) *RunRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, record := range c.runs {
		if record.ChildThreadID == threadID {
			cp := *record
			return &cp
		}
	}
	return nil
}

// ListChildren returns the runs delegated from a thread, oldest first
func (c *Coordinator) ListChildren(threadID string) []*RunRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	children := []*RunRecord{}
	for _, record := range c.runs {
		if record.ParentThreadID == threadID {
			cp := *record
			children = append(children, &cp)
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].StartedAt < children[j].StartedAt })
	return children
}

// CountActiveRuns counts pending or running delegations from a thread
func (c *Coordinator) CountActiveRuns(threadID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	count := 0
	for _, record := range c.runs {
		if record.ParentThreadID == threadID && !record.Status.IsTerminal() {
			count++
		}
	}
	return count
}

// Cleanup removes finished runs older than retention and returns how many
func (c *Coordinator) Cleanup(retention time.Duration) int {
	if retention <= 0 {
		retention = defaultRetention
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-retention).UnixMilli()
	removed := 0
	for runID, record := range c.runs {
		if record.Status.IsTerminal() && record.CompletedAt != nil && *record.CompletedAt < cutoff {
			delete(c.runs, runID)
			removed++
		}
	}
	if removed > 0 {
		c.persist()
	}

	c.logger.Debug().Int("removed", removed).Msg("Subagent cleanup completed")
	return removed
}

// GetStats counts runs by state
func (c *Coordinator) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := Stats{TotalRuns: len(c.runs)}
	for _, record := range c.runs {
		switch record.Status {
		case StatusPending, StatusRunning:
			stats.ActiveRuns++
		case StatusCompleted:
			stats.CompletedRuns++
		case StatusFailed:
			stats.FailedRuns++
		case StatusAborted:
			stats.AbortedRuns++
		}
	}
	return stats
}

// persist saves when autoSave is on. Callers hold c.mu.
func (c *Coordinator) persist() {
	if !c.autoSave {
		return
	}
	if err := c.saveRegistry(); err != nil {
		c.logger.Error().Err(err).Msg("Failed to save subagent registry")
	}
}

// saveRegistry writes the registry atomically. Callers hold c.mu.
func (c *Coordinator) saveRegistry() error {
	if err := os.MkdirAll(filepath.Dir(c.registryPath), 0700); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}

	runs := make([]*RunRecord, 0, len(c.runs))
	for _, record := range c.runs {
		runs = append(runs, record)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt < runs[j].StartedAt })

	data, err := json.MarshalIndent(Registry{
		Version:     1,
		Runs:        runs,
		LastUpdated: time.Now().UnixMilli(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}

	tempPath := c.registryPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := os.Rename(tempPath, c.registryPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to replace registry: %w", err)
	}
	return nil
}
