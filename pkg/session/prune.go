package session

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/ally/internal/tracing"
)

// DefaultRetention is how long an untouched checkpoint is kept by Prune
const DefaultRetention = 30 * 24 * time.Hour

// Prune deletes checkpoints not modified within olderThan, except keep.
// It returns the number of deleted threads.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration, keep ...string) (int, error) {
	if olderThan <= 0 {
		olderThan = DefaultRetention
	}

	threads, err := s.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	protected := make(map[string]bool, len(keep))
	for _, id := range keep {
		protected[id] = true
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	cutoff := time.Now().Add(-olderThan)
	deleted := 0
	for _, thread := range threads {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if protected[thread.ThreadID] || thread.Modified.After(cutoff) {
			continue
		}
		if err := s.Delete(ctx, thread.ThreadID); err != nil {
			logger.Warn().Err(err).Str("thread_id", thread.ThreadID).Msg("Failed to prune checkpoint")
			continue
		}
		deleted++
	}

	if deleted > 0 {
		logger.Info().Int("deleted", deleted).Dur("older_than", olderThan).Msg("Pruned old checkpoints")
	}
	return deleted, nil
}
