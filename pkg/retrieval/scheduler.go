package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultResyncSchedule re-embeds stale sources every 15 minutes
const DefaultResyncSchedule = "*/15 * * * *"

// SchedulerConfig configures a Scheduler
type SchedulerConfig struct {
	Store    *Store
	Ingestor *Ingestor
	Schedule string
	Logger   zerolog.Logger
}

// Scheduler periodically re-embeds tracked sources flagged stale by the Watcher
type Scheduler struct {
	store    *Store
	ingestor *Ingestor
	schedule string
	cron     *cron.Cron
	running  sync.Mutex
	logger   zerolog.Logger
}

// NewScheduler creates a scheduler. The schedule accepts five-field cron
// expressions and descriptors such as @hourly.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Store == nil || cfg.Ingestor == nil {
		return nil, errors.New("store and ingestor are required")
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultResyncSchedule
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid resync schedule %q: %w", schedule, err)
	}

	return &Scheduler{
		store:    cfg.Store,
		ingestor: cfg.Ingestor,
		schedule: schedule,
		cron:     cron.New(cron.WithParser(parser)),
		logger:   cfg.Logger,
	}, nil
}

// Start registers the resync job and starts the cron runner
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.ResyncStale(context.Background()); err != nil {
			s.logger.Warn().Err(err).Msg("Scheduled resync failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule resync: %w", err)
	}
	s.cron.Start()
	s.logger.Debug().Str("schedule", s.schedule).Msg("Resync scheduler started")
	return nil
}

// Stop stops the runner and waits for a running resync to finish
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// MarkStale is the Watcher callback
func (s *Scheduler) MarkStale(dir string) {
	if err := s.store.MarkStale(context.Background(), dir); err != nil {
		s.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to mark source stale")
	}
}

// ResyncStale re-embeds every stale source and returns how many were processed.
// Overlapping calls are skipped.
func (s *Scheduler) ResyncStale(ctx context.Context) (int, error) {
	if !s.running.TryLock() {
		s.logger.Debug().Msg("Resync already running, skipping")
		return 0, nil
	}
	defer s.running.Unlock()

	sources, err := s.store.Sources(ctx)
	if err != nil {
		return 0, err
	}

	done := 0
	var errs []error
	for _, src := range sources {
		if !src.Stale {
			continue
		}
		report, err := s.ingestor.EmbedDirectory(ctx, src.Dir, src.Collection)
		if err != nil {
			errs = append(errs, fmt.Errorf("resync %s into %s: %w", src.Dir, src.Collection, err))
			continue
		}
		done++
		s.logger.Info().
			Str("dir", src.Dir).
			Str("collection", src.Collection).
			Int("embedded", report.Embedded).
			Msg("Source resynced")
	}
	return done, errors.Join(errs...)
}
