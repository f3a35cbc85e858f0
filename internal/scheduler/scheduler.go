package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSchedule runs five minutes past midnight on the first of every month.
const DefaultSchedule = "5 0 1 * *"

// Resetter is the monthly sweep the scheduler drives.
type Resetter interface {
	ResetMonthlyUsageForAll(ctx context.Context) (int, error)
}

// ResetScheduler runs the monthly usage sweep on a cron schedule. Checks
// already reset licenses lazily; the sweep keeps idle licenses tidy.
type ResetScheduler struct {
	resetter Resetter
	schedule string
	cron     *cron.Cron
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
}

func New(r Resetter, schedule string, logger zerolog.Logger) *ResetScheduler {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &ResetScheduler{
		resetter: r,
		schedule: schedule,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		logger:   logger.With().Str("component", "reset_scheduler").Logger(),
	}
}

// Validate checks the cron expression without scheduling anything.
func Validate(schedule string) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return nil
}

// Start schedules the sweep and stops it when ctx is cancelled.
func (s *ResetScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if err := Validate(s.schedule); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule monthly reset: %w", err)
	}
	s.cron.Start()
	s.running = true
	s.logger.Info().Str("schedule", s.schedule).Msg("monthly reset scheduler started")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// RunOnce performs a single sweep and returns the number of licenses reset.
func (s *ResetScheduler) RunOnce(ctx context.Context) int {
	n, err := s.resetter.ResetMonthlyUsageForAll(ctx)
	if err != nil {
		s.logger.Error().Err(err).Int("reset", n).Msg("monthly reset sweep failed")
		return n
	}
	s.logger.Info().Int("reset", n).Msg("monthly reset sweep completed")
	return n
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *ResetScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info().Msg("monthly reset scheduler stopped")
}

func (s *ResetScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled sweep, or nil when not started.
func (s *ResetScheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
