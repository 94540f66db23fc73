package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// MaintenanceScheduler runs Reconcile on a cron schedule.
//
// A per-run mutex with TryLock guarantees passes never overlap: if a tick
// fires while the previous pass is still running, the tick is skipped.
type MaintenanceScheduler struct {
	mu      sync.Mutex
	client  *Client
	cron    *cron.Cron
	runLock sync.Mutex
	logger  *slog.Logger
	cancel  context.CancelFunc
}

// NewMaintenanceScheduler creates a scheduler for the given client.
func NewMaintenanceScheduler(client *Client) *MaintenanceScheduler {
	return &MaintenanceScheduler{
		client: client,
		logger: client.logger.With("component", "maintenance"),
	}
}

// Start begins periodic Reconcile runs using the given cron expression
// (e.g. "*/5 * * * *"; an optional leading seconds field is accepted).
// Returns an error if the expression is invalid.
func (s *MaintenanceScheduler) Start(schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("maintenance: scheduler already started")
	}

	ctx, cancel := context.WithCancel(context.Background())

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser))

	_, err := c.AddFunc(schedule, func() {
		// TryLock is atomic; if the previous pass is still running, skip
		// this tick rather than piling up.
		if !s.runLock.TryLock() {
			s.logger.Warn("reconcile still running, skipping tick")
			return
		}
		defer s.runLock.Unlock()

		report, runErr := s.client.Reconcile(ctx)
		if runErr != nil {
			s.logger.Error("reconcile failed", "error", runErr)
			return
		}
		s.logger.Debug("reconcile completed",
			"sessions_reaped", report.SessionsReaped,
			"facts_reindexed", report.FactsReindexed,
			"entries_removed", report.EntriesRemoved)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("maintenance: invalid schedule %q: %w", schedule, err)
	}

	s.cancel = cancel
	s.cron = c
	c.Start()
	s.logger.Info("maintenance scheduler started", "schedule", schedule)
	return nil
}

// Stop shuts the scheduler down, waiting for an in-flight pass.
func (s *MaintenanceScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.cron = nil
		s.logger.Info("maintenance scheduler stopped")
	}
}
