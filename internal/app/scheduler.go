/**
 * @description
 * Cron scheduler driving the outbox publish cycle.
 */
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the outbox publisher on a fixed interval.
type Scheduler struct {
	cron      *cron.Cron
	publisher *OutboxPublisher
	interval  time.Duration
	logger    *slog.Logger
	ctx       context.Context
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(publisher *OutboxPublisher, interval time.Duration, logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:      c,
		publisher: publisher,
		interval:  interval,
		logger:    logger,
		ctx:       context.Background(),
	}
}

// Start registers the outbox job and starts the cron scheduler. Jobs observe ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx
	schedule := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(schedule, s.publishOutbox); err != nil {
		s.logger.Error("failed to schedule outbox publish job", "error", err)
		return err
	}
	s.logger.Info("scheduled outbox publish job", "schedule", schedule)

	s.cron.Start()
	return nil
}

func (s *Scheduler) publishOutbox() {
	if s.ctx.Err() != nil {
		return
	}
	if _, err := s.publisher.PublishOnce(s.ctx); err != nil {
		s.logger.Error("outbox publish cycle failed", "error", err)
	}
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
