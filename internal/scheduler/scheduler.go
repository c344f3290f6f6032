// Package scheduler runs the auto-repayment batch on a fixed interval.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"peerfund.app/internal/lending"
)

type Scheduler struct {
	service  *lending.Service
	logger   *zap.Logger
	interval time.Duration
}

func New(service *lending.Service, logger *zap.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Scheduler{service: service, logger: logger, interval: interval}
}

// Run blocks until ctx is done, invoking the batch once per interval.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("auto-repayment scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("auto-repayment scheduler stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce processes every due installment, isolating failures per repayment.
func (s *Scheduler) RunOnce(ctx context.Context) (processed, failed int) {
	start := time.Now()
	processed, failed = s.service.RunDueRepayments(ctx, time.Now().UTC())
	s.logger.Info("auto-repayment batch finished",
		zap.Int("processed", processed),
		zap.Int("failed", failed),
		zap.Duration("took", time.Since(start)))
	return processed, failed
}
