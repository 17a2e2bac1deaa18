package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/heisenworks/applyos/internal/core/domain"
)

// AutoStarter kicks off a dispatch session on a cron schedule, so queued
// targets drain unattended. An empty expression disables it.
type AutoStarter struct {
	logger    *slog.Logger
	scheduler *Scheduler
	expr      string
	cron      *cron.Cron
}

func NewAutoStarter(logger *slog.Logger, scheduler *Scheduler, expr string) *AutoStarter {
	return &AutoStarter{logger: logger, scheduler: scheduler, expr: expr}
}

// Run installs the schedule and blocks until the context is cancelled.
func (a *AutoStarter) Run(ctx context.Context) error {
	if a.expr == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	a.cron = cron.New()
	_, err := a.cron.AddFunc(a.expr, func() {
		if err := a.scheduler.Start(context.Background()); err != nil {
			switch {
			case errors.Is(err, domain.ErrSessionActive):
				a.logger.Debug("auto-start skipped, session already active")
			case errors.Is(err, domain.ErrDailyLimit):
				a.logger.Info("auto-start skipped, daily limit reached")
			default:
				a.logger.Error("auto-start failed", "error", err)
			}
			return
		}
		a.logger.Info("session auto-started", "schedule", a.expr)
	})
	if err != nil {
		return fmt.Errorf("invalid auto-start schedule %q: %w", a.expr, err)
	}

	a.cron.Start()
	a.logger.Info("auto-start schedule installed", "schedule", a.expr)
	<-ctx.Done()
	stopCtx := a.cron.Stop()
	<-stopCtx.Done()
	return ctx.Err()
}
