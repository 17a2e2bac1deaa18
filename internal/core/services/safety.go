package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/heisenworks/applyos/internal/core/domain"
	"github.com/heisenworks/applyos/internal/core/ports"
)

// SafetyMonitor watches page observations for danger signs and pauses the
// session when one shows up. It also pauses after a long stretch without
// page activity, which usually means the surface is stuck behind something
// the automaton cannot see.
type SafetyMonitor struct {
	logger    *slog.Logger
	inspector ports.PageInspector
	scheduler *Scheduler
	bus       *EventBus

	interval   time.Duration
	inactivity time.Duration
}

func NewSafetyMonitor(logger *slog.Logger, inspector ports.PageInspector, scheduler *Scheduler, bus *EventBus) *SafetyMonitor {
	return &SafetyMonitor{
		logger:     logger,
		inspector:  inspector,
		scheduler:  scheduler,
		bus:        bus,
		interval:   10 * time.Second,
		inactivity: 3 * time.Minute,
	}
}

// Run blocks until the context is cancelled, checking on every interval.
func (m *SafetyMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	lastActivity := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.inspector.Changes():
			lastActivity = time.Now()
		case <-ticker.C:
			if !m.scheduler.Status().Active {
				lastActivity = time.Now()
				continue
			}

			obs, err := m.inspector.Snapshot(ctx)
			if err != nil {
				m.logger.Debug("safety snapshot unavailable", "error", err)
				continue
			}
			if len(obs.Risks) > 0 {
				m.trip(obs.Risks[0])
				continue
			}
			if time.Since(lastActivity) > m.inactivity {
				m.logger.Warn("no page activity, pausing session",
					"idle", time.Since(lastActivity).Round(time.Second))
				m.scheduler.Pause("INACTIVITY")
				lastActivity = time.Now()
			}
		}
	}
}

func (m *SafetyMonitor) trip(risk domain.RiskSignal) {
	m.logger.Warn("risk signal detected", "risk", risk)
	m.scheduler.Pause(string(risk))
}
