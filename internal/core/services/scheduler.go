package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/heisenworks/applyos/internal/core/domain"
	"github.com/heisenworks/applyos/internal/core/ports"
)

// ProfileSource yields the candidate profile handed to the automaton.
type ProfileSource interface {
	Profile(ctx context.Context) (domain.Profile, error)
}

// TargetRunner executes the form automaton for one target.
type TargetRunner interface {
	Run(ctx context.Context, item domain.QueueItem, profile domain.Profile) error
	Stop()
}

// Scheduler owns the submission work queue and the single dispatch loop.
// It enforces the daily quota, paces targets inside a batch, cools down
// between batches, and persists its cursor so a crashed process resumes
// where it left off.
type Scheduler struct {
	logger   *slog.Logger
	cfg      domain.SessionConfig
	store    ports.Store
	browser  ports.BrowserManager
	runner   TargetRunner
	profiles ProfileSource
	pacer    *Pacer
	bus      *EventBus
	spec     domain.WorkerSpec

	mu     sync.Mutex
	state  domain.SessionState
	cancel context.CancelFunc
	resume chan struct{}
	done   chan struct{}
}

func NewScheduler(logger *slog.Logger, cfg domain.SessionConfig, store ports.Store, browser ports.BrowserManager, runner TargetRunner, profiles ProfileSource, pacer *Pacer, bus *EventBus, spec domain.WorkerSpec) *Scheduler {
	return &Scheduler{
		logger:   logger,
		cfg:      cfg,
		store:    store,
		browser:  browser,
		runner:   runner,
		profiles: profiles,
		pacer:    pacer,
		bus:      bus,
		spec:     spec,
	}
}

// Enqueue validates and appends one target. Duplicates are rejected
// regardless of the existing item's status.
func (s *Scheduler) Enqueue(ctx context.Context, item domain.QueueItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	if _, err := s.store.GetQueueItem(ctx, item.TargetID); err == nil {
		return domain.ErrDuplicateTarget
	}
	item.Status = domain.QueueStatusPending
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	if err := s.store.AppendQueueItem(ctx, item); err != nil {
		return fmt.Errorf("append queue item: %w", err)
	}
	s.logger.Info("target enqueued", "target", item.TargetID, "company", item.Company)
	return nil
}

// Queue returns the durable queue contents.
func (s *Scheduler) Queue(ctx context.Context) ([]domain.QueueItem, error) {
	return s.store.ListQueue(ctx)
}

// Status returns a snapshot of the session state.
func (s *Scheduler) Status() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	st.Queue = append([]domain.QueueItem(nil), s.state.Queue...)
	return st
}

// Start begins a dispatch session over the pending queue. It refuses to
// start when a session is active or the daily quota is already spent.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Active {
		s.mu.Unlock()
		return domain.ErrSessionActive
	}
	s.mu.Unlock()

	stats, err := s.store.GetDailyStats(ctx)
	if err != nil {
		return fmt.Errorf("load daily stats: %w", err)
	}
	stats = stats.RolledOver(time.Now())
	if stats.Count >= s.cfg.DailyLimit {
		return domain.ErrDailyLimit
	}
	if err := s.store.SaveDailyStats(ctx, stats); err != nil {
		return fmt.Errorf("save daily stats: %w", err)
	}

	items, err := s.store.ListQueue(ctx)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	queue := make([]domain.QueueItem, 0, len(items))
	for _, it := range items {
		if !it.Terminal() {
			queue = append(queue, it)
		}
	}

	state := domain.SessionState{
		Active:     true,
		Cursor:     0,
		DailyCount: stats.Count,
		Queue:      queue,
	}
	return s.launch(ctx, state)
}

// Recover restarts dispatch after a process crash. A persisted active
// session picks up from its saved cursor; anything else is a no-op.
func (s *Scheduler) Recover(ctx context.Context) error {
	persisted, err := s.store.GetSession(ctx)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if !persisted.Active {
		return nil
	}

	items, err := s.store.ListQueue(ctx)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	queue := make([]domain.QueueItem, 0, len(items))
	for _, it := range items {
		if !it.Terminal() {
			queue = append(queue, it)
		}
	}
	persisted.Queue = queue
	persisted.WorkerID = nil
	// The rebuilt snapshot already excludes finished items, so the persisted
	// cursor (indexed against the old snapshot) no longer lines up. Restart
	// at the head; nothing pending can be skipped and nothing terminal can
	// be re-dispatched.
	persisted.Cursor = 0

	s.logger.Info("recovering interrupted session", "cursor", persisted.Cursor, "queued", len(queue))
	return s.launch(ctx, persisted)
}

// launch persists the initial state, spawns the browser worker, and starts
// the dispatch goroutine. The loop's context is detached from the caller's.
func (s *Scheduler) launch(ctx context.Context, state domain.SessionState) error {
	workerID, err := s.browser.Spawn(ctx, s.spec)
	if err != nil {
		return fmt.Errorf("spawn browser worker: %w", err)
	}
	state.WorkerID = &workerID

	if err := s.store.SaveSession(ctx, state); err != nil {
		_ = s.browser.Kill(ctx, workerID)
		return fmt.Errorf("persist session: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.state = state
	s.cancel = cancel
	s.resume = make(chan struct{}, 1)
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.run(runCtx)
	}()
	return nil
}

// Stop aborts the running session. Durable target statuses stay as they
// are; only the session itself is cleared.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.state.Active {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	s.runner.Stop()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Pause halts dispatch without ending the session, e.g. on a risk signal.
func (s *Scheduler) Pause(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Active || s.state.Paused {
		return
	}
	s.state.Paused = true
	s.logger.Warn("session paused", "reason", reason)
	s.publishSession("SESSION_PAUSED", map[string]any{"reason": reason})
}

// Resume continues a paused session.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Paused {
		return
	}
	s.state.Paused = false
	select {
	case s.resume <- struct{}{}:
	default:
	}
	s.publishSession("SESSION_RESUMED", nil)
}

func (s *Scheduler) publishSession(kind string, extra map[string]any) {
	payload := map[string]any{"event": kind}
	for k, v := range extra {
		payload[k] = v
	}
	data, _ := json.Marshal(payload)
	s.bus.Publish(Event{
		Channel:   BroadcastChannel,
		Type:      EventTypeSession,
		Data:      string(data),
		Timestamp: time.Now().UnixMilli(),
	})
}

// run is the single dispatch loop. One target at a time, batch cooldowns in
// between, quota checked before every dispatch.
func (s *Scheduler) run(ctx context.Context) {
	reason := domain.EndReasonStopped

	defer func() {
		s.finish(reason)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if s.waitWhilePaused(ctx) != nil {
			return
		}

		s.mu.Lock()
		state := s.state
		s.mu.Unlock()

		if state.DailyCount >= s.cfg.DailyLimit {
			reason = domain.EndReasonDailyLimit
			return
		}
		if state.Cursor >= len(state.Queue) {
			reason = domain.EndReasonQueueExhausted
			return
		}

		item := state.Queue[state.Cursor]
		if ok, err := s.workerHealthy(ctx, state.WorkerID); err != nil || !ok {
			s.logger.Error("browser worker lost", "error", err)
			reason = domain.EndReasonNoActiveTarget
			return
		}

		if err := s.dispatch(ctx, item); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, domain.ErrNoActiveTarget) {
				reason = domain.EndReasonNoActiveTarget
				return
			}
		}

		s.mu.Lock()
		s.state.Cursor++
		batchFull := s.state.BatchCount >= s.cfg.BatchSize
		if batchFull {
			s.state.BatchCount = 0
		}
		state = s.state
		s.mu.Unlock()

		if err := s.store.SaveSession(ctx, state); err != nil {
			s.logger.Error("persist session cursor", "error", err)
		}

		if batchFull {
			s.logger.Info("batch complete, cooling down", "cooldown", s.cfg.Cooldown)
			s.publishSession("BATCH_COOLDOWN", map[string]any{"cooldown_ms": s.cfg.Cooldown.Milliseconds()})
			s.pacer.Reset()
			if sleepCtx(ctx, s.cfg.Cooldown) != nil {
				return
			}
		} else if sleepCtx(ctx, s.cfg.TargetDelay) != nil {
			return
		}
	}
}

// dispatch runs the automaton for one target and records the outcome.
func (s *Scheduler) dispatch(ctx context.Context, item domain.QueueItem) error {
	if err := s.store.UpdateQueueStatus(ctx, item.TargetID, domain.QueueStatusApplying); err != nil {
		return fmt.Errorf("mark applying: %w", err)
	}
	s.mu.Lock()
	for i := range s.state.Queue {
		if s.state.Queue[i].TargetID == item.TargetID {
			s.state.Queue[i].Status = domain.QueueStatusApplying
		}
	}
	s.mu.Unlock()

	profile, err := s.profiles.Profile(ctx)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}

	runErr := s.runner.Run(ctx, item, profile)
	if runErr != nil {
		if ctx.Err() != nil || errors.Is(runErr, context.Canceled) {
			// A stopped session is not a failed target. The durable status
			// stays as last written so a later session retries the item.
			return runErr
		}
		s.logger.Warn("target failed", "target", item.TargetID, "error", runErr)
		if err := s.store.UpdateQueueStatus(ctx, item.TargetID, domain.QueueStatusFailed); err != nil {
			s.logger.Error("mark failed", "error", err)
		}
		return runErr
	}

	if err := s.store.UpdateQueueStatus(ctx, item.TargetID, domain.QueueStatusDone); err != nil {
		s.logger.Error("mark done", "error", err)
	}

	s.mu.Lock()
	s.state.DailyCount++
	s.state.BatchCount++
	count := s.state.DailyCount
	s.mu.Unlock()

	stats := domain.DailyStats{Date: domain.DayKey(time.Now()), Count: count}
	if err := s.store.SaveDailyStats(ctx, stats); err != nil {
		s.logger.Error("persist daily stats", "error", err)
	}
	s.logger.Info("target submitted", "target", item.TargetID, "daily_count", count)
	return nil
}

// finish clears the session, releases the worker, and emits SESSION_COMPLETE.
func (s *Scheduler) finish(reason domain.SessionEndReason) {
	s.mu.Lock()
	workerID := s.state.WorkerID
	s.state = domain.SessionState{}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if workerID != nil {
		if err := s.browser.Kill(ctx, *workerID); err != nil {
			s.logger.Warn("kill browser worker", "worker", *workerID, "error", err)
		}
	}
	if err := s.store.SaveSession(ctx, domain.SessionState{}); err != nil {
		s.logger.Error("clear persisted session", "error", err)
	}

	s.logger.Info("session complete", "reason", reason)
	s.publishSession("SESSION_COMPLETE", map[string]any{"reason": string(reason)})
}

func (s *Scheduler) waitWhilePaused(ctx context.Context) error {
	for {
		s.mu.Lock()
		paused := s.state.Paused
		resume := s.resume
		s.mu.Unlock()
		if !paused {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resume:
		}
	}
}

func (s *Scheduler) workerHealthy(ctx context.Context, id *domain.WorkerID) (bool, error) {
	if id == nil {
		return false, nil
	}
	status, err := s.browser.HealthCheck(ctx, *id)
	if err != nil {
		return false, err
	}
	return status == domain.HealthStatusHealthy || status == domain.HealthStatusStarting, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
