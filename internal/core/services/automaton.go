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

// AutomatonState is the form automaton's current phase for one target.
type AutomatonState string

const (
	StateIdle         AutomatonState = "IDLE"
	StateEntryClicked AutomatonState = "ENTRY_CLICKED"
	StateFormActive   AutomatonState = "FORM_ACTIVE"
	StateFormFilled   AutomatonState = "FORM_FILLED"
	StateDone         AutomatonState = "DONE"
	StateFailed       AutomatonState = "FAILED"
)

// containerLostTicks is how many consecutive ticks the form container may be
// missing before the run fails. Re-renders routinely drop it for a tick or
// two; only a sustained loss means the form is actually gone.
const containerLostTicks = 10

// pendingResolution tracks one field whose answer is being produced off the
// tick loop, either by the reasoning service or by the user.
type pendingResolution struct {
	field        domain.Field
	res          *domain.Resolution
	err          error
	awaitingUser bool
	fingerprint  string
	ticksWaiting int
}

// Automaton drives a single target through the submission form by polling
// page observations on randomized ticks. Exactly one tick is ever in flight;
// change notifications from the inspector coalesce into one wake signal.
type Automaton struct {
	logger    *slog.Logger
	cfg       domain.AutomatonConfig
	inspector ports.PageInspector
	resolver  *Resolver
	memory    *MemoryStore
	pacer     *Pacer
	bus       *EventBus

	mu          sync.Mutex
	state       AutomatonState
	pending     map[string]*pendingResolution // field ID -> in-flight answer
	userAnswers map[string]string             // fingerprint -> answer
	cancel      context.CancelFunc
	wake        chan struct{}
}

func NewAutomaton(logger *slog.Logger, cfg domain.AutomatonConfig, inspector ports.PageInspector, resolver *Resolver, memory *MemoryStore, pacer *Pacer, bus *EventBus) *Automaton {
	return &Automaton{
		logger:      logger,
		cfg:         cfg,
		inspector:   inspector,
		resolver:    resolver,
		memory:      memory,
		pacer:       pacer,
		bus:         bus,
		state:       StateIdle,
		pending:     make(map[string]*pendingResolution),
		userAnswers: make(map[string]string),
		wake:        make(chan struct{}, 1),
	}
}

// State returns the automaton's current phase.
func (a *Automaton) State() AutomatonState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Stop aborts the in-flight run, if any.
func (a *Automaton) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
}

// ProvideAnswer delivers a user-supplied answer for an ask-user escalation.
// The answer is persisted to memory and picked up on the next tick.
func (a *Automaton) ProvideAnswer(ctx context.Context, fingerprint, question, answer string) error {
	if err := a.memory.RememberByFingerprint(ctx, fingerprint, question, answer); err != nil {
		return err
	}
	a.mu.Lock()
	a.userAnswers[fingerprint] = answer
	a.mu.Unlock()
	a.notify()
	return nil
}

func (a *Automaton) notify() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Automaton) setState(targetID domain.TargetID, s AutomatonState) {
	a.mu.Lock()
	prev := a.state
	a.state = s
	a.mu.Unlock()
	if prev != s {
		a.logger.Info("automaton transition", "target", targetID, "from", prev, "to", s)
		a.publishTarget(targetID, map[string]any{"state": string(s)})
	}
}

func (a *Automaton) publishTarget(targetID domain.TargetID, payload map[string]any) {
	data, _ := json.Marshal(payload)
	a.bus.Publish(Event{
		Channel:   string(targetID),
		Type:      EventTypeTarget,
		Data:      string(data),
		Timestamp: time.Now().UnixMilli(),
	})
}

// Run executes the full automaton for one target and blocks until it reaches
// DONE or FAILED. The returned error is nil only for DONE.
func (a *Automaton) Run(ctx context.Context, item domain.QueueItem, profile domain.Profile) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	a.cancel = cancel
	a.state = StateIdle
	a.pending = make(map[string]*pendingResolution)
	a.userAnswers = make(map[string]string)
	a.mu.Unlock()

	if err := a.inspector.Navigate(ctx, item.URL); err != nil {
		a.setState(item.TargetID, StateFailed)
		return fmt.Errorf("navigate to target: %w", err)
	}

	target := domain.TargetContext{Title: item.Title, Company: item.Company}
	err := a.loop(ctx, item.TargetID, profile, target)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// An explicit stop is not a failure of the target.
			a.setState(item.TargetID, StateIdle)
			return err
		}
		a.setState(item.TargetID, StateFailed)
		return err
	}
	a.setState(item.TargetID, StateDone)
	return nil
}

// loop ticks until the run finishes. The iteration counter resets on every
// step advance so multi-page forms get a full allowance per step; it does not
// advance while a field is parked on the user.
func (a *Automaton) loop(ctx context.Context, targetID domain.TargetID, profile domain.Profile, target domain.TargetContext) error {
	iterations := 0
	idleTicks := 0
	lostTicks := 0
	submitted := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		obs, err := a.inspector.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("page snapshot: %w", err)
		}

		switch a.State() {
		case StateIdle:
			switch {
			case obs.AlreadyApplied:
				return nil
			case obs.NotAccepting:
				return fmt.Errorf("target not accepting submissions: %w", domain.ErrInvalidTarget)
			case obs.ContainerOpen:
				a.setState(targetID, StateFormActive)
				iterations = 0
			case obs.EntryPointVisible:
				if err := a.inspector.ClickEntryPoint(ctx); err != nil {
					return fmt.Errorf("click entry point: %w", err)
				}
				a.setState(targetID, StateEntryClicked)
			default:
				idleTicks++
				if idleTicks >= 10 {
					return domain.ErrEntryPointLost
				}
			}

		case StateEntryClicked:
			if obs.ContainerOpen {
				a.setState(targetID, StateFormActive)
				iterations = 0
			}

		case StateFormActive:
			if !obs.ContainerOpen {
				lostTicks++
				if lostTicks >= containerLostTicks {
					return domain.ErrContainerLost
				}
				break
			}
			lostTicks = 0
			if obs.HasValidationErrors() {
				// Filling while the step is blocked only races the page's own
				// error rendering. Wait for it to clear.
				break
			}
			if obs.FormReady() {
				allSettled, parked, err := a.fillPass(ctx, targetID, obs, profile, target)
				if err != nil {
					return err
				}
				if parked {
					// Don't burn iterations while a human is thinking.
					iterations--
				} else if allSettled {
					a.setState(targetID, StateFormFilled)
				}
			}

		case StateFormFilled:
			if !obs.ContainerOpen {
				if submitted {
					// Container closing after submit counts as confirmation
					// on surfaces that skip the confirmation banner.
					return nil
				}
				lostTicks++
				if lostTicks >= containerLostTicks {
					return domain.ErrContainerLost
				}
				a.clearPending()
				a.setState(targetID, StateFormActive)
				break
			}
			lostTicks = 0
			if obs.SubmitConfirmed {
				return nil
			}
			if obs.HasValidationErrors() {
				a.logger.Warn("step blocked by validation", "target", targetID, "errors", obs.ValidationErrors)
				a.clearPending()
				a.setState(targetID, StateFormActive)
				break
			}
			if submitted {
				break // waiting on confirmation
			}
			if obs.Button == nil || obs.Button.Kind == domain.ButtonUnknown {
				break
			}
			if hasUnfilledFields(obs) {
				// A re-render emptied a field after the fill pass settled.
				// Fill again before touching the action button.
				a.clearPending()
				a.setState(targetID, StateFormActive)
				break
			}
			if err := a.inspector.ClickAction(ctx); err != nil {
				return fmt.Errorf("click action: %w", err)
			}
			if obs.Button.Kind == domain.ButtonSubmit {
				submitted = true
			} else if obs.Button.Kind.Advances() {
				a.clearPending()
				a.setState(targetID, StateFormActive)
				iterations = 0
			}
		}

		iterations++
		if iterations > a.cfg.MaxIterations {
			return domain.ErrIterationCap
		}

		if err := a.waitTick(ctx); err != nil {
			return err
		}
	}
}

// waitTick sleeps the randomized tick interval, cut short by a wake signal.
func (a *Automaton) waitTick(ctx context.Context) error {
	t := time.NewTimer(a.pacer.Delay(a.cfg.TickMin, a.cfg.TickMax))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.wake:
		return nil
	case <-t.C:
		return nil
	case <-a.inspector.Changes():
		return nil
	}
}

// hasUnfilledFields reports whether any fillable visible field is empty.
func hasUnfilledFields(obs domain.Observation) bool {
	for _, field := range obs.Fields {
		if field.Kind == domain.FieldFile {
			continue
		}
		if !field.Filled() {
			return true
		}
	}
	return false
}

func (a *Automaton) clearPending() {
	a.mu.Lock()
	a.pending = make(map[string]*pendingResolution)
	a.mu.Unlock()
}

// fillPass walks the visible fields top to bottom, launching resolutions for
// unfilled ones and applying any answers that landed since the last tick.
// It reports whether every field is settled and whether any is parked on the
// user.
func (a *Automaton) fillPass(ctx context.Context, targetID domain.TargetID, obs domain.Observation, profile domain.Profile, target domain.TargetContext) (allSettled, parked bool, err error) {
	allSettled = true

	for _, field := range obs.Fields {
		if field.Kind == domain.FieldFile {
			continue // attachments are out of the automaton's hands
		}
		if field.Filled() {
			continue
		}
		allSettled = false

		a.mu.Lock()
		p := a.pending[field.ID]
		a.mu.Unlock()

		if p == nil {
			a.startResolution(ctx, field, profile, target)
			continue
		}

		if p.awaitingUser {
			if answer, ok := a.takeUserAnswer(p.fingerprint); ok {
				if err := a.apply(ctx, field, answer); err != nil {
					return false, false, err
				}
				a.forget(field.ID)
			} else {
				parked = true
			}
			continue
		}

		a.mu.Lock()
		settledRes, settledErr := p.res, p.err
		if settledRes == nil && settledErr == nil {
			p.ticksWaiting++
		}
		expired := p.ticksWaiting > a.cfg.ReasoningTicks
		a.mu.Unlock()

		switch {
		case settledErr != nil:
			a.escalate(targetID, field, p)
			parked = true
		case settledRes != nil && settledRes.AskUser:
			a.escalate(targetID, field, p)
			parked = true
		case settledRes != nil:
			if err := a.apply(ctx, field, settledRes.Value); err != nil {
				return false, false, err
			}
			a.forget(field.ID)
		case expired:
			a.logger.Warn("resolution stalled, escalating", "field", field.ID)
			a.escalate(targetID, field, p)
			parked = true
		}
	}
	return allSettled, parked, nil
}

// startResolution resolves a field off the tick loop and signals a wake when
// the answer lands.
func (a *Automaton) startResolution(ctx context.Context, field domain.Field, profile domain.Profile, target domain.TargetContext) {
	p := &pendingResolution{field: field}
	a.mu.Lock()
	a.pending[field.ID] = p
	a.mu.Unlock()

	go func() {
		res, err := a.resolver.Resolve(ctx, field, profile, target)
		a.mu.Lock()
		if err != nil {
			p.err = err
		} else {
			p.res = &res
		}
		a.mu.Unlock()
		a.notify()
	}()
}

// escalate parks a field on the user, publishing the ask-user event exactly
// once per field.
func (a *Automaton) escalate(targetID domain.TargetID, field domain.Field, p *pendingResolution) {
	a.mu.Lock()
	if p.awaitingUser {
		a.mu.Unlock()
		return
	}
	p.awaitingUser = true
	question := field.Question()
	p.fingerprint = Fingerprint(question)
	if p.res != nil && p.res.Fingerprint != "" {
		p.fingerprint = p.res.Fingerprint
	}
	fingerprint := p.fingerprint
	a.mu.Unlock()

	data, _ := json.Marshal(map[string]any{
		"target_id":   string(targetID),
		"field_id":    field.ID,
		"question":    question,
		"fingerprint": fingerprint,
		"options":     field.Options,
	})
	a.bus.Publish(Event{
		Channel:   string(targetID),
		Type:      EventTypeAskUser,
		Data:      string(data),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (a *Automaton) takeUserAnswer(fingerprint string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	answer, ok := a.userAnswers[fingerprint]
	if ok {
		delete(a.userAnswers, fingerprint)
	}
	return answer, ok
}

func (a *Automaton) forget(fieldID string) {
	a.mu.Lock()
	delete(a.pending, fieldID)
	a.mu.Unlock()
}

// apply writes one answer into the page with the interaction that matches
// the field kind.
func (a *Automaton) apply(ctx context.Context, field domain.Field, value string) error {
	if value == "" {
		return nil
	}
	switch {
	case field.Kind == domain.FieldLocation:
		return a.fillTypeahead(ctx, field, value)
	case field.Kind.Choice():
		if err := a.inspector.SelectOption(ctx, field.ID, value); err != nil {
			return fmt.Errorf("select option on %s: %w", field.ID, err)
		}
	default:
		if err := a.inspector.FillField(ctx, field.ID, value); err != nil {
			return fmt.Errorf("fill field %s: %w", field.ID, err)
		}
	}
	return nil
}

// fillTypeahead drives the location subflow: type the value, poll for the
// suggestion list, pick the first entry. Falls back to a plain fill when no
// suggestion ever shows.
func (a *Automaton) fillTypeahead(ctx context.Context, field domain.Field, value string) error {
	if err := a.inspector.TypeText(ctx, field.ID, value); err != nil {
		return fmt.Errorf("type into %s: %w", field.ID, err)
	}
	for attempt := 0; attempt < a.cfg.SuggestAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.cfg.SuggestInterval):
		}
		suggestions, err := a.inspector.Suggestions(ctx, field.ID)
		if err != nil {
			return fmt.Errorf("read suggestions for %s: %w", field.ID, err)
		}
		if len(suggestions) > 0 {
			return a.inspector.PickSuggestion(ctx, field.ID, 0)
		}
	}
	a.logger.Warn("no typeahead suggestions, committing raw value", "field", field.ID)
	return a.inspector.FillField(ctx, field.ID, value)
}
