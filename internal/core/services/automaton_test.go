package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heisenworks/applyos/internal/core/domain"
)

// fakeInspector is a scriptable page the automaton can act on. Actions
// mutate the observation so the next snapshot reflects them.
type fakeInspector struct {
	mu        sync.Mutex
	obs       domain.Observation
	changes   chan struct{}
	fillCalls int
	typed     map[string]string
	picks     map[string]int

	// onSnapshot, when set, rewrites the observation handed to the
	// automaton. Called with the 1-based snapshot count under f.mu.
	snapshots  int
	onSnapshot func(call int, obs domain.Observation) domain.Observation
}

func newFakeInspector(obs domain.Observation) *fakeInspector {
	return &fakeInspector{
		obs:     obs,
		changes: make(chan struct{}, 1),
		typed:   make(map[string]string),
		picks:   make(map[string]int),
	}
}

func (f *fakeInspector) Snapshot(ctx context.Context) (domain.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots++
	obs := f.obs
	if f.onSnapshot != nil {
		obs = f.onSnapshot(f.snapshots, obs)
	}
	return obs, nil
}

func (f *fakeInspector) Changes() <-chan struct{} { return f.changes }

func (f *fakeInspector) Navigate(ctx context.Context, url string) error { return nil }

func (f *fakeInspector) ClickEntryPoint(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs.EntryPointVisible = false
	f.obs.ContainerOpen = true
	return nil
}

func (f *fakeInspector) ClickAction(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.obs.Button != nil && f.obs.Button.Kind == domain.ButtonSubmit {
		f.obs.SubmitConfirmed = true
	}
	return nil
}

func (f *fakeInspector) setValue(fieldID, value string) {
	for i := range f.obs.Fields {
		if f.obs.Fields[i].ID == fieldID {
			f.obs.Fields[i].Value = value
		}
	}
}

func (f *fakeInspector) FillField(ctx context.Context, fieldID, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fillCalls++
	f.setValue(fieldID, value)
	return nil
}

func (f *fakeInspector) SelectOption(ctx context.Context, fieldID, option string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setValue(fieldID, option)
	return nil
}

func (f *fakeInspector) TypeText(ctx context.Context, fieldID, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typed[fieldID] = value
	return nil
}

func (f *fakeInspector) Suggestions(ctx context.Context, fieldID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.typed[fieldID]; ok {
		return []string{v + ", Portugal"}, nil
	}
	return nil, nil
}

func (f *fakeInspector) PickSuggestion(ctx context.Context, fieldID string, i int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.picks[fieldID] = i
	f.setValue(fieldID, f.typed[fieldID]+", Portugal")
	return nil
}

func fastAutomatonConfig() domain.AutomatonConfig {
	return domain.AutomatonConfig{
		TickMin:          time.Millisecond,
		TickMax:          2 * time.Millisecond,
		MaxIterations:    60,
		ReasoningTicks:   8,
		ReasoningTimeout: time.Second,
		SuggestAttempts:  3,
		SuggestInterval:  time.Millisecond,
	}
}

func newTestAutomaton(inspector *fakeInspector, llm domain.LLMProvider) (*Automaton, *EventBus) {
	logger := testLogger()
	bus := NewEventBus(logger)
	mem := NewMemoryStore(logger, newFakeStore())
	resolver := NewResolver(logger, mem, llm, time.Second)
	a := NewAutomaton(logger, fastAutomatonConfig(), inspector, resolver, mem, NewPacer(), bus)
	return a, bus
}

func runAutomaton(t *testing.T, a *Automaton, item domain.QueueItem) error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run(context.Background(), item, testProfile())
	}()
	select {
	case err := <-errCh:
		return err
	case <-time.After(30 * time.Second):
		t.Fatal("automaton did not finish")
		return nil
	}
}

func TestAutomaton_AlreadyAppliedIsDone(t *testing.T) {
	inspector := newFakeInspector(domain.Observation{AlreadyApplied: true})
	a, _ := newTestAutomaton(inspector, &fakeLLM{})

	err := runAutomaton(t, a, domain.QueueItem{TargetID: "t1", URL: "https://example.com/1"})
	require.NoError(t, err)
	assert.Equal(t, StateDone, a.State())
}

func TestAutomaton_NotAcceptingFails(t *testing.T) {
	inspector := newFakeInspector(domain.Observation{NotAccepting: true})
	a, _ := newTestAutomaton(inspector, &fakeLLM{})

	err := runAutomaton(t, a, domain.QueueItem{TargetID: "t1", URL: "https://example.com/1"})
	require.Error(t, err)
	assert.Equal(t, StateFailed, a.State())
}

func TestAutomaton_EntryPointLost(t *testing.T) {
	inspector := newFakeInspector(domain.Observation{})
	a, _ := newTestAutomaton(inspector, &fakeLLM{})

	err := runAutomaton(t, a, domain.QueueItem{TargetID: "t1", URL: "https://example.com/1"})
	require.ErrorIs(t, err, domain.ErrEntryPointLost)
}

func TestAutomaton_IterationCap(t *testing.T) {
	// Container open but no recognizable action control: the run can never
	// progress and must hit the cap.
	inspector := newFakeInspector(domain.Observation{
		ContainerOpen: true,
		Fields:        []domain.Field{{ID: "f1", Label: "Email", Kind: domain.FieldEmail}},
	})
	a, _ := newTestAutomaton(inspector, &fakeLLM{})

	err := runAutomaton(t, a, domain.QueueItem{TargetID: "t1", URL: "https://example.com/1"})
	require.ErrorIs(t, err, domain.ErrIterationCap)
}

func TestAutomaton_ValidationErrorsBlockFilling(t *testing.T) {
	inspector := newFakeInspector(domain.Observation{
		ContainerOpen:    true,
		ValidationErrors: []string{"Email is invalid"},
		Fields: []domain.Field{
			{ID: "email", Label: "Email address", Kind: domain.FieldEmail},
		},
		Button: &domain.ActionButton{Label: "Submit application", Kind: domain.ButtonSubmit},
	})
	a, _ := newTestAutomaton(inspector, &fakeLLM{})

	err := runAutomaton(t, a, domain.QueueItem{TargetID: "t1", URL: "https://example.com/1"})
	require.ErrorIs(t, err, domain.ErrIterationCap)

	inspector.mu.Lock()
	defer inspector.mu.Unlock()
	assert.Zero(t, inspector.fillCalls, "blocked steps must not be filled")
}

func TestAutomaton_SingleStepSubmit(t *testing.T) {
	inspector := newFakeInspector(domain.Observation{
		EntryPointVisible: true,
		Fields: []domain.Field{
			{ID: "email", Label: "Email address", Kind: domain.FieldEmail},
		},
		Button: &domain.ActionButton{Label: "Submit application", Kind: domain.ButtonSubmit},
	})
	a, _ := newTestAutomaton(inspector, &fakeLLM{})

	err := runAutomaton(t, a, domain.QueueItem{TargetID: "t1", URL: "https://example.com/1"})
	require.NoError(t, err)
	assert.Equal(t, StateDone, a.State())

	inspector.mu.Lock()
	defer inspector.mu.Unlock()
	assert.Equal(t, "ada@example.com", inspector.obs.Fields[0].Value)
	assert.True(t, inspector.obs.SubmitConfirmed)
}

func TestAutomaton_FilledFieldsNeverOverwritten(t *testing.T) {
	inspector := newFakeInspector(domain.Observation{
		ContainerOpen: true,
		Fields: []domain.Field{
			{ID: "email", Label: "Email address", Kind: domain.FieldEmail, Value: "keep@example.com"},
		},
		Button: &domain.ActionButton{Label: "Submit application", Kind: domain.ButtonSubmit},
	})
	a, _ := newTestAutomaton(inspector, &fakeLLM{})

	err := runAutomaton(t, a, domain.QueueItem{TargetID: "t1", URL: "https://example.com/1"})
	require.NoError(t, err)

	inspector.mu.Lock()
	defer inspector.mu.Unlock()
	assert.Zero(t, inspector.fillCalls)
	assert.Equal(t, "keep@example.com", inspector.obs.Fields[0].Value)
}

func TestAutomaton_LocationTypeahead(t *testing.T) {
	inspector := newFakeInspector(domain.Observation{
		ContainerOpen: true,
		Fields: []domain.Field{
			{ID: "loc", Label: "Current location", Kind: domain.FieldLocation},
		},
		Button: &domain.ActionButton{Label: "Submit application", Kind: domain.ButtonSubmit},
	})
	a, _ := newTestAutomaton(inspector, &fakeLLM{})

	err := runAutomaton(t, a, domain.QueueItem{TargetID: "t1", URL: "https://example.com/1"})
	require.NoError(t, err)

	inspector.mu.Lock()
	defer inspector.mu.Unlock()
	assert.Equal(t, "Lisbon", inspector.typed["loc"])
	assert.Equal(t, 0, inspector.picks["loc"], "must pick the first suggestion")
	assert.Equal(t, "Lisbon, Portugal", inspector.obs.Fields[0].Value)
}

func TestAutomaton_AskUserRoundTrip(t *testing.T) {
	inspector := newFakeInspector(domain.Observation{
		ContainerOpen: true,
		Fields: []domain.Field{
			{ID: "auth", Label: "Are you legally authorized to work?", Kind: domain.FieldRadio, Options: []string{"Yes", "No"}},
		},
		Button: &domain.ActionButton{Label: "Submit application", Kind: domain.ButtonSubmit},
	})
	a, bus := newTestAutomaton(inspector, &fakeLLM{})

	events, unsub := bus.Subscribe("t1")
	defer unsub()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run(context.Background(), domain.QueueItem{TargetID: "t1", URL: "https://example.com/1"}, testProfile())
	}()

	var fingerprint string
	deadline := time.After(5 * time.Second)
	for fingerprint == "" {
		select {
		case e := <-events:
			if e.Type != EventTypeAskUser {
				continue
			}
			var payload struct {
				Question    string `json:"question"`
				Fingerprint string `json:"fingerprint"`
			}
			require.NoError(t, json.Unmarshal([]byte(e.Data), &payload))
			fingerprint = payload.Fingerprint
		case <-deadline:
			t.Fatal("ask-user event never published")
		}
	}

	require.NoError(t, a.ProvideAnswer(context.Background(), fingerprint, "Are you legally authorized to work?", "Yes"))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("automaton did not finish after answer")
	}

	inspector.mu.Lock()
	defer inspector.mu.Unlock()
	assert.Equal(t, "Yes", inspector.obs.Fields[0].Value)
}

func TestAutomaton_StopAbortsRun(t *testing.T) {
	inspector := newFakeInspector(domain.Observation{
		ContainerOpen: true,
		Fields: []domain.Field{
			{ID: "auth", Label: "Do you agree to the terms?", Kind: domain.FieldRadio, Options: []string{"Yes", "No"}},
		},
		Button: &domain.ActionButton{Label: "Submit application", Kind: domain.ButtonSubmit},
	})
	a, _ := newTestAutomaton(inspector, &fakeLLM{})

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run(context.Background(), domain.QueueItem{TargetID: "t1", URL: "https://example.com/1"}, testProfile())
	}()

	time.Sleep(50 * time.Millisecond)
	a.Stop()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, StateIdle, a.State(), "a stopped run is not a failed run")
	case <-time.After(5 * time.Second):
		t.Fatal("automaton did not stop")
	}
}

func TestAutomaton_ContainerFlapAbsorbed(t *testing.T) {
	inspector := newFakeInspector(domain.Observation{
		ContainerOpen: true,
		Fields: []domain.Field{
			{ID: "email", Label: "Email address", Kind: domain.FieldEmail, Value: "keep@example.com"},
		},
		Button: &domain.ActionButton{Label: "Submit application", Kind: domain.ButtonSubmit},
	})
	// The container disappears for two snapshots mid-run, as a re-render does.
	inspector.onSnapshot = func(call int, obs domain.Observation) domain.Observation {
		if call == 2 || call == 3 {
			obs.ContainerOpen = false
		}
		return obs
	}
	a, _ := newTestAutomaton(inspector, &fakeLLM{})

	err := runAutomaton(t, a, domain.QueueItem{TargetID: "t1", URL: "https://example.com/1"})
	require.NoError(t, err)
	assert.Equal(t, StateDone, a.State())

	inspector.mu.Lock()
	defer inspector.mu.Unlock()
	assert.True(t, inspector.obs.SubmitConfirmed)
}

func TestAutomaton_SustainedContainerLossFails(t *testing.T) {
	inspector := newFakeInspector(domain.Observation{
		ContainerOpen: true,
		Fields: []domain.Field{
			{ID: "email", Label: "Email address", Kind: domain.FieldEmail, Value: "keep@example.com"},
		},
		Button: &domain.ActionButton{Label: "Submit application", Kind: domain.ButtonSubmit},
	})
	inspector.onSnapshot = func(call int, obs domain.Observation) domain.Observation {
		if call >= 2 {
			obs.ContainerOpen = false
		}
		return obs
	}
	a, _ := newTestAutomaton(inspector, &fakeLLM{})

	err := runAutomaton(t, a, domain.QueueItem{TargetID: "t1", URL: "https://example.com/1"})
	require.ErrorIs(t, err, domain.ErrContainerLost)
	assert.Equal(t, StateFailed, a.State())
}

func TestAutomaton_RefillsFieldEmptiedBeforeAction(t *testing.T) {
	inspector := newFakeInspector(domain.Observation{
		ContainerOpen: true,
		Fields: []domain.Field{
			{ID: "email", Label: "Email address", Kind: domain.FieldEmail},
		},
		Button: &domain.ActionButton{Label: "Submit application", Kind: domain.ButtonSubmit},
	})
	a, _ := newTestAutomaton(inspector, &fakeLLM{})

	// Once the fill pass settles, a re-render wipes the field exactly once
	// before the action button is clicked.
	cleared := false
	inspector.onSnapshot = func(call int, obs domain.Observation) domain.Observation {
		if !cleared && a.State() == StateFormFilled {
			cleared = true
			inspector.setValue("email", "")
		}
		return obs
	}

	err := runAutomaton(t, a, domain.QueueItem{TargetID: "t1", URL: "https://example.com/1"})
	require.NoError(t, err)
	assert.Equal(t, StateDone, a.State())

	inspector.mu.Lock()
	defer inspector.mu.Unlock()
	assert.True(t, cleared)
	assert.Equal(t, 2, inspector.fillCalls, "the wiped field must be filled again")
	assert.Equal(t, "ada@example.com", inspector.obs.Fields[0].Value)
	assert.True(t, inspector.obs.SubmitConfirmed)
}
