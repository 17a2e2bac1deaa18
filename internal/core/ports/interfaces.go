package ports

import (
	"context"

	"github.com/heisenworks/applyos/internal/core/domain"
)

// BrowserManager abstracts the browser worker runtime (Docker, Podman, etc.)
type BrowserManager interface {
	// Spawn creates and starts a new browser worker based on the spec.
	// Returns the WorkerID on success.
	Spawn(ctx context.Context, spec domain.WorkerSpec) (domain.WorkerID, error)

	// HealthCheck pings the worker to determine its current state.
	HealthCheck(ctx context.Context, id domain.WorkerID) (domain.HealthStatus, error)

	// Kill wraps up the worker execution forcefully or gracefully.
	Kill(ctx context.Context, id domain.WorkerID) error

	// List returns all known workers in the runtime.
	List(ctx context.Context) ([]domain.Worker, error)
}

// PageInspector is the capability the automaton consumes to observe and act
// on the current document. Concrete selector logic lives behind it.
type PageInspector interface {
	// Snapshot returns the latest observation of the page.
	Snapshot(ctx context.Context) (domain.Observation, error)

	// Changes delivers a signal whenever the observation may have changed.
	// Senders never block; coalesced signals are fine.
	Changes() <-chan struct{}

	// Navigate points the page at a target URL.
	Navigate(ctx context.Context, url string) error

	// ClickEntryPoint invokes the control that opens the submission container.
	ClickEntryPoint(ctx context.Context) error

	// ClickAction invokes the current step's primary action control.
	ClickAction(ctx context.Context) error

	// FillField sets a text-like field's value.
	FillField(ctx context.Context, fieldID, value string) error

	// SelectOption picks one enumerated option of a choice field.
	SelectOption(ctx context.Context, fieldID, option string) error

	// TypeText types into a field without committing it, for typeahead flows.
	TypeText(ctx context.Context, fieldID, value string) error

	// Suggestions returns the currently visible typeahead suggestions.
	Suggestions(ctx context.Context, fieldID string) ([]string, error)

	// PickSuggestion selects the i-th visible suggestion.
	PickSuggestion(ctx context.Context, fieldID string, i int) error
}

// Store abstracts the durable key-value storage shared by all contexts.
// No transactions; last write wins.
type Store interface {
	// Queue
	ListQueue(ctx context.Context) ([]domain.QueueItem, error)
	GetQueueItem(ctx context.Context, id domain.TargetID) (domain.QueueItem, error)
	AppendQueueItem(ctx context.Context, item domain.QueueItem) error
	UpdateQueueStatus(ctx context.Context, id domain.TargetID, status domain.QueueStatus) error

	// Session
	GetSession(ctx context.Context) (domain.SessionState, error)
	SaveSession(ctx context.Context, s domain.SessionState) error

	// Daily quota
	GetDailyStats(ctx context.Context) (domain.DailyStats, error)
	SaveDailyStats(ctx context.Context, d domain.DailyStats) error

	// Learned answers
	GetMemory(ctx context.Context, fingerprint string) (domain.MemoryEntry, error)
	SaveMemory(ctx context.Context, e domain.MemoryEntry) error
	ListMemory(ctx context.Context) ([]domain.MemoryEntry, error)

	// Settings
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error
}
