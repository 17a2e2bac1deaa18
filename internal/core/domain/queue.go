package domain

import (
	"errors"
	"strings"
	"time"
)

// TargetID uniquely identifies one queued submission target.
type TargetID string

// QueueStatus tracks a queue item through its lifecycle.
type QueueStatus string

const (
	QueueStatusPending  QueueStatus = "PENDING"
	QueueStatusApplying QueueStatus = "APPLYING"
	QueueStatusDone     QueueStatus = "DONE"
	QueueStatusFailed   QueueStatus = "FAILED"
)

// QueueItem is one target awaiting automated submission.
// Items are never deleted automatically; the user clears the queue.
type QueueItem struct {
	TargetID   TargetID    `json:"target_id"`
	URL        string      `json:"url"`
	Title      string      `json:"title"`
	Company    string      `json:"company"`
	Status     QueueStatus `json:"status"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

// Terminal reports whether the item no longer needs dispatching.
func (q QueueItem) Terminal() bool {
	return q.Status == QueueStatusDone || q.Status == QueueStatusFailed
}

// Validate checks the minimum shape required to enqueue.
func (q QueueItem) Validate() error {
	if strings.TrimSpace(string(q.TargetID)) == "" {
		return ErrInvalidTarget
	}
	if strings.TrimSpace(q.URL) == "" {
		return ErrInvalidTarget
	}
	return nil
}

var (
	ErrInvalidTarget    = errors.New("invalid target")
	ErrTargetNotFound   = errors.New("target not found")
	ErrDuplicateTarget  = errors.New("target already queued")
	ErrDailyLimit       = errors.New("daily submission limit reached")
	ErrNoActiveTarget   = errors.New("no foreground execution context")
	ErrEntryPointLost   = errors.New("submission entry point not found")
	ErrContainerLost    = errors.New("submission container disappeared")
	ErrIterationCap     = errors.New("automaton iteration cap exceeded")
	ErrReasoningTimeout = errors.New("reasoning service timed out")
	ErrSessionActive    = errors.New("session already active")
)
