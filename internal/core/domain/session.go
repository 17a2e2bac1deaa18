package domain

import "time"

// SessionEndReason is attached to the SESSION_COMPLETE event.
type SessionEndReason string

const (
	EndReasonNone           SessionEndReason = ""
	EndReasonDailyLimit     SessionEndReason = "DAILY_LIMIT"
	EndReasonQueueExhausted SessionEndReason = "QUEUE_EXHAUSTED"
	EndReasonNoActiveTarget SessionEndReason = "NO_ACTIVE_TARGET"
	EndReasonStopped        SessionEndReason = "STOPPED"
)

// SessionState is the scheduler's run-time snapshot. It is persisted after
// every mutation so a crashed process can resume dispatch from the cursor.
type SessionState struct {
	Active     bool      `json:"active"`
	Paused     bool      `json:"paused"`
	Cursor     int       `json:"cursor"`
	WorkerID   *WorkerID `json:"worker_id,omitempty"`
	DailyCount int       `json:"daily_count"`
	BatchCount int       `json:"batch_count"`

	// Queue is the in-memory snapshot taken at session start (DONE items
	// filtered out). Durable statuses live in the queue table.
	Queue []QueueItem `json:"-"`
}

// DailyStats tracks the submission quota for one calendar day.
type DailyStats struct {
	Date  string `json:"date"` // YYYY-MM-DD
	Count int    `json:"count"`
}

// DayKey formats t the way DailyStats.Date is stored.
func DayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// RolledOver returns stats valid for the day of now, resetting the count
// when the stored date differs.
func (d DailyStats) RolledOver(now time.Time) DailyStats {
	today := DayKey(now)
	if d.Date != today {
		return DailyStats{Date: today, Count: 0}
	}
	return d
}
