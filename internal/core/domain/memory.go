package domain

import (
	"errors"
	"time"
)

// MemoryEntry is one learned answer, keyed by the normalized question
// fingerprint. Entries are overwritten, never merged.
type MemoryEntry struct {
	Fingerprint string    `json:"fingerprint"`
	Question    string    `json:"question"`
	Answer      string    `json:"answer"`
	CreatedAt   time.Time `json:"created_at"`
}

var ErrMemoryNotFound = errors.New("memory entry not found")
