package services

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/heisenworks/applyos/internal/core/domain"
	"github.com/heisenworks/applyos/internal/core/ports"
)

// Labels that must never be persisted to the learned-answer store.
var memoryBlacklist = []string{
	"credit", "card", "bank", "ssn", "social security",
	"account number", "routing", "password", "salary expectations",
}

// NormalizeQuestion folds a field label into its canonical form: lowercased,
// non-alphanumeric runs collapsed to underscores, trimmed.
func NormalizeQuestion(label string) string {
	var b strings.Builder
	lastUnderscore := true // suppress leading underscore
	for _, r := range strings.ToLower(strings.TrimSpace(label)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
		} else if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.TrimRight(b.String(), "_")
}

// Fingerprint hashes a question label into the memory-cache key. The same
// label re-fingerprints identically regardless of case and whitespace.
func Fingerprint(label string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(NormalizeQuestion(label)))
	return "q_" + strconv.FormatUint(h.Sum64(), 36)
}

// MemoryStore persists resolver answers keyed by question fingerprint.
type MemoryStore struct {
	logger *slog.Logger
	store  ports.Store
}

func NewMemoryStore(logger *slog.Logger, store ports.Store) *MemoryStore {
	return &MemoryStore{logger: logger, store: store}
}

// Lookup returns the remembered answer for a question, or "" when none exists.
func (m *MemoryStore) Lookup(ctx context.Context, question string) (string, error) {
	entry, err := m.store.GetMemory(ctx, Fingerprint(question))
	if err != nil {
		if errors.Is(err, domain.ErrMemoryNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("memory lookup: %w", err)
	}
	return entry.Answer, nil
}

// Remember persists an accepted answer. Blacklisted questions and empty
// answers are silently skipped; last write wins on conflicts.
func (m *MemoryStore) Remember(ctx context.Context, question, answer string) error {
	if strings.TrimSpace(answer) == "" {
		return nil
	}
	lower := strings.ToLower(question)
	for _, banned := range memoryBlacklist {
		if strings.Contains(lower, banned) {
			m.logger.Debug("refusing to persist blacklisted question", "question", question)
			return nil
		}
	}

	entry := domain.MemoryEntry{
		Fingerprint: Fingerprint(question),
		Question:    strings.TrimSpace(question),
		Answer:      strings.TrimSpace(answer),
		CreatedAt:   time.Now(),
	}
	if err := m.store.SaveMemory(ctx, entry); err != nil {
		return fmt.Errorf("memory save: %w", err)
	}
	m.logger.Info("answer remembered", "fingerprint", entry.Fingerprint)
	return nil
}

// RememberByFingerprint stores a user-supplied answer under an existing
// fingerprint, e.g. when the UI answers an ask-user event later.
func (m *MemoryStore) RememberByFingerprint(ctx context.Context, fingerprint, question, answer string) error {
	if strings.TrimSpace(fingerprint) == "" || strings.TrimSpace(answer) == "" {
		return fmt.Errorf("fingerprint and answer are required")
	}
	entry := domain.MemoryEntry{
		Fingerprint: fingerprint,
		Question:    strings.TrimSpace(question),
		Answer:      strings.TrimSpace(answer),
		CreatedAt:   time.Now(),
	}
	if err := m.store.SaveMemory(ctx, entry); err != nil {
		return fmt.Errorf("memory save: %w", err)
	}
	return nil
}

// List returns every learned answer.
func (m *MemoryStore) List(ctx context.Context) ([]domain.MemoryEntry, error) {
	return m.store.ListMemory(ctx)
}
