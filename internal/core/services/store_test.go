package services

import (
	"context"
	"sync"

	"github.com/heisenworks/applyos/internal/core/domain"
)

// fakeStore is an in-memory ports.Store for service tests.
type fakeStore struct {
	mu       sync.Mutex
	queue    []domain.QueueItem
	session  domain.SessionState
	stats    domain.DailyStats
	memory   map[string]domain.MemoryEntry
	settings map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		memory:   make(map[string]domain.MemoryEntry),
		settings: make(map[string]string),
	}
}

func (f *fakeStore) ListQueue(ctx context.Context) ([]domain.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.QueueItem, len(f.queue))
	copy(out, f.queue)
	return out, nil
}

func (f *fakeStore) GetQueueItem(ctx context.Context, id domain.TargetID) (domain.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range f.queue {
		if it.TargetID == id {
			return it, nil
		}
	}
	return domain.QueueItem{}, domain.ErrTargetNotFound
}

func (f *fakeStore) AppendQueueItem(ctx context.Context, item domain.QueueItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, item)
	return nil
}

func (f *fakeStore) UpdateQueueStatus(ctx context.Context, id domain.TargetID, status domain.QueueStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.queue {
		if f.queue[i].TargetID == id {
			f.queue[i].Status = status
			return nil
		}
	}
	return domain.ErrTargetNotFound
}

func (f *fakeStore) GetSession(ctx context.Context) (domain.SessionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session, nil
}

func (f *fakeStore) SaveSession(ctx context.Context, s domain.SessionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = s
	return nil
}

func (f *fakeStore) GetDailyStats(ctx context.Context) (domain.DailyStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, nil
}

func (f *fakeStore) SaveDailyStats(ctx context.Context, d domain.DailyStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = d
	return nil
}

func (f *fakeStore) GetMemory(ctx context.Context, fingerprint string) (domain.MemoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.memory[fingerprint]
	if !ok {
		return domain.MemoryEntry{}, domain.ErrMemoryNotFound
	}
	return e, nil
}

func (f *fakeStore) SaveMemory(ctx context.Context, e domain.MemoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memory[e.Fingerprint] = e
	return nil
}

func (f *fakeStore) ListMemory(ctx context.Context) ([]domain.MemoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.MemoryEntry, 0, len(f.memory))
	for _, e := range f.memory {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeStore) GetSetting(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings[key], nil
}

func (f *fakeStore) SaveSetting(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings[key] = value
	return nil
}
