package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/heisenworks/applyos/internal/core/domain"
	"github.com/heisenworks/applyos/internal/core/ports"
)

// Store is the DuckDB-backed implementation of ports.Store. All writes are
// idempotent upserts; there are no transactions and last write wins.
type Store struct {
	db *sql.DB
}

var _ ports.Store = (*Store)(nil)

// NewStore opens (or creates) the database at path and runs the migrations.
// An empty path opens an in-memory database.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queue (
			target_id   TEXT PRIMARY KEY,
			url         TEXT NOT NULL,
			title       TEXT NOT NULL DEFAULT '',
			company     TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			enqueued_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session (
			id          INTEGER PRIMARY KEY,
			active      BOOLEAN NOT NULL,
			paused      BOOLEAN NOT NULL,
			cursor      INTEGER NOT NULL,
			worker_id   TEXT,
			daily_count INTEGER NOT NULL,
			batch_count INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS daily_stats (
			date  TEXT PRIMARY KEY,
			count INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memory (
			fingerprint TEXT PRIMARY KEY,
			question    TEXT NOT NULL,
			answer      TEXT NOT NULL,
			created_at  TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) ListQueue(ctx context.Context) ([]domain.QueueItem, error) {
	query := `SELECT target_id, url, title, company, status, enqueued_at FROM queue ORDER BY enqueued_at ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) GetQueueItem(ctx context.Context, id domain.TargetID) (domain.QueueItem, error) {
	query := `SELECT target_id, url, title, company, status, enqueued_at FROM queue WHERE target_id = ?`
	row := s.db.QueryRowContext(ctx, query, string(id))

	var item domain.QueueItem
	var targetID, status string
	err := row.Scan(&targetID, &item.URL, &item.Title, &item.Company, &status, &item.EnqueuedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.QueueItem{}, domain.ErrTargetNotFound
		}
		return domain.QueueItem{}, err
	}
	item.TargetID = domain.TargetID(targetID)
	item.Status = domain.QueueStatus(status)
	return item, nil
}

func (s *Store) AppendQueueItem(ctx context.Context, item domain.QueueItem) error {
	query := `
	INSERT INTO queue (target_id, url, title, company, status, enqueued_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (target_id) DO UPDATE SET
		status = excluded.status;
	`
	_, err := s.db.ExecContext(ctx, query,
		string(item.TargetID), item.URL, item.Title, item.Company,
		string(item.Status), item.EnqueuedAt,
	)
	return err
}

func (s *Store) UpdateQueueStatus(ctx context.Context, id domain.TargetID, status domain.QueueStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue SET status = ? WHERE target_id = ?`, string(status), string(id))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrTargetNotFound
	}
	return nil
}

// GetSession returns the singleton session row, or a zero state when the
// process has never run a session.
func (s *Store) GetSession(ctx context.Context) (domain.SessionState, error) {
	query := `SELECT active, paused, cursor, worker_id, daily_count, batch_count FROM session WHERE id = 1`
	row := s.db.QueryRowContext(ctx, query)

	var state domain.SessionState
	var workerID *string
	err := row.Scan(&state.Active, &state.Paused, &state.Cursor, &workerID, &state.DailyCount, &state.BatchCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SessionState{}, nil
		}
		return domain.SessionState{}, err
	}
	if workerID != nil {
		id := domain.WorkerID(*workerID)
		state.WorkerID = &id
	}
	return state, nil
}

func (s *Store) SaveSession(ctx context.Context, state domain.SessionState) error {
	var workerID *string
	if state.WorkerID != nil {
		id := string(*state.WorkerID)
		workerID = &id
	}
	query := `
	INSERT INTO session (id, active, paused, cursor, worker_id, daily_count, batch_count)
	VALUES (1, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		active = excluded.active,
		paused = excluded.paused,
		cursor = excluded.cursor,
		worker_id = excluded.worker_id,
		daily_count = excluded.daily_count,
		batch_count = excluded.batch_count;
	`
	_, err := s.db.ExecContext(ctx, query,
		state.Active, state.Paused, state.Cursor, workerID,
		state.DailyCount, state.BatchCount,
	)
	return err
}

// GetDailyStats returns the most recent day's counter. Rollover to the
// current day is the caller's concern.
func (s *Store) GetDailyStats(ctx context.Context) (domain.DailyStats, error) {
	query := `SELECT date, count FROM daily_stats ORDER BY date DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, query)

	var d domain.DailyStats
	err := row.Scan(&d.Date, &d.Count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.DailyStats{}, nil
		}
		return domain.DailyStats{}, err
	}
	return d, nil
}

func (s *Store) SaveDailyStats(ctx context.Context, d domain.DailyStats) error {
	query := `
	INSERT INTO daily_stats (date, count) VALUES (?, ?)
	ON CONFLICT (date) DO UPDATE SET count = excluded.count;
	`
	_, err := s.db.ExecContext(ctx, query, d.Date, d.Count)
	return err
}

func (s *Store) GetMemory(ctx context.Context, fingerprint string) (domain.MemoryEntry, error) {
	query := `SELECT fingerprint, question, answer, created_at FROM memory WHERE fingerprint = ?`
	row := s.db.QueryRowContext(ctx, query, fingerprint)

	var e domain.MemoryEntry
	err := row.Scan(&e.Fingerprint, &e.Question, &e.Answer, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.MemoryEntry{}, domain.ErrMemoryNotFound
		}
		return domain.MemoryEntry{}, err
	}
	return e, nil
}

func (s *Store) SaveMemory(ctx context.Context, e domain.MemoryEntry) error {
	query := `
	INSERT INTO memory (fingerprint, question, answer, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (fingerprint) DO UPDATE SET
		question = excluded.question,
		answer = excluded.answer,
		created_at = excluded.created_at;
	`
	_, err := s.db.ExecContext(ctx, query, e.Fingerprint, e.Question, e.Answer, e.CreatedAt)
	return err
}

func (s *Store) ListMemory(ctx context.Context) ([]domain.MemoryEntry, error) {
	query := `SELECT fingerprint, question, answer, created_at FROM memory ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.MemoryEntry
	for rows.Next() {
		var e domain.MemoryEntry
		if err := rows.Scan(&e.Fingerprint, &e.Question, &e.Answer, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetSetting returns "" for missing keys.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

func (s *Store) SaveSetting(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO settings (key, value) VALUES (?, ?)
	ON CONFLICT (key) DO UPDATE SET value = excluded.value;
	`
	_, err := s.db.ExecContext(ctx, query, key, value)
	return err
}

func scanQueueItem(rows *sql.Rows) (domain.QueueItem, error) {
	var item domain.QueueItem
	var targetID, status string
	err := rows.Scan(&targetID, &item.URL, &item.Title, &item.Company, &status, &item.EnqueuedAt)
	if err != nil {
		return domain.QueueItem{}, err
	}
	item.TargetID = domain.TargetID(targetID)
	item.Status = domain.QueueStatus(status)
	return item, nil
}
