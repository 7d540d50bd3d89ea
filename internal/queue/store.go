// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package queue provides the durable offline action queue.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/nelson-client/internal/util"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrNotFound       = errors.New("queued action not found")
	ErrInvalidKind    = errors.New("invalid action kind")
	ErrInvalidPayload = errors.New("invalid action payload")
	ErrClosed         = errors.New("queue is closed")
)

// =============================================================================
// STORE
// =============================================================================

// Store is a FIFO of deferred remote mutations that survives restarts.
// It is safe for concurrent use: the single connection serializes writers.
type Store struct {
	db     *sql.DB
	path   string
	closed atomic.Bool
}

// Open opens (or creates) the queue database at path.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := util.EnsureDir(filepath.Dir(path)); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	// One connection also keeps an in-memory database alive between calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// RELIABILITY: synchronous=FULL so an acknowledged enqueue survives power loss
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := db.Exec(InitMetadata); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize metadata: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database location.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Enqueue appends an action. The payload is marshaled to JSON.
func (s *Store) Enqueue(ctx context.Context, kind Kind, payload any) (Action, error) {
	if s.closed.Load() {
		return Action{}, ErrClosed
	}
	if !kind.Valid() {
		return Action{}, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Action{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO offline_queue (kind, payload, retry_count, enqueued_at) VALUES (?, ?, 0, ?)",
		string(kind), string(data), now.UnixMilli())
	if err != nil {
		return Action{}, fmt.Errorf("failed to enqueue %s: %w", kind, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Action{}, fmt.Errorf("failed to read action id: %w", err)
	}

	return Action{
		ID:         id,
		Kind:       kind,
		Payload:    data,
		EnqueuedAt: time.UnixMilli(now.UnixMilli()),
	}, nil
}

// List returns every queued action in enqueue order.
func (s *Store) List(ctx context.Context) ([]Action, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, kind, payload, retry_count, enqueued_at FROM offline_queue ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	defer rows.Close()

	var actions []Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// Get returns a single action by id.
func (s *Store) Get(ctx context.Context, id int64) (Action, error) {
	if s.closed.Load() {
		return Action{}, ErrClosed
	}
	row := s.db.QueryRowContext(ctx,
		"SELECT id, kind, payload, retry_count, enqueued_at FROM offline_queue WHERE id = ?", id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Action{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return a, err
}

// Remove deletes an action. Removing a missing id returns ErrNotFound.
func (s *Store) Remove(ctx context.Context, id int64) error {
	if s.closed.Load() {
		return ErrClosed
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM offline_queue WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to remove action %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

// RemoveByConversation deletes every queued send_message action addressed to
// conversationID and returns how many were dropped.
func (s *Store) RemoveByConversation(ctx context.Context, conversationID string) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM offline_queue WHERE kind = ? AND json_extract(payload, '$.conversation_id') = ?",
		string(KindSendMessage), conversationID)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sends for %s: %w", conversationID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// IncrementRetry bumps the retry count and returns the new value.
func (s *Store) IncrementRetry(ctx context.Context, id int64) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		"UPDATE offline_queue SET retry_count = retry_count + 1 WHERE id = ? RETURNING retry_count", id).
		Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment retry for %d: %w", id, err)
	}
	return count, nil
}

// Len returns the number of queued actions.
func (s *Store) Len(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM offline_queue").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

// Clear removes every queued action.
func (s *Store) Clear(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM offline_queue"); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanAction(row scanner) (Action, error) {
	var (
		a        Action
		kind     string
		payload  string
		enqueued int64
	)
	if err := row.Scan(&a.ID, &kind, &payload, &a.RetryCount, &enqueued); err != nil {
		return Action{}, err
	}
	a.Kind = Kind(kind)
	a.Payload = json.RawMessage(payload)
	a.EnqueuedAt = time.UnixMilli(enqueued)
	return a, nil
}
