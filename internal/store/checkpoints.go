package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hyperengineering/labmirror/internal/types"
)

// GetOrCreateCheckpoint returns the checkpoint row for a kind, inserting a
// fresh never-synced row on first use.
func (s *SQLiteStore) GetOrCreateCheckpoint(ctx context.Context, kind types.EntityKind) (*types.Checkpoint, error) {
	cp, err := s.getCheckpoint(ctx, kind)
	if err == nil {
		return cp, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("load %s checkpoint: %w", kind, err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (entity, status, failed, updated_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(entity) DO NOTHING
	`, string(kind), types.StatusNever, now)
	if err != nil {
		return nil, fmt.Errorf("create %s checkpoint: %w", kind, err)
	}

	cp, err = s.getCheckpoint(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("reload %s checkpoint: %w", kind, err)
	}
	return cp, nil
}

func (s *SQLiteStore) getCheckpoint(ctx context.Context, kind types.EntityKind) (*types.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity, last_synced_at, last_cursor, last_id, status, message, failed, updated_at
		FROM sync_checkpoints WHERE entity = ?
	`, string(kind))
	return scanCheckpoint(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*types.Checkpoint, error) {
	var (
		cp       types.Checkpoint
		entity   string
		syncedAt sql.NullString
		cursor   sql.NullInt64
		lastID   sql.NullInt64
		message  sql.NullString
		updated  string
	)
	if err := row.Scan(&entity, &syncedAt, &cursor, &lastID, &cp.Status, &message, &cp.Failed, &updated); err != nil {
		return nil, err
	}
	cp.Entity = types.EntityKind(entity)
	cp.LastSyncedAt = parseTime(syncedAt)
	if cursor.Valid {
		v := int(cursor.Int64)
		cp.LastCursor = &v
	}
	cp.LastID = int64Ptr(lastID)
	cp.Message = message.String
	cp.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &cp, nil
}

// ResetCheckpoint clears the watermarks for a kind ahead of a full refresh.
func (s *SQLiteStore) ResetCheckpoint(ctx context.Context, kind types.EntityKind) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (entity, status, failed, updated_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(entity) DO UPDATE SET
			last_synced_at = NULL,
			last_cursor    = NULL,
			last_id        = NULL,
			status         = excluded.status,
			message        = NULL,
			failed         = 0,
			updated_at     = excluded.updated_at
	`, string(kind), types.StatusNever, now)
	if err != nil {
		return fmt.Errorf("reset %s checkpoint: %w", kind, err)
	}
	return nil
}

// MarkRunning flags a kind's sync as in progress and clears any prior failure.
func (s *SQLiteStore) MarkRunning(ctx context.Context, kind types.EntityKind) error {
	return s.setStatus(ctx, kind, types.StatusRunning, "", false)
}

// MarkCompleted flags a kind's sync as finished.
func (s *SQLiteStore) MarkCompleted(ctx context.Context, kind types.EntityKind, message string) error {
	return s.setStatus(ctx, kind, types.StatusCompleted, message, false)
}

// MarkFailed records a failed sync with its error message.
func (s *SQLiteStore) MarkFailed(ctx context.Context, kind types.EntityKind, message string) error {
	return s.setStatus(ctx, kind, types.StatusFailed, message, true)
}

func (s *SQLiteStore) setStatus(ctx context.Context, kind types.EntityKind, status, message string, failed bool) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (entity, status, message, failed, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity) DO UPDATE SET
			status     = excluded.status,
			message    = excluded.message,
			failed     = excluded.failed,
			updated_at = excluded.updated_at
	`, string(kind), status, nullableString(message), failed, now)
	if err != nil {
		return fmt.Errorf("mark %s %s: %w", kind, status, err)
	}
	return nil
}

// ListCheckpoints returns all checkpoint rows in dependency order.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context) ([]types.Checkpoint, error) {
	byKind := make(map[types.EntityKind]types.Checkpoint)

	rows, err := s.db.QueryContext(ctx, `
		SELECT entity, last_synced_at, last_cursor, last_id, status, message, failed, updated_at
		FROM sync_checkpoints
	`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		byKind[cp.Entity] = *cp
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ordered := make([]types.Checkpoint, 0, len(types.Kinds))
	for _, kind := range types.Kinds {
		if cp, ok := byKind[kind]; ok {
			ordered = append(ordered, cp)
		}
	}
	return ordered, nil
}
