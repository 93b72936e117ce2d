// ABOUTME: Database operations for pending push failures
// ABOUTME: One row per merge key and source, retried on the next reconciliation cycle
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/harperreed/contactsync/models"
)

// PushError is a push to one source that failed and awaits retry.
type PushError struct {
	MergeKey  string
	Source    models.Source
	Kind      string
	Message   string
	Attempts  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

func recordPushError(ctx context.Context, q queryer, pe PushError) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO push_errors (merge_key, source, kind, message, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(merge_key, source) DO UPDATE SET
			kind = excluded.kind,
			message = excluded.message,
			attempts = push_errors.attempts + 1,
			updated_at = CURRENT_TIMESTAMP
	`, pe.MergeKey, string(pe.Source), pe.Kind, pe.Message)
	if err != nil {
		return fmt.Errorf("failed to record push error: %w", err)
	}
	return nil
}

func clearPushError(ctx context.Context, q queryer, key string, source models.Source) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM push_errors WHERE merge_key = ? AND source = ?
	`, key, string(source))
	if err != nil {
		return fmt.Errorf("failed to clear push error: %w", err)
	}
	return nil
}

// ListPushErrors returns pending push errors, optionally for a single key.
func (s *Store) ListPushErrors(ctx context.Context, key string) ([]PushError, error) {
	query := `
		SELECT merge_key, source, kind, message, attempts, created_at, updated_at
		FROM push_errors
	`
	var args []any
	if key != "" {
		query += ` WHERE merge_key = ?`
		args = append(args, key)
	}
	query += ` ORDER BY merge_key, source`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list push errors", fmt.Errorf("failed to query push errors: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var out []PushError
	for rows.Next() {
		var pe PushError
		var src string
		if err := rows.Scan(&pe.MergeKey, &src, &pe.Kind, &pe.Message, &pe.Attempts, &pe.CreatedAt, &pe.UpdatedAt); err != nil {
			return nil, storageErr("list push errors", fmt.Errorf("failed to scan push error: %w", err))
		}
		pe.Source = models.Source(src)
		out = append(out, pe)
	}
	return out, storageErr("list push errors", rows.Err())
}

// PendingPushKeys returns the set of keys with at least one failed push.
func (s *Store) PendingPushKeys(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT merge_key FROM push_errors`)
	if err != nil {
		return nil, storageErr("pending push keys", fmt.Errorf("failed to query push errors: %w", err))
	}
	defer func() { _ = rows.Close() }()

	out := map[string]bool{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, storageErr("pending push keys", err)
		}
		out[key] = true
	}
	return out, storageErr("pending push keys", rows.Err())
}

// CountPushErrors returns the number of pending push errors.
func (s *Store) CountPushErrors(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM push_errors`).Scan(&n)
	if err != nil && err != sql.ErrNoRows {
		return 0, storageErr("count push errors", fmt.Errorf("failed to count push errors: %w", err))
	}
	return n, nil
}
