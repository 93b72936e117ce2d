// ABOUTME: Database operations for the reconciliation run log
// ABOUTME: One row per cycle with its scope, final state and counters
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SyncRun is the log entry for one reconciliation cycle.
type SyncRun struct {
	ID           string     `json:"id"`
	Scope        string     `json:"scope"`
	Reason       string     `json:"reason"`
	State        string     `json:"state"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Fetched      int        `json:"fetched"`
	Changed      int        `json:"changed"`
	Pushed       int        `json:"pushed"`
	PushFailures int        `json:"push_failures"`
	ErrorMessage *string    `json:"error_message,omitempty"`
}

// RecordRun inserts or updates a run log entry.
func (s *Store) RecordRun(ctx context.Context, run SyncRun) error {
	var finished sql.NullTime
	if run.FinishedAt != nil {
		finished = sql.NullTime{Time: run.FinishedAt.UTC(), Valid: true}
	}
	var errMsg sql.NullString
	if run.ErrorMessage != nil {
		errMsg = sql.NullString{String: *run.ErrorMessage, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (id, scope, reason, state, started_at, finished_at, fetched, changed, pushed, push_failures, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			finished_at = excluded.finished_at,
			fetched = excluded.fetched,
			changed = excluded.changed,
			pushed = excluded.pushed,
			push_failures = excluded.push_failures,
			error_message = excluded.error_message
	`, run.ID, run.Scope, run.Reason, run.State, run.StartedAt.UTC(), finished,
		run.Fetched, run.Changed, run.Pushed, run.PushFailures, errMsg)
	if err != nil {
		return storageErr("record run", fmt.Errorf("failed to record sync run: %w", err))
	}
	return nil
}

// LastRun returns the most recently started run, or nil.
func (s *Store) LastRun(ctx context.Context) (*SyncRun, error) {
	var run SyncRun
	var finished sql.NullTime
	var errMsg sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, scope, reason, state, started_at, finished_at, fetched, changed, pushed, push_failures, error_message
		FROM sync_runs
		ORDER BY started_at DESC, id DESC
		LIMIT 1
	`).Scan(&run.ID, &run.Scope, &run.Reason, &run.State, &run.StartedAt, &finished,
		&run.Fetched, &run.Changed, &run.Pushed, &run.PushFailures, &errMsg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("last run", fmt.Errorf("failed to get last sync run: %w", err))
	}
	if finished.Valid {
		run.FinishedAt = &finished.Time
	}
	if errMsg.Valid {
		run.ErrorMessage = &errMsg.String
	}
	return &run, nil
}
