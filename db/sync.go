// ABOUTME: Database operations for the sync_state table
// ABOUTME: Tracks per-source status, change tokens, error counts and rate limit back-off
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Sync status values.
const (
	StatusIdle  = "idle"
	StatusError = "error"
	StatusStale = "stale"
)

// SyncState represents the sync state for a source.
type SyncState struct {
	Service       string
	LastSyncTime  *time.Time
	LastSyncToken *string
	Status        string
	ErrorMessage  *string
	ErrorKind     *string
	ErrorCount    int
	LastErrorAt   *time.Time
	RetryAfter    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Token returns the stored change token, or "".
func (s *SyncState) Token() string {
	if s == nil || s.LastSyncToken == nil {
		return ""
	}
	return *s.LastSyncToken
}

// BackingOff reports whether the source asked not to be contacted before now.
func (s *SyncState) BackingOff(now time.Time) bool {
	return s != nil && s.RetryAfter != nil && now.Before(*s.RetryAfter)
}

const syncStateColumns = `service, last_sync_time, last_sync_token, status, error_message, error_kind,
	error_count, last_error_at, retry_after, created_at, updated_at`

// GetSyncState retrieves the sync state for a source, or nil if it never synced.
func (s *Store) GetSyncState(ctx context.Context, service string) (*SyncState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+syncStateColumns+`
		FROM sync_state
		WHERE service = ?
	`, service)

	state, err := scanSyncState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get sync state", fmt.Errorf("failed to get sync state: %w", err))
	}
	return state, nil
}

// GetAllSyncStates retrieves the sync state for all sources.
func (s *Store) GetAllSyncStates(ctx context.Context) ([]SyncState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+syncStateColumns+`
		FROM sync_state
		ORDER BY service
	`)
	if err != nil {
		return nil, storageErr("list sync states", fmt.Errorf("failed to query sync states: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var states []SyncState
	for rows.Next() {
		state, err := scanSyncState(rows)
		if err != nil {
			return nil, storageErr("list sync states", fmt.Errorf("failed to scan sync state: %w", err))
		}
		states = append(states, *state)
	}

	if err := rows.Err(); err != nil {
		return nil, storageErr("list sync states", fmt.Errorf("error iterating sync states: %w", err))
	}

	return states, nil
}

// UpdateSyncStatus sets the status for a source without touching its token.
func (s *Store) UpdateSyncStatus(ctx context.Context, service, status string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (service, status, created_at, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(service) DO UPDATE SET
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP
	`, service, status)
	if err != nil {
		return storageErr("update sync status", fmt.Errorf("failed to update sync status: %w", err))
	}
	return nil
}

// RecordSyncError marks a source as failed. A non-nil retryAfter marks it
// stale until that time instead.
func (s *Store) RecordSyncError(ctx context.Context, service, kind, message string, at time.Time, retryAfter *time.Time) error {
	status := StatusError
	var retry sql.NullTime
	if retryAfter != nil {
		status = StatusStale
		retry = sql.NullTime{Time: retryAfter.UTC(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (service, status, error_message, error_kind, error_count, last_error_at, retry_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(service) DO UPDATE SET
			status = excluded.status,
			error_message = excluded.error_message,
			error_kind = excluded.error_kind,
			error_count = sync_state.error_count + 1,
			last_error_at = excluded.last_error_at,
			retry_after = excluded.retry_after,
			updated_at = CURRENT_TIMESTAMP
	`, service, status, message, kind, at.UTC(), retry)
	if err != nil {
		return storageErr("record sync error", fmt.Errorf("failed to record sync error: %w", err))
	}
	return nil
}

// CommitSync records a completed sync for a source. An empty token keeps the previous one.
func (s *Store) CommitSync(ctx context.Context, service, token string, at time.Time) error {
	var tok sql.NullString
	if token != "" {
		tok = sql.NullString{String: token, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (service, last_sync_time, last_sync_token, status, created_at, updated_at)
		VALUES (?, ?, ?, 'idle', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(service) DO UPDATE SET
			last_sync_time = excluded.last_sync_time,
			last_sync_token = COALESCE(excluded.last_sync_token, sync_state.last_sync_token),
			status = 'idle',
			retry_after = NULL,
			updated_at = CURRENT_TIMESTAMP
	`, service, at.UTC(), tok)
	if err != nil {
		return storageErr("commit sync", fmt.Errorf("failed to update sync token: %w", err))
	}
	return nil
}

// ResetSyncToken forgets the change token so the next sync is a full fetch.
func (s *Store) ResetSyncToken(ctx context.Context, service string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_state SET last_sync_token = NULL, updated_at = CURRENT_TIMESTAMP WHERE service = ?
	`, service)
	if err != nil {
		return storageErr("reset sync token", fmt.Errorf("failed to reset sync token: %w", err))
	}
	return nil
}

func scanSyncState(row rowScanner) (*SyncState, error) {
	var state SyncState
	var lastSyncTime, lastErrorAt, retryAfter sql.NullTime
	var lastSyncToken, errorMessage, errorKind sql.NullString

	err := row.Scan(
		&state.Service,
		&lastSyncTime,
		&lastSyncToken,
		&state.Status,
		&errorMessage,
		&errorKind,
		&state.ErrorCount,
		&lastErrorAt,
		&retryAfter,
		&state.CreatedAt,
		&state.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastSyncTime.Valid {
		state.LastSyncTime = &lastSyncTime.Time
	}
	if lastSyncToken.Valid {
		state.LastSyncToken = &lastSyncToken.String
	}
	if errorMessage.Valid {
		state.ErrorMessage = &errorMessage.String
	}
	if errorKind.Valid {
		state.ErrorKind = &errorKind.String
	}
	if lastErrorAt.Valid {
		state.LastErrorAt = &lastErrorAt.Time
	}
	if retryAfter.Valid {
		state.RetryAfter = &retryAfter.Time
	}

	return &state, nil
}
