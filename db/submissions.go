// ABOUTME: Database operations for locally accumulated form submissions
// ABOUTME: Submissions are append-only; the form connector reads them back as contacts
package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/harperreed/contactsync/models"
	"github.com/oklog/ulid/v2"
)

// StoredSubmission is a submission with its intake metadata.
type StoredSubmission struct {
	models.Submission
	ReceivedAt time.Time
}

// AddSubmission stores sub and returns its id. Submissions without an id get a ULID.
func (s *Store) AddSubmission(ctx context.Context, sub models.Submission, receivedAt time.Time) (string, error) {
	if sub.ID == "" {
		sub.ID = ulid.Make().String()
	}
	payload, err := json.Marshal(sub)
	if err != nil {
		return "", fmt.Errorf("failed to encode submission: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO form_submissions (id, email, payload, received_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			payload = excluded.payload
	`, sub.ID, models.NormalizeEmail(sub.Email), string(payload), receivedAt.UTC())
	if err != nil {
		return "", storageErr("add submission", fmt.Errorf("failed to store submission: %w", err))
	}
	return sub.ID, nil
}

// ListSubmissions returns submissions in intake order, optionally only those for one email.
func (s *Store) ListSubmissions(ctx context.Context, email string) ([]StoredSubmission, error) {
	query := `SELECT payload, received_at FROM form_submissions`
	var args []any
	if email != "" {
		query += ` WHERE email = ?`
		args = append(args, models.NormalizeEmail(email))
	}
	query += ` ORDER BY received_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list submissions", fmt.Errorf("failed to query submissions: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var out []StoredSubmission
	for rows.Next() {
		var payload string
		var ss StoredSubmission
		if err := rows.Scan(&payload, &ss.ReceivedAt); err != nil {
			return nil, storageErr("list submissions", fmt.Errorf("failed to scan submission: %w", err))
		}
		if err := json.Unmarshal([]byte(payload), &ss.Submission); err != nil {
			return nil, storageErr("list submissions", fmt.Errorf("failed to decode submission: %w", err))
		}
		out = append(out, ss)
	}
	return out, storageErr("list submissions", rows.Err())
}
