// ABOUTME: Database operations for the reconciled contact index
// ABOUTME: Per merge key records, native id lookup and atomic per-key commits
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/harperreed/contactsync/models"
)

// ContactRecord is one reconciled contact as persisted under its store key.
type ContactRecord struct {
	MergeKey string
	Contact  models.Contact
	// SourceHashes holds, per source, the field hash of what that source
	// last reported or was last sent.
	SourceHashes map[models.Source]string
	LastSyncedAt time.Time
}

// Commit is the unit of atomic change for one merge key.
type Commit struct {
	// Key is the store key being committed.
	Key string
	// Record replaces the row under Key; nil deletes it.
	Record *ContactRecord
	// DeleteKeys removes other rows folded into Key, such as a keyless
	// record that gained an email.
	DeleteKeys []string
	// PushErrors records failed pushes for Key.
	PushErrors []PushError
	// ClearPushErrors drops pending push errors for these sources of Key.
	ClearPushErrors []models.Source
}

// GetContact returns the record stored under key, or nil if there is none.
func (s *Store) GetContact(ctx context.Context, key string) (*ContactRecord, error) {
	rec, err := getContact(ctx, s.db, key)
	return rec, storageErr("get contact", err)
}

func getContact(ctx context.Context, q queryer, key string) (*ContactRecord, error) {
	row := q.QueryRowContext(ctx, `
		SELECT merge_key, contact, source_hashes, last_synced_at
		FROM contact_state
		WHERE merge_key = ?
	`, key)

	rec, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	return rec, nil
}

// FindKeyBySource returns the store key holding the native id, or "".
func (s *Store) FindKeyBySource(ctx context.Context, source models.Source, nativeID string) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx, `
		SELECT merge_key FROM contact_sources
		WHERE source = ? AND native_id = ?
	`, string(source), nativeID).Scan(&key)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", storageErr("find by source", fmt.Errorf("failed to find contact by source id: %w", err))
	}
	return key, nil
}

// ListContacts returns every record ordered by store key.
func (s *Store) ListContacts(ctx context.Context) ([]ContactRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT merge_key, contact, source_hashes, last_synced_at
		FROM contact_state
		ORDER BY merge_key
	`)
	if err != nil {
		return nil, storageErr("list contacts", fmt.Errorf("failed to query contacts: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var out []ContactRecord
	for rows.Next() {
		rec, err := scanContact(rows)
		if err != nil {
			return nil, storageErr("list contacts", fmt.Errorf("failed to scan contact: %w", err))
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list contacts", fmt.Errorf("error iterating contacts: %w", err))
	}
	return out, nil
}

// CountContacts returns the total and keyless record counts.
func (s *Store) CountContacts(ctx context.Context) (total, keyless int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN merge_key LIKE '~%' THEN 1 ELSE 0 END), 0)
		FROM contact_state
	`).Scan(&total, &keyless)
	if err != nil {
		return 0, 0, storageErr("count contacts", fmt.Errorf("failed to count contacts: %w", err))
	}
	return total, keyless, nil
}

// CountBySource returns how many contacts each source holds a native id for.
func (s *Store) CountBySource(ctx context.Context) (map[models.Source]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, COUNT(*) FROM contact_sources GROUP BY source
	`)
	if err != nil {
		return nil, storageErr("count by source", fmt.Errorf("failed to count contacts by source: %w", err))
	}
	defer func() { _ = rows.Close() }()

	out := map[models.Source]int{}
	for rows.Next() {
		var src string
		var n int
		if err := rows.Scan(&src, &n); err != nil {
			return nil, storageErr("count by source", err)
		}
		out[models.Source(src)] = n
	}
	return out, storageErr("count by source", rows.Err())
}

// SaveContact stores rec under its key outside of any reconciliation run.
func (s *Store) SaveContact(ctx context.Context, rec ContactRecord) error {
	return s.CommitKey(ctx, Commit{Key: rec.MergeKey, Record: &rec})
}

// DeleteContact removes the record stored under key.
func (s *Store) DeleteContact(ctx context.Context, key string) error {
	return s.CommitKey(ctx, Commit{Key: key})
}

// CommitKey applies c in a single transaction: either every row changes or none does.
func (s *Store) CommitKey(ctx context.Context, c Commit) error {
	return s.withTx(ctx, "commit "+c.Key, func(tx *sql.Tx) error {
		for _, k := range c.DeleteKeys {
			if k == c.Key {
				continue
			}
			if err := deleteContact(ctx, tx, k); err != nil {
				return err
			}
		}

		if c.Record == nil {
			if err := deleteContact(ctx, tx, c.Key); err != nil {
				return err
			}
		} else if err := upsertContact(ctx, tx, c.Key, *c.Record); err != nil {
			return err
		}

		for _, src := range c.ClearPushErrors {
			if err := clearPushError(ctx, tx, c.Key, src); err != nil {
				return err
			}
		}
		for _, pe := range c.PushErrors {
			pe.MergeKey = c.Key
			if err := recordPushError(ctx, tx, pe); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertContact(ctx context.Context, tx *sql.Tx, key string, rec ContactRecord) error {
	c := rec.Contact
	contactJSON, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode contact: %w", err)
	}
	idsJSON, err := marshalMap(c.SourceIDs)
	if err != nil {
		return err
	}
	tsJSON, err := marshalMap(c.SourceTimestamps)
	if err != nil {
		return err
	}
	hashesJSON, err := marshalMap(rec.SourceHashes)
	if err != nil {
		return err
	}
	syncedAt := rec.LastSyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO contact_state (merge_key, internal_id, source_ids, content_hash, source_timestamps, source_hashes, contact, last_synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(merge_key) DO UPDATE SET
			internal_id = excluded.internal_id,
			source_ids = excluded.source_ids,
			content_hash = excluded.content_hash,
			source_timestamps = excluded.source_timestamps,
			source_hashes = excluded.source_hashes,
			contact = excluded.contact,
			last_synced_at = excluded.last_synced_at
	`, key, c.InternalID, idsJSON, c.ContentHash, tsJSON, hashesJSON, contactJSON, syncedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save contact: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM contact_sources WHERE merge_key = ?`, key); err != nil {
		return fmt.Errorf("failed to clear source index: %w", err)
	}
	for src, id := range c.SourceIDs {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO contact_sources (source, native_id, merge_key)
			VALUES (?, ?, ?)
		`, string(src), id, key)
		if err != nil {
			return fmt.Errorf("failed to index source id: %w", err)
		}
	}
	return nil
}

func deleteContact(ctx context.Context, tx *sql.Tx, key string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM contact_sources WHERE merge_key = ?`, key); err != nil {
		return fmt.Errorf("failed to clear source index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM push_errors WHERE merge_key = ?`, key); err != nil {
		return fmt.Errorf("failed to clear push errors: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM contact_state WHERE merge_key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete contact: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(row rowScanner) (*ContactRecord, error) {
	var rec ContactRecord
	var contactJSON, hashesJSON string
	if err := row.Scan(&rec.MergeKey, &contactJSON, &hashesJSON, &rec.LastSyncedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(contactJSON), &rec.Contact); err != nil {
		return nil, fmt.Errorf("failed to decode contact %s: %w", rec.MergeKey, err)
	}
	if hashesJSON != "" && hashesJSON != "null" {
		if err := json.Unmarshal([]byte(hashesJSON), &rec.SourceHashes); err != nil {
			return nil, fmt.Errorf("failed to decode source hashes %s: %w", rec.MergeKey, err)
		}
	}
	return &rec, nil
}

func marshalMap[K comparable, V any](m map[K]V) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode map: %w", err)
	}
	return string(b), nil
}
