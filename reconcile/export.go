// ABOUTME: Portable JSON export and import of the reconciled contact set
// ABOUTME: Export is ordered by store key, so exporting an import reproduces the input
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/harperreed/contactsync/db"
	cerrors "github.com/harperreed/contactsync/errors"
	"github.com/harperreed/contactsync/models"
)

// Export writes every stored contact as an indented JSON array.
func (e *Engine) Export(ctx context.Context, w io.Writer) (int, error) {
	recs, err := e.store.ListContacts(ctx)
	if err != nil {
		return 0, err
	}

	contacts := make([]models.Contact, 0, len(recs))
	for _, rec := range recs {
		contacts = append(contacts, rec.Contact)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(contacts); err != nil {
		return 0, fmt.Errorf("failed to encode contacts: %w", err)
	}
	return len(contacts), nil
}

// ImportResult counts what Import did.
type ImportResult struct {
	Created int
	Merged  int
	Skipped int
}

// Import reads a JSON array written by Export. Records for a key already in
// the store are merged into it; internal ids are kept.
func (e *Engine) Import(ctx context.Context, r io.Reader) (ImportResult, error) {
	var res ImportResult
	var contacts []models.Contact
	if err := json.NewDecoder(r).Decode(&contacts); err != nil {
		return res, fmt.Errorf("%w: failed to decode contacts: %v", cerrors.ErrInvalidInput, err)
	}

	for _, c := range contacts {
		c = models.Normalize(c)
		key := models.StoreKey(c)
		if key == "" {
			res.Skipped++
			e.logger.Warn().Str("internal_id", c.InternalID).Msg("skipping contact without email or source id")
			continue
		}

		created, err := e.importOne(ctx, key, c)
		if err != nil {
			return res, err
		}
		if created {
			res.Created++
		} else {
			res.Merged++
		}
	}

	e.logger.Info().
		Int("created", res.Created).
		Int("merged", res.Merged).
		Int("skipped", res.Skipped).
		Msg("import finished")
	return res, nil
}

func (e *Engine) importOne(ctx context.Context, key string, c models.Contact) (bool, error) {
	release, err := e.locks.Lock(ctx, key)
	if err != nil {
		return false, err
	}
	defer release()

	stored, err := e.store.GetContact(ctx, key)
	if err != nil {
		return false, err
	}

	rec := db.ContactRecord{MergeKey: key, LastSyncedAt: e.now()}
	var existing *models.Contact
	if stored != nil {
		existing = &stored.Contact
		rec.SourceHashes = stored.SourceHashes
	}
	merged, err := models.Merge(existing, c, e.policy)
	if err != nil {
		return false, err
	}
	rec.Contact = merged

	if err := e.store.CommitKey(ctx, db.Commit{Key: key, Record: &rec}); err != nil {
		return false, err
	}
	return stored == nil, nil
}
