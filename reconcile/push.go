// ABOUTME: Per-key push and commit under the key lock, plus upstream deletion handling
// ABOUTME: A key's merged record, source hashes and push errors are committed together
package reconcile

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/rs/zerolog"

	"github.com/harperreed/contactsync/connectors"
	"github.com/harperreed/contactsync/db"
	cerrors "github.com/harperreed/contactsync/errors"
	"github.com/harperreed/contactsync/models"
)

type keyResult struct {
	changed  bool
	pushed   int
	failures int
	removed  int
}

// reconcileKey re-plans w under its lock, pushes to every target and
// commits the outcome in one transaction. Only fatal errors are returned.
func (e *Engine) reconcileKey(ctx context.Context, run *runContext, w *keyWork) (keyResult, error) {
	var res keyResult

	release, err := e.locks.Lock(ctx, w.lockKeys()...)
	if err != nil {
		return res, err
	}
	defer release()

	p, err := e.plan(ctx, run, w)
	if err != nil {
		return res, err
	}
	if p.empty || !p.dirty {
		return res, nil
	}

	logger := run.logger.With().Str("key", w.key).Logger()
	merged := p.merged
	hashes := maps.Clone(p.hashes)
	var pushErrs []db.PushError
	failed := map[models.Source]bool{}
	explicitRemoval := false

	for _, s := range p.targets {
		if !run.isAvailable(s) {
			continue
		}
		conn, ok := e.registry.Get(s)
		if !ok {
			continue
		}

		hadID := merged.SourceIDs[s] != ""
		nativeID, err := withReauth(ctx, conn, logger, func() (string, error) {
			return conn.PushContact(ctx, merged)
		})
		switch {
		case err == nil:
			if !hadID {
				merged = withSourceID(merged, s, nativeID)
			}
			hashes[s] = connectors.ProjectedHash(conn, merged)
			res.pushed++
			logger.Debug().Str("source", string(s)).Bool("created", !hadID).Msg("pushed contact")

		case ctx.Err() != nil:
			return res, err

		case hadID && cerrors.Is(err, cerrors.ErrNotFound):
			// deleted upstream since the last fetch
			merged = merged.RemoveSource(s, e.now())
			delete(hashes, s)
			explicitRemoval = true
			res.removed++
			logger.Info().Str("source", string(s)).Msg("contact gone upstream, mapping removed")

		default:
			if cerrors.Is(err, cerrors.ErrRateLimited) {
				run.markLimited(s)
				e.recordSourceError(ctx, logger.With().Str("source", string(s)).Logger(), s, err)
			}
			failed[s] = true
			pushErrs = append(pushErrs, db.PushError{
				Source:  s,
				Kind:    cerrors.KindOf(err).String(),
				Message: err.Error(),
			})
			res.failures++
			logger.Warn().Err(err).Str("source", string(s)).Msg("push failed")
		}
	}

	merged = models.Normalize(merged)
	merged.ContentHash = models.Hash(merged)

	commit := db.Commit{Key: w.key, DeleteKeys: p.deleteKeys, PushErrors: pushErrs}
	for _, s := range e.registry.Sources() {
		if !failed[s] {
			commit.ClearPushErrors = append(commit.ClearPushErrors, s)
		}
	}
	if len(merged.SourceIDs) > 0 || !explicitRemoval {
		commit.Record = &db.ContactRecord{
			MergeKey:     w.key,
			Contact:      merged,
			SourceHashes: hashes,
			LastSyncedAt: e.now(),
		}
	}
	if err := e.store.CommitKey(ctx, commit); err != nil {
		return res, err
	}

	res.changed = p.stored == nil || p.stored.Contact.ContentHash != merged.ContentHash || commit.Record == nil
	return res, nil
}

func withSourceID(c models.Contact, s models.Source, id string) models.Contact {
	out := c.Clone()
	if out.SourceIDs == nil {
		out.SourceIDs = map[models.Source]string{}
	}
	out.SourceIDs[s] = id
	return out
}

// HandleDeletion removes the mapping for a native id a source reported
// deleted. The record goes away once no source holds it. It reports whether
// a mapping was removed.
func (e *Engine) HandleDeletion(ctx context.Context, source models.Source, nativeID string, at time.Time) (bool, error) {
	logger := e.logger.With().Str("source", string(source)).Str("native_id", nativeID).Logger()
	return e.removeMapping(ctx, logger, source, nativeID, at)
}

func (e *Engine) removeMapping(ctx context.Context, logger zerolog.Logger, source models.Source, nativeID string, at time.Time) (bool, error) {
	key, err := e.store.FindKeyBySource(ctx, source, nativeID)
	if err != nil || key == "" {
		return false, err
	}

	release, err := e.locks.Lock(ctx, key)
	if err != nil {
		return false, err
	}
	defer release()

	rec, err := e.store.GetContact(ctx, key)
	if err != nil {
		return false, err
	}
	if rec == nil || rec.Contact.SourceIDs[source] != nativeID {
		return false, nil
	}

	c := rec.Contact.RemoveSource(source, at)
	hashes := maps.Clone(rec.SourceHashes)
	delete(hashes, source)

	commit := db.Commit{Key: key, ClearPushErrors: []models.Source{source}}
	if len(c.SourceIDs) > 0 {
		commit.Record = &db.ContactRecord{MergeKey: key, Contact: c, SourceHashes: hashes, LastSyncedAt: e.now()}
	}
	if err := e.store.CommitKey(ctx, commit); err != nil {
		return false, err
	}

	logger.Info().Str("key", key).Bool("record_removed", commit.Record == nil).Msg("source deleted contact")
	return true, nil
}

// HandleChange reconciles the contact behind one native id: it is fetched
// from its source and the key it resolves to is synced. A record the source
// no longer has is handled as a deletion.
func (e *Engine) HandleChange(ctx context.Context, source models.Source, nativeID string, reason Reason) (*Report, error) {
	conn, ok := e.registry.Get(source)
	if !ok {
		return nil, fmt.Errorf("%w: unknown source %q", cerrors.ErrInvalidInput, source)
	}

	key, err := e.store.FindKeyBySource(ctx, source, nativeID)
	if err != nil {
		return nil, err
	}

	if nf, ok := conn.(connectors.NativeFetcher); ok {
		c, err := withReauth(ctx, conn, e.logger, func() (*models.Contact, error) {
			return nf.FetchByNativeID(ctx, nativeID)
		})
		switch {
		case cerrors.Is(err, cerrors.ErrNotFound) || (err == nil && c == nil):
			if _, err := e.HandleDeletion(ctx, source, nativeID, e.now()); err != nil {
				return nil, err
			}
			return nil, nil
		case err != nil:
			return nil, err
		}
		if k := models.StoreKey(*c); k != "" {
			key = k
		}
	}
	if key == "" {
		key = models.KeylessKey(source, nativeID)
	}
	return e.Run(ctx, KeySync(key, reason))
}
