// ABOUTME: Groups fetched records by merge key and plans the merged result for each key
// ABOUTME: Handles keyless records gaining an email and native ids moving between keys
package reconcile

import (
	"context"
	"maps"
	"sort"

	"github.com/rs/zerolog"

	"github.com/harperreed/contactsync/connectors"
	"github.com/harperreed/contactsync/db"
	"github.com/harperreed/contactsync/models"
)

type deletion struct {
	source   models.Source
	nativeID string
}

// detachment moves a native id off the record it was stored under.
type detachment struct {
	from     string
	source   models.Source
	nativeID string
}

type reportedHash struct {
	nativeID string
	hash     string
}

// keyWork is everything one cycle knows about a single store key.
type keyWork struct {
	key      string
	incoming []models.Contact
	absorb   []string
	detach   []detachment
	reported map[models.Source]reportedHash
	carryID  string
}

func (w *keyWork) lockKeys() []string {
	return append([]string{w.key}, w.absorb...)
}

func (w *keyWork) addAbsorb(key string) {
	for _, k := range w.absorb {
		if k == key {
			return
		}
	}
	w.absorb = append(w.absorb, key)
}

// group assigns every fetched record to the key it belongs under and
// collects the deletions sources reported.
func (e *Engine) group(ctx context.Context, run *runContext, outcomes []fetchOutcome) (map[string]*keyWork, []deletion, error) {
	work := map[string]*keyWork{}
	get := func(key string) *keyWork {
		w, ok := work[key]
		if !ok {
			w = &keyWork{key: key, reported: map[models.Source]reportedHash{}}
			work[key] = w
		}
		return w
	}
	if !run.trigger.Scope.Full() {
		get(run.trigger.Scope.Key)
	}

	type item struct {
		conn connectors.Connector
		c    models.Contact
	}
	var items []item
	var deletions []deletion
	for _, o := range outcomes {
		if o.result == nil {
			continue
		}
		for _, c := range o.result.Contacts {
			items = append(items, item{conn: o.conn, c: models.Normalize(c)})
		}
		for _, id := range o.result.Deleted {
			deletions = append(deletions, deletion{source: o.source, nativeID: id})
		}
	}

	// fold order is fixed so the merged result does not depend on fetch timing
	sort.SliceStable(items, func(i, j int) bool {
		si, sj := items[i].conn.Name(), items[j].conn.Name()
		if ri, rj := e.policy.Rank(si), e.policy.Rank(sj); ri != rj {
			return ri < rj
		}
		return items[i].c.SourceIDs[si] < items[j].c.SourceIDs[sj]
	})

	for _, it := range items {
		src := it.conn.Name()
		id := it.c.SourceIDs[src]
		key := models.StoreKey(it.c)
		if key == "" {
			continue
		}

		var oldKey string
		if id != "" {
			k, err := e.store.FindKeyBySource(ctx, src, id)
			if err != nil {
				return nil, nil, err
			}
			oldKey = k
		}

		var w *keyWork
		switch {
		case oldKey == "" || oldKey == key:
			w = get(key)
		case models.IsKeylessKey(key):
			// lost its email upstream; stays with the record it was stored under
			w = get(oldKey)
		case models.IsKeylessKey(oldKey):
			w = get(key)
			w.addAbsorb(oldKey)
		default:
			w = get(key)
			w.detach = append(w.detach, detachment{from: oldKey, source: src, nativeID: id})
		}

		w.incoming = append(w.incoming, it.c)
		if id != "" {
			w.reported[src] = reportedHash{nativeID: id, hash: connectors.ProjectedHash(it.conn, it.c)}
		}
	}

	if run.trigger.Scope.Full() {
		for key := range run.pending {
			get(key)
		}
	}
	return work, deletions, nil
}

// planAll applies detachments and returns, in key order, the keys whose
// state or upstream copies need to change.
func (e *Engine) planAll(ctx context.Context, run *runContext, work map[string]*keyWork) ([]*keyWork, error) {
	keys := make([]string, 0, len(work))
	for k := range work {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var dirty []*keyWork
	for _, k := range keys {
		w := work[k]
		for _, d := range w.detach {
			carried, err := e.detach(ctx, run.logger, d)
			if err != nil {
				return nil, err
			}
			if carried != "" && w.carryID == "" {
				w.carryID = carried
			}
		}

		p, err := e.plan(ctx, run, w)
		if err != nil {
			return nil, err
		}
		if p.dirty {
			dirty = append(dirty, w)
		}
	}
	return dirty, nil
}

// detach removes a native id from the record it no longer belongs to. It
// returns the record's internal id when the record is left without sources.
func (e *Engine) detach(ctx context.Context, logger zerolog.Logger, d detachment) (string, error) {
	release, err := e.locks.Lock(ctx, d.from)
	if err != nil {
		return "", err
	}
	defer release()

	rec, err := e.store.GetContact(ctx, d.from)
	if err != nil {
		return "", err
	}
	if rec == nil || rec.Contact.SourceIDs[d.source] != d.nativeID {
		return "", nil
	}

	now := e.now()
	c := rec.Contact.RemoveSource(d.source, now)
	hashes := maps.Clone(rec.SourceHashes)
	delete(hashes, d.source)

	commit := db.Commit{Key: d.from, ClearPushErrors: []models.Source{d.source}}
	carried := ""
	if len(c.SourceIDs) == 0 {
		carried = c.InternalID
	} else {
		commit.Record = &db.ContactRecord{MergeKey: d.from, Contact: c, SourceHashes: hashes, LastSyncedAt: now}
	}
	if err := e.store.CommitKey(ctx, commit); err != nil {
		return "", err
	}

	logger.Info().
		Str("from", d.from).
		Str("source", string(d.source)).
		Str("native_id", d.nativeID).
		Bool("removed", commit.Record == nil).
		Msg("native id moved to a new merge key")
	return carried, nil
}

// keyPlan is the merged view of one key and what must be sent upstream.
type keyPlan struct {
	stored     *db.ContactRecord
	merged     models.Contact
	hashes     map[models.Source]string
	deleteKeys []string
	targets    []models.Source
	empty      bool
	dirty      bool
}

// plan folds the stored record, fetched records and absorbed keyless
// records for w. It reads the store but never writes it.
func (e *Engine) plan(ctx context.Context, run *runContext, w *keyWork) (*keyPlan, error) {
	stored, err := e.store.GetContact(ctx, w.key)
	if err != nil {
		return nil, err
	}

	p := &keyPlan{stored: stored, hashes: map[models.Source]string{}}
	var acc *models.Contact
	if stored != nil {
		c := stored.Contact
		acc = &c
		maps.Copy(p.hashes, stored.SourceHashes)
	}

	absorbed := make([]*db.ContactRecord, len(w.absorb))
	carryID := w.carryID
	for i, k := range w.absorb {
		rec, err := e.store.GetContact(ctx, k)
		if err != nil {
			return nil, err
		}
		absorbed[i] = rec
		if rec != nil && carryID == "" {
			carryID = rec.Contact.InternalID
		}
	}

	fold := func(c models.Contact, origin string) bool {
		if acc == nil && carryID != "" && c.InternalID == "" {
			c.InternalID = carryID
		}
		m, err := models.Merge(acc, c, e.policy)
		if err != nil {
			run.logger.Warn().Err(err).Str("key", w.key).Str("origin", origin).Msg("skipping record that belongs to another key")
			return false
		}
		acc = &m
		return true
	}

	for _, c := range w.incoming {
		fold(c, "fetch")
	}
	for i, rec := range absorbed {
		k := w.absorb[i]
		if rec == nil || !fold(rec.Contact, k) {
			continue
		}
		p.deleteKeys = append(p.deleteKeys, k)
		for s, h := range rec.SourceHashes {
			if _, ok := p.hashes[s]; !ok {
				p.hashes[s] = h
			}
		}
	}

	if acc == nil {
		p.empty = true
		return p, nil
	}
	p.merged = *acc

	for s, r := range w.reported {
		if p.merged.SourceIDs[s] == r.nativeID {
			p.hashes[s] = r.hash
		}
	}
	for s := range p.hashes {
		if p.merged.SourceIDs[s] == "" {
			delete(p.hashes, s)
		}
	}

	p.targets = e.pushTargets(run, w.key, p)

	switch {
	case stored == nil:
		p.dirty = true
	case stored.Contact.ContentHash != p.merged.ContentHash:
		p.dirty = true
	case len(p.targets) > 0 || len(p.deleteKeys) > 0:
		p.dirty = true
	case !maps.Equal(stored.SourceHashes, p.hashes):
		p.dirty = true
	case run.pending[w.key]:
		p.dirty = true
	}
	return p, nil
}

// pushTargets lists the sources whose copy of the merged contact is missing
// or differs from what they last held.
func (e *Engine) pushTargets(run *runContext, key string, p *keyPlan) []models.Source {
	if models.IsKeylessKey(key) {
		return nil
	}

	var targets []models.Source
	for _, conn := range e.registry.List() {
		s := conn.Name()
		if !connectors.Pushable(conn) || !run.isAvailable(s) {
			continue
		}
		if p.merged.SourceIDs[s] != "" {
			if p.hashes[s] != connectors.ProjectedHash(conn, p.merged) {
				targets = append(targets, s)
			}
			continue
		}
		if !p.merged.Tombstoned(s) && models.MergeKey(p.merged) != "" {
			targets = append(targets, s)
		}
	}
	return targets
}
