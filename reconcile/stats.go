// ABOUTME: Aggregated sync statistics for the stats command and health endpoints
// ABOUTME: Combines record counts, per-source sync state, pending pushes and the last run
package reconcile

import (
	"context"
	"sort"
	"time"

	"github.com/harperreed/contactsync/db"
	"github.com/harperreed/contactsync/models"
)

// SourceStats describes one source's standing.
type SourceStats struct {
	Source        models.Source `json:"source"`
	Contacts      int           `json:"contacts"`
	Status        string        `json:"status"`
	LastSync      *time.Time    `json:"last_sync,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	ErrorKind     string        `json:"error_kind,omitempty"`
	ErrorCount    int           `json:"error_count"`
	LastErrorAt   *time.Time    `json:"last_error_at,omitempty"`
	RetryAfter    *time.Time    `json:"retry_after,omitempty"`
	PendingPushes int           `json:"pending_pushes"`
}

// Stats is a snapshot of the reconciled index.
type Stats struct {
	Total         int           `json:"total"`
	Keyless       int           `json:"keyless"`
	PendingPushes int           `json:"pending_pushes"`
	State         State         `json:"state"`
	Sources       []SourceStats `json:"sources"`
	LastRun       *db.SyncRun   `json:"last_run,omitempty"`
}

// Stats reads the current snapshot from the store.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	total, keyless, err := e.store.CountContacts(ctx)
	if err != nil {
		return nil, err
	}
	bySource, err := e.store.CountBySource(ctx)
	if err != nil {
		return nil, err
	}
	states, err := e.store.GetAllSyncStates(ctx)
	if err != nil {
		return nil, err
	}
	pushErrs, err := e.store.ListPushErrors(ctx, "")
	if err != nil {
		return nil, err
	}
	last, err := e.store.LastRun(ctx)
	if err != nil {
		return nil, err
	}

	st := &Stats{
		Total:         total,
		Keyless:       keyless,
		PendingPushes: len(pushErrs),
		State:         e.State(),
		LastRun:       last,
	}

	pending := map[models.Source]int{}
	for _, pe := range pushErrs {
		pending[pe.Source]++
	}
	synced := map[models.Source]db.SyncState{}
	for _, s := range states {
		synced[models.Source(s.Service)] = s
	}

	sources := e.registry.Sources()
	seen := map[models.Source]bool{}
	for _, s := range sources {
		seen[s] = true
	}
	var extra []models.Source
	for s := range synced {
		if !seen[s] {
			extra = append(extra, s)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	sources = append(sources, extra...)

	for _, s := range sources {
		ss := SourceStats{
			Source:        s,
			Contacts:      bySource[s],
			Status:        db.StatusIdle,
			PendingPushes: pending[s],
		}
		if state, ok := synced[s]; ok {
			ss.Status = state.Status
			ss.LastSync = state.LastSyncTime
			ss.ErrorCount = state.ErrorCount
			ss.LastErrorAt = state.LastErrorAt
			ss.RetryAfter = state.RetryAfter
			if state.ErrorMessage != nil {
				ss.LastError = *state.ErrorMessage
			}
			if state.ErrorKind != nil {
				ss.ErrorKind = *state.ErrorKind
			}
		}
		st.Sources = append(st.Sources, ss)
	}
	return st, nil
}

// Source returns the stats for s.
func (st *Stats) Source(s models.Source) (SourceStats, bool) {
	for _, ss := range st.Sources {
		if ss.Source == s {
			return ss, true
		}
	}
	return SourceStats{}, false
}
