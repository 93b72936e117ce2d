// ABOUTME: Reconciliation engine driving fetch, merge and push cycles across connectors
// ABOUTME: Bounds each cycle by a time budget and records every run in the store
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/harperreed/contactsync/connectors"
	"github.com/harperreed/contactsync/db"
	cerrors "github.com/harperreed/contactsync/errors"
	"github.com/harperreed/contactsync/models"
)

// Options tune the engine. Zero values take the defaults below.
type Options struct {
	// Priority orders sources for field conflicts with equal timestamps.
	Priority []models.Source
	// CycleBudget bounds one run end to end.
	CycleBudget time.Duration
	// RateLimitBackoff applies when a rate-limited source gives no Retry-After.
	RateLimitBackoff time.Duration
	// PushConcurrency bounds how many merge keys are pushed in parallel.
	PushConcurrency int
	Now             func() time.Time
	NewID           func() string
}

const (
	DefaultCycleBudget      = 5 * time.Minute
	DefaultRateLimitBackoff = 15 * time.Minute
	DefaultPushConcurrency  = 4
)

func (o Options) withDefaults() Options {
	if len(o.Priority) == 0 {
		o.Priority = models.DefaultPriority
	}
	if o.CycleBudget <= 0 {
		o.CycleBudget = DefaultCycleBudget
	}
	if o.RateLimitBackoff <= 0 {
		o.RateLimitBackoff = DefaultRateLimitBackoff
	}
	if o.PushConcurrency <= 0 {
		o.PushConcurrency = DefaultPushConcurrency
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Engine reconciles contacts between the store and every registered connector.
type Engine struct {
	store    *db.Store
	registry *connectors.Registry
	policy   models.Policy
	opts     Options
	locks    *KeyLocks
	logger   zerolog.Logger

	mu    sync.Mutex
	state State
}

// NewEngine creates an engine over store and registry.
func NewEngine(store *db.Store, registry *connectors.Registry, opts Options, logger zerolog.Logger) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		store:    store,
		registry: registry,
		policy:   models.Policy{Priority: opts.Priority, NewID: opts.NewID},
		opts:     opts,
		locks:    NewKeyLocks(),
		logger:   logger.With().Str("component", "reconcile").Logger(),
		state:    StateIdle,
	}
}

// State returns the state of the most recent transition.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Store returns the engine's store.
func (e *Engine) Store() *db.Store {
	return e.store
}

// Registry returns the engine's connectors.
func (e *Engine) Registry() *connectors.Registry {
	return e.registry
}

func (e *Engine) now() time.Time {
	return e.opts.Now().UTC()
}

// runContext carries the mutable state of one cycle.
type runContext struct {
	trigger Trigger
	logger  zerolog.Logger
	pending map[string]bool
	report  *Report

	mu        sync.Mutex
	available map[models.Source]bool
	limited   map[models.Source]bool
}

func (r *runContext) isAvailable(s models.Source) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.available[s]
}

func (r *runContext) markAvailable(s models.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.available[s] = true
}

// markLimited takes s out of the rest of the cycle.
func (r *runContext) markLimited(s models.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.available[s] = false
	r.limited[s] = true
}

func (r *runContext) isLimited(s models.Source) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limited[s]
}

func (r *runContext) add(res keyResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res.changed {
		r.report.Changed++
	}
	r.report.Pushed += res.pushed
	r.report.PushFailures += res.failures
	r.report.Deleted += res.removed
}

// Run executes one reconciliation cycle for t and returns its report. A
// non-nil error means the cycle ended in ERROR; per-source failures do not.
func (e *Engine) Run(ctx context.Context, t Trigger) (*Report, error) {
	run := &runContext{
		trigger: t,
		report: &Report{
			RunID:     ulid.Make().String(),
			Trigger:   t,
			StartedAt: e.now(),
		},
		available: map[models.Source]bool{},
		limited:   map[models.Source]bool{},
	}
	run.logger = e.logger.With().
		Str("run_id", run.report.RunID).
		Str("scope", t.Scope.String()).
		Str("reason", string(t.Reason)).
		Logger()

	// bookkeeping writes survive cancellation of the cycle itself
	bookCtx := context.WithoutCancel(ctx)
	budgetCtx, cancel := context.WithTimeout(ctx, e.opts.CycleBudget)
	defer cancel()

	e.transition(run, StateFetching)
	e.recordRun(bookCtx, run, StateFetching)
	run.logger.Info().Msg("reconciliation started")

	err := e.cycle(budgetCtx, run)
	if err != nil {
		if budgetCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = fmt.Errorf("%w: cycle exceeded %s: %v", cerrors.ErrBudgetExceeded, e.opts.CycleBudget, err)
		}
		run.report.Err = err
		e.transition(run, StateError)
		run.logger.Error().Err(err).Msg("reconciliation failed")
	}

	run.report.FinishedAt = e.now()
	final := StateIdle
	if err != nil {
		final = StateError
	}
	e.recordRun(bookCtx, run, final)
	e.transition(run, StateIdle)

	if err == nil {
		run.logger.Info().
			Int("fetched", run.report.Fetched).
			Int("changed", run.report.Changed).
			Int("pushed", run.report.Pushed).
			Int("push_failures", run.report.PushFailures).
			Int("deleted", run.report.Deleted).
			Dur("took", run.report.FinishedAt.Sub(run.report.StartedAt)).
			Msg("reconciliation finished")
	}
	return run.report, err
}

func (e *Engine) transition(run *runContext, s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	run.report.States = append(run.report.States, s)
	run.logger.Debug().Str("state", string(s)).Msg("state transition")
}

func (e *Engine) recordRun(ctx context.Context, run *runContext, s State) {
	r := run.report
	entry := db.SyncRun{
		ID:           r.RunID,
		Scope:        r.Trigger.Scope.String(),
		Reason:       string(r.Trigger.Reason),
		State:        string(s),
		StartedAt:    r.StartedAt,
		Fetched:      r.Fetched,
		Changed:      r.Changed,
		Pushed:       r.Pushed,
		PushFailures: r.PushFailures,
	}
	if !r.FinishedAt.IsZero() {
		finished := r.FinishedAt
		entry.FinishedAt = &finished
	}
	if r.Err != nil {
		msg := r.Err.Error()
		entry.ErrorMessage = &msg
	}
	if err := e.store.RecordRun(ctx, entry); err != nil {
		run.logger.Warn().Err(err).Msg("failed to record run")
	}
}

func (e *Engine) cycle(ctx context.Context, run *runContext) error {
	if run.trigger.Scope.Full() {
		pending, err := e.store.PendingPushKeys(ctx)
		if err != nil {
			return err
		}
		run.pending = pending
	} else {
		errs, err := e.store.ListPushErrors(ctx, run.trigger.Scope.Key)
		if err != nil {
			return err
		}
		run.pending = map[string]bool{}
		if len(errs) > 0 {
			run.pending[run.trigger.Scope.Key] = true
		}
	}

	outcomes, err := e.fetchAll(ctx, run)
	if err != nil {
		return err
	}

	e.transition(run, StateMerging)
	work, deletions, err := e.group(ctx, run, outcomes)
	if err != nil {
		return err
	}
	dirty, err := e.planAll(ctx, run, work)
	if err != nil {
		return err
	}

	e.transition(run, StatePushing)
	for _, d := range deletions {
		removed, err := e.removeMapping(ctx, run.logger, d.source, d.nativeID, e.now())
		if err != nil {
			return err
		}
		if removed {
			run.add(keyResult{removed: 1})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.PushConcurrency)
	for _, w := range dirty {
		g.Go(func() error {
			res, err := e.reconcileKey(gctx, run, w)
			if err != nil {
				return err
			}
			run.add(res)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if run.trigger.Scope.Full() {
		for _, o := range outcomes {
			if o.result == nil || run.isLimited(o.source) {
				continue
			}
			if err := e.store.CommitSync(ctx, string(o.source), o.result.NextToken, e.now()); err != nil {
				return err
			}
		}
	}
	return nil
}

type fetchOutcome struct {
	source models.Source
	conn   connectors.Connector
	result *connectors.FetchResult
	fatal  error
}

// fetchAll fetches every source in parallel. A source failure degrades only
// that source; storage failures and an exhausted budget end the cycle.
func (e *Engine) fetchAll(ctx context.Context, run *runContext) ([]fetchOutcome, error) {
	conns := e.registry.List()
	out := make([]fetchOutcome, len(conns))
	reports := make([]SourceReport, len(conns))

	var g errgroup.Group
	for i, conn := range conns {
		g.Go(func() error {
			out[i], reports[i] = e.fetchSource(ctx, run, conn)
			return nil
		})
	}
	_ = g.Wait()

	run.report.Sources = reports
	for _, o := range out {
		if o.fatal != nil {
			return out, o.fatal
		}
		if o.result != nil {
			run.report.Fetched += len(o.result.Contacts)
		}
	}
	return out, nil
}

func (e *Engine) fetchSource(ctx context.Context, run *runContext, conn connectors.Connector) (fetchOutcome, SourceReport) {
	src := conn.Name()
	o := fetchOutcome{source: src, conn: conn}
	rep := SourceReport{Source: src}
	logger := run.logger.With().Str("source", string(src)).Logger()

	state, err := e.store.GetSyncState(ctx, string(src))
	if err != nil {
		o.fatal = err
		rep.Err = err
		return o, rep
	}
	if state.BackingOff(e.now()) {
		rep.Skipped = true
		logger.Info().Time("retry_after", *state.RetryAfter).Msg("source is backing off, skipping")
		return o, rep
	}

	req := connectors.FetchRequest{MergeKey: run.trigger.Scope.Key}
	if req.FullSync() && conn.SupportsIncrementalFetch() {
		req.ChangeToken = state.Token()
	}

	res, err := withReauth(ctx, conn, logger, func() (*connectors.FetchResult, error) {
		return conn.FetchContacts(ctx, req)
	})
	if err != nil {
		rep.Err = err
		if ctx.Err() != nil || cerrors.IsFatal(err) {
			o.fatal = err
			return o, rep
		}
		e.recordSourceError(ctx, logger, src, err)
		return o, rep
	}
	if res == nil {
		res = &connectors.FetchResult{}
	}

	o.result = res
	rep.Fetched = len(res.Contacts)
	rep.Deleted = len(res.Deleted)
	rep.Incremental = res.Incremental
	run.markAvailable(src)
	logger.Debug().
		Int("contacts", rep.Fetched).
		Int("deleted", rep.Deleted).
		Bool("incremental", rep.Incremental).
		Msg("fetched source")
	return o, rep
}

// recordSourceError marks src failed, or stale until its back-off ends when rate limited.
func (e *Engine) recordSourceError(ctx context.Context, logger zerolog.Logger, src models.Source, err error) {
	kind := cerrors.KindOf(err)
	now := e.now()

	var retry *time.Time
	if kind == cerrors.KindRateLimited {
		d, ok := cerrors.RetryAfter(err)
		if !ok || d <= 0 {
			d = e.opts.RateLimitBackoff
		}
		t := now.Add(d)
		retry = &t
	}

	ev := logger.Warn().Err(err).Str("kind", kind.String())
	if retry != nil {
		ev = ev.Time("retry_after", *retry)
	}
	ev.Msg("source failed")

	if rerr := e.store.RecordSyncError(context.WithoutCancel(ctx), string(src), kind.String(), err.Error(), now, retry); rerr != nil {
		logger.Error().Err(rerr).Msg("failed to record source error")
	}
}

// withReauth runs fn once more after an expired credential is refreshed.
func withReauth[T any](ctx context.Context, conn connectors.Connector, logger zerolog.Logger, fn func() (T, error)) (T, error) {
	v, err := fn()
	if err == nil || !cerrors.Is(err, cerrors.ErrAuthExpired) {
		return v, err
	}
	r, ok := conn.(connectors.Reauthenticator)
	if !ok {
		return v, err
	}
	if rerr := r.Reauthenticate(ctx); rerr != nil {
		logger.Warn().Err(rerr).Msg("reauthentication failed")
		return v, err
	}
	logger.Info().Msg("reauthenticated, retrying")
	return fn()
}
