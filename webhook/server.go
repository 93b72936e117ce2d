// ABOUTME: HTTP listener for upstream change notifications
// ABOUTME: Verifies, deduplicates and queues events, then drives keyed reconciliation runs
package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/reconcile"
	"github.com/harperreed/contactsync/transport"
)

const maxBody = 1 << 20

// Reconciler applies a single upstream change. *reconcile.Engine implements it.
type Reconciler interface {
	HandleChange(ctx context.Context, source models.Source, nativeID string, reason reconcile.Reason) (*reconcile.Report, error)
	HandleDeletion(ctx context.Context, source models.Source, nativeID string, at time.Time) (bool, error)
}

// Options configures a Server.
type Options struct {
	// Verifiers lists the sources that accept notifications.
	Verifiers  map[models.Source]Verifier
	Deduper    Deduper
	QueueSize  int
	Workers    int
	AckTimeout time.Duration
	// Triggers receives manual full sync requests from POST /sync. Nil
	// disables the endpoint.
	Triggers chan<- reconcile.Trigger
	Now      func() time.Time
}

// Server accepts notifications and feeds them to a Reconciler.
type Server struct {
	rec    Reconciler
	opts   Options
	queue  *Queue
	logger zerolog.Logger
}

// NewServer builds a server. Call Run to start its workers.
func NewServer(rec Reconciler, opts Options, logger zerolog.Logger) *Server {
	if opts.Deduper == nil {
		opts.Deduper = NewMemoryDeduper(24 * time.Hour)
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		rec:    rec,
		opts:   opts,
		logger: logger.With().Str("component", "webhook").Logger(),
	}
	s.queue = NewQueue(opts.QueueSize, opts.Workers, s.process)
	s.queue.Dropped = func(ev Event) {
		if err := s.opts.Deduper.Forget(context.Background(), dedupeKey(ev)); err != nil {
			s.logger.Warn().Err(err).Str("event_id", ev.ID).Msg("failed to release dropped event")
		}
	}
	return s
}

// Register adds the notification and manual sync routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/{source}", s.handleWebhook)
	mux.HandleFunc("POST /sync", s.handleSync)
}

// Handler returns a mux serving this server's routes and a health check.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	mux.HandleFunc("GET /health", transport.HandleHealth)
	return mux
}

// Run drains the queue until ctx is done.
func (s *Server) Run(ctx context.Context) {
	s.queue.Run(ctx)
}

// ListenAndServe runs the workers and serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	err := transport.Serve(ctx, transport.NewServer(addr, s.Handler()), s.logger)
	cancel()
	<-done
	return err
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	source, err := models.ParseSource(r.PathValue("source"))
	if err != nil {
		transport.WriteStatus(w, http.StatusNotFound, "error", "unknown source")
		return
	}
	verifier, ok := s.opts.Verifiers[source]
	if !ok {
		transport.WriteStatus(w, http.StatusNotFound, "error", "source does not accept notifications")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		transport.WriteStatus(w, http.StatusRequestEntityTooLarge, "error", "payload too large")
		return
	}
	logger := s.logger.With().Str("source", string(source)).Logger()

	if err := verifier.Verify(r.Header, body); err != nil {
		logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("rejected notification")
		transport.WriteStatus(w, http.StatusUnauthorized, "error", "invalid signature")
		return
	}

	ev, ok := ParseSquareEvent(body, s.opts.Now())
	if !ok || ev.Action == ActionIgnore {
		logger.Debug().Str("type", ev.Type).Msg("ignoring notification")
		transport.WriteStatus(w, http.StatusOK, "ignored", "")
		return
	}
	logger = logger.With().Str("event_id", ev.ID).Str("type", ev.Type).Logger()

	key := dedupeKey(ev)
	duplicate, err := s.opts.Deduper.Mark(r.Context(), key)
	if err != nil {
		logger.Error().Err(err).Msg("dedupe store failed")
		transport.WriteStatus(w, http.StatusInternalServerError, "error", "dedupe store unavailable")
		return
	}
	if duplicate {
		logger.Debug().Msg("duplicate notification")
		transport.WriteStatus(w, http.StatusOK, "duplicate", "")
		return
	}

	if err := s.queue.Enqueue(r.Context(), ev, s.opts.AckTimeout); err != nil {
		if ferr := s.opts.Deduper.Forget(context.WithoutCancel(r.Context()), key); ferr != nil {
			logger.Warn().Err(ferr).Msg("failed to release event")
		}
		logger.Warn().Err(err).Msg("queue full, asking sender to retry")
		transport.WriteStatus(w, http.StatusServiceUnavailable, "error", "busy")
		return
	}

	logger.Info().Str("native_id", ev.NativeID).Msg("queued notification")
	transport.WriteJSON(w, http.StatusOK, transport.Status{Status: "queued", ID: ev.ID})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.opts.Triggers == nil {
		transport.WriteStatus(w, http.StatusNotFound, "error", "manual sync disabled")
		return
	}

	timer := time.NewTimer(s.opts.AckTimeout)
	defer timer.Stop()
	select {
	case s.opts.Triggers <- reconcile.FullSync(reconcile.ReasonManual):
		transport.WriteStatus(w, http.StatusAccepted, "accepted", "")
	case <-timer.C:
		transport.WriteStatus(w, http.StatusServiceUnavailable, "error", "busy")
	case <-r.Context().Done():
	}
}

// process applies one queued event.
func (s *Server) process(ctx context.Context, ev Event) {
	logger := s.logger.With().
		Str("source", string(ev.Source)).
		Str("event_id", ev.ID).
		Str("action", ev.Action.String()).
		Str("native_id", ev.NativeID).
		Logger()

	var err error
	switch ev.Action {
	case ActionChange:
		err = s.change(ctx, ev.Source, ev.NativeID)
	case ActionDelete:
		_, err = s.rec.HandleDeletion(ctx, ev.Source, ev.NativeID, ev.ReceivedAt)
	case ActionMerge:
		for _, id := range ev.MergedIDs {
			if _, derr := s.rec.HandleDeletion(ctx, ev.Source, id, ev.ReceivedAt); derr != nil {
				err = errors.Join(err, derr)
			}
		}
		if cerr := s.change(ctx, ev.Source, ev.NativeID); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}

	if err != nil {
		logger.Error().Err(err).Msg("failed to apply notification")
		return
	}
	logger.Debug().Msg("applied notification")
}

func (s *Server) change(ctx context.Context, source models.Source, nativeID string) error {
	_, err := s.rec.HandleChange(ctx, source, nativeID, reconcile.ReasonWebhook)
	return err
}

func dedupeKey(ev Event) string {
	return string(ev.Source) + ":" + ev.ID
}
