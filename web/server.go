// ABOUTME: Intake server for the local contact form
// ABOUTME: Stores each submission and asks the engine to reconcile the contact it names
package web

import (
	"context"
	"encoding/json"
	"mime"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/reconcile"
	"github.com/harperreed/contactsync/transport"
)

const maxBody = 64 << 10

// SubmissionStore persists form submissions.
type SubmissionStore interface {
	AddSubmission(ctx context.Context, sub models.Submission, receivedAt time.Time) (string, error)
}

// Server accepts form submissions.
type Server struct {
	store    SubmissionStore
	defaults models.FormDefaults
	triggers chan<- reconcile.Trigger
	wait     time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewServer returns a form intake server. Each stored submission sends a
// keyed trigger on triggers, waiting at most wait for room.
func NewServer(store SubmissionStore, defaults models.FormDefaults, triggers chan<- reconcile.Trigger, wait time.Duration, logger zerolog.Logger) *Server {
	return &Server{
		store:    store,
		defaults: defaults,
		triggers: triggers,
		wait:     wait,
		now:      time.Now,
		logger:   logger.With().Str("component", "form").Logger(),
	}
}

// Register adds the submission routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /submit", s.handleSubmit)
	mux.HandleFunc("OPTIONS /submit", s.handlePreflight)
}

// Handler returns a mux serving the submission routes and a health check.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	mux.HandleFunc("GET /health", transport.HandleHealth)
	return mux
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	return transport.Serve(ctx, transport.NewServer(addr, s.Handler()), s.logger)
}

func allowCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
}

func (s *Server) handlePreflight(w http.ResponseWriter, _ *http.Request) {
	allowCORS(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	allowCORS(w)

	sub, err := decodeSubmission(w, r)
	if err != nil {
		s.logger.Debug().Err(err).Msg("unreadable submission")
		transport.WriteStatus(w, http.StatusBadRequest, "error", "invalid submission")
		return
	}
	if !sub.Validate() {
		transport.WriteStatus(w, http.StatusBadRequest, "error", "email or phone is required")
		return
	}

	receivedAt := s.now().UTC()
	if sub.ID == "" {
		sub.ID = ulid.Make().String()
	}
	id, err := s.store.AddSubmission(r.Context(), sub, receivedAt)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to store submission")
		transport.WriteStatus(w, http.StatusInternalServerError, "error", "failed to store submission")
		return
	}

	key := models.StoreKey(models.FromSubmission(sub, s.defaults, receivedAt))
	logger := s.logger.With().Str("submission_id", id).Str("merge_key", key).Logger()
	logger.Info().Msg("stored submission")

	if s.enqueue(r.Context(), reconcile.KeySync(key, reconcile.ReasonForm)) {
		transport.WriteJSON(w, http.StatusOK, transport.Status{Status: "success", Message: "submission queued for sync", ID: id})
		return
	}
	// The submission is stored; the next full sync picks it up.
	logger.Warn().Msg("sync queue busy, deferring to next full sync")
	transport.WriteJSON(w, http.StatusAccepted, transport.Status{Status: "success", Message: "submission stored", ID: id})
}

func (s *Server) enqueue(ctx context.Context, t reconcile.Trigger) bool {
	if s.triggers == nil {
		return false
	}
	timer := time.NewTimer(s.wait)
	defer timer.Stop()
	select {
	case s.triggers <- t:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// decodeSubmission accepts JSON or url-encoded bodies.
func decodeSubmission(w http.ResponseWriter, r *http.Request) (models.Submission, error) {
	var sub models.Submission
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		err := json.NewDecoder(r.Body).Decode(&sub)
		return sub, err
	}

	if err := r.ParseForm(); err != nil {
		return sub, err
	}
	fields := make(map[string]string, len(r.PostForm))
	for name := range r.PostForm {
		fields[name] = r.PostForm.Get(name)
	}
	// Round-trip through JSON so form field names follow the JSON tags.
	raw, err := json.Marshal(fields)
	if err != nil {
		return sub, err
	}
	err = json.Unmarshal(raw, &sub)
	return sub, err
}
