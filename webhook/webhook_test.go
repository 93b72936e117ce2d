package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/harperreed/contactsync/errors"
	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/reconcile"
)

const (
	testKey = "sig-key"
	testURL = "https://example.test/webhooks/square"
)

type call struct {
	Op       string
	Source   models.Source
	NativeID string
}

type fakeReconciler struct {
	mu    sync.Mutex
	calls []call
}

func (f *fakeReconciler) HandleChange(_ context.Context, source models.Source, nativeID string, _ reconcile.Reason) (*reconcile.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{"change", source, nativeID})
	return &reconcile.Report{}, nil
}

func (f *fakeReconciler) HandleDeletion(_ context.Context, source models.Source, nativeID string, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{"delete", source, nativeID})
	return true, nil
}

func (f *fakeReconciler) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func newTestServer(t *testing.T, tune ...func(*Options)) (*Server, *fakeReconciler, *MemoryDeduper) {
	t.Helper()
	dedupe := NewMemoryDeduper(time.Hour)
	opts := Options{
		Verifiers:  map[models.Source]Verifier{models.SourcePOS: SquareVerifier{Key: testKey, URL: testURL}},
		Deduper:    dedupe,
		QueueSize:  8,
		Workers:    1,
		AckTimeout: 10 * time.Millisecond,
	}
	for _, fn := range tune {
		fn(&opts)
	}
	rec := &fakeReconciler{}
	return NewServer(rec, opts, zerolog.Nop()), rec, dedupe
}

func payload(eventID, typ, customerID string) []byte {
	body := map[string]any{
		"type":     typ,
		"event_id": eventID,
		"data": map[string]any{
			"type":   "customer",
			"id":     customerID,
			"object": map[string]any{"customer": map[string]any{"id": customerID}},
		},
	}
	b, _ := json.Marshal(body)
	return b
}

func post(t *testing.T, s *Server, source string, body []byte, signature string) (*httptest.ResponseRecorder, map[string]string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+source, strings.NewReader(string(body)))
	if signature != "" {
		req.Header.Set(SquareSignatureHeader, signature)
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	var out map[string]string
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	}
	return rr, out
}

func signed(t *testing.T, s *Server, body []byte) (*httptest.ResponseRecorder, map[string]string) {
	t.Helper()
	return post(t, s, "square", body, Sign(testKey, testURL, body))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	v := SquareVerifier{Key: testKey, URL: testURL}
	body := []byte(`{"type":"customer.updated"}`)
	h := http.Header{}
	h.Set(SquareSignatureHeader, Sign(testKey, testURL, body))
	require.NoError(t, v.Verify(h, body))

	err := v.Verify(h, []byte(`{"type":"customer.deleted"}`))
	assert.ErrorIs(t, err, cerrors.ErrSignatureInvalid)

	err = v.Verify(http.Header{}, body)
	assert.ErrorIs(t, err, cerrors.ErrSignatureInvalid)

	other := SquareVerifier{Key: testKey, URL: "https://elsewhere.test/hook"}
	assert.ErrorIs(t, other.Verify(h, body), cerrors.ErrSignatureInvalid)
}

func TestBadSignatureHasNoSideEffects(t *testing.T) {
	s, _, dedupe := newTestServer(t)

	rr, _ := post(t, s, "square", payload("evt-1", "customer.updated", "C1"), "bogus")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, 0, dedupe.Len())
	assert.Equal(t, 0, s.queue.Len())

	// A correctly signed redelivery of the same event is still accepted.
	rr, out := signed(t, s, payload("evt-1", "customer.updated", "C1"))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "queued", out["status"])
}

func TestDuplicateDeliveryIsAcknowledgedOnce(t *testing.T) {
	s, _, _ := newTestServer(t)
	body := payload("evt-1", "customer.created", "C1")

	_, out := signed(t, s, body)
	assert.Equal(t, "queued", out["status"])
	assert.Equal(t, "evt-1", out["id"])

	rr, out := signed(t, s, body)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "duplicate", out["status"])
	assert.Equal(t, 1, s.queue.Len())
}

func TestFullQueueReleasesDedupeKey(t *testing.T) {
	s, _, _ := newTestServer(t, func(o *Options) { o.QueueSize = 1 })

	_, out := signed(t, s, payload("evt-1", "customer.updated", "C1"))
	require.Equal(t, "queued", out["status"])

	rr, _ := signed(t, s, payload("evt-2", "customer.updated", "C2"))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	<-s.queue.events
	rr, out = signed(t, s, payload("evt-2", "customer.updated", "C2"))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "queued", out["status"])
}

func TestRoutingAndIgnoredPayloads(t *testing.T) {
	s, _, dedupe := newTestServer(t)

	rr, _ := post(t, s, "nowhere", []byte(`{}`), "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr, _ = post(t, s, "webform", []byte(`{}`), "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr, out := signed(t, s, []byte("not json"))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ignored", out["status"])

	_, out = signed(t, s, payload("evt-9", "invoice.created", "C1"))
	assert.Equal(t, "ignored", out["status"])
	assert.Equal(t, 0, dedupe.Len())
}

func TestUnverifiedSourceAcceptsUnsignedEvents(t *testing.T) {
	s, _, _ := newTestServer(t, func(o *Options) {
		o.Verifiers = map[models.Source]Verifier{models.SourcePOS: Unverified{}}
	})
	rr, out := post(t, s, "square", payload("evt-1", "customer.updated", "C1"), "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "queued", out["status"])
}

func TestWorkersTranslateEvents(t *testing.T) {
	s, rec, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	signed(t, s, payload("evt-1", "customer.created", "C1"))
	signed(t, s, payload("evt-2", "customer.custom_attribute.updated", "C2"))
	signed(t, s, payload("evt-3", "customer.deleted", "C3"))
	merged := []byte(`{"type":"customer.merged","event_id":"evt-4","data":{"id":"C4",` +
		`"object":{"customer":{"id":"C4"},"merged_ids":["C5","C4","C6"]}}}`)
	signed(t, s, merged)

	want := []call{
		{"change", models.SourcePOS, "C1"},
		{"change", models.SourcePOS, "C2"},
		{"delete", models.SourcePOS, "C3"},
		{"delete", models.SourcePOS, "C5"},
		{"delete", models.SourcePOS, "C6"},
		{"change", models.SourcePOS, "C4"},
	}
	require.Eventually(t, func() bool { return len(rec.snapshot()) == len(want) }, 2*time.Second, 5*time.Millisecond)
	if diff := cmp.Diff(want, rec.snapshot()); diff != "" {
		t.Errorf("reconciler calls mismatch (-want +got):\n%s", diff)
	}
}

func TestDroppedEventsAreReleased(t *testing.T) {
	s, _, dedupe := newTestServer(t)
	signed(t, s, payload("evt-1", "customer.updated", "C1"))
	require.Equal(t, 1, dedupe.Len())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.queue.workers = 0
	s.Run(ctx)
	assert.Equal(t, 0, dedupe.Len())
}

func TestManualSyncTrigger(t *testing.T) {
	triggers := make(chan reconcile.Trigger, 1)
	s, _, _ := newTestServer(t, func(o *Options) { o.Triggers = triggers })

	req := httptest.NewRequest(http.MethodPost, "/sync", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, reconcile.FullSync(reconcile.ReasonManual), <-triggers)

	triggers <- reconcile.FullSync(reconcile.ReasonSchedule)
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/sync", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestParseSquareEvent(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	ev, ok := ParseSquareEvent([]byte(`{"type":"customer.deleted","data":{"id":"C9"}}`), at)
	require.True(t, ok)
	assert.Equal(t, ActionDelete, ev.Action)
	assert.Equal(t, "C9", ev.NativeID)
	assert.True(t, strings.HasPrefix(ev.ID, "sha256:"))

	ev, ok = ParseSquareEvent([]byte(`{"type":"customer.updated","event_id":"e1"}`), at)
	require.True(t, ok)
	assert.Equal(t, ActionIgnore, ev.Action)

	_, ok = ParseSquareEvent(nil, at)
	assert.False(t, ok)
	_, ok = ParseSquareEvent([]byte(`[1,2]`), at)
	assert.False(t, ok)
}

func TestMemoryDeduperWindowExpires(t *testing.T) {
	d := NewMemoryDeduper(20 * time.Millisecond)
	ctx := context.Background()

	dup, err := d.Mark(ctx, "k")
	require.NoError(t, err)
	assert.False(t, dup)
	dup, _ = d.Mark(ctx, "k")
	assert.True(t, dup)

	time.Sleep(40 * time.Millisecond)
	dup, _ = d.Mark(ctx, "k")
	assert.False(t, dup)
}

func TestBadgerDeduperSurvivesRestart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dedupe")
	ctx := context.Background()

	d, err := OpenBadgerDeduper(dir, time.Hour)
	require.NoError(t, err)
	dup, err := d.Mark(ctx, "square:evt-1")
	require.NoError(t, err)
	assert.False(t, dup)
	require.NoError(t, d.Close())

	d, err = OpenBadgerDeduper(dir, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	dup, err = d.Mark(ctx, "square:evt-1")
	require.NoError(t, err)
	assert.True(t, dup)

	require.NoError(t, d.Forget(ctx, "square:evt-1"))
	dup, err = d.Mark(ctx, "square:evt-1")
	require.NoError(t, err)
	assert.False(t, dup)
}
