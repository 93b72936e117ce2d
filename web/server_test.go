package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harperreed/contactsync/db"
	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/reconcile"
)

func setup(t *testing.T, buffer int) (*Server, *db.Store, chan reconcile.Trigger) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "contacts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	triggers := make(chan reconcile.Trigger, buffer)
	defaults := models.FormDefaults{State: "VIC", Country: "AU"}
	return NewServer(store, defaults, triggers, 10*time.Millisecond, zerolog.Nop()), store, triggers
}

func submit(s *Server, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestJSONSubmissionIsStoredAndTriggersKeyedSync(t *testing.T) {
	s, store, triggers := setup(t, 1)

	rr := submit(s, "application/json", `{"first_name":"Ada","surname":"Lovelace","email":" Ada@Example.COM ","phone":null}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"success"`)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))

	assert.Equal(t, reconcile.KeySync("ada@example.com", reconcile.ReasonForm), <-triggers)

	subs, err := store.ListSubmissions(context.Background(), "ada@example.com")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "Lovelace", subs[0].Surname)
	assert.NotEmpty(t, subs[0].ID)
}

func TestFormEncodedSubmissionWithoutEmailUsesKeylessKey(t *testing.T) {
	s, store, triggers := setup(t, 1)

	form := url.Values{"first_name": {"Bo"}, "number": {"0400 000 000"}, "id": {"sub-1"}}
	rr := submit(s, "application/x-www-form-urlencoded", form.Encode())
	require.Equal(t, http.StatusOK, rr.Code)

	assert.Equal(t, reconcile.KeySync(models.KeylessKey(models.SourceForm, "sub-1"), reconcile.ReasonForm), <-triggers)

	subs, err := store.ListSubmissions(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "0400 000 000", subs[0].Number)
}

func TestInvalidSubmissionsAreRejected(t *testing.T) {
	s, store, triggers := setup(t, 1)

	rr := submit(s, "application/json", `{"first_name":"Nobody"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = submit(s, "application/json", `{"email":`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = submit(s, "application/json", `{"email":"","phone":""}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	subs, err := store.ListSubmissions(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, subs)
	assert.Empty(t, triggers)
}

func TestBusyTriggerQueueStillStoresSubmission(t *testing.T) {
	s, store, triggers := setup(t, 1)
	triggers <- reconcile.FullSync(reconcile.ReasonSchedule)

	rr := submit(s, "application/json", `{"email":"carol@example.com"}`)
	assert.Equal(t, http.StatusAccepted, rr.Code)

	subs, err := store.ListSubmissions(context.Background(), "carol@example.com")
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestPreflightAndHealth(t *testing.T) {
	s, _, _ := setup(t, 1)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/submit", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "POST, OPTIONS", rr.Header().Get("Access-Control-Allow-Methods"))

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}
