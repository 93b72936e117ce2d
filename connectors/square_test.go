package connectors

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/harperreed/contactsync/errors"
	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/transport"
)

type fakeSquare struct {
	mu        sync.Mutex
	customers map[string]squareCustomer
	created   []squareCreateRequest
	updated   map[string]squareCustomer
	nextID    int
	limited   bool
}

func newFakeSquare() *fakeSquare {
	return &fakeSquare{customers: map[string]squareCustomer{}, updated: map[string]squareCustomer{}}
}

func (f *fakeSquare) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer sq-token" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if f.limited {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/v2/customers":
		// two customers per page to exercise the cursor
		ids := sortedKeys(f.customers)
		start := 0
		if c := r.URL.Query().Get("cursor"); c != "" {
			for i, id := range ids {
				if id == c {
					start = i
				}
			}
		}
		end := start + 2
		resp := squareListResponse{}
		if end < len(ids) {
			resp.Cursor = ids[end]
		} else {
			end = len(ids)
		}
		for _, id := range ids[start:end] {
			resp.Customers = append(resp.Customers, f.customers[id])
		}
		_ = json.NewEncoder(w).Encode(resp)

	case r.Method == http.MethodPost && r.URL.Path == "/v2/customers/search":
		var body struct {
			Query struct {
				Filter struct {
					EmailAddress struct {
						Exact string `json:"exact"`
					} `json:"email_address"`
				} `json:"filter"`
			} `json:"query"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		resp := squareListResponse{}
		for _, id := range sortedKeys(f.customers) {
			if strings.EqualFold(f.customers[id].EmailAddress, body.Query.Filter.EmailAddress.Exact) {
				resp.Customers = append(resp.Customers, f.customers[id])
			}
		}
		_ = json.NewEncoder(w).Encode(resp)

	case r.Method == http.MethodPost && r.URL.Path == "/v2/customers":
		var req squareCreateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.created = append(f.created, req)
		f.nextID++
		cust := req.squareCustomer
		cust.ID = "SQ" + string(rune('A'+f.nextID-1))
		f.customers[cust.ID] = cust
		_ = json.NewEncoder(w).Encode(squareCustomerResponse{Customer: cust})

	case strings.HasPrefix(r.URL.Path, "/v2/customers/"):
		id := strings.TrimPrefix(r.URL.Path, "/v2/customers/")
		cust, ok := f.customers[id]
		if !ok {
			http.Error(w, `{"errors":[{"code":"NOT_FOUND"}]}`, http.StatusNotFound)
			return
		}
		if r.Method == http.MethodPut {
			var body squareCustomer
			_ = json.NewDecoder(r.Body).Decode(&body)
			body.ID = id
			f.updated[id] = body
			f.customers[id] = body
			cust = body
		}
		_ = json.NewEncoder(w).Encode(squareCustomerResponse{Customer: cust})

	default:
		http.NotFound(w, r)
	}
}

func sortedKeys(m map[string]squareCustomer) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

func newTestSquare(t *testing.T, fake *fakeSquare) *SquareConnector {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return NewSquareConnector(SquareOptions{
		AccessToken: "sq-token",
		BaseURL:     srv.URL,
		Version:     "2024-07-17",
		Retry:       transport.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	}, zerolog.Nop())
}

func TestSquareFetchAllPaginates(t *testing.T) {
	fake := newFakeSquare()
	fake.customers["C1"] = squareCustomer{ID: "C1", GivenName: "Jane", EmailAddress: "Jane@Example.com", PhoneNumber: "+61 412 345 678", UpdatedAt: "2024-05-01T10:00:00Z"}
	fake.customers["C2"] = squareCustomer{ID: "C2", GivenName: "Bob", FamilyName: "Smith", Address: &squareAddress{AddressLine1: "1 Main St", Locality: "Fitzroy", Country: "au"}}
	fake.customers["C3"] = squareCustomer{ID: "C3", EmailAddress: "carol@example.com", Note: "VIP"}
	fake.customers["C4"] = squareCustomer{ID: "C4"}

	sq := newTestSquare(t, fake)
	res, err := sq.FetchContacts(context.Background(), FetchRequest{})
	require.NoError(t, err)
	require.Len(t, res.Contacts, 3, "empty customer records are skipped")
	assert.False(t, res.Incremental)

	jane := res.Contacts[0]
	assert.Equal(t, []string{"jane@example.com"}, jane.Emails)
	assert.Equal(t, []string{"0412345678"}, jane.Phones)
	assert.Equal(t, "C1", jane.SourceIDs[models.SourcePOS])
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), jane.SourceTimestamps[models.SourcePOS])

	bob := res.Contacts[1]
	assert.Empty(t, models.MergeKey(bob))
	assert.Equal(t, "AU", bob.Addresses[0].Country)
}

func TestSquareScopedFetchByEmail(t *testing.T) {
	fake := newFakeSquare()
	fake.customers["C1"] = squareCustomer{ID: "C1", EmailAddress: "jane@example.com"}
	fake.customers["C2"] = squareCustomer{ID: "C2", EmailAddress: "bob@example.com"}

	sq := newTestSquare(t, fake)
	res, err := sq.FetchContacts(context.Background(), FetchRequest{MergeKey: "jane@example.com"})
	require.NoError(t, err)
	require.Len(t, res.Contacts, 1)
	assert.Equal(t, "C1", res.Contacts[0].SourceIDs[models.SourcePOS])
}

func TestSquareScopedKeylessMissingReportsDeletion(t *testing.T) {
	sq := newTestSquare(t, newFakeSquare())
	res, err := sq.FetchContacts(context.Background(), FetchRequest{MergeKey: models.KeylessKey(models.SourcePOS, "GONE")})
	require.NoError(t, err)
	assert.Empty(t, res.Contacts)
	assert.Equal(t, []string{"GONE"}, res.Deleted)

	res, err = sq.FetchContacts(context.Background(), FetchRequest{MergeKey: models.KeylessKey(models.SourceDirectory, "people/c1")})
	require.NoError(t, err)
	assert.Empty(t, res.Contacts)
}

func TestSquarePushCreatesThenUpdates(t *testing.T) {
	fake := newFakeSquare()
	sq := newTestSquare(t, fake)
	ctx := context.Background()

	c := models.Normalize(models.Contact{
		InternalID: "0190f000-0000-7000-8000-000000000001",
		Emails:     []string{"jane@example.com", "jane@work.example.com"},
		Phones:     []string{"0412345678", "0398765432"},
		FirstName:  "Jane",
		Notes:      strings.Repeat("x", 600),
	})
	id, err := sq.PushContact(ctx, c)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.Len(t, fake.created, 1)
	created := fake.created[0]
	assert.Equal(t, "contactsync-"+c.InternalID, created.IdempotencyKey)
	assert.Equal(t, "jane@example.com", created.EmailAddress)
	assert.Equal(t, "0412345678", created.PhoneNumber)
	assert.Len(t, created.Note, SquareNoteLimit)

	c.SourceIDs = map[models.Source]string{models.SourcePOS: id}
	c.FirstName = "Janet"
	got, err := sq.PushContact(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.Equal(t, "Janet", fake.updated[id].GivenName)
}

func TestSquarePushMissingCustomerIsNotFound(t *testing.T) {
	sq := newTestSquare(t, newFakeSquare())
	c := models.Contact{Emails: []string{"jane@example.com"}, SourceIDs: map[models.Source]string{models.SourcePOS: "GONE"}}
	_, err := sq.PushContact(context.Background(), c)
	require.Error(t, err)
	assert.ErrorIs(t, err, cerrors.ErrNotFound)
}

func TestSquareRateLimitCarriesRetryAfter(t *testing.T) {
	fake := newFakeSquare()
	fake.limited = true
	sq := newTestSquare(t, fake)

	_, err := sq.FetchContacts(context.Background(), FetchRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, cerrors.ErrRateLimited)
	d, ok := cerrors.RetryAfter(err)
	assert.True(t, ok)
	assert.Equal(t, time.Minute, d)
}

func TestSquareProjectionMatchesFetchedShape(t *testing.T) {
	sq := NewSquareConnector(SquareOptions{}, zerolog.Nop())
	merged := models.Normalize(models.Contact{
		Emails:    []string{"jane@example.com", "other@example.com"},
		Addresses: []models.Address{{Street: "1 Main St"}, {Street: "2 Side St"}},
		Notes:     "short",
		Extra:     map[string]string{"scooter": "ES-1"},
	})
	fetched := customerToContact(contactToCustomer(sq.Project(merged)))
	assert.Equal(t, ProjectedHash(sq, merged), ProjectedHash(sq, fetched))
}
