package reconcile

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/harperreed/contactsync/connectors"
	"github.com/harperreed/contactsync/db"
	cerrors "github.com/harperreed/contactsync/errors"
	"github.com/harperreed/contactsync/models"
)

// fakeSource is an in-memory connector. Records are keyed by native id.
type fakeSource struct {
	name        models.Source
	incremental bool
	readOnly    bool

	mu        sync.Mutex
	records   map[string]models.Contact
	deleted   []string
	nextID    int
	tokenSeq  int
	fetchErr  error
	authFails int
	reauths   int
	pushErr   error
	requests  []connectors.FetchRequest
	creates   []models.Contact
	updates   []models.Contact
	onFetch   func(ctx context.Context) error
	onPush    func(c models.Contact)
}

func newFakeSource(name models.Source) *fakeSource {
	return &fakeSource{name: name, records: map[string]models.Contact{}}
}

func (f *fakeSource) Name() models.Source            { return f.name }
func (f *fakeSource) SupportsIncrementalFetch() bool { return f.incremental }
func (f *fakeSource) ReadOnly() bool                 { return f.readOnly }

// put stores c upstream under id.
func (f *fakeSource) put(id string, c models.Contact) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.SourceIDs = map[models.Source]string{f.name: id}
	f.records[id] = c
}

func (f *fakeSource) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, id)
}

func (f *fakeSource) get(id string) (models.Contact, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.records[id]
	return c, ok
}

func (f *fakeSource) counts() (creates, updates int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates), len(f.updates)
}

func (f *fakeSource) FetchContacts(ctx context.Context, req connectors.FetchRequest) (*connectors.FetchResult, error) {
	f.mu.Lock()
	hook := f.onFetch
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.authFails > 0 {
		f.authFails--
		return nil, cerrors.NewSourceError(string(f.name), "fetch", cerrors.KindAuthExpired, fmt.Errorf("token expired"))
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}

	res := &connectors.FetchResult{}
	if !req.FullSync() {
		prefix := "~" + string(f.name) + ":"
		if strings.HasPrefix(req.MergeKey, prefix) {
			id := strings.TrimPrefix(req.MergeKey, prefix)
			if c, ok := f.records[id]; ok {
				res.Contacts = append(res.Contacts, c.Clone())
			} else {
				res.Deleted = append(res.Deleted, id)
			}
			return res, nil
		}
		for _, id := range f.sortedIDs() {
			if models.StoreKey(models.Normalize(f.records[id])) == req.MergeKey {
				res.Contacts = append(res.Contacts, f.records[id].Clone())
			}
		}
		return res, nil
	}

	for _, id := range f.sortedIDs() {
		res.Contacts = append(res.Contacts, f.records[id].Clone())
	}
	if f.incremental {
		res.Incremental = req.ChangeToken != ""
		res.Deleted = f.deleted
		f.deleted = nil
		f.tokenSeq++
		res.NextToken = fmt.Sprintf("tok-%d", f.tokenSeq)
	}
	return res, nil
}

func (f *fakeSource) PushContact(ctx context.Context, c models.Contact) (string, error) {
	f.mu.Lock()
	hook := f.onPush
	f.mu.Unlock()
	if hook != nil {
		hook(c)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return "", f.pushErr
	}

	id := c.SourceIDs[f.name]
	if id == "" {
		f.nextID++
		id = fmt.Sprintf("%s-%d", f.name, f.nextID)
		f.creates = append(f.creates, c)
	} else {
		if _, ok := f.records[id]; !ok {
			return "", cerrors.NewStatusError(string(f.name), "update", 404, "no such record")
		}
		f.updates = append(f.updates, c)
	}

	stored := connectors.Project(f, c)
	stored.SourceIDs = map[models.Source]string{f.name: id}
	f.records[id] = stored
	return id, nil
}

func (f *fakeSource) FetchByNativeID(ctx context.Context, id string) (*models.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.records[id]
	if !ok {
		return nil, cerrors.NewStatusError(string(f.name), "get", 404, "no such record")
	}
	c = c.Clone()
	return &c, nil
}

func (f *fakeSource) Reauthenticate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reauths++
	return nil
}

func (f *fakeSource) sortedIDs() []string {
	ids := make([]string, 0, len(f.records))
	for id := range f.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// testClock is a settable clock shared by the engine and the test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	engine *Engine
	store  *db.Store
	clock  *testClock
	pos    *fakeSource
	dir    *fakeSource
	form   *fakeSource
}

func setupStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "contacts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newHarness(t *testing.T, tune ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		store: setupStore(t),
		clock: &testClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
		pos:   newFakeSource(models.SourcePOS),
		dir:   newFakeSource(models.SourceDirectory),
		form:  newFakeSource(models.SourceForm),
	}
	h.form.readOnly = true

	reg := connectors.NewRegistry(models.DefaultPriority)
	reg.Register(h.pos)
	reg.Register(h.dir)
	reg.Register(h.form)

	opts := Options{Now: h.clock.Now, CycleBudget: 10 * time.Second}
	for _, fn := range tune {
		fn(&opts)
	}
	h.engine = NewEngine(h.store, reg, opts, zerolog.Nop())
	return h
}

func (h *harness) run(t *testing.T) *Report {
	t.Helper()
	rep, err := h.engine.Run(context.Background(), FullSync(ReasonManual))
	require.NoError(t, err)
	return rep
}

func (h *harness) record(t *testing.T, key string) *db.ContactRecord {
	t.Helper()
	rec, err := h.store.GetContact(context.Background(), key)
	require.NoError(t, err)
	return rec
}

func stamped(s models.Source, ts time.Time) map[models.Source]time.Time {
	return map[models.Source]time.Time{s: ts}
}
