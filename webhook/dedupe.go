// ABOUTME: Idempotency windows for webhook deliveries, in memory or on disk
// ABOUTME: The memory store uses go-cache; the persistent one uses badger with TTL entries
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"
	gocache "github.com/patrickmn/go-cache"
)

// Deduper remembers delivery keys for a bounded window.
type Deduper interface {
	// Mark records key and reports whether it was already present.
	Mark(ctx context.Context, key string) (duplicate bool, err error)
	// Forget drops key so a redelivery is accepted again.
	Forget(ctx context.Context, key string) error
	Close() error
}

// MemoryDeduper keeps keys in process memory.
type MemoryDeduper struct {
	cache  *gocache.Cache
	window time.Duration
}

// NewMemoryDeduper remembers keys for window.
func NewMemoryDeduper(window time.Duration) *MemoryDeduper {
	return &MemoryDeduper{cache: gocache.New(window, window), window: window}
}

// Mark adds key; go-cache's Add fails when the key is present and unexpired.
func (m *MemoryDeduper) Mark(_ context.Context, key string) (bool, error) {
	if err := m.cache.Add(key, struct{}{}, m.window); err != nil {
		return true, nil
	}
	return false, nil
}

// Forget removes key.
func (m *MemoryDeduper) Forget(_ context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}

// Len returns the number of remembered keys.
func (m *MemoryDeduper) Len() int {
	return m.cache.ItemCount()
}

// Close is a no-op.
func (m *MemoryDeduper) Close() error { return nil }

// BadgerDeduper keeps keys in a badger database so the window survives restarts.
type BadgerDeduper struct {
	db     *badger.DB
	window time.Duration
}

const dedupePrefix = "webhook/"

// OpenBadgerDeduper opens (or creates) the database in dir. An empty dir
// keeps the database in memory.
func OpenBadgerDeduper(dir string, window time.Duration) (*BadgerDeduper, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open dedupe store: %w", err)
	}
	return &BadgerDeduper{db: db, window: window}, nil
}

// Mark stores key with a TTL. A concurrent writer of the same key wins and
// this call reports a duplicate.
func (b *BadgerDeduper) Mark(_ context.Context, key string) (bool, error) {
	k := []byte(dedupePrefix + key)
	duplicate := false
	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(k)
		switch {
		case err == nil:
			duplicate = true
			return nil
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.SetEntry(badger.NewEntry(k, []byte(time.Now().UTC().Format(time.RFC3339))).WithTTL(b.window))
	})
	if errors.Is(err, badger.ErrConflict) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark delivery: %w", err)
	}
	return duplicate, nil
}

// Forget removes key.
func (b *BadgerDeduper) Forget(_ context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(dedupePrefix + key))
	})
	if err != nil {
		return fmt.Errorf("failed to forget delivery: %w", err)
	}
	return nil
}

// Close closes the database.
func (b *BadgerDeduper) Close() error {
	return b.db.Close()
}
