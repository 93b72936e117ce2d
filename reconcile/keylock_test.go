package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLocksExcludeSameKey(t *testing.T) {
	locks := NewKeyLocks()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locks.Lock(ctx, "jane@example.com")
			require.NoError(t, err)
			defer release()

			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Zero(t, locks.Len())
}

func TestKeyLocksAllowDifferentKeys(t *testing.T) {
	locks := NewKeyLocks()
	ctx := context.Background()

	releaseA, err := locks.Lock(ctx, "a@example.com")
	require.NoError(t, err)
	defer releaseA()

	done := make(chan struct{})
	go func() {
		release, err := locks.Lock(ctx, "b@example.com")
		assert.NoError(t, err)
		release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestKeyLocksHonorContext(t *testing.T) {
	locks := NewKeyLocks()
	release, err := locks.Lock(context.Background(), "a@example.com")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(ctx, "b@example.com", "a@example.com")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// a failed multi-key lock holds nothing
	releaseB, err := locks.Lock(context.Background(), "b@example.com")
	require.NoError(t, err)
	releaseB()

	release()
	release()
	assert.Zero(t, locks.Len())
}

func TestKeyLocksMultiKeyOrder(t *testing.T) {
	locks := NewKeyLocks()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			release, err := locks.Lock(ctx, "a", "b")
			require.NoError(t, err)
			release()
		}()
		go func() {
			defer wg.Done()
			release, err := locks.Lock(ctx, "b", "a", "a")
			require.NoError(t, err)
			release()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("overlapping key sets deadlocked")
	}
	assert.Zero(t, locks.Len())
}
