// ABOUTME: Trigger consumer and interval scheduler for the reconciliation engine
// ABOUTME: Full runs never overlap; triggers arriving mid-run coalesce into one follow-up
package reconcile

import (
	"context"
	"sync"
	"time"
)

// Start consumes triggers until ctx is done or triggers is closed. Full runs
// are serialized and any full triggers received while one runs collapse into
// a single follow-up. Scoped runs start immediately; the key locks keep them
// from interleaving with other work on the same key.
func (e *Engine) Start(ctx context.Context, triggers <-chan Trigger) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	fullDone := make(chan struct{}, 1)
	running := false
	var pending *Trigger

	launchFull := func(t Trigger) {
		running = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Run(ctx, t)
			fullDone <- struct{}{}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case t, ok := <-triggers:
			if !ok {
				return nil
			}
			if !t.Scope.Full() {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, _ = e.Run(ctx, t)
				}()
				continue
			}
			if running {
				if pending == nil {
					e.logger.Debug().Str("reason", string(t.Reason)).Msg("full sync already running, coalescing")
				}
				pending = &t
				continue
			}
			launchFull(t)

		case <-fullDone:
			running = false
			if pending != nil {
				t := *pending
				pending = nil
				launchFull(t)
			}
		}
	}
}

// Scheduler emits a full sync trigger every Interval.
type Scheduler struct {
	Interval time.Duration
	// Immediate sends the first trigger on start instead of after one interval.
	Immediate bool
}

// Run sends triggers to out until ctx is done.
func (s Scheduler) Run(ctx context.Context, out chan<- Trigger) {
	send := func() {
		select {
		case out <- FullSync(ReasonSchedule):
		case <-ctx.Done():
		}
	}
	if s.Immediate {
		send()
	}

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}
}
