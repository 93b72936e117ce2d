// ABOUTME: Reconciliation cycle states, triggers and the per-run report
// ABOUTME: A cycle moves IDLE -> FETCHING -> MERGING -> PUSHING -> IDLE, or into ERROR
package reconcile

import (
	"time"

	"github.com/harperreed/contactsync/models"
)

// State is the phase of the reconciliation machine.
type State string

const (
	StateIdle     State = "IDLE"
	StateFetching State = "FETCHING"
	StateMerging  State = "MERGING"
	StatePushing  State = "PUSHING"
	StateError    State = "ERROR"
)

// Reason records what started a cycle.
type Reason string

const (
	ReasonSchedule Reason = "schedule"
	ReasonManual   Reason = "manual"
	ReasonWebhook  Reason = "webhook"
	ReasonForm     Reason = "form"
)

// Scope limits a cycle to one merge key. The zero Scope is a full sync.
type Scope struct {
	Key string
}

// Full reports whether the scope covers every contact.
func (s Scope) Full() bool {
	return s.Key == ""
}

func (s Scope) String() string {
	if s.Full() {
		return "full"
	}
	return s.Key
}

// Trigger asks the engine to run one cycle.
type Trigger struct {
	Scope  Scope
	Reason Reason
}

// FullSync is a trigger for a full cycle.
func FullSync(reason Reason) Trigger {
	return Trigger{Reason: reason}
}

// KeySync is a trigger scoped to one merge key.
func KeySync(key string, reason Reason) Trigger {
	return Trigger{Scope: Scope{Key: key}, Reason: reason}
}

// SourceReport is the outcome of one source's fetch.
type SourceReport struct {
	Source      models.Source
	Fetched     int
	Deleted     int
	Incremental bool
	Skipped     bool
	Err         error
}

// Report summarizes one cycle.
type Report struct {
	RunID        string
	Trigger      Trigger
	StartedAt    time.Time
	FinishedAt   time.Time
	States       []State
	Sources      []SourceReport
	Fetched      int
	Changed      int
	Pushed       int
	PushFailures int
	Deleted      int
	Err          error
}

// Source returns the fetch report for s, if that source took part.
func (r *Report) Source(s models.Source) (SourceReport, bool) {
	for _, sr := range r.Sources {
		if sr.Source == s {
			return sr, true
		}
	}
	return SourceReport{}, false
}
