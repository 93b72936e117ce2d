// ABOUTME: Error taxonomy shared by connectors, the state store and the engine
// ABOUTME: Sentinel kinds plus typed SourceError and StorageError with errors.Is support
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// New, Is and As are re-exported so callers need a single errors import.
var (
	New = errors.New
	Is  = errors.Is
	As  = errors.As
)

// Kind classifies a failure for retry and escalation decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthExpired
	KindRateLimited
	KindNotFound
	KindSignatureInvalid
	KindTransientNetwork
	KindStorageFailure
	KindBudgetExceeded
	KindInvalidInput
)

// Sentinel errors, one per Kind.
var (
	// ErrAuthExpired indicates a credential needs refreshing before the source can be used again
	ErrAuthExpired = errors.New("auth expired")

	// ErrRateLimited indicates the source asked us to back off
	ErrRateLimited = errors.New("rate limited")

	// ErrNotFound indicates the upstream record no longer exists
	ErrNotFound = errors.New("not found")

	// ErrSignatureInvalid indicates an inbound event failed signature verification
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrTransientNetwork indicates a retryable network or 5xx failure
	ErrTransientNetwork = errors.New("transient network error")

	// ErrStorageFailure indicates the local state store could not be read or written
	ErrStorageFailure = errors.New("storage failure")

	// ErrBudgetExceeded indicates a reconciliation cycle ran past its wall-clock budget
	ErrBudgetExceeded = errors.New("cycle budget exceeded")

	// ErrInvalidInput indicates malformed input or configuration
	ErrInvalidInput = errors.New("invalid input")
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindAuthExpired:      "auth_expired",
	KindRateLimited:      "rate_limited",
	KindNotFound:         "not_found",
	KindSignatureInvalid: "signature_invalid",
	KindTransientNetwork: "transient_network",
	KindStorageFailure:   "storage_failure",
	KindBudgetExceeded:   "budget_exceeded",
	KindInvalidInput:     "invalid_input",
}

var kindSentinels = map[Kind]error{
	KindAuthExpired:      ErrAuthExpired,
	KindRateLimited:      ErrRateLimited,
	KindNotFound:         ErrNotFound,
	KindSignatureInvalid: ErrSignatureInvalid,
	KindTransientNetwork: ErrTransientNetwork,
	KindStorageFailure:   ErrStorageFailure,
	KindBudgetExceeded:   ErrBudgetExceeded,
	KindInvalidInput:     ErrInvalidInput,
}

// String returns the snake_case name stored in push_errors and sync_state.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindUnknown
}

// Sentinel returns the sentinel error for the kind, or nil for KindUnknown.
func (k Kind) Sentinel() error {
	return kindSentinels[k]
}

// SourceError is a failure talking to one upstream source.
type SourceError struct {
	Source     string
	Op         string
	Kind       Kind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface
func (e *SourceError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s", e.Source, e.Op, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap implements errors.Unwrap
func (e *SourceError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support
func (e *SourceError) Is(target error) bool {
	s := e.Kind.Sentinel()
	return s != nil && target == s
}

// NewSourceError creates a SourceError of the given kind.
func NewSourceError(source, op string, kind Kind, err error) *SourceError {
	return &SourceError{Source: source, Op: op, Kind: kind, Err: err}
}

// NewStatusError creates a SourceError classified from an HTTP status code.
func NewStatusError(source, op string, status int, message string) *SourceError {
	var err error
	if message != "" {
		err = errors.New(message)
	}
	return &SourceError{Source: source, Op: op, Kind: FromStatus(status), StatusCode: status, Err: err}
}

// StorageError is a failure of the local state store.
type StorageError struct {
	Op  string
	Err error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

// Unwrap implements errors.Unwrap
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support
func (e *StorageError) Is(target error) bool {
	return target == ErrStorageFailure
}

// NewStorageError wraps err as a storage failure. A nil err yields nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// FromStatus maps an HTTP status code onto a Kind.
func FromStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuthExpired
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusNotFound || status == http.StatusGone:
		return KindNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return KindInvalidInput
	case status >= 500 || status == http.StatusRequestTimeout:
		return KindTransientNetwork
	default:
		return KindUnknown
	}
}

// KindOf reports the kind of err by checking each sentinel in turn.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind
	}
	for _, k := range []Kind{
		KindStorageFailure,
		KindBudgetExceeded,
		KindAuthExpired,
		KindRateLimited,
		KindNotFound,
		KindSignatureInvalid,
		KindTransientNetwork,
		KindInvalidInput,
	} {
		if errors.Is(err, kindSentinels[k]) {
			return k
		}
	}
	return KindUnknown
}

// RetryAfter returns the back-off hint carried by a rate limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var se *SourceError
	if errors.As(err, &se) && se.RetryAfter > 0 {
		return se.RetryAfter, true
	}
	return 0, false
}

// IsRetryable reports whether the failure is worth retrying inline.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransientNetwork
}

// IsFatal reports whether the failure must abort a whole reconciliation cycle.
func IsFatal(err error) bool {
	k := KindOf(err)
	return k == KindStorageFailure || k == KindBudgetExceeded
}
