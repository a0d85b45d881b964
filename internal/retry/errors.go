package retry

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors matched with errors.Is against an *Error.
var (
	// ErrInvalidRequest means the service rejected the request itself;
	// retrying it unchanged cannot succeed.
	ErrInvalidRequest = errors.New("retry: request rejected")
	// ErrTimeout means the operation deadline passed or the caller cancelled.
	ErrTimeout = errors.New("retry: operation deadline exceeded")
	// ErrRetryBudgetExhausted means the attempt or throttle budget ran out.
	ErrRetryBudgetExhausted = errors.New("retry: retry budget exhausted")
	// ErrRegionsUnavailable means every candidate endpoint failed.
	ErrRegionsUnavailable = errors.New("retry: no endpoint available")
	// ErrPartitionUnresolved means the partition key range could not be
	// determined.
	ErrPartitionUnresolved = errors.New("retry: partition key range unresolved")
)

// ErrorKind is the terminal classification of a failed operation.
type ErrorKind int

const (
	KindInvalid ErrorKind = iota
	KindTimeout
	KindRetryBudgetExhausted
	KindRegionsUnavailable
	KindPartitionUnresolved
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindTimeout:
		return "timeout"
	case KindRetryBudgetExhausted:
		return "retry_budget_exhausted"
	case KindRegionsUnavailable:
		return "regions_unavailable"
	case KindPartitionUnresolved:
		return "partition_unresolved"
	default:
		return "unknown"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindInvalid:
		return ErrInvalidRequest
	case KindTimeout:
		return ErrTimeout
	case KindRetryBudgetExhausted:
		return ErrRetryBudgetExhausted
	case KindRegionsUnavailable:
		return ErrRegionsUnavailable
	default:
		return ErrPartitionUnresolved
	}
}

// StatusError carries the status of a response that ended an operation.
type StatusError struct {
	StatusCode int
	SubStatus  int
}

func (e *StatusError) Error() string {
	if e.SubStatus != 0 {
		return fmt.Sprintf("status %d (substatus %d)", e.StatusCode, e.SubStatus)
	}
	return fmt.Sprintf("status %d", e.StatusCode)
}

// Error is the single error returned for a failed operation.
type Error struct {
	Kind ErrorKind
	// Last is the outcome of the final attempt.
	Last Outcome
	// Endpoints are the distinct endpoints tried, in first-use order.
	Endpoints []string
	// Attempts is the number of sends made.
	Attempts   int
	ActivityID string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "retry: %s after %d attempt(s), last outcome %s", e.Kind, e.Attempts, e.Last)
	if len(e.Endpoints) > 0 {
		fmt.Fprintf(&b, ", endpoints [%s]", strings.Join(e.Endpoints, " "))
	}
	if e.ActivityID != "" {
		fmt.Fprintf(&b, ", activity %s", e.ActivityID)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

// Retryable reports whether retrying the whole operation later could
// succeed. Rejected requests are not retryable.
func (e *Error) Retryable() bool {
	return e.Kind != KindInvalid
}
