package retry

import (
	"net/url"
	"time"

	"github.com/dray-io/georoute/internal/partition"
	"github.com/dray-io/georoute/internal/topology"
)

// RequestContext is the per-operation record the handler threads through
// its retry loop. It is returned to the caller for diagnostics and must not
// be shared between operations.
type RequestContext struct {
	ActivityID string
	Kind       topology.OperationKind
	StartedAt  time.Time

	// ResolvedRange is the partition key range the operation targets, nil
	// until resolved or after it was invalidated.
	ResolvedRange *partition.KeyRange

	// Candidates are the endpoints in the order they will be tried.
	Candidates []*url.URL
	current    int

	// AttemptIndex counts sends across all endpoints.
	AttemptIndex int
	// EndpointAttempts counts sends to the current endpoint.
	EndpointAttempts int
	IsRetry          bool
	// SessionToken is the token attached to the latest send.
	SessionToken string

	// FailedEndpoints are the endpoints abandoned by a failover, in order.
	FailedEndpoints []*url.URL
	// Attempted has the endpoint key of every send, in order.
	Attempted []string
	// Delays has the wait before each retry; a failover contributes zero.
	Delays []time.Duration

	StaleRetried      bool
	TopologyRefreshed bool
	// ThrottleWait is the total time spent waiting on throttling.
	ThrottleWait time.Duration

	LastOutcome Outcome
}

func newRequestContext(activityID string, kind topology.OperationKind, startedAt time.Time) *RequestContext {
	return &RequestContext{ActivityID: activityID, Kind: kind, StartedAt: startedAt}
}

// Endpoint returns the endpoint the next send goes to, or nil if none remain.
func (rc *RequestContext) Endpoint() *url.URL {
	if rc.current >= len(rc.Candidates) {
		return nil
	}
	return rc.Candidates[rc.current]
}

// HasFailed reports whether endpoint was abandoned by a failover.
func (rc *RequestContext) HasFailed(endpoint *url.URL) bool {
	key := topology.EndpointKey(endpoint)
	for _, u := range rc.FailedEndpoints {
		if topology.EndpointKey(u) == key {
			return true
		}
	}
	return false
}

func (rc *RequestContext) markFailed(endpoint *url.URL) {
	if !rc.HasFailed(endpoint) {
		rc.FailedEndpoints = append(rc.FailedEndpoints, endpoint)
	}
}

// advance moves to the next candidate that has not failed. It reports
// false when the list is exhausted.
func (rc *RequestContext) advance() bool {
	rc.EndpointAttempts = 0
	for rc.current++; rc.current < len(rc.Candidates); rc.current++ {
		if !rc.HasFailed(rc.Candidates[rc.current]) {
			return true
		}
	}
	return false
}

// replaceCandidates installs a freshly resolved list, skipping failed
// endpoints. It reports false when nothing usable remains.
func (rc *RequestContext) replaceCandidates(eps []*url.URL) bool {
	rc.Candidates = rc.Candidates[:0:0]
	for _, u := range eps {
		if !rc.HasFailed(u) {
			rc.Candidates = append(rc.Candidates, u)
		}
	}
	rc.current = 0
	rc.EndpointAttempts = 0
	return len(rc.Candidates) > 0
}

// endpointsTried returns the distinct attempted endpoints in first-use order.
func (rc *RequestContext) endpointsTried() []string {
	seen := make(map[string]bool, len(rc.Attempted))
	out := make([]string, 0, len(rc.Attempted))
	for _, k := range rc.Attempted {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
