package retry

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/dray-io/georoute/internal/session"
	"github.com/dray-io/georoute/internal/topology"
)

// Operation is one logical request. The handler passes each attempt a
// copy with ActivityID, SessionToken and PartitionRangeID filled in.
type Operation struct {
	Kind topology.OperationKind
	// ResourceID names the container the operation targets. It keys the
	// partition layout cache.
	ResourceID string
	// PartitionKey routes the operation to one partition when set.
	PartitionKey string
	// Path is the resource path relative to the endpoint, used by HTTP
	// transports.
	Path    string
	Payload any
	// PreferredRegions overrides the client default when non-nil.
	PreferredRegions []string
	// SessionToken is sent when no per-partition token is known.
	SessionToken string
	ActivityID   string
	// PartitionRangeID is set by the handler once the key range is resolved.
	PartitionRangeID string
}

// Response is what a transport returns for a completed exchange, whatever
// its status.
type Response struct {
	StatusCode int
	SubStatus  int
	// RetryAfter is the server-suggested delay on throttling, zero if absent.
	RetryAfter time.Duration
	// SessionTokens are the decomposed session token header, by range ID.
	SessionTokens map[string]session.Token
	Body          any
}

// Transport sends one attempt to one endpoint. It must honour ctx.
type Transport interface {
	Send(ctx context.Context, endpoint *url.URL, op *Operation) (*Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, endpoint *url.URL, op *Operation) (*Response, error)

// Send implements Transport.
func (f TransportFunc) Send(ctx context.Context, endpoint *url.URL, op *Operation) (*Response, error) {
	return f(ctx, endpoint, op)
}

// TransportError reports a failure below the protocol: connect, TLS or a
// transport-level timeout.
type TransportError struct {
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("transport timeout: %v", e.Err)
	}
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
