// Package retry drives a single logical operation to completion: it sends
// to the best endpoint, classifies the result, and then retries, fails over
// or gives up.
//
// Each Execute call owns its RequestContext. The endpoint resolver, session
// store and partition cache are shared handles passed in at construction.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dray-io/georoute/internal/logging"
	"github.com/dray-io/georoute/internal/partition"
	"github.com/dray-io/georoute/internal/session"
	"github.com/dray-io/georoute/internal/topology"
)

// HandlerConfig bounds the retry loop.
type HandlerConfig struct {
	// MaxAttempts caps sends per operation across all endpoints.
	MaxAttempts int
	// PerEndpointAttempts caps sends to one endpoint before a transient
	// failure turns into a failover.
	PerEndpointAttempts int
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	BackoffMultiplier   float64
	// Jitter is the randomization factor applied to each delay, in [0, 1).
	Jitter float64
	// DefaultThrottleDelay is used when a throttled response carries no
	// retry-after hint. Zero means use the backoff curve.
	DefaultThrottleDelay time.Duration
	// MaxThrottleWait caps the total time spent waiting on throttling.
	MaxThrottleWait time.Duration
	// OperationTimeout is applied when the caller's context has no deadline.
	OperationTimeout time.Duration
}

// DefaultHandlerConfig returns the defaults used by the client.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		MaxAttempts:         9,
		PerEndpointAttempts: 2,
		InitialBackoff:      50 * time.Millisecond,
		MaxBackoff:          5 * time.Second,
		BackoffMultiplier:   2,
		Jitter:              0.2,
		MaxThrottleWait:     30 * time.Second,
		OperationTimeout:    60 * time.Second,
	}
}

// EndpointResolver is the view of the endpoint manager the handler needs.
type EndpointResolver interface {
	ResolveEndpoints(kind topology.OperationKind, preferred []string) []*url.URL
	MarkUnavailable(endpoint *url.URL, kind topology.OperationKind)
	Refresh(ctx context.Context, force bool) error
}

// PartitionResolver maps partition keys to key ranges.
type PartitionResolver interface {
	Resolve(ctx context.Context, resourceID, partitionKey string) (partition.KeyRange, error)
	Invalidate(resourceID string)
}

// MetricsRecorder receives retry events.
type MetricsRecorder interface {
	RecordAttempt(outcome string)
	RecordOperation(kind string, durationSeconds float64, attempts int, success bool)
	RecordBackoff(seconds float64)
	RecordFailover(kind string)
}

// Deps are the collaborators of a Handler. Partitions may be nil, in which
// case operations are not routed by key range.
type Deps struct {
	Endpoints  EndpointResolver
	Transport  Transport
	Sessions   *session.Store
	Partitions PartitionResolver
}

// Handler runs operations. It is safe for concurrent use.
type Handler struct {
	cfg     HandlerConfig
	deps    Deps
	clock   clock.Clock
	logger  *logging.Logger
	metrics MetricsRecorder
	tracer  trace.Tracer
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithClock sets the clock used for backoff waits.
func WithClock(c clock.Clock) HandlerOption {
	return func(h *Handler) { h.clock = c }
}

// WithLogger sets the base logger.
func WithLogger(l *logging.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// WithMetrics sets the metrics recorder. Nil disables metrics.
func WithMetrics(r MetricsRecorder) HandlerOption {
	return func(h *Handler) { h.metrics = r }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) HandlerOption {
	return func(h *Handler) { h.tracer = t }
}

// NewHandler creates a handler.
func NewHandler(cfg HandlerConfig, deps Deps, opts ...HandlerOption) (*Handler, error) {
	if deps.Endpoints == nil || deps.Transport == nil {
		return nil, errors.New("retry: endpoint resolver and transport are required")
	}
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("retry: MaxAttempts must be positive, got %d", cfg.MaxAttempts)
	}
	if cfg.PerEndpointAttempts <= 0 {
		cfg.PerEndpointAttempts = 1
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if deps.Sessions == nil {
		deps.Sessions = session.NewStore()
	}

	h := &Handler{
		cfg:    cfg,
		deps:   deps,
		clock:  clock.WallClock,
		logger: logging.Global(),
		tracer: otel.Tracer("github.com/dray-io/georoute/retry"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// run is the state of one Execute call.
type run struct {
	h      *Handler
	op     *Operation
	rc     *RequestContext
	curve  *delayCurve
	span   trace.Span
	logger *logging.Logger
}

// Execute runs op until it succeeds or fails terminally. The returned
// RequestContext describes what happened either way. Errors are *Error.
func (h *Handler) Execute(ctx context.Context, op *Operation) (*Response, *RequestContext, error) {
	activityID := op.ActivityID
	if activityID == "" {
		activityID = uuid.NewString()
	}
	if _, ok := ctx.Deadline(); !ok && h.cfg.OperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.OperationTimeout)
		defer cancel()
	}
	ctx = logging.WithActivityIDCtx(ctx, activityID)
	ctx, span := h.tracer.Start(ctx, "retry.Execute", trace.WithAttributes(
		attribute.String("georoute.activity_id", activityID),
		attribute.String("georoute.kind", op.Kind.String()),
		attribute.String("georoute.resource", op.ResourceID),
	))
	defer span.End()

	r := &run{
		h:      h,
		op:     op,
		rc:     newRequestContext(activityID, op.Kind, h.clock.Now()),
		curve:  newDelayCurve(h.cfg),
		span:   span,
		logger: logging.Decorate(ctx, h.logger),
	}
	resp, err := r.loop(ctx)
	r.finish(err)
	return resp, r.rc, err
}

func (r *run) loop(ctx context.Context) (*Response, error) {
	h, rc, op := r.h, r.rc, r.op

	rc.Candidates = h.deps.Endpoints.ResolveEndpoints(op.Kind, op.PreferredRegions)
	if len(rc.Candidates) == 0 {
		return nil, r.fail(KindRegionsUnavailable, OutcomeRegionUnavailable, nil)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, r.fail(KindTimeout, OutcomeTimeout, err)
		}
		if rc.AttemptIndex >= h.cfg.MaxAttempts {
			return nil, r.fail(KindRetryBudgetExhausted, rc.LastOutcome, nil)
		}
		if err := r.resolveRange(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, r.fail(KindTimeout, OutcomeTimeout, ctx.Err())
			}
			return nil, r.fail(KindPartitionUnresolved, rc.LastOutcome, err)
		}

		endpoint := rc.Endpoint()
		resp, outcome := r.send(ctx, endpoint)

		// Special cases get one shot per operation; a repeat takes the
		// ordinary path for its class of failure.
		if outcome == OutcomeStalePartition && rc.StaleRetried {
			outcome = OutcomeTransientNetwork
		}
		if outcome == OutcomeTopologyStale && rc.TopologyRefreshed {
			outcome = OutcomeRegionUnavailable
		}
		rc.LastOutcome = outcome

		switch outcome {
		case OutcomeSuccess:
			if len(resp.SessionTokens) > 0 {
				h.deps.Sessions.MergeAll(resp.SessionTokens)
			}
			return resp, nil

		case OutcomeInvalid:
			return nil, r.fail(KindInvalid, outcome, &StatusError{StatusCode: resp.StatusCode, SubStatus: resp.SubStatus})

		case OutcomeTimeout:
			return nil, r.fail(KindTimeout, outcome, ctx.Err())

		case OutcomeStalePartition:
			rc.StaleRetried = true
			rc.ResolvedRange = nil
			if h.deps.Partitions != nil && op.ResourceID != "" {
				h.deps.Partitions.Invalidate(op.ResourceID)
			}
			r.logger.Infof("partition layout changed, re-resolving", map[string]any{"resource": op.ResourceID})
			if err := r.retryAfter(ctx, 0); err != nil {
				return nil, err
			}

		case OutcomeTopologyStale:
			if err := r.refreshTopology(ctx, endpoint); err != nil {
				return nil, err
			}

		case OutcomeTransientNetwork:
			if rc.EndpointAttempts < h.cfg.PerEndpointAttempts {
				if err := r.retryAfter(ctx, r.curve.Next()); err != nil {
					return nil, err
				}
				continue
			}
			if err := r.failover(ctx, endpoint); err != nil {
				return nil, err
			}

		case OutcomeThrottled:
			if err := r.throttle(ctx, resp); err != nil {
				return nil, err
			}

		case OutcomeRegionUnavailable:
			if err := r.failover(ctx, endpoint); err != nil {
				return nil, err
			}
		}
	}
}

// resolveRange looks up the partition key range if the operation is keyed
// and it is not already known, and picks the session token to attach.
func (r *run) resolveRange(ctx context.Context) error {
	h, rc, op := r.h, r.rc, r.op
	if rc.ResolvedRange == nil && op.PartitionKey != "" && h.deps.Partitions != nil {
		kr, err := h.deps.Partitions.Resolve(ctx, op.ResourceID, op.PartitionKey)
		if err != nil {
			return err
		}
		rc.ResolvedRange = &kr
	}

	rc.SessionToken = op.SessionToken
	switch {
	case rc.ResolvedRange != nil:
		if tok, ok := h.deps.Sessions.Current(rc.ResolvedRange.ID); ok {
			rc.SessionToken = session.FormatHeader(map[string]session.Token{rc.ResolvedRange.ID: tok})
		}
	case op.SessionToken == "":
		// without a range every known token goes out, so the server can
		// pick the one for whichever range serves the request
		if h.deps.Sessions.Len() > 0 {
			rc.SessionToken = session.FormatHeader(h.deps.Sessions.Snapshot())
		}
	}
	return nil
}

func (r *run) send(ctx context.Context, endpoint *url.URL) (*Response, Outcome) {
	h, rc := r.h, r.rc

	attempt := *r.op
	attempt.ActivityID = rc.ActivityID
	attempt.SessionToken = rc.SessionToken
	attempt.PartitionRangeID = ""
	if rc.ResolvedRange != nil {
		attempt.PartitionRangeID = rc.ResolvedRange.ID
	}

	rc.AttemptIndex++
	rc.EndpointAttempts++
	rc.Attempted = append(rc.Attempted, topology.EndpointKey(endpoint))

	resp, err := h.deps.Transport.Send(ctx, endpoint, &attempt)
	outcome := Classify(resp, err)
	switch {
	case outcome == OutcomeSuccess:
	case ctx.Err() != nil:
		// the operation's own deadline or cancellation says nothing about
		// the endpoint, whatever the transport reported
		outcome = OutcomeTimeout
	case outcome == OutcomeTimeout:
		// the transport's own deadline, not the operation's
		outcome = OutcomeTransientNetwork
	}

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	r.span.AddEvent("attempt", trace.WithAttributes(
		attribute.String("georoute.endpoint", endpoint.Host),
		attribute.Int("georoute.attempt", rc.AttemptIndex),
		attribute.String("georoute.outcome", outcome.String()),
		attribute.Int("georoute.status", status),
	))
	if h.metrics != nil {
		h.metrics.RecordAttempt(outcome.String())
	}
	fields := map[string]any{
		"endpoint": endpoint.Host,
		"attempt":  rc.AttemptIndex,
		"outcome":  outcome.String(),
		"status":   status,
	}
	if err != nil {
		fields["error"] = err
	}
	r.logger.Debugf("attempt finished", fields)
	return resp, outcome
}

// retryAfter waits d and flags the next send as a retry. A zero delay is
// recorded but does not wait.
func (r *run) retryAfter(ctx context.Context, d time.Duration) error {
	rc := r.rc
	if rc.AttemptIndex >= r.h.cfg.MaxAttempts {
		return r.fail(KindRetryBudgetExhausted, rc.LastOutcome, nil)
	}
	if err := r.wait(ctx, d); err != nil {
		return err
	}
	rc.Delays = append(rc.Delays, d)
	rc.IsRetry = true
	return nil
}

func (r *run) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < d {
		return r.fail(KindTimeout, OutcomeTimeout, context.DeadlineExceeded)
	}
	if r.h.metrics != nil {
		r.h.metrics.RecordBackoff(d.Seconds())
	}
	select {
	case <-r.h.clock.After(d):
		return nil
	case <-ctx.Done():
		return r.fail(KindTimeout, OutcomeTimeout, ctx.Err())
	}
}

func (r *run) throttle(ctx context.Context, resp *Response) error {
	h, rc := r.h, r.rc
	d := resp.RetryAfter
	if d <= 0 {
		d = h.cfg.DefaultThrottleDelay
	}
	if d <= 0 {
		d = r.curve.Next()
	}
	if h.cfg.MaxThrottleWait > 0 && rc.ThrottleWait+d > h.cfg.MaxThrottleWait {
		return r.fail(KindRetryBudgetExhausted, OutcomeThrottled, nil)
	}
	if err := r.retryAfter(ctx, d); err != nil {
		return err
	}
	rc.ThrottleWait += d
	return nil
}

// failover abandons endpoint for this operation and for the whole client,
// and moves to the next candidate with no delay.
func (r *run) failover(ctx context.Context, endpoint *url.URL) error {
	h, rc := r.h, r.rc
	if err := ctx.Err(); err != nil {
		return r.fail(KindTimeout, OutcomeTimeout, err)
	}
	h.deps.Endpoints.MarkUnavailable(endpoint, rc.Kind)
	rc.markFailed(endpoint)

	if !rc.advance() {
		return r.fail(KindRegionsUnavailable, rc.LastOutcome, nil)
	}
	r.curve.Reset()
	if h.metrics != nil {
		h.metrics.RecordFailover(rc.Kind.String())
	}
	r.logger.Warnf("failing over", map[string]any{
		"from":    endpoint.Host,
		"to":      rc.Endpoint().Host,
		"outcome": rc.LastOutcome.String(),
	})
	return r.retryAfter(ctx, 0)
}

// refreshTopology handles an endpoint that no longer serves this kind: the
// endpoint is abandoned, the topology is refreshed synchronously and the
// candidates are resolved again.
func (r *run) refreshTopology(ctx context.Context, endpoint *url.URL) error {
	h, rc := r.h, r.rc
	if err := ctx.Err(); err != nil {
		return r.fail(KindTimeout, OutcomeTimeout, err)
	}
	rc.TopologyRefreshed = true
	h.deps.Endpoints.MarkUnavailable(endpoint, rc.Kind)
	rc.markFailed(endpoint)

	if err := h.deps.Endpoints.Refresh(ctx, true); err != nil {
		if ctx.Err() != nil {
			return r.fail(KindTimeout, OutcomeTimeout, ctx.Err())
		}
		r.logger.Warnf("topology refresh failed, using last known topology", map[string]any{"error": err})
	}

	if !rc.replaceCandidates(h.deps.Endpoints.ResolveEndpoints(rc.Kind, r.op.PreferredRegions)) {
		return r.fail(KindRegionsUnavailable, OutcomeTopologyStale, nil)
	}
	r.curve.Reset()
	if h.metrics != nil {
		h.metrics.RecordFailover(rc.Kind.String())
	}
	r.logger.Infof("topology refreshed after stale endpoint", map[string]any{
		"from": endpoint.Host,
		"to":   rc.Endpoint().Host,
	})
	return r.retryAfter(ctx, 0)
}

func (r *run) fail(kind ErrorKind, last Outcome, cause error) error {
	r.rc.LastOutcome = last
	return &Error{
		Kind:       kind,
		Last:       last,
		Endpoints:  r.rc.endpointsTried(),
		Attempts:   r.rc.AttemptIndex,
		ActivityID: r.rc.ActivityID,
		Err:        cause,
	}
}

func (r *run) finish(err error) {
	h, rc := r.h, r.rc
	elapsed := h.clock.Now().Sub(rc.StartedAt)
	if h.metrics != nil {
		h.metrics.RecordOperation(rc.Kind.String(), elapsed.Seconds(), rc.AttemptIndex, err == nil)
	}
	r.span.SetAttributes(attribute.Int("georoute.attempts", rc.AttemptIndex))
	if err == nil {
		return
	}
	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, rc.LastOutcome.String())
	r.logger.Warnf("operation failed", map[string]any{
		"attempts": rc.AttemptIndex,
		"outcome":  rc.LastOutcome.String(),
		"error":    err,
	})
}
