package retry

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/georoute/internal/logging"
	"github.com/dray-io/georoute/internal/partition"
	"github.com/dray-io/georoute/internal/routing"
	"github.com/dray-io/georoute/internal/session"
	"github.com/dray-io/georoute/internal/topology"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

// instantClock fires every After immediately and records the requested
// durations.
type instantClock struct {
	clock.Clock
	mu    sync.Mutex
	waits []time.Duration
}

func newInstantClock() *instantClock {
	return &instantClock{Clock: clock.WallClock}
}

func (c *instantClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

type sentOp struct {
	host string
	op   Operation
}

// scriptedTransport replays per-host results in order; the last result for
// a host repeats.
type scriptedTransport struct {
	mu     sync.Mutex
	script map[string][]result
	sent   []sentOp
}

type result struct {
	resp *Response
	err  error
}

func ok(tokens map[string]session.Token) result {
	return result{resp: &Response{StatusCode: 200, SessionTokens: tokens}}
}

func status(code, sub int) result {
	return result{resp: &Response{StatusCode: code, SubStatus: sub}}
}

func timeout() result {
	return result{err: &TransportError{Timeout: true, Err: errors.New("i/o timeout")}}
}

func newScriptedTransport(script map[string][]result) *scriptedTransport {
	return &scriptedTransport{script: script}
}

func (s *scriptedTransport) Send(_ context.Context, endpoint *url.URL, op *Operation) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentOp{host: endpoint.Host, op: *op})
	rs := s.script[endpoint.Host]
	if len(rs) == 0 {
		return nil, errors.New("no script for " + endpoint.Host)
	}
	r := rs[0]
	if len(rs) > 1 {
		s.script[endpoint.Host] = rs[1:]
	}
	return r.resp, r.err
}

func (s *scriptedTransport) hosts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, op := range s.sent {
		out[i] = op.host
	}
	return out
}

type fakeResolver struct {
	mu        sync.Mutex
	eps       []*url.URL
	marked    []string
	refreshes int
}

func (f *fakeResolver) ResolveEndpoints(topology.OperationKind, []string) []*url.URL {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eps
}

func (f *fakeResolver) MarkUnavailable(endpoint *url.URL, _ topology.OperationKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, endpoint.Host)
}

func (f *fakeResolver) Refresh(context.Context, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return nil
}

type fakePartitions struct {
	mu          sync.Mutex
	resolves    int
	invalidates int
}

func (f *fakePartitions) Resolve(context.Context, string, string) (partition.KeyRange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves++
	return partition.KeyRange{ID: "1", MinInclusive: "", MaxExclusive: "FF"}, nil
}

func (f *fakePartitions) Invalidate(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidates++
}

func newTestHandler(t *testing.T, cfg HandlerConfig, deps Deps, opts ...HandlerOption) *Handler {
	t.Helper()
	opts = append([]HandlerOption{WithLogger(logging.Discard())}, opts...)
	h, err := NewHandler(cfg, deps, opts...)
	require.NoError(t, err)
	return h
}

func twoRegionManager(t *testing.T, fetcher topology.Fetcher) *routing.Manager {
	t.Helper()
	regions := []topology.RegionEndpoint{
		{Region: "A", Endpoint: mustURL(t, "https://a.example.com")},
		{Region: "B", Endpoint: mustURL(t, "https://b.example.com")},
	}
	topo, err := topology.New(regions, regions, time.Now())
	require.NoError(t, err)
	if fetcher == nil {
		fetcher = topology.FetcherFunc(func(context.Context, *url.URL) (*topology.AccountTopology, error) {
			return topo, nil
		})
	}
	return routing.NewManager(routing.ManagerConfig{
		AccountEndpoint:   mustURL(t, "https://acct.example.com"),
		UnavailableWindow: 5 * time.Minute,
	}, fetcher, routing.WithInitialTopology(topo), routing.WithLogger(logging.Discard()))
}

func TestNewHandlerValidates(t *testing.T) {
	_, err := NewHandler(DefaultHandlerConfig(), Deps{})
	assert.Error(t, err)

	cfg := DefaultHandlerConfig()
	cfg.MaxAttempts = 0
	_, err = NewHandler(cfg, Deps{Endpoints: &fakeResolver{}, Transport: newScriptedTransport(nil)})
	assert.Error(t, err)
}

func TestExecute_FailoverAfterPerEndpointLimit(t *testing.T) {
	mgr := twoRegionManager(t, nil)
	store := session.NewStore()
	transport := newScriptedTransport(map[string][]result{
		"a.example.com": {timeout(), timeout()},
		"b.example.com": {ok(map[string]session.Token{"0": {LSN: 42, GlobalLSN: 40}})},
	})
	clk := newInstantClock()
	h := newTestHandler(t, DefaultHandlerConfig(), Deps{Endpoints: mgr, Transport: transport, Sessions: store}, WithClock(clk))

	resp, rc, err := h.Execute(context.Background(), &Operation{Kind: topology.Write, PreferredRegions: []string{}})
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.Equal(t, []string{"a.example.com", "a.example.com", "b.example.com"}, transport.hosts())
	assert.Equal(t, 3, rc.AttemptIndex)
	require.Len(t, rc.FailedEndpoints, 1)
	assert.Equal(t, "a.example.com", rc.FailedEndpoints[0].Host)
	assert.True(t, rc.IsRetry)
	assert.NotEmpty(t, rc.ActivityID)

	tok, found := store.Current("0")
	require.True(t, found)
	assert.Equal(t, session.Token{LSN: 42, GlobalLSN: 40}, tok)

	// A is now excluded for every operation of the client
	assert.True(t, mgr.IsUnavailable(mustURL(t, "https://a.example.com"), topology.Write))
	assert.False(t, mgr.IsUnavailable(mustURL(t, "https://a.example.com"), topology.Read))

	// one backoff on A, then an immediate try on B
	require.Len(t, rc.Delays, 2)
	assert.Greater(t, rc.Delays[0], time.Duration(0))
	assert.Equal(t, time.Duration(0), rc.Delays[1])
	assert.Len(t, clk.waits, 1)
}

func TestExecute_StalePartitionReResolvesOnce(t *testing.T) {
	resolver := &fakeResolver{eps: []*url.URL{mustURL(t, "https://a.example.com"), mustURL(t, "https://b.example.com")}}
	parts := &fakePartitions{}
	store := session.NewStore()
	store.Merge("1", session.Token{LSN: 5, GlobalLSN: 5})
	transport := newScriptedTransport(map[string][]result{
		"a.example.com": {status(410, 0)},
		"b.example.com": {ok(nil)},
	})
	h := newTestHandler(t, DefaultHandlerConfig(), Deps{
		Endpoints: resolver, Transport: transport, Sessions: store, Partitions: parts,
	}, WithClock(newInstantClock()))

	_, rc, err := h.Execute(context.Background(), &Operation{Kind: topology.Read, ResourceID: "coll", PartitionKey: "alice"})
	require.NoError(t, err)

	// stale, then stale again handled as transient (limit reached), then B
	assert.Equal(t, []string{"a.example.com", "a.example.com", "b.example.com"}, transport.hosts())
	assert.True(t, rc.StaleRetried)
	assert.Equal(t, 1, parts.invalidates)
	assert.Equal(t, 2, parts.resolves)
	assert.Equal(t, time.Duration(0), rc.Delays[0])
	assert.Equal(t, []string{"a.example.com"}, resolver.marked)

	for _, s := range transport.sent {
		assert.Equal(t, "1", s.op.PartitionRangeID)
		assert.Equal(t, "1:5,5", s.op.SessionToken)
		assert.Equal(t, rc.ActivityID, s.op.ActivityID)
	}
}

func TestExecute_NeverExceedsAttemptBudget(t *testing.T) {
	resolver := &fakeResolver{eps: []*url.URL{mustURL(t, "https://a.example.com"), mustURL(t, "https://b.example.com")}}
	transport := newScriptedTransport(map[string][]result{
		"a.example.com": {timeout()},
		"b.example.com": {timeout()},
	})
	cfg := DefaultHandlerConfig()
	cfg.MaxAttempts = 3
	cfg.PerEndpointAttempts = 5
	h := newTestHandler(t, cfg, Deps{Endpoints: resolver, Transport: transport}, WithClock(newInstantClock()))

	_, rc, err := h.Execute(context.Background(), &Operation{Kind: topology.Read})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetryBudgetExhausted)

	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 3, re.Attempts)
	assert.Equal(t, OutcomeTransientNetwork, re.Last)
	assert.Equal(t, []string{"https://a.example.com"}, re.Endpoints)
	assert.Len(t, transport.hosts(), 3)
	assert.Equal(t, 3, rc.AttemptIndex)
}

func TestExecute_BackoffResetsOnFailover(t *testing.T) {
	resolver := &fakeResolver{eps: []*url.URL{mustURL(t, "https://a.example.com"), mustURL(t, "https://b.example.com")}}
	transport := newScriptedTransport(map[string][]result{
		"a.example.com": {timeout()},
		"b.example.com": {timeout()},
	})
	cfg := DefaultHandlerConfig()
	cfg.PerEndpointAttempts = 3
	cfg.InitialBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 100 * time.Millisecond
	cfg.Jitter = 0
	clk := newInstantClock()
	h := newTestHandler(t, cfg, Deps{Endpoints: resolver, Transport: transport}, WithClock(clk))

	_, rc, err := h.Execute(context.Background(), &Operation{Kind: topology.Write})
	require.ErrorIs(t, err, ErrRegionsUnavailable)

	ms := time.Millisecond
	assert.Equal(t, []time.Duration{10 * ms, 20 * ms, 0, 10 * ms, 20 * ms}, rc.Delays)
	assert.Equal(t, []time.Duration{10 * ms, 20 * ms, 10 * ms, 20 * ms}, clk.waits)
	assert.Equal(t, 6, rc.AttemptIndex)
	assert.Len(t, rc.FailedEndpoints, 2)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, resolver.marked)
}

func TestExecute_RegionUnavailableFailsOverImmediately(t *testing.T) {
	resolver := &fakeResolver{eps: []*url.URL{mustURL(t, "https://a.example.com"), mustURL(t, "https://b.example.com")}}
	transport := newScriptedTransport(map[string][]result{
		"a.example.com": {status(503, 0)},
		"b.example.com": {ok(nil)},
	})
	clk := newInstantClock()
	h := newTestHandler(t, DefaultHandlerConfig(), Deps{Endpoints: resolver, Transport: transport}, WithClock(clk))

	_, rc, err := h.Execute(context.Background(), &Operation{Kind: topology.Read})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, transport.hosts())
	assert.Equal(t, []string{"a.example.com"}, resolver.marked)
	assert.Empty(t, clk.waits)
	assert.Equal(t, []time.Duration{0}, rc.Delays)
}

func TestExecute_ThrottleHonoursRetryAfter(t *testing.T) {
	resolver := &fakeResolver{eps: []*url.URL{mustURL(t, "https://a.example.com")}}
	transport := newScriptedTransport(map[string][]result{
		"a.example.com": {
			{resp: &Response{StatusCode: 429, RetryAfter: 300 * time.Millisecond}},
			ok(nil),
		},
	})
	clk := newInstantClock()
	h := newTestHandler(t, DefaultHandlerConfig(), Deps{Endpoints: resolver, Transport: transport}, WithClock(clk))

	_, rc, err := h.Execute(context.Background(), &Operation{Kind: topology.Write})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{300 * time.Millisecond}, clk.waits)
	assert.Equal(t, 300*time.Millisecond, rc.ThrottleWait)
	assert.Empty(t, resolver.marked)
}

func TestExecute_ThrottleWaitIsBounded(t *testing.T) {
	resolver := &fakeResolver{eps: []*url.URL{mustURL(t, "https://a.example.com")}}
	transport := newScriptedTransport(map[string][]result{
		"a.example.com": {{resp: &Response{StatusCode: 429, RetryAfter: 20 * time.Second}}},
	})
	cfg := DefaultHandlerConfig()
	cfg.OperationTimeout = 0
	h := newTestHandler(t, cfg, Deps{Endpoints: resolver, Transport: transport}, WithClock(newInstantClock()))

	_, rc, err := h.Execute(context.Background(), &Operation{Kind: topology.Write})
	require.ErrorIs(t, err, ErrRetryBudgetExhausted)

	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, OutcomeThrottled, re.Last)
	assert.Equal(t, 2, re.Attempts)
	assert.Equal(t, 20*time.Second, rc.ThrottleWait)
}

func TestExecute_InvalidIsFatal(t *testing.T) {
	resolver := &fakeResolver{eps: []*url.URL{mustURL(t, "https://a.example.com"), mustURL(t, "https://b.example.com")}}
	transport := newScriptedTransport(map[string][]result{
		"a.example.com": {status(400, 0)},
	})
	h := newTestHandler(t, DefaultHandlerConfig(), Deps{Endpoints: resolver, Transport: transport})

	resp, _, err := h.Execute(context.Background(), &Operation{Kind: topology.Write})
	assert.Nil(t, resp)
	require.ErrorIs(t, err, ErrInvalidRequest)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 400, se.StatusCode)

	var re *Error
	require.ErrorAs(t, err, &re)
	assert.False(t, re.Retryable())
	assert.Equal(t, 1, re.Attempts)
	assert.Empty(t, resolver.marked)
}

func TestExecute_DeadlineReportsTimeout(t *testing.T) {
	resolver := &fakeResolver{eps: []*url.URL{mustURL(t, "https://a.example.com")}}
	transport := TransportFunc(func(ctx context.Context, _ *url.URL, _ *Operation) (*Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newTestHandler(t, DefaultHandlerConfig(), Deps{Endpoints: resolver, Transport: transport})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, rc, err := h.Execute(ctx, &Operation{Kind: topology.Read})
	require.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, OutcomeTimeout, rc.LastOutcome)
	assert.Equal(t, 1, rc.AttemptIndex)
}

func TestExecute_DeadlineDoesNotMarkEndpoint(t *testing.T) {
	resolver := &fakeResolver{eps: []*url.URL{
		mustURL(t, "https://a.example.com"),
		mustURL(t, "https://b.example.com"),
	}}
	// the transport reports the caller's expired deadline as a network error
	transport := TransportFunc(func(ctx context.Context, _ *url.URL, _ *Operation) (*Response, error) {
		<-ctx.Done()
		return nil, &TransportError{Err: ctx.Err()}
	})
	cfg := DefaultHandlerConfig()
	cfg.PerEndpointAttempts = 1
	h := newTestHandler(t, cfg, Deps{Endpoints: resolver, Transport: transport})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, rc, err := h.Execute(ctx, &Operation{Kind: topology.Read})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, OutcomeTimeout, rc.LastOutcome)
	assert.Equal(t, 1, rc.AttemptIndex)
	assert.Empty(t, rc.FailedEndpoints)

	resolver.mu.Lock()
	defer resolver.mu.Unlock()
	assert.Empty(t, resolver.marked)
}

func TestExecute_UnkeyedOperationCarriesStoredTokens(t *testing.T) {
	resolver := &fakeResolver{eps: []*url.URL{mustURL(t, "https://a.example.com")}}
	transport := newScriptedTransport(map[string][]result{
		"a.example.com": {ok(map[string]session.Token{"0": {LSN: 5, GlobalLSN: 5}})},
	})
	sessions := session.NewStore()
	h := newTestHandler(t, DefaultHandlerConfig(), Deps{Endpoints: resolver, Transport: transport, Sessions: sessions})

	for i := 0; i < 2; i++ {
		_, _, err := h.Execute(context.Background(), &Operation{Kind: topology.Read, ResourceID: "dbs/x/colls/y"})
		require.NoError(t, err)
	}

	require.Len(t, transport.sent, 2)
	assert.Empty(t, transport.sent[0].op.SessionToken)
	assert.Equal(t, "0:5,5", transport.sent[1].op.SessionToken)

	// a caller supplied token is sent unchanged
	_, _, err := h.Execute(context.Background(), &Operation{Kind: topology.Read, SessionToken: "0:9,9"})
	require.NoError(t, err)
	assert.Equal(t, "0:9,9", transport.sent[2].op.SessionToken)
}

func TestExecute_CancelAbortsBackoff(t *testing.T) {
	resolver := &fakeResolver{eps: []*url.URL{mustURL(t, "https://a.example.com")}}
	transport := newScriptedTransport(map[string][]result{"a.example.com": {timeout()}})
	// the test clock never advances, so the backoff only ends by cancellation
	clk := testclock.NewClock(time.Now())
	h := newTestHandler(t, DefaultHandlerConfig(), Deps{Endpoints: resolver, Transport: transport}, WithClock(clk))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = clk.WaitAdvance(0, 5*time.Second, 1)
		cancel()
	}()

	_, _, err := h.Execute(ctx, &Operation{Kind: topology.Read})
	require.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, transport.hosts(), 1)
}

func TestExecute_TopologyStaleRefreshesAndContinues(t *testing.T) {
	a := mustURL(t, "https://a.example.com")
	b := mustURL(t, "https://b.example.com")
	var fetches int
	var mu sync.Mutex
	fetcher := topology.FetcherFunc(func(context.Context, *url.URL) (*topology.AccountTopology, error) {
		mu.Lock()
		fetches++
		mu.Unlock()
		// B took over writes
		return topology.New(
			[]topology.RegionEndpoint{{Region: "B", Endpoint: b}},
			[]topology.RegionEndpoint{{Region: "A", Endpoint: a}, {Region: "B", Endpoint: b}},
			time.Now())
	})
	mgr := twoRegionManager(t, fetcher)
	transport := newScriptedTransport(map[string][]result{
		"a.example.com": {status(403, SubStatusWriteForbidden)},
		"b.example.com": {ok(nil)},
	})
	h := newTestHandler(t, DefaultHandlerConfig(), Deps{Endpoints: mgr, Transport: transport}, WithClock(newInstantClock()))

	_, rc, err := h.Execute(context.Background(), &Operation{Kind: topology.Write})
	require.NoError(t, err)
	assert.True(t, rc.TopologyRefreshed)
	assert.Equal(t, 1, fetches)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, transport.hosts())
	require.Len(t, mgr.Topology().WriteRegions(), 1)
	assert.Equal(t, "B", mgr.Topology().WriteRegions()[0].Region)
}

func TestExecute_RepeatedTopologyStaleFailsOver(t *testing.T) {
	resolver := &fakeResolver{eps: []*url.URL{
		mustURL(t, "https://a.example.com"),
		mustURL(t, "https://b.example.com"),
		mustURL(t, "https://c.example.com"),
	}}
	transport := newScriptedTransport(map[string][]result{
		"a.example.com": {status(403, SubStatusWriteForbidden)},
		"b.example.com": {status(403, SubStatusWriteForbidden)},
		"c.example.com": {ok(nil)},
	})
	h := newTestHandler(t, DefaultHandlerConfig(), Deps{Endpoints: resolver, Transport: transport}, WithClock(newInstantClock()))

	_, rc, err := h.Execute(context.Background(), &Operation{Kind: topology.Write})
	require.NoError(t, err)
	assert.Equal(t, 1, resolver.refreshes)
	assert.Equal(t, []string{"a.example.com", "b.example.com", "c.example.com"}, transport.hosts())
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, resolver.marked)
	assert.Len(t, rc.FailedEndpoints, 2)
}

func TestExecute_NoCandidates(t *testing.T) {
	h := newTestHandler(t, DefaultHandlerConfig(), Deps{Endpoints: &fakeResolver{}, Transport: newScriptedTransport(nil)})

	_, rc, err := h.Execute(context.Background(), &Operation{Kind: topology.Read, ActivityID: "fixed-id"})
	require.ErrorIs(t, err, ErrRegionsUnavailable)
	assert.Equal(t, "fixed-id", rc.ActivityID)
	assert.Equal(t, 0, rc.AttemptIndex)
}

type countingMetrics struct {
	mu        sync.Mutex
	attempts  map[string]int
	ops       int
	succeeded int
	backoffs  int
	failovers int
}

func (m *countingMetrics) RecordAttempt(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[outcome]++
}

func (m *countingMetrics) RecordOperation(_ string, _ float64, _ int, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops++
	if success {
		m.succeeded++
	}
}

func (m *countingMetrics) RecordBackoff(float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backoffs++
}

func (m *countingMetrics) RecordFailover(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failovers++
}

func TestExecute_RecordsMetrics(t *testing.T) {
	resolver := &fakeResolver{eps: []*url.URL{mustURL(t, "https://a.example.com"), mustURL(t, "https://b.example.com")}}
	transport := newScriptedTransport(map[string][]result{
		"a.example.com": {timeout(), timeout()},
		"b.example.com": {ok(nil)},
	})
	m := &countingMetrics{attempts: map[string]int{}}
	h := newTestHandler(t, DefaultHandlerConfig(), Deps{Endpoints: resolver, Transport: transport},
		WithClock(newInstantClock()), WithMetrics(m))

	_, _, err := h.Execute(context.Background(), &Operation{Kind: topology.Read})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"transient_network": 2, "success": 1}, m.attempts)
	assert.Equal(t, 1, m.ops)
	assert.Equal(t, 1, m.succeeded)
	assert.Equal(t, 1, m.backoffs)
	assert.Equal(t, 1, m.failovers)
}
