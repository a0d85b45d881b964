package routing

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/dray-io/georoute/internal/logging"
	"github.com/dray-io/georoute/internal/topology"
)

// Manager defaults used when the corresponding ManagerConfig field is zero.
const (
	DefaultUnavailableWindow = 5 * time.Minute
	DefaultRefreshInterval   = 5 * time.Minute
	DefaultFetchTimeout      = 10 * time.Second
)

// Forced refresh reasons reported to the metrics recorder.
const (
	ReasonPrimaryUnavailable = "primary_unavailable"
	ReasonPeriodic           = "periodic"
	ReasonRequested          = "requested"
)

// ErrNoFetchEndpoint is returned when there is neither an account endpoint
// nor a known topology to fetch from.
var ErrNoFetchEndpoint = errors.New("routing: no endpoint to fetch topology from")

// RefreshError reports a refresh in which every candidate endpoint failed.
// The previous topology stays in place.
type RefreshError struct {
	Attempts []error
}

func (e *RefreshError) Error() string {
	if len(e.Attempts) == 0 {
		return "routing: topology refresh failed"
	}
	return fmt.Sprintf("routing: topology refresh failed: %v", errors.Join(e.Attempts...))
}

func (e *RefreshError) Unwrap() []error {
	return e.Attempts
}

// MetricsRecorder receives routing events. It decouples this package from
// the metrics package.
type MetricsRecorder interface {
	RecordRefresh(durationSeconds float64, success bool)
	RecordMarkedUnavailable(kind string)
	RecordForcedRefresh(reason string)
	SetUnavailableEndpoints(n int)
}

// ManagerConfig holds the tunables of a Manager.
type ManagerConfig struct {
	// AccountEndpoint is the global endpoint tried first on every refresh.
	AccountEndpoint *url.URL
	// PreferredRegions is used when ResolveEndpoints is given nil.
	PreferredRegions []string
	// UnavailableWindow is how long a failed endpoint stays excluded.
	UnavailableWindow time.Duration
	// RefreshInterval is the period of the background refresh; a non-forced
	// refresh of a snapshot younger than this is a no-op.
	RefreshInterval time.Duration
	// ForcedRefreshMinInterval rate-limits out-of-band refreshes triggered
	// by endpoint failures. Zero disables the limit.
	ForcedRefreshMinInterval time.Duration
	// RefreshOnPrimaryFailure requests an out-of-band refresh when the
	// endpoint marked unavailable was the first choice for its kind.
	RefreshOnPrimaryFailure bool
	// FetchTimeout bounds one refresh across all candidate endpoints.
	FetchTimeout time.Duration
}

// Manager owns the current account topology and the unavailable-endpoint
// set, and answers which endpoints an operation should use.
//
// Readers never take a lock: the topology and the unavailable set are
// immutable snapshots published through atomic pointers. Writers of the
// unavailable set serialise on a mutex held only while a new set is built.
type Manager struct {
	cfg     ManagerConfig
	fetcher topology.Fetcher
	clock   clock.Clock
	logger  *logging.Logger
	metrics MetricsRecorder
	tracer  trace.Tracer

	topo        atomic.Pointer[topology.AccountTopology]
	unavailable atomic.Pointer[UnavailableSet]
	mu          sync.Mutex

	group     singleflight.Group
	limiter   *rate.Limiter
	refreshCh chan string

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock sets the clock used for expiry, refresh age and the refresh timer.
func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics recorder. Nil disables metrics.
func WithMetrics(r MetricsRecorder) ManagerOption {
	return func(m *Manager) { m.metrics = r }
}

// WithTracer sets the tracer used for refresh spans.
func WithTracer(t trace.Tracer) ManagerOption {
	return func(m *Manager) { m.tracer = t }
}

// WithInitialTopology seeds the manager with a known topology.
func WithInitialTopology(t *topology.AccountTopology) ManagerOption {
	return func(m *Manager) { m.topo.Store(t) }
}

// NewManager creates a manager. It does no I/O until Start or Refresh.
func NewManager(cfg ManagerConfig, fetcher topology.Fetcher, opts ...ManagerOption) *Manager {
	if cfg.UnavailableWindow <= 0 {
		cfg.UnavailableWindow = DefaultUnavailableWindow
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}

	limit := rate.Inf
	if cfg.ForcedRefreshMinInterval > 0 {
		limit = rate.Every(cfg.ForcedRefreshMinInterval)
	}

	m := &Manager{
		cfg:       cfg,
		fetcher:   fetcher,
		clock:     clock.WallClock,
		logger:    logging.Global(),
		tracer:    otel.Tracer("github.com/dray-io/georoute/routing"),
		limiter:   rate.NewLimiter(limit, 1),
		refreshCh: make(chan string, 1),
	}
	empty := NewUnavailableSet()
	m.unavailable.Store(&empty)

	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(map[string]any{"component": "endpoint_manager"})
	return m
}

// Topology returns the current snapshot, or nil before the first successful refresh.
func (m *Manager) Topology() *topology.AccountTopology {
	return m.topo.Load()
}

// UnavailableEntries returns the current unavailable entries, oldest first.
func (m *Manager) UnavailableEntries() []UnavailableEntry {
	return m.unavailable.Load().Entries()
}

// IsUnavailable reports whether endpoint is currently excluded for kind.
func (m *Manager) IsUnavailable(endpoint *url.URL, kind topology.OperationKind) bool {
	e, ok := m.unavailable.Load().Lookup(topology.EndpointKey(endpoint), kind)
	return ok && !e.Expired(m.clock.Now())
}

// ResolveEndpoints returns the ordered candidate endpoints for kind. A nil
// preferred list means the configured default. Before the first topology is
// known the account endpoint is the only candidate.
func (m *Manager) ResolveEndpoints(kind topology.OperationKind, preferred []string) []*url.URL {
	if preferred == nil {
		preferred = m.cfg.PreferredRegions
	}
	now := m.clock.Now()
	set := m.unavailable.Load()

	topo := m.topo.Load()
	if topo == nil {
		if m.cfg.AccountEndpoint == nil {
			return nil
		}
		return []*url.URL{m.cfg.AccountEndpoint}
	}

	eps := EffectiveEndpoints(topo, preferred, *set, kind, now)
	if set.hasExpired(now) {
		m.evictExpired(now)
	}
	return eps
}

// evictExpired drops expired entries. It gives up rather than wait if a
// writer holds the lock; the next lookup will try again.
func (m *Manager) evictExpired(now time.Time) {
	if !m.mu.TryLock() {
		return
	}
	defer m.mu.Unlock()
	next := m.unavailable.Load().without(func(_ string, e UnavailableEntry) bool {
		return e.Expired(now)
	})
	m.unavailable.Store(&next)
	m.reportUnavailable(next)
}

// MarkUnavailable excludes endpoint for kind for the unavailable window,
// refreshing the entry if one exists. If the endpoint was the current first
// choice for kind, an out-of-band refresh is requested.
func (m *Manager) MarkUnavailable(endpoint *url.URL, kind topology.OperationKind) {
	if endpoint == nil {
		return
	}
	now := m.clock.Now()
	key := topology.EndpointKey(endpoint)
	wasPrimary := m.isPrimary(key, kind)

	m.mu.Lock()
	next := m.unavailable.Load().with(UnavailableEntry{
		Endpoint:  endpoint,
		Kind:      kind,
		MarkedAt:  now,
		ExpiresAt: now.Add(m.cfg.UnavailableWindow),
	})
	m.unavailable.Store(&next)
	m.mu.Unlock()

	m.logger.Warnf("endpoint marked unavailable", map[string]any{
		"endpoint":  key,
		"kind":      kind.String(),
		"expiresAt": now.Add(m.cfg.UnavailableWindow),
		"primary":   wasPrimary,
	})
	if m.metrics != nil {
		m.metrics.RecordMarkedUnavailable(kind.String())
	}
	m.reportUnavailable(next)

	if wasPrimary && m.cfg.RefreshOnPrimaryFailure {
		m.RequestRefresh(ReasonPrimaryUnavailable)
	}
}

func (m *Manager) isPrimary(key string, kind topology.OperationKind) bool {
	eps := m.ResolveEndpoints(kind, nil)
	return len(eps) > 0 && topology.EndpointKey(eps[0]) == key
}

// RequestRefresh asks the background actor for a forced refresh without
// waiting for it. Requests beyond the forced-refresh rate limit, or made
// while one is already queued, are dropped. It reports whether the request
// was queued.
func (m *Manager) RequestRefresh(reason string) bool {
	if !m.limiter.AllowN(m.clock.Now(), 1) {
		return false
	}
	select {
	case m.refreshCh <- reason:
	default:
		return false
	}
	if m.metrics != nil {
		m.metrics.RecordForcedRefresh(reason)
	}
	return true
}

// Refresh fetches the topology and swaps it in. A non-forced refresh of a
// snapshot younger than the refresh interval does nothing. Concurrent calls
// share a single fetch. On failure the current topology is kept and a
// *RefreshError is returned.
func (m *Manager) Refresh(ctx context.Context, force bool) error {
	if !force {
		if t := m.topo.Load(); t != nil && m.clock.Now().Sub(t.FetchedAt()) < m.cfg.RefreshInterval {
			return nil
		}
	}

	ch := m.group.DoChan("refresh", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.FetchTimeout)
		defer cancel()
		return nil, m.fetchAndInstall(fctx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) fetchAndInstall(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "routing.Refresh")
	defer span.End()

	start := m.clock.Now()
	candidates := m.fetchCandidates()
	if len(candidates) == 0 {
		span.SetStatus(codes.Error, ErrNoFetchEndpoint.Error())
		return ErrNoFetchEndpoint
	}

	var errs []error
	for _, ep := range candidates {
		topo, err := m.fetcher.FetchTopology(ctx, ep)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ep.Host, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}

		m.install(topo, ep)
		if m.metrics != nil {
			m.metrics.RecordRefresh(m.clock.Now().Sub(start).Seconds(), true)
		}
		span.SetAttributes(
			attribute.String("georoute.refresh.endpoint", ep.Host),
			attribute.Int("georoute.refresh.write_regions", len(topo.WriteRegions())),
			attribute.Int("georoute.refresh.read_regions", len(topo.ReadRegions())),
		)
		m.logger.Debugf("topology refreshed", map[string]any{
			"endpoint":     ep.Host,
			"writeRegions": len(topo.WriteRegions()),
			"readRegions":  len(topo.ReadRegions()),
		})
		return nil
	}

	refreshErr := &RefreshError{Attempts: errs}
	if m.metrics != nil {
		m.metrics.RecordRefresh(m.clock.Now().Sub(start).Seconds(), false)
	}
	span.RecordError(refreshErr)
	span.SetStatus(codes.Error, "refresh failed")
	m.logger.Warnf("topology refresh failed, keeping last known topology", map[string]any{
		"error":        refreshErr,
		"haveTopology": m.topo.Load() != nil,
	})
	return refreshErr
}

// fetchCandidates lists where to fetch from: the account endpoint, then the
// read endpoints of the current topology in effective order.
func (m *Manager) fetchCandidates() []*url.URL {
	var out []*url.URL
	seen := make(map[string]bool)
	add := func(u *url.URL) {
		k := topology.EndpointKey(u)
		if u != nil && !seen[k] {
			seen[k] = true
			out = append(out, u)
		}
	}
	add(m.cfg.AccountEndpoint)
	if m.topo.Load() != nil {
		for _, u := range m.ResolveEndpoints(topology.Read, nil) {
			add(u)
		}
	}
	return out
}

// install publishes topo. The endpoint that served it has just answered a
// read, so its read entry is cleared; its write entry stays. Entries for
// endpoints the new topology no longer lists are dropped.
func (m *Manager) install(topo *topology.AccountTopology, servedBy *url.URL) {
	m.topo.Store(topo)

	served := topology.EndpointKey(servedBy)
	m.mu.Lock()
	next := m.unavailable.Load().without(func(key string, e UnavailableEntry) bool {
		return (key == served && e.Kind == topology.Read) || !topo.Contains(key)
	})
	m.unavailable.Store(&next)
	m.mu.Unlock()
	m.reportUnavailable(next)
}

func (m *Manager) reportUnavailable(s UnavailableSet) {
	if m.metrics != nil {
		m.metrics.SetUnavailableEndpoints(s.Len())
	}
}

// Start performs an initial forced refresh and launches the background
// refresh loop. If the initial refresh fails the loop is not started and
// the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.cancel != nil {
		return nil
	}

	if err := m.Refresh(ctx, true); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.run(loopCtx)

	m.logger.Infof("endpoint manager started", map[string]any{
		"refreshInterval":   m.cfg.RefreshInterval.String(),
		"unavailableWindow": m.cfg.UnavailableWindow.String(),
	})
	return nil
}

// run is the single consumer of refresh signals. The periodic timer and
// RequestRefresh both feed it, so at most one background refresh runs.
func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()
	for {
		timer := m.clock.NewTimer(m.cfg.RefreshInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
			m.backgroundRefresh(ctx, false, ReasonPeriodic)
		case reason := <-m.refreshCh:
			timer.Stop()
			m.backgroundRefresh(ctx, true, reason)
		}
	}
}

func (m *Manager) backgroundRefresh(ctx context.Context, force bool, reason string) {
	// Errors are logged and counted by fetchAndInstall; in-flight requests
	// keep using the last good topology.
	if err := m.Refresh(ctx, force); err != nil && ctx.Err() == nil {
		m.logger.Debugf("background refresh failed", map[string]any{"reason": reason, "error": err})
	}
}

// Close stops the background loop and waits for it to exit.
// The manager can be started again afterwards.
func (m *Manager) Close() error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	m.cancel = nil
	m.wg.Wait()
	m.logger.Info("endpoint manager stopped")
	return nil
}
