// Package client assembles the routing core into one handle: an endpoint
// manager, a session store, a partition cache and a retry handler sharing a
// single configuration.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/dray-io/georoute/internal/config"
	"github.com/dray-io/georoute/internal/logging"
	"github.com/dray-io/georoute/internal/partition"
	"github.com/dray-io/georoute/internal/retry"
	"github.com/dray-io/georoute/internal/routing"
	"github.com/dray-io/georoute/internal/session"
	"github.com/dray-io/georoute/internal/topology"
)

// ErrNoAccountEndpoint is returned by New when the configuration has no
// account endpoint.
var ErrNoAccountEndpoint = errors.New("client: account endpoint is required")

// Deps are the external collaborators. RangeFetcher may be nil, in which
// case operations are not routed by partition.
type Deps struct {
	Fetcher      topology.Fetcher
	Transport    retry.Transport
	RangeFetcher partition.RangeFetcher
}

// Client is safe for concurrent use.
type Client struct {
	id       string
	manager  *routing.Manager
	sessions *session.Store
	handler  *retry.Handler
	logger   *logging.Logger
}

type options struct {
	clock          clock.Clock
	logger         *logging.Logger
	routingMetrics routing.MetricsRecorder
	retryMetrics   retry.MetricsRecorder
}

// Option configures a Client.
type Option func(*options)

// WithClock sets the clock shared by the manager and the retry handler.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the base logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRoutingMetrics sets the recorder for refresh and health events.
func WithRoutingMetrics(r routing.MetricsRecorder) Option {
	return func(o *options) { o.routingMetrics = r }
}

// WithRetryMetrics sets the recorder for attempts and operations.
func WithRetryMetrics(r retry.MetricsRecorder) Option {
	return func(o *options) { o.retryMetrics = r }
}

// New builds a client. It does no I/O; call Start to fetch the topology.
func New(cfg *config.Config, deps Deps, opts ...Option) (*Client, error) {
	if cfg.Account.Endpoint == "" {
		return nil, ErrNoAccountEndpoint
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Fetcher == nil || deps.Transport == nil {
		return nil, errors.New("client: topology fetcher and transport are required")
	}
	account, err := url.Parse(cfg.Account.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("client: account endpoint: %w", err)
	}

	o := options{clock: clock.WallClock, logger: logging.Global()}
	for _, opt := range opts {
		opt(&o)
	}

	id := uuid.NewString()
	logger := o.logger.With(map[string]any{"client": id})

	managerOpts := []routing.ManagerOption{routing.WithClock(o.clock), routing.WithLogger(logger)}
	if o.routingMetrics != nil {
		managerOpts = append(managerOpts, routing.WithMetrics(o.routingMetrics))
	}
	manager := routing.NewManager(routing.ManagerConfig{
		AccountEndpoint:          account,
		PreferredRegions:         cfg.Account.PreferredRegions,
		UnavailableWindow:        cfg.Routing.UnavailableWindow,
		RefreshInterval:          cfg.Routing.RefreshInterval,
		ForcedRefreshMinInterval: cfg.Routing.ForcedRefreshMinInterval,
		RefreshOnPrimaryFailure:  cfg.Routing.RefreshOnPrimaryFailure,
		FetchTimeout:             cfg.Routing.FetchTimeout,
	}, deps.Fetcher, managerOpts...)

	sessions := session.NewStore()
	retryDeps := retry.Deps{Endpoints: manager, Transport: deps.Transport, Sessions: sessions}
	if deps.RangeFetcher != nil {
		cache, err := partition.NewCache(cfg.Partition.CacheSize, deps.RangeFetcher)
		if err != nil {
			return nil, err
		}
		retryDeps.Partitions = cache
	}

	handlerOpts := []retry.HandlerOption{retry.WithClock(o.clock), retry.WithLogger(logger)}
	if o.retryMetrics != nil {
		handlerOpts = append(handlerOpts, retry.WithMetrics(o.retryMetrics))
	}
	handler, err := retry.NewHandler(retry.HandlerConfig{
		MaxAttempts:          cfg.Retry.MaxAttempts,
		PerEndpointAttempts:  cfg.Retry.PerEndpointAttempts,
		InitialBackoff:       cfg.Retry.InitialBackoff,
		MaxBackoff:           cfg.Retry.MaxBackoff,
		BackoffMultiplier:    cfg.Retry.BackoffMultiplier,
		Jitter:               cfg.Retry.Jitter,
		DefaultThrottleDelay: cfg.Retry.DefaultThrottleDelay,
		MaxThrottleWait:      cfg.Retry.MaxThrottleWait,
		OperationTimeout:     cfg.Retry.OperationTimeout,
	}, retryDeps, handlerOpts...)
	if err != nil {
		return nil, err
	}

	return &Client{
		id:       id,
		manager:  manager,
		sessions: sessions,
		handler:  handler,
		logger:   logger,
	}, nil
}

// ID identifies this client instance in logs.
func (c *Client) ID() string { return c.id }

// Start fetches the initial topology and starts background refresh.
func (c *Client) Start(ctx context.Context) error {
	if err := c.manager.Start(ctx); err != nil {
		return fmt.Errorf("client: initial topology refresh: %w", err)
	}
	return nil
}

// Close stops background refresh.
func (c *Client) Close() error {
	return c.manager.Close()
}

// Do executes op with retries and failover.
func (c *Client) Do(ctx context.Context, op *retry.Operation) (*retry.Response, *retry.RequestContext, error) {
	return c.handler.Execute(ctx, op)
}

// ResolveEndpoints returns the current effective endpoints for kind using
// the configured region preference.
func (c *Client) ResolveEndpoints(kind topology.OperationKind) []*url.URL {
	return c.manager.ResolveEndpoints(kind, nil)
}

// Sessions returns the client's session token store.
func (c *Client) Sessions() *session.Store { return c.sessions }

// Manager returns the endpoint manager.
func (c *Client) Manager() *routing.Manager { return c.manager }
