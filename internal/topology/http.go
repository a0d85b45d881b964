package topology

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/juju/clock"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxDocumentBytes bounds the account document we are willing to decode.
const maxDocumentBytes = 1 << 20

// StatusError is returned when the account endpoint answers with a non-2xx status.
type StatusError struct {
	Endpoint   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("topology: %s returned status %d", e.Endpoint, e.StatusCode)
}

// accountDocument is the account metadata document served at the account root.
type accountDocument struct {
	WritableLocations []location `json:"writableLocations"`
	ReadableLocations []location `json:"readableLocations"`
}

type location struct {
	Name     string `json:"name"`
	Endpoint string `json:"databaseAccountEndpoint"`
}

// HTTPFetcher fetches the account document over HTTP(S).
type HTTPFetcher struct {
	client *http.Client
	clock  clock.Clock
	header http.Header
}

// HTTPFetcherOption configures an HTTPFetcher.
type HTTPFetcherOption func(*HTTPFetcher)

// WithHTTPClient replaces the HTTP client. Its transport is used as-is.
func WithHTTPClient(c *http.Client) HTTPFetcherOption {
	return func(f *HTTPFetcher) { f.client = c }
}

// WithFetchClock sets the clock used to stamp FetchedAt.
func WithFetchClock(c clock.Clock) HTTPFetcherOption {
	return func(f *HTTPFetcher) { f.clock = c }
}

// WithHeader adds a header sent with every fetch (e.g. an API version).
func WithHeader(key, value string) HTTPFetcherOption {
	return func(f *HTTPFetcher) { f.header.Add(key, value) }
}

// NewHTTPFetcher creates a fetcher. By default requests go through an
// otelhttp-instrumented transport with the given timeout.
func NewHTTPFetcher(timeout time.Duration, opts ...HTTPFetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		clock:  clock.WallClock,
		header: make(http.Header),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchTopology implements Fetcher.
func (f *HTTPFetcher) FetchTopology(ctx context.Context, endpoint *url.URL) (*AccountTopology, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("topology: build request: %w", err)
	}
	for k, vs := range f.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("topology: fetch from %s: %w", endpoint.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDocumentBytes))
		return nil, &StatusError{Endpoint: endpoint.String(), StatusCode: resp.StatusCode}
	}

	var doc accountDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentBytes)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("topology: decode account document: %w", err)
	}
	return doc.toTopology(f.clock.Now())
}

// ParseDocument decodes an account document. It is exported for callers that
// obtain the document through their own transport.
func ParseDocument(data []byte, fetchedAt time.Time) (*AccountTopology, error) {
	var doc accountDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("topology: decode account document: %w", err)
	}
	return doc.toTopology(fetchedAt)
}

func (d accountDocument) toTopology(fetchedAt time.Time) (*AccountTopology, error) {
	write, err := toRegions(d.WritableLocations)
	if err != nil {
		return nil, err
	}
	read, err := toRegions(d.ReadableLocations)
	if err != nil {
		return nil, err
	}
	return New(write, read, fetchedAt)
}

func toRegions(locs []location) ([]RegionEndpoint, error) {
	out := make([]RegionEndpoint, 0, len(locs))
	for _, loc := range locs {
		u, err := url.Parse(loc.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("topology: region %q endpoint %q: %w", loc.Name, loc.Endpoint, err)
		}
		out = append(out, RegionEndpoint{Region: loc.Name, Endpoint: u})
	}
	return out, nil
}
