package topology

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDocument = `{
  "id": "acct",
  "writableLocations": [
    {"name": "East US", "databaseAccountEndpoint": "https://acct-eastus.example.com:443/"}
  ],
  "readableLocations": [
    {"name": "East US", "databaseAccountEndpoint": "https://acct-eastus.example.com:443/"},
    {"name": "West US", "databaseAccountEndpoint": "https://acct-westus.example.com:443/"}
  ]
}`

func TestHTTPFetcher_FetchTopology(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("x-ms-version")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sampleDocument))
	}))
	defer srv.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := NewHTTPFetcher(time.Second,
		WithHTTPClient(srv.Client()),
		WithFetchClock(testclock.NewClock(now)),
		WithHeader("x-ms-version", "2020-07-15"),
	)

	topo, err := f.FetchTopology(context.Background(), mustURL(t, srv.URL))
	require.NoError(t, err)

	assert.Equal(t, "2020-07-15", gotHeader)
	assert.True(t, topo.FetchedAt().Equal(now))
	require.Len(t, topo.WriteRegions(), 1)
	require.Len(t, topo.ReadRegions(), 2)
	assert.Equal(t, "West US", topo.ReadRegions()[1].Region)
	assert.Equal(t, "acct-westus.example.com:443", topo.ReadRegions()[1].Endpoint.Host)
}

func TestHTTPFetcher_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(time.Second, WithHTTPClient(srv.Client()))
	_, err := f.FetchTopology(context.Background(), mustURL(t, srv.URL))

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
}

func TestHTTPFetcher_EmptyDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"writableLocations": [], "readableLocations": []}`))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(time.Second, WithHTTPClient(srv.Client()))
	_, err := f.FetchTopology(context.Background(), mustURL(t, srv.URL))
	assert.True(t, errors.Is(err, ErrEmptyTopology), "got %v", err)
}

func TestParseDocument(t *testing.T) {
	topo, err := ParseDocument([]byte(sampleDocument), time.Unix(0, 0))
	require.NoError(t, err)
	assert.Equal(t, "East US", topo.WriteRegions()[0].Region)

	_, err = ParseDocument([]byte("{not json"), time.Unix(0, 0))
	assert.Error(t, err)
}
