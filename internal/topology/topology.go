// Package topology defines the account's region layout: which endpoints accept
// writes, which serve reads, and in what server-declared priority.
//
// An AccountTopology is immutable once built. Refreshes replace it wholesale,
// so a *AccountTopology can be shared across goroutines without locking.
package topology

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrEmptyTopology is returned when a fetched document lists no write or no read regions.
var ErrEmptyTopology = errors.New("topology: write and read region lists must be non-empty")

// OperationKind distinguishes reads from writes. Availability is tracked per kind
// because a region can keep serving reads after it stops accepting writes.
type OperationKind int

const (
	Read OperationKind = iota
	Write
)

func (k OperationKind) String() string {
	switch k {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return "unknown"
	}
}

// RegionEndpoint is a region name and the URL that serves it.
type RegionEndpoint struct {
	Region   string
	Endpoint *url.URL
}

// Key returns the canonical string identity of the endpoint.
func (r RegionEndpoint) Key() string {
	return EndpointKey(r.Endpoint)
}

// EndpointKey canonicalises an endpoint URL for use as a map key. Scheme and
// host are case-insensitive and a trailing slash is insignificant.
func EndpointKey(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)
	c.Path = strings.TrimSuffix(c.Path, "/")
	c.RawPath = ""
	return c.String()
}

// AccountTopology is an immutable snapshot of the account's regions.
type AccountTopology struct {
	writeRegions []RegionEndpoint
	readRegions  []RegionEndpoint
	fetchedAt    time.Time
}

// New builds a topology snapshot. The slices are copied.
func New(write, read []RegionEndpoint, fetchedAt time.Time) (*AccountTopology, error) {
	if len(write) == 0 || len(read) == 0 {
		return nil, ErrEmptyTopology
	}
	for _, list := range [][]RegionEndpoint{write, read} {
		for _, re := range list {
			if re.Endpoint == nil || re.Endpoint.Host == "" {
				return nil, fmt.Errorf("topology: region %q has no endpoint", re.Region)
			}
		}
	}
	return &AccountTopology{
		writeRegions: append([]RegionEndpoint(nil), write...),
		readRegions:  append([]RegionEndpoint(nil), read...),
		fetchedAt:    fetchedAt,
	}, nil
}

// Regions returns the server-ordered regions for kind. Callers must not
// modify the returned slice.
func (t *AccountTopology) Regions(kind OperationKind) []RegionEndpoint {
	if kind == Write {
		return t.writeRegions
	}
	return t.readRegions
}

// WriteRegions returns the writable regions in server priority order.
func (t *AccountTopology) WriteRegions() []RegionEndpoint { return t.writeRegions }

// ReadRegions returns the readable regions in server priority order.
func (t *AccountTopology) ReadRegions() []RegionEndpoint { return t.readRegions }

// FetchedAt is when the snapshot was obtained.
func (t *AccountTopology) FetchedAt() time.Time { return t.fetchedAt }

// Contains reports whether key names any endpoint, read or write.
func (t *AccountTopology) Contains(key string) bool {
	for _, list := range [][]RegionEndpoint{t.writeRegions, t.readRegions} {
		for _, re := range list {
			if re.Key() == key {
				return true
			}
		}
	}
	return false
}

// EndpointForRegion returns the endpoint serving kind in region, matched
// case-insensitively.
func (t *AccountTopology) EndpointForRegion(kind OperationKind, region string) (*url.URL, bool) {
	for _, re := range t.Regions(kind) {
		if strings.EqualFold(re.Region, region) {
			return re.Endpoint, true
		}
	}
	return nil, false
}

// Fetcher retrieves the account topology through a given endpoint.
type Fetcher interface {
	FetchTopology(ctx context.Context, endpoint *url.URL) (*AccountTopology, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, endpoint *url.URL) (*AccountTopology, error)

// FetchTopology implements Fetcher.
func (f FetcherFunc) FetchTopology(ctx context.Context, endpoint *url.URL) (*AccountTopology, error) {
	return f(ctx, endpoint)
}
