package routing

import (
	"net/url"
	"sort"
	"time"

	"github.com/dray-io/georoute/internal/topology"
)

// UnavailableEntry records that an endpoint failed for one operation kind.
type UnavailableEntry struct {
	Endpoint  *url.URL
	Kind      topology.OperationKind
	MarkedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the entry no longer excludes its endpoint at now.
func (e UnavailableEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

type unavailableKey struct {
	endpoint string
	kind     topology.OperationKind
}

// UnavailableSet is an immutable set of unavailable entries keyed by
// (endpoint, kind). Mutating helpers return a new set.
type UnavailableSet struct {
	entries map[unavailableKey]UnavailableEntry
}

// NewUnavailableSet builds a set from entries. A later entry for the same
// endpoint and kind replaces an earlier one.
func NewUnavailableSet(entries ...UnavailableEntry) UnavailableSet {
	s := UnavailableSet{entries: make(map[unavailableKey]UnavailableEntry, len(entries))}
	for _, e := range entries {
		s.entries[unavailableKey{topology.EndpointKey(e.Endpoint), e.Kind}] = e
	}
	return s
}

// Lookup returns the entry for endpoint key and kind, expired or not.
func (s UnavailableSet) Lookup(key string, kind topology.OperationKind) (UnavailableEntry, bool) {
	e, ok := s.entries[unavailableKey{key, kind}]
	return e, ok
}

// Len returns the number of entries, including expired ones not yet evicted.
func (s UnavailableSet) Len() int {
	return len(s.entries)
}

// Entries returns all entries ordered by MarkedAt, oldest first.
func (s UnavailableSet) Entries() []UnavailableEntry {
	out := make([]UnavailableEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MarkedAt.Equal(out[j].MarkedAt) {
			return topology.EndpointKey(out[i].Endpoint) < topology.EndpointKey(out[j].Endpoint)
		}
		return out[i].MarkedAt.Before(out[j].MarkedAt)
	})
	return out
}

func (s UnavailableSet) hasExpired(now time.Time) bool {
	for _, e := range s.entries {
		if e.Expired(now) {
			return true
		}
	}
	return false
}

func (s UnavailableSet) with(e UnavailableEntry) UnavailableSet {
	next := UnavailableSet{entries: make(map[unavailableKey]UnavailableEntry, len(s.entries)+1)}
	for k, v := range s.entries {
		next.entries[k] = v
	}
	next.entries[unavailableKey{topology.EndpointKey(e.Endpoint), e.Kind}] = e
	return next
}

// without returns a copy lacking every entry for which drop returns true.
func (s UnavailableSet) without(drop func(key string, e UnavailableEntry) bool) UnavailableSet {
	next := UnavailableSet{entries: make(map[unavailableKey]UnavailableEntry, len(s.entries))}
	for k, v := range s.entries {
		if !drop(k.endpoint, v) {
			next.entries[k] = v
		}
	}
	return next
}
