package routing

import (
	"net/url"
	"strings"
	"time"

	"github.com/dray-io/georoute/internal/topology"
)

// EffectiveEndpoints derives the ordered endpoints to use for kind right now.
//
// Regions named in preferred are promoted to the front in the caller's order;
// the rest keep the topology's order. Endpoints with an unexpired entry for
// kind are dropped. If that leaves nothing, the single endpoint whose entry
// was marked earliest is returned so the caller always has a candidate.
//
// The function has no side effects and reads only its arguments.
func EffectiveEndpoints(topo *topology.AccountTopology, preferred []string, unavailable UnavailableSet, kind topology.OperationKind, now time.Time) []*url.URL {
	if topo == nil {
		return nil
	}

	ordered := orderByPreference(topo.Regions(kind), preferred)
	out := make([]*url.URL, 0, len(ordered))

	var fallback *url.URL
	var fallbackMarked time.Time
	for _, re := range ordered {
		if e, ok := unavailable.Lookup(re.Key(), kind); ok && !e.Expired(now) {
			if fallback == nil || e.MarkedAt.Before(fallbackMarked) {
				fallback = re.Endpoint
				fallbackMarked = e.MarkedAt
			}
			continue
		}
		out = append(out, re.Endpoint)
	}

	if len(out) == 0 && fallback != nil {
		return []*url.URL{fallback}
	}
	return out
}

// orderByPreference returns regions with the preferred ones first, in
// preference order, followed by the remainder in their original order.
// Region names compare case-insensitively; unknown or repeated preferences
// are ignored.
func orderByPreference(regions []topology.RegionEndpoint, preferred []string) []topology.RegionEndpoint {
	if len(preferred) == 0 {
		return regions
	}

	out := make([]topology.RegionEndpoint, 0, len(regions))
	used := make([]bool, len(regions))
	for _, name := range preferred {
		for i, re := range regions {
			if !used[i] && strings.EqualFold(re.Region, name) {
				used[i] = true
				out = append(out, re)
				break
			}
		}
	}
	for i, re := range regions {
		if !used[i] {
			out = append(out, re)
		}
	}
	return out
}
