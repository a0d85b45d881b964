// Package partition maps partition keys to the physical key ranges that
// own them, caching the range layout of each resource.
package partition

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/twmb/murmur3"
)

const (
	// MinEffectivePartitionKey is the inclusive lower bound of the key space.
	MinEffectivePartitionKey = ""
	// MaxEffectivePartitionKey is the exclusive upper bound of the key space.
	MaxEffectivePartitionKey = "FF"
)

var (
	// ErrIncompleteRanges is returned when a range list does not tile the
	// key space exactly.
	ErrIncompleteRanges = errors.New("partition: ranges do not cover the key space")
	// ErrNoRange is returned when no range owns a key.
	ErrNoRange = errors.New("partition: no range for key")
)

// KeyRange is a half-open interval [MinInclusive, MaxExclusive) of effective
// partition keys owned by one physical partition.
type KeyRange struct {
	ID           string
	MinInclusive string
	MaxExclusive string
}

// Contains reports whether epk falls within the range.
func (r KeyRange) Contains(epk string) bool {
	return epk >= r.MinInclusive && epk < r.MaxExclusive
}

func (r KeyRange) String() string {
	return fmt.Sprintf("%s[%q,%q)", r.ID, r.MinInclusive, r.MaxExclusive)
}

// EffectivePartitionKey hashes a logical partition key onto the key space.
// The result is eight upper-case hex digits. The hash is reduced to 31 bits
// so every key sorts below MaxEffectivePartitionKey.
func EffectivePartitionKey(pk string) string {
	return fmt.Sprintf("%08X", murmur3.Sum32([]byte(pk))>>1)
}

// RoutingMap is the validated, sorted range layout of one resource.
type RoutingMap struct {
	ranges []KeyRange
}

// NewRoutingMap sorts ranges and checks that they cover
// [MinEffectivePartitionKey, MaxEffectivePartitionKey) with no gaps or
// overlaps.
func NewRoutingMap(ranges []KeyRange) (*RoutingMap, error) {
	if len(ranges) == 0 {
		return nil, ErrIncompleteRanges
	}
	sorted := append([]KeyRange(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinInclusive < sorted[j].MinInclusive })

	if sorted[0].MinInclusive != MinEffectivePartitionKey {
		return nil, fmt.Errorf("%w: first range starts at %q", ErrIncompleteRanges, sorted[0].MinInclusive)
	}
	for i, r := range sorted {
		if r.MinInclusive >= r.MaxExclusive {
			return nil, fmt.Errorf("%w: empty range %s", ErrIncompleteRanges, r)
		}
		if i > 0 && sorted[i-1].MaxExclusive != r.MinInclusive {
			return nil, fmt.Errorf("%w: %s does not follow %s", ErrIncompleteRanges, r, sorted[i-1])
		}
	}
	if last := sorted[len(sorted)-1]; last.MaxExclusive != MaxEffectivePartitionKey {
		return nil, fmt.Errorf("%w: last range ends at %q", ErrIncompleteRanges, last.MaxExclusive)
	}
	return &RoutingMap{ranges: sorted}, nil
}

// Lookup returns the range owning epk.
func (m *RoutingMap) Lookup(epk string) (KeyRange, error) {
	i := sort.Search(len(m.ranges), func(i int) bool { return m.ranges[i].MaxExclusive > epk })
	if i == len(m.ranges) || !m.ranges[i].Contains(epk) {
		return KeyRange{}, fmt.Errorf("%w %q", ErrNoRange, epk)
	}
	return m.ranges[i], nil
}

// Ranges returns the ranges in key order. Callers must not modify the slice.
func (m *RoutingMap) Ranges() []KeyRange {
	return m.ranges
}

// RangeFetcher loads the current range layout of a resource.
type RangeFetcher interface {
	FetchRanges(ctx context.Context, resourceID string) ([]KeyRange, error)
}

// RangeFetcherFunc adapts a function to RangeFetcher.
type RangeFetcherFunc func(ctx context.Context, resourceID string) ([]KeyRange, error)

// FetchRanges implements RangeFetcher.
func (f RangeFetcherFunc) FetchRanges(ctx context.Context, resourceID string) ([]KeyRange, error) {
	return f(ctx, resourceID)
}
