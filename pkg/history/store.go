// Package history keeps the most recent readings in a capacity-capped,
// insertion-ordered store and answers time-range queries over it.
package history

import (
	"context"
	"math"
	"slices"
	"sync"

	"github.com/edgeflare/furnace/pkg/ring"
	"github.com/edgeflare/furnace/pkg/telemetry"
)

// DefaultCapacity matches the raw persisted buffer of the relay.
const DefaultCapacity = 10000

// Unbounded range limits for RangeQuery.
const (
	MinTime int64 = math.MinInt64
	MaxTime int64 = math.MaxInt64
)

// Querier is the read side shared by the in-memory store and durable sinks
// that can answer the same queries.
type Querier interface {
	RangeQuery(ctx context.Context, start, end int64, limit, offset int) ([]telemetry.Reading, error)
	Latest(ctx context.Context, n int) ([]telemetry.Reading, error)
	Count(ctx context.Context) (int, error)
}

// Store is a FIFO-evicting buffer of readings, safe for one writer and many
// concurrent readers.
type Store struct {
	mu  sync.RWMutex
	buf *ring.Buffer[telemetry.Reading]
}

// NewStore returns a store holding at most capacity readings. A non-positive
// capacity selects DefaultCapacity.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{buf: ring.New[telemetry.Reading](capacity)}
}

// Append inserts r as the newest reading. When the store is full the oldest
// reading is evicted and returned with evicted=true.
func (s *Store) Append(r telemetry.Reading) (old telemetry.Reading, evicted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Push(r)
}

// Capacity returns the fixed capacity.
func (s *Store) Capacity() int { return s.buf.Cap() }

// Len returns the number of readings held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buf.Len()
}

// Snapshot returns every reading in insertion order, oldest first.
func (s *Store) Snapshot() []telemetry.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buf.Slice(0, s.buf.Len())
}

// Tail returns up to n of the newest readings in insertion order.
func (s *Store) Tail(n int) []telemetry.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := s.buf.Len()
	return s.buf.Slice(total-n, total)
}

// Search returns readings with start <= timestamp <= end, newest timestamp
// first; equal timestamps keep the most recently inserted first. offset
// matches are skipped and at most limit are returned (limit <= 0 means no
// limit). The result is never nil.
func (s *Store) Search(start, end int64, limit, offset int) []telemetry.Reading {
	offset = max(offset, 0)
	s.mu.RLock()
	matches := make([]telemetry.Reading, 0)
	s.buf.Do(func(_ int, r telemetry.Reading) bool {
		if r.Timestamp >= start && r.Timestamp <= end {
			matches = append(matches, r)
		}
		return true
	})
	s.mu.RUnlock()

	// Insertion order already tracks timestamps; the stable sort only repairs
	// readings loaded out of order and keeps ties newest-inserted first.
	slices.SortStableFunc(matches, func(a, b telemetry.Reading) int {
		switch {
		case a.Timestamp > b.Timestamp:
			return -1
		case a.Timestamp < b.Timestamp:
			return 1
		}
		return 0
	})

	if offset >= len(matches) {
		return []telemetry.Reading{}
	}
	matches = matches[offset:]
	if limit > 0 && limit < len(matches) {
		matches = matches[:limit]
	}
	return matches
}

// RangeQuery implements Querier. It never fails.
func (s *Store) RangeQuery(_ context.Context, start, end int64, limit, offset int) ([]telemetry.Reading, error) {
	return s.Search(start, end, limit, offset), nil
}

// Latest implements Querier: the newest n readings, descending.
func (s *Store) Latest(_ context.Context, n int) ([]telemetry.Reading, error) {
	if n <= 0 {
		return []telemetry.Reading{}, nil
	}
	return s.Search(MinTime, MaxTime, n, 0), nil
}

// Count implements Querier.
func (s *Store) Count(_ context.Context) (int, error) {
	return s.Len(), nil
}
