package telemetry

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Deduplicator suppresses a payload identical to the most recently accepted
// one. Only the immediate predecessor is remembered: A, B, A accepts all three.
// It is not safe for concurrent use; one instance serves one ordered stream.
type Deduplicator struct {
	lastHash uint64
	hasLast  bool
	run      int
}

// NewDeduplicator returns a filter with no history, so the first payload is
// always accepted.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{}
}

// Accept reports whether p differs from the last accepted payload. A rejected
// payload extends the duplicate run; an accepted one resets it.
func (d *Deduplicator) Accept(p Payload) bool {
	h := Hash(p)
	if d.hasLast && h == d.lastHash {
		d.run++
		return false
	}
	d.lastHash = h
	d.hasLast = true
	d.run = 0
	return true
}

// RunLength is the number of consecutive payloads rejected since the last
// accepted one.
func (d *Deduplicator) RunLength() int { return d.run }

// Hash computes a content hash that is independent of key order. Opaque and
// object payloads hash in separate domains.
func Hash(p Payload) uint64 {
	digest := xxhash.New()
	if p.opaque {
		_, _ = digest.WriteString("s:")
		_, _ = digest.WriteString(p.raw)
		return digest.Sum64()
	}
	_, _ = digest.WriteString("o:")
	// encoding/json emits map keys in sorted order, nested maps included.
	b, err := json.Marshal(p.values)
	if err != nil {
		_, _ = digest.WriteString(fmt.Sprintf("%v", p.values))
		return digest.Sum64()
	}
	_, _ = digest.Write(b)
	return digest.Sum64()
}
