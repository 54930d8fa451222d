// Package poller periodically fetches the newest readings from a relay and
// reports each one once. It is the fallback for clients that cannot hold a
// stream open.
package poller

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeflare/furnace/pkg/telemetry"
	"go.uber.org/zap"
)

// DefaultInterval matches the dashboard refresh rate.
const DefaultInterval = 5 * time.Second

var ErrNoFetch = errors.New("poller: Fetch is required")

// FetchFunc returns the newest readings in any order.
type FetchFunc func(ctx context.Context) ([]telemetry.Reading, error)

// Poller calls Fetch immediately and then every Interval. A tick that fires
// while the previous Fetch is still running is skipped, not queued.
type Poller struct {
	Interval time.Duration
	Fetch    FetchFunc
	Logger   *zap.Logger

	skipped  atomic.Uint64
	inFlight atomic.Bool
	lastSeen int64
	seen     bool
	atLast   map[identity]int
}

// identity tells apart readings that share a timestamp.
type identity struct {
	topic string
	hash  uint64
}

func identityOf(r telemetry.Reading) identity {
	return identity{topic: r.Topic, hash: telemetry.Hash(r.Payload)}
}

// Skipped returns how many ticks were dropped because a fetch was in flight.
func (p *Poller) Skipped() uint64 { return p.skipped.Load() }

// Run polls until ctx is done and calls emit once for every reading not yet
// emitted, oldest first. emit is never called
// concurrently. Run returns after the last fetch has finished.
func (p *Poller) Run(ctx context.Context, emit func(telemetry.Reading)) error {
	if p.Fetch == nil {
		return ErrNoFetch
	}
	log := p.Logger
	if log == nil {
		log = zap.NewNop()
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	poll := func() {
		if !p.inFlight.CompareAndSwap(false, true) {
			p.skipped.Add(1)
			log.Debug("poll skipped, previous fetch still running")
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer p.inFlight.Store(false)
			readings, err := p.Fetch(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("poll failed", zap.Error(err))
				}
				return
			}
			for _, r := range p.fresh(readings) {
				emit(r)
			}
		}()
	}

	poll()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			poll()
		}
	}
}

// fresh filters readings to those not yet emitted, oldest first. Readings
// stamped with the newest emitted timestamp are matched by topic and payload,
// counting repeats, so ties are still delivered once each. Only the single
// in-flight fetch calls it.
func (p *Poller) fresh(readings []telemetry.Reading) []telemetry.Reading {
	sorted := slices.Clone(readings)
	// the API lists ties newest first
	slices.Reverse(sorted)
	slices.SortStableFunc(sorted, func(a, b telemetry.Reading) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})

	out := make([]telemetry.Reading, 0, len(sorted))
	repeats := make(map[identity]int)
	for _, r := range sorted {
		if p.seen && r.Timestamp < p.lastSeen {
			continue
		}
		if p.seen && r.Timestamp == p.lastSeen {
			id := identityOf(r)
			repeats[id]++
			if repeats[id] <= p.atLast[id] {
				continue
			}
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return out
	}

	last := out[len(out)-1].Timestamp
	if !p.seen || last != p.lastSeen {
		p.atLast = make(map[identity]int)
	}
	for _, r := range out {
		if r.Timestamp == last {
			p.atLast[identityOf(r)]++
		}
	}
	p.lastSeen = last
	p.seen = true
	return out
}
