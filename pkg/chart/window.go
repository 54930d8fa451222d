// Package chart holds the sliding window a dashboard chart renders: a capped
// live buffer of temperature points and a fixed-size visible range over it
// that follows new data unless the viewer has panned away.
package chart

import (
	"sync"

	"github.com/edgeflare/furnace/pkg/ring"
	"github.com/edgeflare/furnace/pkg/telemetry"
)

const (
	// DefaultSize is the number of points visible at once.
	DefaultSize = 8
	// DefaultCapacity caps the live buffer behind a window.
	DefaultCapacity = 1000
)

// State describes how much data the window holds relative to its size.
type State string

const (
	StateEmpty   State = "empty"   // no points
	StatePartial State = "partial" // everything fits, panning disabled
	StateFull    State = "full"    // more points than fit, panning enabled
)

// Point is one chart sample: the reading timestamp and one value per zone.
// A nil value is a gap in the chart.
type Point struct {
	Label  int64
	Values [telemetry.Zones]*float64
}

// PointFrom extracts the zone temperatures of r.
func PointFrom(r telemetry.Reading) Point {
	return Point{Label: r.Timestamp, Values: r.Payload.Fields().Temperatures}
}

// Slice is the visible part of a window.
type Slice struct {
	Labels []int64                     `json:"labels"`
	Series [telemetry.Zones][]*float64 `json:"series"`
	Start  int                         `json:"start"`
	End    int                         `json:"end"`
	Total  int                         `json:"total"`
	Size   int                         `json:"size"`
	State  State                       `json:"state"`
}

// Window is a sliding view over its own capped buffer. It is safe for
// concurrent use.
type Window struct {
	mu     sync.RWMutex
	points *ring.Buffer[Point]
	size   int
	start  int
}

// NewWindow returns a window showing size points out of at most capacity.
// Non-positive arguments select the defaults.
func NewWindow(size, capacity int) *Window {
	if size <= 0 {
		size = DefaultSize
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Window{points: ring.New[Point](capacity), size: size}
}

func (w *Window) maxStart() int {
	return max(0, w.points.Len()-w.size)
}

// Append adds p as the newest point. An eviction at the head shifts the start
// back by one so the same points stay in view. A viewer within one position
// of the end, or a window whose data all fits, snaps to the newest points.
func (w *Window) Append(p Point) {
	w.mu.Lock()
	defer w.mu.Unlock()

	following := w.start >= w.maxStart()-1
	if _, evicted := w.points.Push(p); evicted && w.start > 0 {
		w.start--
	}
	if following || w.points.Len() <= w.size {
		w.start = w.maxStart()
	}
}

// Pan moves the start to n clamped to the valid range and returns the
// resulting start.
func (w *Window) Pan(n int) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.start = min(max(n, 0), w.maxStart())
	return w.start
}

// JumpToLatest moves the window to the newest points.
func (w *Window) JumpToLatest() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.start = w.maxStart()
}

// Start returns the offset of the first visible point.
func (w *Window) Start() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.start
}

// MaxStart returns the largest valid start.
func (w *Window) MaxStart() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.maxStart()
}

// Total returns the number of buffered points.
func (w *Window) Total() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.points.Len()
}

// State reports the window state derived from the point count.
func (w *Window) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state()
}

func (w *Window) state() State {
	switch total := w.points.Len(); {
	case total == 0:
		return StateEmpty
	case total <= w.size:
		return StatePartial
	default:
		return StateFull
	}
}

// Visible returns labels and per-zone values of the visible range.
func (w *Window) Visible() Slice {
	w.mu.RLock()
	defer w.mu.RUnlock()

	total := w.points.Len()
	end := min(w.start+w.size, total)
	pts := w.points.Slice(w.start, end)

	s := Slice{
		Labels: make([]int64, 0, len(pts)),
		Start:  w.start,
		End:    end,
		Total:  total,
		Size:   w.size,
		State:  w.state(),
	}
	for i := range s.Series {
		s.Series[i] = make([]*float64, 0, len(pts))
	}
	for _, p := range pts {
		s.Labels = append(s.Labels, p.Label)
		for i, v := range p.Values {
			s.Series[i] = append(s.Series[i], v)
		}
	}
	return s
}
