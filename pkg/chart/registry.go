package chart

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is how long an untouched view survives.
const DefaultTTL = 30 * time.Minute

// Registry holds one Window per open dashboard view and feeds every new point
// to all of them. Views nobody has read for the TTL are dropped by
// CleanupExpired.
type Registry struct {
	views    map[string]*view
	now      func() time.Time
	size     int
	capacity int
	ttl      time.Duration
	mu       sync.RWMutex
}

type view struct {
	window   *Window
	lastSeen time.Time
}

// NewRegistry returns an empty registry creating windows of the given size and
// capacity.
func NewRegistry(size, capacity int, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if size <= 0 {
		size = DefaultSize
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{
		views:    make(map[string]*view),
		now:      time.Now,
		size:     size,
		capacity: capacity,
		ttl:      ttl,
	}
}

// Create opens a new view seeded with points (oldest first) and returns its id.
func (r *Registry) Create(seed []Point) (string, *Window) {
	w := NewWindow(r.size, r.capacity)
	for _, p := range seed {
		w.Append(p)
	}
	id := uuid.New().String()

	r.mu.Lock()
	r.views[id] = &view{window: w, lastSeen: r.now()}
	r.mu.Unlock()
	return id, w
}

// Get returns the window of view id and marks it as used.
func (r *Registry) Get(id string) (*Window, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.views[id]
	if !ok {
		return nil, false
	}
	v.lastSeen = r.now()
	return v.window, true
}

// Delete closes view id.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.views[id]
	delete(r.views, id)
	return ok
}

// Append feeds p to every open view.
func (r *Registry) Append(p Point) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.views {
		v.window.Append(p)
	}
}

// Capacity is the buffer length of every window in r.
func (r *Registry) Capacity() int { return r.capacity }

// Len returns the number of open views.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.views)
}

// CleanupExpired drops views idle for longer than the TTL and returns how many
// were removed.
func (r *Registry) CleanupExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.ttl)
	var n int
	for id, v := range r.views {
		if v.lastSeen.Before(cutoff) {
			delete(r.views, id)
			n++
		}
	}
	return n
}
