package fanout

import (
	"sync"

	"github.com/edgeflare/furnace/pkg/telemetry"
)

// DefaultBuffer is the per-observer queue length of a ChanObserver.
const DefaultBuffer = 64

// ChanObserver queues readings for a transport goroutine (SSE stream,
// WebSocket) that drains C. A full queue fails Send instead of blocking the
// publisher.
type ChanObserver struct {
	ch     chan telemetry.Reading
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	closed bool
}

// NewChanObserver returns an observer with a queue of size buffer.
func NewChanObserver(buffer int) *ChanObserver {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &ChanObserver{
		ch:   make(chan telemetry.Reading, buffer),
		done: make(chan struct{}),
	}
}

// C yields queued readings. It is closed when the observer is closed.
func (o *ChanObserver) C() <-chan telemetry.Reading { return o.ch }

// Done is closed when the observer is closed.
func (o *ChanObserver) Done() <-chan struct{} { return o.done }

// Send queues r without blocking.
func (o *ChanObserver) Send(r telemetry.Reading) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrObserverClosed
	}
	select {
	case o.ch <- r:
		return nil
	default:
		return ErrObserverSlow
	}
}

// Close closes C and Done. It is idempotent.
func (o *ChanObserver) Close() {
	o.once.Do(func() {
		o.mu.Lock()
		o.closed = true
		close(o.ch)
		o.mu.Unlock()
		close(o.done)
	})
}
