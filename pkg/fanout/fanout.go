// Package fanout delivers each published reading to every subscribed
// observer. Delivery is best effort: an observer that cannot take a reading
// is dropped from the set and the rest still receive it.
package fanout

import (
	"errors"
	"sync"

	"github.com/edgeflare/furnace/pkg/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrObserverSlow is returned by a channel observer whose buffer is full.
	ErrObserverSlow = errors.New("observer buffer full")
	// ErrObserverClosed is returned by an observer that was already closed.
	ErrObserverClosed = errors.New("observer closed")
)

// Observer receives readings. Send must not block; an error means the
// observer is gone and it will be removed. Close is called once on removal.
type Observer interface {
	Send(r telemetry.Reading) error
	Close()
}

// Handle identifies a subscription.
type Handle string

// Broadcaster fans readings out to observers. Publish calls are serialized so
// every observer sees readings in the same global order.
type Broadcaster struct {
	observers map[Handle]Observer
	logger    *zap.Logger
	onChange  func(n int)
	onEvict   func(h Handle, err error)
	mu        sync.Mutex
	closed    bool
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithLogger sets the logger used to report dropped observers.
func WithLogger(l *zap.Logger) Option {
	return func(b *Broadcaster) { b.logger = l }
}

// WithMembershipHook is called with the observer count after every change.
func WithMembershipHook(fn func(n int)) Option {
	return func(b *Broadcaster) { b.onChange = fn }
}

// WithEvictionHook is called for each observer removed because Send failed.
func WithEvictionHook(fn func(h Handle, err error)) Option {
	return func(b *Broadcaster) { b.onEvict = fn }
}

// New returns an empty Broadcaster.
func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		observers: make(map[Handle]Observer),
		logger:    zap.NewNop(),
		onChange:  func(int) {},
		onEvict:   func(Handle, error) {},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe adds o. It receives every reading published from now on. Once the
// broadcaster is closed, o is closed immediately and the empty handle is
// returned.
func (b *Broadcaster) Subscribe(o Observer) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		o.Close()
		return ""
	}
	h := Handle(uuid.New().String())
	b.observers[h] = o
	b.onChange(len(b.observers))
	b.logger.Debug("observer subscribed", zap.String("handle", string(h)), zap.Int("observers", len(b.observers)))
	return h
}

// Unsubscribe removes and closes the observer behind h. Unknown handles are
// ignored, so it is safe to call after the observer was already dropped.
func (b *Broadcaster) Unsubscribe(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.observers[h]
	if !ok {
		return
	}
	delete(b.observers, h)
	o.Close()
	b.onChange(len(b.observers))
	b.logger.Debug("observer unsubscribed", zap.String("handle", string(h)), zap.Int("observers", len(b.observers)))
}

// Publish delivers r to every observer and returns how many accepted it.
// Observers whose Send fails are removed and closed.
func (b *Broadcaster) Publish(r telemetry.Reading) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	var delivered int
	for h, o := range b.observers {
		if err := o.Send(r); err != nil {
			delete(b.observers, h)
			o.Close()
			b.onEvict(h, err)
			b.onChange(len(b.observers))
			b.logger.Info("observer dropped", zap.String("handle", string(h)), zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// Len returns the number of observers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers)
}

// Close removes and closes every observer and rejects later subscriptions.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for h, o := range b.observers {
		delete(b.observers, h)
		o.Close()
	}
	b.closed = true
	b.onChange(0)
}
