package relay

import (
	"cmp"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/edgeflare/furnace/pkg/metrics"
	"github.com/edgeflare/furnace/pkg/sink"
	"github.com/edgeflare/furnace/pkg/telemetry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// DefaultQueueSize is the number of readings buffered for the sinks.
	DefaultQueueSize = 1024
	// DefaultWriteTimeout bounds a single sink write.
	DefaultWriteTimeout = 5 * time.Second
)

// ErrPersisterClosed is returned by a second Close.
var ErrPersisterClosed = errors.New("persister closed")

// PersisterOptions configures NewPersister. Zero values take the defaults.
type PersisterOptions struct {
	QueueSize    int
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

// Persister writes readings to every sink from a single background worker.
// Enqueue never blocks: when the queue is full the reading is dropped.
type Persister struct {
	sinks   []sink.Named
	queue   chan telemetry.Reading
	done    chan struct{}
	timeout time.Duration
	logger  *zap.Logger
	stop    context.Context
	cancel  context.CancelFunc
	mu      sync.RWMutex
	closed  bool
}

// NewPersister starts the worker. Close must be called to stop it.
func NewPersister(sinks []sink.Named, opts PersisterOptions) *Persister {
	p := &Persister{
		sinks:   sinks,
		queue:   make(chan telemetry.Reading, cmp.Or(opts.QueueSize, DefaultQueueSize)),
		done:    make(chan struct{}),
		timeout: cmp.Or(opts.WriteTimeout, DefaultWriteTimeout),
		logger:  opts.Logger,
	}
	p.stop, p.cancel = context.WithCancel(context.Background())
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	go p.run()
	return p
}

// Enqueue hands r to the worker and reports whether it was queued.
func (p *Persister) Enqueue(r telemetry.Reading) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- r:
		return true
	default:
		metrics.PersistDropped.Inc()
		p.logger.Warn("persist queue full, dropping reading", zap.Int64("timestamp", r.Timestamp))
		return false
	}
}

// Pending returns the number of queued readings.
func (p *Persister) Pending() int { return len(p.queue) }

func (p *Persister) run() {
	defer close(p.done)
	for r := range p.queue {
		if p.stop.Err() != nil {
			continue
		}
		p.write(r)
	}
}

func (p *Persister) write(r telemetry.Reading) {
	for _, s := range p.sinks {
		if p.stop.Err() != nil {
			return
		}
		ctx, cancel := context.WithTimeout(p.stop, p.timeout)
		start := time.Now()
		err := s.Write(ctx, r)
		cancel()
		metrics.SinkWriteDuration.WithLabelValues(s.Name).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.SinkErrors.WithLabelValues(s.Name).Inc()
			p.logger.Error("sink write failed", zap.String("sink", s.Name), zap.Int64("timestamp", r.Timestamp), zap.Error(err))
		}
	}
}

// Close stops accepting readings, waits for the queue to drain and closes
// every sink. If ctx ends first the in-flight write is canceled, the remaining
// readings are lost, and the sinks are closed once the worker has exited.
func (p *Persister) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPersisterClosed
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	var err error
	select {
	case <-p.done:
	case <-ctx.Done():
		err = multierr.Append(err, ctx.Err())
		p.cancel()
		<-p.done
	}
	p.cancel()
	for _, s := range p.sinks {
		if cerr := s.Close(); cerr != nil {
			err = multierr.Append(err, cerr)
		}
	}
	return err
}
