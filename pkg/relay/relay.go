// Package relay turns inbound broker messages into accepted readings and
// hands each one to the history store, the live chart views, the stream
// observers and the persister, in that order.
package relay

import (
	"cmp"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/edgeflare/furnace/pkg/chart"
	"github.com/edgeflare/furnace/pkg/fanout"
	"github.com/edgeflare/furnace/pkg/history"
	"github.com/edgeflare/furnace/pkg/metrics"
	"github.com/edgeflare/furnace/pkg/telemetry"
	"go.uber.org/zap"
)

// DefaultPublishTopic receives publish-back messages without an explicit topic.
const DefaultPublishTopic = "/dxiot/4q/pub/danzhan/tuihuolu"

// Errors returned by Publish and OpenView.
var (
	ErrEmptyPayload = errors.New("payload is required")
	ErrNoPublisher  = errors.New("publishing is not configured")
	ErrNoViews      = errors.New("chart views are not configured")
)

// Message is one inbound broker message.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Publisher writes a message back to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Stats summarizes ingestion since start.
type Stats struct {
	Received     uint64
	Accepted     uint64
	Duplicates   uint64
	DuplicateRun int
	Started      time.Time
}

// Service owns the ingest path. Ingest and OpenView are serialized by one
// mutex so every consumer sees readings in the same order.
type Service struct {
	store        *history.Store
	views        *chart.Registry
	broadcaster  *fanout.Broadcaster
	persister    *Persister
	publisher    Publisher
	publishTopic string
	dedup        *telemetry.Deduplicator
	logger       *zap.Logger
	now          func() time.Time

	mu        sync.Mutex
	lastStamp int64
	stats     Stats
}

// Option configures a Service.
type Option func(*Service)

// WithViews feeds accepted readings to the chart view registry.
func WithViews(r *chart.Registry) Option { return func(s *Service) { s.views = r } }

// WithBroadcaster publishes accepted readings to stream observers.
func WithBroadcaster(b *fanout.Broadcaster) Option { return func(s *Service) { s.broadcaster = b } }

// WithPersister enqueues accepted readings for the sinks.
func WithPersister(p *Persister) Option { return func(s *Service) { s.persister = p } }

// WithPublisher enables publish-back. topic is used when a request has none.
func WithPublisher(p Publisher, topic string) Option {
	return func(s *Service) {
		s.publisher = p
		s.publishTopic = cmp.Or(topic, DefaultPublishTopic)
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock replaces time.Now for messages without a receive time.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// New returns a Service that appends accepted readings to store.
func New(store *history.Store, opts ...Option) *Service {
	s := &Service{
		store:        store,
		dedup:        telemetry.NewDeduplicator(),
		logger:       zap.NewNop(),
		now:          time.Now,
		publishTopic: DefaultPublishTopic,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.stats.Started = s.now()
	return s
}

// Store returns the in-memory history.
func (s *Service) Store() *history.Store { return s.store }

// Ingest normalizes and deduplicates m. An accepted reading is appended to
// the store, fed to chart views, published to observers and queued for
// persistence before Ingest returns.
func (s *Service) Ingest(m Message) (telemetry.Reading, bool) {
	metrics.ReadingsReceived.WithLabelValues(m.Topic).Inc()
	payload := telemetry.Normalize(m.Payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Received++

	if !s.dedup.Accept(payload) {
		s.stats.Duplicates++
		s.stats.DuplicateRun = s.dedup.RunLength()
		metrics.ReadingsDuplicate.Inc()
		s.logger.Debug("duplicate reading dropped", zap.String("topic", m.Topic), zap.Int("run", s.stats.DuplicateRun))
		return telemetry.Reading{}, false
	}
	s.stats.Accepted++
	s.stats.DuplicateRun = 0
	metrics.ReadingsAccepted.Inc()

	ts := m.ReceivedAt
	if ts.IsZero() {
		ts = s.now()
	}
	// readings keep ingestion order even if the clock steps back
	stamp := max(ts.UnixMilli(), s.lastStamp)
	s.lastStamp = stamp

	r := telemetry.Reading{Timestamp: stamp, Topic: m.Topic, Payload: payload}
	s.store.Append(r)
	if s.views != nil {
		s.views.Append(chart.PointFrom(r))
	}
	if s.broadcaster != nil {
		s.broadcaster.Publish(r)
	}
	if s.persister != nil {
		s.persister.Enqueue(r)
	}
	return r, true
}

// Run ingests messages until in is closed or ctx is done.
func (s *Service) Run(ctx context.Context, in <-chan Message) error {
	s.logger.Info("relay started")
	defer s.logger.Info("relay stopped")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-in:
			if !ok {
				return nil
			}
			s.Ingest(m)
		}
	}
}

// Restore loads previously persisted readings into the store without
// deduplicating or republishing them.
func (s *Service) Restore(readings []telemetry.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range readings {
		s.store.Append(r)
		s.lastStamp = max(s.lastStamp, r.Timestamp)
	}
	s.logger.Info("history restored", zap.Int("readings", len(readings)), zap.Int("stored", s.store.Len()))
}

// OpenView creates a chart view seeded with the newest stored readings. No
// reading is ingested between seeding and registration.
func (s *Service) OpenView() (string, *chart.Window, error) {
	if s.views == nil {
		return "", nil, ErrNoViews
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tail := s.store.Tail(s.views.Capacity())
	seed := make([]chart.Point, len(tail))
	for i, r := range tail {
		seed[i] = chart.PointFrom(r)
	}
	id, w := s.views.Create(seed)
	return id, w, nil
}

// Views returns the chart view registry, or nil.
func (s *Service) Views() *chart.Registry { return s.views }

// Publish sends payload to the broker on topic, or the default publish topic
// when topic is empty.
func (s *Service) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", ErrEmptyPayload
	}
	if s.publisher == nil {
		return "", ErrNoPublisher
	}
	topic = cmp.Or(topic, s.publishTopic)
	if err := s.publisher.Publish(ctx, topic, payload); err != nil {
		return "", err
	}
	s.logger.Debug("published", zap.String("topic", topic), zap.Int("bytes", len(payload)))
	return topic, nil
}

// Stats returns a snapshot of the ingestion counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
