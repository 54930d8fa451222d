package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/edgeflare/furnace/pkg/chart"
	"github.com/edgeflare/furnace/pkg/fanout"
	"github.com/edgeflare/furnace/pkg/history"
	"github.com/edgeflare/furnace/pkg/sink"
	"github.com/edgeflare/furnace/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const topic = "/dxiot/4q/get/danzhan/tuihuolu"

func msg(ms int64, payload string) Message {
	return Message{Topic: topic, Payload: []byte(payload), ReceivedAt: time.UnixMilli(ms)}
}

type memorySink struct {
	mu      sync.Mutex
	got     []telemetry.Reading
	block   chan struct{}
	fail    error
	closed  bool
	writeCh chan struct{}
}

func (m *memorySink) Connect(context.Context, map[string]any) error { return nil }

func (m *memorySink) Write(ctx context.Context, r telemetry.Reading) error {
	if m.writeCh != nil {
		m.writeCh <- struct{}{}
	}
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.got = append(m.got, r)
	return nil
}

func (m *memorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memorySink) readings() []telemetry.Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]telemetry.Reading(nil), m.got...)
}

func TestIngestEndToEnd(t *testing.T) {
	store := history.NewStore(100)
	s := New(store, WithLogger(zaptest.NewLogger(t)))

	r1, ok := s.Ingest(msg(1000, `{"1wd":300}`))
	require.True(t, ok)
	assert.Equal(t, 0, s.Stats().DuplicateRun)

	_, ok = s.Ingest(msg(1500, `{"1wd":300}`))
	assert.False(t, ok)
	assert.Equal(t, 1, s.Stats().DuplicateRun)

	r3, ok := s.Ingest(msg(2000, `{"1wd":305}`))
	require.True(t, ok)
	assert.Equal(t, 0, s.Stats().DuplicateRun)

	ctx := context.Background()
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	latest, err := store.Latest(ctx, 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, r3, latest[0])
	assert.Equal(t, int64(2000), latest[0].Timestamp)
	assert.Equal(t, int64(1000), r1.Timestamp)

	st := s.Stats()
	assert.Equal(t, uint64(3), st.Received)
	assert.Equal(t, uint64(2), st.Accepted)
	assert.Equal(t, uint64(1), st.Duplicates)
}

func TestIngestNormalizesPayload(t *testing.T) {
	s := New(history.NewStore(10))

	r, ok := s.Ingest(msg(1, `{"data":{"1wd":301,"2wd":null}}`))
	require.True(t, ok)
	assert.Equal(t, 301.0, *r.Payload.Number("1wd"))
	assert.Nil(t, r.Payload.Number("2wd"))

	r, ok = s.Ingest(msg(2, `sensor offline`))
	require.True(t, ok)
	assert.True(t, r.Payload.IsOpaque())
}

func TestIngestTimestamps(t *testing.T) {
	now := time.UnixMilli(5000)
	s := New(history.NewStore(10), WithClock(func() time.Time { return now }))

	r, _ := s.Ingest(Message{Topic: topic, Payload: []byte(`{"1wd":1}`)})
	assert.Equal(t, int64(5000), r.Timestamp, "clock is used when receive time is unset")

	r, _ = s.Ingest(msg(4000, `{"1wd":2}`))
	assert.Equal(t, int64(5000), r.Timestamp, "timestamps never go backwards")
}

func TestIngestFeedsEveryConsumer(t *testing.T) {
	store := history.NewStore(10)
	views := chart.NewRegistry(8, 100, time.Minute)
	_, w := views.Create(nil)
	b := fanout.New()
	obs := fanout.NewChanObserver(4)
	b.Subscribe(obs)
	ms := &memorySink{}
	p := NewPersister([]sink.Named{{Sink: ms, Name: "mem"}}, PersisterOptions{})

	s := New(store, WithViews(views), WithBroadcaster(b), WithPersister(p))
	_, ok := s.Ingest(msg(1000, `{"1wd":300}`))
	require.True(t, ok)
	_, ok = s.Ingest(msg(1001, `{"1wd":300}`))
	require.False(t, ok)

	assert.Equal(t, 1, store.Len())
	assert.Equal(t, 1, w.Total())
	got := <-obs.C()
	assert.Equal(t, int64(1000), got.Timestamp)
	assert.Len(t, obs.C(), 0)

	require.NoError(t, p.Close(context.Background()))
	assert.Len(t, ms.readings(), 1)
	assert.True(t, ms.closed)
	b.Close()
}

func TestRun(t *testing.T) {
	s := New(history.NewStore(10))
	in := make(chan Message, 3)
	in <- msg(1, `{"1wd":1}`)
	in <- msg(2, `{"1wd":2}`)
	close(in)
	require.NoError(t, s.Run(context.Background(), in))
	assert.Equal(t, 2, s.Store().Len())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Run(ctx, make(chan Message)), context.Canceled)
}

func TestRestore(t *testing.T) {
	s := New(history.NewStore(10))
	s.Restore([]telemetry.Reading{
		{Timestamp: 9000, Topic: topic, Payload: telemetry.ObjectPayload(map[string]any{"1wd": 1.0})},
	})
	assert.Equal(t, 1, s.Store().Len())

	r, ok := s.Ingest(msg(100, `{"1wd":1}`))
	require.True(t, ok, "restored readings do not seed deduplication")
	assert.Equal(t, int64(9000), r.Timestamp)
}

func TestOpenView(t *testing.T) {
	_, _, err := New(history.NewStore(1)).OpenView()
	assert.ErrorIs(t, err, ErrNoViews)

	s := New(history.NewStore(100), WithViews(chart.NewRegistry(4, 10, time.Minute)))
	for i := range 12 {
		s.Ingest(msg(int64(i+1), fmt.Sprintf(`{"1wd":%d}`, i)))
	}
	id, w, err := s.OpenView()
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 10, w.Total(), "seed is capped by the window buffer")
	assert.Equal(t, []int64{9, 10, 11, 12}, w.Visible().Labels)

	s.Ingest(msg(13, `{"1wd":99}`))
	assert.Equal(t, []int64{10, 11, 12, 13}, w.Visible().Labels)
}

type recordingPublisher struct {
	topic   string
	payload []byte
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.topic, p.payload = topic, payload
	return p.err
}

func TestPublish(t *testing.T) {
	ctx := context.Background()

	_, err := New(history.NewStore(1)).Publish(ctx, "", []byte("x"))
	assert.ErrorIs(t, err, ErrNoPublisher)

	pub := &recordingPublisher{}
	s := New(history.NewStore(1), WithPublisher(pub, ""))

	_, err = s.Publish(ctx, "", nil)
	assert.ErrorIs(t, err, ErrEmptyPayload)

	got, err := s.Publish(ctx, "", []byte(`{"cmd":"start"}`))
	require.NoError(t, err)
	assert.Equal(t, DefaultPublishTopic, got)
	assert.Equal(t, DefaultPublishTopic, pub.topic)

	got, err = s.Publish(ctx, "/custom", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "/custom", got)

	pub.err = errors.New("not connected")
	_, err = s.Publish(ctx, "", []byte("x"))
	assert.EqualError(t, err, "not connected")
}
