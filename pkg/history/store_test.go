package history

import (
	"context"
	"sync"
	"testing"

	"github.com/edgeflare/furnace/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reading(ts int64, temp float64) telemetry.Reading {
	return telemetry.Reading{
		Timestamp: ts,
		Topic:     "/test",
		Payload:   telemetry.ObjectPayload(map[string]any{"1wd": temp}),
	}
}

func timestamps(rs []telemetry.Reading) []int64 {
	out := make([]int64, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Timestamp)
	}
	return out
}

func temps(rs []telemetry.Reading) []float64 {
	out := make([]float64, 0, len(rs))
	for _, r := range rs {
		out = append(out, *r.Payload.Number("1wd"))
	}
	return out
}

func TestStoreEvictsFIFO(t *testing.T) {
	ctx := context.Background()
	s := NewStore(3)

	for i := 1; i <= 3; i++ {
		_, evicted := s.Append(reading(int64(i*1000), float64(i)))
		assert.False(t, evicted)
	}
	old, evicted := s.Append(reading(4000, 4))
	require.True(t, evicted)
	assert.Equal(t, int64(1000), old.Timestamp)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int64{2000, 3000, 4000}, timestamps(s.Snapshot()))
}

func TestStoreRangeQuery(t *testing.T) {
	ctx := context.Background()
	s := NewStore(10)
	for i := 1; i <= 5; i++ {
		s.Append(reading(int64(i*1000), float64(i)))
	}

	got, err := s.RangeQuery(ctx, 2000, 4000, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{4000, 3000, 2000}, timestamps(got))

	got, err = s.RangeQuery(ctx, 1000, 5000, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{4000, 3000}, timestamps(got))

	got, err = s.RangeQuery(ctx, 6000, 9000, 10, 0)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	got, err = s.RangeQuery(ctx, 1000, 5000, 10, 50)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStoreTiesNewestInsertedFirst(t *testing.T) {
	s := NewStore(10)
	s.Append(reading(1000, 1))
	s.Append(reading(2000, 2))
	s.Append(reading(2000, 3))
	s.Append(reading(3000, 4))

	assert.Equal(t, []float64{4, 3, 2, 1}, temps(s.Search(MinTime, MaxTime, 0, 0)))
}

func TestStoreOutOfOrderInsertSortedDescending(t *testing.T) {
	s := NewStore(10)
	s.Append(reading(3000, 3))
	s.Append(reading(1000, 1))
	s.Append(reading(2000, 2))

	assert.Equal(t, []int64{3000, 2000, 1000}, timestamps(s.Search(MinTime, MaxTime, 0, 0)))
}

func TestStoreLatest(t *testing.T) {
	ctx := context.Background()
	s := NewStore(5)
	for i := 1; i <= 8; i++ {
		s.Append(reading(int64(i), float64(i)))
	}

	got, err := s.Latest(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{8, 7}, timestamps(got))

	got, err = s.Latest(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.Equal(t, []int64{7, 8}, timestamps(s.Tail(2)))
	assert.Equal(t, []int64{4, 5, 6, 7, 8}, timestamps(s.Tail(100)))
}

func TestStoreDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, NewStore(0).Capacity())
}

func TestStoreConcurrentReadersSeeWholeReadings(t *testing.T) {
	s := NewStore(100)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 1000 {
			s.Append(telemetry.Reading{
				Timestamp: int64(i),
				Payload:   telemetry.ObjectPayload(map[string]any{"1wd": float64(i), "2wd": float64(i)}),
			})
		}
	}()

	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				for _, r := range s.Search(MinTime, MaxTime, 10, 0) {
					f := r.Payload.Fields()
					if assert.NotNil(t, f.Temperatures[0]) && assert.NotNil(t, f.Temperatures[1]) {
						assert.Equal(t, *f.Temperatures[0], *f.Temperatures[1])
					}
				}
			}
		}()
	}
	wg.Wait()
}
