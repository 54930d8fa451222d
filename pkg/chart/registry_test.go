package chart

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCreateSeedsAndFollows(t *testing.T) {
	r := NewRegistry(4, 10, time.Minute)
	seed := []Point{point(1), point(2), point(3), point(4), point(5), point(6)}

	id, w := r.Create(seed)
	require.NotEmpty(t, id)
	assert.Equal(t, 2, w.Start())

	r.Append(point(7))
	got, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, []int64{4, 5, 6, 7}, got.Visible().Labels)
}

func TestRegistryViewsAreIndependent(t *testing.T) {
	r := NewRegistry(2, 10, time.Minute)
	a, wa := r.Create(nil)
	_, wb := r.Create(nil)
	for i := int64(1); i <= 6; i++ {
		r.Append(point(i))
	}

	wa.Pan(0)
	assert.Equal(t, 0, wa.Start())
	assert.Equal(t, 4, wb.Start())
	assert.Equal(t, 2, r.Len())

	assert.True(t, r.Delete(a))
	assert.False(t, r.Delete(a))
	_, ok := r.Get(a)
	assert.False(t, ok)
}

func TestRegistryCleanupExpired(t *testing.T) {
	now := time.Unix(0, 0)
	r := NewRegistry(2, 10, time.Minute)
	r.now = func() time.Time { return now }

	stale, _ := r.Create(nil)
	now = now.Add(50 * time.Second)
	fresh, _ := r.Create(nil)
	now = now.Add(20 * time.Second)

	assert.Equal(t, 1, r.CleanupExpired())
	_, ok := r.Get(stale)
	assert.False(t, ok)
	_, ok = r.Get(fresh)
	assert.True(t, ok)
}
