package store

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, _, err := s.Get(ctx, "reg", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "reg", "k1", "v1", 0, 0))

	data, cas, err := s.Get(ctx, "reg", "k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", data)
	assert.Equal(t, uint64(1), cas)

	require.NoError(t, s.Set(ctx, "reg", "k1", "v2", cas, 0))
	data, cas2, err := s.Get(ctx, "reg", "k1")
	require.NoError(t, err)
	assert.Equal(t, "v2", data)
	assert.Greater(t, cas2, cas)
}

func TestMemoryStoreCASMismatch(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "reg", "k1", "v1", 0, 0))

	// Create-only write on an existing record fails.
	assert.ErrorIs(t, s.Set(ctx, "reg", "k1", "v2", 0, 0), ErrCASMismatch)

	// A stale token fails.
	assert.ErrorIs(t, s.Set(ctx, "reg", "k1", "v2", 99, 0), ErrCASMismatch)
}

func TestMemoryStoreTablesAreDisjoint(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "reg", "k", "reg-data", 0, 0))
	require.NoError(t, s.Set(ctx, "av", "k", "av-data", 0, 0))

	data, _, err := s.Get(ctx, "reg", "k")
	require.NoError(t, err)
	assert.Equal(t, "reg-data", data)

	data, _, err = s.Get(ctx, "av", "k")
	require.NoError(t, err)
	assert.Equal(t, "av-data", data)
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	s.SetClock(func() time.Time { return now })

	require.NoError(t, s.Set(ctx, "av", "k", "v", 0, 30*time.Second))

	_, _, err := s.Get(ctx, "av", "k")
	require.NoError(t, err)

	now = now.Add(31 * time.Second)
	_, _, err = s.Get(ctx, "av", "k")
	assert.ErrorIs(t, err, ErrNotFound)

	// The slot is reusable as a fresh record.
	require.NoError(t, s.Set(ctx, "av", "k", "v2", 0, 0))
}

func TestMemoryStoreDeleteIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "reg", "k", "v", 0, 0))
	require.NoError(t, s.Delete(ctx, "reg", "k"))
	require.NoError(t, s.Delete(ctx, "reg", "k"))

	_, _, err := s.Get(ctx, "reg", "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestConcurrentCASWritersNeverLoseUpdates drives many conflicting
// read-modify-write loops; every increment must land exactly once.
func TestConcurrentCASWritersNeverLoseUpdates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "reg", "counter", "0", 0, 0))

	const writers = 8
	const increments = 50

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < increments; n++ {
				for {
					data, cas, err := s.Get(ctx, "reg", "counter")
					if err != nil {
						t.Errorf("unexpected error: %v", err)
						return
					}

					err = s.Set(ctx, "reg", "counter", bump(data), cas, 0)
					if err == nil {
						break
					}
					if !errors.Is(err, ErrCASMismatch) {
						t.Errorf("unexpected error: %v", err)
						return
					}
					// Lost the race; re-read and retry.
				}
			}
		}()
	}
	wg.Wait()

	data, _, err := s.Get(ctx, "reg", "counter")
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(writers*increments), data)
}

func bump(data string) string {
	n, _ := strconv.Atoi(data)
	return strconv.Itoa(n + 1)
}
