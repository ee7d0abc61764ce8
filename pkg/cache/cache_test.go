package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errCompute = errors.New("upstream unavailable")

func TestGetOrComputeCachesOnSuccess(t *testing.T) {
	c := New(10, 1<<20)
	var calls int32

	compute := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("payload"), nil
	}

	b, hit, err := c.GetOrCompute(context.Background(), "fp-1", time.Minute, compute)
	require.NoError(t, err)
	require.False(t, hit)
	require.Equal(t, "payload", string(b))

	b, hit, err = c.GetOrCompute(context.Background(), "fp-1", time.Minute, compute)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, "payload", string(b))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSingleFlightCoalescesConcurrentCallers(t *testing.T) {
	c := New(10, 1<<20)
	var calls int32
	release := make(chan struct{})

	compute := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []byte("payload"), nil
	}

	var wg sync.WaitGroup
	results := make([][]byte, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, _, err := c.GetOrCompute(context.Background(), "fp-shared", time.Minute, compute)
			require.NoError(t, err)
			results[i] = b
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, r := range results {
		require.Equal(t, "payload", string(r))
	}
}

func TestFailureIsNotCached(t *testing.T) {
	c := New(10, 1<<20)
	var calls int32

	compute := func(ctx context.Context) ([]byte, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return nil, errCompute
		}
		return []byte("payload"), nil
	}

	_, _, err := c.GetOrCompute(context.Background(), "fp-err", time.Minute, compute)
	require.Error(t, err)

	b, hit, err := c.GetOrCompute(context.Background(), "fp-err", time.Minute, compute)
	require.NoError(t, err)
	require.False(t, hit)
	require.Equal(t, "payload", string(b))
}

func TestEvictsLeastRecentlyUsedOverCapacity(t *testing.T) {
	c := New(2, 1<<20)
	ctx := context.Background()

	mustSet(t, c, ctx, "a")
	mustSet(t, c, ctx, "b")
	_, hit, _ := c.GetOrCompute(ctx, "a", time.Minute, failIfCalled(t))
	require.True(t, hit)

	mustSet(t, c, ctx, "c") // evicts "b", the least recently used

	var calls int32
	_, hit, err := c.GetOrCompute(ctx, "b", time.Minute, func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("b-recomputed"), nil
	})
	require.NoError(t, err)
	require.False(t, hit)
	require.Equal(t, int32(1), calls)
}

func TestExpiredEntryIsRecomputedOnAccess(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	c := New(10, 1<<20).WithClock(func() time.Time { return now })
	ctx := context.Background()

	mustSet(t, c, ctx, "fp")
	now = base.Add(2 * time.Minute)

	var calls int32
	_, hit, err := c.GetOrCompute(ctx, "fp", time.Minute, func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("fresh"), nil
	})
	require.NoError(t, err)
	require.False(t, hit)
	require.Equal(t, int32(1), calls)
}

func TestMaxWaitersRejectsExcessCoalescers(t *testing.T) {
	c := New(10, 1<<20).WithMaxWaiters(2)
	release := make(chan struct{})
	entered := make(chan struct{}, 3)

	compute := func(ctx context.Context) ([]byte, error) {
		entered <- struct{}{}
		<-release
		return []byte("payload"), nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := c.GetOrCompute(context.Background(), "fp-busy", time.Minute, compute)
			errs[i] = err
		}(i)
	}

	<-entered
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	var overloaded int
	for _, err := range errs {
		if errors.Is(err, ErrOverloaded) {
			overloaded++
		}
	}
	require.Equal(t, 1, overloaded, "exactly one of three coalescers should be rejected with maxWaiters=2")
}

func mustSet(t *testing.T, c *Cache, ctx context.Context, key string) {
	t.Helper()
	_, _, err := c.GetOrCompute(ctx, key, time.Minute, func(ctx context.Context) ([]byte, error) {
		return []byte(key), nil
	})
	require.NoError(t, err)
}

func failIfCalled(t *testing.T) ComputeFunc {
	return func(ctx context.Context) ([]byte, error) {
		t.Fatal("compute should not be called on a cache hit")
		return nil, nil
	}
}
