package redis_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisindex "github.com/xraph/taskcrew/store/redis"
	"github.com/xraph/taskcrew/workunit"
)

func newIndex(t *testing.T) (*redisindex.Index, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redisindex.New(client), mr
}

func unitAt(workerType string, priority int, created time.Time) *workunit.WorkUnit {
	u := workunit.New("test", workerType, priority, nil)
	u.CreatedAt = created
	u.AvailableAt = created
	return u
}

func TestPop_PriorityThenFIFO(t *testing.T) {
	idx, _ := newIndex(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	lowLate := unitAt("analyst", 5, base.Add(3*time.Millisecond))
	high := unitAt("analyst", 1, base.Add(2*time.Millisecond))
	lowEarly := unitAt("analyst", 5, base.Add(1*time.Millisecond))
	for _, u := range []*workunit.WorkUnit{lowLate, high, lowEarly} {
		require.NoError(t, idx.Add(ctx, u, time.Now()))
	}

	for _, want := range []*workunit.WorkUnit{high, lowEarly, lowLate} {
		got, ok, err := idx.Pop(ctx, []string{"analyst"}, time.Now())
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want.ID.String(), got.String())
	}

	_, ok, err := idx.Pop(ctx, []string{"analyst"}, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPop_AcrossWorkerTypes(t *testing.T) {
	idx, _ := newIndex(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	sales := unitAt("sales", 2, base)
	analyst := unitAt("analyst", 1, base.Add(time.Millisecond))
	require.NoError(t, idx.Add(ctx, sales, time.Now()))
	require.NoError(t, idx.Add(ctx, analyst, time.Now()))

	got, ok, err := idx.Pop(ctx, []string{"sales"}, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sales.ID.String(), got.String(), "only requested types are popped")

	_, ok, err = idx.Pop(ctx, nil, time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "no worker types means nothing to pop")
}

func TestPop_DelayedPromotion(t *testing.T) {
	idx, _ := newIndex(t)
	ctx := context.Background()
	now := time.Now()

	u := unitAt("analyst", 0, now.Add(-time.Second))
	u.AvailableAt = now.Add(time.Minute)
	require.NoError(t, idx.Add(ctx, u, now))

	ready, delayed, err := idx.Len(ctx, "analyst")
	require.NoError(t, err)
	assert.Equal(t, int64(0), ready)
	assert.Equal(t, int64(1), delayed)

	_, ok, err := idx.Pop(ctx, []string{"analyst"}, now)
	require.NoError(t, err)
	assert.False(t, ok, "delayed unit must not pop early")

	got, ok, err := idx.Pop(ctx, []string{"analyst"}, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, u.ID.String(), got.String())

	ready, delayed, err = idx.Len(ctx, "analyst")
	require.NoError(t, err)
	assert.Zero(t, ready+delayed)
}

func TestAdd_IsIdempotentAndMovesBetweenSets(t *testing.T) {
	idx, _ := newIndex(t)
	ctx := context.Background()
	now := time.Now()

	u := unitAt("sales", 0, now.Add(-time.Second))
	require.NoError(t, idx.Add(ctx, u, now))
	require.NoError(t, idx.AddAll(ctx, []*workunit.WorkUnit{u, u}, now))

	ready, delayed, err := idx.Len(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, int64(1), ready)
	assert.Equal(t, int64(0), delayed)

	// Requeue with backoff moves it to the delayed set.
	u.AvailableAt = now.Add(time.Hour)
	require.NoError(t, idx.Add(ctx, u, now))
	ready, delayed, err = idx.Len(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, int64(0), ready)
	assert.Equal(t, int64(1), delayed)

	require.NoError(t, idx.Remove(ctx, u))
	ready, delayed, err = idx.Len(ctx, "sales")
	require.NoError(t, err)
	assert.Zero(t, ready+delayed)
}

func TestPop_Exclusive(t *testing.T) {
	idx, _ := newIndex(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	const units, workers = 30, 6
	for i := range units {
		require.NoError(t, idx.Add(ctx, unitAt("analyst", i%3, base.Add(time.Duration(i)*time.Millisecond)), time.Now()))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, ok, err := idx.Pop(ctx, []string{"analyst"}, time.Now())
				if err != nil || !ok {
					return
				}
				mu.Lock()
				seen[got.String()]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, units)
	for unitID, n := range seen {
		assert.Equal(t, 1, n, "unit %s popped more than once", unitID)
	}
}

func TestKeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	idx := redisindex.New(client, redisindex.WithKeyPrefix("tenant-a:"))

	u := unitAt("sales", 0, time.Now().Add(-time.Second))
	require.NoError(t, idx.Add(context.Background(), u, time.Now()))
	assert.True(t, mr.Exists("tenant-a:ready:sales"))
}

func TestPing_Unreachable(t *testing.T) {
	idx, mr := newIndex(t)
	require.NoError(t, idx.Ping(context.Background()))

	mr.Close()
	assert.Error(t, idx.Ping(context.Background()))
}
