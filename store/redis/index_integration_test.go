//go:build integration

package redis_test

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	redisindex "github.com/xraph/taskcrew/store/redis"
	"github.com/xraph/taskcrew/workunit"
)

func startRedis(t *testing.T) *goredis.Options {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	redisC, err := tcredis.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, redisC)
	require.NoError(t, err)

	uri, err := redisC.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := goredis.ParseURL(uri)
	require.NoError(t, err)
	return opts
}

func TestIntegration_PopOrderAndPromotion(t *testing.T) {
	client := goredis.NewClient(startRedis(t))
	t.Cleanup(func() { _ = client.Close() })
	idx := redisindex.New(client)
	ctx := context.Background()
	now := time.Now()

	first := unitAt("analyst", 0, now.Add(-2*time.Second))
	second := unitAt("analyst", 0, now.Add(-time.Second))
	later := unitAt("analyst", -1, now.Add(-3*time.Second))
	later.AvailableAt = now.Add(time.Second)

	for _, u := range []*workunit.WorkUnit{first, second, later} {
		require.NoError(t, idx.Add(ctx, u, now))
	}

	got, ok, err := idx.Pop(ctx, []string{"analyst"}, now)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, first.ID.String(), got.String())

	// Once due, the delayed unit outranks the remaining one.
	got, ok, err = idx.Pop(ctx, []string{"analyst"}, now.Add(2*time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, later.ID.String(), got.String())
}
