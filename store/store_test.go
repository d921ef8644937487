package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/taskcrew"
	"github.com/xraph/taskcrew/store"
	"github.com/xraph/taskcrew/store/memory"
	"github.com/xraph/taskcrew/store/sqlite"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		s, err := store.Open(ctx, store.DriverMemory, "", nil)
		require.NoError(t, err)
		assert.IsType(t, &memory.Store{}, s)
		require.NoError(t, s.Migrate(ctx))
		require.NoError(t, s.Ping(ctx))
		require.NoError(t, s.Close())
	})

	t.Run("sqlite", func(t *testing.T) {
		s, err := store.Open(ctx, store.DriverSQLite, ":memory:", nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		assert.IsType(t, &sqlite.Store{}, s)
		require.NoError(t, s.Migrate(ctx))

		stats, err := s.Stats(ctx, "")
		require.NoError(t, err)
		assert.Zero(t, stats.Total())
	})

	t.Run("unknown driver", func(t *testing.T) {
		_, err := store.Open(ctx, "mongo", "", nil)
		require.ErrorIs(t, err, taskcrew.ErrInvalidInput)
	})
}
