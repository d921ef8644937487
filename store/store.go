package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/taskcrew"
	"github.com/xraph/taskcrew/store/memory"
	"github.com/xraph/taskcrew/store/postgres"
	"github.com/xraph/taskcrew/store/sqlite"
	"github.com/xraph/taskcrew/workunit"
)

// Store is the aggregate persistence interface.
type Store interface {
	workunit.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}

var (
	_ taskcrew.Storer = (Store)(nil)

	_ Store = (*memory.Store)(nil)
	_ Store = (*sqlite.Store)(nil)
	_ Store = (*postgres.Store)(nil)
)

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open connects to the backend named by driver. The store is not migrated.
// logger may be nil.
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch driver {
	case DriverMemory:
		return memory.New(), nil
	case DriverSQLite:
		s, err := sqlite.Open(dsn, sqlite.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverPostgres:
		s, err := postgres.New(ctx, dsn, postgres.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", taskcrew.ErrInvalidInput, driver)
	}
}
