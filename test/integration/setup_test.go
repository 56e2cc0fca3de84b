//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/recordvault/internal/domain/records"
	"github.com/ehr/recordvault/internal/platform/contentstore"
	"github.com/ehr/recordvault/internal/platform/db"
	"github.com/ehr/recordvault/internal/platform/events"
)

var globalPool *pgxpool.Pool

// TestMain connects to TEST_DATABASE_URL, or starts a throwaway container,
// and applies the migrations once for the package.
func TestMain(m *testing.M) {
	ctx := context.Background()

	connStr := os.Getenv("TEST_DATABASE_URL")
	cleanup := func() {}
	if connStr == "" {
		var err error
		connStr, cleanup, err = startPostgres(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start postgres: %v\n", err)
			os.Exit(1)
		}
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "create pool: %v\n", err)
		os.Exit(1)
	}
	if _, err := db.NewMigrator(pool, findMigrationsDir()).Up(ctx); err != nil {
		pool.Close()
		cleanup()
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	globalPool = pool
	code := m.Run()
	pool.Close()
	cleanup()
	os.Exit(code)
}

func findMigrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

type stack struct {
	index     records.Index
	store     *contentstore.Memory
	publisher *events.Recorder
	svc       *records.Service
}

// newStack builds the engine over the shared database with no replica, an
// in-memory content store and a recording publisher.
func newStack(t *testing.T) *stack {
	t.Helper()
	cluster := db.NewClusterFromPools(globalPool, nil, zerolog.Nop())
	s := &stack{
		index:     records.NewIndexPG(cluster),
		store:     contentstore.NewMemory(contentstore.WithSyncReplication()),
		publisher: &events.Recorder{},
	}
	s.svc = records.NewService(records.Deps{
		Index:         s.index,
		Subscriptions: records.NewSubscriptionRepoPG(cluster),
		Store:         s.store,
		Publisher:     s.publisher,
		Logger:        zerolog.Nop(),
	})
	return s
}
