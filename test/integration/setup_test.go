package integration

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/labchart/internal/platform/db"
)

// connStr is the database every test schema lives in. Empty when no
// database could be reached; tests then skip.
var connStr string

// TestMain uses DATABASE_URL when set. Otherwise it starts a throwaway
// Postgres container, unless LABCHART_SKIP_DOCKER is set.
func TestMain(m *testing.M) {
	ctx := context.Background()

	cleanup := func() {}
	connStr = os.Getenv("DATABASE_URL")
	if connStr == "" && os.Getenv("LABCHART_SKIP_DOCKER") == "" {
		url, stop, err := startPostgresContainer(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "integration: no database, skipping: %v\n", err)
		} else {
			connStr, cleanup = url, stop
		}
	}

	code := m.Run()
	cleanup()
	os.Exit(code)
}

// migratedPool creates a fresh schema, applies every migration to it and
// returns a pool bound to it. The schema is dropped when the test ends.
func migratedPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if connStr == "" {
		t.Skip("integration: DATABASE_URL not set and no container available")
	}
	ctx := context.Background()

	schema := "it_" + uuid.NewString()[:8]
	pool, err := db.NewPool(ctx, connStr, schema, 4, 1)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	applied, err := db.NewMigrator(pool, db.Migrations(), schema).Up(ctx)
	if err != nil {
		pool.Close()
		t.Fatalf("migrate %s: %v", schema, err)
	}
	if applied == 0 {
		pool.Close()
		t.Fatalf("expected migrations to apply to %s", schema)
	}

	t.Cleanup(func() {
		if _, err := pool.Exec(context.Background(),
			"DROP SCHEMA IF EXISTS "+pgx.Identifier{schema}.Sanitize()+" CASCADE"); err != nil {
			t.Logf("warning: failed to drop schema %s: %v", schema, err)
		}
		pool.Close()
	})
	return pool
}
