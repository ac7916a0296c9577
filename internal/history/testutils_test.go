package history

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestContainer starts a disposable Postgres instance for integration
// tests, the same container recipe the teacher uses for its compliance
// store tests (image, wait strategy, credentials).
func setupTestContainer(t *testing.T, ctx context.Context) (testcontainers.Container, string) {
	t.Helper()

	container, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("updateall_test"),
		tcpostgres.WithUsername("test_user"),
		tcpostgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	return container, connStr
}

// newTestStore opens a Store against a freshly started container and
// applies every migration, returning a cleanup func the caller defers.
func newTestStore(t *testing.T, ctx context.Context) (*Store, func()) {
	t.Helper()
	container, connStr := setupTestContainer(t, ctx)

	store, err := Open(ctx, &Config{
		ConnectionString: connStr,
		MaxConnections:   5,
		MigrationsPath:   "file://migrations",
	}, nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	cleanup := func() {
		store.Close()
		_ = container.Terminate(ctx)
	}
	return store, cleanup
}
