package journal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgres starts a PostgreSQL container and returns a migrated journal.
func setupPostgres(t *testing.T) (*PostgresJournal, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("journal"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	j, err := NewPostgresJournal(ctx, dsn)
	require.NoError(t, err)

	return j, func() {
		_ = j.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}
}

func TestPostgresJournal_AppendReplay(t *testing.T) {
	j, cleanup := setupPostgres(t)
	defer cleanup()

	appendSample(t, j)

	events := collect(t, j, 0)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Len(t, collect(t, j, events[1].Seq), 1)
}
