// internal/journal/postgres.go
package journal

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rovshanmuradov/solana-copybot/internal/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresJournal stores events in the journal_events table.
type PostgresJournal struct {
	pool *pgxpool.Pool
}

// NewPostgresJournal connects to dsn, verifies the connection and applies
// pending migrations.
func NewPostgresJournal(ctx context.Context, dsn string) (*PostgresJournal, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	j := &PostgresJournal{pool: pool}
	if err := j.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return j, nil
}

func (j *PostgresJournal) runMigrations(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := j.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(a, b int) bool { return entries[a].Name() < entries[b].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var applied bool
		err := j.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)",
			entry.Name(),
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", entry.Name(), err)
		}
		if applied {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", entry.Name(), err)
		}

		tx, err := j.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("postgres: begin tx for %s: %w", entry.Name(), err)
		}
		if _, err := tx.Exec(ctx, string(data)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("postgres: exec migration %s: %w", entry.Name(), err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", entry.Name()); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("postgres: record migration %s: %w", entry.Name(), err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("postgres: commit migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func (j *PostgresJournal) Append(ctx context.Context, event domain.Event) (uint64, error) {
	var seq int64
	err := j.pool.QueryRow(ctx,
		`INSERT INTO journal_events (type, created_at, data) VALUES ($1, $2, $3) RETURNING seq`,
		string(event.Type), event.Timestamp, []byte(event.Data),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("postgres: append %s: %w", event.Type, err)
	}
	return uint64(seq), nil
}

func (j *PostgresJournal) Replay(ctx context.Context, after uint64, fn func(domain.Event) error) error {
	rows, err := j.pool.Query(ctx,
		`SELECT seq, type, created_at, data FROM journal_events WHERE seq > $1 ORDER BY seq`,
		int64(after),
	)
	if err != nil {
		return fmt.Errorf("postgres: replay query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq       int64
			eventType string
			event     domain.Event
			data      []byte
		)
		if err := rows.Scan(&seq, &eventType, &event.Timestamp, &data); err != nil {
			return fmt.Errorf("postgres: scan event: %w", err)
		}
		event.Seq = uint64(seq)
		event.Type = domain.EventType(eventType)
		event.Data = data
		if err := fn(event); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (j *PostgresJournal) Close() error {
	j.pool.Close()
	return nil
}
