// Package db owns the postgres connection pool and the schema migrations.
package db

import (
	"context"
	"database/sql"
	"embed"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/pkg/errors"
	migrate "github.com/rubenv/sql-migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var migrations = &migrate.EmbedFileSystemMigrationSource{
	FileSystem: migrationsFS,
	Root:       "migrations",
}

const pingTimeout = 5 * time.Second

// Connect opens a pgx connection pool and verifies it with a ping.
func Connect(ctx context.Context, dataSource string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dataSource)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse postgres data source")
	}

	pool, err := pgxpool.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "unable to connect to postgres")
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "unable to ping postgres")
	}

	return pool, nil
}

// MigrateUp applies every pending migration and returns how many ran.
func MigrateUp(dataSource string) (int, error) {
	return runMigrations(dataSource, migrate.Up, 0)
}

// MigrateDown rolls back the most recently applied migration.
func MigrateDown(dataSource string) (int, error) {
	return runMigrations(dataSource, migrate.Down, 1)
}

// MigrationStatus describes one known migration and whether it has run.
type MigrationStatus struct {
	ID        string
	Applied   bool
	AppliedAt time.Time
}

// Status lists embedded migrations in order, merged with the applied records
// from the database.
func Status(dataSource string) ([]MigrationStatus, error) {
	handle, err := openSQL(dataSource)
	if err != nil {
		return nil, err
	}
	defer handle.Close()

	planned, err := migrations.FindMigrations()
	if err != nil {
		return nil, errors.Wrap(err, "unable to read embedded migrations")
	}

	records, err := migrate.GetMigrationRecords(handle, "postgres")
	if err != nil {
		return nil, errors.Wrap(err, "unable to read migration records")
	}

	applied := make(map[string]time.Time, len(records))
	for _, record := range records {
		applied[record.Id] = record.AppliedAt
	}

	statuses := make([]MigrationStatus, 0, len(planned))
	for _, m := range planned {
		at, ok := applied[m.Id]
		statuses = append(statuses, MigrationStatus{
			ID:        m.Id,
			Applied:   ok,
			AppliedAt: at,
		})
	}

	return statuses, nil
}

func runMigrations(dataSource string, dir migrate.MigrationDirection, max int) (int, error) {
	handle, err := openSQL(dataSource)
	if err != nil {
		return 0, err
	}
	defer handle.Close()

	n, err := migrate.ExecMax(handle, "postgres", migrations, dir, max)
	if err != nil {
		return 0, errors.Wrap(err, "unable to run migrations")
	}

	return n, nil
}

// openSQL returns a database/sql handle for the migration tooling. The
// service itself talks to postgres through the pgx pool.
func openSQL(dataSource string) (*sql.DB, error) {
	handle, err := sql.Open("pgx", dataSource)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open migration connection")
	}

	return handle, nil
}
