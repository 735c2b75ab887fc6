package persistence

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsDir = "migrations"

// Migrator applies the embedded goose migrations.
type Migrator struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewMigrator builds a migrator over the pool.
func NewMigrator(pool *pgxpool.Pool, logger *zap.Logger) *Migrator {
	return &Migrator{pool: pool, logger: logger.Named("migrations")}
}

func (m *Migrator) provider() (*goose.Provider, func() error, error) {
	if m.pool == nil {
		return nil, nil, fmt.Errorf("postgres pool not configured")
	}
	sub, err := fs.Sub(migrationsFS, migrationsDir)
	if err != nil {
		return nil, nil, err
	}
	db := stdlib.OpenDBFromPool(m.pool)
	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("create goose provider: %w", err)
	}
	return provider, db.Close, nil
}

// Up applies all pending migrations.
func (m *Migrator) Up(ctx context.Context) error {
	provider, closeDB, err := m.provider()
	if err != nil {
		return err
	}
	defer closeDB() //nolint:errcheck

	from, err := provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		m.logger.Info("applied migration", zap.String("file", r.Source.Path), zap.Duration("took", r.Duration))
	}
	to, err := provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}
	m.logger.Info("migrations applied", zap.Int64("from_version", from), zap.Int64("to_version", to))
	return nil
}

// Down rolls back the given number of migrations.
func (m *Migrator) Down(ctx context.Context, steps int) error {
	provider, closeDB, err := m.provider()
	if err != nil {
		return err
	}
	defer closeDB() //nolint:errcheck

	for i := 0; i < steps; i++ {
		r, err := provider.Down(ctx)
		if err != nil {
			return fmt.Errorf("roll back migration: %w", err)
		}
		m.logger.Info("rolled back migration", zap.String("file", r.Source.Path))
	}
	return nil
}

// MigrationState describes one known migration.
type MigrationState struct {
	Version int64
	File    string
	Applied bool
}

// Status lists every embedded migration and whether it is applied.
func (m *Migrator) Status(ctx context.Context) ([]MigrationState, error) {
	provider, closeDB, err := m.provider()
	if err != nil {
		return nil, err
	}
	defer closeDB() //nolint:errcheck

	statuses, err := provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("read migration status: %w", err)
	}
	out := make([]MigrationState, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, MigrationState{
			Version: s.Source.Version,
			File:    s.Source.Path,
			Applied: s.State == goose.StateApplied,
		})
	}
	return out, nil
}
