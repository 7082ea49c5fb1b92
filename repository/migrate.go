package repository

import (
	"context"
	"fmt"
	"io/fs"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

// Migrate applies the unapplied SQL migrations found in fsys and records
// them in the bun_migrations table. Statements within a file are separated
// by --bun:split lines.
func Migrate(ctx context.Context, db *bun.DB, fsys fs.FS, opts ...migrate.MigratorOption) (*migrate.MigrationGroup, error) {
	migrations := migrate.NewMigrations()
	if err := migrations.Discover(fsys); err != nil {
		return nil, fmt.Errorf("discover migrations: %w", err)
	}

	opts = append([]migrate.MigratorOption{migrate.WithMarkAppliedOnSuccess(true)}, opts...)
	migrator := migrate.NewMigrator(db, migrations, opts...)
	if err := migrator.Init(ctx); err != nil {
		return nil, fmt.Errorf("init migrations: %w", err)
	}

	if err := migrator.Lock(ctx); err != nil {
		return nil, err
	}
	defer migrator.Unlock(ctx) //nolint:errcheck

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return group, fmt.Errorf("apply migrations: %w", err)
	}
	return group, nil
}
