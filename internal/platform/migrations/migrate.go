// Package migrations applies the embedded SQL schema with goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const (
	postgresDialect = "postgres"
	migrationsDir   = "sql"
)

//go:embed sql/*.sql
var files embed.FS

var setupOnce sync.Once
var setupErr error

// goose keeps its dialect and filesystem in package state.
func setup() error {
	setupOnce.Do(func() {
		goose.SetBaseFS(files)
		if err := goose.SetDialect(postgresDialect); err != nil {
			setupErr = fmt.Errorf("set goose dialect: %w", err)
		}
	})
	return setupErr
}

func open(pool *pgxpool.Pool) *sql.DB {
	return stdlib.OpenDBFromPool(pool)
}

// Up runs all pending migrations.
func Up(ctx context.Context, pool *pgxpool.Pool) error {
	if err := setup(); err != nil {
		return err
	}
	db := open(pool)
	defer db.Close()
	if err := goose.UpContext(ctx, db, migrationsDir); err != nil {
		return fmt.Errorf("run goose up migrations: %w", err)
	}
	return nil
}

// Down rolls back the latest migration.
func Down(ctx context.Context, pool *pgxpool.Pool) error {
	if err := setup(); err != nil {
		return err
	}
	db := open(pool)
	defer db.Close()
	if err := goose.DownContext(ctx, db, migrationsDir); err != nil {
		return fmt.Errorf("run goose down migration: %w", err)
	}
	return nil
}

// Version reports the schema version recorded in the database.
func Version(ctx context.Context, pool *pgxpool.Pool) (int64, error) {
	if err := setup(); err != nil {
		return 0, err
	}
	db := open(pool)
	defer db.Close()
	return goose.GetDBVersionContext(ctx, db)
}

// Available lists the versions of the embedded migrations in order.
func Available() ([]int64, error) {
	if err := setup(); err != nil {
		return nil, err
	}
	found, err := goose.CollectMigrations(migrationsDir, 0, goose.MaxVersion)
	if err != nil {
		return nil, err
	}
	versions := make([]int64, 0, len(found))
	for _, m := range found {
		versions = append(versions, m.Version)
	}
	return versions, nil
}
