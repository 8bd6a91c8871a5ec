package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/realtime-bridge/internal/config"
)

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// ChangelogDDL returns the statements creating the changelog table.
func ChangelogDDL(table string) []string {
	ident := pgx.Identifier{table}.Sanitize()
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + ident + ` (
	id               UUID PRIMARY KEY,
	topic            TEXT NOT NULL,
	schema_name      TEXT NOT NULL,
	table_name       TEXT NOT NULL,
	change_type      TEXT NOT NULL,
	commit_timestamp TIMESTAMPTZ,
	record           JSONB,
	old_record       JSONB,
	received_at      TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS ` + pgx.Identifier{table + "_table_idx"}.Sanitize() +
			` ON ` + ident + ` (schema_name, table_name, received_at)`,
	}
}

// EnsureChangelog creates the changelog table when missing.
func EnsureChangelog(ctx context.Context, pool *pgxpool.Pool, table string) error {
	for _, stmt := range ChangelogDDL(table) {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure changelog %s: %w", table, err)
		}
	}
	return nil
}
