package app

import (
	"context"
	"fmt"
	"time"

	"bloks/cmd/internal/pgutil"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	dbApplicationName = "bloks"
	dbConnectTimeout  = 3 * time.Second
)

// NewDBPool opens the shared pool and checks it can hand out a connection.
// With cfg.DBBootstrap the bloks schema is created in place; otherwise
// migrations are expected to have run already.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	schema, err := pgutil.NormalizeSchema(cfg.DBSchema)
	if err != nil {
		return nil, err
	}

	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 && cfg.DBMinConns <= pcfg.MaxConns {
		pcfg.MinConns = cfg.DBMinConns
	}
	pcfg.MaxConnIdleTime = 5 * time.Minute
	if pcfg.ConnConfig.RuntimeParams["application_name"] == "" {
		pcfg.ConnConfig.RuntimeParams["application_name"] = dbApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := PingDB(ctx, pool, dbConnectTimeout); err != nil {
		pool.Close()
		return nil, err
	}

	if cfg.DBBootstrap {
		if _, err := pool.Exec(ctx, pgutil.SchemaSQL(schema)); err != nil {
			pool.Close()
			return nil, fmt.Errorf("bootstrap schema %s: %w", schema, err)
		}
	}
	return pool, nil
}

// PingDB round-trips to the server within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return pool.Ping(ctx)
}
