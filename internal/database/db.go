package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ecotile-bknd/internal/config"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
)

// PoolOptions bounds the connection pool. Batch jobs run with a small pool,
// the API server with a larger one.
type PoolOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// ServerPool is used by the HTTP API.
var ServerPool = PoolOptions{MaxOpenConns: 25, MaxIdleConns: 10}

// BatchPool is used by import and region assignment, which work one unit at a time.
var BatchPool = PoolOptions{MaxOpenConns: 4, MaxIdleConns: 2}

// New connects to Postgres and returns a Bun DB handle.
func New(dsn string, cfg *config.Config, pool PoolOptions) (*bun.DB, error) {
	connector := pgdriver.NewConnector(
		pgdriver.WithDSN(dsn),
		pgdriver.WithTimeout(120*time.Second),     // Overall connection timeout (2 min)
		pgdriver.WithDialTimeout(15*time.Second),  // Connection establishment timeout
		pgdriver.WithReadTimeout(120*time.Second), // Read operation timeout (2 min)
		pgdriver.WithWriteTimeout(30*time.Second), // Write operation timeout
		pgdriver.WithConnParams(map[string]interface{}{
			"search_path":                         cfg.DBSchema + ", public",
			"statement_timeout":                   "120s",
			"idle_in_transaction_session_timeout": "180s",
		}),
	)

	sqldb := sql.OpenDB(connector)
	db := bun.NewDB(sqldb, pgdialect.New())

	// Configure connection pool
	sqldb.SetMaxOpenConns(pool.MaxOpenConns)
	sqldb.SetMaxIdleConns(pool.MaxIdleConns)
	sqldb.SetConnMaxLifetime(5 * time.Minute)
	sqldb.SetConnMaxIdleTime(10 * time.Minute)

	// Optional query logging
	if cfg.BunDebug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, nil
}
