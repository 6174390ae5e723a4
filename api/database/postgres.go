package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const connectTimeout = 5 * time.Second

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tickets (
	ticket         TEXT PRIMARY KEY,
	requested_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	filesize       BIGINT,
	status         SMALLINT NOT NULL DEFAULT 0,
	success        BOOLEAN,
	result         TEXT,
	execution_time DOUBLE PRECISION,
	comment        TEXT
);`

type DB struct {
	Pool *pgxpool.Pool
}

func ConnectPostgres(ctx context.Context, url string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply postgres schema: %w", err)
	}

	return &DB{Pool: pool}, nil
}

func (db *DB) Close() {
	db.Pool.Close()
}
