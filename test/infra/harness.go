package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"recoveryflow/migrations"
)

// Harness owns the lifecycle of the Postgres test container and pgx pool.
type Harness struct {
	container *postgres.PostgresContainer
	pool      *pgxpool.Pool
	dsn       string
}

// NewHarness boots a Postgres 16 container, or reuses RECOVERYFLOW_TEST_PG_DSN,
// and applies the embedded migrations.
func NewHarness(ctx context.Context) (*Harness, error) {
	pgC, dsn, err := StartPostgres16(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	cfg.MaxConns = 32
	cfg.MaxConnIdleTime = 30 * time.Second
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, fmt.Errorf("create pool: %w", err)
	}

	h := &Harness{
		container: pgC.C,
		pool:      pool,
		dsn:       dsn,
	}

	if err := migrations.Apply(ctx, pool); err != nil {
		h.Close(ctx)
		return nil, err
	}
	return h, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections.
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.container != nil {
		_ = h.container.Terminate(ctx)
	}
}

// Reset truncates mutable tables to provide a clean slate for the next test.
// TRUNCATE bypasses the row trigger that protects import provenance.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"audit_log",
		"outbox",
		"import_events",
		"import_rows",
		"cases",
		"debtors",
		"imports",
		"operators",
		"banks",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}
	return nil
}
