package bank

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested bank does not exist.
var ErrNotFound = errors.New("bank: not found")

// Repository provides read access to banks.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a bank by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Bank, error) {
	const query = `
		SELECT id, code, name, active, created_at
		FROM banks
		WHERE id = $1
	`

	var b Bank
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&b.ID,
		&b.Code,
		&b.Name,
		&b.Active,
		&b.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bank{}, ErrNotFound
		}
		return Bank{}, fmt.Errorf("bank: query by id: %w", err)
	}

	return b, nil
}

// List fetches up to limit active banks ordered by name.
func (r *Repository) List(ctx context.Context, limit int) ([]Bank, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT id, code, name, active, created_at
		FROM banks
		WHERE active
		ORDER BY name ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("bank: list: %w", err)
	}
	defer rows.Close()

	banks := make([]Bank, 0, limit)
	for rows.Next() {
		var b Bank
		if err := rows.Scan(&b.ID, &b.Code, &b.Name, &b.Active, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("bank: scan: %w", err)
		}
		banks = append(banks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bank: iterate: %w", err)
	}

	return banks, nil
}
