package casefile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when no case exists for the identifier.
	ErrNotFound = errors.New("casefile: not found")
	// ErrDuplicateReference signals the bank already has a case with this reference.
	ErrDuplicateReference = errors.New("casefile: duplicate bank reference")
)

// Repository defines case persistence.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, c Case) (Case, error)
	Get(ctx context.Context, id string) (Case, error)
	GetByIDs(ctx context.Context, ids []string) ([]Case, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const caseColumns = `id, bank_id, debtor_id, bank_reference, contract_ref, product_type, open_date, default_date,
    amount_principal::text, amount_interest::text, amount_penalties::text, amount_fees::text, total_amount::text,
    currency, guarantee_type, guarantee_value::text, priority, treatment_type, status, notes, created_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, c Case) (Case, error) {
	if c.Status == "" {
		c.Status = StatusOpen
	}
	var guarantee *string
	if c.GuaranteeValue != nil {
		s := c.GuaranteeValue.String()
		guarantee = &s
	}
	query := `
        INSERT INTO cases (bank_id, debtor_id, bank_reference, contract_ref, product_type, open_date, default_date,
            amount_principal, amount_interest, amount_penalties, amount_fees, total_amount, currency,
            guarantee_type, guarantee_value, priority, treatment_type, status, notes)
        VALUES ($1, $2, $3, $4, $5, $6, $7,
            $8::numeric, $9::numeric, $10::numeric, $11::numeric, $12::numeric, $13,
            $14, $15::numeric, $16, $17, $18, $19)
        RETURNING ` + caseColumns

	created, err := scanCase(tx.QueryRow(ctx, query,
		c.BankID,
		c.DebtorID,
		c.BankReference,
		c.ContractRef,
		c.ProductType,
		c.OpenDate,
		c.DefaultDate,
		c.AmountPrincipal.String(),
		c.AmountInterest.String(),
		c.AmountPenalties.String(),
		c.AmountFees.String(),
		c.TotalAmount.String(),
		c.Currency,
		c.GuaranteeType,
		guarantee,
		c.Priority,
		c.TreatmentType,
		c.Status,
		c.Notes,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Case{}, ErrDuplicateReference
		}
		return Case{}, fmt.Errorf("casefile: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Case, error) {
	c, err := scanCase(r.pool.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrNotFound
		}
		return Case{}, fmt.Errorf("casefile: get: %w", err)
	}
	return c, nil
}

// GetByIDs loads the cases for ids. Missing ids are skipped; order follows the
// database, callers reorder as needed.
func (r *PGRepository) GetByIDs(ctx context.Context, ids []string) ([]Case, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = ANY($1::uuid[])`, ids)
	if err != nil {
		return nil, fmt.Errorf("casefile: get by ids: %w", err)
	}
	defer rows.Close()

	out := make([]Case, 0, len(ids))
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("casefile: scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("casefile: iterate: %w", err)
	}
	return out, nil
}

func scanCase(row pgx.Row) (Case, error) {
	var (
		c                                            Case
		principal, interest, penalties, fees, total string
		guarantee                                    *string
	)
	if err := row.Scan(
		&c.ID,
		&c.BankID,
		&c.DebtorID,
		&c.BankReference,
		&c.ContractRef,
		&c.ProductType,
		&c.OpenDate,
		&c.DefaultDate,
		&principal,
		&interest,
		&penalties,
		&fees,
		&total,
		&c.Currency,
		&c.GuaranteeType,
		&guarantee,
		&c.Priority,
		&c.TreatmentType,
		&c.Status,
		&c.Notes,
		&c.CreatedAt,
	); err != nil {
		return Case{}, err
	}

	for _, f := range []struct {
		src string
		dst *decimal.Decimal
	}{
		{principal, &c.AmountPrincipal},
		{interest, &c.AmountInterest},
		{penalties, &c.AmountPenalties},
		{fees, &c.AmountFees},
		{total, &c.TotalAmount},
	} {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return Case{}, fmt.Errorf("casefile: parse amount %q: %w", f.src, err)
		}
		*f.dst = d
	}
	if guarantee != nil {
		d, err := decimal.NewFromString(*guarantee)
		if err != nil {
			return Case{}, fmt.Errorf("casefile: parse guarantee %q: %w", *guarantee, err)
		}
		c.GuaranteeValue = &d
	}
	return c, nil
}
