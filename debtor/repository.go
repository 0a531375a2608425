package debtor

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no debtor exists for the identifier.
	ErrNotFound = errors.New("debtor: not found")
	// ErrDuplicate signals a concurrent insert of the same identity number.
	ErrDuplicate = errors.New("debtor: duplicate identity")
)

// Repository defines debtor persistence.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, d Debtor) (Debtor, error)
	FindByIdentity(ctx context.Context, tx pgx.Tx, t Type, key Key) (Debtor, error)
	Get(ctx context.Context, id string) (Debtor, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const debtorColumns = `id, type, first_name, last_name, birth_date, national_id, passport_number,
    employer, occupation, company_name, trade_name, registration_number, tax_id,
    legal_representative, legal_representative_phone, phone, email, address, city, created_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, d Debtor) (Debtor, error) {
	query := `
        INSERT INTO debtors (type, first_name, last_name, birth_date, national_id, passport_number,
            employer, occupation, company_name, trade_name, registration_number, tax_id,
            legal_representative, legal_representative_phone, phone, email, address, city)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
        RETURNING ` + debtorColumns

	created, err := scanDebtor(tx.QueryRow(ctx, query,
		string(d.Type),
		d.FirstName,
		d.LastName,
		d.BirthDate,
		d.NationalID,
		d.PassportNumber,
		d.Employer,
		d.Occupation,
		d.CompanyName,
		d.TradeName,
		d.RegistrationNumber,
		d.TaxID,
		d.LegalRepresentative,
		d.LegalRepresentativePhone,
		d.Phone,
		d.Email,
		d.Address,
		d.City,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Debtor{}, ErrDuplicate
		}
		return Debtor{}, fmt.Errorf("debtor: insert: %w", err)
	}
	return created, nil
}

var identityColumns = map[string]bool{
	"national_id":         true,
	"passport_number":     true,
	"registration_number": true,
	"tax_id":              true,
}

// FindByIdentity looks a debtor of type t up by one identifying column. The
// oldest match wins when several debtors share a passport or tax id.
func (r *PGRepository) FindByIdentity(ctx context.Context, tx pgx.Tx, t Type, key Key) (Debtor, error) {
	if !identityColumns[key.Column] {
		return Debtor{}, fmt.Errorf("debtor: unknown identity column %q", key.Column)
	}
	query := `SELECT ` + debtorColumns + ` FROM debtors WHERE type = $1 AND ` + key.Column + ` = $2
        ORDER BY created_at, id LIMIT 1`
	d, err := scanDebtor(tx.QueryRow(ctx, query, string(t), key.Value))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Debtor{}, ErrNotFound
		}
		return Debtor{}, fmt.Errorf("debtor: find by identity: %w", err)
	}
	return d, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Debtor, error) {
	d, err := scanDebtor(r.pool.QueryRow(ctx, `SELECT `+debtorColumns+` FROM debtors WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Debtor{}, ErrNotFound
		}
		return Debtor{}, fmt.Errorf("debtor: get: %w", err)
	}
	return d, nil
}

func scanDebtor(row pgx.Row) (Debtor, error) {
	var (
		d       Debtor
		debtorT string
	)
	err := row.Scan(
		&d.ID,
		&debtorT,
		&d.FirstName,
		&d.LastName,
		&d.BirthDate,
		&d.NationalID,
		&d.PassportNumber,
		&d.Employer,
		&d.Occupation,
		&d.CompanyName,
		&d.TradeName,
		&d.RegistrationNumber,
		&d.TaxID,
		&d.LegalRepresentative,
		&d.LegalRepresentativePhone,
		&d.Phone,
		&d.Email,
		&d.Address,
		&d.City,
		&d.CreatedAt,
	)
	d.Type = Type(debtorT)
	return d, err
}
