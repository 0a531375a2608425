package importrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when the row does not exist in the import.
	ErrNotFound = errors.New("importrow: not found")
	// ErrVersionConflict is returned when the row changed since the caller read it.
	ErrVersionConflict = errors.New("importrow: version conflict")
)

// Repository defines the data access required by the service and the finalizer.
type Repository interface {
	ReplaceForImport(ctx context.Context, tx pgx.Tx, importID string, rows []Row) error
	List(ctx context.Context, importID string) ([]Row, error)
	Get(ctx context.Context, importID, rowID string) (Row, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, importID, rowID string) (Row, error)
	Update(ctx context.Context, tx pgx.Tx, row Row) (Row, error)
	ApproveAllValid(ctx context.Context, tx pgx.Tx, importID string) (int, error)
	ApprovedIDs(ctx context.Context, importID string) ([]string, error)
	ListTx(ctx context.Context, tx pgx.Tx, importID string) ([]Row, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const rowColumns = `id, import_id, row_number, proposed_record, errors, warnings, is_approved, version, updated_at`

// ReplaceForImport drops any rows from an earlier analysis and inserts rows
// in one batch.
func (r *PGRepository) ReplaceForImport(ctx context.Context, tx pgx.Tx, importID string, rows []Row) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM import_rows WHERE import_id = $1`, importID)

	const insert = `
        INSERT INTO import_rows (import_id, row_number, proposed_record, errors, warnings)
        VALUES ($1, $2, $3::jsonb, $4::jsonb, $5::jsonb)
    `
	for _, row := range rows {
		record, errs, warns, err := encodeRow(row)
		if err != nil {
			return err
		}
		batch.Queue(insert, importID, row.RowNumber, record, errs, warns)
	}

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("importrow: duplicate row number: %w", err)
			}
			return fmt.Errorf("importrow: replace rows: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("importrow: close batch: %w", err)
	}
	return nil
}

func (r *PGRepository) List(ctx context.Context, importID string) ([]Row, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+rowColumns+` FROM import_rows WHERE import_id = $1 ORDER BY row_number`, importID)
	if err != nil {
		return nil, fmt.Errorf("importrow: list: %w", err)
	}
	return collectRows(rows)
}

// ListTx reads an import's rows inside tx.
func (r *PGRepository) ListTx(ctx context.Context, tx pgx.Tx, importID string) ([]Row, error) {
	rows, err := tx.Query(ctx, `SELECT `+rowColumns+` FROM import_rows WHERE import_id = $1 ORDER BY row_number`, importID)
	if err != nil {
		return nil, fmt.Errorf("importrow: list: %w", err)
	}
	return collectRows(rows)
}

func (r *PGRepository) Get(ctx context.Context, importID, rowID string) (Row, error) {
	row, err := scanRow(r.pool.QueryRow(ctx,
		`SELECT `+rowColumns+` FROM import_rows WHERE id = $1 AND import_id = $2`, rowID, importID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Row{}, ErrNotFound
		}
		return Row{}, fmt.Errorf("importrow: get: %w", err)
	}
	return row, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, importID, rowID string) (Row, error) {
	row, err := scanRow(tx.QueryRow(ctx,
		`SELECT `+rowColumns+` FROM import_rows WHERE id = $1 AND import_id = $2 FOR UPDATE`, rowID, importID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Row{}, ErrNotFound
		}
		return Row{}, fmt.Errorf("importrow: get for update: %w", err)
	}
	return row, nil
}

// Update writes record, issues and approval guarded by row.Version and bumps
// the version.
func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, row Row) (Row, error) {
	record, errs, warns, err := encodeRow(row)
	if err != nil {
		return Row{}, err
	}
	query := `
        UPDATE import_rows
        SET proposed_record = $3::jsonb,
            errors = $4::jsonb,
            warnings = $5::jsonb,
            is_approved = $6,
            version = version + 1,
            updated_at = get_tx_timestamp()
        WHERE id = $1 AND version = $2
        RETURNING ` + rowColumns

	updated, err := scanRow(tx.QueryRow(ctx, query, row.ID, row.Version, record, errs, warns, row.IsApproved))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Row{}, ErrVersionConflict
		}
		return Row{}, fmt.Errorf("importrow: update: %w", err)
	}
	return updated, nil
}

func (r *PGRepository) ApproveAllValid(ctx context.Context, tx pgx.Tx, importID string) (int, error) {
	const query = `
        UPDATE import_rows
        SET is_approved = true,
            version = version + 1,
            updated_at = get_tx_timestamp()
        WHERE import_id = $1
          AND NOT is_approved
          AND jsonb_array_length(errors) = 0
    `
	tag, err := tx.Exec(ctx, query, importID)
	if err != nil {
		return 0, fmt.Errorf("importrow: approve all valid: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PGRepository) ApprovedIDs(ctx context.Context, importID string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM import_rows WHERE import_id = $1 AND is_approved ORDER BY row_number`, importID)
	if err != nil {
		return nil, fmt.Errorf("importrow: approved ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("importrow: scan approved id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("importrow: iterate approved ids: %w", err)
	}
	return ids, nil
}

func collectRows(rows pgx.Rows) ([]Row, error) {
	defer rows.Close()
	out := make([]Row, 0, 32)
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("importrow: scan: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("importrow: iterate: %w", err)
	}
	return out, nil
}

func scanRow(row pgx.Row) (Row, error) {
	var (
		out                 Row
		record, errs, warns []byte
	)
	if err := row.Scan(
		&out.ID,
		&out.ImportID,
		&out.RowNumber,
		&record,
		&errs,
		&warns,
		&out.IsApproved,
		&out.Version,
		&out.UpdatedAt,
	); err != nil {
		return Row{}, err
	}
	if err := json.Unmarshal(record, &out.Record); err != nil {
		return Row{}, fmt.Errorf("importrow: row %s: %w", out.ID, err)
	}
	if err := json.Unmarshal(errs, &out.Errors); err != nil {
		return Row{}, fmt.Errorf("importrow: row %s errors: %w", out.ID, err)
	}
	if err := json.Unmarshal(warns, &out.Warnings); err != nil {
		return Row{}, fmt.Errorf("importrow: row %s warnings: %w", out.ID, err)
	}
	return out, nil
}

func encodeRow(row Row) (record, errs, warns []byte, err error) {
	if record, err = json.Marshal(row.Record); err != nil {
		return nil, nil, nil, fmt.Errorf("importrow: encode record: %w", err)
	}
	if errs, err = json.Marshal(nonNil(row.Errors)); err != nil {
		return nil, nil, nil, fmt.Errorf("importrow: encode errors: %w", err)
	}
	if warns, err = json.Marshal(nonNil(row.Warnings)); err != nil {
		return nil, nil, nil, fmt.Errorf("importrow: encode warnings: %w", err)
	}
	return record, errs, warns, nil
}

func nonNil(issues []Issue) []Issue {
	if issues == nil {
		return []Issue{}
	}
	return issues
}
