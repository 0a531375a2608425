package importjob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no import exists for the identifier.
	ErrNotFound = errors.New("importjob: not found")
	// ErrDuplicateUpload signals an active import of identical content already exists for the bank.
	ErrDuplicateUpload = errors.New("importjob: duplicate upload")
)

// Repository defines the data access required by the service.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, imp Import) (Import, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (Import, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Import, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, params TransitionParams) (Import, error)
	UpdateCounts(ctx context.Context, tx pgx.Tx, id string, counts Counts) error
	ListStalled(ctx context.Context, startedBefore time.Time, limit int) ([]Import, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, importID, eventType string, actorID string, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const importColumns = `id, bank_id, uploaded_by, file_name, file_path, file_checksum, status::text,
    total_rows, valid_rows, warning_rows, error_rows, approved_at, error_message,
    analysis_started_at, created_at, updated_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, imp Import) (Import, error) {
	query := `
        INSERT INTO imports (id, bank_id, uploaded_by, file_name, file_path, file_checksum, status)
        VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7::import_status)
        RETURNING ` + importColumns

	created, err := scanImport(tx.QueryRow(ctx, query,
		imp.ID,
		imp.BankID,
		imp.UploadedBy,
		imp.FileName,
		imp.FilePath,
		imp.FileChecksum,
		string(imp.Status),
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Import{}, ErrDuplicateUpload
		}
		return Import{}, fmt.Errorf("importjob: insert: %w", err)
	}
	return created, nil
}

// Delete removes an import that never left the uploaded state. It is only
// used to compensate a failed blob upload.
func (r *PGRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM imports WHERE id = $1 AND status = 'uploaded'`, id)
	if err != nil {
		return fmt.Errorf("importjob: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Import, error) {
	imp, err := scanImport(r.pool.QueryRow(ctx, `SELECT `+importColumns+` FROM imports WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Import{}, ErrNotFound
		}
		return Import{}, fmt.Errorf("importjob: get: %w", err)
	}
	return imp, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Import, error) {
	imp, err := scanImport(tx.QueryRow(ctx, `SELECT `+importColumns+` FROM imports WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Import{}, ErrNotFound
		}
		return Import{}, fmt.Errorf("importjob: get for update: %w", err)
	}
	return imp, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, params TransitionParams) (Import, error) {
	query := `
        UPDATE imports
        SET status = $2::import_status,
            error_message = CASE WHEN $3 THEN NULL ELSE COALESCE($4, error_message) END,
            approved_at = COALESCE($5, approved_at),
            analysis_started_at = COALESCE($6, analysis_started_at),
            updated_at = get_tx_timestamp()
        WHERE id = $1
        RETURNING ` + importColumns

	imp, err := scanImport(tx.QueryRow(ctx, query,
		id,
		string(params.Next),
		params.ClearError,
		params.ErrorMessage,
		params.ApprovedAt,
		params.AnalysisStartedAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Import{}, ErrNotFound
		}
		if rejectedTransition(err) {
			return Import{}, fmt.Errorf("%w: %s", ErrInvalidTransition, params.Next)
		}
		return Import{}, fmt.Errorf("importjob: update status: %w", err)
	}
	return imp, nil
}

// rejectedTransition reports the imports_status_transition trigger refusing
// an update.
func rejectedTransition(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23514" && pgErr.ConstraintName == "import_status_transition"
}

func (r *PGRepository) UpdateCounts(ctx context.Context, tx pgx.Tx, id string, counts Counts) error {
	const query = `
        UPDATE imports
        SET total_rows = $2, valid_rows = $3, warning_rows = $4, error_rows = $5,
            updated_at = get_tx_timestamp()
        WHERE id = $1
    `
	tag, err := tx.Exec(ctx, query, id, counts.Total, counts.Valid, counts.Warning, counts.Error)
	if err != nil {
		return fmt.Errorf("importjob: update counts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) ListStalled(ctx context.Context, startedBefore time.Time, limit int) ([]Import, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + importColumns + `
        FROM imports
        WHERE status = 'processing'
          AND COALESCE(analysis_started_at, updated_at) < $1
        ORDER BY analysis_started_at ASC NULLS FIRST
        LIMIT $2`

	rows, err := r.pool.Query(ctx, query, startedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("importjob: list stalled: %w", err)
	}
	defer rows.Close()

	out := make([]Import, 0, 8)
	for rows.Next() {
		imp, err := scanImport(rows)
		if err != nil {
			return nil, fmt.Errorf("importjob: scan stalled: %w", err)
		}
		out = append(out, imp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("importjob: iterate stalled: %w", err)
	}
	return out, nil
}

func (r *PGRepository) AppendEvent(ctx context.Context, tx pgx.Tx, importID, eventType string, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("importjob: marshal event payload: %w", err)
	}
	var actor any
	if actorID != "" {
		actor = actorID
	}
	const q = `
INSERT INTO import_events (import_id, type, payload, actor_id)
VALUES ($1, $2, $3::jsonb, $4::uuid)
`
	if _, err := tx.Exec(ctx, q, importID, eventType, body, actor); err != nil {
		return fmt.Errorf("importjob: insert event: %w", err)
	}
	return nil
}

func (r *PGRepository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("importjob: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("importjob: enqueue outbox: %w", err)
	}
	return nil
}

func scanImport(row pgx.Row) (Import, error) {
	var imp Import
	err := row.Scan(
		&imp.ID,
		&imp.BankID,
		&imp.UploadedBy,
		&imp.FileName,
		&imp.FilePath,
		&imp.FileChecksum,
		&imp.Status,
		&imp.Counts.Total,
		&imp.Counts.Valid,
		&imp.Counts.Warning,
		&imp.Counts.Error,
		&imp.ApprovedAt,
		&imp.ErrorMessage,
		&imp.AnalysisStartedAt,
		&imp.CreatedAt,
		&imp.UpdatedAt,
	)
	return imp, err
}
