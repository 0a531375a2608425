package provenance

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, e Entry) error {
	payload, err := json.Marshal(Payload{
		Source:    SourceImport,
		ImportID:  e.ImportID,
		RowID:     e.RowID,
		RowNumber: e.RowNumber,
		DebtorID:  e.DebtorID,
	})
	if err != nil {
		return fmt.Errorf("provenance: marshal payload: %w", err)
	}
	var actor any
	if e.ActorID != "" {
		actor = e.ActorID
	}
	const q = `
INSERT INTO audit_log (table_name, operation, record_id, payload, actor_id)
VALUES ($1, $2, $3, $4::jsonb, $5::uuid)
`
	if _, err := tx.Exec(ctx, q, TableCases, OperationCreate, e.CaseID, payload, actor); err != nil {
		return fmt.Errorf("provenance: insert: %w", err)
	}
	return nil
}

func (r *PGRepository) ListForImport(ctx context.Context, importID string) ([]Entry, error) {
	const q = `
SELECT record_id, payload, COALESCE(actor_id::text, ''), created_at
FROM audit_log
WHERE table_name = 'cases'
  AND payload->>'source' = 'import'
  AND payload->>'import_id' = $1
ORDER BY (payload->>'row_number')::int, id
`
	rows, err := r.pool.Query(ctx, q, importID)
	if err != nil {
		return nil, fmt.Errorf("provenance: list: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 16)
	for rows.Next() {
		var (
			e   Entry
			raw []byte
			p   Payload
		)
		if err := rows.Scan(&e.CaseID, &raw, &e.ActorID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("provenance: scan: %w", err)
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("provenance: decode payload: %w", err)
		}
		e.ImportID = p.ImportID
		e.RowID = p.RowID
		e.RowNumber = p.RowNumber
		e.DebtorID = p.DebtorID
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("provenance: iterate: %w", err)
	}
	return out, nil
}
