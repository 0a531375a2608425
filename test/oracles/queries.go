package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no row on a consistent database.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_approved_row_without_errors",
			SQL: `SELECT id, import_id FROM import_rows
                  WHERE is_approved AND jsonb_array_length(errors) > 0`,
		},
		{
			Name: "O2_approved_import_has_timestamp",
			SQL: `SELECT id FROM imports
                  WHERE (status = 'approved') <> (approved_at IS NOT NULL)`,
		},
		{
			Name: "O3_single_provenance_per_row",
			SQL: `SELECT payload->>'row_id', COUNT(*) FROM audit_log
                  WHERE payload->>'source' = 'import'
                  GROUP BY payload->>'row_id' HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_cases_only_from_approved_imports",
			SQL: `SELECT a.record_id, i.status FROM audit_log a
                  JOIN imports i ON i.id::text = a.payload->>'import_id'
                  WHERE a.payload->>'source' = 'import' AND i.status <> 'approved'`,
		},
		{
			Name: "O5_provenance_points_at_case",
			SQL: `SELECT a.record_id FROM audit_log a
                  LEFT JOIN cases c ON c.id = a.record_id
                  WHERE a.payload->>'source' = 'import' AND c.id IS NULL`,
		},
		{
			Name: "O6_counters_match_rows",
			SQL: `SELECT i.id, i.total_rows, COUNT(r.id) FROM imports i
                  LEFT JOIN import_rows r ON r.import_id = i.id
                  WHERE i.status IN ('ready_for_review','approved')
                  GROUP BY i.id, i.total_rows, i.valid_rows, i.warning_rows, i.error_rows
                  HAVING i.total_rows <> COUNT(r.id)
                      OR i.valid_rows + i.warning_rows + i.error_rows <> i.total_rows`,
		},
		{
			Name: "O7_transitions_recorded",
			SQL: `SELECT i.id FROM imports i
                  WHERE i.status <> 'uploaded'
                    AND NOT EXISTS (SELECT 1 FROM import_events e WHERE e.import_id = i.id)`,
		},
		{
			Name: "O8_outbox_drained",
			SQL: `SELECT id FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O9_provenance_delete_guard",
			SQL: `SELECT 'missing_provenance_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_delete_import_provenance')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
