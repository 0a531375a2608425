// Package finalizer materializes approved import rows into debtors and cases.
package finalizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"recoveryflow/casefile"
	"recoveryflow/debtor"
	"recoveryflow/importjob"
	"recoveryflow/importrow"
	"recoveryflow/logging"
	"recoveryflow/provenance"
)

var (
	// ErrNoRows is returned when finalize is called without any row.
	ErrNoRows = errors.New("finalizer: no rows to finalize")
	// ErrAlreadyFinalized is returned for an import that is already approved.
	ErrAlreadyFinalized = errors.New("finalizer: import already finalized")
	// ErrInvalidState is returned when the import is neither under review nor failed.
	ErrInvalidState = errors.New("finalizer: import cannot be finalized in its current state")
)

const maxSummaryFailures = 10

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ImportRegistry is the part of importjob.Service the finalizer drives.
type ImportRegistry interface {
	LockForUpdate(ctx context.Context, tx pgx.Tx, id string) (importjob.Import, error)
	TransitionTx(ctx context.Context, tx pgx.Tx, current importjob.Import, params importjob.TransitionParams) (importjob.Import, error)
	PublishTx(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// RowSource loads one row of an import under lock.
type RowSource interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, importID, rowID string) (importrow.Row, error)
}

type DebtorResolver interface {
	Resolve(ctx context.Context, tx pgx.Tx, d debtor.Debtor) (debtor.Debtor, bool, error)
}

type CaseCreator interface {
	Create(ctx context.Context, tx pgx.Tx, c casefile.Case) (casefile.Case, error)
}

type ProvenanceWriter interface {
	Record(ctx context.Context, tx pgx.Tx, e provenance.Entry) error
}

// Request names the import and the rows the reviewer approved.
type Request struct {
	ImportID string
	RowIDs   []string
	ActorID  string
}

// RowFailure describes one row that could not be materialized.
type RowFailure struct {
	RowID     string `json:"row_id"`
	RowNumber int    `json:"row_number,omitempty"`
	Reason    string `json:"reason"`
}

// Result summarizes one finalize call. A non-zero ErrorCount does not undo the
// rows that succeeded.
type Result struct {
	ImportID     string       `json:"import_id"`
	CreatedCount int          `json:"created_count"`
	ErrorCount   int          `json:"error_count"`
	Failures     []RowFailure `json:"failures"`
	CaseIDs      []string     `json:"case_ids"`
}

type Service struct {
	pool       TxBeginner
	imports    ImportRegistry
	rows       RowSource
	debtors    DebtorResolver
	cases      CaseCreator
	provenance ProvenanceWriter
	validator  importrow.Validator
	logger     *zap.Logger
	now        func() time.Time
}

func NewService(pool TxBeginner, imports ImportRegistry, rows RowSource, debtors DebtorResolver, cases CaseCreator, prov ProvenanceWriter, validator importrow.Validator, logger *zap.Logger) *Service {
	return &Service{
		pool:       pool,
		imports:    imports,
		rows:       rows,
		debtors:    debtors,
		cases:      cases,
		provenance: prov,
		validator:  validator,
		logger:     logging.OrNop(logger),
		now:        time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Finalize creates one debtor and one case per approved row. The import row
// lock serializes concurrent calls; the loser observes the approved status and
// gets ErrAlreadyFinalized. Each row runs in its own savepoint so a failing
// row is rolled back and counted without affecting the others.
func (s *Service) Finalize(ctx context.Context, req Request) (Result, error) {
	rowIDs := dedupe(req.RowIDs)
	if len(rowIDs) == 0 {
		return Result{}, ErrNoRows
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("finalizer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	imp, err := s.imports.LockForUpdate(ctx, tx, req.ImportID)
	if err != nil {
		return Result{}, err
	}
	switch {
	case imp.Status == importjob.StatusApproved:
		return Result{}, ErrAlreadyFinalized
	case !importjob.IsReviewable(imp.Status):
		return Result{}, fmt.Errorf("%w: status %s", ErrInvalidState, imp.Status)
	}

	result := Result{ImportID: imp.ID, Failures: []RowFailure{}, CaseIDs: make([]string, 0, len(rowIDs))}
	for _, rowID := range rowIDs {
		caseID, rowNumber, rowErr := s.finalizeRowInSavepoint(ctx, tx, imp, rowID, req.ActorID)
		if rowErr != nil {
			result.ErrorCount++
			result.Failures = append(result.Failures, RowFailure{RowID: rowID, RowNumber: rowNumber, Reason: rowErr.Error()})
			s.logger.Warn("finalize row failed",
				zap.String("import_id", imp.ID),
				zap.String("row_id", rowID),
				zap.Int("row_number", rowNumber),
				zap.Error(rowErr),
			)
			continue
		}
		result.CreatedCount++
		result.CaseIDs = append(result.CaseIDs, caseID)
	}

	approvedAt := s.now().UTC()
	params := importjob.TransitionParams{
		Next:       importjob.StatusApproved,
		ActorID:    req.ActorID,
		ApprovedAt: &approvedAt,
		Payload: map[string]any{
			"created_count": result.CreatedCount,
			"error_count":   result.ErrorCount,
		},
	}
	if summary := summarize(result); summary != "" {
		params.ErrorMessage = &summary
	} else {
		params.ClearError = true
	}
	if _, err := s.imports.TransitionTx(ctx, tx, imp, params); err != nil {
		return Result{}, err
	}

	if err := s.imports.PublishTx(ctx, tx, importjob.OutboxTopicFinalized, map[string]any{
		"import_id":     imp.ID,
		"bank_id":       imp.BankID,
		"created_count": result.CreatedCount,
		"error_count":   result.ErrorCount,
		"case_ids":      result.CaseIDs,
	}); err != nil {
		return Result{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("finalizer: commit: %w", err)
	}

	s.logger.Info("import finalized",
		zap.String("import_id", imp.ID),
		zap.Int("created", result.CreatedCount),
		zap.Int("failed", result.ErrorCount),
	)
	return result, nil
}

func (s *Service) finalizeRowInSavepoint(ctx context.Context, tx pgx.Tx, imp importjob.Import, rowID, actorID string) (string, int, error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("savepoint: %w", err)
	}
	caseID, rowNumber, err := s.finalizeRow(ctx, sp, imp, rowID, actorID)
	if err != nil {
		_ = sp.Rollback(ctx)
		return "", rowNumber, err
	}
	if err := sp.Commit(ctx); err != nil {
		_ = sp.Rollback(ctx)
		return "", rowNumber, fmt.Errorf("release savepoint: %w", err)
	}
	return caseID, rowNumber, nil
}

func (s *Service) finalizeRow(ctx context.Context, tx pgx.Tx, imp importjob.Import, rowID, actorID string) (string, int, error) {
	row, err := s.rows.GetForUpdate(ctx, tx, imp.ID, rowID)
	if err != nil {
		if errors.Is(err, importrow.ErrNotFound) {
			return "", 0, fmt.Errorf("row not found in import")
		}
		return "", 0, err
	}
	if !row.IsApproved {
		return "", row.RowNumber, fmt.Errorf("row is not approved")
	}
	if errs, _ := s.validator.Validate(row.Record); len(errs) > 0 {
		return "", row.RowNumber, fmt.Errorf("row has errors: %s", joinIssues(errs))
	}

	d, err := BuildDebtor(row.Record)
	if err != nil {
		return "", row.RowNumber, err
	}
	d, _, err = s.debtors.Resolve(ctx, tx, d)
	if err != nil {
		return "", row.RowNumber, fmt.Errorf("create debtor: %w", err)
	}

	amounts, err := s.validator.Coerce(row.Record)
	if err != nil {
		return "", row.RowNumber, err
	}
	c, err := BuildCase(imp.BankID, d.ID, row.Record, amounts)
	if err != nil {
		return "", row.RowNumber, err
	}
	c, err = s.cases.Create(ctx, tx, c)
	if err != nil {
		return "", row.RowNumber, fmt.Errorf("create case: %w", err)
	}

	if err := s.provenance.Record(ctx, tx, provenance.Entry{
		CaseID:    c.ID,
		ImportID:  imp.ID,
		RowID:     row.ID,
		RowNumber: row.RowNumber,
		DebtorID:  d.ID,
		ActorID:   actorID,
	}); err != nil {
		return "", row.RowNumber, fmt.Errorf("record provenance: %w", err)
	}
	return c.ID, row.RowNumber, nil
}

func summarize(r Result) string {
	if r.ErrorCount == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d rows failed", r.ErrorCount, r.ErrorCount+r.CreatedCount)
	for i, f := range r.Failures {
		if i == maxSummaryFailures {
			fmt.Fprintf(&b, "; and %d more", len(r.Failures)-i)
			break
		}
		if f.RowNumber > 0 {
			fmt.Fprintf(&b, "; row %d: %s", f.RowNumber, f.Reason)
		} else {
			fmt.Fprintf(&b, "; row %s: %s", f.RowID, f.Reason)
		}
	}
	return b.String()
}

func joinIssues(issues []importrow.Issue) string {
	parts := make([]string, 0, len(issues))
	for _, i := range issues {
		parts = append(parts, i.Field+" "+i.Message)
	}
	return strings.Join(parts, ", ")
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
