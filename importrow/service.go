package importrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"recoveryflow/importjob"
	"recoveryflow/logging"
)

var (
	// ErrRowHasErrors is returned when approving a row with blocking errors.
	ErrRowHasErrors = errors.New("importrow: row has errors")
	// ErrImportLocked is returned when the owning import no longer accepts review changes.
	ErrImportLocked = errors.New("importrow: import is not under review")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ImportGate is the part of the import registry the row store depends on.
type ImportGate interface {
	LockForUpdate(ctx context.Context, tx pgx.Tx, id string) (importjob.Import, error)
	SetCounts(ctx context.Context, tx pgx.Tx, id string, counts importjob.Counts) error
}

// Service is the row store: it owns proposed records, their validation
// results and approval flags.
type Service struct {
	pool      TxBeginner
	repo      Repository
	imports   ImportGate
	validator Validator
	logger    *zap.Logger
}

func NewService(pool TxBeginner, repo Repository, imports ImportGate, validator Validator, logger *zap.Logger) *Service {
	return &Service{
		pool:      pool,
		repo:      repo,
		imports:   imports,
		validator: validator,
		logger:    logging.OrNop(logger),
	}
}

// Validator returns the validator used for analysis and edits.
func (s *Service) Validator() Validator {
	return s.validator
}

// CountRows partitions rows by derived status.
func CountRows(rows []Row) importjob.Counts {
	counts := importjob.Counts{Total: len(rows)}
	for _, row := range rows {
		switch row.Status() {
		case StatusOK:
			counts.Valid++
		case StatusWarnings:
			counts.Warning++
		case StatusErrors:
			counts.Error++
		}
	}
	return counts
}

// BuildRows validates drafts into unsaved rows.
func (s *Service) BuildRows(importID string, drafts []Draft) []Row {
	rows := make([]Row, 0, len(drafts))
	for _, d := range drafts {
		errs, warns := s.validator.Validate(d.Record)
		warns = append(warns, d.Notes...)
		rows = append(rows, Row{
			ImportID:  importID,
			RowNumber: d.RowNumber,
			Record:    d.Record,
			Errors:    errs,
			Warnings:  warns,
			Version:   1,
		})
	}
	return rows
}

// ReplaceForImport stores the analyzed rows of a processing import, replacing
// the rows of any earlier analysis, and returns the counters.
func (s *Service) ReplaceForImport(ctx context.Context, importID string, drafts []Draft) (importjob.Counts, error) {
	rows := s.BuildRows(importID, drafts)
	counts := CountRows(rows)

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		imp, err := s.imports.LockForUpdate(ctx, tx, importID)
		if err != nil {
			return err
		}
		if imp.Status != importjob.StatusProcessing {
			return fmt.Errorf("%w: status %s", ErrImportLocked, imp.Status)
		}
		if err := s.repo.ReplaceForImport(ctx, tx, importID, rows); err != nil {
			return err
		}
		return s.imports.SetCounts(ctx, tx, importID, counts)
	})
	if err != nil {
		return importjob.Counts{}, err
	}
	return counts, nil
}

func (s *Service) List(ctx context.Context, importID string) ([]Row, error) {
	return s.repo.List(ctx, importID)
}

func (s *Service) Get(ctx context.Context, importID, rowID string) (Row, error) {
	return s.repo.Get(ctx, importID, rowID)
}

// ApprovedIDs lists approved row ids in row order.
func (s *Service) ApprovedIDs(ctx context.Context, importID string) ([]string, error) {
	return s.repo.ApprovedIDs(ctx, importID)
}

// ToggleApproval sets or clears the approval flag of one row. Approving a row
// with errors fails with ErrRowHasErrors and changes nothing.
func (s *Service) ToggleApproval(ctx context.Context, importID, rowID string, approved bool) (Row, error) {
	var out Row
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := s.lockReviewable(ctx, tx, importID); err != nil {
			return err
		}
		row, err := s.repo.GetForUpdate(ctx, tx, importID, rowID)
		if err != nil {
			return err
		}
		if approved && !row.Approvable() {
			return ErrRowHasErrors
		}
		if row.IsApproved == approved {
			out = row
			return nil
		}
		row.IsApproved = approved
		out, err = s.repo.Update(ctx, tx, row)
		return err
	})
	if err != nil {
		return Row{}, err
	}
	return out, nil
}

// ApproveAllValid approves every error-free row not yet approved and returns
// how many changed. Running it twice changes nothing the second time.
func (s *Service) ApproveAllValid(ctx context.Context, importID string) (int, error) {
	var n int
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := s.lockReviewable(ctx, tx, importID); err != nil {
			return err
		}
		var err error
		n, err = s.repo.ApproveAllValid(ctx, tx, importID)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("approved valid rows", zap.String("import_id", importID), zap.Int("approved", n))
	return n, nil
}

// EditField changes one field of a proposed record and re-validates the row.
// An approved row that gains errors loses its approval in the same write.
func (s *Service) EditField(ctx context.Context, params EditParams) (Row, error) {
	var out Row
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := s.lockReviewable(ctx, tx, params.ImportID); err != nil {
			return err
		}
		row, err := s.repo.GetForUpdate(ctx, tx, params.ImportID, params.RowID)
		if err != nil {
			return err
		}
		if row.Version != params.ExpectedVersion {
			return fmt.Errorf("%w: have %d, expected %d", ErrVersionConflict, row.Version, params.ExpectedVersion)
		}

		if err := row.Record.Set(params.Field, params.Value); err != nil {
			return err
		}
		row.Errors, row.Warnings = s.validator.Validate(row.Record)
		if row.IsApproved && !row.Approvable() {
			row.IsApproved = false
			s.logger.Info("edit introduced errors, row unapproved",
				zap.String("import_id", params.ImportID),
				zap.String("row_id", params.RowID),
				zap.String("field", params.Field),
			)
		}

		out, err = s.repo.Update(ctx, tx, row)
		if err != nil {
			return err
		}

		all, err := s.repo.ListTx(ctx, tx, params.ImportID)
		if err != nil {
			return err
		}
		return s.imports.SetCounts(ctx, tx, params.ImportID, CountRows(all))
	})
	if err != nil {
		return Row{}, err
	}
	return out, nil
}

func (s *Service) lockReviewable(ctx context.Context, tx pgx.Tx, importID string) error {
	imp, err := s.imports.LockForUpdate(ctx, tx, importID)
	if err != nil {
		return err
	}
	if !importjob.IsReviewable(imp.Status) {
		return fmt.Errorf("%w: status %s", ErrImportLocked, imp.Status)
	}
	return nil
}

func (s *Service) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("importrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("importrow: commit tx: %w", err)
	}
	return nil
}
