// Package analyzer turns an uploaded spreadsheet into validated import rows.
// Analysis is asynchronous: Run moves the import to processing and queues a
// job; a worker later completes or fails it.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"recoveryflow/blobstore"
	"recoveryflow/importjob"
	"recoveryflow/importrow"
	"recoveryflow/logging"
)

// ErrCrashed wraps a panic raised while processing a job.
var ErrCrashed = errors.New("analyzer: analysis crashed")

// Registry is the part of the import registry the analyzer drives.
type Registry interface {
	Get(ctx context.Context, id string) (importjob.Import, error)
	RequestAnalysis(ctx context.Context, id, actorID string) (importjob.Import, error)
	CompleteAnalysis(ctx context.Context, id string, counts importjob.Counts) (importjob.Import, error)
	MarkFailed(ctx context.Context, id, message string) (importjob.Import, error)
	Bucket() string
}

// RowWriter stores analyzed rows.
type RowWriter interface {
	ReplaceForImport(ctx context.Context, importID string, drafts []importrow.Draft) (importjob.Counts, error)
}

// Queue accepts analysis jobs.
type Queue interface {
	Enqueue(job Job) error
}

// Job is one queued analysis.
type Job struct {
	ImportID string
	FilePath string
	Attempt  time.Time
}

type Service struct {
	imports Registry
	rows    RowWriter
	blobs   blobstore.Store
	queue   Queue
	maxRows int
	logger  *zap.Logger
}

func NewService(imports Registry, rows RowWriter, blobs blobstore.Store, logger *zap.Logger) *Service {
	return &Service{
		imports: imports,
		rows:    rows,
		blobs:   blobs,
		maxRows: DefaultMaxRows,
		logger:  logging.OrNop(logger),
	}
}

// SetQueue attaches the job queue; it is set after the dispatcher is built.
func (s *Service) SetQueue(q Queue) {
	s.queue = q
}

func (s *Service) WithMaxRows(n int) *Service {
	if n > 0 {
		s.maxRows = n
	}
	return s
}

// Run requests analysis and queues the job. It returns as soon as the import
// is processing.
func (s *Service) Run(ctx context.Context, importID, actorID string) (importjob.Import, error) {
	if s.queue == nil {
		return importjob.Import{}, errors.New("analyzer: no queue attached")
	}
	imp, err := s.imports.RequestAnalysis(ctx, importID, actorID)
	if err != nil {
		return importjob.Import{}, err
	}
	job := Job{ImportID: imp.ID, FilePath: imp.FilePath, Attempt: time.Now().UTC()}
	if err := s.queue.Enqueue(job); err != nil {
		s.logger.Warn("analysis job rejected by queue", zap.String("import_id", imp.ID), zap.Error(err))
		if _, ferr := s.imports.MarkFailed(context.WithoutCancel(ctx), imp.ID, err.Error()); ferr != nil {
			return importjob.Import{}, errors.Join(err, ferr)
		}
		return importjob.Import{}, err
	}
	s.logger.Info("analysis queued", zap.String("import_id", imp.ID))
	return imp, nil
}

// Process runs one job to completion. Any failure, a panic included, leaves
// the import failed with the error message; rows already stored are kept.
func (s *Service) Process(ctx context.Context, job Job) (err error) {
	logger := s.logger.With(zap.String("import_id", job.ImportID))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("analysis panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = s.fail(ctx, logger, job, fmt.Errorf("%w: %v", ErrCrashed, r))
		}
	}()

	counts, err := s.analyze(ctx, job)
	if err != nil {
		logger.Warn("analysis failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return s.fail(ctx, logger, job, err)
	}

	if _, err := s.imports.CompleteAnalysis(ctx, job.ImportID, counts); err != nil {
		logger.Error("complete analysis", zap.Error(err))
		return err
	}
	logger.Info("analysis complete",
		zap.Int("total_rows", counts.Total),
		zap.Int("valid_rows", counts.Valid),
		zap.Int("warning_rows", counts.Warning),
		zap.Int("error_rows", counts.Error),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// fail marks the import failed even when ctx is already done.
func (s *Service) fail(ctx context.Context, logger *zap.Logger, job Job, cause error) error {
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, ferr := s.imports.MarkFailed(failCtx, job.ImportID, failureMessage(cause)); ferr != nil {
		logger.Error("mark failed", zap.Error(ferr))
		return errors.Join(cause, ferr)
	}
	return cause
}

func (s *Service) analyze(ctx context.Context, job Job) (importjob.Counts, error) {
	path := job.FilePath
	if path == "" {
		imp, err := s.imports.Get(ctx, job.ImportID)
		if err != nil {
			return importjob.Counts{}, err
		}
		path = imp.FilePath
	}

	data, err := s.blobs.Download(ctx, s.imports.Bucket(), path)
	if err != nil {
		return importjob.Counts{}, fmt.Errorf("analyzer: download %s: %w", path, err)
	}
	if err := ctx.Err(); err != nil {
		return importjob.Counts{}, err
	}

	sheet, err := ParseWorkbook(data, s.maxRows)
	if err != nil {
		return importjob.Counts{}, err
	}
	if len(sheet.Unmapped) > 0 {
		s.logger.Info("ignored spreadsheet columns",
			zap.String("import_id", job.ImportID),
			zap.Strings("columns", sheet.Unmapped),
		)
	}

	return s.rows.ReplaceForImport(ctx, job.ImportID, sheet.Drafts)
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "analysis timed out"
	case errors.Is(err, context.Canceled):
		return "analysis cancelled"
	case errors.Is(err, blobstore.ErrNotFound):
		return "uploaded file not found"
	case errors.Is(err, ErrCrashed):
		return "analysis crashed"
	}
	return err.Error()
}
