package importjob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"recoveryflow/blobstore"
	"recoveryflow/logging"
)

var (
	// ErrInvalidTransition is returned when the requested status change is not permitted.
	ErrInvalidTransition = errors.New("importjob: invalid status transition")
	// ErrAnalysisInProgress is returned when analysis is requested for an import already processing.
	ErrAnalysisInProgress = errors.New("importjob: analysis already in progress")
	// ErrInvalidInput is returned for an upload missing a required part.
	ErrInvalidInput = errors.New("importjob: invalid input")
	// ErrUploadFailed wraps a blob store failure; the import record has been removed.
	ErrUploadFailed = errors.New("importjob: upload failed")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// BankChecker validates the target bank of an upload.
type BankChecker interface {
	EnsureAcceptsImports(ctx context.Context, bankID string) error
}

// BlobConfig locates uploaded files in the blob store.
type BlobConfig struct {
	Bucket string
	Prefix string
}

// Service is the import registry: it owns import records and their status
// state machine.
type Service struct {
	pool        TxBeginner
	repo        Repository
	blobs       blobstore.Store
	banks       BankChecker
	blobCfg     BlobConfig
	logger      *zap.Logger
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool TxBeginner, repo Repository, blobs blobstore.Store, banks BankChecker, blobCfg BlobConfig, logger *zap.Logger) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		blobs:       blobs,
		banks:       banks,
		blobCfg:     blobCfg,
		logger:      logging.OrNop(logger),
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Bucket returns the blob bucket holding uploaded files.
func (s *Service) Bucket() string {
	return s.blobCfg.Bucket
}

// Create registers an upload and stores its bytes. When the blob store rejects
// the write, the registry record is deleted again and ErrUploadFailed is
// returned.
func (s *Service) Create(ctx context.Context, params CreateParams) (Import, error) {
	if params.BankID == "" {
		return Import{}, fmt.Errorf("%w: bank id required", ErrInvalidInput)
	}
	if params.UploadedBy == "" {
		return Import{}, fmt.Errorf("%w: uploader required", ErrInvalidInput)
	}
	fileName := strings.TrimSpace(params.File.Name)
	if fileName == "" {
		return Import{}, fmt.Errorf("%w: file name required", ErrInvalidInput)
	}
	if len(params.Body) == 0 {
		return Import{}, fmt.Errorf("%w: empty file", ErrInvalidInput)
	}
	if s.banks != nil {
		if err := s.banks.EnsureAcceptsImports(ctx, params.BankID); err != nil {
			return Import{}, fmt.Errorf("importjob: check bank: %w", err)
		}
	}

	id := s.idGenerator()
	key := blobstore.ImportKey(s.blobCfg.Prefix, params.BankID, id, fileName)
	checksum := blobstore.Checksum(params.Body)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Import{}, fmt.Errorf("importjob: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Insert(ctx, tx, Import{
		ID:           id,
		BankID:       params.BankID,
		UploadedBy:   params.UploadedBy,
		FileName:     fileName,
		FilePath:     key,
		FileChecksum: checksum,
		Status:       StatusUploaded,
	})
	if err != nil {
		return Import{}, err
	}

	payload := map[string]any{
		"file_name":     fileName,
		"file_checksum": checksum,
		"bank_id":       params.BankID,
	}
	if err := s.repo.AppendEvent(ctx, tx, created.ID, EventUploaded, params.UploadedBy, payload); err != nil {
		return Import{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Import{}, fmt.Errorf("importjob: commit create: %w", err)
	}

	contentType := params.File.ContentType
	if contentType == "" {
		contentType = blobstore.DetectContentType(params.Body)
	}
	if _, err := s.blobs.Upload(ctx, s.blobCfg.Bucket, key, params.Body, contentType); err != nil {
		s.logger.Warn("import upload failed, removing registry record",
			zap.String("import_id", created.ID),
			zap.String("file_path", key),
			zap.Error(err),
		)
		if delErr := s.repo.Delete(ctx, created.ID); delErr != nil {
			s.logger.Error("compensating delete failed", zap.String("import_id", created.ID), zap.Error(delErr))
			return Import{}, errors.Join(fmt.Errorf("%w: %v", ErrUploadFailed, err), delErr)
		}
		return Import{}, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	s.logger.Info("import uploaded",
		zap.String("import_id", created.ID),
		zap.String("bank_id", created.BankID),
		zap.String("file_name", fileName),
		zap.Int("bytes", len(params.Body)),
	)
	return created, nil
}

// Get is the read-only status observation.
func (s *Service) Get(ctx context.Context, id string) (Import, error) {
	if id == "" {
		return Import{}, ErrNotFound
	}
	return s.repo.Get(ctx, id)
}

// RequestAnalysis moves an uploaded or failed import to processing. A second
// request while processing is rejected so rows are never generated twice.
func (s *Service) RequestAnalysis(ctx context.Context, id, actorID string) (Import, error) {
	return s.inTx(ctx, func(tx pgx.Tx) (Import, error) {
		current, err := s.repo.GetForUpdate(ctx, tx, id)
		if err != nil {
			return Import{}, err
		}
		if current.Status == StatusProcessing {
			return Import{}, ErrAnalysisInProgress
		}
		started := s.now().UTC()
		return s.TransitionTx(ctx, tx, current, TransitionParams{
			Next:              StatusProcessing,
			ActorID:           actorID,
			ClearError:        true,
			AnalysisStartedAt: &started,
		})
	})
}

// CompleteAnalysis stores the row counters and moves a processing import to
// ready_for_review.
func (s *Service) CompleteAnalysis(ctx context.Context, id string, counts Counts) (Import, error) {
	return s.inTx(ctx, func(tx pgx.Tx) (Import, error) {
		current, err := s.repo.GetForUpdate(ctx, tx, id)
		if err != nil {
			return Import{}, err
		}
		if current.Status != StatusProcessing {
			return Import{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, StatusReadyForReview)
		}
		if err := s.repo.UpdateCounts(ctx, tx, id, counts); err != nil {
			return Import{}, err
		}
		return s.TransitionTx(ctx, tx, current, TransitionParams{
			Next: StatusReadyForReview,
			Payload: map[string]any{
				"total_rows":   counts.Total,
				"valid_rows":   counts.Valid,
				"warning_rows": counts.Warning,
				"error_rows":   counts.Error,
			},
		})
	})
}

// MarkFailed records an analysis failure. Rows produced before the failure are
// kept and remain usable for a later finalize.
func (s *Service) MarkFailed(ctx context.Context, id, message string) (Import, error) {
	if strings.TrimSpace(message) == "" {
		message = "analysis failed"
	}
	return s.inTx(ctx, func(tx pgx.Tx) (Import, error) {
		current, err := s.repo.GetForUpdate(ctx, tx, id)
		if err != nil {
			return Import{}, err
		}
		return s.TransitionTx(ctx, tx, current, TransitionParams{
			Next:         StatusFailed,
			ErrorMessage: &message,
			Payload:      map[string]any{"error_message": message},
		})
	})
}

// Reject abandons an import under review. No entity is created.
func (s *Service) Reject(ctx context.Context, id, actorID, reason string) (Import, error) {
	return s.inTx(ctx, func(tx pgx.Tx) (Import, error) {
		current, err := s.repo.GetForUpdate(ctx, tx, id)
		if err != nil {
			return Import{}, err
		}
		params := TransitionParams{Next: StatusRejected, ActorID: actorID}
		if r := strings.TrimSpace(reason); r != "" {
			params.ErrorMessage = &r
			params.Payload = map[string]any{"reason": r}
		}
		return s.TransitionTx(ctx, tx, current, params)
	})
}

// ListStalled returns imports that have been processing for longer than olderThan.
func (s *Service) ListStalled(ctx context.Context, olderThan time.Duration, limit int) ([]Import, error) {
	return s.repo.ListStalled(ctx, s.now().Add(-olderThan), limit)
}

// LockForUpdate loads the import inside tx holding a row lock until tx ends.
func (s *Service) LockForUpdate(ctx context.Context, tx pgx.Tx, id string) (Import, error) {
	return s.repo.GetForUpdate(ctx, tx, id)
}

// SetCounts stores recomputed row counters inside the caller's transaction.
func (s *Service) SetCounts(ctx context.Context, tx pgx.Tx, id string, counts Counts) error {
	return s.repo.UpdateCounts(ctx, tx, id, counts)
}

// PublishTx enqueues an outbox message inside the caller's transaction.
func (s *Service) PublishTx(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	return s.repo.EnqueueOutbox(ctx, tx, topic, payload)
}

// TransitionTx applies a guarded status change inside the caller's
// transaction, appending an import event and an outbox message. current must
// have been loaded with LockForUpdate in the same transaction.
func (s *Service) TransitionTx(ctx context.Context, tx pgx.Tx, current Import, params TransitionParams) (Import, error) {
	if !CanTransition(current.Status, params.Next) {
		return Import{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, params.Next)
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, current.ID, params)
	if err != nil {
		return Import{}, err
	}

	payload := map[string]any{
		"previous_status": current.Status,
		"next_status":     params.Next,
	}
	for k, v := range params.Payload {
		payload[k] = v
	}
	if params.ActorID != "" {
		payload["actor_id"] = params.ActorID
	}
	if err := s.repo.AppendEvent(ctx, tx, current.ID, EventStatusChanged, params.ActorID, payload); err != nil {
		return Import{}, err
	}

	outboxPayload := map[string]any{
		"import_id": current.ID,
		"bank_id":   current.BankID,
		"previous":  current.Status,
		"next":      params.Next,
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, OutboxTopicStatusChanged, outboxPayload); err != nil {
		return Import{}, err
	}

	return updated, nil
}

func (s *Service) inTx(ctx context.Context, fn func(tx pgx.Tx) (Import, error)) (Import, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Import{}, fmt.Errorf("importjob: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	imp, err := fn(tx)
	if err != nil {
		return Import{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Import{}, fmt.Errorf("importjob: commit tx: %w", err)
	}
	return imp, nil
}
