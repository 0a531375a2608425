package analyzer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"recoveryflow/importjob"
	"recoveryflow/logging"
)

const (
	sweepBatchSize   = 100
	stalledMessage   = "analysis stalled"
	sweepRunDeadline = 2 * time.Minute
)

// StallSource lists and fails imports stuck in processing.
type StallSource interface {
	ListStalled(ctx context.Context, olderThan time.Duration, limit int) ([]importjob.Import, error)
	MarkFailed(ctx context.Context, id, message string) (importjob.Import, error)
}

// Sweeper fails analyses that stayed in processing longer than the stall
// timeout. Without it a lost job would leave the import pollable forever.
type Sweeper struct {
	imports StallSource
	timeout time.Duration
	logger  *zap.Logger
}

func NewSweeper(imports StallSource, stallTimeout time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{imports: imports, timeout: stallTimeout, logger: logging.OrNop(logger)}
}

// Sweep marks every stalled import failed and returns how many it changed.
// An import that moved on between listing and marking is skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	stalled, err := s.imports.ListStalled(ctx, s.timeout, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("analyzer: list stalled: %w", err)
	}
	failed := 0
	for _, imp := range stalled {
		if _, err := s.imports.MarkFailed(ctx, imp.ID, stalledMessage); err != nil {
			if errors.Is(err, importjob.ErrInvalidTransition) {
				continue
			}
			return failed, fmt.Errorf("analyzer: fail stalled import %s: %w", imp.ID, err)
		}
		failed++
		s.logger.Warn("stalled analysis marked failed",
			zap.String("import_id", imp.ID),
			zap.Timep("analysis_started_at", imp.AnalysisStartedAt),
		)
	}
	return failed, nil
}

// Schedule registers the sweep on c. The caller starts and stops c.
func (s *Sweeper) Schedule(c *cron.Cron, spec string) (cron.EntryID, error) {
	id, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepRunDeadline)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("stall sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return 0, fmt.Errorf("analyzer: schedule sweeper %q: %w", spec, err)
	}
	return id, nil
}
