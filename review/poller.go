package review

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"recoveryflow/importjob"
	"recoveryflow/logging"
)

// DefaultPollInterval is the delay between two status reads.
const DefaultPollInterval = 3 * time.Second

// StatusReader reads the current import.
type StatusReader interface {
	GetImport(ctx context.Context, importID string) (ImportView, error)
}

// Ticker is the subset of time.Ticker the poller uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// Poller watches an import while its status is pollable.
type Poller struct {
	reader    StatusReader
	interval  time.Duration
	newTicker func(time.Duration) Ticker
	logger    *zap.Logger
}

func NewPoller(reader StatusReader, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		reader:   reader,
		interval: interval,
		newTicker: func(d time.Duration) Ticker {
			return timeTicker{t: time.NewTicker(d)}
		},
		logger: logging.OrNop(logger),
	}
}

// WithTicker replaces the ticker factory.
func (p *Poller) WithTicker(f func(time.Duration) Ticker) *Poller {
	p.newTicker = f
	return p
}

// Watch reads the import at once and then on every tick while its status is
// uploaded or processing. Each observation is passed to observe. Watch returns
// the first non-pollable observation, or the context error once ctx is done;
// no read is issued after that. A failed read is logged and retried on the
// next tick unless the import does not exist.
func (p *Poller) Watch(ctx context.Context, importID string, observe func(ImportView)) (ImportView, error) {
	var last ImportView

	read := func() (bool, error) {
		imp, err := p.reader.GetImport(ctx, importID)
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			if errors.Is(err, ErrNotFound) {
				return true, err
			}
			p.logger.Warn("import status read failed", zap.String("import_id", importID), zap.Error(err))
			return false, nil
		}
		last = imp
		if observe != nil {
			observe(imp)
		}
		return !importjob.IsPollable(imp.Status), nil
	}

	if err := ctx.Err(); err != nil {
		return last, err
	}
	if done, err := read(); done {
		return last, err
	}

	ticker := p.newTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C():
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			if done, err := read(); done {
				return last, err
			}
		}
	}
}
