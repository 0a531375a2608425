package review

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"recoveryflow/importjob"
	"recoveryflow/importrow"
	"recoveryflow/logging"
)

var (
	// ErrNotOpen is returned for actions before Open or after Close.
	ErrNotOpen = errors.New("review: no import open")
	// ErrReadOnly is returned once the import left review.
	ErrReadOnly = errors.New("review: import is read-only")
	// ErrRowHasErrors is returned when approving a row with blocking errors.
	ErrRowHasErrors = errors.New("review: row has errors")
	// ErrNothingApproved is returned by Finalize when no row is approved.
	ErrNothingApproved = errors.New("review: no approved rows")
	// ErrUnknownRow is returned for a row id that is not loaded.
	ErrUnknownRow = errors.New("review: unknown row")
	// ErrNotFound mirrors a missing import or row on the server.
	ErrNotFound = errors.New("review: not found")
	// ErrVersionConflict means the row changed since it was loaded.
	ErrVersionConflict = errors.New("review: row was modified concurrently")
)

// View is a consistent snapshot of the controller state.
type View struct {
	Import   ImportView
	Rows     []RowView
	Counters Counters
	ReadOnly bool
	Cases    []CaseView
	Outcome  *FinalizeOutcome
}

// Controller owns one open import view. State is guarded by mu; user actions
// are serialized by ops so a slow backend call never blocks Snapshot.
type Controller struct {
	backend Backend
	poller  *Poller
	logger  *zap.Logger

	ops sync.Mutex

	mu       sync.Mutex
	importID string
	view     View
	cancel   context.CancelFunc
	done     chan struct{}
	watchErr error
}

func NewController(backend Backend, pollInterval time.Duration, logger *zap.Logger) *Controller {
	logger = logging.OrNop(logger)
	return &Controller{
		backend: backend,
		poller:  NewPoller(backend, pollInterval, logger),
		logger:  logger,
	}
}

// WithPoller replaces the poller, typically to inject a ticker.
func (c *Controller) WithPoller(p *Poller) *Controller {
	c.poller = p
	return c
}

// Open starts watching importID in the background. Rows are loaded as soon as
// the import becomes reviewable; an approved import opens read-only with its
// cases listed. Opening another import closes the current one first.
func (c *Controller) Open(ctx context.Context, importID string) {
	c.Close()

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	c.importID = importID
	c.view = View{Import: ImportView{ID: importID}}
	c.cancel = cancel
	c.done = done
	c.watchErr = nil
	c.mu.Unlock()

	go func() {
		defer close(done)
		imp, err := c.poller.Watch(watchCtx, importID, c.observe)
		if err != nil {
			c.setWatchErr(err)
			return
		}
		if err := c.settle(watchCtx, imp); err != nil {
			c.setWatchErr(err)
		}
	}()
}

// Close stops polling and waits for the background goroutine.
func (c *Controller) Close() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.importID = ""
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Settled is closed when background polling has stopped.
func (c *Controller) Settled() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

// Err returns the error that ended background polling, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watchErr
}

func (c *Controller) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.view
	v.Rows = append([]RowView(nil), c.view.Rows...)
	v.Cases = append([]CaseView(nil), c.view.Cases...)
	return v
}

// Refresh reloads the import and its rows.
func (c *Controller) Refresh(ctx context.Context) error {
	importID, err := c.current()
	if err != nil {
		return err
	}
	imp, err := c.backend.GetImport(ctx, importID)
	if err != nil {
		return err
	}
	c.observe(imp)
	return c.reloadRows(ctx, importID)
}

// ToggleApproval approves or unapproves one row. Approving a row with errors
// is refused without calling the server.
func (c *Controller) ToggleApproval(ctx context.Context, rowID string, approved bool) error {
	c.ops.Lock()
	defer c.ops.Unlock()

	importID, row, err := c.editableRow(rowID)
	if err != nil {
		return err
	}
	if approved && len(row.Errors) > 0 {
		return ErrRowHasErrors
	}
	if row.IsApproved == approved {
		return nil
	}
	updated, err := c.backend.ToggleApproval(ctx, importID, rowID, approved)
	if err != nil {
		return c.afterFailure(ctx, importID, err)
	}
	c.replaceRow(updated)
	return nil
}

// ApproveAllValid approves every error-free row and returns how many changed.
func (c *Controller) ApproveAllValid(ctx context.Context) (int, error) {
	c.ops.Lock()
	defer c.ops.Unlock()

	importID, err := c.editable()
	if err != nil {
		return 0, err
	}
	n, err := c.backend.ApproveAllValid(ctx, importID)
	if err != nil {
		return 0, c.afterFailure(ctx, importID, err)
	}
	if err := c.reloadRows(ctx, importID); err != nil {
		return n, err
	}
	return n, nil
}

// EditField changes one field of a row. The server re-validates the row and
// may unapprove it; the returned row replaces the local one.
func (c *Controller) EditField(ctx context.Context, rowID, field, value string) error {
	c.ops.Lock()
	defer c.ops.Unlock()

	importID, row, err := c.editableRow(rowID)
	if err != nil {
		return err
	}
	if !importrow.IsField(field) {
		return fmt.Errorf("%w: %s", importrow.ErrUnknownField, field)
	}
	if v := importrow.FieldVariant(field); v != "" && row.Record.DebtorType.Valid() && v != row.Record.DebtorType {
		return fmt.Errorf("%w: %s is a %s field", importrow.ErrVariantMismatch, field, v)
	}

	updated, err := c.backend.EditField(ctx, importID, rowID, field, value, row.Version)
	if err != nil {
		return c.afterFailure(ctx, importID, err)
	}
	c.replaceRow(updated)
	return nil
}

// Finalize sends the approved rows to the finalizer. With no approved row it
// fails locally and the server is not called. Afterwards the view is
// read-only and lists the created cases; failed rows are reported in the
// outcome and nothing is undone.
func (c *Controller) Finalize(ctx context.Context) (FinalizeOutcome, error) {
	c.ops.Lock()
	defer c.ops.Unlock()

	importID, err := c.editable()
	if err != nil {
		return FinalizeOutcome{}, err
	}
	c.mu.Lock()
	ids := approvedIDs(c.view.Rows)
	c.mu.Unlock()
	if len(ids) == 0 {
		return FinalizeOutcome{}, ErrNothingApproved
	}

	outcome, err := c.backend.Finalize(ctx, importID, ids)
	if err != nil {
		return FinalizeOutcome{}, c.afterFailure(ctx, importID, err)
	}
	c.logger.Info("import finalized",
		zap.String("import_id", importID),
		zap.Int("created", outcome.CreatedCount),
		zap.Int("failed", outcome.ErrorCount),
	)

	c.mu.Lock()
	c.view.ReadOnly = true
	c.view.Outcome = &outcome
	c.mu.Unlock()

	if imp, err := c.backend.GetImport(ctx, importID); err == nil {
		c.observe(imp)
	}
	if err := c.loadCases(ctx, importID); err != nil {
		return outcome, err
	}
	return outcome, nil
}

func (c *Controller) observe(imp ImportView) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if imp.ID != c.importID {
		return
	}
	c.view.Import = imp
	if !importjob.IsReviewable(imp.Status) && !importjob.IsPollable(imp.Status) {
		c.view.ReadOnly = true
	}
}

func (c *Controller) settle(ctx context.Context, imp ImportView) error {
	switch {
	case importjob.IsReviewable(imp.Status):
		return c.reloadRows(ctx, imp.ID)
	case imp.Status == importjob.StatusApproved:
		if err := c.reloadRows(ctx, imp.ID); err != nil {
			return err
		}
		return c.loadCases(ctx, imp.ID)
	}
	return nil
}

func (c *Controller) reloadRows(ctx context.Context, importID string) error {
	rows, err := c.backend.ListRows(ctx, importID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if importID != c.importID {
		return nil
	}
	c.view.Rows = rows
	c.view.Counters = CountersFor(rows)
	return nil
}

func (c *Controller) loadCases(ctx context.Context, importID string) error {
	cases, err := c.backend.ListCases(ctx, importID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if importID == c.importID {
		c.view.Cases = cases
	}
	return nil
}

func (c *Controller) replaceRow(updated RowView) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.view.Rows {
		if c.view.Rows[i].ID == updated.ID {
			c.view.Rows[i] = updated
			break
		}
	}
	c.view.Counters = CountersFor(c.view.Rows)
}

// afterFailure refreshes state the server told us is stale.
func (c *Controller) afterFailure(ctx context.Context, importID string, err error) error {
	switch {
	case errors.Is(err, ErrVersionConflict):
		if rerr := c.reloadRows(ctx, importID); rerr != nil {
			c.logger.Warn("reload after conflict", zap.Error(rerr))
		}
	case errors.Is(err, ErrReadOnly):
		c.mu.Lock()
		c.view.ReadOnly = true
		c.mu.Unlock()
	}
	return err
}

func (c *Controller) current() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.importID == "" {
		return "", ErrNotOpen
	}
	return c.importID, nil
}

func (c *Controller) editable() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.importID == "" {
		return "", ErrNotOpen
	}
	if c.view.ReadOnly || !importjob.IsReviewable(c.view.Import.Status) {
		return "", ErrReadOnly
	}
	return c.importID, nil
}

func (c *Controller) editableRow(rowID string) (string, RowView, error) {
	importID, err := c.editable()
	if err != nil {
		return "", RowView{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.view.Rows {
		if r.ID == rowID {
			return importID, r, nil
		}
	}
	return "", RowView{}, fmt.Errorf("%w: %s", ErrUnknownRow, rowID)
}

func (c *Controller) setWatchErr(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	c.mu.Lock()
	c.watchErr = err
	c.mu.Unlock()
	c.logger.Warn("import view stopped", zap.Error(err))
}
