// Package actors holds the concurrent workloads of the stress suite. Each
// actor loops until stop is closed and returns an error only for failures a
// correct system never produces.
package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"recoveryflow/analyzer"
	"recoveryflow/finalizer"
	"recoveryflow/importjob"
	"recoveryflow/importrow"
)

// Reviewer toggles approvals and edits contact fields on random rows of an
// import until the import is locked by finalize.
func Reviewer(ctx context.Context, rows *importrow.Service, importID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		list, err := rows.List(ctx, importID)
		if err != nil {
			if transient(err) {
				pause(20, 40)
				continue
			}
			return fmt.Errorf("reviewer list: %w", err)
		}
		if len(list) == 0 {
			pause(20, 40)
			continue
		}
		row := list[rand.Intn(len(list))]

		switch rand.Intn(3) {
		case 0:
			updated, err := rows.ToggleApproval(ctx, importID, row.ID, !row.IsApproved)
			switch {
			case err == nil:
				if updated.IsApproved && len(updated.Errors) > 0 {
					return fmt.Errorf("reviewer: row %s approved with %d errors", row.ID, len(updated.Errors))
				}
			case errors.Is(err, importrow.ErrRowHasErrors):
				if row.Approvable() {
					return fmt.Errorf("reviewer: error-free row %s refused approval", row.ID)
				}
			case errors.Is(err, importrow.ErrImportLocked):
				return nil
			case !transient(err):
				return fmt.Errorf("reviewer toggle: %w", err)
			}
		case 1:
			_, err := rows.EditField(ctx, importrow.EditParams{
				ImportID:        importID,
				RowID:           row.ID,
				Field:           importrow.FieldPhone,
				Value:           fmt.Sprintf("2%07d", rand.Intn(10_000_000)),
				ExpectedVersion: row.Version,
			})
			switch {
			case err == nil, errors.Is(err, importrow.ErrVersionConflict):
			case errors.Is(err, importrow.ErrImportLocked):
				return nil
			case !transient(err):
				return fmt.Errorf("reviewer edit: %w", err)
			}
		default:
			_, err := rows.ApproveAllValid(ctx, importID)
			switch {
			case err == nil:
			case errors.Is(err, importrow.ErrImportLocked):
				return nil
			case !transient(err):
				return fmt.Errorf("reviewer approve all: %w", err)
			}
		}
		pause(10, 30)
	}
}

// Finalizer races other finalizers on the same import. Every successful call
// bumps wins; the suite expects exactly one.
func Finalizer(ctx context.Context, fin *finalizer.Service, rows *importrow.Service, importID, actorID string, wins *atomic.Int32, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		pause(200, 400)

		ids, err := rows.ApprovedIDs(ctx, importID)
		if err != nil {
			if transient(err) {
				continue
			}
			return fmt.Errorf("finalizer approved ids: %w", err)
		}
		if len(ids) == 0 {
			continue
		}

		_, err = fin.Finalize(ctx, finalizer.Request{ImportID: importID, RowIDs: ids, ActorID: actorID})
		switch {
		case err == nil:
			wins.Add(1)
			return nil
		case errors.Is(err, finalizer.ErrAlreadyFinalized):
			return nil
		case errors.Is(err, finalizer.ErrNoRows), errors.Is(err, finalizer.ErrInvalidState):
		case !transient(err):
			return fmt.Errorf("finalizer: %w", err)
		}
	}
}

// Reanalyzer asks for analysis of an import that is under review. The
// registry must refuse while rows are being reviewed.
func Reanalyzer(ctx context.Context, an *analyzer.Service, importID, actorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		imp, err := an.Run(ctx, importID, actorID)
		switch {
		case err == nil:
			if imp.Status != importjob.StatusProcessing {
				return fmt.Errorf("reanalyzer: run returned status %s", imp.Status)
			}
		case errors.Is(err, importjob.ErrInvalidTransition),
			errors.Is(err, importjob.ErrAnalysisInProgress),
			errors.Is(err, analyzer.ErrQueueFull),
			errors.Is(err, analyzer.ErrStopped):
		case !transient(err):
			return fmt.Errorf("reanalyzer: %w", err)
		}
		pause(150, 300)
	}
}

// Sweeper runs the stall sweep on a short period.
func Sweeper(ctx context.Context, sw *analyzer.Sweeper, stop <-chan struct{}) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case <-ticker.C:
			if _, err := sw.Sweep(ctx); err != nil && !transient(err) && ctx.Err() == nil {
				return fmt.Errorf("sweeper: %w", err)
			}
		}
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, or dead after five failed attempts.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			if transient(err) {
				pause(50, 100)
				continue
			}
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			pause(50, 100)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1,
					status = CASE WHEN attempts + 1 >= 5 THEN 'dead' ELSE status END
					WHERE id = $1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status = 'processed' WHERE id = $1`, id)
		}
		_ = tx.Commit(ctx)
		pause(80, 120)
	}
}

// transient reports errors caused by the chaos actor or by lock contention
// rather than by the system under test.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) || pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code[:2] {
		case "08", "40", "57":
			return true
		}
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func pause(minMS, maxMS int) {
	time.Sleep(time.Duration(minMS+rand.Intn(maxMS-minMS+1)) * time.Millisecond)
}
