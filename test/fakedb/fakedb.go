// Package fakedb provides in-memory stand-ins for pgxpool.Pool and pgx.Tx used
// by service tests whose repositories are faked.
package fakedb

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Pool hands out a fresh Tx per Begin and remembers every one of them.
type Pool struct {
	mu       sync.Mutex
	BeginErr error
	Txs      []*Tx
}

func (p *Pool) Begin(ctx context.Context) (pgx.Tx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.BeginErr != nil {
		return nil, p.BeginErr
	}
	tx := &Tx{}
	p.Txs = append(p.Txs, tx)
	return tx, nil
}

// Last returns the most recently started transaction.
func (p *Pool) Last() *Tx {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Txs) == 0 {
		return nil
	}
	return p.Txs[len(p.Txs)-1]
}

// Tx records commit and rollback calls. Begin on a Tx yields a child Tx,
// mirroring pgx savepoints.
type Tx struct {
	mu         sync.Mutex
	Parent     *Tx
	Children   []*Tx
	Committed  bool
	RolledBack bool
	CommitErr  error
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	child := &Tx{Parent: t}
	t.Children = append(t.Children, child)
	return child, nil
}

func (t *Tx) Commit(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.CommitErr != nil {
		return t.CommitErr
	}
	if t.RolledBack {
		return pgx.ErrTxClosed
	}
	t.Committed = true
	return nil
}

// Rollback after Commit is a no-op, as with pgx.
func (t *Tx) Rollback(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Committed {
		return pgx.ErrTxClosed
	}
	t.RolledBack = true
	return nil
}

// Savepoints returns the committed and rolled back child counts.
func (t *Tx) Savepoints() (released, rolledBack int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.Children {
		if c.Committed {
			released++
		} else if c.RolledBack {
			rolledBack++
		}
	}
	return released, rolledBack
}

func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("fakedb: CopyFrom not supported")
}

func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("fakedb: SendBatch not supported")
}

func (t *Tx) LargeObjects() pgx.LargeObjects {
	panic("fakedb: LargeObjects not supported")
}

func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("fakedb: Prepare not supported")
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("fakedb: Exec not supported")
}

func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("fakedb: Query not supported")
}

func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("fakedb: QueryRow not supported")
}

func (t *Tx) Conn() *pgx.Conn {
	return nil
}
