// Package provenance links cases back to the import row that produced them.
// The link lives only in audit_log; cases carry no reference to imports.
package provenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"recoveryflow/casefile"
)

const (
	SourceImport    = "import"
	TableCases      = "cases"
	OperationCreate = "INSERT"
)

// ErrIncomplete is returned for an entry missing one of its keys.
var ErrIncomplete = errors.New("provenance: incomplete entry")

// Entry is the audit payload written when a case is created from a row.
type Entry struct {
	CaseID    string
	ImportID  string
	RowID     string
	RowNumber int
	DebtorID  string
	ActorID   string
	CreatedAt time.Time
}

// Payload is the audit_log payload document.
type Payload struct {
	Source    string `json:"source"`
	ImportID  string `json:"import_id"`
	RowID     string `json:"row_id"`
	RowNumber int    `json:"row_number"`
	DebtorID  string `json:"debtor_id,omitempty"`
}

// Store is the persistence the writer and lookup need.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, e Entry) error
	ListForImport(ctx context.Context, importID string) ([]Entry, error)
}

// CaseLoader loads cases in the order of the given ids.
type CaseLoader interface {
	GetOrdered(ctx context.Context, ids []string) ([]casefile.Case, error)
}

// Writer records provenance inside the transaction that creates the case.
type Writer struct {
	store Store
}

func NewWriter(store Store) *Writer {
	return &Writer{store: store}
}

func (w *Writer) Record(ctx context.Context, tx pgx.Tx, e Entry) error {
	if e.CaseID == "" || e.ImportID == "" || e.RowID == "" {
		return fmt.Errorf("%w: case=%q import=%q row=%q", ErrIncomplete, e.CaseID, e.ImportID, e.RowID)
	}
	return w.store.Insert(ctx, tx, e)
}

// Lookup resolves the cases created by an import.
type Lookup struct {
	store Store
	cases CaseLoader
}

func NewLookup(store Store, cases CaseLoader) *Lookup {
	return &Lookup{store: store, cases: cases}
}

// EntriesForImport returns the provenance entries of an import in row order.
func (l *Lookup) EntriesForImport(ctx context.Context, importID string) ([]Entry, error) {
	return l.store.ListForImport(ctx, importID)
}

// CasesForImport returns the cases created from importID, in row order.
func (l *Lookup) CasesForImport(ctx context.Context, importID string) ([]casefile.Case, error) {
	entries, err := l.store.ListForImport(ctx, importID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return []casefile.Case{}, nil
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.CaseID)
	}
	return l.cases.GetOrdered(ctx, ids)
}

// Linked pairs a created case with the row it came from.
type Linked struct {
	Entry Entry
	Case  casefile.Case
}

// LinkedForImport is CasesForImport keeping each case's provenance entry.
// Entries whose case no longer loads are dropped.
func (l *Lookup) LinkedForImport(ctx context.Context, importID string) ([]Linked, error) {
	entries, err := l.store.ListForImport(ctx, importID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.CaseID)
	}
	cases, err := l.cases.GetOrdered(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]casefile.Case, len(cases))
	for _, c := range cases {
		byID[c.ID] = c
	}
	out := make([]Linked, 0, len(entries))
	for _, e := range entries {
		if c, ok := byID[e.CaseID]; ok {
			out = append(out, Linked{Entry: e, Case: c})
		}
	}
	return out, nil
}
