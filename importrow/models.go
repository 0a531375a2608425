package importrow

import "time"

// Issue is one validation finding attached to a row.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Status is derived from a row's issues and never stored.
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarnings Status = "warnings"
	StatusErrors   Status = "errors"
)

// DeriveStatus maps (errors, warnings) to a row status.
func DeriveStatus(errs, warns []Issue) Status {
	switch {
	case len(errs) > 0:
		return StatusErrors
	case len(warns) > 0:
		return StatusWarnings
	default:
		return StatusOK
	}
}

// Row mirrors the import_rows table.
type Row struct {
	ID         string
	ImportID   string
	RowNumber  int
	Record     Record
	Errors     []Issue
	Warnings   []Issue
	IsApproved bool
	Version    int
	UpdatedAt  time.Time
}

func (r Row) Status() Status {
	return DeriveStatus(r.Errors, r.Warnings)
}

// Approvable reports whether the row may be approved.
func (r Row) Approvable() bool {
	return len(r.Errors) == 0
}

// Draft is an analyzed spreadsheet line awaiting insertion.
type Draft struct {
	RowNumber int
	Record    Record
	// Notes are analyzer findings appended to the validation warnings.
	Notes []Issue
}

// EditParams describes one inline edit.
type EditParams struct {
	ImportID        string
	RowID           string
	Field           string
	Value           string
	ExpectedVersion int
}
