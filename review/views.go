// Package review is the reviewer-side orchestration of an import: it polls
// the import until analysis settles, keeps row counters current, applies the
// approval rules locally before calling the server, and drives finalization.
//
// The view types here are also the JSON contract served by httpapi.
package review

import (
	"time"

	"recoveryflow/importjob"
	"recoveryflow/importrow"
)

// ImportView is the wire form of an import.
type ImportView struct {
	ID           string           `json:"id"`
	BankID       string           `json:"bank_id"`
	UploadedBy   string           `json:"uploaded_by"`
	FileName     string           `json:"file_name"`
	Status       importjob.Status `json:"status"`
	TotalRows    int              `json:"total_rows"`
	ValidRows    int              `json:"valid_rows"`
	WarningRows  int              `json:"warning_rows"`
	ErrorRows    int              `json:"error_rows"`
	ApprovedAt   *time.Time       `json:"approved_at,omitempty"`
	ErrorMessage *string          `json:"error_message,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// RowView is the wire form of an import row.
type RowView struct {
	ID         string            `json:"id"`
	RowNumber  int               `json:"row_number"`
	Record     importrow.Record  `json:"proposed_record"`
	Errors     []importrow.Issue `json:"errors"`
	Warnings   []importrow.Issue `json:"warnings"`
	Status     importrow.Status  `json:"status"`
	IsApproved bool              `json:"is_approved"`
	Version    int               `json:"version"`
}

// CaseView is a created case listed after finalization.
type CaseView struct {
	ID            string `json:"id"`
	RowID         string `json:"row_id"`
	RowNumber     int    `json:"row_number"`
	DebtorID      string `json:"debtor_id"`
	BankReference string `json:"bank_reference"`
	TotalAmount   string `json:"total_amount"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
}

// RowFailure is one row the finalizer could not materialize.
type RowFailure struct {
	RowID     string `json:"row_id"`
	RowNumber int    `json:"row_number,omitempty"`
	Reason    string `json:"reason"`
}

// FinalizeOutcome is the finalizer's answer. A non-zero ErrorCount does not
// undo the created rows.
type FinalizeOutcome struct {
	ImportID     string       `json:"import_id"`
	CreatedCount int          `json:"created_count"`
	ErrorCount   int          `json:"error_count"`
	Failures     []RowFailure `json:"failures"`
}

// Counters are recomputed from the loaded rows on every observation.
type Counters struct {
	Total    int `json:"total"`
	OK       int `json:"ok"`
	Warnings int `json:"warnings"`
	Errors   int `json:"errors"`
	Approved int `json:"approved"`
}

func CountersFor(rows []RowView) Counters {
	c := Counters{Total: len(rows)}
	for _, r := range rows {
		switch importrow.DeriveStatus(r.Errors, r.Warnings) {
		case importrow.StatusErrors:
			c.Errors++
		case importrow.StatusWarnings:
			c.Warnings++
		default:
			c.OK++
		}
		if r.IsApproved {
			c.Approved++
		}
	}
	return c
}

func approvedIDs(rows []RowView) []string {
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		if r.IsApproved {
			ids = append(ids, r.ID)
		}
	}
	return ids
}
