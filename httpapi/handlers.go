package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"recoveryflow/auth"
	"recoveryflow/bank"
	"recoveryflow/finalizer"
	"recoveryflow/importjob"
	"recoveryflow/importrow"
	"recoveryflow/provenance"
	"recoveryflow/review"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.deps.Auth.Login(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      res.Token,
		"expires_at": res.ExpiresAt,
		"operator":   operatorView(res.Operator),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	op, err := s.deps.Auth.Register(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, operatorView(*op))
}

func (s *Server) handleListBanks(w http.ResponseWriter, r *http.Request) {
	banks, err := s.deps.Banks.List(r.Context(), 500)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(banks))
	for _, b := range banks {
		out = append(out, bankView(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{"banks": out})
}

func (s *Server) handleCreateImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.fail(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: file is required", errBadRequest))
		return
	}
	defer file.Close()

	body, err := io.ReadAll(file)
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: read file: %v", errBadRequest, err))
		return
	}

	imp, err := s.deps.Imports.Create(r.Context(), importjob.CreateParams{
		BankID:     strings.TrimSpace(r.FormValue("bank_id")),
		UploadedBy: operatorFrom(r.Context()),
		File: importjob.FileMeta{
			Name:        header.Filename,
			ContentType: header.Header.Get("Content-Type"),
		},
		Body: body,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, importView(imp))
}

func (s *Server) handleGetImport(w http.ResponseWriter, r *http.Request) {
	imp, err := s.deps.Imports.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, importView(imp))
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	imp, err := s.deps.Analyzer.Run(r.Context(), mux.Vars(r)["id"], operatorFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, importView(imp))
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	imp, err := s.deps.Imports.Reject(r.Context(), mux.Vars(r)["id"], operatorFrom(r.Context()), req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, importView(imp))
}

func (s *Server) handleListRows(w http.ResponseWriter, r *http.Request) {
	importID := mux.Vars(r)["id"]
	if _, err := s.deps.Imports.Get(r.Context(), importID); err != nil {
		s.fail(w, r, err)
		return
	}
	rows, err := s.deps.Rows.List(r.Context(), importID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]review.RowView, 0, len(rows))
	for _, row := range rows {
		views = append(views, rowView(row))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": views})
}

func (s *Server) handleEditRow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Field   string `json:"field"`
		Value   string `json:"value"`
		Version int    `json:"version"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Field == "" || req.Version <= 0 {
		s.fail(w, r, fmt.Errorf("%w: field and version are required", errBadRequest))
		return
	}
	vars := mux.Vars(r)
	row, err := s.deps.Rows.EditField(r.Context(), importrow.EditParams{
		ImportID:        vars["id"],
		RowID:           vars["rowID"],
		Field:           req.Field,
		Value:           req.Value,
		ExpectedVersion: req.Version,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rowView(row))
}

func (s *Server) handleToggleApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approved *bool `json:"approved"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Approved == nil {
		s.fail(w, r, fmt.Errorf("%w: approved is required", errBadRequest))
		return
	}
	vars := mux.Vars(r)
	row, err := s.deps.Rows.ToggleApproval(r.Context(), vars["id"], vars["rowID"], *req.Approved)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rowView(row))
}

func (s *Server) handleApproveAllValid(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Rows.ApproveAllValid(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"approved": n})
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RowIDs []string `json:"row_ids"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.deps.Finalizer.Finalize(r.Context(), finalizer.Request{
		ImportID: mux.Vars(r)["id"],
		RowIDs:   req.RowIDs,
		ActorID:  operatorFrom(r.Context()),
	})
	if err != nil {
		if errors.Is(err, finalizer.ErrAlreadyFinalized) {
			s.logger.Info("duplicate finalize rejected", zap.String("import_id", mux.Vars(r)["id"]))
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeView(res))
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	importID := mux.Vars(r)["id"]
	if _, err := s.deps.Imports.Get(r.Context(), importID); err != nil {
		s.fail(w, r, err)
		return
	}
	linked, err := s.deps.Provenance.LinkedForImport(r.Context(), importID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]review.CaseView, 0, len(linked))
	for _, l := range linked {
		views = append(views, caseView(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"cases": views})
}

func importView(imp importjob.Import) review.ImportView {
	return review.ImportView{
		ID:           imp.ID,
		BankID:       imp.BankID,
		UploadedBy:   imp.UploadedBy,
		FileName:     imp.FileName,
		Status:       imp.Status,
		TotalRows:    imp.Counts.Total,
		ValidRows:    imp.Counts.Valid,
		WarningRows:  imp.Counts.Warning,
		ErrorRows:    imp.Counts.Error,
		ApprovedAt:   imp.ApprovedAt,
		ErrorMessage: imp.ErrorMessage,
		CreatedAt:    imp.CreatedAt,
		UpdatedAt:    imp.UpdatedAt,
	}
}

func rowView(row importrow.Row) review.RowView {
	errs, warns := row.Errors, row.Warnings
	if errs == nil {
		errs = []importrow.Issue{}
	}
	if warns == nil {
		warns = []importrow.Issue{}
	}
	return review.RowView{
		ID:         row.ID,
		RowNumber:  row.RowNumber,
		Record:     row.Record,
		Errors:     errs,
		Warnings:   warns,
		Status:     row.Status(),
		IsApproved: row.IsApproved,
		Version:    row.Version,
	}
}

func caseView(l provenance.Linked) review.CaseView {
	return review.CaseView{
		ID:            l.Case.ID,
		RowID:         l.Entry.RowID,
		RowNumber:     l.Entry.RowNumber,
		DebtorID:      l.Case.DebtorID,
		BankReference: l.Case.BankReference,
		TotalAmount:   l.Case.TotalAmount.StringFixed(2),
		Currency:      l.Case.Currency,
		Status:        l.Case.Status,
	}
}

func outcomeView(res finalizer.Result) review.FinalizeOutcome {
	failures := make([]review.RowFailure, 0, len(res.Failures))
	for _, f := range res.Failures {
		failures = append(failures, review.RowFailure{RowID: f.RowID, RowNumber: f.RowNumber, Reason: f.Reason})
	}
	return review.FinalizeOutcome{
		ImportID:     res.ImportID,
		CreatedCount: res.CreatedCount,
		ErrorCount:   res.ErrorCount,
		Failures:     failures,
	}
}

func operatorView(op auth.Operator) map[string]any {
	return map[string]any{
		"id":        op.ID,
		"email":     op.Email,
		"full_name": op.FullName,
		"role":      op.Role,
	}
}

func bankView(b bank.Bank) map[string]any {
	return map[string]any{
		"id":     b.ID,
		"code":   b.Code,
		"name":   b.Name,
		"active": b.Active,
	}
}
