package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recoveryflow/auth"
	"recoveryflow/bank"
	"recoveryflow/casefile"
	"recoveryflow/finalizer"
	"recoveryflow/importjob"
	"recoveryflow/importrow"
	"recoveryflow/provenance"
	"recoveryflow/review"
)

type stubAuth struct{}

func (stubAuth) Login(_ context.Context, req auth.LoginRequest) (auth.LoginResult, error) {
	if req.Password != "correct-horse" {
		return auth.LoginResult{}, auth.ErrInvalidCredentials
	}
	return auth.LoginResult{Token: "agent-token", Operator: auth.Operator{ID: "op-1", Email: req.Email, Role: auth.RoleAgent}}, nil
}

func (stubAuth) Register(_ context.Context, req auth.RegisterRequest) (*auth.Operator, error) {
	return &auth.Operator{ID: "op-9", Email: req.Email, Role: req.Role}, nil
}

func (stubAuth) VerifyToken(token string) (string, auth.Role, error) {
	switch token {
	case "agent-token":
		return "op-1", auth.RoleAgent, nil
	case "sup-token":
		return "op-2", auth.RoleSupervisor, nil
	case "admin-token":
		return "op-3", auth.RoleAdmin, nil
	}
	return "", "", auth.ErrInvalidToken
}

type stubBanks struct{}

func (stubBanks) List(context.Context, int) ([]bank.Bank, error) {
	return []bank.Bank{{ID: "b1", Code: "BMCI", Name: "Banque Mauritanienne", Active: true}}, nil
}

type stubImports struct {
	imports map[string]importjob.Import
	created importjob.CreateParams
	err     error
}

func (s *stubImports) Create(_ context.Context, p importjob.CreateParams) (importjob.Import, error) {
	if s.err != nil {
		return importjob.Import{}, s.err
	}
	s.created = p
	return importjob.Import{ID: "imp-new", BankID: p.BankID, UploadedBy: p.UploadedBy, FileName: p.File.Name, Status: importjob.StatusUploaded}, nil
}

func (s *stubImports) Get(_ context.Context, id string) (importjob.Import, error) {
	imp, ok := s.imports[id]
	if !ok {
		return importjob.Import{}, importjob.ErrNotFound
	}
	return imp, nil
}

func (s *stubImports) Reject(_ context.Context, id, _, reason string) (importjob.Import, error) {
	imp, ok := s.imports[id]
	if !ok {
		return importjob.Import{}, importjob.ErrNotFound
	}
	if !importjob.CanTransition(imp.Status, importjob.StatusRejected) {
		return importjob.Import{}, importjob.ErrInvalidTransition
	}
	imp.Status = importjob.StatusRejected
	imp.ErrorMessage = &reason
	return imp, nil
}

type stubAnalyzer struct{ err error }

func (s stubAnalyzer) Run(_ context.Context, id, _ string) (importjob.Import, error) {
	if s.err != nil {
		return importjob.Import{}, s.err
	}
	return importjob.Import{ID: id, Status: importjob.StatusProcessing}, nil
}

type stubRows struct {
	rows     []importrow.Row
	err      error
	lastEdit importrow.EditParams
}

func (s *stubRows) List(context.Context, string) ([]importrow.Row, error) { return s.rows, s.err }

func (s *stubRows) ToggleApproval(_ context.Context, _, rowID string, approved bool) (importrow.Row, error) {
	if s.err != nil {
		return importrow.Row{}, s.err
	}
	return importrow.Row{ID: rowID, IsApproved: approved, Version: 2}, nil
}

func (s *stubRows) ApproveAllValid(context.Context, string) (int, error) { return 3, s.err }

func (s *stubRows) EditField(_ context.Context, p importrow.EditParams) (importrow.Row, error) {
	s.lastEdit = p
	if s.err != nil {
		return importrow.Row{}, s.err
	}
	return importrow.Row{ID: p.RowID, Version: p.ExpectedVersion + 1}, nil
}

type stubFinalizer struct {
	res finalizer.Result
	err error
	req finalizer.Request
}

func (s *stubFinalizer) Finalize(_ context.Context, req finalizer.Request) (finalizer.Result, error) {
	s.req = req
	return s.res, s.err
}

type stubProvenance struct{ linked []provenance.Linked }

func (s stubProvenance) LinkedForImport(context.Context, string) ([]provenance.Linked, error) {
	return s.linked, nil
}

type pingErr struct{ err error }

func (p pingErr) Ping(context.Context) error { return p.err }

type fixture struct {
	imports   *stubImports
	rows      *stubRows
	finalizer *stubFinalizer
	server    *Server
}

func newFixture() *fixture {
	f := &fixture{
		imports: &stubImports{imports: map[string]importjob.Import{
			"imp-1": {ID: "imp-1", BankID: "b1", Status: importjob.StatusReadyForReview, Counts: importjob.Counts{Total: 2, Valid: 1, Error: 1}},
		}},
		rows:      &stubRows{},
		finalizer: &stubFinalizer{},
	}
	f.server = NewServer(Deps{
		Auth:      stubAuth{},
		Banks:     stubBanks{},
		Imports:   f.imports,
		Analyzer:  stubAnalyzer{},
		Rows:      f.rows,
		Finalizer: f.finalizer,
		Provenance: stubProvenance{linked: []provenance.Linked{{
			Entry: provenance.Entry{CaseID: "c1", ImportID: "imp-1", RowID: "r1", RowNumber: 1},
			Case:  casefile.Case{ID: "c1", DebtorID: "d1", BankReference: "REF-1", TotalAmount: decimal.RequireFromString("26250.5"), Currency: "MRU", Status: casefile.StatusOpen},
		}}},
	}, nil)
	return f
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	f.server.deps.Health = pingErr{err: errors.New("down")}
	rec = f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodGet, "/api/imports/imp-1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, review.CodeUnauthorized, decodeError(t, rec).Code)

	rec = f.do(t, http.MethodGet, "/api/imports/imp-1", "forged", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestLogin(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/api/login", "", auth.LoginRequest{Email: "a@b.mr", Password: "correct-horse"})
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "agent-token", body.Token)

	rec = f.do(t, http.MethodPost, "/api/login", "", auth.LoginRequest{Email: "a@b.mr", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterIsAdminOnly(t *testing.T) {
	f := newFixture()
	req := auth.RegisterRequest{Email: "n@b.mr", Password: "longenough", FullName: "N", Role: auth.RoleAgent}

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/api/operators", "sup-token", req).Code)
	assert.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/operators", "admin-token", req).Code)
}

func TestGetImport(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodGet, "/api/imports/imp-1", "agent-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view review.ImportView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, importjob.StatusReadyForReview, view.Status)
	assert.Equal(t, 2, view.TotalRows)
	assert.Equal(t, 1, view.ErrorRows)

	rec = f.do(t, http.MethodGet, "/api/imports/missing", "agent-token", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, review.CodeNotFound, decodeError(t, rec).Code)
}

func TestCreateImportMultipart(t *testing.T) {
	f := newFixture()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("bank_id", "b1"))
	part, err := mw.CreateFormFile("file", "portefeuille.xlsx")
	require.NoError(t, err)
	_, _ = part.Write([]byte("PK\x03\x04fake"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/imports", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer agent-token")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "b1", f.imports.created.BankID)
	assert.Equal(t, "op-1", f.imports.created.UploadedBy)
	assert.Equal(t, "portefeuille.xlsx", f.imports.created.File.Name)
	assert.Equal(t, []byte("PK\x03\x04fake"), f.imports.created.Body)
}

func TestCreateImportErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: blob down", importjob.ErrUploadFailed), http.StatusBadGateway, review.CodeUploadFailed},
		{importjob.ErrDuplicateUpload, http.StatusConflict, review.CodeDuplicateUpload},
		{fmt.Errorf("importjob: check bank: %w", bank.ErrInactive), http.StatusUnprocessableEntity, review.CodeInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			f := newFixture()
			f.imports.err = tc.err

			var buf bytes.Buffer
			mw := multipart.NewWriter(&buf)
			_ = mw.WriteField("bank_id", "b1")
			part, _ := mw.CreateFormFile("file", "a.xlsx")
			_, _ = part.Write([]byte("x"))
			_ = mw.Close()

			req := httptest.NewRequest(http.MethodPost, "/api/imports", &buf)
			req.Header.Set("Content-Type", mw.FormDataContentType())
			req.Header.Set("Authorization", "Bearer agent-token")
			rec := httptest.NewRecorder()
			f.server.ServeHTTP(rec, req)

			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, decodeError(t, rec).Code)
		})
	}
}

func TestAnalyzeConflicts(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodPost, "/api/imports/imp-1/analyze", "agent-token", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	f.server.deps.Analyzer = stubAnalyzer{err: importjob.ErrAnalysisInProgress}
	rec = f.do(t, http.MethodPost, "/api/imports/imp-1/analyze", "agent-token", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, review.CodeAnalysisRunning, decodeError(t, rec).Code)
}

func TestRejectImport(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodPost, "/api/imports/imp-1/reject", "agent-token", map[string]string{"reason": "wrong bank"})
	require.Equal(t, http.StatusOK, rec.Code)

	var view review.ImportView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, importjob.StatusRejected, view.Status)
	require.NotNil(t, view.ErrorMessage)
	assert.Equal(t, "wrong bank", *view.ErrorMessage)
}

func TestRowEndpoints(t *testing.T) {
	f := newFixture()
	f.rows.rows = []importrow.Row{{
		ID:        "r1",
		RowNumber: 1,
		Record:    importrow.Record{BankReference: "REF-1", DebtorType: importrow.DebtorIndividual, Individual: &importrow.Individual{LastName: "Ba"}},
		Errors:    []importrow.Issue{{Field: "amount_principal", Message: "principal amount is required"}},
		Version:   1,
	}}

	rec := f.do(t, http.MethodGet, "/api/imports/imp-1/rows", "agent-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"errors"`)
	assert.Contains(t, rec.Body.String(), `"last_name":"Ba"`)

	rec = f.do(t, http.MethodPatch, "/api/imports/imp-1/rows/r1", "agent-token", map[string]any{"field": "amount_principal", "value": "100", "version": 1})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, importrow.EditParams{ImportID: "imp-1", RowID: "r1", Field: "amount_principal", Value: "100", ExpectedVersion: 1}, f.rows.lastEdit)

	rec = f.do(t, http.MethodPatch, "/api/imports/imp-1/rows/r1", "agent-token", map[string]any{"field": "amount_principal"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/imports/imp-1/rows/r1/approval", "agent-token", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/imports/imp-1/approve-valid", "agent-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"approved":3}`, rec.Body.String())
}

func TestRowErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{importrow.ErrRowHasErrors, http.StatusUnprocessableEntity, review.CodeRowHasErrors},
		{importrow.ErrVersionConflict, http.StatusConflict, review.CodeVersionConflict},
		{fmt.Errorf("%w: status approved", importrow.ErrImportLocked), http.StatusConflict, review.CodeImportLocked},
		{importrow.ErrNotFound, http.StatusNotFound, review.CodeNotFound},
		{errors.New("pool closed"), http.StatusInternalServerError, review.CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			f := newFixture()
			f.rows.err = tc.err
			rec := f.do(t, http.MethodPost, "/api/imports/imp-1/rows/r1/approval", "agent-token", map[string]bool{"approved": true})
			assert.Equal(t, tc.status, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, tc.code, body.Code)
			if tc.status == http.StatusInternalServerError {
				assert.NotContains(t, body.Error, "pool closed")
			}
		})
	}
}

func TestFinalize(t *testing.T) {
	f := newFixture()
	f.finalizer.res = finalizer.Result{
		ImportID:     "imp-1",
		CreatedCount: 2,
		ErrorCount:   1,
		Failures:     []finalizer.RowFailure{{RowID: "r3", RowNumber: 3, Reason: "create case: duplicate"}},
	}
	body := map[string]any{"row_ids": []string{"r1", "r2", "r3"}}

	rec := f.do(t, http.MethodPost, "/api/imports/imp-1/finalize", "agent-token", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/imports/imp-1/finalize", "sup-token", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var out review.FinalizeOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 2, out.CreatedCount)
	assert.Equal(t, 1, out.ErrorCount)
	require.Len(t, out.Failures, 1)
	assert.Equal(t, 3, out.Failures[0].RowNumber)
	assert.Equal(t, "op-2", f.finalizer.req.ActorID)
	assert.Equal(t, []string{"r1", "r2", "r3"}, f.finalizer.req.RowIDs)
}

func TestFinalizeErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{finalizer.ErrNoRows, http.StatusUnprocessableEntity, review.CodeNothingApproved},
		{finalizer.ErrAlreadyFinalized, http.StatusConflict, review.CodeAlreadyFinalized},
		{fmt.Errorf("%w: status processing", finalizer.ErrInvalidState), http.StatusConflict, review.CodeImportLocked},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			f := newFixture()
			f.finalizer.err = tc.err
			rec := f.do(t, http.MethodPost, "/api/imports/imp-1/finalize", "sup-token", map[string]any{"row_ids": []string{}})
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, decodeError(t, rec).Code)
		})
	}
}

func TestListCases(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodGet, "/api/imports/imp-1/cases", "agent-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Cases []review.CaseView `json:"cases"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Cases, 1)
	assert.Equal(t, "r1", body.Cases[0].RowID)
	assert.Equal(t, "26250.50", body.Cases[0].TotalAmount)
}

func TestUnknownRouteAndBodyValidation(t *testing.T) {
	f := newFixture()
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/nope", "", nil).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/imports/imp-1/finalize", strings.NewReader(`{"row_ids":["r1"],"extra":1}`))
	req.Header.Set("Authorization", "Bearer sup-token")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// The review client and the server share the same JSON contract.
func TestReviewClientAgainstServer(t *testing.T) {
	f := newFixture()
	srv := httptest.NewServer(f.server)
	defer srv.Close()

	backend := review.NewHTTPBackend(srv.URL, "sup-token", srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	imp, err := backend.GetImport(ctx, "imp-1")
	require.NoError(t, err)
	assert.Equal(t, importjob.StatusReadyForReview, imp.Status)

	cases, err := backend.ListCases(ctx, "imp-1")
	require.NoError(t, err)
	require.Len(t, cases, 1)

	f.finalizer.err = finalizer.ErrAlreadyFinalized
	_, err = backend.Finalize(ctx, "imp-1", []string{"r1"})
	require.ErrorIs(t, err, review.ErrReadOnly)

	_, err = backend.GetImport(ctx, "missing")
	require.ErrorIs(t, err, review.ErrNotFound)
}
