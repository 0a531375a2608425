package review

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Error codes carried in API error bodies.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeUnauthorized      = "unauthorized"
	CodeForbidden         = "forbidden"
	CodeNotFound          = "not_found"
	CodeInvalidTransition = "invalid_transition"
	CodeAnalysisRunning   = "analysis_in_progress"
	CodeImportLocked      = "import_locked"
	CodeVersionConflict   = "version_conflict"
	CodeRowHasErrors      = "row_has_errors"
	CodeAlreadyFinalized  = "already_finalized"
	CodeNothingApproved   = "nothing_approved"
	CodeDuplicateUpload   = "duplicate_upload"
	CodeUploadFailed      = "upload_failed"
	CodeInternal          = "internal"
)

// Backend is the server surface the controller drives.
type Backend interface {
	GetImport(ctx context.Context, importID string) (ImportView, error)
	ListRows(ctx context.Context, importID string) ([]RowView, error)
	ToggleApproval(ctx context.Context, importID, rowID string, approved bool) (RowView, error)
	ApproveAllValid(ctx context.Context, importID string) (int, error)
	EditField(ctx context.Context, importID, rowID, field, value string, version int) (RowView, error)
	Finalize(ctx context.Context, importID string, rowIDs []string) (FinalizeOutcome, error)
	ListCases(ctx context.Context, importID string) ([]CaseView, error)
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("review: server answered %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Is lets callers match server errors against the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == CodeNotFound
	case ErrVersionConflict:
		return e.Code == CodeVersionConflict
	case ErrRowHasErrors:
		return e.Code == CodeRowHasErrors
	case ErrNothingApproved:
		return e.Code == CodeNothingApproved
	case ErrReadOnly:
		return e.Code == CodeImportLocked || e.Code == CodeAlreadyFinalized || e.Code == CodeInvalidTransition
	}
	return false
}

// HTTPBackend talks to the httpapi server.
type HTTPBackend struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPBackend(baseURL, token string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPBackend{baseURL: strings.TrimRight(baseURL, "/"), token: token, client: client}
}

func (b *HTTPBackend) GetImport(ctx context.Context, importID string) (ImportView, error) {
	var out ImportView
	err := b.do(ctx, http.MethodGet, importPath(importID), nil, &out)
	return out, err
}

func (b *HTTPBackend) ListRows(ctx context.Context, importID string) ([]RowView, error) {
	var out struct {
		Rows []RowView `json:"rows"`
	}
	if err := b.do(ctx, http.MethodGet, importPath(importID, "rows"), nil, &out); err != nil {
		return nil, err
	}
	return out.Rows, nil
}

func (b *HTTPBackend) ToggleApproval(ctx context.Context, importID, rowID string, approved bool) (RowView, error) {
	var out RowView
	body := map[string]bool{"approved": approved}
	err := b.do(ctx, http.MethodPost, importPath(importID, "rows", rowID, "approval"), body, &out)
	return out, err
}

func (b *HTTPBackend) ApproveAllValid(ctx context.Context, importID string) (int, error) {
	var out struct {
		Approved int `json:"approved"`
	}
	err := b.do(ctx, http.MethodPost, importPath(importID, "approve-valid"), nil, &out)
	return out.Approved, err
}

func (b *HTTPBackend) EditField(ctx context.Context, importID, rowID, field, value string, version int) (RowView, error) {
	var out RowView
	body := map[string]any{"field": field, "value": value, "version": version}
	err := b.do(ctx, http.MethodPatch, importPath(importID, "rows", rowID), body, &out)
	return out, err
}

func (b *HTTPBackend) Finalize(ctx context.Context, importID string, rowIDs []string) (FinalizeOutcome, error) {
	var out FinalizeOutcome
	body := map[string][]string{"row_ids": rowIDs}
	err := b.do(ctx, http.MethodPost, importPath(importID, "finalize"), body, &out)
	return out, err
}

func (b *HTTPBackend) ListCases(ctx context.Context, importID string) ([]CaseView, error) {
	var out struct {
		Cases []CaseView `json:"cases"`
	}
	if err := b.do(ctx, http.MethodGet, importPath(importID, "cases"), nil, &out); err != nil {
		return nil, err
	}
	return out.Cases, nil
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("review: encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("review: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("review: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("review: decode %s %s: %w", method, path, err)
	}
	return nil
}

func importPath(importID string, rest ...string) string {
	var b strings.Builder
	b.WriteString("/api/imports/")
	b.WriteString(url.PathEscape(importID))
	for _, seg := range rest {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(seg))
	}
	return b.String()
}
