package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"recoveryflow/analyzer"
	"recoveryflow/auth"
	"recoveryflow/bank"
	"recoveryflow/finalizer"
	"recoveryflow/importjob"
	"recoveryflow/importrow"
	"recoveryflow/review"
)

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Error: msg})
}

// fail maps a service error to its HTTP answer. Unknown errors are logged and
// reported as 500 without their text.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		msg := "internal error"
		if status == http.StatusBadGateway || status == http.StatusServiceUnavailable {
			msg = err.Error()
		}
		writeError(w, status, code, msg)
		return
	}
	writeError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, importjob.ErrNotFound),
		errors.Is(err, importrow.ErrNotFound),
		errors.Is(err, bank.ErrNotFound):
		return http.StatusNotFound, review.CodeNotFound

	case errors.Is(err, importjob.ErrAnalysisInProgress):
		return http.StatusConflict, review.CodeAnalysisRunning
	case errors.Is(err, importjob.ErrInvalidTransition):
		return http.StatusConflict, review.CodeInvalidTransition
	case errors.Is(err, importjob.ErrDuplicateUpload):
		return http.StatusConflict, review.CodeDuplicateUpload
	case errors.Is(err, importrow.ErrImportLocked),
		errors.Is(err, finalizer.ErrInvalidState):
		return http.StatusConflict, review.CodeImportLocked
	case errors.Is(err, importrow.ErrVersionConflict):
		return http.StatusConflict, review.CodeVersionConflict
	case errors.Is(err, finalizer.ErrAlreadyFinalized):
		return http.StatusConflict, review.CodeAlreadyFinalized
	case errors.Is(err, auth.ErrDuplicateEmail):
		return http.StatusConflict, review.CodeInvalidRequest

	case errors.Is(err, importrow.ErrRowHasErrors):
		return http.StatusUnprocessableEntity, review.CodeRowHasErrors
	case errors.Is(err, finalizer.ErrNoRows):
		return http.StatusUnprocessableEntity, review.CodeNothingApproved
	case errors.Is(err, importrow.ErrUnknownField),
		errors.Is(err, importrow.ErrVariantMismatch),
		errors.Is(err, importjob.ErrInvalidInput),
		errors.Is(err, bank.ErrInactive),
		errors.Is(err, auth.ErrWeakPassword):
		return http.StatusUnprocessableEntity, review.CodeInvalidRequest
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, review.CodeInvalidRequest

	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, review.CodeUnauthorized

	case errors.Is(err, importjob.ErrUploadFailed):
		return http.StatusBadGateway, review.CodeUploadFailed
	case errors.Is(err, analyzer.ErrQueueFull), errors.Is(err, analyzer.ErrStopped):
		return http.StatusServiceUnavailable, review.CodeInternal
	}
	return http.StatusInternalServerError, review.CodeInternal
}

var errBadRequest = errors.New("bad request")

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", errBadRequest)
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
