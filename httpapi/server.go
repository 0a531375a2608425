// Package httpapi exposes the import pipeline over JSON/HTTP.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"recoveryflow/auth"
	"recoveryflow/bank"
	"recoveryflow/finalizer"
	"recoveryflow/importjob"
	"recoveryflow/importrow"
	"recoveryflow/logging"
	"recoveryflow/provenance"
	"recoveryflow/review"
)

const maxUploadBytes = 32 << 20

type Authenticator interface {
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Operator, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type Banks interface {
	List(ctx context.Context, limit int) ([]bank.Bank, error)
}

type Imports interface {
	Create(ctx context.Context, params importjob.CreateParams) (importjob.Import, error)
	Get(ctx context.Context, id string) (importjob.Import, error)
	Reject(ctx context.Context, id, actorID, reason string) (importjob.Import, error)
}

type Analyzer interface {
	Run(ctx context.Context, importID, actorID string) (importjob.Import, error)
}

type Rows interface {
	List(ctx context.Context, importID string) ([]importrow.Row, error)
	ToggleApproval(ctx context.Context, importID, rowID string, approved bool) (importrow.Row, error)
	ApproveAllValid(ctx context.Context, importID string) (int, error)
	EditField(ctx context.Context, params importrow.EditParams) (importrow.Row, error)
}

type Finalizer interface {
	Finalize(ctx context.Context, req finalizer.Request) (finalizer.Result, error)
}

type Provenance interface {
	LinkedForImport(ctx context.Context, importID string) ([]provenance.Linked, error)
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Deps bundles the services behind the API.
type Deps struct {
	Auth       Authenticator
	Banks      Banks
	Imports    Imports
	Analyzer   Analyzer
	Rows       Rows
	Finalizer  Finalizer
	Provenance Provenance
	Health     HealthChecker
}

type Server struct {
	deps   Deps
	logger *zap.Logger
	router *mux.Router
}

func NewServer(deps Deps, logger *zap.Logger) *Server {
	s := &Server{deps: deps, logger: logging.OrNop(logger)}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recoverer, s.requestLogger)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, review.CodeNotFound, "route not found")
	})

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/login", s.handleLogin).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authenticate)

	api.HandleFunc("/operators", s.requireRole(s.handleRegister, auth.RoleAdmin)).Methods(http.MethodPost)
	api.HandleFunc("/banks", s.handleListBanks).Methods(http.MethodGet)

	api.HandleFunc("/imports", s.handleCreateImport).Methods(http.MethodPost)
	api.HandleFunc("/imports/{id}", s.handleGetImport).Methods(http.MethodGet)
	api.HandleFunc("/imports/{id}/analyze", s.handleAnalyze).Methods(http.MethodPost)
	api.HandleFunc("/imports/{id}/reject", s.handleReject).Methods(http.MethodPost)
	api.HandleFunc("/imports/{id}/rows", s.handleListRows).Methods(http.MethodGet)
	api.HandleFunc("/imports/{id}/rows/{rowID}", s.handleEditRow).Methods(http.MethodPatch)
	api.HandleFunc("/imports/{id}/rows/{rowID}/approval", s.handleToggleApproval).Methods(http.MethodPost)
	api.HandleFunc("/imports/{id}/approve-valid", s.handleApproveAllValid).Methods(http.MethodPost)
	api.HandleFunc("/imports/{id}/finalize", s.requireRole(s.handleFinalize, auth.RoleSupervisor, auth.RoleAdmin)).Methods(http.MethodPost)
	api.HandleFunc("/imports/{id}/cases", s.handleListCases).Methods(http.MethodGet)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health.Ping(r.Context()); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, review.CodeInternal, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
