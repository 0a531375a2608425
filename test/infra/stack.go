package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"recoveryflow/analyzer"
	"recoveryflow/auth"
	"recoveryflow/bank"
	"recoveryflow/blobstore"
	"recoveryflow/casefile"
	"recoveryflow/debtor"
	"recoveryflow/finalizer"
	"recoveryflow/httpapi"
	"recoveryflow/importjob"
	"recoveryflow/importrow"
	"recoveryflow/provenance"
)

const (
	TestBucket    = "recoveryflow-test"
	TestJWTSecret = "integration-secret"
)

// Stack is the service graph of the api binary wired against a real database
// and an in-memory object store.
type Stack struct {
	Pool       *pgxpool.Pool
	S3         *MemoryS3
	Banks      *bank.Service
	Imports    *importjob.Service
	Rows       *importrow.Service
	Analyzer   *analyzer.Service
	Dispatcher *analyzer.Dispatcher
	Sweeper    *analyzer.Sweeper
	Finalizer  *finalizer.Service
	Provenance *provenance.Lookup
	Auth       *auth.Service
	Server     *httpapi.Server
}

// NewStack wires every service the way cmd/api does. The dispatcher is not
// started; call Start.
func NewStack(pool *pgxpool.Pool, logger *zap.Logger) *Stack {
	mem := NewMemoryS3()
	blobs := blobstore.NewS3StoreWithClient(mem, "eu-west-3", "")

	banks := bank.NewService(bank.NewRepository(pool))
	imports := importjob.NewService(pool, importjob.NewRepository(pool), blobs, banks,
		importjob.BlobConfig{Bucket: TestBucket, Prefix: "imports/"}, logger)

	validator := importrow.Validator{}
	rowRepo := importrow.NewRepository(pool)
	rows := importrow.NewService(pool, rowRepo, imports, validator, logger)

	cases := casefile.NewService(casefile.NewRepository(pool))
	provRepo := provenance.NewRepository(pool)
	final := finalizer.NewService(pool, imports, rowRepo,
		debtor.NewService(debtor.NewRepository(pool)),
		cases,
		provenance.NewWriter(provRepo),
		validator,
		logger,
	)

	analysis := analyzer.NewService(imports, rows, blobs, logger)
	dispatcher := analyzer.NewDispatcher(4, 64, 30*time.Second, analysis.Process, logger)
	analysis.SetQueue(dispatcher)

	s := &Stack{
		Pool:       pool,
		S3:         mem,
		Banks:      banks,
		Imports:    imports,
		Rows:       rows,
		Analyzer:   analysis,
		Dispatcher: dispatcher,
		Sweeper:    analyzer.NewSweeper(imports, time.Minute, logger),
		Finalizer:  final,
		Provenance: provenance.NewLookup(provRepo, cases),
		Auth:       auth.NewService(auth.NewRepository(pool), TestJWTSecret),
	}
	s.Server = httpapi.NewServer(httpapi.Deps{
		Auth:       s.Auth,
		Banks:      banks,
		Imports:    imports,
		Analyzer:   analysis,
		Rows:       rows,
		Finalizer:  final,
		Provenance: s.Provenance,
		Health:     pool,
	}, logger)
	return s
}

// Start runs the analysis dispatcher until the returned stop func is called.
func (s *Stack) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Dispatcher.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

// SeedBank inserts an active bank and returns its id.
func (s *Stack) SeedBank(ctx context.Context, code string) (string, error) {
	var id string
	err := s.Pool.QueryRow(ctx,
		`INSERT INTO banks (code, name) VALUES ($1, $2) RETURNING id::text`,
		code, "Banque "+code,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("seed bank %s: %w", code, err)
	}
	return id, nil
}

// SeedOperator registers an operator and returns it with a signed token.
func (s *Stack) SeedOperator(ctx context.Context, email string, role auth.Role) (auth.Operator, string, error) {
	const password = "integration-password"
	op, err := s.Auth.Register(ctx, auth.RegisterRequest{
		Email:    email,
		Password: password,
		FullName: "Operator " + string(role),
		Role:     role,
	})
	if err != nil {
		return auth.Operator{}, "", fmt.Errorf("seed operator %s: %w", email, err)
	}
	res, err := s.Auth.Login(ctx, auth.LoginRequest{Email: email, Password: password})
	if err != nil {
		return auth.Operator{}, "", fmt.Errorf("login operator %s: %w", email, err)
	}
	return *op, res.Token, nil
}

// WaitForStatus polls the registry until the import leaves the pollable
// states or ctx ends.
func (s *Stack) WaitForStatus(ctx context.Context, importID string) (importjob.Import, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		imp, err := s.Imports.Get(ctx, importID)
		if err != nil {
			return importjob.Import{}, err
		}
		if !importjob.IsPollable(imp.Status) {
			return imp, nil
		}
		select {
		case <-ctx.Done():
			return imp, ctx.Err()
		case <-ticker.C:
		}
	}
}
