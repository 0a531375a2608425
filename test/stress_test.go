package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"recoveryflow/auth"
	"recoveryflow/importjob"
	"recoveryflow/test/actors"
	"recoveryflow/test/chaos"
	"recoveryflow/test/infra"
	"recoveryflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 60*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "reviewers and finalizers per import")
	flImports     = flag.Int("imports", 3, "imports reviewed concurrently")
	flChaos       = flag.Bool("chaos", false, "terminate random backends while running")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func TestImportReviewConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress suite skipped in -short mode")
	}

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+90*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv(infra.DSNEnv) != "":
		dsn = os.Getenv(infra.DSNEnv)
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Skipf("no docker and no local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	stack := infra.NewStack(pool, zap.NewNop())
	stopDispatcher := stack.Start(ctx)
	defer stopDispatcher()

	seeded := mustSeed(t, ctx, stack, *flImports)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	wins := make([]*atomic.Int32, len(seeded.importIDs))

	for i, importID := range seeded.importIDs {
		wins[i] = &atomic.Int32{}
		won := wins[i]
		for j := 0; j < *flConcurrency; j++ {
			g.Go(func() error { return actors.Reviewer(ctx2, stack.Rows, importID, stop) })
			g.Go(func() error {
				return actors.Finalizer(ctx2, stack.Finalizer, stack.Rows, importID, seeded.supervisorID, won, stop)
			})
		}
		g.Go(func() error { return actors.Reanalyzer(ctx2, stack.Analyzer, importID, seeded.agentID, stop) })
	}
	g.Go(func() error { return actors.Sweeper(ctx2, stack.Sweeper, stop) })
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })
	if *flChaos {
		go chaos.TerminateRandomBackend(ctx2, pool, "recoveryflow-test", stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("oracle %s failed. First row: %s", name, row)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}

	for i, importID := range seeded.importIDs {
		if n := wins[i].Load(); n > 1 {
			t.Fatalf("import %s finalized %d times", importID, n)
		}
		imp, err := stack.Imports.Get(context.Background(), importID)
		if err != nil {
			t.Fatalf("load import %s: %v", importID, err)
		}
		if wins[i].Load() == 1 && imp.Status != importjob.StatusApproved {
			t.Fatalf("import %s won finalize but is %s", importID, imp.Status)
		}
	}

	name, row, err := oracles.Run(context.Background(), pool)
	if err != nil {
		t.Fatalf("final oracle error: %v", err)
	}
	if name != "" {
		dumpRecent(t, context.Background(), pool)
		t.Fatalf("oracle %s failed after run. First row: %s", name, row)
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	bankID       string
	agentID      string
	supervisorID string
	importIDs    []string
}

// mustSeed uploads n workbooks and waits until each one is ready for review.
// Every workbook mixes valid, company and broken lines so reviewers meet all
// row statuses.
func mustSeed(t *testing.T, ctx context.Context, stack *infra.Stack, n int) seedIDs {
	t.Helper()
	var s seedIDs
	var err error

	suffix := uuid.NewString()[:8]
	if s.bankID, err = stack.SeedBank(ctx, "STRESS-"+suffix); err != nil {
		t.Fatal(err)
	}
	agent, _, err := stack.SeedOperator(ctx, fmt.Sprintf("agent-%s@example.com", suffix), auth.RoleAgent)
	if err != nil {
		t.Fatal(err)
	}
	s.agentID = agent.ID
	supervisor, _, err := stack.SeedOperator(ctx, fmt.Sprintf("supervisor-%s@example.com", suffix), auth.RoleSupervisor)
	if err != nil {
		t.Fatal(err)
	}
	s.supervisorID = supervisor.ID

	for i := 0; i < n; i++ {
		base := (i + 1) * 1000
		lines := make([][]any, 0, 24)
		for j := 0; j < 16; j++ {
			lines = append(lines, infra.ValidLine(base+j))
		}
		for j := 16; j < 20; j++ {
			lines = append(lines, infra.CompanyLine(base+j))
		}
		for j := 20; j < 24; j++ {
			lines = append(lines, infra.BrokenLine(base+j))
		}
		body, err := infra.Workbook(lines...)
		if err != nil {
			t.Fatalf("build workbook: %v", err)
		}

		imp, err := stack.Imports.Create(ctx, importjob.CreateParams{
			BankID:     s.bankID,
			UploadedBy: s.agentID,
			File:       importjob.FileMeta{Name: fmt.Sprintf("stress-%d.xlsx", i)},
			Body:       body,
		})
		if err != nil {
			t.Fatalf("create import %d: %v", i, err)
		}
		if _, err := stack.Analyzer.Run(ctx, imp.ID, s.agentID); err != nil {
			t.Fatalf("analyze import %d: %v", i, err)
		}
		ready, err := stack.WaitForStatus(ctx, imp.ID)
		if err != nil {
			t.Fatalf("wait for import %d: %v", i, err)
		}
		if ready.Status != importjob.StatusReadyForReview {
			t.Fatalf("import %d ended analysis as %s", i, ready.Status)
		}
		s.importIDs = append(s.importIDs, imp.ID)
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"imports", `SELECT id, status, total_rows, valid_rows, warning_rows, error_rows, approved_at FROM imports ORDER BY created_at DESC LIMIT 20`},
		{"import_events", `SELECT id, import_id, type, created_at FROM import_events ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
		{"audit_log", `SELECT id, record_id, payload, created_at FROM audit_log ORDER BY id DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
