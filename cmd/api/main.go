package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"recoveryflow/analyzer"
	"recoveryflow/auth"
	"recoveryflow/bank"
	"recoveryflow/blobstore"
	"recoveryflow/casefile"
	"recoveryflow/config"
	"recoveryflow/db"
	"recoveryflow/debtor"
	"recoveryflow/finalizer"
	"recoveryflow/httpapi"
	"recoveryflow/importjob"
	"recoveryflow/importrow"
	"recoveryflow/logging"
	"recoveryflow/migrations"
	"recoveryflow/provenance"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		if err := migrations.Apply(ctx, pool); err != nil {
			return err
		}
		logger.Info("migrations applied")
	}

	blobs, err := blobstore.NewS3Store(ctx, cfg.Blob.Region, cfg.Blob.BaseURL)
	if err != nil {
		return fmt.Errorf("bootstrap blob store: %w", err)
	}

	banks := bank.NewService(bank.NewRepository(pool))
	imports := importjob.NewService(pool, importjob.NewRepository(pool), blobs, banks,
		importjob.BlobConfig{Bucket: cfg.Blob.Bucket, Prefix: cfg.Blob.Prefix}, logger)

	validator := importrow.Validator{DefaultCurrency: cfg.Analysis.DefaultCurrency}
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
	dispatcher := analyzer.NewDispatcher(cfg.Analysis.Workers, 0, cfg.Analysis.JobTimeout, analysis.Process, logger)
	analysis.SetQueue(dispatcher)

	scheduler := cron.New(cron.WithLocation(time.UTC))
	sweeper := analyzer.NewSweeper(imports, cfg.Analysis.StallTimeout, logger)
	if _, err := sweeper.Schedule(scheduler, cfg.Analysis.SweepSchedule); err != nil {
		return err
	}

	server := httpapi.NewServer(httpapi.Deps{
		Auth:       auth.NewService(auth.NewRepository(pool), cfg.JWTSecret),
		Banks:      banks,
		Imports:    imports,
		Analyzer:   analysis,
		Rows:       rows,
		Finalizer:  final,
		Provenance: provenance.NewLookup(provRepo, cases),
		Health:     pool,
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(ctx)
	})
	g.Go(func() error {
		scheduler.Start()
		<-ctx.Done()
		<-scheduler.Stop().Done()
		return nil
	})
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	// Run any pending sweep right away so stalls left by a previous process do
	// not wait for the first schedule tick.
	if n, err := sweeper.Sweep(ctx); err != nil {
		logger.Warn("startup sweep failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("startup sweep failed stalled imports", zap.Int("count", n))
	}

	return g.Wait()
}
