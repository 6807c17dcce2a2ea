package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/pressmill/pdf-compress-service/config"
	"github.com/pressmill/pdf-compress-service/internal/api"
	"github.com/pressmill/pdf-compress-service/internal/assemble"
	"github.com/pressmill/pdf-compress-service/internal/dispatch"
	"github.com/pressmill/pdf-compress-service/internal/health"
	"github.com/pressmill/pdf-compress-service/internal/ledger"
	"github.com/pressmill/pdf-compress-service/internal/logger"
	"github.com/pressmill/pdf-compress-service/internal/metrics"
	"github.com/pressmill/pdf-compress-service/internal/raster"
	"github.com/pressmill/pdf-compress-service/internal/storage"
	"github.com/pressmill/pdf-compress-service/internal/sweeper"
)

func main() {
	// 1. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.InitLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting PDF Compress Service",
		zap.String("db_driver", cfg.DBDriver),
		zap.Int("default_dpi", cfg.DefaultDPI))

	// 3. Connect to database
	db, err := openDatabase(cfg)
	if err != nil {
		log.Fatal("Error connecting to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatal("Error pinging database", zap.Error(err))
	}
	log.Info("Connected to database successfully",
		zap.String("driver", cfg.DBDriver),
		zap.String("dsn", safeDSN(cfg)))

	// 4. Run migrations
	if err := ledger.Migrate(db, cfg.DBDriver); err != nil {
		log.Fatal("Error running migrations", zap.Error(err))
	}
	log.Info("Database schema is up to date")

	// 5. Set up task storage and ledger
	files, err := storage.New(cfg.TasksDir())
	if err != nil {
		log.Fatal("Error creating task storage", zap.Error(err))
	}
	led := ledger.New(db, cfg.DBDriver, files, log)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 6. Crash recovery: requeue tasks a previous run left mid-flight
	recovered, err := led.RecoverOrphans(ctx)
	if err != nil {
		log.Error("Error during crash recovery", zap.Error(err))
	} else if recovered > 0 {
		log.Info("Recovered orphaned tasks", zap.Int64("count", recovered))
	}

	// 7. Start health check server
	health.StartHealthServer(cfg, db, led, log)
	log.Info("Health check server started", zap.Int("port", cfg.HealthCheckPort))

	// 8. Start metrics server
	metrics.StartMetricsServer(cfg, led, log)
	log.Info("Metrics server started", zap.Int("port", cfg.MetricsPort))

	// 9. Build the processing pipeline
	renderer := raster.NewGhostscriptRenderer(cfg.GhostscriptBin,
		time.Duration(cfg.RenderTimeoutSec)*time.Second, log)
	recognizer := assemble.NewTesseractRecognizer(cfg.TesseractBin, cfg.OCRLanguage,
		time.Duration(cfg.RecognizeTimeoutSec)*time.Second, log)
	optimizer := assemble.NewDocumentOptimizer(cfg.GhostscriptBin,
		time.Duration(cfg.OptimizeTimeoutSec)*time.Second, log)
	assembler := assemble.New(files, recognizer, optimizer, log)

	var wg sync.WaitGroup

	// 10. Start dispatcher (exactly one task processes at a time)
	dispatcher := dispatch.New(cfg, led, renderer, assembler, files, log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Start(ctx)
	}()
	log.Info("Dispatcher started", zap.Int("poll_interval_sec", cfg.PollIntervalSec))

	// 11. Start retention sweeper
	sw := sweeper.New(cfg, led, log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sw.Start(ctx)
	}()
	log.Info("Retention sweeper started",
		zap.Int("retention_hours", cfg.RetentionHours),
		zap.Int("sweep_interval_min", cfg.SweepIntervalMin))

	// 12. Start API server
	apiServer := api.NewServer(cfg, led, files, log)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.APIPort),
		Handler: apiServer.Router(),
	}
	go func() {
		log.Info("API server started", zap.Int("port", cfg.APIPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("API server error", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Info("All services started successfully - waiting for shutdown signal")
	sig := <-sigChan
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	// Graceful shutdown
	log.Info("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("API server shutdown error", zap.Error(err))
	}

	cancel() // Stop dispatcher and sweeper

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("All workers stopped gracefully")
	case <-sigChan:
		log.Warn("Forced shutdown - workers may not have stopped cleanly")
	}

	log.Info("Shutdown complete")
}

// openDatabase opens the configured driver with a pool sized for it.
// SQLite gets a single connection since modernc serializes writers
// anyway and a pool just trades deadlocks for busy errors.
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	if cfg.DBDriver == "sqlite" {
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		db, err := sql.Open("sqlite", cfg.GetDatabaseDSN())
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		return db, nil
	}

	db, err := sql.Open("postgres", cfg.GetDatabaseDSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return db, nil
}

// safeDSN is a loggable description of the database target.
func safeDSN(cfg *config.Config) string {
	if cfg.DBDriver == "sqlite" {
		return cfg.SQLitePath
	}
	return fmt.Sprintf("%s:%d/%s", cfg.DBHost, cfg.DBPort, cfg.DBName)
}
