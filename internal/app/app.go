package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"dbackup/internal/backup"
	"dbackup/internal/config"
	"dbackup/internal/destination"
	"dbackup/internal/dump"
	"dbackup/internal/encryption"
	"dbackup/internal/queue"
	"dbackup/internal/store"
)

// App is the application layer between the CLI and the backup service.
// It constructs all dependencies from config, exposes high-level
// operations, and manages the store and bus lifecycle on Close.
type App struct {
	cfg         *config.Config
	store       *store.SQLiteStore
	registry    *backup.Registry
	bus         *queue.Bus
	worker      *queue.Worker
	service     *backup.Service
	capture     *backup.Capture
	coordinator *backup.Coordinator
	cleanup     *backup.CleanupEngine
	logger      backup.Logger
	logFile     *os.File

	workerDone chan struct{}
	stopWorker context.CancelFunc
}

// NewApp creates a fully wired App from the given config.
// operation identifies the CLI command being run (e.g. "BackupRun",
// "Cleanup"). The caller must call Close when done.
func NewApp(ctx context.Context, cfg *config.Config, operation string) (*App, error) {
	runID := time.Now().UTC().Format("20060102T150405Z") + "-" + operation
	slogger, logFile, err := newLogger(cfg.LogDir, runID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	st, err := store.NewSQLiteStore(cfg.Database.Path, backup.RealClock{}, backup.UUIDGenerator{})
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("opening store: %w", err)
	}

	if err := st.CheckMigrations(); err != nil {
		st.Close()
		logFile.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	registry := destination.BuildRegistry(ctx, cfg.Destinations, logger)

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		st.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	bus := queue.NewBus(logger)
	dumper := dump.NewMySQLDumper()

	// In production the retry backoff unit is minutes; elsewhere seconds,
	// so tests and local runs do not sit through real delays.
	backoffUnit := time.Second
	if cfg.Jobs.Production {
		backoffUnit = time.Minute
	}

	storeTimeout := time.Duration(cfg.Jobs.StoreTimeoutMinutes) * time.Minute
	capture := backup.NewCapture(st, dumper, registry, bus, enc, cfg.Staging.Dir, logger, backup.RealClock{}, backup.UUIDGenerator{})
	coordinator := backup.NewCoordinator(st, registry, bus, cfg.Jobs.MaxRetries, backoffUnit, storeTimeout, logger, backup.RealClock{}, backup.UUIDGenerator{})
	cleanup := backup.NewCleanupEngine(st, registry, retentionFromConfig(cfg.Retention), logger, backup.RealClock{})
	service := backup.NewService(st, bus, logger, backup.RealClock{}, backup.UUIDGenerator{})

	a := &App{
		cfg:         cfg,
		store:       st,
		registry:    registry,
		bus:         bus,
		service:     service,
		capture:     capture,
		coordinator: coordinator,
		cleanup:     cleanup,
		logger:      logger,
		logFile:     logFile,
	}

	a.worker = queue.NewWorker(bus, queue.Handlers{
		Capture: a.handleCapture,
		Store:   coordinator.Dispatch,
		Cleanup: a.handleCleanup,
	}, queue.Timeouts{
		Capture: time.Duration(cfg.Jobs.CaptureTimeoutMinutes) * time.Minute,
		Store:   storeTimeout,
	}, logger)

	return a, nil
}

func retentionFromConfig(cfg config.RetentionConfig) backup.RetentionConfig {
	return backup.RetentionConfig{
		KeepAllDays:       cfg.KeepAllDays,
		KeepDailyDays:     cfg.KeepDailyDays,
		KeepWeeklyWeeks:   cfg.KeepWeeklyWeeks,
		KeepMonthlyMonths: cfg.KeepMonthlyMonths,
		KeepYearlyYears:   cfg.KeepYearlyYears,
	}
}

// handleCapture resolves the record's source from config and runs the
// capture pipeline.
func (a *App) handleCapture(ctx context.Context, job backup.CaptureJob) error {
	record, err := a.store.GetBackup(ctx, job.BackupID)
	if err != nil {
		return fmt.Errorf("loading backup %s: %w", job.BackupID, err)
	}
	if record == nil {
		return fmt.Errorf("backup %s not found", job.BackupID)
	}

	src := a.cfg.FindSource(record.SourceID)
	if src == nil {
		return fmt.Errorf("source %q is not configured", record.SourceID)
	}

	return a.capture.Run(ctx, job.BackupID, sourceFromConfig(src))
}

func (a *App) handleCleanup(ctx context.Context, job backup.CleanupJob) error {
	if job.SourceID == "" {
		return a.cleanup.CleanupAll(ctx)
	}
	return a.cleanup.Cleanup(ctx, job.SourceID)
}

func sourceFromConfig(src *config.SourceConfig) backup.Source {
	return backup.Source{
		ID: src.Name,
		Connection: backup.Connection{
			Host:     src.Host,
			Port:     src.Port,
			Database: src.Database,
			Username: src.Username,
			Password: src.Password,
		},
		SkipTables:          src.SkipTables,
		StructureOnlyTables: src.StructureOnlyTables,
	}
}

// StartWorker launches the job worker in the background. Jobs enqueued
// before or after the call are picked up; ShutdownWorker waits for
// in-flight handlers.
func (a *App) StartWorker(ctx context.Context) {
	if a.workerDone != nil {
		return
	}
	workerCtx, cancel := context.WithCancel(ctx)
	a.stopWorker = cancel
	a.workerDone = make(chan struct{})
	go func() {
		defer close(a.workerDone)
		if err := a.worker.Run(workerCtx); err != nil {
			a.logger.Error("worker stopped", "error", err)
		}
	}()
}

// ShutdownWorker stops the worker and waits for it to drain.
func (a *App) ShutdownWorker() {
	if a.workerDone == nil {
		return
	}
	a.stopWorker()
	<-a.workerDone
	a.workerDone = nil
	a.stopWorker = nil
}

// RunBackup creates an on-demand backup for the named source, enqueues
// its capture job, and blocks until the record reaches a terminal
// status. The worker must be running.
func (a *App) RunBackup(ctx context.Context, sourceName string) (*backup.Record, error) {
	if a.cfg.FindSource(sourceName) == nil {
		return nil, fmt.Errorf("source %q is not configured", sourceName)
	}

	record, err := a.service.RequestBackup(ctx, sourceName, nil, backup.KindManual)
	if err != nil {
		return nil, err
	}
	if err := a.service.EnqueueCapture(ctx, record.ID); err != nil {
		return nil, err
	}

	return a.WaitForBackup(ctx, record.ID)
}

// WaitForBackup polls the store until the backup reaches a terminal
// status or the context is cancelled.
func (a *App) WaitForBackup(ctx context.Context, backupID string) (*backup.Record, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		record, err := a.service.GetBackup(ctx, backupID)
		if err != nil {
			return nil, err
		}
		if record.Status.Terminal() {
			return record, nil
		}

		select {
		case <-ctx.Done():
			return record, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCleanup enqueues a retention pass and waits for the worker to
// drain. An empty sourceName cleans all sources.
func (a *App) RunCleanup(ctx context.Context, sourceName string) error {
	if sourceName != "" && a.cfg.FindSource(sourceName) == nil {
		return fmt.Errorf("source %q is not configured", sourceName)
	}
	// Cleanup is run synchronously rather than through the bus so the
	// CLI can report the outcome.
	return a.handleCleanup(ctx, backup.CleanupJob{SourceID: sourceName})
}

// Service exposes the underlying backup service for query commands.
func (a *App) Service() *backup.Service { return a.service }

// Close shuts down the worker, the bus, the store, and the log file.
func (a *App) Close() error {
	var firstErr error

	a.ShutdownWorker()

	if err := a.bus.Close(); err != nil {
		firstErr = fmt.Errorf("closing bus: %w", err)
	}

	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing store: %w", err)
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}
