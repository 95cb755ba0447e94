package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Source describes one backed-up database: its connection and the
// per-table skip and structure-only lists.
type Source struct {
	ID                  string
	Connection          Connection
	SkipTables          []string
	StructureOnlyTables []string
}

// Capture produces a packaged artifact from a source database and hands
// it to the fan-out coordinator by enqueueing one store job per enabled
// destination. It owns the pending -> running -> backup_ready ->
// storing_to_destinations leg of the state machine; any failure on that
// leg terminates the record as failed.
type Capture struct {
	store      Store
	dumper     Dumper
	registry   *Registry
	queue      Queue
	encryptor  Encryptor
	stagingDir string
	logger     Logger
	clock      Clock
	idgen      IDGenerator
}

// StagingDisk is the disk identifier recorded for artifacts sitting in
// the local staging area.
const StagingDisk = "staging"

func NewCapture(store Store, dumper Dumper, registry *Registry, queue Queue, encryptor Encryptor, stagingDir string, logger Logger, clock Clock, idgen IDGenerator) *Capture {
	return &Capture{
		store:      store,
		dumper:     dumper,
		registry:   registry,
		queue:      queue,
		encryptor:  encryptor,
		stagingDir: stagingDir,
		logger:     logger,
		clock:      clock,
		idgen:      idgen,
	}
}

// Run executes the capture pipeline for a pending backup record.
// The scratch directory holding the artifact is released on every
// failure path; on success its ownership passes to the coordinator,
// which removes it once all destinations are terminal.
func (c *Capture) Run(ctx context.Context, backupID string, source Source) error {
	record, err := c.store.GetBackup(ctx, backupID)
	if err != nil {
		return fmt.Errorf("loading backup %s: %w", backupID, err)
	}
	if record == nil {
		return fmt.Errorf("backup %s not found", backupID)
	}
	if record.Status != StatusPending {
		c.logger.Warn("capture skipped, backup not pending", "backup", backupID, "status", record.Status)
		return nil
	}

	if _, err := c.store.Transition(ctx, backupID, StatusRunning, Payload{}); err != nil {
		return fmt.Errorf("transitioning to running: %w", err)
	}

	if err := source.Connection.Validate(); err != nil {
		return c.fail(ctx, backupID, err)
	}

	scratch, err := os.MkdirTemp(c.stagingDir, "capture-*")
	if err != nil {
		return c.fail(ctx, backupID, &FileWriteFailedError{Disk: StagingDisk, Path: c.stagingDir, Err: err})
	}
	success := false
	defer func() {
		if !success {
			os.RemoveAll(scratch)
		}
	}()

	files, tableCount, err := c.dumpTables(ctx, backupID, source, scratch)
	if err != nil {
		return c.fail(ctx, backupID, err)
	}

	manifest := Manifest{
		Database:   source.Connection.Database,
		CapturedAt: c.clock.Now().UTC(),
		TableCount: tableCount,
	}
	for _, f := range files {
		manifest.Files = append(manifest.Files, filepath.Base(f))
	}

	filename := fmt.Sprintf("%s-%s.tar.gz%s",
		source.Connection.Database,
		manifest.CapturedAt.Format("20060102-150405"),
		c.encryptor.Suffix())
	archivePath := filepath.Join(scratch, filename)

	size, checksum, err := packageArchive(archivePath, manifest, files, c.encryptor)
	if err != nil {
		return c.fail(ctx, backupID, &FileWriteFailedError{Disk: StagingDisk, Path: archivePath, Err: err})
	}

	if err := c.store.SetArtifact(ctx, backupID, StagingDisk, filename, archivePath, size); err != nil {
		return c.fail(ctx, backupID, fmt.Errorf("recording artifact: %w", err))
	}

	meta := map[string]string{
		"table_count": strconv.Itoa(tableCount),
		"checksum":    checksum,
	}
	if c.encryptor.Suffix() != "" {
		meta["encrypted"] = "true"
	}
	if dbSize, err := c.dumper.DatabaseSize(ctx, source.Connection); err == nil {
		meta["database_size"] = strconv.FormatInt(dbSize, 10)
	}
	if err := c.store.SetMetadata(ctx, backupID, meta); err != nil {
		c.logger.Warn("recording capture metadata failed", "backup", backupID, "error", err)
	}

	enabled := c.registry.EnabledDestinations(ctx)
	if len(enabled) == 0 {
		return c.fail(ctx, backupID, fmt.Errorf("no destinations are enabled"))
	}

	ids := make([]string, len(enabled))
	progress := make(map[string]*DestinationProgress, len(enabled))
	for i, d := range enabled {
		ids[i] = d.ID()
		progress[d.ID()] = &DestinationProgress{UpdatedAt: c.clock.Now().UTC()}
	}

	// The destination list recorded here is the authoritative expected
	// set for completion detection.
	if _, err := c.store.Transition(ctx, backupID, StatusBackupReady, Payload{
		BackupReady: &BackupReadyPayload{DestinationIDs: ids},
	}); err != nil {
		return c.fail(ctx, backupID, fmt.Errorf("transitioning to backup_ready: %w", err))
	}

	if _, err := c.store.Transition(ctx, backupID, StatusStoringToDestinations, Payload{
		Destinations: progress,
	}); err != nil {
		return c.fail(ctx, backupID, fmt.Errorf("transitioning to storing_to_destinations: %w", err))
	}

	for _, id := range ids {
		job := StoreJob{
			BackupID:      backupID,
			DestinationID: id,
			Artifact:      archivePath,
			Filename:      filename,
		}
		if err := c.queue.Enqueue(ctx, TopicStore, job); err != nil {
			return c.fail(ctx, backupID, fmt.Errorf("enqueueing store for %s: %w", id, err))
		}
	}

	success = true
	c.logger.Info("capture complete", "backup", backupID, "artifact", filename, "size", size, "destinations", len(ids))
	return nil
}

// dumpTables dumps each effective table to its own file inside scratch.
// A missing or zero-length table dump fails the whole capture; the
// artifact must be complete or absent. The whole-database structure dump
// is best-effort and only ever produces a warning.
func (c *Capture) dumpTables(ctx context.Context, backupID string, source Source, scratch string) ([]string, int, error) {
	tables, err := c.dumper.ListTables(ctx, source.Connection)
	if err != nil {
		return nil, 0, err
	}

	skip := make(map[string]bool, len(source.SkipTables))
	for _, t := range source.SkipTables {
		skip[t] = true
	}
	structureOnly := make(map[string]bool, len(source.StructureOnlyTables))
	for _, t := range source.StructureOnlyTables {
		structureOnly[t] = true
	}

	var effective []string
	for _, t := range tables {
		if !skip[t] {
			effective = append(effective, t)
		}
	}
	if len(effective) == 0 {
		return nil, 0, &BackupFailedError{
			Database:  source.Connection.Database,
			Operation: "list-tables",
			Reason:    "no tables left to back up after exclusions",
		}
	}

	var files []string
	for _, table := range effective {
		path, err := c.dumper.DumpTable(ctx, source.Connection, table, structureOnly[table], scratch)
		if err != nil {
			return nil, 0, err
		}
		info, statErr := os.Stat(path)
		if statErr != nil || info.Size() == 0 {
			return nil, 0, &BackupFailedError{
				Database:  source.Connection.Database,
				Table:     table,
				Operation: "dump",
				Reason:    "dump file is missing or empty",
			}
		}
		files = append(files, path)
	}

	if schemaPath, err := c.dumper.DumpSchema(ctx, source.Connection, scratch); err != nil {
		c.logger.Warn("structure dump failed", "backup", backupID, "error", err)
		if warnErr := c.store.AddWarning(ctx, backupID, Note{
			Message:   "whole-database structure dump failed: " + err.Error(),
			Context:   map[string]string{"database": source.Connection.Database, "operation": "dump-schema"},
			CreatedAt: c.clock.Now().UTC(),
		}); warnErr != nil {
			c.logger.Error("recording warning failed", "backup", backupID, "error", warnErr)
		}
	} else {
		files = append(files, schemaPath)
	}

	return files, len(effective), nil
}

// fail records the error on the backup and moves it to failed. The
// terminal transition is guarded, so concurrent failure paths collapse
// into one.
func (c *Capture) fail(ctx context.Context, backupID string, cause error) error {
	c.logger.Error("capture failed", "backup", backupID, "error", cause)

	failure := Failure{
		Message:   cause.Error(),
		Kind:      failureKind(cause),
		Context:   failureContext(cause),
		CreatedAt: c.clock.Now().UTC(),
	}
	if err := c.store.AddError(ctx, backupID, failure); err != nil {
		c.logger.Error("recording failure failed", "backup", backupID, "error", err)
	}

	if _, err := c.store.Transition(ctx, backupID, StatusFailed, Payload{
		Failure: &FailurePayload{Message: failure.Message, Kind: failure.Kind, Context: failure.Context},
	}); err != nil {
		c.logger.Error("transitioning to failed", "backup", backupID, "error", err)
	}
	return cause
}
