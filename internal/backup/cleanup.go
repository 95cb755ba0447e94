package backup

import (
	"context"
	"fmt"
)

// CleanupEngine prunes old backups per the tiered retention policy. It
// deletes stored files through the destination that owns each file and
// never touches record status: pruned records remain as audit entries
// with no retrievable artifact.
type CleanupEngine struct {
	store     Store
	registry  *Registry
	retention RetentionConfig
	logger    Logger
	clock     Clock
}

// sourceBatchSize bounds how many sources an all-sources run loads per
// page.
const sourceBatchSize = 50

func NewCleanupEngine(store Store, registry *Registry, retention RetentionConfig, logger Logger, clock Clock) *CleanupEngine {
	return &CleanupEngine{
		store:     store,
		registry:  registry,
		retention: retention,
		logger:    logger,
		clock:     clock,
	}
}

// Cleanup runs one retention pass for a single source.
func (e *CleanupEngine) Cleanup(ctx context.Context, sourceID string) error {
	candidates, err := e.store.ListPrunable(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("listing retention candidates for %s: %w", sourceID, err)
	}
	if len(candidates) == 0 {
		return nil
	}

	keep, remove := planRetention(e.clock.Now(), e.retention, candidates)
	e.logger.Info("retention pass", "source", sourceID, "candidates", len(candidates), "keep", len(keep), "remove", len(remove))

	for _, record := range remove {
		e.deleteStoredFiles(ctx, record)
	}
	return nil
}

// CleanupAll iterates every source in bounded batches. A failure in one
// source's pass is logged and must not stop the iteration.
func (e *CleanupEngine) CleanupAll(ctx context.Context) error {
	var firstErr error
	for offset := 0; ; offset += sourceBatchSize {
		sources, err := e.store.ListSourceIDs(ctx, offset, sourceBatchSize)
		if err != nil {
			return fmt.Errorf("listing sources: %w", err)
		}
		if len(sources) == 0 {
			break
		}
		for _, sourceID := range sources {
			if err := e.Cleanup(ctx, sourceID); err != nil {
				e.logger.Error("cleanup failed for source", "source", sourceID, "error", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// deleteStoredFiles removes every stored file of a record via the
// destination that wrote it. A failure on one file is logged and
// skipped; it never aborts the rest of the record's files or later
// records in the run.
func (e *CleanupEngine) deleteStoredFiles(ctx context.Context, record *Record) {
	files, err := e.store.FilesForBackup(ctx, record.ID)
	if err != nil {
		e.logger.Error("listing files for pruned backup failed", "backup", record.ID, "error", err)
		return
	}

	for _, file := range files {
		dest := e.registry.Get(file.Disk)
		if dest == nil {
			e.logger.Warn("no destination owns disk, skipping file", "backup", record.ID, "disk", file.Disk, "path", file.Path)
			continue
		}
		if err := dest.Delete(ctx, file.Path); err != nil {
			e.logger.Warn("deleting stored file failed", "backup", record.ID, "disk", file.Disk, "path", file.Path, "error", err)
			continue
		}
		if err := e.store.SoftDeleteFile(ctx, file.ID); err != nil {
			e.logger.Error("soft-deleting file record failed", "backup", record.ID, "file", file.ID, "error", err)
			continue
		}
		e.logger.Info("pruned stored file", "backup", record.ID, "disk", file.Disk, "path", file.Path)
	}
}
