package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Coordinator drives the per-destination store units for a finished
// artifact. Each unit progresses independently; failed units are retried
// with exponential backoff up to maxRetries total attempts. Whichever
// unit observes the last terminal outcome computes the aggregate result
// and finalizes the record.
type Coordinator struct {
	store        Store
	registry     *Registry
	queue        Queue
	maxRetries   int
	backoffUnit  time.Duration
	storeTimeout time.Duration
	logger       Logger
	clock        Clock
	idgen        IDGenerator
}

const (
	// DefaultMaxRetries bounds store attempts per destination: the first
	// attempt plus up to two retries.
	DefaultMaxRetries = 3

	// DefaultStoreTimeout caps the wall clock of a single store attempt
	// so a stuck destination cannot leak a worker indefinitely.
	DefaultStoreTimeout = 15 * time.Minute
)

func NewCoordinator(store Store, registry *Registry, queue Queue, maxRetries int, backoffUnit, storeTimeout time.Duration, logger Logger, clock Clock, idgen IDGenerator) *Coordinator {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if storeTimeout <= 0 {
		storeTimeout = DefaultStoreTimeout
	}
	return &Coordinator{
		store:        store,
		registry:     registry,
		queue:        queue,
		maxRetries:   maxRetries,
		backoffUnit:  backoffUnit,
		storeTimeout: storeTimeout,
		logger:       logger,
		clock:        clock,
		idgen:        idgen,
	}
}

// Dispatch runs one store attempt for one destination. Completion of the
// whole backup is re-evaluated exactly once on every exit path, even
// when the destination work failed, because the last destination to
// reach a terminal outcome is the one that finalizes the record.
func (co *Coordinator) Dispatch(ctx context.Context, job StoreJob) error {
	record, err := co.store.GetBackup(ctx, job.BackupID)
	if err != nil {
		return fmt.Errorf("loading backup %s: %w", job.BackupID, err)
	}
	if record == nil {
		return fmt.Errorf("backup %s not found", job.BackupID)
	}
	if record.Status.Terminal() {
		co.logger.Warn("store dispatch on finalized backup ignored", "backup", job.BackupID, "destination", job.DestinationID)
		return nil
	}

	defer func() {
		if err := co.evaluateCompletion(ctx, job.BackupID); err != nil {
			co.logger.Error("completion evaluation failed", "backup", job.BackupID, "error", err)
		}
	}()

	// Mark the unit as started first, clearing any stale retry-scheduled
	// flag, so completion detection never misreads a scheduled retry as
	// already running.
	if err := co.store.UpdateDestinationProgress(ctx, job.BackupID, job.DestinationID, &DestinationProgress{
		Attempt:   job.Attempt,
		Running:   true,
		UpdatedAt: co.clock.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("recording store start: %w", err)
	}

	dest := co.registry.Get(job.DestinationID)
	if dest == nil {
		co.recordFinalFailure(ctx, job, fmt.Errorf("destination %s is not registered", job.DestinationID))
		return nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, co.storeTimeout)
	remotePath, storeErr := dest.Store(storeCtx, record, job.Artifact, job.Filename)
	cancel()

	if storeErr == nil {
		co.recordSuccess(ctx, job, record, remotePath)
		return nil
	}

	co.logger.Warn("destination store failed", "backup", job.BackupID, "destination", job.DestinationID, "attempt", job.Attempt, "error", storeErr)

	if willRetry := job.Attempt < co.maxRetries-1; willRetry {
		co.scheduleRetry(ctx, job, storeErr)
	} else {
		co.recordFinalFailure(ctx, job, storeErr)
	}
	return nil
}

func (co *Coordinator) recordSuccess(ctx context.Context, job StoreJob, record *Record, remotePath string) {
	var size int64
	if record.Size != nil {
		size = *record.Size
	}
	file := &File{
		ID:        co.idgen.New(),
		OwnerKind: OwnerBackup,
		OwnerID:   job.BackupID,
		Disk:      job.DestinationID,
		Path:      remotePath,
		Size:      size,
		Checksum:  record.Metadata["checksum"],
		CreatedAt: co.clock.Now().UTC(),
	}
	if err := co.store.CreateFile(ctx, file); err != nil {
		co.logger.Error("recording stored file failed", "backup", job.BackupID, "destination", job.DestinationID, "error", err)
	}

	succeeded := true
	if err := co.store.UpdateDestinationProgress(ctx, job.BackupID, job.DestinationID, &DestinationProgress{
		Attempt:   job.Attempt,
		Succeeded: &succeeded,
		Path:      remotePath,
		UpdatedAt: co.clock.Now().UTC(),
	}); err != nil {
		co.logger.Error("recording store success failed", "backup", job.BackupID, "destination", job.DestinationID, "error", err)
		return
	}
	co.logger.Info("destination store succeeded", "backup", job.BackupID, "destination", job.DestinationID, "path", remotePath, "attempt", job.Attempt)
}

// scheduleRetry records the retry-scheduled fact, then hands the delayed
// re-dispatch to the queue. The outcome is durably recorded before the
// retry is published, which keeps attempts for one destination strictly
// sequential.
func (co *Coordinator) scheduleRetry(ctx context.Context, job StoreJob, cause error) {
	delay := co.backoffUnit * (1 << job.Attempt)
	if err := co.store.UpdateDestinationProgress(ctx, job.BackupID, job.DestinationID, &DestinationProgress{
		Attempt:        job.Attempt,
		RetryScheduled: true,
		RetryDelaySecs: int(delay / time.Second),
		Error:          cause.Error(),
		UpdatedAt:      co.clock.Now().UTC(),
	}); err != nil {
		co.logger.Error("recording retry failed", "backup", job.BackupID, "destination", job.DestinationID, "error", err)
		return
	}

	retry := job
	retry.Attempt++
	if err := co.queue.EnqueueIn(ctx, delay, TopicStore, retry); err != nil {
		co.logger.Error("enqueueing retry failed", "backup", job.BackupID, "destination", job.DestinationID, "error", err)
		return
	}
	co.logger.Info("destination retry scheduled", "backup", job.BackupID, "destination", job.DestinationID, "attempt", retry.Attempt, "delay", delay)
}

func (co *Coordinator) recordFinalFailure(ctx context.Context, job StoreJob, cause error) {
	succeeded := false
	if err := co.store.UpdateDestinationProgress(ctx, job.BackupID, job.DestinationID, &DestinationProgress{
		Attempt:   job.Attempt,
		Succeeded: &succeeded,
		Error:     cause.Error(),
		UpdatedAt: co.clock.Now().UTC(),
	}); err != nil {
		co.logger.Error("recording final failure failed", "backup", job.BackupID, "destination", job.DestinationID, "error", err)
		return
	}
	co.logger.Error("destination store failed permanently", "backup", job.BackupID, "destination", job.DestinationID, "attempts", job.Attempt+1, "error", cause)
}

// evaluateCompletion checks whether every destination in the expected
// set recorded at backup_ready has reached a terminal outcome, and if so
// computes the aggregate result. The terminal transition is guarded by
// the store, so two destinations finishing near-simultaneously produce
// exactly one terminal entry; only the winning evaluation releases the
// staged artifact.
func (co *Coordinator) evaluateCompletion(ctx context.Context, backupID string) error {
	ready, err := co.store.LatestEntryForStatus(ctx, backupID, StatusBackupReady)
	if err != nil {
		return fmt.Errorf("reading backup_ready entry: %w", err)
	}
	if ready == nil || ready.Payload.BackupReady == nil {
		return fmt.Errorf("backup %s has no recorded destination set", backupID)
	}
	expected := ready.Payload.BackupReady.DestinationIDs

	storing, err := co.store.LatestEntryForStatus(ctx, backupID, StatusStoringToDestinations)
	if err != nil {
		return fmt.Errorf("reading storing entry: %w", err)
	}
	if storing == nil {
		return fmt.Errorf("backup %s has no storing_to_destinations entry", backupID)
	}

	outcomes := make([]DestinationOutcome, 0, len(expected))
	for _, id := range expected {
		progress := storing.Payload.Destinations[id]
		if progress == nil || !progress.TerminalOutcome() {
			return nil // not done yet
		}
		outcomes = append(outcomes, DestinationOutcome{
			DestinationID: id,
			Success:       progress.Succeeded != nil && *progress.Succeeded,
			Path:          progress.Path,
			Error:         progress.Error,
			Retries:       progress.Attempt,
		})
	}

	return co.finalize(ctx, backupID, outcomes)
}

func (co *Coordinator) finalize(ctx context.Context, backupID string, outcomes []DestinationOutcome) error {
	var succeeded, failed []DestinationOutcome
	for _, o := range outcomes {
		if o.Success {
			succeeded = append(succeeded, o)
		} else {
			failed = append(failed, o)
		}
	}

	var target Status
	var payload Payload
	switch {
	case len(succeeded) == 0:
		target = StatusFailed
		payload.Failure = &FailurePayload{
			Message: fmt.Sprintf("all destinations failed: %d of %d", len(failed), len(outcomes)),
		}
	case len(failed) == 0:
		target = StatusCompleted
	default:
		target = StatusPartiallyFailed
	}

	applied, err := co.store.Transition(ctx, backupID, target, payload)
	if err != nil {
		return fmt.Errorf("finalizing backup: %w", err)
	}
	if !applied {
		return nil // another unit finalized first
	}

	switch target {
	case StatusFailed:
		if err := co.store.AddError(ctx, backupID, Failure{
			Message:   payload.Failure.Message,
			Context:   failedDestinationContext(failed),
			CreatedAt: co.clock.Now().UTC(),
		}); err != nil {
			co.logger.Error("recording aggregate failure failed", "backup", backupID, "error", err)
		}
	case StatusPartiallyFailed:
		if err := co.store.AddWarning(ctx, backupID, Note{
			Message:   fmt.Sprintf("%d of %d destinations failed", len(failed), len(outcomes)),
			Context:   failedDestinationContext(failed),
			CreatedAt: co.clock.Now().UTC(),
		}); err != nil {
			co.logger.Error("recording aggregate warning failed", "backup", backupID, "error", err)
		}
	}

	if err := co.store.SetMetadata(ctx, backupID, map[string]string{
		"destinations_succeeded": strconv.Itoa(len(succeeded)),
		"destinations_failed":    strconv.Itoa(len(failed)),
	}); err != nil {
		co.logger.Error("recording aggregate metadata failed", "backup", backupID, "error", err)
	}

	co.releaseArtifact(ctx, backupID)

	co.logger.Info("backup finalized", "backup", backupID, "status", target, "succeeded", len(succeeded), "failed", len(failed))
	return nil
}

// releaseArtifact removes the staged artifact and its scratch directory.
// This runs only in the single winning finalize, never mid-retry, since
// a pending retry still needs the local artifact.
func (co *Coordinator) releaseArtifact(ctx context.Context, backupID string) {
	record, err := co.store.GetBackup(ctx, backupID)
	if err != nil || record == nil || record.Path == nil || record.Disk == nil || *record.Disk != StagingDisk {
		return
	}
	scratch := filepath.Dir(*record.Path)
	if err := os.RemoveAll(scratch); err != nil {
		co.logger.Warn("removing staged artifact failed", "backup", backupID, "path", scratch, "error", err)
	}
}

func failedDestinationContext(failed []DestinationOutcome) map[string]string {
	if len(failed) == 0 {
		return nil
	}
	ids := make([]string, len(failed))
	ctx := make(map[string]string, len(failed)+1)
	for i, o := range failed {
		ids[i] = o.DestinationID
		ctx["error."+o.DestinationID] = o.Error
	}
	sort.Strings(ids)
	ctx["destinations"] = strings.Join(ids, ",")
	return ctx
}
