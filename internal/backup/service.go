// Package backup implements the backup orchestration core: the capture
// pipeline, the multi-destination fan-out with bounded retries, the
// status/timeline state machine, and the tiered retention engine.
package backup

import (
	"context"
	"fmt"
)

// Service is the inbound trigger surface used by the CLI and by
// schedule collaborators. Record creation and capture enqueueing are
// separate calls so either can be retried independently.
type Service struct {
	store  Store
	queue  Queue
	logger Logger
	clock  Clock
	idgen  IDGenerator
}

func NewService(store Store, queue Queue, logger Logger, clock Clock, idgen IDGenerator) *Service {
	return &Service{
		store:  store,
		queue:  queue,
		logger: logger,
		clock:  clock,
		idgen:  idgen,
	}
}

// RequestBackup creates a new backup record in pending for the source.
// scheduleID is nil for manual backups.
func (s *Service) RequestBackup(ctx context.Context, sourceID string, scheduleID *string, kind Kind) (*Record, error) {
	record := &Record{
		ID:         s.idgen.New(),
		SourceID:   sourceID,
		ScheduleID: scheduleID,
		Status:     StatusPending,
		Kind:       kind,
		Metadata:   map[string]string{},
		StartedAt:  s.clock.Now().UTC(),
	}
	if err := s.store.CreateBackup(ctx, record); err != nil {
		return nil, fmt.Errorf("creating backup record: %w", err)
	}
	s.logger.Info("backup requested", "backup", record.ID, "source", sourceID, "kind", kind)
	return record, nil
}

// EnqueueCapture publishes the capture job for a pending record.
func (s *Service) EnqueueCapture(ctx context.Context, backupID string) error {
	record, err := s.store.GetBackup(ctx, backupID)
	if err != nil {
		return fmt.Errorf("loading backup %s: %w", backupID, err)
	}
	if record == nil {
		return fmt.Errorf("backup %s not found", backupID)
	}
	if err := s.queue.Enqueue(ctx, TopicCapture, CaptureJob{BackupID: backupID}); err != nil {
		return fmt.Errorf("enqueueing capture: %w", err)
	}
	return nil
}

// EnqueueCleanup publishes a retention pass. An empty sourceID requests
// an all-sources run.
func (s *Service) EnqueueCleanup(ctx context.Context, sourceID string) error {
	if err := s.queue.Enqueue(ctx, TopicCleanup, CleanupJob{SourceID: sourceID}); err != nil {
		return fmt.Errorf("enqueueing cleanup: %w", err)
	}
	return nil
}

// GetBackup returns a backup record by ID.
func (s *Service) GetBackup(ctx context.Context, backupID string) (*Record, error) {
	return s.store.GetBackup(ctx, backupID)
}

// ListBackups returns records for a source, newest first. An empty
// sourceID returns all sources.
func (s *Service) ListBackups(ctx context.Context, sourceID string, limit int) ([]*Record, error) {
	return s.store.ListBackups(ctx, sourceID, limit)
}

// GetTimeline returns the full status timeline for a record, oldest
// first.
func (s *Service) GetTimeline(ctx context.Context, backupID string) ([]*TimelineEntry, error) {
	return s.store.ListTimeline(ctx, backupID)
}

// SetLocked toggles retention immunity for a record.
func (s *Service) SetLocked(ctx context.Context, backupID string, locked bool) error {
	record, err := s.store.GetBackup(ctx, backupID)
	if err != nil {
		return fmt.Errorf("loading backup %s: %w", backupID, err)
	}
	if record == nil {
		return fmt.Errorf("backup %s not found", backupID)
	}
	if err := s.store.SetLocked(ctx, backupID, locked); err != nil {
		return fmt.Errorf("updating lock: %w", err)
	}
	s.logger.Info("backup lock updated", "backup", backupID, "locked", locked)
	return nil
}
