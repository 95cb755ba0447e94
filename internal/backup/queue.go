package backup

import (
	"context"
	"time"
)

// Job topics. Each is an independently schedulable, retryable unit of
// work with its own worker handler.
const (
	TopicCapture = "backup.capture"
	TopicStore   = "backup.store"
	TopicCleanup = "backup.cleanup"
)

// CaptureJob asks a worker to run the capture pipeline for a record.
type CaptureJob struct {
	BackupID string `json:"backup_id"`
}

// StoreJob asks a worker to attempt one destination store. Attempt is
// zero-based; a retry carries the incremented attempt and is only
// published after the prior attempt's outcome is durably recorded, which
// keeps attempts for the same (backup, destination) pair strictly
// sequential.
type StoreJob struct {
	BackupID      string `json:"backup_id"`
	DestinationID string `json:"destination_id"`
	Artifact      string `json:"artifact"`
	Filename      string `json:"filename"`
	Attempt       int    `json:"attempt"`
}

// CleanupJob asks a worker to run a retention pass. An empty SourceID
// means all sources.
type CleanupJob struct {
	SourceID string `json:"source_id,omitempty"`
}

// Queue is the delayed-enqueue primitive the Coordinator schedules work
// on. The queue owns timing: a delayed job becomes eligible to run only
// after the delay elapses.
type Queue interface {
	Enqueue(ctx context.Context, topic string, job any) error
	EnqueueIn(ctx context.Context, delay time.Duration, topic string, job any) error
}
