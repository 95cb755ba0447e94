package backup

import "context"

// Store provides persistence for backup records, their timelines, and
// stored-file records. All methods must be safe for concurrent use:
// multiple destination units race to update the same record, so
// implementations perform read-modify-write inside a transaction.
type Store interface {
	// Record operations

	// CreateBackup persists a new record. The record must be in pending
	// with a matching timeline entry created in the same transaction.
	CreateBackup(ctx context.Context, record *Record) error

	// GetBackup returns a record by ID, or nil if not found.
	GetBackup(ctx context.Context, id string) (*Record, error)

	// Transition moves a record to the given status and appends the
	// corresponding timeline entry atomically. Returns false without
	// error when the record is already in a terminal state (the
	// idempotent finalize guard) and an error on an invalid transition.
	Transition(ctx context.Context, backupID string, to Status, payload Payload) (bool, error)

	// SetArtifact records the staged artifact location on the record.
	SetArtifact(ctx context.Context, backupID, disk, filename, path string, size int64) error

	// AddWarning appends a structured note to the record.
	AddWarning(ctx context.Context, backupID string, note Note) error

	// AddError appends a structured failure to the record.
	AddError(ctx context.Context, backupID string, failure Failure) error

	// SetMetadata merges the given keys into the record's metadata map.
	SetMetadata(ctx context.Context, backupID string, meta map[string]string) error

	// SetLocked toggles retention immunity for a record.
	SetLocked(ctx context.Context, backupID string, locked bool) error

	// ListBackups returns records for a source, newest first. A zero
	// limit means no limit. An empty sourceID returns all sources.
	ListBackups(ctx context.Context, sourceID string, limit int) ([]*Record, error)

	// ListPrunable returns retention candidates for a source: records in
	// completed or partially_failed that are not locked, newest first.
	ListPrunable(ctx context.Context, sourceID string) ([]*Record, error)

	// ListSourceIDs pages through the distinct source IDs that have at
	// least one backup record.
	ListSourceIDs(ctx context.Context, offset, limit int) ([]string, error)

	// Timeline operations

	// ListTimeline returns all entries for a record, oldest first.
	ListTimeline(ctx context.Context, backupID string) ([]*TimelineEntry, error)

	// LatestEntryForStatus returns the most recent entry with the given
	// status, or nil if none exists.
	LatestEntryForStatus(ctx context.Context, backupID string, status Status) (*TimelineEntry, error)

	// UpdateDestinationProgress merges the given progress into the
	// destination's own key of the latest storing_to_destinations
	// entry's payload, in place. Each destination writes only its own
	// subkey, so concurrent writers do not clobber each other.
	UpdateDestinationProgress(ctx context.Context, backupID, destinationID string, progress *DestinationProgress) error

	// File operations

	// CreateFile records a stored artifact location.
	CreateFile(ctx context.Context, file *File) error

	// FilesForBackup returns the non-deleted files attached to a record.
	FilesForBackup(ctx context.Context, backupID string) ([]*File, error)

	// SoftDeleteFile marks a file as logically deleted.
	SoftDeleteFile(ctx context.Context, fileID string) error

	// Close closes the underlying database connection.
	Close() error
}
