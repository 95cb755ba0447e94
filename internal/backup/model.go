package backup

import "time"

// Kind distinguishes operator-triggered backups from scheduled ones.
type Kind string

const (
	KindManual    Kind = "manual"
	KindAutomated Kind = "automated"
)

// Record is one backup attempt for a source database. Records are
// append-only audit entries: they are never hard-deleted, only their
// stored files are. Status moves through the state machine in status.go.
type Record struct {
	ID          string
	SourceID    string
	ScheduleID  *string // set when the backup was triggered by a schedule
	Status      Status
	Kind        Kind
	Disk        *string // staging disk identifier, nil until first write
	Filename    *string
	Path        *string
	Size        *int64
	Warnings    []Note
	Errors      []Failure
	Metadata    map[string]string
	StartedAt   time.Time
	CompletedAt *time.Time
	Locked      bool // locked records are immune to retention deletion
}

// Note is a structured non-fatal observation recorded on a backup.
type Note struct {
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Failure is a structured failure recorded on a backup. Kind holds the
// error taxonomy name so root cause is reconstructable from the record
// alone.
type Failure struct {
	Message   string            `json:"message"`
	Kind      string            `json:"kind,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// TimelineEntry is one immutable fact about a record's progress. Entries
// are append-only and ordered by creation time; only the most recent
// storing_to_destinations entry is updated in place while destination
// retries are in flight.
type TimelineEntry struct {
	ID        string
	BackupID  string
	Status    Status
	Payload   Payload
	CreatedAt time.Time
}

// Payload carries status-specific timeline metadata as a union of typed
// variants. At most one variant is set per entry; Extra is the open
// extension point for future status-specific fields.
type Payload struct {
	BackupReady  *BackupReadyPayload             `json:"backup_ready,omitempty"`
	Destinations map[string]*DestinationProgress `json:"destinations,omitempty"`
	Failure      *FailurePayload                 `json:"failure,omitempty"`
	Extra        map[string]string               `json:"extra,omitempty"`
}

// BackupReadyPayload records the destination set the fan-out will ship
// to. This list is the authoritative expected set for completion
// detection.
type BackupReadyPayload struct {
	DestinationIDs []string `json:"destination_ids"`
}

// FailurePayload mirrors the Failure recorded on the record for terminal
// failed entries.
type FailurePayload struct {
	Message string            `json:"message"`
	Kind    string            `json:"kind,omitempty"`
	Context map[string]string `json:"context,omitempty"`
}

// DestinationProgress is the per-destination sub-lifecycle state inside a
// storing_to_destinations timeline entry. Each destination owns its own
// key in the payload map, so concurrent store units never clobber each
// other's fields. The top-level fields describe the current attempt;
// History keeps the final state of every earlier attempt, oldest first,
// so a destination that eventually succeeds still shows the retries it
// took to get there.
type DestinationProgress struct {
	Attempt        int                   `json:"attempt"`
	Running        bool                  `json:"running"`
	RetryScheduled bool                  `json:"retry_scheduled"`
	RetryDelaySecs int                   `json:"retry_delay_secs,omitempty"`
	Succeeded      *bool                 `json:"succeeded,omitempty"`
	Path           string                `json:"path,omitempty"`
	Error          string                `json:"error,omitempty"`
	UpdatedAt      time.Time             `json:"updated_at"`
	History        []DestinationProgress `json:"history,omitempty"`
}

// MergeDestinationProgress folds one destination's new progress into the
// payload. A write for the same attempt updates the current state in
// place; a write for a later attempt archives the previous attempt's
// final state into History first.
func (p *Payload) MergeDestinationProgress(destinationID string, progress *DestinationProgress) {
	if p.Destinations == nil {
		p.Destinations = make(map[string]*DestinationProgress)
	}
	if existing := p.Destinations[destinationID]; existing != nil {
		if progress.Attempt > existing.Attempt {
			prior := *existing
			prior.History = nil
			progress.History = append(existing.History, prior)
		} else {
			progress.History = existing.History
		}
	}
	p.Destinations[destinationID] = progress
}

// TerminalOutcome reports whether this destination has reached a terminal
// result: success, or failure with no retry scheduled and none running.
func (p *DestinationProgress) TerminalOutcome() bool {
	if p.Succeeded == nil {
		return false
	}
	if *p.Succeeded {
		return true
	}
	return !p.RetryScheduled && !p.Running
}

// DestinationOutcome is the per-destination terminal result used for
// aggregation. Derived from timeline state, never persisted on its own.
type DestinationOutcome struct {
	DestinationID string
	Success       bool
	Path          string
	Error         string
	Retries       int
}

// OwnerKind tags the entity a stored file belongs to.
type OwnerKind string

const OwnerBackup OwnerKind = "backup"

// File is a stored artifact location record. Logical deletion is a soft
// delete; bytes are removed from storage by the destination that wrote
// them.
type File struct {
	ID        string
	OwnerKind OwnerKind
	OwnerID   string
	Disk      string
	Path      string
	Size      int64
	Checksum  string
	CreatedAt time.Time
	DeletedAt *time.Time
}

// RetentionConfig defines five sequential, non-overlapping time windows
// measured backward from now. Backups inside the keep-all window are
// untouched; the four grouping windows each keep one backup per calendar
// bucket; anything older than all five is deleted.
type RetentionConfig struct {
	KeepAllDays       int
	KeepDailyDays     int
	KeepWeeklyWeeks   int
	KeepMonthlyMonths int
	KeepYearlyYears   int
}

// DefaultRetention mirrors the documented default policy.
func DefaultRetention() RetentionConfig {
	return RetentionConfig{
		KeepAllDays:       30,
		KeepDailyDays:     60,
		KeepWeeklyWeeks:   8,
		KeepMonthlyMonths: 6,
		KeepYearlyYears:   1,
	}
}
