package backup

// Status is the lifecycle state of a backup record.
type Status string

const (
	StatusPending               Status = "pending"
	StatusRunning               Status = "running"
	StatusBackupReady           Status = "backup_ready"
	StatusStoringToDestinations Status = "storing_to_destinations"
	StatusCompleted             Status = "completed"
	StatusPartiallyFailed       Status = "partially_failed"
	StatusFailed                Status = "failed"
)

// Terminal reports whether no further automatic transition occurs from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartiallyFailed, StatusFailed:
		return true
	}
	return false
}

// transitions maps each status to the set of statuses reachable from it.
// failed is reachable from every non-terminal status on unrecoverable error.
var transitions = map[Status][]Status{
	StatusPending:               {StatusRunning, StatusFailed},
	StatusRunning:               {StatusBackupReady, StatusFailed},
	StatusBackupReady:           {StatusStoringToDestinations, StatusFailed},
	StatusStoringToDestinations: {StatusCompleted, StatusPartiallyFailed, StatusFailed},
}

// CanTransition reports whether moving from one status to another is a
// valid step through the state machine. Terminal states have no exits;
// re-running a backup creates a new record instead.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
