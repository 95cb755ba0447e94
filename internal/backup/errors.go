package backup

import (
	"errors"
	"fmt"
	"strconv"
)

// InvalidConfigurationError reports bad input caught before any network
// or disk I/O. Never retried.
type InvalidConfigurationError struct {
	Field  string
	Reason string
}

func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// ConnectionFailedError reports an unreachable source database.
type ConnectionFailedError struct {
	Host string
	Port int
	Err  error
}

func (e *ConnectionFailedError) Error() string {
	return fmt.Sprintf("connection to %s:%d failed: %v", e.Host, e.Port, e.Err)
}

func (e *ConnectionFailedError) Unwrap() error { return e.Err }

// BackupFailedError reports a capture-stage failure. Capture-stage errors
// always terminate the attempt; there is no partial-capture success.
type BackupFailedError struct {
	Database  string
	Table     string
	Operation string
	Reason    string
	Err       error
}

func (e *BackupFailedError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("backup of %s failed at %s (table %s): %s", e.Database, e.Operation, e.Table, e.Reason)
	}
	return fmt.Sprintf("backup of %s failed at %s: %s", e.Database, e.Operation, e.Reason)
}

func (e *BackupFailedError) Unwrap() error { return e.Err }

// Context returns the structured context map recorded alongside the
// failure so root cause survives in the persisted record.
func (e *BackupFailedError) Context() map[string]string {
	ctx := map[string]string{
		"database":  e.Database,
		"operation": e.Operation,
	}
	if e.Table != "" {
		ctx["table"] = e.Table
	}
	return ctx
}

// FileWriteFailedError reports a staging or destination write failure.
type FileWriteFailedError struct {
	Disk string
	Path string
	Err  error
}

func (e *FileWriteFailedError) Error() string {
	return fmt.Sprintf("writing %s on disk %s failed: %v", e.Path, e.Disk, e.Err)
}

func (e *FileWriteFailedError) Unwrap() error { return e.Err }

// CommandExecutionFailedError reports an external dump process failure
// with its exit code and trailing output.
type CommandExecutionFailedError struct {
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandExecutionFailedError) Error() string {
	return fmt.Sprintf("command %q exited with %d: %s", e.Command, e.ExitCode, e.Output)
}

func (e *CommandExecutionFailedError) Unwrap() error { return e.Err }

// failureKind names the taxonomy entry for an error so it can be stored
// on the record. Wrapped errors are unwrapped to find the domain type.
func failureKind(err error) string {
	var (
		invalid *InvalidConfigurationError
		conn    *ConnectionFailedError
		backup  *BackupFailedError
		write   *FileWriteFailedError
		command *CommandExecutionFailedError
	)
	switch {
	case errors.As(err, &invalid):
		return "InvalidConfiguration"
	case errors.As(err, &conn):
		return "ConnectionFailed"
	case errors.As(err, &backup):
		return "BackupFailed"
	case errors.As(err, &write):
		return "FileWriteFailed"
	case errors.As(err, &command):
		return "CommandExecutionFailed"
	}
	return ""
}

// failureContext extracts the structured context carried by a domain
// error, if any.
func failureContext(err error) map[string]string {
	var backup *BackupFailedError
	if errors.As(err, &backup) {
		return backup.Context()
	}
	var write *FileWriteFailedError
	if errors.As(err, &write) {
		return map[string]string{"disk": write.Disk, "path": write.Path}
	}
	var command *CommandExecutionFailedError
	if errors.As(err, &command) {
		return map[string]string{
			"command":   command.Command,
			"exit_code": strconv.Itoa(command.ExitCode),
		}
	}
	return nil
}
