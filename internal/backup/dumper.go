package backup

import "context"

// Connection holds the parameters for reaching a source database.
type Connection struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
}

// Validate fails fast on malformed connection parameters, before any
// network I/O happens.
func (c Connection) Validate() error {
	switch {
	case c.Host == "":
		return &InvalidConfigurationError{Field: "host", Reason: "must not be empty"}
	case c.Database == "":
		return &InvalidConfigurationError{Field: "database", Reason: "must not be empty"}
	case c.Username == "":
		return &InvalidConfigurationError{Field: "username", Reason: "must not be empty"}
	case c.Password == "":
		return &InvalidConfigurationError{Field: "password", Reason: "must not be empty"}
	case c.Port < 1 || c.Port > 65535:
		return &InvalidConfigurationError{Field: "port", Reason: "must be in [1,65535]"}
	}
	return nil
}

// Dumper is the external dump capability: given a connection and a
// table, it produces one dump file. Failures surface as BackupFailed or
// CommandExecutionFailed with context.
type Dumper interface {
	// ListTables enumerates the tables of the source database.
	ListTables(ctx context.Context, conn Connection) ([]string, error)

	// DumpTable dumps a single table into dir and returns the file path.
	// When structureOnly is set, only DDL is dumped, no rows.
	DumpTable(ctx context.Context, conn Connection, table string, structureOnly bool, dir string) (string, error)

	// DumpSchema produces a structure-only dump of the whole database
	// (routines and events included, no data) into dir.
	DumpSchema(ctx context.Context, conn Connection, dir string) (string, error)

	// DatabaseSize returns the source database size in bytes.
	DatabaseSize(ctx context.Context, conn Connection) (int64, error)
}
