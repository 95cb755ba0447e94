// Package dump provides the MySQL dump capability: table enumeration
// through the server and per-table dumps through the mysqldump binary.
package dump

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	_ "github.com/go-sql-driver/mysql" // MySQL driver

	"dbackup/internal/backup"
)

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	ExecuteWithEnv(ctx context.Context, env []string, outputPath string, name string, args ...string) error
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// ExecuteWithEnv runs the command and writes its stdout to outputPath.
// A non-zero exit surfaces as CommandExecutionFailed carrying the exit
// code and the command's stderr.
func (e *DefaultExecutor) ExecuteWithEnv(ctx context.Context, env []string, outputPath string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)

	output, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer output.Close()

	var stderr bytes.Buffer
	cmd.Stdout = output
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return &backup.CommandExecutionFailedError{
			Command:  name,
			ExitCode: exitCode,
			Output:   tail(stderr.String(), 1024),
			Err:      err,
		}
	}
	return nil
}

// MySQLDumper implements the backup.Dumper interface for MySQL sources.
type MySQLDumper struct {
	executor CommandExecutor
}

func NewMySQLDumper() *MySQLDumper {
	return &MySQLDumper{executor: &DefaultExecutor{}}
}

// NewMySQLDumperWithExecutor creates a dumper with a custom executor (for testing).
func NewMySQLDumperWithExecutor(executor CommandExecutor) *MySQLDumper {
	return &MySQLDumper{executor: executor}
}

func (d *MySQLDumper) ListTables(ctx context.Context, conn backup.Connection) ([]string, error) {
	db, err := d.open(ctx, conn)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, "SHOW FULL TABLES WHERE Table_type = 'BASE TABLE'")
	if err != nil {
		return nil, &backup.BackupFailedError{
			Database:  conn.Database,
			Operation: "list-tables",
			Reason:    err.Error(),
			Err:       err,
		}
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name, tableType string
		if err := rows.Scan(&name, &tableType); err != nil {
			return nil, fmt.Errorf("scanning table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (d *MySQLDumper) DumpTable(ctx context.Context, conn backup.Connection, table string, structureOnly bool, dir string) (string, error) {
	outputPath := filepath.Join(dir, table+".sql")

	args := d.baseArgs(conn)
	if structureOnly {
		args = append(args, "--no-data")
	}
	args = append(args, conn.Database, table)

	if err := d.executor.ExecuteWithEnv(ctx, d.env(conn), outputPath, "mysqldump", args...); err != nil {
		return "", &backup.BackupFailedError{
			Database:  conn.Database,
			Table:     table,
			Operation: "dump",
			Reason:    err.Error(),
			Err:       err,
		}
	}
	return outputPath, nil
}

func (d *MySQLDumper) DumpSchema(ctx context.Context, conn backup.Connection, dir string) (string, error) {
	outputPath := filepath.Join(dir, conn.Database+"-structure.sql")

	args := d.baseArgs(conn)
	args = append(args, "--no-data", "--routines", "--events", conn.Database)

	if err := d.executor.ExecuteWithEnv(ctx, d.env(conn), outputPath, "mysqldump", args...); err != nil {
		return "", &backup.BackupFailedError{
			Database:  conn.Database,
			Operation: "dump-schema",
			Reason:    err.Error(),
			Err:       err,
		}
	}
	return outputPath, nil
}

func (d *MySQLDumper) DatabaseSize(ctx context.Context, conn backup.Connection) (int64, error) {
	db, err := d.open(ctx, conn)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var size sql.NullInt64
	err = db.QueryRowContext(ctx, `
		SELECT SUM(data_length + index_length)
		FROM information_schema.tables WHERE table_schema = ?`, conn.Database).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("querying database size: %w", err)
	}
	return size.Int64, nil
}

func (d *MySQLDumper) open(ctx context.Context, conn backup.Connection) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s",
		conn.Username, conn.Password, conn.Host, conn.Port, conn.Database)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &backup.ConnectionFailedError{Host: conn.Host, Port: conn.Port, Err: err}
	}
	return db, nil
}

func (d *MySQLDumper) baseArgs(conn backup.Connection) []string {
	return []string{
		"-h", conn.Host,
		"-P", strconv.Itoa(conn.Port),
		"-u", conn.Username,
		"--single-transaction",
		"--skip-lock-tables",
	}
}

// env passes the password out of band so it never shows up in the
// process list.
func (d *MySQLDumper) env(conn backup.Connection) []string {
	return []string{"MYSQL_PWD=" + conn.Password}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Compile-time check that MySQLDumper implements backup.Dumper.
var _ backup.Dumper = (*MySQLDumper)(nil)
