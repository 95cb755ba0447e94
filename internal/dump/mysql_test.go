package dump

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"dbackup/internal/backup"
)

// mockExecutor records every invocation and optionally fails.
type mockExecutor struct {
	calls []mockCall
	err   error
}

type mockCall struct {
	env        []string
	outputPath string
	name       string
	args       []string
}

func (m *mockExecutor) ExecuteWithEnv(_ context.Context, env []string, outputPath string, name string, args ...string) error {
	m.calls = append(m.calls, mockCall{env: env, outputPath: outputPath, name: name, args: args})
	return m.err
}

func testConn() backup.Connection {
	return backup.Connection{
		Host:     "db.internal",
		Port:     3307,
		Database: "app",
		Username: "backup",
		Password: "secret",
	}
}

func TestMySQLDumper_DumpTable(t *testing.T) {
	ctx := context.Background()

	t.Run("builds a consistent-snapshot mysqldump invocation", func(t *testing.T) {
		exec := &mockExecutor{}
		d := NewMySQLDumperWithExecutor(exec)
		dir := t.TempDir()

		path, err := d.DumpTable(ctx, testConn(), "users", false, dir)
		if err != nil {
			t.Fatalf("DumpTable() error = %v", err)
		}
		if path != filepath.Join(dir, "users.sql") {
			t.Errorf("path = %s", path)
		}

		if len(exec.calls) != 1 {
			t.Fatalf("calls = %d, want 1", len(exec.calls))
		}
		call := exec.calls[0]
		if call.name != "mysqldump" {
			t.Errorf("command = %s, want mysqldump", call.name)
		}
		want := []string{
			"-h", "db.internal",
			"-P", "3307",
			"-u", "backup",
			"--single-transaction",
			"--skip-lock-tables",
			"app", "users",
		}
		if !slices.Equal(call.args, want) {
			t.Errorf("args = %v, want %v", call.args, want)
		}
		if slices.Contains(call.args, "secret") {
			t.Error("password leaked into command arguments")
		}
		if !slices.Contains(call.env, "MYSQL_PWD=secret") {
			t.Errorf("env = %v, want MYSQL_PWD set", call.env)
		}
	})

	t.Run("structure-only adds --no-data", func(t *testing.T) {
		exec := &mockExecutor{}
		d := NewMySQLDumperWithExecutor(exec)

		if _, err := d.DumpTable(ctx, testConn(), "audit_log", true, t.TempDir()); err != nil {
			t.Fatalf("DumpTable() error = %v", err)
		}
		args := exec.calls[0].args
		if !slices.Contains(args, "--no-data") {
			t.Errorf("args = %v, want --no-data", args)
		}
		// Table name stays last.
		if args[len(args)-1] != "audit_log" {
			t.Errorf("last arg = %s, want audit_log", args[len(args)-1])
		}
	})

	t.Run("executor failure wraps into a backup failure", func(t *testing.T) {
		cmdErr := &backup.CommandExecutionFailedError{Command: "mysqldump", ExitCode: 2, Output: "Access denied"}
		exec := &mockExecutor{err: cmdErr}
		d := NewMySQLDumperWithExecutor(exec)

		_, err := d.DumpTable(ctx, testConn(), "users", false, t.TempDir())
		if err == nil {
			t.Fatal("DumpTable() error = nil, want error")
		}

		var bf *backup.BackupFailedError
		if !errors.As(err, &bf) {
			t.Fatalf("error type = %T, want BackupFailedError", err)
		}
		if bf.Table != "users" || bf.Operation != "dump" {
			t.Errorf("failure = %+v", bf)
		}
		var ce *backup.CommandExecutionFailedError
		if !errors.As(err, &ce) || ce.ExitCode != 2 {
			t.Errorf("wrapped command error not preserved: %v", err)
		}
	})
}

func TestMySQLDumper_DumpSchema(t *testing.T) {
	ctx := context.Background()

	t.Run("dumps structure with routines and events", func(t *testing.T) {
		exec := &mockExecutor{}
		d := NewMySQLDumperWithExecutor(exec)
		dir := t.TempDir()

		path, err := d.DumpSchema(ctx, testConn(), dir)
		if err != nil {
			t.Fatalf("DumpSchema() error = %v", err)
		}
		if !strings.HasSuffix(path, "app-structure.sql") {
			t.Errorf("path = %s, want *-structure.sql", path)
		}

		args := exec.calls[0].args
		for _, flag := range []string{"--no-data", "--routines", "--events"} {
			if !slices.Contains(args, flag) {
				t.Errorf("args = %v, want %s", args, flag)
			}
		}
		if args[len(args)-1] != "app" {
			t.Errorf("last arg = %s, want database name", args[len(args)-1])
		}
	})
}

func TestTail(t *testing.T) {
	if got := tail("abcdef", 4); got != "cdef" {
		t.Errorf("tail() = %q, want cdef", got)
	}
	if got := tail("ab", 4); got != "ab" {
		t.Errorf("tail() = %q, want ab", got)
	}
}
