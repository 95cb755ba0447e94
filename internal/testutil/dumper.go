package testutil

import (
	"context"
	"os"
	"path/filepath"

	"dbackup/internal/backup"
)

// StubDumper produces canned dump files without touching a real
// database. Zero-value fields behave sensibly: every listed table dumps
// a small payload and the schema dump succeeds.
type StubDumper struct {
	Tables    []string
	TableData map[string][]byte // overrides the default per-table payload

	ListErr   error
	TableErrs map[string]error // per-table dump failures
	SchemaErr error
	Size      int64
	SizeErr   error
}

func NewStubDumper(tables ...string) *StubDumper {
	return &StubDumper{Tables: tables, Size: 4096}
}

func (d *StubDumper) ListTables(_ context.Context, _ backup.Connection) ([]string, error) {
	if d.ListErr != nil {
		return nil, d.ListErr
	}
	return append([]string{}, d.Tables...), nil
}

func (d *StubDumper) DumpTable(_ context.Context, conn backup.Connection, table string, structureOnly bool, dir string) (string, error) {
	if err, ok := d.TableErrs[table]; ok {
		return "", err
	}

	data, ok := d.TableData[table]
	if !ok {
		data = []byte("-- dump of " + table + "\n")
		if structureOnly {
			data = []byte("-- schema of " + table + "\n")
		}
	}

	path := filepath.Join(dir, conn.Database+"-"+table+".sql")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}

func (d *StubDumper) DumpSchema(_ context.Context, conn backup.Connection, dir string) (string, error) {
	if d.SchemaErr != nil {
		return "", d.SchemaErr
	}
	path := filepath.Join(dir, conn.Database+"-schema.sql")
	if err := os.WriteFile(path, []byte("-- full schema\n"), 0644); err != nil {
		return "", err
	}
	return path, nil
}

func (d *StubDumper) DatabaseSize(_ context.Context, _ backup.Connection) (int64, error) {
	if d.SizeErr != nil {
		return 0, d.SizeErr
	}
	return d.Size, nil
}

var _ backup.Dumper = (*StubDumper)(nil)
