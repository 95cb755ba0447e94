package destination

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"dbackup/internal/backup"
)

// FileSystemDestination stores artifacts as files under a root
// directory, one subdirectory per source:
//
//	<root>/
//	  <sourceID>/
//	    <filename>
type FileSystemDestination struct {
	name string
	root string
}

// NewFileSystemDestination creates a filesystem destination rooted at
// the given path.
func NewFileSystemDestination(name, root string) (*FileSystemDestination, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create destination root: %w", err)
	}
	return &FileSystemDestination{name: name, root: root}, nil
}

func (d *FileSystemDestination) ID() string { return "filesystem-" + d.name }

// Enabled probes that the root exists and is a writable directory.
func (d *FileSystemDestination) Enabled(_ context.Context) bool {
	info, err := os.Stat(d.root)
	if err != nil || !info.IsDir() {
		return false
	}
	probe, err := os.CreateTemp(d.root, ".probe-*")
	if err != nil {
		return false
	}
	probe.Close()
	os.Remove(probe.Name())
	return true
}

func (d *FileSystemDestination) Store(_ context.Context, record *backup.Record, localPath, filename string) (string, error) {
	destDir := filepath.Join(d.root, record.SourceID)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", &backup.FileWriteFailedError{Disk: d.ID(), Path: destDir, Err: err}
	}

	destPath := filepath.Join(destDir, filename)
	if err := d.writeFile(destPath, localPath); err != nil {
		return "", &backup.FileWriteFailedError{Disk: d.ID(), Path: destPath, Err: err}
	}
	return destPath, nil
}

func (d *FileSystemDestination) Delete(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting %s: %w", path, err)
	}
	return nil
}

func (d *FileSystemDestination) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stating %s: %w", path, err)
}

// writeFile copies src to destPath using atomic write (temp file + rename).
func (d *FileSystemDestination) writeFile(destPath, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening artifact: %w", err)
	}
	defer in.Close()

	dir := filepath.Dir(destPath)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmpFile, in); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// Compile-time check that FileSystemDestination implements backup.Destination.
var _ backup.Destination = (*FileSystemDestination)(nil)
