package testutil

import (
	"context"
	"fmt"
	"sync"

	"dbackup/internal/backup"
)

// ScriptedDestination is an in-memory destination whose first FailCount
// store attempts fail. After that, stores succeed and are recorded.
type ScriptedDestination struct {
	name      string
	FailCount int
	Disabled  bool

	mu       sync.Mutex
	attempts int
	stored   map[string]string // remote path -> local path
	deleted  []string
}

func NewScriptedDestination(name string) *ScriptedDestination {
	return &ScriptedDestination{
		name:   name,
		stored: make(map[string]string),
	}
}

func (d *ScriptedDestination) ID() string { return "scripted-" + d.name }

func (d *ScriptedDestination) Enabled(_ context.Context) bool { return !d.Disabled }

func (d *ScriptedDestination) Store(_ context.Context, record *backup.Record, localPath, filename string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.attempts++
	if d.attempts <= d.FailCount {
		return "", fmt.Errorf("scripted failure %d", d.attempts)
	}

	remote := d.name + "/" + record.SourceID + "/" + filename
	d.stored[remote] = localPath
	return remote, nil
}

func (d *ScriptedDestination) Delete(_ context.Context, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.stored[path]; !ok {
		return fmt.Errorf("no stored artifact at %s", path)
	}
	delete(d.stored, path)
	d.deleted = append(d.deleted, path)
	return nil
}

func (d *ScriptedDestination) Exists(_ context.Context, path string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.stored[path]
	return ok, nil
}

// Attempts returns the number of Store calls seen so far.
func (d *ScriptedDestination) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

// StoredCount returns the number of artifacts currently held.
func (d *ScriptedDestination) StoredCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.stored)
}

// Deleted returns the remote paths deleted so far, in order.
func (d *ScriptedDestination) Deleted() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.deleted...)
}

var _ backup.Destination = (*ScriptedDestination)(nil)
