package destination

import (
	"context"
	"fmt"
	"os"
	"path"
	"sync"

	"dbackup/internal/backup"
)

// MemoryDestination is an in-memory implementation of the Destination
// interface. Use in tests.
type MemoryDestination struct {
	name string

	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemoryDestination(name string) *MemoryDestination {
	return &MemoryDestination{
		name:    name,
		objects: make(map[string][]byte),
	}
}

func (d *MemoryDestination) ID() string { return "memory-" + d.name }

func (d *MemoryDestination) Enabled(_ context.Context) bool { return true }

func (d *MemoryDestination) Store(_ context.Context, record *backup.Record, localPath, filename string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("reading artifact: %w", err)
	}

	remotePath := path.Join(record.SourceID, filename)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.objects[remotePath] = data
	return remotePath, nil
}

func (d *MemoryDestination) Delete(_ context.Context, p string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.objects, p)
	return nil
}

func (d *MemoryDestination) Exists(_ context.Context, p string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.objects[p]
	return ok, nil
}

// Get returns the stored bytes for a path, for test assertions.
func (d *MemoryDestination) Get(p string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.objects[p]
	return data, ok
}

// Count returns the number of stored objects.
func (d *MemoryDestination) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.objects)
}

// Compile-time check that MemoryDestination implements backup.Destination.
var _ backup.Destination = (*MemoryDestination)(nil)
