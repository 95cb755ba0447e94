package testutil

import (
	"testing"

	"dbackup/internal/backup"
	"dbackup/internal/store"
)

// NewTestStore creates a new in-memory SQLite store with schema applied.
// The store is automatically closed when the test completes.
func NewTestStore(t *testing.T, clock backup.Clock, idgen backup.IDGenerator) *store.SQLiteStore {
	t.Helper()

	if clock == nil {
		clock = FixedClock()
	}
	if idgen == nil {
		idgen = NewStubIDGenerator()
	}

	st, err := store.NewSQLiteStore(":memory:", clock, idgen)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	if err := st.MigrateUp(); err != nil {
		st.Close()
		t.Fatalf("failed to apply migrations: %v", err)
	}

	t.Cleanup(func() {
		st.Close()
	})

	return st
}
