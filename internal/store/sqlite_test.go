package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"dbackup/internal/backup"
	"dbackup/internal/testutil"
)

func createPending(t *testing.T, st backup.Store, id, sourceID string) {
	t.Helper()
	err := st.CreateBackup(context.Background(), &backup.Record{
		ID:        id,
		SourceID:  sourceID,
		Status:    backup.StatusPending,
		Kind:      backup.KindManual,
		StartedAt: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateBackup(%s) error = %v", id, err)
	}
}

func advance(t *testing.T, st backup.Store, id string, statuses ...backup.Status) {
	t.Helper()
	for _, status := range statuses {
		if _, err := st.Transition(context.Background(), id, status, backup.Payload{}); err != nil {
			t.Fatalf("transition %s to %s: %v", id, status, err)
		}
	}
}

func TestSQLiteStore_Transition(t *testing.T) {
	ctx := context.Background()

	t.Run("appends a timeline entry per transition", func(t *testing.T) {
		st := testutil.NewTestStore(t, nil, nil)
		createPending(t, st, "bk-1", "db1")

		applied, err := st.Transition(ctx, "bk-1", backup.StatusRunning, backup.Payload{})
		if err != nil {
			t.Fatalf("Transition() error = %v", err)
		}
		if !applied {
			t.Fatal("Transition() applied = false, want true")
		}

		timeline, err := st.ListTimeline(ctx, "bk-1")
		if err != nil {
			t.Fatalf("ListTimeline() error = %v", err)
		}
		if len(timeline) != 2 {
			t.Fatalf("len(timeline) = %d, want 2", len(timeline))
		}
		if timeline[0].Status != backup.StatusPending || timeline[1].Status != backup.StatusRunning {
			t.Errorf("timeline statuses = %s, %s", timeline[0].Status, timeline[1].Status)
		}
	})

	t.Run("rejects invalid transitions", func(t *testing.T) {
		st := testutil.NewTestStore(t, nil, nil)
		createPending(t, st, "bk-1", "db1")

		if _, err := st.Transition(ctx, "bk-1", backup.StatusCompleted, backup.Payload{}); err == nil {
			t.Fatal("Transition(pending -> completed) error = nil, want error")
		}
	})

	t.Run("terminal guard returns false without error", func(t *testing.T) {
		st := testutil.NewTestStore(t, nil, nil)
		createPending(t, st, "bk-1", "db1")
		advance(t, st, "bk-1", backup.StatusRunning, backup.StatusBackupReady,
			backup.StatusStoringToDestinations, backup.StatusCompleted)

		applied, err := st.Transition(ctx, "bk-1", backup.StatusFailed, backup.Payload{})
		if err != nil {
			t.Fatalf("Transition() error = %v", err)
		}
		if applied {
			t.Error("Transition() applied = true on terminal record, want false")
		}

		record, err := st.GetBackup(ctx, "bk-1")
		if err != nil {
			t.Fatalf("GetBackup() error = %v", err)
		}
		if record.Status != backup.StatusCompleted {
			t.Errorf("status = %s, want completed", record.Status)
		}
	})

	t.Run("terminal transition sets completed_at", func(t *testing.T) {
		clock := testutil.FixedClock()
		st := testutil.NewTestStore(t, clock, nil)
		createPending(t, st, "bk-1", "db1")
		advance(t, st, "bk-1", backup.StatusRunning, backup.StatusFailed)

		record, err := st.GetBackup(ctx, "bk-1")
		if err != nil {
			t.Fatalf("GetBackup() error = %v", err)
		}
		if record.CompletedAt == nil {
			t.Fatal("CompletedAt = nil, want set")
		}
		if !record.CompletedAt.Equal(clock.Now().UTC()) {
			t.Errorf("CompletedAt = %v, want %v", record.CompletedAt, clock.Now().UTC())
		}
	})

	t.Run("unknown backup errors", func(t *testing.T) {
		st := testutil.NewTestStore(t, nil, nil)
		if _, err := st.Transition(ctx, "nope", backup.StatusRunning, backup.Payload{}); err == nil {
			t.Fatal("Transition() error = nil, want error")
		}
	})
}

func TestSQLiteStore_UpdateDestinationProgress(t *testing.T) {
	ctx := context.Background()

	t.Run("merges per-destination keys without clobbering", func(t *testing.T) {
		st := testutil.NewTestStore(t, nil, nil)
		createPending(t, st, "bk-1", "db1")
		advance(t, st, "bk-1", backup.StatusRunning, backup.StatusBackupReady)
		if _, err := st.Transition(ctx, "bk-1", backup.StatusStoringToDestinations, backup.Payload{
			Destinations: map[string]*backup.DestinationProgress{
				"dest-a": {},
				"dest-b": {},
			},
		}); err != nil {
			t.Fatalf("transition to storing: %v", err)
		}

		succeeded := true
		if err := st.UpdateDestinationProgress(ctx, "bk-1", "dest-a", &backup.DestinationProgress{
			Attempt:   0,
			Succeeded: &succeeded,
			Path:      "a/db1/x.tar.gz",
		}); err != nil {
			t.Fatalf("UpdateDestinationProgress(a) error = %v", err)
		}
		if err := st.UpdateDestinationProgress(ctx, "bk-1", "dest-b", &backup.DestinationProgress{
			Attempt:        1,
			RetryScheduled: true,
			RetryDelaySecs: 2,
			Error:          "boom",
		}); err != nil {
			t.Fatalf("UpdateDestinationProgress(b) error = %v", err)
		}

		entry, err := st.LatestEntryForStatus(ctx, "bk-1", backup.StatusStoringToDestinations)
		if err != nil {
			t.Fatalf("LatestEntryForStatus() error = %v", err)
		}
		if entry == nil {
			t.Fatal("storing entry missing")
		}

		a := entry.Payload.Destinations["dest-a"]
		if a == nil || a.Succeeded == nil || !*a.Succeeded || a.Path != "a/db1/x.tar.gz" {
			t.Errorf("dest-a progress = %+v", a)
		}
		b := entry.Payload.Destinations["dest-b"]
		if b == nil || !b.RetryScheduled || b.Attempt != 1 || b.Error != "boom" {
			t.Errorf("dest-b progress = %+v", b)
		}
	})

	t.Run("a later attempt archives the prior attempt's state", func(t *testing.T) {
		st := testutil.NewTestStore(t, nil, nil)
		createPending(t, st, "bk-1", "db1")
		advance(t, st, "bk-1", backup.StatusRunning, backup.StatusBackupReady)
		if _, err := st.Transition(ctx, "bk-1", backup.StatusStoringToDestinations, backup.Payload{
			Destinations: map[string]*backup.DestinationProgress{"dest-a": {}},
		}); err != nil {
			t.Fatalf("transition to storing: %v", err)
		}

		updates := []*backup.DestinationProgress{
			{Attempt: 0, RetryScheduled: true, RetryDelaySecs: 1, Error: "first boom"},
			{Attempt: 1, RetryScheduled: true, RetryDelaySecs: 2, Error: "second boom"},
		}
		for _, u := range updates {
			if err := st.UpdateDestinationProgress(ctx, "bk-1", "dest-a", u); err != nil {
				t.Fatalf("UpdateDestinationProgress(attempt %d) error = %v", u.Attempt, err)
			}
		}
		succeeded := true
		if err := st.UpdateDestinationProgress(ctx, "bk-1", "dest-a", &backup.DestinationProgress{
			Attempt:   2,
			Succeeded: &succeeded,
			Path:      "a/db1/x.tar.gz",
		}); err != nil {
			t.Fatalf("UpdateDestinationProgress(success) error = %v", err)
		}

		entry, err := st.LatestEntryForStatus(ctx, "bk-1", backup.StatusStoringToDestinations)
		if err != nil {
			t.Fatalf("LatestEntryForStatus() error = %v", err)
		}
		a := entry.Payload.Destinations["dest-a"]
		if a == nil || a.Succeeded == nil || !*a.Succeeded || a.Attempt != 2 {
			t.Fatalf("dest-a progress = %+v, want success on attempt 2", a)
		}
		if len(a.History) != 2 {
			t.Fatalf("len(history) = %d, want 2", len(a.History))
		}
		if a.History[0].Error != "first boom" || !a.History[0].RetryScheduled {
			t.Errorf("history[0] = %+v", a.History[0])
		}
		if a.History[1].Error != "second boom" || a.History[1].Attempt != 1 {
			t.Errorf("history[1] = %+v", a.History[1])
		}
		if len(a.History[1].History) != 0 {
			t.Errorf("archived state carries nested history: %+v", a.History[1])
		}
	})

	t.Run("same-attempt update replaces the current state in place", func(t *testing.T) {
		st := testutil.NewTestStore(t, nil, nil)
		createPending(t, st, "bk-1", "db1")
		advance(t, st, "bk-1", backup.StatusRunning, backup.StatusBackupReady)
		if _, err := st.Transition(ctx, "bk-1", backup.StatusStoringToDestinations, backup.Payload{
			Destinations: map[string]*backup.DestinationProgress{"dest-a": {}},
		}); err != nil {
			t.Fatalf("transition to storing: %v", err)
		}

		if err := st.UpdateDestinationProgress(ctx, "bk-1", "dest-a", &backup.DestinationProgress{
			Attempt: 0,
			Running: true,
		}); err != nil {
			t.Fatalf("UpdateDestinationProgress(start) error = %v", err)
		}
		if err := st.UpdateDestinationProgress(ctx, "bk-1", "dest-a", &backup.DestinationProgress{
			Attempt:        0,
			RetryScheduled: true,
			Error:          "boom",
		}); err != nil {
			t.Fatalf("UpdateDestinationProgress(retry) error = %v", err)
		}

		entry, err := st.LatestEntryForStatus(ctx, "bk-1", backup.StatusStoringToDestinations)
		if err != nil {
			t.Fatalf("LatestEntryForStatus() error = %v", err)
		}
		a := entry.Payload.Destinations["dest-a"]
		if a == nil || !a.RetryScheduled || a.Running {
			t.Errorf("dest-a progress = %+v, want retry-scheduled, not running", a)
		}
		if len(a.History) != 0 {
			t.Errorf("len(history) = %d, want 0 for same-attempt updates", len(a.History))
		}
	})

	t.Run("errors without a storing entry", func(t *testing.T) {
		st := testutil.NewTestStore(t, nil, nil)
		createPending(t, st, "bk-1", "db1")

		err := st.UpdateDestinationProgress(ctx, "bk-1", "dest-a", &backup.DestinationProgress{})
		if err == nil {
			t.Fatal("UpdateDestinationProgress() error = nil, want error")
		}
	})
}

// Concurrent use of an in-memory store must not grow the connection
// pool, since each in-memory SQLite connection is its own database.
func TestSQLiteStore_ConcurrentInMemoryUse(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewTestStore(t, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := st.CreateBackup(ctx, &backup.Record{
				ID:        fmt.Sprintf("bk-%d", i),
				SourceID:  "db1",
				Status:    backup.StatusPending,
				Kind:      backup.KindManual,
				StartedAt: time.Date(2024, 1, 15, 10, 30, i, 0, time.UTC),
			})
			if err != nil {
				t.Errorf("CreateBackup(bk-%d) error = %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	records, err := st.ListBackups(ctx, "db1", 0)
	if err != nil {
		t.Fatalf("ListBackups() error = %v", err)
	}
	if len(records) != 8 {
		t.Errorf("len(records) = %d, want 8", len(records))
	}
}

func TestSQLiteStore_RecordColumns(t *testing.T) {
	ctx := context.Background()

	t.Run("warnings and errors append", func(t *testing.T) {
		st := testutil.NewTestStore(t, nil, nil)
		createPending(t, st, "bk-1", "db1")

		if err := st.AddWarning(ctx, "bk-1", backup.Note{Message: "w1"}); err != nil {
			t.Fatalf("AddWarning() error = %v", err)
		}
		if err := st.AddWarning(ctx, "bk-1", backup.Note{Message: "w2"}); err != nil {
			t.Fatalf("AddWarning() error = %v", err)
		}
		if err := st.AddError(ctx, "bk-1", backup.Failure{Message: "e1", Kind: "BackupFailed"}); err != nil {
			t.Fatalf("AddError() error = %v", err)
		}

		record, err := st.GetBackup(ctx, "bk-1")
		if err != nil {
			t.Fatalf("GetBackup() error = %v", err)
		}
		if len(record.Warnings) != 2 || record.Warnings[0].Message != "w1" || record.Warnings[1].Message != "w2" {
			t.Errorf("warnings = %v", record.Warnings)
		}
		if len(record.Errors) != 1 || record.Errors[0].Kind != "BackupFailed" {
			t.Errorf("errors = %v", record.Errors)
		}
	})

	t.Run("metadata merges keys", func(t *testing.T) {
		st := testutil.NewTestStore(t, nil, nil)
		createPending(t, st, "bk-1", "db1")

		if err := st.SetMetadata(ctx, "bk-1", map[string]string{"a": "1", "b": "2"}); err != nil {
			t.Fatalf("SetMetadata() error = %v", err)
		}
		if err := st.SetMetadata(ctx, "bk-1", map[string]string{"b": "3", "c": "4"}); err != nil {
			t.Fatalf("SetMetadata() error = %v", err)
		}

		record, err := st.GetBackup(ctx, "bk-1")
		if err != nil {
			t.Fatalf("GetBackup() error = %v", err)
		}
		want := map[string]string{"a": "1", "b": "3", "c": "4"}
		for k, v := range want {
			if record.Metadata[k] != v {
				t.Errorf("metadata[%s] = %q, want %q", k, record.Metadata[k], v)
			}
		}
	})

	t.Run("artifact fields round-trip", func(t *testing.T) {
		st := testutil.NewTestStore(t, nil, nil)
		createPending(t, st, "bk-1", "db1")

		if err := st.SetArtifact(ctx, "bk-1", "staging", "db1.tar.gz", "/tmp/x/db1.tar.gz", 1024); err != nil {
			t.Fatalf("SetArtifact() error = %v", err)
		}

		record, err := st.GetBackup(ctx, "bk-1")
		if err != nil {
			t.Fatalf("GetBackup() error = %v", err)
		}
		if record.Disk == nil || *record.Disk != "staging" {
			t.Errorf("disk = %v", record.Disk)
		}
		if record.Filename == nil || *record.Filename != "db1.tar.gz" {
			t.Errorf("filename = %v", record.Filename)
		}
		if record.Size == nil || *record.Size != 1024 {
			t.Errorf("size = %v", record.Size)
		}
	})

	t.Run("GetBackup returns nil for unknown id", func(t *testing.T) {
		st := testutil.NewTestStore(t, nil, nil)
		record, err := st.GetBackup(ctx, "nope")
		if err != nil {
			t.Fatalf("GetBackup() error = %v", err)
		}
		if record != nil {
			t.Errorf("record = %+v, want nil", record)
		}
	})
}

func TestSQLiteStore_Listing(t *testing.T) {
	ctx := context.Background()

	t.Run("ListPrunable filters status and locks", func(t *testing.T) {
		st := testutil.NewTestStore(t, nil, nil)

		createPending(t, st, "done", "db1")
		advance(t, st, "done", backup.StatusRunning, backup.StatusBackupReady,
			backup.StatusStoringToDestinations, backup.StatusCompleted)

		createPending(t, st, "partial", "db1")
		advance(t, st, "partial", backup.StatusRunning, backup.StatusBackupReady,
			backup.StatusStoringToDestinations, backup.StatusPartiallyFailed)

		createPending(t, st, "failed", "db1")
		advance(t, st, "failed", backup.StatusRunning, backup.StatusFailed)

		createPending(t, st, "inflight", "db1")
		advance(t, st, "inflight", backup.StatusRunning)

		createPending(t, st, "pinned", "db1")
		advance(t, st, "pinned", backup.StatusRunning, backup.StatusBackupReady,
			backup.StatusStoringToDestinations, backup.StatusCompleted)
		if err := st.SetLocked(ctx, "pinned", true); err != nil {
			t.Fatalf("SetLocked() error = %v", err)
		}

		createPending(t, st, "other", "db2")
		advance(t, st, "other", backup.StatusRunning, backup.StatusBackupReady,
			backup.StatusStoringToDestinations, backup.StatusCompleted)

		records, err := st.ListPrunable(ctx, "db1")
		if err != nil {
			t.Fatalf("ListPrunable() error = %v", err)
		}
		got := make(map[string]bool, len(records))
		for _, r := range records {
			got[r.ID] = true
		}
		if len(records) != 2 || !got["done"] || !got["partial"] {
			t.Errorf("prunable = %v, want done and partial", got)
		}
	})

	t.Run("ListBackups orders newest first and honors the limit", func(t *testing.T) {
		st := testutil.NewTestStore(t, nil, nil)
		base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
		for i, id := range []string{"b1", "b2", "b3"} {
			err := st.CreateBackup(ctx, &backup.Record{
				ID:        id,
				SourceID:  "db1",
				Status:    backup.StatusPending,
				Kind:      backup.KindManual,
				StartedAt: base.Add(time.Duration(i) * time.Hour),
			})
			if err != nil {
				t.Fatalf("CreateBackup(%s) error = %v", id, err)
			}
		}

		records, err := st.ListBackups(ctx, "db1", 2)
		if err != nil {
			t.Fatalf("ListBackups() error = %v", err)
		}
		if len(records) != 2 || records[0].ID != "b3" || records[1].ID != "b2" {
			ids := make([]string, len(records))
			for i, r := range records {
				ids[i] = r.ID
			}
			t.Errorf("records = %v, want [b3 b2]", ids)
		}
	})

	t.Run("ListSourceIDs pages distinct sources", func(t *testing.T) {
		st := testutil.NewTestStore(t, nil, nil)
		createPending(t, st, "a1", "dbA")
		createPending(t, st, "a2", "dbA")
		createPending(t, st, "b1", "dbB")
		createPending(t, st, "c1", "dbC")

		first, err := st.ListSourceIDs(ctx, 0, 2)
		if err != nil {
			t.Fatalf("ListSourceIDs() error = %v", err)
		}
		second, err := st.ListSourceIDs(ctx, 2, 2)
		if err != nil {
			t.Fatalf("ListSourceIDs() error = %v", err)
		}
		all := append(first, second...)
		if len(all) != 3 || all[0] != "dbA" || all[1] != "dbB" || all[2] != "dbC" {
			t.Errorf("sources = %v, want [dbA dbB dbC]", all)
		}
	})
}

func TestSQLiteStore_Files(t *testing.T) {
	ctx := context.Background()

	t.Run("soft delete hides the file", func(t *testing.T) {
		st := testutil.NewTestStore(t, nil, nil)
		createPending(t, st, "bk-1", "db1")

		err := st.CreateFile(ctx, &backup.File{
			ID:        "f1",
			OwnerKind: backup.OwnerBackup,
			OwnerID:   "bk-1",
			Disk:      "filesystem-a",
			Path:      "db1/x.tar.gz",
			Size:      512,
			Checksum:  "abc",
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("CreateFile() error = %v", err)
		}

		files, err := st.FilesForBackup(ctx, "bk-1")
		if err != nil {
			t.Fatalf("FilesForBackup() error = %v", err)
		}
		if len(files) != 1 || files[0].Checksum != "abc" {
			t.Fatalf("files = %v", files)
		}

		if err := st.SoftDeleteFile(ctx, "f1"); err != nil {
			t.Fatalf("SoftDeleteFile() error = %v", err)
		}

		files, err = st.FilesForBackup(ctx, "bk-1")
		if err != nil {
			t.Fatalf("FilesForBackup() error = %v", err)
		}
		if len(files) != 0 {
			t.Errorf("len(files) = %d, want 0 after soft delete", len(files))
		}
	})
}
