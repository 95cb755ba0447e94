package backup_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"dbackup/internal/backup"
	"dbackup/internal/testutil"
)

func validSource() backup.Source {
	return backup.Source{
		ID: "db1",
		Connection: backup.Connection{
			Host:     "localhost",
			Port:     3306,
			Database: "db1",
			Username: "backup",
			Password: "secret",
		},
	}
}

func pendingRecord(t *testing.T, st backup.Store, clock backup.Clock) *backup.Record {
	t.Helper()
	record := &backup.Record{
		ID:        "bk-1",
		SourceID:  "db1",
		Status:    backup.StatusPending,
		Kind:      backup.KindManual,
		Metadata:  map[string]string{},
		StartedAt: clock.Now().UTC(),
	}
	if err := st.CreateBackup(context.Background(), record); err != nil {
		t.Fatalf("CreateBackup() error = %v", err)
	}
	return record
}

func TestCapture_Run(t *testing.T) {
	ctx := context.Background()

	type fixture struct {
		st      backup.Store
		dumper  *testutil.StubDumper
		dest    *testutil.ScriptedDestination
		queue   *testutil.CapturingQueue
		capture *backup.Capture
		staging string
		record  *backup.Record
	}

	setup := func(t *testing.T) *fixture {
		clock := testutil.FixedClock()
		st := testutil.NewTestStore(t, clock, testutil.NewStubIDGenerator())
		dumper := testutil.NewStubDumper("users", "orders", "logs")
		dest := testutil.NewScriptedDestination("a")
		registry := backup.NewRegistry()
		registry.Register(dest)
		queue := testutil.NewCapturingQueue()
		staging := t.TempDir()

		capture := backup.NewCapture(st, dumper, registry, queue, backup.NopEncryptor{}, staging,
			backup.NewNopLogger(), clock, testutil.NewStubIDGenerator())

		return &fixture{
			st:      st,
			dumper:  dumper,
			dest:    dest,
			queue:   queue,
			capture: capture,
			staging: staging,
			record:  pendingRecord(t, st, clock),
		}
	}

	assertFailed := func(t *testing.T, f *fixture) *backup.Record {
		t.Helper()
		record, err := f.st.GetBackup(ctx, f.record.ID)
		if err != nil {
			t.Fatalf("GetBackup() error = %v", err)
		}
		if record.Status != backup.StatusFailed {
			t.Fatalf("status = %s, want failed", record.Status)
		}
		if len(record.Errors) == 0 {
			t.Fatal("expected a recorded failure")
		}
		return record
	}

	assertStagingEmpty := func(t *testing.T, f *fixture) {
		t.Helper()
		entries, err := os.ReadDir(f.staging)
		if err != nil {
			t.Fatalf("reading staging dir: %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("staging dir not cleaned up: %d entries left", len(entries))
		}
	}

	t.Run("stages an artifact and fans out to destinations", func(t *testing.T) {
		f := setup(t)

		if err := f.capture.Run(ctx, f.record.ID, validSource()); err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		record, err := f.st.GetBackup(ctx, f.record.ID)
		if err != nil {
			t.Fatalf("GetBackup() error = %v", err)
		}
		if record.Status != backup.StatusStoringToDestinations {
			t.Errorf("status = %s, want storing_to_destinations", record.Status)
		}
		if record.Disk == nil || *record.Disk != backup.StagingDisk {
			t.Errorf("disk = %v, want staging", record.Disk)
		}
		if record.Filename == nil || !strings.HasSuffix(*record.Filename, ".tar.gz") {
			t.Errorf("filename = %v, want *.tar.gz", record.Filename)
		}
		if record.Size == nil || *record.Size == 0 {
			t.Errorf("size = %v, want > 0", record.Size)
		}
		if record.Metadata["table_count"] != "3" {
			t.Errorf("table_count = %q, want 3", record.Metadata["table_count"])
		}
		if record.Metadata["checksum"] == "" {
			t.Error("checksum metadata not recorded")
		}
		if record.Metadata["database_size"] != "4096" {
			t.Errorf("database_size = %q, want 4096", record.Metadata["database_size"])
		}

		if record.Path == nil {
			t.Fatal("artifact path not recorded")
		}
		if _, err := os.Stat(*record.Path); err != nil {
			t.Errorf("artifact missing on disk: %v", err)
		}

		jobs := f.queue.Jobs()
		if len(jobs) != 1 {
			t.Fatalf("enqueued jobs = %d, want 1", len(jobs))
		}
		job, ok := jobs[0].Job.(backup.StoreJob)
		if !ok {
			t.Fatalf("job type = %T, want StoreJob", jobs[0].Job)
		}
		if job.DestinationID != f.dest.ID() || job.Attempt != 0 {
			t.Errorf("job = %+v", job)
		}

		ready, err := f.st.LatestEntryForStatus(ctx, f.record.ID, backup.StatusBackupReady)
		if err != nil {
			t.Fatalf("LatestEntryForStatus() error = %v", err)
		}
		if ready == nil || ready.Payload.BackupReady == nil {
			t.Fatal("backup_ready entry missing its destination set")
		}
		if got := ready.Payload.BackupReady.DestinationIDs; len(got) != 1 || got[0] != f.dest.ID() {
			t.Errorf("destination set = %v", got)
		}
	})

	t.Run("skip tables reduce the effective set", func(t *testing.T) {
		f := setup(t)
		source := validSource()
		source.SkipTables = []string{"logs"}

		if err := f.capture.Run(ctx, f.record.ID, source); err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		record, err := f.st.GetBackup(ctx, f.record.ID)
		if err != nil {
			t.Fatalf("GetBackup() error = %v", err)
		}
		if record.Metadata["table_count"] != "2" {
			t.Errorf("table_count = %q, want 2", record.Metadata["table_count"])
		}
	})

	t.Run("fails when exclusions leave no tables", func(t *testing.T) {
		f := setup(t)
		source := validSource()
		source.SkipTables = []string{"users", "orders", "logs"}

		if err := f.capture.Run(ctx, f.record.ID, source); err == nil {
			t.Fatal("Run() error = nil, want error")
		}
		assertFailed(t, f)
		assertStagingEmpty(t, f)
	})

	t.Run("fails on an empty table dump", func(t *testing.T) {
		f := setup(t)
		f.dumper.TableData = map[string][]byte{"orders": {}}

		if err := f.capture.Run(ctx, f.record.ID, validSource()); err == nil {
			t.Fatal("Run() error = nil, want error")
		}
		record := assertFailed(t, f)
		if record.Errors[0].Context["table"] != "orders" {
			t.Errorf("failure context = %v, want table=orders", record.Errors[0].Context)
		}
		assertStagingEmpty(t, f)
	})

	t.Run("structure dump failure only warns", func(t *testing.T) {
		f := setup(t)
		f.dumper.SchemaErr = errors.New("PROCEDURE dump denied")

		if err := f.capture.Run(ctx, f.record.ID, validSource()); err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		record, err := f.st.GetBackup(ctx, f.record.ID)
		if err != nil {
			t.Fatalf("GetBackup() error = %v", err)
		}
		if record.Status != backup.StatusStoringToDestinations {
			t.Errorf("status = %s, want storing_to_destinations", record.Status)
		}
		if len(record.Warnings) != 1 {
			t.Fatalf("len(warnings) = %d, want 1", len(record.Warnings))
		}
		if !strings.Contains(record.Warnings[0].Message, "structure dump failed") {
			t.Errorf("warning = %q", record.Warnings[0].Message)
		}
	})

	t.Run("fails on invalid connection parameters", func(t *testing.T) {
		f := setup(t)
		source := validSource()
		source.Connection.Host = ""

		if err := f.capture.Run(ctx, f.record.ID, source); err == nil {
			t.Fatal("Run() error = nil, want error")
		}
		assertFailed(t, f)
	})

	t.Run("fails when no destination is enabled", func(t *testing.T) {
		f := setup(t)
		f.dest.Disabled = true

		if err := f.capture.Run(ctx, f.record.ID, validSource()); err == nil {
			t.Fatal("Run() error = nil, want error")
		}
		assertFailed(t, f)
		assertStagingEmpty(t, f)
	})

	t.Run("ignores records that are not pending", func(t *testing.T) {
		f := setup(t)
		if _, err := f.st.Transition(ctx, f.record.ID, backup.StatusRunning, backup.Payload{}); err != nil {
			t.Fatalf("transition to running: %v", err)
		}

		if err := f.capture.Run(ctx, f.record.ID, validSource()); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if f.queue.Len() != 0 {
			t.Errorf("jobs enqueued for non-pending record: %d", f.queue.Len())
		}
	})
}
