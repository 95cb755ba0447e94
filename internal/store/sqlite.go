package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"dbackup/internal/backup"
	"dbackup/internal/store/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements the backup.Store interface using SQLite.
// Record mutations that race across destination units (timeline payload
// merges, JSON column appends) are read-modify-write inside a single
// transaction.
type SQLiteStore struct {
	db    *sql.DB
	clock backup.Clock
	idgen backup.IDGenerator
}

// NewSQLiteStore opens a SQLite metadata database.
// path can be a file path or ":memory:" for an in-memory database.
func NewSQLiteStore(path string, clock backup.Clock, idgen backup.IDGenerator) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	return &SQLiteStore{db: db, clock: clock, idgen: idgen}, nil
}

// OpenConnection opens and configures a SQLite connection with appropriate PRAGMAs.
// Exported for tools and tests that need a properly configured connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory SQLite database exists per connection, so a second
	// pooled connection would see an empty schema. Pin the pool to one.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable foreign key constraints (SQLite default is OFF for backward compatibility)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Wait for writer locks instead of failing, since destination units
	// commit concurrently.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// CheckMigrations verifies the schema is at the latest version.
func (s *SQLiteStore) CheckMigrations() error {
	return migrations.CheckStatus(s.db)
}

// MigrateUp brings the schema to the latest version.
func (s *SQLiteStore) MigrateUp() error {
	return migrations.MigrateUp(s.db)
}

// DB exposes the underlying connection for tools.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Record operations

func (s *SQLiteStore) CreateBackup(ctx context.Context, record *backup.Record) error {
	warnings, errs, meta, err := marshalRecordJSON(record)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO backups (id, source_id, schedule_id, status, kind, disk, filename, path, size,
			warnings, errors, metadata, started_at, completed_at, locked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.SourceID, record.ScheduleID, record.Status, record.Kind,
		record.Disk, record.Filename, record.Path, record.Size,
		warnings, errs, meta, record.StartedAt, record.CompletedAt, record.Locked)
	if err != nil {
		return fmt.Errorf("inserting backup: %w", err)
	}

	if err := s.insertTimelineEntry(ctx, tx, record.ID, record.Status, backup.Payload{}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing backup: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetBackup(ctx context.Context, id string) (*backup.Record, error) {
	row := s.db.QueryRowContext(ctx, selectBackup+" WHERE id = ?", id)
	record, err := scanBackup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading backup: %w", err)
	}
	return record, nil
}

func (s *SQLiteStore) Transition(ctx context.Context, backupID string, to backup.Status, payload backup.Payload) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var current backup.Status
	err = tx.QueryRowContext(ctx, "SELECT status FROM backups WHERE id = ?", backupID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("backup %s not found", backupID)
	}
	if err != nil {
		return false, fmt.Errorf("reading status: %w", err)
	}

	// Idempotent terminal guard: concurrent finalizers collapse into one.
	if current.Terminal() {
		return false, nil
	}
	if !backup.CanTransition(current, to) {
		return false, fmt.Errorf("invalid transition %s -> %s for backup %s", current, to, backupID)
	}

	if to.Terminal() {
		now := s.clock.Now().UTC()
		_, err = tx.ExecContext(ctx, "UPDATE backups SET status = ?, completed_at = ? WHERE id = ?", to, now, backupID)
	} else {
		_, err = tx.ExecContext(ctx, "UPDATE backups SET status = ? WHERE id = ?", to, backupID)
	}
	if err != nil {
		return false, fmt.Errorf("updating status: %w", err)
	}

	if err := s.insertTimelineEntry(ctx, tx, backupID, to, payload); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing transition: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) SetArtifact(ctx context.Context, backupID, disk, filename, path string, size int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE backups SET disk = ?, filename = ?, path = ?, size = ? WHERE id = ?",
		disk, filename, path, size, backupID)
	if err != nil {
		return fmt.Errorf("recording artifact: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddWarning(ctx context.Context, backupID string, note backup.Note) error {
	return s.appendJSONColumn(ctx, backupID, "warnings", note)
}

func (s *SQLiteStore) AddError(ctx context.Context, backupID string, failure backup.Failure) error {
	return s.appendJSONColumn(ctx, backupID, "errors", failure)
}

func (s *SQLiteStore) SetMetadata(ctx context.Context, backupID string, meta map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, "SELECT metadata FROM backups WHERE id = ?", backupID).Scan(&raw)
	if err != nil {
		return fmt.Errorf("reading metadata: %w", err)
	}

	current := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &current); err != nil {
		return fmt.Errorf("decoding metadata: %w", err)
	}
	for k, v := range meta {
		current[k] = v
	}

	merged, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE backups SET metadata = ? WHERE id = ?", string(merged), backupID); err != nil {
		return fmt.Errorf("updating metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing metadata: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetLocked(ctx context.Context, backupID string, locked bool) error {
	_, err := s.db.ExecContext(ctx, "UPDATE backups SET locked = ? WHERE id = ?", locked, backupID)
	if err != nil {
		return fmt.Errorf("updating lock: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListBackups(ctx context.Context, sourceID string, limit int) ([]*backup.Record, error) {
	query := selectBackup
	var args []any
	if sourceID != "" {
		query += " WHERE source_id = ?"
		args = append(args, sourceID)
	}
	query += " ORDER BY started_at DESC, rowid DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryBackups(ctx, query, args...)
}

func (s *SQLiteStore) ListPrunable(ctx context.Context, sourceID string) ([]*backup.Record, error) {
	query := selectBackup + `
		WHERE source_id = ? AND locked = 0 AND status IN (?, ?)
		ORDER BY started_at DESC, rowid DESC`
	return s.queryBackups(ctx, query, sourceID, backup.StatusCompleted, backup.StatusPartiallyFailed)
}

func (s *SQLiteStore) ListSourceIDs(ctx context.Context, offset, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT source_id FROM backups ORDER BY source_id LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning source id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Timeline operations

func (s *SQLiteStore) ListTimeline(ctx context.Context, backupID string) ([]*backup.TimelineEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, backup_id, status, payload, created_at
		FROM timeline_entries WHERE backup_id = ? ORDER BY rowid`, backupID)
	if err != nil {
		return nil, fmt.Errorf("listing timeline: %w", err)
	}
	defer rows.Close()

	var entries []*backup.TimelineEntry
	for rows.Next() {
		entry, err := scanTimelineEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) LatestEntryForStatus(ctx context.Context, backupID string, status backup.Status) (*backup.TimelineEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, backup_id, status, payload, created_at
		FROM timeline_entries WHERE backup_id = ? AND status = ?
		ORDER BY rowid DESC LIMIT 1`, backupID, status)
	entry, err := scanTimelineEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *SQLiteStore) UpdateDestinationProgress(ctx context.Context, backupID, destinationID string, progress *backup.DestinationProgress) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var entryID, raw string
	err = tx.QueryRowContext(ctx, `
		SELECT id, payload FROM timeline_entries
		WHERE backup_id = ? AND status = ? ORDER BY rowid DESC LIMIT 1`,
		backupID, backup.StatusStoringToDestinations).Scan(&entryID, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("backup %s has no storing_to_destinations entry", backupID)
	}
	if err != nil {
		return fmt.Errorf("reading storing entry: %w", err)
	}

	var payload backup.Payload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return fmt.Errorf("decoding storing payload: %w", err)
	}
	payload.MergeDestinationProgress(destinationID, progress)

	updated, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding storing payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE timeline_entries SET payload = ? WHERE id = ?", string(updated), entryID); err != nil {
		return fmt.Errorf("updating storing entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing progress: %w", err)
	}
	return nil
}

// File operations

func (s *SQLiteStore) CreateFile(ctx context.Context, file *backup.File) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (id, owner_kind, owner_id, disk, path, size, checksum, created_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		file.ID, file.OwnerKind, file.OwnerID, file.Disk, file.Path, file.Size,
		file.Checksum, file.CreatedAt, file.DeletedAt)
	if err != nil {
		return fmt.Errorf("inserting file: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FilesForBackup(ctx context.Context, backupID string) ([]*backup.File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_kind, owner_id, disk, path, size, checksum, created_at, deleted_at
		FROM files WHERE owner_kind = ? AND owner_id = ? AND deleted_at IS NULL
		ORDER BY rowid`, backup.OwnerBackup, backupID)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	defer rows.Close()

	var files []*backup.File
	for rows.Next() {
		var f backup.File
		var deletedAt sql.NullTime
		if err := rows.Scan(&f.ID, &f.OwnerKind, &f.OwnerID, &f.Disk, &f.Path, &f.Size, &f.Checksum, &f.CreatedAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("scanning file: %w", err)
		}
		if deletedAt.Valid {
			t := deletedAt.Time
			f.DeletedAt = &t
		}
		files = append(files, &f)
	}
	return files, rows.Err()
}

func (s *SQLiteStore) SoftDeleteFile(ctx context.Context, fileID string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE files SET deleted_at = ? WHERE id = ?", s.clock.Now().UTC(), fileID)
	if err != nil {
		return fmt.Errorf("soft-deleting file: %w", err)
	}
	return nil
}

// Helpers

// marshalRecordJSON encodes the record's JSON columns, normalizing nil
// slices and maps to empty JSON so the scan side never sees NULL.
func marshalRecordJSON(record *backup.Record) (warnings, errs, meta string, err error) {
	w := record.Warnings
	if w == nil {
		w = []backup.Note{}
	}
	e := record.Errors
	if e == nil {
		e = []backup.Failure{}
	}
	m := record.Metadata
	if m == nil {
		m = map[string]string{}
	}

	wb, err := json.Marshal(w)
	if err != nil {
		return "", "", "", fmt.Errorf("encoding warnings: %w", err)
	}
	eb, err := json.Marshal(e)
	if err != nil {
		return "", "", "", fmt.Errorf("encoding errors: %w", err)
	}
	mb, err := json.Marshal(m)
	if err != nil {
		return "", "", "", fmt.Errorf("encoding metadata: %w", err)
	}
	return string(wb), string(eb), string(mb), nil
}

const selectBackup = `
	SELECT id, source_id, schedule_id, status, kind, disk, filename, path, size,
		warnings, errors, metadata, started_at, completed_at, locked
	FROM backups`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBackup(row rowScanner) (*backup.Record, error) {
	var r backup.Record
	var scheduleID, disk, filename, path sql.NullString
	var size sql.NullInt64
	var completedAt sql.NullTime
	var warnings, errs, meta string

	err := row.Scan(&r.ID, &r.SourceID, &scheduleID, &r.Status, &r.Kind,
		&disk, &filename, &path, &size,
		&warnings, &errs, &meta, &r.StartedAt, &completedAt, &r.Locked)
	if err != nil {
		return nil, err
	}

	if scheduleID.Valid {
		r.ScheduleID = &scheduleID.String
	}
	if disk.Valid {
		r.Disk = &disk.String
	}
	if filename.Valid {
		r.Filename = &filename.String
	}
	if path.Valid {
		r.Path = &path.String
	}
	if size.Valid {
		r.Size = &size.Int64
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}

	if err := json.Unmarshal([]byte(warnings), &r.Warnings); err != nil {
		return nil, fmt.Errorf("decoding warnings: %w", err)
	}
	if err := json.Unmarshal([]byte(errs), &r.Errors); err != nil {
		return nil, fmt.Errorf("decoding errors: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return &r, nil
}

func scanTimelineEntry(row rowScanner) (*backup.TimelineEntry, error) {
	var e backup.TimelineEntry
	var raw string
	if err := row.Scan(&e.ID, &e.BackupID, &e.Status, &raw, &e.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &e.Payload); err != nil {
		return nil, fmt.Errorf("decoding timeline payload: %w", err)
	}
	return &e, nil
}

func (s *SQLiteStore) queryBackups(ctx context.Context, query string, args ...any) ([]*backup.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing backups: %w", err)
	}
	defer rows.Close()

	var records []*backup.Record
	for rows.Next() {
		record, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning backup: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) insertTimelineEntry(ctx context.Context, tx *sql.Tx, backupID string, status backup.Status, payload backup.Payload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding timeline payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO timeline_entries (id, backup_id, status, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		s.idgen.New(), backupID, status, string(raw), s.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("inserting timeline entry: %w", err)
	}
	return nil
}

// appendJSONColumn appends one element to a JSON-array column inside a
// transaction so concurrent appends never lose entries.
func (s *SQLiteStore) appendJSONColumn(ctx context.Context, backupID, column string, element any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	// column is one of two compile-time constants, never user input.
	err = tx.QueryRowContext(ctx, "SELECT "+column+" FROM backups WHERE id = ?", backupID).Scan(&raw)
	if err != nil {
		return fmt.Errorf("reading %s: %w", column, err)
	}

	var list []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return fmt.Errorf("decoding %s: %w", column, err)
	}
	encoded, err := json.Marshal(element)
	if err != nil {
		return fmt.Errorf("encoding %s element: %w", column, err)
	}
	list = append(list, encoded)

	updated, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", column, err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE backups SET "+column+" = ? WHERE id = ?", string(updated), backupID); err != nil {
		return fmt.Errorf("updating %s: %w", column, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing %s: %w", column, err)
	}
	return nil
}

// Compile-time check that SQLiteStore implements backup.Store.
var _ backup.Store = (*SQLiteStore)(nil)
