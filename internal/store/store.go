// Package store persists job, item, and file state in a single SQLite
// file inside the output root. It is the source of truth for progress:
// queues and in-memory counters are rebuilt from it on resume.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// FileName is the durable store's file name under the output root.
const FileName = "grabia_state.db"

// File statuses. A file is claimed by promoting pending to downloading
// with a conditional update, so two workers can never own the same row.
const (
	StatusPending     = "pending"
	StatusDownloading = "downloading"
	StatusDone        = "done"
	StatusFailed      = "failed"
	StatusSkipped     = "skipped"
)

// Item resolution statuses.
const (
	ItemPending   = "pending"
	ItemResolving = "resolving"
	ItemResolved  = "resolved"
	ItemFailed    = "failed"
)

var (
	// ErrNoJob is returned by LoadJob when the store has no job row.
	ErrNoJob = errors.New("no job recorded in state store")
	// ErrAlreadyClaimed is returned by Claim when the file is not pending.
	ErrAlreadyClaimed = errors.New("file is not pending")
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id         TEXT PRIMARY KEY,
	output_root    TEXT NOT NULL,
	name_regex     TEXT NOT NULL DEFAULT '',
	extensions     TEXT NOT NULL DEFAULT '',
	metadata_only  INTEGER NOT NULL DEFAULT 0,
	sync_mode      INTEGER NOT NULL DEFAULT 0,
	dynamic        INTEGER NOT NULL DEFAULT 0,
	worker_ceiling INTEGER NOT NULL DEFAULT 8,
	bandwidth_bps  INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS items (
	item_id    TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'pending',
	file_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS files (
	item_id      TEXT NOT NULL,
	file_name    TEXT NOT NULL,
	local_path   TEXT NOT NULL,
	size         INTEGER NOT NULL DEFAULT 0,
	expected_md5 TEXT NOT NULL DEFAULT '',
	mtime        INTEGER NOT NULL DEFAULT 0,
	bytes_done   INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT 'pending',
	attempts     INTEGER NOT NULL DEFAULT 0,
	error_kind   TEXT NOT NULL DEFAULT '',
	http_status  INTEGER NOT NULL DEFAULT 0,
	claimed_by   TEXT NOT NULL DEFAULT '',
	updated_at   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (item_id, file_name)
);

CREATE INDEX IF NOT EXISTS idx_files_status ON files(status);
CREATE INDEX IF NOT EXISTS idx_files_item ON files(item_id);

CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL DEFAULT 0,
	outcome     TEXT NOT NULL DEFAULT ''
);
`

// Job is the persisted per-root configuration.
type Job struct {
	ID            string
	OutputRoot    string
	NameRegex     string
	Extensions    []string
	MetadataOnly  bool
	Sync          bool
	Dynamic       bool
	WorkerCeiling int
	BandwidthBPS  int64
	CreatedAt     int64
}

// Item is one archive identifier and its resolution state.
type Item struct {
	ID        string
	Status    string
	FileCount int
	LastError string
}

// FileKey identifies a file row.
type FileKey struct {
	ItemID string
	Name   string
}

func (k FileKey) String() string { return k.ItemID + "/" + k.Name }

// File is one remote file and its durable progress.
type File struct {
	ItemID     string
	Name       string // remote logical name, used to build the URL
	LocalPath  string // sanitized path relative to the output root
	Size       int64  // 0 means unknown
	MD5        string // "" means the archive published no digest
	MTime      int64  // remote modification time, 0 means unknown
	BytesDone  int64
	Status     string
	Attempts   int
	ErrorKind  string
	HTTPStatus int
}

// Key returns the file's row key.
func (f *File) Key() FileKey { return FileKey{ItemID: f.ItemID, Name: f.Name} }

// Outcome is the terminal result a worker releases a claim with.
type Outcome struct {
	Status     string
	BytesDone  int64
	Attempts   int
	ErrorKind  string
	HTTPStatus int
}

// Snapshot aggregates the store for metrics and the status command.
type Snapshot struct {
	TotalFiles int64
	Done       int64
	Failed     int64
	Skipped    int64
	Pending    int64
	InProgress int64

	BytesDone  int64
	BytesTotal int64 // sum of known sizes

	ItemsTotal    int64
	ItemsResolved int64
	ItemsFailed   int64

	LastRunStarted  int64
	LastRunFinished int64
	LastRunOutcome  string
}

// Complete reports whether nothing remains outstanding.
func (s *Snapshot) Complete() bool {
	return s.Pending == 0 && s.InProgress == 0
}

// JobID derives the stable job identifier from the output root path.
func JobID(outputRoot string) string {
	abs, err := filepath.Abs(outputRoot)
	if err != nil {
		abs = outputRoot
	}
	h := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(h[:8])
}

// Store wraps the SQLite database. Writers are serialized by mu; readers
// go straight to the WAL file and never block behind a writer.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the store under root, migrating the schema and
// enabling write-ahead journaling. A store that fails its integrity
// check is fatal: the engine must refuse to start.
func Open(root string) (*Store, error) {
	path := filepath.Join(root, FileName)
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	var check string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&check); err != nil {
		db.Close()
		return nil, fmt.Errorf("state store unreadable: %w", err)
	}
	if check != "ok" {
		db.Close()
		return nil, fmt.Errorf("state store corrupt: %s", check)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate state store: %w", err)
	}
	return &Store{db: db}, nil
}

// Exists reports whether a state file is present under root.
func Exists(root string) bool {
	_, err := os.Stat(filepath.Join(root, FileName))
	return err == nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// withTx runs fn inside a serialized write transaction.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// ---------------- jobs ----------------

// UpsertJob writes the job row, replacing the stored configuration.
func (s *Store) UpsertJob(job *Job) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO jobs (
				job_id, output_root, name_regex, extensions, metadata_only,
				sync_mode, dynamic, worker_ceiling, bandwidth_bps, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(job_id) DO UPDATE SET
				output_root=excluded.output_root,
				name_regex=excluded.name_regex,
				extensions=excluded.extensions,
				metadata_only=excluded.metadata_only,
				sync_mode=excluded.sync_mode,
				dynamic=excluded.dynamic,
				worker_ceiling=excluded.worker_ceiling,
				bandwidth_bps=excluded.bandwidth_bps
		`, job.ID, job.OutputRoot, job.NameRegex, joinExtensions(job.Extensions),
			boolInt(job.MetadataOnly), boolInt(job.Sync), boolInt(job.Dynamic),
			job.WorkerCeiling, job.BandwidthBPS, job.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert job: %w", err)
		}
		return nil
	})
}

// LoadJob reads the single job row.
func (s *Store) LoadJob() (*Job, error) {
	var (
		job                         Job
		ext                         string
		metaOnly, syncMode, dynamic int
	)
	row := s.db.QueryRow(`
		SELECT job_id, output_root, name_regex, extensions, metadata_only,
		       sync_mode, dynamic, worker_ceiling, bandwidth_bps, created_at
		FROM jobs LIMIT 1
	`)
	err := row.Scan(&job.ID, &job.OutputRoot, &job.NameRegex, &ext, &metaOnly,
		&syncMode, &dynamic, &job.WorkerCeiling, &job.BandwidthBPS, &job.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	job.Extensions = splitExtensions(ext)
	job.MetadataOnly = metaOnly != 0
	job.Sync = syncMode != 0
	job.Dynamic = dynamic != 0
	return &job, nil
}

func joinExtensions(exts []string) string {
	lowered := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			lowered = append(lowered, e)
		}
	}
	return strings.Join(lowered, ",")
}

func splitExtensions(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ---------------- items ----------------

// AddItems records identifiers, ignoring ones already present.
func (s *Store) AddItems(ids []string) error {
	return s.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare("INSERT OR IGNORE INTO items (item_id, status) VALUES (?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, id := range ids {
			if _, err := stmt.Exec(id, ItemPending); err != nil {
				return fmt.Errorf("failed to insert item %s: %w", id, err)
			}
		}
		return nil
	})
}

// ItemsByStatus lists items whose status is one of the given values, in
// insertion order.
func (s *Store) ItemsByStatus(statuses ...string) ([]Item, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}

	rows, err := s.db.Query(
		"SELECT item_id, status, file_count, last_error FROM items WHERE status IN ("+placeholders+") ORDER BY rowid", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.Status, &it.FileCount, &it.LastError); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// MarkItem transitions an item's resolution status.
func (s *Store) MarkItem(id, status string, fileCount int, lastError string) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"UPDATE items SET status = ?, file_count = ?, last_error = ? WHERE item_id = ?",
			status, fileCount, lastError, id)
		if err != nil {
			return fmt.Errorf("failed to update item %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("item not found: %s", id)
		}
		return nil
	})
}

// ---------------- files ----------------

// UpsertFiles records an item's filtered manifest. Enumeration is
// idempotent: new rows start pending; rows that already exist keep their
// status, attempts, and progress, and only refresh the manifest facts.
func (s *Store) UpsertFiles(files []File) error {
	return s.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO files (item_id, file_name, local_path, size, expected_md5, mtime, status, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(item_id, file_name) DO UPDATE SET
				local_path=excluded.local_path,
				size=excluded.size,
				expected_md5=excluded.expected_md5,
				mtime=excluded.mtime
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := time.Now().Unix()
		for i := range files {
			f := &files[i]
			if _, err := stmt.Exec(f.ItemID, f.Name, f.LocalPath, f.Size, f.MD5, f.MTime, StatusPending, now); err != nil {
				return fmt.Errorf("failed to upsert file %s/%s: %w", f.ItemID, f.Name, err)
			}
		}
		return nil
	})
}

// PendingKeys lists every pending file in insertion order, optionally
// restricted to one item.
func (s *Store) PendingKeys(itemID string) ([]FileKey, error) {
	query := "SELECT item_id, file_name FROM files WHERE status = ? ORDER BY rowid"
	args := []any{StatusPending}
	if itemID != "" {
		query = "SELECT item_id, file_name FROM files WHERE status = ? AND item_id = ? ORDER BY rowid"
		args = append(args, itemID)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending files: %w", err)
	}
	defer rows.Close()

	var keys []FileKey
	for rows.Next() {
		var k FileKey
		if err := rows.Scan(&k.ItemID, &k.Name); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Claim conditionally promotes a pending file to downloading on behalf
// of runID. The transition is a single compare-and-update; if another
// worker got there first the claim fails with ErrAlreadyClaimed.
func (s *Store) Claim(key FileKey, runID string) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		UPDATE files SET status = ?, claimed_by = ?, updated_at = ?
		WHERE item_id = ? AND file_name = ? AND status = ?
		RETURNING item_id, file_name, local_path, size, expected_md5, mtime,
		          bytes_done, attempts, error_kind, http_status
	`, StatusDownloading, runID, time.Now().Unix(), key.ItemID, key.Name, StatusPending)

	var f File
	err := row.Scan(&f.ItemID, &f.Name, &f.LocalPath, &f.Size, &f.MD5, &f.MTime,
		&f.BytesDone, &f.Attempts, &f.ErrorKind, &f.HTTPStatus)
	if err == sql.ErrNoRows {
		return nil, ErrAlreadyClaimed
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	f.Status = StatusDownloading
	return &f, nil
}

// Checkpoint persists the byte counter mid-transfer.
func (s *Store) Checkpoint(key FileKey, bytesDone int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE files SET bytes_done = ?, updated_at = ? WHERE item_id = ? AND file_name = ?",
		bytesDone, time.Now().Unix(), key.ItemID, key.Name)
	if err != nil {
		return fmt.Errorf("failed to checkpoint %s: %w", key, err)
	}
	return nil
}

// RecordAttempt persists a failed attempt without releasing the claim.
func (s *Store) RecordAttempt(key FileKey, attempts int, kind string, httpStatus int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE files SET attempts = ?, error_kind = ?, http_status = ?, updated_at = ? WHERE item_id = ? AND file_name = ?",
		attempts, kind, httpStatus, time.Now().Unix(), key.ItemID, key.Name)
	if err != nil {
		return fmt.Errorf("failed to record attempt on %s: %w", key, err)
	}
	return nil
}

// Release writes a claim's terminal outcome in one update.
func (s *Store) Release(key FileKey, out Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE files SET status = ?, bytes_done = ?, attempts = ?,
		       error_kind = ?, http_status = ?, claimed_by = '', updated_at = ?
		WHERE item_id = ? AND file_name = ?
	`, out.Status, out.BytesDone, out.Attempts, out.ErrorKind, out.HTTPStatus,
		time.Now().Unix(), key.ItemID, key.Name)
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", key, err)
	}
	return nil
}

// ReclaimStale returns crashed state to the queue: downloading files go
// back to pending (only a live claim is authoritative) and items stuck
// mid-resolution are re-resolved.
func (s *Store) ReclaimStale() (int64, error) {
	var reclaimed int64
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"UPDATE files SET status = ?, claimed_by = '' WHERE status = ?",
			StatusPending, StatusDownloading)
		if err != nil {
			return fmt.Errorf("failed to reclaim files: %w", err)
		}
		reclaimed, _ = res.RowsAffected()

		if _, err := tx.Exec(
			"UPDATE items SET status = ? WHERE status = ?",
			ItemPending, ItemResolving); err != nil {
			return fmt.Errorf("failed to reclaim items: %w", err)
		}
		return nil
	})
	return reclaimed, err
}

// ---------------- aggregates ----------------

// TakeSnapshot computes the aggregate counts for metrics and status.
func (s *Store) TakeSnapshot() (*Snapshot, error) {
	snap := &Snapshot{}

	rows, err := s.db.Query(`
		SELECT status, COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'done' OR status = 'skipped' THEN size ELSE bytes_done END), 0),
		       COALESCE(SUM(size), 0)
		FROM files GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate files: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status       string
			count        int64
			bytes, total int64
		)
		if err := rows.Scan(&status, &count, &bytes, &total); err != nil {
			return nil, err
		}
		snap.TotalFiles += count
		snap.BytesDone += bytes
		snap.BytesTotal += total
		switch status {
		case StatusDone:
			snap.Done = count
		case StatusFailed:
			snap.Failed = count
		case StatusSkipped:
			snap.Skipped = count
		case StatusPending:
			snap.Pending = count
		case StatusDownloading:
			snap.InProgress = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	row := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'resolved' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM items
	`)
	if err := row.Scan(&snap.ItemsTotal, &snap.ItemsResolved, &snap.ItemsFailed); err != nil {
		return nil, fmt.Errorf("failed to aggregate items: %w", err)
	}

	var started, finished sql.NullInt64
	var outcome sql.NullString
	row = s.db.QueryRow("SELECT started_at, finished_at, outcome FROM runs ORDER BY started_at DESC LIMIT 1")
	if err := row.Scan(&started, &finished, &outcome); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read last run: %w", err)
	}
	if started.Valid {
		snap.LastRunStarted = started.Int64
	}
	if finished.Valid {
		snap.LastRunFinished = finished.Int64
	}
	if outcome.Valid {
		snap.LastRunOutcome = outcome.String
	}

	return snap, nil
}

// ---------------- runs ----------------

// BeginRun records the start of an engine session.
func (s *Store) BeginRun(runID string) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"INSERT INTO runs (run_id, started_at) VALUES (?, ?)",
			runID, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("failed to record run: %w", err)
		}
		return nil
	})
}

// FinishRun records a session's terminal outcome.
func (s *Store) FinishRun(runID, outcome string) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"UPDATE runs SET finished_at = ?, outcome = ? WHERE run_id = ?",
			time.Now().Unix(), outcome, runID)
		if err != nil {
			return fmt.Errorf("failed to finish run: %w", err)
		}
		return nil
	})
}
