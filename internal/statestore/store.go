// Package statestore provides SQLite-backed versioned persistence for
// workflow runs. Every save copies the previous current value into an
// append-only history table inside the same transaction, so any prior
// version can be inspected or replayed.
package statestore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hochfrequenz/runforge/internal/domain"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a run id or version does not exist
var ErrNotFound = errors.New("statestore: not found")

// StorageError wraps an underlying database failure
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

// Store provides versioned run state, phase records and dead letters
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	writers map[string]*writerLock
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, &StorageError{Op: "open database", Err: err}
	}
	if dbPath == ":memory:" {
		// A second pooled connection would open its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, &StorageError{Op: "enable foreign keys", Err: err}
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, &StorageError{Op: "running migrations", Err: err}
	}

	return &Store{db: db, writers: make(map[string]*writerLock)}, nil
}

// dsn appends the pragmas a shared on-disk database needs: WAL so
// readers never block on a writer, and a busy timeout so transactions
// for different runs queue behind each other instead of failing with
// SQLITE_BUSY.
func dsn(path string) string {
	if path == ":memory:" {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// writerLock serializes writes for one run id. Entries are reference
// counted and dropped once the last holder releases, so the map does
// not grow with the number of runs a long-lived process has seen.
type writerLock struct {
	mu   sync.Mutex
	refs int
}

// acquireWriter locks the single-writer mutex for a run id. Writes for
// the same run serialize on it; writes for different runs never block
// each other.
func (s *Store) acquireWriter(runID string) *writerLock {
	s.mu.Lock()
	w, ok := s.writers[runID]
	if !ok {
		w = &writerLock{}
		s.writers[runID] = w
	}
	w.refs++
	s.mu.Unlock()

	w.mu.Lock()
	return w
}

func (s *Store) releaseWriter(runID string, w *writerLock) {
	w.mu.Unlock()

	s.mu.Lock()
	w.refs--
	if w.refs == 0 {
		delete(s.writers, runID)
	}
	s.mu.Unlock()
}

// Save persists run as the new current state and returns the new version.
// The previous current value is moved into history and the version counter
// increments by exactly 1, all inside one transaction.
func (s *Store) Save(run *domain.WorkflowRun) (int64, error) {
	w := s.acquireWriter(run.ID)
	defer s.releaseWriter(run.ID, w)

	tx, err := s.db.Begin()
	if err != nil {
		return 0, &StorageError{Op: "begin save", Err: err}
	}
	defer tx.Rollback()

	var curVersion int64
	var curPayload string
	err = tx.QueryRow(`SELECT version, payload FROM run_state WHERE run_id = ?`, run.ID).
		Scan(&curVersion, &curPayload)
	switch {
	case err == sql.ErrNoRows:
		curVersion = 0
	case err != nil:
		return 0, &StorageError{Op: "read current state", Err: err}
	default:
		_, err = tx.Exec(`INSERT INTO run_state_history (run_id, version, payload, saved_at) VALUES (?, ?, ?, ?)`,
			run.ID, curVersion, curPayload, time.Now().UTC())
		if err != nil {
			return 0, &StorageError{Op: "archive current state", Err: err}
		}
	}

	// The caller's struct is updated only after the commit succeeds, so
	// a failed save never leaves it claiming an unpersisted version.
	newVersion := curVersion + 1
	updatedAt := time.Now().UTC()
	snapshot := *run
	snapshot.Version = newVersion
	snapshot.UpdatedAt = updatedAt

	payload, err := json.Marshal(&snapshot)
	if err != nil {
		return 0, fmt.Errorf("marshal run %s: %w", run.ID, err)
	}

	_, err = tx.Exec(`
		INSERT INTO run_state (run_id, version, status, pipeline, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			version = excluded.version,
			status = excluded.status,
			pipeline = excluded.pipeline,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, run.ID, newVersion, string(run.Status), run.Pipeline, string(payload), updatedAt)
	if err != nil {
		return 0, &StorageError{Op: "write current state", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return 0, &StorageError{Op: "commit save", Err: err}
	}
	run.Version = newVersion
	run.UpdatedAt = updatedAt
	return newVersion, nil
}

// Load returns the current state for a run id
func (s *Store) Load(runID string) (*domain.WorkflowRun, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM run_state WHERE run_id = ?`, runID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "load run", Err: err}
	}
	return unmarshalRun(payload)
}

// LoadVersion returns the state a run had at a specific version
func (s *Store) LoadVersion(runID string, version int64) (*domain.WorkflowRun, error) {
	var payload string
	var curVersion int64
	err := s.db.QueryRow(`SELECT version, payload FROM run_state WHERE run_id = ?`, runID).
		Scan(&curVersion, &payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "load run", Err: err}
	}
	if curVersion == version {
		return unmarshalRun(payload)
	}

	err = s.db.QueryRow(`SELECT payload FROM run_state_history WHERE run_id = ? AND version = ?`,
		runID, version).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "load run version", Err: err}
	}
	return unmarshalRun(payload)
}

// Rollback replays a historical version as the new current value. The
// replayed state goes through the normal save path, so it gets a fresh
// version and the history chain keeps every intermediate state.
func (s *Store) Rollback(runID string, version int64) (bool, error) {
	run, err := s.LoadVersion(runID, version)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := s.Save(run); err != nil {
		return false, err
	}
	return true, nil
}

// ListRuns returns current run states, optionally filtered by status
func (s *Store) ListRuns(status domain.RunStatus) ([]*domain.WorkflowRun, error) {
	query := `SELECT payload FROM run_state`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, &StorageError{Op: "list runs", Err: err}
	}
	defer rows.Close()

	var runs []*domain.WorkflowRun
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, &StorageError{Op: "scan run", Err: err}
		}
		run, err := unmarshalRun(payload)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// AppendPhaseRecord appends one phase attempt. If rec.Attempt is zero the
// next contiguous attempt number for the phase is assigned.
func (s *Store) AppendPhaseRecord(rec *domain.PhaseRecord) error {
	w := s.acquireWriter(rec.RunID)
	defer s.releaseWriter(rec.RunID, w)

	tx, err := s.db.Begin()
	if err != nil {
		return &StorageError{Op: "begin phase record", Err: err}
	}
	defer tx.Rollback()

	var maxAttempt int
	err = tx.QueryRow(`SELECT COALESCE(MAX(attempt), 0) FROM phase_records WHERE run_id = ? AND phase = ?`,
		rec.RunID, rec.Phase).Scan(&maxAttempt)
	if err != nil {
		return &StorageError{Op: "read max attempt", Err: err}
	}

	if rec.Attempt == 0 {
		rec.Attempt = maxAttempt + 1
	} else if rec.Attempt != maxAttempt+1 {
		return fmt.Errorf("attempt %d for phase %s is not contiguous (last was %d)",
			rec.Attempt, rec.Phase, maxAttempt)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	_, err = tx.Exec(`
		INSERT INTO phase_records (run_id, phase, attempt, session_id, outcome, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.RunID, rec.Phase, rec.Attempt, rec.SessionID, string(rec.Outcome),
		rec.Duration.Milliseconds(), rec.Timestamp)
	if err != nil {
		return &StorageError{Op: "write phase record", Err: err}
	}
	return tx.Commit()
}

// ListPhaseRecords returns all phase attempts for a run in insertion order
func (s *Store) ListPhaseRecords(runID string) ([]*domain.PhaseRecord, error) {
	rows, err := s.db.Query(`
		SELECT phase, attempt, session_id, outcome, duration_ms, created_at
		FROM phase_records WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, &StorageError{Op: "list phase records", Err: err}
	}
	defer rows.Close()

	var records []*domain.PhaseRecord
	for rows.Next() {
		rec := &domain.PhaseRecord{RunID: runID}
		var durationMS int64
		var outcome string
		if err := rows.Scan(&rec.Phase, &rec.Attempt, &rec.SessionID, &outcome, &durationMS, &rec.Timestamp); err != nil {
			return nil, &StorageError{Op: "scan phase record", Err: err}
		}
		rec.Outcome = domain.PhaseOutcome(outcome)
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PutDeadLetter stores a dead letter, replacing any previous entry for the run
func (s *Store) PutDeadLetter(entry *domain.DeadLetterEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO dead_letters (run_id, phase, request, error, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			phase = excluded.phase,
			request = excluded.request,
			error = excluded.error,
			created_at = excluded.created_at
	`, entry.RunID, entry.Phase, entry.Request, entry.ErrorText, entry.CreatedAt)
	if err != nil {
		return &StorageError{Op: "write dead letter", Err: err}
	}
	return nil
}

// GetDeadLetter returns the dead letter for a run id
func (s *Store) GetDeadLetter(runID string) (*domain.DeadLetterEntry, error) {
	entry := &domain.DeadLetterEntry{RunID: runID}
	err := s.db.QueryRow(`SELECT phase, request, error, created_at FROM dead_letters WHERE run_id = ?`,
		runID).Scan(&entry.Phase, &entry.Request, &entry.ErrorText, &entry.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "load dead letter", Err: err}
	}
	return entry, nil
}

// ListDeadLetters returns all dead letters, newest first
func (s *Store) ListDeadLetters() ([]*domain.DeadLetterEntry, error) {
	rows, err := s.db.Query(`SELECT run_id, phase, request, error, created_at FROM dead_letters ORDER BY created_at DESC`)
	if err != nil {
		return nil, &StorageError{Op: "list dead letters", Err: err}
	}
	defer rows.Close()

	var entries []*domain.DeadLetterEntry
	for rows.Next() {
		entry := &domain.DeadLetterEntry{}
		if err := rows.Scan(&entry.RunID, &entry.Phase, &entry.Request, &entry.ErrorText, &entry.CreatedAt); err != nil {
			return nil, &StorageError{Op: "scan dead letter", Err: err}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// DeleteDeadLetter removes a dead letter after manual reprocessing
func (s *Store) DeleteDeadLetter(runID string) error {
	_, err := s.db.Exec(`DELETE FROM dead_letters WHERE run_id = ?`, runID)
	if err != nil {
		return &StorageError{Op: "delete dead letter", Err: err}
	}
	return nil
}

func unmarshalRun(payload string) (*domain.WorkflowRun, error) {
	var run domain.WorkflowRun
	if err := json.Unmarshal([]byte(payload), &run); err != nil {
		return nil, fmt.Errorf("unmarshal run state: %w", err)
	}
	return &run, nil
}
