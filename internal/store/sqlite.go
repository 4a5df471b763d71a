package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLite is the embedded single-file ledger. WAL mode so a claiming worker
// and a reviewing CLI can share the file.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens or creates the ledger database at path.
func NewSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'created',
		engine_name TEXT NOT NULL DEFAULT '',
		instructions TEXT NOT NULL,
		feedback TEXT NOT NULL DEFAULT '',
		assigned_worker_id TEXT,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS phases (
		job_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		kind TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP,
		outcome TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (job_id, number)
	);

	CREATE TABLE IF NOT EXISTS freezes (
		job_id TEXT PRIMARY KEY,
		summary TEXT NOT NULL,
		deliverables TEXT NOT NULL DEFAULT '[]',
		confidence REAL NOT NULL DEFAULT 0,
		notes TEXT NOT NULL DEFAULT '',
		frozen_at TIMESTAMP NOT NULL,
		review_notes TEXT NOT NULL DEFAULT '',
		reviewed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		worker_id TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		hostname TEXT NOT NULL DEFAULT '',
		pid INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		last_seen TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_events_job ON events(job_id, id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the initial schema shipped.
	if err := s.addColumnIfMissing("jobs", "feedback", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := s.addColumnIfMissing("jobs", "error_message", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	return nil
}

func (s *SQLite) addColumnIfMissing(table, column, definition string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer rows.Close()

	exists := false
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if name == column {
			exists = true
			break
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	return err
}

const jobColumns = "id, status, engine_name, instructions, feedback, assigned_worker_id, error_message, created_at, updated_at, completed_at"

func (s *SQLite) CreateJob(engineName, instructions string) (*Job, error) {
	now := time.Now().UTC()
	job := &Job{
		ID:           uuid.NewString(),
		Status:       StatusCreated,
		Engine:       engineName,
		Instructions: instructions,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := s.db.Exec(
		"INSERT INTO jobs (id, status, engine_name, instructions, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		job.ID, job.Status, job.Engine, job.Instructions, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.AddEvent(job.ID, "", "created", "")
	return job, nil
}

func (s *SQLite) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow("SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *SQLite) ListJobs(status JobStatus) ([]Job, error) {
	if status == "" {
		return s.queryJobs("SELECT " + jobColumns + " FROM jobs ORDER BY created_at DESC")
	}
	return s.queryJobs("SELECT "+jobColumns+" FROM jobs WHERE status = ? ORDER BY created_at DESC", status)
}

func (s *SQLite) CountByStatus() (map[JobStatus]int, error) {
	rows, err := s.db.Query("SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// claimable matches jobs a worker may take: freshly created, or processing
// with no owner (released by an operator or resumed after review).
const claimable = "(status = 'created' OR (status = 'processing' AND assigned_worker_id IS NULL))"

func (s *SQLite) ClaimNext(workerID string) (*Job, error) {
	row := s.db.QueryRow(`
		UPDATE jobs SET status = ?, assigned_worker_id = ?, updated_at = ?
		WHERE id = (SELECT id FROM jobs WHERE `+claimable+` ORDER BY created_at LIMIT 1)
		AND `+claimable+`
		RETURNING `+jobColumns,
		StatusProcessing, workerID, time.Now().UTC(),
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	s.AddEvent(job.ID, workerID, "claimed", "")
	return job, nil
}

func (s *SQLite) Heartbeat(jobID, workerID string) error {
	res, err := s.db.Exec(
		"UPDATE jobs SET updated_at = ? WHERE id = ? AND status = ? AND assigned_worker_id = ?",
		time.Now().UTC(), jobID, StatusProcessing, workerID,
	)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionMiss("heartbeat", jobID)
	}
	return nil
}

func (s *SQLite) Release(jobID string) error {
	res, err := s.db.Exec(
		"UPDATE jobs SET assigned_worker_id = NULL, updated_at = ? WHERE id = ? AND status = ?",
		time.Now().UTC(), jobID, StatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionMiss("release", jobID)
	}
	s.AddEvent(jobID, "", "released", "worker assignment cleared")
	return nil
}

func (s *SQLite) StuckJobs(olderThan time.Duration) ([]Job, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	return s.queryJobs(
		"SELECT "+jobColumns+" FROM jobs WHERE status = ? AND assigned_worker_id IS NOT NULL AND updated_at < ? ORDER BY updated_at",
		StatusProcessing, cutoff,
	)
}

func (s *SQLite) Freeze(jobID string, fr FrozenRecord) error {
	deliverables, err := json.Marshal(fr.Deliverables)
	if err != nil {
		return fmt.Errorf("encode deliverables: %w", err)
	}
	now := time.Now().UTC()

	res, err := s.db.Exec(
		"UPDATE jobs SET status = ?, assigned_worker_id = NULL, updated_at = ? WHERE id = ? AND status = ?",
		StatusPendingReview, now, jobID, StatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("freeze job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionMiss("freeze", jobID)
	}

	_, err = s.db.Exec(`
		INSERT INTO freezes (job_id, summary, deliverables, confidence, notes, frozen_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			summary = excluded.summary,
			deliverables = excluded.deliverables,
			confidence = excluded.confidence,
			notes = excluded.notes,
			frozen_at = excluded.frozen_at,
			review_notes = '',
			reviewed_at = NULL`,
		jobID, fr.Summary, string(deliverables), fr.Confidence, fr.Notes, now,
	)
	if err != nil {
		return fmt.Errorf("store frozen record: %w", err)
	}
	s.AddEvent(jobID, "", "frozen", fr.Summary)
	return nil
}

func (s *SQLite) GetFrozen(jobID string) (*FrozenRecord, error) {
	row := s.db.QueryRow(
		"SELECT job_id, summary, deliverables, confidence, notes, frozen_at, review_notes, reviewed_at FROM freezes WHERE job_id = ?",
		jobID,
	)
	var fr FrozenRecord
	var deliverables string
	var reviewedAt sql.NullTime
	err := row.Scan(&fr.JobID, &fr.Summary, &deliverables, &fr.Confidence, &fr.Notes, &fr.FrozenAt, &fr.ReviewNotes, &reviewedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("frozen record for job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get frozen record: %w", err)
	}
	if err := json.Unmarshal([]byte(deliverables), &fr.Deliverables); err != nil {
		return nil, fmt.Errorf("decode deliverables: %w", err)
	}
	if reviewedAt.Valid {
		fr.ReviewedAt = &reviewedAt.Time
	}
	return &fr, nil
}

func (s *SQLite) Approve(jobID, notes string) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		"UPDATE jobs SET status = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status = ?",
		StatusCompleted, now, now, jobID, StatusPendingReview,
	)
	if err != nil {
		return fmt.Errorf("approve job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionMiss("approve", jobID)
	}
	_, err = s.db.Exec(
		"UPDATE freezes SET review_notes = ?, reviewed_at = ? WHERE job_id = ?",
		notes, now, jobID,
	)
	if err != nil {
		return fmt.Errorf("record review: %w", err)
	}
	s.AddEvent(jobID, "", "approved", notes)
	return nil
}

func (s *SQLite) Resume(jobID, feedback string) error {
	res, err := s.db.Exec(`
		UPDATE jobs SET status = ?, assigned_worker_id = NULL, error_message = '',
			feedback = CASE WHEN feedback = '' THEN ? ELSE feedback || char(10) || char(10) || ? END,
			updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		StatusProcessing, feedback, feedback, time.Now().UTC(), jobID, StatusPendingReview, StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("resume job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionMiss("resume", jobID)
	}
	if _, err := s.db.Exec("DELETE FROM freezes WHERE job_id = ?", jobID); err != nil {
		return fmt.Errorf("drop frozen record: %w", err)
	}
	s.AddEvent(jobID, "", "resumed", feedback)
	return nil
}

func (s *SQLite) Cancel(jobID string) error {
	res, err := s.db.Exec(
		"UPDATE jobs SET status = ?, assigned_worker_id = NULL, updated_at = ? WHERE id = ? AND status IN (?, ?)",
		StatusCancelled, time.Now().UTC(), jobID, StatusCreated, StatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionMiss("cancel", jobID)
	}
	s.AddEvent(jobID, "", "cancelled", "")
	return nil
}

func (s *SQLite) Fail(jobID, errMsg string) error {
	res, err := s.db.Exec(
		"UPDATE jobs SET status = ?, assigned_worker_id = NULL, error_message = ?, updated_at = ? WHERE id = ? AND status = ?",
		StatusFailed, errMsg, time.Now().UTC(), jobID, StatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionMiss("fail", jobID)
	}
	s.AddEvent(jobID, "", "failed", errMsg)
	return nil
}

func (s *SQLite) StartPhase(jobID string, number int, kind PhaseKind) error {
	_, err := s.db.Exec(
		"INSERT INTO phases (job_id, number, kind, started_at) VALUES (?, ?, ?, ?)",
		jobID, number, kind, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("start phase: %w", err)
	}
	return nil
}

func (s *SQLite) EndPhase(jobID string, number int, outcome PhaseOutcome) error {
	res, err := s.db.Exec(
		"UPDATE phases SET ended_at = ?, outcome = ? WHERE job_id = ? AND number = ?",
		time.Now().UTC(), outcome, jobID, number,
	)
	if err != nil {
		return fmt.Errorf("end phase: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end phase %d of job %s: %w", number, jobID, ErrNotFound)
	}
	return nil
}

func (s *SQLite) ListPhases(jobID string) ([]Phase, error) {
	rows, err := s.db.Query(
		"SELECT job_id, number, kind, started_at, ended_at, outcome FROM phases WHERE job_id = ? ORDER BY number",
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list phases: %w", err)
	}
	defer rows.Close()

	var phases []Phase
	for rows.Next() {
		var p Phase
		var endedAt sql.NullTime
		if err := rows.Scan(&p.JobID, &p.Number, &p.Kind, &p.StartedAt, &endedAt, &p.Outcome); err != nil {
			return nil, fmt.Errorf("scan phase: %w", err)
		}
		if endedAt.Valid {
			p.EndedAt = &endedAt.Time
		}
		phases = append(phases, p)
	}
	return phases, rows.Err()
}

func (s *SQLite) AddEvent(jobID, workerID, eventType, detail string) {
	_, _ = s.db.Exec(
		"INSERT INTO events (job_id, worker_id, event_type, detail, created_at) VALUES (?, ?, ?, ?, ?)",
		jobID, workerID, eventType, detail, time.Now().UTC(),
	)
}

func (s *SQLite) GetEvents(jobID string) ([]Event, error) {
	rows, err := s.db.Query(
		"SELECT id, job_id, worker_id, event_type, detail, created_at FROM events WHERE job_id = ? ORDER BY id",
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.JobID, &e.WorkerID, &e.Type, &e.Detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLite) RegisterWorker(id, hostname string, pid int) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO workers (id, hostname, pid, started_at, last_seen) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET hostname = excluded.hostname, pid = excluded.pid, last_seen = excluded.last_seen`,
		id, hostname, pid, now, now,
	)
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	return nil
}

func (s *SQLite) TouchWorker(id string) error {
	res, err := s.db.Exec("UPDATE workers SET last_seen = ? WHERE id = ?", time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch worker: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLite) ListWorkers() ([]WorkerInfo, error) {
	rows, err := s.db.Query("SELECT id, hostname, pid, started_at, last_seen FROM workers ORDER BY last_seen DESC")
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []WorkerInfo
	for rows.Next() {
		var w WorkerInfo
		if err := rows.Scan(&w.ID, &w.Hostname, &w.PID, &w.StartedAt, &w.LastSeen); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func (s *SQLite) queryJobs(query string, args ...any) ([]Job, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJobRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// transitionMiss reports why a conditional status update matched no rows.
func (s *SQLite) transitionMiss(op, jobID string) error {
	job, err := s.GetJob(jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%s job %s: status is %s", op, jobID, job.Status)
}

func scanJob(row *sql.Row) (*Job, error) {
	var job Job
	var worker sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(
		&job.ID, &job.Status, &job.Engine, &job.Instructions, &job.Feedback,
		&worker, &job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if worker.Valid {
		job.AssignedWorkerID = &worker.String
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return &job, nil
}

func scanJobRows(rows *sql.Rows) (*Job, error) {
	var job Job
	var worker sql.NullString
	var completedAt sql.NullTime
	err := rows.Scan(
		&job.ID, &job.Status, &job.Engine, &job.Instructions, &job.Feedback,
		&worker, &job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if worker.Valid {
		job.AssignedWorkerID = &worker.String
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return &job, nil
}
