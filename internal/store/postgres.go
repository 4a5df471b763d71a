package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Postgres is the shared ledger for multi-host worker fleets. Claims take
// row locks with SKIP LOCKED so workers never block each other.
type Postgres struct {
	db *sql.DB
}

// NewPostgres connects to the ledger database at dsn.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	s := &Postgres{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Postgres) Close() error {
	return s.db.Close()
}

func (s *Postgres) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'created',
		engine_name TEXT NOT NULL DEFAULT '',
		instructions TEXT NOT NULL,
		feedback TEXT NOT NULL DEFAULT '',
		assigned_worker_id TEXT,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS phases (
		job_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		kind TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		outcome TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (job_id, number)
	);

	CREATE TABLE IF NOT EXISTS freezes (
		job_id TEXT PRIMARY KEY,
		summary TEXT NOT NULL,
		deliverables TEXT NOT NULL DEFAULT '[]',
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		notes TEXT NOT NULL DEFAULT '',
		frozen_at TIMESTAMPTZ NOT NULL,
		review_notes TEXT NOT NULL DEFAULT '',
		reviewed_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS events (
		id BIGSERIAL PRIMARY KEY,
		job_id TEXT NOT NULL,
		worker_id TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		hostname TEXT NOT NULL DEFAULT '',
		pid INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ NOT NULL,
		last_seen TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_events_job ON events(job_id, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Postgres) CreateJob(engineName, instructions string) (*Job, error) {
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
		"INSERT INTO jobs (id, status, engine_name, instructions, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)",
		job.ID, job.Status, job.Engine, job.Instructions, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.AddEvent(job.ID, "", "created", "")
	return job, nil
}

func (s *Postgres) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow("SELECT "+jobColumns+" FROM jobs WHERE id = $1", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *Postgres) ListJobs(status JobStatus) ([]Job, error) {
	if status == "" {
		return s.queryJobs("SELECT " + jobColumns + " FROM jobs ORDER BY created_at DESC")
	}
	return s.queryJobs("SELECT "+jobColumns+" FROM jobs WHERE status = $1 ORDER BY created_at DESC", status)
}

func (s *Postgres) CountByStatus() (map[JobStatus]int, error) {
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

func (s *Postgres) ClaimNext(workerID string) (*Job, error) {
	// SKIP LOCKED keeps concurrent claimers from blocking on the same row;
	// each candidate row goes to exactly one worker.
	row := s.db.QueryRow(`
		UPDATE jobs SET status = 'processing', assigned_worker_id = $1, updated_at = $2
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'created' OR (status = 'processing' AND assigned_worker_id IS NULL)
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		workerID, time.Now().UTC(),
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

func (s *Postgres) Heartbeat(jobID, workerID string) error {
	res, err := s.db.Exec(
		"UPDATE jobs SET updated_at = $1 WHERE id = $2 AND status = 'processing' AND assigned_worker_id = $3",
		time.Now().UTC(), jobID, workerID,
	)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionMiss("heartbeat", jobID)
	}
	return nil
}

func (s *Postgres) Release(jobID string) error {
	res, err := s.db.Exec(
		"UPDATE jobs SET assigned_worker_id = NULL, updated_at = $1 WHERE id = $2 AND status = 'processing'",
		time.Now().UTC(), jobID,
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

func (s *Postgres) StuckJobs(olderThan time.Duration) ([]Job, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	return s.queryJobs(
		"SELECT "+jobColumns+" FROM jobs WHERE status = 'processing' AND assigned_worker_id IS NOT NULL AND updated_at < $1 ORDER BY updated_at",
		cutoff,
	)
}

func (s *Postgres) Freeze(jobID string, fr FrozenRecord) error {
	deliverables, err := json.Marshal(fr.Deliverables)
	if err != nil {
		return fmt.Errorf("encode deliverables: %w", err)
	}
	now := time.Now().UTC()

	res, err := s.db.Exec(
		"UPDATE jobs SET status = 'pending_review', assigned_worker_id = NULL, updated_at = $1 WHERE id = $2 AND status = 'processing'",
		now, jobID,
	)
	if err != nil {
		return fmt.Errorf("freeze job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionMiss("freeze", jobID)
	}

	_, err = s.db.Exec(`
		INSERT INTO freezes (job_id, summary, deliverables, confidence, notes, frozen_at)
		VALUES ($1, $2, $3, $4, $5, $6)
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

func (s *Postgres) GetFrozen(jobID string) (*FrozenRecord, error) {
	row := s.db.QueryRow(
		"SELECT job_id, summary, deliverables, confidence, notes, frozen_at, review_notes, reviewed_at FROM freezes WHERE job_id = $1",
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

func (s *Postgres) Approve(jobID, notes string) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		"UPDATE jobs SET status = 'completed', completed_at = $1, updated_at = $1 WHERE id = $2 AND status = 'pending_review'",
		now, jobID,
	)
	if err != nil {
		return fmt.Errorf("approve job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionMiss("approve", jobID)
	}
	_, err = s.db.Exec(
		"UPDATE freezes SET review_notes = $1, reviewed_at = $2 WHERE job_id = $3",
		notes, now, jobID,
	)
	if err != nil {
		return fmt.Errorf("record review: %w", err)
	}
	s.AddEvent(jobID, "", "approved", notes)
	return nil
}

func (s *Postgres) Resume(jobID, feedback string) error {
	res, err := s.db.Exec(`
		UPDATE jobs SET status = 'processing', assigned_worker_id = NULL, error_message = '',
			feedback = CASE WHEN feedback = '' THEN $1 ELSE feedback || E'\n\n' || $1 END,
			updated_at = $2
		WHERE id = $3 AND status IN ('pending_review', 'failed')`,
		feedback, time.Now().UTC(), jobID,
	)
	if err != nil {
		return fmt.Errorf("resume job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionMiss("resume", jobID)
	}
	if _, err := s.db.Exec("DELETE FROM freezes WHERE job_id = $1", jobID); err != nil {
		return fmt.Errorf("drop frozen record: %w", err)
	}
	s.AddEvent(jobID, "", "resumed", feedback)
	return nil
}

func (s *Postgres) Cancel(jobID string) error {
	res, err := s.db.Exec(
		"UPDATE jobs SET status = 'cancelled', assigned_worker_id = NULL, updated_at = $1 WHERE id = $2 AND status IN ('created', 'processing')",
		time.Now().UTC(), jobID,
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

func (s *Postgres) Fail(jobID, errMsg string) error {
	res, err := s.db.Exec(
		"UPDATE jobs SET status = 'failed', assigned_worker_id = NULL, error_message = $1, updated_at = $2 WHERE id = $3 AND status = 'processing'",
		errMsg, time.Now().UTC(), jobID,
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

func (s *Postgres) StartPhase(jobID string, number int, kind PhaseKind) error {
	_, err := s.db.Exec(
		"INSERT INTO phases (job_id, number, kind, started_at) VALUES ($1, $2, $3, $4)",
		jobID, number, kind, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("start phase: %w", err)
	}
	return nil
}

func (s *Postgres) EndPhase(jobID string, number int, outcome PhaseOutcome) error {
	res, err := s.db.Exec(
		"UPDATE phases SET ended_at = $1, outcome = $2 WHERE job_id = $3 AND number = $4",
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

func (s *Postgres) ListPhases(jobID string) ([]Phase, error) {
	rows, err := s.db.Query(
		"SELECT job_id, number, kind, started_at, ended_at, outcome FROM phases WHERE job_id = $1 ORDER BY number",
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

func (s *Postgres) AddEvent(jobID, workerID, eventType, detail string) {
	_, _ = s.db.Exec(
		"INSERT INTO events (job_id, worker_id, event_type, detail, created_at) VALUES ($1, $2, $3, $4, $5)",
		jobID, workerID, eventType, detail, time.Now().UTC(),
	)
}

func (s *Postgres) GetEvents(jobID string) ([]Event, error) {
	rows, err := s.db.Query(
		"SELECT id, job_id, worker_id, event_type, detail, created_at FROM events WHERE job_id = $1 ORDER BY id",
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

func (s *Postgres) RegisterWorker(id, hostname string, pid int) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO workers (id, hostname, pid, started_at, last_seen) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT(id) DO UPDATE SET hostname = excluded.hostname, pid = excluded.pid, last_seen = excluded.last_seen`,
		id, hostname, pid, now, now,
	)
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	return nil
}

func (s *Postgres) TouchWorker(id string) error {
	res, err := s.db.Exec("UPDATE workers SET last_seen = $1 WHERE id = $2", time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch worker: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Postgres) ListWorkers() ([]WorkerInfo, error) {
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

func (s *Postgres) queryJobs(query string, args ...any) ([]Job, error) {
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

func (s *Postgres) transitionMiss(op, jobID string) error {
	job, err := s.GetJob(jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%s job %s: status is %s", op, jobID, job.Status)
}
