package store

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a job, freeze, or worker does not exist.
var ErrNotFound = errors.New("not found")

// Store is the durable job ledger. All status transitions go through it so
// that concurrent workers and reviewers never race on read-then-write.
type Store interface {
	// CreateJob inserts a new job in status created and returns it.
	CreateJob(engineName, instructions string) (*Job, error)
	GetJob(id string) (*Job, error)
	// ListJobs returns jobs filtered by status, newest first. An empty
	// status returns all jobs.
	ListJobs(status JobStatus) ([]Job, error)
	CountByStatus() (map[JobStatus]int, error)

	// ClaimNext atomically assigns the oldest eligible job to workerID and
	// moves it to processing. Eligible means created, or processing with no
	// assigned worker (released or resumed). Returns (nil, nil) when no job
	// is eligible. The claim is a single conditional update.
	ClaimNext(workerID string) (*Job, error)
	// Heartbeat refreshes the liveness timestamp of a claimed job. Fails if
	// the job is no longer processing under workerID.
	Heartbeat(jobID, workerID string) error
	// Release clears the worker assignment of a processing job so another
	// worker can claim it. Operator remedy for stuck jobs.
	Release(jobID string) error
	// StuckJobs returns processing jobs with no heartbeat for olderThan.
	StuckJobs(olderThan time.Duration) ([]Job, error)

	// Freeze moves a processing job to pending_review and persists its
	// completion record.
	Freeze(jobID string, fr FrozenRecord) error
	GetFrozen(jobID string) (*FrozenRecord, error)
	// Approve moves a pending_review job to completed.
	Approve(jobID, notes string) error
	// Resume moves a pending_review or failed job back to processing with
	// no assigned worker, appends feedback, and drops the frozen record.
	Resume(jobID, feedback string) error
	// Cancel stops a created or processing job.
	Cancel(jobID string) error
	// Fail marks a processing job failed with an error message.
	Fail(jobID, errMsg string) error

	StartPhase(jobID string, number int, kind PhaseKind) error
	EndPhase(jobID string, number int, outcome PhaseOutcome) error
	ListPhases(jobID string) ([]Phase, error)

	// AddEvent records an audit-trail entry. Failures are swallowed: events
	// must never break the operation that emitted them.
	AddEvent(jobID, workerID, eventType, detail string)
	GetEvents(jobID string) ([]Event, error)

	RegisterWorker(id, hostname string, pid int) error
	TouchWorker(id string) error
	ListWorkers() ([]WorkerInfo, error)

	Close() error
}

// Open builds a Store for the configured driver.
func Open(driver, path, dsn string) (Store, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLite(path)
	case "postgres":
		return NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
