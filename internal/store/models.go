package store

import "time"

// JobStatus represents the current state of a job in the ledger.
type JobStatus string

const (
	StatusCreated       JobStatus = "created"
	StatusProcessing    JobStatus = "processing"
	StatusPendingReview JobStatus = "pending_review"
	StatusCompleted     JobStatus = "completed"
	StatusFailed        JobStatus = "failed"
	StatusCancelled     JobStatus = "cancelled"
)

// PhaseKind distinguishes planning segments from execution segments.
type PhaseKind string

const (
	PhaseStrategic PhaseKind = "strategic" // planning/review: may update memory, declare terminal
	PhaseTactical  PhaseKind = "tactical"  // execution: drains the handoff task list
)

// PhaseOutcome records how a phase segment ended.
type PhaseOutcome string

const (
	OutcomeAdvanced    PhaseOutcome = "advanced"    // normal transition to the next phase
	OutcomeRewound     PhaseOutcome = "rewound"     // aborted tactical list, forced strategic
	OutcomeTerminal    PhaseOutcome = "terminal"    // accepted completion declaration
	OutcomeInterrupted PhaseOutcome = "interrupted" // worker died or abandoned mid-phase
)

// Job is the unit of work tracked by the ledger. Status is mutated only
// through store operations, never by direct writes from a worker.
type Job struct {
	ID               string     `json:"id"`
	Status           JobStatus  `json:"status"`
	Engine           string     `json:"engine,omitempty"` // engine config name, empty for the default
	Instructions     string     `json:"instructions"`
	Feedback         string     `json:"feedback,omitempty"` // accumulated resume-with-feedback text
	AssignedWorkerID *string    `json:"assigned_worker_id,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Phase is one strategic or tactical segment of a job's run.
type Phase struct {
	JobID     string       `json:"job_id"`
	Number    int          `json:"number"`
	Kind      PhaseKind    `json:"kind"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
	Outcome   PhaseOutcome `json:"outcome,omitempty"`
}

// FrozenRecord is the self-reported completion summary persisted when a job
// reaches pending_review. Deleted again if the job is resumed with feedback.
type FrozenRecord struct {
	JobID        string     `json:"job_id"`
	Summary      string     `json:"summary"`
	Deliverables []string   `json:"deliverables"`
	Confidence   float64    `json:"confidence"` // 0.0 - 1.0
	Notes        string     `json:"notes,omitempty"`
	FrozenAt     time.Time  `json:"frozen_at"`
	ReviewNotes  string     `json:"review_notes,omitempty"`
	ReviewedAt   *time.Time `json:"reviewed_at,omitempty"`
}

// Event is an audit-trail entry for a job.
type Event struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Type      string    `json:"event_type"` // created, claimed, phase_started, handoff_rejected, frozen, resumed, ...
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// WorkerInfo is a registered worker process.
type WorkerInfo struct {
	ID        string    `json:"id"`
	Hostname  string    `json:"hostname"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	LastSeen  time.Time `json:"last_seen"`
}
