// Package orchestrator owns the job lifecycle around the phase engine:
// submission, review, operator remedies, and the worker runtime that
// claims jobs and drives them to a frozen record.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arnevik/drover/internal/notify"
	"github.com/arnevik/drover/internal/store"
)

// Service is the lifecycle surface used by the CLI and the review console.
// It stays thin on purpose: every transition lives in the store so that
// workers and reviewers share one set of rules.
type Service struct {
	store  store.Store
	broker notify.Broker
	log    *slog.Logger
}

// NewService wraps a store and a hint broker. A nil logger discards.
func NewService(st store.Store, broker notify.Broker, log *slog.Logger) *Service {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Service{store: st, broker: broker, log: log}
}

// Submit creates a job and announces it to idle workers. The hint is
// advisory; a worker that misses it finds the job on its next poll.
func (s *Service) Submit(ctx context.Context, engineName, instructions string) (*store.Job, error) {
	if instructions == "" {
		return nil, fmt.Errorf("submit: instructions are required")
	}
	job, err := s.store.CreateJob(engineName, instructions)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	s.announce(ctx, job.ID)
	s.log.Info("job submitted", "job", job.ID, "engine", job.Engine)
	return job, nil
}

// Get returns one job by ID.
func (s *Service) Get(id string) (*store.Job, error) {
	return s.store.GetJob(id)
}

// List returns jobs filtered by status, newest first. Empty status means all.
func (s *Service) List(status store.JobStatus) ([]store.Job, error) {
	return s.store.ListJobs(status)
}

// Counts returns the number of jobs in each status.
func (s *Service) Counts() (map[store.JobStatus]int, error) {
	return s.store.CountByStatus()
}

// Frozen returns the completion record of a job awaiting review.
func (s *Service) Frozen(jobID string) (*store.FrozenRecord, error) {
	return s.store.GetFrozen(jobID)
}

// Approve accepts a frozen job's work and closes it out.
func (s *Service) Approve(jobID, notes string) error {
	if err := s.store.Approve(jobID, notes); err != nil {
		return err
	}
	s.log.Info("job approved", "job", jobID)
	return nil
}

// Resume sends a job back to the queue with reviewer feedback. The feedback
// text reaches the next planning pass word for word, so it has to be there.
func (s *Service) Resume(ctx context.Context, jobID, feedback string) error {
	if feedback == "" {
		return fmt.Errorf("resume: feedback is required")
	}
	if err := s.store.Resume(jobID, feedback); err != nil {
		return err
	}
	s.announce(ctx, jobID)
	s.log.Info("job resumed", "job", jobID)
	return nil
}

// Cancel stops a job that has not frozen yet. A running worker notices at
// its next poll boundary and abandons the run.
func (s *Service) Cancel(jobID string) error {
	if err := s.store.Cancel(jobID); err != nil {
		return err
	}
	s.log.Info("job cancelled", "job", jobID)
	return nil
}

// Release clears a job's worker assignment so another worker can claim it.
// Operator remedy for jobs whose worker died mid-run.
func (s *Service) Release(ctx context.Context, jobID string) error {
	if err := s.store.Release(jobID); err != nil {
		return err
	}
	s.announce(ctx, jobID)
	s.log.Info("job released", "job", jobID)
	return nil
}

// Stuck lists processing jobs with no heartbeat for olderThan. Detection
// only: nothing is reassigned until an operator releases the job.
func (s *Service) Stuck(olderThan time.Duration) ([]store.Job, error) {
	return s.store.StuckJobs(olderThan)
}

// Events returns a job's audit trail, oldest first.
func (s *Service) Events(jobID string) ([]store.Event, error) {
	return s.store.GetEvents(jobID)
}

// Phases returns a job's phase history, oldest first.
func (s *Service) Phases(jobID string) ([]store.Phase, error) {
	return s.store.ListPhases(jobID)
}

// Workers lists every worker the store has seen.
func (s *Service) Workers() ([]store.WorkerInfo, error) {
	return s.store.ListWorkers()
}

func (s *Service) announce(ctx context.Context, jobID string) {
	if s.broker == nil {
		return
	}
	if err := s.broker.Announce(ctx, jobID); err != nil {
		s.log.Warn("announce hint failed", "job", jobID, "error", err)
	}
}
