package jobs

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/deckgen/pipeline/internal/logger"
	"github.com/deckgen/pipeline/internal/metrics"
)

// OutcomeKind discriminates the result reported for a stage execution.
type OutcomeKind string

const (
	OutcomeStarted   OutcomeKind = "started"
	OutcomeSucceeded OutcomeKind = "succeeded"
	OutcomeFailed    OutcomeKind = "failed"
)

// Outcome is what a worker reports back for a stage.
type Outcome struct {
	Kind OutcomeKind
	Err  string
}

func Started() Outcome          { return Outcome{Kind: OutcomeStarted} }
func Succeeded() Outcome        { return Outcome{Kind: OutcomeSucceeded} }
func Failed(msg string) Outcome { return Outcome{Kind: OutcomeFailed, Err: msg} }

// TransitionError reports an illegal state transition. It indicates a
// worker bug or a broken delivery contract and must not be retried.
type TransitionError struct {
	JobID  string
	Stage  int
	Kind   OutcomeKind
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s for job %s stage %d: %s",
		e.Kind, e.JobID, e.Stage, e.Reason)
}

// Machine applies stage outcomes to jobs, enforcing the lifecycle rules:
// stages advance strictly forward, a stage may only start once every earlier
// stage has completed, and terminal jobs reject all further transitions.
//
// Transitions for a given job are applied atomically: the broker guarantees
// a single unacknowledged message per stage, and the machine serializes the
// read-modify-write against the store for in-process callers.
type Machine struct {
	mu    sync.Mutex
	store JobStore
}

func NewMachine(store JobStore) *Machine {
	return &Machine{store: store}
}

// Job returns the current state of a job.
func (m *Machine) Job(id string) (*Job, error) {
	return m.store.GetJob(id)
}

// Transition applies an outcome to the given stage of a job and persists
// the result. It returns the updated job, or a *TransitionError when the
// transition is illegal.
func (m *Machine) Transition(jobID string, stage int, outcome Outcome) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}

	if job.Terminal() {
		metrics.TransitionErrorsTotal.Inc()
		return nil, &TransitionError{
			JobID: jobID, Stage: stage, Kind: outcome.Kind,
			Reason: fmt.Sprintf("job is terminal (%s)", job.Status),
		}
	}

	st, err := job.StageAt(stage)
	if err != nil {
		metrics.TransitionErrorsTotal.Inc()
		return nil, &TransitionError{JobID: jobID, Stage: stage, Kind: outcome.Kind, Reason: err.Error()}
	}

	now := time.Now().UTC()
	log := logger.WithStage(jobID, stage)

	switch outcome.Kind {
	case OutcomeStarted:
		if st.Status != StatusPending {
			metrics.TransitionErrorsTotal.Inc()
			return nil, &TransitionError{
				JobID: jobID, Stage: stage, Kind: outcome.Kind,
				Reason: fmt.Sprintf("stage is %s, want pending", st.Status),
			}
		}
		for i := 0; i < stage-1; i++ {
			if job.Stages[i].Status != StatusCompleted {
				metrics.TransitionErrorsTotal.Inc()
				return nil, &TransitionError{
					JobID: jobID, Stage: stage, Kind: outcome.Kind,
					Reason: fmt.Sprintf("stage %d is %s, want completed", i+1, job.Stages[i].Status),
				}
			}
		}
		st.Status = StatusProcessing
		st.StartTime = &now
		job.Status = StatusProcessing
		job.CurrentStage = stage
		log.Info().Str("name", st.Name).Msg("Stage started")

	case OutcomeSucceeded:
		if st.Status != StatusProcessing {
			metrics.TransitionErrorsTotal.Inc()
			return nil, &TransitionError{
				JobID: jobID, Stage: stage, Kind: outcome.Kind,
				Reason: fmt.Sprintf("stage is %s, want processing", st.Status),
			}
		}
		st.Status = StatusCompleted
		st.EndTime = &now
		job.Progress = progressFor(stage, len(job.Stages))
		if stage == len(job.Stages) {
			job.Status = StatusCompleted
			job.CompletedAt = &now
			metrics.JobsCompletedTotal.Inc()
			log.Info().Msg("Job completed")
		} else {
			job.CurrentStage = stage + 1
			log.Info().Str("name", st.Name).Int("progress", job.Progress).Msg("Stage completed")
		}
		metrics.StagesCompletedTotal.WithLabelValues(st.Name).Inc()
		if st.StartTime != nil {
			metrics.StageDuration.WithLabelValues(st.Name).Observe(now.Sub(*st.StartTime).Seconds())
		}

	case OutcomeFailed:
		if st.Status != StatusProcessing {
			metrics.TransitionErrorsTotal.Inc()
			return nil, &TransitionError{
				JobID: jobID, Stage: stage, Kind: outcome.Kind,
				Reason: fmt.Sprintf("stage is %s, want processing", st.Status),
			}
		}
		st.Status = StatusFailed
		st.Error = outcome.Err
		st.EndTime = &now
		// Remaining stages stay pending: the stage record is the audit
		// trail of how far the job got.
		job.Status = StatusFailed
		job.Error = outcome.Err
		job.CompletedAt = &now
		metrics.JobsFailedTotal.Inc()
		log.Error().Str("error", outcome.Err).Msg("Job failed")

	default:
		metrics.TransitionErrorsTotal.Inc()
		return nil, &TransitionError{
			JobID: jobID, Stage: stage, Kind: outcome.Kind,
			Reason: "unknown outcome",
		}
	}

	job.UpdatedAt = now
	if err := m.store.UpdateJob(job); err != nil {
		return nil, fmt.Errorf("failed to persist transition: %w", err)
	}

	return job, nil
}

// ResetForRetry prepares a failed job for re-dispatch of its failed stage:
// the failed stage returns to pending with a fresh attempt budget, earlier
// completed stages are untouched, and the retry counter is consumed. It
// returns the updated job and the stage number to re-dispatch.
func (m *Machine) ResetForRetry(jobID string) (*Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.store.GetJob(jobID)
	if err != nil {
		return nil, 0, err
	}

	if job.Status != StatusFailed {
		return nil, 0, &TransitionError{
			JobID: jobID, Kind: OutcomeStarted,
			Reason: fmt.Sprintf("can only retry failed jobs, job is %s", job.Status),
		}
	}
	if !job.CanRetry() {
		return nil, 0, fmt.Errorf("retry limit reached (%d/%d)", job.RetryCount, job.MaxRetries)
	}

	failed := job.FailedStage()
	if failed == nil {
		return nil, 0, &TransitionError{
			JobID: jobID, Kind: OutcomeStarted,
			Reason: "failed job has no failed stage",
		}
	}

	stage := failed.Stage
	failed.Status = StatusPending
	failed.Error = ""
	failed.StartTime = nil
	failed.EndTime = nil

	now := time.Now().UTC()
	job.Status = StatusPending
	job.Error = ""
	job.CurrentStage = stage
	job.Progress = progressFor(stage-1, len(job.Stages))
	job.RetryCount++
	job.CompletedAt = nil
	job.UpdatedAt = now

	if err := m.store.UpdateJob(job); err != nil {
		return nil, 0, fmt.Errorf("failed to persist retry reset: %w", err)
	}

	metrics.JobsRetriedTotal.Inc()
	logger.WithJobID(jobID).Info().
		Int("stage", stage).
		Int("retry_count", job.RetryCount).
		Msg("Job reset for retry")

	return job, stage, nil
}

// progressFor computes display progress after `completed` stages of `total`
// have finished. Round, not floor or ceil: stage 3 of 8 reads 38, not 37.
func progressFor(completed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(completed) / float64(total) * 100))
}
