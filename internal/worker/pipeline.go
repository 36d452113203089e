package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deckgen/pipeline/internal/broker"
	"github.com/deckgen/pipeline/internal/jobs"
	"github.com/deckgen/pipeline/internal/logger"
)

// StageProcessor executes the actual work of one stage. The document
// understanding and generation computation lives behind this interface.
type StageProcessor interface {
	Process(ctx context.Context, job *jobs.Job, stage int) error
}

// Bus is the publishing half of the dispatch core, as seen by the pipeline.
type Bus interface {
	Publish(ctx context.Context, routingKey string, msg any) error
}

// Pipeline consumes stage work messages and drives the job state machine:
// started before processing, succeeded after, then the next stage's message
// is published. It implements broker.Handler.
type Pipeline struct {
	machine   *jobs.Machine
	bus       Bus
	processor StageProcessor
}

func New(machine *jobs.Machine, bus Bus, processor StageProcessor) *Pipeline {
	return &Pipeline{machine: machine, bus: bus, processor: processor}
}

// Handle processes one stage work message. Returning an error signals
// delivery failure: the dispatcher requeues or dead-letters the message.
func (p *Pipeline) Handle(ctx context.Context, msg *broker.WorkMessage) error {
	job, err := p.machine.Job(msg.JobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			// The job was deleted while its message was in flight. Nothing
			// to do; ack and move on.
			logger.WithStage(msg.JobID, msg.Stage).Warn().Msg("Work message for unknown job, dropping")
			return nil
		}
		return fmt.Errorf("failed to load job: %w", err)
	}

	st, err := job.StageAt(msg.Stage)
	if err != nil {
		return broker.Permanent(err)
	}

	switch st.Status {
	case jobs.StatusCompleted:
		// Redelivery of an already-acknowledged stage (at-least-once
		// delivery). Idempotent: drop it.
		logger.WithStage(msg.JobID, msg.Stage).Debug().Msg("Stage already completed, dropping duplicate")
		return nil
	case jobs.StatusPending:
		if _, err := p.machine.Transition(msg.JobID, msg.Stage, jobs.Started()); err != nil {
			var te *jobs.TransitionError
			if errors.As(err, &te) {
				return broker.Permanent(err)
			}
			return err
		}
	case jobs.StatusProcessing:
		// A prior attempt crashed after `started`. Strictly-forward stage
		// transitions forbid a second `started`; resume processing as-is.
		logger.WithStage(msg.JobID, msg.Stage).Warn().Int("attempt", msg.Attempt).Msg("Resuming interrupted stage")
	case jobs.StatusFailed:
		return broker.Permanent(fmt.Errorf("stage %d already failed", msg.Stage))
	}

	if err := p.processor.Process(ctx, job, msg.Stage); err != nil {
		return fmt.Errorf("stage %s failed: %w", st.Name, err)
	}

	job, err = p.machine.Transition(msg.JobID, msg.Stage, jobs.Succeeded())
	if err != nil {
		var te *jobs.TransitionError
		if errors.As(err, &te) {
			return broker.Permanent(err)
		}
		return err
	}

	if job.Status == jobs.StatusCompleted {
		p.notify(ctx, job, broker.RouteNotificationCompleted, "")
		return nil
	}

	// The next stage's message is published only after this stage's
	// success is recorded; PublishNextStage re-checks that precondition.
	if err := p.PublishNextStage(ctx, msg.JobID, msg.Stage); err != nil {
		return err
	}
	return nil
}

// Exhausted is called by the dispatcher after the final failed attempt,
// before the message is dead-lettered. It records the stage failure, which
// transitions the whole job to failed.
func (p *Pipeline) Exhausted(ctx context.Context, msg *broker.WorkMessage, cause error) {
	reason := "stage processing failed"
	if cause != nil {
		reason = cause.Error()
	}

	if _, err := p.machine.Transition(msg.JobID, msg.Stage, jobs.Failed(reason)); err != nil {
		var te *jobs.TransitionError
		if errors.As(err, &te) {
			// Already failed (e.g. a previous exhaustion whose dead-letter
			// publish was retried). Loud but not fatal.
			logger.WithStage(msg.JobID, msg.Stage).Error().Err(err).Msg("Transition to failed rejected")
		} else {
			logger.WithStage(msg.JobID, msg.Stage).Error().Err(err).Msg("Failed to record stage failure")
		}
	}

	if job, err := p.machine.Job(msg.JobID); err == nil {
		p.notify(ctx, job, broker.RouteNotificationFailed, reason)
	}
}

// PublishNextStage publishes the work message for the stage after
// `completed`. Precondition, checked here rather than assumed from call
// order: stage `completed` must be recorded completed. Publishing stage K+1
// while stage K is unfinished is a contract violation.
func (p *Pipeline) PublishNextStage(ctx context.Context, jobID string, completed int) error {
	job, err := p.machine.Job(jobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}

	st, err := job.StageAt(completed)
	if err != nil {
		return err
	}
	if st.Status != jobs.StatusCompleted {
		return broker.Permanent(fmt.Errorf(
			"cannot publish stage %d: stage %d is %s, want completed",
			completed+1, completed, st.Status))
	}
	if completed >= len(job.Stages) {
		return broker.Permanent(fmt.Errorf("stage %d is the final stage", completed))
	}

	next := completed + 1
	route, err := broker.RouteForStage(next)
	if err != nil {
		return err
	}

	return p.bus.Publish(ctx, route, &broker.WorkMessage{
		JobID: jobID,
		Stage: next,
	})
}

func (p *Pipeline) notify(ctx context.Context, job *jobs.Job, route, errMsg string) {
	event := &broker.NotificationEvent{
		JobID:     job.ID,
		Event:     route,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	}
	if err := p.bus.Publish(ctx, route, event); err != nil {
		logger.WithJobID(job.ID).Error().Err(err).Msg("Failed to publish notification")
	}
}
