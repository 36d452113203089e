package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/deckgen/pipeline/internal/broker"
	"github.com/deckgen/pipeline/internal/jobs"
	"github.com/deckgen/pipeline/internal/logger"
)

func TestMain(m *testing.M) {
	logger.Init("test")
	os.Exit(m.Run())
}

// fakeBus records publishes and lets tests drain them as a queue would.
type fakeBus struct {
	published []publishedMsg
	failWith  error
}

type publishedMsg struct {
	route string
	data  []byte
}

func (b *fakeBus) Publish(ctx context.Context, routingKey string, msg any) error {
	if b.failWith != nil {
		return b.failWith
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	b.published = append(b.published, publishedMsg{route: routingKey, data: data})
	return nil
}

func (b *fakeBus) nextWork(t *testing.T) *broker.WorkMessage {
	t.Helper()
	if len(b.published) == 0 {
		t.Fatal("expected a published message")
	}
	m := b.published[0]
	b.published = b.published[1:]
	var wm broker.WorkMessage
	if err := json.Unmarshal(m.data, &wm); err != nil {
		t.Fatalf("unmarshal work message: %v", err)
	}
	return &wm
}

func succeedAll() StageProcessor {
	return ProcessorFunc(func(ctx context.Context, job *jobs.Job, stage int) error {
		return nil
	})
}

func newPipeline(t *testing.T, processor StageProcessor) (*Pipeline, *jobs.Machine, *fakeBus, *jobs.Job) {
	t.Helper()
	store := jobs.NewMemStore()
	machine := jobs.NewMachine(store)
	bus := &fakeBus{}
	j := jobs.New("lecture.pdf", "uploads/lecture.pdf")
	if err := store.CreateJob(j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return New(machine, bus, processor), machine, bus, j
}

func TestPipeline_RunsAllStagesToCompletion(t *testing.T) {
	p, machine, bus, j := newPipeline(t, succeedAll())
	ctx := context.Background()

	// Submission publishes stage 1; each ack publishes the next.
	msg := &broker.WorkMessage{JobID: j.ID, Stage: 1, Attempt: 1}
	for stage := 1; stage <= jobs.StageCount; stage++ {
		if msg.Stage != stage {
			t.Fatalf("expected stage %d message, got %d", stage, msg.Stage)
		}
		if err := p.Handle(ctx, msg); err != nil {
			t.Fatalf("stage %d: %v", stage, err)
		}
		if stage < jobs.StageCount {
			msg = bus.nextWork(t)
			msg.Attempt = 1
		}
	}

	final, err := machine.Job(j.ID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if final.Status != jobs.StatusCompleted {
		t.Errorf("expected completed, got %s", final.Status)
	}
	if final.CurrentStage != jobs.StageCount || final.Progress != 100 {
		t.Errorf("expected stage %d at 100%%, got %d at %d%%", jobs.StageCount, final.CurrentStage, final.Progress)
	}
	for _, st := range final.Stages {
		if st.Status != jobs.StatusCompleted || st.StartTime == nil || st.EndTime == nil {
			t.Errorf("stage %d: incomplete record: %+v", st.Stage, st)
		}
	}

	// The completion notification is the only message left.
	if len(bus.published) != 1 {
		t.Fatalf("expected 1 remaining publish, got %d", len(bus.published))
	}
	if bus.published[0].route != broker.RouteNotificationCompleted {
		t.Errorf("expected %s, got %s", broker.RouteNotificationCompleted, bus.published[0].route)
	}
}

func TestPipeline_FailureAfterRetriesDeadLetters(t *testing.T) {
	processor := FailStage(4, "embedding service unreachable", succeedAll())
	p, machine, bus, j := newPipeline(t, processor)
	ctx := context.Background()

	msg := &broker.WorkMessage{JobID: j.ID, Stage: 1, Attempt: 1}
	for stage := 1; stage <= 3; stage++ {
		if err := p.Handle(ctx, msg); err != nil {
			t.Fatalf("stage %d: %v", stage, err)
		}
		msg = bus.nextWork(t)
		msg.Attempt = 1
	}

	// Stage 4 fails on every attempt; the dispatcher requeues twice, then
	// dead-letters on the third.
	var handleErr error
	for attempt := 1; attempt <= broker.DefaultMaxAttempts; attempt++ {
		msg.Attempt = attempt
		handleErr = p.Handle(ctx, msg)
		if handleErr == nil {
			t.Fatalf("attempt %d: expected failure", attempt)
		}
		decision := broker.Decide(msg.Attempt, broker.DefaultMaxAttempts, handleErr)
		if attempt < broker.DefaultMaxAttempts {
			if decision != broker.DecisionRequeue {
				t.Fatalf("attempt %d: expected requeue, got %v", attempt, decision)
			}
			continue
		}
		if decision != broker.DecisionDeadLetter {
			t.Fatalf("attempt %d: expected dead-letter, got %v", attempt, decision)
		}
		p.Exhausted(ctx, msg, handleErr)
	}

	final, err := machine.Job(j.ID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if final.Status != jobs.StatusFailed {
		t.Errorf("expected failed, got %s", final.Status)
	}
	st, _ := final.StageAt(4)
	if st.Status != jobs.StatusFailed {
		t.Errorf("stage 4: expected failed, got %s", st.Status)
	}
	if st.Error == "" {
		t.Error("stage 4: expected recorded error")
	}
	for stage := 5; stage <= jobs.StageCount; stage++ {
		st, _ := final.StageAt(stage)
		if st.Status != jobs.StatusPending {
			t.Errorf("stage %d: expected pending, got %s", stage, st.Status)
		}
	}

	// No stage-5 message was ever published; the failure notification is
	// the last publish.
	if len(bus.published) != 1 {
		t.Fatalf("expected 1 remaining publish, got %d", len(bus.published))
	}
	if bus.published[0].route != broker.RouteNotificationFailed {
		t.Errorf("expected %s, got %s", broker.RouteNotificationFailed, bus.published[0].route)
	}
}

func TestPipeline_DuplicateDeliveryIsIdempotent(t *testing.T) {
	p, _, bus, j := newPipeline(t, succeedAll())
	ctx := context.Background()

	msg := &broker.WorkMessage{JobID: j.ID, Stage: 1, Attempt: 1}
	if err := p.Handle(ctx, msg); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	published := len(bus.published)

	// Redelivery of the acknowledged stage: dropped, nothing republished.
	dup := &broker.WorkMessage{JobID: j.ID, Stage: 1, Attempt: 2}
	if err := p.Handle(ctx, dup); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
	if len(bus.published) != published {
		t.Errorf("duplicate delivery published %d extra messages", len(bus.published)-published)
	}
}

func TestPipeline_UnknownJobIsDropped(t *testing.T) {
	p, _, _, _ := newPipeline(t, succeedAll())

	msg := &broker.WorkMessage{JobID: "gone", Stage: 1, Attempt: 1}
	if err := p.Handle(context.Background(), msg); err != nil {
		t.Errorf("expected deleted-job message to be dropped, got %v", err)
	}
}

func TestPipeline_PublishNextStagePrecondition(t *testing.T) {
	p, machine, _, j := newPipeline(t, succeedAll())
	ctx := context.Background()

	// Stage 1 is not completed: publishing stage 2 violates the contract.
	err := p.PublishNextStage(ctx, j.ID, 1)
	if err == nil {
		t.Fatal("expected precondition error")
	}
	if !broker.IsPermanent(err) {
		t.Errorf("expected a permanent contract violation, got %v", err)
	}

	machine.Transition(j.ID, 1, jobs.Started())
	machine.Transition(j.ID, 1, jobs.Succeeded())
	if err := p.PublishNextStage(ctx, j.ID, 1); err != nil {
		t.Errorf("PublishNextStage after completion: %v", err)
	}
}

func TestPipeline_ResumesInterruptedStage(t *testing.T) {
	p, machine, bus, j := newPipeline(t, succeedAll())
	ctx := context.Background()

	// A prior attempt crashed after `started`; the redelivered message
	// must resume without a second `started` transition.
	if _, err := machine.Transition(j.ID, 1, jobs.Started()); err != nil {
		t.Fatalf("started: %v", err)
	}
	msg := &broker.WorkMessage{JobID: j.ID, Stage: 1, Attempt: 2}
	if err := p.Handle(ctx, msg); err != nil {
		t.Fatalf("resumed delivery: %v", err)
	}

	job, _ := machine.Job(j.ID)
	st, _ := job.StageAt(1)
	if st.Status != jobs.StatusCompleted {
		t.Errorf("expected completed, got %s", st.Status)
	}
	next := bus.nextWork(t)
	if next.Stage != 2 {
		t.Errorf("expected stage 2 publish, got %d", next.Stage)
	}
}

func TestPipeline_PublishFailureSurfaces(t *testing.T) {
	p, _, bus, j := newPipeline(t, succeedAll())
	bus.failWith = errors.New("broker unreachable")

	msg := &broker.WorkMessage{JobID: j.ID, Stage: 1, Attempt: 1}
	if err := p.Handle(context.Background(), msg); err == nil {
		t.Error("expected publish failure to surface as delivery failure")
	}
}
