package jobs

import (
	"errors"
	"os"
	"testing"

	"github.com/deckgen/pipeline/internal/logger"
)

func TestMain(m *testing.M) {
	logger.Init("test")
	os.Exit(m.Run())
}

func newTestJob(t *testing.T, store JobStore) *Job {
	t.Helper()
	j := New("lecture.pdf", "uploads/lecture.pdf")
	if err := store.CreateJob(j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return j
}

func TestNewJob(t *testing.T) {
	j := New("lecture.pdf", "uploads/lecture.pdf")

	if j.ID == "" {
		t.Error("expected job ID")
	}
	if j.Status != StatusPending {
		t.Errorf("expected pending, got %s", j.Status)
	}
	if j.CurrentStage != 1 {
		t.Errorf("expected current stage 1, got %d", j.CurrentStage)
	}
	if len(j.Stages) != StageCount {
		t.Fatalf("expected %d stages, got %d", StageCount, len(j.Stages))
	}
	for i, st := range j.Stages {
		if st.Stage != i+1 {
			t.Errorf("stage %d has position %d", i, st.Stage)
		}
		if st.Status != StatusPending {
			t.Errorf("stage %d: expected pending, got %s", st.Stage, st.Status)
		}
	}
}

func TestMachine_CompletesAllStages(t *testing.T) {
	store := NewMemStore()
	m := NewMachine(store)
	j := newTestJob(t, store)

	wantProgress := []int{13, 25, 38, 50, 63, 75, 88, 100}

	lastProgress := 0
	for stage := 1; stage <= StageCount; stage++ {
		if _, err := m.Transition(j.ID, stage, Started()); err != nil {
			t.Fatalf("stage %d started: %v", stage, err)
		}
		got, err := m.Transition(j.ID, stage, Succeeded())
		if err != nil {
			t.Fatalf("stage %d succeeded: %v", stage, err)
		}
		if got.Progress != wantProgress[stage-1] {
			t.Errorf("stage %d: expected progress %d, got %d", stage, wantProgress[stage-1], got.Progress)
		}
		if got.Progress < lastProgress {
			t.Errorf("stage %d: progress went backwards (%d < %d)", stage, got.Progress, lastProgress)
		}
		lastProgress = got.Progress
	}

	final, err := m.Job(j.ID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", final.Status)
	}
	if final.CurrentStage != StageCount {
		t.Errorf("expected current stage %d, got %d", StageCount, final.CurrentStage)
	}
	if final.Progress != 100 {
		t.Errorf("expected progress 100, got %d", final.Progress)
	}
	if final.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	for _, st := range final.Stages {
		if st.Status != StatusCompleted {
			t.Errorf("stage %d: expected completed, got %s", st.Stage, st.Status)
		}
		if st.StartTime == nil || st.EndTime == nil {
			t.Errorf("stage %d: expected start and end times", st.Stage)
		}
	}
}

func TestMachine_FailureKeepsLaterStagesPending(t *testing.T) {
	store := NewMemStore()
	m := NewMachine(store)
	j := newTestJob(t, store)

	for stage := 1; stage <= 3; stage++ {
		if _, err := m.Transition(j.ID, stage, Started()); err != nil {
			t.Fatalf("stage %d started: %v", stage, err)
		}
		if _, err := m.Transition(j.ID, stage, Succeeded()); err != nil {
			t.Fatalf("stage %d succeeded: %v", stage, err)
		}
	}

	if _, err := m.Transition(j.ID, 4, Started()); err != nil {
		t.Fatalf("stage 4 started: %v", err)
	}
	got, err := m.Transition(j.ID, 4, Failed("embedding service unreachable"))
	if err != nil {
		t.Fatalf("stage 4 failed: %v", err)
	}

	if got.Status != StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if got.Error != "embedding service unreachable" {
		t.Errorf("unexpected error message: %q", got.Error)
	}

	failedCount := 0
	for _, st := range got.Stages {
		switch {
		case st.Stage <= 3:
			if st.Status != StatusCompleted {
				t.Errorf("stage %d: expected completed, got %s", st.Stage, st.Status)
			}
		case st.Stage == 4:
			if st.Status != StatusFailed {
				t.Errorf("stage 4: expected failed, got %s", st.Status)
			}
			if st.Error == "" {
				t.Error("stage 4: expected error to be recorded")
			}
			if st.EndTime == nil {
				t.Error("stage 4: expected end time")
			}
		default:
			if st.Status != StatusPending {
				t.Errorf("stage %d: expected pending, got %s", st.Stage, st.Status)
			}
		}
		if st.Status == StatusFailed {
			failedCount++
		}
	}
	if failedCount != 1 {
		t.Errorf("expected exactly one failed stage, got %d", failedCount)
	}
}

func TestMachine_RejectsTerminalTransitions(t *testing.T) {
	store := NewMemStore()
	m := NewMachine(store)
	j := newTestJob(t, store)

	m.Transition(j.ID, 1, Started())
	m.Transition(j.ID, 1, Failed("boom"))

	_, err := m.Transition(j.ID, 2, Started())
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
}

func TestMachine_RejectsStartOutOfOrder(t *testing.T) {
	store := NewMemStore()
	m := NewMachine(store)
	j := newTestJob(t, store)

	// Stage 2 cannot start while stage 1 is not completed.
	_, err := m.Transition(j.ID, 2, Started())
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
}

func TestMachine_RejectsDoubleStart(t *testing.T) {
	store := NewMemStore()
	m := NewMachine(store)
	j := newTestJob(t, store)

	if _, err := m.Transition(j.ID, 1, Started()); err != nil {
		t.Fatalf("started: %v", err)
	}
	_, err := m.Transition(j.ID, 1, Started())
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
}

func TestMachine_RejectsSucceededWithoutStart(t *testing.T) {
	store := NewMemStore()
	m := NewMachine(store)
	j := newTestJob(t, store)

	_, err := m.Transition(j.ID, 1, Succeeded())
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
}

func TestMachine_RejectsUnknownStage(t *testing.T) {
	store := NewMemStore()
	m := NewMachine(store)
	j := newTestJob(t, store)

	for _, stage := range []int{0, StageCount + 1, -3} {
		_, err := m.Transition(j.ID, stage, Started())
		var te *TransitionError
		if !errors.As(err, &te) {
			t.Errorf("stage %d: expected TransitionError, got %v", stage, err)
		}
	}
}

func TestMachine_ResetForRetry(t *testing.T) {
	store := NewMemStore()
	m := NewMachine(store)
	j := newTestJob(t, store)

	for stage := 1; stage <= 3; stage++ {
		m.Transition(j.ID, stage, Started())
		m.Transition(j.ID, stage, Succeeded())
	}
	m.Transition(j.ID, 4, Started())
	m.Transition(j.ID, 4, Failed("boom"))

	got, stage, err := m.ResetForRetry(j.ID)
	if err != nil {
		t.Fatalf("ResetForRetry: %v", err)
	}
	if stage != 4 {
		t.Errorf("expected retry stage 4, got %d", stage)
	}
	if got.Status != StatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", got.RetryCount)
	}
	if got.Error != "" {
		t.Errorf("expected error cleared, got %q", got.Error)
	}

	st, _ := got.StageAt(4)
	if st.Status != StatusPending {
		t.Errorf("stage 4: expected pending, got %s", st.Status)
	}
	if st.StartTime != nil || st.EndTime != nil || st.Error != "" {
		t.Error("stage 4: expected a clean slate")
	}

	// Earlier completed stages are untouched.
	for stage := 1; stage <= 3; stage++ {
		st, _ := got.StageAt(stage)
		if st.Status != StatusCompleted {
			t.Errorf("stage %d: expected completed, got %s", stage, st.Status)
		}
	}

	// The reset stage can run again to completion.
	if _, err := m.Transition(j.ID, 4, Started()); err != nil {
		t.Fatalf("restarted stage 4: %v", err)
	}
}

func TestMachine_ResetForRetryRejectsNonFailed(t *testing.T) {
	store := NewMemStore()
	m := NewMachine(store)
	j := newTestJob(t, store)

	if _, _, err := m.ResetForRetry(j.ID); err == nil {
		t.Error("expected error retrying a pending job")
	}
}

func TestMachine_ResetForRetryExhaustsBudget(t *testing.T) {
	store := NewMemStore()
	m := NewMachine(store)
	j := newTestJob(t, store)

	for i := 0; i < j.MaxRetries; i++ {
		m.Transition(j.ID, 1, Started())
		m.Transition(j.ID, 1, Failed("boom"))
		if _, _, err := m.ResetForRetry(j.ID); err != nil {
			t.Fatalf("retry %d: %v", i+1, err)
		}
	}

	m.Transition(j.ID, 1, Started())
	m.Transition(j.ID, 1, Failed("boom"))
	if _, _, err := m.ResetForRetry(j.ID); err == nil {
		t.Error("expected error once retry budget is spent")
	}
}

func TestProgressRounding(t *testing.T) {
	// Round, not floor: 3 of 8 stages is 37.5%, displayed as 38.
	cases := []struct {
		completed, total, want int
	}{
		{0, 8, 0},
		{1, 8, 13},
		{3, 8, 38},
		{4, 8, 50},
		{5, 8, 63},
		{7, 8, 88},
		{8, 8, 100},
	}
	for _, c := range cases {
		if got := progressFor(c.completed, c.total); got != c.want {
			t.Errorf("progressFor(%d, %d) = %d, want %d", c.completed, c.total, got, c.want)
		}
	}
}
