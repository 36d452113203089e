package display

import (
	"strings"
	"testing"
	"time"

	"github.com/deckgen/pipeline/internal/jobs"
)

func TestPercent_Clamps(t *testing.T) {
	tests := []struct {
		progress int
		want     int
	}{
		{-10, 0},
		{0, 0},
		{38, 38},
		{100, 100},
		{140, 100},
	}
	for _, tt := range tests {
		j := &jobs.Job{Progress: tt.progress}
		if got := Percent(j); got != tt.want {
			t.Errorf("Percent(%d) = %d, want %d", tt.progress, got, tt.want)
		}
	}
}

func TestSeverityFor(t *testing.T) {
	tests := []struct {
		status jobs.Status
		want   Severity
	}{
		{jobs.StatusPending, SeverityPending},
		{jobs.StatusProcessing, SeverityInfo},
		{jobs.StatusCompleted, SeveritySuccess},
		{jobs.StatusFailed, SeverityDanger},
		{jobs.Status("archived"), SeverityUnknown},
		{jobs.Status(""), SeverityUnknown},
	}
	for _, tt := range tests {
		if got := SeverityFor(tt.status); got != tt.want {
			t.Errorf("SeverityFor(%q) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestStageGrid(t *testing.T) {
	j := jobs.New("lecture.pdf", "uploads/lecture.pdf")
	start := time.Now().UTC().Add(-90 * time.Millisecond)
	end := time.Now().UTC()

	j.Stages[0].Status = jobs.StatusCompleted
	j.Stages[0].StartTime = &start
	j.Stages[0].EndTime = &end
	j.Stages[1].Status = jobs.StatusFailed
	j.Stages[1].Error = "embedding service unreachable"
	j.Stages[2].Status = jobs.StatusProcessing

	grid := StageGrid(j)
	if len(grid) != jobs.StageCount {
		t.Fatalf("expected %d tokens, got %d", jobs.StageCount, len(grid))
	}

	if grid[0].Severity != SeveritySuccess {
		t.Errorf("stage 1: got %s, want success", grid[0].Severity)
	}
	if !strings.Contains(grid[0].Tooltip, "completed in") {
		t.Errorf("stage 1 tooltip %q lacks duration", grid[0].Tooltip)
	}

	if grid[1].Severity != SeverityDanger {
		t.Errorf("stage 2: got %s, want danger", grid[1].Severity)
	}
	if !strings.Contains(grid[1].Tooltip, "embedding service unreachable") {
		t.Errorf("stage 2 tooltip %q lacks the error", grid[1].Tooltip)
	}

	if grid[2].Severity != SeverityInfo {
		t.Errorf("stage 3: got %s, want info", grid[2].Severity)
	}
	if !strings.Contains(grid[2].Tooltip, "in progress") {
		t.Errorf("stage 3 tooltip %q, want in-progress", grid[2].Tooltip)
	}

	for i := 3; i < len(grid); i++ {
		if grid[i].Severity != SeverityPending {
			t.Errorf("stage %d: got %s, want pending", i+1, grid[i].Severity)
		}
	}

	for i, tok := range grid {
		if tok.Stage != i+1 {
			t.Errorf("token %d: stage %d, want %d", i, tok.Stage, i+1)
		}
		if tok.Name == "" {
			t.Errorf("token %d: empty name", i)
		}
	}
}
