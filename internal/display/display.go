// Package display derives display-only tokens from job state. Pure
// functions: no network access, no mutation.
package display

import (
	"fmt"
	"time"

	"github.com/deckgen/pipeline/internal/jobs"
)

// Severity tags a status for presentation.
type Severity string

const (
	SeverityPending Severity = "pending"
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityDanger  Severity = "danger"
	SeverityUnknown Severity = "unknown"
)

// StageToken is the visual state of one stage in the stage grid.
type StageToken struct {
	Stage    int
	Name     string
	Severity Severity
	Tooltip  string
}

// Percent returns the job's progress clamped to [0,100].
func Percent(j *jobs.Job) int {
	if j.Progress < 0 {
		return 0
	}
	if j.Progress > 100 {
		return 100
	}
	return j.Progress
}

// SeverityFor maps a status onto its severity tag. Unknown or future
// status values degrade to SeverityUnknown rather than failing.
func SeverityFor(status jobs.Status) Severity {
	switch status {
	case jobs.StatusPending:
		return SeverityPending
	case jobs.StatusProcessing:
		return SeverityInfo
	case jobs.StatusCompleted:
		return SeveritySuccess
	case jobs.StatusFailed:
		return SeverityDanger
	default:
		return SeverityUnknown
	}
}

// StageGrid returns one token per stage, in order.
func StageGrid(j *jobs.Job) []StageToken {
	grid := make([]StageToken, 0, len(j.Stages))
	for i := range j.Stages {
		st := &j.Stages[i]
		grid = append(grid, StageToken{
			Stage:    st.Stage,
			Name:     st.Name,
			Severity: SeverityFor(st.Status),
			Tooltip:  tooltipFor(st),
		})
	}
	return grid
}

func tooltipFor(st *jobs.Stage) string {
	switch st.Status {
	case jobs.StatusFailed:
		if st.Error != "" {
			return fmt.Sprintf("%s failed: %s", st.Name, st.Error)
		}
		return fmt.Sprintf("%s failed", st.Name)
	case jobs.StatusCompleted:
		if st.StartTime != nil && st.EndTime != nil {
			return fmt.Sprintf("%s completed in %s", st.Name, st.EndTime.Sub(*st.StartTime).Round(time.Millisecond))
		}
		return fmt.Sprintf("%s completed", st.Name)
	case jobs.StatusProcessing:
		return fmt.Sprintf("%s in progress", st.Name)
	default:
		return fmt.Sprintf("%s pending", st.Name)
	}
}
