package jobs

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of a job or of a single stage.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// StageCount is the number of ordered stages in the processing pipeline.
const StageCount = 8

// StageNames lists the pipeline stages in execution order (1-indexed by
// Stage.Stage). Extraction through packaging of the generated deck.
var StageNames = [StageCount]string{
	"extract",
	"chunk",
	"embed",
	"index",
	"topics",
	"questions",
	"answers",
	"package",
}

// Stage is one ordered sub-unit of a job.
type Stage struct {
	Stage     int        `json:"stage"`
	Name      string     `json:"name"`
	Status    Status     `json:"status"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Job represents one document-processing request.
type Job struct {
	ID             string   `json:"id"`
	SourceFilename string   `json:"source_filename"`
	SourceFilePath string   `json:"source_file_path"`
	PageStart      *int     `json:"page_start,omitempty"`
	PageEnd        *int     `json:"page_end,omitempty"`
	CardDensity    string   `json:"card_density"`
	Subject        string   `json:"subject,omitempty"`
	CustomTags     []string `json:"custom_tags,omitempty"`

	Status       Status  `json:"status"`
	Progress     int     `json:"progress"`
	CurrentStage int     `json:"current_stage"`
	Stages       []Stage `json:"stages"`

	ResultDeckID string `json:"result_deck_id,omitempty"`
	Error        string `json:"error,omitempty"`
	RetryCount   int    `json:"retry_count"`
	MaxRetries   int    `json:"max_retries"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// New creates a pending job with all stages pending.
func New(filename, path string) *Job {
	now := time.Now().UTC()
	stages := make([]Stage, StageCount)
	for i := range stages {
		stages[i] = Stage{
			Stage:  i + 1,
			Name:   StageNames[i],
			Status: StatusPending,
		}
	}

	return &Job{
		ID:             uuid.New().String(),
		SourceFilename: filename,
		SourceFilePath: path,
		CardDensity:    "medium",
		Status:         StatusPending,
		Progress:       0,
		CurrentStage:   1,
		Stages:         stages,
		MaxRetries:     3,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// String returns a string representation of the job
func (j *Job) String() string {
	return fmt.Sprintf("Job{ID: %s, Status: %s, Stage: %d/%d, Progress: %d%%}",
		j.ID, j.Status, j.CurrentStage, len(j.Stages), j.Progress)
}

// StageAt returns the stage at the given 1-indexed position.
func (j *Job) StageAt(n int) (*Stage, error) {
	if n < 1 || n > len(j.Stages) {
		return nil, fmt.Errorf("stage %d out of range 1..%d", n, len(j.Stages))
	}
	return &j.Stages[n-1], nil
}

// Terminal reports whether the job has reached a final state. No further
// transitions are permitted on a terminal job.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// CanRetry returns true if the job still has retry budget left.
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// FailedStage returns the failed stage, or nil if no stage has failed.
func (j *Job) FailedStage() *Stage {
	for i := range j.Stages {
		if j.Stages[i].Status == StatusFailed {
			return &j.Stages[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	c.Stages = make([]Stage, len(j.Stages))
	copy(c.Stages, j.Stages)
	if j.CustomTags != nil {
		c.CustomTags = append([]string(nil), j.CustomTags...)
	}
	return &c
}
