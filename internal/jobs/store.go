package jobs

import "errors"

// ErrNotFound is returned by stores when a job id does not exist.
var ErrNotFound = errors.New("job not found")

// Sort keys accepted by ListJobs.
const (
	SortByDate   = "date"
	SortByStatus = "status"
	SortByName   = "name"

	SortAsc  = "asc"
	SortDesc = "desc"
)

// ListFilter narrows and orders a job listing. Zero values mean no status
// filter, newest-first ordering, and no pagination.
type ListFilter struct {
	Status    Status
	SortBy    string
	SortOrder string
	Page      int
	PageSize  int
}

// JobStore defines the persistence operations needed by the state machine
// and the API layer. Implementations return copies; callers persist changes
// back through UpdateJob.
type JobStore interface {
	CreateJob(job *Job) error
	GetJob(id string) (*Job, error)
	UpdateJob(job *Job) error
	ListJobs(filter ListFilter) ([]*Job, int, error)
	DeleteJob(id string) error
	DeleteJobs(ids []string) error
}
