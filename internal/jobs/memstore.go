package jobs

import (
	"fmt"
	"sort"
	"sync"
)

// MemStore is a mutex-guarded in-memory JobStore. It backs tests and
// single-process runs; the Postgres store is the production implementation.
type MemStore struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string // insertion order, oldest first
}

func NewMemStore() *MemStore {
	return &MemStore{
		jobs:  make(map[string]*Job),
		order: make([]string, 0),
	}
}

func (s *MemStore) CreateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	s.order = append(s.order, job.ID)
	return nil
}

func (s *MemStore) GetJob(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j.Clone(), nil
}

func (s *MemStore) UpdateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemStore) ListJobs(filter ListFilter) ([]*Job, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filtered := make([]*Job, 0, len(s.order))
	for _, id := range s.order {
		j := s.jobs[id]
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		filtered = append(filtered, j.Clone())
	}

	sortJobs(filtered, filter.SortBy, filter.SortOrder)

	total := len(filtered)
	if filter.PageSize > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		offset := (page - 1) * filter.PageSize
		if offset >= total {
			return []*Job{}, total, nil
		}
		end := offset + filter.PageSize
		if end > total {
			end = total
		}
		filtered = filtered[offset:end]
	}

	return filtered, total, nil
}

func (s *MemStore) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(id)
}

func (s *MemStore) DeleteJobs(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if err := s.deleteLocked(id); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemStore) deleteLocked(id string) error {
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.jobs, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// sortJobs orders jobs by the requested key. Date descending (newest first)
// is the default listing order.
func sortJobs(list []*Job, sortBy, sortOrder string) {
	if sortBy == "" {
		sortBy = SortByDate
	}
	if sortOrder == "" {
		sortOrder = SortDesc
	}

	less := func(a, b *Job) bool {
		switch sortBy {
		case SortByStatus:
			if a.Status != b.Status {
				return a.Status < b.Status
			}
		case SortByName:
			if a.SourceFilename != b.SourceFilename {
				return a.SourceFilename < b.SourceFilename
			}
		}
		return a.CreatedAt.Before(b.CreatedAt)
	}

	sort.SliceStable(list, func(i, j int) bool {
		if sortOrder == SortDesc {
			return less(list[j], list[i])
		}
		return less(list[i], list[j])
	})
}
