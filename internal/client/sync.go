package client

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/deckgen/pipeline/internal/jobs"
)

// SyncStore reconciles a client-local projection of jobs against the Job
// Query/Mutation API. It is a cache, never a source of truth: server state
// always wins on reconciliation. Mutations are optimistic with a
// full-reload rollback.
type SyncStore struct {
	api API

	mu         sync.Mutex
	jobs       map[string]*jobs.Job
	order      []string // listing order, newest first
	currentID  string
	lastFilter Filter

	// polls collapses concurrent poll requests for the same job id into a
	// single in-flight call; the second caller receives the first's result.
	polls    singleflight.Group
	inflight map[string]struct{}
}

func NewSyncStore(api API) *SyncStore {
	return &SyncStore{
		api:      api,
		jobs:     make(map[string]*jobs.Job),
		inflight: make(map[string]struct{}),
	}
}

// FetchJobs replaces the local collection with the server's listing. On
// failure the local collection is left untouched and the error surfaces.
func (s *SyncStore) FetchJobs(ctx context.Context, filter Filter) error {
	list, _, err := s.api.ListJobs(ctx, filter)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[string]*jobs.Job, len(list))
	s.order = make([]string, 0, len(list))
	for _, j := range list {
		s.jobs[j.ID] = j
		s.order = append(s.order, j.ID)
	}
	s.lastFilter = filter
	return nil
}

// FetchJob fetches one job and merges it: replaced in place if present,
// unshifted to the front otherwise. The current-job pointer always moves
// to it.
func (s *SyncStore) FetchJob(ctx context.Context, id string) (*jobs.Job, error) {
	job, err := s.api.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.merge(job)
	s.currentID = job.ID
	return job, nil
}

// PollOne refreshes a single job, guaranteeing at most one in-flight poll
// per job id: a second concurrent call attaches to the first instead of
// issuing a duplicate request.
func (s *SyncStore) PollOne(ctx context.Context, id string) (*jobs.Job, error) {
	v, err, _ := s.polls.Do(id, func() (any, error) {
		s.mu.Lock()
		s.inflight[id] = struct{}{}
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, id)
			s.mu.Unlock()
		}()

		job, err := s.api.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.merge(job)
		s.mu.Unlock()
		return job, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*jobs.Job), nil
}

// Polling reports whether a poll for the given job id is in flight.
func (s *SyncStore) Polling(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[id]
	return ok
}

// DeleteJob removes the job locally first, then issues the remote delete.
// On remote failure the whole collection is reloaded from the server,
// discarding the optimistic removal: consistency over optimism, at the
// cost of a visible flicker back.
func (s *SyncStore) DeleteJob(ctx context.Context, id string) error {
	return s.optimisticDelete(ctx, []string{id}, func() error {
		return s.api.DeleteJob(ctx, id)
	})
}

// DeleteJobs is the bulk analog of DeleteJob with the same rollback
// contract.
func (s *SyncStore) DeleteJobs(ctx context.Context, ids []string) error {
	return s.optimisticDelete(ctx, ids, func() error {
		return s.api.DeleteJobs(ctx, ids)
	})
}

func (s *SyncStore) optimisticDelete(ctx context.Context, ids []string, remote func() error) error {
	s.mu.Lock()
	for _, id := range ids {
		s.removeLocked(id)
	}
	filter := s.lastFilter
	s.mu.Unlock()

	if err := remote(); err != nil {
		if reloadErr := s.FetchJobs(ctx, filter); reloadErr != nil {
			// The optimistic removal stays until a later fetch succeeds;
			// surface the original failure.
			return err
		}
		return err
	}
	return nil
}

// RetryJob requests server-side re-dispatch of the failed stage and merges
// the returned job.
func (s *SyncStore) RetryJob(ctx context.Context, id string) (*jobs.Job, error) {
	job, err := s.api.RetryJob(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.merge(job)
	return job, nil
}

// Jobs returns the local collection in listing order.
func (s *SyncStore) Jobs() []*jobs.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*jobs.Job, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.jobs[id])
	}
	return out
}

// Job returns one job from the local collection.
func (s *SyncStore) Job(id string) (*jobs.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

// Current returns the job the current-job pointer rests on.
func (s *SyncStore) Current() (*jobs.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[s.currentID]
	return j, ok
}

// Derived views are pure filters over the local collection, recomputed on
// every read rather than cached.

func (s *SyncStore) ActiveJobs() []*jobs.Job {
	return s.filtered(func(j *jobs.Job) bool {
		return j.Status == jobs.StatusPending || j.Status == jobs.StatusProcessing
	})
}

func (s *SyncStore) CompletedJobs() []*jobs.Job {
	return s.filtered(func(j *jobs.Job) bool { return j.Status == jobs.StatusCompleted })
}

func (s *SyncStore) FailedJobs() []*jobs.Job {
	return s.filtered(func(j *jobs.Job) bool { return j.Status == jobs.StatusFailed })
}

func (s *SyncStore) filtered(keep func(*jobs.Job) bool) []*jobs.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*jobs.Job
	for _, id := range s.order {
		if j := s.jobs[id]; keep(j) {
			out = append(out, j)
		}
	}
	return out
}

// merge replaces a job in place when present, preserving listing order;
// absent jobs are unshifted to the front (newest first). Caller holds mu.
func (s *SyncStore) merge(job *jobs.Job) {
	if _, ok := s.jobs[job.ID]; ok {
		s.jobs[job.ID] = job
		return
	}
	s.jobs[job.ID] = job
	s.order = append([]string{job.ID}, s.order...)
}

// removeLocked drops a job from the collection. Caller holds mu.
func (s *SyncStore) removeLocked(id string) {
	if _, ok := s.jobs[id]; !ok {
		return
	}
	delete(s.jobs, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.currentID == id {
		s.currentID = ""
	}
}
