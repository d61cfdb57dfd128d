package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/resilient-extractor/internal/extraction"
	"github.com/JakeFAU/resilient-extractor/internal/jobs"
)

// JobStore provides an in-memory jobs.Store for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]jobs.Job
	now  func() time.Time
}

var _ jobs.Store = (*JobStore)(nil)

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]jobs.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateJobStatus moves a job to status, stamping start and finish times.
func (s *JobStore) UpdateJobStatus(_ context.Context, jobID string, status jobs.Status, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return jobs.ErrNotFound
	}
	job.Status = status
	job.ErrorText = errText
	now := s.now()
	if status == jobs.StatusRunning && job.Started == nil {
		job.Started = pointerTime(now)
	}
	if status.Terminal() {
		job.Finished = pointerTime(now)
	}
	s.jobs[jobID] = job
	return nil
}

// SaveResult attaches the batch result to a job.
func (s *JobStore) SaveResult(_ context.Context, jobID string, result extraction.BatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return jobs.ErrNotFound
	}
	job.Result = &result
	s.jobs[jobID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return jobs.Job{}, jobs.ErrNotFound
	}
	return job, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
