package memory

import (
	"errors"
	"sync"

	"github.com/JakeFAU/media-job-server/internal/job"
)

// ErrJobNotFound is returned when a job is no longer in flight.
var ErrJobNotFound = errors.New("job not found")

// JobStore holds in-flight jobs from admission until their result has been
// returned or handed off to webhook delivery.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*job.Job)}
}

// Add registers a job.
func (s *JobStore) Add(j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.ID]; exists {
		return errors.New("job already exists")
	}
	s.jobs[j.ID] = j
	return nil
}

// Get returns a snapshot of the job.
func (s *JobStore) Get(jobID string) (job.Snapshot, error) {
	s.mu.RLock()
	j, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return job.Snapshot{}, ErrJobNotFound
	}
	return j.Snapshot(), nil
}

// Remove drops the job; unknown IDs are ignored.
func (s *JobStore) Remove(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
}

// Len reports the number of in-flight jobs.
func (s *JobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
