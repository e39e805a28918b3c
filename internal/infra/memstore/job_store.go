package memstore

import (
	"fmt"
	"sync"
	"time"

	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
)

// JobStore keeps job records in memory. Readers always receive copies.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]*entity.Job
}

func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*entity.Job)}
}

func (s *JobStore) Insert(job *entity.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("insert job %s: %w", job.ID, entity.ErrDuplicateJob)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *JobStore) Get(id string) (*entity.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

// Update applies fn to the stored record under the write lock and returns a copy of the result.
func (s *JobStore) Update(id string, fn func(job *entity.Job)) (*entity.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("update job %s: %w", id, entity.ErrJobNotFound)
	}
	fn(job)
	return job.Clone(), nil
}

// Prune removes terminal jobs completed before now-maxAge. Processing jobs are never touched.
func (s *JobStore) Prune(maxAge time.Duration, now time.Time) []*entity.Job {
	cutoff := now.Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []*entity.Job
	for id, job := range s.jobs {
		if !job.Status.Terminal() || job.CompletedAt == nil {
			continue
		}
		if job.CompletedAt.After(cutoff) {
			continue
		}
		delete(s.jobs, id)
		removed = append(removed, job)
	}
	return removed
}

func (s *JobStore) Stats() entity.QueueStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st entity.QueueStats
	for _, job := range s.jobs {
		switch job.Status {
		case entity.JobStatusPending:
			st.Pending++
		case entity.JobStatusProcessing:
			st.Processing++
		case entity.JobStatusCompleted:
			st.Completed++
		case entity.JobStatusFailed:
			st.Failed++
		}
	}
	return st
}
