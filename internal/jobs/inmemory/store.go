package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dvloznov/fare-ledger/internal/domain"
	"github.com/dvloznov/fare-ledger/internal/jobs"
)

// Store is an in-memory implementation of JobStore.
// Data is lost on service restart.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*jobs.IngestJob
}

// NewStore creates a new in-memory job store.
func NewStore() *Store {
	return &Store{
		jobs: make(map[string]*jobs.IngestJob),
	}
}

// SaveJob saves or updates a copy of job.
func (s *Store) SaveJob(_ context.Context, job *jobs.IngestJob) error {
	if job.JobID == "" {
		return fmt.Errorf("SaveJob: job ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.JobID] = copyJob(job)
	return nil
}

// GetJob returns a copy of the job.
func (s *Store) GetJob(_ context.Context, jobID string) (*jobs.IngestJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("GetJob: %w: %s", jobs.ErrJobNotFound, jobID)
	}
	return copyJob(job), nil
}

// ListJobs returns matching jobs, newest first.
func (s *Store) ListJobs(_ context.Context, filter jobs.JobFilter) ([]*jobs.IngestJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []*jobs.IngestJob{}
	for _, job := range s.jobs {
		if filter.OwnerID != "" && job.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		result = append(result, copyJob(job))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].JobID < result[j].JobID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*jobs.IngestJob{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

// UpdateJobStatus sets the status and, if given, the error message.
func (s *Store) UpdateJobStatus(_ context.Context, jobID string, status jobs.JobStatus, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return fmt.Errorf("UpdateJobStatus: %w: %s", jobs.ErrJobNotFound, jobID)
	}
	job.Status = status
	if errorMsg != "" {
		job.Error = errorMsg
	}
	return nil
}

func copyJob(job *jobs.IngestJob) *jobs.IngestJob {
	c := *job
	c.Warnings = append([]domain.Warning(nil), job.Warnings...)
	return &c
}

var _ jobs.JobStore = (*Store)(nil)
