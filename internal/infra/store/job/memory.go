package jobstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cubetribe/voxflow-trans-sub002/internal/domain"
)

// memoryStore keeps everything in process memory. It backs the degraded
// mode when Redis is unreachable and doubles as the store for tests.
type memoryStore struct {
	mu          sync.RWMutex
	jobs        map[string]domain.Job
	chunks      map[string]map[int]domain.Chunk
	transcripts map[string]domain.Transcript
}

func NewMemory() *memoryStore {
	return &memoryStore{
		jobs:        make(map[string]domain.Job),
		chunks:      make(map[string]map[int]domain.Chunk),
		transcripts: make(map[string]domain.Transcript),
	}
}

func (s *memoryStore) CreateJob(_ context.Context, job domain.Job, chunks []domain.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.ID] = job
	byIndex := make(map[int]domain.Chunk, len(chunks))
	for _, c := range chunks {
		byIndex[c.Index] = cloneChunk(c)
	}
	s.chunks[job.ID] = byIndex
	return nil
}

func (s *memoryStore) Job(_ context.Context, id string) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return j, nil
}

func (s *memoryStore) Jobs(_ context.Context, filter domain.ListFilter) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID < jobs[k].ID
		}
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
	return jobs, nil
}

func (s *memoryStore) UpdateJobStatus(_ context.Context, id string, status domain.JobStatus, errReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.Status.Terminal() {
		return domain.ErrAlreadyTerminal
	}
	j.Status = status
	j.Error = errReason
	j.UpdatedAt = time.Now()
	s.jobs[id] = j
	return nil
}

func (s *memoryStore) Chunk(_ context.Context, jobID string, index int) (domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chunks[jobID][index]
	if !ok {
		return domain.Chunk{}, domain.ErrChunkNotFound
	}
	return cloneChunk(c), nil
}

func (s *memoryStore) Chunks(_ context.Context, jobID string) ([]domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.jobs[jobID]; !ok {
		return nil, domain.ErrJobNotFound
	}

	byIndex := s.chunks[jobID]
	chunks := make([]domain.Chunk, 0, len(byIndex))
	for _, c := range byIndex {
		chunks = append(chunks, cloneChunk(c))
	}
	sort.Slice(chunks, func(i, k int) bool { return chunks[i].Index < chunks[k].Index })
	return chunks, nil
}

func (s *memoryStore) UpdateChunk(_ context.Context, chunk domain.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byIndex, ok := s.chunks[chunk.JobID]
	if !ok {
		return domain.ErrChunkNotFound
	}
	if _, ok := byIndex[chunk.Index]; !ok {
		return domain.ErrChunkNotFound
	}
	byIndex[chunk.Index] = cloneChunk(chunk)
	return nil
}

func (s *memoryStore) SetTranscript(_ context.Context, transcript domain.Transcript) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transcripts[transcript.JobID] = transcript
	return nil
}

func (s *memoryStore) Transcript(_ context.Context, jobID string) (domain.Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transcripts[jobID]
	if !ok {
		return domain.Transcript{}, domain.ErrJobNotFound
	}
	return t, nil
}

func (s *memoryStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return domain.ErrJobNotFound
	}
	delete(s.jobs, id)
	delete(s.chunks, id)
	delete(s.transcripts, id)
	return nil
}

func (s *memoryStore) DeleteExpired(_ context.Context, now time.Time, _ time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, j := range s.jobs {
		if now.After(j.ExpiresAt) {
			delete(s.jobs, id)
			delete(s.chunks, id)
			delete(s.transcripts, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *memoryStore) Ping(_ context.Context) error {
	return nil
}

func cloneChunk(c domain.Chunk) domain.Chunk {
	if c.Result != nil {
		r := *c.Result
		c.Result = &r
	}
	return c
}
