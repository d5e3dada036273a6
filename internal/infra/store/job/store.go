// Package jobstore persists jobs, chunks and transcripts.
package jobstore

import (
	"context"
	"time"

	"github.com/cubetribe/voxflow-trans-sub002/internal/domain"
)

// Store is the persistence contract shared by the Redis backing, the
// in-memory fallback and the failover wrapper that composes the two.
// Missing records are reported with the domain not-found sentinels and
// a status write against a terminal job with ErrAlreadyTerminal; any
// other error means the backing itself is unhealthy.
type Store interface {
	CreateJob(ctx context.Context, job domain.Job, chunks []domain.Chunk) error
	Job(ctx context.Context, id string) (domain.Job, error)
	Jobs(ctx context.Context, filter domain.ListFilter) ([]domain.Job, error)
	UpdateJobStatus(ctx context.Context, id string, status domain.JobStatus, errReason string) error

	Chunk(ctx context.Context, jobID string, index int) (domain.Chunk, error)
	Chunks(ctx context.Context, jobID string) ([]domain.Chunk, error)
	UpdateChunk(ctx context.Context, chunk domain.Chunk) error

	SetTranscript(ctx context.Context, transcript domain.Transcript) error
	Transcript(ctx context.Context, jobID string) (domain.Transcript, error)

	DeleteJob(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, now time.Time, ttl time.Duration) (int, error)

	Ping(ctx context.Context) error
}
