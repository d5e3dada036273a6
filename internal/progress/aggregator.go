// Package progress folds chunk outcomes into the job state machine and
// publishes the resulting events.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cubetribe/voxflow-trans-sub002/internal/domain"
	"github.com/cubetribe/voxflow-trans-sub002/internal/merge"
)

type Store interface {
	Job(ctx context.Context, id string) (domain.Job, error)
	UpdateJobStatus(ctx context.Context, id string, status domain.JobStatus, errReason string) error
	Chunk(ctx context.Context, jobID string, index int) (domain.Chunk, error)
	Chunks(ctx context.Context, jobID string) ([]domain.Chunk, error)
	UpdateChunk(ctx context.Context, chunk domain.Chunk) error
	SetTranscript(ctx context.Context, transcript domain.Transcript) error
}

type Publisher interface {
	Publish(event domain.ProgressEvent)
}

// Aggregator serializes all updates for one job behind a per-job lock, so
// concurrent chunk reports cannot interleave half-applied state or publish
// events out of order.
type Aggregator struct {
	log   *slog.Logger
	store Store
	hub   Publisher

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewAggregator(log *slog.Logger, store Store, hub Publisher) *Aggregator {
	return &Aggregator{
		log:   log,
		store: store,
		hub:   hub,
		locks: make(map[string]*sync.Mutex),
	}
}

// canTransition is the edge table of the job state machine.
func canTransition(from, to domain.JobStatus) bool {
	switch from {
	case domain.StatusQueued:
		return to == domain.StatusProcessing || to == domain.StatusFailed || to == domain.StatusCancelled
	case domain.StatusProcessing:
		return to == domain.StatusMerging || to == domain.StatusFailed || to == domain.StatusCancelled
	case domain.StatusMerging:
		return to == domain.StatusCompleted || to == domain.StatusFailed || to == domain.StatusCancelled
	default:
		return false
	}
}

func (a *Aggregator) lock(jobID string) func() {
	a.mu.Lock()
	l, ok := a.locks[jobID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[jobID] = l
	}
	a.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (a *Aggregator) forget(jobID string) {
	a.mu.Lock()
	delete(a.locks, jobID)
	a.mu.Unlock()
}

// JobQueued announces a freshly created job.
func (a *Aggregator) JobQueued(ctx context.Context, job domain.Job) {
	a.hub.Publish(domain.ProgressEvent{
		JobID:       job.ID,
		Type:        domain.EventJobQueued,
		TotalChunks: job.TotalChunks,
		Message:     job.OriginalName,
	})
}

// ChunkStarted marks a chunk dispatched and moves a queued job into
// processing on its first chunk.
func (a *Aggregator) ChunkStarted(ctx context.Context, jobID string, index, attempt int) {
	defer a.lock(jobID)()

	job, err := a.store.Job(ctx, jobID)
	if err != nil || job.Status.Terminal() {
		return
	}

	chunk, err := a.store.Chunk(ctx, jobID, index)
	if err != nil || chunk.Status.Terminal() {
		return
	}
	chunk.Status = domain.ChunkDispatched
	chunk.Attempt = attempt
	if err := a.store.UpdateChunk(ctx, chunk); err != nil {
		a.log.Error("update dispatched chunk", slog.String("job_id", jobID), slog.Int("chunk", index), slog.String("error", err.Error()))
	}

	if job.Status == domain.StatusQueued {
		if err := a.transition(ctx, &job, domain.StatusProcessing, ""); err == nil {
			a.hub.Publish(domain.ProgressEvent{
				JobID:       jobID,
				Type:        domain.EventJobProcessing,
				TotalChunks: job.TotalChunks,
			})
		}
	}
}

// ChunkSucceeded settles a chunk with its result and completes the job
// once every chunk is settled.
func (a *Aggregator) ChunkSucceeded(ctx context.Context, jobID string, index int, result *domain.ChunkResult) {
	defer a.lock(jobID)()

	job, err := a.store.Job(ctx, jobID)
	if err != nil || job.Status.Terminal() {
		return
	}

	chunk, err := a.store.Chunk(ctx, jobID, index)
	if err != nil || chunk.Status.Terminal() {
		return
	}
	chunk.Status = domain.ChunkSucceeded
	chunk.Result = result
	chunk.Error = ""
	if err := a.store.UpdateChunk(ctx, chunk); err != nil {
		a.log.Error("update succeeded chunk", slog.String("job_id", jobID), slog.Int("chunk", index), slog.String("error", err.Error()))
		return
	}

	a.hub.Publish(domain.ProgressEvent{
		JobID:        jobID,
		Type:         domain.EventChunkCompleted,
		CurrentChunk: index,
		TotalChunks:  job.TotalChunks,
	})

	a.finishIfSettled(ctx, job)
}

// ChunkFailed settles a chunk that exhausted its attempts. Under fail_fast
// the whole job fails and the caller is told to abort the rest.
func (a *Aggregator) ChunkFailed(ctx context.Context, jobID string, index, attempt int, reason string) bool {
	defer a.lock(jobID)()

	job, err := a.store.Job(ctx, jobID)
	if err != nil || job.Status.Terminal() {
		return true
	}

	chunk, err := a.store.Chunk(ctx, jobID, index)
	if err != nil || chunk.Status.Terminal() {
		return false
	}
	chunk.Status = domain.ChunkFailed
	chunk.Attempt = attempt
	chunk.Error = reason
	if err := a.store.UpdateChunk(ctx, chunk); err != nil {
		a.log.Error("update failed chunk", slog.String("job_id", jobID), slog.Int("chunk", index), slog.String("error", err.Error()))
	}

	a.hub.Publish(domain.ProgressEvent{
		JobID:        jobID,
		Type:         domain.EventChunkFailed,
		CurrentChunk: index,
		TotalChunks:  job.TotalChunks,
		Message:      reason,
	})

	if job.Config.FailurePolicy == domain.FailFast {
		a.failJob(ctx, job, fmt.Sprintf("chunk %d failed after %d attempts: %s", index, attempt, reason))
		return true
	}

	a.finishIfSettled(ctx, job)
	return false
}

// CancelJob moves a non-terminal job to cancelled and settles whatever has
// not run yet.
func (a *Aggregator) CancelJob(ctx context.Context, jobID string) error {
	defer a.lock(jobID)()

	job, err := a.store.Job(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", domain.ErrAlreadyTerminal, jobID, job.Status)
	}

	if err := a.transition(ctx, &job, domain.StatusCancelled, "cancelled by client"); err != nil {
		return err
	}
	a.settleRemaining(ctx, job.ID, "job cancelled")
	a.hub.Publish(domain.ProgressEvent{
		JobID:       jobID,
		Type:        domain.EventJobCancelled,
		TotalChunks: job.TotalChunks,
	})
	a.forget(jobID)
	return nil
}

// finishIfSettled runs the merge once no chunk is pending or dispatched.
func (a *Aggregator) finishIfSettled(ctx context.Context, job domain.Job) {
	chunks, err := a.store.Chunks(ctx, job.ID)
	if err != nil {
		a.log.Error("load chunks", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		return
	}
	if len(chunks) < job.TotalChunks {
		return
	}
	succeeded := 0
	for _, c := range chunks {
		if !c.Status.Terminal() {
			return
		}
		if c.Status == domain.ChunkSucceeded {
			succeeded++
		}
	}

	if succeeded == 0 {
		a.failJob(ctx, job, domain.ErrAllChunksFailed.Error())
		return
	}

	if err := a.transition(ctx, &job, domain.StatusMerging, ""); err != nil {
		return
	}
	a.hub.Publish(domain.ProgressEvent{
		JobID:       job.ID,
		Type:        domain.EventJobMerging,
		TotalChunks: job.TotalChunks,
	})

	transcript, err := merge.Merge(job, chunks)
	if err != nil {
		a.failJob(ctx, job, fmt.Sprintf("merge: %v", err))
		return
	}
	if err := a.store.SetTranscript(ctx, transcript); err != nil {
		a.failJob(ctx, job, fmt.Sprintf("store transcript: %v", err))
		return
	}

	if err := a.transition(ctx, &job, domain.StatusCompleted, ""); err != nil {
		return
	}
	a.hub.Publish(domain.ProgressEvent{
		JobID:       job.ID,
		Type:        domain.EventJobCompleted,
		TotalChunks: job.TotalChunks,
		Message:     fmt.Sprintf("%d of %d chunks transcribed", succeeded, job.TotalChunks),
	})
	a.forget(job.ID)

	a.log.Info("job completed",
		slog.String("job_id", job.ID),
		slog.Int("chunks", job.TotalChunks),
		slog.Int("succeeded", succeeded),
	)
}

func (a *Aggregator) failJob(ctx context.Context, job domain.Job, reason string) {
	if err := a.transition(ctx, &job, domain.StatusFailed, reason); err != nil {
		return
	}
	a.settleRemaining(ctx, job.ID, "skipped: job failed")
	a.hub.Publish(domain.ProgressEvent{
		JobID:       job.ID,
		Type:        domain.EventJobFailed,
		TotalChunks: job.TotalChunks,
		Message:     reason,
	})
	a.forget(job.ID)

	a.log.Warn("job failed",
		slog.String("job_id", job.ID),
		slog.String("reason", reason),
	)
}

// settleRemaining marks every unsettled chunk failed so terminal jobs
// always account for all their chunks.
func (a *Aggregator) settleRemaining(ctx context.Context, jobID, reason string) {
	chunks, err := a.store.Chunks(ctx, jobID)
	if err != nil {
		return
	}
	for _, c := range chunks {
		if c.Status.Terminal() {
			continue
		}
		c.Status = domain.ChunkFailed
		c.Error = reason
		if err := a.store.UpdateChunk(ctx, c); err != nil {
			a.log.Error("settle chunk", slog.String("job_id", jobID), slog.Int("chunk", c.Index), slog.String("error", err.Error()))
		}
	}
}

func (a *Aggregator) transition(ctx context.Context, job *domain.Job, to domain.JobStatus, errReason string) error {
	if !canTransition(job.Status, to) {
		return fmt.Errorf("invalid transition %s -> %s for job %s", job.Status, to, job.ID)
	}
	if err := a.store.UpdateJobStatus(ctx, job.ID, to, errReason); err != nil {
		if !errors.Is(err, domain.ErrJobNotFound) {
			a.log.Error("update job status",
				slog.String("job_id", job.ID),
				slog.String("to", string(to)),
				slog.String("error", err.Error()),
			)
		}
		return err
	}
	job.Status = to
	job.Error = errReason
	return nil
}
