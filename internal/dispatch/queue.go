// Package dispatch feeds chunks to the transcription backend with bounded
// concurrency, retries and per-job cancellation.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cubetribe/voxflow-trans-sub002/internal/domain"
	"github.com/cubetribe/voxflow-trans-sub002/internal/transcribe"
)

// Reporter receives chunk lifecycle callbacks. ChunkFailed is only called
// for a chunk's final failure; its return value tells the queue to stop
// dispatching the rest of the job.
type Reporter interface {
	ChunkStarted(ctx context.Context, jobID string, index, attempt int)
	ChunkSucceeded(ctx context.Context, jobID string, index int, result *domain.ChunkResult)
	ChunkFailed(ctx context.Context, jobID string, index, attempt int, reason string) (abort bool)
}

// Extractor cuts one chunk window into a standalone audio file.
type Extractor interface {
	Extract(ctx context.Context, src string, w domain.Window) (string, error)
}

// Backend performs the remote transcription call.
type Backend interface {
	Transcribe(ctx context.Context, chunk domain.Chunk, audioPath string, cfg domain.JobConfig) (*domain.ChunkResult, error)
}

// AssetResolver maps a stored file ID to a readable path on disk.
type AssetResolver interface {
	Path(ctx context.Context, filename string) (string, error)
}

type Config struct {
	Concurrency    int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	AttemptTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 2 * time.Minute
	}
}

// jobQueue holds one job's not yet dispatched chunks.
type jobQueue struct {
	job      domain.Job
	pending  []domain.Chunk
	inflight int

	cancelCh  chan struct{}
	cancelled bool
}

type task struct {
	jq    *jobQueue
	chunk domain.Chunk
}

// Queue schedules chunks across jobs round-robin so a long job cannot
// starve the ones behind it, and never runs more than Concurrency
// transcriptions at once.
type Queue struct {
	log       *slog.Logger
	reporter  Reporter
	extractor Extractor
	backend   Backend
	assets    AssetResolver
	cfg       Config

	sem  *semaphore.Weighted
	wake chan struct{}

	mu     sync.Mutex
	jobs   map[string]*jobQueue
	ring   []string
	cursor int
	closed bool

	wg sync.WaitGroup
}

func NewQueue(log *slog.Logger, reporter Reporter, extractor Extractor, backend Backend, assets AssetResolver, cfg Config) *Queue {
	cfg.applyDefaults()
	return &Queue{
		log:       log,
		reporter:  reporter,
		extractor: extractor,
		backend:   backend,
		assets:    assets,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		wake:      make(chan struct{}, 1),
		jobs:      make(map[string]*jobQueue),
	}
}

// Enqueue registers a job's chunks for dispatch.
func (q *Queue) Enqueue(job domain.Job, chunks []domain.Chunk) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return domain.ErrQueueClosed
	}
	if _, ok := q.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already enqueued", job.ID)
	}

	pending := make([]domain.Chunk, len(chunks))
	copy(pending, chunks)
	q.jobs[job.ID] = &jobQueue{
		job:      job,
		pending:  pending,
		cancelCh: make(chan struct{}),
	}
	q.ring = append(q.ring, job.ID)

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Cancel drops a job's pending chunks and tells its in-flight tasks to
// discard their outcomes. Safe to call for unknown or finished jobs.
func (q *Queue) Cancel(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	jq, ok := q.jobs[jobID]
	if !ok {
		return
	}
	if !jq.cancelled {
		jq.cancelled = true
		close(jq.cancelCh)
	}
	jq.pending = nil
	q.removeLocked(jobID)
}

// Run drives the scheduler until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	for {
		t := q.next()
		if t == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}

		if err := q.sem.Acquire(ctx, 1); err != nil {
			q.taskDone(t.jq)
			return
		}
		q.wg.Add(1)
		go func(t *task) {
			defer q.wg.Done()
			defer q.sem.Release(1)
			defer q.taskDone(t.jq)
			q.runTask(ctx, t)
		}(t)
	}
}

// Stop refuses new jobs and waits for in-flight tasks to finish.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		q.wg.Wait()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	q.log.Info("dispatch queue stopped")
	return nil
}

// next pops the front chunk of the next job in the ring.
func (q *Queue) next() *task {
	q.mu.Lock()
	defer q.mu.Unlock()

	for range q.ring {
		if q.cursor >= len(q.ring) {
			q.cursor = 0
		}
		id := q.ring[q.cursor]
		jq := q.jobs[id]
		if jq == nil || len(jq.pending) == 0 {
			q.ring = append(q.ring[:q.cursor], q.ring[q.cursor+1:]...)
			continue
		}

		chunk := jq.pending[0]
		jq.pending = jq.pending[1:]
		jq.inflight++
		if len(jq.pending) == 0 {
			q.ring = append(q.ring[:q.cursor], q.ring[q.cursor+1:]...)
		} else {
			q.cursor++
		}
		return &task{jq: jq, chunk: chunk}
	}
	return nil
}

// taskDone releases the job entry once nothing of it remains in flight.
func (q *Queue) taskDone(jq *jobQueue) {
	q.mu.Lock()
	defer q.mu.Unlock()

	jq.inflight--
	if jq.inflight <= 0 && len(jq.pending) == 0 {
		delete(q.jobs, jq.job.ID)
	}
}

func (q *Queue) removeLocked(jobID string) {
	delete(q.jobs, jobID)
	for i, id := range q.ring {
		if id == jobID {
			q.ring = append(q.ring[:i], q.ring[i+1:]...)
			if q.cursor > i {
				q.cursor--
			}
			break
		}
	}
}

func (q *Queue) runTask(ctx context.Context, t *task) {
	job := t.jq.job
	l := q.log.With(
		slog.String("job_id", job.ID),
		slog.Int("chunk", t.chunk.Index),
	)

	src, err := q.assets.Path(ctx, job.FileID)
	if err != nil {
		if t.cancelled() || ctx.Err() != nil {
			return
		}
		q.reporter.ChunkStarted(ctx, job.ID, t.chunk.Index, 1)
		if abort := q.reporter.ChunkFailed(ctx, job.ID, t.chunk.Index, 1, fmt.Sprintf("resolve audio: %v", err)); abort {
			q.Cancel(job.ID)
		}
		return
	}

	for attempt := 1; attempt <= q.cfg.MaxAttempts; attempt++ {
		if t.cancelled() {
			return
		}
		q.reporter.ChunkStarted(ctx, job.ID, t.chunk.Index, attempt)

		result, err := q.attempt(ctx, t, src)
		if err == nil {
			if t.cancelled() {
				l.Debug("discarding result of cancelled job")
				return
			}
			q.reporter.ChunkSucceeded(ctx, job.ID, t.chunk.Index, result)
			return
		}

		// a shutdown abort is not a verdict on the chunk
		if ctx.Err() != nil {
			return
		}

		l.Warn("chunk attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		if transcribe.IsPermanent(err) || attempt == q.cfg.MaxAttempts {
			if t.cancelled() {
				return
			}
			if abort := q.reporter.ChunkFailed(ctx, job.ID, t.chunk.Index, attempt, err.Error()); abort {
				q.Cancel(job.ID)
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-t.jq.cancelCh:
			return
		case <-time.After(q.backoff(attempt)):
		}
	}
}

// attempt extracts the chunk window and sends it to the backend under one
// shared timeout.
func (q *Queue) attempt(ctx context.Context, t *task, src string) (*domain.ChunkResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, q.cfg.AttemptTimeout)
	defer cancel()

	wav, err := q.extractor.Extract(attemptCtx, src, domain.Window{
		StartOffsetSec: t.chunk.StartOffsetSec,
		EndOffsetSec:   t.chunk.EndOffsetSec,
	})
	if err != nil {
		return nil, fmt.Errorf("extract chunk: %w", err)
	}
	defer os.Remove(wav)

	return q.backend.Transcribe(attemptCtx, t.chunk, wav, t.jq.job.Config)
}

// backoff doubles the base delay per attempt up to the configured cap.
func (q *Queue) backoff(attempt int) time.Duration {
	delay := q.cfg.RetryBaseDelay << (attempt - 1)
	if delay > q.cfg.RetryMaxDelay {
		delay = q.cfg.RetryMaxDelay
	}
	return delay
}

func (t *task) cancelled() bool {
	select {
	case <-t.jq.cancelCh:
		return true
	default:
		return false
	}
}
