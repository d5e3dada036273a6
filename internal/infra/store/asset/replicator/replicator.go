// Package replicator copies locally saved audio files to object storage
// in the background.
package replicator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

type Storage interface {
	Save(ctx context.Context, reader io.Reader, filename string, size int64) (int64, string, error)
	Open(ctx context.Context, filename string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, filename string) error
}

type Job struct {
	Filename string
	Size     int64
	Hash     string
	Retries  int
}

type Replicator struct {
	local  Storage
	remote Storage

	queue      chan Job
	workerNum  int
	maxRetries int

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func New(local, remote Storage, queueSize, workerNum, maxRetries int) *Replicator {
	if queueSize <= 0 {
		queueSize = 100
	}
	if workerNum <= 0 {
		workerNum = 1
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	return &Replicator{
		local:      local,
		remote:     remote,
		queue:      make(chan Job, queueSize),
		workerNum:  workerNum,
		maxRetries: maxRetries,
	}
}

func (r *Replicator) Start(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	workerCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(r.workerNum)
	for i := 0; i < r.workerNum; i++ {
		go r.worker(workerCtx)
	}
}

func (r *Replicator) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	if r.cancel != nil {
		r.cancel()
	}
	close(r.queue)
	r.mu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		r.wg.Wait()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-doneCh:
	}

	slog.Info("replicator: stopped")
	return nil
}

func (r *Replicator) Enqueue(job Job) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return false
	}

	select {
	case r.queue <- job:
		return true
	default:
		return false
	}
}

func (r *Replicator) worker(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-r.queue:
			if !ok {
				return
			}

			r.handleJob(ctx, job)
		}
	}
}

func (r *Replicator) handleJob(ctx context.Context, job Job) {
	l := slog.With(
		slog.String("filename", job.Filename),
		slog.Int("retries", job.Retries),
	)

	if err := r.replicateOnce(ctx, job); err != nil {
		if job.Retries >= r.maxRetries {
			l.Error("replication failed, max retries exceeded",
				slog.String("error", err.Error()),
			)
			return
		}

		// Enqueue rechecks closed under the lock, a retry must never hit
		// the queue after Stop closed it
		job.Retries++
		if r.Enqueue(job) {
			l.Warn("replication failed, job requeued",
				slog.String("error", err.Error()),
				slog.Int("next_retry", job.Retries),
			)
		} else {
			l.Error("replication failed, job dropped",
				slog.String("error", err.Error()),
			)
		}
	}
}

func (r *Replicator) replicateOnce(ctx context.Context, job Job) error {
	rc, size, err := r.local.Open(ctx, job.Filename)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer rc.Close()

	if job.Size > 0 {
		size = job.Size
	}

	written, remoteHash, err := r.remote.Save(ctx, rc, job.Filename, size)
	if err != nil {
		return fmt.Errorf("save to remote: %w", err)
	}

	if written <= 0 {
		return fmt.Errorf("remote save wrote zero bytes")
	}

	if job.Hash != "" && remoteHash != "" && job.Hash != remoteHash {
		return fmt.Errorf("hash mismatch: local=%s remote=%s", job.Hash, remoteHash)
	}

	slog.Debug("replicator: audio replicated",
		slog.String("filename", job.Filename),
		slog.Int64("size", written),
	)

	return nil
}
