package jobstore

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cubetribe/voxflow-trans-sub002/internal/domain"
)

const defaultHealthInterval = 5 * time.Second

// Failover routes every operation to the primary backing until one of them
// fails with an infrastructure error, then serves new operations from the
// fallback until the health loop sees the primary answer pings again.
// Reads that miss in the active backing consult the other one, so jobs
// created during an outage stay visible after recovery.
type Failover struct {
	log      *slog.Logger
	primary  Store
	fallback Store
	interval time.Duration

	primaryUp atomic.Bool
}

func NewFailover(log *slog.Logger, primary, fallback Store, interval time.Duration) *Failover {
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	f := &Failover{
		log:      log,
		primary:  primary,
		fallback: fallback,
		interval: interval,
	}
	f.primaryUp.Store(true)
	return f
}

// Run drives the health loop until ctx is cancelled.
func (f *Failover) Run(ctx context.Context) {
	f.check(ctx)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.check(ctx)
		}
	}
}

func (f *Failover) check(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	err := f.primary.Ping(pingCtx)
	cancel()

	up := f.primaryUp.Load()
	switch {
	case err != nil && up:
		f.primaryUp.Store(false)
		f.log.Warn("primary job store unreachable, switching to fallback", slog.String("error", err.Error()))
	case err == nil && !up:
		f.primaryUp.Store(true)
		f.log.Info("primary job store recovered, switching back")
	}
}

func (f *Failover) Health() domain.StoreHealth {
	h := domain.StoreHealth{PrimaryUp: f.primaryUp.Load()}
	if h.PrimaryUp {
		h.Mode = domain.ModePrimary
	} else {
		h.Mode = domain.ModeFallback
	}
	return h
}

func (f *Failover) Mode() domain.StoreMode {
	return f.Health().Mode
}

// isDomainErr separates data answers from infrastructure failures. Only
// the latter may trigger a failover.
func isDomainErr(err error) bool {
	return errors.Is(err, domain.ErrJobNotFound) ||
		errors.Is(err, domain.ErrChunkNotFound) ||
		errors.Is(err, domain.ErrAlreadyTerminal)
}

// write runs fn against the active backing and reroutes to the fallback
// when the primary fails mid-operation.
func (f *Failover) write(op string, fn func(Store) error) error {
	if f.primaryUp.Load() {
		err := fn(f.primary)
		if err == nil || isDomainErr(err) {
			return err
		}
		f.markDown(op, err)
	}
	return fn(f.fallback)
}

// read is write plus a not-found retry against the inactive backing.
func (f *Failover) read(op string, fn func(Store) error) error {
	first, second := f.fallback, f.primary
	if f.primaryUp.Load() {
		first, second = f.primary, f.fallback
	}

	err := fn(first)
	if err == nil {
		return nil
	}
	if isDomainErr(err) {
		if err2 := fn(second); err2 == nil {
			return nil
		}
		return err
	}

	if first == f.primary {
		f.markDown(op, err)
	}
	if err2 := fn(second); err2 == nil || isDomainErr(err2) {
		return err2
	}
	return err
}

func (f *Failover) markDown(op string, err error) {
	if f.primaryUp.CompareAndSwap(true, false) {
		f.log.Warn("primary job store failed, switching to fallback",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
	}
}

func (f *Failover) CreateJob(ctx context.Context, job domain.Job, chunks []domain.Chunk) error {
	return f.write("create_job", func(s Store) error { return s.CreateJob(ctx, job, chunks) })
}

func (f *Failover) Job(ctx context.Context, id string) (domain.Job, error) {
	var job domain.Job
	err := f.read("job", func(s Store) error {
		var e error
		job, e = s.Job(ctx, id)
		return e
	})
	return job, err
}

func (f *Failover) Jobs(ctx context.Context, filter domain.ListFilter) ([]domain.Job, error) {
	primaryJobs, primaryErr := f.listFrom(ctx, f.primary, filter)
	fallbackJobs, fallbackErr := f.listFrom(ctx, f.fallback, filter)
	if primaryErr != nil && fallbackErr != nil {
		return nil, primaryErr
	}

	seen := make(map[string]bool, len(primaryJobs))
	merged := make([]domain.Job, 0, len(primaryJobs)+len(fallbackJobs))
	for _, j := range primaryJobs {
		seen[j.ID] = true
		merged = append(merged, j)
	}
	for _, j := range fallbackJobs {
		if !seen[j.ID] {
			merged = append(merged, j)
		}
	}
	return merged, nil
}

func (f *Failover) listFrom(ctx context.Context, s Store, filter domain.ListFilter) ([]domain.Job, error) {
	if s == f.primary && !f.primaryUp.Load() {
		return nil, domain.ErrBackendUnavailable
	}
	jobs, err := s.Jobs(ctx, filter)
	if err != nil && s == f.primary {
		f.markDown("jobs", err)
	}
	return jobs, err
}

func (f *Failover) UpdateJobStatus(ctx context.Context, id string, status domain.JobStatus, errReason string) error {
	return f.write("update_job_status", func(s Store) error { return s.UpdateJobStatus(ctx, id, status, errReason) })
}

func (f *Failover) Chunk(ctx context.Context, jobID string, index int) (domain.Chunk, error) {
	var chunk domain.Chunk
	err := f.read("chunk", func(s Store) error {
		var e error
		chunk, e = s.Chunk(ctx, jobID, index)
		return e
	})
	return chunk, err
}

func (f *Failover) Chunks(ctx context.Context, jobID string) ([]domain.Chunk, error) {
	var chunks []domain.Chunk
	err := f.read("chunks", func(s Store) error {
		var e error
		chunks, e = s.Chunks(ctx, jobID)
		return e
	})
	return chunks, err
}

func (f *Failover) UpdateChunk(ctx context.Context, chunk domain.Chunk) error {
	return f.write("update_chunk", func(s Store) error { return s.UpdateChunk(ctx, chunk) })
}

func (f *Failover) SetTranscript(ctx context.Context, transcript domain.Transcript) error {
	return f.write("set_transcript", func(s Store) error { return s.SetTranscript(ctx, transcript) })
}

func (f *Failover) Transcript(ctx context.Context, jobID string) (domain.Transcript, error) {
	var t domain.Transcript
	err := f.read("transcript", func(s Store) error {
		var e error
		t, e = s.Transcript(ctx, jobID)
		return e
	})
	return t, err
}

func (f *Failover) DeleteJob(ctx context.Context, id string) error {
	err := f.write("delete_job", func(s Store) error { return s.DeleteJob(ctx, id) })
	if errors.Is(err, domain.ErrJobNotFound) {
		// the job may live in the other backing
		other := f.fallback
		if !f.primaryUp.Load() {
			other = f.primary
		}
		if err2 := other.DeleteJob(ctx, id); err2 == nil {
			return nil
		}
	}
	return err
}

func (f *Failover) DeleteExpired(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	var total int
	if f.primaryUp.Load() {
		n, err := f.primary.DeleteExpired(ctx, now, ttl)
		if err != nil {
			f.markDown("delete_expired", err)
		}
		total += n
	}
	n, err := f.fallback.DeleteExpired(ctx, now, ttl)
	if err != nil {
		return total, err
	}
	return total + n, nil
}

func (f *Failover) Ping(ctx context.Context) error {
	if f.primaryUp.Load() {
		return f.primary.Ping(ctx)
	}
	return f.fallback.Ping(ctx)
}
