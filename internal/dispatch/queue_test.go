package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cubetribe/voxflow-trans-sub002/internal/domain"
	"github.com/cubetribe/voxflow-trans-sub002/internal/transcribe"
)

type backendFunc func(ctx context.Context, chunk domain.Chunk, audioPath string, cfg domain.JobConfig) (*domain.ChunkResult, error)

func (f backendFunc) Transcribe(ctx context.Context, chunk domain.Chunk, audioPath string, cfg domain.JobConfig) (*domain.ChunkResult, error) {
	return f(ctx, chunk, audioPath, cfg)
}

type extractorFunc func(ctx context.Context, src string, w domain.Window) (string, error)

func (f extractorFunc) Extract(ctx context.Context, src string, w domain.Window) (string, error) {
	return f(ctx, src, w)
}

type resolverFunc func(ctx context.Context, filename string) (string, error)

func (f resolverFunc) Path(ctx context.Context, filename string) (string, error) {
	return f(ctx, filename)
}

type fakeReporter struct {
	mu        sync.Mutex
	started   []string
	succeeded []string
	failed    []string
	lastFail  int
	abort     bool
}

func (r *fakeReporter) ChunkStarted(_ context.Context, jobID string, index, attempt int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, fmt.Sprintf("%s/%d@%d", jobID, index, attempt))
}

func (r *fakeReporter) ChunkSucceeded(_ context.Context, jobID string, index int, _ *domain.ChunkResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.succeeded = append(r.succeeded, fmt.Sprintf("%s/%d", jobID, index))
}

func (r *fakeReporter) ChunkFailed(_ context.Context, jobID string, index, attempt int, _ string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, fmt.Sprintf("%s/%d", jobID, index))
	r.lastFail = attempt
	return r.abort
}

func (r *fakeReporter) counts() (started, succeeded, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started), len(r.succeeded), len(r.failed)
}

func passExtractor() extractorFunc {
	return func(context.Context, string, domain.Window) (string, error) { return "", nil }
}

func staticResolver() resolverFunc {
	return func(context.Context, string) (string, error) { return "/data/audio.mp3", nil }
}

func makeJob(id string, chunkCount int) (domain.Job, []domain.Chunk) {
	job := domain.Job{ID: id, FileID: id + ".mp3", TotalChunks: chunkCount, Status: domain.StatusQueued}
	chunks := make([]domain.Chunk, chunkCount)
	for i := range chunks {
		chunks[i] = domain.Chunk{
			JobID:          id,
			Index:          i,
			StartOffsetSec: float64(i * 8),
			EndOffsetSec:   float64(i*8 + 10),
			Status:         domain.ChunkPending,
		}
	}
	return job, chunks
}

func startQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastConfig() Config {
	return Config{
		Concurrency:    4,
		MaxAttempts:    3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  4 * time.Millisecond,
		AttemptTimeout: time.Second,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
}

func TestQueueRetriesTransientFailuresExactlyMaxAttempts(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	backend := backendFunc(func(context.Context, domain.Chunk, string, domain.JobConfig) (*domain.ChunkResult, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, errors.New("backend unavailable")
	})

	rep := &fakeReporter{}
	q := NewQueue(testLogger(), rep, passExtractor(), backend, staticResolver(), fastConfig())
	startQueue(t, q)

	job, chunks := makeJob("job-1", 1)
	if err := q.Enqueue(job, chunks); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	waitUntil(t, "final chunk failure", func() bool {
		_, _, failed := rep.counts()
		return failed == 1
	})
	mu.Lock()
	gotCalls := calls
	mu.Unlock()
	if gotCalls != 3 {
		t.Fatalf("backend called %d times, want exactly 3", gotCalls)
	}
	started, succeeded, _ := rep.counts()
	if started != 3 || succeeded != 0 {
		t.Fatalf("started = %d, succeeded = %d, want 3 starts and no successes", started, succeeded)
	}
	if rep.lastFail != 3 {
		t.Fatalf("final failure reported at attempt %d, want 3", rep.lastFail)
	}
}

func TestQueueDoesNotRetryPermanentFailures(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	backend := backendFunc(func(context.Context, domain.Chunk, string, domain.JobConfig) (*domain.ChunkResult, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, transcribe.Permanent(errors.New("unsupported audio"))
	})

	rep := &fakeReporter{}
	q := NewQueue(testLogger(), rep, passExtractor(), backend, staticResolver(), fastConfig())
	startQueue(t, q)

	job, chunks := makeJob("job-1", 1)
	if err := q.Enqueue(job, chunks); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "final chunk failure", func() bool {
		_, _, failed := rep.counts()
		return failed == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("backend called %d times, want 1", calls)
	}
	if rep.lastFail != 1 {
		t.Fatalf("failure reported at attempt %d, want 1", rep.lastFail)
	}
}

func TestQueueHonorsConcurrencyCeiling(t *testing.T) {
	gate := make(chan struct{})
	var mu sync.Mutex
	concurrent, maxConcurrent := 0, 0
	backend := backendFunc(func(context.Context, domain.Chunk, string, domain.JobConfig) (*domain.ChunkResult, error) {
		mu.Lock()
		concurrent++
		if concurrent > maxConcurrent {
			maxConcurrent = concurrent
		}
		mu.Unlock()
		<-gate
		mu.Lock()
		concurrent--
		mu.Unlock()
		return &domain.ChunkResult{Text: "ok"}, nil
	})

	cfg := fastConfig()
	cfg.Concurrency = 2
	rep := &fakeReporter{}
	q := NewQueue(testLogger(), rep, passExtractor(), backend, staticResolver(), cfg)
	startQueue(t, q)

	job, chunks := makeJob("job-1", 6)
	if err := q.Enqueue(job, chunks); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "two concurrent transcriptions", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return concurrent == 2
	})
	// a third must not start while both slots are held
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	if concurrent != 2 {
		mu.Unlock()
		t.Fatalf("concurrent = %d with both slots held, want 2", concurrent)
	}
	mu.Unlock()

	close(gate)
	waitUntil(t, "all chunks transcribed", func() bool {
		_, succeeded, _ := rep.counts()
		return succeeded == 6
	})
	mu.Lock()
	defer mu.Unlock()
	if maxConcurrent > 2 {
		t.Fatalf("max concurrent = %d, want at most 2", maxConcurrent)
	}
}

func TestQueueRoundRobinsAcrossJobs(t *testing.T) {
	var mu sync.Mutex
	var order []string
	backend := backendFunc(func(_ context.Context, chunk domain.Chunk, _ string, _ domain.JobConfig) (*domain.ChunkResult, error) {
		mu.Lock()
		order = append(order, chunk.JobID)
		mu.Unlock()
		return &domain.ChunkResult{Text: "ok"}, nil
	})

	cfg := fastConfig()
	cfg.Concurrency = 1
	rep := &fakeReporter{}
	q := NewQueue(testLogger(), rep, passExtractor(), backend, staticResolver(), cfg)

	jobA, chunksA := makeJob("job-a", 2)
	jobB, chunksB := makeJob("job-b", 2)
	if err := q.Enqueue(jobA, chunksA); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(jobB, chunksB); err != nil {
		t.Fatal(err)
	}
	startQueue(t, q)

	waitUntil(t, "all chunks transcribed", func() bool {
		_, succeeded, _ := rep.counts()
		return succeeded == 4
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"job-a", "job-b", "job-a", "job-b"}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("dispatch order = %v, want %v", order, want)
		}
	}
}

func TestQueueCancelDiscardsInflightAndPending(t *testing.T) {
	gate := make(chan struct{})
	backend := backendFunc(func(context.Context, domain.Chunk, string, domain.JobConfig) (*domain.ChunkResult, error) {
		<-gate
		return &domain.ChunkResult{Text: "late"}, nil
	})

	cfg := fastConfig()
	cfg.Concurrency = 1
	rep := &fakeReporter{}
	q := NewQueue(testLogger(), rep, passExtractor(), backend, staticResolver(), cfg)
	startQueue(t, q)

	job, chunks := makeJob("job-1", 3)
	if err := q.Enqueue(job, chunks); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "first chunk started", func() bool {
		started, _, _ := rep.counts()
		return started == 1
	})
	q.Cancel("job-1")
	close(gate)

	time.Sleep(50 * time.Millisecond)
	started, succeeded, failed := rep.counts()
	if succeeded != 0 {
		t.Fatalf("cancelled job reported %d successes", succeeded)
	}
	if failed != 0 {
		t.Fatalf("cancelled job reported %d failures", failed)
	}
	if started != 1 {
		t.Fatalf("started = %d after cancel, pending chunks were dispatched", started)
	}
}

func TestQueueAbortStopsRemainingChunks(t *testing.T) {
	backend := backendFunc(func(context.Context, domain.Chunk, string, domain.JobConfig) (*domain.ChunkResult, error) {
		return nil, transcribe.Permanent(errors.New("rejected"))
	})

	cfg := fastConfig()
	cfg.Concurrency = 1
	rep := &fakeReporter{abort: true}
	q := NewQueue(testLogger(), rep, passExtractor(), backend, staticResolver(), cfg)
	startQueue(t, q)

	job, chunks := makeJob("job-1", 3)
	if err := q.Enqueue(job, chunks); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "first chunk failure", func() bool {
		_, _, failed := rep.counts()
		return failed == 1
	})
	time.Sleep(50 * time.Millisecond)

	started, _, failed := rep.counts()
	if failed != 1 {
		t.Fatalf("failed = %d, want 1", failed)
	}
	if started != 1 {
		t.Fatalf("started = %d, remaining chunks were dispatched after abort", started)
	}
}

func TestQueueRejectsEnqueueAfterStop(t *testing.T) {
	rep := &fakeReporter{}
	backend := backendFunc(func(context.Context, domain.Chunk, string, domain.JobConfig) (*domain.ChunkResult, error) {
		return &domain.ChunkResult{}, nil
	})
	q := NewQueue(testLogger(), rep, passExtractor(), backend, staticResolver(), fastConfig())
	startQueue(t, q)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	job, chunks := makeJob("job-1", 1)
	if err := q.Enqueue(job, chunks); !errors.Is(err, domain.ErrQueueClosed) {
		t.Fatalf("Enqueue() after stop error = %v, want ErrQueueClosed", err)
	}
}

func TestQueueBackoffDoublesToCap(t *testing.T) {
	cfg := Config{RetryBaseDelay: 2 * time.Second, RetryMaxDelay: 5 * time.Second}
	q := NewQueue(testLogger(), &fakeReporter{}, passExtractor(), nil, staticResolver(), cfg)

	wants := []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, want := range wants {
		if got := q.backoff(i + 1); got != want {
			t.Fatalf("backoff(%d) = %v, want %v", i+1, got, want)
		}
	}
}
