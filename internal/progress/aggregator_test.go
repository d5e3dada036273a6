package progress

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
	jobstore "github.com/cubetribe/voxflow-trans-sub002/internal/infra/store/job"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func (p *capturePublisher) Publish(e domain.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *capturePublisher) types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
}

func newAggregatorForTest(t *testing.T, policy domain.FailurePolicy) (*Aggregator, jobstore.Store, *capturePublisher, domain.Job) {
	t.Helper()
	store := jobstore.NewMemory()
	pub := &capturePublisher{}
	agg := NewAggregator(testLogger(), store, pub)

	now := time.Now()
	job := domain.Job{
		ID:           "job-1",
		Status:       domain.StatusQueued,
		OriginalName: "meeting.mp3",
		FileID:       "job-1.mp3",
		DurationSec:  25,
		TotalChunks:  3,
		Config: domain.JobConfig{
			ChunkDurationSec: 10,
			OverlapSec:       2,
			FailurePolicy:    policy,
			OverlapPolicy:    domain.PreferLater,
		},
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
	chunks := []domain.Chunk{
		{JobID: "job-1", Index: 0, StartOffsetSec: 0, EndOffsetSec: 10, Status: domain.ChunkPending},
		{JobID: "job-1", Index: 1, StartOffsetSec: 8, EndOffsetSec: 18, Status: domain.ChunkPending},
		{JobID: "job-1", Index: 2, StartOffsetSec: 16, EndOffsetSec: 25, Status: domain.ChunkPending},
	}
	if err := store.CreateJob(context.Background(), job, chunks); err != nil {
		t.Fatalf("CreateJob() error: %v", err)
	}
	return agg, store, pub, job
}

func resultFor(index int) *domain.ChunkResult {
	starts := []float64{0, 8, 16}
	ends := []float64{10, 18, 25}
	return &domain.ChunkResult{
		Text:           fmt.Sprintf("text of chunk %d", index),
		Confidence:     0.9,
		StartOffsetSec: starts[index],
		EndOffsetSec:   ends[index],
	}
}

func TestAggregatorAllChunksSucceed(t *testing.T) {
	ctx := context.Background()
	agg, store, pub, job := newAggregatorForTest(t, domain.FailFast)

	agg.JobQueued(ctx, job)
	for i := 0; i < 3; i++ {
		agg.ChunkStarted(ctx, "job-1", i, 1)
		agg.ChunkSucceeded(ctx, "job-1", i, resultFor(i))
	}

	got, err := store.Job(ctx, "job-1")
	if err != nil {
		t.Fatalf("Job() error: %v", err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("job status = %s, want completed", got.Status)
	}

	transcript, err := store.Transcript(ctx, "job-1")
	if err != nil {
		t.Fatalf("Transcript() error: %v", err)
	}
	if len(transcript.Segments) != 3 {
		t.Fatalf("transcript has %d segments, want 3", len(transcript.Segments))
	}
	if transcript.FullText == "" {
		t.Fatal("transcript FullText is empty")
	}

	want := []domain.EventType{
		domain.EventJobQueued,
		domain.EventJobProcessing,
		domain.EventChunkCompleted,
		domain.EventChunkCompleted,
		domain.EventChunkCompleted,
		domain.EventJobMerging,
		domain.EventJobCompleted,
	}
	gotTypes := pub.types()
	if len(gotTypes) != len(want) {
		t.Fatalf("event types = %v, want %v", gotTypes, want)
	}
	for i := range want {
		if gotTypes[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, gotTypes[i], want[i])
		}
	}
}

func TestAggregatorFailFastAbortsJob(t *testing.T) {
	ctx := context.Background()
	agg, store, pub, _ := newAggregatorForTest(t, domain.FailFast)

	agg.ChunkStarted(ctx, "job-1", 1, 1)
	abort := agg.ChunkFailed(ctx, "job-1", 1, 3, "backend unavailable")
	if !abort {
		t.Fatal("ChunkFailed() = false, fail_fast must abort")
	}

	job, _ := store.Job(ctx, "job-1")
	if job.Status != domain.StatusFailed {
		t.Fatalf("job status = %s, want failed", job.Status)
	}
	if !strings.Contains(job.Error, "chunk 1") {
		t.Fatalf("job error = %q, want the failing chunk named", job.Error)
	}

	// every chunk must be settled once the job is terminal
	chunks, _ := store.Chunks(ctx, "job-1")
	settled := 0
	for _, c := range chunks {
		if !c.Status.Terminal() {
			t.Fatalf("chunk %d left unsettled: %s", c.Index, c.Status)
		}
		settled++
		if c.Index != 1 && c.Error != "skipped: job failed" {
			t.Fatalf("chunk %d error = %q", c.Index, c.Error)
		}
	}
	if settled != 3 {
		t.Fatalf("settled = %d, want 3", settled)
	}

	gotTypes := pub.types()
	for _, typ := range gotTypes {
		if typ == domain.EventJobMerging {
			t.Fatal("fail_fast job published job:merging")
		}
	}
	if gotTypes[len(gotTypes)-1] != domain.EventJobFailed {
		t.Fatalf("last event = %s, want job:failed", gotTypes[len(gotTypes)-1])
	}
}

func TestAggregatorBestEffortCompletesWithGaps(t *testing.T) {
	ctx := context.Background()
	agg, store, _, _ := newAggregatorForTest(t, domain.BestEffort)

	agg.ChunkStarted(ctx, "job-1", 0, 1)
	agg.ChunkSucceeded(ctx, "job-1", 0, resultFor(0))
	if abort := agg.ChunkFailed(ctx, "job-1", 1, 3, "backend unavailable"); abort {
		t.Fatal("best_effort chunk failure requested an abort")
	}
	agg.ChunkSucceeded(ctx, "job-1", 2, resultFor(2))

	job, _ := store.Job(ctx, "job-1")
	if job.Status != domain.StatusCompleted {
		t.Fatalf("job status = %s, want completed", job.Status)
	}
	transcript, err := store.Transcript(ctx, "job-1")
	if err != nil {
		t.Fatalf("Transcript() error: %v", err)
	}
	if len(transcript.Segments) != 2 {
		t.Fatalf("transcript has %d segments, want 2", len(transcript.Segments))
	}
}

func TestAggregatorBestEffortAllFailed(t *testing.T) {
	ctx := context.Background()
	agg, store, pub, _ := newAggregatorForTest(t, domain.BestEffort)

	for i := 0; i < 3; i++ {
		agg.ChunkStarted(ctx, "job-1", i, 1)
		agg.ChunkFailed(ctx, "job-1", i, 3, "backend unavailable")
	}

	job, _ := store.Job(ctx, "job-1")
	if job.Status != domain.StatusFailed {
		t.Fatalf("job status = %s, want failed", job.Status)
	}
	if !strings.Contains(job.Error, "all chunks failed") {
		t.Fatalf("job error = %q", job.Error)
	}
	gotTypes := pub.types()
	if gotTypes[len(gotTypes)-1] != domain.EventJobFailed {
		t.Fatalf("last event = %s, want job:failed", gotTypes[len(gotTypes)-1])
	}
}

func TestAggregatorIgnoresDuplicateReports(t *testing.T) {
	ctx := context.Background()
	agg, store, pub, _ := newAggregatorForTest(t, domain.FailFast)

	agg.ChunkStarted(ctx, "job-1", 0, 1)
	agg.ChunkSucceeded(ctx, "job-1", 0, resultFor(0))
	agg.ChunkSucceeded(ctx, "job-1", 0, resultFor(0))
	if abort := agg.ChunkFailed(ctx, "job-1", 0, 2, "late failure"); abort {
		t.Fatal("duplicate failure after success aborted the job")
	}

	chunk, _ := store.Chunk(ctx, "job-1", 0)
	if chunk.Status != domain.ChunkSucceeded {
		t.Fatalf("chunk status = %s, the duplicate report flipped it", chunk.Status)
	}

	completed := 0
	for _, typ := range pub.types() {
		if typ == domain.EventChunkCompleted {
			completed++
		}
	}
	if completed != 1 {
		t.Fatalf("chunk:completed published %d times, want 1", completed)
	}
}

func TestAggregatorCancel(t *testing.T) {
	ctx := context.Background()
	agg, store, pub, _ := newAggregatorForTest(t, domain.FailFast)

	agg.ChunkStarted(ctx, "job-1", 0, 1)
	if err := agg.CancelJob(ctx, "job-1"); err != nil {
		t.Fatalf("CancelJob() error: %v", err)
	}

	job, _ := store.Job(ctx, "job-1")
	if job.Status != domain.StatusCancelled {
		t.Fatalf("job status = %s, want cancelled", job.Status)
	}
	chunks, _ := store.Chunks(ctx, "job-1")
	for _, c := range chunks {
		if !c.Status.Terminal() {
			t.Fatalf("chunk %d left unsettled after cancel", c.Index)
		}
	}

	if err := agg.CancelJob(ctx, "job-1"); !errors.Is(err, domain.ErrAlreadyTerminal) {
		t.Fatalf("second CancelJob() error = %v, want ErrAlreadyTerminal", err)
	}

	before := len(pub.types())
	agg.ChunkSucceeded(ctx, "job-1", 0, resultFor(0))
	if got := len(pub.types()); got != before {
		t.Fatal("late chunk report published events on a cancelled job")
	}
	if pub.types()[before-1] != domain.EventJobCancelled {
		t.Fatalf("last event = %s, want job:cancelled", pub.types()[before-1])
	}
}

func TestAggregatorCancelUnknownJob(t *testing.T) {
	agg, _, _, _ := newAggregatorForTest(t, domain.FailFast)
	if err := agg.CancelJob(context.Background(), "missing"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("CancelJob(missing) error = %v, want ErrJobNotFound", err)
	}
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to domain.JobStatus }{
		{domain.StatusQueued, domain.StatusProcessing},
		{domain.StatusQueued, domain.StatusFailed},
		{domain.StatusQueued, domain.StatusCancelled},
		{domain.StatusProcessing, domain.StatusMerging},
		{domain.StatusProcessing, domain.StatusFailed},
		{domain.StatusProcessing, domain.StatusCancelled},
		{domain.StatusMerging, domain.StatusCompleted},
		{domain.StatusMerging, domain.StatusFailed},
	}
	for _, tt := range allowed {
		if !canTransition(tt.from, tt.to) {
			t.Fatalf("canTransition(%s, %s) = false, want true", tt.from, tt.to)
		}
	}

	denied := []struct{ from, to domain.JobStatus }{
		{domain.StatusQueued, domain.StatusMerging},
		{domain.StatusQueued, domain.StatusCompleted},
		{domain.StatusProcessing, domain.StatusCompleted},
		{domain.StatusCompleted, domain.StatusProcessing},
		{domain.StatusFailed, domain.StatusProcessing},
		{domain.StatusCancelled, domain.StatusFailed},
		{domain.StatusCompleted, domain.StatusCancelled},
	}
	for _, tt := range denied {
		if canTransition(tt.from, tt.to) {
			t.Fatalf("canTransition(%s, %s) = true, want false", tt.from, tt.to)
		}
	}
}
