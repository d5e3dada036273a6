package jobstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cubetribe/voxflow-trans-sub002/internal/domain"
)

func seedJob(id string, created time.Time) (domain.Job, []domain.Chunk) {
	job := domain.Job{
		ID:           id,
		Status:       domain.StatusQueued,
		OriginalName: "meeting.mp3",
		FileID:       id + ".mp3",
		DurationSec:  25,
		TotalChunks:  3,
		Config: domain.JobConfig{
			ChunkDurationSec: 10,
			OverlapSec:       2,
			FailurePolicy:    domain.FailFast,
			OverlapPolicy:    domain.PreferLater,
		},
		CreatedAt: created,
		UpdatedAt: created,
		ExpiresAt: created.Add(24 * time.Hour),
	}
	chunks := []domain.Chunk{
		{JobID: id, Index: 0, StartOffsetSec: 0, EndOffsetSec: 10, Status: domain.ChunkPending},
		{JobID: id, Index: 1, StartOffsetSec: 8, EndOffsetSec: 18, Status: domain.ChunkPending},
		{JobID: id, Index: 2, StartOffsetSec: 16, EndOffsetSec: 25, Status: domain.ChunkPending},
	}
	return job, chunks
}

func TestMemoryJobRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job, chunks := seedJob("job-1", time.Now())

	if err := s.CreateJob(ctx, job, chunks); err != nil {
		t.Fatalf("CreateJob() error: %v", err)
	}

	got, err := s.Job(ctx, "job-1")
	if err != nil {
		t.Fatalf("Job() error: %v", err)
	}
	if got.OriginalName != "meeting.mp3" || got.TotalChunks != 3 || got.Status != domain.StatusQueued {
		t.Fatalf("Job() = %+v", got)
	}

	gotChunks, err := s.Chunks(ctx, "job-1")
	if err != nil {
		t.Fatalf("Chunks() error: %v", err)
	}
	if len(gotChunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(gotChunks))
	}
	for i, c := range gotChunks {
		if c.Index != i {
			t.Fatalf("chunks out of order: %v", gotChunks)
		}
	}

	if _, err := s.Job(ctx, "missing"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("Job(missing) error = %v, want ErrJobNotFound", err)
	}
}

func TestMemoryUpdateJobStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job, chunks := seedJob("job-1", time.Now())
	if err := s.CreateJob(ctx, job, chunks); err != nil {
		t.Fatalf("CreateJob() error: %v", err)
	}

	if err := s.UpdateJobStatus(ctx, "job-1", domain.StatusFailed, "chunk 1 exhausted retries"); err != nil {
		t.Fatalf("UpdateJobStatus() error: %v", err)
	}
	got, _ := s.Job(ctx, "job-1")
	if got.Status != domain.StatusFailed || got.Error != "chunk 1 exhausted retries" {
		t.Fatalf("after update: %+v", got)
	}
	if !got.UpdatedAt.After(job.UpdatedAt) {
		t.Fatal("UpdatedAt not advanced")
	}

	if err := s.UpdateJobStatus(ctx, "missing", domain.StatusFailed, ""); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("UpdateJobStatus(missing) error = %v, want ErrJobNotFound", err)
	}

	// failed is terminal, the record must not move again
	if err := s.UpdateJobStatus(ctx, "job-1", domain.StatusCancelled, ""); !errors.Is(err, domain.ErrAlreadyTerminal) {
		t.Fatalf("UpdateJobStatus(terminal) error = %v, want ErrAlreadyTerminal", err)
	}
	got, _ = s.Job(ctx, "job-1")
	if got.Status != domain.StatusFailed {
		t.Fatalf("terminal job status moved to %s", got.Status)
	}
}

func TestMemoryUpdateChunk(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job, chunks := seedJob("job-1", time.Now())
	if err := s.CreateJob(ctx, job, chunks); err != nil {
		t.Fatalf("CreateJob() error: %v", err)
	}

	done := chunks[1]
	done.Status = domain.ChunkSucceeded
	done.Attempt = 2
	done.Result = &domain.ChunkResult{Text: "hello", Confidence: 0.9, StartOffsetSec: 8, EndOffsetSec: 18}
	if err := s.UpdateChunk(ctx, done); err != nil {
		t.Fatalf("UpdateChunk() error: %v", err)
	}

	got, err := s.Chunk(ctx, "job-1", 1)
	if err != nil {
		t.Fatalf("Chunk() error: %v", err)
	}
	if got.Status != domain.ChunkSucceeded || got.Attempt != 2 || got.Result == nil || got.Result.Text != "hello" {
		t.Fatalf("Chunk() = %+v", got)
	}

	// the stored result must not alias the caller's pointer
	got.Result.Text = "mutated"
	again, _ := s.Chunk(ctx, "job-1", 1)
	if again.Result.Text != "hello" {
		t.Fatal("stored chunk result aliases the returned pointer")
	}

	bad := domain.Chunk{JobID: "job-1", Index: 99}
	if err := s.UpdateChunk(ctx, bad); !errors.Is(err, domain.ErrChunkNotFound) {
		t.Fatalf("UpdateChunk(missing) error = %v, want ErrChunkNotFound", err)
	}
}

func TestMemoryTranscript(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	if _, err := s.Transcript(ctx, "job-1"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("Transcript(missing) error = %v, want ErrJobNotFound", err)
	}

	tr := domain.Transcript{
		JobID:    "job-1",
		FullText: "hello world",
		Segments: []domain.Segment{{ChunkIndex: 0, Text: "hello world", StartOffsetSec: 0, EndOffsetSec: 7}},
	}
	if err := s.SetTranscript(ctx, tr); err != nil {
		t.Fatalf("SetTranscript() error: %v", err)
	}
	got, err := s.Transcript(ctx, "job-1")
	if err != nil {
		t.Fatalf("Transcript() error: %v", err)
	}
	if got.FullText != "hello world" || len(got.Segments) != 1 {
		t.Fatalf("Transcript() = %+v", got)
	}
}

func TestMemoryDeleteJob(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job, chunks := seedJob("job-1", time.Now())
	if err := s.CreateJob(ctx, job, chunks); err != nil {
		t.Fatalf("CreateJob() error: %v", err)
	}
	if err := s.SetTranscript(ctx, domain.Transcript{JobID: "job-1", FullText: "x"}); err != nil {
		t.Fatalf("SetTranscript() error: %v", err)
	}

	if err := s.DeleteJob(ctx, "job-1"); err != nil {
		t.Fatalf("DeleteJob() error: %v", err)
	}
	if _, err := s.Job(ctx, "job-1"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatal("job survived delete")
	}
	if _, err := s.Transcript(ctx, "job-1"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatal("transcript survived delete")
	}
	if err := s.DeleteJob(ctx, "job-1"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("second DeleteJob() error = %v, want ErrJobNotFound", err)
	}
}

func TestMemoryDeleteExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now()

	old, oldChunks := seedJob("job-old", now.Add(-48*time.Hour))
	old.ExpiresAt = now.Add(-24 * time.Hour)
	fresh, freshChunks := seedJob("job-fresh", now)

	if err := s.CreateJob(ctx, old, oldChunks); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateJob(ctx, fresh, freshChunks); err != nil {
		t.Fatal(err)
	}

	n, err := s.DeleteExpired(ctx, now, 24*time.Hour)
	if err != nil {
		t.Fatalf("DeleteExpired() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("DeleteExpired() = %d, want 1", n)
	}
	if _, err := s.Job(ctx, "job-old"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatal("expired job survived")
	}
	if _, err := s.Job(ctx, "job-fresh"); err != nil {
		t.Fatal("fresh job deleted")
	}
}

func TestMemoryJobsFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now()

	first, firstChunks := seedJob("job-a", now.Add(-time.Hour))
	second, secondChunks := seedJob("job-b", now)
	second.Status = domain.StatusCompleted

	if err := s.CreateJob(ctx, first, firstChunks); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateJob(ctx, second, secondChunks); err != nil {
		t.Fatal(err)
	}

	all, err := s.Jobs(ctx, domain.ListFilter{})
	if err != nil {
		t.Fatalf("Jobs() error: %v", err)
	}
	if len(all) != 2 || all[0].ID != "job-a" || all[1].ID != "job-b" {
		t.Fatalf("Jobs() = %+v, want created order", all)
	}

	completed, err := s.Jobs(ctx, domain.ListFilter{Status: domain.StatusCompleted})
	if err != nil {
		t.Fatalf("Jobs(completed) error: %v", err)
	}
	if len(completed) != 1 || completed[0].ID != "job-b" {
		t.Fatalf("Jobs(completed) = %+v", completed)
	}
}
