package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/cubetribe/voxflow-trans-sub002/internal/domain"
	"github.com/cubetribe/voxflow-trans-sub002/internal/planner"

	"github.com/google/uuid"
)

type JobStore interface {
	CreateJob(ctx context.Context, job domain.Job, chunks []domain.Chunk) error
	Job(ctx context.Context, id string) (domain.Job, error)
	Jobs(ctx context.Context, filter domain.ListFilter) ([]domain.Job, error)
	UpdateJobStatus(ctx context.Context, id string, status domain.JobStatus, errReason string) error
	Chunks(ctx context.Context, jobID string) ([]domain.Chunk, error)
	Transcript(ctx context.Context, jobID string) (domain.Transcript, error)
}

type AssetStore interface {
	Save(ctx context.Context, reader io.Reader, filename string, size int64) (int64, string, error)
	Path(ctx context.Context, filename string) (string, error)
	Delete(ctx context.Context, filename string) error
}

type Prober interface {
	Duration(ctx context.Context, path string) (float64, error)
}

type Dispatcher interface {
	Enqueue(job domain.Job, chunks []domain.Chunk) error
	Cancel(jobID string)
}

// Tracker is the progress aggregator seen from the submit and cancel paths.
type Tracker interface {
	JobQueued(ctx context.Context, job domain.Job)
	CancelJob(ctx context.Context, jobID string) error
}

type EventSource interface {
	Subscribe(jobID string) (<-chan domain.ProgressEvent, func())
}

type StoreProbe interface {
	Health() domain.StoreHealth
}

type Broker interface {
	Connected() bool
}

var supportedExt = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".m4a":  true,
	".mp4":  true,
	".flac": true,
	".ogg":  true,
	".opus": true,
	".webm": true,
}

type usecase struct {
	jobTTL   time.Duration
	defaults domain.JobConfig

	store  JobStore
	assets AssetStore
	media  Prober
	queue  Dispatcher
	track  Tracker
	events EventSource
	probe  StoreProbe
	broker Broker
}

func New(
	jobTTL time.Duration,
	defaults domain.JobConfig,
	store JobStore,
	assets AssetStore,
	media Prober,
	queue Dispatcher,
	track Tracker,
	events EventSource,
	probe StoreProbe,
	broker Broker,
) *usecase {
	if defaults.FailurePolicy == "" {
		defaults.FailurePolicy = domain.FailFast
	}
	if defaults.OverlapPolicy == "" {
		defaults.OverlapPolicy = domain.PreferLater
	}
	return &usecase{
		jobTTL:   jobTTL,
		defaults: defaults,
		store:    store,
		assets:   assets,
		media:    media,
		queue:    queue,
		track:    track,
		events:   events,
		probe:    probe,
		broker:   broker,
	}
}

// Defaults returns the server-side chunking config. Handlers seed the
// submitted config from it so an omitted form field means "use the default"
// while an explicit zero overlap stays zero.
func (uc *usecase) Defaults() domain.JobConfig {
	return uc.defaults
}

func (uc *usecase) Submit(ctx context.Context, file io.Reader, filename string, size int64, cfg domain.JobConfig) (domain.Job, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !supportedExt[ext] {
		return domain.Job{}, fmt.Errorf("%w: unsupported audio type %q", domain.ErrInvalidConfig, ext)
	}

	cfg, err := uc.normalize(cfg)
	if err != nil {
		return domain.Job{}, err
	}

	jobID := uuid.NewString()
	fileID := jobID + ext
	written, hash, err := uc.assets.Save(ctx, file, fileID, size)
	if err != nil {
		return domain.Job{}, fmt.Errorf("save audio: %w", err)
	}
	slog.Debug("audio stored",
		slog.String("file_id", fileID),
		slog.Int64("size", written),
		slog.String("sha256", hash),
	)

	path, err := uc.assets.Path(ctx, fileID)
	if err != nil {
		uc.discardAsset(ctx, fileID)
		return domain.Job{}, fmt.Errorf("locate audio: %w", err)
	}
	duration, err := uc.media.Duration(ctx, path)
	if err != nil {
		uc.discardAsset(ctx, fileID)
		return domain.Job{}, fmt.Errorf("probe duration: %w", err)
	}

	windows, err := planner.Plan(duration, cfg.ChunkDurationSec, cfg.OverlapSec)
	if err != nil {
		uc.discardAsset(ctx, fileID)
		return domain.Job{}, err
	}

	now := time.Now()
	job := domain.Job{
		ID:           jobID,
		Status:       domain.StatusQueued,
		OriginalName: filename,
		FileID:       fileID,
		DurationSec:  duration,
		TotalChunks:  len(windows),
		Config:       cfg,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(uc.jobTTL),
	}
	chunks := make([]domain.Chunk, len(windows))
	for i, w := range windows {
		chunks[i] = domain.Chunk{
			JobID:          jobID,
			Index:          i,
			StartOffsetSec: w.StartOffsetSec,
			EndOffsetSec:   w.EndOffsetSec,
			Status:         domain.ChunkPending,
		}
	}

	if err := uc.store.CreateJob(ctx, job, chunks); err != nil {
		uc.discardAsset(ctx, fileID)
		return domain.Job{}, fmt.Errorf("create job: %w", err)
	}

	uc.track.JobQueued(ctx, job)

	slog.Debug("Enqueue job", slog.String("job_id", jobID), slog.Int("chunks", len(chunks)))
	if err := uc.queue.Enqueue(job, chunks); err != nil {
		slog.Error("Enqueue failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		if serr := uc.store.UpdateJobStatus(ctx, jobID, domain.StatusFailed, err.Error()); serr != nil {
			slog.Error("mark job failed", slog.String("job_id", jobID), slog.String("error", serr.Error()))
		}
		return domain.Job{}, fmt.Errorf("enqueue: %w", err)
	}

	return job, nil
}

func (uc *usecase) normalize(cfg domain.JobConfig) (domain.JobConfig, error) {
	if cfg.ChunkDurationSec == 0 {
		cfg.ChunkDurationSec = uc.defaults.ChunkDurationSec
	}
	switch cfg.FailurePolicy {
	case "":
		cfg.FailurePolicy = uc.defaults.FailurePolicy
	case domain.FailFast, domain.BestEffort:
	default:
		return cfg, fmt.Errorf("%w: unknown failure policy %q", domain.ErrInvalidConfig, cfg.FailurePolicy)
	}
	switch cfg.OverlapPolicy {
	case "":
		cfg.OverlapPolicy = uc.defaults.OverlapPolicy
	case domain.PreferLater, domain.PreferEarlier:
	default:
		return cfg, fmt.Errorf("%w: unknown overlap policy %q", domain.ErrInvalidConfig, cfg.OverlapPolicy)
	}
	return cfg, nil
}

func (uc *usecase) discardAsset(ctx context.Context, fileID string) {
	if err := uc.assets.Delete(ctx, fileID); err != nil {
		slog.Warn("delete rejected upload",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
	}
}

func (uc *usecase) Status(ctx context.Context, jobID string) (domain.StatusResponse, error) {
	job, err := uc.store.Job(ctx, jobID)
	if err != nil {
		return domain.StatusResponse{}, err
	}
	chunks, err := uc.store.Chunks(ctx, jobID)
	if err != nil {
		return domain.StatusResponse{}, fmt.Errorf("load chunks: %w", err)
	}
	return domain.StatusResponse{Job: job, Progress: progressOf(chunks)}, nil
}

func progressOf(chunks []domain.Chunk) domain.JobProgress {
	var p domain.JobProgress
	for _, c := range chunks {
		switch c.Status {
		case domain.ChunkPending:
			p.Pending++
		case domain.ChunkDispatched:
			p.Dispatched++
		case domain.ChunkSucceeded:
			p.Succeeded++
		case domain.ChunkFailed:
			p.Failed++
		}
	}
	return p
}

func (uc *usecase) List(ctx context.Context, filter domain.ListFilter) ([]domain.Job, error) {
	jobs, err := uc.store.Jobs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Cancel stops the job in both halves of the pipeline: the aggregator settles
// the job record, the dispatcher drops pending work and discards in-flight
// results.
func (uc *usecase) Cancel(ctx context.Context, jobID string) error {
	if err := uc.track.CancelJob(ctx, jobID); err != nil {
		return err
	}
	uc.queue.Cancel(jobID)
	return nil
}

func (uc *usecase) Transcript(ctx context.Context, jobID string) (domain.Transcript, error) {
	job, err := uc.store.Job(ctx, jobID)
	if err != nil {
		return domain.Transcript{}, err
	}

	switch job.Status {
	case domain.StatusCompleted:
		t, err := uc.store.Transcript(ctx, jobID)
		if err != nil {
			return domain.Transcript{}, fmt.Errorf("load transcript: %w", err)
		}
		return t, nil

	case domain.StatusFailed:
		return domain.Transcript{}, fmt.Errorf("%w: %s", domain.ErrJobFailed, job.Error)

	case domain.StatusCancelled:
		return domain.Transcript{}, domain.ErrJobCancelled

	default:
		return domain.Transcript{}, domain.ErrJobNotReady
	}
}

// Subscribe registers the live stream before reading the snapshot so a
// terminal transition between the two calls is never missed: either the
// snapshot already shows it, or the event arrives on the channel.
func (uc *usecase) Subscribe(ctx context.Context, jobID string) (domain.StatusResponse, <-chan domain.ProgressEvent, func(), error) {
	ch, cancel := uc.events.Subscribe(jobID)
	snap, err := uc.Status(ctx, jobID)
	if err != nil {
		cancel()
		return domain.StatusResponse{}, nil, nil, err
	}
	return snap, ch, cancel, nil
}

func (uc *usecase) Health(ctx context.Context) domain.HealthResponse {
	store := uc.probe.Health()
	resp := domain.HealthResponse{
		Status: "ok",
		Store:  store,
		Events: domain.BrokerState{Connected: uc.broker.Connected()},
	}
	if store.Mode == domain.ModeFallback {
		resp.Status = "degraded"
	}
	return resp
}
