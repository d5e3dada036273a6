package domain

import (
	"errors"
	"time"
)

type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusMerging    JobStatus = "merging"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transition may leave the status.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkDispatched ChunkStatus = "dispatched"
	ChunkSucceeded  ChunkStatus = "succeeded"
	ChunkFailed     ChunkStatus = "failed"
)

func (s ChunkStatus) Terminal() bool {
	return s == ChunkSucceeded || s == ChunkFailed
}

// FailurePolicy decides whether one exhausted chunk aborts the whole job.
type FailurePolicy string

const (
	FailFast   FailurePolicy = "fail_fast"
	BestEffort FailurePolicy = "best_effort"
)

// OverlapPolicy decides which side of an overlapped span survives the merge.
type OverlapPolicy string

const (
	PreferLater   OverlapPolicy = "prefer_later"
	PreferEarlier OverlapPolicy = "prefer_earlier"
)

type JobConfig struct {
	ChunkDurationSec float64       `json:"chunk_duration_sec"`
	OverlapSec       float64       `json:"overlap_sec"`
	Language         string        `json:"language,omitempty"`
	Prompt           string        `json:"prompt,omitempty"`
	FailurePolicy    FailurePolicy `json:"failure_policy"`
	OverlapPolicy    OverlapPolicy `json:"overlap_policy"`
}

type Job struct {
	ID string `json:"id"`

	Status JobStatus `json:"status"`

	OriginalName string  `json:"original_name"`
	FileID       string  `json:"file_id"`
	DurationSec  float64 `json:"duration_sec"`

	TotalChunks int       `json:"total_chunks"`
	Config      JobConfig `json:"config"`

	// meta
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Error     string    `json:"error,omitempty"`
}

// Window is one time slice of the source audio produced by the planner.
type Window struct {
	StartOffsetSec float64 `json:"start_offset_sec"`
	EndOffsetSec   float64 `json:"end_offset_sec"`
}

type Chunk struct {
	JobID          string       `json:"job_id"`
	Index          int          `json:"index"`
	StartOffsetSec float64      `json:"start_offset_sec"`
	EndOffsetSec   float64      `json:"end_offset_sec"`
	Status         ChunkStatus  `json:"status"`
	Attempt        int          `json:"attempt"`
	Result         *ChunkResult `json:"result,omitempty"`
	Error          string       `json:"error,omitempty"`
}

// ChunkResult is the remote capability's answer for one chunk. Immutable
// once received.
type ChunkResult struct {
	Text           string  `json:"text"`
	Confidence     float64 `json:"confidence"`
	StartOffsetSec float64 `json:"start_offset_sec"`
	EndOffsetSec   float64 `json:"end_offset_sec"`
}

type Segment struct {
	ChunkIndex     int     `json:"chunk_index"`
	StartOffsetSec float64 `json:"start_offset_sec"`
	EndOffsetSec   float64 `json:"end_offset_sec"`
	Text           string  `json:"text"`
	Confidence     float64 `json:"confidence"`
}

// Transcript is derived from the succeeded chunk results only by the
// merger, never mutated in place.
type Transcript struct {
	JobID    string    `json:"job_id"`
	Segments []Segment `json:"segments"`
	FullText string    `json:"full_text"`
}

type EventType string

const (
	EventJobQueued      EventType = "job:queued"
	EventJobProcessing  EventType = "job:processing"
	EventChunkCompleted EventType = "chunk:completed"
	EventChunkFailed    EventType = "chunk:failed"
	EventJobMerging     EventType = "job:merging"
	EventJobCompleted   EventType = "job:completed"
	EventJobFailed      EventType = "job:failed"
	EventJobCancelled   EventType = "job:cancelled"
)

// Terminal reports whether the event ends a job's stream.
func (t EventType) Terminal() bool {
	switch t {
	case EventJobCompleted, EventJobFailed, EventJobCancelled:
		return true
	default:
		return false
	}
}

type ProgressEvent struct {
	Seq          int64     `json:"seq"`
	JobID        string    `json:"job_id"`
	Type         EventType `json:"type"`
	CurrentChunk int       `json:"current_chunk,omitempty"`
	TotalChunks  int       `json:"total_chunks,omitempty"`
	Message      string    `json:"message,omitempty"`
	TimestampMs  int64     `json:"timestamp_ms"`
}

// StoreMode tells which backing the job store is writing to.
type StoreMode string

const (
	ModePrimary  StoreMode = "primary"
	ModeFallback StoreMode = "fallback"
)

type StoreHealth struct {
	Mode      StoreMode `json:"mode"`
	PrimaryUp bool      `json:"primary_up"`
}

type ListFilter struct {
	Status JobStatus
}

type JobProgress struct {
	Pending    int `json:"pending"`
	Dispatched int `json:"dispatched"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
}

type StatusResponse struct {
	Job      Job         `json:"job"`
	Progress JobProgress `json:"progress"`
}

type HealthResponse struct {
	Status string      `json:"status"`
	Store  StoreHealth `json:"store"`
	Events BrokerState `json:"events"`
}

type BrokerState struct {
	Connected bool `json:"connected"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var (
	ErrJobNotFound          = errors.New("job not found")
	ErrChunkNotFound        = errors.New("chunk not found")
	ErrAlreadyTerminal      = errors.New("job already terminal")
	ErrInvalidConfig        = errors.New("invalid chunking config")
	ErrIncompleteTranscript = errors.New("transcript incomplete: unsettled chunks remain")
	ErrAllChunksFailed      = errors.New("all chunks failed")
	ErrBackendUnavailable   = errors.New("backend unavailable")
	ErrQueueClosed          = errors.New("dispatch queue closed")
	ErrJobNotReady          = errors.New("job not ready")
	ErrJobFailed            = errors.New("job failed")
	ErrJobCancelled         = errors.New("job cancelled")
)
