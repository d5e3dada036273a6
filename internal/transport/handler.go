package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/cubetribe/voxflow-trans-sub002/internal/domain"

	"github.com/google/uuid"
)

type Usecase interface {
	Defaults() domain.JobConfig
	Submit(ctx context.Context, file io.Reader, filename string, size int64, cfg domain.JobConfig) (domain.Job, error)
	Status(ctx context.Context, jobID string) (domain.StatusResponse, error)
	List(ctx context.Context, filter domain.ListFilter) ([]domain.Job, error)
	Cancel(ctx context.Context, jobID string) error
	Transcript(ctx context.Context, jobID string) (domain.Transcript, error)
	Subscribe(ctx context.Context, jobID string) (domain.StatusResponse, <-chan domain.ProgressEvent, func(), error)
	Health(ctx context.Context) domain.HealthResponse
}

type handler struct {
	maxUploadBytes int64
	usecase        Usecase
}

func NewHandler(maxUploadMb int64, uc Usecase) *handler {
	return &handler{
		maxUploadBytes: maxUploadMb << 20,
		usecase:        uc,
	}
}

func (h *handler) jobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.submit(w, r)
	case http.MethodGet:
		h.list(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "")
	}
}

func (h *handler) jobByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
	jobID, sub, _ := strings.Cut(rest, "/")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "missing job ID")
		return
	}

	switch sub {
	case "":
		switch r.Method {
		case http.MethodGet:
			h.status(w, r, jobID)
		case http.MethodDelete:
			h.cancel(w, r, jobID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "")
		}
	case "events":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "")
			return
		}
		h.events(w, r, jobID)
	case "transcript":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "")
			return
		}
		h.transcript(w, r, jobID)
	default:
		writeError(w, http.StatusNotFound, "")
	}
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	logger := slog.With(
		slog.String("request_id", requestID),
		slog.String("handler", "submit"),
		slog.String("remote_addr", r.RemoteAddr),
	)

	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		logger.Error("ParseMultipartForm", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "unable to parse multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		logger.Warn("missing file field")
		writeError(w, http.StatusBadRequest, "field `file` is required")
		return
	}
	defer file.Close()

	logger = logger.With(slog.String("file_name", header.Filename))

	cfg, err := h.jobConfig(r)
	if err != nil {
		logger.Warn("bad chunking config", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.usecase.Submit(r.Context(), file, header.Filename, header.Size, cfg)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidConfig) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Error("Submit usecase", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "cannot create transcription job")
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

// jobConfig starts from the server defaults so an omitted field keeps the
// default while a submitted zero is honored as zero.
func (h *handler) jobConfig(r *http.Request) (domain.JobConfig, error) {
	cfg := h.usecase.Defaults()

	if v := r.FormValue("chunk_duration_sec"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid chunk_duration_sec %q", v)
		}
		cfg.ChunkDurationSec = f
	}
	if v := r.FormValue("overlap_sec"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid overlap_sec %q", v)
		}
		cfg.OverlapSec = f
	}
	if v := r.FormValue("language"); v != "" {
		cfg.Language = v
	}
	if v := r.FormValue("prompt"); v != "" {
		cfg.Prompt = v
	}
	if v := r.FormValue("failure_policy"); v != "" {
		cfg.FailurePolicy = domain.FailurePolicy(v)
	}
	if v := r.FormValue("overlap_policy"); v != "" {
		cfg.OverlapPolicy = domain.OverlapPolicy(v)
	}
	return cfg, nil
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	logger := slog.With(
		slog.String("request_id", requestID),
		slog.String("handler", "list"),
		slog.String("remote_addr", r.RemoteAddr),
	)

	filter := domain.ListFilter{Status: domain.JobStatus(r.URL.Query().Get("status"))}
	jobs, err := h.usecase.List(r.Context(), filter)
	if err != nil {
		logger.Error("List usecase", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "")
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}

	writeJSON(w, http.StatusOK, jobs)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request, jobID string) {
	resp, err := h.usecase.Status(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		slog.Error("Status usecase", slog.String("job_id", jobID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request, jobID string) {
	requestID := uuid.NewString()
	logger := slog.With(
		slog.String("request_id", requestID),
		slog.String("handler", "cancel"),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("job_id", jobID),
	)

	if err := h.usecase.Cancel(r.Context(), jobID); err != nil {
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, domain.ErrAlreadyTerminal):
			writeError(w, http.StatusConflict, "job already terminal")
		default:
			logger.Error("Cancel usecase", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "cannot cancel job")
		}
		return
	}

	resp, err := h.usecase.Status(r.Context(), jobID)
	if err != nil {
		logger.Error("Status after cancel", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) transcript(w http.ResponseWriter, r *http.Request, jobID string) {
	transcript, err := h.usecase.Transcript(r.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, domain.ErrJobFailed):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, domain.ErrJobCancelled):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, domain.ErrJobNotReady):
			writeError(w, http.StatusTooEarly, "transcript is not ready yet")
		default:
			slog.Error("Transcript usecase", slog.String("job_id", jobID), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "cannot get transcript")
		}
		return
	}

	writeJSON(w, http.StatusOK, transcript)
}

// events streams progress over SSE: one snapshot frame, then live events
// until the job's stream closes or the client goes away.
func (h *handler) events(w http.ResponseWriter, r *http.Request, jobID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	requestID := uuid.NewString()
	logger := slog.With(
		slog.String("request_id", requestID),
		slog.String("handler", "events"),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("job_id", jobID),
	)

	snap, events, cancel, err := h.usecase.Subscribe(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		logger.Error("Subscribe usecase", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "")
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "snapshot", snap); err != nil {
		logger.Error("send snapshot", slog.String("error", err.Error()))
		return
	}
	flusher.Flush()

	if snap.Job.Status.Terminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case e, open := <-events:
			if !open {
				return
			}
			if err := writeSSE(w, string(e.Type), e); err != nil {
				logger.Error("send event", slog.String("error", err.Error()))
				return
			}
			flusher.Flush()
		}
	}
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}

	writeJSON(w, http.StatusOK, h.usecase.Health(r.Context()))
}

func writeSSE(w io.Writer, event string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
	return err
}

func writeError(w http.ResponseWriter, status int, message string) {
	if message == "" {
		message = http.StatusText(status)
	}
	resp := domain.ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON", slog.String("error", err.Error()))
	}
}
