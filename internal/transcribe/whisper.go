// Package transcribe talks to the remote speech-to-text backend.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/cubetribe/voxflow-trans-sub002/internal/domain"
)

// defaultConfidence is reported when the backend returns no per-segment
// log probabilities.
const defaultConfidence = 0.95

type Config struct {
	BaseURL string
	APIKey  string
	Model   string
}

type Whisper struct {
	log    *slog.Logger
	client *openai.Client
	model  string
}

func NewWhisper(log *slog.Logger, cfg Config) *Whisper {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}

	return &Whisper{
		log:    log,
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
	}
}

// Transcribe sends one extracted chunk file to the backend and maps the
// response onto the chunk's time window. Failures the backend rejects
// outright come back wrapped as permanent so the caller stops retrying.
func (w *Whisper) Transcribe(ctx context.Context, chunk domain.Chunk, audioPath string, cfg domain.JobConfig) (*domain.ChunkResult, error) {
	req := openai.AudioRequest{
		Model:    w.model,
		FilePath: audioPath,
		Language: cfg.Language,
		Prompt:   cfg.Prompt,
		Format:   openai.AudioResponseFormatVerboseJSON,
	}

	resp, err := w.client.CreateTranscription(ctx, req)
	if err != nil {
		return nil, classify(err)
	}

	logprobs := make([]float64, 0, len(resp.Segments))
	for _, seg := range resp.Segments {
		logprobs = append(logprobs, seg.AvgLogprob)
	}

	w.log.Debug("chunk transcribed",
		slog.String("job_id", chunk.JobID),
		slog.Int("chunk", chunk.Index),
		slog.Int("segments", len(resp.Segments)),
	)

	return &domain.ChunkResult{
		Text:           strings.TrimSpace(resp.Text),
		Confidence:     meanConfidence(logprobs),
		StartOffsetSec: chunk.StartOffsetSec,
		EndOffsetSec:   chunk.EndOffsetSec,
	}, nil
}

// classify splits backend failures into permanent rejections and transient
// faults. Client errors are permanent except for rate limiting and request
// timeouts, which a later attempt may survive.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.HTTPStatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout {
			return Permanent(fmt.Errorf("transcription rejected: %w", err))
		}
	}
	return fmt.Errorf("transcription failed: %w", err)
}

func meanConfidence(avgLogprobs []float64) float64 {
	if len(avgLogprobs) == 0 {
		return defaultConfidence
	}
	var sum float64
	for _, lp := range avgLogprobs {
		sum += math.Exp(lp)
	}
	c := sum / float64(len(avgLogprobs))
	if c > 1 {
		c = 1
	}
	return c
}
