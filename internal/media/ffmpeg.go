// Package media probes audio durations and cuts chunk windows via ffmpeg.
package media

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/cubetribe/voxflow-trans-sub002/internal/domain"
)

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

type FFmpeg struct {
	log     *slog.Logger
	runner  commandRunner
	workDir string

	ffmpegPath  string
	ffprobePath string
}

func New(log *slog.Logger, workDir string) (*FFmpeg, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create media work dir: %w", err)
	}
	return &FFmpeg{
		log:         log,
		runner:      execRunner{},
		workDir:     workDir,
		ffmpegPath:  "ffmpeg",
		ffprobePath: "ffprobe",
	}, nil
}

// Duration returns the audio duration in seconds as reported by ffprobe.
func (f *FFmpeg) Duration(ctx context.Context, path string) (float64, error) {
	stdout, stderr, err := f.runner.Run(ctx, f.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w: %s", filepath.Base(path), err, strings.TrimSpace(stderr))
	}

	raw := strings.TrimSpace(stdout)
	if raw == "" {
		return 0, fmt.Errorf("probe %s: ffprobe returned no duration", filepath.Base(path))
	}
	duration, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("probe %s: parse duration %q: %w", filepath.Base(path), raw, err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("probe %s: non-positive duration %.3f", filepath.Base(path), duration)
	}
	return duration, nil
}

// Extract cuts one window out of src and converts it to mono 16 kHz PCM WAV,
// the input the transcription backend expects. The caller removes the
// returned file once the chunk is settled.
func (f *FFmpeg) Extract(ctx context.Context, src string, w domain.Window) (string, error) {
	out := filepath.Join(f.workDir, uuid.NewString()+".wav")
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-ss", formatSeconds(w.StartOffsetSec),
		"-t", formatSeconds(w.EndOffsetSec - w.StartOffsetSec),
		"-i", src,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		out,
	}

	if _, stderr, err := f.runner.Run(ctx, f.ffmpegPath, args...); err != nil {
		return "", fmt.Errorf("extract [%.3f, %.3f) from %s: %w: %s",
			w.StartOffsetSec, w.EndOffsetSec, filepath.Base(src), err, strings.TrimSpace(stderr))
	}

	f.log.Debug("extracted chunk window",
		slog.String("src", filepath.Base(src)),
		slog.Float64("start_sec", w.StartOffsetSec),
		slog.Float64("end_sec", w.EndOffsetSec),
	)
	return out, nil
}

func formatSeconds(sec float64) string {
	return strconv.FormatFloat(sec, 'f', 3, 64)
}
