package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sample = `
addr: ":8080"

base_dir: ./data/audio
work_dir: ./data/work
job_ttl: 24h

chunking:
  chunk_duration_sec: 10
  overlap_sec: 2

dispatch:
  concurrency: 4
  max_attempts: 3
  retry_base_delay: 2s
  retry_max_delay: 30s
  attempt_timeout: 2m

whisper:
  base_url: http://localhost:9000/v1
  model: whisper-1

redis:
  addr: localhost:6379

minio:
  endpoint: localhost:9001
  access_key_id: minioadmin
  secret_access_key: minioadmin
  bucket: voxflow-audio

nats:
  url: nats://localhost:4222

store:
  health_interval: 5s
`

func TestMustLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := MustLoad(path)

	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.JobTTL.Std() != 24*time.Hour {
		t.Fatalf("JobTTL = %s, want 24h", cfg.JobTTL.Std())
	}
	if cfg.Dispatch.RetryBaseDelay.Std() != 2*time.Second {
		t.Fatalf("RetryBaseDelay = %s, want 2s", cfg.Dispatch.RetryBaseDelay.Std())
	}
	if cfg.Dispatch.AttemptTimeout.Std() != 2*time.Minute {
		t.Fatalf("AttemptTimeout = %s, want 2m", cfg.Dispatch.AttemptTimeout.Std())
	}
	if cfg.Chunking.ChunkDurationSec != 10 || cfg.Chunking.OverlapSec != 2 {
		t.Fatalf("chunking = %+v", cfg.Chunking)
	}

	// omitted fields pick up defaults
	if cfg.ShutdownTimeout.Std() != 10*time.Second {
		t.Fatalf("ShutdownTimeout = %s, want the 10s default", cfg.ShutdownTimeout.Std())
	}
	if cfg.MaxUploadBytesMb != 512 {
		t.Fatalf("MaxUploadBytesMb = %d, want 512", cfg.MaxUploadBytesMb)
	}
	if cfg.Chunking.FailurePolicy != "fail_fast" || cfg.Chunking.OverlapPolicy != "prefer_later" {
		t.Fatalf("policy defaults = %q/%q", cfg.Chunking.FailurePolicy, cfg.Chunking.OverlapPolicy)
	}
	if cfg.NATS.SubjectPrefix != "voxflow" {
		t.Fatalf("SubjectPrefix = %q, want voxflow", cfg.NATS.SubjectPrefix)
	}
	if cfg.Replicator.PoolSize != 4 || cfg.Replicator.QueueCapacity != 128 {
		t.Fatalf("replicator defaults = %+v", cfg.Replicator)
	}
	if cfg.Cleanup.Interval.Std() != time.Hour {
		t.Fatalf("Cleanup.Interval = %s, want 1h", cfg.Cleanup.Interval.Std())
	}
}
