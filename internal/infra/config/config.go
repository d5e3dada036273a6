package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts "2s" style values, which yaml.v3 does not parse into
// time.Duration on its own.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Addr            string   `yaml:"addr"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	BaseDir string `yaml:"base_dir"`
	WorkDir string `yaml:"work_dir"`

	JobTTL           Duration `yaml:"job_ttl"`
	MaxUploadBytesMb int64    `yaml:"max_upload_mb"`

	Chunking   Chunking   `yaml:"chunking"`
	Dispatch   Dispatch   `yaml:"dispatch"`
	Whisper    Whisper    `yaml:"whisper"`
	Redis      Redis      `yaml:"redis"`
	MinIO      MinIO      `yaml:"minio"`
	NATS       NATS       `yaml:"nats"`
	Store      Store      `yaml:"store"`
	Events     Events     `yaml:"events"`
	Replicator Replicator `yaml:"replicator"`
	Cleanup    Cleanup    `yaml:"cleanup"`
}

type Chunking struct {
	ChunkDurationSec float64 `yaml:"chunk_duration_sec"`
	OverlapSec       float64 `yaml:"overlap_sec"`
	FailurePolicy    string  `yaml:"failure_policy"`
	OverlapPolicy    string  `yaml:"overlap_policy"`
}

type Dispatch struct {
	Concurrency    int      `yaml:"concurrency"`
	MaxAttempts    int      `yaml:"max_attempts"`
	RetryBaseDelay Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  Duration `yaml:"retry_max_delay"`
	AttemptTimeout Duration `yaml:"attempt_timeout"`
}

type Whisper struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MinIO struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Bucket          string `yaml:"bucket"`
}

type NATS struct {
	URL           string `yaml:"url"`
	Name          string `yaml:"name"`
	MaxReconnects int    `yaml:"max_reconnects"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type Store struct {
	HealthInterval Duration `yaml:"health_interval"`
}

type Events struct {
	Buffer int `yaml:"buffer"`
}

type Replicator struct {
	QueueCapacity int `yaml:"queue_capacity"`
	PoolSize      int `yaml:"pool_size"`
	MaxRetries    int `yaml:"max_retries"`
}

type Cleanup struct {
	Interval Duration `yaml:"interval"`
}

func MustLoad(path string) *Config {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("config: cannot read file %q: %v", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		log.Fatalf("config: cannot unmarshal yaml: %v", err)
	}

	if cfg.Addr == "" {
		log.Fatalf("config: addr is empty")
	}
	if cfg.BaseDir == "" {
		log.Fatalf("config: base_dir is empty")
	}
	if cfg.WorkDir == "" {
		log.Fatalf("config: work_dir is empty")
	}
	if cfg.JobTTL <= 0 {
		log.Fatalf("config: job_ttl must be positive, got %s", cfg.JobTTL.Std())
	}
	if cfg.Redis.Addr == "" {
		log.Fatalf("config: redis.addr is empty")
	}
	if cfg.MinIO.Endpoint == "" {
		log.Fatalf("config: minio.endpoint is empty")
	}
	if cfg.MinIO.Bucket == "" {
		log.Fatalf("config: minio.bucket is empty")
	}
	if cfg.Chunking.OverlapSec < 0 {
		log.Fatalf("config: chunking.overlap_sec must not be negative, got %v", cfg.Chunking.OverlapSec)
	}
	if cfg.Chunking.ChunkDurationSec > 0 && cfg.Chunking.OverlapSec >= cfg.Chunking.ChunkDurationSec {
		log.Fatalf("config: chunking.overlap_sec %v must be smaller than chunk_duration_sec %v",
			cfg.Chunking.OverlapSec, cfg.Chunking.ChunkDurationSec)
	}
	switch cfg.Chunking.FailurePolicy {
	case "", "fail_fast", "best_effort":
	default:
		log.Fatalf("config: unknown chunking.failure_policy %q", cfg.Chunking.FailurePolicy)
	}
	switch cfg.Chunking.OverlapPolicy {
	case "", "prefer_later", "prefer_earlier":
	default:
		log.Fatalf("config: unknown chunking.overlap_policy %q", cfg.Chunking.OverlapPolicy)
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.MaxUploadBytesMb <= 0 {
		cfg.MaxUploadBytesMb = 512
	}
	if cfg.Chunking.ChunkDurationSec <= 0 {
		cfg.Chunking.ChunkDurationSec = 30
	}
	if cfg.Chunking.FailurePolicy == "" {
		cfg.Chunking.FailurePolicy = "fail_fast"
	}
	if cfg.Chunking.OverlapPolicy == "" {
		cfg.Chunking.OverlapPolicy = "prefer_later"
	}
	if cfg.NATS.Name == "" {
		cfg.NATS.Name = "voxflow"
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "voxflow"
	}
	if cfg.Replicator.QueueCapacity <= 0 {
		cfg.Replicator.QueueCapacity = 128
	}
	if cfg.Replicator.PoolSize <= 0 {
		cfg.Replicator.PoolSize = 4
	}
	if cfg.Replicator.MaxRetries <= 0 {
		cfg.Replicator.MaxRetries = 3
	}
	if cfg.Cleanup.Interval <= 0 {
		cfg.Cleanup.Interval = Duration(time.Hour)
	}

	return &cfg
}
