package app

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/cubetribe/voxflow-trans-sub002/internal/dispatch"
	"github.com/cubetribe/voxflow-trans-sub002/internal/domain"
	"github.com/cubetribe/voxflow-trans-sub002/internal/events"
	"github.com/cubetribe/voxflow-trans-sub002/internal/infra/config"
	assetstore "github.com/cubetribe/voxflow-trans-sub002/internal/infra/store/asset"
	jobstore "github.com/cubetribe/voxflow-trans-sub002/internal/infra/store/job"
	mio "github.com/cubetribe/voxflow-trans-sub002/internal/libs/minio"
	natsq "github.com/cubetribe/voxflow-trans-sub002/internal/libs/nats"
	rediscli "github.com/cubetribe/voxflow-trans-sub002/internal/libs/redis"
	"github.com/cubetribe/voxflow-trans-sub002/internal/media"
	"github.com/cubetribe/voxflow-trans-sub002/internal/progress"
	"github.com/cubetribe/voxflow-trans-sub002/internal/transcribe"
	"github.com/cubetribe/voxflow-trans-sub002/internal/transport"
	"github.com/cubetribe/voxflow-trans-sub002/internal/usecase"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

const cfgPath = "./configs/local.yaml"

type Router interface {
	MountRoutes(*http.ServeMux) *http.ServeMux
}

// AssetStore adds the replicator shutdown to the store surface the
// usecase sees.
type AssetStore interface {
	assetstore.Store
	Close(ctx context.Context) error
}

type dependencyInjector struct {
	cfg    *config.Config
	logger *slog.Logger

	redis    *redis.Client
	jobStore *jobstore.Failover

	natsConn *nats.Conn
	mirror   *events.NATSMirror
	hub      *events.Hub

	assetStore AssetStore
	ffmpeg     *media.FFmpeg
	whisper    *transcribe.Whisper

	aggregator *progress.Aggregator
	queue      *dispatch.Queue

	usecase transport.Usecase
	handler transport.Handler
	router  Router
}

func newDI() *dependencyInjector {
	return &dependencyInjector{}
}

func (di *dependencyInjector) Config() *config.Config {
	if di.cfg == nil {
		di.cfg = config.MustLoad(cfgPath)
	}

	return di.cfg
}

func (di *dependencyInjector) Logger() *slog.Logger {
	if di.logger == nil {
		di.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))

	}

	slog.SetDefault(di.logger)
	return di.logger
}

func (di *dependencyInjector) RedisClient(ctx context.Context) *redis.Client {
	if di.redis == nil {
		cfg := di.Config().Redis
		di.redis = rediscli.NewClient(rediscli.Config{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})

		// Reachability is probed, not required: the job store runs in
		// fallback mode until Redis answers.
		if err := rediscli.Ping(ctx, di.redis); err != nil {
			di.Logger().Warn("redis unreachable, job store starts degraded",
				slog.String("addr", cfg.Addr),
				slog.String("error", err.Error()),
			)
		} else {
			di.Logger().Info("connected to redis", slog.String("addr", cfg.Addr))
		}
	}
	return di.redis
}

func (di *dependencyInjector) JobStore(ctx context.Context) *jobstore.Failover {
	if di.jobStore == nil {
		di.jobStore = jobstore.NewFailover(
			di.Logger(),
			jobstore.NewRedis(di.RedisClient(ctx)),
			jobstore.NewMemory(),
			di.Config().Store.HealthInterval.Std(),
		)
	}
	return di.jobStore
}

func (di *dependencyInjector) NATSConn(ctx context.Context) *nats.Conn {
	if di.natsConn == nil {
		cfg := di.Config().NATS
		if cfg.URL == "" {
			return nil
		}
		nc, err := natsq.NewConnect(cfg.URL, natsq.Config{
			Name:          cfg.Name,
			MaxReconnects: cfg.MaxReconnects,
		})
		if err != nil {
			// The event mirror is best effort, a missing broker never
			// stops the pipeline.
			di.Logger().Warn("NATS unreachable, events stay local",
				slog.String("url", cfg.URL),
				slog.String("error", err.Error()),
			)
			return nil
		}
		di.natsConn = nc
		di.Logger().Info("connected to NATS", slog.String("url", cfg.URL))
	}
	return di.natsConn
}

func (di *dependencyInjector) Mirror(ctx context.Context) *events.NATSMirror {
	if di.mirror == nil {
		di.mirror = events.NewNATSMirror(
			di.Logger(),
			di.NATSConn(ctx),
			di.Config().NATS.SubjectPrefix,
		)
	}
	return di.mirror
}

func (di *dependencyInjector) Hub(ctx context.Context) *events.Hub {
	if di.hub == nil {
		di.hub = events.NewHub(di.Logger(), di.Config().Events.Buffer, di.Mirror(ctx))
	}
	return di.hub
}

func (di *dependencyInjector) AssetStore(ctx context.Context) AssetStore {
	if di.assetStore == nil {
		cfg := di.Config()

		local, err := assetstore.NewLocalStore(cfg.BaseDir)
		if err != nil {
			log.Fatalf("AssetStore local: %+v", err)
		}
		di.Logger().Info("initialized local audio store", slog.String("base_dir", cfg.BaseDir))

		remote, err := assetstore.NewMinIOStore(ctx, mio.Config{
			Endpoint:        cfg.MinIO.Endpoint,
			AccessKeyID:     cfg.MinIO.AccessKeyID,
			SecretAccessKey: cfg.MinIO.SecretAccessKey,
			UseSSL:          cfg.MinIO.UseSSL,
			Bucket:          cfg.MinIO.Bucket,
			BasePath:        cfg.BaseDir,
		})
		if err != nil {
			log.Fatalf("AssetStore minio: %+v", err)
		}
		di.Logger().Info(
			"initialized MinIO audio store",
			slog.String("endpoint", cfg.MinIO.Endpoint),
			slog.String("bucket", cfg.MinIO.Bucket),
		)

		di.assetStore = assetstore.NewAsyncStore(
			ctx,
			local,
			remote,
			cfg.Replicator.QueueCapacity,
			cfg.Replicator.PoolSize,
			cfg.Replicator.MaxRetries,
		)
		di.Logger().Info(
			"using async audio store (local + MinIO)",
			slog.Int("queue_size", cfg.Replicator.QueueCapacity),
			slog.Int("worker_num", cfg.Replicator.PoolSize),
			slog.Int("max_retries", cfg.Replicator.MaxRetries),
		)
	}

	return di.assetStore
}

func (di *dependencyInjector) Media() *media.FFmpeg {
	if di.ffmpeg == nil {
		f, err := media.New(di.Logger(), di.Config().WorkDir)
		if err != nil {
			log.Fatalf("Media ffmpeg: %+v", err)
		}
		di.ffmpeg = f
	}
	return di.ffmpeg
}

func (di *dependencyInjector) Whisper() *transcribe.Whisper {
	if di.whisper == nil {
		cfg := di.Config().Whisper
		di.whisper = transcribe.NewWhisper(di.Logger(), transcribe.Config{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
		})
	}
	return di.whisper
}

func (di *dependencyInjector) Aggregator(ctx context.Context) *progress.Aggregator {
	if di.aggregator == nil {
		di.aggregator = progress.NewAggregator(di.Logger(), di.JobStore(ctx), di.Hub(ctx))
	}
	return di.aggregator
}

func (di *dependencyInjector) Queue(ctx context.Context) *dispatch.Queue {
	if di.queue == nil {
		cfg := di.Config().Dispatch
		di.queue = dispatch.NewQueue(
			di.Logger(),
			di.Aggregator(ctx),
			di.Media(),
			di.Whisper(),
			di.AssetStore(ctx),
			dispatch.Config{
				Concurrency:    cfg.Concurrency,
				MaxAttempts:    cfg.MaxAttempts,
				RetryBaseDelay: cfg.RetryBaseDelay.Std(),
				RetryMaxDelay:  cfg.RetryMaxDelay.Std(),
				AttemptTimeout: cfg.AttemptTimeout.Std(),
			},
		)
	}
	return di.queue
}

func (di *dependencyInjector) Usecase(ctx context.Context) transport.Usecase {
	if di.usecase == nil {
		cfg := di.Config()
		di.usecase = usecase.New(
			cfg.JobTTL.Std(),
			domain.JobConfig{
				ChunkDurationSec: cfg.Chunking.ChunkDurationSec,
				OverlapSec:       cfg.Chunking.OverlapSec,
				FailurePolicy:    domain.FailurePolicy(cfg.Chunking.FailurePolicy),
				OverlapPolicy:    domain.OverlapPolicy(cfg.Chunking.OverlapPolicy),
			},
			di.JobStore(ctx),
			di.AssetStore(ctx),
			di.Media(),
			di.Queue(ctx),
			di.Aggregator(ctx),
			di.Hub(ctx),
			di.JobStore(ctx),
			di.Mirror(ctx),
		)
	}

	return di.usecase
}

func (di *dependencyInjector) Handler(ctx context.Context) transport.Handler {
	if di.handler == nil {
		di.handler = transport.NewHandler(di.Config().MaxUploadBytesMb, di.Usecase(ctx))
	}

	return di.handler
}

func (di *dependencyInjector) Router(ctx context.Context) Router {
	if di.router == nil {
		di.router = transport.NewRouter(di.Handler(ctx))
	}

	return di.router
}
