package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cubetribe/voxflow-trans-sub002/internal/transport"
)

type app struct {
	di  *dependencyInjector
	srv *http.Server
}

func New(ctx context.Context) *app {
	di := newDI()
	di.Logger()
	mux := http.NewServeMux()
	return &app{
		di: di,
		srv: &http.Server{
			Addr: di.Config().Addr,
			Handler: transport.WithRecover(
				transport.LogMiddleware(
					di.Router(ctx).MountRoutes(mux),
				),
			),
		},
	}
}

func (a *app) Run(ctx context.Context) error {
	go a.di.JobStore(ctx).Run(ctx)
	go a.di.Queue(ctx).Run(ctx)
	go a.sweepExpired(ctx)

	errCh := make(chan error)
	go func() {
		slog.Info("starting server", slog.String("addr", a.srv.Addr))
		if e := a.srv.ListenAndServe(); e != nil && !errors.Is(e, http.ErrServerClosed) {
			slog.Error("server error", slog.String("error", e.Error()))
			errCh <- e
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		a.di.Config().ShutdownTimeout.Std(),
	)
	defer cancel()

	return a.stop(shutdownCtx)
}

// stop drains in dependency order: no new requests, then no new chunk
// work, then the replication queue, then the connections.
func (a *app) stop(ctx context.Context) error {
	var firstErr error

	if err := a.srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", slog.String("error", err.Error()))
		firstErr = err
	}

	if a.di.queue != nil {
		if err := a.di.queue.Stop(ctx); err != nil {
			slog.Error("dispatch queue shutdown error", slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if a.di.assetStore != nil {
		if err := a.di.assetStore.Close(ctx); err != nil {
			slog.Error("asset store shutdown error", slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if a.di.natsConn != nil {
		if err := a.di.natsConn.Drain(); err != nil {
			slog.Error("NATS drain error", slog.String("error", err.Error()))
		}
	}

	if a.di.redis != nil {
		if err := a.di.redis.Close(); err != nil {
			slog.Error("redis close error", slog.String("error", err.Error()))
		}
	}

	if firstErr != nil {
		return firstErr
	}

	slog.Info("server gracefully stopped")
	return nil
}

// sweepExpired removes jobs past their TTL and the audio files that no
// job can reference anymore.
func (a *app) sweepExpired(ctx context.Context) {
	cfg := a.di.Config()
	ticker := time.NewTicker(cfg.Cleanup.Interval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		deleted, err := a.di.JobStore(ctx).DeleteExpired(ctx, time.Now(), cfg.JobTTL.Std())
		if err != nil {
			slog.Error("expiry sweep", slog.String("error", err.Error()))
		} else if deleted > 0 {
			slog.Info("expired jobs removed", slog.Int("count", deleted))
		}

		// keep audio one sweep cycle past job expiry
		maxAge := cfg.JobTTL.Std() + cfg.Cleanup.Interval.Std()
		if err := a.di.AssetStore(ctx).CleanupOlderThan(ctx, maxAge); err != nil {
			slog.Error("audio cleanup", slog.String("error", err.Error()))
		}
	}
}
