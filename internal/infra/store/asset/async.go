package assetstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cubetribe/voxflow-trans-sub002/internal/infra/store/asset/replicator"
)

// Store is what the rest of the service sees: local-first reads and writes
// with background replication to object storage.
type Store interface {
	Save(ctx context.Context, reader io.Reader, filename string, size int64) (int64, string, error)
	Open(ctx context.Context, filename string) (io.ReadCloser, int64, error)
	Path(ctx context.Context, filename string) (string, error)
	Delete(ctx context.Context, filename string) error
	CleanupOlderThan(ctx context.Context, maxAge time.Duration) error
}

type asyncStore struct {
	local      *localStore
	remote     *minioStore
	replicator *replicator.Replicator
}

func NewAsyncStore(
	ctx context.Context,
	local *localStore,
	remote *minioStore,
	queueSize,
	workerNum,
	maxRetries int,
) *asyncStore {
	repl := replicator.New(local, remote, queueSize, workerNum, maxRetries)
	repl.Start(ctx)

	return &asyncStore{
		local:      local,
		remote:     remote,
		replicator: repl,
	}
}

func (s *asyncStore) Close(ctx context.Context) error {
	return s.replicator.Stop(ctx)
}

func (s *asyncStore) Save(
	ctx context.Context,
	reader io.Reader,
	filename string,
	size int64,
) (int64, string, error) {
	written, hash, err := s.local.Save(ctx, reader, filename, size)
	if err != nil {
		return 0, "", err
	}

	ok := s.replicator.Enqueue(replicator.Job{
		Filename: filename,
		Size:     written,
		Hash:     hash,
		Retries:  0,
	})
	if !ok {
		slog.Error("assetStore: replication queue full, audio saved only locally",
			slog.String("filename", filename),
			slog.Int64("size", written),
		)
	}

	return written, hash, nil
}

func (s *asyncStore) Open(ctx context.Context, filename string) (io.ReadCloser, int64, error) {
	rc, size, err := s.local.Open(ctx, filename)
	if err == nil {
		return rc, size, nil
	}

	if !errors.Is(err, ErrNotFound) {
		return nil, 0, err
	}

	rc, size, err = s.remote.Open(ctx, filename)
	if err != nil {
		return nil, 0, err
	}

	return rc, size, nil
}

// Path resolves a local path for ffmpeg. A file that only survives in
// object storage is pulled back to disk first.
func (s *asyncStore) Path(ctx context.Context, filename string) (string, error) {
	path, err := s.local.Path(ctx, filename)
	if err == nil {
		return path, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	rc, size, err := s.remote.Open(ctx, filename)
	if err != nil {
		return "", fmt.Errorf("rehydrate %s: %w", filename, err)
	}
	defer rc.Close()

	if _, _, err := s.local.Save(ctx, rc, filename, size); err != nil {
		return "", fmt.Errorf("rehydrate %s: %w", filename, err)
	}

	slog.Info("assetStore: audio rehydrated from object storage",
		slog.String("filename", filename),
	)
	return s.local.Path(ctx, filename)
}

func (s *asyncStore) Delete(ctx context.Context, filename string) error {
	var firstErr error

	if err := s.local.Delete(ctx, filename); err != nil {
		firstErr = err
		slog.Warn("assetStore: delete local failed",
			slog.String("filename", filename),
			slog.String("error", err.Error()),
		)
	}

	if err := s.remote.Delete(ctx, filename); err != nil {
		if firstErr == nil {
			firstErr = err
		}
		slog.Warn("assetStore: delete remote failed",
			slog.String("filename", filename),
			slog.String("error", err.Error()),
		)
	}

	return firstErr
}

func (s *asyncStore) CleanupOlderThan(ctx context.Context, maxAge time.Duration) error {
	eg, eCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return s.local.CleanupOlderThan(eCtx, maxAge)
	})
	eg.Go(func() error {
		return s.remote.CleanupOlderThan(eCtx, maxAge)
	})

	return eg.Wait()
}
