package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cubetribe/voxflow-trans-sub002/internal/domain"
)

type redisStore struct {
	rdb redis.Cmdable
}

func NewRedis(rdb redis.Cmdable) *redisStore {
	return &redisStore{rdb: rdb}
}

func (s *redisStore) CreateJob(ctx context.Context, job domain.Job, chunks []domain.Chunk) error {
	pipe := s.rdb.TxPipeline()

	pipe.HSet(ctx, jobKey(job.ID), jobFields(job))

	for _, c := range chunks {
		fields, err := chunkFields(c)
		if err != nil {
			return fmt.Errorf("encode chunk %d: %w", c.Index, err)
		}
		pipe.HSet(ctx, chunkKey(job.ID, c.Index), fields)
	}

	pipe.ZAdd(ctx, jobsByCreatedKey(), redis.Z{
		Score:  float64(job.CreatedAt.Unix()),
		Member: job.ID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline CreateJob: %w", err)
	}
	return nil
}

func (s *redisStore) Job(ctx context.Context, id string) (domain.Job, error) {
	res, err := s.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return domain.Job{}, fmt.Errorf("redis HGetAll job: %w", err)
	}
	if len(res) == 0 {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return parseJob(id, res), nil
}

func (s *redisStore) Jobs(ctx context.Context, filter domain.ListFilter) ([]domain.Job, error) {
	ids, err := s.rdb.ZRange(ctx, jobsByCreatedKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZRange jobs: %w", err)
	}

	jobs := make([]domain.Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.Job(ctx, id)
		if err == domain.ErrJobNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *redisStore) UpdateJobStatus(ctx context.Context, id string, status domain.JobStatus, errReason string) error {
	cur, err := s.rdb.HGet(ctx, jobKey(id), "status").Result()
	if err == redis.Nil {
		return domain.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("redis HGet job status: %w", err)
	}
	if domain.JobStatus(cur).Terminal() {
		return domain.ErrAlreadyTerminal
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(id), "status", string(status))
	pipe.HSet(ctx, jobKey(id), "error", errReason)
	pipe.HSet(ctx, jobKey(id), "updated_at", time.Now().UnixNano())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline UpdateJobStatus: %w", err)
	}
	return nil
}

func (s *redisStore) Chunk(ctx context.Context, jobID string, index int) (domain.Chunk, error) {
	res, err := s.rdb.HGetAll(ctx, chunkKey(jobID, index)).Result()
	if err != nil {
		return domain.Chunk{}, fmt.Errorf("redis HGetAll chunk: %w", err)
	}
	if len(res) == 0 {
		return domain.Chunk{}, domain.ErrChunkNotFound
	}
	return parseChunk(jobID, index, res)
}

func (s *redisStore) Chunks(ctx context.Context, jobID string) ([]domain.Chunk, error) {
	job, err := s.Job(ctx, jobID)
	if err != nil {
		return nil, err
	}

	chunks := make([]domain.Chunk, 0, job.TotalChunks)
	for i := 0; i < job.TotalChunks; i++ {
		c, err := s.Chunk(ctx, jobID, i)
		if err == domain.ErrChunkNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

func (s *redisStore) UpdateChunk(ctx context.Context, chunk domain.Chunk) error {
	fields, err := chunkFields(chunk)
	if err != nil {
		return fmt.Errorf("encode chunk %d: %w", chunk.Index, err)
	}

	n, err := s.rdb.Exists(ctx, chunkKey(chunk.JobID, chunk.Index)).Result()
	if err != nil {
		return fmt.Errorf("redis Exists chunk: %w", err)
	}
	if n == 0 {
		return domain.ErrChunkNotFound
	}

	if err := s.rdb.HSet(ctx, chunkKey(chunk.JobID, chunk.Index), fields).Err(); err != nil {
		return fmt.Errorf("redis HSet chunk: %w", err)
	}
	return nil
}

func (s *redisStore) SetTranscript(ctx context.Context, transcript domain.Transcript) error {
	data, err := json.Marshal(transcript)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	if err := s.rdb.Set(ctx, transcriptKey(transcript.JobID), data, 0).Err(); err != nil {
		return fmt.Errorf("redis Set transcript: %w", err)
	}
	return nil
}

func (s *redisStore) Transcript(ctx context.Context, jobID string) (domain.Transcript, error) {
	data, err := s.rdb.Get(ctx, transcriptKey(jobID)).Result()
	if err == redis.Nil {
		return domain.Transcript{}, domain.ErrJobNotFound
	}
	if err != nil {
		return domain.Transcript{}, fmt.Errorf("redis Get transcript: %w", err)
	}

	var t domain.Transcript
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return domain.Transcript{}, fmt.Errorf("decode transcript: %w", err)
	}
	return t, nil
}

func (s *redisStore) DeleteJob(ctx context.Context, id string) error {
	job, err := s.Job(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, jobKey(id))
	for i := 0; i < job.TotalChunks; i++ {
		pipe.Del(ctx, chunkKey(id, i))
	}
	pipe.Del(ctx, transcriptKey(id))
	pipe.ZRem(ctx, jobsByCreatedKey(), id)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline DeleteJob: %w", err)
	}
	return nil
}

func (s *redisStore) DeleteExpired(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	border := now.Add(-ttl).Unix()

	ids, err := s.rdb.ZRangeByScore(ctx, jobsByCreatedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprint(border),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ZRangeByScore jobs: %w", err)
	}

	deleted := 0
	for _, id := range ids {
		job, err := s.Job(ctx, id)
		if err == domain.ErrJobNotFound {
			_ = s.rdb.ZRem(ctx, jobsByCreatedKey(), id).Err()
			continue
		}
		if err != nil {
			return deleted, err
		}
		if !now.After(job.ExpiresAt) {
			continue
		}
		if err := s.DeleteJob(ctx, id); err == nil {
			deleted++
		}
	}
	return deleted, nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func jobFields(j domain.Job) map[string]interface{} {
	return map[string]interface{}{
		"id":                 j.ID,
		"status":             string(j.Status),
		"original_name":      j.OriginalName,
		"file_id":            j.FileID,
		"duration_sec":       j.DurationSec,
		"total_chunks":       j.TotalChunks,
		"chunk_duration_sec": j.Config.ChunkDurationSec,
		"overlap_sec":        j.Config.OverlapSec,
		"language":           j.Config.Language,
		"prompt":             j.Config.Prompt,
		"failure_policy":     string(j.Config.FailurePolicy),
		"overlap_policy":     string(j.Config.OverlapPolicy),
		"error":              j.Error,
		"created_at":         j.CreatedAt.UnixNano(),
		"updated_at":         j.UpdatedAt.UnixNano(),
		"expires_at":         j.ExpiresAt.UnixNano(),
	}
}

func parseJob(id string, res map[string]string) domain.Job {
	j := domain.Job{ID: id}

	j.Status = domain.JobStatus(res["status"])
	j.OriginalName = res["original_name"]
	j.FileID = res["file_id"]
	j.Error = res["error"]
	j.Config.Language = res["language"]
	j.Config.Prompt = res["prompt"]
	j.Config.FailurePolicy = domain.FailurePolicy(res["failure_policy"])
	j.Config.OverlapPolicy = domain.OverlapPolicy(res["overlap_policy"])

	if v, ok := res["duration_sec"]; ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			j.DurationSec = f
		}
	}
	if v, ok := res["total_chunks"]; ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			j.TotalChunks = n
		}
	}
	if v, ok := res["chunk_duration_sec"]; ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			j.Config.ChunkDurationSec = f
		}
	}
	if v, ok := res["overlap_sec"]; ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			j.Config.OverlapSec = f
		}
	}
	if v, ok := res["created_at"]; ok && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			j.CreatedAt = time.Unix(0, n)
		}
	}
	if v, ok := res["updated_at"]; ok && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			j.UpdatedAt = time.Unix(0, n)
		}
	}
	if v, ok := res["expires_at"]; ok && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			j.ExpiresAt = time.Unix(0, n)
		}
	}

	return j
}

func chunkFields(c domain.Chunk) (map[string]interface{}, error) {
	result := ""
	if c.Result != nil {
		data, err := json.Marshal(c.Result)
		if err != nil {
			return nil, err
		}
		result = string(data)
	}

	return map[string]interface{}{
		"job_id":           c.JobID,
		"index":            c.Index,
		"start_offset_sec": c.StartOffsetSec,
		"end_offset_sec":   c.EndOffsetSec,
		"status":           string(c.Status),
		"attempt":          c.Attempt,
		"error":            c.Error,
		"result":           result,
	}, nil
}

func parseChunk(jobID string, index int, res map[string]string) (domain.Chunk, error) {
	c := domain.Chunk{JobID: jobID, Index: index}

	c.Status = domain.ChunkStatus(res["status"])
	c.Error = res["error"]

	if v, ok := res["start_offset_sec"]; ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.StartOffsetSec = f
		}
	}
	if v, ok := res["end_offset_sec"]; ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.EndOffsetSec = f
		}
	}
	if v, ok := res["attempt"]; ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Attempt = n
		}
	}
	if v, ok := res["result"]; ok && v != "" {
		var r domain.ChunkResult
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return domain.Chunk{}, fmt.Errorf("decode chunk result: %w", err)
		}
		c.Result = &r
	}

	return c, nil
}

func jobKey(id string) string {
	return "job:" + id
}

func chunkKey(jobID string, index int) string {
	return "job:" + jobID + ":chunk:" + strconv.Itoa(index)
}

func transcriptKey(jobID string) string {
	return "job:" + jobID + ":transcript"
}

func jobsByCreatedKey() string {
	return "jobs:by_created"
}
