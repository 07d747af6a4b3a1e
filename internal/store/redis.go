// Package store mirrors job records into Redis so payloads survive a process
// restart. The in-process queue stays the ordering authority; this layer is
// only the durability boundary.
package store

import (
	"context"
	"fmt"

	"github.com/minssan9/investand/internal/job"
	"github.com/redis/go-redis/v9"
)

const (
	jobsKey       = "collection_jobs"
	deadLetterKey = "collection_jobs_dead_letter"
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) SaveJob(ctx context.Context, j *job.Job) error {
	jobJSON, err := j.ToJSON()
	if err != nil {
		return err
	}

	return s.client.HSet(ctx, jobsKey, j.ID, jobJSON).Err()
}

func (s *RedisStore) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	jobJSON, err := s.client.HGet(ctx, jobsKey, jobID).Result()
	if err != nil {
		return nil, err
	}

	return job.FromJSON(jobJSON)
}

func (s *RedisStore) AllJobs(ctx context.Context) ([]*job.Job, error) {
	jobMap, err := s.client.HGetAll(ctx, jobsKey).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]*job.Job, 0, len(jobMap))
	for _, jobJSON := range jobMap {
		j, err := job.FromJSON(jobJSON)
		if err != nil {
			continue
		}
		jobs = append(jobs, j)
	}

	return jobs, nil
}

// MoveToDeadLetter records the terminal failure and tracks the job id in the
// dead-letter set for operator inspection.
func (s *RedisStore) MoveToDeadLetter(ctx context.Context, j *job.Job) error {
	if err := s.SaveJob(ctx, j); err != nil {
		return err
	}

	return s.client.SAdd(ctx, deadLetterKey, j.ID).Err()
}

func (s *RedisStore) DeadLetterJobs(ctx context.Context) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, deadLetterKey).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.GetJob(ctx, id)
		if err != nil {
			continue
		}
		jobs = append(jobs, j)
	}

	return jobs, nil
}

// DeleteJob drops a terminal job that has been reported and is no longer
// needed for diagnostics.
func (s *RedisStore) DeleteJob(ctx context.Context, jobID string) error {
	if err := s.client.HDel(ctx, jobsKey, jobID).Err(); err != nil {
		return err
	}

	return s.client.SRem(ctx, deadLetterKey, jobID).Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
