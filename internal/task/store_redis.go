package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "docbatch:"

// RedisConfig holds Redis connection settings for the task store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// redisStore keeps one JSON document per task plus a set indexing task ids.
type redisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (TaskStore, error) { //nolint:ireturn
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &redisStore{client: client, prefix: prefix}, nil
}

func (s *redisStore) taskKey(taskID string) string { return s.prefix + "task:" + taskID }
func (s *redisStore) indexKey() string             { return s.prefix + "tasks" }

func (s *redisStore) SaveTask(ctx context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.taskKey(t.ID), data, 0)
		pipe.SAdd(ctx, s.indexKey(), t.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save task: %w", err)
	}
	return nil
}

func (s *redisStore) DeleteTask(ctx context.Context, taskID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.taskKey(taskID))
		pipe.SRem(ctx, s.indexKey(), taskID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete task: %w", err)
	}
	return nil
}

func (s *redisStore) LoadTasks(ctx context.Context) ([]*Task, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list tasks: %w", err)
	}
	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, s.taskKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get task %s: %w", id, err)
		}
		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			continue
		}
		tasks = append(tasks, &t)
	}
	return tasks, nil
}

// Close releases the underlying connection pool.
func (s *redisStore) Close() error {
	return s.client.Close()
}
