package redis

import (
	"context"
	"fmt"
	"time"

	"speedshare/internal/core/domain"
	"speedshare/internal/core/ports"
	"speedshare/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultKeyPrefix = "speedshare:code:"
	answerSuffix     = ":answer"
)

type RedisRendezvousRepository struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisRendezvousRepository stores offers under prefix+code and answers
// under prefix+code+":answer", both expiring after ttl (0 = never).
func NewRedisRendezvousRepository(client *redis.Client, prefix string, ttl time.Duration) ports.RendezvousRepository {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisRendezvousRepository{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (r *RedisRendezvousRepository) offerKey(code domain.RendezvousCode) string {
	return r.prefix + string(code)
}

func (r *RedisRendezvousRepository) answerKey(code domain.RendezvousCode) string {
	return r.prefix + string(code) + answerSuffix
}

// CreateIfAbsent is a single SETNX so concurrent issuers cannot both win a
// code.
func (r *RedisRendezvousRepository) CreateIfAbsent(ctx context.Context, code domain.RendezvousCode, data []byte) (bool, error) {
	ctx, span := tracing.TraceStorageOperation(ctx, "create", "redis")
	defer span.End()

	created, err := r.client.SetNX(ctx, r.offerKey(code), data, r.ttl).Result()
	if err != nil {
		tracing.RecordError(ctx, err)
		return false, fmt.Errorf("failed to create record in Redis: %w", err)
	}
	return created, nil
}

func (r *RedisRendezvousRepository) Put(ctx context.Context, code domain.RendezvousCode, data []byte) error {
	if err := r.client.Set(ctx, r.offerKey(code), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set record in Redis: %w", err)
	}
	return nil
}

func (r *RedisRendezvousRepository) Get(ctx context.Context, code domain.RendezvousCode) ([]byte, error) {
	ctx, span := tracing.TraceStorageOperation(ctx, "get", "redis")
	defer span.End()

	data, err := r.client.Get(ctx, r.offerKey(code)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrCodeNotFound
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to get record from Redis: %w", err)
	}
	return data, nil
}

func (r *RedisRendezvousRepository) Delete(ctx context.Context, code domain.RendezvousCode) error {
	if err := r.client.Del(ctx, r.offerKey(code), r.answerKey(code)).Err(); err != nil {
		return fmt.Errorf("failed to delete record from Redis: %w", err)
	}
	return nil
}

// PutAnswer stores the answer with the offer's remaining lifetime so both
// disappear together.
func (r *RedisRendezvousRepository) PutAnswer(ctx context.Context, code domain.RendezvousCode, data []byte) error {
	remaining, err := r.client.PTTL(ctx, r.offerKey(code)).Result()
	if err != nil {
		return fmt.Errorf("failed to read record TTL from Redis: %w", err)
	}
	// -2 means the key does not exist, -1 that it never expires.
	switch {
	case remaining == -2:
		return domain.ErrCodeNotFound
	case remaining < 0:
		remaining = r.ttl
	}

	if err := r.client.Set(ctx, r.answerKey(code), data, remaining).Err(); err != nil {
		return fmt.Errorf("failed to set answer in Redis: %w", err)
	}
	return nil
}

func (r *RedisRendezvousRepository) GetAnswer(ctx context.Context, code domain.RendezvousCode) ([]byte, error) {
	data, err := r.client.Get(ctx, r.answerKey(code)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get answer from Redis: %w", err)
	}
	return data, nil
}
