package repositories

import (
	"context"
	"time"

	"speedshare/internal/core/ports"
	"speedshare/internal/infrastructure/repositories/memory"
	redisrepo "speedshare/internal/infrastructure/repositories/redis"
	"speedshare/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	keyPrefix   string
	recordTTL   time.Duration
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects to Redis when enabled and falls back to
// in-memory storage when it cannot.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis:  cfg.Redis.Enabled,
		keyPrefix: cfg.Redis.KeyPrefix,
		recordTTL: cfg.Rendezvous.RecordTTL,
		logger:    logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(redisrepo.ClientConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PoolSize:  cfg.Redis.PoolSize,
			KeyPrefix: cfg.Redis.KeyPrefix,
			RecordTTL: cfg.Rendezvous.RecordTTL,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repository",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repository")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repository")
	}

	return factory, nil
}

// Backend names the storage in use.
func (f *RepositoryFactory) Backend() string {
	if f.useRedis && f.redisClient != nil {
		return "redis"
	}
	return "memory"
}

// RedisClient returns the connected client, or nil on the memory backend.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

// CreateRendezvousRepository creates the code store (Redis or memory with fallback)
func (f *RepositoryFactory) CreateRendezvousRepository() ports.RendezvousRepository {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisRendezvousRepository(f.redisClient, f.keyPrefix, f.recordTTL)
	}
	return memory.NewMemoryRendezvousRepository(f.recordTTL)
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}

// StartCleanup periodically drops expired records from stores that do not
// expire keys on their own. Redis repositories are left alone.
func (f *RepositoryFactory) StartCleanup(ctx context.Context, repo ports.RendezvousRepository, interval time.Duration) {
	cleaner, ok := repo.(interface{ Cleanup() int })
	if !ok || interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := cleaner.Cleanup(); n > 0 {
					f.logger.Debugw("expired rendezvous records removed", "count", n)
				}
			}
		}
	}()
}
