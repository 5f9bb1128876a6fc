package monitoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"speedshare/internal/core/domain"
	"speedshare/internal/core/ports"
	"speedshare/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
)

// probeCode is looked up by the repository check. It is a valid code, so a
// miss exercises the full read path.
const probeCode domain.RendezvousCode = "00000"

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddRepositoryCheck reads a code from the rendezvous store. Not found is a
// healthy answer.
func (h *HealthChecker) AddRepositoryCheck(repo ports.RendezvousRepository, interval, timeout time.Duration) {
	h.AddCheck("repository", func(ctx context.Context) (bool, error) {
		if _, err := repo.Get(ctx, probeCode); err != nil && !errors.Is(err, domain.ErrCodeNotFound) {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddBreakerCheck reports unhealthy while the breaker is open.
func (h *HealthChecker) AddBreakerCheck(name string, stats func() circuitbreaker.Stats, interval time.Duration) {
	h.AddCheck(name, func(ctx context.Context) (bool, error) {
		if s := stats(); s.State == circuitbreaker.StateOpen {
			return false, fmt.Errorf("circuit breaker %s after %d failures, last at %s",
				s.State, s.FailureCount, s.LastFailureTime.Format(time.RFC3339))
		}
		return true, nil
	}, interval, 0)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}
