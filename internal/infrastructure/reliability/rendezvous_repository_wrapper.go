package reliability

import (
	"context"

	"speedshare/internal/core/domain"
	"speedshare/internal/core/ports"
	"speedshare/pkg/circuitbreaker"
	"speedshare/pkg/retry"

	"go.uber.org/zap"
)

// RendezvousRepositoryWrapper guards a rendezvous repository with retries and
// a circuit breaker. A missing code is an answer, not a failure: it neither
// trips the breaker nor gets retried.
type RendezvousRepositoryWrapper struct {
	repo           ports.RendezvousRepository
	retryConfig    retry.Config
	circuitBreaker *circuitbreaker.CircuitBreaker
	logger         *zap.SugaredLogger
}

func NewRendezvousRepositoryWrapper(
	repo ports.RendezvousRepository,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *RendezvousRepositoryWrapper {
	cbConfig.IgnoredErrors = append(cbConfig.IgnoredErrors, domain.ErrCodeNotFound)
	retryConfig.NonRetryableErrors = append(retryConfig.NonRetryableErrors,
		domain.ErrCodeNotFound,
		circuitbreaker.ErrOpen,
		context.Canceled,
		context.DeadlineExceeded,
	)

	w := &RendezvousRepositoryWrapper{
		repo:           repo,
		retryConfig:    retryConfig,
		circuitBreaker: circuitbreaker.New(cbConfig),
		logger:         logger,
	}
	w.circuitBreaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("rendezvous store circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return w
}

// Stats exposes the breaker counters for health reporting.
func (w *RendezvousRepositoryWrapper) Stats() circuitbreaker.Stats {
	return w.circuitBreaker.GetStats()
}

func guarded[T any](ctx context.Context, w *RendezvousRepositoryWrapper, fn func() (T, error)) (T, error) {
	return retry.RetryWithResult(ctx, w.retryConfig, func() (T, error) {
		return circuitbreaker.Do(ctx, w.circuitBreaker, fn)
	})
}

// CreateIfAbsent is retried like the rest. A retry after a lost reply may
// report false for a record this call created; the caller then picks another
// code, which is harmless.
func (w *RendezvousRepositoryWrapper) CreateIfAbsent(ctx context.Context, code domain.RendezvousCode, data []byte) (bool, error) {
	return guarded(ctx, w, func() (bool, error) {
		return w.repo.CreateIfAbsent(ctx, code, data)
	})
}

func (w *RendezvousRepositoryWrapper) Put(ctx context.Context, code domain.RendezvousCode, data []byte) error {
	_, err := guarded(ctx, w, func() (struct{}, error) {
		return struct{}{}, w.repo.Put(ctx, code, data)
	})
	return err
}

func (w *RendezvousRepositoryWrapper) Get(ctx context.Context, code domain.RendezvousCode) ([]byte, error) {
	return guarded(ctx, w, func() ([]byte, error) {
		return w.repo.Get(ctx, code)
	})
}

func (w *RendezvousRepositoryWrapper) Delete(ctx context.Context, code domain.RendezvousCode) error {
	_, err := guarded(ctx, w, func() (struct{}, error) {
		return struct{}{}, w.repo.Delete(ctx, code)
	})
	return err
}

func (w *RendezvousRepositoryWrapper) PutAnswer(ctx context.Context, code domain.RendezvousCode, data []byte) error {
	_, err := guarded(ctx, w, func() (struct{}, error) {
		return struct{}{}, w.repo.PutAnswer(ctx, code, data)
	})
	return err
}

func (w *RendezvousRepositoryWrapper) GetAnswer(ctx context.Context, code domain.RendezvousCode) ([]byte, error) {
	return guarded(ctx, w, func() ([]byte, error) {
		return w.repo.GetAnswer(ctx, code)
	})
}

var _ ports.RendezvousRepository = (*RendezvousRepositoryWrapper)(nil)
