package reliability

import (
	"context"

	"pttlink/internal/core/domain"
	"pttlink/internal/core/ports"
	"pttlink/pkg/circuitbreaker"
	"pttlink/pkg/retry"

	"go.uber.org/zap"
)

// RecordStoreWrapper wraps a SessionRecordStore with retries and a
// circuit breaker. Session Record writes ride the office network between
// vehicle and coordination store; a transient drop should not tear a
// running session down, and a store outage should fail fast instead of
// stalling the coordinator's actor loop.
type RecordStoreWrapper struct {
	store  ports.SessionRecordStore
	logger *zap.SugaredLogger

	retryConfig retry.Config
	breaker     *circuitbreaker.CircuitBreaker
}

// NewRecordStoreWrapper wraps store. Lease conflicts and missing records
// are outcomes, not faults, and are never retried.
func NewRecordStoreWrapper(
	store ports.SessionRecordStore,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *RecordStoreWrapper {
	retryConfig.NonRetryable = append(retryConfig.NonRetryable,
		domain.ErrSessionBusy,
		domain.ErrSessionNotFound,
	)

	w := &RecordStoreWrapper{
		store:       store,
		logger:      logger,
		retryConfig: retryConfig,
		breaker:     circuitbreaker.New(cbConfig),
	}

	w.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("coordination store circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})

	return w
}

func (w *RecordStoreWrapper) Put(ctx context.Context, scope domain.SessionScope, record *domain.SessionRecord) error {
	return retry.Do(ctx, w.retryConfig, func() error {
		return w.breaker.Execute(func() error {
			return w.store.Put(ctx, scope, record)
		})
	})
}

func (w *RecordStoreWrapper) Get(ctx context.Context, scope domain.SessionScope) (*domain.SessionRecord, error) {
	return retry.DoWithResult(ctx, w.retryConfig, func() (*domain.SessionRecord, error) {
		var record *domain.SessionRecord
		err := w.breaker.Execute(func() error {
			var innerErr error
			record, innerErr = w.store.Get(ctx, scope)
			return innerErr
		})
		return record, err
	})
}

// Watch establishes the subscription with retries; once established, the
// underlying store owns the channel's lifetime.
func (w *RecordStoreWrapper) Watch(ctx context.Context, scope domain.SessionScope) (<-chan domain.SessionRecord, error) {
	return retry.DoWithResult(ctx, w.retryConfig, func() (<-chan domain.SessionRecord, error) {
		var updates <-chan domain.SessionRecord
		err := w.breaker.Execute(func() error {
			var innerErr error
			updates, innerErr = w.store.Watch(ctx, scope)
			return innerErr
		})
		return updates, err
	})
}

// BreakerState exposes the breaker for health reporting.
func (w *RecordStoreWrapper) BreakerState() circuitbreaker.State {
	return w.breaker.State()
}

var _ ports.SessionRecordStore = (*RecordStoreWrapper)(nil)
