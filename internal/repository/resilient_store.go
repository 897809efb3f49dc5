package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/eaglebank/wallet-service/internal/models"
)

// ResilientStore decorates a Store with a circuit breaker. While the breaker
// is open, operations fail fast with models.ErrStoreUnavailable instead of
// piling up on a database that is already struggling.
//
// Only genuine store failures count against the breaker; business outcomes
// such as a missing wallet are successes from the breaker's point of view.
type ResilientStore struct {
	inner   Store
	breaker *gobreaker.CircuitBreaker
}

func NewResilientStore(inner Store) *ResilientStore {
	settings := gobreaker.Settings{
		Name:     "wallet-store",
		Interval: 60 * time.Second,
		Timeout:  10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !models.IsUnavailable(err)
		},
	}
	return &ResilientStore{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (s *ResilientStore) Begin(ctx context.Context) (Tx, error) {
	result, err := s.breaker.Execute(func() (any, error) {
		return s.inner.Begin(ctx)
	})
	if err != nil {
		return nil, mapBreakerError(err)
	}
	return result.(Tx), nil
}

func (s *ResilientStore) FindByID(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	result, err := s.breaker.Execute(func() (any, error) {
		return s.inner.FindByID(ctx, id)
	})
	if err != nil {
		return nil, mapBreakerError(err)
	}
	return result.(*models.Wallet), nil
}

func mapBreakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: circuit breaker open", models.ErrStoreUnavailable)
	}
	return err
}
