package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-uncommons/v2/uncommons/backoff"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eaglebank/wallet-service/internal/cqrs"
	"github.com/eaglebank/wallet-service/internal/events"
	"github.com/eaglebank/wallet-service/internal/metrics"
	"github.com/eaglebank/wallet-service/internal/models"
	"github.com/eaglebank/wallet-service/internal/repository"
)

// ViewCache refreshes the read model after a committed mutation.
type ViewCache interface {
	CacheWalletView(ctx context.Context, view *models.WalletView)
}

// Publisher emits domain events after a committed mutation.
type Publisher interface {
	Publish(ctx context.Context, stream, eventType string, data any) error
}

const (
	defaultMaxAttempts = 3
	defaultBackoffBase = 100 * time.Millisecond
)

// maxAmount caps a single operation at what NUMERIC(19,2) can hold:
// 17 integer digits.
var maxAmount = decimal.New(1, 17)

// WalletCommandService is the balance engine. Each operation runs a locked
// read-modify-write transaction against the store; version conflicts and
// lock timeouts are retried with backoff up to the attempt budget, after
// which the operation fails as contention.
type WalletCommandService struct {
	store       repository.Store
	views       ViewCache
	publisher   Publisher
	metrics     *metrics.Metrics
	logger      *zap.Logger
	maxAttempts int
	backoffBase time.Duration
}

func NewWalletCommandService(
	store repository.Store,
	views ViewCache,
	publisher Publisher,
	m *metrics.Metrics,
	logger *zap.Logger,
) *WalletCommandService {
	return &WalletCommandService{
		store:       store,
		views:       views,
		publisher:   publisher,
		metrics:     m,
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
	}
}

// ProcessOperation applies a deposit or withdrawal and returns the wallet in
// its committed state. The wallet is created lazily on first touch.
func (s *WalletCommandService) ProcessOperation(ctx context.Context, cmd cqrs.ProcessOperationCommand) (*models.Wallet, error) {
	start := time.Now()

	if err := validateOperation(cmd); err != nil {
		s.metrics.ObserveOperation(string(cmd.OperationType), "invalid", time.Since(start))
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			s.metrics.IncRetry()
			delay := backoff.ExponentialWithJitter(s.backoffBase, attempt-1)
			if err := backoff.WaitContext(ctx, delay); err != nil {
				return nil, err
			}
		}

		wallet, created, err := s.applyOnce(ctx, cmd)
		if err == nil {
			s.metrics.ObserveOperation(string(cmd.OperationType), "success", time.Since(start))
			s.afterCommit(ctx, cmd, wallet, created)
			return wallet, nil
		}

		if errors.Is(err, models.ErrVersionConflict) || errors.Is(err, models.ErrLockTimeout) {
			s.metrics.IncLockConflict()
			s.logger.Debug("retrying after conflict",
				zap.String("walletId", cmd.WalletID.String()),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			lastErr = err
			continue
		}

		s.metrics.ObserveOperation(string(cmd.OperationType), outcomeLabel(err), time.Since(start))
		return nil, err
	}

	s.metrics.ObserveOperation(string(cmd.OperationType), "contention", time.Since(start))
	s.logger.Warn("operation aborted under contention",
		zap.String("walletId", cmd.WalletID.String()),
		zap.Int("attempts", s.maxAttempts),
		zap.Error(lastErr),
	)
	return nil, fmt.Errorf("%w: %v", models.ErrContention, lastErr)
}

// applyOnce runs one locked read-modify-write transaction.
func (s *WalletCommandService) applyOnce(ctx context.Context, cmd cqrs.ProcessOperationCommand) (wallet *models.Wallet, created bool, err error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	wallet, err = tx.LockForUpdate(ctx, cmd.WalletID)
	if errors.Is(err, models.ErrWalletNotFound) {
		wallet, err = tx.Create(ctx, cmd.WalletID)
		switch {
		case err == nil:
			created = true
		case errors.Is(err, models.ErrDuplicateWallet):
			// Lost the creation race; the winner's row is there to lock.
			wallet, err = tx.LockForUpdate(ctx, cmd.WalletID)
		}
	}
	if err != nil {
		return nil, false, err
	}

	newBalance, err := nextBalance(wallet, cmd)
	if err != nil {
		return nil, false, err
	}

	wallet.Balance = newBalance
	saved, err := tx.Save(ctx, wallet)
	if err != nil {
		return nil, false, err
	}

	if err = tx.Commit(); err != nil {
		return nil, false, err
	}
	return saved, created, nil
}

// afterCommit refreshes the read model and publishes events. Both are best
// effort: the mutation is already committed and its result stands.
func (s *WalletCommandService) afterCommit(ctx context.Context, cmd cqrs.ProcessOperationCommand, wallet *models.Wallet, created bool) {
	s.views.CacheWalletView(ctx, &models.WalletView{
		WalletID:  wallet.WalletID,
		Balance:   wallet.Balance,
		UpdatedAt: wallet.UpdatedAt,
	})

	if created {
		if err := s.publisher.Publish(ctx, events.WalletEventsStream, events.WalletCreated, events.WalletCreatedEvent{
			WalletID: wallet.WalletID,
		}); err != nil {
			s.logger.Warn("failed to publish wallet.created event", zap.Error(err))
		}
	}

	if err := s.publisher.Publish(ctx, events.WalletEventsStream, events.BalanceUpdated, events.BalanceUpdatedEvent{
		WalletID:      wallet.WalletID,
		OperationType: string(cmd.OperationType),
		Amount:        cmd.Amount,
		NewBalance:    wallet.Balance,
	}); err != nil {
		s.logger.Warn("failed to publish balance.updated event", zap.Error(err))
	}
}

func validateOperation(cmd cqrs.ProcessOperationCommand) error {
	if !cmd.OperationType.Valid() {
		return models.ErrInvalidOperation
	}
	if !cmd.Amount.IsPositive() {
		return &models.InvalidAmountError{Reason: "must be greater than zero"}
	}
	if !cmd.Amount.Equal(cmd.Amount.Truncate(2)) {
		return &models.InvalidAmountError{Reason: "at most 2 decimal places"}
	}
	if cmd.Amount.GreaterThanOrEqual(maxAmount) {
		return &models.InvalidAmountError{Reason: "exceeds the maximum supported amount"}
	}
	return nil
}

func nextBalance(wallet *models.Wallet, cmd cqrs.ProcessOperationCommand) (decimal.Decimal, error) {
	switch cmd.OperationType {
	case models.OperationDeposit:
		return wallet.Balance.Add(cmd.Amount), nil
	case models.OperationWithdraw:
		if wallet.Balance.LessThan(cmd.Amount) {
			return decimal.Decimal{}, &models.InsufficientFundsError{
				WalletID:  wallet.WalletID,
				Balance:   wallet.Balance,
				Requested: cmd.Amount,
			}
		}
		return wallet.Balance.Sub(cmd.Amount), nil
	default:
		// Unreachable: validateOperation rejects unknown types up front.
		return decimal.Decimal{}, models.ErrInvalidOperation
	}
}

func outcomeLabel(err error) string {
	switch {
	case models.IsInsufficientFunds(err):
		return "insufficient_funds"
	case models.IsUnavailable(err):
		return "store_unavailable"
	default:
		return "error"
	}
}
