package query

import (
	"context"

	"github.com/google/uuid"

	"github.com/eaglebank/wallet-service/internal/cqrs"
	"github.com/eaglebank/wallet-service/internal/models"
)

// WalletReader serves non-locking wallet views.
type WalletReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.WalletView, error)
}

type WalletQueryService struct {
	readRepo WalletReader
}

func NewWalletQueryService(readRepo WalletReader) *WalletQueryService {
	return &WalletQueryService{readRepo: readRepo}
}

// GetBalance fetches the current balance view for a wallet. A wallet that
// has never been touched by an operation yields models.ErrWalletNotFound.
func (s *WalletQueryService) GetBalance(ctx context.Context, q cqrs.GetBalanceQuery) (*models.WalletView, error) {
	return s.readRepo.GetByID(ctx, q.WalletID)
}
