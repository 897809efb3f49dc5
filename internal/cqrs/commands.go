package cqrs

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/eaglebank/wallet-service/internal/models"
)

// ProcessOperationCommand applies a deposit or withdrawal to a wallet,
// creating the wallet on first touch.
type ProcessOperationCommand struct {
	WalletID      uuid.UUID
	OperationType models.OperationType
	Amount        decimal.Decimal
}

// GetBalanceQuery fetches the current balance of a wallet.
type GetBalanceQuery struct {
	WalletID uuid.UUID
}
