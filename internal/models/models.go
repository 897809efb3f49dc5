package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OperationType identifies a balance mutation.
type OperationType string

const (
	OperationDeposit  OperationType = "DEPOSIT"
	OperationWithdraw OperationType = "WITHDRAW"
)

// Valid reports whether t is a recognised operation type.
func (t OperationType) Valid() bool {
	return t == OperationDeposit || t == OperationWithdraw
}

// Wallet is the write model for a balance-bearing account. Version is the
// optimistic-concurrency counter: the store increments it on every committed
// save and rejects a save whose version no longer matches the stored row.
type Wallet struct {
	WalletID  uuid.UUID       `json:"walletId"`
	Balance   decimal.Decimal `json:"balance"`
	Version   int64           `json:"-"`
	CreatedAt time.Time       `json:"createdTimestamp"`
	UpdatedAt time.Time       `json:"updatedTimestamp"`
}

// WalletView is the read-optimised projection of a wallet, served from the
// Redis read model on the query path.
type WalletView struct {
	WalletID  uuid.UUID       `json:"walletId"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updatedTimestamp"`
}
