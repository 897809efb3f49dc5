package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types
const (
	WalletCreated  = "wallet.created"
	BalanceUpdated = "balance.updated"
)

// Stream names
const (
	WalletEventsStream = "wallet.events"
)

// Base event structure
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type WalletCreatedEvent struct {
	WalletID uuid.UUID `json:"walletId"`
}

type BalanceUpdatedEvent struct {
	WalletID      uuid.UUID       `json:"walletId"`
	OperationType string          `json:"operationType"`
	Amount        decimal.Decimal `json:"amount"`
	NewBalance    decimal.Decimal `json:"newBalance"`
}
