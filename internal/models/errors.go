package models

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Failure surface shared by the store, the engine and the HTTP layer.
var (
	// ErrWalletNotFound is returned when no wallet row exists for an id.
	ErrWalletNotFound = errors.New("wallet: not found")

	// ErrDuplicateWallet is returned by the store when a concurrent creator
	// won the insert race for the same id.
	ErrDuplicateWallet = errors.New("wallet: already exists")

	// ErrVersionConflict is returned by the store when a save observes a
	// version that no longer matches the stored row.
	ErrVersionConflict = errors.New("wallet: version conflict")

	// ErrLockTimeout is returned when the row lock could not be acquired
	// within the configured lock_timeout.
	ErrLockTimeout = errors.New("wallet: lock wait timeout")

	// ErrContention is returned once the engine's retry budget is exhausted
	// under concurrent-write pressure. Safe for the caller to retry.
	ErrContention = errors.New("wallet: operation aborted under contention")

	// ErrInvalidOperation is returned for an unrecognised operation type.
	ErrInvalidOperation = errors.New("wallet: unknown operation type")

	// ErrStoreUnavailable is returned when the underlying store failed for
	// reasons unrelated to the operation itself (connection loss, open
	// circuit breaker).
	ErrStoreUnavailable = errors.New("wallet: store unavailable")
)

// InvalidAmountError rejects a malformed operation amount.
type InvalidAmountError struct {
	Reason string
}

func (e *InvalidAmountError) Error() string {
	return "wallet: invalid amount: " + e.Reason
}

// InsufficientFundsError rejects a withdrawal exceeding the current balance.
// It carries the observed balance so the caller can report it.
type InsufficientFundsError struct {
	WalletID  uuid.UUID
	Balance   decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("wallet: insufficient funds in wallet %s: balance %s, requested %s",
		e.WalletID, e.Balance, e.Requested)
}

// IsNotFound reports whether err indicates a missing wallet.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWalletNotFound)
}

// IsInvalidInput reports whether err is a caller error (bad amount or
// unknown operation type). Never retried.
func IsInvalidInput(err error) bool {
	var amountErr *InvalidAmountError
	return errors.Is(err, ErrInvalidOperation) || errors.As(err, &amountErr)
}

// IsInsufficientFunds reports whether err is a sufficient-funds rejection.
func IsInsufficientFunds(err error) bool {
	var fundsErr *InsufficientFundsError
	return errors.As(err, &fundsErr)
}

// IsContention reports whether err is a transient contention failure.
func IsContention(err error) bool {
	return errors.Is(err, ErrContention)
}

// IsUnavailable reports whether err indicates store failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
