package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/eaglebank/wallet-service/internal/models"
)

// Store is the persistence contract consumed by the balance engine.
// Begin opens a transaction holding any row locks taken through the
// returned Tx; the locks are released on Commit or Rollback.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.Wallet, error)
}

// Tx is a single transaction against the wallet store.
type Tx interface {
	// LockForUpdate acquires an exclusive row lock on the wallet and returns
	// its current state, or models.ErrWalletNotFound if no row exists.
	// Blocks until the holder's transaction ends, bounded by the store's
	// lock timeout (models.ErrLockTimeout).
	LockForUpdate(ctx context.Context, id uuid.UUID) (*models.Wallet, error)

	// Create inserts a zero-balance wallet. Returns models.ErrDuplicateWallet
	// if a concurrent creator won the race.
	Create(ctx context.Context, id uuid.UUID) (*models.Wallet, error)

	// Save persists the wallet's balance, incrementing its version. Returns
	// models.ErrVersionConflict if the stored version no longer matches the
	// version the caller read.
	Save(ctx context.Context, wallet *models.Wallet) (*models.Wallet, error)

	Commit() error
	Rollback() error
}

const defaultLockTimeout = 3 * time.Second

// WalletRepository implements Store against PostgreSQL. Concurrent mutators
// of the same wallet are serialised by SELECT ... FOR UPDATE; the version
// column is a compare-and-swap backstop for paths the lock does not cover.
type WalletRepository struct {
	db          *sql.DB
	lockTimeout time.Duration
}

func NewWalletRepository(db *sql.DB) *WalletRepository {
	return &WalletRepository{db: db, lockTimeout: defaultLockTimeout}
}

// EnsureSchema creates the wallets table if it does not exist yet.
func (r *WalletRepository) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS wallets (
			wallet_id  UUID PRIMARY KEY,
			balance    NUMERIC(19,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
			version    BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)
	`
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// Begin opens a READ COMMITTED transaction with a bounded lock wait.
// The row lock taken by LockForUpdate is what serialises concurrent
// mutators, not the isolation level.
func (r *WalletRepository) Begin(ctx context.Context) (Tx, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, mapStoreError("begin transaction", err)
	}

	timeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())
	if _, err := tx.ExecContext(ctx, timeout); err != nil {
		_ = tx.Rollback()
		return nil, mapStoreError("set lock timeout", err)
	}

	return &walletTx{tx: tx}, nil
}

// FindByID is the non-locking read used by the query path. It may observe a
// balance concurrently being mutated.
func (r *WalletRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	query := `
		SELECT wallet_id, balance, version, created_at, updated_at
		FROM wallets
		WHERE wallet_id = $1
	`
	var wallet models.Wallet
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&wallet.WalletID, &wallet.Balance, &wallet.Version,
		&wallet.CreatedAt, &wallet.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrWalletNotFound
	}
	if err != nil {
		return nil, mapStoreError("find wallet", err)
	}
	return &wallet, nil
}

type walletTx struct {
	tx *sql.Tx
}

func (t *walletTx) LockForUpdate(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	query := `
		SELECT wallet_id, balance, version, created_at, updated_at
		FROM wallets
		WHERE wallet_id = $1
		FOR UPDATE
	`
	var wallet models.Wallet
	err := t.tx.QueryRowContext(ctx, query, id).Scan(
		&wallet.WalletID, &wallet.Balance, &wallet.Version,
		&wallet.CreatedAt, &wallet.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrWalletNotFound
	}
	if err != nil {
		return nil, mapStoreError("lock wallet", err)
	}
	return &wallet, nil
}

// Create inserts via ON CONFLICT DO NOTHING rather than a bare INSERT: a
// unique-violation error would abort the surrounding transaction, and the
// engine still needs it alive to re-lock the row the race winner created.
func (t *walletTx) Create(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	query := `
		INSERT INTO wallets (wallet_id, balance, version, created_at, updated_at)
		VALUES ($1, 0, 0, NOW(), NOW())
		ON CONFLICT (wallet_id) DO NOTHING
		RETURNING wallet_id, balance, version, created_at, updated_at
	`
	var wallet models.Wallet
	err := t.tx.QueryRowContext(ctx, query, id).Scan(
		&wallet.WalletID, &wallet.Balance, &wallet.Version,
		&wallet.CreatedAt, &wallet.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrDuplicateWallet
	}
	if err != nil {
		return nil, mapStoreError("create wallet", err)
	}
	return &wallet, nil
}

func (t *walletTx) Save(ctx context.Context, wallet *models.Wallet) (*models.Wallet, error) {
	query := `
		UPDATE wallets
		SET balance = $2, version = version + 1, updated_at = NOW()
		WHERE wallet_id = $1 AND version = $3
		RETURNING wallet_id, balance, version, created_at, updated_at
	`
	var saved models.Wallet
	err := t.tx.QueryRowContext(ctx, query, wallet.WalletID, wallet.Balance, wallet.Version).Scan(
		&saved.WalletID, &saved.Balance, &saved.Version,
		&saved.CreatedAt, &saved.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		// Another writer committed between our read and this save.
		return nil, models.ErrVersionConflict
	}
	if err != nil {
		return nil, mapStoreError("save wallet", err)
	}
	return &saved, nil
}

func (t *walletTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return mapStoreError("commit", err)
	}
	return nil
}

func (t *walletTx) Rollback() error {
	err := t.tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return mapStoreError("rollback", err)
	}
	return nil
}

// PostgreSQL error codes the engine reacts to.
const (
	pgUniqueViolation      = "23505"
	pgLockNotAvailable     = "55P03"
	pgSerializationFailure = "40001"
)

// mapStoreError translates driver errors into the typed failure surface.
// Anything unrecognised is a store failure, never silently dropped.
func mapStoreError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgUniqueViolation:
			return models.ErrDuplicateWallet
		case pgLockNotAvailable:
			return models.ErrLockTimeout
		case pgSerializationFailure:
			return models.ErrVersionConflict
		}
	}
	return fmt.Errorf("%w: %s: %v", models.ErrStoreUnavailable, op, err)
}
