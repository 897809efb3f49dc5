package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eaglebank/wallet-service/internal/models"
	walletredis "github.com/eaglebank/wallet-service/internal/redis"
)

const walletViewKeyPrefix = "wallet:view:"

// walletCacheEntry is the internal Redis representation of a wallet view.
type walletCacheEntry struct {
	WalletID  uuid.UUID       `json:"walletId"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updatedTimestamp"`
}

// WalletReadRepository serves balance queries. It treats Redis as the primary
// read store and falls back to PostgreSQL transparently, warming the cache on
// every cold read. The command side refreshes the cached view after each
// committed mutation, so the view trails a commit by at most one write.
type WalletReadRepository struct {
	db    *sql.DB
	cache *walletredis.ViewCache[walletCacheEntry]
}

func NewWalletReadRepository(db *sql.DB, redisClient *goredis.Client, logger *zap.Logger) *WalletReadRepository {
	return &WalletReadRepository{
		db:    db,
		cache: walletredis.NewViewCache[walletCacheEntry](redisClient, 0, logger),
	}
}

func cacheEntryToView(e *walletCacheEntry) *models.WalletView {
	return &models.WalletView{
		WalletID:  e.WalletID,
		Balance:   e.Balance,
		UpdatedAt: e.UpdatedAt,
	}
}

// GetByID returns a WalletView, trying Redis first then PostgreSQL.
func (r *WalletReadRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.WalletView, error) {
	cacheKey := walletViewKeyPrefix + id.String()

	if entry, ok := r.cache.Get(ctx, cacheKey); ok {
		return cacheEntryToView(entry), nil
	}

	query := `
		SELECT wallet_id, balance, updated_at
		FROM wallets
		WHERE wallet_id = $1
	`
	var view models.WalletView
	err := r.db.QueryRowContext(ctx, query, id).Scan(&view.WalletID, &view.Balance, &view.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrWalletNotFound
	}
	if err != nil {
		return nil, mapStoreError("get wallet view", err)
	}

	// Warm the cache
	r.CacheWalletView(ctx, &view)
	return &view, nil
}

// CacheWalletView stores or refreshes the Redis read model for a wallet.
// Called by the command service after every committed mutation.
func (r *WalletReadRepository) CacheWalletView(ctx context.Context, view *models.WalletView) {
	entry := &walletCacheEntry{
		WalletID:  view.WalletID,
		Balance:   view.Balance,
		UpdatedAt: view.UpdatedAt,
	}
	r.cache.Set(ctx, walletViewKeyPrefix+view.WalletID.String(), entry)
}
