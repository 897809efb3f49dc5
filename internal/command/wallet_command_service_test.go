package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eaglebank/wallet-service/internal/cqrs"
	"github.com/eaglebank/wallet-service/internal/metrics"
	"github.com/eaglebank/wallet-service/internal/models"
	"github.com/eaglebank/wallet-service/internal/repository"
)

// ---- in-memory store fake ----
//
// fakeStore mimics the Postgres store's transaction semantics: LockForUpdate
// takes a per-wallet mutex held until Commit/Rollback, Create registers the
// row inside the transaction, Save enforces the version check, and Rollback
// undoes the transaction's writes. Fault injection knobs simulate version
// conflicts, lock timeouts, creation races and store outages.

type fakeStore struct {
	mu    sync.Mutex
	rows  map[uuid.UUID]models.Wallet
	locks map[uuid.UUID]*sync.Mutex

	beginCount int

	beginErr          error
	saveConflicts     int
	lockTimeouts      int
	duplicateOnCreate int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:  make(map[uuid.UUID]models.Wallet),
		locks: make(map[uuid.UUID]*sync.Mutex),
	}
}

func (s *fakeStore) seed(id uuid.UUID, balance string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.rows[id] = models.Wallet{
		WalletID:  id,
		Balance:   decimal.RequireFromString(balance),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *fakeStore) balance(t *testing.T, id uuid.UUID) decimal.Decimal {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		t.Fatalf("wallet %s does not exist", id)
	}
	return row.Balance
}

func (s *fakeStore) rowLock(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

func (s *fakeStore) Begin(ctx context.Context) (repository.Tx, error) {
	s.mu.Lock()
	s.beginCount++
	err := s.beginErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &fakeTx{store: s, held: make(map[uuid.UUID]*sync.Mutex)}, nil
}

func (s *fakeStore) FindByID(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, models.ErrWalletNotFound
	}
	return &row, nil
}

type fakeTx struct {
	store   *fakeStore
	held    map[uuid.UUID]*sync.Mutex
	created []uuid.UUID
	undo    map[uuid.UUID]models.Wallet
	done    bool
}

func (t *fakeTx) LockForUpdate(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	t.store.mu.Lock()
	if t.store.lockTimeouts > 0 {
		t.store.lockTimeouts--
		t.store.mu.Unlock()
		return nil, models.ErrLockTimeout
	}
	t.store.mu.Unlock()

	if _, held := t.held[id]; !held {
		lock := t.store.rowLock(id)
		lock.Lock()
		t.held[id] = lock
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	row, ok := t.store.rows[id]
	if !ok {
		return nil, models.ErrWalletNotFound
	}
	return &row, nil
}

func (t *fakeTx) Create(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if t.store.duplicateOnCreate > 0 {
		t.store.duplicateOnCreate--
		// Simulate a concurrent creator winning the race: the row appears,
		// created by someone else.
		if _, ok := t.store.rows[id]; !ok {
			now := time.Now().UTC()
			t.store.rows[id] = models.Wallet{WalletID: id, Balance: decimal.Zero, CreatedAt: now, UpdatedAt: now}
		}
		return nil, models.ErrDuplicateWallet
	}

	if _, ok := t.store.rows[id]; ok {
		return nil, models.ErrDuplicateWallet
	}

	now := time.Now().UTC()
	row := models.Wallet{WalletID: id, Balance: decimal.Zero, CreatedAt: now, UpdatedAt: now}
	t.store.rows[id] = row
	t.created = append(t.created, id)
	return &row, nil
}

func (t *fakeTx) Save(ctx context.Context, wallet *models.Wallet) (*models.Wallet, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if t.store.saveConflicts > 0 {
		t.store.saveConflicts--
		return nil, models.ErrVersionConflict
	}

	row, ok := t.store.rows[wallet.WalletID]
	if !ok || row.Version != wallet.Version {
		return nil, models.ErrVersionConflict
	}

	if t.undo == nil {
		t.undo = make(map[uuid.UUID]models.Wallet)
	}
	if _, recorded := t.undo[wallet.WalletID]; !recorded {
		t.undo[wallet.WalletID] = row
	}

	saved := row
	saved.Balance = wallet.Balance
	saved.Version = row.Version + 1
	saved.UpdatedAt = time.Now().UTC()
	t.store.rows[wallet.WalletID] = saved
	return &saved, nil
}

func (t *fakeTx) Commit() error {
	t.release()
	return nil
}

func (t *fakeTx) Rollback() error {
	if !t.done {
		t.store.mu.Lock()
		for id, prior := range t.undo {
			t.store.rows[id] = prior
		}
		for _, id := range t.created {
			delete(t.store.rows, id)
		}
		t.store.mu.Unlock()
	}
	t.release()
	return nil
}

func (t *fakeTx) release() {
	if t.done {
		return
	}
	t.done = true
	for _, lock := range t.held {
		lock.Unlock()
	}
}

// ---- recording fakes for the post-commit side effects ----

type recordingViews struct {
	mu    sync.Mutex
	views []models.WalletView
}

func (r *recordingViews) CacheWalletView(ctx context.Context, view *models.WalletView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views = append(r.views, *view)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(ctx context.Context, stream, eventType string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
	return nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e == eventType {
			n++
		}
	}
	return n
}

// ---- helpers ----

func newTestService(store *fakeStore) (*WalletCommandService, *recordingViews, *recordingPublisher) {
	views := &recordingViews{}
	publisher := &recordingPublisher{}
	m := metrics.New(prometheus.NewRegistry())
	svc := NewWalletCommandService(store, views, publisher, m, zap.NewNop())
	return svc, views, publisher
}

func deposit(id uuid.UUID, amount string) cqrs.ProcessOperationCommand {
	return cqrs.ProcessOperationCommand{
		WalletID:      id,
		OperationType: models.OperationDeposit,
		Amount:        decimal.RequireFromString(amount),
	}
}

func withdraw(id uuid.UUID, amount string) cqrs.ProcessOperationCommand {
	return cqrs.ProcessOperationCommand{
		WalletID:      id,
		OperationType: models.OperationWithdraw,
		Amount:        decimal.RequireFromString(amount),
	}
}

func assertBalance(t *testing.T, got *models.Wallet, want string) {
	t.Helper()
	if !got.Balance.Equal(decimal.RequireFromString(want)) {
		t.Fatalf("balance = %s, want %s", got.Balance, want)
	}
}

// ---- tests ----

func TestProcessOperation_DepositCreatesWallet(t *testing.T) {
	store := newFakeStore()
	svc, views, publisher := newTestService(store)
	walletID := uuid.New()

	wallet, err := svc.ProcessOperation(context.Background(), deposit(walletID, "100.00"))
	if err != nil {
		t.Fatalf("ProcessOperation failed: %v", err)
	}
	assertBalance(t, wallet, "100.00")
	if wallet.Version != 1 {
		t.Errorf("version = %d, want 1", wallet.Version)
	}

	if n := publisher.count("wallet.created"); n != 1 {
		t.Errorf("wallet.created published %d times, want 1", n)
	}
	if n := publisher.count("balance.updated"); n != 1 {
		t.Errorf("balance.updated published %d times, want 1", n)
	}
	if len(views.views) != 1 {
		t.Errorf("view cached %d times, want 1", len(views.views))
	}
}

func TestProcessOperation_MultipleDepositsAccumulate(t *testing.T) {
	store := newFakeStore()
	svc, _, _ := newTestService(store)
	walletID := uuid.New()

	for _, amount := range []string{"50.00", "75.00", "0.01"} {
		if _, err := svc.ProcessOperation(context.Background(), deposit(walletID, amount)); err != nil {
			t.Fatalf("deposit %s failed: %v", amount, err)
		}
	}

	if got := store.balance(t, walletID); !got.Equal(decimal.RequireFromString("125.01")) {
		t.Fatalf("final balance = %s, want 125.01", got)
	}
}

func TestProcessOperation_WithdrawExactBalanceYieldsZero(t *testing.T) {
	store := newFakeStore()
	svc, _, _ := newTestService(store)
	walletID := uuid.New()

	if _, err := svc.ProcessOperation(context.Background(), deposit(walletID, "100.00")); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	wallet, err := svc.ProcessOperation(context.Background(), withdraw(walletID, "100.00"))
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	assertBalance(t, wallet, "0.00")

	// One more cent must be rejected and leave the balance untouched.
	_, err = svc.ProcessOperation(context.Background(), withdraw(walletID, "0.01"))
	if !models.IsInsufficientFunds(err) {
		t.Fatalf("err = %v, want insufficient funds", err)
	}
	if got := store.balance(t, walletID); !got.IsZero() {
		t.Fatalf("balance after rejected withdrawal = %s, want 0", got)
	}
}

func TestProcessOperation_InsufficientFundsLeavesBalanceUnchanged(t *testing.T) {
	store := newFakeStore()
	svc, _, publisher := newTestService(store)
	walletID := uuid.New()
	store.seed(walletID, "49.99")

	_, err := svc.ProcessOperation(context.Background(), withdraw(walletID, "50.00"))

	var fundsErr *models.InsufficientFundsError
	if !errors.As(err, &fundsErr) {
		t.Fatalf("err = %v, want *InsufficientFundsError", err)
	}
	if !fundsErr.Balance.Equal(decimal.RequireFromString("49.99")) {
		t.Errorf("reported balance = %s, want 49.99", fundsErr.Balance)
	}
	if !fundsErr.Requested.Equal(decimal.RequireFromString("50.00")) {
		t.Errorf("reported requested = %s, want 50.00", fundsErr.Requested)
	}
	if got := store.balance(t, walletID); !got.Equal(decimal.RequireFromString("49.99")) {
		t.Fatalf("balance = %s, want unchanged 49.99", got)
	}
	if n := publisher.count("balance.updated"); n != 0 {
		t.Errorf("balance.updated published %d times for a failed operation", n)
	}
}

func TestProcessOperation_WithdrawFromAbsentWalletDoesNotCreateIt(t *testing.T) {
	store := newFakeStore()
	svc, _, _ := newTestService(store)
	walletID := uuid.New()

	_, err := svc.ProcessOperation(context.Background(), withdraw(walletID, "10.00"))
	if !models.IsInsufficientFunds(err) {
		t.Fatalf("err = %v, want insufficient funds", err)
	}

	// The creation was rolled back together with the failed transaction.
	if _, err := store.FindByID(context.Background(), walletID); !models.IsNotFound(err) {
		t.Fatalf("expected wallet to not exist, got err = %v", err)
	}
}

func TestProcessOperation_RejectsInvalidAmounts(t *testing.T) {
	store := newFakeStore()
	svc, _, _ := newTestService(store)
	walletID := uuid.New()

	cases := []struct {
		name   string
		amount string
	}{
		{"zero", "0"},
		{"negative", "-10.00"},
		{"three decimals", "10.001"},
		{"too large", "100000000000000000.00"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.ProcessOperation(context.Background(), deposit(walletID, tc.amount))
			if !models.IsInvalidInput(err) {
				t.Fatalf("err = %v, want invalid input", err)
			}
		})
	}

	if store.beginCount != 0 {
		t.Errorf("store touched %d times for invalid input, want 0", store.beginCount)
	}
}

func TestProcessOperation_RejectsUnknownOperationType(t *testing.T) {
	store := newFakeStore()
	svc, _, _ := newTestService(store)

	_, err := svc.ProcessOperation(context.Background(), cqrs.ProcessOperationCommand{
		WalletID:      uuid.New(),
		OperationType: "TRANSFER",
		Amount:        decimal.RequireFromString("10.00"),
	})
	if !errors.Is(err, models.ErrInvalidOperation) {
		t.Fatalf("err = %v, want ErrInvalidOperation", err)
	}
	if store.beginCount != 0 {
		t.Errorf("store touched %d times for unknown operation, want 0", store.beginCount)
	}
}

func TestProcessOperation_RetriesOnVersionConflict(t *testing.T) {
	store := newFakeStore()
	svc, _, _ := newTestService(store)
	walletID := uuid.New()
	store.seed(walletID, "10.00")
	store.saveConflicts = 2

	wallet, err := svc.ProcessOperation(context.Background(), deposit(walletID, "5.00"))
	if err != nil {
		t.Fatalf("ProcessOperation failed: %v", err)
	}
	assertBalance(t, wallet, "15.00")
	if store.beginCount != 3 {
		t.Errorf("beginCount = %d, want 3 (two conflicts then success)", store.beginCount)
	}
}

func TestProcessOperation_RetriesOnLockTimeout(t *testing.T) {
	store := newFakeStore()
	svc, _, _ := newTestService(store)
	walletID := uuid.New()
	store.seed(walletID, "10.00")
	store.lockTimeouts = 1

	wallet, err := svc.ProcessOperation(context.Background(), deposit(walletID, "5.00"))
	if err != nil {
		t.Fatalf("ProcessOperation failed: %v", err)
	}
	assertBalance(t, wallet, "15.00")
	if store.beginCount != 2 {
		t.Errorf("beginCount = %d, want 2", store.beginCount)
	}
}

func TestProcessOperation_ContentionAfterRetryBudget(t *testing.T) {
	store := newFakeStore()
	svc, _, _ := newTestService(store)
	walletID := uuid.New()
	store.seed(walletID, "10.00")
	store.saveConflicts = 100

	_, err := svc.ProcessOperation(context.Background(), deposit(walletID, "5.00"))
	if !models.IsContention(err) {
		t.Fatalf("err = %v, want contention", err)
	}
	if store.beginCount != defaultMaxAttempts {
		t.Errorf("beginCount = %d, want %d", store.beginCount, defaultMaxAttempts)
	}
	if got := store.balance(t, walletID); !got.Equal(decimal.RequireFromString("10.00")) {
		t.Fatalf("balance = %s, want unchanged 10.00", got)
	}
}

func TestProcessOperation_CreationRaceRefetchesWinnerRow(t *testing.T) {
	store := newFakeStore()
	svc, _, publisher := newTestService(store)
	walletID := uuid.New()
	store.duplicateOnCreate = 1

	wallet, err := svc.ProcessOperation(context.Background(), deposit(walletID, "25.00"))
	if err != nil {
		t.Fatalf("ProcessOperation failed: %v", err)
	}
	assertBalance(t, wallet, "25.00")
	if store.beginCount != 1 {
		t.Errorf("beginCount = %d, want 1 (race resolved inside the transaction)", store.beginCount)
	}
	// The race winner created the wallet, not us.
	if n := publisher.count("wallet.created"); n != 0 {
		t.Errorf("wallet.created published %d times by the race loser", n)
	}
}

func TestProcessOperation_StoreFailurePropagatesWithoutRetry(t *testing.T) {
	store := newFakeStore()
	svc, _, _ := newTestService(store)
	store.beginErr = models.ErrStoreUnavailable

	_, err := svc.ProcessOperation(context.Background(), deposit(uuid.New(), "10.00"))
	if !models.IsUnavailable(err) {
		t.Fatalf("err = %v, want store unavailable", err)
	}
	if store.beginCount != 1 {
		t.Errorf("beginCount = %d, want 1 (no retry on store failure)", store.beginCount)
	}
}

func TestProcessOperation_ConcurrentDepositsNeverLoseUpdates(t *testing.T) {
	store := newFakeStore()
	svc, _, _ := newTestService(store)
	walletID := uuid.New()
	store.seed(walletID, "0.01")

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.ProcessOperation(context.Background(), deposit(walletID, "10.00"))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("concurrent deposit %d failed: %v", i, err)
		}
	}
	if got := store.balance(t, walletID); !got.Equal(decimal.RequireFromString("50.01")) {
		t.Fatalf("final balance = %s, want 50.01", got)
	}
}

func TestProcessOperation_ConcurrentDepositsAndWithdrawalsBalanceOut(t *testing.T) {
	store := newFakeStore()
	svc, _, _ := newTestService(store)
	walletID := uuid.New()
	store.seed(walletID, "1000.00")

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.ProcessOperation(context.Background(), deposit(walletID, "10.00"))
		}(i)
		go func(i int) {
			defer wg.Done()
			_, errs[5+i] = svc.ProcessOperation(context.Background(), withdraw(walletID, "10.00"))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("concurrent operation %d failed: %v", i, err)
		}
	}
	if got := store.balance(t, walletID); !got.Equal(decimal.RequireFromString("1000.00")) {
		t.Fatalf("final balance = %s, want 1000.00", got)
	}
}

func TestProcessOperation_ConcurrentFirstTouchCreatesExactlyOneWallet(t *testing.T) {
	store := newFakeStore()
	svc, _, publisher := newTestService(store)
	walletID := uuid.New()

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.ProcessOperation(context.Background(), deposit(walletID, "10.00"))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("concurrent first touch %d failed: %v", i, err)
		}
	}
	// One creation, no balance doubling: every deposit landed exactly once.
	if got := store.balance(t, walletID); !got.Equal(decimal.RequireFromString("50.00")) {
		t.Fatalf("final balance = %s, want 50.00", got)
	}
	if n := publisher.count("wallet.created"); n != 1 {
		t.Errorf("wallet.created published %d times, want 1", n)
	}
}
