// Package ledger is the single source of truth for wallet balances. Every
// balance mutation happens inside a database transaction that also appends
// an immutable LedgerEntry carrying the post-mutation running balance.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	errs "github.com/p2pdesk/p2pdesk/common/errors"
	"github.com/p2pdesk/p2pdesk/pkg/models"
)

var (
	ErrInvalidAmount       = errs.New(errs.CodeValidation, "amount must be positive")
	ErrWalletNotFound      = errs.New(errs.CodeNotFound, "wallet not found")
	ErrInsufficientBalance = errs.New(errs.CodeConflict, "insufficient available balance")
	ErrInsufficientLocked  = errs.New(errs.CodeConflict, "insufficient locked balance")
)

// Service implements the wallet ledger over gorm.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB

	// walletMu serializes in-process mutations per (user, currency) on top
	// of the row locks, keeping lock waits out of the database under local
	// contention.
	walletMu sync.Map // walletKey -> *sync.Mutex
}

// NewService creates a ledger service.
func NewService(logger *zap.Logger, db *gorm.DB) (*Service, error) {
	return &Service{logger: logger, db: db}, nil
}

func walletKey(userID uuid.UUID, currency string) string {
	return userID.String() + ":" + currency
}

func (s *Service) mutexFor(key string) *sync.Mutex {
	mu, _ := s.walletMu.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// LockWallets acquires the in-process mutexes for the given wallets in
// deterministic key order and returns the unlock function. Duplicate keys
// are locked once.
func (s *Service) LockWallets(keys ...WalletRef) func() {
	uniq := make(map[string]struct{}, len(keys))
	ordered := make([]string, 0, len(keys))
	for _, k := range keys {
		key := walletKey(k.UserID, k.Currency)
		if _, ok := uniq[key]; ok {
			continue
		}
		uniq[key] = struct{}{}
		ordered = append(ordered, key)
	}
	sort.Strings(ordered)

	locked := make([]*sync.Mutex, 0, len(ordered))
	for _, key := range ordered {
		mu := s.mutexFor(key)
		mu.Lock()
		locked = append(locked, mu)
	}
	return func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].Unlock()
		}
	}
}

// WalletRef names a wallet without loading it.
type WalletRef struct {
	UserID   uuid.UUID
	Currency string
}

// GetOrCreateWallet returns the wallet for (userID, currency), creating it
// with zero balances on first reference. Idempotent: a concurrent create
// losing the unique-index race falls back to reading the winner's row.
func (s *Service) GetOrCreateWallet(ctx context.Context, userID uuid.UUID, currency string) (*models.Wallet, error) {
	return s.getOrCreateWallet(s.db.WithContext(ctx), userID, currency, false)
}

func (s *Service) getOrCreateWallet(tx *gorm.DB, userID uuid.UUID, currency string, forUpdate bool) (*models.Wallet, error) {
	q := tx
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var wallet models.Wallet
	err := q.Where("user_id = ? AND currency = ?", userID, currency).First(&wallet).Error
	if err == nil {
		return &wallet, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to find wallet: %w", err)
	}

	wallet = models.Wallet{
		ID:            uuid.New(),
		UserID:        userID,
		Currency:      currency,
		Balance:       decimal.Zero,
		LockedBalance: decimal.Zero,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if err := tx.Create(&wallet).Error; err != nil {
		// Lost the race: another request created the row first.
		var existing models.Wallet
		if ferr := q.Where("user_id = ? AND currency = ?", userID, currency).First(&existing).Error; ferr == nil {
			return &existing, nil
		}
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return &wallet, nil
}

// GetWalletForUpdate loads the wallet row with an exclusive lock inside the
// caller's transaction, creating it if absent. The lock is held until the
// transaction commits or rolls back.
func (s *Service) GetWalletForUpdate(tx *gorm.DB, userID uuid.UUID, currency string) (*models.Wallet, error) {
	return s.getOrCreateWallet(tx, userID, currency, true)
}

// AdjustBalance applies both deltas to the wallet row inside the caller's
// transaction. Sufficiency validation is the caller's responsibility; this
// operation only refuses adjustments that would drive either bucket negative.
func (s *Service) AdjustBalance(tx *gorm.DB, wallet *models.Wallet, balanceDelta, lockedDelta decimal.Decimal) error {
	newBalance := wallet.Balance.Add(balanceDelta)
	newLocked := wallet.LockedBalance.Add(lockedDelta)
	if newBalance.IsNegative() || newLocked.IsNegative() {
		return errs.Newf(errs.CodeInternal,
			"balance adjustment would drive wallet negative: balance=%s locked=%s", newBalance, newLocked)
	}

	wallet.Balance = newBalance
	wallet.LockedBalance = newLocked
	wallet.UpdatedAt = time.Now()
	if err := tx.Save(wallet).Error; err != nil {
		return fmt.Errorf("failed to save wallet: %w", err)
	}
	return nil
}

// RecordEntry appends a ledger entry snapshotting the wallet's current
// balance. Must be called after AdjustBalance within the same transaction so
// the running balance is accurate.
func (s *Service) RecordEntry(tx *gorm.DB, wallet *models.Wallet, orderID *uuid.UUID, entryType string, amount decimal.Decimal) (*models.LedgerEntry, error) {
	entry := &models.LedgerEntry{
		ID:             uuid.New(),
		WalletID:       wallet.ID,
		OrderID:        orderID,
		EntryType:      entryType,
		Amount:         amount,
		RunningBalance: wallet.Balance,
		CreatedAt:      time.Now(),
	}
	if err := tx.Create(entry).Error; err != nil {
		return nil, fmt.Errorf("failed to create ledger entry: %w", err)
	}
	return entry, nil
}

// GetBalance returns the wallet's balance breakdown, creating the wallet on
// first reference.
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID, currency string) (*models.Wallet, error) {
	return s.GetOrCreateWallet(ctx, userID, currency)
}

// GetWalletEntries returns the wallet's ledger history, newest first, with
// the total entry count for pagination.
func (s *Service) GetWalletEntries(ctx context.Context, userID uuid.UUID, currency string, limit, offset int) ([]*models.LedgerEntry, int64, error) {
	db := s.db.WithContext(ctx)

	var wallet models.Wallet
	if err := db.Where("user_id = ? AND currency = ?", userID, currency).First(&wallet).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, 0, ErrWalletNotFound
		}
		return nil, 0, fmt.Errorf("failed to find wallet: %w", err)
	}

	var count int64
	if err := db.Model(&models.LedgerEntry{}).Where("wallet_id = ?", wallet.ID).Count(&count).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count ledger entries: %w", err)
	}

	var entries []*models.LedgerEntry
	if err := db.Where("wallet_id = ?", wallet.ID).
		Order("created_at DESC").Limit(limit).Offset(offset).
		Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to find ledger entries: %w", err)
	}
	return entries, count, nil
}

// Deposit credits the wallet's spendable balance and records a DEPOSIT entry.
func (s *Service) Deposit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) (*models.Wallet, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	unlock := s.LockWallets(WalletRef{UserID: userID, Currency: currency})
	defer unlock()

	var wallet *models.Wallet
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.GetWalletForUpdate(tx, userID, currency)
		if err != nil {
			return err
		}
		if err := s.AdjustBalance(tx, w, amount, decimal.Zero); err != nil {
			return err
		}
		if _, err := s.RecordEntry(tx, w, nil, models.EntryTypeDeposit, amount); err != nil {
			return err
		}
		wallet = w
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("wallet deposit",
		zap.String("user_id", userID.String()),
		zap.String("currency", currency),
		zap.String("amount", amount.String()))
	return wallet, nil
}

// Withdraw debits the wallet's spendable balance and records a WITHDRAWAL
// entry. Fails when the amount exceeds the available (unlocked) balance.
func (s *Service) Withdraw(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) (*models.Wallet, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	unlock := s.LockWallets(WalletRef{UserID: userID, Currency: currency})
	defer unlock()

	var wallet *models.Wallet
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.GetWalletForUpdate(tx, userID, currency)
		if err != nil {
			return err
		}
		if w.AvailableBalance().LessThan(amount) {
			return ErrInsufficientBalance
		}
		if err := s.AdjustBalance(tx, w, amount.Neg(), decimal.Zero); err != nil {
			return err
		}
		if _, err := s.RecordEntry(tx, w, nil, models.EntryTypeWithdrawal, amount.Neg()); err != nil {
			return err
		}
		wallet = w
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("wallet withdrawal",
		zap.String("user_id", userID.String()),
		zap.String("currency", currency),
		zap.String("amount", amount.String()))
	return wallet, nil
}
