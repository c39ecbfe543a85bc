package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/p2pdesk/p2pdesk/pkg/models"
)

func setupTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Wallet{}, &models.LedgerEntry{}))

	svc, err := NewService(zap.NewNop(), db)
	require.NoError(t, err)
	return svc
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestGetOrCreateWalletIdempotent(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	w1, err := s.GetOrCreateWallet(ctx, userID, "USDT")
	require.NoError(t, err)
	w2, err := s.GetOrCreateWallet(ctx, userID, "USDT")
	require.NoError(t, err)
	assert.Equal(t, w1.ID, w2.ID)
	assert.True(t, w1.Balance.IsZero())

	var count int64
	require.NoError(t, s.db.Model(&models.Wallet{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestConcurrentGetOrCreateWallet(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	var wg sync.WaitGroup
	n := 20
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.GetOrCreateWallet(ctx, userID, "BTC"); err != nil {
				t.Errorf("get-or-create failed: %v", err)
			}
		}()
	}
	wg.Wait()

	var count int64
	require.NoError(t, s.db.Model(&models.Wallet{}).Where("user_id = ?", userID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestDepositAndWithdraw(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	w, err := s.Deposit(ctx, userID, "USDT", dec("100"))
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(dec("100")))

	w, err = s.Withdraw(ctx, userID, "USDT", dec("30"))
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(dec("70")))
	assert.True(t, w.LockedBalance.IsZero())

	_, err = s.Withdraw(ctx, userID, "USDT", dec("1000"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = s.Deposit(ctx, userID, "USDT", dec("-5"))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestWithdrawRespectsLockedBalance(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := s.Deposit(ctx, userID, "USDT", dec("100"))
	require.NoError(t, err)

	// Reserve 80 the way the escrow path does.
	err = s.db.Transaction(func(tx *gorm.DB) error {
		w, err := s.GetWalletForUpdate(tx, userID, "USDT")
		if err != nil {
			return err
		}
		return s.AdjustBalance(tx, w, dec("-80"), dec("80"))
	})
	require.NoError(t, err)

	// Available is 20 - 80 < 0 after the escrow-style move, so nothing is
	// withdrawable until the escrow resolves.
	_, err = s.Withdraw(ctx, userID, "USDT", dec("10"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestRunningBalanceSnapshots(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := s.Deposit(ctx, userID, "USDT", dec("100"))
	require.NoError(t, err)
	_, err = s.Deposit(ctx, userID, "USDT", dec("50"))
	require.NoError(t, err)
	_, err = s.Withdraw(ctx, userID, "USDT", dec("25"))
	require.NoError(t, err)

	wallet, err := s.GetBalance(ctx, userID, "USDT")
	require.NoError(t, err)

	var entries []*models.LedgerEntry
	require.NoError(t, s.db.Where("wallet_id = ?", wallet.ID).Order("created_at ASC").Find(&entries).Error)
	require.Len(t, entries, 3)

	assert.Equal(t, models.EntryTypeDeposit, entries[0].EntryType)
	assert.True(t, entries[0].RunningBalance.Equal(dec("100")))
	assert.True(t, entries[1].RunningBalance.Equal(dec("150")))
	assert.Equal(t, models.EntryTypeWithdrawal, entries[2].EntryType)
	assert.True(t, entries[2].Amount.Equal(dec("-25")))
	assert.True(t, entries[2].RunningBalance.Equal(dec("125")))
}

func TestEscrowSequenceKeepsWalletConsistent(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	sellerID := uuid.New()
	buyerID := uuid.New()
	orderID := uuid.New()
	amount := dec("10")

	_, err := s.Deposit(ctx, sellerID, "USDT", dec("50"))
	require.NoError(t, err)

	// Lock.
	err = s.db.Transaction(func(tx *gorm.DB) error {
		w, err := s.GetWalletForUpdate(tx, sellerID, "USDT")
		if err != nil {
			return err
		}
		if err := s.AdjustBalance(tx, w, amount.Neg(), amount); err != nil {
			return err
		}
		_, err = s.RecordEntry(tx, w, &orderID, models.EntryTypeLockEscrow, amount.Neg())
		return err
	})
	require.NoError(t, err)

	seller, err := s.GetBalance(ctx, sellerID, "USDT")
	require.NoError(t, err)
	assert.True(t, seller.Balance.Equal(dec("40")))
	assert.True(t, seller.LockedBalance.Equal(dec("10")))
	assert.True(t, seller.AvailableBalance().Equal(dec("30")))

	// Release to the buyer.
	err = s.db.Transaction(func(tx *gorm.DB) error {
		sw, err := s.GetWalletForUpdate(tx, sellerID, "USDT")
		if err != nil {
			return err
		}
		bw, err := s.GetWalletForUpdate(tx, buyerID, "USDT")
		if err != nil {
			return err
		}
		if err := s.AdjustBalance(tx, sw, decimal.Zero, amount.Neg()); err != nil {
			return err
		}
		if err := s.AdjustBalance(tx, bw, amount, decimal.Zero); err != nil {
			return err
		}
		if _, err := s.RecordEntry(tx, sw, &orderID, models.EntryTypeReleaseEscrow, decimal.Zero); err != nil {
			return err
		}
		_, err = s.RecordEntry(tx, bw, &orderID, models.EntryTypeDeposit, amount)
		return err
	})
	require.NoError(t, err)

	seller, err = s.GetBalance(ctx, sellerID, "USDT")
	require.NoError(t, err)
	buyer, err := s.GetBalance(ctx, buyerID, "USDT")
	require.NoError(t, err)
	assert.True(t, seller.Balance.Equal(dec("40")))
	assert.True(t, seller.LockedBalance.IsZero())
	assert.True(t, buyer.Balance.Equal(dec("10")))
	assert.False(t, seller.LockedBalance.IsNegative())
	assert.False(t, buyer.LockedBalance.IsNegative())
}

func TestAdjustBalanceRejectsNegativeResults(t *testing.T) {
	s := setupTestService(t)
	userID := uuid.New()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		w, err := s.GetWalletForUpdate(tx, userID, "USDT")
		if err != nil {
			return err
		}
		return s.AdjustBalance(tx, w, dec("-1"), decimal.Zero)
	})
	require.Error(t, err)
}

func TestConcurrentDeposits(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	var wg sync.WaitGroup
	n := 50
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Deposit(ctx, userID, "USDT", dec("1")); err != nil {
				t.Errorf("deposit failed: %v", err)
			}
		}()
	}
	wg.Wait()

	wallet, err := s.GetBalance(ctx, userID, "USDT")
	require.NoError(t, err)
	assert.True(t, wallet.Balance.Equal(decimal.NewFromInt(int64(n))), "got %s", wallet.Balance)

	_, total, err := s.GetWalletEntries(ctx, userID, "USDT", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(n), total)
}
