package escrow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/p2pdesk/p2pdesk/internal/ledger"
	"github.com/p2pdesk/p2pdesk/internal/offers"
	"github.com/p2pdesk/p2pdesk/internal/profile"
	"github.com/p2pdesk/p2pdesk/pkg/models"
)

type testEnv struct {
	db       *gorm.DB
	ledger   *ledger.Service
	offers   *offers.Service
	profiles *profile.Service
	escrow   *Coordinator
}

func setupTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&models.Wallet{}, &models.LedgerEntry{}, &models.Offer{}, &models.Order{}, &models.TraderProfile{},
	))

	log := zap.NewNop()
	ledgerSvc, err := ledger.NewService(log, db)
	require.NoError(t, err)
	profileSvc, err := profile.NewService(log, db)
	require.NoError(t, err)
	offerSvc, err := offers.NewService(log, db, ledgerSvc, nil)
	require.NoError(t, err)
	if cfg.Stats == nil {
		cfg.Stats = profileSvc
	}
	coordinator, err := NewCoordinator(log, db, ledgerSvc, offerSvc, cfg)
	require.NoError(t, err)

	return &testEnv{db: db, ledger: ledgerSvc, offers: offerSvc, profiles: profileSvc, escrow: coordinator}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// buyOffer stands up a maker BUY offer: the taker who accepts it sells
// crypto, so the taker's wallet is the one escrowed.
func (e *testEnv) buyOffer(t *testing.T, maker uuid.UUID, total, price, min, max string) *models.Offer {
	t.Helper()
	offer, err := e.offers.CreateOffer(context.Background(), maker, offers.OfferParams{
		TradeType:      models.TradeTypeBuy,
		CryptoCurrency: "USDT",
		FiatCurrency:   "EGP",
		PriceType:      models.PriceTypeFixed,
		Price:          dec(price),
		TotalAmount:    dec(total),
		MinOrderLimit:  dec(min),
		MaxOrderLimit:  dec(max),
	})
	require.NoError(t, err)
	return offer
}

func (e *testEnv) balance(t *testing.T, userID uuid.UUID) *models.Wallet {
	t.Helper()
	w, err := e.ledger.GetBalance(context.Background(), userID, "USDT")
	require.NoError(t, err)
	return w
}

func TestCreateOrderHappyPath(t *testing.T) {
	e := setupTestEnv(t, Config{})
	ctx := context.Background()
	maker := uuid.New()
	taker := uuid.New()

	offer := e.buyOffer(t, maker, "1000", "60", "100", "1000")
	_, err := e.ledger.Deposit(ctx, taker, "USDT", dec("50"))
	require.NoError(t, err)

	order, err := e.escrow.CreateOrder(ctx, taker, offer.ID, dec("600"))
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusUnpaid, order.Status)
	assert.Equal(t, models.TradeTypeSell, order.TradeType, "taker side is inverse of the offer")
	assert.True(t, order.CryptoAmount.Equal(dec("10")), "600 / 60 = 10, got %s", order.CryptoAmount)
	assert.True(t, order.Price.Equal(dec("60")))
	assert.Equal(t, maker, order.BuyerID())
	assert.Equal(t, taker, order.SellerID())
	assert.Len(t, order.OrderNumber, 12)
	assert.True(t, order.PaymentTimeLimit.After(time.Now()))

	seller := e.balance(t, taker)
	assert.True(t, seller.Balance.Equal(dec("40")))
	assert.True(t, seller.LockedBalance.Equal(dec("10")))

	got, err := e.offers.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.True(t, got.AvailableAmount.Equal(dec("990")))

	var entries []*models.LedgerEntry
	require.NoError(t, e.db.Where("order_id = ?", order.ID).Find(&entries).Error)
	require.Len(t, entries, 1)
	assert.Equal(t, models.EntryTypeLockEscrow, entries[0].EntryType)
	assert.True(t, entries[0].Amount.Equal(dec("-10")))
}

func TestCreateOrderGuards(t *testing.T) {
	e := setupTestEnv(t, Config{})
	ctx := context.Background()
	maker := uuid.New()
	taker := uuid.New()

	offer := e.buyOffer(t, maker, "1000", "60", "100", "1000")
	_, err := e.ledger.Deposit(ctx, taker, "USDT", dec("50"))
	require.NoError(t, err)

	t.Run("own offer", func(t *testing.T) {
		_, err := e.escrow.CreateOrder(ctx, maker, offer.ID, dec("600"))
		assert.ErrorIs(t, err, ErrOwnOffer)
	})

	t.Run("below min limit", func(t *testing.T) {
		_, err := e.escrow.CreateOrder(ctx, taker, offer.ID, dec("50"))
		assert.ErrorIs(t, err, ErrLimitExceeded)
	})

	t.Run("above max limit", func(t *testing.T) {
		_, err := e.escrow.CreateOrder(ctx, taker, offer.ID, dec("1200"))
		assert.ErrorIs(t, err, ErrLimitExceeded)
	})

	t.Run("non-positive amount", func(t *testing.T) {
		_, err := e.escrow.CreateOrder(ctx, taker, offer.ID, decimal.Zero)
		require.Error(t, err)
	})

	t.Run("unknown offer", func(t *testing.T) {
		_, err := e.escrow.CreateOrder(ctx, taker, uuid.New(), dec("600"))
		assert.ErrorIs(t, err, offers.ErrOfferNotFound)
	})

	t.Run("inactive offer", func(t *testing.T) {
		status := models.OfferStatusInactive
		_, err := e.offers.UpdateOffer(ctx, maker, offer.ID, offers.UpdateParams{Status: &status})
		require.NoError(t, err)
		_, err = e.escrow.CreateOrder(ctx, taker, offer.ID, dec("600"))
		assert.ErrorIs(t, err, ErrOfferNotActive)
	})
}

func TestCreateOrderInsufficientSellerBalance(t *testing.T) {
	e := setupTestEnv(t, Config{})
	ctx := context.Background()
	maker := uuid.New()
	taker := uuid.New()

	offer := e.buyOffer(t, maker, "1000", "60", "100", "1000")
	_, err := e.ledger.Deposit(ctx, taker, "USDT", dec("5"))
	require.NoError(t, err)

	// 600 EGP needs 10 USDT escrowed; the taker has 5.
	_, err = e.escrow.CreateOrder(ctx, taker, offer.ID, dec("600"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// The whole transaction rolled back: no order row, availability intact,
	// wallet untouched.
	var count int64
	require.NoError(t, e.db.Model(&models.Order{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)

	got, err := e.offers.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.True(t, got.AvailableAmount.Equal(dec("1000")))

	seller := e.balance(t, taker)
	assert.True(t, seller.Balance.Equal(dec("5")))
	assert.True(t, seller.LockedBalance.IsZero())
}

func TestFullTradeLifecycle(t *testing.T) {
	e := setupTestEnv(t, Config{})
	ctx := context.Background()
	maker := uuid.New()
	taker := uuid.New()

	offer := e.buyOffer(t, maker, "1000", "60", "100", "1000")
	_, err := e.ledger.Deposit(ctx, taker, "USDT", dec("50"))
	require.NoError(t, err)

	order, err := e.escrow.CreateOrder(ctx, taker, offer.ID, dec("600"))
	require.NoError(t, err)

	// Conservation baseline: seller balance+locked plus buyer balance.
	totalBefore := dec("50")

	order, err = e.escrow.MarkPaid(ctx, maker, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, order.Status)
	require.NotNil(t, order.PaidAt)

	order, err = e.escrow.ConfirmPayment(ctx, taker, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, order.Status)
	require.NotNil(t, order.CompletedAt)

	seller := e.balance(t, taker)
	buyer := e.balance(t, maker)
	assert.True(t, seller.Balance.Equal(dec("40")))
	assert.True(t, seller.LockedBalance.IsZero())
	assert.True(t, buyer.Balance.Equal(dec("10")))

	totalAfter := seller.Balance.Add(seller.LockedBalance).Add(buyer.Balance)
	assert.True(t, totalAfter.Equal(totalBefore), "funds only move between buckets")

	// Terminal outcome lands in both participants' stats.
	stats, err := e.profiles.GetProfiles(ctx, []uuid.UUID{maker, taker})
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, 1, stats[maker].Total30dTrades)
	assert.Equal(t, 1, stats[maker].Completed30d)
	assert.Equal(t, 1, stats[taker].Completed30d)
}

func TestConfirmPaymentGuards(t *testing.T) {
	e := setupTestEnv(t, Config{})
	ctx := context.Background()
	maker := uuid.New()
	taker := uuid.New()

	offer := e.buyOffer(t, maker, "1000", "60", "100", "1000")
	_, err := e.ledger.Deposit(ctx, taker, "USDT", dec("50"))
	require.NoError(t, err)
	order, err := e.escrow.CreateOrder(ctx, taker, offer.ID, dec("600"))
	require.NoError(t, err)

	t.Run("unpaid order cannot complete", func(t *testing.T) {
		_, err := e.escrow.ConfirmPayment(ctx, taker, order.ID)
		assert.ErrorIs(t, err, ErrWrongState)
	})

	_, err = e.escrow.MarkPaid(ctx, maker, order.ID)
	require.NoError(t, err)

	t.Run("buyer cannot confirm", func(t *testing.T) {
		_, err := e.escrow.ConfirmPayment(ctx, maker, order.ID)
		assert.ErrorIs(t, err, ErrNotSeller)
	})

	t.Run("outsider rejected", func(t *testing.T) {
		_, err := e.escrow.ConfirmPayment(ctx, uuid.New(), order.ID)
		assert.ErrorIs(t, err, ErrNotParticipant)
	})

	t.Run("double confirm does not double credit", func(t *testing.T) {
		_, err := e.escrow.ConfirmPayment(ctx, taker, order.ID)
		require.NoError(t, err)
		_, err = e.escrow.ConfirmPayment(ctx, taker, order.ID)
		assert.ErrorIs(t, err, ErrWrongState)

		buyer := e.balance(t, maker)
		assert.True(t, buyer.Balance.Equal(dec("10")), "credited exactly once, got %s", buyer.Balance)
	})
}

func TestMarkPaidGuards(t *testing.T) {
	e := setupTestEnv(t, Config{})
	ctx := context.Background()
	maker := uuid.New()
	taker := uuid.New()

	offer := e.buyOffer(t, maker, "1000", "60", "100", "1000")
	_, err := e.ledger.Deposit(ctx, taker, "USDT", dec("50"))
	require.NoError(t, err)
	order, err := e.escrow.CreateOrder(ctx, taker, offer.ID, dec("600"))
	require.NoError(t, err)

	t.Run("seller cannot mark paid", func(t *testing.T) {
		_, err := e.escrow.MarkPaid(ctx, taker, order.ID)
		assert.ErrorIs(t, err, ErrNotBuyer)
	})

	t.Run("past deadline", func(t *testing.T) {
		expired := time.Now().Add(-time.Minute)
		require.NoError(t, e.db.Model(&models.Order{}).
			Where("id = ?", order.ID).
			Update("payment_time_limit", expired).Error)

		_, err := e.escrow.MarkPaid(ctx, maker, order.ID)
		assert.ErrorIs(t, err, ErrOrderExpired)
	})
}

func TestCancelOrder(t *testing.T) {
	e := setupTestEnv(t, Config{})
	ctx := context.Background()
	maker := uuid.New()
	taker := uuid.New()

	offer := e.buyOffer(t, maker, "1000", "60", "100", "1000")
	_, err := e.ledger.Deposit(ctx, taker, "USDT", dec("50"))
	require.NoError(t, err)
	order, err := e.escrow.CreateOrder(ctx, taker, offer.ID, dec("600"))
	require.NoError(t, err)

	t.Run("outsider rejected", func(t *testing.T) {
		_, err := e.escrow.CancelOrder(ctx, uuid.New(), order.ID)
		assert.ErrorIs(t, err, ErrNotParticipant)
	})

	t.Run("maker cancels unpaid order", func(t *testing.T) {
		got, err := e.escrow.CancelOrder(ctx, maker, order.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusCancelled, got.Status)
		require.NotNil(t, got.CancelledAt)

		seller := e.balance(t, taker)
		assert.True(t, seller.Balance.Equal(dec("50")))
		assert.True(t, seller.LockedBalance.IsZero())

		restored, err := e.offers.GetOffer(ctx, offer.ID)
		require.NoError(t, err)
		assert.True(t, restored.AvailableAmount.Equal(dec("1000")))

		var entries []*models.LedgerEntry
		require.NoError(t, e.db.Where("order_id = ? AND entry_type = ?", order.ID, models.EntryTypeCancelEscrow).Find(&entries).Error)
		require.Len(t, entries, 1)
		assert.True(t, entries[0].Amount.Equal(dec("10")))
	})

	t.Run("terminal order cannot cancel again", func(t *testing.T) {
		_, err := e.escrow.CancelOrder(ctx, maker, order.ID)
		assert.ErrorIs(t, err, ErrWrongState)
	})

	t.Run("paid order can still cancel", func(t *testing.T) {
		order, err := e.escrow.CreateOrder(ctx, taker, offer.ID, dec("600"))
		require.NoError(t, err)
		_, err = e.escrow.MarkPaid(ctx, maker, order.ID)
		require.NoError(t, err)

		got, err := e.escrow.CancelOrder(ctx, taker, order.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusCancelled, got.Status)

		seller := e.balance(t, taker)
		assert.True(t, seller.Balance.Equal(dec("50")))
		assert.True(t, seller.LockedBalance.IsZero())
	})
}

func TestConcurrentCreateOrderSingleWinner(t *testing.T) {
	e := setupTestEnv(t, Config{})
	ctx := context.Background()
	maker := uuid.New()
	takerA := uuid.New()
	takerB := uuid.New()

	// Offer holds 10 USDT at 60 EGP; each taker wants 6 USDT (360 EGP).
	offer := e.buyOffer(t, maker, "10", "60", "100", "600")
	_, err := e.ledger.Deposit(ctx, takerA, "USDT", dec("100"))
	require.NoError(t, err)
	_, err = e.ledger.Deposit(ctx, takerB, "USDT", dec("100"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, taker := range []uuid.UUID{takerA, takerB} {
		wg.Add(1)
		go func(idx int, takerID uuid.UUID) {
			defer wg.Done()
			_, results[idx] = e.escrow.CreateOrder(ctx, takerID, offer.ID, dec("360"))
		}(i, taker)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, offers.ErrInsufficientAvailability)
		}
	}
	assert.Equal(t, 1, wins, "exactly one taker gets the availability")

	got, err := e.offers.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.True(t, got.AvailableAmount.Equal(dec("4")))
}

func TestOpenAppeal(t *testing.T) {
	e := setupTestEnv(t, Config{})
	ctx := context.Background()
	maker := uuid.New()
	taker := uuid.New()

	offer := e.buyOffer(t, maker, "1000", "60", "100", "1000")
	_, err := e.ledger.Deposit(ctx, taker, "USDT", dec("50"))
	require.NoError(t, err)
	order, err := e.escrow.CreateOrder(ctx, taker, offer.ID, dec("600"))
	require.NoError(t, err)

	t.Run("unpaid order cannot appeal", func(t *testing.T) {
		_, err := e.escrow.OpenAppeal(ctx, maker, order.ID)
		assert.ErrorIs(t, err, ErrWrongState)
	})

	t.Run("paid order appeals and keeps escrow", func(t *testing.T) {
		_, err := e.escrow.MarkPaid(ctx, maker, order.ID)
		require.NoError(t, err)
		got, err := e.escrow.OpenAppeal(ctx, maker, order.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusAppeal, got.Status)

		seller := e.balance(t, taker)
		assert.True(t, seller.LockedBalance.Equal(dec("10")), "funds stay escrowed during dispute")
	})
}

func TestExpireOverdueOrders(t *testing.T) {
	e := setupTestEnv(t, Config{})
	ctx := context.Background()
	maker := uuid.New()
	taker := uuid.New()

	offer := e.buyOffer(t, maker, "1000", "60", "100", "1000")
	_, err := e.ledger.Deposit(ctx, taker, "USDT", dec("50"))
	require.NoError(t, err)

	overdue, err := e.escrow.CreateOrder(ctx, taker, offer.ID, dec("600"))
	require.NoError(t, err)
	fresh, err := e.escrow.CreateOrder(ctx, taker, offer.ID, dec("600"))
	require.NoError(t, err)

	require.NoError(t, e.db.Model(&models.Order{}).
		Where("id = ?", overdue.ID).
		Update("payment_time_limit", time.Now().Add(-time.Hour)).Error)

	expired, err := e.escrow.ExpireOverdueOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	got, err := e.escrow.GetOrder(ctx, taker, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)

	still, err := e.escrow.GetOrder(ctx, taker, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusUnpaid, still.Status)

	// Only the expired order's escrow was returned.
	seller := e.balance(t, taker)
	assert.True(t, seller.Balance.Equal(dec("40")))
	assert.True(t, seller.LockedBalance.Equal(dec("10")))
}

func TestFloatingPriceOrder(t *testing.T) {
	e := setupTestEnv(t, Config{
		PriceFeed: StaticPriceFeed{"USDT/EGP": dec("60")},
	})
	ctx := context.Background()
	maker := uuid.New()
	taker := uuid.New()

	margin := dec("5")
	offer, err := e.offers.CreateOffer(ctx, maker, offers.OfferParams{
		TradeType:      models.TradeTypeBuy,
		CryptoCurrency: "USDT",
		FiatCurrency:   "EGP",
		PriceType:      models.PriceTypeFloating,
		PriceMargin:    &margin,
		TotalAmount:    dec("1000"),
		MinOrderLimit:  dec("100"),
		MaxOrderLimit:  dec("1000"),
	})
	require.NoError(t, err)

	_, err = e.ledger.Deposit(ctx, taker, "USDT", dec("50"))
	require.NoError(t, err)

	// Market 60 with +5% margin snapshots at 63.
	order, err := e.escrow.CreateOrder(ctx, taker, offer.ID, dec("630"))
	require.NoError(t, err)
	assert.True(t, order.Price.Equal(dec("63")), "got %s", order.Price)
	assert.True(t, order.CryptoAmount.Equal(dec("10")), "got %s", order.CryptoAmount)
}

func TestTradeFeeChargedOnCompletion(t *testing.T) {
	e := setupTestEnv(t, Config{FeeRate: dec("0.01")})
	ctx := context.Background()
	maker := uuid.New()
	taker := uuid.New()

	offer := e.buyOffer(t, maker, "1000", "60", "100", "1000")
	_, err := e.ledger.Deposit(ctx, taker, "USDT", dec("50"))
	require.NoError(t, err)

	order, err := e.escrow.CreateOrder(ctx, taker, offer.ID, dec("600"))
	require.NoError(t, err)
	assert.True(t, order.TransactionFee.Equal(dec("0.1")))

	_, err = e.escrow.MarkPaid(ctx, maker, order.ID)
	require.NoError(t, err)
	_, err = e.escrow.ConfirmPayment(ctx, taker, order.ID)
	require.NoError(t, err)

	buyer := e.balance(t, maker)
	assert.True(t, buyer.Balance.Equal(dec("9.9")), "10 credited minus 0.1 fee, got %s", buyer.Balance)

	var fees []*models.LedgerEntry
	require.NoError(t, e.db.Where("order_id = ? AND entry_type = ?", order.ID, models.EntryTypeTradeFee).Find(&fees).Error)
	require.Len(t, fees, 1)
	assert.True(t, fees[0].Amount.Equal(dec("-0.1")))
}

func TestGetOrderAndListOrders(t *testing.T) {
	e := setupTestEnv(t, Config{})
	ctx := context.Background()
	maker := uuid.New()
	taker := uuid.New()

	offer := e.buyOffer(t, maker, "1000", "60", "100", "1000")
	_, err := e.ledger.Deposit(ctx, taker, "USDT", dec("50"))
	require.NoError(t, err)

	first, err := e.escrow.CreateOrder(ctx, taker, offer.ID, dec("600"))
	require.NoError(t, err)
	second, err := e.escrow.CreateOrder(ctx, taker, offer.ID, dec("600"))
	require.NoError(t, err)
	_, err = e.escrow.CancelOrder(ctx, taker, second.ID)
	require.NoError(t, err)

	t.Run("participants only", func(t *testing.T) {
		_, err := e.escrow.GetOrder(ctx, uuid.New(), first.ID)
		assert.ErrorIs(t, err, ErrNotParticipant)

		got, err := e.escrow.GetOrder(ctx, maker, first.ID)
		require.NoError(t, err)
		assert.Equal(t, first.OrderNumber, got.OrderNumber)
	})

	t.Run("processing scope", func(t *testing.T) {
		list, err := e.escrow.ListOrders(ctx, taker, models.ProcessingStatuses, nil)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, first.ID, list[0].ID)
	})

	t.Run("history scope", func(t *testing.T) {
		list, err := e.escrow.ListOrders(ctx, taker, models.HistoricalStatuses, nil)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, second.ID, list[0].ID)
	})

	t.Run("order number filter", func(t *testing.T) {
		list, err := e.escrow.ListOrders(ctx, taker, nil, OrderFilters{
			FilterOrderNumber: first.OrderNumber,
		})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, first.ID, list[0].ID)
	})

	t.Run("no orders for outsider", func(t *testing.T) {
		list, err := e.escrow.ListOrders(ctx, uuid.New(), nil, nil)
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}
