// Package escrow orchestrates the order lifecycle: it glues the offer
// inventory and the ledger into single atomic units of work so an order is
// never observable with funds half-moved.
package escrow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	errs "github.com/p2pdesk/p2pdesk/common/errors"
	"github.com/p2pdesk/p2pdesk/internal/ledger"
	"github.com/p2pdesk/p2pdesk/internal/offers"
	"github.com/p2pdesk/p2pdesk/pkg/metrics"
	"github.com/p2pdesk/p2pdesk/pkg/models"
)

var (
	ErrOrderNotFound       = errs.New(errs.CodeNotFound, "order not found")
	ErrOfferNotActive      = errs.New(errs.CodeConflict, "offer is not active")
	ErrOwnOffer            = errs.New(errs.CodeValidation, "cannot create an order against your own offer")
	ErrLimitExceeded       = errs.New(errs.CodeValidation, "fiat amount is outside the offer's order limits")
	ErrInsufficientBalance = errs.New(errs.CodeConflict, "seller has insufficient available balance")
	ErrNotBuyer            = errs.New(errs.CodeForbidden, "only the buyer can mark the order as paid")
	ErrNotSeller           = errs.New(errs.CodeForbidden, "only the seller can confirm payment")
	ErrNotParticipant      = errs.New(errs.CodeForbidden, "user is not a participant in this order")
	ErrWrongState          = errs.New(errs.CodeConflict, "order state does not allow this transition")
	ErrOrderExpired        = errs.New(errs.CodeExpired, "payment deadline has passed")
)

const orderNumberLen = 12

// PriceFeed supplies the market price used to resolve FLOATING offers at
// order-creation time. FIXED offers never consult it.
type PriceFeed interface {
	LastPrice(ctx context.Context, cryptoCurrency, fiatCurrency string) (decimal.Decimal, error)
}

// StaticPriceFeed serves prices from a fixed table keyed "CRYPTO/FIAT".
type StaticPriceFeed map[string]decimal.Decimal

func (f StaticPriceFeed) LastPrice(_ context.Context, cryptoCurrency, fiatCurrency string) (decimal.Decimal, error) {
	price, ok := f[cryptoCurrency+"/"+fiatCurrency]
	if !ok {
		return decimal.Zero, errs.Newf(errs.CodeInternal, "no market price for %s/%s", cryptoCurrency, fiatCurrency)
	}
	return price, nil
}

// TradeStats receives terminal-state notifications so trader completion
// statistics stay current. Implemented by the profile service.
type TradeStats interface {
	RecordTradeOutcome(ctx context.Context, userID uuid.UUID, completed bool) error
}

// Options bound the coordinator's retry policy for lock contention.
type Options struct {
	MaxRetries   int
	RetryBackoff time.Duration
}

// DefaultOptions retries transient persistence failures a small bounded
// number of times. Domain errors are never retried.
func DefaultOptions() Options {
	return Options{MaxRetries: 3, RetryBackoff: 100 * time.Millisecond}
}

// Config wires the coordinator's collaborators and policy knobs.
type Config struct {
	// FeeRate is the fraction of crypto_amount charged to the buyer on
	// completion, in [0, 1). Zero disables fees.
	FeeRate decimal.Decimal
	// PriceFeed resolves FLOATING offer prices. May be nil, in which case
	// the offer's stored price is used as the market reference.
	PriceFeed PriceFeed
	// Stats may be nil; outcome recording is then skipped.
	Stats   TradeStats
	Options Options
}

// Coordinator drives the order state machine and the funds movements tied to
// each transition.
type Coordinator struct {
	logger  *zap.Logger
	db      *gorm.DB
	ledger  *ledger.Service
	offers  *offers.Service
	feed    PriceFeed
	stats   TradeStats
	feeRate decimal.Decimal
	opts    Options

	offerMu sync.Map // offer id -> *sync.Mutex
}

func NewCoordinator(logger *zap.Logger, db *gorm.DB, ledgerSvc *ledger.Service, offerSvc *offers.Service, cfg Config) (*Coordinator, error) {
	if cfg.FeeRate.IsNegative() || cfg.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, errs.Newf(errs.CodeValidation, "fee rate must be in [0, 1), got %s", cfg.FeeRate)
	}
	opts := cfg.Options
	if opts.MaxRetries <= 0 {
		opts = DefaultOptions()
	}
	return &Coordinator{
		logger:  logger,
		db:      db,
		ledger:  ledgerSvc,
		offers:  offerSvc,
		feed:    cfg.PriceFeed,
		stats:   cfg.Stats,
		feeRate: cfg.FeeRate,
		opts:    opts,
	}, nil
}

func (c *Coordinator) offerMutex(offerID uuid.UUID) *sync.Mutex {
	mu, _ := c.offerMu.LoadOrStore(offerID.String(), &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// withRetry reruns fn on transient failures. Domain errors abort
// immediately; only persistence-level errors are worth another attempt since
// nothing has committed.
func (c *Coordinator) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if errs.IsDomain(err) {
			return err
		}
		c.logger.Warn("retrying after transient failure",
			zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.RetryBackoff):
		}
	}
	return err
}

// generateOrderNumber derives a short display identifier from the current
// unix-millisecond clock. The unique index on order_number is the real
// collision guard; a clash aborts the transaction and the retry loop
// regenerates.
func (c *Coordinator) generateOrderNumber(tx *gorm.DB) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		millis := strconv.FormatInt(time.Now().UnixMilli(), 10)
		if len(millis) > orderNumberLen {
			millis = millis[len(millis)-orderNumberLen:]
		}
		var count int64
		if err := tx.Model(&models.Order{}).Where("order_number = ?", millis).Count(&count).Error; err != nil {
			return "", fmt.Errorf("failed to check order number: %w", err)
		}
		if count == 0 {
			return millis, nil
		}
		time.Sleep(time.Millisecond)
	}
	return "", errs.New(errs.CodeInternal, "could not generate a unique order number")
}

// effectivePrice resolves the fiat price per crypto unit for this offer. A
// FLOATING offer applies its margin to the market price; without a feed the
// stored price stands in for the market.
func (c *Coordinator) effectivePrice(ctx context.Context, offer *models.Offer) (decimal.Decimal, error) {
	if offer.PriceType != models.PriceTypeFloating {
		return offer.Price, nil
	}
	market := offer.Price
	if c.feed != nil {
		p, err := c.feed.LastPrice(ctx, offer.CryptoCurrency, offer.FiatCurrency)
		if err != nil {
			return decimal.Zero, err
		}
		market = p
	}
	if offer.PriceMargin != nil {
		factor := decimal.NewFromInt(1).Add(offer.PriceMargin.Div(decimal.NewFromInt(100)))
		market = market.Mul(factor)
	}
	return market.Round(2), nil
}

func sellerOf(offer *models.Offer, takerID uuid.UUID) uuid.UUID {
	// The order's trade type is the taker's side. When the taker buys, the
	// maker's crypto is escrowed.
	if models.InverseTradeType(offer.TradeType) == models.TradeTypeBuy {
		return offer.UserID
	}
	return takerID
}

func checkOfferGuards(offer *models.Offer, takerID uuid.UUID, fiatAmount decimal.Decimal) error {
	if offer.UserID == takerID {
		return ErrOwnOffer
	}
	if offer.Status != models.OfferStatusActive {
		return ErrOfferNotActive
	}
	if fiatAmount.LessThan(offer.MinOrderLimit) || fiatAmount.GreaterThan(offer.MaxOrderLimit) {
		return ErrLimitExceeded
	}
	return nil
}

// CreateOrder accepts an offer on behalf of takerID. Offer availability
// decrement, order row creation and the seller's escrow lock share one
// transaction; if any step fails nothing is persisted.
func (c *Coordinator) CreateOrder(ctx context.Context, takerID, offerID uuid.UUID, fiatAmount decimal.Decimal) (*models.Order, error) {
	if !fiatAmount.IsPositive() {
		return nil, errs.New(errs.CodeValidation, "fiat amount must be positive")
	}

	// Pre-read for guard fast-fail and to learn which wallet to serialize
	// on. Every guard is re-checked under the row lock.
	offer, err := c.offers.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if err := checkOfferGuards(offer, takerID, fiatAmount); err != nil {
		return nil, err
	}

	price, err := c.effectivePrice(ctx, offer)
	if err != nil {
		return nil, err
	}
	if !price.IsPositive() {
		return nil, errs.New(errs.CodeInternal, "offer resolved to a non-positive price")
	}
	cryptoAmount := fiatAmount.DivRound(price, 8)
	if !cryptoAmount.IsPositive() {
		return nil, errs.New(errs.CodeValidation, "fiat amount too small for this price")
	}
	fee := cryptoAmount.Mul(c.feeRate).Round(8)
	sellerID := sellerOf(offer, takerID)

	// Lock order: offer mutex, then wallet mutex. Every funds path takes
	// them in this order.
	offerUnlock := c.lockOffer(offerID)
	defer offerUnlock()
	unlock := c.ledger.LockWallets(ledger.WalletRef{UserID: sellerID, Currency: offer.CryptoCurrency})
	defer unlock()

	var order *models.Order
	err = c.withRetry(ctx, "create_order", func() error {
		return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			locked, err := c.offers.GetForUpdate(tx, offerID)
			if err != nil {
				return err
			}
			if err := checkOfferGuards(locked, takerID, fiatAmount); err != nil {
				return err
			}
			if _, err := c.offers.LockAndDecrement(tx, offerID, cryptoAmount); err != nil {
				return err
			}

			number, err := c.generateOrderNumber(tx)
			if err != nil {
				return err
			}
			now := time.Now()
			deadline := now.Add(time.Duration(locked.PaymentTimeLimitMinutes) * time.Minute)
			order = &models.Order{
				ID:               uuid.New(),
				OrderNumber:      number,
				OfferID:          locked.ID,
				MakerID:          locked.UserID,
				TakerID:          takerID,
				Status:           models.OrderStatusUnpaid,
				TradeType:        models.InverseTradeType(locked.TradeType),
				CryptoCurrency:   locked.CryptoCurrency,
				FiatCurrency:     locked.FiatCurrency,
				Price:            price,
				CryptoAmount:     cryptoAmount,
				FiatAmount:       fiatAmount,
				TransactionFee:   fee,
				PaymentTimeLimit: deadline,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := tx.Create(order).Error; err != nil {
				return fmt.Errorf("failed to create order: %w", err)
			}

			wallet, err := c.ledger.GetWalletForUpdate(tx, sellerID, locked.CryptoCurrency)
			if err != nil {
				return err
			}
			if wallet.AvailableBalance().LessThan(cryptoAmount) {
				return ErrInsufficientBalance
			}
			if err := c.ledger.AdjustBalance(tx, wallet, cryptoAmount.Neg(), cryptoAmount); err != nil {
				return err
			}
			_, err = c.ledger.RecordEntry(tx, wallet, &order.ID, models.EntryTypeLockEscrow, cryptoAmount.Neg())
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.OrdersCreated.WithLabelValues(strings.ToLower(order.TradeType)).Inc()
	locked, _ := cryptoAmount.Float64()
	metrics.EscrowLocked.WithLabelValues(order.CryptoCurrency).Add(locked)
	c.logger.Info("order created",
		zap.String("order_number", order.OrderNumber),
		zap.String("offer_id", offerID.String()),
		zap.String("taker_id", takerID.String()),
		zap.String("crypto_amount", cryptoAmount.String()))
	return order, nil
}

func (c *Coordinator) lockOffer(offerID uuid.UUID) func() {
	mu := c.offerMutex(offerID)
	mu.Lock()
	return mu.Unlock
}

func (c *Coordinator) getOrderForUpdate(tx *gorm.DB, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", orderID).
		First(&order).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	return &order, nil
}

func (c *Coordinator) getOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := c.db.WithContext(ctx).Where("id = ?", orderID).First(&order).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to find order: %w", err)
	}
	return &order, nil
}

// MarkPaid records that the buyer sent the fiat payment. Only legal while
// the order is UNPAID and the payment deadline has not passed.
func (c *Coordinator) MarkPaid(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, error) {
	var order *models.Order
	err := c.withRetry(ctx, "mark_paid", func() error {
		return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			o, err := c.getOrderForUpdate(tx, orderID)
			if err != nil {
				return err
			}
			if !o.IsParticipant(userID) {
				return ErrNotParticipant
			}
			if o.BuyerID() != userID {
				return ErrNotBuyer
			}
			if o.Status != models.OrderStatusUnpaid {
				return ErrWrongState
			}
			if time.Now().After(o.PaymentTimeLimit) {
				return ErrOrderExpired
			}

			now := time.Now()
			o.Status = models.OrderStatusPaid
			o.PaidAt = &now
			o.UpdatedAt = now
			if err := tx.Save(o).Error; err != nil {
				return fmt.Errorf("failed to save order: %w", err)
			}
			order = o
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	metrics.OrderTransitions.WithLabelValues(models.OrderStatusPaid).Inc()
	return order, nil
}

// ConfirmPayment is the seller acknowledging the fiat arrived: the escrowed
// crypto moves to the buyer and the order completes. Calling it again on the
// same order fails the state guard, so the buyer can never be credited twice.
func (c *Coordinator) ConfirmPayment(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, error) {
	pre, err := c.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	unlock := c.ledger.LockWallets(
		ledger.WalletRef{UserID: pre.SellerID(), Currency: pre.CryptoCurrency},
		ledger.WalletRef{UserID: pre.BuyerID(), Currency: pre.CryptoCurrency},
	)
	defer unlock()

	var order *models.Order
	err = c.withRetry(ctx, "confirm_payment", func() error {
		return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			o, err := c.getOrderForUpdate(tx, orderID)
			if err != nil {
				return err
			}
			if !o.IsParticipant(userID) {
				return ErrNotParticipant
			}
			if o.SellerID() != userID {
				return ErrNotSeller
			}
			if o.Status != models.OrderStatusPaid {
				return ErrWrongState
			}

			now := time.Now()
			o.Status = models.OrderStatusCompleted
			o.CompletedAt = &now
			o.UpdatedAt = now
			if err := tx.Save(o).Error; err != nil {
				return fmt.Errorf("failed to save order: %w", err)
			}

			amount := o.CryptoAmount
			sellerWallet, err := c.ledger.GetWalletForUpdate(tx, o.SellerID(), o.CryptoCurrency)
			if err != nil {
				return err
			}
			if sellerWallet.LockedBalance.LessThan(amount) {
				return errs.Newf(errs.CodeInternal,
					"order %s: seller locked balance %s below escrowed amount %s",
					o.OrderNumber, sellerWallet.LockedBalance, amount)
			}
			buyerWallet, err := c.ledger.GetWalletForUpdate(tx, o.BuyerID(), o.CryptoCurrency)
			if err != nil {
				return err
			}

			if err := c.ledger.AdjustBalance(tx, sellerWallet, decimal.Zero, amount.Neg()); err != nil {
				return err
			}
			if err := c.ledger.AdjustBalance(tx, buyerWallet, amount, decimal.Zero); err != nil {
				return err
			}
			if _, err := c.ledger.RecordEntry(tx, sellerWallet, &o.ID, models.EntryTypeReleaseEscrow, decimal.Zero); err != nil {
				return err
			}
			if _, err := c.ledger.RecordEntry(tx, buyerWallet, &o.ID, models.EntryTypeDeposit, amount); err != nil {
				return err
			}

			if o.TransactionFee.IsPositive() {
				if err := c.ledger.AdjustBalance(tx, buyerWallet, o.TransactionFee.Neg(), decimal.Zero); err != nil {
					return err
				}
				if _, err := c.ledger.RecordEntry(tx, buyerWallet, &o.ID, models.EntryTypeTradeFee, o.TransactionFee.Neg()); err != nil {
					return err
				}
			}

			order = o
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.OrderTransitions.WithLabelValues(models.OrderStatusCompleted).Inc()
	c.recordOutcome(ctx, order, true)
	c.logger.Info("order completed",
		zap.String("order_number", order.OrderNumber),
		zap.String("crypto_amount", order.CryptoAmount.String()))
	return order, nil
}

// CancelOrder aborts an in-flight order: offer availability is restored and
// the escrowed funds return to the seller's available balance. Either
// participant may cancel while the order is UNPAID or PAID.
func (c *Coordinator) CancelOrder(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, error) {
	return c.cancel(ctx, userID, orderID, false)
}

func (c *Coordinator) cancel(ctx context.Context, userID, orderID uuid.UUID, bySystem bool) (*models.Order, error) {
	pre, err := c.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	offerUnlock := c.lockOffer(pre.OfferID)
	defer offerUnlock()
	unlock := c.ledger.LockWallets(ledger.WalletRef{UserID: pre.SellerID(), Currency: pre.CryptoCurrency})
	defer unlock()

	var order *models.Order
	err = c.withRetry(ctx, "cancel_order", func() error {
		return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			o, err := c.getOrderForUpdate(tx, orderID)
			if err != nil {
				return err
			}
			if !bySystem && !o.IsParticipant(userID) {
				return ErrNotParticipant
			}
			if o.Status != models.OrderStatusUnpaid && o.Status != models.OrderStatusPaid {
				return ErrWrongState
			}

			now := time.Now()
			o.Status = models.OrderStatusCancelled
			o.CancelledAt = &now
			o.UpdatedAt = now
			if err := tx.Save(o).Error; err != nil {
				return fmt.Errorf("failed to save order: %w", err)
			}

			if _, err := c.offers.RestoreAvailability(tx, o.OfferID, o.CryptoAmount); err != nil {
				return err
			}

			wallet, err := c.ledger.GetWalletForUpdate(tx, o.SellerID(), o.CryptoCurrency)
			if err != nil {
				return err
			}
			if wallet.LockedBalance.LessThan(o.CryptoAmount) {
				return errs.Newf(errs.CodeInternal,
					"order %s: seller locked balance %s below escrowed amount %s",
					o.OrderNumber, wallet.LockedBalance, o.CryptoAmount)
			}
			if err := c.ledger.AdjustBalance(tx, wallet, o.CryptoAmount, o.CryptoAmount.Neg()); err != nil {
				return err
			}
			if _, err := c.ledger.RecordEntry(tx, wallet, &o.ID, models.EntryTypeCancelEscrow, o.CryptoAmount); err != nil {
				return err
			}

			order = o
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.OrderTransitions.WithLabelValues(models.OrderStatusCancelled).Inc()
	c.recordOutcome(ctx, order, false)
	c.logger.Info("order cancelled",
		zap.String("order_number", order.OrderNumber),
		zap.Bool("by_system", bySystem))
	return order, nil
}

// OpenAppeal moves a PAID order into dispute. Funds stay escrowed until an
// operator resolves the appeal out of band.
func (c *Coordinator) OpenAppeal(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, error) {
	var order *models.Order
	err := c.withRetry(ctx, "open_appeal", func() error {
		return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			o, err := c.getOrderForUpdate(tx, orderID)
			if err != nil {
				return err
			}
			if !o.IsParticipant(userID) {
				return ErrNotParticipant
			}
			if o.Status != models.OrderStatusPaid {
				return ErrWrongState
			}
			o.Status = models.OrderStatusAppeal
			o.UpdatedAt = time.Now()
			if err := tx.Save(o).Error; err != nil {
				return fmt.Errorf("failed to save order: %w", err)
			}
			order = o
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	metrics.OrderTransitions.WithLabelValues(models.OrderStatusAppeal).Inc()
	c.logger.Info("order appealed", zap.String("order_number", order.OrderNumber))
	return order, nil
}

// GetOrder returns the order if userID is a participant.
func (c *Coordinator) GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, error) {
	order, err := c.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.IsParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return order, nil
}

// ListOrders returns the user's orders restricted to the given status set
// (processing or historical), newest first.
func (c *Coordinator) ListOrders(ctx context.Context, userID uuid.UUID, statuses []string, filters OrderFilters) ([]*models.Order, error) {
	q := c.db.WithContext(ctx).Model(&models.Order{}).
		Where("maker_id = ? OR taker_id = ?", userID, userID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	q = applyOrderFilters(q, filters)

	var orders []*models.Order
	if err := q.Order("created_at DESC").Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}

// ExpireOverdueOrders cancels UNPAID orders whose payment deadline has
// passed. It runs the regular cancellation path per order so availability
// and escrow bookkeeping stay atomic. Returns the number of orders expired.
func (c *Coordinator) ExpireOverdueOrders(ctx context.Context) (int, error) {
	var overdue []models.Order
	err := c.db.WithContext(ctx).
		Where("status = ? AND payment_time_limit < ?", models.OrderStatusUnpaid, time.Now()).
		Find(&overdue).Error
	if err != nil {
		return 0, fmt.Errorf("failed to find overdue orders: %w", err)
	}

	expired := 0
	for i := range overdue {
		if _, err := c.cancel(ctx, uuid.Nil, overdue[i].ID, true); err != nil {
			// A racing user action may already have advanced the order.
			if errs.IsDomain(err) {
				continue
			}
			c.logger.Error("failed to expire order",
				zap.String("order_number", overdue[i].OrderNumber), zap.Error(err))
			continue
		}
		expired++
	}
	if expired > 0 {
		c.logger.Info("expired overdue orders", zap.Int("count", expired))
	}
	return expired, nil
}

func (c *Coordinator) recordOutcome(ctx context.Context, order *models.Order, completed bool) {
	if c.stats == nil {
		return
	}
	for _, id := range []uuid.UUID{order.MakerID, order.TakerID} {
		if err := c.stats.RecordTradeOutcome(ctx, id, completed); err != nil {
			c.logger.Warn("failed to record trade outcome",
				zap.String("user_id", id.String()), zap.Error(err))
		}
	}
}
