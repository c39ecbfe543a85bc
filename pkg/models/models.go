package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Trade types. An offer's trade type is the maker's side; the order created
// against it carries the taker's side, which is always the inverse.
const (
	TradeTypeBuy  = "BUY"
	TradeTypeSell = "SELL"
)

// Price types
const (
	PriceTypeFixed    = "FIXED"
	PriceTypeFloating = "FLOATING"
)

// Offer statuses
const (
	OfferStatusActive    = "ACTIVE"
	OfferStatusInactive  = "INACTIVE"
	OfferStatusPrivate   = "PRIVATE"
	OfferStatusCompleted = "COMPLETED"
)

// Order statuses
const (
	OrderStatusUnpaid    = "UNPAID"
	OrderStatusPaid      = "PAID"
	OrderStatusAppeal    = "APPEAL"
	OrderStatusCompleted = "COMPLETED"
	OrderStatusCancelled = "CANCELLED"
)

// Ledger entry types
const (
	EntryTypeDeposit       = "DEPOSIT"
	EntryTypeWithdrawal    = "WITHDRAWAL"
	EntryTypeLockEscrow    = "LOCK_ESCROW"
	EntryTypeReleaseEscrow = "RELEASE_ESCROW"
	EntryTypeCancelEscrow  = "CANCEL_ESCROW"
	EntryTypeTradeFee      = "TRADE_FEE"
)

// ProcessingStatuses are order states with an in-flight escrow lock.
var ProcessingStatuses = []string{OrderStatusUnpaid, OrderStatusPaid, OrderStatusAppeal}

// HistoricalStatuses are terminal order states.
var HistoricalStatuses = []string{OrderStatusCompleted, OrderStatusCancelled}

// InverseTradeType returns the counterparty side for a given side.
func InverseTradeType(tradeType string) string {
	if tradeType == TradeTypeBuy {
		return TradeTypeSell
	}
	return TradeTypeBuy
}

// Wallet holds a user's funds in one currency. Balance is the total;
// LockedBalance is the portion reserved for in-flight orders. A wallet is
// created lazily on first reference and never deleted. The ledger service is
// the only writer; every mutation appends a LedgerEntry in the same database
// transaction.
type Wallet struct {
	ID            uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID        uuid.UUID       `json:"user_id" gorm:"type:uuid;uniqueIndex:idx_wallet_user_currency"`
	Currency      string          `json:"currency" gorm:"size:10;uniqueIndex:idx_wallet_user_currency"`
	Balance       decimal.Decimal `json:"balance" gorm:"type:decimal(20,8)"`
	LockedBalance decimal.Decimal `json:"locked_balance" gorm:"type:decimal(20,8)"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// AvailableBalance is the spendable portion: balance minus locked.
func (w *Wallet) AvailableBalance() decimal.Decimal {
	return w.Balance.Sub(w.LockedBalance)
}

// LedgerEntry is one immutable row of a wallet's transaction history.
// RunningBalance snapshots the wallet balance after the entry was applied so
// audits never need to replay the log.
type LedgerEntry struct {
	ID             uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	WalletID       uuid.UUID       `json:"wallet_id" gorm:"type:uuid;index"`
	OrderID        *uuid.UUID      `json:"order_id,omitempty" gorm:"type:uuid;index"`
	EntryType      string          `json:"entry_type" gorm:"size:20"`
	Amount         decimal.Decimal `json:"amount" gorm:"type:decimal(20,8)"`
	RunningBalance decimal.Decimal `json:"running_balance" gorm:"type:decimal(20,8)"`
	CreatedAt      time.Time       `json:"created_at" gorm:"index"`
}

// Offer is a standing buy/sell advertisement with a price and inventory.
type Offer struct {
	ID             uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	UserID         uuid.UUID `json:"user_id" gorm:"type:uuid;index"`
	TradeType      string    `json:"trade_type" gorm:"size:4"`
	CryptoCurrency string    `json:"crypto_currency" gorm:"size:10;index"`
	FiatCurrency   string    `json:"fiat_currency" gorm:"size:10;index"`

	PriceType string `json:"price_type" gorm:"size:10"`
	// Price is the fixed fiat price per unit of crypto.
	Price decimal.Decimal `json:"price" gorm:"type:decimal(20,2)"`
	// PriceMargin is the percentage offset applied to the market price for
	// FLOATING offers, e.g. 5.00 for +5%.
	PriceMargin *decimal.Decimal `json:"price_margin,omitempty" gorm:"type:decimal(5,2)"`

	TotalAmount     decimal.Decimal `json:"total_amount" gorm:"type:decimal(20,8)"`
	AvailableAmount decimal.Decimal `json:"available_amount" gorm:"type:decimal(20,8)"`
	MinOrderLimit   decimal.Decimal `json:"min_order_limit" gorm:"type:decimal(20,2)"`
	MaxOrderLimit   decimal.Decimal `json:"max_order_limit" gorm:"type:decimal(20,2)"`

	PaymentMethodIDs        StringArray `json:"payment_method_ids" gorm:"type:text"`
	PaymentTimeLimitMinutes int         `json:"payment_time_limit_minutes" gorm:"default:15"`

	Remarks          string `json:"remarks,omitempty" gorm:"size:1000"`
	AutoReplyMessage string `json:"auto_reply_message,omitempty" gorm:"size:1000"`

	CounterpartyMinRegistrationDays int             `json:"counterparty_min_registration_days"`
	CounterpartyMinHoldingAmount    decimal.Decimal `json:"counterparty_min_holding_amount" gorm:"type:decimal(20,8)"`

	Status    string    `json:"status" gorm:"size:10;index"`
	IsDeleted bool      `json:"is_deleted" gorm:"index"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SoldAmount is the portion of the offer already taken by orders.
func (o *Offer) SoldAmount() decimal.Decimal {
	return o.TotalAmount.Sub(o.AvailableAmount)
}

// Order is one accepted trade against an offer between the maker (offer
// owner) and the taker. Price and amounts are snapshotted at creation; later
// offer edits do not affect existing orders. Orders are never deleted, only
// state-transitioned.
type Order struct {
	ID          uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	OrderNumber string    `json:"order_number" gorm:"size:20;uniqueIndex"`

	OfferID uuid.UUID `json:"offer_id" gorm:"type:uuid;index"`
	Offer   *Offer    `json:"-" gorm:"foreignKey:OfferID;constraint:OnDelete:RESTRICT"`
	MakerID uuid.UUID `json:"maker_id" gorm:"type:uuid;index"`
	TakerID uuid.UUID `json:"taker_id" gorm:"type:uuid;index"`

	Status string `json:"status" gorm:"size:10;index"`
	// TradeType is the taker's side: the inverse of the offer's.
	TradeType      string          `json:"trade_type" gorm:"size:4"`
	CryptoCurrency string          `json:"crypto_currency" gorm:"size:10"`
	FiatCurrency   string          `json:"fiat_currency" gorm:"size:10"`
	Price          decimal.Decimal `json:"price" gorm:"type:decimal(20,2)"`
	CryptoAmount   decimal.Decimal `json:"crypto_amount" gorm:"type:decimal(20,8)"`
	FiatAmount     decimal.Decimal `json:"fiat_amount" gorm:"type:decimal(20,2)"`
	TransactionFee decimal.Decimal `json:"transaction_fee" gorm:"type:decimal(20,8)"`

	PaymentTimeLimit time.Time  `json:"payment_time_limit"`
	PaidAt           *time.Time `json:"paid_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"index"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BuyerID returns the party receiving crypto. If the taker's side is BUY the
// taker is the buyer, otherwise the maker is. This derivation is the single
// source of truth for every funds movement.
func (o *Order) BuyerID() uuid.UUID {
	if o.TradeType == TradeTypeBuy {
		return o.TakerID
	}
	return o.MakerID
}

// SellerID returns the party whose crypto is escrowed.
func (o *Order) SellerID() uuid.UUID {
	if o.TradeType == TradeTypeBuy {
		return o.MakerID
	}
	return o.TakerID
}

// IsParticipant reports whether userID is the maker or the taker.
func (o *Order) IsParticipant(userID uuid.UUID) bool {
	return o.MakerID == userID || o.TakerID == userID
}

// IsTerminal reports whether the order reached a final state.
func (o *Order) IsTerminal() bool {
	return o.Status == OrderStatusCompleted || o.Status == OrderStatusCancelled
}

// TraderProfile is the display/reputation record enriching public offers.
// Completion stats cover the trailing 30 days and are maintained by the
// escrow coordinator as orders reach a terminal state.
type TraderProfile struct {
	ID               uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID           uuid.UUID       `json:"user_id" gorm:"type:uuid;uniqueIndex"`
	Nickname         string          `json:"nickname" gorm:"size:30"`
	RegisteredAt     time.Time       `json:"registered_at"`
	Total30dTrades   int             `json:"total_30d_trades"`
	Completed30d     int             `json:"completed_30d"`
	CompletionRate   decimal.Decimal `json:"completion_rate_30d" gorm:"type:decimal(5,2)"`
	PaymentMethodIDs StringArray     `json:"payment_method_ids" gorm:"type:text"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}
