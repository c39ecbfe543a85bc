// Package offers manages the standing buy/sell offer inventory:
// available-amount accounting under concurrent order creation, owner edits,
// and public listings.
package offers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	errs "github.com/p2pdesk/p2pdesk/common/errors"
	"github.com/p2pdesk/p2pdesk/internal/ledger"
	"github.com/p2pdesk/p2pdesk/pkg/models"
)

var (
	ErrOfferNotFound            = errs.New(errs.CodeNotFound, "offer not found")
	ErrNotOwner                 = errs.New(errs.CodeForbidden, "offer does not belong to this user")
	ErrOfferCompleted           = errs.New(errs.CodeConflict, "cannot update a completed offer")
	ErrHasActiveTrades          = errs.New(errs.CodeConflict, "offer has active trades")
	ErrInsufficientAvailability = errs.New(errs.CodeConflict, "insufficient available amount in offer")
)

var marginBound = decimal.NewFromInt(10)

// Directory is the external collaborator confirming payment-method
// ownership at offer-creation time.
type Directory interface {
	OwnsPaymentMethods(ctx context.Context, userID uuid.UUID, ids []string) error
}

// Service implements the offer inventory over gorm.
type Service struct {
	logger    *zap.Logger
	db        *gorm.DB
	ledger    *ledger.Service
	directory Directory
}

// NewService creates an offer service. directory may be nil, disabling the
// payment-method ownership gate (tests, standalone deployments).
func NewService(logger *zap.Logger, db *gorm.DB, ledgerSvc *ledger.Service, directory Directory) (*Service, error) {
	return &Service{logger: logger, db: db, ledger: ledgerSvc, directory: directory}, nil
}

// OfferParams carries the caller-supplied fields for offer creation.
type OfferParams struct {
	TradeType               string
	CryptoCurrency          string
	FiatCurrency            string
	PriceType               string
	Price                   decimal.Decimal
	PriceMargin             *decimal.Decimal
	TotalAmount             decimal.Decimal
	MinOrderLimit           decimal.Decimal
	MaxOrderLimit           decimal.Decimal
	PaymentMethodIDs        []string
	PaymentTimeLimitMinutes int
	Remarks                 string
	AutoReplyMessage        string

	CounterpartyMinRegistrationDays int
	CounterpartyMinHoldingAmount    decimal.Decimal
}

func (p *OfferParams) validate() error {
	if p.TradeType != models.TradeTypeBuy && p.TradeType != models.TradeTypeSell {
		return errs.Newf(errs.CodeValidation, "invalid trade type %q", p.TradeType)
	}
	if p.CryptoCurrency == "" || p.FiatCurrency == "" {
		return errs.New(errs.CodeValidation, "crypto and fiat currencies are required")
	}
	if !p.TotalAmount.IsPositive() {
		return errs.New(errs.CodeValidation, "total amount must be positive")
	}
	switch p.PriceType {
	case models.PriceTypeFixed:
		if !p.Price.IsPositive() {
			return errs.New(errs.CodeValidation, "fixed price must be positive")
		}
	case models.PriceTypeFloating:
		if p.PriceMargin == nil {
			return errs.New(errs.CodeValidation, "floating price requires a margin")
		}
		if p.PriceMargin.LessThan(marginBound.Neg()) || p.PriceMargin.GreaterThan(marginBound) {
			return errs.Newf(errs.CodeValidation, "price margin %s out of range [-10,10]", p.PriceMargin)
		}
	default:
		return errs.Newf(errs.CodeValidation, "invalid price type %q", p.PriceType)
	}
	if !p.MinOrderLimit.IsPositive() || !p.MaxOrderLimit.IsPositive() {
		return errs.New(errs.CodeValidation, "order limits must be positive")
	}
	if p.MinOrderLimit.GreaterThan(p.MaxOrderLimit) {
		return errs.New(errs.CodeValidation, "minimum order limit exceeds maximum")
	}
	if p.PaymentTimeLimitMinutes != 0 && (p.PaymentTimeLimitMinutes < 5 || p.PaymentTimeLimitMinutes > 120) {
		return errs.New(errs.CodeValidation, "payment time limit must be between 5 and 120 minutes")
	}
	// For a fixed price the max limit cannot exceed the offer's total fiat
	// value, otherwise no order could ever use it.
	if p.PriceType == models.PriceTypeFixed {
		totalFiat := p.TotalAmount.Mul(p.Price)
		if p.MaxOrderLimit.GreaterThan(totalFiat) {
			return errs.Newf(errs.CodeValidation,
				"maximum order limit (%s) cannot exceed the total offer value (%s %s)",
				p.MaxOrderLimit, totalFiat.StringFixed(2), p.FiatCurrency)
		}
	}
	return nil
}

// CreateOffer validates params and creates an offer with the full amount
// available. SELL offers additionally require the owner's available wallet
// balance to cover the total amount.
func (s *Service) CreateOffer(ctx context.Context, ownerID uuid.UUID, params OfferParams) (*models.Offer, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if s.directory != nil && len(params.PaymentMethodIDs) > 0 {
		if err := s.directory.OwnsPaymentMethods(ctx, ownerID, params.PaymentMethodIDs); err != nil {
			return nil, err
		}
	}
	if params.TradeType == models.TradeTypeSell {
		wallet, err := s.ledger.GetOrCreateWallet(ctx, ownerID, params.CryptoCurrency)
		if err != nil {
			return nil, err
		}
		if wallet.AvailableBalance().LessThan(params.TotalAmount) {
			return nil, ledger.ErrInsufficientBalance
		}
	}

	timeLimit := params.PaymentTimeLimitMinutes
	if timeLimit == 0 {
		timeLimit = 15
	}

	offer := &models.Offer{
		ID:                              uuid.New(),
		UserID:                          ownerID,
		TradeType:                       params.TradeType,
		CryptoCurrency:                  params.CryptoCurrency,
		FiatCurrency:                    params.FiatCurrency,
		PriceType:                       params.PriceType,
		Price:                           params.Price,
		PriceMargin:                     params.PriceMargin,
		TotalAmount:                     params.TotalAmount,
		AvailableAmount:                 params.TotalAmount,
		MinOrderLimit:                   params.MinOrderLimit,
		MaxOrderLimit:                   params.MaxOrderLimit,
		PaymentMethodIDs:                params.PaymentMethodIDs,
		PaymentTimeLimitMinutes:         timeLimit,
		Remarks:                         params.Remarks,
		AutoReplyMessage:                params.AutoReplyMessage,
		CounterpartyMinRegistrationDays: params.CounterpartyMinRegistrationDays,
		CounterpartyMinHoldingAmount:    params.CounterpartyMinHoldingAmount,
		Status:                          models.OfferStatusActive,
		CreatedAt:                       time.Now(),
		UpdatedAt:                       time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(offer).Error; err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}

	s.logger.Info("offer created",
		zap.String("offer_id", offer.ID.String()),
		zap.String("user_id", ownerID.String()),
		zap.String("trade_type", offer.TradeType),
		zap.String("total_amount", offer.TotalAmount.String()))
	return offer, nil
}

// GetOffer returns a live (not soft-deleted) offer.
func (s *Service) GetOffer(ctx context.Context, offerID uuid.UUID) (*models.Offer, error) {
	var offer models.Offer
	err := s.db.WithContext(ctx).
		Where("id = ? AND is_deleted = ?", offerID, false).
		First(&offer).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrOfferNotFound
		}
		return nil, fmt.Errorf("failed to find offer: %w", err)
	}
	return &offer, nil
}

func (s *Service) getOwnedOffer(ctx context.Context, ownerID, offerID uuid.UUID) (*models.Offer, error) {
	offer, err := s.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.UserID != ownerID {
		return nil, ErrNotOwner
	}
	return offer, nil
}

// GetForUpdate loads the offer under an exclusive row lock inside the
// caller's transaction. The lock is held until the transaction ends.
func (s *Service) GetForUpdate(tx *gorm.DB, offerID uuid.UUID) (*models.Offer, error) {
	var offer models.Offer
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND is_deleted = ?", offerID, false).
		First(&offer).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrOfferNotFound
		}
		return nil, fmt.Errorf("failed to lock offer: %w", err)
	}
	return &offer, nil
}

// LockAndDecrement acquires an exclusive lock on the offer row inside the
// caller's transaction, re-reads availability and decrements it. The lock
// must be held until the order row commits, otherwise two takers could both
// pass the check against a stale available_amount.
func (s *Service) LockAndDecrement(tx *gorm.DB, offerID uuid.UUID, amount decimal.Decimal) (*models.Offer, error) {
	var offer models.Offer
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND is_deleted = ?", offerID, false).
		First(&offer).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrOfferNotFound
		}
		return nil, fmt.Errorf("failed to lock offer: %w", err)
	}

	if offer.AvailableAmount.LessThan(amount) {
		return nil, ErrInsufficientAvailability
	}

	offer.AvailableAmount = offer.AvailableAmount.Sub(amount)
	if offer.AvailableAmount.IsZero() {
		offer.Status = models.OfferStatusCompleted
	}
	offer.UpdatedAt = time.Now()
	if err := tx.Save(&offer).Error; err != nil {
		return nil, fmt.Errorf("failed to save offer: %w", err)
	}
	return &offer, nil
}

// RestoreAvailability returns a cancelled order's amount to the offer. A
// COMPLETED offer becomes ACTIVE again. Restoring past total_amount can only
// mean corrupted state and is rejected rather than clamped.
func (s *Service) RestoreAvailability(tx *gorm.DB, offerID uuid.UUID, amount decimal.Decimal) (*models.Offer, error) {
	var offer models.Offer
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", offerID).
		First(&offer).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrOfferNotFound
		}
		return nil, fmt.Errorf("failed to lock offer: %w", err)
	}

	newAvailable := offer.AvailableAmount.Add(amount)
	if newAvailable.GreaterThan(offer.TotalAmount) {
		return nil, errs.Newf(errs.CodeInternal,
			"restoring %s would push offer %s availability (%s) past total (%s)",
			amount, offerID, offer.AvailableAmount, offer.TotalAmount)
	}

	offer.AvailableAmount = newAvailable
	if offer.Status == models.OfferStatusCompleted {
		offer.Status = models.OfferStatusActive
	}
	offer.UpdatedAt = time.Now()
	if err := tx.Save(&offer).Error; err != nil {
		return nil, fmt.Errorf("failed to save offer: %w", err)
	}
	return &offer, nil
}

// UpdateParams carries the owner-editable fields; nil means unchanged.
type UpdateParams struct {
	Price            *decimal.Decimal
	PriceMargin      *decimal.Decimal
	TotalAmount      *decimal.Decimal
	MinOrderLimit    *decimal.Decimal
	MaxOrderLimit    *decimal.Decimal
	Status           *string
	Remarks          *string
	AutoReplyMessage *string
}

// UpdateOffer applies owner edits. COMPLETED offers cannot be edited, and
// total_amount can never drop below the amount already sold.
func (s *Service) UpdateOffer(ctx context.Context, ownerID, offerID uuid.UUID, fields UpdateParams) (*models.Offer, error) {
	var updated *models.Offer
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var offer models.Offer
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND is_deleted = ?", offerID, false).
			First(&offer).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrOfferNotFound
			}
			return fmt.Errorf("failed to lock offer: %w", err)
		}
		if offer.UserID != ownerID {
			return ErrNotOwner
		}
		if offer.Status == models.OfferStatusCompleted {
			return ErrOfferCompleted
		}

		if fields.TotalAmount != nil {
			sold := offer.SoldAmount()
			if fields.TotalAmount.LessThan(sold) {
				return errs.Newf(errs.CodeValidation,
					"cannot reduce total amount below sold amount (%s)", sold)
			}
			// Availability moves with the total so sold stays fixed.
			offer.AvailableAmount = fields.TotalAmount.Sub(sold)
			offer.TotalAmount = *fields.TotalAmount
		}
		if fields.Price != nil {
			if !fields.Price.IsPositive() {
				return errs.New(errs.CodeValidation, "price must be positive")
			}
			offer.Price = *fields.Price
		}
		if fields.PriceMargin != nil {
			if fields.PriceMargin.LessThan(marginBound.Neg()) || fields.PriceMargin.GreaterThan(marginBound) {
				return errs.Newf(errs.CodeValidation, "price margin %s out of range [-10,10]", fields.PriceMargin)
			}
			offer.PriceMargin = fields.PriceMargin
		}
		if fields.MinOrderLimit != nil {
			offer.MinOrderLimit = *fields.MinOrderLimit
		}
		if fields.MaxOrderLimit != nil {
			offer.MaxOrderLimit = *fields.MaxOrderLimit
		}
		if offer.MinOrderLimit.GreaterThan(offer.MaxOrderLimit) {
			return errs.New(errs.CodeValidation, "minimum order limit exceeds maximum")
		}
		if fields.Status != nil {
			switch *fields.Status {
			case models.OfferStatusActive, models.OfferStatusInactive, models.OfferStatusPrivate:
				offer.Status = *fields.Status
			default:
				return errs.Newf(errs.CodeValidation, "cannot set offer status to %q", *fields.Status)
			}
		}
		if fields.Remarks != nil {
			offer.Remarks = *fields.Remarks
		}
		if fields.AutoReplyMessage != nil {
			offer.AutoReplyMessage = *fields.AutoReplyMessage
		}

		offer.UpdatedAt = time.Now()
		if err := tx.Save(&offer).Error; err != nil {
			return fmt.Errorf("failed to save offer: %w", err)
		}
		updated = &offer
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("offer updated",
		zap.String("offer_id", offerID.String()),
		zap.String("user_id", ownerID.String()))
	return updated, nil
}

// SoftDelete flags the offer deleted and INACTIVE. Historical orders keep
// their reference; offers with any sold amount cannot be deleted.
func (s *Service) SoftDelete(ctx context.Context, ownerID, offerID uuid.UUID) (*models.Offer, error) {
	offer, err := s.getOwnedOffer(ctx, ownerID, offerID)
	if err != nil {
		return nil, err
	}
	if offer.AvailableAmount.LessThan(offer.TotalAmount) {
		return nil, ErrHasActiveTrades
	}

	offer.IsDeleted = true
	offer.Status = models.OfferStatusInactive
	offer.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(offer).Error; err != nil {
		return nil, fmt.Errorf("failed to save offer: %w", err)
	}

	s.logger.Info("offer soft-deleted",
		zap.String("offer_id", offerID.String()),
		zap.String("user_id", ownerID.String()))
	return offer, nil
}

// GetUserOffers lists the owner's live offers, newest first.
func (s *Service) GetUserOffers(ctx context.Context, ownerID uuid.UUID, filters Filters) ([]*models.Offer, error) {
	q := s.db.WithContext(ctx).
		Where("user_id = ? AND is_deleted = ?", ownerID, false)
	q = applyFilters(q, filters)

	var list []*models.Offer
	if err := q.Order("created_at DESC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("failed to list offers: %w", err)
	}
	return list, nil
}

// ListPublicOffers lists active offers with remaining availability. BUY
// offers are ordered by price descending (best bid first), SELL ascending.
func (s *Service) ListPublicOffers(ctx context.Context, filters Filters) ([]*models.Offer, error) {
	q := s.db.WithContext(ctx).
		Where("is_deleted = ? AND status = ? AND available_amount > 0", false, models.OfferStatusActive)
	q = applyFilters(q, filters)

	orderBy := "price ASC"
	if strings.ToUpper(filters[FilterTradeType]) == models.TradeTypeBuy {
		orderBy = "price DESC"
	}

	var list []*models.Offer
	if err := q.Order(orderBy).Find(&list).Error; err != nil {
		return nil, fmt.Errorf("failed to list public offers: %w", err)
	}
	return list, nil
}
