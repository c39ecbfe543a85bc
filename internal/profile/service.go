// Package profile provides the trader directory: display profiles enriching
// public offers, the payment-method ownership gate used at offer creation,
// and 30-day completion stats maintained as orders settle.
package profile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	errs "github.com/p2pdesk/p2pdesk/common/errors"
	"github.com/p2pdesk/p2pdesk/pkg/models"
)

var ErrProfileNotFound = errs.New(errs.CodeNotFound, "trader profile not found")

var hundred = decimal.NewFromInt(100)

// Service implements the trader directory over gorm.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewService creates a profile service.
func NewService(logger *zap.Logger, db *gorm.DB) (*Service, error) {
	return &Service{logger: logger, db: db}, nil
}

// EnsureProfile returns the profile for userID, creating a default one on
// first reference.
func (s *Service) EnsureProfile(ctx context.Context, userID uuid.UUID, nickname string) (*models.TraderProfile, error) {
	var p models.TraderProfile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&p).Error
	if err == nil {
		return &p, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to find profile: %w", err)
	}

	if nickname == "" {
		nickname = "Trader" + userID.String()[:8]
	}
	p = models.TraderProfile{
		ID:             uuid.New(),
		UserID:         userID,
		Nickname:       nickname,
		RegisteredAt:   time.Now(),
		CompletionRate: hundred,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&p).Error; err != nil {
		var existing models.TraderProfile
		if ferr := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&existing).Error; ferr == nil {
			return &existing, nil
		}
		return nil, fmt.Errorf("failed to create profile: %w", err)
	}
	return &p, nil
}

// GetProfiles returns the profiles for the given user ids, keyed by user id.
// Missing profiles are simply absent from the map.
func (s *Service) GetProfiles(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]*models.TraderProfile, error) {
	if len(userIDs) == 0 {
		return map[uuid.UUID]*models.TraderProfile{}, nil
	}
	var list []*models.TraderProfile
	if err := s.db.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&list).Error; err != nil {
		return nil, fmt.Errorf("failed to find profiles: %w", err)
	}
	out := make(map[uuid.UUID]*models.TraderProfile, len(list))
	for _, p := range list {
		out[p.UserID] = p
	}
	return out, nil
}

// SetPaymentMethods replaces the user's registered payment method ids.
func (s *Service) SetPaymentMethods(ctx context.Context, userID uuid.UUID, ids []string) (*models.TraderProfile, error) {
	p, err := s.EnsureProfile(ctx, userID, "")
	if err != nil {
		return nil, err
	}
	p.PaymentMethodIDs = ids
	p.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(p).Error; err != nil {
		return nil, fmt.Errorf("failed to save profile: %w", err)
	}
	return p, nil
}

// OwnsPaymentMethods confirms every id belongs to the user. Implements the
// offers.Directory collaborator.
func (s *Service) OwnsPaymentMethods(ctx context.Context, userID uuid.UUID, ids []string) error {
	var p models.TraderProfile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&p).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return errs.New(errs.CodeValidation, "no payment methods registered for this user")
		}
		return fmt.Errorf("failed to find profile: %w", err)
	}
	for _, id := range ids {
		if !p.PaymentMethodIDs.Contains(id) {
			return errs.Newf(errs.CodeValidation, "payment method %s does not belong to this user", id)
		}
	}
	return nil
}

// RecordTradeOutcome updates the rolling completion stats when an order
// reaches a terminal state.
func (s *Service) RecordTradeOutcome(ctx context.Context, userID uuid.UUID, completed bool) error {
	p, err := s.EnsureProfile(ctx, userID, "")
	if err != nil {
		return err
	}
	p.Total30dTrades++
	if completed {
		p.Completed30d++
	}
	p.CompletionRate = decimal.NewFromInt(int64(p.Completed30d)).
		Div(decimal.NewFromInt(int64(p.Total30dTrades))).
		Mul(hundred).Round(2)
	p.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(p).Error; err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}
