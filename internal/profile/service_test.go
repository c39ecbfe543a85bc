package profile

import (
	"context"
	"testing"

	"github.com/google/uuid"
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
	require.NoError(t, db.AutoMigrate(&models.TraderProfile{}))

	svc, err := NewService(zap.NewNop(), db)
	require.NoError(t, err)
	return svc
}

func TestEnsureProfile(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	p, err := s.EnsureProfile(ctx, userID, "")
	require.NoError(t, err)
	assert.NotEmpty(t, p.Nickname)
	assert.True(t, p.CompletionRate.Equal(hundred))

	again, err := s.EnsureProfile(ctx, userID, "ignored")
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)
	assert.Equal(t, p.Nickname, again.Nickname)
}

func TestOwnsPaymentMethods(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	err := s.OwnsPaymentMethods(ctx, userID, []string{"pm-1"})
	require.Error(t, err, "no profile yet")

	_, err = s.SetPaymentMethods(ctx, userID, []string{"pm-1", "pm-2"})
	require.NoError(t, err)

	assert.NoError(t, s.OwnsPaymentMethods(ctx, userID, []string{"pm-1"}))
	assert.NoError(t, s.OwnsPaymentMethods(ctx, userID, []string{"pm-1", "pm-2"}))
	assert.Error(t, s.OwnsPaymentMethods(ctx, userID, []string{"pm-3"}))
}

func TestRecordTradeOutcome(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, s.RecordTradeOutcome(ctx, userID, true))
	require.NoError(t, s.RecordTradeOutcome(ctx, userID, true))
	require.NoError(t, s.RecordTradeOutcome(ctx, userID, false))

	profiles, err := s.GetProfiles(ctx, []uuid.UUID{userID})
	require.NoError(t, err)
	p := profiles[userID]
	require.NotNil(t, p)
	assert.Equal(t, 3, p.Total30dTrades)
	assert.Equal(t, 2, p.Completed30d)
	assert.Equal(t, "66.67", p.CompletionRate.StringFixed(2))
}
