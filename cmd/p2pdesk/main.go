package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/p2pdesk/p2pdesk/api"
	"github.com/p2pdesk/p2pdesk/internal/config"
	"github.com/p2pdesk/p2pdesk/internal/database"
	"github.com/p2pdesk/p2pdesk/internal/escrow"
	"github.com/p2pdesk/p2pdesk/internal/ledger"
	"github.com/p2pdesk/p2pdesk/internal/offers"
	"github.com/p2pdesk/p2pdesk/internal/profile"
	"github.com/p2pdesk/p2pdesk/pkg/logger"
	"github.com/p2pdesk/p2pdesk/pkg/metrics"
)

func main() {
	// .env is optional; real deployments configure through the environment.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	gin.SetMode(cfg.Server.Mode)

	db, err := database.NewPostgresDB(
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
		cfg.Database.ConnMaxLifetime,
	)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	ledgerSvc, err := ledger.NewService(log, db)
	if err != nil {
		log.Fatal("failed to create ledger service", zap.Error(err))
	}
	profileSvc, err := profile.NewService(log, db)
	if err != nil {
		log.Fatal("failed to create profile service", zap.Error(err))
	}
	offerSvc, err := offers.NewService(log, db, ledgerSvc, profileSvc)
	if err != nil {
		log.Fatal("failed to create offer service", zap.Error(err))
	}
	coordinator, err := escrow.NewCoordinator(log, db, ledgerSvc, offerSvc, escrow.Config{
		FeeRate: cfg.Trading.FeeRate,
		Stats:   profileSvc,
		Options: escrow.DefaultOptions(),
	})
	if err != nil {
		log.Fatal("failed to create escrow coordinator", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runExpirySweep(ctx, log, coordinator, cfg.Trading.ExpirySweepInterval)
	go runPoolMetrics(ctx, db)

	server := api.NewServer(log, ledgerSvc, offerSvc, coordinator, profileSvc)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(fmt.Sprintf(":%d", cfg.Server.Port))
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server exited", zap.Error(err))
	}
	cancel()
}

// runExpirySweep periodically cancels unpaid orders past their payment
// deadline through the regular cancellation path.
func runExpirySweep(ctx context.Context, log *zap.Logger, coordinator *escrow.Coordinator, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := coordinator.ExpireOverdueOrders(ctx); err != nil {
				log.Error("expiry sweep failed", zap.Error(err))
			}
		}
	}
}

// runPoolMetrics exports DB pool gauges every 10 seconds.
func runPoolMetrics(ctx context.Context, db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := sqlDB.Stats()
			metrics.DBOpenConns.WithLabelValues("postgres").Set(float64(stats.OpenConnections))
			metrics.DBIdleConns.WithLabelValues("postgres").Set(float64(stats.Idle))
			metrics.DBInUseConns.WithLabelValues("postgres").Set(float64(stats.InUse))
		}
	}
}
