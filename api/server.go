// Package api exposes the trading core over HTTP. Caller identity arrives in
// the X-User-ID header; real authentication lives in front of this service.
package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	errs "github.com/p2pdesk/p2pdesk/common/errors"
	"github.com/p2pdesk/p2pdesk/internal/escrow"
	"github.com/p2pdesk/p2pdesk/internal/ledger"
	"github.com/p2pdesk/p2pdesk/internal/offers"
	"github.com/p2pdesk/p2pdesk/internal/profile"
)

const userIDKey = "userID"

// Server wires the domain services behind a gin router.
type Server struct {
	router   *gin.Engine
	logger   *zap.Logger
	ledger   *ledger.Service
	offers   *offers.Service
	escrow   *escrow.Coordinator
	profiles *profile.Service
}

func NewServer(
	logger *zap.Logger,
	ledgerSvc *ledger.Service,
	offerSvc *offers.Service,
	coordinator *escrow.Coordinator,
	profileSvc *profile.Service,
) *Server {
	s := &Server{
		logger:   logger,
		ledger:   ledgerSvc,
		offers:   offerSvc,
		escrow:   coordinator,
		profiles: profileSvc,
	}

	registerValidations()

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "X-User-ID"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	s.router = router
	s.registerRoutes()
	return s
}

// Start runs the HTTP server on addr, blocking until it exits.
func (s *Server) Start(addr string) error {
	s.logger.Info("starting API server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Router returns the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	public := s.router.Group("/api/v1")
	{
		public.GET("/metrics", gin.WrapH(promhttp.Handler()))
		public.GET("/healthz", s.healthCheck)
		public.GET("/offers", s.listPublicOffers)
	}

	authed := s.router.Group("/api/v1")
	authed.Use(s.identityMiddleware())
	{
		myOffers := authed.Group("/offers")
		{
			myOffers.POST("", s.createOffer)
			myOffers.GET("/my", s.listMyOffers)
			myOffers.GET("/:id", s.getOffer)
			myOffers.PUT("/:id", s.updateOffer)
			myOffers.DELETE("/:id", s.deleteOffer)
		}

		orders := authed.Group("/orders")
		{
			orders.POST("", s.createOrder)
			orders.GET("", s.listOrders)
			orders.GET("/:id", s.getOrder)
			orders.POST("/:id/pay", s.markPaid)
			orders.POST("/:id/confirm", s.confirmPayment)
			orders.POST("/:id/cancel", s.cancelOrder)
			orders.POST("/:id/appeal", s.openAppeal)
		}

		wallets := authed.Group("/wallets")
		{
			wallets.GET("/:currency", s.getWalletBalance)
			wallets.GET("/:currency/entries", s.listWalletEntries)
			wallets.POST("/:currency/deposit", s.deposit)
			wallets.POST("/:currency/withdraw", s.withdraw)
		}

		me := authed.Group("/profile")
		{
			me.GET("", s.getProfile)
			me.PUT("/payment-methods", s.setPaymentMethods)
		}
	}
}

// identityMiddleware resolves the caller from the X-User-ID header.
func (s *Server) identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("X-User-ID")
		if raw == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "UNAUTHENTICATED", "message": "X-User-ID header required"}})
			c.Abort()
			return
		}
		userID, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "UNAUTHENTICATED", "message": "X-User-ID must be a UUID"}})
			c.Abort()
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

func currentUser(c *gin.Context) uuid.UUID {
	return c.MustGet(userIDKey).(uuid.UUID)
}

// writeError maps domain error codes to HTTP statuses. Internal errors are
// logged with detail but surfaced opaquely.
func (s *Server) writeError(c *gin.Context, err error) {
	code := errs.CodeOf(err)
	status := errs.HTTPStatus(code)
	message := err.Error()
	if code == errs.CodeInternal {
		s.logger.Error("handler error", zap.String("path", c.FullPath()), zap.Error(err))
		message = "internal error"
	}
	c.JSON(status, gin.H{"error": gin.H{"code": string(code), "message": message}})
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now()})
}
