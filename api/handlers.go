package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	errs "github.com/p2pdesk/p2pdesk/common/errors"
	"github.com/p2pdesk/p2pdesk/internal/escrow"
	"github.com/p2pdesk/p2pdesk/internal/offers"
	"github.com/p2pdesk/p2pdesk/pkg/models"
)

// --- OFFER HANDLERS ---

type createOfferRequest struct {
	TradeType               string           `json:"trade_type" binding:"required,oneof=BUY SELL"`
	CryptoCurrency          string           `json:"crypto_currency" binding:"required,currency_code"`
	FiatCurrency            string           `json:"fiat_currency" binding:"required,currency_code"`
	PriceType               string           `json:"price_type" binding:"required,oneof=FIXED FLOATING"`
	Price                   decimal.Decimal  `json:"price"`
	PriceMargin             *decimal.Decimal `json:"price_margin"`
	TotalAmount             decimal.Decimal  `json:"total_amount"`
	MinOrderLimit           decimal.Decimal  `json:"min_order_limit"`
	MaxOrderLimit           decimal.Decimal  `json:"max_order_limit"`
	PaymentMethodIDs        []string         `json:"payment_method_ids"`
	PaymentTimeLimitMinutes int              `json:"payment_time_limit_minutes"`
	Remarks                 string           `json:"remarks"`
	AutoReplyMessage        string           `json:"auto_reply_message"`

	CounterpartyMinRegistrationDays int             `json:"counterparty_min_registration_days"`
	CounterpartyMinHoldingAmount    decimal.Decimal `json:"counterparty_min_holding_amount"`
}

func (s *Server) createOffer(c *gin.Context) {
	var req createOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errs.New(errs.CodeValidation, err.Error()))
		return
	}
	offer, err := s.offers.CreateOffer(c.Request.Context(), currentUser(c), offers.OfferParams{
		TradeType:               req.TradeType,
		CryptoCurrency:          req.CryptoCurrency,
		FiatCurrency:            req.FiatCurrency,
		PriceType:               req.PriceType,
		Price:                   req.Price,
		PriceMargin:             req.PriceMargin,
		TotalAmount:             req.TotalAmount,
		MinOrderLimit:           req.MinOrderLimit,
		MaxOrderLimit:           req.MaxOrderLimit,
		PaymentMethodIDs:        req.PaymentMethodIDs,
		PaymentTimeLimitMinutes: req.PaymentTimeLimitMinutes,
		Remarks:                 req.Remarks,
		AutoReplyMessage:        req.AutoReplyMessage,

		CounterpartyMinRegistrationDays: req.CounterpartyMinRegistrationDays,
		CounterpartyMinHoldingAmount:    req.CounterpartyMinHoldingAmount,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"offer": offer})
}

type updateOfferRequest struct {
	Price            *decimal.Decimal `json:"price"`
	PriceMargin      *decimal.Decimal `json:"price_margin"`
	TotalAmount      *decimal.Decimal `json:"total_amount"`
	MinOrderLimit    *decimal.Decimal `json:"min_order_limit"`
	MaxOrderLimit    *decimal.Decimal `json:"max_order_limit"`
	Status           *string          `json:"status"`
	Remarks          *string          `json:"remarks"`
	AutoReplyMessage *string          `json:"auto_reply_message"`
}

func (s *Server) updateOffer(c *gin.Context) {
	offerID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.writeError(c, errs.New(errs.CodeValidation, "offer id must be a UUID"))
		return
	}
	var req updateOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errs.New(errs.CodeValidation, err.Error()))
		return
	}
	offer, err := s.offers.UpdateOffer(c.Request.Context(), currentUser(c), offerID, offers.UpdateParams{
		Price:            req.Price,
		PriceMargin:      req.PriceMargin,
		TotalAmount:      req.TotalAmount,
		MinOrderLimit:    req.MinOrderLimit,
		MaxOrderLimit:    req.MaxOrderLimit,
		Status:           req.Status,
		Remarks:          req.Remarks,
		AutoReplyMessage: req.AutoReplyMessage,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

func (s *Server) deleteOffer(c *gin.Context) {
	offerID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.writeError(c, errs.New(errs.CodeValidation, "offer id must be a UUID"))
		return
	}
	offer, err := s.offers.SoftDelete(c.Request.Context(), currentUser(c), offerID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

func (s *Server) getOffer(c *gin.Context) {
	offerID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.writeError(c, errs.New(errs.CodeValidation, "offer id must be a UUID"))
		return
	}
	offer, err := s.offers.GetOffer(c.Request.Context(), offerID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

func offerFiltersFromQuery(c *gin.Context) offers.Filters {
	return offers.Filters{
		offers.FilterStatus:         c.Query("status"),
		offers.FilterTradeType:      c.Query("trade_type"),
		offers.FilterCryptoCurrency: c.Query("coin"),
		offers.FilterFiatCurrency:   c.Query("fiat"),
		offers.FilterPaymentMethod:  c.Query("payment_method"),
		offers.FilterStartDate:      c.Query("start_date"),
		offers.FilterEndDate:        c.Query("end_date"),
	}
}

func (s *Server) listPublicOffers(c *gin.Context) {
	list, err := s.offers.ListPublicOffers(c.Request.Context(), offerFiltersFromQuery(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": list, "profiles": s.enrichProfiles(c, list)})
}

func (s *Server) listMyOffers(c *gin.Context) {
	list, err := s.offers.GetUserOffers(c.Request.Context(), currentUser(c), offerFiltersFromQuery(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": list})
}

// enrichProfiles resolves maker display profiles for a public listing. Best
// effort; a lookup failure degrades the listing, it does not fail it.
func (s *Server) enrichProfiles(c *gin.Context, list []*models.Offer) map[string]*models.TraderProfile {
	if s.profiles == nil || len(list) == 0 {
		return nil
	}
	seen := make(map[uuid.UUID]bool, len(list))
	ids := make([]uuid.UUID, 0, len(list))
	for _, offer := range list {
		if !seen[offer.UserID] {
			seen[offer.UserID] = true
			ids = append(ids, offer.UserID)
		}
	}
	byID, err := s.profiles.GetProfiles(c.Request.Context(), ids)
	if err != nil {
		return nil
	}
	out := make(map[string]*models.TraderProfile, len(byID))
	for id, p := range byID {
		out[id.String()] = p
	}
	return out
}

// --- ORDER HANDLERS ---

type createOrderRequest struct {
	OfferID    uuid.UUID       `json:"offer_id" binding:"required"`
	FiatAmount decimal.Decimal `json:"fiat_amount" binding:"required"`
}

func (s *Server) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errs.New(errs.CodeValidation, err.Error()))
		return
	}
	order, err := s.escrow.CreateOrder(c.Request.Context(), currentUser(c), req.OfferID, req.FiatAmount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": order})
}

func (s *Server) orderAction(c *gin.Context, fn func(orderID uuid.UUID) (*models.Order, error)) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.writeError(c, errs.New(errs.CodeValidation, "order id must be a UUID"))
		return
	}
	order, err := fn(orderID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

func (s *Server) getOrder(c *gin.Context) {
	s.orderAction(c, func(orderID uuid.UUID) (*models.Order, error) {
		return s.escrow.GetOrder(c.Request.Context(), currentUser(c), orderID)
	})
}

func (s *Server) markPaid(c *gin.Context) {
	s.orderAction(c, func(orderID uuid.UUID) (*models.Order, error) {
		return s.escrow.MarkPaid(c.Request.Context(), currentUser(c), orderID)
	})
}

func (s *Server) confirmPayment(c *gin.Context) {
	s.orderAction(c, func(orderID uuid.UUID) (*models.Order, error) {
		return s.escrow.ConfirmPayment(c.Request.Context(), currentUser(c), orderID)
	})
}

func (s *Server) cancelOrder(c *gin.Context) {
	s.orderAction(c, func(orderID uuid.UUID) (*models.Order, error) {
		return s.escrow.CancelOrder(c.Request.Context(), currentUser(c), orderID)
	})
}

func (s *Server) openAppeal(c *gin.Context) {
	s.orderAction(c, func(orderID uuid.UUID) (*models.Order, error) {
		return s.escrow.OpenAppeal(c.Request.Context(), currentUser(c), orderID)
	})
}

func (s *Server) listOrders(c *gin.Context) {
	statuses := models.ProcessingStatuses
	if c.DefaultQuery("scope", "processing") == "history" {
		statuses = models.HistoricalStatuses
	}
	filters := escrow.OrderFilters{
		escrow.FilterCoin:         c.Query("coin"),
		escrow.FilterTradeType:    c.Query("trade_type"),
		escrow.FilterFiatCurrency: c.Query("fiat"),
		escrow.FilterOrderNumber:  c.Query("order_number"),
		escrow.FilterStartDate:    c.Query("start_date"),
		escrow.FilterEndDate:      c.Query("end_date"),
	}
	list, err := s.escrow.ListOrders(c.Request.Context(), currentUser(c), statuses, filters)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": list})
}

// --- WALLET HANDLERS ---

func (s *Server) getWalletBalance(c *gin.Context) {
	wallet, err := s.ledger.GetBalance(c.Request.Context(), currentUser(c), c.Param("currency"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"currency":          wallet.Currency,
		"balance":           wallet.Balance,
		"locked_balance":    wallet.LockedBalance,
		"available_balance": wallet.AvailableBalance(),
	})
}

func (s *Server) listWalletEntries(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	entries, total, err := s.ledger.GetWalletEntries(c.Request.Context(), currentUser(c), c.Param("currency"), limit, offset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": total})
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

func (s *Server) deposit(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errs.New(errs.CodeValidation, err.Error()))
		return
	}
	wallet, err := s.ledger.Deposit(c.Request.Context(), currentUser(c), c.Param("currency"), req.Amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": wallet.Balance, "locked_balance": wallet.LockedBalance})
}

func (s *Server) withdraw(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errs.New(errs.CodeValidation, err.Error()))
		return
	}
	wallet, err := s.ledger.Withdraw(c.Request.Context(), currentUser(c), c.Param("currency"), req.Amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": wallet.Balance, "locked_balance": wallet.LockedBalance})
}

// --- PROFILE HANDLERS ---

func (s *Server) getProfile(c *gin.Context) {
	p, err := s.profiles.EnsureProfile(c.Request.Context(), currentUser(c), "")
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

type paymentMethodsRequest struct {
	PaymentMethodIDs []string `json:"payment_method_ids" binding:"required"`
}

func (s *Server) setPaymentMethods(c *gin.Context) {
	var req paymentMethodsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errs.New(errs.CodeValidation, err.Error()))
		return
	}
	p, err := s.profiles.SetPaymentMethods(c.Request.Context(), currentUser(c), req.PaymentMethodIDs)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}
