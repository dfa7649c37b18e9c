// HTTP surface for the exchange core: order entry, margin and book
// queries, admin market state controls, Prometheus metrics and a
// websocket trade stream.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/orbitex/exchange-core/internal/exchange/engine"
	"github.com/orbitex/exchange-core/internal/exchange/events"
	"github.com/orbitex/exchange-core/internal/exchange/ledger"
	"github.com/orbitex/exchange-core/internal/exchange/liquidation"
	"github.com/orbitex/exchange-core/internal/exchange/margin"
	"github.com/orbitex/exchange-core/internal/exchange/marketstate"
	"github.com/orbitex/exchange-core/internal/exchange/model"
	"github.com/orbitex/exchange-core/internal/exchange/registry"
)

// Server exposes the exchange over HTTP.
type Server struct {
	logger   *zap.Logger
	engine   *engine.Engine
	ledger   *ledger.Ledger
	calc     *margin.Calculator
	market   *marketstate.Controller
	registry *registry.Registry
	liq      *liquidation.Controller
	bus      *events.Bus

	httpServer *http.Server
}

// New builds a server and its routes.
func New(logger *zap.Logger, eng *engine.Engine, led *ledger.Ledger, calc *margin.Calculator,
	market *marketstate.Controller, reg *registry.Registry, liq *liquidation.Controller,
	bus *events.Bus, addr string) *Server {
	s := &Server{
		logger:   logger,
		engine:   eng,
		ledger:   led,
		calc:     calc,
		market:   market,
		registry: reg,
		liq:      liq,
		bus:      bus,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws/trades", s.streamTrades)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", s.submitOrder)
		v1.DELETE("/orders/:id", s.cancelOrder)
		v1.GET("/orders/:id", s.getOrder)

		v1.POST("/accounts", s.createAccount)
		v1.GET("/accounts/:id/margin", s.getMargin)
		v1.GET("/accounts/:id/positions", s.getPositions)
		v1.POST("/accounts/:id/deposit", s.deposit)
		v1.POST("/accounts/:id/withdraw", s.withdraw)

		v1.GET("/instruments", s.listInstruments)
		v1.GET("/orderbook/:symbol", s.getDepth)
		v1.GET("/market-state", s.marketState)
		v1.GET("/market-state/:symbol", s.instrumentState)
		v1.GET("/margin-calls", s.openMarginCalls)

		admin := v1.Group("/admin")
		{
			admin.POST("/halt", s.haltMarket)
			admin.POST("/resume", s.resumeMarket)
			admin.POST("/halt/:symbol", s.haltInstrument)
			admin.POST("/resume/:symbol", s.resumeInstrument)
			admin.POST("/close", s.closeMarket)
			admin.POST("/close/:symbol", s.closeInstrument)
		}
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "market": s.market.MarketStatus()})
}

type submitOrderRequest struct {
	AccountID      string `json:"account_id" binding:"required"`
	Symbol         string `json:"symbol" binding:"required"`
	Side           string `json:"side" binding:"required"`
	Type           string `json:"type" binding:"required"`
	TimeInForce    string `json:"time_in_force"`
	Price          string `json:"price"`
	StopPrice      string `json:"stop_price"`
	TrailingOffset string `json:"trailing_offset"`
	DisplayQty     string `json:"display_quantity"`
	Quantity       string `json:"quantity" binding:"required"`
	OCOGroupID     string `json:"oco_group_id"`
}

func (s *Server) submitOrder(c *gin.Context) {
	var req submitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	order, err := req.toOrder()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.engine.SubmitOrder(c.Request.Context(), order)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"order":               res.Order,
		"trades":              res.Trades,
		"remainder_cancelled": res.RemainderCancelled,
	})
}

func (r *submitOrderRequest) toOrder() (*model.Order, error) {
	accountID, err := uuid.Parse(r.AccountID)
	if err != nil {
		return nil, errors.New("invalid account_id")
	}
	order := &model.Order{
		AccountID:   accountID,
		Symbol:      r.Symbol,
		Side:        model.Side(r.Side),
		Type:        model.OrderType(r.Type),
		TimeInForce: model.TimeInForce(r.TimeInForce),
	}
	fields := []struct {
		raw  string
		dst  *decimal.Decimal
		name string
	}{
		{r.Quantity, &order.Quantity, "quantity"},
		{r.Price, &order.Price, "price"},
		{r.StopPrice, &order.StopPrice, "stop_price"},
		{r.TrailingOffset, &order.TrailingOffset, "trailing_offset"},
		{r.DisplayQty, &order.DisplayQty, "display_quantity"},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return nil, errors.New("invalid " + f.name)
		}
		*f.dst = d
	}
	if r.OCOGroupID != "" {
		gid, err := uuid.Parse(r.OCOGroupID)
		if err != nil {
			return nil, errors.New("invalid oco_group_id")
		}
		order.OCOGroupID = &gid
	}
	return order, nil
}

func (s *Server) cancelOrder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	order, err := s.engine.CancelOrder(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

func (s *Server) getOrder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	order, ok := s.engine.Order(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": model.ErrOrderNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

type createAccountRequest struct {
	Balance  string `json:"balance" binding:"required"`
	Leverage string `json:"leverage"`
}

func (s *Server) createAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	balance, err := decimal.NewFromString(req.Balance)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid balance"})
		return
	}
	leverage := decimal.NewFromInt(1)
	if req.Leverage != "" {
		if leverage, err = decimal.NewFromString(req.Leverage); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid leverage"})
			return
		}
	}
	acct, err := s.ledger.CreateAccount(balance, leverage)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": acct})
}

func (s *Server) getMargin(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}
	snap, err := s.calc.Snapshot(id)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"margin": snap})
}

func (s *Server) getPositions(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}
	if _, err := s.ledger.Account(id); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": s.ledger.OpenPositions(id)})
}

type fundingRequest struct {
	Amount string `json:"amount" binding:"required"`
}

func (s *Server) deposit(c *gin.Context)  { s.funding(c, s.ledger.Deposit) }
func (s *Server) withdraw(c *gin.Context) { s.funding(c, s.withdrawChecked) }

// withdrawChecked guards withdrawals with the free margin, not just the
// raw balance.
func (s *Server) withdrawChecked(id uuid.UUID, amount decimal.Decimal) error {
	snap, err := s.calc.Snapshot(id)
	if err != nil {
		return err
	}
	if snap.FreeMargin.LessThan(amount) {
		return model.ErrInsufficientMargin
	}
	return s.ledger.Withdraw(id, amount)
}

func (s *Server) funding(c *gin.Context, apply func(uuid.UUID, decimal.Decimal) error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}
	var req fundingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	if err := apply(id, amount); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	acct, _ := s.ledger.Account(id)
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

func (s *Server) listInstruments(c *gin.Context) {
	symbols := s.registry.Symbols()
	out := make([]model.Instrument, 0, len(symbols))
	for _, sym := range symbols {
		if inst, err := s.registry.Get(sym); err == nil {
			out = append(out, inst)
		}
	}
	c.JSON(http.StatusOK, gin.H{"instruments": out})
}

func (s *Server) getDepth(c *gin.Context) {
	symbol := c.Param("symbol")
	levels := 20
	if raw := c.Query("levels"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			levels = n
		}
	}
	bids, asks, err := s.engine.Depth(symbol, levels)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":     symbol,
		"bids":       bids,
		"asks":       asks,
		"last_price": s.engine.LastPrice(symbol),
	})
}

func (s *Server) marketState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"market": s.market.MarketStatus()})
}

func (s *Server) instrumentState(c *gin.Context) {
	symbol := c.Param("symbol")
	if _, err := s.registry.Get(symbol); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "status": s.market.InstrumentStatus(symbol)})
}

func (s *Server) openMarginCalls(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"margin_calls": s.liq.OpenCalls()})
}

type haltRequest struct {
	Reason          string `json:"reason"`
	DurationSeconds int64  `json:"duration_seconds"` // 0 halts indefinitely
}

func (s *Server) haltMarket(c *gin.Context) {
	var req haltRequest
	_ = c.ShouldBindJSON(&req)
	s.market.HaltMarket(orDefault(req.Reason, "manual halt"), time.Duration(req.DurationSeconds)*time.Second)
	c.JSON(http.StatusOK, gin.H{"market": s.market.MarketStatus()})
}

func (s *Server) haltInstrument(c *gin.Context) {
	symbol := c.Param("symbol")
	if _, err := s.registry.Get(symbol); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	var req haltRequest
	_ = c.ShouldBindJSON(&req)
	s.market.HaltInstrument(symbol, orDefault(req.Reason, "manual halt"), time.Duration(req.DurationSeconds)*time.Second)
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "status": s.market.InstrumentStatus(symbol)})
}

func (s *Server) resumeMarket(c *gin.Context) {
	s.market.ResumeMarket()
	c.JSON(http.StatusOK, gin.H{"market": s.market.MarketStatus()})
}

func (s *Server) resumeInstrument(c *gin.Context) {
	symbol := c.Param("symbol")
	s.market.ResumeInstrument(symbol)
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "status": s.market.InstrumentStatus(symbol)})
}

func (s *Server) closeMarket(c *gin.Context) {
	var req haltRequest
	_ = c.ShouldBindJSON(&req)
	s.market.CloseMarket(orDefault(req.Reason, "manual close"))
	c.JSON(http.StatusOK, gin.H{"market": s.market.MarketStatus()})
}

func (s *Server) closeInstrument(c *gin.Context) {
	symbol := c.Param("symbol")
	if _, err := s.registry.Get(symbol); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	var req haltRequest
	_ = c.ShouldBindJSON(&req)
	s.market.CloseInstrument(symbol, orDefault(req.Reason, "manual close"))
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "status": s.market.InstrumentStatus(symbol)})
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// statusFor maps domain sentinel errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrUnknownInstrument),
		errors.Is(err, model.ErrOrderNotFound),
		errors.Is(err, model.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrMarketHalted),
		errors.Is(err, model.ErrMarketClosed),
		errors.Is(err, model.ErrAccountSuspended),
		errors.Is(err, model.ErrAccountLiquidating):
		return http.StatusLocked
	case errors.Is(err, model.ErrInsufficientMargin),
		errors.Is(err, model.ErrInsufficientLiquidity),
		errors.Is(err, model.ErrNoLiquidity),
		errors.Is(err, model.ErrNoMarketPrice),
		errors.Is(err, model.ErrAlreadyFilled),
		errors.Is(err, model.ErrDuplicateOrder):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvariantViolation):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
