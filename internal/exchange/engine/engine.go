// Matching engine: validates and routes orders, matches them against the
// per-instrument order book and applies the resulting trades to the
// position ledger as one atomic unit. Matching is serialized per
// instrument through a shard mutex; different instruments run in parallel
// with no shared state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/orbitex/exchange-core/internal/exchange/events"
	"github.com/orbitex/exchange-core/internal/exchange/ledger"
	"github.com/orbitex/exchange-core/internal/exchange/margin"
	"github.com/orbitex/exchange-core/internal/exchange/marketstate"
	"github.com/orbitex/exchange-core/internal/exchange/metrics"
	"github.com/orbitex/exchange-core/internal/exchange/model"
	"github.com/orbitex/exchange-core/internal/exchange/orderbook"
	"github.com/orbitex/exchange-core/internal/exchange/registry"
)

// PriceRecorder receives last-trade ticks, e.g. the circuit breaker
// monitor's price history.
type PriceRecorder interface {
	RecordPrice(symbol string, price decimal.Decimal, ts time.Time)
}

// Config holds engine policy knobs.
type Config struct {
	// TrailingMode selects absolute or percent interpretation of trailing
	// stop offsets.
	TrailingMode model.TrailingMode
}

// SubmitResult is the synchronous outcome of a submission, including any
// immediate fills.
type SubmitResult struct {
	Order              *model.Order
	Trades             []*model.Trade
	RemainderCancelled bool
}

// shard serializes all matching for one instrument.
type shard struct {
	mu    sync.Mutex
	book  *orderbook.OrderBook
	stops map[uuid.UUID]*model.Order   // dormant conditional orders
	oco   map[uuid.UUID][]uuid.UUID    // OCO group id -> member order ids
}

// Engine coordinates books, ledger and risk surfaces.
type Engine struct {
	logger   *zap.Logger
	registry *registry.Registry
	market   *marketstate.Controller
	ledger   *ledger.Ledger
	calc     *margin.Calculator
	bus      *events.Bus
	cfg      Config

	recorder PriceRecorder // optional

	shardsMu sync.RWMutex
	shards   map[string]*shard

	ordersMu   sync.RWMutex
	orders     map[uuid.UUID]*model.Order // all orders ever accepted, by id
	ocoSymbols map[uuid.UUID]string       // OCO group id -> instrument it is bound to
}

// New wires an engine from its collaborators.
func New(logger *zap.Logger, reg *registry.Registry, market *marketstate.Controller,
	led *ledger.Ledger, calc *margin.Calculator, bus *events.Bus, cfg Config) *Engine {
	if cfg.TrailingMode == "" {
		cfg.TrailingMode = model.TrailingModeAbsolute
	}
	return &Engine{
		logger:     logger,
		registry:   reg,
		market:     market,
		ledger:     led,
		calc:       calc,
		bus:        bus,
		cfg:        cfg,
		shards:     make(map[string]*shard),
		orders:     make(map[uuid.UUID]*model.Order),
		ocoSymbols: make(map[uuid.UUID]string),
	}
}

// SetPriceRecorder registers a last-trade tick consumer.
func (e *Engine) SetPriceRecorder(r PriceRecorder) { e.recorder = r }

func (e *Engine) shardFor(symbol string) *shard {
	e.shardsMu.RLock()
	sh, ok := e.shards[symbol]
	e.shardsMu.RUnlock()
	if ok {
		return sh
	}
	e.shardsMu.Lock()
	defer e.shardsMu.Unlock()
	if sh, ok = e.shards[symbol]; ok {
		return sh
	}
	sh = &shard{
		book:  orderbook.New(symbol, e.logger),
		stops: make(map[uuid.UUID]*model.Order),
		oco:   make(map[uuid.UUID][]uuid.UUID),
	}
	e.shards[symbol] = sh
	return sh
}

// SubmitOrder validates, risk-checks and matches an order. Validation,
// state and risk failures reject synchronously with no side effects.
func (e *Engine) SubmitOrder(ctx context.Context, order *model.Order) (*SubmitResult, error) {
	if err := e.prepare(order); err != nil {
		metrics.OrdersSubmitted.WithLabelValues(order.Symbol, "rejected").Inc()
		return nil, err
	}

	sh := e.shardFor(order.Symbol)
	sh.mu.Lock()
	res, pubs, err := e.submitLocked(sh, order)
	sh.mu.Unlock()

	if err != nil {
		metrics.OrdersSubmitted.WithLabelValues(order.Symbol, "rejected").Inc()
		return nil, err
	}
	outcome := "accepted"
	if res.RemainderCancelled {
		outcome = "cancelled_remainder"
	}
	metrics.OrdersSubmitted.WithLabelValues(order.Symbol, outcome).Inc()
	metrics.RestingOrders.WithLabelValues(order.Symbol).Set(float64(sh.book.OrdersCount()))

	for _, t := range pubs {
		metrics.TradesExecuted.WithLabelValues(t.Symbol).Inc()
		e.bus.PublishTrade(*t)
	}
	return res, nil
}

// prepare normalizes and validates an order and runs the pre-book state
// and risk checks.
func (e *Engine) prepare(order *model.Order) error {
	if order == nil {
		return fmt.Errorf("order is nil")
	}
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	now := time.Now()
	order.CreatedAt = now
	order.UpdatedAt = now
	order.Status = model.OrderStatusNew
	if order.TimeInForce == "" {
		order.TimeInForce = model.TimeInForceGTC
	}

	if !order.Side.Valid() {
		return model.ErrInvalidSide
	}
	if !order.Type.Valid() {
		return model.ErrInvalidType
	}
	if !order.TimeInForce.Valid() {
		return model.ErrInvalidTimeInForce
	}
	if err := e.registry.ValidateOrder(order); err != nil {
		return err
	}

	if ok, err := e.market.IsTradable(order.Symbol); !ok {
		return err
	}

	acct, err := e.ledger.Account(order.AccountID)
	if err != nil {
		return err
	}
	switch acct.Status {
	case model.AccountStatusSuspended:
		return model.ErrAccountSuspended
	case model.AccountStatusLiquidating:
		if !order.Liquidation {
			return model.ErrAccountLiquidating
		}
	}

	// Risk check: the order's required margin must fit in free margin.
	// Forced liquidation closes reduce exposure and skip it.
	if !order.Liquidation {
		ref := e.referencePrice(order)
		if ref.GreaterThan(decimal.Zero) {
			required := margin.RequiredMargin(order.Quantity, ref, acct.Leverage)
			ok, err := e.calc.HasFreeMargin(order.AccountID, required)
			if err != nil {
				return err
			}
			if !ok {
				return model.ErrInsufficientMargin
			}
		}
	}
	return nil
}

// referencePrice picks the price used for the pre-trade margin check:
// the limit price when there is one, otherwise the current market.
func (e *Engine) referencePrice(order *model.Order) decimal.Decimal {
	if order.Price.GreaterThan(decimal.Zero) {
		return order.Price
	}
	sh := e.shardFor(order.Symbol)
	if last := sh.book.LastPrice(); last.GreaterThan(decimal.Zero) {
		return last
	}
	if order.Side == model.SideBuy {
		if ask, ok := sh.book.BestAsk(); ok {
			return ask
		}
	} else if bid, ok := sh.book.BestBid(); ok {
		return bid
	}
	return e.ledger.MarkPrice(order.Symbol)
}

// submitLocked runs under the shard mutex: it parks conditional orders or
// matches active ones, settles trades into the ledger and chases any
// conditional activations caused by the price moving. Returns trades to
// publish after the lock is released.
func (e *Engine) submitLocked(sh *shard, order *model.Order) (*SubmitResult, []*model.Trade, error) {
	// Duplicate ids reject before any bookkeeping so the original order's
	// index entry survives untouched.
	if existing := e.lookupOrder(order.ID); existing != nil {
		return nil, nil, model.ErrDuplicateOrder
	}
	if err := e.bindOCOGroup(order); err != nil {
		return nil, nil, err
	}
	e.indexOrder(order)
	e.registerOCOLocked(sh, order)

	if order.Type.Conditional() {
		last := sh.book.LastPrice()
		if last.IsZero() {
			last = e.ledger.MarkPrice(order.Symbol)
		}
		if order.Type == model.OrderTypeTrailingStop {
			if last.IsZero() {
				e.dropOrder(sh, order)
				return nil, nil, model.ErrNoMarketPrice
			}
			order.StopPrice = e.initialTrailingTrigger(order, last)
		}
		if !triggered(order, last) {
			order.Status = model.OrderStatusPendingTrigger
			sh.stops[order.ID] = order
			return &SubmitResult{Order: order}, nil, nil
		}
		materialize(order)
	}

	res, err := sh.book.AddOrder(order)
	if err != nil {
		e.dropOrder(sh, order)
		if errors.Is(err, model.ErrInvariantViolation) {
			e.haltDefensively(order.Symbol, err)
		}
		return nil, nil, err
	}

	pubs, err := e.settleLocked(sh, order, res.Trades)
	if err != nil {
		return nil, nil, err
	}

	// The submission's own trades moved the price; activate any stops that
	// crossed, and let their fills cascade.
	cascade, err := e.activateTriggeredLocked(sh)
	if err != nil {
		return nil, nil, err
	}
	pubs = append(pubs, cascade...)

	return &SubmitResult{
		Order:              order,
		Trades:             res.Trades,
		RemainderCancelled: res.RemainderCancelled,
	}, pubs, nil
}

// settleLocked applies trades to the ledger, records price ticks and
// enforces OCO sibling cancellation for every filled order.
func (e *Engine) settleLocked(sh *shard, taker *model.Order, trades []*model.Trade) ([]*model.Trade, error) {
	for _, t := range trades {
		if err := e.ledger.ApplyTrade(t); err != nil {
			e.haltDefensively(t.Symbol, err)
			return nil, err
		}
		if e.recorder != nil {
			e.recorder.RecordPrice(t.Symbol, t.Price, t.CreatedAt)
		}
	}
	if len(trades) > 0 {
		e.cancelOCOSiblingsLocked(sh, taker)
		for _, t := range trades {
			if maker := e.lookupOrder(t.MakerOrderID); maker != nil {
				e.cancelOCOSiblingsLocked(sh, maker)
			}
		}
	}
	return trades, nil
}

// CancelOrder cancels a resting or dormant order. A cancel racing a fill
// reports ErrAlreadyFilled, a distinct non-fatal outcome.
func (e *Engine) CancelOrder(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	order := e.lookupOrder(orderID)
	if order == nil {
		return nil, model.ErrOrderNotFound
	}
	sh := e.shardFor(order.Symbol)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return e.cancelLocked(sh, orderID)
}

func (e *Engine) cancelLocked(sh *shard, orderID uuid.UUID) (*model.Order, error) {
	if dormant, ok := sh.stops[orderID]; ok {
		delete(sh.stops, orderID)
		dormant.Status = model.OrderStatusCancelled
		dormant.UpdatedAt = time.Now()
		e.cancelOCOSiblingsLocked(sh, dormant)
		return dormant, nil
	}

	cancelled, err := sh.book.CancelOrder(orderID)
	if err == nil {
		e.cancelOCOSiblingsLocked(sh, cancelled)
		metrics.RestingOrders.WithLabelValues(sh.book.Symbol()).Set(float64(sh.book.OrdersCount()))
		return cancelled, nil
	}
	if order := e.lookupOrder(orderID); order != nil {
		switch order.Status {
		case model.OrderStatusFilled:
			return nil, model.ErrAlreadyFilled
		}
	}
	return nil, model.ErrOrderNotFound
}

// CancelAllForAccount cancels every resting and dormant order of an
// account across all instruments. Used by the liquidation controller.
func (e *Engine) CancelAllForAccount(accountID uuid.UUID) int {
	e.shardsMu.RLock()
	shards := make([]*shard, 0, len(e.shards))
	for _, sh := range e.shards {
		shards = append(shards, sh)
	}
	e.shardsMu.RUnlock()

	cancelled := 0
	for _, sh := range shards {
		sh.mu.Lock()
		for _, id := range sh.book.OrdersForAccount(accountID) {
			if _, err := e.cancelLocked(sh, id); err == nil {
				cancelled++
			}
		}
		for id, o := range sh.stops {
			if o.AccountID == accountID {
				if _, err := e.cancelLocked(sh, id); err == nil {
					cancelled++
				}
			}
		}
		sh.mu.Unlock()
	}
	return cancelled
}

// SubmitLiquidationClose submits a forced market close for a position.
// It bypasses the margin check and account-status gate, but not halts.
func (e *Engine) SubmitLiquidationClose(ctx context.Context, accountID uuid.UUID, symbol string, side model.Side, qty decimal.Decimal) (*SubmitResult, error) {
	order := &model.Order{
		ID:          uuid.New(),
		AccountID:   accountID,
		Symbol:      symbol,
		Side:        side,
		Type:        model.OrderTypeMarket,
		TimeInForce: model.TimeInForceIOC,
		Quantity:    qty,
		Liquidation: true,
	}
	return e.SubmitOrder(ctx, order)
}

// Order returns a copy of the engine's record of an order. The copy is
// taken under the instrument's shard lock so readers never observe a fill
// in progress.
func (e *Engine) Order(orderID uuid.UUID) (model.Order, bool) {
	o := e.lookupOrder(orderID)
	if o == nil {
		return model.Order{}, false
	}
	sh := e.shardFor(o.Symbol)
	sh.mu.Lock()
	snap := *o
	sh.mu.Unlock()
	return snap, true
}

// Depth returns an aggregated book snapshot for one instrument.
func (e *Engine) Depth(symbol string, levels int) (bids, asks []model.DepthLevel, err error) {
	if _, err := e.registry.Get(symbol); err != nil {
		return nil, nil, err
	}
	sh := e.shardFor(symbol)
	bids, asks = sh.book.Depth(levels)
	return bids, asks, nil
}

// LastPrice returns the last traded price for one instrument.
func (e *Engine) LastPrice(symbol string) decimal.Decimal {
	return e.shardFor(symbol).book.LastPrice()
}

func (e *Engine) indexOrder(order *model.Order) {
	e.ordersMu.Lock()
	e.orders[order.ID] = order
	e.ordersMu.Unlock()
}

func (e *Engine) lookupOrder(orderID uuid.UUID) *model.Order {
	e.ordersMu.RLock()
	defer e.ordersMu.RUnlock()
	return e.orders[orderID]
}

// bindOCOGroup pins an OCO group to the first instrument it is used on.
// Sibling orders on a different instrument reject: groups never span
// shards, so cross-cancellation cannot silently go missing.
func (e *Engine) bindOCOGroup(order *model.Order) error {
	if order.OCOGroupID == nil {
		return nil
	}
	e.ordersMu.Lock()
	defer e.ordersMu.Unlock()
	if sym, bound := e.ocoSymbols[*order.OCOGroupID]; bound && sym != order.Symbol {
		return model.ErrOCOGroupMismatch
	}
	e.ocoSymbols[*order.OCOGroupID] = order.Symbol
	return nil
}

func (e *Engine) unbindOCOGroup(group uuid.UUID) {
	e.ordersMu.Lock()
	delete(e.ocoSymbols, group)
	e.ordersMu.Unlock()
}

// dropOrder removes a rejected order from the index and OCO registry so a
// reject truly has no side effects.
func (e *Engine) dropOrder(sh *shard, order *model.Order) {
	e.ordersMu.Lock()
	delete(e.orders, order.ID)
	e.ordersMu.Unlock()
	if order.OCOGroupID != nil {
		group := *order.OCOGroupID
		members := sh.oco[group]
		for i, id := range members {
			if id == order.ID {
				members = append(members[:i], members[i+1:]...)
				break
			}
		}
		if len(members) == 0 {
			delete(sh.oco, group)
			e.unbindOCOGroup(group)
		} else {
			sh.oco[group] = members
		}
	}
}

// haltDefensively halts an instrument after an internal invariant
// violation rather than letting it corrupt further matches.
func (e *Engine) haltDefensively(symbol string, cause error) {
	e.logger.Error("invariant violation, halting instrument defensively",
		zap.String("symbol", symbol),
		zap.Error(cause))
	e.market.HaltInstrument(symbol, "internal invariant violation", 0)
}
