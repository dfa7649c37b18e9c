package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() decimal.Decimal {
	if s == SideBuy {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// OrderType enumerates the supported order types.
type OrderType string

const (
	OrderTypeMarket       OrderType = "MARKET"
	OrderTypeLimit        OrderType = "LIMIT"
	OrderTypeStop         OrderType = "STOP"
	OrderTypeStopLimit    OrderType = "STOP_LIMIT"
	OrderTypeTrailingStop OrderType = "TRAILING_STOP"
	OrderTypeIceberg      OrderType = "ICEBERG"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit,
		OrderTypeTrailingStop, OrderTypeIceberg:
		return true
	}
	return false
}

// Conditional reports whether the order type rests dormant until a trigger
// price is crossed.
func (t OrderType) Conditional() bool {
	switch t {
	case OrderTypeStop, OrderTypeStopLimit, OrderTypeTrailingStop:
		return true
	}
	return false
}

// TimeInForce enumerates order lifetime rules.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC" // Good Till Cancelled
	TimeInForceIOC TimeInForce = "IOC" // Immediate Or Cancel
	TimeInForceFOK TimeInForce = "FOK" // Fill Or Kill
)

// Valid reports whether tif is a known time-in-force.
func (tif TimeInForce) Valid() bool {
	switch tif {
	case TimeInForceGTC, TimeInForceIOC, TimeInForceFOK:
		return true
	}
	return false
}

// OrderStatus enumerates order lifecycle states.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPendingTrigger  OrderStatus = "PENDING_TRIGGER"
	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// Terminal reports whether no further fills or cancels can apply.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// TrailingMode selects how a trailing-stop offset is interpreted.
type TrailingMode string

const (
	TrailingModeAbsolute TrailingMode = "absolute"
	TrailingModePercent  TrailingMode = "percent"
)

// AssetClass tags an instrument's product category.
type AssetClass string

const (
	AssetClassCrypto AssetClass = "CRYPTO"
	AssetClassForex  AssetClass = "FOREX"
	AssetClassEquity AssetClass = "EQUITY"
)

// AccountStatus enumerates the risk state machine states for an account.
type AccountStatus string

const (
	AccountStatusActive      AccountStatus = "ACTIVE"
	AccountStatusMarginCall  AccountStatus = "MARGIN_CALL"
	AccountStatusLiquidating AccountStatus = "LIQUIDATING"
	AccountStatusSuspended   AccountStatus = "SUSPENDED"
)

// MarginAction distinguishes margin call records from liquidation records.
type MarginAction string

const (
	MarginActionCall        MarginAction = "MARGIN_CALL"
	MarginActionLiquidation MarginAction = "LIQUIDATION"
)

// BreakerScope is the scope of a circuit breaker halt.
type BreakerScope string

const (
	BreakerScopeInstrument BreakerScope = "INSTRUMENT"
	BreakerScopeMarket     BreakerScope = "MARKET"
)

// Instrument holds per-symbol static trading parameters. Immutable to the
// engine at match time.
type Instrument struct {
	Symbol      string          `json:"symbol"`
	TickSize    decimal.Decimal `json:"tick_size"`
	LotSize     decimal.Decimal `json:"lot_size"`
	MaxLeverage decimal.Decimal `json:"max_leverage"`
	AssetClass  AssetClass      `json:"asset_class"`
}

// Validate checks the registry invariants for an instrument.
func (i *Instrument) Validate() error {
	if i.Symbol == "" {
		return fmt.Errorf("instrument: empty symbol")
	}
	if i.TickSize.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("instrument %s: tick size must be positive", i.Symbol)
	}
	if i.LotSize.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("instrument %s: lot size must be positive", i.Symbol)
	}
	if i.MaxLeverage.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("instrument %s: max leverage must be >= 1", i.Symbol)
	}
	return nil
}

// Order is a trading order. Resting book state (VisibleQuantity,
// FilledQuantity of makers) is owned exclusively by the order book.
type Order struct {
	ID             uuid.UUID       `json:"id"`
	AccountID      uuid.UUID       `json:"account_id"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Type           OrderType       `json:"type"`
	TimeInForce    TimeInForce     `json:"time_in_force"`
	Price          decimal.Decimal `json:"price"`            // limit price; zero for market
	StopPrice      decimal.Decimal `json:"stop_price"`       // trigger price for conditional orders
	TrailingOffset decimal.Decimal `json:"trailing_offset"`  // for trailing stops
	DisplayQty     decimal.Decimal `json:"display_quantity"` // disclosed slice for icebergs
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	VisibleQty     decimal.Decimal `json:"-"` // current disclosed remainder, book-owned
	OCOGroupID     *uuid.UUID      `json:"oco_group_id,omitempty"`
	Status         OrderStatus     `json:"status"`
	Liquidation    bool            `json:"liquidation,omitempty"` // forced close, bypasses risk checks
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// Trade is an immutable match record. Exactly one maker and one taker.
type Trade struct {
	ID           uuid.UUID       `json:"trade_id"`
	Symbol       string          `json:"instrument_id"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	BuyOrderID   uuid.UUID       `json:"buy_order_id"`
	SellOrderID  uuid.UUID       `json:"sell_order_id"`
	BuyerID      uuid.UUID       `json:"buyer_id"`
	SellerID     uuid.UUID       `json:"seller_id"`
	MakerOrderID uuid.UUID       `json:"maker_order_id"`
	TakerOrderID uuid.UUID       `json:"taker_order_id"`
	MakerID      uuid.UUID       `json:"maker_id"`
	TakerID      uuid.UUID       `json:"taker_id"`
	CreatedAt    time.Time       `json:"timestamp"`
}

// Account is a trading entity. Status is owned by the liquidation
// controller; balance is mutated only by realized PnL and funding.
type Account struct {
	ID        uuid.UUID       `json:"id"`
	Balance   decimal.Decimal `json:"balance"`
	Leverage  decimal.Decimal `json:"leverage"`
	Status    AccountStatus   `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// Position is the net exposure of an account in one instrument.
type Position struct {
	AccountID  uuid.UUID       `json:"account_id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"` // volume-weighted average
	MarginUsed decimal.Decimal `json:"margin_used"` // notional / leverage
	Leverage   decimal.Decimal `json:"leverage"`
	OpenedAt   time.Time       `json:"opened_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Notional returns quantity * entry price.
func (p *Position) Notional() decimal.Decimal {
	return p.Quantity.Mul(p.EntryPrice)
}

// UnrealizedPnL computes the open PnL of the position at the given mark
// price: (mark - entry) * qty for longs, (entry - mark) * qty for shorts.
func (p *Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	if p.Side == SideBuy {
		return mark.Sub(p.EntryPrice).Mul(p.Quantity)
	}
	return p.EntryPrice.Sub(mark).Mul(p.Quantity)
}

// MarginSnapshot is the derived margin state of an account. MarginLevel is
// meaningful only when Leveraged is true (used margin > 0); an account with
// no open positions is always healthy.
type MarginSnapshot struct {
	AccountID   uuid.UUID       `json:"account_id"`
	Balance     decimal.Decimal `json:"balance"`
	Equity      decimal.Decimal `json:"equity"`
	UsedMargin  decimal.Decimal `json:"used_margin"`
	FreeMargin  decimal.Decimal `json:"free_margin"`
	MarginLevel decimal.Decimal `json:"margin_level"`
	Leveraged   bool            `json:"leveraged"`
	Status      AccountStatus   `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
}

// MarginCall is an immutable risk event record.
type MarginCall struct {
	ID          uuid.UUID       `json:"id"`
	AccountID   uuid.UUID       `json:"account_id"`
	MarginLevel decimal.Decimal `json:"margin_level"`
	Action      MarginAction    `json:"action"`
	Resolved    bool            `json:"resolved"`
	CreatedAt   time.Time       `json:"timestamp"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
}

// CircuitBreakerEvent records a volatility halt.
type CircuitBreakerEvent struct {
	ID            uuid.UUID       `json:"id"`
	Scope         BreakerScope    `json:"scope"`
	Symbol        string          `json:"instrument_id,omitempty"` // empty for market-wide
	Tier          int             `json:"tier"`
	Reason        string          `json:"trigger_reason"`
	PercentChange decimal.Decimal `json:"percent_change"`
	Duration      time.Duration   `json:"duration"`
	TriggeredAt   time.Time       `json:"triggered_at"`
	HaltedUntil   time.Time       `json:"halted_until"`
}

// DepthLevel is one aggregated price level of a book snapshot.
type DepthLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}
