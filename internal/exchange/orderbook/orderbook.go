// Order book core: stores, matches and manages resting orders for one
// instrument. Orders live in price levels kept in B-trees (best price
// first); each level is FIFO by arrival, so matching is price-time
// priority. All mutations happen under the book lock; the matching engine
// serializes submissions per instrument on top of it.
package orderbook

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/orbitex/exchange-core/internal/exchange/model"
)

// MaxSnapshotDepth caps depth snapshots for API and internal consumers.
const MaxSnapshotDepth = 1000

// priceLevel holds all resting orders at one price, FIFO by arrival.
type priceLevel struct {
	price  decimal.Decimal
	orders []*model.Order
}

func (l *priceLevel) visibleTotal() decimal.Decimal {
	total := decimal.Zero
	for _, o := range l.orders {
		total = total.Add(o.VisibleQty)
	}
	return total
}

// AddOrderResult is the outcome of a single submission: executed trades,
// the resting remainder (nil if nothing rests) and whether an unfilled
// remainder was cancelled (IOC leftover, market-order exhaustion). A
// cancelled remainder is expected behavior, distinct from a reject.
type AddOrderResult struct {
	Trades             []*model.Trade
	Resting            *model.Order
	RemainderCancelled bool
}

// OrderBook owns all mutable resting-order state for one instrument.
type OrderBook struct {
	symbol string
	logger *zap.Logger

	mu        sync.RWMutex
	bids      *btree.BTreeG[*priceLevel] // highest price first
	asks      *btree.BTreeG[*priceLevel] // lowest price first
	orders    map[uuid.UUID]*model.Order
	lastPrice decimal.Decimal
}

// New creates an empty book for the given symbol.
func New(symbol string, logger *zap.Logger) *OrderBook {
	return &OrderBook{
		symbol: symbol,
		logger: logger,
		bids: btree.NewBTreeG(func(a, b *priceLevel) bool {
			return a.price.GreaterThan(b.price)
		}),
		asks: btree.NewBTreeG(func(a, b *priceLevel) bool {
			return a.price.LessThan(b.price)
		}),
		orders: make(map[uuid.UUID]*model.Order),
	}
}

// Symbol returns the instrument this book serves.
func (ob *OrderBook) Symbol() string { return ob.symbol }

// AddOrder matches the incoming order against the opposite side and rests
// any remainder according to its type and time-in-force. Market orders
// never rest; FOK either fills entirely or leaves the book untouched.
func (ob *OrderBook) AddOrder(order *model.Order) (*AddOrderResult, error) {
	if order == nil {
		return nil, fmt.Errorf("order is nil")
	}
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if _, exists := ob.orders[order.ID]; exists {
		return nil, model.ErrDuplicateOrder
	}
	if order.Remaining().LessThanOrEqual(decimal.Zero) {
		return nil, model.ErrInvalidQuantity
	}

	isMarket := order.Type == model.OrderTypeMarket

	// FOK: pre-trade liquidity check. Walk the book before committing any
	// fill; reject whole if depth is insufficient. Hidden iceberg quantity
	// counts because slices replenish within a single match walk.
	if order.TimeInForce == model.TimeInForceFOK {
		if !ob.canFullyFillLocked(order, isMarket) {
			return nil, model.ErrInsufficientLiquidity
		}
	}

	trades, err := ob.matchLocked(order, isMarket)
	if err != nil {
		return nil, err
	}

	res := &AddOrderResult{Trades: trades}
	remaining := order.Remaining()

	switch {
	case isMarket:
		if len(trades) == 0 {
			order.Status = model.OrderStatusRejected
			return nil, model.ErrNoLiquidity
		}
		if remaining.GreaterThan(decimal.Zero) {
			order.Status = model.OrderStatusCancelled
			res.RemainderCancelled = true
		} else {
			order.Status = model.OrderStatusFilled
		}
	case remaining.IsZero():
		order.Status = model.OrderStatusFilled
	case order.TimeInForce == model.TimeInForceIOC:
		order.Status = model.OrderStatusCancelled
		res.RemainderCancelled = true
	default:
		ob.restLocked(order)
		res.Resting = order
	}
	order.UpdatedAt = time.Now()
	return res, nil
}

// crosses reports whether a limit taker price crosses the level price.
func crosses(side model.Side, takerPrice, levelPrice decimal.Decimal) bool {
	if side == model.SideBuy {
		return takerPrice.GreaterThanOrEqual(levelPrice)
	}
	return takerPrice.LessThanOrEqual(levelPrice)
}

func (ob *OrderBook) oppositeSide(side model.Side) *btree.BTreeG[*priceLevel] {
	if side == model.SideBuy {
		return ob.asks
	}
	return ob.bids
}

func (ob *OrderBook) sameSide(side model.Side) *btree.BTreeG[*priceLevel] {
	if side == model.SideBuy {
		return ob.bids
	}
	return ob.asks
}

// matchLocked walks the opposite side best-price-first, filling FIFO within
// each level. Iceberg makers replenish their disclosed slice at the back of
// the level queue once the visible part is consumed.
func (ob *OrderBook) matchLocked(taker *model.Order, limitless bool) ([]*model.Trade, error) {
	opp := ob.oppositeSide(taker.Side)

	// Snapshot crossing levels first; matching never creates new levels on
	// the opposite side, so mutating level contents afterwards is safe.
	var levels []*priceLevel
	opp.Scan(func(l *priceLevel) bool {
		if !limitless && !crosses(taker.Side, taker.Price, l.price) {
			return false
		}
		levels = append(levels, l)
		return true
	})

	var trades []*model.Trade
	for _, lvl := range levels {
		if taker.Remaining().LessThanOrEqual(decimal.Zero) {
			break
		}
		i := 0
		for i < len(lvl.orders) && taker.Remaining().GreaterThan(decimal.Zero) {
			maker := lvl.orders[i]
			if maker.AccountID == taker.AccountID {
				// Self-match prevention: never fill against own orders.
				i++
				continue
			}
			matchQty := decimal.Min(taker.Remaining(), maker.VisibleQty)
			if matchQty.LessThanOrEqual(decimal.Zero) {
				return trades, fmt.Errorf("%w: non-positive match quantity on %s", model.ErrInvariantViolation, ob.symbol)
			}

			taker.FilledQuantity = taker.FilledQuantity.Add(matchQty)
			maker.FilledQuantity = maker.FilledQuantity.Add(matchQty)
			maker.VisibleQty = maker.VisibleQty.Sub(matchQty)
			maker.UpdatedAt = time.Now()

			if maker.Remaining().IsNegative() || taker.Remaining().IsNegative() {
				return trades, fmt.Errorf("%w: negative remaining quantity on %s", model.ErrInvariantViolation, ob.symbol)
			}

			trades = append(trades, ob.newTrade(maker, taker, lvl.price, matchQty))

			switch {
			case maker.Remaining().IsZero():
				maker.Status = model.OrderStatusFilled
				lvl.orders = append(lvl.orders[:i], lvl.orders[i+1:]...)
				delete(ob.orders, maker.ID)
			case maker.VisibleQty.IsZero():
				// Iceberg slice exhausted: replenish the next slice and
				// requeue at the back of the level. Time priority is lost.
				maker.VisibleQty = decimal.Min(maker.DisplayQty, maker.Remaining())
				maker.Status = model.OrderStatusPartiallyFilled
				lvl.orders = append(lvl.orders[:i], lvl.orders[i+1:]...)
				lvl.orders = append(lvl.orders, maker)
			default:
				maker.Status = model.OrderStatusPartiallyFilled
				i++
			}
		}
		if len(lvl.orders) == 0 {
			opp.Delete(lvl)
		}
	}
	if n := len(trades); n > 0 {
		ob.lastPrice = trades[n-1].Price
	}
	return trades, nil
}

// canFullyFillLocked reports whether the opposite side holds enough depth
// to fill the order completely, excluding the account's own resting orders.
func (ob *OrderBook) canFullyFillLocked(order *model.Order, limitless bool) bool {
	available := decimal.Zero
	ob.oppositeSide(order.Side).Scan(func(l *priceLevel) bool {
		if !limitless && !crosses(order.Side, order.Price, l.price) {
			return false
		}
		for _, maker := range l.orders {
			if maker.AccountID == order.AccountID {
				continue
			}
			available = available.Add(maker.Remaining())
		}
		return available.LessThan(order.Remaining())
	})
	return available.GreaterThanOrEqual(order.Remaining())
}

// restLocked places the remainder of an order in its side of the book.
func (ob *OrderBook) restLocked(order *model.Order) {
	if order.Type == model.OrderTypeIceberg {
		order.VisibleQty = decimal.Min(order.DisplayQty, order.Remaining())
	} else {
		order.VisibleQty = order.Remaining()
	}
	if order.FilledQuantity.GreaterThan(decimal.Zero) {
		order.Status = model.OrderStatusPartiallyFilled
	} else {
		order.Status = model.OrderStatusOpen
	}

	side := ob.sameSide(order.Side)
	key := &priceLevel{price: order.Price}
	lvl, ok := side.Get(key)
	if !ok {
		lvl = &priceLevel{price: order.Price}
		side.Set(lvl)
	}
	lvl.orders = append(lvl.orders, order)
	ob.orders[order.ID] = order
}

func (ob *OrderBook) newTrade(maker, taker *model.Order, price, qty decimal.Decimal) *model.Trade {
	t := &model.Trade{
		ID:           uuid.New(),
		Symbol:       ob.symbol,
		Price:        price,
		Quantity:     qty,
		MakerOrderID: maker.ID,
		TakerOrderID: taker.ID,
		MakerID:      maker.AccountID,
		TakerID:      taker.AccountID,
		CreatedAt:    time.Now(),
	}
	if taker.Side == model.SideBuy {
		t.BuyOrderID, t.SellOrderID = taker.ID, maker.ID
		t.BuyerID, t.SellerID = taker.AccountID, maker.AccountID
	} else {
		t.BuyOrderID, t.SellOrderID = maker.ID, taker.ID
		t.BuyerID, t.SellerID = maker.AccountID, taker.AccountID
	}
	return t
}

// CancelOrder removes a resting order. A cancel racing a fill legitimately
// reports ErrOrderNotFound; the caller maps that to "already filled" when
// the order is known to have traded.
func (ob *OrderBook) CancelOrder(orderID uuid.UUID) (*model.Order, error) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	order, ok := ob.orders[orderID]
	if !ok {
		return nil, model.ErrOrderNotFound
	}
	side := ob.sameSide(order.Side)
	key := &priceLevel{price: order.Price}
	if lvl, found := side.Get(key); found {
		for i, o := range lvl.orders {
			if o.ID == orderID {
				lvl.orders = append(lvl.orders[:i], lvl.orders[i+1:]...)
				break
			}
		}
		if len(lvl.orders) == 0 {
			side.Delete(lvl)
		}
	}
	delete(ob.orders, orderID)
	order.Status = model.OrderStatusCancelled
	order.UpdatedAt = time.Now()
	return order, nil
}

// Order returns a resting order by id.
func (ob *OrderBook) Order(orderID uuid.UUID) (*model.Order, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	o, ok := ob.orders[orderID]
	return o, ok
}

// OrdersForAccount returns the ids of all resting orders of one account.
func (ob *OrderBook) OrdersForAccount(accountID uuid.UUID) []uuid.UUID {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	var ids []uuid.UUID
	for id, o := range ob.orders {
		if o.AccountID == accountID {
			ids = append(ids, id)
		}
	}
	return ids
}

// BestBid returns the highest resting bid price.
func (ob *OrderBook) BestBid() (decimal.Decimal, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if lvl, ok := ob.bids.Min(); ok {
		return lvl.price, true
	}
	return decimal.Zero, false
}

// BestAsk returns the lowest resting ask price.
func (ob *OrderBook) BestAsk() (decimal.Decimal, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if lvl, ok := ob.asks.Min(); ok {
		return lvl.price, true
	}
	return decimal.Zero, false
}

// LastPrice returns the last traded price, zero before the first trade.
func (ob *OrderBook) LastPrice() decimal.Decimal {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.lastPrice
}

// Depth returns up to `levels` aggregated price levels per side, best
// first. Iceberg orders contribute only their disclosed quantity.
func (ob *OrderBook) Depth(levels int) (bids, asks []model.DepthLevel) {
	if levels <= 0 || levels > MaxSnapshotDepth {
		levels = MaxSnapshotDepth
	}
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	ob.bids.Scan(func(l *priceLevel) bool {
		bids = append(bids, model.DepthLevel{Price: l.price, Quantity: l.visibleTotal()})
		return len(bids) < levels
	})
	ob.asks.Scan(func(l *priceLevel) bool {
		asks = append(asks, model.DepthLevel{Price: l.price, Quantity: l.visibleTotal()})
		return len(asks) < levels
	})
	return bids, asks
}

// OrdersCount returns the number of resting orders.
func (ob *OrderBook) OrdersCount() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return len(ob.orders)
}
