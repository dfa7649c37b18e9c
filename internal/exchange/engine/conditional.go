// Conditional order handling: stop, stop-limit and trailing-stop
// activation against the last traded price, and OCO sibling linkage.
package engine

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/orbitex/exchange-core/internal/exchange/model"
)

// triggered reports whether the last traded price has crossed the order's
// trigger. Dormant orders never trigger before the first trade.
func triggered(order *model.Order, last decimal.Decimal) bool {
	if last.IsZero() || order.StopPrice.IsZero() {
		return false
	}
	if order.Side == model.SideBuy {
		return last.GreaterThanOrEqual(order.StopPrice)
	}
	return last.LessThanOrEqual(order.StopPrice)
}

// materialize converts a triggered conditional order into the order that
// actually enters the book: stop and trailing-stop become market orders,
// stop-limit becomes a limit order at its limit price.
func materialize(order *model.Order) {
	switch order.Type {
	case model.OrderTypeStop, model.OrderTypeTrailingStop:
		order.Type = model.OrderTypeMarket
	case model.OrderTypeStopLimit:
		order.Type = model.OrderTypeLimit
	}
}

// initialTrailingTrigger derives the first trigger price from the current
// market: below it for sells, above it for buys.
func (e *Engine) initialTrailingTrigger(order *model.Order, last decimal.Decimal) decimal.Decimal {
	offset := e.trailingDistance(order, last)
	if order.Side == model.SideBuy {
		return last.Add(offset)
	}
	return last.Sub(offset)
}

// trailingDistance resolves the offset in price units according to the
// configured mode.
func (e *Engine) trailingDistance(order *model.Order, last decimal.Decimal) decimal.Decimal {
	if e.cfg.TrailingMode == model.TrailingModePercent {
		return last.Mul(order.TrailingOffset).Div(decimal.NewFromInt(100))
	}
	return order.TrailingOffset
}

// updateTrailingLocked recomputes trailing-stop triggers for a new last
// trade tick. Triggers only move in the order's favorable direction: up
// for sells as the market rises, down for buys as it falls.
func (e *Engine) updateTrailingLocked(sh *shard, last decimal.Decimal) {
	for _, o := range sh.stops {
		if o.Type != model.OrderTypeTrailingStop {
			continue
		}
		candidate := e.initialTrailingTrigger(o, last)
		if o.Side == model.SideBuy {
			if candidate.LessThan(o.StopPrice) {
				o.StopPrice = candidate
				o.UpdatedAt = time.Now()
			}
		} else if candidate.GreaterThan(o.StopPrice) {
			o.StopPrice = candidate
			o.UpdatedAt = time.Now()
		}
	}
}

// activateTriggeredLocked fires every dormant order whose trigger the
// current last price has crossed, matches it, and repeats while the
// resulting trades keep moving the price. Each order activates at most
// once, so the loop is bounded by the number of dormant orders.
func (e *Engine) activateTriggeredLocked(sh *shard) ([]*model.Trade, error) {
	var pubs []*model.Trade
	for {
		last := sh.book.LastPrice()
		if last.IsZero() {
			return pubs, nil
		}
		e.updateTrailingLocked(sh, last)

		var fired []*model.Order
		for id, o := range sh.stops {
			if triggered(o, last) {
				fired = append(fired, o)
				delete(sh.stops, id)
			}
		}
		if len(fired) == 0 {
			return pubs, nil
		}
		// Activate in arrival order for deterministic sequencing.
		sort.Slice(fired, func(i, j int) bool { return fired[i].CreatedAt.Before(fired[j].CreatedAt) })

		for _, o := range fired {
			materialize(o)
			res, err := sh.book.AddOrder(o)
			if err != nil {
				if errors.Is(err, model.ErrNoLiquidity) || errors.Is(err, model.ErrInsufficientLiquidity) {
					// Triggered into an empty or too-thin book: the
					// activation is cancelled, not an engine failure.
					o.Status = model.OrderStatusCancelled
					e.cancelOCOSiblingsLocked(sh, o)
					continue
				}
				if errors.Is(err, model.ErrInvariantViolation) {
					e.haltDefensively(o.Symbol, err)
				}
				return pubs, err
			}
			settled, err := e.settleLocked(sh, o, res.Trades)
			if err != nil {
				return pubs, err
			}
			pubs = append(pubs, settled...)
		}
	}
}

// registerOCOLocked records an order's membership in its OCO group.
func (e *Engine) registerOCOLocked(sh *shard, order *model.Order) {
	if order.OCOGroupID == nil {
		return
	}
	sh.oco[*order.OCOGroupID] = append(sh.oco[*order.OCOGroupID], order.ID)
}

// cancelOCOSiblingsLocked cancels the remaining quantity of every other
// member of the order's OCO group. Fills and cancels both trip it; the
// group is dissolved first so sibling cancellation does not recurse.
func (e *Engine) cancelOCOSiblingsLocked(sh *shard, order *model.Order) {
	if order.OCOGroupID == nil {
		return
	}
	group := *order.OCOGroupID
	members, ok := sh.oco[group]
	if !ok {
		return
	}
	delete(sh.oco, group)
	e.unbindOCOGroup(group)

	for _, id := range members {
		if id == order.ID {
			continue
		}
		if dormant, found := sh.stops[id]; found {
			delete(sh.stops, id)
			dormant.Status = model.OrderStatusCancelled
			dormant.UpdatedAt = time.Now()
			continue
		}
		if _, err := sh.book.CancelOrder(id); err != nil {
			// Already filled or never rested; nothing left to cancel.
			continue
		}
	}
}
