// Instrument registry: static per-symbol trading parameters supplied by the
// instrument-administration surface. Read-only to the engine at match time.
package registry

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/orbitex/exchange-core/internal/exchange/model"
)

// Registry holds instruments by symbol.
type Registry struct {
	mu          sync.RWMutex
	instruments map[string]model.Instrument
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{instruments: make(map[string]model.Instrument)}
}

// Register adds or replaces an instrument after validating its parameters.
func (r *Registry) Register(inst model.Instrument) error {
	if err := inst.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instruments[inst.Symbol] = inst
	return nil
}

// Get returns the instrument for a symbol.
func (r *Registry) Get(symbol string) (model.Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instruments[symbol]
	if !ok {
		return model.Instrument{}, fmt.Errorf("%w: %s", model.ErrUnknownInstrument, symbol)
	}
	return inst, nil
}

// Symbols returns all registered symbols.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.instruments))
	for s := range r.instruments {
		out = append(out, s)
	}
	return out
}

// ValidateOrder checks an order's price and quantity against the
// instrument's tick and lot sizes. Market orders carry no price.
func (r *Registry) ValidateOrder(o *model.Order) error {
	inst, err := r.Get(o.Symbol)
	if err != nil {
		return err
	}
	if o.Quantity.LessThanOrEqual(decimal.Zero) || !o.Quantity.Mod(inst.LotSize).IsZero() {
		return model.ErrInvalidQuantity
	}
	switch o.Type {
	case model.OrderTypeLimit, model.OrderTypeStopLimit, model.OrderTypeIceberg:
		// Stop and trailing-stop orders materialize as market orders and
		// carry no limit price.
		if o.Price.LessThanOrEqual(decimal.Zero) || !o.Price.Mod(inst.TickSize).IsZero() {
			return model.ErrInvalidPrice
		}
	}
	if o.Type.Conditional() {
		if o.Type == model.OrderTypeTrailingStop {
			if o.TrailingOffset.LessThanOrEqual(decimal.Zero) {
				return model.ErrInvalidTrailingOffset
			}
		} else if o.StopPrice.LessThanOrEqual(decimal.Zero) || !o.StopPrice.Mod(inst.TickSize).IsZero() {
			return model.ErrInvalidStopPrice
		}
	}
	if o.Type == model.OrderTypeIceberg {
		if o.DisplayQty.LessThanOrEqual(decimal.Zero) || o.DisplayQty.GreaterThan(o.Quantity) {
			return model.ErrInvalidDisplayQty
		}
	}
	return nil
}
