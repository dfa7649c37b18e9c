// Trading state for the market as a whole and per instrument. Instrument
// state overlays market-wide state: an instrument is tradable only when
// both scopes are OPEN. Halts carry a reason and an expiry and clear
// themselves lazily on read.
package marketstate

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orbitex/exchange-core/internal/exchange/model"
)

// State is the trading state of a scope.
type State string

const (
	StateOpen   State = "OPEN"
	StateHalted State = "HALTED"
	StateClosed State = "CLOSED"
)

// Status describes the effective state of a scope.
type Status struct {
	State  State     `json:"state"`
	Reason string    `json:"reason,omitempty"`
	Until  time.Time `json:"until,omitempty"`
}

type entry struct {
	state  State
	reason string
	until  time.Time // zero for indefinite halts and for CLOSED
}

// effective resolves expired halts to OPEN.
func (e entry) effective(now time.Time) entry {
	if e.state == StateHalted && !e.until.IsZero() && now.After(e.until) {
		return entry{state: StateOpen}
	}
	return e
}

// Controller owns global and per-instrument trading state.
type Controller struct {
	logger *zap.Logger

	mu          sync.RWMutex
	market      entry
	instruments map[string]entry
}

// New returns a controller with the market open.
func New(logger *zap.Logger) *Controller {
	return &Controller{
		logger:      logger,
		market:      entry{state: StateOpen},
		instruments: make(map[string]entry),
	}
}

// IsTradable reports whether orders may be accepted for the instrument, and
// if not, which sentinel error applies.
func (c *Controller) IsTradable(symbol string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := time.Now()

	for _, e := range []entry{c.market.effective(now), c.instruments[symbol].effective(now)} {
		switch e.state {
		case StateClosed:
			return false, model.ErrMarketClosed
		case StateHalted:
			return false, model.ErrMarketHalted
		}
	}
	return true, nil
}

// HaltInstrument halts one instrument for the given duration. A zero
// duration halts indefinitely (admin override).
func (c *Controller) HaltInstrument(symbol, reason string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{state: StateHalted, reason: reason}
	if d > 0 {
		e.until = time.Now().Add(d)
	}
	c.instruments[symbol] = e
	c.logger.Warn("instrument halted",
		zap.String("symbol", symbol),
		zap.String("reason", reason),
		zap.Duration("duration", d))
}

// HaltMarket halts all trading for the given duration.
func (c *Controller) HaltMarket(reason string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{state: StateHalted, reason: reason}
	if d > 0 {
		e.until = time.Now().Add(d)
	}
	c.market = e
	c.logger.Warn("market halted", zap.String("reason", reason), zap.Duration("duration", d))
}

// ResumeInstrument clears any instrument-level halt or close.
func (c *Controller) ResumeInstrument(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.instruments, symbol)
	c.logger.Info("instrument resumed", zap.String("symbol", symbol))
}

// ResumeMarket reopens market-wide trading.
func (c *Controller) ResumeMarket() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.market = entry{state: StateOpen}
	c.logger.Info("market resumed")
}

// CloseInstrument marks one instrument closed until resumed.
func (c *Controller) CloseInstrument(symbol, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instruments[symbol] = entry{state: StateClosed, reason: reason}
}

// CloseMarket marks the whole market closed until resumed.
func (c *Controller) CloseMarket(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.market = entry{state: StateClosed, reason: reason}
}

// MarketStatus returns the effective market-wide state.
func (c *Controller) MarketStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.market.effective(time.Now())
	return Status{State: e.state, Reason: e.reason, Until: e.until}
}

// InstrumentStatus returns the effective state for one instrument,
// accounting for the market-wide overlay.
func (c *Controller) InstrumentStatus(symbol string) Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := time.Now()
	m := c.market.effective(now)
	if m.state != StateOpen {
		return Status{State: m.state, Reason: m.reason, Until: m.until}
	}
	e := c.instruments[symbol].effective(now)
	if e.state == "" {
		e.state = StateOpen
	}
	return Status{State: e.state, Reason: e.reason, Until: e.until}
}
