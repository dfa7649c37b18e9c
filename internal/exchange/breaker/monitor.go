// Circuit breaker monitor: watches rolling price changes per instrument
// and market-wide, and halts trading through the market state controller
// when a volatility tier is breached. Runs as an independent periodic
// loop with a jittered interval.
package breaker

import (
	"context"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/orbitex/exchange-core/internal/exchange/events"
	"github.com/orbitex/exchange-core/internal/exchange/marketstate"
	"github.com/orbitex/exchange-core/internal/exchange/metrics"
	"github.com/orbitex/exchange-core/internal/exchange/model"
)

// Tier pairs a percent-change threshold over a lookback window with the
// halt duration it triggers.
type Tier struct {
	Change decimal.Decimal // percent
	Window time.Duration
	Halt   time.Duration
}

// Config holds the evaluation schedule and tier tables.
type Config struct {
	Interval        time.Duration
	Jitter          time.Duration
	InstrumentTiers []Tier
	MarketTiers     []Tier
}

// DefaultConfig returns the standard tier tables.
func DefaultConfig() Config {
	pct := func(n int64) decimal.Decimal { return decimal.NewFromInt(n) }
	return Config{
		Interval: 20 * time.Second,
		Jitter:   5 * time.Second,
		InstrumentTiers: []Tier{
			{Change: pct(5), Window: 1 * time.Minute, Halt: 5 * time.Minute},
			{Change: pct(10), Window: 5 * time.Minute, Halt: 15 * time.Minute},
			{Change: pct(20), Window: 15 * time.Minute, Halt: 30 * time.Minute},
		},
		MarketTiers: []Tier{
			{Change: pct(7), Window: 5 * time.Minute, Halt: 15 * time.Minute},
			{Change: pct(13), Window: 10 * time.Minute, Halt: 30 * time.Minute},
			{Change: pct(20), Window: 15 * time.Minute, Halt: 60 * time.Minute},
		},
	}
}

type pricePoint struct {
	ts    time.Time
	price decimal.Decimal
}

// Monitor keeps per-instrument price history and evaluates the tiers.
type Monitor struct {
	logger *zap.Logger
	market *marketstate.Controller
	bus    *events.Bus
	cfg    Config

	mu      sync.Mutex
	history map[string][]pricePoint
}

// New builds a monitor. Tier tables are sorted ascending by threshold so
// the highest breached tier can be picked by scanning from the back.
func New(logger *zap.Logger, market *marketstate.Controller, bus *events.Bus, cfg Config) *Monitor {
	sortTiers := func(tiers []Tier) {
		sort.Slice(tiers, func(i, j int) bool { return tiers[i].Change.LessThan(tiers[j].Change) })
	}
	sortTiers(cfg.InstrumentTiers)
	sortTiers(cfg.MarketTiers)
	return &Monitor{
		logger:  logger,
		market:  market,
		bus:     bus,
		cfg:     cfg,
		history: make(map[string][]pricePoint),
	}
}

// RecordPrice appends a last-trade tick to the instrument's history.
// Called from the engine's single-threaded per-instrument trade stream.
func (m *Monitor) RecordPrice(symbol string, price decimal.Decimal, ts time.Time) {
	if price.LessThanOrEqual(decimal.Zero) {
		return
	}
	maxWindow := m.maxWindow()
	m.mu.Lock()
	defer m.mu.Unlock()
	pts := append(m.history[symbol], pricePoint{ts: ts, price: price})
	cutoff := ts.Add(-maxWindow)
	trim := 0
	for trim < len(pts)-1 && pts[trim].ts.Before(cutoff) {
		trim++
	}
	m.history[symbol] = pts[trim:]
}

func (m *Monitor) maxWindow() time.Duration {
	max := time.Minute
	for _, t := range append(append([]Tier{}, m.cfg.InstrumentTiers...), m.cfg.MarketTiers...) {
		if t.Window > max {
			max = t.Window
		}
	}
	return max
}

// Run evaluates periodically until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("circuit breaker monitor started",
		zap.Duration("interval", m.cfg.Interval))
	for {
		timer := time.NewTimer(jittered(m.cfg.Interval, m.cfg.Jitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info("circuit breaker monitor stopped")
			return
		case <-timer.C:
			m.Evaluate(time.Now())
		}
	}
}

func jittered(interval, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return interval
	}
	return interval + time.Duration(rand.Int63n(int64(jitter)))
}

// Evaluate checks every instrument and the market-wide average against the
// tier tables. Only the highest breached tier of a scope triggers.
func (m *Monitor) Evaluate(now time.Time) {
	m.mu.Lock()
	symbols := make([]string, 0, len(m.history))
	for s := range m.history {
		symbols = append(symbols, s)
	}
	m.mu.Unlock()
	sort.Strings(symbols)

	instChanges := make(map[string][]decimal.Decimal, len(symbols)) // per tier index of MarketTiers

	for _, symbol := range symbols {
		if st := m.market.InstrumentStatus(symbol); st.State != marketstate.StateOpen {
			// Scope already halted or closed; nothing trades, nothing to
			// re-evaluate until it reopens.
			continue
		}
		tier, idx, change, breached := m.highestBreached(symbol, m.cfg.InstrumentTiers, now)
		if breached {
			m.trip(model.BreakerScopeInstrument, symbol, idx+1, tier, change, now)
			// Just halted: leave it out of the market-wide average.
			continue
		}
		// Collect per-market-tier changes for the market-wide average.
		for _, t := range m.cfg.MarketTiers {
			if ch, ok := m.percentChange(symbol, t.Window, now); ok {
				instChanges[symbol] = append(instChanges[symbol], ch)
			} else {
				instChanges[symbol] = append(instChanges[symbol], decimal.Zero)
			}
		}
	}

	if m.market.MarketStatus().State != marketstate.StateOpen || len(instChanges) == 0 {
		return
	}
	for i := len(m.cfg.MarketTiers) - 1; i >= 0; i-- {
		tier := m.cfg.MarketTiers[i]
		sum := decimal.Zero
		for _, changes := range instChanges {
			sum = sum.Add(changes[i])
		}
		avg := sum.Div(decimal.NewFromInt(int64(len(instChanges))))
		if avg.GreaterThanOrEqual(tier.Change) {
			m.trip(model.BreakerScopeMarket, "", i+1, tier, avg, now)
			return
		}
	}
}

// highestBreached returns the highest tier the instrument breaches.
func (m *Monitor) highestBreached(symbol string, tiers []Tier, now time.Time) (Tier, int, decimal.Decimal, bool) {
	for i := len(tiers) - 1; i >= 0; i-- {
		if change, ok := m.percentChange(symbol, tiers[i].Window, now); ok {
			if change.GreaterThanOrEqual(tiers[i].Change) {
				return tiers[i], i, change, true
			}
		}
	}
	return Tier{}, 0, decimal.Zero, false
}

// percentChange computes the absolute percent move between the earliest
// price inside the window and the latest price.
func (m *Monitor) percentChange(symbol string, window time.Duration, now time.Time) (decimal.Decimal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pts := m.history[symbol]
	if len(pts) < 2 {
		return decimal.Zero, false
	}
	cutoff := now.Add(-window)
	var first *pricePoint
	for i := range pts {
		if !pts[i].ts.Before(cutoff) {
			first = &pts[i]
			break
		}
	}
	last := pts[len(pts)-1]
	if first == nil || first.ts.Equal(last.ts) || first.price.IsZero() {
		return decimal.Zero, false
	}
	change := last.price.Sub(first.price).Div(first.price).Mul(decimal.NewFromInt(100)).Abs()
	return change, true
}

// trip halts the scope and publishes the breaker event.
func (m *Monitor) trip(scope model.BreakerScope, symbol string, tierNum int, tier Tier, change decimal.Decimal, now time.Time) {
	reason := "volatility tier " + strconv.Itoa(tierNum) + " breached"
	ev := model.CircuitBreakerEvent{
		ID:            uuid.New(),
		Scope:         scope,
		Symbol:        symbol,
		Tier:          tierNum,
		Reason:        reason,
		PercentChange: change,
		Duration:      tier.Halt,
		TriggeredAt:   now,
		HaltedUntil:   now.Add(tier.Halt),
	}
	if scope == model.BreakerScopeMarket {
		m.market.HaltMarket(reason, tier.Halt)
	} else {
		m.market.HaltInstrument(symbol, reason, tier.Halt)
	}
	metrics.CircuitBreakerHalts.WithLabelValues(string(scope), strconv.Itoa(tierNum)).Inc()
	m.logger.Warn("circuit breaker tripped",
		zap.String("scope", string(scope)),
		zap.String("symbol", symbol),
		zap.Int("tier", tierNum),
		zap.String("percent_change", change.String()),
		zap.Duration("halt", tier.Halt))
	m.bus.PublishBreakerEvent(ev)
}
