package breaker

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbitex/exchange-core/internal/exchange/events"
	"github.com/orbitex/exchange-core/internal/exchange/marketstate"
	"github.com/orbitex/exchange-core/internal/exchange/model"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newMonitor(t *testing.T) (*Monitor, *marketstate.Controller, <-chan model.CircuitBreakerEvent) {
	t.Helper()
	log := zap.NewNop()
	market := marketstate.New(log)
	bus := events.NewBus(log)
	mon := New(log, market, bus, DefaultConfig())
	return mon, market, bus.SubscribeBreakerEvents()
}

func drain(ch <-chan model.CircuitBreakerEvent) []model.CircuitBreakerEvent {
	var out []model.CircuitBreakerEvent
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestNoHaltWithinThresholds(t *testing.T) {
	mon, market, evs := newMonitor(t)
	now := time.Now()
	mon.RecordPrice("BTC-USD", dec("100"), now.Add(-30*time.Second))
	mon.RecordPrice("BTC-USD", dec("104"), now) // 4% in 1m, under tier 1

	mon.Evaluate(now)
	assert.Equal(t, marketstate.StateOpen, market.InstrumentStatus("BTC-USD").State)
	assert.Empty(t, drain(evs))
}

func TestInstrumentTierOneHalt(t *testing.T) {
	mon, market, evs := newMonitor(t)
	now := time.Now()
	mon.RecordPrice("BTC-USD", dec("100"), now.Add(-30*time.Second))
	mon.RecordPrice("BTC-USD", dec("94"), now) // 6% drop inside the 1m window

	mon.Evaluate(now)
	st := market.InstrumentStatus("BTC-USD")
	assert.Equal(t, marketstate.StateHalted, st.State)

	got := drain(evs)
	require.Len(t, got, 1)
	assert.Equal(t, model.BreakerScopeInstrument, got[0].Scope)
	assert.Equal(t, "BTC-USD", got[0].Symbol)
	assert.Equal(t, 1, got[0].Tier)
	assert.Equal(t, 5*time.Minute, got[0].Duration)
}

func TestHighestBreachedTierWins(t *testing.T) {
	mon, _, evs := newMonitor(t)
	now := time.Now()
	// 12% over 4 minutes: tier 2 (10%/5m) breaches, tier 1 (5%/1m) sees
	// only one point in its window, tier 3 (20%/15m) is not reached.
	mon.RecordPrice("BTC-USD", dec("100"), now.Add(-4*time.Minute))
	mon.RecordPrice("BTC-USD", dec("88"), now)

	mon.Evaluate(now)
	got := drain(evs)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Tier)
	assert.Equal(t, 15*time.Minute, got[0].Duration)
}

func TestUpMovesCountAsVolatility(t *testing.T) {
	mon, market, _ := newMonitor(t)
	now := time.Now()
	mon.RecordPrice("BTC-USD", dec("100"), now.Add(-30*time.Second))
	mon.RecordPrice("BTC-USD", dec("107"), now)

	mon.Evaluate(now)
	assert.Equal(t, marketstate.StateHalted, market.InstrumentStatus("BTC-USD").State)
}

func TestMarketWideHalt(t *testing.T) {
	mon, market, evs := newMonitor(t)
	now := time.Now()
	// Two instruments each down 8% over 4 minutes: no single-instrument
	// tier trips, but the market-wide average crosses 7%/5m.
	for _, sym := range []string{"BTC-USD", "ETH-USD"} {
		mon.RecordPrice(sym, dec("100"), now.Add(-4*time.Minute))
		mon.RecordPrice(sym, dec("92"), now)
	}

	mon.Evaluate(now)
	assert.Equal(t, marketstate.StateHalted, market.MarketStatus().State)

	got := drain(evs)
	require.Len(t, got, 1)
	assert.Equal(t, model.BreakerScopeMarket, got[0].Scope)
	assert.Equal(t, 1, got[0].Tier)
}

func TestHaltedInstrumentNotReEvaluated(t *testing.T) {
	mon, market, evs := newMonitor(t)
	market.HaltInstrument("BTC-USD", "already halted", time.Hour)

	now := time.Now()
	mon.RecordPrice("BTC-USD", dec("100"), now.Add(-30*time.Second))
	mon.RecordPrice("BTC-USD", dec("50"), now)

	mon.Evaluate(now)
	assert.Empty(t, drain(evs), "halted scopes are skipped")
}

func TestIgnoresNonPositivePrices(t *testing.T) {
	mon, market, _ := newMonitor(t)
	now := time.Now()
	mon.RecordPrice("BTC-USD", decimal.Zero, now)
	mon.Evaluate(now)
	assert.Equal(t, marketstate.StateOpen, market.InstrumentStatus("BTC-USD").State)
}

func TestHistoryPrunedBeyondLargestWindow(t *testing.T) {
	mon, market, evs := newMonitor(t)
	now := time.Now()
	mon.RecordPrice("BTC-USD", dec("100"), now.Add(-2*time.Hour))
	mon.RecordPrice("BTC-USD", dec("50"), now)

	// The stale point fell out of every window; a single remaining point
	// can never establish a change.
	mon.Evaluate(now)
	assert.Equal(t, marketstate.StateOpen, market.InstrumentStatus("BTC-USD").State)
	assert.Empty(t, drain(evs))
}
