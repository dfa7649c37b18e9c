package liquidation

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbitex/exchange-core/internal/exchange/engine"
	"github.com/orbitex/exchange-core/internal/exchange/events"
	"github.com/orbitex/exchange-core/internal/exchange/ledger"
	"github.com/orbitex/exchange-core/internal/exchange/margin"
	"github.com/orbitex/exchange-core/internal/exchange/marketstate"
	"github.com/orbitex/exchange-core/internal/exchange/model"
	"github.com/orbitex/exchange-core/internal/exchange/registry"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type rig struct {
	ctrl    *Controller
	ledger  *ledger.Ledger
	calc    *margin.Calculator
	eng     *engine.Engine
	counter uuid.UUID
}

func newRig(t *testing.T) *rig {
	t.Helper()
	log := zap.NewNop()
	reg := registry.New()
	for _, sym := range []string{"BTC-USD", "ETH-USD"} {
		require.NoError(t, reg.Register(model.Instrument{
			Symbol:      sym,
			TickSize:    dec("0.01"),
			LotSize:     dec("0.01"),
			MaxLeverage: dec("100"),
			AssetClass:  model.AssetClassCrypto,
		}))
	}
	market := marketstate.New(log)
	led := ledger.New(log)
	calc := margin.NewCalculator(led)
	bus := events.NewBus(log)
	eng := engine.New(log, reg, market, led, calc, bus, engine.Config{})
	ctrl := New(log, led, calc, eng, bus, DefaultConfig())

	counter, err := led.CreateAccount(dec("100000000"), dec("10"))
	require.NoError(t, err)
	return &rig{ctrl: ctrl, ledger: led, calc: calc, eng: eng, counter: counter.ID}
}

// openLong gives the account a long position via a ledger trade against
// the deep counterparty account.
func (r *rig) openLong(t *testing.T, account uuid.UUID, symbol, price, qty string) {
	t.Helper()
	require.NoError(t, r.ledger.ApplyTrade(&model.Trade{
		ID:       uuid.New(),
		Symbol:   symbol,
		Price:    dec(price),
		Quantity: dec(qty),
		BuyerID:  account,
		SellerID: r.counter,
	}))
}

func (r *rig) status(t *testing.T, account uuid.UUID) model.AccountStatus {
	t.Helper()
	acct, err := r.ledger.Account(account)
	require.NoError(t, err)
	return acct.Status
}

func TestHealthyAccountStaysActive(t *testing.T) {
	r := newRig(t)
	acct, err := r.ledger.CreateAccount(dec("1000"), dec("10"))
	require.NoError(t, err)
	r.openLong(t, acct.ID, "BTC-USD", "10000", "1") // margin used 1000

	r.ledger.SetMarkPrice("BTC-USD", dec("12000")) // level 300%
	require.NoError(t, r.ctrl.Evaluate(context.Background(), acct.ID))
	assert.Equal(t, model.AccountStatusActive, r.status(t, acct.ID))
	assert.Empty(t, r.ctrl.OpenCalls())
}

func TestMarginCallIssuedOncePerEpisode(t *testing.T) {
	r := newRig(t)
	acct, err := r.ledger.CreateAccount(dec("1000"), dec("10"))
	require.NoError(t, err)
	r.openLong(t, acct.ID, "BTC-USD", "10000", "1")

	// Equity 800, level 80%: under the call threshold, above liquidation.
	r.ledger.SetMarkPrice("BTC-USD", dec("9800"))
	require.NoError(t, r.ctrl.Evaluate(context.Background(), acct.ID))
	assert.Equal(t, model.AccountStatusMarginCall, r.status(t, acct.ID))
	require.Len(t, r.ctrl.OpenCalls(), 1)

	require.NoError(t, r.ctrl.Evaluate(context.Background(), acct.ID))
	assert.Len(t, r.ctrl.OpenCalls(), 1, "no duplicate call while the episode is open")
}

func TestMarginCallResolvesOnRecovery(t *testing.T) {
	r := newRig(t)
	acct, err := r.ledger.CreateAccount(dec("1000"), dec("10"))
	require.NoError(t, err)
	r.openLong(t, acct.ID, "BTC-USD", "10000", "1")

	r.ledger.SetMarkPrice("BTC-USD", dec("9800"))
	require.NoError(t, r.ctrl.Evaluate(context.Background(), acct.ID))
	require.Equal(t, model.AccountStatusMarginCall, r.status(t, acct.ID))

	r.ledger.SetMarkPrice("BTC-USD", dec("10500"))
	require.NoError(t, r.ctrl.Evaluate(context.Background(), acct.ID))
	assert.Equal(t, model.AccountStatusActive, r.status(t, acct.ID))
	assert.Empty(t, r.ctrl.OpenCalls())
}

func TestLiquidationClosesPositionAndRestores(t *testing.T) {
	r := newRig(t)
	acct, err := r.ledger.CreateAccount(dec("1000"), dec("10"))
	require.NoError(t, err)
	r.openLong(t, acct.ID, "BTC-USD", "10000", "1")

	// Equity 400, level 40%: liquidate. The book is empty so the close
	// falls back to a forced ledger close at the mark.
	r.ledger.SetMarkPrice("BTC-USD", dec("9400"))
	require.NoError(t, r.ctrl.Evaluate(context.Background(), acct.ID))

	_, open := r.ledger.Position(acct.ID, "BTC-USD")
	assert.False(t, open)
	final, err := r.ledger.Account(acct.ID)
	require.NoError(t, err)
	assert.True(t, final.Balance.Equal(dec("400")), "-600 realized at the mark")
	assert.Equal(t, model.AccountStatusActive, final.Status, "positive residual equity restores the account")
}

func TestLiquidationWorstPositionFirst(t *testing.T) {
	r := newRig(t)
	acct, err := r.ledger.CreateAccount(dec("2000"), dec("10"))
	require.NoError(t, err)
	r.openLong(t, acct.ID, "BTC-USD", "10000", "1") // will be down 1000
	r.openLong(t, acct.ID, "ETH-USD", "10000", "1") // will be down 200

	r.ledger.SetMarkPrice("BTC-USD", dec("9000"))
	r.ledger.SetMarkPrice("ETH-USD", dec("9800"))
	// Equity 800 over 2000 used: 40%.
	require.NoError(t, r.ctrl.Evaluate(context.Background(), acct.ID))

	_, btcOpen := r.ledger.Position(acct.ID, "BTC-USD")
	assert.False(t, btcOpen, "worst unrealized PnL closes first")
	_, ethOpen := r.ledger.Position(acct.ID, "ETH-USD")
	assert.True(t, ethOpen, "closing stops once the level recovers past the liquidation threshold")

	// Level is now 80%: above liquidation, still under margin call.
	assert.Equal(t, model.AccountStatusMarginCall, r.status(t, acct.ID))
}

func TestLiquidationExhaustedSuspendsAccount(t *testing.T) {
	r := newRig(t)
	acct, err := r.ledger.CreateAccount(dec("1000"), dec("10"))
	require.NoError(t, err)
	r.openLong(t, acct.ID, "BTC-USD", "10000", "1")

	// Close at the mark realizes -1100: equity goes negative with nothing
	// left to close.
	r.ledger.SetMarkPrice("BTC-USD", dec("8900"))
	require.NoError(t, r.ctrl.Evaluate(context.Background(), acct.ID))

	assert.Equal(t, model.AccountStatusSuspended, r.status(t, acct.ID))
	final, err := r.ledger.Account(acct.ID)
	require.NoError(t, err)
	assert.True(t, final.Balance.Equal(dec("-100")))
}

func TestLiquidationCancelsRestingOrders(t *testing.T) {
	r := newRig(t)
	// 1100 leaves 100 free margin so the resting bid passes the risk check.
	acct, err := r.ledger.CreateAccount(dec("1100"), dec("10"))
	require.NoError(t, err)
	r.openLong(t, acct.ID, "BTC-USD", "10000", "1")

	resting := &model.Order{
		AccountID:   acct.ID,
		Symbol:      "BTC-USD",
		Side:        model.SideBuy,
		Type:        model.OrderTypeLimit,
		TimeInForce: model.TimeInForceGTC,
		Price:       dec("9000"),
		Quantity:    dec("0.01"),
	}
	_, err = r.eng.SubmitOrder(context.Background(), resting)
	require.NoError(t, err)

	r.ledger.SetMarkPrice("BTC-USD", dec("9400"))
	require.NoError(t, r.ctrl.Evaluate(context.Background(), acct.ID))

	got, ok := r.eng.Order(resting.ID)
	require.True(t, ok)
	assert.Equal(t, model.OrderStatusCancelled, got.Status)
}

func TestSuspendedAccountIgnored(t *testing.T) {
	r := newRig(t)
	acct, err := r.ledger.CreateAccount(dec("1000"), dec("10"))
	require.NoError(t, err)
	require.NoError(t, r.ledger.SetStatus(acct.ID, model.AccountStatusSuspended))
	require.NoError(t, r.ctrl.Evaluate(context.Background(), acct.ID))
	assert.Equal(t, model.AccountStatusSuspended, r.status(t, acct.ID))
}
