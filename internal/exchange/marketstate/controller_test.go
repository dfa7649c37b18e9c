package marketstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/orbitex/exchange-core/internal/exchange/model"
)

func TestOpenByDefault(t *testing.T) {
	c := New(zap.NewNop())
	ok, err := c.IsTradable("BTC-USD")
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, StateOpen, c.MarketStatus().State)
	assert.Equal(t, StateOpen, c.InstrumentStatus("BTC-USD").State)
}

func TestInstrumentHaltBlocksOnlyThatInstrument(t *testing.T) {
	c := New(zap.NewNop())
	c.HaltInstrument("BTC-USD", "volatility", time.Minute)

	ok, err := c.IsTradable("BTC-USD")
	assert.False(t, ok)
	assert.ErrorIs(t, err, model.ErrMarketHalted)

	ok, err = c.IsTradable("ETH-USD")
	assert.True(t, ok)
	assert.NoError(t, err)
}

func TestMarketHaltOverlaysAllInstruments(t *testing.T) {
	c := New(zap.NewNop())
	c.HaltMarket("systemic", time.Minute)

	ok, err := c.IsTradable("ETH-USD")
	assert.False(t, ok)
	assert.ErrorIs(t, err, model.ErrMarketHalted)
	assert.Equal(t, StateHalted, c.InstrumentStatus("ETH-USD").State)
}

func TestHaltExpiresLazily(t *testing.T) {
	c := New(zap.NewNop())
	c.HaltInstrument("BTC-USD", "volatility", time.Nanosecond)
	time.Sleep(5 * time.Millisecond)

	ok, err := c.IsTradable("BTC-USD")
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, StateOpen, c.InstrumentStatus("BTC-USD").State)
}

func TestIndefiniteHaltDoesNotExpire(t *testing.T) {
	c := New(zap.NewNop())
	c.HaltInstrument("BTC-USD", "manual", 0)
	time.Sleep(5 * time.Millisecond)

	ok, _ := c.IsTradable("BTC-USD")
	assert.False(t, ok)

	c.ResumeInstrument("BTC-USD")
	ok, _ = c.IsTradable("BTC-USD")
	assert.True(t, ok)
}

func TestClosedRejectsDistinctly(t *testing.T) {
	c := New(zap.NewNop())
	c.CloseInstrument("EUR-USD", "session end")
	_, err := c.IsTradable("EUR-USD")
	assert.ErrorIs(t, err, model.ErrMarketClosed)

	c.CloseMarket("maintenance")
	_, err = c.IsTradable("BTC-USD")
	assert.ErrorIs(t, err, model.ErrMarketClosed)

	c.ResumeMarket()
	ok, _ := c.IsTradable("BTC-USD")
	assert.True(t, ok)
}
