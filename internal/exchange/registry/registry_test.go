package registry

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitex/exchange-core/internal/exchange/model"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New()
	require.NoError(t, r.Register(model.Instrument{
		Symbol:      "BTC-USD",
		TickSize:    dec("0.01"),
		LotSize:     dec("0.1"),
		MaxLeverage: dec("100"),
		AssetClass:  model.AssetClassCrypto,
	}))
	return r
}

func order(typ model.OrderType, price, qty string) *model.Order {
	return &model.Order{
		Symbol:   "BTC-USD",
		Side:     model.SideBuy,
		Type:     typ,
		Price:    dec(price),
		Quantity: dec(qty),
	}
}

func TestRegisterRejectsInvalidInstrument(t *testing.T) {
	r := New()
	assert.Error(t, r.Register(model.Instrument{Symbol: ""}))
	assert.Error(t, r.Register(model.Instrument{
		Symbol: "X", TickSize: dec("0"), LotSize: dec("1"), MaxLeverage: dec("1"),
	}))
	assert.Error(t, r.Register(model.Instrument{
		Symbol: "X", TickSize: dec("1"), LotSize: dec("1"), MaxLeverage: dec("0.5"),
	}))
}

func TestGetUnknownSymbol(t *testing.T) {
	r := newRegistry(t)
	_, err := r.Get("DOGE-USD")
	assert.ErrorIs(t, err, model.ErrUnknownInstrument)
}

func TestValidateOrderLotAndTick(t *testing.T) {
	r := newRegistry(t)

	assert.NoError(t, r.ValidateOrder(order(model.OrderTypeLimit, "100.01", "0.5")))
	assert.ErrorIs(t, r.ValidateOrder(order(model.OrderTypeLimit, "100.005", "0.5")), model.ErrInvalidPrice)
	assert.ErrorIs(t, r.ValidateOrder(order(model.OrderTypeLimit, "100", "0.55")), model.ErrInvalidQuantity)
	assert.ErrorIs(t, r.ValidateOrder(order(model.OrderTypeLimit, "0", "0.5")), model.ErrInvalidPrice)
	assert.ErrorIs(t, r.ValidateOrder(order(model.OrderTypeLimit, "100", "0")), model.ErrInvalidQuantity)
}

func TestValidateMarketOrderNeedsNoPrice(t *testing.T) {
	r := newRegistry(t)
	assert.NoError(t, r.ValidateOrder(order(model.OrderTypeMarket, "0", "0.5")))
}

func TestValidateConditionalOrders(t *testing.T) {
	r := newRegistry(t)

	stop := order(model.OrderTypeStop, "0", "0.5")
	assert.ErrorIs(t, r.ValidateOrder(stop), model.ErrInvalidStopPrice)
	stop.StopPrice = dec("95")
	assert.NoError(t, r.ValidateOrder(stop))

	stopLimit := order(model.OrderTypeStopLimit, "96", "0.5")
	stopLimit.StopPrice = dec("95")
	assert.NoError(t, r.ValidateOrder(stopLimit))

	trail := order(model.OrderTypeTrailingStop, "0", "0.5")
	assert.ErrorIs(t, r.ValidateOrder(trail), model.ErrInvalidTrailingOffset)
	trail.TrailingOffset = dec("5")
	assert.NoError(t, r.ValidateOrder(trail))
}

func TestValidateIcebergDisplayQuantity(t *testing.T) {
	r := newRegistry(t)

	ice := order(model.OrderTypeIceberg, "100", "1")
	assert.ErrorIs(t, r.ValidateOrder(ice), model.ErrInvalidDisplayQty)
	ice.DisplayQty = dec("2")
	assert.ErrorIs(t, r.ValidateOrder(ice), model.ErrInvalidDisplayQty)
	ice.DisplayQty = dec("0.5")
	assert.NoError(t, r.ValidateOrder(ice))
}
