package ledger

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbitex/exchange-core/internal/exchange/model"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newLedger(t *testing.T, balance, leverage string) (*Ledger, uuid.UUID) {
	t.Helper()
	l := New(zap.NewNop())
	acct, err := l.CreateAccount(dec(balance), dec(leverage))
	require.NoError(t, err)
	return l, acct.ID
}

func trade(buyer, seller uuid.UUID, symbol, price, qty string) *model.Trade {
	return &model.Trade{
		ID:       uuid.New(),
		Symbol:   symbol,
		Price:    dec(price),
		Quantity: dec(qty),
		BuyerID:  buyer,
		SellerID: seller,
	}
}

func TestApplyTradeOpensBothSides(t *testing.T) {
	l := New(zap.NewNop())
	buyer, err := l.CreateAccount(dec("10000"), dec("10"))
	require.NoError(t, err)
	seller, err := l.CreateAccount(dec("10000"), dec("10"))
	require.NoError(t, err)

	require.NoError(t, l.ApplyTrade(trade(buyer.ID, seller.ID, "BTC-USD", "100", "2")))

	long, ok := l.Position(buyer.ID, "BTC-USD")
	require.True(t, ok)
	assert.Equal(t, model.SideBuy, long.Side)
	assert.True(t, long.Quantity.Equal(dec("2")))
	assert.True(t, long.EntryPrice.Equal(dec("100")))
	assert.True(t, long.MarginUsed.Equal(dec("20")), "notional 200 at 10x")

	short, ok := l.Position(seller.ID, "BTC-USD")
	require.True(t, ok)
	assert.Equal(t, model.SideSell, short.Side)

	assert.True(t, l.MarkPrice("BTC-USD").Equal(dec("100")))
}

func TestSameSideFillExtendsWithVWAP(t *testing.T) {
	l, id := newLedger(t, "10000", "10")
	counter, err := l.CreateAccount(dec("100000"), dec("10"))
	require.NoError(t, err)

	require.NoError(t, l.ApplyTrade(trade(id, counter.ID, "BTC-USD", "100", "1")))
	require.NoError(t, l.ApplyTrade(trade(id, counter.ID, "BTC-USD", "110", "1")))

	pos, ok := l.Position(id, "BTC-USD")
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(dec("2")))
	assert.True(t, pos.EntryPrice.Equal(dec("105")), "VWAP of 100 and 110")
}

func TestOppositeFillRealizesPnL(t *testing.T) {
	l, id := newLedger(t, "10000", "10")
	counter, err := l.CreateAccount(dec("100000"), dec("10"))
	require.NoError(t, err)

	// Long 2 @ 100, sell 1 @ 110: +10 realized.
	require.NoError(t, l.ApplyTrade(trade(id, counter.ID, "BTC-USD", "100", "2")))
	require.NoError(t, l.ApplyTrade(trade(counter.ID, id, "BTC-USD", "110", "1")))

	acct, err := l.Account(id)
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(dec("10010")))

	pos, ok := l.Position(id, "BTC-USD")
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(dec("1")))
	assert.True(t, pos.EntryPrice.Equal(dec("100")), "entry unchanged on partial close")
}

func TestFullCloseRemovesPosition(t *testing.T) {
	l, id := newLedger(t, "10000", "10")
	counter, err := l.CreateAccount(dec("100000"), dec("10"))
	require.NoError(t, err)

	require.NoError(t, l.ApplyTrade(trade(id, counter.ID, "BTC-USD", "100", "1")))
	require.NoError(t, l.ApplyTrade(trade(counter.ID, id, "BTC-USD", "90", "1")))

	_, ok := l.Position(id, "BTC-USD")
	assert.False(t, ok)
	acct, err := l.Account(id)
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(dec("9990")), "-10 realized")
}

func TestCloseAndReverse(t *testing.T) {
	l, id := newLedger(t, "10000", "10")
	counter, err := l.CreateAccount(dec("100000"), dec("10"))
	require.NoError(t, err)

	// Long 1 @ 100, then sell 3 @ 110: realize +10 and go short 2 @ 110.
	require.NoError(t, l.ApplyTrade(trade(id, counter.ID, "BTC-USD", "100", "1")))
	require.NoError(t, l.ApplyTrade(trade(counter.ID, id, "BTC-USD", "110", "3")))

	pos, ok := l.Position(id, "BTC-USD")
	require.True(t, ok)
	assert.Equal(t, model.SideSell, pos.Side)
	assert.True(t, pos.Quantity.Equal(dec("2")))
	assert.True(t, pos.EntryPrice.Equal(dec("110")))

	acct, err := l.Account(id)
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(dec("10010")))
}

func TestForceCloseRealizesAtGivenPrice(t *testing.T) {
	l, id := newLedger(t, "10000", "10")
	counter, err := l.CreateAccount(dec("100000"), dec("10"))
	require.NoError(t, err)

	require.NoError(t, l.ApplyTrade(trade(id, counter.ID, "BTC-USD", "100", "2")))
	realized, err := l.ForceClose(id, "BTC-USD", dec("95"))
	require.NoError(t, err)
	assert.True(t, realized.Equal(dec("-10")))
	_, ok := l.Position(id, "BTC-USD")
	assert.False(t, ok)
}

func TestDepositWithdraw(t *testing.T) {
	l, id := newLedger(t, "100", "1")
	require.NoError(t, l.Deposit(id, dec("50")))
	require.NoError(t, l.Withdraw(id, dec("120")))
	acct, err := l.Account(id)
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(dec("30")))

	assert.Error(t, l.Withdraw(id, dec("31")))
	assert.Error(t, l.Deposit(id, dec("0")))
	assert.ErrorIs(t, l.Deposit(uuid.New(), dec("1")), model.ErrAccountNotFound)
}

func TestInvalidTradeRejected(t *testing.T) {
	l, id := newLedger(t, "100", "1")
	counter, err := l.CreateAccount(dec("100"), dec("1"))
	require.NoError(t, err)
	err = l.ApplyTrade(trade(id, counter.ID, "BTC-USD", "0", "1"))
	assert.ErrorIs(t, err, model.ErrInvariantViolation)
}
