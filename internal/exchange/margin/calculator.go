// Margin math: equity, used margin, free margin and margin level derived
// from an account's balance and open positions.
//
//	margin_required = notional / leverage
//	equity          = balance + sum(unrealized pnl)
//	used_margin     = sum(margin_required)
//	free_margin     = equity - used_margin
//	margin_level    = equity / used_margin * 100   (undefined when used = 0)
package margin

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/orbitex/exchange-core/internal/exchange/model"
)

var hundred = decimal.NewFromInt(100)

// PositionSource is the read surface the calculator needs. The position
// ledger implements it.
type PositionSource interface {
	Account(id uuid.UUID) (model.Account, error)
	OpenPositions(accountID uuid.UUID) []model.Position
	MarkPrice(symbol string) decimal.Decimal
}

// Calculator derives margin state from ledger reads. It holds no state of
// its own.
type Calculator struct {
	source PositionSource
}

// NewCalculator returns a calculator reading from the given source.
func NewCalculator(source PositionSource) *Calculator {
	return &Calculator{source: source}
}

// RequiredMargin returns the margin an order of the given notional would
// consume at the given leverage.
func RequiredMargin(quantity, price, leverage decimal.Decimal) decimal.Decimal {
	if leverage.LessThanOrEqual(decimal.Zero) {
		leverage = decimal.NewFromInt(1)
	}
	return quantity.Mul(price).Div(leverage)
}

// Snapshot computes the full margin state of an account from scratch.
func (c *Calculator) Snapshot(accountID uuid.UUID) (model.MarginSnapshot, error) {
	acct, err := c.source.Account(accountID)
	if err != nil {
		return model.MarginSnapshot{}, err
	}

	equity := acct.Balance
	usedMargin := decimal.Zero
	for _, pos := range c.source.OpenPositions(accountID) {
		mark := c.source.MarkPrice(pos.Symbol)
		if mark.IsZero() {
			mark = pos.EntryPrice
		}
		equity = equity.Add(pos.UnrealizedPnL(mark))
		usedMargin = usedMargin.Add(pos.MarginUsed)
	}

	snap := model.MarginSnapshot{
		AccountID:  accountID,
		Balance:    acct.Balance,
		Equity:     equity,
		UsedMargin: usedMargin,
		FreeMargin: equity.Sub(usedMargin),
		Status:     acct.Status,
		Timestamp:  time.Now(),
	}
	if usedMargin.GreaterThan(decimal.Zero) {
		snap.Leveraged = true
		snap.MarginLevel = equity.Div(usedMargin).Mul(hundred)
	}
	return snap, nil
}

// HasFreeMargin reports whether the account can cover an additional margin
// requirement.
func (c *Calculator) HasFreeMargin(accountID uuid.UUID, required decimal.Decimal) (bool, error) {
	snap, err := c.Snapshot(accountID)
	if err != nil {
		return false, err
	}
	return snap.FreeMargin.GreaterThanOrEqual(required), nil
}
