// Position ledger: applies trades to per-account, per-instrument positions
// and account balances. The ledger exclusively owns Position records;
// margin math reads them through the margin.PositionSource interface.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/orbitex/exchange-core/internal/exchange/model"
)

// Ledger holds accounts, open positions and mark prices.
type Ledger struct {
	logger *zap.Logger

	mu         sync.RWMutex
	accounts   map[uuid.UUID]*model.Account
	positions  map[uuid.UUID]map[string]*model.Position
	markPrices map[string]decimal.Decimal
}

// New returns an empty ledger.
func New(logger *zap.Logger) *Ledger {
	return &Ledger{
		logger:     logger,
		accounts:   make(map[uuid.UUID]*model.Account),
		positions:  make(map[uuid.UUID]map[string]*model.Position),
		markPrices: make(map[string]decimal.Decimal),
	}
}

// CreateAccount opens an account with a starting balance and leverage cap.
func (l *Ledger) CreateAccount(balance, leverage decimal.Decimal) (model.Account, error) {
	if balance.IsNegative() {
		return model.Account{}, fmt.Errorf("ledger: negative opening balance")
	}
	if leverage.LessThan(decimal.NewFromInt(1)) {
		leverage = decimal.NewFromInt(1)
	}
	acct := &model.Account{
		ID:        uuid.New(),
		Balance:   balance,
		Leverage:  leverage,
		Status:    model.AccountStatusActive,
		CreatedAt: time.Now(),
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[acct.ID] = acct
	return *acct, nil
}

// Account returns a copy of the account record.
func (l *Ledger) Account(id uuid.UUID) (model.Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acct, ok := l.accounts[id]
	if !ok {
		return model.Account{}, model.ErrAccountNotFound
	}
	return *acct, nil
}

// AccountIDs returns the ids of all accounts, for risk scans.
func (l *Ledger) AccountIDs() []uuid.UUID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	return ids
}

// SetStatus transitions an account's risk status. Called only by the
// liquidation controller, which owns account status.
func (l *Ledger) SetStatus(id uuid.UUID, status model.AccountStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[id]
	if !ok {
		return model.ErrAccountNotFound
	}
	acct.Status = status
	return nil
}

// Deposit credits external funds to the account balance.
func (l *Ledger) Deposit(id uuid.UUID, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("ledger: deposit must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[id]
	if !ok {
		return model.ErrAccountNotFound
	}
	acct.Balance = acct.Balance.Add(amount)
	return nil
}

// Withdraw debits the account balance. Callers must verify free margin
// first; the ledger only guards against overdrawing the balance.
func (l *Ledger) Withdraw(id uuid.UUID, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("ledger: withdrawal must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[id]
	if !ok {
		return model.ErrAccountNotFound
	}
	if acct.Balance.LessThan(amount) {
		return fmt.Errorf("ledger: withdrawal exceeds balance")
	}
	acct.Balance = acct.Balance.Sub(amount)
	return nil
}

// ApplyTrade applies one trade to both counterparties and refreshes the
// instrument mark price. The engine calls this under the instrument shard
// lock, so a trade is never visible without its position effects.
func (l *Ledger) ApplyTrade(t *model.Trade) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t.Price.LessThanOrEqual(decimal.Zero) || t.Quantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: trade with non-positive price or quantity", model.ErrInvariantViolation)
	}
	if err := l.applyFillLocked(t.BuyerID, t.Symbol, model.SideBuy, t.Quantity, t.Price); err != nil {
		return err
	}
	if err := l.applyFillLocked(t.SellerID, t.Symbol, model.SideSell, t.Quantity, t.Price); err != nil {
		return err
	}
	l.markPrices[t.Symbol] = t.Price
	return nil
}

// applyFillLocked updates one side's position: extend with a VWAP entry
// recompute, offset realizing PnL, or close-and-reverse.
func (l *Ledger) applyFillLocked(accountID uuid.UUID, symbol string, side model.Side, qty, price decimal.Decimal) error {
	acct, ok := l.accounts[accountID]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrAccountNotFound, accountID)
	}
	book := l.positions[accountID]
	if book == nil {
		book = make(map[string]*model.Position)
		l.positions[accountID] = book
	}

	pos, open := book[symbol]
	now := time.Now()

	if !open {
		book[symbol] = l.newPositionLocked(acct, symbol, side, qty, price, now)
		return nil
	}

	if pos.Side == side {
		// Same direction: entry price becomes the volume-weighted average
		// of old and new fills.
		total := pos.Quantity.Add(qty)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Quantity).Add(price.Mul(qty)).Div(total)
		pos.Quantity = total
		pos.MarginUsed = pos.Notional().Div(pos.Leverage)
		pos.UpdatedAt = now
		return nil
	}

	// Opposite direction: offset, realizing PnL on the closed quantity.
	closeQty := decimal.Min(qty, pos.Quantity)
	realized := price.Sub(pos.EntryPrice).Mul(closeQty).Mul(pos.Side.Sign())
	acct.Balance = acct.Balance.Add(realized)

	pos.Quantity = pos.Quantity.Sub(closeQty)
	if pos.Quantity.IsNegative() {
		return fmt.Errorf("%w: negative position quantity for %s/%s", model.ErrInvariantViolation, accountID, symbol)
	}
	excess := qty.Sub(closeQty)
	switch {
	case pos.Quantity.IsZero() && excess.GreaterThan(decimal.Zero):
		// Full close and reversal: the excess opens a new position in the
		// opposite direction at the trade price.
		book[symbol] = l.newPositionLocked(acct, symbol, side, excess, price, now)
	case pos.Quantity.IsZero():
		delete(book, symbol)
	default:
		pos.MarginUsed = pos.Notional().Div(pos.Leverage)
		pos.UpdatedAt = now
	}
	return nil
}

func (l *Ledger) newPositionLocked(acct *model.Account, symbol string, side model.Side, qty, price decimal.Decimal, now time.Time) *model.Position {
	leverage := acct.Leverage
	if leverage.LessThan(decimal.NewFromInt(1)) {
		leverage = decimal.NewFromInt(1)
	}
	return &model.Position{
		AccountID:  acct.ID,
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		EntryPrice: price,
		MarginUsed: qty.Mul(price).Div(leverage),
		Leverage:   leverage,
		OpenedAt:   now,
		UpdatedAt:  now,
	}
}

// ForceClose closes the whole position at the given price, realizing its
// PnL against the balance. Used as the liquidation fallback when the book
// holds no liquidity.
func (l *Ledger) ForceClose(accountID uuid.UUID, symbol string, price decimal.Decimal) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[accountID]
	if !ok {
		return decimal.Zero, model.ErrAccountNotFound
	}
	pos, ok := l.positions[accountID][symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("ledger: no open position for %s/%s", accountID, symbol)
	}
	realized := price.Sub(pos.EntryPrice).Mul(pos.Quantity).Mul(pos.Side.Sign())
	acct.Balance = acct.Balance.Add(realized)
	delete(l.positions[accountID], symbol)
	l.logger.Warn("position force-closed",
		zap.String("account_id", accountID.String()),
		zap.String("symbol", symbol),
		zap.String("price", price.String()),
		zap.String("realized_pnl", realized.String()))
	return realized, nil
}

// OpenPositions returns copies of all open positions of an account.
func (l *Ledger) OpenPositions(accountID uuid.UUID) []model.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	book := l.positions[accountID]
	out := make([]model.Position, 0, len(book))
	for _, pos := range book {
		out = append(out, *pos)
	}
	return out
}

// Position returns a copy of one open position.
func (l *Ledger) Position(accountID uuid.UUID, symbol string) (model.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[accountID][symbol]
	if !ok {
		return model.Position{}, false
	}
	return *pos, true
}

// MarkPrice returns the last traded price for a symbol, zero if unknown.
func (l *Ledger) MarkPrice(symbol string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.markPrices[symbol]
}

// SetMarkPrice seeds or overrides the mark price for a symbol, e.g. from
// an external reference feed before the first trade.
func (l *Ledger) SetMarkPrice(symbol string, price decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.markPrices[symbol] = price
}
