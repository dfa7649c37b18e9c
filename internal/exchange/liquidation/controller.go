// Liquidation controller: a background control loop that scans account
// margin levels, issues margin calls and force-closes positions when the
// liquidation threshold is breached. Account status is owned exclusively
// by this controller.
//
// State machine per account:
//
//	ACTIVE -> MARGIN_CALL   margin level <= margin call threshold
//	MARGIN_CALL -> LIQUIDATING  margin level <= liquidation threshold
//	LIQUIDATING -> ACTIVE   margin level recovered above the call threshold
//	any -> SUSPENDED        all positions exhausted with a residual deficit
package liquidation

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/orbitex/exchange-core/internal/exchange/engine"
	"github.com/orbitex/exchange-core/internal/exchange/events"
	"github.com/orbitex/exchange-core/internal/exchange/ledger"
	"github.com/orbitex/exchange-core/internal/exchange/margin"
	"github.com/orbitex/exchange-core/internal/exchange/metrics"
	"github.com/orbitex/exchange-core/internal/exchange/model"
)

// MatchingSurface is what the controller needs from the matching engine.
type MatchingSurface interface {
	CancelAllForAccount(accountID uuid.UUID) int
	SubmitLiquidationClose(ctx context.Context, accountID uuid.UUID, symbol string, side model.Side, qty decimal.Decimal) (*engine.SubmitResult, error)
}

// Config holds thresholds and the scan schedule.
type Config struct {
	MarginCallLevel  decimal.Decimal // percent, default 100
	LiquidationLevel decimal.Decimal // percent, default 50
	Interval         time.Duration
	Jitter           time.Duration
}

// DefaultConfig returns the standard thresholds and a 45s jittered scan.
func DefaultConfig() Config {
	return Config{
		MarginCallLevel:  decimal.NewFromInt(100),
		LiquidationLevel: decimal.NewFromInt(50),
		Interval:         45 * time.Second,
		Jitter:           10 * time.Second,
	}
}

// Controller runs the margin scan loop.
type Controller struct {
	logger *zap.Logger
	ledger *ledger.Ledger
	calc   *margin.Calculator
	eng    MatchingSurface
	bus    *events.Bus
	cfg    Config

	mu    sync.Mutex
	calls map[uuid.UUID]*model.MarginCall // open margin call per account
}

// New wires a controller.
func New(logger *zap.Logger, led *ledger.Ledger, calc *margin.Calculator,
	eng MatchingSurface, bus *events.Bus, cfg Config) *Controller {
	return &Controller{
		logger: logger,
		ledger: led,
		calc:   calc,
		eng:    eng,
		bus:    bus,
		cfg:    cfg,
		calls:  make(map[uuid.UUID]*model.MarginCall),
	}
}

// Run scans periodically until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	c.logger.Info("liquidation controller started", zap.Duration("interval", c.cfg.Interval))
	for {
		d := c.cfg.Interval
		if c.cfg.Jitter > 0 {
			d += time.Duration(rand.Int63n(int64(c.cfg.Jitter)))
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.logger.Info("liquidation controller stopped")
			return
		case <-timer.C:
			c.Scan(ctx)
		}
	}
}

// Scan evaluates every account once.
func (c *Controller) Scan(ctx context.Context) {
	for _, id := range c.ledger.AccountIDs() {
		if err := c.Evaluate(ctx, id); err != nil {
			c.logger.Error("margin evaluation failed",
				zap.String("account_id", id.String()), zap.Error(err))
		}
	}
}

// Evaluate applies the state machine to one account.
func (c *Controller) Evaluate(ctx context.Context, accountID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := c.calc.Snapshot(accountID)
	if err != nil {
		return err
	}

	switch snap.Status {
	case model.AccountStatusSuspended:
		return nil

	case model.AccountStatusActive:
		if !snap.Leveraged || snap.MarginLevel.GreaterThan(c.cfg.MarginCallLevel) {
			return nil
		}
		c.issueCall(accountID, snap.MarginLevel)
		if err := c.ledger.SetStatus(accountID, model.AccountStatusMarginCall); err != nil {
			return err
		}
		snap.Status = model.AccountStatusMarginCall
		fallthrough

	case model.AccountStatusMarginCall:
		if !snap.Leveraged || snap.MarginLevel.GreaterThan(c.cfg.MarginCallLevel) {
			return c.restore(accountID)
		}
		if snap.MarginLevel.GreaterThan(c.cfg.LiquidationLevel) {
			// Margin call outstanding; the account may still self-deposit
			// or reduce exposure before forced closure.
			return nil
		}
		return c.liquidate(ctx, accountID, snap.MarginLevel)

	case model.AccountStatusLiquidating:
		// A prior liquidation left the account between the thresholds or
		// the process was interrupted; settle the state now.
		return c.settleAfterLiquidation(accountID)
	}
	return nil
}

// issueCall records and publishes a margin call, once per episode.
func (c *Controller) issueCall(accountID uuid.UUID, level decimal.Decimal) {
	if _, open := c.calls[accountID]; open {
		return
	}
	call := &model.MarginCall{
		ID:          uuid.New(),
		AccountID:   accountID,
		MarginLevel: level,
		Action:      model.MarginActionCall,
		CreatedAt:   time.Now(),
	}
	c.calls[accountID] = call
	metrics.MarginCalls.WithLabelValues(string(model.MarginActionCall)).Inc()
	c.logger.Warn("margin call issued",
		zap.String("account_id", accountID.String()),
		zap.String("margin_level", level.String()))
	c.bus.PublishMarginCall(*call)
}

// restore flips the account back to ACTIVE and resolves its open call.
func (c *Controller) restore(accountID uuid.UUID) error {
	if call, open := c.calls[accountID]; open {
		now := time.Now()
		call.Resolved = true
		call.ResolvedAt = &now
		delete(c.calls, accountID)
		c.bus.PublishMarginCall(*call)
	}
	c.logger.Info("margin restored", zap.String("account_id", accountID.String()))
	return c.ledger.SetStatus(accountID, model.AccountStatusActive)
}

// liquidate cancels all pending orders, then closes open positions worst
// unrealized PnL first, re-evaluating after each close. Terminates in at
// most one step per open position.
func (c *Controller) liquidate(ctx context.Context, accountID uuid.UUID, level decimal.Decimal) error {
	if err := c.ledger.SetStatus(accountID, model.AccountStatusLiquidating); err != nil {
		return err
	}
	liq := model.MarginCall{
		ID:          uuid.New(),
		AccountID:   accountID,
		MarginLevel: level,
		Action:      model.MarginActionLiquidation,
		CreatedAt:   time.Now(),
	}
	metrics.MarginCalls.WithLabelValues(string(model.MarginActionLiquidation)).Inc()
	c.logger.Warn("liquidation started",
		zap.String("account_id", accountID.String()),
		zap.String("margin_level", level.String()))
	c.bus.PublishMarginCall(liq)

	cancelled := c.eng.CancelAllForAccount(accountID)
	if cancelled > 0 {
		c.logger.Info("pending orders cancelled for liquidation",
			zap.String("account_id", accountID.String()), zap.Int("count", cancelled))
	}

	maxSteps := len(c.ledger.OpenPositions(accountID))
	for step := 0; step < maxSteps; step++ {
		positions := c.ledger.OpenPositions(accountID)
		if len(positions) == 0 {
			break
		}
		sort.Slice(positions, func(i, j int) bool {
			pi := positions[i].UnrealizedPnL(c.markOrEntry(positions[i]))
			pj := positions[j].UnrealizedPnL(c.markOrEntry(positions[j]))
			return pi.LessThan(pj)
		})
		worst := positions[0]
		c.closePosition(ctx, accountID, worst)

		snap, err := c.calc.Snapshot(accountID)
		if err != nil {
			return err
		}
		if !snap.Leveraged || snap.MarginLevel.GreaterThan(c.cfg.LiquidationLevel) {
			break
		}
	}
	return c.settleAfterLiquidation(accountID)
}

// closePosition force-closes one position through the engine, falling back
// to a ledger close at the mark price when the book cannot absorb it.
func (c *Controller) closePosition(ctx context.Context, accountID uuid.UUID, pos model.Position) {
	if _, err := c.eng.SubmitLiquidationClose(ctx, accountID, pos.Symbol, pos.Side.Opposite(), pos.Quantity); err != nil {
		c.logger.Warn("market liquidation close failed, forcing close at mark",
			zap.String("account_id", accountID.String()),
			zap.String("symbol", pos.Symbol),
			zap.Error(err))
	}
	// The market close may be rejected (halt, no liquidity) or fill only
	// partially; any residue is swept at the mark price.
	if rest, open := c.ledger.Position(accountID, pos.Symbol); open && rest.Quantity.GreaterThan(decimal.Zero) {
		if _, ferr := c.ledger.ForceClose(accountID, pos.Symbol, c.markOrEntry(rest)); ferr != nil {
			c.logger.Error("force close failed",
				zap.String("account_id", accountID.String()),
				zap.String("symbol", pos.Symbol),
				zap.Error(ferr))
		}
	}
}

func (c *Controller) markOrEntry(pos model.Position) decimal.Decimal {
	if mark := c.ledger.MarkPrice(pos.Symbol); mark.GreaterThan(decimal.Zero) {
		return mark
	}
	return pos.EntryPrice
}

// settleAfterLiquidation decides the terminal state of a liquidation
// episode: back to ACTIVE, left on margin call, or SUSPENDED when no
// positions remain and a deficit does.
func (c *Controller) settleAfterLiquidation(accountID uuid.UUID) error {
	snap, err := c.calc.Snapshot(accountID)
	if err != nil {
		return err
	}

	if !snap.Leveraged {
		if snap.Equity.LessThanOrEqual(decimal.Zero) && len(c.ledger.OpenPositions(accountID)) == 0 {
			return c.suspend(accountID, snap)
		}
		return c.restore(accountID)
	}
	if snap.MarginLevel.GreaterThan(c.cfg.MarginCallLevel) {
		return c.restore(accountID)
	}
	// Above the liquidation threshold but still under margin call: leave
	// the episode open for the next scan.
	return c.ledger.SetStatus(accountID, model.AccountStatusMarginCall)
}

// suspend marks the account for manual intervention. No further automated
// order activity is permitted.
func (c *Controller) suspend(accountID uuid.UUID, snap model.MarginSnapshot) error {
	c.logger.Error("liquidation exhausted, account suspended",
		zap.String("account_id", accountID.String()),
		zap.String("equity", snap.Equity.String()))
	return c.ledger.SetStatus(accountID, model.AccountStatusSuspended)
}

// OpenCalls returns the unresolved margin calls, for query surfaces.
func (c *Controller) OpenCalls() []model.MarginCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.MarginCall, 0, len(c.calls))
	for _, call := range c.calls {
		out = append(out, *call)
	}
	return out
}
