// Durable journal for trades, margin calls and circuit breaker events,
// written asynchronously off the event bus so the matching path never
// blocks on storage.
package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/orbitex/exchange-core/internal/exchange/events"
	"github.com/orbitex/exchange-core/internal/exchange/model"
)

// InstrumentRow persists registry entries across restarts.
type InstrumentRow struct {
	Symbol      string `gorm:"primaryKey;size:32"`
	TickSize    string `gorm:"size:64"`
	LotSize     string `gorm:"size:64"`
	MaxLeverage string `gorm:"size:64"`
	AssetClass  string `gorm:"size:16"`
	UpdatedAt   time.Time
}

func (InstrumentRow) TableName() string { return "instruments" }

// TradeRow is the journal row for an executed trade.
type TradeRow struct {
	ID        string `gorm:"primaryKey;size:36"`
	Symbol    string `gorm:"index;size:32"`
	Price     string `gorm:"size:64"`
	Quantity  string `gorm:"size:64"`
	BuyerID   string `gorm:"index;size:36"`
	SellerID  string `gorm:"index;size:36"`
	MakerID   string `gorm:"size:36"`
	TakerID   string `gorm:"size:36"`
	CreatedAt time.Time
}

func (TradeRow) TableName() string { return "trades" }

// MarginCallRow journals margin call and liquidation events.
type MarginCallRow struct {
	ID          string `gorm:"primaryKey;size:36"`
	AccountID   string `gorm:"index;size:36"`
	MarginLevel string `gorm:"size:64"`
	Action      string `gorm:"size:16"`
	Resolved    bool
	CreatedAt   time.Time
}

func (MarginCallRow) TableName() string { return "margin_calls" }

// BreakerEventRow journals circuit breaker halts.
type BreakerEventRow struct {
	ID            string `gorm:"primaryKey;size:36"`
	Scope         string `gorm:"size:16"`
	Symbol        string `gorm:"index;size:32"`
	Tier          int
	Reason        string `gorm:"size:128"`
	PercentChange string `gorm:"size:64"`
	HaltedUntil   time.Time
	CreatedAt     time.Time
}

func (BreakerEventRow) TableName() string { return "circuit_breaker_events" }

// Store wraps the journal database.
type Store struct {
	logger *zap.Logger
	db     *gorm.DB
}

// Open connects to the configured driver ("sqlite" or "postgres") and
// migrates the journal tables.
func Open(logger *zap.Logger, driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		if dsn == "" {
			dsn = "exchange.db"
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("persistence: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("persistence: open %s: %w", driver, err)
	}
	if err := db.AutoMigrate(&InstrumentRow{}, &TradeRow{}, &MarginCallRow{}, &BreakerEventRow{}); err != nil {
		return nil, fmt.Errorf("persistence: migrate: %w", err)
	}
	return &Store{logger: logger, db: db}, nil
}

// SaveInstruments upserts the current registry contents.
func (s *Store) SaveInstruments(insts []model.Instrument) error {
	for _, inst := range insts {
		row := InstrumentRow{
			Symbol:      inst.Symbol,
			TickSize:    inst.TickSize.String(),
			LotSize:     inst.LotSize.String(),
			MaxLeverage: inst.MaxLeverage.String(),
			AssetClass:  string(inst.AssetClass),
		}
		if err := s.db.Save(&row).Error; err != nil {
			return fmt.Errorf("persistence: save instrument %s: %w", inst.Symbol, err)
		}
	}
	return nil
}

// LoadInstruments returns the persisted registry contents.
func (s *Store) LoadInstruments() ([]model.Instrument, error) {
	var rows []InstrumentRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("persistence: load instruments: %w", err)
	}
	out := make([]model.Instrument, 0, len(rows))
	for _, row := range rows {
		tick, err := decimal.NewFromString(row.TickSize)
		if err != nil {
			return nil, fmt.Errorf("persistence: instrument %s: %w", row.Symbol, err)
		}
		lot, err := decimal.NewFromString(row.LotSize)
		if err != nil {
			return nil, fmt.Errorf("persistence: instrument %s: %w", row.Symbol, err)
		}
		lev, err := decimal.NewFromString(row.MaxLeverage)
		if err != nil {
			return nil, fmt.Errorf("persistence: instrument %s: %w", row.Symbol, err)
		}
		out = append(out, model.Instrument{
			Symbol:      row.Symbol,
			TickSize:    tick,
			LotSize:     lot,
			MaxLeverage: lev,
			AssetClass:  model.AssetClass(row.AssetClass),
		})
	}
	return out, nil
}

// Run journals bus events until ctx is cancelled.
func (s *Store) Run(ctx context.Context, bus *events.Bus) {
	trades := bus.SubscribeTrades()
	calls := bus.SubscribeMarginCalls()
	halts := bus.SubscribeBreakerEvents()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-trades:
			s.saveTrade(t)
		case mc := <-calls:
			s.saveMarginCall(mc)
		case ev := <-halts:
			s.saveBreakerEvent(ev)
		}
	}
}

func (s *Store) saveTrade(t model.Trade) {
	row := TradeRow{
		ID:        t.ID.String(),
		Symbol:    t.Symbol,
		Price:     t.Price.String(),
		Quantity:  t.Quantity.String(),
		BuyerID:   t.BuyerID.String(),
		SellerID:  t.SellerID.String(),
		MakerID:   t.MakerID.String(),
		TakerID:   t.TakerID.String(),
		CreatedAt: t.CreatedAt,
	}
	if err := s.db.Create(&row).Error; err != nil {
		s.logger.Error("trade journal write failed", zap.String("trade_id", row.ID), zap.Error(err))
	}
}

func (s *Store) saveMarginCall(mc model.MarginCall) {
	row := MarginCallRow{
		ID:          mc.ID.String(),
		AccountID:   mc.AccountID.String(),
		MarginLevel: mc.MarginLevel.String(),
		Action:      string(mc.Action),
		Resolved:    mc.Resolved,
		CreatedAt:   mc.CreatedAt,
	}
	// Margin calls are published again on resolution; upsert by id.
	if err := s.db.Save(&row).Error; err != nil {
		s.logger.Error("margin call journal write failed", zap.String("id", row.ID), zap.Error(err))
	}
}

func (s *Store) saveBreakerEvent(ev model.CircuitBreakerEvent) {
	row := BreakerEventRow{
		ID:            ev.ID.String(),
		Scope:         string(ev.Scope),
		Symbol:        ev.Symbol,
		Tier:          ev.Tier,
		Reason:        ev.Reason,
		PercentChange: ev.PercentChange.String(),
		HaltedUntil:   ev.HaltedUntil,
		CreatedAt:     ev.TriggeredAt,
	}
	if err := s.db.Create(&row).Error; err != nil {
		s.logger.Error("breaker journal write failed", zap.String("id", row.ID), zap.Error(err))
	}
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
