// Exchange core daemon: wires the matching engine, position ledger, risk
// loops and HTTP surface, and runs until SIGINT/SIGTERM.
package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/orbitex/exchange-core/internal/api"
	"github.com/orbitex/exchange-core/internal/config"
	"github.com/orbitex/exchange-core/internal/exchange/breaker"
	"github.com/orbitex/exchange-core/internal/exchange/engine"
	"github.com/orbitex/exchange-core/internal/exchange/events"
	"github.com/orbitex/exchange-core/internal/exchange/ledger"
	"github.com/orbitex/exchange-core/internal/exchange/liquidation"
	"github.com/orbitex/exchange-core/internal/exchange/margin"
	"github.com/orbitex/exchange-core/internal/exchange/marketstate"
	"github.com/orbitex/exchange-core/internal/exchange/model"
	"github.com/orbitex/exchange-core/internal/exchange/registry"
	"github.com/orbitex/exchange-core/internal/persistence"
	"github.com/orbitex/exchange-core/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(log, cfg); err != nil {
		log.Fatal("exchange terminated", zap.Error(err))
	}
}

func run(log *zap.Logger, cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := registry.New()
	for _, ic := range cfg.Instruments {
		inst, err := instrumentFromConfig(ic)
		if err != nil {
			return err
		}
		if err := reg.Register(inst); err != nil {
			return err
		}
		log.Info("instrument registered", zap.String("symbol", inst.Symbol))
	}

	market := marketstate.New(log.Named("marketstate"))
	led := ledger.New(log.Named("ledger"))
	calc := margin.NewCalculator(led)
	bus := events.NewBus(log.Named("events"))

	eng := engine.New(log.Named("engine"), reg, market, led, calc, bus, engine.Config{
		TrailingMode: model.TrailingMode(cfg.Engine.TrailingOffsetMode),
	})

	monitor := breaker.New(log.Named("breaker"), market, bus, breakerConfig(cfg))
	eng.SetPriceRecorder(monitor)

	liq := liquidation.New(log.Named("liquidation"), led, calc, eng, bus, liquidationConfig(cfg))

	var wg sync.WaitGroup
	startLoop := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}
	startLoop(monitor.Run)
	startLoop(liq.Run)

	if cfg.Persistence.Enabled {
		store, err := persistence.Open(log.Named("persistence"), cfg.Persistence.Driver, cfg.Persistence.DSN)
		if err != nil {
			return err
		}
		defer store.Close()

		// Re-register instruments journaled in a previous run, then save the
		// merged set. Config wins over the journal on conflict.
		persisted, err := store.LoadInstruments()
		if err != nil {
			return err
		}
		for _, inst := range persisted {
			if _, err := reg.Get(inst.Symbol); err == nil {
				continue
			}
			if err := reg.Register(inst); err != nil {
				return err
			}
		}
		var insts []model.Instrument
		for _, sym := range reg.Symbols() {
			if inst, err := reg.Get(sym); err == nil {
				insts = append(insts, inst)
			}
		}
		if err := store.SaveInstruments(insts); err != nil {
			return err
		}

		startLoop(func(ctx context.Context) { store.Run(ctx, bus) })
	}

	if cfg.Kafka.Enabled {
		pub := events.NewKafkaPublisher(log.Named("kafka"), cfg.Kafka.Brokers)
		defer pub.Close()
		startLoop(func(ctx context.Context) { pub.Run(ctx, bus) })
	}

	srv := api.New(log.Named("api"), eng, led, calc, market, reg, liq, bus, cfg.ListenAddr)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	select {
	case err := <-serveErr:
		cancel()
		wg.Wait()
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", zap.Error(err))
	}
	wg.Wait()
	log.Info("shutdown complete")
	return nil
}

func instrumentFromConfig(ic config.InstrumentConfig) (model.Instrument, error) {
	tick, err := decimal.NewFromString(ic.TickSize)
	if err != nil {
		return model.Instrument{}, err
	}
	lot, err := decimal.NewFromString(ic.LotSize)
	if err != nil {
		return model.Instrument{}, err
	}
	return model.Instrument{
		Symbol:      ic.Symbol,
		TickSize:    tick,
		LotSize:     lot,
		MaxLeverage: decimal.NewFromFloat(ic.MaxLeverage),
		AssetClass:  model.AssetClass(ic.AssetClass),
	}, nil
}

func breakerConfig(cfg *config.Config) breaker.Config {
	bc := breaker.DefaultConfig()
	if cfg.Breaker.EvalInterval > 0 {
		bc.Interval = cfg.Breaker.EvalInterval
	}
	bc.Jitter = cfg.Breaker.EvalJitter
	return bc
}

func liquidationConfig(cfg *config.Config) liquidation.Config {
	lc := liquidation.DefaultConfig()
	if cfg.Risk.MarginCallLevel > 0 {
		lc.MarginCallLevel = decimal.NewFromFloat(cfg.Risk.MarginCallLevel)
	}
	if cfg.Risk.LiquidationLevel > 0 {
		lc.LiquidationLevel = decimal.NewFromFloat(cfg.Risk.LiquidationLevel)
	}
	if cfg.Risk.ScanInterval > 0 {
		lc.Interval = cfg.Risk.ScanInterval
	}
	lc.Jitter = cfg.Risk.ScanJitter
	return lc
}
