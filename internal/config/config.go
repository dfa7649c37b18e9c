// Configuration for the exchange core, loaded from YAML with environment
// overrides (EXCHANGE_ prefix, dots replaced by underscores).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// InstrumentConfig seeds the instrument registry at startup.
type InstrumentConfig struct {
	Symbol      string  `mapstructure:"symbol"`
	TickSize    string  `mapstructure:"tick_size"`
	LotSize     string  `mapstructure:"lot_size"`
	MaxLeverage float64 `mapstructure:"max_leverage"`
	AssetClass  string  `mapstructure:"asset_class"`
}

// Config is the process configuration.
type Config struct {
	LogLevel   string `mapstructure:"log_level"`
	ListenAddr string `mapstructure:"listen_addr"`

	Engine struct {
		TrailingOffsetMode string `mapstructure:"trailing_offset_mode"` // absolute | percent
	} `mapstructure:"engine"`

	Risk struct {
		MarginCallLevel  float64       `mapstructure:"margin_call_level"`
		LiquidationLevel float64       `mapstructure:"liquidation_level"`
		ScanInterval     time.Duration `mapstructure:"scan_interval"`
		ScanJitter       time.Duration `mapstructure:"scan_jitter"`
	} `mapstructure:"risk"`

	Breaker struct {
		EvalInterval time.Duration `mapstructure:"eval_interval"`
		EvalJitter   time.Duration `mapstructure:"eval_jitter"`
	} `mapstructure:"breaker"`

	Persistence struct {
		Enabled bool   `mapstructure:"enabled"`
		Driver  string `mapstructure:"driver"` // sqlite | postgres
		DSN     string `mapstructure:"dsn"`
	} `mapstructure:"persistence"`

	Kafka struct {
		Enabled bool     `mapstructure:"enabled"`
		Brokers []string `mapstructure:"brokers"`
	} `mapstructure:"kafka"`

	Instruments []InstrumentConfig `mapstructure:"instruments"`
}

// Load reads config.yaml from the working directory or ./config, applying
// defaults and environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("log_level", "info")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("engine.trailing_offset_mode", "absolute")
	v.SetDefault("risk.margin_call_level", 100.0)
	v.SetDefault("risk.liquidation_level", 50.0)
	v.SetDefault("risk.scan_interval", 45*time.Second)
	v.SetDefault("risk.scan_jitter", 10*time.Second)
	v.SetDefault("breaker.eval_interval", 20*time.Second)
	v.SetDefault("breaker.eval_jitter", 5*time.Second)
	v.SetDefault("persistence.enabled", true)
	v.SetDefault("persistence.driver", "sqlite")
	v.SetDefault("persistence.dsn", "exchange.db")
	v.SetDefault("kafka.enabled", false)

	v.SetEnvPrefix("EXCHANGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Missing file is fine; defaults and env cover everything.
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}
