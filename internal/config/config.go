// Package config defines all configuration for the simulation engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// fields overridable via MKSIM_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Engine  EngineConfig  `mapstructure:"engine"`
	Pools   PoolConfig    `mapstructure:"pools"`
	Book    BookConfig    `mapstructure:"book"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// EngineConfig tunes the tick loop, metrics cadence, and per-session caps.
//
//   - TickInterval: base real-time cadence of the tick loop.
//   - MetricsInterval: how often throughput metrics are recomputed.
//   - BroadcastThrottle: minimum interval between identical metric broadcasts.
//   - MetricsMaxStale: broadcast anyway if this long since the last one.
//   - CandleHistoryCap: FIFO bound on finalized candles per session.
//   - RecentTradesCap: bound on the newest-first recent trades list.
//   - ClosedPositionsCap: bound on the closed-position record list.
//   - MaxSpeed: upper bound on the accepted compression factor.
type EngineConfig struct {
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	MetricsInterval    time.Duration `mapstructure:"metrics_interval"`
	BroadcastThrottle  time.Duration `mapstructure:"broadcast_throttle"`
	MetricsMaxStale    time.Duration `mapstructure:"metrics_max_stale"`
	SyncInterval       time.Duration `mapstructure:"sync_interval"`
	PoolMonitorPeriod  time.Duration `mapstructure:"pool_monitor_period"`
	CandleHistoryCap   int           `mapstructure:"candle_history_cap"`
	RecentTradesCap    int           `mapstructure:"recent_trades_cap"`
	ClosedPositionsCap int           `mapstructure:"closed_positions_cap"`
	MaxSpeed           int           `mapstructure:"max_speed"`
}

// PoolConfig sizes the object pools.
type PoolConfig struct {
	TradeCapacity    int `mapstructure:"trade_capacity"`
	PositionCapacity int `mapstructure:"position_capacity"`
	OrderCapacity    int `mapstructure:"order_capacity"`
}

// BookConfig shapes the simulated order book.
//
//   - DepthLevels: levels maintained on each side after every update.
//   - DefaultSpread: fractional spread floor relative to mid (0.002 = 0.2%).
//   - MinOrderSize / MaxOrderSize: per-level quantity bounds.
type BookConfig struct {
	DepthLevels   int     `mapstructure:"depth_levels"`
	DefaultSpread float64 `mapstructure:"default_spread"`
	MinOrderSize  float64 `mapstructure:"min_order_size"`
	MaxOrderSize  float64 `mapstructure:"max_order_size"`
}

// FeedConfig controls the upstream trader-data provider.
type FeedConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	QueryID      string        `mapstructure:"query_id"`
	CacheDir     string        `mapstructure:"cache_dir"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// ServerConfig controls the HTTP API and streaming server.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the built-in configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			TickInterval:       50 * time.Millisecond,
			MetricsInterval:    2 * time.Second,
			BroadcastThrottle:  2 * time.Second,
			MetricsMaxStale:    10 * time.Second,
			SyncInterval:       25 * time.Millisecond,
			PoolMonitorPeriod:  30 * time.Second,
			CandleHistoryCap:   2000,
			RecentTradesCap:    5000,
			ClosedPositionsCap: 500,
			MaxSpeed:           200,
		},
		Pools: PoolConfig{
			TradeCapacity:    5000,
			PositionCapacity: 2500,
			OrderCapacity:    2000,
		},
		Book: BookConfig{
			DepthLevels:   20,
			DefaultSpread: 0.002,
			MinOrderSize:  100,
			MaxOrderSize:  10000,
		},
		Feed: FeedConfig{
			QueryID:      "top-traders",
			CacheDir:     "data/feed",
			CacheTTL:     time.Hour,
			FetchTimeout: 10 * time.Second,
		},
		Server: ServerConfig{
			Port: 8090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads config from a YAML file with MKSIM_* env var overrides.
// Missing file is not an error: defaults apply, env overrides still work.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MKSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !strings.Contains(err.Error(), "no such file") {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("engine.tick_interval", cfg.Engine.TickInterval)
	v.SetDefault("engine.metrics_interval", cfg.Engine.MetricsInterval)
	v.SetDefault("engine.broadcast_throttle", cfg.Engine.BroadcastThrottle)
	v.SetDefault("engine.metrics_max_stale", cfg.Engine.MetricsMaxStale)
	v.SetDefault("engine.sync_interval", cfg.Engine.SyncInterval)
	v.SetDefault("engine.pool_monitor_period", cfg.Engine.PoolMonitorPeriod)
	v.SetDefault("engine.candle_history_cap", cfg.Engine.CandleHistoryCap)
	v.SetDefault("engine.recent_trades_cap", cfg.Engine.RecentTradesCap)
	v.SetDefault("engine.closed_positions_cap", cfg.Engine.ClosedPositionsCap)
	v.SetDefault("engine.max_speed", cfg.Engine.MaxSpeed)
	v.SetDefault("pools.trade_capacity", cfg.Pools.TradeCapacity)
	v.SetDefault("pools.position_capacity", cfg.Pools.PositionCapacity)
	v.SetDefault("pools.order_capacity", cfg.Pools.OrderCapacity)
	v.SetDefault("book.depth_levels", cfg.Book.DepthLevels)
	v.SetDefault("book.default_spread", cfg.Book.DefaultSpread)
	v.SetDefault("book.min_order_size", cfg.Book.MinOrderSize)
	v.SetDefault("book.max_order_size", cfg.Book.MaxOrderSize)
	v.SetDefault("feed.base_url", cfg.Feed.BaseURL)
	v.SetDefault("feed.query_id", cfg.Feed.QueryID)
	v.SetDefault("feed.cache_dir", cfg.Feed.CacheDir)
	v.SetDefault("feed.cache_ttl", cfg.Feed.CacheTTL)
	v.SetDefault("feed.fetch_timeout", cfg.Feed.FetchTimeout)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Engine.TickInterval <= 0 {
		return fmt.Errorf("engine.tick_interval must be > 0")
	}
	if c.Engine.MetricsInterval <= 0 {
		return fmt.Errorf("engine.metrics_interval must be > 0")
	}
	if c.Engine.MaxSpeed < 1 {
		return fmt.Errorf("engine.max_speed must be >= 1")
	}
	if c.Book.DepthLevels <= 0 {
		return fmt.Errorf("book.depth_levels must be > 0")
	}
	if c.Book.DefaultSpread <= 0 || c.Book.DefaultSpread >= 1 {
		return fmt.Errorf("book.default_spread must be in (0, 1)")
	}
	if c.Book.MinOrderSize <= 0 {
		return fmt.Errorf("book.min_order_size must be > 0")
	}
	if c.Book.MaxOrderSize < c.Book.MinOrderSize {
		return fmt.Errorf("book.max_order_size must be >= book.min_order_size")
	}
	if c.Pools.TradeCapacity <= 0 || c.Pools.PositionCapacity <= 0 {
		return fmt.Errorf("pool capacities must be > 0")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid port")
	}
	return nil
}
