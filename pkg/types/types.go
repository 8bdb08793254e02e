// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the simulator — trade and
// position records, candles, order book levels, throughput modes, and
// trader archetypes. It has no dependencies on internal packages, so it
// can be imported by any layer.
package types

import "time"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a trade or order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Sign returns +1 for BUY and -1 for SELL, the factor applied to price impact.
func (s Side) Sign() float64 {
	if s == BUY {
		return 1
	}
	return -1
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// SessionState is the externally observable lifecycle state of a session.
// running+paused is only a transient inside lifecycle operations; the
// observable states are exactly these four values.
type SessionState string

const (
	StateIdle    SessionState = "idle"
	StateRunning SessionState = "running"
	StatePaused  SessionState = "paused"
	StateStopped SessionState = "stopped"
)

// MarketTrend labels the current market regime.
type MarketTrend string

const (
	TrendBullish  MarketTrend = "bullish"
	TrendBearish  MarketTrend = "bearish"
	TrendSideways MarketTrend = "sideways"
)

// ————————————————————————————————————————————————————————————————————————
// Throughput modes
// ————————————————————————————————————————————————————————————————————————

// ThroughputMode selects the external-order rate and archetype mix.
type ThroughputMode string

const (
	ModeNormal ThroughputMode = "NORMAL"
	ModeBurst  ThroughputMode = "BURST"
	ModeStress ThroughputMode = "STRESS"
	ModeHFT    ThroughputMode = "HFT"
)

// Valid reports whether m is one of the four known modes.
func (m ThroughputMode) Valid() bool {
	switch m {
	case ModeNormal, ModeBurst, ModeStress, ModeHFT:
		return true
	}
	return false
}

// TargetTPS returns the target external orders per second for the mode.
func (m ThroughputMode) TargetTPS() float64 {
	switch m {
	case ModeBurst:
		return 150
	case ModeStress:
		return 1500
	case ModeHFT:
		return 15000
	default:
		return 25
	}
}

// OrderCap returns the per-tick cap on generated external orders.
func (m ThroughputMode) OrderCap() int {
	switch m {
	case ModeBurst:
		return 10
	case ModeStress:
		return 100
	case ModeHFT:
		return 1000
	default:
		return 1
	}
}

// ————————————————————————————————————————————————————————————————————————
// Trader archetypes and profiles
// ————————————————————————————————————————————————————————————————————————

// Archetype is an external-trader behavior profile.
type Archetype string

const (
	ArchArbitrageBot Archetype = "ARBITRAGE_BOT"
	ArchRetailTrader Archetype = "RETAIL_TRADER"
	ArchMarketMaker  Archetype = "MARKET_MAKER"
	ArchMEVBot       Archetype = "MEV_BOT"
	ArchWhale        Archetype = "WHALE"
	ArchPanicSeller  Archetype = "PANIC_SELLER"
)

// RiskClass is the derived risk appetite of a trader agent.
type RiskClass string

const (
	RiskConservative RiskClass = "conservative"
	RiskModerate     RiskClass = "moderate"
	RiskAggressive   RiskClass = "aggressive"
)

// TradingStrategy is the derived decision style of a trader agent.
type TradingStrategy string

const (
	StrategyScalper    TradingStrategy = "scalper"
	StrategySwing      TradingStrategy = "swing"
	StrategyMomentum   TradingStrategy = "momentum"
	StrategyContrarian TradingStrategy = "contrarian"
)

// TraderProfile is one agent in the simulated population. Immutable after
// load except NetPnL, TradeCount and the aggregate volumes, which accumulate
// as the simulation produces trades.
type TraderProfile struct {
	Wallet      string  `json:"wallet"`
	TotalVolume float64 `json:"total_volume"`
	BuyVolume   float64 `json:"buy_volume"`
	SellVolume  float64 `json:"sell_volume"`
	TradeCount  int     `json:"trade_count"`
	NetPnL      float64 `json:"net_pnl"`
	WinRate     float64 `json:"win_rate"`

	RiskClass RiskClass       `json:"risk_class"`
	Strategy  TradingStrategy `json:"strategy"`

	// Behavioral parameters derived at load time.
	EntryThreshold       float64 `json:"entry_threshold"`
	ExitProfitThreshold  float64 `json:"exit_profit_threshold"`
	ExitLossThreshold    float64 `json:"exit_loss_threshold"`
	MinHoldTicks         int     `json:"min_hold_ticks"`
	MaxHoldTicks         int     `json:"max_hold_ticks"`
	TradingFrequency     float64 `json:"trading_frequency"`
	SentimentSensitivity float64 `json:"sentiment_sensitivity"`
	StopLoss             float64 `json:"stop_loss"`
	TakeProfit           float64 `json:"take_profit"`
}

// RawTrader is the upstream analytics payload for one trader, as returned
// by the trader-data provider. Wallet may contain HTML markup.
type RawTrader struct {
	Position     int     `json:"position"`
	Wallet       string  `json:"wallet"`
	NetPnL       float64 `json:"net_pnl"`
	TotalVolume  float64 `json:"total_volume"`
	BuyVolume    float64 `json:"buy_volume"`
	SellVolume   float64 `json:"sell_volume"`
	TradeCount   int     `json:"trade_count"`
	FeesUSD      float64 `json:"fees_usd"`
	WinRate      float64 `json:"win_rate"`
	AvgTradeSize float64 `json:"avg_trade_size"`
	LargestTrade float64 `json:"largest_trade"`
	LastActive   string  `json:"last_active"`
}

// ————————————————————————————————————————————————————————————————————————
// Trades and positions
// ————————————————————————————————————————————————————————————————————————

// Trade is one published execution. Immutable once published; instances are
// pool-backed, so holders must not retain references past eviction.
// Trader is a wallet identifier, not a pointer — mutations to the trader go
// through the session's trader table keyed by it.
type Trade struct {
	ID        string    `json:"id"`
	Timestamp int64     `json:"timestamp"` // simulated clock, ms
	Trader    string    `json:"trader"`
	Action    Side      `json:"action"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Value     float64   `json:"value"`  // price * quantity
	Impact    float64   `json:"impact"` // fractional price impact applied to the live price
	Archetype Archetype `json:"archetype,omitempty"`
}

// Reset zeroes the trade for pool reuse.
func (t *Trade) Reset() {
	*t = Trade{}
}

// Position is one trader's open exposure. Quantity is signed: positive is
// long, negative is short. Instances are pool-backed.
type Position struct {
	Trader     string  `json:"trader"`
	EntryPrice float64 `json:"entry_price"`
	Quantity   float64 `json:"quantity"`
	EntryTime  int64   `json:"entry_time"` // simulated clock, ms
	PnL        float64 `json:"pnl"`
	PnLPct     float64 `json:"pnl_pct"`
}

// Reset zeroes the position for pool reuse.
func (p *Position) Reset() {
	*p = Position{}
}

// ClosedPosition is the immutable record appended when a position closes.
type ClosedPosition struct {
	Trader     string  `json:"trader"`
	EntryPrice float64 `json:"entry_price"`
	ExitPrice  float64 `json:"exit_price"`
	Quantity   float64 `json:"quantity"`
	PnL        float64 `json:"pnl"`
	EntryTime  int64   `json:"entry_time"`
	ExitTime   int64   `json:"exit_time"`
}

// ————————————————————————————————————————————————————————————————————————
// Candles
// ————————————————————————————————————————————————————————————————————————

// Candle is an OHLCV bar. Timestamp is the bar-open simulated clock in ms,
// strictly increasing across a session's history by exactly the bar interval.
type Candle struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBookSnapshot is a point-in-time copy of the session's book.
// Bids are sorted descending by price, asks ascending.
type OrderBookSnapshot struct {
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp int64        `json:"timestamp"` // simulated clock, ms
}

// BestBid returns the highest bid, or false if the side is empty.
func (s OrderBookSnapshot) BestBid() (float64, bool) {
	if len(s.Bids) == 0 {
		return 0, false
	}
	return s.Bids[0].Price, true
}

// BestAsk returns the lowest ask, or false if the side is empty.
func (s OrderBookSnapshot) BestAsk() (float64, bool) {
	if len(s.Asks) == 0 {
		return 0, false
	}
	return s.Asks[0].Price, true
}

// ExternalOrder is one synthesized exogenous order awaiting a fill attempt.
// Instances are pool-backed in the external generator.
type ExternalOrder struct {
	ID         string    `json:"id"`
	Archetype  Archetype `json:"archetype"`
	Side       Side      `json:"side"`
	LimitPrice float64   `json:"limit_price"`
	Quantity   float64   `json:"quantity"`
	Priority   int       `json:"priority"` // 1 (lowest) .. 5 (highest)
	EnqueuedAt int64     `json:"enqueued_at"`
	Seq        uint64    `json:"-"` // FIFO tiebreak within a priority
}

// Reset zeroes the order for pool reuse.
func (o *ExternalOrder) Reset() {
	*o = ExternalOrder{}
}

// ————————————————————————————————————————————————————————————————————————
// Throughput metrics
// ————————————————————————————————————————————————————————————————————————

// ThroughputMetrics is the live external-flow measurement broadcast to
// clients on the metrics cadence.
type ThroughputMetrics struct {
	ActualTPS       float64        `json:"actual_tps"`
	ConfiguredTPS   float64        `json:"configured_tps"`
	QueueDepth      int            `json:"queue_depth"`
	MarketSentiment MarketTrend    `json:"market_sentiment"`
	DominantType    Archetype      `json:"dominant_trader_type"`
	Mode            ThroughputMode `json:"mode"`
	LiquidationRisk float64        `json:"liquidation_risk"`
	SampledAt       time.Time      `json:"sampled_at"`
}
