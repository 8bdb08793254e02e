// Package engine is the lifecycle controller: it owns sessions, their tick
// loops, and the coordination between the price engine, trader engine,
// external generator, order book, and candle aggregator.
//
// Concurrency model: every session owns its state exclusively behind its
// mutex. The tick loop is the only writer while running; lifecycle
// operations take the same mutex, and pause/resume additionally hold a
// fail-fast operation lock so a second pause cannot overlap the first.
// A process-wide single-session policy admits one non-idle session.
package engine

import (
	"context"
	"sync"
	"time"

	"marketsim/internal/book"
	"marketsim/internal/candle"
	"marketsim/internal/external"
	"marketsim/internal/market"
	"marketsim/internal/trader"
	"marketsim/pkg/types"
)

// Session is one simulated market and everything it owns.
type Session struct {
	ID string

	mu sync.RWMutex
	op chan struct{} // capacity 1; fail-fast pause/resume lock

	// Configured parameters, fixed at creation (speed is adjustable).
	initialPrice float64
	liquidity    float64
	volMult      float64
	durationMin  int
	speed        int

	// Live state, mutated only by the tick loop and lifecycle operations.
	running      bool
	paused       bool
	stopped      bool
	currentPrice float64
	simClock     int64 // simulated ms
	startClock   int64
	endClock     int64
	trend        types.MarketTrend
	volatility   float64
	mode         types.ThroughputMode
	scenario     *market.Scenario

	recentTrades   []*types.Trade // newest first, bounded
	totalProcessed int64
	pendingSync    int64 // trades in the sync bridge, counted as live holdings

	book    *book.Book
	price   *market.Engine
	traders *trader.Engine
	gen     *external.Generator
	agg     *candle.Aggregator

	// Metrics throttle state.
	lastMetrics   types.ThroughputMetrics
	lastKey       string
	lastEmittedAt time.Time

	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup

	createdAt time.Time
}

// State derives the externally observable lifecycle state.
func (s *Session) State() types.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() types.SessionState {
	switch {
	case s.stopped:
		return types.StateStopped
	case s.running && s.paused:
		return types.StatePaused
	case s.running:
		return types.StateRunning
	default:
		return types.StateIdle
	}
}

// tryOp acquires the operation lock without blocking.
func (s *Session) tryOp() bool {
	select {
	case s.op <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Session) releaseOp() {
	select {
	case <-s.op:
	default:
	}
}

// pushTradesLocked publishes a tick's trade batch newest-first and releases
// evicted records back to the pool. Caller holds s.mu.
func (s *Session) pushTradesLocked(batch []*types.Trade, limit int) {
	if len(batch) == 0 {
		return
	}
	merged := make([]*types.Trade, 0, len(batch)+len(s.recentTrades))
	for i := len(batch) - 1; i >= 0; i-- {
		merged = append(merged, batch[i])
	}
	merged = append(merged, s.recentTrades...)

	if len(merged) > limit {
		s.traders.ReleaseTrades(merged[limit:])
		merged = merged[:limit]
	}
	s.recentTrades = merged
}

// recentValuesLocked copies the newest n trades by value for readers that
// must not retain pooled pointers. Caller holds s.mu.
func (s *Session) recentValuesLocked(n int) []types.Trade {
	if n > len(s.recentTrades) {
		n = len(s.recentTrades)
	}
	out := make([]types.Trade, n)
	for i := 0; i < n; i++ {
		out[i] = *s.recentTrades[i]
	}
	return out
}

// Snapshot is the synchronous view of a session returned by the API.
type Snapshot struct {
	ID                   string               `json:"id"`
	State                types.SessionState   `json:"state"`
	CurrentPrice         float64              `json:"current_price"`
	InitialPrice         float64              `json:"initial_price"`
	SimClock             int64                `json:"sim_clock"`
	StartClock           int64                `json:"start_clock"`
	EndClock             int64                `json:"end_clock"`
	Speed                int                  `json:"speed"`
	VolatilityMultiplier float64              `json:"volatility_multiplier"`
	Trend                types.MarketTrend    `json:"trend"`
	Volatility           float64              `json:"volatility"`
	Mode                 types.ThroughputMode `json:"mode"`
	TotalTradesProcessed int64                `json:"total_trades_processed"`
	TraderCount          int                  `json:"trader_count"`
	RecentTradeCount     int                  `json:"recent_trade_count"`
	CreatedAt            time.Time            `json:"created_at"`
}

func (s *Session) snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ID:                   s.ID,
		State:                s.stateLocked(),
		CurrentPrice:         s.currentPrice,
		InitialPrice:         s.initialPrice,
		SimClock:             s.simClock,
		StartClock:           s.startClock,
		EndClock:             s.endClock,
		Speed:                s.speed,
		VolatilityMultiplier: s.volMult,
		Trend:                s.trend,
		Volatility:           s.volatility,
		Mode:                 s.mode,
		TotalTradesProcessed: s.totalProcessed,
		TraderCount:          s.traders.Traders(),
		RecentTradeCount:     len(s.recentTrades),
		CreatedAt:            s.createdAt,
	}
}

// PriceUpdate is the per-tick streaming payload.
type PriceUpdate struct {
	Price                float64                 `json:"price"`
	Candles              []types.Candle          `json:"candles"` // newest 250
	Trades               []types.Trade           `json:"trades"`  // newest 1000
	Book                 types.OrderBookSnapshot `json:"order_book"`
	Rankings             []types.TraderProfile   `json:"rankings"` // top 20
	Metrics              types.ThroughputMetrics `json:"metrics"`
	TotalTradesProcessed int64                   `json:"total_trades_processed"`
	Mode                 types.ThroughputMode    `json:"mode"`
}

// StatusPayload accompanies simulation_status events.
type StatusPayload struct {
	State types.SessionState `json:"state"`
}

// aggregator fetch used in tick paths; may be nil briefly during reset.
func (s *Session) aggregator() *candle.Aggregator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agg
}
