package engine

import (
	"context"
	"fmt"
	"time"

	"marketsim/internal/external"
	"marketsim/internal/market"
	"marketsim/internal/metrics"
	"marketsim/internal/pool"
	"marketsim/internal/trader"
	"marketsim/pkg/types"
)

// Recent-trade floor below which the backfill generator engages.
const backfillFloor = 50

// tickLoop drives one session at the base cadence until cancelled.
func (m *Manager) tickLoop(ctx context.Context, s *Session) {
	defer s.loopWG.Done()

	ticker := time.NewTicker(m.cfg.Engine.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(s)
		}
	}
}

// tick executes one full simulation step. Any panic is logged and the loop
// continues on the next tick.
func (m *Manager) tick(s *Session) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("tick panicked", "session", s.ID, "panic", r)
		}
	}()

	s.mu.Lock()
	if !s.running || s.paused {
		s.mu.Unlock()
		return
	}

	speed := s.speed
	subTicks := speed / 5
	if subTicks < 1 {
		subTicks = 1
	}
	deltaMs := int64(m.cfg.Engine.TickInterval/time.Millisecond) * int64(speed) * 2
	s.simClock += deltaMs
	clock := s.simClock

	agg := s.agg
	if agg == nil {
		s.mu.Unlock()
		return
	}
	intervalMs := agg.IntervalMs()
	history := agg.History()
	recent := s.recentValuesLocked(100)

	// Price advancement: the compression factor consumes sub-ticks before
	// observable time moves.
	var res market.StepResult
	for i := 0; i < subTicks; i++ {
		res = s.price.Step(market.StepInput{
			Price:      s.currentPrice,
			Recent:     recent,
			History:    history,
			Mode:       s.mode,
			IntervalMs: intervalMs,
			Trend:      s.trend,
			VolMult:    s.volMult,
			Scenario:   s.scenario,
		})
		s.currentPrice = res.Price
	}
	s.volatility = res.Sigma
	s.trend = market.Classify(history, s.currentPrice)

	// Trader engine.
	tickIn := trader.TickInput{
		Price:      s.currentPrice,
		Clock:      clock,
		Speed:      speed,
		Trend:      s.trend,
		Volatility: res.Sigma,
	}
	batch := s.traders.Tick(tickIn)
	for _, t := range batch {
		s.currentPrice *= 1 + t.Impact
	}
	metrics.TradesTotal.WithLabelValues("agent").Add(float64(len(batch)))

	if len(s.recentTrades)+len(batch) < backfillFloor {
		fill := s.traders.Backfill(tickIn)
		metrics.TradesTotal.WithLabelValues("backfill").Add(float64(len(fill)))
		batch = append(batch, fill...)
	}

	// External flow: generate, then drain and fill against the book.
	s.gen.GenerateTick(external.GenInput{
		Mode:         s.mode,
		Mid:          s.currentPrice,
		InitialPrice: s.initialPrice,
		Trend:        s.trend,
		Clock:        clock,
		DeltaMs:      deltaMs,
	})
	processed := 0
	var extVolume float64
	for _, o := range s.gen.Drain(s.mode.OrderCap()) {
		fill, ok := s.book.Fill(o.Side, o.LimitPrice, o.Quantity)
		if ok {
			t := s.traders.MaterializeExternal(o.Archetype, o.Side, fill.Price, fill.Quantity, fill.Impact, clock)
			s.currentPrice *= 1 + fill.Impact
			processed++
			extVolume += fill.Quantity
			metrics.OrdersTotal.WithLabelValues(string(o.Archetype)).Inc()
			m.enqueueSync(s, t)
		}
		s.gen.Release(o)
	}
	s.gen.MarkProcessed(processed)

	// Publish this tick's trades newest-first, then refresh the book and
	// the candle stream with the post-trade state.
	s.pushTradesLocked(batch, m.cfg.Engine.RecentTradesCap)
	s.book.Update(s.currentPrice, s.recentValuesLocked(20), clock)

	// External fills publish through the sync task later, but their volume
	// belongs to this tick's bar.
	volume := extVolume
	for _, t := range batch {
		volume += t.Quantity
	}
	agg.AddSample(clock, s.currentPrice, volume)

	s.traders.MarkPositions(s.currentPrice)
	acquired, released := s.traders.Counters()
	live := int64(len(s.recentTrades)) + int64(s.traders.OpenPositionCount()) + s.pendingSync

	ended := clock >= s.endClock
	if ended {
		s.paused = true
	}
	payload := m.priceUpdateLocked(s)
	s.mu.Unlock()

	metrics.TicksTotal.Inc()
	m.monitor.Report(pool.DriftReport{
		SessionID: s.ID,
		Leaked:    acquired - released - live,
		Timestamp: time.Now(),
	})
	m.broadcaster.Broadcast(newEvent(EventPriceUpdate, s.ID, payload))

	if ended {
		go m.autoPause(s)
	}
}

// priceUpdateLocked assembles the streaming snapshot. Caller holds s.mu.
func (m *Manager) priceUpdateLocked(s *Session) PriceUpdate {
	return PriceUpdate{
		Price:                s.currentPrice,
		Candles:              m.registry.Snapshot(s.ID, 250),
		Trades:               s.recentValuesLocked(1000),
		Book:                 s.book.Snapshot(),
		Rankings:             s.traders.Ranking(20),
		Metrics:              s.lastMetrics,
		TotalTradesProcessed: s.totalProcessed,
		Mode:                 s.mode,
	}
}

// autoPause suspends a session whose simulated clock passed its end bound.
// Runs outside the tick so loop teardown cannot deadlock on itself.
func (m *Manager) autoPause(s *Session) {
	m.stopLoops(s)
	if agg := s.aggregator(); agg != nil {
		agg.FinalizeCurrent()
	}
	m.forcePoolGC()
	m.broadcaster.Broadcast(newEvent(EventSimulationStatus, s.ID, StatusPayload{State: types.StatePaused}))
	m.logger.Info("session reached end clock", "session", s.ID)
}

// ——————————————————————————————————————————————————————————————————————
// Metrics task
// ——————————————————————————————————————————————————————————————————————

// metricsLoop samples throughput metrics on its own cadence and broadcasts
// under the content-key throttle.
func (m *Manager) metricsLoop(ctx context.Context, s *Session) {
	defer s.loopWG.Done()

	ticker := time.NewTicker(m.cfg.Engine.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleMetrics(s)
		}
	}
}

func (m *Manager) sampleMetrics(s *Session) {
	s.mu.Lock()
	mode := s.mode
	trend := s.trend
	s.mu.Unlock()

	live := s.gen.Metrics(mode, trend)
	key := metricsKey(live)

	metrics.ActualTPS.Set(live.ActualTPS)
	for _, p := range []pool.Stats{m.tradePool.Stats(), m.positionPool.Stats(), m.orderPool.Stats()} {
		metrics.PoolInUse.WithLabelValues(p.Name).Set(float64(p.InUse))
	}

	s.mu.Lock()
	s.lastMetrics = live
	sinceLast := time.Since(s.lastEmittedAt)
	changed := key != s.lastKey && sinceLast >= m.cfg.Engine.BroadcastThrottle
	stale := sinceLast >= m.cfg.Engine.MetricsMaxStale
	if changed || stale {
		s.lastKey = key
		s.lastEmittedAt = time.Now()
	}
	s.mu.Unlock()

	if changed || stale {
		m.broadcaster.Broadcast(newEvent(EventMarketPressure, s.ID, live))
	}
}

// metricsKey is the broadcast-throttle content key. It covers the fields a
// client can observe changing; SampledAt is deliberately excluded.
func metricsKey(t types.ThroughputMetrics) string {
	return fmt.Sprintf("%.0f|%.0f|%d|%s|%s",
		t.ActualTPS, t.ConfiguredTPS, t.QueueDepth, t.MarketSentiment, t.DominantType)
}

// ——————————————————————————————————————————————————————————————————————
// Processed-trades sync task
// ——————————————————————————————————————————————————————————————————————

// enqueueSync bridges a processed external trade toward recent_trades. The
// send never blocks the tick; an overflowing bridge drops the record back
// to its pool with a warning. Caller holds s.mu.
func (m *Manager) enqueueSync(s *Session, t *types.Trade) {
	select {
	case m.txQueue <- queuedTrade{sessionID: s.ID, trade: t}:
		s.pendingSync++
	default:
		m.logger.Warn("sync queue full, dropping processed trade",
			"session", s.ID, "trade", t.ID)
		s.traders.ReleaseTrades([]*types.Trade{t})
	}
}

// syncLoop drains the bridge every sync interval and folds trades into
// their sessions under the session mutex.
func (m *Manager) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Engine.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.drainSyncQueue()
		}
	}
}

func (m *Manager) drainSyncQueue() {
	for {
		select {
		case qt := <-m.txQueue:
			m.applySynced(qt)
		default:
			return
		}
	}
}

func (m *Manager) applySynced(qt queuedTrade) {
	s, err := m.session(qt.sessionID)
	if err != nil {
		// Session deleted between fill and sync.
		m.tradePool.Release(qt.trade)
		return
	}

	s.mu.Lock()
	s.pendingSync--
	if !s.traders.IntegrateExternal(qt.trade) {
		s.traders.ReleaseTrades([]*types.Trade{qt.trade})
		s.mu.Unlock()
		return
	}
	s.pushTradesLocked([]*types.Trade{qt.trade}, m.cfg.Engine.RecentTradesCap)
	s.totalProcessed++
	val := *qt.trade
	s.mu.Unlock()

	metrics.TradesTotal.WithLabelValues("external").Inc()
	m.broadcaster.Broadcast(newEvent(EventProcessedTrade, qt.sessionID, val))
}

// ——————————————————————————————————————————————————————————————————————
// Pool cleanup consumer
// ——————————————————————————————————————————————————————————————————————

// cleanupLoop consumes the monitor's cleanup signals.
func (m *Manager) cleanupLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-m.monitor.CleanupCh():
			m.handleCleanup(sig)
		}
	}
}

// handleCleanup releases the leaking session's holdings back to the pools.
// A global signal (leak escalation) cleans every session.
func (m *Manager) handleCleanup(sig pool.CleanupSignal) {
	ids := []string{sig.SessionID}
	if sig.SessionID == "" {
		m.logger.Warn("global pool cleanup", "reason", sig.Reason)
		ids = m.sessionIDs()
	}
	for _, id := range ids {
		s, err := m.session(id)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.traders.Cleanup()
		s.mu.Unlock()
		m.logger.Warn("session pool cleanup",
			"session", id, "reason", sig.Reason)
	}
	m.forcePoolGC()
}
