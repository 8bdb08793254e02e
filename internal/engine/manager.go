package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketsim/internal/book"
	"marketsim/internal/candle"
	"marketsim/internal/config"
	"marketsim/internal/external"
	"marketsim/internal/market"
	"marketsim/internal/metrics"
	"marketsim/internal/pool"
	"marketsim/internal/trader"
	"marketsim/pkg/types"
)

// Aggregator creation retries inside CreateSession.
const aggCreateRetries = 3

// Backoff base between aggregator creation attempts.
const aggCreateBackoff = 100 * time.Millisecond

// Pending processed-trades bridge capacity.
const txQueueCap = 10_000

// TraderSource supplies the agent population for new sessions.
type TraderSource interface {
	TopTraders(ctx context.Context) []types.TraderProfile
}

// queuedTrade is one processed external trade awaiting the sync task.
type queuedTrade struct {
	sessionID string
	trade     *types.Trade
}

// Manager is the lifecycle controller. It owns the session table, the
// process-wide single-session lock, the shared pools, and the background
// tasks (pool monitor, processed-trades sync, cleanup consumer).
type Manager struct {
	cfg    *config.Config
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	activeID string // single-session lock; empty when no session exists
	rng      *rand.Rand

	registry     *candle.Registry
	tradePool    *pool.Pool[types.Trade]
	positionPool *pool.Pool[types.Position]
	orderPool    *pool.Pool[types.ExternalOrder]
	monitor      *pool.Monitor

	provider    TraderSource
	broadcaster Broadcaster

	txQueue chan queuedTrade
	wg      sync.WaitGroup
}

// NewManager wires the controller. Pass a NopBroadcaster when no transport
// is attached (tests, batch runs).
func NewManager(cfg *config.Config, provider TraderSource, broadcaster Broadcaster, logger *slog.Logger) *Manager {
	logger = logger.With("component", "engine")

	tradePool := pool.New[types.Trade]("trades", cfg.Pools.TradeCapacity, logger)
	positionPool := pool.New[types.Position]("positions", cfg.Pools.PositionCapacity, logger)
	orderPool := pool.New[types.ExternalOrder]("orders", cfg.Pools.OrderCapacity, logger)

	return &Manager{
		cfg:          cfg,
		logger:       logger,
		sessions:     make(map[string]*Session),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		registry:     candle.NewRegistry(cfg.Engine.CandleHistoryCap, logger),
		tradePool:    tradePool,
		positionPool: positionPool,
		orderPool:    orderPool,
		monitor:      pool.NewMonitor(cfg.Engine.PoolMonitorPeriod, logger, tradePool, positionPool, orderPool),
		provider:     provider,
		broadcaster:  broadcaster,
		txQueue:      make(chan queuedTrade, txQueueCap),
	}
}

// Run blocks until ctx is cancelled, then stops every session and waits for
// background tasks to drain.
func (m *Manager) Run(ctx context.Context) {
	m.wg.Add(3)
	go func() {
		defer m.wg.Done()
		m.monitor.Run(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.syncLoop(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.cleanupLoop(ctx)
	}()

	<-ctx.Done()

	for _, id := range m.sessionIDs() {
		if _, err := m.StopSession(id); err != nil {
			m.logger.Warn("shutdown stop failed", "session", id, "error", err)
		}
	}
	m.wg.Wait()
}

func (m *Manager) sessionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// ——————————————————————————————————————————————————————————————————————
// Creation
// ——————————————————————————————————————————————————————————————————————

// CreateParams configures a new session. Zero values take defaults.
type CreateParams struct {
	CustomPrice    float64 `json:"custom_price"`
	PriceRange     string  `json:"price_range"` // micro, small, mid, large, mega
	DurationMin    int     `json:"duration_min"`
	Speed          int     `json:"speed"`
	VolatilityMult float64 `json:"volatility_mult"`
	Liquidity      float64 `json:"liquidity"`
}

func (p *CreateParams) applyDefaults(maxSpeed int) error {
	if p.DurationMin <= 0 {
		p.DurationMin = 5
	}
	if p.Speed == 0 {
		p.Speed = 10
	}
	if p.Speed < 1 || p.Speed > maxSpeed {
		return fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidSpeed, p.Speed, maxSpeed)
	}
	if p.VolatilityMult <= 0 {
		p.VolatilityMult = 1
	}
	if p.Liquidity <= 0 {
		p.Liquidity = 50_000
	}
	return nil
}

// CreateSession builds a ready session. Only one session may exist at a
// time; a second create fails with ErrSessionActive.
func (m *Manager) CreateSession(ctx context.Context, params CreateParams) (Snapshot, error) {
	if err := params.applyDefaults(m.cfg.Engine.MaxSpeed); err != nil {
		return Snapshot{}, err
	}

	m.mu.Lock()
	if m.activeID != "" {
		m.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %s", ErrSessionActive, m.activeID)
	}
	id := uuid.New().String()
	m.activeID = id

	price := params.CustomPrice
	if price <= 0 {
		if params.PriceRange != "" {
			price = market.SamplePriceInRange(m.rng, params.PriceRange)
		} else {
			price = market.SamplePrice(m.rng)
		}
	}
	seed := m.rng.Int63()
	m.mu.Unlock()

	agg, err := m.acquireAggregator(ctx, id, price)
	if err != nil {
		m.releaseActive(id)
		return Snapshot{}, fmt.Errorf("create session: %w", err)
	}

	profiles := m.provider.TopTraders(ctx)

	now := time.Now().UnixMilli()
	s := &Session{
		ID:           id,
		op:           make(chan struct{}, 1),
		initialPrice: price,
		liquidity:    params.Liquidity,
		volMult:      params.VolatilityMult,
		durationMin:  params.DurationMin,
		speed:        params.Speed,
		currentPrice: price,
		simClock:     now,
		startClock:   now,
		endClock:     now + int64(params.DurationMin)*60_000,
		trend:        types.TrendSideways,
		mode:         types.ModeNormal,
		book:         book.New(m.cfg.Book, price, params.Liquidity),
		price:        market.NewEngine(seed),
		traders:      trader.NewEngine(profiles, m.tradePool, m.positionPool, m.cfg.Engine.ClosedPositionsCap, seed, m.logger),
		gen:          external.NewGenerator(m.orderPool, seed, m.logger),
		agg:          agg,
		createdAt:    time.Now(),
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	metrics.SessionsActive.Set(1)
	m.logger.Info("session created",
		"session", id,
		"price", price,
		"speed", params.Speed,
		"duration_min", params.DurationMin,
		"traders", len(profiles))

	return s.snapshot(), nil
}

// acquireAggregator retries transient creation failures with linear backoff.
func (m *Manager) acquireAggregator(ctx context.Context, id string, price float64) (*candle.Aggregator, error) {
	var agg *candle.Aggregator
	var err error
	for attempt := 1; attempt <= aggCreateRetries; attempt++ {
		agg, err = m.registry.Acquire(ctx, id, price)
		if err == nil {
			return agg, nil
		}
		m.logger.Warn("aggregator acquire failed",
			"session", id, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * aggCreateBackoff):
		}
	}
	return nil, err
}

func (m *Manager) releaseActive(id string) {
	m.mu.Lock()
	if m.activeID == id {
		m.activeID = ""
	}
	m.mu.Unlock()
}

// ——————————————————————————————————————————————————————————————————————
// Queries
// ——————————————————————————————————————————————————————————————————————

func (m *Manager) session(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// GetSession returns the snapshot for one session.
func (m *Manager) GetSession(id string) (Snapshot, error) {
	s, err := m.session(id)
	if err != nil {
		return Snapshot{}, err
	}
	return s.snapshot(), nil
}

// ListSessions returns snapshots for every session.
func (m *Manager) ListSessions() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// ——————————————————————————————————————————————————————————————————————
// Lifecycle
// ——————————————————————————————————————————————————————————————————————

// StartSession begins ticking an idle session.
func (m *Manager) StartSession(id string) (types.SessionState, error) {
	s, err := m.session(id)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.stateLocked() != types.StateIdle {
		state := s.stateLocked()
		s.mu.Unlock()
		return "", fmt.Errorf("%w: start from %s", ErrInvalidTransition, state)
	}
	s.running = true
	s.paused = false
	m.startLoopsLocked(s)
	s.mu.Unlock()

	m.broadcaster.Broadcast(newEvent(EventSimulationStatus, id, StatusPayload{State: types.StateRunning}))
	m.logger.Info("session started", "session", id)
	return types.StateRunning, nil
}

// startLoopsLocked spawns the tick and metrics tasks. Caller holds s.mu.
func (m *Manager) startLoopsLocked(s *Session) {
	ctx, cancel := context.WithCancel(context.Background())
	s.loopCancel = cancel
	s.loopWG.Add(2)
	go m.tickLoop(ctx, s)
	go m.metricsLoop(ctx, s)
}

// stopLoops cancels the session's tasks and waits for them to exit. Must be
// called without holding s.mu.
func (m *Manager) stopLoops(s *Session) {
	s.mu.Lock()
	cancel := s.loopCancel
	s.loopCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.loopWG.Wait()
}

// PauseSession suspends ticking. A second pause while one is in flight
// fails fast with ErrOperationInFlight.
func (m *Manager) PauseSession(id string) (types.SessionState, error) {
	s, err := m.session(id)
	if err != nil {
		return "", err
	}
	if !s.tryOp() {
		return "", ErrOperationInFlight
	}
	defer s.releaseOp()

	s.mu.Lock()
	if !s.running || s.paused {
		state := s.stateLocked()
		s.mu.Unlock()
		return "", fmt.Errorf("%w: pause from %s", ErrInvalidTransition, state)
	}
	s.paused = true
	s.mu.Unlock()

	// Tear down timers, finalize the open bar, then a one-shot pool pass.
	m.stopLoops(s)
	if agg := s.aggregator(); agg != nil {
		agg.FinalizeCurrent()
	}
	m.forcePoolGC()

	m.broadcaster.Broadcast(newEvent(EventSimulationStatus, id, StatusPayload{State: types.StatePaused}))
	m.logger.Info("session paused", "session", id)
	return types.StatePaused, nil
}

// ResumeSession restarts ticking on a paused session.
func (m *Manager) ResumeSession(id string) (types.SessionState, error) {
	s, err := m.session(id)
	if err != nil {
		return "", err
	}
	if !s.tryOp() {
		return "", ErrOperationInFlight
	}
	defer s.releaseOp()

	s.mu.Lock()
	if !s.running || !s.paused {
		state := s.stateLocked()
		s.mu.Unlock()
		return "", fmt.Errorf("%w: resume from %s", ErrInvalidTransition, state)
	}
	s.paused = false

	// The aggregator may have been disposed by an interleaved cleanup.
	if s.agg == nil {
		agg, err := m.acquireAggregator(context.Background(), id, s.currentPrice)
		if err != nil {
			s.paused = true
			s.mu.Unlock()
			return "", fmt.Errorf("resume: %w", err)
		}
		s.agg = agg
	}
	m.startLoopsLocked(s)
	s.mu.Unlock()

	m.broadcaster.Broadcast(newEvent(EventSimulationStatus, id, StatusPayload{State: types.StateRunning}))
	m.logger.Info("session resumed", "session", id)
	return types.StateRunning, nil
}

// StopSession halts a session permanently. The session remains queryable
// until deleted.
func (m *Manager) StopSession(id string) (types.SessionState, error) {
	s, err := m.session(id)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return types.StateStopped, nil
	}
	s.running = false
	s.paused = false
	s.stopped = true
	s.mu.Unlock()

	m.stopLoops(s)

	s.mu.Lock()
	evicted := s.recentTrades
	s.recentTrades = nil
	s.mu.Unlock()
	s.traders.ReleaseTrades(evicted)
	s.traders.Cleanup()
	s.gen.Reset()
	if agg := s.aggregator(); agg != nil {
		agg.FinalizeCurrent()
	}

	m.broadcaster.Broadcast(newEvent(EventSimulationStatus, id, StatusPayload{State: types.StateStopped}))
	m.logger.Info("session stopped", "session", id)
	return types.StateStopped, nil
}

// ResetSession returns a session to a ready state around a freshly sampled
// price. The session does not auto-start.
func (m *Manager) ResetSession(id string) (types.SessionState, error) {
	s, err := m.session(id)
	if err != nil {
		return "", err
	}

	m.stopLoops(s)

	m.mu.Lock()
	newPrice := market.SamplePrice(m.rng)
	m.mu.Unlock()

	s.mu.Lock()
	evicted := s.recentTrades
	s.recentTrades = nil
	s.traders.ReleaseTrades(evicted)
	s.traders.Cleanup()
	s.gen.Reset()

	s.initialPrice = newPrice
	s.currentPrice = newPrice
	s.mode = types.ModeNormal
	s.trend = types.TrendSideways
	s.volatility = 0
	s.scenario = nil
	s.totalProcessed = 0
	s.running = false
	s.paused = false
	s.stopped = false

	now := time.Now().UnixMilli()
	s.simClock = now
	s.startClock = now
	s.endClock = now + int64(s.durationMin)*60_000

	s.book.Rebuild(newPrice, s.liquidity)
	if s.agg != nil {
		s.agg.Reset(newPrice)
	}
	s.lastKey = ""
	s.lastMetrics = types.ThroughputMetrics{}
	s.mu.Unlock()

	m.monitor.RemoveSession(id)

	m.broadcaster.Broadcast(newEvent(EventSimulationReset, id, map[string]any{
		"initial_price": newPrice,
	}))
	m.logger.Info("session reset", "session", id, "price", newPrice)
	return types.StateIdle, nil
}

// DeleteSession stops a session, releases every pooled object it holds,
// disposes its aggregator, and frees the single-session lock.
func (m *Manager) DeleteSession(id string) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}

	if _, err := m.StopSession(id); err != nil {
		return err
	}

	m.registry.Dispose(id)
	m.monitor.RemoveSession(id)

	s.mu.Lock()
	s.agg = nil
	s.mu.Unlock()

	m.mu.Lock()
	delete(m.sessions, id)
	if m.activeID == id {
		m.activeID = ""
	}
	m.mu.Unlock()

	metrics.SessionsActive.Set(0)
	m.logger.Info("session deleted", "session", id)
	return nil
}

// ——————————————————————————————————————————————————————————————————————
// Tuning
// ——————————————————————————————————————————————————————————————————————

// SetSpeed adjusts the time-compression factor.
func (m *Manager) SetSpeed(id string, speed int) (int, error) {
	s, err := m.session(id)
	if err != nil {
		return 0, err
	}
	if speed < 1 || speed > m.cfg.Engine.MaxSpeed {
		return 0, fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidSpeed, speed, m.cfg.Engine.MaxSpeed)
	}
	s.mu.Lock()
	s.speed = speed
	s.mu.Unlock()
	return speed, nil
}

// ModeChange is the SetThroughputMode result.
type ModeChange struct {
	Previous types.ThroughputMode    `json:"previous"`
	Current  types.ThroughputMode    `json:"current"`
	Metrics  types.ThroughputMetrics `json:"metrics"`
}

// SetThroughputMode switches the external-flow profile.
func (m *Manager) SetThroughputMode(id string, mode types.ThroughputMode) (ModeChange, error) {
	s, err := m.session(id)
	if err != nil {
		return ModeChange{}, err
	}
	if !mode.Valid() {
		return ModeChange{}, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	s.mu.Lock()
	prev := s.mode
	s.mode = mode
	trend := s.trend
	s.mu.Unlock()

	live := s.gen.Metrics(mode, trend)
	m.logger.Info("throughput mode changed", "session", id, "from", prev, "to", mode)
	return ModeChange{Previous: prev, Current: mode, Metrics: live}, nil
}

// StartScenario activates a scripted narrative. The price engine consumes
// only the scenario's bias and volatility override each tick.
func (m *Manager) StartScenario(id string, sc market.Scenario) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.scenario = &sc
	s.mu.Unlock()

	m.broadcaster.Broadcast(newEvent(EventScenarioStarted, id, sc))
	m.logger.Info("scenario started", "session", id, "kind", sc.Kind, "intensity", sc.Intensity)
	return nil
}

// EndScenario returns the price engine to organic drift.
func (m *Manager) EndScenario(id string) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	sc := s.scenario
	s.scenario = nil
	s.mu.Unlock()

	if sc != nil {
		m.broadcaster.Broadcast(newEvent(EventScenarioEnded, id, sc))
		m.logger.Info("scenario ended", "session", id, "kind", sc.Kind)
	}
	return nil
}

// TriggerLiquidationCascade injects a forced-selling burst.
func (m *Manager) TriggerLiquidationCascade(id string) (external.CascadeResult, error) {
	s, err := m.session(id)
	if err != nil {
		return external.CascadeResult{}, err
	}

	s.mu.RLock()
	mode := s.mode
	mid := s.currentPrice
	clock := s.simClock
	s.mu.RUnlock()

	res, err := s.gen.TriggerCascade(mode, mid, clock)
	if err != nil {
		return external.CascadeResult{}, err
	}
	m.broadcaster.Broadcast(newEvent(EventCascadeTriggered, id, res))
	return res, nil
}

// forcePoolGC runs an immediate garbage pass on every pool. The pass honors
// the idle deadline so entries the tick loop is cycling stay resident.
func (m *Manager) forcePoolGC() {
	m.tradePool.ForceGC(pool.IdleDeadline)
	m.positionPool.ForceGC(pool.IdleDeadline)
	m.orderPool.ForceGC(pool.IdleDeadline)
}

// AuditAggregators runs the registry integrity audit.
func (m *Manager) AuditAggregators() []candle.IntegrityIssue {
	return m.registry.Audit()
}
