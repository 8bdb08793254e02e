// Package trader drives the simulated agent population.
//
// Each tick a shuffled subset of traders makes a decision — close an open
// position or enter on a side picked by their derived strategy — and the
// resulting trades mutate positions, P&L, and the lifetime ranking.
// Supplementary market-maker, retail, and random-fill generators top the
// tick up to the activity mode's trade budget so candles never starve.
//
// Trade and Position records are pool-backed; the engine keeps per-session
// acquire/release counters that the pool monitor watches for drift.
package trader

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"

	"github.com/google/uuid"

	"marketsim/internal/pool"
	"marketsim/pkg/types"
)

// Positions with |quantity| below this are closed outright.
const minCloseQty = 10

// Dedup cache prune threshold for integrated external trades.
const dedupCacheMax = 20_000

// ActivityMode shapes per-tick participation as a function of the session's
// compression factor.
type ActivityMode struct {
	Name          string
	TradesPerTick int     // tick trade budget
	ActivePct     float64 // share of traders acting each tick
	TurnoverPct   float64 // share of position-holders eligible to close
	MaxPerTrader  int     // trades a single active trader may emit
}

// ModeForSpeed maps the compression factor to an activity mode.
func ModeForSpeed(speed int) ActivityMode {
	switch {
	case speed <= 5:
		return ActivityMode{Name: "MAXIMUM_NORMAL", TradesPerTick: 100, ActivePct: 0.8, TurnoverPct: 0.4, MaxPerTrader: 1}
	case speed <= 15:
		return ActivityMode{Name: "MAXIMUM_MEDIUM", TradesPerTick: 200, ActivePct: 0.9, TurnoverPct: 0.6, MaxPerTrader: 1}
	default:
		return ActivityMode{Name: "MAXIMUM_FAST", TradesPerTick: 400, ActivePct: 1.0, TurnoverPct: 0.8, MaxPerTrader: 3}
	}
}

// TickInput is everything the trader engine reads for one tick.
type TickInput struct {
	Price      float64
	Clock      int64 // simulated ms
	Speed      int
	Trend      types.MarketTrend
	Volatility float64 // realized volatility estimate
}

// Engine owns the agent population for one session. It is not safe for
// concurrent use; the session's tick loop is its only caller.
type Engine struct {
	logger *slog.Logger
	rng    *rand.Rand

	tradePool    *pool.Pool[types.Trade]
	positionPool *pool.Pool[types.Position]

	traders  []*types.TraderProfile
	byWallet map[string]*types.TraderProfile

	positions map[string]*types.Position // open position per wallet
	closed    []types.ClosedPosition
	closedCap int

	seen map[string]struct{} // external trade IDs already integrated

	acquired int64 // session pool counters, reported to the monitor
	released int64
}

// NewEngine creates a trader engine over the loaded population.
func NewEngine(
	profiles []types.TraderProfile,
	tradePool *pool.Pool[types.Trade],
	positionPool *pool.Pool[types.Position],
	closedCap int,
	seed int64,
	logger *slog.Logger,
) *Engine {
	e := &Engine{
		logger:       logger.With("component", "trader"),
		rng:          rand.New(rand.NewSource(seed)),
		tradePool:    tradePool,
		positionPool: positionPool,
		byWallet:     make(map[string]*types.TraderProfile, len(profiles)),
		positions:    make(map[string]*types.Position),
		closedCap:    closedCap,
		seen:         make(map[string]struct{}),
	}
	for i := range profiles {
		p := profiles[i]
		e.traders = append(e.traders, &p)
		e.byWallet[p.Wallet] = &p
	}
	return e
}

// Tick runs one round of agent decisions plus the supplementary generators
// and returns the produced trades, newest last. Every returned trade has
// already been applied to positions and trader aggregates.
func (e *Engine) Tick(in TickInput) []*types.Trade {
	mode := ModeForSpeed(in.Speed)
	budget := mode.TradesPerTick

	out := make([]*types.Trade, 0, budget)

	// Shuffle participants each tick so activity is not order-biased.
	order := e.rng.Perm(len(e.traders))
	active := int(mode.ActivePct * float64(len(e.traders)))

	for _, idx := range order[:active] {
		if len(out) >= budget {
			break
		}
		tr := e.traders[idx]

		n := 1
		if mode.MaxPerTrader > 1 {
			n = 1 + e.rng.Intn(mode.MaxPerTrader)
		}
		for i := 0; i < n && len(out) < budget; i++ {
			if t := e.decide(tr, mode, in); t != nil {
				out = append(out, t)
			}
		}
	}

	out = e.generateMakerFlow(out, budget, in)
	out = e.generateRetailFlow(out, budget, in)
	out = e.generateRandomFill(out, budget, in)

	return out
}

// decide produces at most one trade for an agent: close with the activity
// mode's turnover probability when holding, otherwise enter on a
// strategy-selected side.
func (e *Engine) decide(tr *types.TraderProfile, mode ActivityMode, in TickInput) *types.Trade {
	if pos, ok := e.positions[tr.Wallet]; ok {
		if e.rng.Float64() < mode.TurnoverPct {
			side := types.SELL
			if pos.Quantity < 0 {
				side = types.BUY
			}
			qty := math.Abs(pos.Quantity)
			return e.materialize(tr.Wallet, side, in.Price, qty, in.Clock)
		}
		return nil
	}

	if e.rng.Float64() > tr.TradingFrequency {
		return nil
	}

	side := e.pickSide(tr, in)
	qty := e.sizeTrade(tr, in.Price)
	return e.materialize(tr.Wallet, side, in.Price, qty, in.Clock)
}

// pickSide implements the per-strategy side selection rules.
func (e *Engine) pickSide(tr *types.TraderProfile, in TickInput) types.Side {
	switch tr.Strategy {
	case types.StrategyMomentum:
		if tr.WinRate > 0.5 {
			switch in.Trend {
			case types.TrendBullish:
				return types.BUY
			case types.TrendBearish:
				return types.SELL
			}
		}
		return e.biased(0.7)

	case types.StrategyContrarian:
		if in.Volatility > 0.02 {
			switch in.Trend {
			case types.TrendBullish:
				return types.SELL
			case types.TrendBearish:
				return types.BUY
			}
		}
		return e.biased(0.6)

	case types.StrategyScalper:
		if in.Volatility > 0.005 {
			return e.biased(0.5)
		}
		return types.BUY

	default: // swing and anything unclassified
		bias := 0.5
		switch tr.RiskClass {
		case types.RiskAggressive:
			bias = 0.6
		case types.RiskConservative:
			bias = 0.4
		}
		return e.biased(bias)
	}
}

func (e *Engine) biased(buyProb float64) types.Side {
	if e.rng.Float64() < buyProb {
		return types.BUY
	}
	return types.SELL
}

// sizeTrade derives a quantity from the trader's lifetime volume and risk
// class, clamped to the tier-dependent token bounds.
func (e *Engine) sizeTrade(tr *types.TraderProfile, price float64) float64 {
	basePct := 0.10
	switch tr.RiskClass {
	case types.RiskAggressive:
		basePct = 0.30
	case types.RiskModerate:
		basePct = 0.20
	}

	notional := tr.TotalVolume * basePct * (0.5 + e.rng.Float64())
	qty := notional / price

	return clampQty(qty, price)
}

// clampQty bounds a quantity to [500, tier max]; the ceiling falls as the
// price tier rises so notional stays sane.
func clampQty(qty, price float64) float64 {
	maxQty := 100_000.0
	switch {
	case price >= 100:
		maxQty = 10_000
	case price >= 10:
		maxQty = 20_000
	case price >= 1:
		maxQty = 50_000
	}
	if qty < 500 {
		qty = 500
	}
	if qty > maxQty {
		qty = maxQty
	}
	return qty
}

// materialize acquires a pooled trade, stamps it, and applies it.
func (e *Engine) materialize(wallet string, side types.Side, price, qty float64, clock int64) *types.Trade {
	t := e.tradePool.Acquire()
	e.acquired++

	t.ID = uuid.New().String()
	t.Timestamp = clock
	t.Trader = wallet
	t.Action = side
	t.Price = price
	t.Quantity = qty
	t.Value = price * qty
	t.Impact = tradeImpact(side, t.Value)

	e.applyTrade(t, clock)
	return t
}

// tradeImpact maps notional to a bounded fractional impact.
func tradeImpact(side types.Side, value float64) float64 {
	impact := value / 5e6
	if impact > 0.01 {
		impact = 0.01
	}
	return impact * side.Sign()
}

// applyTrade folds a trade into the owning position and trader aggregates.
func (e *Engine) applyTrade(t *types.Trade, clock int64) {
	tr, ok := e.byWallet[t.Trader]
	if ok {
		tr.TradeCount++
		tr.TotalVolume += t.Value
		if t.Action == types.BUY {
			tr.BuyVolume += t.Value
		} else {
			tr.SellVolume += t.Value
		}
	}

	signed := t.Quantity * t.Action.Sign()
	pos, exists := e.positions[t.Trader]
	if !exists {
		pos = e.positionPool.Acquire()
		e.acquired++
		pos.Trader = t.Trader
		pos.EntryPrice = t.Price
		pos.Quantity = signed
		pos.EntryTime = clock
		e.positions[t.Trader] = pos
		return
	}

	sameSign := (pos.Quantity >= 0) == (signed >= 0)
	if sameSign {
		// Merge with a volume-weighted entry.
		total := math.Abs(pos.Quantity) + math.Abs(signed)
		pos.EntryPrice = (pos.EntryPrice*math.Abs(pos.Quantity) + t.Price*math.Abs(signed)) / total
		pos.Quantity += signed
	} else {
		flipped := (pos.Quantity + signed) * pos.Quantity
		pos.Quantity += signed
		if flipped < 0 {
			// Sign flipped: the survivor is a fresh position.
			pos.EntryPrice = t.Price
			pos.EntryTime = clock
		}
	}

	if math.Abs(pos.Quantity) < minCloseQty {
		e.closePosition(pos, t.Price, clock)
	}
}

// closePosition records the close and releases the record to its pool.
func (e *Engine) closePosition(pos *types.Position, exitPrice float64, clock int64) {
	pnl := positionPnL(pos, exitPrice)

	if tr, ok := e.byWallet[pos.Trader]; ok {
		tr.NetPnL += pnl
	}

	e.closed = append(e.closed, types.ClosedPosition{
		Trader:     pos.Trader,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exitPrice,
		Quantity:   pos.Quantity,
		PnL:        pnl,
		EntryTime:  pos.EntryTime,
		ExitTime:   clock,
	})
	if len(e.closed) > e.closedCap {
		e.closed = e.closed[len(e.closed)-e.closedCap:]
	}

	delete(e.positions, pos.Trader)
	e.positionPool.Release(pos)
	e.released++
}

func positionPnL(pos *types.Position, mark float64) float64 {
	sign := 1.0
	if pos.Quantity < 0 {
		sign = -1
	}
	return sign * math.Abs(pos.Quantity) * (mark - pos.EntryPrice)
}

// MarkPositions recomputes P&L on every open position at the mark price.
func (e *Engine) MarkPositions(mark float64) {
	for _, pos := range e.positions {
		pos.PnL = positionPnL(pos, mark)
		if denom := math.Abs(pos.Quantity) * pos.EntryPrice; denom > 0 {
			pos.PnLPct = pos.PnL / denom
		}
	}
}

// generateMakerFlow adds two-sided market-maker trades, weighted at 0.4 of
// the tick budget.
func (e *Engine) generateMakerFlow(out []*types.Trade, budget int, in TickInput) []*types.Trade {
	target := len(out) + int(0.4*float64(budget))
	for len(out) < target && len(out) < budget {
		side := e.biased(0.5)
		qty := clampQty(500+e.rng.Float64()*2000, in.Price)
		out = append(out, e.materialize(e.randomWallet(), side, in.Price, qty, in.Clock))
	}
	return out
}

// generateRetailFlow adds trend-following retail trades at 0.5 of budget.
func (e *Engine) generateRetailFlow(out []*types.Trade, budget int, in TickInput) []*types.Trade {
	buyProb := 0.5
	switch in.Trend {
	case types.TrendBullish:
		buyProb = 0.65
	case types.TrendBearish:
		buyProb = 0.35
	}
	target := len(out) + int(0.5*float64(budget))
	for len(out) < target && len(out) < budget {
		qty := clampQty(500+e.rng.Float64()*1000, in.Price)
		out = append(out, e.materialize(e.randomWallet(), e.biased(buyProb), in.Price, qty, in.Clock))
	}
	return out
}

// generateRandomFill tops the tick up to its full budget.
func (e *Engine) generateRandomFill(out []*types.Trade, budget int, in TickInput) []*types.Trade {
	for len(out) < budget {
		qty := clampQty(500+e.rng.Float64()*500, in.Price)
		out = append(out, e.materialize(e.randomWallet(), e.biased(0.5), in.Price, qty, in.Clock))
	}
	return out
}

func (e *Engine) randomWallet() string {
	if len(e.traders) == 0 {
		return "synthetic"
	}
	return e.traders[e.rng.Intn(len(e.traders))].Wallet
}

// Backfill produces 5-15 low-impact synthetic trades so candles stay
// non-degenerate when organic flow is thin.
func (e *Engine) Backfill(in TickInput) []*types.Trade {
	n := 5 + e.rng.Intn(11)
	out := make([]*types.Trade, 0, n)
	for i := 0; i < n; i++ {
		qty := clampQty(500+e.rng.Float64()*250, in.Price)
		t := e.materialize(e.randomWallet(), e.biased(0.5), in.Price, qty, in.Clock)
		// Backfill must not move the market.
		t.Impact = t.Impact * 0.1
		out = append(out, t)
	}
	return out
}

// MaterializeExternal acquires a trade record for a filled external order.
// External flow carries an archetype pseudo-identity rather than a wallet,
// so it never touches the position table.
func (e *Engine) MaterializeExternal(arch types.Archetype, side types.Side, price, qty, impact float64, clock int64) *types.Trade {
	t := e.tradePool.Acquire()
	e.acquired++

	t.ID = uuid.New().String()
	t.Timestamp = clock
	t.Trader = string(arch)
	t.Action = side
	t.Price = price
	t.Quantity = qty
	t.Value = price * qty
	t.Impact = impact
	t.Archetype = arch
	return t
}

// IntegrateExternal folds a trade produced by the external processor into
// the session's dedup cache. Returns false if the identifier was already
// seen (the trade must not be published twice).
func (e *Engine) IntegrateExternal(t *types.Trade) bool {
	if _, dup := e.seen[t.ID]; dup {
		return false
	}
	e.seen[t.ID] = struct{}{}
	if len(e.seen) > dedupCacheMax {
		// Rebuild rather than age-track: identifiers are random, so a full
		// prune is the cheapest way to bound the cache.
		e.seen = make(map[string]struct{}, dedupCacheMax/4)
		e.seen[t.ID] = struct{}{}
	}
	return true
}

// Ranking returns the top n traders by lifetime net P&L.
func (e *Engine) Ranking(n int) []types.TraderProfile {
	sorted := make([]*types.TraderProfile, len(e.traders))
	copy(sorted, e.traders)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].NetPnL > sorted[j].NetPnL
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	out := make([]types.TraderProfile, len(sorted))
	for i, p := range sorted {
		out[i] = *p
	}
	return out
}

// OpenPositionCount returns the number of open positions without copying.
func (e *Engine) OpenPositionCount() int { return len(e.positions) }

// OpenPositions returns a copy of all open positions.
func (e *Engine) OpenPositions() []types.Position {
	out := make([]types.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, *p)
	}
	return out
}

// ClosedPositions returns the bounded closed-position history.
func (e *Engine) ClosedPositions() []types.ClosedPosition {
	out := make([]types.ClosedPosition, len(e.closed))
	copy(out, e.closed)
	return out
}

// Traders returns the live population size.
func (e *Engine) Traders() int { return len(e.traders) }

// Counters reports the session's cumulative pool acquire/release counts.
func (e *Engine) Counters() (acquired, released int64) {
	return e.acquired, e.released
}

// ReleaseTrades returns a batch of published trades to the pool. Called on
// recent-trades eviction and session cleanup.
func (e *Engine) ReleaseTrades(trades []*types.Trade) {
	for _, t := range trades {
		if t == nil {
			continue
		}
		e.tradePool.Release(t)
		e.released++
	}
}

// Cleanup releases every open position and clears the dedup cache. Used by
// reset, delete, and the pool monitor's escalation path.
func (e *Engine) Cleanup() {
	for wallet, pos := range e.positions {
		delete(e.positions, wallet)
		e.positionPool.Release(pos)
		e.released++
	}
	e.closed = nil
	e.seen = make(map[string]struct{})
	e.logger.Debug("session cleanup complete",
		"drift", fmt.Sprintf("%d", e.acquired-e.released))
}
