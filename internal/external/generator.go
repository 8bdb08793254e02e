// Package external synthesizes the exogenous order stream.
//
// Orders are produced per tick from the throughput mode's weighted archetype
// mix, queued in priority-then-FIFO order, and drained by the session's tick
// loop into the order-book fill routine. The generator also hosts the
// liquidation cascade and the MEV front-running detector.
package external

import (
	"container/heap"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketsim/internal/pool"
	"marketsim/pkg/types"
)

// ErrCascadeUnavailable is returned when a cascade is requested outside
// STRESS or HFT mode.
var ErrCascadeUnavailable = errors.New("liquidation cascade requires STRESS or HFT mode")

// Orders above this notional attract a front-runner.
const mevPreyNotional = 10_000

// Front-runner takes this share of the prey's notional.
const mevNotionalShare = 0.30

// Front-runner prices at this offset from mid, aligned with its side.
const mevPriceOffset = 0.001

// Synthetic circulating supply used for cascade impact estimation.
const syntheticSupply = 1e9

// TPS measurement window.
const tpsWindow = 2 * time.Second

// archetypeConfig is the static behavior profile of one archetype.
type archetypeConfig struct {
	dev         float64 // price deviation from mid, as stddev
	priority    int
	minNotional float64
	maxNotional float64
}

var archetypes = map[types.Archetype]archetypeConfig{
	types.ArchArbitrageBot: {dev: 0.001, priority: 4, minNotional: 1_000, maxNotional: 10_000},
	types.ArchRetailTrader: {dev: 0.02, priority: 1, minNotional: 100, maxNotional: 2_000},
	types.ArchMarketMaker:  {dev: 0.005, priority: 3, minNotional: 5_000, maxNotional: 20_000},
	types.ArchMEVBot:       {dev: 0.0001, priority: 5, minNotional: 5_000, maxNotional: 50_000},
	types.ArchWhale:        {dev: 0.05, priority: 2, minNotional: 50_000, maxNotional: 500_000},
	types.ArchPanicSeller:  {dev: 0.10, priority: 2, minNotional: 1_000, maxNotional: 25_000},
}

type weightedArchetype struct {
	arch   types.Archetype
	weight float64
}

// Archetype mixes per throughput mode. HFT is MEV-dominated, STRESS skews
// toward forced sellers.
var mixes = map[types.ThroughputMode][]weightedArchetype{
	types.ModeNormal: {
		{types.ArchRetailTrader, 0.45},
		{types.ArchArbitrageBot, 0.20},
		{types.ArchMarketMaker, 0.20},
		{types.ArchWhale, 0.05},
		{types.ArchMEVBot, 0.05},
		{types.ArchPanicSeller, 0.05},
	},
	types.ModeBurst: {
		{types.ArchRetailTrader, 0.35},
		{types.ArchArbitrageBot, 0.25},
		{types.ArchMarketMaker, 0.20},
		{types.ArchMEVBot, 0.10},
		{types.ArchWhale, 0.05},
		{types.ArchPanicSeller, 0.05},
	},
	types.ModeStress: {
		{types.ArchPanicSeller, 0.25},
		{types.ArchRetailTrader, 0.20},
		{types.ArchWhale, 0.15},
		{types.ArchArbitrageBot, 0.15},
		{types.ArchMEVBot, 0.15},
		{types.ArchMarketMaker, 0.10},
	},
	types.ModeHFT: {
		{types.ArchMEVBot, 0.40},
		{types.ArchArbitrageBot, 0.25},
		{types.ArchMarketMaker, 0.15},
		{types.ArchRetailTrader, 0.10},
		{types.ArchWhale, 0.05},
		{types.ArchPanicSeller, 0.05},
	},
}

// CascadeResult summarizes a triggered liquidation cascade.
type CascadeResult struct {
	OrdersGenerated int     `json:"orders_generated"`
	EstimatedImpact float64 `json:"estimated_impact"` // notional / market cap
	CascadeSize     float64 `json:"cascade_size"`     // total notional
}

// GenInput carries the market state one generation round reads.
type GenInput struct {
	Mode         types.ThroughputMode
	Mid          float64
	InitialPrice float64
	Trend        types.MarketTrend
	Clock        int64 // simulated ms
	DeltaMs      int64 // simulated time advanced this tick
}

// tpsSample is one processed-count observation on the wall clock.
type tpsSample struct {
	at time.Time
	n  int
}

// Generator synthesizes and queues external orders for one session.
type Generator struct {
	mu     sync.Mutex
	logger *slog.Logger
	rng    *rand.Rand

	orderPool *pool.Pool[types.ExternalOrder]
	queue     orderQueue
	seq       uint64

	generated  int64
	processed  int64
	byArch     map[types.Archetype]int64
	samples    []tpsSample
	sellShare  float64 // EWMA of the generated sell fraction
	cascadeHot float64 // decaying cascade contribution to liquidation risk
}

// NewGenerator creates a generator backed by the shared order pool.
func NewGenerator(orderPool *pool.Pool[types.ExternalOrder], seed int64, logger *slog.Logger) *Generator {
	return &Generator{
		logger:    logger.With("component", "external"),
		rng:       rand.New(rand.NewSource(seed)),
		orderPool: orderPool,
		byArch:    make(map[types.Archetype]int64),
	}
}

// GenerateTick synthesizes this tick's order budget into the queue and
// returns the number of orders enqueued. The budget follows the mode's
// target TPS over the simulated time advanced, capped by the mode's
// per-tick order cap.
func (g *Generator) GenerateTick(in GenInput) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	budget := int(math.Ceil(in.Mode.TargetTPS() * float64(in.DeltaMs) / 1000))
	if limit := in.Mode.OrderCap(); budget > limit {
		budget = limit
	}

	made := 0
	for i := 0; i < budget; i++ {
		arch := g.sampleArchetype(in.Mode)
		o := g.buildOrder(arch, in)
		if o == nil {
			continue
		}
		g.enqueueLocked(o)
		made++

		// Large orders attract a co-directional front-runner.
		notional := o.LimitPrice * o.Quantity
		if notional > mevPreyNotional && o.Archetype != types.ArchMEVBot {
			g.enqueueLocked(g.frontRunner(o, in))
			made++
		}
	}

	g.generated += int64(made)
	return made
}

// sampleArchetype draws from the mode's weighted mix.
func (g *Generator) sampleArchetype(mode types.ThroughputMode) types.Archetype {
	mix := mixes[mode]
	if mix == nil {
		mix = mixes[types.ModeNormal]
	}
	r := g.rng.Float64()
	acc := 0.0
	for _, w := range mix {
		acc += w.weight
		if r < acc {
			return w.arch
		}
	}
	return mix[len(mix)-1].arch
}

// buildOrder constructs one order, or nil when the archetype declines to
// trade at the current price.
func (g *Generator) buildOrder(arch types.Archetype, in GenInput) *types.ExternalOrder {
	cfg := archetypes[arch]

	var side types.Side
	switch arch {
	case types.ArchPanicSeller:
		side = types.SELL
	case types.ArchWhale:
		// Whales accumulate deep below their reference and distribute well
		// above it; anywhere in between they sit out.
		switch {
		case in.Mid < 0.9*in.InitialPrice:
			side = types.BUY
		case in.Mid > 1.2*in.InitialPrice:
			side = types.SELL
		default:
			return nil
		}
	case types.ArchRetailTrader:
		switch in.Trend {
		case types.TrendBullish:
			side = g.biased(0.7)
		case types.TrendBearish:
			side = g.biased(0.3)
		default:
			side = g.biased(0.5)
		}
	default: // arbitrage, market maker, MEV: symmetric
		side = g.biased(0.5)
	}

	dev := math.Abs(g.rng.NormFloat64()) * cfg.dev
	price := in.Mid * (1 + side.Sign()*dev)
	if price <= 0 {
		return nil
	}

	notional := cfg.minNotional + g.rng.Float64()*(cfg.maxNotional-cfg.minNotional)
	qty := notional / price
	if qty <= 0 {
		return nil
	}

	o := g.orderPool.Acquire()
	o.ID = uuid.New().String()
	o.Archetype = arch
	o.Side = side
	o.LimitPrice = price
	o.Quantity = qty
	o.Priority = cfg.priority
	o.EnqueuedAt = in.Clock

	g.observeSide(side)
	g.byArch[arch]++
	return o
}

// frontRunner builds the MEV order riding ahead of a large prey order.
func (g *Generator) frontRunner(prey *types.ExternalOrder, in GenInput) *types.ExternalOrder {
	o := g.orderPool.Acquire()
	o.ID = uuid.New().String()
	o.Archetype = types.ArchMEVBot
	o.Side = prey.Side
	o.LimitPrice = in.Mid * (1 + prey.Side.Sign()*mevPriceOffset)
	o.Quantity = prey.LimitPrice * prey.Quantity * mevNotionalShare / o.LimitPrice
	o.Priority = 5
	o.EnqueuedAt = in.Clock

	g.observeSide(o.Side)
	g.byArch[types.ArchMEVBot]++
	return o
}

func (g *Generator) biased(buyProb float64) types.Side {
	if g.rng.Float64() < buyProb {
		return types.BUY
	}
	return types.SELL
}

func (g *Generator) observeSide(side types.Side) {
	sell := 0.0
	if side == types.SELL {
		sell = 1
	}
	g.sellShare = 0.95*g.sellShare + 0.05*sell
}

func (g *Generator) enqueueLocked(o *types.ExternalOrder) {
	g.seq++
	o.Seq = g.seq
	heap.Push(&g.queue, o)
}

// Drain pops up to max orders in priority-then-FIFO order. Callers own the
// returned records and must hand them back via Release or ReleaseAll.
func (g *Generator) Drain(max int) []*types.ExternalOrder {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := max
	if n > g.queue.Len() {
		n = g.queue.Len()
	}
	out := make([]*types.ExternalOrder, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, heap.Pop(&g.queue).(*types.ExternalOrder))
	}
	return out
}

// Release returns one drained order to the pool.
func (g *Generator) Release(o *types.ExternalOrder) {
	g.orderPool.Release(o)
}

// MarkProcessed records n fills for throughput measurement.
func (g *Generator) MarkProcessed(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.processed += int64(n)
	g.samples = append(g.samples, tpsSample{at: time.Now(), n: n})
	g.pruneSamplesLocked()
}

func (g *Generator) pruneSamplesLocked() {
	cutoff := time.Now().Add(-tpsWindow)
	i := 0
	for i < len(g.samples) && g.samples[i].at.Before(cutoff) {
		i++
	}
	g.samples = g.samples[i:]
}

// TriggerCascade enqueues 10-30 descending panic sells and reports their
// estimated market impact. Only STRESS and HFT allow cascades.
func (g *Generator) TriggerCascade(mode types.ThroughputMode, mid float64, clock int64) (CascadeResult, error) {
	if mode != types.ModeStress && mode != types.ModeHFT {
		return CascadeResult{}, ErrCascadeUnavailable
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	count := 10 + g.rng.Intn(21)
	cfg := archetypes[types.ArchPanicSeller]

	var totalNotional float64
	for i := 0; i < count; i++ {
		// Escalating discount, staggered timestamps.
		price := mid * (1 - 0.01*float64(i+1))
		if price <= 0 {
			break
		}
		notional := cfg.minNotional + g.rng.Float64()*(cfg.maxNotional-cfg.minNotional)

		o := g.orderPool.Acquire()
		o.ID = uuid.New().String()
		o.Archetype = types.ArchPanicSeller
		o.Side = types.SELL
		o.LimitPrice = price
		o.Quantity = notional / price
		o.Priority = 3
		o.EnqueuedAt = clock + int64(i)
		g.enqueueLocked(o)

		g.observeSide(types.SELL)
		g.byArch[types.ArchPanicSeller]++
		totalNotional += notional
	}

	impact := totalNotional / (mid * syntheticSupply)
	g.cascadeHot = math.Min(1, g.cascadeHot+impact*100)
	g.generated += int64(count)

	g.logger.Warn("liquidation cascade triggered",
		"orders", count,
		"notional", totalNotional,
		"impact", impact)

	return CascadeResult{
		OrdersGenerated: count,
		EstimatedImpact: impact,
		CascadeSize:     totalNotional,
	}, nil
}

// Metrics samples the live throughput measurement. Sentiment is supplied by
// the caller's regime classifier.
func (g *Generator) Metrics(mode types.ThroughputMode, sentiment types.MarketTrend) types.ThroughputMetrics {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.pruneSamplesLocked()
	var n int
	for _, s := range g.samples {
		n += s.n
	}
	actual := float64(n) / tpsWindow.Seconds()

	risk := math.Max(0, (g.sellShare-0.5)*2) + g.cascadeHot
	if risk > 1 {
		risk = 1
	}
	// Cascade contribution decays per sample.
	g.cascadeHot *= 0.5

	return types.ThroughputMetrics{
		ActualTPS:       actual,
		ConfiguredTPS:   mode.TargetTPS(),
		QueueDepth:      g.queue.Len(),
		MarketSentiment: sentiment,
		DominantType:    g.dominantLocked(),
		Mode:            mode,
		LiquidationRisk: risk,
		SampledAt:       time.Now(),
	}
}

func (g *Generator) dominantLocked() types.Archetype {
	var best types.Archetype
	var bestN int64 = -1
	for arch, n := range g.byArch {
		if n > bestN || (n == bestN && arch < best) {
			best, bestN = arch, n
		}
	}
	if bestN <= 0 {
		return types.ArchRetailTrader
	}
	return best
}

// QueueDepth returns the number of orders awaiting processing.
func (g *Generator) QueueDepth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queue.Len()
}

// Counters reports lifetime generated and processed totals.
func (g *Generator) Counters() (generated, processed int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generated, g.processed
}

// Reset drains the queue back to the pool and zeroes all measurements.
func (g *Generator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for g.queue.Len() > 0 {
		g.orderPool.Release(heap.Pop(&g.queue).(*types.ExternalOrder))
	}
	g.generated = 0
	g.processed = 0
	g.byArch = make(map[types.Archetype]int64)
	g.samples = nil
	g.sellShare = 0
	g.cascadeHot = 0
}

// orderQueue is a max-heap on priority with FIFO sequence tiebreak.
type orderQueue []*types.ExternalOrder

func (q orderQueue) Len() int { return len(q) }

func (q orderQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].Seq < q[j].Seq
}

func (q orderQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *orderQueue) Push(x any) {
	*q = append(*q, x.(*types.ExternalOrder))
}

func (q *orderQueue) Pop() any {
	old := *q
	n := len(old)
	o := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return o
}
