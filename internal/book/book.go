// Package book maintains the simulated two-sided depth-of-book.
//
// The book is not an exchange-grade matching engine: it is a realistic
// depth surface kept centered on the live price. Each tick either recenters
// the levels (when the price has drifted) or reshapes side quantities from
// short-window trade pressure, then re-establishes the structural
// invariants: twenty levels per side, no crossed levels, spread at least
// mid times the configured minimum.
//
// Fill walks the opposing side in price priority and reports a single
// volume-weighted execution with a bounded price impact.
package book

import (
	"math"
	"sync"

	"marketsim/internal/config"
	"marketsim/pkg/types"
)

// Pressure window over the most recent trades.
const pressureWindow = 10

// Mid drift that triggers a full recenter instead of pressure scaling.
const recenterDrift = 0.01

// Price step per refilled level beyond the constructed depth.
const refillStep = 0.001

// Hard bound on the fractional price impact of a single fill.
const maxImpact = 0.08

// Quantity decay constant across levels.
const qtyDecay = 0.1

// FillResult reports a simulated execution against the book.
type FillResult struct {
	Price    float64 // volume-weighted average fill price
	Quantity float64 // filled quantity
	Notional float64 // accumulated fill notional
	Impact   float64 // signed fractional impact to apply to the live price
}

// Book is the order book for one session. All mutation happens inside the
// session's tick, but reads come from the broadcast path, so it locks.
type Book struct {
	mu      sync.Mutex
	cfg     config.BookConfig
	bids    []types.PriceLevel // price descending
	asks    []types.PriceLevel // price ascending
	lastMid float64            // mid observed at construction or last recenter
	clock   int64              // simulated clock of the last update
}

// New constructs a book centered on mid with the given liquidity budget.
func New(cfg config.BookConfig, mid, liquidity float64) *Book {
	b := &Book{cfg: cfg}
	b.buildLocked(mid, liquidity)
	return b
}

// buildLocked lays out both sides fresh around mid. Level i sits
// (spread/N)*(i+1) beyond the half-spread base, with exponentially decaying
// quantity floored at the configured minimum.
func (b *Book) buildLocked(mid, liquidity float64) {
	n := b.cfg.DepthLevels
	spread := b.cfg.DefaultSpread
	baseQty := liquidity * 0.1 / float64(n)

	b.bids = make([]types.PriceLevel, 0, n)
	b.asks = make([]types.PriceLevel, 0, n)

	bidBase := mid * (1 - spread/2)
	askBase := mid * (1 + spread/2)
	for i := 0; i < n; i++ {
		step := mid * (spread / float64(n)) * float64(i+1)
		qty := math.Max(b.cfg.MinOrderSize, baseQty*math.Exp(-float64(i)*qtyDecay))
		b.bids = append(b.bids, types.PriceLevel{Price: bidBase - step, Quantity: qty})
		b.asks = append(b.asks, types.PriceLevel{Price: askBase + step, Quantity: qty})
	}
	b.lastMid = mid
}

// Update advances the book one tick: recenter on drift, otherwise apply
// trade pressure, then restore depth, uncross, enforce the minimum spread,
// and stamp the simulated clock.
func (b *Book) Update(mid float64, recent []types.Trade, clock int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lastMid > 0 && math.Abs(mid-b.lastMid)/b.lastMid >= recenterDrift {
		b.recenterLocked(mid)
	} else {
		b.applyPressureLocked(recent)
	}

	b.pruneLocked()
	b.refillLocked(mid)
	b.uncrossLocked(mid)
	// Uncrossing may have dropped levels; depth must hold after every update.
	b.refillLocked(mid)
	b.clock = clock
}

// recenterLocked recomputes all level prices around the new mid while
// preserving each side's quantity profile.
func (b *Book) recenterLocked(mid float64) {
	n := b.cfg.DepthLevels
	spread := b.cfg.DefaultSpread
	bidBase := mid * (1 - spread/2)
	askBase := mid * (1 + spread/2)

	for i := range b.bids {
		step := mid * (spread / float64(n)) * float64(i+1)
		b.bids[i].Price = bidBase - step
	}
	for i := range b.asks {
		step := mid * (spread / float64(n)) * float64(i+1)
		b.asks[i].Price = askBase + step
	}
	b.lastMid = mid
}

// applyPressureLocked scales side quantities from the buy/sell notional
// imbalance over the last pressureWindow trades. The stronger side deepens
// by up to pressure*0.1, the weaker side thins by up to pressure*0.2.
func (b *Book) applyPressureLocked(recent []types.Trade) {
	if len(recent) == 0 {
		return
	}
	if len(recent) > pressureWindow {
		recent = recent[:pressureWindow]
	}

	var buy, sell float64
	for _, t := range recent {
		if t.Action == types.BUY {
			buy += t.Value
		} else {
			sell += t.Value
		}
	}
	total := buy + sell
	if total == 0 {
		return
	}

	pressure := (buy - sell) / total // [-1, 1]
	mag := math.Abs(pressure)
	grow := 1 + mag*0.1
	shrink := 1 - mag*0.2

	if pressure > 0 {
		scaleSide(b.bids, grow)
		scaleSide(b.asks, shrink)
	} else if pressure < 0 {
		scaleSide(b.asks, grow)
		scaleSide(b.bids, shrink)
	}
}

func scaleSide(levels []types.PriceLevel, factor float64) {
	for i := range levels {
		levels[i].Quantity *= factor
	}
}

// pruneLocked drops levels that fell below the minimum order size.
func (b *Book) pruneLocked() {
	b.bids = pruneSide(b.bids, b.cfg.MinOrderSize)
	b.asks = pruneSide(b.asks, b.cfg.MinOrderSize)
}

func pruneSide(levels []types.PriceLevel, minQty float64) []types.PriceLevel {
	kept := levels[:0]
	for _, l := range levels {
		if l.Quantity >= minQty {
			kept = append(kept, l)
		}
	}
	return kept
}

// refillLocked extends each side from the outside until it has the
// configured depth, stepping price by refillStep per added level.
func (b *Book) refillLocked(mid float64) {
	n := b.cfg.DepthLevels
	spread := b.cfg.DefaultSpread

	for len(b.bids) < n {
		outer := mid * (1 - spread/2)
		if k := len(b.bids); k > 0 {
			outer = b.bids[k-1].Price
		}
		b.bids = append(b.bids, types.PriceLevel{
			Price:    outer * (1 - refillStep),
			Quantity: b.cfg.MinOrderSize,
		})
	}
	for len(b.asks) < n {
		outer := mid * (1 + spread/2)
		if k := len(b.asks); k > 0 {
			outer = b.asks[k-1].Price
		}
		b.asks = append(b.asks, types.PriceLevel{
			Price:    outer * (1 + refillStep),
			Quantity: b.cfg.MinOrderSize,
		})
	}
}

// uncrossLocked removes crossed levels, then pushes the inner levels apart
// symmetrically until the spread is at least mid times the default spread.
func (b *Book) uncrossLocked(mid float64) {
	// Drop bids at or above the best ask.
	for len(b.bids) > 0 && len(b.asks) > 0 && b.bids[0].Price >= b.asks[0].Price {
		b.bids = b.bids[1:]
	}
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return
	}

	minSpread := mid * b.cfg.DefaultSpread
	gap := b.asks[0].Price - b.bids[0].Price
	if gap >= minSpread {
		return
	}

	shift := (minSpread - gap) / 2
	for i := range b.bids {
		b.bids[i].Price -= shift
	}
	for i := range b.asks {
		b.asks[i].Price += shift
	}
}

// Fill walks the side opposing order in price priority, consuming quantity
// up to the order's limit. Returns false if nothing fills. The caller is
// responsible for materializing the trade and applying the impact to the
// live price.
func (b *Book) Fill(side types.Side, limit, quantity float64) (FillResult, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var levels []types.PriceLevel
	if side == types.BUY {
		levels = b.asks
	} else {
		levels = b.bids
	}

	oppDepth := 0.0
	for _, l := range levels {
		oppDepth += l.Price * l.Quantity
	}

	remaining := quantity
	var filledQty, notional float64
	for i := range levels {
		if remaining <= 0 {
			break
		}
		price := levels[i].Price
		if side == types.BUY && price > limit {
			break
		}
		if side == types.SELL && price < limit {
			break
		}

		take := math.Min(remaining, levels[i].Quantity)
		levels[i].Quantity -= take
		remaining -= take
		filledQty += take
		notional += take * price
	}

	if filledQty <= 0 {
		return FillResult{}, false
	}

	// Consumed levels must not linger in snapshots until the next update.
	b.pruneLocked()

	impact := notional / (oppDepth + notional)
	if impact > maxImpact {
		impact = maxImpact
	}
	impact *= side.Sign()

	return FillResult{
		Price:    notional / filledQty,
		Quantity: filledQty,
		Notional: notional,
		Impact:   impact,
	}, true
}

// Rebuild replaces the book contents around a new mid (used on reset).
func (b *Book) Rebuild(mid, liquidity float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buildLocked(mid, liquidity)
}

// Snapshot returns a deep copy of both sides with the last update clock.
func (b *Book) Snapshot() types.OrderBookSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := types.OrderBookSnapshot{
		Bids:      make([]types.PriceLevel, len(b.bids)),
		Asks:      make([]types.PriceLevel, len(b.asks)),
		Timestamp: b.clock,
	}
	copy(snap.Bids, b.bids)
	copy(snap.Asks, b.asks)
	return snap
}

// Mid returns the midpoint of the best bid and ask, or false if either side
// is empty.
func (b *Book) Mid() (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.bids) == 0 || len(b.asks) == 0 {
		return 0, false
	}
	return (b.bids[0].Price + b.asks[0].Price) / 2, true
}

// BestBidAsk returns the top of book, or false if either side is empty.
func (b *Book) BestBidAsk() (bid, ask float64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.bids) == 0 || len(b.asks) == 0 {
		return 0, 0, false
	}
	return b.bids[0].Price, b.asks[0].Price, true
}
