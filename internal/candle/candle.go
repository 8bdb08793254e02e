// Package candle converts per-tick (timestamp, price, volume) samples into
// validated OHLCV bars.
//
// Exactly one Aggregator exists per session; the Registry enforces that with
// per-session creation coalescing. Every incoming sample passes through a
// timestamp coordinator that forces bar clocks to be strictly increasing by
// the interval, and every mutation is revalidated with auto-repair. Bars
// that cannot be repaired are dropped and counted rather than published.
package candle

import (
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"

	"marketsim/internal/metrics"
	"marketsim/pkg/types"
)

// Price ceiling accepted by validation. Anything above is treated as corrupt.
const maxValidPrice = 1e6

// Hard cap on the bar interval regardless of price band.
const maxIntervalMs = 15_000

// IntervalForPrice picks the bar interval (ms) from the initial price band.
// Cheaper instruments tick faster, so they get shorter bars.
func IntervalForPrice(price float64) int64 {
	var ms int64
	switch {
	case price < 0.01:
		ms = 6_000
	case price < 1:
		ms = 8_000
	case price < 10:
		ms = 10_000
	case price < 100:
		ms = 12_000
	default:
		ms = 15_000
	}
	if ms > maxIntervalMs {
		ms = maxIntervalMs
	}
	return ms
}

// Report summarizes the aggregator's validation counters.
type Report struct {
	TotalUpdates   int64   `json:"total_updates"`
	TimestampFixes int64   `json:"timestamp_fixes"`
	OHLCFixes      int64   `json:"ohlc_fixes"`
	Dropped        int64   `json:"dropped"`
	DriftMs        int64   `json:"drift_ms"`
	SuccessRate    float64 `json:"success_rate"`
}

// Aggregator builds the OHLCV sequence for one session.
type Aggregator struct {
	mu sync.Mutex

	id         string
	sessionID  string
	intervalMs int64
	historyCap int
	logger     *slog.Logger

	history   []types.Candle
	current   *types.Candle
	lastFinal int64 // bar clock of the last finalized candle, 0 if none

	totalUpdates   int64
	timestampFixes int64
	ohlcFixes      int64
	dropped        int64
	driftMs        int64
}

// NewAggregator creates an aggregator with the interval derived from price.
func NewAggregator(sessionID string, price float64, historyCap int, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		id:         uuid.New().String(),
		sessionID:  sessionID,
		intervalMs: IntervalForPrice(price),
		historyCap: historyCap,
		logger:     logger.With("component", "candle", "session", sessionID),
	}
}

// ID returns the aggregator's unique instance identifier.
func (a *Aggregator) ID() string { return a.id }

// IntervalMs returns the fixed bar interval in milliseconds.
func (a *Aggregator) IntervalMs() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.intervalMs
}

// AddSample ingests one (timestamp, price, volume) observation.
//
// The sample clock is first coordinated (advanced to lastFinal+interval if
// it lies before it), then floor-aligned to the interval, then clamped into
// the bar adjacent to the open one. The result is a contiguous bar clock
// sequence: consecutive finalized bars always differ by exactly one
// interval, however far apart the sample clocks arrive.
func (a *Aggregator) AddSample(ts int64, price, volume float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.totalUpdates++

	// Timestamp coordinator: monotone bar clocks, drift accounted.
	if a.lastFinal > 0 && ts < a.lastFinal+a.intervalMs {
		a.driftMs += a.lastFinal + a.intervalMs - ts
		a.timestampFixes++
		ts = a.lastFinal + a.intervalMs
	}

	// Floor alignment to the bar interval.
	bar := ts - mod(ts, a.intervalMs)
	if a.lastFinal > 0 && bar <= a.lastFinal {
		bar = a.lastFinal + a.intervalMs
	}

	// Forward clamp: a sample landing past the next bar would open a
	// non-adjacent bar, so it is pulled back to keep bars contiguous.
	var next int64
	switch {
	case a.current != nil:
		next = a.current.Timestamp + a.intervalMs
	case a.lastFinal > 0:
		next = a.lastFinal + a.intervalMs
	}
	if next > 0 && bar > next {
		a.driftMs += bar - next
		a.timestampFixes++
		bar = next
	}

	if a.current == nil {
		a.openCandleLocked(bar, price, volume)
		return
	}

	if bar != a.current.Timestamp {
		if a.current.Timestamp < bar {
			a.finalizeLocked()
		}
		a.openCandleLocked(bar, price, volume)
		return
	}

	// Merge into the in-progress bar.
	a.current.Close = price
	if price > a.current.High {
		a.current.High = price
	}
	if price < a.current.Low {
		a.current.Low = price
	}
	a.current.Volume += volume
	a.repairLocked(a.current)
}

// openCandleLocked starts a new in-progress bar at the previous close
// (or the sample price if there is no history) and applies the sample.
func (a *Aggregator) openCandleLocked(bar int64, price, volume float64) {
	open := price
	if n := len(a.history); n > 0 {
		open = a.history[n-1].Close
	}
	c := &types.Candle{
		Timestamp: bar,
		Open:      open,
		High:      math.Max(open, price),
		Low:       math.Min(open, price),
		Close:     price,
		Volume:    volume,
	}
	a.repairLocked(c)
	a.current = c
}

// finalizeLocked validates the in-progress bar and appends it to history.
// Unrepairable bars are dropped and counted.
func (a *Aggregator) finalizeLocked() {
	if a.current == nil {
		return
	}
	c := *a.current
	a.current = nil

	if !a.repairLocked(&c) {
		a.dropped++
		metrics.CandlesDroppedTotal.Inc()
		a.logger.Warn("dropping unrepairable candle", "timestamp", c.Timestamp)
		return
	}

	a.history = append(a.history, c)
	a.lastFinal = c.Timestamp
	if len(a.history) > a.historyCap {
		a.history = a.history[len(a.history)-a.historyCap:]
	}
}

// FinalizeCurrent flushes the in-progress bar into history. Called on pause
// and stop so clients never see a half-open bar across a gap.
func (a *Aggregator) FinalizeCurrent() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finalizeLocked()
}

// repairLocked enforces the OHLC invariant and price sanity on c.
// Non-finite prices are replaced from siblings; high and low are recomputed
// from the 4-tuple. Returns false if the bar is still invalid after repair.
func (a *Aggregator) repairLocked(c *types.Candle) bool {
	prices := []*float64{&c.Open, &c.High, &c.Low, &c.Close}

	// Replace non-finite or non-positive prices from the first valid sibling.
	var sibling float64
	for _, p := range prices {
		if validPrice(*p) {
			sibling = *p
			break
		}
	}
	repaired := false
	for _, p := range prices {
		if !validPrice(*p) {
			*p = sibling
			repaired = true
		}
	}

	hi := math.Max(math.Max(c.Open, c.Close), math.Max(c.High, c.Low))
	lo := math.Min(math.Min(c.Open, c.Close), math.Min(c.High, c.Low))
	if c.High != hi || c.Low != lo {
		c.High = hi
		c.Low = lo
		repaired = true
	}

	if !validVolume(c.Volume) {
		c.Volume = 0
		repaired = true
	}

	if repaired {
		a.ohlcFixes++
	}

	return validPrice(c.Open) && validPrice(c.High) && validPrice(c.Low) &&
		validPrice(c.Close) && c.Low <= math.Min(c.Open, c.Close) &&
		math.Max(c.Open, c.Close) <= c.High
}

// SetCandles replaces the history with a repaired copy of list. Timestamps
// that do not advance strictly by the interval are pushed to last+interval;
// unrepairable bars are dropped.
func (a *Aggregator) SetCandles(list []types.Candle) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]types.Candle, 0, len(list))
	var last int64
	for _, c := range list {
		if last > 0 && c.Timestamp <= last {
			c.Timestamp = last + a.intervalMs
			a.timestampFixes++
		}
		if !a.repairLocked(&c) {
			a.dropped++
			continue
		}
		out = append(out, c)
		last = c.Timestamp
	}

	if len(out) > a.historyCap {
		out = out[len(out)-a.historyCap:]
	}
	a.history = out
	a.current = nil
	a.lastFinal = last
}

// History returns a copy of the finalized bars.
func (a *Aggregator) History() []types.Candle {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.Candle, len(a.history))
	copy(out, a.history)
	return out
}

// Current returns the in-progress bar, or false if none is open.
func (a *Aggregator) Current() (types.Candle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return types.Candle{}, false
	}
	return *a.current, true
}

// LastFinalized returns the bar clock of the newest finalized candle,
// or 0 if none.
func (a *Aggregator) LastFinalized() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastFinal
}

// Report returns the validation counters and the repair success rate.
func (a *Aggregator) Report() Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	rate := 1.0
	if a.totalUpdates > 0 {
		rate = 1 - float64(a.dropped)/float64(a.totalUpdates)
	}
	return Report{
		TotalUpdates:   a.totalUpdates,
		TimestampFixes: a.timestampFixes,
		OHLCFixes:      a.ohlcFixes,
		Dropped:        a.dropped,
		DriftMs:        a.driftMs,
		SuccessRate:    rate,
	}
}

// Reset clears history and the in-progress bar and re-derives the interval
// from newPrice. The mutex serializes concurrent resets; the second caller
// simply wipes an already-empty aggregator.
func (a *Aggregator) Reset(newPrice float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.history = nil
	a.current = nil
	a.lastFinal = 0
	a.driftMs = 0
	a.intervalMs = IntervalForPrice(newPrice)
}

func validPrice(p float64) bool {
	return !math.IsNaN(p) && !math.IsInf(p, 0) && p > 0 && p < maxValidPrice
}

func validVolume(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// mod is a floor-mod for int64 timestamps (negative clocks never occur, but
// alignment must not go backwards if they ever did).
func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
