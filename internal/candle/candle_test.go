package candle

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"

	"marketsim/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAggregator(price float64) *Aggregator {
	return NewAggregator("session-1", price, 2000, testLogger())
}

func TestIntervalForPrice(t *testing.T) {
	t.Parallel()
	tests := []struct {
		price float64
		want  int64
	}{
		{0.005, 6_000},
		{0.5, 8_000},
		{5, 10_000},
		{50, 12_000},
		{500, 15_000},
	}

	for _, tt := range tests {
		if got := IntervalForPrice(tt.price); got != tt.want {
			t.Errorf("IntervalForPrice(%v) = %d, want %d", tt.price, got, tt.want)
		}
	}
}

func TestFirstSampleOpensCandle(t *testing.T) {
	t.Parallel()
	a := newTestAggregator(5.0) // 10s interval

	a.AddSample(10_500, 5.0, 100)

	cur, ok := a.Current()
	if !ok {
		t.Fatal("no in-progress candle after first sample")
	}
	if cur.Timestamp != 10_000 {
		t.Errorf("bar clock = %d, want 10000 (floor-aligned)", cur.Timestamp)
	}
	if cur.Open != 5.0 || cur.Close != 5.0 {
		t.Errorf("open/close = %v/%v, want 5.0/5.0", cur.Open, cur.Close)
	}
	if cur.Volume != 100 {
		t.Errorf("volume = %v, want 100", cur.Volume)
	}
}

func TestBarClocksStrictlyIncreaseByInterval(t *testing.T) {
	t.Parallel()
	a := newTestAggregator(5.0) // 10s interval

	// Samples spread over several bars, including out-of-order clocks.
	clocks := []int64{10_000, 12_000, 21_000, 20_500, 35_000, 47_000, 58_000}
	for i, ts := range clocks {
		a.AddSample(ts, 5.0+float64(i)*0.01, 10)
	}
	a.FinalizeCurrent()

	hist := a.History()
	if len(hist) < 2 {
		t.Fatalf("history too short: %d bars", len(hist))
	}
	interval := a.IntervalMs()
	for i := 1; i < len(hist); i++ {
		if hist[i].Timestamp != hist[i-1].Timestamp+interval {
			t.Errorf("bar %d clock = %d, want %d",
				i, hist[i].Timestamp, hist[i-1].Timestamp+interval)
		}
	}
}

func TestSampleAtLastFinalizedClockIsCoordinated(t *testing.T) {
	t.Parallel()
	a := newTestAggregator(5.0) // 10s interval

	a.AddSample(10_000, 5.0, 10)
	a.AddSample(20_000, 5.1, 10) // finalizes the first bar
	if got := a.LastFinalized(); got != 10_000 {
		t.Fatalf("lastFinalized = %d, want 10000", got)
	}

	before := a.Report()
	barsBefore := len(a.History())

	// Inject a sample at exactly the last finalized bar's clock.
	a.AddSample(10_000, 5.2, 10)

	after := a.Report()
	if after.TimestampFixes != before.TimestampFixes+1 {
		t.Errorf("timestampFixes = %d, want %d", after.TimestampFixes, before.TimestampFixes+1)
	}
	if got := len(a.History()); got != barsBefore {
		t.Errorf("bar count changed: %d -> %d", barsBefore, got)
	}
	// The sample must have merged into the in-progress bar.
	cur, ok := a.Current()
	if !ok {
		t.Fatal("in-progress bar disappeared")
	}
	if cur.Close != 5.2 {
		t.Errorf("current close = %v, want 5.2", cur.Close)
	}
}

func TestNewBarOpensAtPreviousClose(t *testing.T) {
	t.Parallel()
	a := newTestAggregator(5.0)

	a.AddSample(10_000, 5.0, 10)
	a.AddSample(15_000, 5.5, 10) // same bar
	a.AddSample(20_000, 6.0, 10) // new bar

	hist := a.History()
	if len(hist) != 1 {
		t.Fatalf("history = %d bars, want 1", len(hist))
	}
	if hist[0].Close != 5.5 {
		t.Errorf("finalized close = %v, want 5.5", hist[0].Close)
	}

	cur, ok := a.Current()
	if !ok {
		t.Fatal("no in-progress bar")
	}
	if cur.Open != 5.5 {
		t.Errorf("new bar open = %v, want previous close 5.5", cur.Open)
	}
}

func TestOHLCInvariantHolds(t *testing.T) {
	t.Parallel()
	a := newTestAggregator(5.0)

	prices := []float64{5.0, 5.4, 4.8, 5.2, 5.9, 4.5, 5.1}
	for i, p := range prices {
		a.AddSample(10_000+int64(i)*3_000, p, 5)
	}
	a.FinalizeCurrent()

	for i, c := range a.History() {
		if c.Low > math.Min(c.Open, c.Close) || math.Max(c.Open, c.Close) > c.High {
			t.Errorf("bar %d violates OHLC invariant: %+v", i, c)
		}
		if c.Volume < 0 {
			t.Errorf("bar %d has negative volume: %v", i, c.Volume)
		}
	}
}

func TestRepairNonFinitePrice(t *testing.T) {
	t.Parallel()
	a := newTestAggregator(5.0)

	a.AddSample(10_000, 5.0, 10)
	a.AddSample(12_000, math.NaN(), 10)

	cur, ok := a.Current()
	if !ok {
		t.Fatal("no in-progress bar")
	}
	if math.IsNaN(cur.Close) || cur.Close <= 0 {
		t.Errorf("close not repaired: %v", cur.Close)
	}
	if rep := a.Report(); rep.OHLCFixes == 0 {
		t.Error("expected an OHLC fix to be counted")
	}
}

func TestSetCandlesRepairsAndDrops(t *testing.T) {
	t.Parallel()
	a := newTestAggregator(5.0) // 10s interval

	in := []types.Candle{
		{Timestamp: 10_000, Open: 5, High: 5.2, Low: 4.9, Close: 5.1, Volume: 10},
		{Timestamp: 10_000, Open: 5.1, High: 5.3, Low: 5.0, Close: 5.2, Volume: 10}, // non-monotonic
		{Timestamp: 40_000, Open: math.Inf(1), High: math.NaN(), Low: math.NaN(), Close: math.NaN(), Volume: 10}, // unrepairable
		{Timestamp: 50_000, Open: 5.2, High: 5.1, Low: 5.3, Close: 5.25, Volume: 10}, // swapped high/low
	}
	a.SetCandles(in)

	hist := a.History()
	if len(hist) != 3 {
		t.Fatalf("history = %d bars, want 3 (one dropped)", len(hist))
	}
	if hist[1].Timestamp != 20_000 {
		t.Errorf("second bar clock = %d, want 20000 (advanced by interval)", hist[1].Timestamp)
	}
	last := hist[2]
	if last.High < last.Low {
		t.Errorf("high/low not repaired: %+v", last)
	}

	rep := a.Report()
	if rep.Dropped != 1 {
		t.Errorf("dropped = %d, want 1", rep.Dropped)
	}
	if rep.TimestampFixes == 0 {
		t.Error("expected timestamp fixes to be counted")
	}
}

func TestResetClearsState(t *testing.T) {
	t.Parallel()
	a := newTestAggregator(5.0)
	a.AddSample(10_000, 5.0, 10)
	a.AddSample(20_000, 5.1, 10)

	a.Reset(0.5)

	if len(a.History()) != 0 {
		t.Error("history not cleared by reset")
	}
	if _, ok := a.Current(); ok {
		t.Error("in-progress bar survived reset")
	}
	if got := a.IntervalMs(); got != 8_000 {
		t.Errorf("interval = %d, want 8000 re-derived from price 0.5", got)
	}
}

func TestForwardJumpOpensAdjacentBar(t *testing.T) {
	t.Parallel()
	a := newTestAggregator(5.0) // 10s interval

	// Sample clocks two intervals apart, as a heavily compressed session
	// produces them.
	a.AddSample(10_000, 5.0, 10)
	a.AddSample(30_000, 5.1, 10)
	a.AddSample(50_000, 5.2, 10)
	a.FinalizeCurrent()

	hist := a.History()
	if len(hist) != 3 {
		t.Fatalf("history = %d bars, want 3", len(hist))
	}
	interval := a.IntervalMs()
	for i, want := range []int64{10_000, 20_000, 30_000} {
		if hist[i].Timestamp != want {
			t.Errorf("bar %d clock = %d, want %d", i, hist[i].Timestamp, want)
		}
	}
	for i := 1; i < len(hist); i++ {
		if hist[i].Timestamp != hist[i-1].Timestamp+interval {
			t.Errorf("bars %d and %d are not adjacent: %d -> %d",
				i-1, i, hist[i-1].Timestamp, hist[i].Timestamp)
		}
	}
	if rep := a.Report(); rep.TimestampFixes == 0 {
		t.Error("forward clamps not counted as timestamp fixes")
	}
}

func TestRegistryCoalescesCreation(t *testing.T) {
	t.Parallel()
	r := NewRegistry(2000, testLogger())

	const workers = 16
	aggs := make([]*Aggregator, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agg, err := r.Acquire(context.Background(), "s1", 5.0)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			aggs[i] = agg
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if aggs[i] != aggs[0] {
			t.Fatalf("worker %d got a different aggregator instance", i)
		}
	}
}

func TestRegistryDispose(t *testing.T) {
	t.Parallel()
	r := NewRegistry(2000, testLogger())

	a1, _ := r.Acquire(context.Background(), "s1", 5.0)
	r.Dispose("s1")
	a2, _ := r.Acquire(context.Background(), "s1", 5.0)

	if a1 == a2 {
		t.Error("Dispose did not remove the aggregator")
	}
}

func TestRegistryAuditClean(t *testing.T) {
	t.Parallel()
	r := NewRegistry(2000, testLogger())
	_, _ = r.Acquire(context.Background(), "s1", 5.0)

	if issues := r.Audit(); len(issues) != 0 {
		t.Errorf("expected clean audit, got %v", issues)
	}
}

func TestHistoryCapFIFO(t *testing.T) {
	t.Parallel()
	a := NewAggregator("s1", 5.0, 5, testLogger())

	for i := 0; i < 20; i++ {
		a.AddSample(int64(i+1)*10_000, 5.0, 1)
	}

	hist := a.History()
	if len(hist) > 5 {
		t.Errorf("history = %d bars, want <= 5", len(hist))
	}
	// Newest bars are retained.
	if hist[len(hist)-1].Timestamp < hist[0].Timestamp {
		t.Error("history not in ascending clock order")
	}
}
