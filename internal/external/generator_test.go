package external

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"marketsim/internal/pool"
	"marketsim/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGenerator(seed int64) *Generator {
	return NewGenerator(pool.New[types.ExternalOrder]("orders", 100, testLogger()), seed, testLogger())
}

func TestTickBudgetRespectsCap(t *testing.T) {
	t.Parallel()
	tests := []struct {
		mode    types.ThroughputMode
		deltaMs int64
		maxWant int
	}{
		// NORMAL: ceil(25 * 50/1000) = 2, capped at 1.
		{types.ModeNormal, 50, 1},
		// BURST: ceil(150 * 50/1000) = 8, under the cap of 10.
		{types.ModeBurst, 50, 8},
		// STRESS: ceil(1500 * 50/1000) = 75, under the cap of 100.
		{types.ModeStress, 50, 75},
		// HFT: ceil(15000 * 50/1000) = 750, under the cap of 1000.
		{types.ModeHFT, 50, 750},
		// HFT with a long simulated step saturates the cap.
		{types.ModeHFT, 10_000, 1000},
	}
	for _, tt := range tests {
		g := newTestGenerator(1)
		total := 0
		for i := 0; i < 20; i++ {
			made := g.GenerateTick(GenInput{
				Mode: tt.mode, Mid: 5, InitialPrice: 5, DeltaMs: tt.deltaMs,
			})
			// Front-runners can push the count past the budget but the
			// organic order count alone never exceeds it.
			if made > 2*tt.maxWant {
				t.Errorf("%s dt=%d: generated %d, budget %d", tt.mode, tt.deltaMs, made, tt.maxWant)
			}
			total += made
		}
		if total == 0 {
			t.Errorf("%s dt=%d: generated nothing over 20 ticks", tt.mode, tt.deltaMs)
		}
	}
}

func TestDrainPriorityThenFIFO(t *testing.T) {
	t.Parallel()
	g := newTestGenerator(1)

	mk := func(id string, pri int) {
		o := g.orderPool.Acquire()
		o.ID = id
		o.Priority = pri
		o.Side = types.SELL
		o.LimitPrice = 1
		o.Quantity = 1
		g.mu.Lock()
		g.enqueueLocked(o)
		g.mu.Unlock()
	}

	mk("low-1", 1)
	mk("high-1", 5)
	mk("mid-1", 3)
	mk("high-2", 5)
	mk("mid-2", 3)

	got := g.Drain(10)
	want := []string{"high-1", "high-2", "mid-1", "mid-2", "low-1"}
	if len(got) != len(want) {
		t.Fatalf("drained %d orders, want %d", len(got), len(want))
	}
	for i, o := range got {
		if o.ID != want[i] {
			t.Errorf("drain[%d] = %s, want %s", i, o.ID, want[i])
		}
	}
}

func TestPanicSellerOnlySells(t *testing.T) {
	t.Parallel()
	g := newTestGenerator(3)

	for i := 0; i < 200; i++ {
		o := g.buildOrder(types.ArchPanicSeller, GenInput{Mid: 5, InitialPrice: 5})
		if o == nil {
			continue
		}
		if o.Side != types.SELL {
			t.Fatalf("panic seller produced a %s order", o.Side)
		}
		if o.LimitPrice >= 5 {
			t.Fatalf("panic sell limit %v, want below mid", o.LimitPrice)
		}
		g.orderPool.Release(o)
	}
}

func TestWhaleBands(t *testing.T) {
	t.Parallel()
	g := newTestGenerator(5)

	tests := []struct {
		name     string
		mid      float64
		wantSide types.Side
		wantNil  bool
	}{
		{"deep discount buys", 4.0, types.BUY, false},
		{"premium sells", 6.5, types.SELL, false},
		{"neutral band sits out", 5.0, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := g.buildOrder(types.ArchWhale, GenInput{Mid: tt.mid, InitialPrice: 5})
			if tt.wantNil {
				if o != nil {
					t.Fatalf("whale traded at mid %v, want no order", tt.mid)
				}
				return
			}
			if o == nil {
				t.Fatalf("whale sat out at mid %v, want %s", tt.mid, tt.wantSide)
			}
			if o.Side != tt.wantSide {
				t.Errorf("whale side = %s, want %s", o.Side, tt.wantSide)
			}
			g.orderPool.Release(o)
		})
	}
}

func TestMEVFrontRunner(t *testing.T) {
	t.Parallel()
	g := newTestGenerator(7)

	prey := g.orderPool.Acquire()
	prey.Side = types.BUY
	prey.LimitPrice = 5
	prey.Quantity = 10_000 // notional 50,000, well past the prey threshold

	fr := g.frontRunner(prey, GenInput{Mid: 5})
	if fr.Archetype != types.ArchMEVBot {
		t.Errorf("front-runner archetype = %s, want MEV_BOT", fr.Archetype)
	}
	if fr.Side != prey.Side {
		t.Errorf("front-runner side = %s, want co-directional %s", fr.Side, prey.Side)
	}
	if fr.Priority != 5 {
		t.Errorf("front-runner priority = %d, want 5", fr.Priority)
	}
	wantNotional := 0.30 * prey.LimitPrice * prey.Quantity
	if got := fr.LimitPrice * fr.Quantity; got < wantNotional*0.99 || got > wantNotional*1.01 {
		t.Errorf("front-runner notional = %v, want ~%v", got, wantNotional)
	}
	if fr.LimitPrice <= 5 {
		t.Errorf("buy front-runner limit = %v, want above mid", fr.LimitPrice)
	}
}

func TestCascadeRequiresStressOrHFT(t *testing.T) {
	t.Parallel()
	g := newTestGenerator(9)

	if _, err := g.TriggerCascade(types.ModeNormal, 5, 0); !errors.Is(err, ErrCascadeUnavailable) {
		t.Fatalf("cascade in NORMAL: err = %v, want ErrCascadeUnavailable", err)
	}

	res, err := g.TriggerCascade(types.ModeStress, 5, 0)
	if err != nil {
		t.Fatalf("cascade in STRESS: %v", err)
	}
	if res.OrdersGenerated < 10 || res.OrdersGenerated > 30 {
		t.Errorf("cascade orders = %d, want 10..30", res.OrdersGenerated)
	}
	if res.EstimatedImpact <= 0 {
		t.Errorf("cascade impact = %v, want positive", res.EstimatedImpact)
	}
	if res.CascadeSize <= 0 {
		t.Errorf("cascade size = %v, want positive", res.CascadeSize)
	}
	if got := g.QueueDepth(); got != res.OrdersGenerated {
		t.Errorf("queue depth = %d, want %d enqueued", got, res.OrdersGenerated)
	}

	// Descending discounts: every drained sell prices below mid.
	last := 5.0
	for i, o := range g.Drain(res.OrdersGenerated) {
		if o.Side != types.SELL {
			t.Fatalf("cascade order %d side = %s, want SELL", i, o.Side)
		}
		if o.LimitPrice >= last {
			t.Fatalf("cascade order %d limit = %v, want below %v", i, o.LimitPrice, last)
		}
		last = o.LimitPrice
		g.Release(o)
	}
}

func TestCascadeRaisesLiquidationRisk(t *testing.T) {
	t.Parallel()
	g := newTestGenerator(11)

	if _, err := g.TriggerCascade(types.ModeHFT, 5, 0); err != nil {
		t.Fatal(err)
	}
	m := g.Metrics(types.ModeHFT, types.TrendBearish)
	if m.LiquidationRisk <= 0 {
		t.Errorf("liquidation risk = %v, want positive after a cascade", m.LiquidationRisk)
	}
}

func TestHFTDominatedByMEV(t *testing.T) {
	t.Parallel()
	g := newTestGenerator(13)

	for i := 0; i < 50; i++ {
		g.GenerateTick(GenInput{
			Mode: types.ModeHFT, Mid: 5, InitialPrice: 5, DeltaMs: 50,
		})
	}
	m := g.Metrics(types.ModeHFT, types.TrendSideways)
	if m.DominantType != types.ArchMEVBot {
		t.Errorf("dominant archetype = %s, want MEV_BOT under HFT", m.DominantType)
	}
	if m.ConfiguredTPS != 15_000 {
		t.Errorf("configured TPS = %v, want 15000", m.ConfiguredTPS)
	}
}

func TestResetDrainsQueueToPool(t *testing.T) {
	t.Parallel()
	g := newTestGenerator(17)

	g.GenerateTick(GenInput{Mode: types.ModeStress, Mid: 5, InitialPrice: 5, DeltaMs: 50})
	if g.QueueDepth() == 0 {
		t.Fatal("nothing queued before reset")
	}

	g.Reset()

	if got := g.QueueDepth(); got != 0 {
		t.Errorf("queue depth after reset = %d, want 0", got)
	}
	if s := g.orderPool.Stats(); s.InUse != 0 {
		t.Errorf("orders still in use after reset = %d, want 0", s.InUse)
	}
	gen, proc := g.Counters()
	if gen != 0 || proc != 0 {
		t.Errorf("counters after reset = %d/%d, want 0/0", gen, proc)
	}
}
