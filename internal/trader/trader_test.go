package trader

import (
	"io"
	"log/slog"
	"math"
	"testing"

	"marketsim/internal/pool"
	"marketsim/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(profiles []types.TraderProfile) *Engine {
	logger := testLogger()
	return NewEngine(
		profiles,
		pool.New[types.Trade]("trades", 100, logger),
		pool.New[types.Position]("positions", 100, logger),
		500,
		1,
		logger,
	)
}

func population(n int) []types.TraderProfile {
	out := make([]types.TraderProfile, n)
	for i := range out {
		out[i] = types.TraderProfile{
			Wallet:           string(rune('a'+i%26)) + "wallet",
			TotalVolume:      100_000,
			WinRate:          0.5,
			RiskClass:        types.RiskModerate,
			Strategy:         types.StrategySwing,
			TradingFrequency: 0.6,
		}
	}
	// Wallets must be unique for the position table.
	for i := range out {
		out[i].Wallet = out[i].Wallet + string(rune('0'+i/26))
	}
	return out
}

func TestModeForSpeed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		speed      int
		wantTrades int
		wantActive float64
	}{
		{1, 100, 0.8},
		{5, 100, 0.8},
		{6, 200, 0.9},
		{15, 200, 0.9},
		{16, 400, 1.0},
		{200, 400, 1.0},
	}
	for _, tt := range tests {
		m := ModeForSpeed(tt.speed)
		if m.TradesPerTick != tt.wantTrades {
			t.Errorf("ModeForSpeed(%d).TradesPerTick = %d, want %d", tt.speed, m.TradesPerTick, tt.wantTrades)
		}
		if m.ActivePct != tt.wantActive {
			t.Errorf("ModeForSpeed(%d).ActivePct = %v, want %v", tt.speed, m.ActivePct, tt.wantActive)
		}
	}
}

func TestTickMeetsBudget(t *testing.T) {
	t.Parallel()
	e := newTestEngine(population(50))

	in := TickInput{Price: 2.5, Clock: 1_000, Speed: 1, Trend: types.TrendSideways}
	trades := e.Tick(in)

	if len(trades) != 100 {
		t.Fatalf("tick produced %d trades, want the mode budget of 100", len(trades))
	}
	for i, tr := range trades {
		if tr.ID == "" {
			t.Fatalf("trade %d has no id", i)
		}
		if tr.Quantity < 500 {
			t.Errorf("trade %d quantity = %v, want >= 500", i, tr.Quantity)
		}
		if got := tr.Price * tr.Quantity; math.Abs(got-tr.Value) > 1e-9 {
			t.Errorf("trade %d value = %v, want price*quantity = %v", i, tr.Value, got)
		}
		if math.Abs(tr.Impact) > 0.01 {
			t.Errorf("trade %d impact = %v, want within [-0.01, 0.01]", i, tr.Impact)
		}
	}
}

func TestPositionMergeVWAP(t *testing.T) {
	t.Parallel()
	e := newTestEngine(population(1))
	wallet := e.traders[0].Wallet

	e.materialize(wallet, types.BUY, 10.0, 1000, 1)
	e.materialize(wallet, types.BUY, 12.0, 1000, 2)

	pos, ok := e.positions[wallet]
	if !ok {
		t.Fatal("no open position after two buys")
	}
	if pos.Quantity != 2000 {
		t.Errorf("quantity = %v, want 2000", pos.Quantity)
	}
	if math.Abs(pos.EntryPrice-11.0) > 1e-9 {
		t.Errorf("entry = %v, want VWAP 11.0", pos.EntryPrice)
	}
}

func TestPositionFlip(t *testing.T) {
	t.Parallel()
	e := newTestEngine(population(1))
	wallet := e.traders[0].Wallet

	e.materialize(wallet, types.BUY, 10.0, 1000, 1)
	e.materialize(wallet, types.SELL, 11.0, 3000, 2)

	pos, ok := e.positions[wallet]
	if !ok {
		t.Fatal("no position after flip")
	}
	if pos.Quantity != -2000 {
		t.Errorf("quantity = %v, want -2000 after flip", pos.Quantity)
	}
	if pos.EntryPrice != 11.0 {
		t.Errorf("entry = %v, want flip price 11.0", pos.EntryPrice)
	}
	if pos.EntryTime != 2 {
		t.Errorf("entry time = %v, want flip clock 2", pos.EntryTime)
	}
}

func TestPositionCloseBelowThreshold(t *testing.T) {
	t.Parallel()
	e := newTestEngine(population(1))
	wallet := e.traders[0].Wallet

	e.materialize(wallet, types.BUY, 10.0, 1000, 1)
	e.materialize(wallet, types.SELL, 12.0, 995, 2)

	if _, open := e.positions[wallet]; open {
		t.Fatal("position still open with residual below the close threshold")
	}

	closed := e.ClosedPositions()
	if len(closed) != 1 {
		t.Fatalf("closed records = %d, want 1", len(closed))
	}
	if closed[0].ExitPrice != 12.0 {
		t.Errorf("exit = %v, want 12.0", closed[0].ExitPrice)
	}
	if closed[0].PnL <= 0 {
		t.Errorf("pnl = %v, want positive for a long closed above entry", closed[0].PnL)
	}
	if e.byWallet[wallet].NetPnL != closed[0].PnL {
		t.Errorf("trader pnl = %v, want %v folded in", e.byWallet[wallet].NetPnL, closed[0].PnL)
	}
}

func TestCloseDecisionFollowsModeTurnover(t *testing.T) {
	t.Parallel()
	e := newTestEngine(population(1))
	wallet := e.traders[0].Wallet
	tr := e.byWallet[wallet]

	e.materialize(wallet, types.BUY, 10.0, 1000, 1)
	in := TickInput{Price: 10.0, Clock: 2, Speed: 1}

	// Zero turnover never closes a held position.
	never := ActivityMode{TurnoverPct: 0}
	for i := 0; i < 20; i++ {
		if got := e.decide(tr, never, in); got != nil {
			t.Fatalf("decide closed a position at zero turnover: %+v", got)
		}
	}

	// Full turnover always closes it, on the offsetting side.
	always := ActivityMode{TurnoverPct: 1}
	got := e.decide(tr, always, in)
	if got == nil {
		t.Fatal("decide did not close at full turnover")
	}
	if got.Action != types.SELL {
		t.Errorf("close side = %s, want SELL against a long", got.Action)
	}
	if got.Quantity != 1000 {
		t.Errorf("close quantity = %v, want the full 1000", got.Quantity)
	}
	if _, open := e.positions[wallet]; open {
		t.Error("position still open after a full-turnover close")
	}
}

func TestMarkPositions(t *testing.T) {
	t.Parallel()
	e := newTestEngine(population(1))
	wallet := e.traders[0].Wallet

	e.materialize(wallet, types.BUY, 10.0, 1000, 1)
	e.MarkPositions(12.0)

	pos := e.positions[wallet]
	if pos.PnL != 2000 {
		t.Errorf("marked pnl = %v, want 2000", pos.PnL)
	}
	if math.Abs(pos.PnLPct-0.2) > 1e-9 {
		t.Errorf("marked pnl pct = %v, want 0.2", pos.PnLPct)
	}
}

func TestIntegrateExternalDedup(t *testing.T) {
	t.Parallel()
	e := newTestEngine(population(1))

	tr := &types.Trade{ID: "ext-1"}
	if !e.IntegrateExternal(tr) {
		t.Fatal("first integration rejected")
	}
	if e.IntegrateExternal(tr) {
		t.Fatal("duplicate external trade accepted")
	}
}

func TestRankingSortsByNetPnL(t *testing.T) {
	t.Parallel()
	e := newTestEngine(population(3))
	e.traders[0].NetPnL = 100
	e.traders[1].NetPnL = 500
	e.traders[2].NetPnL = -50

	top := e.Ranking(2)
	if len(top) != 2 {
		t.Fatalf("ranking length = %d, want 2", len(top))
	}
	if top[0].NetPnL != 500 || top[1].NetPnL != 100 {
		t.Errorf("ranking pnls = [%v, %v], want [500, 100]", top[0].NetPnL, top[1].NetPnL)
	}
}

func TestBackfillBounds(t *testing.T) {
	t.Parallel()
	e := newTestEngine(population(5))

	for i := 0; i < 50; i++ {
		trades := e.Backfill(TickInput{Price: 1.0, Clock: int64(i), Speed: 1})
		if len(trades) < 5 || len(trades) > 15 {
			t.Fatalf("backfill produced %d trades, want 5..15", len(trades))
		}
		for _, tr := range trades {
			if math.Abs(tr.Impact) > 0.001 {
				t.Errorf("backfill impact = %v, want dampened below 0.001", tr.Impact)
			}
		}
	}
}

func TestCleanupBalancesPositionCounters(t *testing.T) {
	t.Parallel()
	e := newTestEngine(population(10))

	for _, tr := range e.traders {
		e.materialize(tr.Wallet, types.BUY, 5.0, 1000, 1)
	}
	if len(e.positions) != 10 {
		t.Fatalf("open positions = %d, want 10", len(e.positions))
	}

	e.Cleanup()

	if len(e.positions) != 0 {
		t.Errorf("positions remain after cleanup: %d", len(e.positions))
	}
	acquired, released := e.Counters()
	// Trade records are still held by the caller; only positions return.
	if acquired-released != 10 {
		t.Errorf("counter drift = %d, want 10 outstanding trade records", acquired-released)
	}
}

func TestReleaseTrades(t *testing.T) {
	t.Parallel()
	e := newTestEngine(population(2))

	trades := e.Tick(TickInput{Price: 1.0, Clock: 1, Speed: 1})
	before, _ := e.Counters()
	e.ReleaseTrades(trades)
	acquired, released := e.Counters()

	if acquired != before {
		t.Errorf("acquired moved during release: %d -> %d", before, acquired)
	}
	if released < int64(len(trades)) {
		t.Errorf("released = %d, want at least %d", released, len(trades))
	}
}
