package feed

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"marketsim/internal/config"
	"marketsim/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testProvider(t *testing.T, baseURL string) *Provider {
	t.Helper()
	cfg := config.FeedConfig{
		BaseURL:      baseURL,
		QueryID:      "top-traders",
		CacheDir:     t.TempDir(),
		CacheTTL:     time.Hour,
		FetchTimeout: 2 * time.Second,
	}
	return NewProvider(cfg, testLogger())
}

func TestCleanWallet(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want string
	}{
		{"0xabc", "0xabc"},
		{`<a href="/wallet/0xabc">0xabc</a>`, "0xabc"},
		{"  0xabc \n", "0xabc"},
		{"<b></b>", ""},
	}
	for _, tt := range tests {
		if got := CleanWallet(tt.raw); got != tt.want {
			t.Errorf("CleanWallet(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestFetchAndCache(t *testing.T) {
	t.Parallel()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]types.RawTrader{
			{Wallet: `<a>0xaaa</a>`, TotalVolume: 100_000, TradeCount: 50, WinRate: 0.7},
			{Wallet: "0xbbb", TotalVolume: 10_000, TradeCount: 2_000, WinRate: 0.5},
		})
	}))
	defer srv.Close()

	p := testProvider(t, srv.URL)

	profiles := p.TopTraders(context.Background())
	if len(profiles) != 2 {
		t.Fatalf("profiles = %d, want 2", len(profiles))
	}
	if profiles[0].Wallet != "0xaaa" {
		t.Errorf("wallet = %q, want HTML stripped to 0xaaa", profiles[0].Wallet)
	}
	if profiles[0].Strategy != types.StrategyMomentum {
		t.Errorf("strategy = %s, want momentum for win rate 0.7", profiles[0].Strategy)
	}
	if profiles[1].Strategy != types.StrategyScalper {
		t.Errorf("strategy = %s, want scalper for 2000 trades", profiles[1].Strategy)
	}

	// Second call must come from the fresh cache.
	p.TopTraders(context.Background())
	if calls != 1 {
		t.Errorf("upstream calls = %d, want 1 (cache hit)", calls)
	}
}

func TestStaleCacheBeatsSynthetic(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := testProvider(t, srv.URL)
	p.http.SetRetryCount(0)

	// Seed an expired cache entry.
	entry := cacheEntry{
		TimestampMs: time.Now().Add(-48 * time.Hour).UnixMilli(),
		Payload:     []types.RawTrader{{Wallet: "0xstale", TotalVolume: 1_000, TradeCount: 10, WinRate: 0.5}},
	}
	data, _ := json.Marshal(entry)
	if err := os.WriteFile(filepath.Join(p.cfg.CacheDir, "traders_top-traders.json"), data, 0o600); err != nil {
		t.Fatal(err)
	}

	profiles := p.TopTraders(context.Background())
	if len(profiles) != 1 || profiles[0].Wallet != "0xstale" {
		t.Fatalf("profiles = %+v, want the stale cached trader", profiles)
	}
}

func TestSyntheticFallbackPopulation(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := testProvider(t, srv.URL)
	p.http.SetRetryCount(0)

	profiles := p.TopTraders(context.Background())
	if len(profiles) != 118 {
		t.Fatalf("synthetic population = %d, want 118", len(profiles))
	}
	seen := make(map[string]bool)
	for _, pr := range profiles {
		if pr.Wallet == "" {
			t.Fatal("synthetic trader with empty wallet")
		}
		if seen[pr.Wallet] {
			t.Fatalf("duplicate synthetic wallet %s", pr.Wallet)
		}
		seen[pr.Wallet] = true
		if pr.TradingFrequency <= 0 {
			t.Fatalf("trader %s has no trading frequency", pr.Wallet)
		}
	}
}

func TestClassifyRisk(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  types.RawTrader
		want types.RiskClass
	}{
		{"no history", types.RawTrader{}, types.RiskModerate},
		{"outsized largest trade", types.RawTrader{TotalVolume: 100_000, TradeCount: 100, LargestTrade: 10_000}, types.RiskAggressive},
		{"big average", types.RawTrader{TotalVolume: 6_000_000, TradeCount: 100}, types.RiskAggressive},
		{"small average", types.RawTrader{TotalVolume: 10_000, TradeCount: 50}, types.RiskConservative},
		{"middling", types.RawTrader{TotalVolume: 100_000, TradeCount: 20}, types.RiskModerate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyRisk(tt.raw); got != tt.want {
				t.Errorf("classifyRisk = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCacheWriteIsAtomic(t *testing.T) {
	t.Parallel()
	p := testProvider(t, "http://unused.invalid")

	raw := []types.RawTrader{{Wallet: "0xaaa", TotalVolume: 1, TradeCount: 1}}
	if err := p.saveCache("q", raw); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(p.cfg.CacheDir, "traders_q.json.tmp")); !os.IsNotExist(err) {
		t.Error("temp file left behind after save")
	}
	got, ok := p.loadCache("q", time.Hour)
	if !ok || len(got) != 1 || got[0].Wallet != "0xaaa" {
		t.Errorf("loadCache = %+v ok=%v, want the saved payload", got, ok)
	}
}
