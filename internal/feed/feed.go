// Package feed loads the trader population that seeds a session.
//
// The provider tries three sources in order: the upstream analytics API, a
// file cache under the configured directory, and a synthetic population.
// Fetches go through a retrying resty client; successful payloads are
// cached with atomic file replacement (write .tmp, then rename) so a crash
// mid-save never corrupts the cache. A fetch failure falls back to the
// cache even past its TTL, and only then to synthetic data, so the tick
// loop always has a population to work with.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"marketsim/internal/config"
	"marketsim/pkg/types"
)

// Synthetic fallback population size.
const syntheticPopulation = 118

// cacheEntry is the on-disk cache format: one file per query identifier.
type cacheEntry struct {
	TimestampMs int64             `json:"timestamp_ms"`
	Payload     []types.RawTrader `json:"payload"`
}

// Provider fetches, caches, and derives trader profiles.
type Provider struct {
	cfg    config.FeedConfig
	http   *resty.Client
	logger *slog.Logger
	rng    *rand.Rand

	mu sync.Mutex // serializes cache file operations
}

// NewProvider creates a provider with retry and timeout per the config.
func NewProvider(cfg config.FeedConfig, logger *slog.Logger) *Provider {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.FetchTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Provider{
		cfg:    cfg,
		http:   httpClient,
		logger: logger.With("component", "feed"),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// TopTraders returns derived profiles for the configured query, trying the
// fresh cache, then the network, then the stale cache, then synthetic data.
func (p *Provider) TopTraders(ctx context.Context) []types.TraderProfile {
	if raw, ok := p.loadCache(p.cfg.QueryID, p.cfg.CacheTTL); ok {
		return p.derive(raw)
	}

	raw, err := p.fetch(ctx, p.cfg.QueryID)
	if err == nil && len(raw) > 0 {
		if err := p.saveCache(p.cfg.QueryID, raw); err != nil {
			p.logger.Warn("trader cache save failed", "error", err)
		}
		return p.derive(raw)
	}
	if err != nil {
		p.logger.Warn("trader fetch failed, falling back", "error", err)
	}

	// Stale cache beats synthetic data.
	if raw, ok := p.loadCache(p.cfg.QueryID, 0); ok {
		p.logger.Info("using stale trader cache", "query", p.cfg.QueryID)
		return p.derive(raw)
	}

	p.logger.Info("using synthetic trader population", "count", syntheticPopulation)
	return p.derive(p.synthetic())
}

// fetch pulls the raw trader rows from the analytics endpoint.
func (p *Provider) fetch(ctx context.Context, queryID string) ([]types.RawTrader, error) {
	var result []types.RawTrader
	resp, err := p.http.R().
		SetContext(ctx).
		SetQueryParam("query_id", queryID).
		SetResult(&result).
		Get("/traders")
	if err != nil {
		return nil, fmt.Errorf("fetch traders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch traders: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// ——————————————————————————————————————————————————————————————————————
// Cache
// ——————————————————————————————————————————————————————————————————————

func (p *Provider) cachePath(queryID string) string {
	return filepath.Join(p.cfg.CacheDir, "traders_"+queryID+".json")
}

// loadCache reads the cached payload for a query. A zero maxAge accepts any
// cache regardless of staleness.
func (p *Provider) loadCache(queryID string, maxAge time.Duration) ([]types.RawTrader, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.cachePath(queryID))
	if err != nil {
		return nil, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		p.logger.Warn("corrupt trader cache", "query", queryID, "error", err)
		return nil, false
	}
	if maxAge > 0 {
		age := time.Since(time.UnixMilli(entry.TimestampMs))
		if age > maxAge {
			return nil, false
		}
	}
	if len(entry.Payload) == 0 {
		return nil, false
	}
	return entry.Payload, true
}

// saveCache atomically persists a fetched payload.
func (p *Provider) saveCache(queryID string, payload []types.RawTrader) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(p.cfg.CacheDir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	data, err := json.Marshal(cacheEntry{
		TimestampMs: time.Now().UnixMilli(),
		Payload:     payload,
	})
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}

	path := p.cachePath(queryID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	return os.Rename(tmp, path)
}

// ——————————————————————————————————————————————————————————————————————
// Derivation
// ——————————————————————————————————————————————————————————————————————

var htmlTag = regexp.MustCompile(`<[^>]*>`)

// CleanWallet strips HTML markup and whitespace from an upstream wallet
// string. The analytics provider wraps wallets in anchor tags.
func CleanWallet(raw string) string {
	return strings.TrimSpace(htmlTag.ReplaceAllString(raw, ""))
}

// derive turns raw analytics rows into behavioral profiles. Rows with an
// empty wallet after cleaning are dropped.
func (p *Provider) derive(raw []types.RawTrader) []types.TraderProfile {
	out := make([]types.TraderProfile, 0, len(raw))
	for _, r := range raw {
		wallet := CleanWallet(r.Wallet)
		if wallet == "" {
			continue
		}

		profile := types.TraderProfile{
			Wallet:      wallet,
			TotalVolume: r.TotalVolume,
			BuyVolume:   r.BuyVolume,
			SellVolume:  r.SellVolume,
			TradeCount:  r.TradeCount,
			NetPnL:      r.NetPnL,
			WinRate:     r.WinRate,
			RiskClass:   classifyRisk(r),
			Strategy:    classifyStrategy(r),
		}
		applyBehavior(&profile)
		out = append(out, profile)
	}
	return out
}

// classifyRisk maps trade sizing relative to volume onto a risk appetite.
func classifyRisk(r types.RawTrader) types.RiskClass {
	if r.TotalVolume <= 0 || r.TradeCount <= 0 {
		return types.RiskModerate
	}
	avg := r.TotalVolume / float64(r.TradeCount)
	switch {
	case r.LargestTrade > 5*avg || avg > 50_000:
		return types.RiskAggressive
	case avg < 2_000:
		return types.RiskConservative
	default:
		return types.RiskModerate
	}
}

// classifyStrategy infers a decision style from activity and performance.
func classifyStrategy(r types.RawTrader) types.TradingStrategy {
	switch {
	case r.TradeCount > 1_000:
		return types.StrategyScalper
	case r.WinRate > 0.6:
		return types.StrategyMomentum
	case r.WinRate < 0.4:
		return types.StrategyContrarian
	default:
		return types.StrategySwing
	}
}

// applyBehavior fills the behavioral parameters from the classification.
func applyBehavior(p *types.TraderProfile) {
	switch p.RiskClass {
	case types.RiskAggressive:
		p.EntryThreshold = 0.002
		p.StopLoss = 0.10
		p.TakeProfit = 0.25
		p.TradingFrequency = 0.7
	case types.RiskConservative:
		p.EntryThreshold = 0.01
		p.StopLoss = 0.03
		p.TakeProfit = 0.08
		p.TradingFrequency = 0.3
	default:
		p.EntryThreshold = 0.005
		p.StopLoss = 0.05
		p.TakeProfit = 0.15
		p.TradingFrequency = 0.5
	}

	switch p.Strategy {
	case types.StrategyScalper:
		p.MinHoldTicks = 1
		p.MaxHoldTicks = 10
		p.ExitProfitThreshold = 0.005
		p.ExitLossThreshold = 0.003
	case types.StrategySwing:
		p.MinHoldTicks = 20
		p.MaxHoldTicks = 200
		p.ExitProfitThreshold = 0.05
		p.ExitLossThreshold = 0.03
	default:
		p.MinHoldTicks = 5
		p.MaxHoldTicks = 60
		p.ExitProfitThreshold = 0.02
		p.ExitLossThreshold = 0.015
	}

	p.SentimentSensitivity = 0.3 + 0.4*p.WinRate
}

// ——————————————————————————————————————————————————————————————————————
// Synthetic fallback
// ——————————————————————————————————————————————————————————————————————

// synthetic fabricates the fallback population. The distribution follows
// the shape of real analytics data: a few whales, a long retail tail.
func (p *Provider) synthetic() []types.RawTrader {
	out := make([]types.RawTrader, syntheticPopulation)
	for i := range out {
		var volume float64
		var trades int
		switch {
		case i < 5: // whales
			volume = 1e6 + p.rng.Float64()*9e6
			trades = 50 + p.rng.Intn(200)
		case i < 30: // active traders
			volume = 5e4 + p.rng.Float64()*5e5
			trades = 200 + p.rng.Intn(2_000)
		default: // retail tail
			volume = 1e3 + p.rng.Float64()*4e4
			trades = 10 + p.rng.Intn(300)
		}

		winRate := 0.3 + p.rng.Float64()*0.4
		out[i] = types.RawTrader{
			Position:     i + 1,
			Wallet:       fmt.Sprintf("0xsim%040d", i),
			TotalVolume:  volume,
			BuyVolume:    volume * (0.4 + p.rng.Float64()*0.2),
			TradeCount:   trades,
			WinRate:      winRate,
			NetPnL:       volume * (winRate - 0.5) * 0.2,
			AvgTradeSize: volume / float64(trades),
			LargestTrade: volume / float64(trades) * (2 + p.rng.Float64()*6),
		}
		out[i].SellVolume = volume - out[i].BuyVolume
	}
	return out
}
