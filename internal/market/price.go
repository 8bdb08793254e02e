// Package market advances the simulated price and classifies the regime.
//
// Each tick the engine composes three terms on top of the current price: a
// trend term (order-flow imbalance, market regime, mean reversion, or a
// scenario bias when one is active), a random term drawn from a fat-tailed
// mixture, and uniform microstructure noise. Volatility is price-banded and
// modulated by the throughput mode and the session's bar interval.
package market

import (
	"math"
	"math/rand"

	"marketsim/pkg/types"
)

// Imbalance window over the most recent trades.
const imbalanceWindow = 100

// Imbalance magnitude beyond which volatility doubles.
const imbalanceVolBoost = 0.2

// Mean-reversion engages past this deviation from the rolling average.
const reversionDeviation = 0.03

// Mean-reversion coefficient.
const reversionCoeff = 0.002

// Bars in the mean-reversion average.
const reversionBars = 15

// Bars in the regime classifier's return window.
const regimeBars = 5

// Uniform microstructure noise bound.
const microNoise = 0.0001

// BaseVolatility returns the per-tick volatility for a price level.
// Cheap instruments move harder.
func BaseVolatility(price float64) float64 {
	switch {
	case price < 5:
		return 0.025
	case price < 10:
		return 0.020
	case price < 20:
		return 0.018
	case price < 35:
		return 0.015
	default:
		return 0.012
	}
}

// IntervalVolMultiplier maps the session's bar interval to a volatility
// multiplier: shorter bars mean a faster market.
func IntervalVolMultiplier(intervalMs int64) float64 {
	switch {
	case intervalMs <= 6_000:
		return 1.3
	case intervalMs <= 8_000:
		return 1.2
	case intervalMs <= 10_000:
		return 1.0
	case intervalMs <= 12_000:
		return 0.9
	default:
		return 0.8
	}
}

// tpsVolScale grows volatility logarithmically with the mode's target TPS,
// normalized so NORMAL (25 TPS) scales by 1.
func tpsVolScale(mode types.ThroughputMode) float64 {
	ratio := mode.TargetTPS() / types.ModeNormal.TargetTPS()
	if ratio <= 1 {
		return 1
	}
	return 1 + 0.08*math.Log2(ratio)
}

// StepInput carries everything the price engine reads for one tick.
type StepInput struct {
	Price      float64
	Recent     []types.Trade // newest first; only the imbalance window is read
	History    []types.Candle
	Mode       types.ThroughputMode
	IntervalMs int64
	Trend      types.MarketTrend
	VolMult    float64   // session volatility multiplier; 0 means 1
	Scenario   *Scenario // nil when no scenario is active
}

// StepResult is the outcome of one price advancement.
type StepResult struct {
	Price     float64
	Sigma     float64
	TrendTerm float64
	Imbalance float64
}

// Engine owns the random source for one session. Not safe for concurrent
// use; it is called only from the session's tick loop.
type Engine struct {
	rng *rand.Rand
}

// NewEngine creates a price engine with its own seeded source.
func NewEngine(seed int64) *Engine {
	return &Engine{rng: rand.New(rand.NewSource(seed))}
}

// Step advances the price one tick.
func (e *Engine) Step(in StepInput) StepResult {
	imb := Imbalance(in.Recent)

	sigma := BaseVolatility(in.Price) * tpsVolScale(in.Mode) * IntervalVolMultiplier(in.IntervalMs)
	if in.VolMult > 0 {
		sigma *= in.VolMult
	}
	if in.Scenario != nil && in.Scenario.VolOverride > 0 {
		sigma = in.Scenario.VolOverride
	}
	if math.Abs(imb) > imbalanceVolBoost {
		sigma *= 2
	}

	trend := e.trendTerm(in, imb)
	random := e.randomTerm(sigma)
	micro := (e.rng.Float64()*2 - 1) * microNoise

	price := in.Price * (1 + trend + random + micro)
	if floor := in.Price * 0.2; price < floor {
		price = floor
	}
	if price <= 0 {
		price = 1e-9
	}

	return StepResult{Price: price, Sigma: sigma, TrendTerm: trend, Imbalance: imb}
}

// trendTerm computes the deterministic drift. An active scenario dominates;
// otherwise flow imbalance, regime bias, and mean reversion compose.
func (e *Engine) trendTerm(in StepInput, imb float64) float64 {
	if in.Scenario != nil {
		return in.Scenario.Bias()
	}

	trend := imb * 0.001

	switch in.Trend {
	case types.TrendBullish:
		trend += 0.0002
	case types.TrendBearish:
		trend -= 0.0002
	}

	// Mean reversion against the rolling average, only past the deviation gate.
	if avg := rollingAverage(in.History, reversionBars); avg > 0 {
		dev := (in.Price - avg) / avg
		if math.Abs(dev) > reversionDeviation {
			trend -= dev * reversionCoeff
		}
	}

	return trend
}

// randomTerm samples the fat-tailed mixture: 5% of draws come from a 4σ
// tail, 15% from a 2σ tail, the rest from 1σ.
func (e *Engine) randomTerm(sigma float64) float64 {
	z := e.rng.NormFloat64()
	switch p := e.rng.Float64(); {
	case p < 0.05:
		return 4 * sigma * z
	case p < 0.20:
		return 2 * sigma * z
	default:
		return sigma * z
	}
}

// Imbalance returns the buy/sell notional imbalance in [-1, 1] over the
// most recent imbalanceWindow trades.
func Imbalance(recent []types.Trade) float64 {
	if len(recent) > imbalanceWindow {
		recent = recent[:imbalanceWindow]
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
		return 0
	}
	return (buy - sell) / total
}

// Classify labels the regime from the 5-bar return, with the threshold
// widened by 1.2x the realized volatility so a noisy market reads sideways.
// Sub-$1 instruments use a reduced base threshold.
func Classify(history []types.Candle, price float64) types.MarketTrend {
	if len(history) < regimeBars {
		return types.TrendSideways
	}

	window := history[len(history)-regimeBars:]
	first := window[0].Close
	if first <= 0 {
		return types.TrendSideways
	}
	ret := (window[len(window)-1].Close - first) / first

	threshold := 0.01
	if price < 1 {
		threshold = 0.005
	}
	if rv := realizedVol(window); 1.2*rv > threshold {
		threshold = 1.2 * rv
	}

	switch {
	case ret > threshold:
		return types.TrendBullish
	case ret < -threshold:
		return types.TrendBearish
	default:
		return types.TrendSideways
	}
}

// realizedVol is the standard deviation of close-to-close returns.
func realizedVol(window []types.Candle) float64 {
	if len(window) < 2 {
		return 0
	}
	var rets []float64
	for i := 1; i < len(window); i++ {
		if window[i-1].Close > 0 {
			rets = append(rets, (window[i].Close-window[i-1].Close)/window[i-1].Close)
		}
	}
	if len(rets) == 0 {
		return 0
	}
	var mean float64
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	var varsum float64
	for _, r := range rets {
		varsum += (r - mean) * (r - mean)
	}
	return math.Sqrt(varsum / float64(len(rets)))
}

func rollingAverage(history []types.Candle, bars int) float64 {
	if len(history) == 0 {
		return 0
	}
	if len(history) > bars {
		history = history[len(history)-bars:]
	}
	var sum float64
	for _, c := range history {
		sum += c.Close
	}
	return sum / float64(len(history))
}
