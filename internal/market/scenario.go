package market

// ScenarioKind names a scripted market narrative.
type ScenarioKind string

const (
	ScenarioCrash         ScenarioKind = "crash"
	ScenarioPump          ScenarioKind = "pump"
	ScenarioBreakout      ScenarioKind = "breakout"
	ScenarioTrend         ScenarioKind = "trend"
	ScenarioConsolidation ScenarioKind = "consolidation"
	ScenarioAccumulation  ScenarioKind = "accumulation"
	ScenarioDistribution  ScenarioKind = "distribution"
)

// Scenario is an optional strategy plugged into the price engine. The
// engine consumes only Bias() and VolOverride each tick; all
// scenario-specific branching stays inside this type.
type Scenario struct {
	Kind        ScenarioKind `json:"kind"`
	Intensity   float64      `json:"intensity"`    // [0, 1]
	Direction   float64      `json:"direction"`    // +1 / -1, used by trend scenarios
	VolOverride float64      `json:"vol_override"` // 0 = keep the engine's sigma
}

// Bias returns the per-tick drift the scenario imposes. When a scenario is
// active this value dominates the organic trend computation entirely.
func (s *Scenario) Bias() float64 {
	switch s.Kind {
	case ScenarioCrash:
		return -0.008 * s.Intensity
	case ScenarioPump:
		return 0.008 * s.Intensity
	case ScenarioBreakout:
		return 0.004 * s.Intensity * direction(s.Direction)
	case ScenarioTrend:
		return 0.002 * s.Intensity * direction(s.Direction)
	case ScenarioAccumulation:
		return 0.001 * s.Intensity
	case ScenarioDistribution:
		return -0.001 * s.Intensity
	case ScenarioConsolidation:
		return 0
	default:
		return 0
	}
}

func direction(d float64) float64 {
	if d < 0 {
		return -1
	}
	return 1
}
