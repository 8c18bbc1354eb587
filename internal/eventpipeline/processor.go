// Package eventpipeline implements the EventProcessor, AnomalyDetector,
// Alert emitter, and bounded async queue from spec §4.6. Each stage is a
// pure function over an event (plus, for the AnomalyDetector, a
// recent-history slice for its event-local rules and a PatternWindow for
// its pattern-level rules); Pipeline wires them into a linear
// queue rather than letting the stages reference each other directly,
// breaking the cyclic EventProcessor/AnomalyDetector/Storage references
// the source exhibits (spec §9).
//
// Grounded on elida/internal/policy/policy.go's risk-ladder/threshold
// computation (Engine.calculateRiskScore, RiskThreshold table) for the
// scoring-then-bucketing shape, adapted from session-risk scoring to
// per-event risk scoring against the fixed formula in spec §4.6.
package eventpipeline

import (
	"elida/internal/types"
)

// Enrich computes the derived risk_level for ev per spec §4.6's scoring
// formula and returns the enriched copy. It does not mutate history or
// consult other events; risk scoring is purely a function of the event's
// own flags.
func Enrich(ev types.AIEvent) types.AIEvent {
	ev.RiskLevel = RiskLevel(ev)
	return ev
}

// RiskLevel computes the risk_level for ev per the additive score and
// bucket boundaries fixed in spec §4.6:
//
//	+3 if !success
//	+4 if injection_detected
//	+2 if has_pii
//	+1 if latency_ms > 10000
//	+1 if tokens.total > 10000
//	+2 if cost_usd > 1.00
//
// score >= 5 -> critical, >= 3 -> high, >= 1 -> medium, else low.
func RiskLevel(ev types.AIEvent) types.RiskLevel {
	score := 0
	if !ev.Success {
		score += 3
	}
	if ev.InjectionDetected {
		score += 4
	}
	if ev.HasPII {
		score += 2
	}
	if ev.LatencyMS > 10_000 {
		score += 1
	}
	if ev.Tokens.Total > 10_000 {
		score += 1
	}
	if ev.CostUSD > 1.00 {
		score += 2
	}

	switch {
	case score >= 5:
		return types.RiskCritical
	case score >= 3:
		return types.RiskHigh
	case score >= 1:
		return types.RiskMedium
	default:
		return types.RiskLow
	}
}
