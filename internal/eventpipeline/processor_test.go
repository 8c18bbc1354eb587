package eventpipeline

import (
	"testing"

	"elida/internal/types"
)

func TestRiskLevelMonotonicity(t *testing.T) {
	base := types.AIEvent{Success: true}
	withPII := base
	withPII.HasPII = true

	baseLevel, piiLevel := RiskLevel(base), RiskLevel(withPII)
	if piiLevel.Less(baseLevel) {
		t.Fatalf("adding a risk flag must never lower risk_level: base=%s withPII=%s", baseLevel, piiLevel)
	}
}

func TestRiskLevelBuckets(t *testing.T) {
	cases := []struct {
		name string
		ev   types.AIEvent
		want types.RiskLevel
	}{
		{"clean", types.AIEvent{Success: true}, types.RiskLow},
		{"pii-only", types.AIEvent{Success: true, HasPII: true}, types.RiskMedium},
		{"failure-only", types.AIEvent{Success: false}, types.RiskHigh},
		{"pii-and-failure", types.AIEvent{Success: false, HasPII: true}, types.RiskCritical},
		{"injection", types.AIEvent{Success: true, InjectionDetected: true}, types.RiskHigh},
		{"injection-and-pii", types.AIEvent{Success: true, InjectionDetected: true, HasPII: true}, types.RiskCritical},
		{"expensive", types.AIEvent{Success: true, CostUSD: 2.0}, types.RiskMedium},
		{"big-and-slow", types.AIEvent{Success: true, LatencyMS: 11_000, Tokens: types.TokenUsage{Total: 11_000}}, types.RiskMedium},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := RiskLevel(c.ev); got != c.want {
				t.Fatalf("RiskLevel(%+v) = %s, want %s", c.ev, got, c.want)
			}
		})
	}
}

func TestEnrichSetsRiskLevel(t *testing.T) {
	ev := types.AIEvent{Success: true, InjectionDetected: true}
	enriched := Enrich(ev)
	if enriched.RiskLevel != types.RiskHigh {
		t.Fatalf("expected enriched event risk_level=high, got %s", enriched.RiskLevel)
	}
}
