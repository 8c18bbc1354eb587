package eventpipeline

import (
	"fmt"
	"time"

	"elida/internal/types"
)

// Thresholds are the event-local anomaly rule constants from spec §4.6.
type Thresholds struct {
	HighCostUSD     float64       // default 0.50
	HighLatencyMS   int64         // default 5000
	HighTokens      int64         // default 8000
	SpikeMultiplier float64       // default 3
	MinSpikeSamples int           // default 5
	AnomalyWindow   time.Duration // default 10 min, per-model spike window
	PatternWindow   time.Duration // default 5 min, error-rate window
}

// DefaultThresholds returns the spec-default anomaly thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HighCostUSD:     0.50,
		HighLatencyMS:   5000,
		HighTokens:      8000,
		SpikeMultiplier: 3,
		MinSpikeSamples: 5,
		AnomalyWindow:   10 * time.Minute,
		PatternWindow:   5 * time.Minute,
	}
}

// Detector evaluates both the event-local and pattern-level anomaly rules
// from spec §4.6. It is stateless; all history is supplied by the caller,
// so both evaluation modes are plain, independently testable functions.
type Detector struct {
	t Thresholds
}

// NewDetector creates a Detector using the given thresholds.
func NewDetector(t Thresholds) *Detector {
	return &Detector{t: t}
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// EvaluateEventLocal runs the synchronous, per-event rules of spec §4.6
// against ev, given recentHistory: events for the same model within the
// configured anomaly window, in arrival order, NOT including ev itself.
func (d *Detector) EvaluateEventLocal(ev types.AIEvent, recentHistory []types.AIEvent) []types.Anomaly {
	var out []types.Anomaly
	now := ev.Timestamp

	add := func(typ string, sev types.AnomalySeverity, desc, action string, details map[string]any) {
		out = append(out, types.Anomaly{
			AnomalyID:         "", // assigned by the caller at persistence time
			EventID:           ev.RequestID,
			Timestamp:         now,
			Type:              typ,
			Severity:          sev,
			Description:       desc,
			Details:           details,
			RecommendedAction: action,
		})
	}

	if ev.CostUSD > d.t.HighCostUSD {
		add("high_cost", types.AnomalyHigh,
			fmt.Sprintf("event cost $%.4f exceeds threshold $%.2f", ev.CostUSD, d.t.HighCostUSD),
			"review backend selection for this request",
			map[string]any{"cost_usd": ev.CostUSD, "threshold": d.t.HighCostUSD})
	}
	if ev.LatencyMS > d.t.HighLatencyMS {
		add("high_latency", types.AnomalyMedium,
			fmt.Sprintf("latency %dms exceeds threshold %dms", ev.LatencyMS, d.t.HighLatencyMS),
			"investigate backend health",
			map[string]any{"latency_ms": ev.LatencyMS, "threshold_ms": d.t.HighLatencyMS})
	}
	if ev.Tokens.Total > d.t.HighTokens {
		add("high_tokens", types.AnomalyMedium,
			fmt.Sprintf("total tokens %d exceeds threshold %d", ev.Tokens.Total, d.t.HighTokens),
			"verify prompt/response size limits",
			map[string]any{"tokens_total": ev.Tokens.Total, "threshold": d.t.HighTokens})
	}
	if ev.HasPII {
		add("pii_detected", types.AnomalyHigh,
			"request contained recognized PII",
			"confirm backend PII handling policy",
			map[string]any{"pii_types": ev.PIITypes})
	}
	if ev.InjectionDetected {
		add("prompt_injection", types.AnomalyCritical,
			"prompt matched a known injection pattern",
			"review request origin and apply stricter screening",
			nil)
	}
	if !ev.Success {
		add("request_failure", types.AnomalyHigh,
			fmt.Sprintf("request failed with error_code=%s", ev.ErrorCode),
			"inspect backend error logs",
			map[string]any{"error_code": ev.ErrorCode})
	}

	if len(recentHistory) >= d.t.MinSpikeSamples {
		var costs, latencies []float64
		for _, h := range recentHistory {
			costs = append(costs, h.CostUSD)
			latencies = append(latencies, float64(h.LatencyMS))
		}
		if meanCost := mean(costs); meanCost > 0 && ev.CostUSD > d.t.SpikeMultiplier*meanCost {
			add("cost_spike", types.AnomalyHigh,
				fmt.Sprintf("cost $%.4f is %.1fx the recent mean $%.4f for model %s", ev.CostUSD, ev.CostUSD/meanCost, meanCost, ev.Model),
				"check for a runaway prompt or pricing misconfiguration",
				map[string]any{"cost_usd": ev.CostUSD, "mean": meanCost, "samples": len(recentHistory)})
		}
		if meanLat := mean(latencies); meanLat > 0 && float64(ev.LatencyMS) > d.t.SpikeMultiplier*meanLat {
			add("latency_spike", types.AnomalyMedium,
				fmt.Sprintf("latency %dms is %.1fx the recent mean %.0fms for model %s", ev.LatencyMS, float64(ev.LatencyMS)/meanLat, meanLat, ev.Model),
				"check backend health and queueing",
				map[string]any{"latency_ms": ev.LatencyMS, "mean_ms": meanLat, "samples": len(recentHistory)})
		}
	}

	return out
}

// PatternWindow carries the events used for one pattern-level evaluation
// pass: globalEvents is every event across all models within the pattern
// window (spec §9 resolves high_request_rate/high_cost_rate to global
// windows); byModel is the same events bucketed per model (model_errors
// is fixed per-model per spec §9).
type PatternWindow struct {
	Now          time.Time
	WindowLength time.Duration
	GlobalEvents []types.AIEvent
	ByModel      map[string][]types.AIEvent
}

// EvaluatePatternLevel runs the sliding-window rules of spec §4.6 against
// the supplied window, evaluated when the pipeline flushes or on demand.
func (d *Detector) EvaluatePatternLevel(w PatternWindow) []types.Anomaly {
	var out []types.Anomaly

	add := func(typ string, sev types.AnomalySeverity, desc, action string, details map[string]any) {
		out = append(out, types.Anomaly{
			Timestamp:         w.Now,
			Type:              typ,
			Severity:          sev,
			Description:       desc,
			Details:           details,
			RecommendedAction: action,
		})
	}

	total := len(w.GlobalEvents)
	if total > 0 {
		var failed int
		var costSum float64
		for _, e := range w.GlobalEvents {
			if !e.Success {
				failed++
			}
			costSum += e.CostUSD
		}
		errorRate := float64(failed) / float64(total)

		if total >= 10 && errorRate > 0.10 {
			add("high_error_rate", types.AnomalyCritical,
				fmt.Sprintf("error rate %.1f%% over %d events in the last %s", errorRate*100, total, w.WindowLength),
				"page on-call, investigate backend health",
				map[string]any{"error_rate": errorRate, "sample_size": total})
		}

		minutes := w.WindowLength.Minutes()
		if minutes > 0 {
			requestRate := float64(total) / minutes
			if requestRate > 50 {
				add("high_request_rate", types.AnomalyMedium,
					fmt.Sprintf("%.1f requests/min over the last %s", requestRate, w.WindowLength),
					"check for traffic spike or retry storm",
					map[string]any{"requests_per_min": requestRate})
			}
		}

		hours := w.WindowLength.Hours()
		if hours > 0 {
			costRate := costSum / hours
			if costRate > 10 {
				add("high_cost_rate", types.AnomalyHigh,
					fmt.Sprintf("$%.2f/hour spend over the last %s", costRate, w.WindowLength),
					"review cost ceilings and backend mix",
					map[string]any{"cost_per_hour": costRate})
			}
		}
	}

	for model, events := range w.ByModel {
		n := len(events)
		if n < 5 {
			continue
		}
		var failed int
		for _, e := range events {
			if !e.Success {
				failed++
			}
		}
		rate := float64(failed) / float64(n)
		if rate > 0.2 {
			add("model_errors", types.AnomalyHigh,
				fmt.Sprintf("model %s error rate %.1f%% over %d samples", model, rate*100, n),
				fmt.Sprintf("consider removing %s from routing candidates", model),
				map[string]any{"model": model, "error_rate": rate, "sample_size": n})
		}
	}

	return out
}
