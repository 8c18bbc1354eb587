// Package router implements the Router component from spec §4.4: a pure
// function from request-derived selection criteria to an ordered list of
// candidate backend IDs (primary + cascade fallbacks).
//
// The filter/score stages are new (the teacher's router.go selected a
// single HTTP backend by header/model/path matching, not by scored
// candidate ranking). Cascade construction is grounded on
// elida/internal/proxy/failover.go's FailoverController: priority-based
// fallback selection, explicit-order override, and "already tried"
// exclusion, adapted here from HTTP-backend failover to score-ordered
// backend-ID cascade construction.
package router

import (
	"sort"

	"elida/internal/registry"
	"elida/internal/types"
)

// Weights are the composite-score coefficients from spec §4.4 step 3.
type Weights struct {
	Cost       float64
	Latency    float64
	Confidence float64
}

// DefaultWeights returns the spec-default composite score weights.
func DefaultWeights() Weights {
	return Weights{Cost: 0.5, Latency: 0.3, Confidence: 0.2}
}

// Criteria is the Router's input, derived from a validated Request plus
// the caller's security posture (spec §4.4 first paragraph).
type Criteria struct {
	Capability      types.Capability
	Sensitivity     types.Sensitivity
	Hint            types.ProcessingHint
	MaxCostUSD      float64 // 0 means unset
	MaxLatencyMS    int64   // 0 means unset
	EstimatedTokens int64
	HasPII          bool
	PriorFailures   map[string]struct{}
	UseCascade      bool
	CascadeLimit    int // default 2 when zero
}

// Decision is the Router's output: the ordered candidate list plus
// bookkeeping useful to the caller and to audit records.
type Decision struct {
	Backends    []string // primary first, then fallbacks
	HintIgnored bool
}

// Router selects and orders backend candidates against a Backend Registry.
type Router struct {
	registry *registry.Registry
	weights  Weights
}

// New creates a Router over the given registry using the default weights.
func New(reg *registry.Registry) *Router {
	return &Router{registry: reg, weights: DefaultWeights()}
}

// NewWithWeights creates a Router using custom composite-score weights.
func NewWithWeights(reg *registry.Registry, w Weights) *Router {
	return &Router{registry: reg, weights: w}
}

var hintToType = map[types.ProcessingHint]types.BackendType{
	types.HintRuleEngine:   types.BackendRuleEngine,
	types.HintModelSmall:   types.BackendLLMSmall,
	types.HintModelLarge:   types.BackendLLMLarge,
	types.HintModelPrivate: types.BackendLLMPrivate,
	types.HintHybrid:       types.BackendHybrid,
}

// Select runs the filter → hint → score → cascade pipeline of spec §4.4.
func (r *Router) Select(c Criteria) Decision {
	candidates := r.filter(c)

	hintIgnored := false
	if c.Hint != "" && c.Hint != types.HintAuto {
		if wantType, ok := hintToType[c.Hint]; ok {
			restricted := make([]*types.Backend, 0, len(candidates))
			for _, b := range candidates {
				if b.Type == wantType {
					restricted = append(restricted, b)
				}
			}
			if len(restricted) > 0 {
				candidates = restricted
			} else {
				hintIgnored = true
			}
		}
	}

	ordered := r.order(candidates)

	limit := c.CascadeLimit
	if limit <= 0 {
		limit = 2
	}

	var backends []string
	if len(ordered) > 0 {
		backends = append(backends, ordered[0].ID)
		if c.UseCascade {
			lastConfidence := ordered[0].ConfidenceThreshold
			for _, b := range ordered[1:] {
				if len(backends) > limit {
					break
				}
				if b.ConfidenceThreshold < lastConfidence {
					continue
				}
				backends = append(backends, b.ID)
				lastConfidence = b.ConfidenceThreshold
			}
		}
	}

	return Decision{Backends: backends, HintIgnored: hintIgnored}
}

func (r *Router) filter(c Criteria) []*types.Backend {
	var out []*types.Backend
	for _, b := range r.registry.All() {
		if !b.HasCapability(c.Capability) {
			continue
		}
		if !b.AllowsSensitivity(c.Sensitivity) {
			continue
		}
		if c.Sensitivity == types.SensitivityConfidential && (!b.ConfidentialAllowed || !b.PIIAllowed) {
			continue
		}
		if c.HasPII && !b.PIIAllowed {
			continue
		}
		if c.MaxCostUSD > 0 {
			estCost := float64(c.EstimatedTokens) * b.CostPer1kTokens / 1000
			if estCost > c.MaxCostUSD {
				continue
			}
		}
		if c.MaxLatencyMS > 0 && b.AvgLatencyMS > c.MaxLatencyMS {
			continue
		}
		if c.PriorFailures != nil {
			if _, failed := c.PriorFailures[b.ID]; failed {
				continue
			}
		}
		out = append(out, b)
	}
	return out
}

// order ranks candidates by composite score (lower is better), with cost
// and latency min-max normalized across the candidate set and ties broken
// lexicographically by backend ID (spec §4.4).
func (r *Router) order(candidates []*types.Backend) []*types.Backend {
	if len(candidates) == 0 {
		return nil
	}

	minCost, maxCost := candidates[0].CostPer1kTokens, candidates[0].CostPer1kTokens
	minLat, maxLat := candidates[0].AvgLatencyMS, candidates[0].AvgLatencyMS
	for _, b := range candidates {
		if b.CostPer1kTokens < minCost {
			minCost = b.CostPer1kTokens
		}
		if b.CostPer1kTokens > maxCost {
			maxCost = b.CostPer1kTokens
		}
		if b.AvgLatencyMS < minLat {
			minLat = b.AvgLatencyMS
		}
		if b.AvgLatencyMS > maxLat {
			maxLat = b.AvgLatencyMS
		}
	}

	normCost := func(v float64) float64 {
		if maxCost <= minCost {
			return 0
		}
		return (v - minCost) / (maxCost - minCost)
	}
	normLat := func(v int64) float64 {
		if maxLat <= minLat {
			return 0
		}
		return float64(v-minLat) / float64(maxLat-minLat)
	}

	score := make(map[string]float64, len(candidates))
	for _, b := range candidates {
		score[b.ID] = r.weights.Cost*normCost(b.CostPer1kTokens) +
			r.weights.Latency*normLat(b.AvgLatencyMS) -
			r.weights.Confidence*b.ConfidenceThreshold
	}

	ordered := make([]*types.Backend, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		si, sj := score[ordered[i].ID], score[ordered[j].ID]
		if si != sj {
			return si < sj
		}
		return ordered[i].ID < ordered[j].ID
	})
	return ordered
}
