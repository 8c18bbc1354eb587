// Package backend defines the adapter contract a backend engine must
// satisfy to be invoked by the Gateway, and ships one deterministic
// in-memory stub adapter. Concrete LLM adapters (OpenAI/Anthropic/Ollama)
// are out of scope; the stub exists so gateway/router behavior — cascade,
// timeout handling, soft-failure on low confidence — is testable without
// any network call, following the shape of the teacher's table-driven
// failover fakes in proxy/failover_test.go.
package backend

import (
	"context"

	"elida/internal/types"
)

// Adapter is the contract the Gateway invokes against a selected backend.
type Adapter interface {
	Describe() types.Backend
	Process(ctx context.Context, prompt string, params map[string]any) (*types.InvocationResult, *types.InvocationFailure)
	Health(ctx context.Context) types.HealthStatus
}

// StubBehavior is a canned response/failure for the Stub adapter, letting
// tests exercise every branch of the Gateway's invocation contract
// deterministically.
type StubBehavior struct {
	Response   string
	LatencyMS  int64
	CostUSD    float64
	Confidence float64
	FailWith   *types.InvocationFailure
	Health     types.HealthStatus
}

// Stub is a deterministic in-memory Adapter.
type Stub struct {
	desc     types.Backend
	behavior StubBehavior
}

// NewStub creates a Stub adapter describing desc and returning behavior
// unconditionally on every Process call.
func NewStub(desc types.Backend, behavior StubBehavior) *Stub {
	if behavior.Health == "" {
		behavior.Health = types.HealthOK
	}
	return &Stub{desc: desc, behavior: behavior}
}

func (s *Stub) Describe() types.Backend { return s.desc }

func (s *Stub) Process(ctx context.Context, prompt string, params map[string]any) (*types.InvocationResult, *types.InvocationFailure) {
	if err := ctx.Err(); err != nil {
		return nil, &types.InvocationFailure{Code: types.FailureTimeout, Message: err.Error()}
	}
	if s.behavior.FailWith != nil {
		f := *s.behavior.FailWith
		return nil, &f
	}
	return &types.InvocationResult{
		Response:   s.behavior.Response,
		Tokens: types.TokenUsage{
			Prompt:     int64(len(prompt) / 4),
			Completion: int64(len(s.behavior.Response) / 4),
			Total:      int64(len(prompt)/4 + len(s.behavior.Response)/4),
		},
		CostUSD:    s.behavior.CostUSD,
		Confidence: s.behavior.Confidence,
		LatencyMS:  s.behavior.LatencyMS,
	}, nil
}

func (s *Stub) Health(ctx context.Context) types.HealthStatus {
	return s.behavior.Health
}
