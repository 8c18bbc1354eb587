package backend

import (
	"context"
	"testing"

	"elida/internal/types"
)

func TestStub_ProcessSuccess(t *testing.T) {
	desc := types.Backend{ID: "stub-1", Type: types.BackendLLMSmall}
	s := NewStub(desc, StubBehavior{Response: "hello", Confidence: 0.9, CostUSD: 0.01, LatencyMS: 50})

	res, fail := s.Process(context.Background(), "hi there", nil)
	if fail != nil {
		t.Fatalf("unexpected failure: %+v", fail)
	}
	if res.Response != "hello" || res.Confidence != 0.9 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if s.Describe().ID != "stub-1" {
		t.Fatalf("Describe() mismatch")
	}
	if s.Health(context.Background()) != types.HealthOK {
		t.Fatalf("expected default health OK")
	}
}

func TestStub_ProcessFailure(t *testing.T) {
	desc := types.Backend{ID: "stub-2"}
	fail := &types.InvocationFailure{Code: types.FailureTimeout, Message: "deadline exceeded"}
	s := NewStub(desc, StubBehavior{FailWith: fail})

	res, got := s.Process(context.Background(), "hi", nil)
	if res != nil {
		t.Fatalf("expected nil result on failure")
	}
	if got == nil || got.Code != types.FailureTimeout {
		t.Fatalf("expected timeout failure, got %+v", got)
	}
}

func TestStub_ProcessRespectsCanceledContext(t *testing.T) {
	desc := types.Backend{ID: "stub-3"}
	s := NewStub(desc, StubBehavior{Response: "unreachable"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, fail := s.Process(ctx, "hi", nil)
	if res != nil || fail == nil {
		t.Fatalf("expected failure on canceled context")
	}
	if fail.Code != types.FailureTimeout {
		t.Fatalf("expected timeout code for canceled context, got %v", fail.Code)
	}
}
