package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"elida/internal/types"
)

func openTestStorage(t *testing.T) *EventStorage {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleEvent(id string, ts time.Time, riskLevel types.RiskLevel) types.AIEvent {
	return types.AIEvent{
		RequestID: id,
		Timestamp: ts,
		Provider:  "stub",
		Model:     "model-a",
		Success:   true,
		CostUSD:   0.01,
		LatencyMS: 100,
		RiskLevel: riskLevel,
		Tokens:    types.TokenUsage{Prompt: 10, Completion: 10, Total: 20},
	}
}

func TestInsertAndRecentEvents(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 3; i++ {
		ev := sampleEvent("r"+string(rune('a'+i)), now.Add(time.Duration(i)*time.Second), types.RiskLow)
		if err := s.InsertEvent(ctx, ev); err != nil {
			t.Fatalf("InsertEvent: %v", err)
		}
	}

	got, err := s.RecentEvents(ctx, 2)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].RequestID != "rc" {
		t.Fatalf("expected newest event first, got %s", got[0].RequestID)
	}
}

func TestEventsByRiskLevel(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	_ = s.InsertEvent(ctx, sampleEvent("low", now, types.RiskLow))
	_ = s.InsertEvent(ctx, sampleEvent("high", now.Add(time.Second), types.RiskHigh))
	_ = s.InsertEvent(ctx, sampleEvent("critical", now.Add(2*time.Second), types.RiskCritical))

	got, err := s.EventsByRiskLevel(ctx, types.RiskHigh, 10)
	if err != nil {
		t.Fatalf("EventsByRiskLevel: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events at or above high, got %d", len(got))
	}
	for _, ev := range got {
		if ev.RequestID == "low" {
			t.Fatalf("low-risk event must not be returned by a high-risk filter")
		}
	}
}

func TestInsertAndFilterAnomalies(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	anomalies := []types.Anomaly{
		{AnomalyID: "a1", EventID: "r1", Timestamp: now, Type: "high_latency", Severity: types.AnomalyMedium, Description: "d"},
		{AnomalyID: "a2", EventID: "r1", Timestamp: now, Type: "prompt_injection", Severity: types.AnomalyCritical, Description: "d"},
	}
	for _, a := range anomalies {
		if err := s.InsertAnomaly(ctx, a); err != nil {
			t.Fatalf("InsertAnomaly: %v", err)
		}
	}

	got, err := s.AnomaliesBySeverity(ctx, types.AnomalyHigh, 10)
	if err != nil {
		t.Fatalf("AnomaliesBySeverity: %v", err)
	}
	if len(got) != 1 || got[0].AnomalyID != "a2" {
		t.Fatalf("expected only the critical anomaly, got %+v", got)
	}
}

func TestStatsAggregatesOverWindow(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	ev1 := sampleEvent("r1", now, types.RiskLow)
	ev2 := sampleEvent("r2", now, types.RiskHigh)
	ev2.Success = false
	ev2.CostUSD = 2.0
	ev2.HasPII = true

	_ = s.InsertEvent(ctx, ev1)
	_ = s.InsertEvent(ctx, ev2)

	stats, err := s.Stats(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalEvents != 2 {
		t.Fatalf("expected 2 total events, got %d", stats.TotalEvents)
	}
	if stats.FailureCount != 1 || stats.SuccessCount != 1 {
		t.Fatalf("expected 1 success and 1 failure, got success=%d failure=%d", stats.SuccessCount, stats.FailureCount)
	}
	if stats.PIICount != 1 {
		t.Fatalf("expected 1 pii event, got %d", stats.PIICount)
	}
}

func TestCleanupRemovesOldEvents(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	old := sampleEvent("old", time.Now().AddDate(0, 0, -60), types.RiskLow)
	recent := sampleEvent("recent", time.Now(), types.RiskLow)
	_ = s.InsertEvent(ctx, old)
	_ = s.InsertEvent(ctx, recent)

	n, err := s.Cleanup(ctx, 30)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 event removed, got %d", n)
	}

	got, err := s.RecentEvents(ctx, 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(got) != 1 || got[0].RequestID != "recent" {
		t.Fatalf("expected only the recent event to remain, got %+v", got)
	}
}
