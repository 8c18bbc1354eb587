package audit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"elida/internal/types"
)

func TestSinkWriteAppendsOneJSONLinePerRecord(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriter(&buf)

	rec1 := types.AuditRecord{Timestamp: time.Now(), RequestID: "r1", EventType: types.AuditAuthz, Outcome: "granted"}
	rec2 := types.AuditRecord{Timestamp: time.Now(), RequestID: "r2", EventType: types.AuditViolation, Outcome: "denied"}

	if err := s.Write(rec1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Write(rec2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 NDJSON lines, got %d: %q", len(lines), buf.String())
	}

	var got types.AuditRecord
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatalf("line 1 is not valid JSON: %v", err)
	}
	if got.RequestID != "r1" || got.EventType != types.AuditAuthz {
		t.Fatalf("unexpected decoded record: %+v", got)
	}
}

func TestSinkNeverCarriesRawPromptText(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriter(&buf)

	rec := types.AuditRecord{
		Timestamp: time.Now(), RequestID: "r1", EventType: types.AuditPII, Outcome: "blocked",
		Attrs: map[string]any{"pii_types": []string{"email"}},
	}
	if err := s.Write(rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(buf.String(), "john@example.com") {
		t.Fatalf("audit record must never carry raw PII values")
	}
}
