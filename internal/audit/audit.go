// Package audit implements the Audit Sink (spec §2, §3, §4.6.1): an
// append-only, newline-delimited JSON log of AuditRecords that never
// carries raw prompt or response text. Grounded on the teacher's
// log/slog.JSONHandler convention in cmd/elida/main.go — the sink reuses
// the same "one structured JSON object per line" textual discipline
// instead of inventing a new on-disk format.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"elida/internal/types"
)

// Sink appends AuditRecords to an underlying io.Writer, one JSON object
// per line, flushed synchronously before Write returns so the "durable,
// append-only" framing from spec §3/§4.6 applies uniformly to the audit
// log and to EventStorage.
type Sink struct {
	mu sync.Mutex
	w  io.Writer
	// close is non-nil when the Sink owns the underlying file and must
	// close it on Close.
	close func() error
}

// NewWriter wraps an existing io.Writer (e.g. os.Stdout) as a Sink. The
// caller retains ownership of w.
func NewWriter(w io.Writer) *Sink {
	return &Sink{w: w}
}

// NewFile opens (creating/appending) path as the audit log destination.
// An empty path falls back to stdout, matching config.AuditConfig's
// "empty means stdout" default.
func NewFile(path string) (*Sink, error) {
	if path == "" {
		return NewWriter(os.Stdout), nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: opening log file %q: %w", path, err)
	}
	return &Sink{w: f, close: f.Close}, nil
}

// Write appends one AuditRecord as a single line of JSON. It never
// returns an error to the caller in a way that would make audit logging
// block the request path indefinitely: callers that cannot tolerate a
// write failure should log it (as Write itself does) and continue, per
// spec §4.6's "alerts must be best-effort" principle extended to audit
// writes backed by a potentially unavailable disk.
func (s *Sink) Write(rec types.AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshaling record: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(data); err != nil {
		slog.Error("audit: failed to write record", "error", err, "request_id", rec.RequestID, "event_type", rec.EventType)
		return fmt.Errorf("audit: writing record: %w", err)
	}
	if f, ok := s.w.(*os.File); ok {
		_ = f.Sync()
	}
	return nil
}

// Close releases any file handle the Sink opened itself.
func (s *Sink) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}
