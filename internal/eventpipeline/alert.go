package eventpipeline

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"

	"elida/internal/types"
)

// AlertEmitter delivers anomalies of severity >= high to an external sink.
// Alerts are best-effort: a failing or slow sink must never block
// persistence (spec §4.6).
type AlertEmitter interface {
	Emit(a types.Anomaly)
}

// WriterEmitter writes one JSON object per line to an io.Writer. The
// default sink is stderr (spec §4.6 "stderr by default; pluggable"),
// grounded on the teacher's slog.JSONHandler convention for structured
// output.
type WriterEmitter struct {
	w io.Writer
}

// NewStderrEmitter returns the default alert sink.
func NewStderrEmitter() *WriterEmitter {
	return &WriterEmitter{w: os.Stderr}
}

// NewWriterEmitter returns an emitter writing NDJSON alerts to w.
func NewWriterEmitter(w io.Writer) *WriterEmitter {
	return &WriterEmitter{w: w}
}

// Emit writes a alerts only for severity >= high, swallowing any write
// error after logging it — a slow or broken alert sink must not block the
// pipeline (spec §4.6).
func (e *WriterEmitter) Emit(a types.Anomaly) {
	if a.Severity != types.AnomalyHigh && a.Severity != types.AnomalyCritical {
		return
	}
	data, err := json.Marshal(a)
	if err != nil {
		slog.Error("alert: failed to marshal anomaly", "error", err, "anomaly_id", a.AnomalyID)
		return
	}
	data = append(data, '\n')
	if _, err := e.w.Write(data); err != nil {
		slog.Error("alert: failed to emit anomaly", "error", err, "anomaly_id", a.AnomalyID)
	}
}

// NoopEmitter discards every anomaly; used in tests that don't care about
// alert delivery.
type NoopEmitter struct{}

func (NoopEmitter) Emit(types.Anomaly) {}
