package eventpipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"elida/internal/telemetry"
	"elida/internal/types"
)

// Storage is the subset of internal/storage.EventStorage the pipeline
// writes through. A narrow interface here keeps the pipeline testable
// without a real database and matches spec §9's instruction to break the
// EventProcessor/AnomalyDetector/Storage cycle by wiring stages through a
// linear queue rather than direct references.
type Storage interface {
	InsertEvent(ctx context.Context, ev types.AIEvent) error
	InsertAnomaly(ctx context.Context, a types.Anomaly) error
}

// Config configures queue capacity, overflow behavior, and anomaly
// thresholds/windows (spec §4.6, §5).
type Config struct {
	QueueCapacity  int
	OverflowPolicy string // "drop_oldest" | "backpressure"
	DrainDeadline  time.Duration
	FlushInterval  time.Duration // how often pattern-level rules run
	Thresholds     Thresholds
}

// DefaultConfig returns the spec-default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:  4096,
		OverflowPolicy: "drop_oldest",
		DrainDeadline:  2 * time.Second,
		FlushInterval:  time.Minute,
		Thresholds:     DefaultThresholds(),
	}
}

// modelHistory keeps a time-pruned, in-arrival-order slice of recent
// events per model, satisfying "history windows are per-model, not
// global" (spec §5) without a round trip to storage on every event.
type modelHistory struct {
	mu      sync.Mutex
	byModel map[string][]types.AIEvent
	global  []types.AIEvent
}

func newModelHistory() *modelHistory {
	return &modelHistory{byModel: make(map[string][]types.AIEvent)}
}

func (h *modelHistory) recent(model string, window time.Duration, now time.Time) []types.AIEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return pruneCopy(h.byModel[model], window, now)
}

func (h *modelHistory) observe(ev types.AIEvent, anomalyWindow, patternWindow time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byModel[ev.Model] = append(pruneCopy(h.byModel[ev.Model], anomalyWindow, ev.Timestamp), ev)
	h.global = append(pruneCopy(h.global, patternWindow, ev.Timestamp), ev)
}

func (h *modelHistory) snapshot(now time.Time, patternWindow time.Duration) PatternWindow {
	h.mu.Lock()
	defer h.mu.Unlock()
	byModel := make(map[string][]types.AIEvent, len(h.byModel))
	for model, events := range h.byModel {
		byModel[model] = pruneCopy(events, patternWindow, now)
	}
	return PatternWindow{
		Now:          now,
		WindowLength: patternWindow,
		GlobalEvents: pruneCopy(h.global, patternWindow, now),
		ByModel:      byModel,
	}
}

func pruneCopy(events []types.AIEvent, window time.Duration, now time.Time) []types.AIEvent {
	cutoff := now.Add(-window)
	out := make([]types.AIEvent, 0, len(events))
	for _, e := range events {
		if e.Timestamp.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// Pipeline is the asynchronous EventProcessor -> AnomalyDetector ->
// EventStorage -> Alert emitter chain (spec §2, §4.6). Events are
// delivered to it by the Gateway after each terminal request; a single
// worker goroutine drains the queue so EventStorage's single-writer
// guarantee (spec §4.6) holds without additional locking there.
type Pipeline struct {
	cfg       Config
	detector  *Detector
	storage   Storage
	alerts    AlertEmitter
	telemetry *telemetry.Provider
	history   *modelHistory

	queue chan types.AIEvent
	mu    sync.Mutex // guards drop-oldest compaction against concurrent Submit
	done  chan struct{}
	wg    sync.WaitGroup
}

// New creates a Pipeline. Call Start to begin draining the queue.
func New(cfg Config, storage Storage, alerts AlertEmitter) *Pipeline {
	return NewWithTelemetry(cfg, storage, alerts, nil)
}

// NewWithTelemetry is New plus a telemetry.Provider for anomaly span
// recording; a nil provider behaves like telemetry.NoopProvider().
func NewWithTelemetry(cfg Config, storage Storage, alerts AlertEmitter, tp *telemetry.Provider) *Pipeline {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 4096
	}
	if cfg.DrainDeadline <= 0 {
		cfg.DrainDeadline = 2 * time.Second
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	if alerts == nil {
		alerts = NewStderrEmitter()
	}
	if tp == nil {
		tp = telemetry.NoopProvider()
	}
	return &Pipeline{
		cfg:       cfg,
		detector:  NewDetector(cfg.Thresholds),
		storage:   storage,
		alerts:    alerts,
		telemetry: tp,
		history:   newModelHistory(),
		queue:     make(chan types.AIEvent, cfg.QueueCapacity),
		done:      make(chan struct{}),
	}
}

// Start launches the single consumer goroutine and the periodic
// pattern-level flush. Cancel ctx to stop both; use Shutdown for a bounded
// drain instead of an abrupt cancel when possible.
func (p *Pipeline) Start(ctx context.Context) {
	p.wg.Add(2)
	go p.consume(ctx)
	go p.flushLoop(ctx)
}

// Submit enqueues ev for processing. If the queue is full, behavior is
// governed by cfg.OverflowPolicy: "drop_oldest" discards the oldest queued
// event to make room (logging the drop), "backpressure" falls back to a
// synchronous drain with a short deadline (spec §5) and, failing that,
// processes ev inline so no event is silently lost.
func (p *Pipeline) Submit(ev types.AIEvent) {
	select {
	case p.queue <- ev:
		return
	default:
	}

	if p.cfg.OverflowPolicy == "backpressure" {
		timer := time.NewTimer(p.cfg.DrainDeadline)
		defer timer.Stop()
		select {
		case p.queue <- ev:
			return
		case <-timer.C:
			slog.Warn("eventpipeline: backpressure deadline exceeded, processing inline", "request_id", ev.RequestID)
			p.process(context.Background(), ev)
			return
		}
	}

	p.mu.Lock()
	select {
	case <-p.queue:
		slog.Warn("eventpipeline: queue full, dropped oldest event")
	default:
	}
	p.mu.Unlock()

	select {
	case p.queue <- ev:
	default:
		slog.Warn("eventpipeline: queue still full after drop, processing inline", "request_id", ev.RequestID)
		p.process(context.Background(), ev)
	}
}

func (p *Pipeline) consume(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case ev := <-p.queue:
			p.process(ctx, ev)
		case <-p.done:
			p.drainRemaining(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) drainRemaining(ctx context.Context) {
	for {
		select {
		case ev := <-p.queue:
			p.process(ctx, ev)
		default:
			return
		}
	}
}

func (p *Pipeline) process(ctx context.Context, ev types.AIEvent) {
	ev = Enrich(ev)

	history := p.history.recent(ev.Model, p.cfg.Thresholds.AnomalyWindow, ev.Timestamp)
	anomalies := p.detector.EvaluateEventLocal(ev, history)
	p.history.observe(ev, p.cfg.Thresholds.AnomalyWindow, p.cfg.Thresholds.PatternWindow)

	if err := p.storage.InsertEvent(ctx, ev); err != nil {
		slog.Error("eventpipeline: failed to persist event", "error", err, "request_id", ev.RequestID)
	}

	for _, a := range anomalies {
		a.AnomalyID = uuid.NewString()
		if err := p.storage.InsertAnomaly(ctx, a); err != nil {
			slog.Error("eventpipeline: failed to persist anomaly", "error", err, "type", a.Type)
			continue
		}
		p.alerts.Emit(a)
		p.telemetry.RecordAnomaly(ctx, ev.RequestID, a.Type, string(a.Severity))
	}
}

func (p *Pipeline) flushLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.Flush(ctx)
		case <-p.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Flush runs the pattern-level anomaly rules against the current sliding
// windows and persists/alerts on anything found. It is safe to call on
// demand in addition to the periodic timer (spec §4.6: "evaluated over
// sliding windows when the pipeline flushes or on demand").
func (p *Pipeline) Flush(ctx context.Context) {
	snap := p.history.snapshot(time.Now(), p.cfg.Thresholds.PatternWindow)
	for _, a := range p.detector.EvaluatePatternLevel(snap) {
		a.AnomalyID = uuid.NewString()
		if err := p.storage.InsertAnomaly(ctx, a); err != nil {
			slog.Error("eventpipeline: failed to persist pattern anomaly", "error", err, "type", a.Type)
			continue
		}
		p.alerts.Emit(a)
		p.telemetry.RecordAnomaly(ctx, "", a.Type, string(a.Severity))
	}
}

// Shutdown stops accepting the flush loop and drains any queued events,
// aborting if draining exceeds deadline (spec §6 "drained on shutdown with
// a bounded deadline before abort").
func (p *Pipeline) Shutdown(ctx context.Context) error {
	close(p.done)
	waitCh := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
