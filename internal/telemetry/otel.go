// Package telemetry wires OpenTelemetry tracing around gateway requests
// and the events/anomalies they produce. Grounded on the teacher's
// internal/telemetry/otel.go: same Provider shape, same exporter selection
// (otlp/stdout/none), same "WithSyncer" simple trace provider construction
// to avoid resource schema-version conflicts — only the span vocabulary
// changes, from proxy-session attributes to gateway-request attributes.
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Provider manages OpenTelemetry tracing for the gateway.
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a new telemetry provider.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{config: cfg, tracer: otel.Tracer("gateway")}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "gateway"
	}

	slog.Info("creating exporter", "type", cfg.Exporter)

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		slog.Debug("creating OTLP exporter")
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("OTLP exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		slog.Debug("creating stdout exporter")
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("stdout exporter creation failed", "error", err)
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		return &Provider{config: cfg, tracer: otel.Tracer("gateway")}, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)

	return &Provider{
		config:   cfg,
		tracer:   tp.Tracer("gateway"),
		provider: tp,
	}, nil
}

func createOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx := context.Background()
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown gracefully shuts down the trace provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled returns whether telemetry is active (exporting spans).
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

// Gateway request/event span attribute keys.
const (
	AttrRequestID     = "gateway.request.id"
	AttrPrincipal     = "gateway.principal.subject"
	AttrBackend       = "gateway.backend.id"
	AttrRiskLevel     = "gateway.risk_level"
	AttrStatus        = "gateway.status"
	AttrErrorCode     = "gateway.error_code"
	AttrCascadeDepth  = "gateway.cascade_depth"
	AttrDurationMs    = "gateway.duration_ms"
	AttrAnomalyType   = "gateway.anomaly.type"
	AttrAnomalySev    = "gateway.anomaly.severity"
)

// StartRequestSpan starts a span covering one Gateway.Handle call.
func (p *Provider) StartRequestSpan(ctx context.Context, requestID string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "gateway.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String(AttrRequestID, requestID)),
	)
}

// EndRequestSpan ends a request span with its terminal outcome.
func (p *Provider) EndRequestSpan(span trace.Span, status, backendID string, durationMs int64, err error) {
	span.SetAttributes(
		attribute.String(AttrStatus, status),
		attribute.String(AttrBackend, backendID),
		attribute.Int64(AttrDurationMs, durationMs),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// RecordEventEmitted records the AIEvent derived from a completed request.
func (p *Provider) RecordEventEmitted(ctx context.Context, requestID, riskLevel string) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("event.emitted",
		trace.WithAttributes(
			attribute.String(AttrRequestID, requestID),
			attribute.String(AttrRiskLevel, riskLevel),
		),
	)
}

// RecordCascade records a cascade attempt against a fallback backend.
func (p *Provider) RecordCascade(ctx context.Context, requestID, backendID string, depth int, errorCode string) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("gateway.cascade",
		trace.WithAttributes(
			attribute.String(AttrRequestID, requestID),
			attribute.String(AttrBackend, backendID),
			attribute.Int(AttrCascadeDepth, depth),
			attribute.String(AttrErrorCode, errorCode),
		),
	)
}

// RecordAnomaly records an anomaly detected for a request.
func (p *Provider) RecordAnomaly(ctx context.Context, requestID, anomalyType, severity string) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("anomaly.detected",
		trace.WithAttributes(
			attribute.String(AttrRequestID, requestID),
			attribute.String(AttrAnomalyType, anomalyType),
			attribute.String(AttrAnomalySev, severity),
		),
	)
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() Config {
	return Config{Enabled: false, Exporter: "none", ServiceName: "gateway"}
}

// ConfigFromEnv creates config from environment variables.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		cfg.Enabled = true
		cfg.Exporter = "otlp"
		cfg.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		cfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	}
	if os.Getenv("GATEWAY_TELEMETRY_ENABLED") == "true" {
		cfg.Enabled = true
	}
	if os.Getenv("GATEWAY_TELEMETRY_EXPORTER") != "" {
		cfg.Exporter = os.Getenv("GATEWAY_TELEMETRY_EXPORTER")
	}
	if os.Getenv("GATEWAY_TELEMETRY_ENDPOINT") != "" {
		cfg.Endpoint = os.Getenv("GATEWAY_TELEMETRY_ENDPOINT")
	}
	return cfg
}

// NoopProvider returns a provider that does nothing (for testing).
func NoopProvider() *Provider {
	return &Provider{config: Config{Enabled: false}, tracer: otel.Tracer("gateway-noop")}
}

// SpanFromContext extracts a span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// ContextWithTimeout creates a context with timeout for shutdown.
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
