// Command gateway wires the security-aware LLM gateway's components
// together and serves the ingress/control HTTP surfaces. Concrete backend
// adapters (OpenAI/Anthropic/Ollama/etc.) are out of this core's scope
// (spec §1); this binary registers deterministic stub adapters so the
// wired pipeline is runnable end to end, the same role the teacher's
// cmd/elida/main.go plays for its proxy/session/storage wiring.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"elida/internal/audit"
	"elida/internal/authn"
	"elida/internal/authz"
	"elida/internal/backend"
	"elida/internal/config"
	"elida/internal/control"
	"elida/internal/eventpipeline"
	"elida/internal/gateway"
	"elida/internal/idempotency"
	"elida/internal/pii"
	"elida/internal/registry"
	"elida/internal/router"
	"elida/internal/storage"
	"elida/internal/telemetry"
	"elida/internal/types"
	"elida/internal/validator"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, handlerOpts)
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, handlerOpts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("starting gateway", "listen", cfg.Listen, "control_listen", cfg.Control.Listen)

	reg, err := registry.New(toBackendDescriptors(cfg.Registry.Backends))
	if err != nil {
		slog.Error("failed to build backend registry", "error", err)
		os.Exit(1)
	}
	adapters := stubAdapters(reg)

	pd := make([]pii.PatternDef, len(cfg.PII.Patterns))
	for i, p := range cfg.PII.Patterns {
		pd[i] = pii.PatternDef{Type: p.Type, Regex: p.Regex}
	}
	piiDetector, err := pii.NewDetector(pd)
	if err != nil {
		slog.Error("failed to compile PII patterns", "error", err)
		os.Exit(1)
	}
	injectionPatterns := cfg.PII.InjectionPatterns
	injectionDetector, err := pii.NewInjectionDetector(injectionPatterns)
	if err != nil {
		slog.Error("failed to compile injection patterns", "error", err)
		os.Exit(1)
	}

	var idemStore idempotency.Store
	switch cfg.Idempotency.Store {
	case "redis":
		rs, rerr := idempotency.NewRedisStore(idempotency.RedisConfig{
			Addr:      cfg.Idempotency.Redis.Addr,
			Password:  cfg.Idempotency.Redis.Password,
			DB:        cfg.Idempotency.Redis.DB,
			KeyPrefix: cfg.Idempotency.Redis.KeyPrefix,
		})
		if rerr != nil {
			slog.Error("failed to connect idempotency redis store", "error", rerr)
			os.Exit(1)
		}
		idemStore = rs
		slog.Info("using redis idempotency store", "addr", cfg.Idempotency.Redis.Addr)
	default:
		idemStore = idempotency.NewMemoryStore()
		slog.Info("using in-memory idempotency store")
	}
	idemCache := idempotency.New(idemStore, cfg.Gateway.IdempotencyTTL.Dur())

	if dir := filepath.Dir(cfg.Storage.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("failed to create storage directory", "error", err, "path", dir)
			os.Exit(1)
		}
	}
	eventStorage, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		slog.Error("failed to open event storage", "error", err)
		os.Exit(1)
	}

	auditSink, err := audit.NewFile(cfg.Audit.Path)
	if err != nil {
		slog.Error("failed to open audit sink", "error", err)
		os.Exit(1)
	}

	var tp *telemetry.Provider
	if cfg.Telemetry.Enabled {
		tp, err = telemetry.NewProvider(telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Exporter:    cfg.Telemetry.Exporter,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
			tp = nil
		} else {
			slog.Info("telemetry enabled", "exporter", cfg.Telemetry.Exporter, "endpoint", cfg.Telemetry.Endpoint)
		}
	}

	pipeline := eventpipeline.NewWithTelemetry(eventpipeline.Config{
		QueueCapacity:  cfg.Events.QueueCapacity,
		OverflowPolicy: cfg.Events.OverflowPolicy,
		FlushInterval:  time.Minute,
		Thresholds: eventpipeline.Thresholds{
			HighCostUSD:     cfg.Events.Thresholds.HighCostUSD,
			HighLatencyMS:   cfg.Events.Thresholds.HighLatencyMS,
			HighTokens:      cfg.Events.Thresholds.HighTokens,
			SpikeMultiplier: cfg.Events.Thresholds.SpikeMultiplier,
			MinSpikeSamples: cfg.Events.Thresholds.MinSpikeSamples,
			AnomalyWindow:   cfg.Events.AnomalyWindow.Dur(),
			PatternWindow:   cfg.Events.PatternWindow.Dur(),
		},
	}, eventStorage, eventpipeline.NewStderrEmitter(), tp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pipeline.Start(ctx)

	gw := gateway.New(gateway.Deps{
		Validator:       validator.New(cfg.Validator),
		Authn:           authn.NewService(cfg.Auth.Secret),
		Authz:           authz.NewEngine(cfg.Gateway.CostCeilings),
		PIIDetector:     piiDetector,
		Redactor:        pii.NewRedactor(),
		Injection:       injectionDetector,
		Registry:        reg,
		Router:          router.NewWithWeights(reg, router.Weights{Cost: cfg.Router.WeightCost, Latency: cfg.Router.WeightLatency, Confidence: cfg.Router.WeightConfidence}),
		Backends:        adapters,
		Idempotency:     idemCache,
		Pipeline:        pipeline,
		Audit:           auditSink,
		Telemetry:       tp,
		DefaultTimeout:  cfg.Gateway.DefaultTimeout.Dur(),
		MinCascadeSlice: cfg.Router.MinCascadeSlice.Dur(),
		UseCascade:      cfg.Router.UseCascade,
		CascadeLimit:    cfg.Router.CascadeLimit,
	})

	ingressServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      newIngressHandler(gw),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var controlServer *http.Server
	if cfg.Control.Enabled {
		controlServer = &http.Server{
			Addr:         cfg.Control.Listen,
			Handler:      control.New(eventStorage, reg),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
	}

	errChan := make(chan error, 2)
	go func() {
		slog.Info("ingress server starting", "addr", cfg.Listen)
		if err := ingressServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("ingress server error: %w", err)
		}
	}()
	if controlServer != nil {
		go func() {
			slog.Info("control server starting", "addr", cfg.Control.Listen)
			if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("control server error: %w", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := ingressServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("ingress server shutdown error", "error", err)
	}
	if controlServer != nil {
		if err := controlServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("control server shutdown error", "error", err)
		}
	}
	if err := pipeline.Shutdown(shutdownCtx); err != nil {
		slog.Error("event pipeline shutdown error", "error", err)
	}
	if err := eventStorage.Close(); err != nil {
		slog.Error("event storage close error", "error", err)
	}
	if err := auditSink.Close(); err != nil {
		slog.Error("audit sink close error", "error", err)
	}
	if closer, ok := idemStore.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			slog.Error("idempotency store close error", "error", err)
		}
	}
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown error", "error", err)
		}
	}

	slog.Info("gateway stopped")
}

// newIngressHandler adapts the Gateway's transport-agnostic Handle method
// to a single HTTP POST endpoint. Framing choices beyond "read the body,
// call Handle, write the JSON response" are deliberately out of scope
// (spec §1's "on-wire transport... treated as external collaborators").
func newIngressHandler(gw *gateway.Gateway) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/process", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		raw, err := io.ReadAll(io.LimitReader(r.Body, 8*1024*1024))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		resp, err := gw.Handle(r.Context(), raw)
		if err != nil {
			slog.Error("gateway handle returned an unrecoverable error", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if resp.Status == types.StatusError {
			w.WriteHeader(http.StatusOK) // errors are reported in the body's status/error fields, not HTTP status
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.Error("failed to encode response", "error", err)
		}
	})
	return mux
}

func toBackendDescriptors(cfgs []config.BackendConfig) []types.Backend {
	out := make([]types.Backend, len(cfgs))
	for i, b := range cfgs {
		caps := make(map[types.Capability]struct{}, len(b.Capabilities))
		for _, c := range b.Capabilities {
			caps[types.Capability(c)] = struct{}{}
		}
		sens := make(map[types.Sensitivity]struct{}, len(b.SensitivityAllowed))
		for _, s := range b.SensitivityAllowed {
			sens[types.Sensitivity(s)] = struct{}{}
		}
		out[i] = types.Backend{
			ID:                  b.ID,
			Type:                types.BackendType(b.Type),
			Capabilities:        caps,
			CostPer1kTokens:     b.CostPer1kTokens,
			AvgLatencyMS:        b.AvgLatencyMS,
			MaxTokens:           b.MaxTokens,
			ConfidenceThreshold: b.ConfidenceThreshold,
			PIIAllowed:          b.PIIAllowed,
			ConfidentialAllowed: b.ConfidentialAllowed,
			SensitivityAllowed:  sens,
		}
	}
	return out
}

// stubAdapters builds one deterministic backend.Stub per registered
// descriptor. Real adapters live outside this core (spec §1); operators
// wire a concrete OpenAI/Anthropic/Ollama adapter package satisfying
// backend.Adapter in its place without touching the gateway wiring above.
func stubAdapters(reg *registry.Registry) map[string]backend.Adapter {
	out := make(map[string]backend.Adapter)
	for _, b := range reg.All() {
		out[b.ID] = backend.NewStub(*b, backend.StubBehavior{
			Response:   "",
			LatencyMS:  b.AvgLatencyMS,
			CostUSD:    0,
			Confidence: b.ConfidenceThreshold,
		})
	}
	return out
}
