// Package control implements the gateway's read-only introspection surface
// (spec §4.7): health, aggregate stats, recent events, recent anomalies,
// and the current backend registry. Grounded on the teacher's
// internal/control/api.go: same http.ServeMux-per-Handler shape, same
// writeJSON helper and CORS/OPTIONS handling, stripped of every
// session/voice/dashboard/TTS endpoint that has no analogue in a gateway
// that never holds a live connection open.
package control

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"elida/internal/registry"
	"elida/internal/storage"
	"elida/internal/types"
)

// Handler serves the gateway's read-only control endpoints.
type Handler struct {
	storage  *storage.EventStorage
	registry *registry.Registry
	mux      *http.ServeMux
	started  time.Time
}

// New creates a control API handler backed by storage and registry.
// storage may be nil when event persistence is disabled; /stats, /events,
// and /anomalies then respond 503.
func New(store *storage.EventStorage, reg *registry.Registry) *Handler {
	h := &Handler{storage: store, registry: reg, mux: http.NewServeMux(), started: time.Now()}

	h.mux.HandleFunc("/healthz", h.handleHealth)
	h.mux.HandleFunc("/stats", h.handleStats)
	h.mux.HandleFunc("/events", h.handleEvents)
	h.mux.HandleFunc("/anomalies", h.handleAnomalies)
	h.mux.HandleFunc("/registry", h.handleRegistry)

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"uptime_sec": int64(time.Since(h.started).Seconds()),
	})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.storage == nil {
		http.Error(w, "event storage not enabled", http.StatusServiceUnavailable)
		return
	}
	since := parseSince(r, 24*time.Hour)
	stats, err := h.storage.Stats(r.Context(), since)
	if err != nil {
		slog.Error("control: stats query failed", "error", err)
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.storage == nil {
		http.Error(w, "event storage not enabled", http.StatusServiceUnavailable)
		return
	}
	limit := parseLimit(r, 100)
	var (
		events []types.AIEvent
		err    error
	)
	if lvl := r.URL.Query().Get("risk_level"); lvl != "" {
		events, err = h.storage.EventsByRiskLevel(r.Context(), types.RiskLevel(lvl), limit)
	} else {
		events, err = h.storage.RecentEvents(r.Context(), limit)
	}
	if err != nil {
		slog.Error("control: events query failed", "error", err)
		http.Error(w, "events unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (h *Handler) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.storage == nil {
		http.Error(w, "event storage not enabled", http.StatusServiceUnavailable)
		return
	}
	limit := parseLimit(r, 100)
	var (
		anomalies []types.Anomaly
		err       error
	)
	if sev := r.URL.Query().Get("severity"); sev != "" {
		anomalies, err = h.storage.AnomaliesBySeverity(r.Context(), types.AnomalySeverity(sev), limit)
	} else {
		anomalies, err = h.storage.RecentAnomalies(r.Context(), limit)
	}
	if err != nil {
		slog.Error("control: anomalies query failed", "error", err)
		http.Error(w, "anomalies unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"anomalies": anomalies, "count": len(anomalies)})
}

func (h *Handler) handleRegistry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	backends := h.registry.All()
	writeJSON(w, http.StatusOK, map[string]any{"backends": backends, "count": len(backends)})
}

func parseLimit(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func parseSince(r *http.Request, defWindow time.Duration) time.Time {
	v := r.URL.Query().Get("since")
	if v == "" {
		return time.Now().Add(-defWindow)
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Now().Add(-defWindow)
	}
	return ts
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("control: failed to encode response", "error", err)
	}
}
