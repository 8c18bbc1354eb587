// Package storage implements the EventStorage component from spec §4.6:
// an append-only, embedded-database table pair (events, anomalies) with
// the indexes required for recent-N lookups, severity filtering, and
// aggregate statistics over a time window. Grounded on the teacher's
// internal/storage/sqlite.go (modernc.org/sqlite, WAL mode, migrate(),
// INSERT OR REPLACE / parameterized query-building style), with the
// session/voice-session/TTS schema replaced by the gateway's
// events/anomalies schema.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"elida/internal/types"
)

// EventStorage is the durable, single-writer-per-process backing store
// for AIEvents and Anomalies (spec §4.6, §5).
type EventStorage struct {
	db *sql.DB
	mu sync.Mutex // serializes writes; readers use the pool unlocked
}

// Open creates (or reuses) a SQLite database file at path, enables WAL
// mode for concurrent readers, and runs migrations.
func Open(path string) (*EventStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: opening database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: enabling WAL mode: %w", err)
	}

	s := &EventStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: running migrations: %w", err)
	}

	slog.Info("event storage initialized", "path", path)
	return s, nil
}

func (s *EventStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		principal_hash TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		prompt_fingerprint TEXT NOT NULL,
		response_fingerprint TEXT NOT NULL,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		tokens_prompt INTEGER NOT NULL DEFAULT 0,
		tokens_completion INTEGER NOT NULL DEFAULT 0,
		tokens_total INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		success INTEGER NOT NULL,
		error_code TEXT,
		has_pii INTEGER NOT NULL DEFAULT 0,
		pii_types TEXT,
		injection_detected INTEGER NOT NULL DEFAULT 0,
		risk_level TEXT NOT NULL,
		metadata TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_provider ON events(provider);
	CREATE INDEX IF NOT EXISTS idx_events_model ON events(model);
	CREATE INDEX IF NOT EXISTS idx_events_risk_level ON events(risk_level);

	CREATE TABLE IF NOT EXISTS anomalies (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		description TEXT NOT NULL,
		details TEXT,
		recommended_action TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY(event_id) REFERENCES events(request_id)
	);

	CREATE INDEX IF NOT EXISTS idx_anomalies_timestamp ON anomalies(timestamp);
	CREATE INDEX IF NOT EXISTS idx_anomalies_severity ON anomalies(severity);
	`
	_, err := s.db.Exec(schema)
	return err
}

// InsertEvent persists ev. The write is durable (synchronously committed)
// before this call returns, and writes are serialized by s.mu so a single
// process never has two concurrent writers to the table (spec §4.6).
func (s *EventStorage) InsertEvent(ctx context.Context, ev types.AIEvent) error {
	piiTypes, err := json.Marshal(ev.PIITypes)
	if err != nil {
		piiTypes = []byte("[]")
	}
	metadata, err := json.Marshal(ev.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events
		(id, request_id, timestamp, principal_hash, provider, model, prompt_fingerprint,
		 response_fingerprint, latency_ms, tokens_prompt, tokens_completion, tokens_total,
		 cost_usd, success, error_code, has_pii, pii_types, injection_detected, risk_level, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RequestID, ev.RequestID, ev.Timestamp, ev.PrincipalHash, ev.Provider, ev.Model,
		ev.PromptFingerprint, ev.ResponseFingerprint, ev.LatencyMS, ev.Tokens.Prompt,
		ev.Tokens.Completion, ev.Tokens.Total, ev.CostUSD, ev.Success, ev.ErrorCode,
		ev.HasPII, string(piiTypes), ev.InjectionDetected, string(ev.RiskLevel), string(metadata),
	)
	if err != nil {
		return fmt.Errorf("storage: inserting event: %w", err)
	}
	return nil
}

// InsertAnomaly persists a, durably and serialized with other writers per
// the same single-writer guarantee as InsertEvent.
func (s *EventStorage) InsertAnomaly(ctx context.Context, a types.Anomaly) error {
	details, err := json.Marshal(a.Details)
	if err != nil {
		details = []byte("{}")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO anomalies (id, event_id, timestamp, type, severity, description, details, recommended_action)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AnomalyID, a.EventID, a.Timestamp, a.Type, string(a.Severity), a.Description,
		string(details), a.RecommendedAction,
	)
	if err != nil {
		return fmt.Errorf("storage: inserting anomaly: %w", err)
	}
	return nil
}

func scanEvent(row interface {
	Scan(dest ...any) error
}) (types.AIEvent, error) {
	var ev types.AIEvent
	var piiTypes, metadata sql.NullString
	var errorCode sql.NullString
	err := row.Scan(
		&ev.RequestID, &ev.Timestamp, &ev.PrincipalHash, &ev.Provider, &ev.Model,
		&ev.PromptFingerprint, &ev.ResponseFingerprint, &ev.LatencyMS,
		&ev.Tokens.Prompt, &ev.Tokens.Completion, &ev.Tokens.Total, &ev.CostUSD,
		&ev.Success, &errorCode, &ev.HasPII, &piiTypes, &ev.InjectionDetected,
		&ev.RiskLevel, &metadata,
	)
	if err != nil {
		return ev, err
	}
	ev.ErrorCode = errorCode.String
	if piiTypes.Valid && piiTypes.String != "" {
		_ = json.Unmarshal([]byte(piiTypes.String), &ev.PIITypes)
	}
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &ev.Metadata)
	}
	return ev, nil
}

const eventColumns = `request_id, timestamp, principal_hash, provider, model, prompt_fingerprint,
	response_fingerprint, latency_ms, tokens_prompt, tokens_completion, tokens_total,
	cost_usd, success, error_code, has_pii, pii_types, injection_detected, risk_level, metadata`

// RecentEvents returns the most recent limit events, newest first.
func (s *EventStorage) RecentEvents(ctx context.Context, limit int) ([]types.AIEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: querying recent events: %w", err)
	}
	defer rows.Close()

	var out []types.AIEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scanning event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// EventsByRiskLevel returns up to limit events at or above minRisk,
// newest first.
func (s *EventStorage) EventsByRiskLevel(ctx context.Context, minRisk types.RiskLevel, limit int) ([]types.AIEvent, error) {
	levels := riskLevelsAtLeast(minRisk)
	if len(levels) == 0 {
		return nil, nil
	}
	query, args := inClauseQuery(`SELECT `+eventColumns+` FROM events WHERE risk_level IN (%s) ORDER BY timestamp DESC LIMIT ?`, levels)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: querying events by risk level: %w", err)
	}
	defer rows.Close()

	var out []types.AIEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scanning event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RecentAnomalies returns the most recent limit anomalies, newest first.
func (s *EventStorage) RecentAnomalies(ctx context.Context, limit int) ([]types.Anomaly, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, timestamp, type, severity, description, details, recommended_action
		 FROM anomalies ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: querying recent anomalies: %w", err)
	}
	defer rows.Close()
	return scanAnomalies(rows)
}

// AnomaliesBySeverity returns up to limit anomalies at or above
// minSeverity, newest first.
func (s *EventStorage) AnomaliesBySeverity(ctx context.Context, minSeverity types.AnomalySeverity, limit int) ([]types.Anomaly, error) {
	severities := severitiesAtLeast(minSeverity)
	if len(severities) == 0 {
		return nil, nil
	}
	query, args := inClauseQuery(
		`SELECT id, event_id, timestamp, type, severity, description, details, recommended_action
		 FROM anomalies WHERE severity IN (%s) ORDER BY timestamp DESC LIMIT ?`, severities)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: querying anomalies by severity: %w", err)
	}
	defer rows.Close()
	return scanAnomalies(rows)
}

func scanAnomalies(rows *sql.Rows) ([]types.Anomaly, error) {
	var out []types.Anomaly
	for rows.Next() {
		var a types.Anomaly
		var details sql.NullString
		if err := rows.Scan(&a.AnomalyID, &a.EventID, &a.Timestamp, &a.Type, &a.Severity, &a.Description, &details, &a.RecommendedAction); err != nil {
			return nil, fmt.Errorf("storage: scanning anomaly: %w", err)
		}
		if details.Valid && details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &a.Details)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// EventStats is the aggregate-statistics result over a time window
// (spec §4.6 "aggregate-statistics over a time window").
type EventStats struct {
	TotalEvents   int64
	SuccessCount  int64
	FailureCount  int64
	TotalCostUSD  float64
	AvgLatencyMS  float64
	PIICount      int64
	InjectionCount int64
	ByRiskLevel   map[string]int64
}

// Stats computes aggregate statistics over events with timestamp >= since.
func (s *EventStorage) Stats(ctx context.Context, since time.Time) (*EventStats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0),
			COALESCE(SUM(cost_usd), 0),
			COALESCE(AVG(latency_ms), 0),
			COALESCE(SUM(CASE WHEN has_pii THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN injection_detected THEN 1 ELSE 0 END), 0)
		FROM events WHERE timestamp >= ?`, since)

	stats := &EventStats{ByRiskLevel: map[string]int64{}}
	if err := row.Scan(&stats.TotalEvents, &stats.SuccessCount, &stats.FailureCount,
		&stats.TotalCostUSD, &stats.AvgLatencyMS, &stats.PIICount, &stats.InjectionCount); err != nil {
		return nil, fmt.Errorf("storage: computing event stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT risk_level, COUNT(*) FROM events WHERE timestamp >= ? GROUP BY risk_level`, since)
	if err != nil {
		return nil, fmt.Errorf("storage: computing risk level breakdown: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var level string
		var count int64
		if err := rows.Scan(&level, &count); err != nil {
			return nil, fmt.Errorf("storage: scanning risk level breakdown: %w", err)
		}
		stats.ByRiskLevel[level] = count
	}
	return stats, rows.Err()
}

// Cleanup deletes events (and their anomalies) older than retentionDays,
// returning the number of events removed.
func (s *EventStorage) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM anomalies WHERE event_id IN (SELECT request_id FROM events WHERE timestamp < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("storage: cleaning up anomalies: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: cleaning up events: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the underlying database handle.
func (s *EventStorage) Close() error {
	return s.db.Close()
}

var riskOrder = []types.RiskLevel{types.RiskLow, types.RiskMedium, types.RiskHigh, types.RiskCritical}

func riskLevelsAtLeast(min types.RiskLevel) []string {
	var out []string
	for _, l := range riskOrder {
		if l.AtLeast(min) {
			out = append(out, string(l))
		}
	}
	return out
}

var severityOrder = []types.AnomalySeverity{types.AnomalyMedium, types.AnomalyHigh, types.AnomalyCritical}

func severitiesAtLeast(min types.AnomalySeverity) []string {
	rank := map[types.AnomalySeverity]int{types.AnomalyMedium: 0, types.AnomalyHigh: 1, types.AnomalyCritical: 2}
	minRank, ok := rank[min]
	if !ok {
		return nil
	}
	var out []string
	for _, s := range severityOrder {
		if rank[s] >= minRank {
			out = append(out, string(s))
		}
	}
	return out
}

func inClauseQuery(template string, values []string) (string, []any) {
	placeholders := ""
	args := make([]any, 0, len(values))
	for i, v := range values {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, v)
	}
	return fmt.Sprintf(template, placeholders), args
}
