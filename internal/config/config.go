// Package config loads the gateway's YAML configuration: listen address,
// registry backends, router weights, PII patterns, token secret, event
// pipeline thresholds, and storage/telemetry settings. Structure follows
// the teacher's config.go: env-var overrides layered on declarative
// defaults, validated once at Load.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the gateway.
type Config struct {
	Listen    string          `yaml:"listen"`
	Auth      AuthConfig      `yaml:"auth"`
	Validator ValidatorConfig `yaml:"validator"`
	Registry  RegistryConfig  `yaml:"registry"`
	Router    RouterConfig    `yaml:"router"`
	PII       PIIConfig       `yaml:"pii"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Events    EventsConfig    `yaml:"events"`
	Storage   StorageConfig   `yaml:"storage"`
	Audit     AuditConfig     `yaml:"audit"`
	Control   ControlConfig   `yaml:"control"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
}

// AuthConfig configures the Token Service.
type AuthConfig struct {
	Secret string `yaml:"secret"` // HS256 shared signing secret
}

// ValidatorConfig configures the Request Validator.
type ValidatorConfig struct {
	MaxBodyBytes    int64    `yaml:"max_body_bytes"`     // default 5 MiB
	MaxClockSkew    Duration `yaml:"max_clock_skew"`     // default 5 min
	PayloadSchemas  []string `yaml:"payload_schemas"`    // registered payload_schema values
}

// RegistryConfig lists the backends the Backend Registry is seeded with.
type RegistryConfig struct {
	Backends []BackendConfig `yaml:"backends"`
}

// BackendConfig is one YAML-declared backend descriptor.
type BackendConfig struct {
	ID                  string   `yaml:"id"`
	Type                string   `yaml:"type"` // llm_large, llm_small, llm_private, rule_engine, hybrid
	Capabilities        []string `yaml:"capabilities"`
	CostPer1kTokens     float64  `yaml:"cost_per_1k_tokens"`
	AvgLatencyMS        int64    `yaml:"avg_latency_ms"`
	MaxTokens           int64    `yaml:"max_tokens"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	PIIAllowed          bool     `yaml:"pii_allowed"`
	ConfidentialAllowed bool     `yaml:"confidential_allowed"`
	SensitivityAllowed  []string `yaml:"sensitivity_allowed"`
}

// RouterConfig configures the composite-score weights and cascade depth.
type RouterConfig struct {
	WeightCost       float64 `yaml:"weight_cost"`
	WeightLatency    float64 `yaml:"weight_latency"`
	WeightConfidence float64 `yaml:"weight_confidence"`
	UseCascade       bool    `yaml:"use_cascade"`
	CascadeLimit     int     `yaml:"cascade_limit"`
	MinCascadeSlice  Duration `yaml:"min_cascade_slice"` // default 200ms
}

// PIIConfig configures the detector's pattern set.
type PIIConfig struct {
	Patterns          []PatternConfig `yaml:"patterns"`
	InjectionPatterns []string        `yaml:"injection_patterns"`
}

// PatternConfig is one YAML-declared PII pattern.
type PatternConfig struct {
	Type  string `yaml:"type"`
	Regex string `yaml:"regex"`
}

// GatewayConfig configures the orchestrator's request-level behavior.
type GatewayConfig struct {
	DefaultTimeout    Duration `yaml:"default_timeout"`
	IdempotencyTTL    Duration `yaml:"idempotency_ttl"` // default 15 min
	CostCeilings      map[string]float64 `yaml:"cost_ceilings"`
}

// EventsConfig configures the Event Pipeline's queue and thresholds.
type EventsConfig struct {
	QueueCapacity     int       `yaml:"queue_capacity"` // default 4096
	OverflowPolicy    string    `yaml:"overflow_policy"` // drop_oldest | backpressure
	Thresholds        Thresholds `yaml:"thresholds"`
	AnomalyWindow     Duration  `yaml:"anomaly_window"` // default 10 min, per-model spike windows
	PatternWindow     Duration  `yaml:"pattern_window"` // default 5 min, error-rate window
}

// Thresholds are the event-local anomaly rule constants from spec §4.6.
type Thresholds struct {
	HighCostUSD     float64 `yaml:"high_cost_usd"`     // default 0.50
	HighLatencyMS   int64   `yaml:"high_latency_ms"`   // default 5000
	HighTokens      int64   `yaml:"high_tokens"`       // default 8000
	SpikeMultiplier float64 `yaml:"spike_multiplier"`  // default 3
	MinSpikeSamples int     `yaml:"min_spike_samples"` // default 5
}

// StorageConfig configures the SQLite-backed EventStorage.
type StorageConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// AuditConfig configures the append-only audit sink.
type AuditConfig struct {
	Path string `yaml:"path"` // NDJSON file; empty means stdout
}

// ControlConfig configures the read-only introspection HTTP surface.
type ControlConfig struct {
	Listen  string `yaml:"listen"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Format string `yaml:"format"` // "json" or "text"
	Level  string `yaml:"level"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// IdempotencyConfig configures the idempotency cache backing store.
type IdempotencyConfig struct {
	Store string      `yaml:"store"` // "memory" or "redis"
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection configuration for the idempotency cache.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Duration wraps time.Duration for friendlier YAML ("5m", "200ms").
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Dur returns the time.Duration value.
func (d Duration) Dur() time.Duration { return time.Duration(d) }

// Load reads and parses the configuration file, falling back to defaults
// when the file does not exist.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			if err := cfg.validate(); err != nil {
				return nil, fmt.Errorf("validating config: %w", err)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Listen: ":8080",
		Validator: ValidatorConfig{
			MaxBodyBytes: 5 * 1024 * 1024,
			MaxClockSkew: Duration(5 * time.Minute),
			PayloadSchemas: []string{
				"llm.request.v1",
				"llm.classification.v1",
				"llm.extraction.v1",
				"llm.summarization.v1",
				"llm.embedding.v1",
			},
		},
		Router: RouterConfig{
			WeightCost:      0.5,
			WeightLatency:   0.3,
			WeightConfidence: 0.2,
			UseCascade:      true,
			CascadeLimit:    2,
			MinCascadeSlice: Duration(200 * time.Millisecond),
		},
		Gateway: GatewayConfig{
			DefaultTimeout: Duration(30 * time.Second),
			IdempotencyTTL: Duration(15 * time.Minute),
		},
		Events: EventsConfig{
			QueueCapacity:  4096,
			OverflowPolicy: "drop_oldest",
			AnomalyWindow:  Duration(10 * time.Minute),
			PatternWindow:  Duration(5 * time.Minute),
			Thresholds: Thresholds{
				HighCostUSD:     0.50,
				HighLatencyMS:   5000,
				HighTokens:      8000,
				SpikeMultiplier: 3,
				MinSpikeSamples: 5,
			},
		},
		Storage: StorageConfig{
			Path:          "data/gateway.db",
			RetentionDays: 30,
		},
		Audit: AuditConfig{
			Path: "",
		},
		Control: ControlConfig{
			Listen:  ":9090",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "gateway",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
		Idempotency: IdempotencyConfig{
			Store: "memory",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "gateway:idem:",
			},
		},
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GATEWAY_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("GATEWAY_AUTH_SECRET"); v != "" {
		c.Auth.Secret = v
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("GATEWAY_IDEMPOTENCY_STORE"); v != "" {
		c.Idempotency.Store = v
	}
	if v := os.Getenv("GATEWAY_REDIS_ADDR"); v != "" {
		c.Idempotency.Redis.Addr = v
	}
	if v := os.Getenv("GATEWAY_REDIS_PASSWORD"); v != "" {
		c.Idempotency.Redis.Password = v
	}
	if os.Getenv("GATEWAY_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("GATEWAY_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("GATEWAY_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("GATEWAY_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("GATEWAY_AUDIT_PATH"); v != "" {
		c.Audit.Path = v
	}
	if v := os.Getenv("GATEWAY_CONTROL_LISTEN"); v != "" {
		c.Control.Listen = v
	}
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required")
	}
	if c.Validator.MaxBodyBytes <= 0 {
		return fmt.Errorf("validator.max_body_bytes must be positive")
	}
	if c.Idempotency.Store != "memory" && c.Idempotency.Store != "redis" {
		return fmt.Errorf("idempotency.store must be \"memory\" or \"redis\", got %q", c.Idempotency.Store)
	}
	seen := make(map[string]struct{}, len(c.Registry.Backends))
	for _, b := range c.Registry.Backends {
		if b.ID == "" {
			return fmt.Errorf("registry backend missing id")
		}
		if _, dup := seen[b.ID]; dup {
			return fmt.Errorf("duplicate backend id %q", b.ID)
		}
		seen[b.ID] = struct{}{}
	}
	return nil
}
