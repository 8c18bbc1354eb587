// Package validator implements the Request Validator from spec §4.1: a
// pure function from a raw JSON request body to a validated Request or a
// schema error. It performs shape and range checks only; no semantic
// validation of the payload beyond its declared schema id.
package validator

import (
	"encoding/json"
	"fmt"
	"time"

	"elida/internal/config"
	"elida/internal/gatewayerr"
	"elida/internal/types"
)

// Validator checks raw request bytes against the configured size cap,
// clock skew tolerance, and registered payload_schema set.
type Validator struct {
	maxBodyBytes int64
	maxClockSkew time.Duration
	schemas      map[string]struct{}
}

// New creates a Validator from the given ValidatorConfig.
func New(cfg config.ValidatorConfig) *Validator {
	schemas := make(map[string]struct{}, len(cfg.PayloadSchemas))
	for _, s := range cfg.PayloadSchemas {
		schemas[s] = struct{}{}
	}
	return &Validator{
		maxBodyBytes: cfg.MaxBodyBytes,
		maxClockSkew: cfg.MaxClockSkew.Dur(),
		schemas:      schemas,
	}
}

var validSensitivities = map[types.Sensitivity]struct{}{
	types.SensitivityPublic:       {},
	types.SensitivityInternal:     {},
	types.SensitivitySensitive:    {},
	types.SensitivityPII:          {},
	types.SensitivityConfidential: {},
}

var validHints = map[types.ProcessingHint]struct{}{
	types.HintAuto:         {},
	types.HintRuleEngine:   {},
	types.HintModelSmall:   {},
	types.HintModelLarge:   {},
	types.HintModelPrivate: {},
	types.HintHybrid:       {},
}

var validReturnRoutes = map[types.ReturnRoute]struct{}{
	types.ReturnRouteSync:  {},
	types.ReturnRouteAsync: {},
}

// wireRequest mirrors types.Request's JSON shape for decoding; kept
// separate so a malformed field (wrong type, not just missing) produces
// the same SCHEMA_INVALID outcome as a missing one, rather than a raw
// json.Unmarshal error leaking to the caller.
type wireRequest struct {
	MPCVersion     string         `json:"mpc_version"`
	RequestID      string         `json:"request_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Timestamp      string         `json:"timestamp"`
	Source         types.Source   `json:"source"`
	Type           string         `json:"type"`
	PayloadSchema  string         `json:"payload_schema"`
	Payload        map[string]any `json:"payload"`
	Config         struct {
		Sensitivity              string `json:"sensitivity"`
		ProcessingHint           string `json:"processing_hint"`
		ReturnRoute              string `json:"return_route"`
		TimeoutMS                int64  `json:"timeout_ms"`
		EnablePIIDetection       bool   `json:"enable_pii_detection"`
		EnableInjectionDetection bool   `json:"enable_injection_detection"`
	} `json:"config"`
	Auth types.Auth `json:"auth"`
}

// Validate parses and checks raw against the request schema, returning a
// *gatewayerr.GatewayError (CLOCK_SKEW or SCHEMA_INVALID) on any failure.
func (v *Validator) Validate(raw []byte) (*types.Request, error) {
	if v.maxBodyBytes > 0 && int64(len(raw)) > v.maxBodyBytes {
		return nil, gatewayerr.New(gatewayerr.CodeSchemaInvalid,
			fmt.Sprintf("body size %d exceeds maximum %d bytes", len(raw), v.maxBodyBytes))
	}

	var w wireRequest
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.CodeSchemaInvalid, "malformed JSON body", err)
	}

	if err := v.checkPresence(&w); err != nil {
		return nil, err
	}

	ts, err := time.Parse(time.RFC3339, w.Timestamp)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.CodeSchemaInvalid, fmt.Sprintf("field %q: not a valid RFC3339 timestamp", "timestamp"))
	}

	if skew := time.Since(ts); skew > v.maxClockSkew || skew < -v.maxClockSkew {
		return nil, gatewayerr.New(gatewayerr.CodeClockSkew,
			fmt.Sprintf("timestamp skew %s exceeds maximum %s", skew, v.maxClockSkew))
	}

	if _, ok := v.schemas[w.PayloadSchema]; !ok {
		return nil, gatewayerr.New(gatewayerr.CodeSchemaInvalid, fmt.Sprintf("field %q: unregistered payload_schema %q", "payload_schema", w.PayloadSchema))
	}

	sensitivity := types.Sensitivity(w.Config.Sensitivity)
	if _, ok := validSensitivities[sensitivity]; !ok {
		return nil, gatewayerr.New(gatewayerr.CodeSchemaInvalid, fmt.Sprintf("field %q: invalid sensitivity %q", "config.sensitivity", w.Config.Sensitivity))
	}

	hint := types.ProcessingHint(w.Config.ProcessingHint)
	if hint == "" {
		hint = types.HintAuto
	}
	if _, ok := validHints[hint]; !ok {
		return nil, gatewayerr.New(gatewayerr.CodeSchemaInvalid, fmt.Sprintf("field %q: invalid processing_hint %q", "config.processing_hint", w.Config.ProcessingHint))
	}

	returnRoute := types.ReturnRoute(w.Config.ReturnRoute)
	if returnRoute == "" {
		returnRoute = types.ReturnRouteSync
	}
	if _, ok := validReturnRoutes[returnRoute]; !ok {
		return nil, gatewayerr.New(gatewayerr.CodeSchemaInvalid, fmt.Sprintf("field %q: invalid return_route %q", "config.return_route", w.Config.ReturnRoute))
	}

	if w.Config.TimeoutMS <= 0 {
		return nil, gatewayerr.New(gatewayerr.CodeSchemaInvalid, "field \"config.timeout_ms\": must be greater than zero")
	}

	req := &types.Request{
		MPCVersion:     w.MPCVersion,
		RequestID:      w.RequestID,
		IdempotencyKey: w.IdempotencyKey,
		Timestamp:      ts,
		Source:         w.Source,
		Type:           w.Type,
		PayloadSchema:  w.PayloadSchema,
		Payload:        w.Payload,
		Config: types.RequestConfig{
			Sensitivity:              sensitivity,
			ProcessingHint:           hint,
			ReturnRoute:              returnRoute,
			TimeoutMS:                w.Config.TimeoutMS,
			EnablePIIDetection:       w.Config.EnablePIIDetection,
			EnableInjectionDetection: w.Config.EnableInjectionDetection,
		},
		Auth: w.Auth,
	}
	return req, nil
}

func (v *Validator) checkPresence(w *wireRequest) error {
	required := []struct {
		name  string
		value string
	}{
		{"mpc_version", w.MPCVersion},
		{"request_id", w.RequestID},
		{"timestamp", w.Timestamp},
		{"source.application_id", w.Source.ApplicationID},
		{"source.environment", w.Source.Environment},
		{"type", w.Type},
		{"payload_schema", w.PayloadSchema},
		{"auth.token", w.Auth.Token},
	}
	for _, f := range required {
		if f.value == "" {
			return gatewayerr.New(gatewayerr.CodeSchemaInvalid, fmt.Sprintf("field %q: required", f.name))
		}
	}
	if len(w.Payload) == 0 {
		return gatewayerr.New(gatewayerr.CodeSchemaInvalid, "field \"payload\": required")
	}
	return nil
}
