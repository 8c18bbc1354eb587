package validator

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"elida/internal/config"
	"elida/internal/gatewayerr"
)

func testValidator() *Validator {
	return New(config.ValidatorConfig{
		MaxBodyBytes:   5 * 1024 * 1024,
		MaxClockSkew:   config.Duration(5 * time.Minute),
		PayloadSchemas: []string{"llm.request.v1"},
	})
}

func validRaw(mutate func(m map[string]any)) []byte {
	m := map[string]any{
		"mpc_version":    "1.0",
		"request_id":     "req-1",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"source":         map[string]any{"application_id": "app1", "environment": "prod", "version": "1.0"},
		"type":           "process_request",
		"payload_schema": "llm.request.v1",
		"payload":        map[string]any{"model": "m", "prompt": "hello"},
		"config": map[string]any{
			"sensitivity":     "public",
			"processing_hint": "auto",
			"return_route":    "sync",
			"timeout_ms":      5000,
		},
		"auth": map[string]any{"token": "tok"},
	}
	if mutate != nil {
		mutate(m)
	}
	data, _ := json.Marshal(m)
	return data
}

func TestValidateAcceptsWellFormedRequest(t *testing.T) {
	v := testValidator()
	req, err := v.Validate(validRaw(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.RequestID != "req-1" {
		t.Fatalf("unexpected request id: %s", req.RequestID)
	}
}

func TestValidateRejectsMissingField(t *testing.T) {
	v := testValidator()
	raw := validRaw(func(m map[string]any) { delete(m, "request_id") })
	_, err := v.Validate(raw)
	assertCode(t, err, gatewayerr.CodeSchemaInvalid)
}

func TestValidateRejectsUnregisteredSchema(t *testing.T) {
	v := testValidator()
	raw := validRaw(func(m map[string]any) { m["payload_schema"] = "unknown.v1" })
	_, err := v.Validate(raw)
	assertCode(t, err, gatewayerr.CodeSchemaInvalid)
}

func TestValidateRejectsInvalidSensitivity(t *testing.T) {
	v := testValidator()
	raw := validRaw(func(m map[string]any) {
		m["config"].(map[string]any)["sensitivity"] = "bogus"
	})
	_, err := v.Validate(raw)
	assertCode(t, err, gatewayerr.CodeSchemaInvalid)
}

func TestValidateRejectsClockSkew(t *testing.T) {
	v := testValidator()
	raw := validRaw(func(m map[string]any) {
		m["timestamp"] = time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	})
	_, err := v.Validate(raw)
	assertCode(t, err, gatewayerr.CodeClockSkew)
}

func TestValidateRejectsNonPositiveTimeout(t *testing.T) {
	v := testValidator()
	raw := validRaw(func(m map[string]any) {
		m["config"].(map[string]any)["timeout_ms"] = 0
	})
	_, err := v.Validate(raw)
	assertCode(t, err, gatewayerr.CodeSchemaInvalid)
}

func TestValidateRejectsOversizedBody(t *testing.T) {
	v := New(config.ValidatorConfig{MaxBodyBytes: 10, MaxClockSkew: config.Duration(5 * time.Minute), PayloadSchemas: []string{"llm.request.v1"}})
	_, err := v.Validate(validRaw(nil))
	assertCode(t, err, gatewayerr.CodeSchemaInvalid)
}

func assertCode(t *testing.T, err error, want gatewayerr.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", want)
	}
	var gerr *gatewayerr.GatewayError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected *gatewayerr.GatewayError, got %T", err)
	}
	if gerr.Code != want {
		t.Fatalf("expected code %s, got %s", want, gerr.Code)
	}
}
