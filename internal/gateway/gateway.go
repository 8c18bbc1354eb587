// Package gateway implements the Gateway orchestrator from spec §4.5: the
// state machine that takes a raw request through validation,
// authentication, authorization, PII/injection screening, routing,
// invocation (with cascade), idempotency caching, and event/audit
// emission. Grounded on the teacher's internal/proxy/proxy.go ServeHTTP
// pipeline (capture -> route -> forward -> record) and
// internal/proxy/failover.go's retry-loop structure, adapted from HTTP
// reverse-proxying to the gateway's validate/authn/authz/screen/route/
// invoke state machine.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"elida/internal/audit"
	"elida/internal/authn"
	"elida/internal/authz"
	"elida/internal/backend"
	"elida/internal/eventpipeline"
	"elida/internal/gatewayerr"
	"elida/internal/idempotency"
	"elida/internal/pii"
	"elida/internal/registry"
	"elida/internal/router"
	"elida/internal/telemetry"
	"elida/internal/types"
	"elida/internal/validator"
)

// schemaCapability maps a registered payload_schema to the Capability the
// Router filters on (spec §4.1.1, §4.4). embedding maps to analysis: the
// capability enum has no dedicated embedding entry and analysis is the
// closest existing capability a rule_engine/llm backend would advertise.
var schemaCapability = map[string]types.Capability{
	"llm.request.v1":         types.CapabilityTextGeneration,
	"llm.classification.v1":  types.CapabilityClassification,
	"llm.extraction.v1":      types.CapabilityExtraction,
	"llm.summarization.v1":   types.CapabilitySummarization,
	"llm.embedding.v1":       types.CapabilityAnalysis,
}

// Deps are the Gateway's explicit, startup-constructed dependencies (spec
// §9: "pass them explicitly as gateway dependencies constructed at
// startup; do not rely on module-level globals").
type Deps struct {
	Validator   *validator.Validator
	Authn       *authn.Service
	Authz       *authz.Engine
	PIIDetector *pii.Detector
	Redactor    *pii.Redactor
	Injection   *pii.InjectionDetector
	Registry    *registry.Registry
	Router      *router.Router
	Backends    map[string]backend.Adapter
	Idempotency *idempotency.Cache
	Pipeline    *eventpipeline.Pipeline
	Audit       *audit.Sink
	Telemetry   *telemetry.Provider

	DefaultTimeout  time.Duration
	MinCascadeSlice time.Duration
	UseCascade      bool
	CascadeLimit    int
}

// Gateway is the single stateless-between-requests orchestrator; every
// field is read-only after construction except through the concurrency-
// safe components it wraps (spec §5).
type Gateway struct {
	deps Deps
}

// New creates a Gateway over the given dependencies.
func New(d Deps) *Gateway {
	if d.DefaultTimeout <= 0 {
		d.DefaultTimeout = 30 * time.Second
	}
	if d.MinCascadeSlice <= 0 {
		d.MinCascadeSlice = 200 * time.Millisecond
	}
	if d.CascadeLimit <= 0 {
		d.CascadeLimit = 2
	}
	if d.Telemetry == nil {
		d.Telemetry = telemetry.NoopProvider()
	}
	return &Gateway{deps: d}
}

// Handle is the single entry point a transport adapter calls per request
// (spec §5). It returns a non-nil error only when the request could not be
// turned into any response at all; every documented failure mode (schema,
// auth, authz, pii, routing, backend) is instead surfaced as a Response
// with status "error", per §7's "every response carries status and code".
func (g *Gateway) Handle(ctx context.Context, raw []byte) (resp *types.Response, err error) {
	start := time.Now()

	spanCtx, span := g.deps.Telemetry.StartRequestSpan(ctx, probeRequestID(raw))
	defer func() {
		backendID := ""
		status := ""
		if resp != nil {
			backendID = resp.Processing.BackendID
			status = string(resp.Status)
		}
		g.deps.Telemetry.EndRequestSpan(span, status, backendID, time.Since(start).Milliseconds(), err)
	}()
	ctx = spanCtx

	req, verr := g.deps.Validator.Validate(raw)
	if verr != nil {
		return g.reject(ctx, probeRequestID(raw), "", asGatewayErr(verr), start), nil
	}

	timeout := g.deps.DefaultTimeout
	if req.Config.TimeoutMS > 0 {
		timeout = time.Duration(req.Config.TimeoutMS) * time.Millisecond
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	deadline, _ := reqCtx.Deadline()

	principal, aerr := g.deps.Authn.Authenticate(req.Auth.Token)
	if aerr != nil {
		return g.reject(reqCtx, req.RequestID, "", asGatewayErr(aerr), start), nil
	}
	principalHash := hashSubject(principal.Subject)

	if cached, ok := g.deps.Idempotency.Lookup(principal.Subject, req.IdempotencyKey); ok {
		return replayResponse(cached, req.RequestID), nil
	}

	capability, ok := schemaCapability[req.PayloadSchema]
	if !ok {
		return g.reject(reqCtx, req.RequestID, principalHash,
			gatewayerr.New(gatewayerr.CodeSchemaInvalid, "payload_schema is not routable"), start), nil
	}

	prompt, _ := req.Payload["prompt"].(string)
	estimatedTokens := estimateTokens(req.Payload)
	estimatedCost := g.estimateCost(capability, estimatedTokens)

	granted, reason := g.deps.Authz.Authorize(principal, "execute", req.Config.Sensitivity, estimatedCost)
	g.writeAuthzAudit(req.RequestID, principalHash, granted, reason)
	if !granted {
		return g.reject(reqCtx, req.RequestID, principalHash,
			gatewayerr.New(gatewayerr.CodeAuthzDenied, reason), start), nil
	}

	var piiResult types.PIIResult
	injectionDetected := false
	if req.Config.EnablePIIDetection {
		piiResult = g.deps.PIIDetector.Detect(prompt)
	}
	if req.Config.EnableInjectionDetection {
		injectionDetected = g.deps.Injection.Detect(prompt)
	}
	if piiResult.HasPII {
		g.deps.Audit.Write(types.AuditRecord{
			Timestamp: time.Now(), RequestID: req.RequestID, PrincipalHash: principalHash,
			EventType: types.AuditPII, Outcome: "detected",
			Attrs: map[string]any{"pii_types": piiResult.Types},
		})
	}

	// HasPII is deliberately left unset here: spec §4.3 describes the
	// PII-aware routing-compatibility check as a Gateway-level screen
	// applied per candidate during cascade (emitting a violation record
	// and trying the next candidate), not a pre-routing filter. Passing
	// has_pii through to the Router would make an incompatible backend
	// disappear from the candidate list entirely, turning what should be
	// PII_ROUTING_BLOCKED into NO_BACKEND_AVAILABLE (see scenario S2).
	decision := g.deps.Router.Select(router.Criteria{
		Capability:      capability,
		Sensitivity:     req.Config.Sensitivity,
		Hint:            req.Config.ProcessingHint,
		EstimatedTokens: estimatedTokens,
		UseCascade:      g.deps.UseCascade,
		CascadeLimit:    g.deps.CascadeLimit,
	})
	if len(decision.Backends) == 0 {
		return g.reject(reqCtx, req.RequestID, principalHash,
			gatewayerr.New(gatewayerr.CodeNoBackendAvailable, "no backend satisfies routing criteria"), start), nil
	}

	resp, gerr := g.invoke(reqCtx, req, principal, principalHash, decision.Backends, prompt, piiResult, injectionDetected, deadline, start)
	if gerr != nil {
		return g.reject(reqCtx, req.RequestID, principalHash, gerr, start), nil
	}
	g.deps.Idempotency.Remember(principal.Subject, req.IdempotencyKey, resp)
	return resp, nil
}

// invoke runs the EXECUTING/cascade phase: it walks decision.Backends in
// order, skipping PII-incompatible backends, retrying retriable failures
// against the next candidate while deadline budget allows, and stopping
// at the first success.
func (g *Gateway) invoke(
	ctx context.Context,
	req *types.Request,
	principal *types.Principal,
	principalHash string,
	candidates []string,
	prompt string,
	piiResult types.PIIResult,
	injectionDetected bool,
	deadline time.Time,
	start time.Time,
) (*types.Response, *gatewayerr.GatewayError) {
	var lastCode gatewayerr.Code
	fallbackUsed := false

	for i, backendID := range candidates {
		if i > 0 && time.Until(deadline) < g.deps.MinCascadeSlice {
			break
		}
		if i > 0 {
			g.deps.Telemetry.RecordCascade(ctx, req.RequestID, backendID, i, string(lastCode))
		}

		adapter, ok := g.deps.Backends[backendID]
		if !ok {
			continue
		}
		desc := adapter.Describe()

		if pii.RoutingBlocked(piiResult, &desc) {
			lastCode = gatewayerr.CodePIIRoutingBlocked
			g.deps.Audit.Write(types.AuditRecord{
				Timestamp: time.Now(), RequestID: req.RequestID, PrincipalHash: principalHash,
				EventType: types.AuditViolation, Outcome: "blocked",
				Attrs: map[string]any{"backend_id": backendID, "pii_types": piiResult.Types},
			})
			continue
		}

		result, failure := adapter.Process(ctx, prompt, req.Payload)
		if failure != nil {
			lastCode = mapFailureCode(failure.Code)
			g.deps.Audit.Write(types.AuditRecord{
				Timestamp: time.Now(), RequestID: req.RequestID, PrincipalHash: principalHash,
				EventType: types.AuditProcessing, Outcome: "failed",
				Attrs: map[string]any{"backend_id": backendID, "failure_code": string(failure.Code)},
			})
			// Per-attempt failures are recorded as audit records only; the
			// terminal AIEvent is emitted once, either on success below or
			// by reject() when the cascade is exhausted (spec invariant 1,
			// scenario S4: two audit records, one event).
			if !retriable(failure) {
				return nil, gatewayerr.New(lastCode, "backend invocation failed")
			}
			fallbackUsed = true
			continue
		}

		outcome := "ok"
		if result.Confidence < desc.ConfidenceThreshold {
			if req.Config.ProcessingHint == types.HintHybrid && i+1 < len(candidates) {
				g.deps.Audit.Write(types.AuditRecord{
					Timestamp: time.Now(), RequestID: req.RequestID, PrincipalHash: principalHash,
					EventType: types.AuditProcessing, Outcome: "low_confidence_cascade",
					Attrs: map[string]any{"backend_id": backendID, "confidence": result.Confidence},
				})
				fallbackUsed = true
				continue
			}
			outcome = "low_confidence"
		}

		g.deps.Audit.Write(types.AuditRecord{
			Timestamp: time.Now(), RequestID: req.RequestID, PrincipalHash: principalHash,
			EventType: types.AuditProcessing, Outcome: outcome,
			Attrs: map[string]any{"backend_id": backendID, "confidence": result.Confidence},
		})

		resp := &types.Response{
			MPCVersion: req.MPCVersion,
			RequestID:  req.RequestID,
			ResponseID: uuid.NewString(),
			Timestamp:  time.Now(),
			Status:     types.StatusOK,
			Result: &types.Result{
				Response: result.Response,
				Tokens:   result.Tokens,
			},
			Processing: types.ProcessingInfo{
				BackendID:    desc.ID,
				LatencyMS:    result.LatencyMS,
				CostUSD:      result.CostUSD,
				Confidence:   result.Confidence,
				FallbackUsed: fallbackUsed,
			},
			SecurityFlags: types.SecurityFlags{
				HasPII:            piiResult.HasPII,
				InjectionDetected: injectionDetected,
			},
		}
		g.emitEvent(ctx, req, principalHash, desc.ID, result, true, "", piiResult, injectionDetected, start)
		return resp, nil
	}

	if lastCode == "" {
		lastCode = gatewayerr.CodeNoBackendAvailable
	}
	return nil, gatewayerr.New(lastCode, "cascade exhausted without a successful invocation")
}

// reject builds an error Response for code, writes the corresponding
// audit record when one hasn't already been written by the caller, and
// emits exactly one terminal AIEvent (spec invariant 1).
func (g *Gateway) reject(ctx context.Context, requestID, principalHash string, gerr *gatewayerr.GatewayError, start time.Time) *types.Response {
	if gerr.Code != gatewayerr.CodeAuthzDenied && gerr.Code != gatewayerr.CodePIIRoutingBlocked {
		auditType := auditTypeForCode(gerr.Code)
		outcome := "rejected"
		if auditType == types.AuditAuthz {
			outcome = "denied"
		}
		g.deps.Audit.Write(types.AuditRecord{
			Timestamp: time.Now(), RequestID: requestID, PrincipalHash: principalHash,
			EventType: auditType, Outcome: outcome,
			Attrs: map[string]any{"error_code": string(gerr.Code)},
		})
	}

	req := &types.Request{RequestID: requestID}
	g.emitEvent(ctx, req, principalHash, "", nil, false, string(gerr.Code), types.PIIResult{}, false, start)

	return &types.Response{
		RequestID:  requestID,
		ResponseID: uuid.NewString(),
		Timestamp:  time.Now(),
		Status:     types.StatusError,
		Error:      &types.ErrorInfo{Code: string(gerr.Code), Message: gerr.Message},
	}
}

func (g *Gateway) writeAuthzAudit(requestID, principalHash string, granted bool, reason string) {
	outcome := "granted"
	if !granted {
		outcome = "denied"
	}
	attrs := map[string]any{}
	if reason != "" {
		attrs["reason"] = reason
	}
	g.deps.Audit.Write(types.AuditRecord{
		Timestamp: time.Now(), RequestID: requestID, PrincipalHash: principalHash,
		EventType: types.AuditAuthz, Outcome: outcome, Attrs: attrs,
	})
}

func (g *Gateway) emitEvent(
	ctx context.Context,
	req *types.Request,
	principalHash string,
	backendID string,
	result *types.InvocationResult,
	success bool,
	errorCode string,
	piiResult types.PIIResult,
	injectionDetected bool,
	start time.Time,
) {
	ev := types.AIEvent{
		RequestID:         req.RequestID,
		Timestamp:         time.Now(),
		PrincipalHash:     principalHash,
		Provider:          backendID,
		Success:           success,
		ErrorCode:         errorCode,
		HasPII:            piiResult.HasPII,
		PIITypes:          piiResult.Types,
		InjectionDetected: injectionDetected,
		LatencyMS:         time.Since(start).Milliseconds(),
	}
	if model, ok := req.Payload["model"].(string); ok {
		ev.Model = model
	}
	if result != nil {
		ev.Tokens = result.Tokens
		ev.CostUSD = result.CostUSD
		ev.LatencyMS = result.LatencyMS
		ev.ResponseFingerprint = fingerprint(result.Response)
	}
	if prompt, ok := req.Payload["prompt"].(string); ok {
		ev.PromptFingerprint = fingerprint(prompt)
	}
	g.deps.Telemetry.RecordEventEmitted(ctx, req.RequestID, string(eventpipeline.RiskLevel(ev)))
	g.deps.Pipeline.Submit(ev)
}

// estimateCost gives the Authorize ABAC check a pre-routing cost estimate:
// the cheapest registered backend advertising capability, which is an
// optimistic (lower) bound but the only figure available before the
// Router has picked a concrete backend.
func (g *Gateway) estimateCost(capability types.Capability, estimatedTokens int64) float64 {
	var min float64 = -1
	for _, b := range g.deps.Registry.All() {
		if !b.HasCapability(capability) {
			continue
		}
		if min < 0 || b.CostPer1kTokens < min {
			min = b.CostPer1kTokens
		}
	}
	if min < 0 {
		return 0
	}
	return float64(estimatedTokens) * min / 1000
}

func estimateTokens(payload map[string]any) int64 {
	if mt, ok := payload["max_tokens"]; ok {
		switch v := mt.(type) {
		case float64:
			return int64(v)
		case int64:
			return v
		}
	}
	if prompt, ok := payload["prompt"].(string); ok {
		return int64(len(prompt) / 4)
	}
	return 0
}

func retriable(f *types.InvocationFailure) bool {
	switch f.Code {
	case types.FailureTimeout, types.FailureRateLimited:
		return true
	case types.FailureUpstreamError:
		return f.HTTPStatus >= 500
	default:
		return false
	}
}

func mapFailureCode(code types.FailureCode) gatewayerr.Code {
	switch code {
	case types.FailureTimeout:
		return gatewayerr.CodeBackendTimeout
	case types.FailureRateLimited:
		return gatewayerr.CodeRateLimited
	default:
		return gatewayerr.CodeBackendError
	}
}

func auditTypeForCode(code gatewayerr.Code) types.AuditEventType {
	switch code {
	case gatewayerr.CodeAuthInvalid, gatewayerr.CodeAuthExpired, gatewayerr.CodeAuthzDenied:
		return types.AuditAuthz
	case gatewayerr.CodePIIRoutingBlocked:
		return types.AuditViolation
	default:
		return types.AuditViolation
	}
}

func asGatewayErr(err error) *gatewayerr.GatewayError {
	if gerr, ok := err.(*gatewayerr.GatewayError); ok {
		return gerr
	}
	return gatewayerr.Internal("", err)
}

func hashSubject(subject string) string {
	sum := sha256.Sum256([]byte(subject))
	return hex.EncodeToString(sum[:])
}

func fingerprint(text string) string {
	if text == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// probeRequestID makes a best-effort attempt to recover request_id from a
// request body that failed schema validation, so even a rejected
// request's AIEvent/audit record can be correlated to the caller's id
// when the body was at least valid JSON.
func probeRequestID(raw []byte) string {
	var probe struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil && probe.RequestID != "" {
		return probe.RequestID
	}
	return uuid.NewString()
}

// replayResponse returns a copy of cached with a fresh response_id and
// timestamp, satisfying invariant 3 ("byte-identical except response_id
// and timestamp") while keeping the request_id of the replaying call.
func replayResponse(cached *types.Response, requestID string) *types.Response {
	out := *cached
	out.RequestID = requestID
	out.ResponseID = uuid.NewString()
	out.Timestamp = time.Now()
	return &out
}
