// Package authz implements the RBAC+ABAC authorization decision from spec
// §4.2: a principal is authorized iff it holds the action's required
// permission and every attribute constraint on the resource is satisfied.
package authz

import (
	"fmt"

	"elida/internal/types"
)

// RolePermissions are the default role→permission closures from spec §4.2.
var RolePermissions = map[types.Role]map[string]struct{}{
	types.RoleAdmin: set("read", "write", "execute", "admin", "pii_access", "sensitive_access"),
	types.RoleService: set("read", "execute"),
	types.RoleReadOnly: set("read"),
}

func set(perms ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		out[p] = struct{}{}
	}
	return out
}

// Closure returns the permission set granted by a role's default closure,
// unioned with any explicit permissions carried in the token (§4.2).
func Closure(p *types.Principal) map[string]struct{} {
	out := make(map[string]struct{})
	for perm := range RolePermissions[p.Role] {
		out[perm] = struct{}{}
	}
	for perm := range p.Permissions {
		out[perm] = struct{}{}
	}
	return out
}

// Engine evaluates authorization decisions for requests.
type Engine struct {
	// CostCeilings maps a principal subject to its per-request cost ceiling
	// in USD. A zero/absent entry means "no ceiling configured" (not "deny
	// everything"), matching the additive nature of the other ABAC rules.
	CostCeilings map[string]float64
}

// NewEngine creates an Engine with the given per-principal cost ceilings.
func NewEngine(costCeilings map[string]float64) *Engine {
	if costCeilings == nil {
		costCeilings = map[string]float64{}
	}
	return &Engine{CostCeilings: costCeilings}
}

// Authorize decides whether principal may perform action against a request
// of the given sensitivity with the given estimated cost, per the table in
// spec §4.2. It returns (false, reason) on denial.
func (e *Engine) Authorize(p *types.Principal, action string, sensitivity types.Sensitivity, estimatedCost float64) (bool, string) {
	if p == nil {
		return false, "no authenticated principal"
	}

	granted := Closure(p)
	if _, ok := granted[action]; !ok {
		return false, fmt.Sprintf("principal lacks required permission %q", action)
	}

	switch sensitivity {
	case types.SensitivityPII:
		if _, ok := granted["pii_access"]; !ok {
			return false, "principal lacks pii_access for sensitivity=pii"
		}
	case types.SensitivitySensitive, types.SensitivityConfidential:
		if _, ok := granted["sensitive_access"]; !ok {
			return false, fmt.Sprintf("principal lacks sensitive_access for sensitivity=%s", sensitivity)
		}
	}

	if ceiling, ok := e.CostCeilings[p.Subject]; ok && ceiling > 0 && estimatedCost > ceiling {
		return false, fmt.Sprintf("estimated cost %.4f exceeds ceiling %.4f", estimatedCost, ceiling)
	}

	return true, ""
}
