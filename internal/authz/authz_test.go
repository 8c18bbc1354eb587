package authz

import (
	"testing"

	"elida/internal/types"
)

func principal(role types.Role, extra ...string) *types.Principal {
	perms := make(map[string]struct{})
	for _, p := range extra {
		perms[p] = struct{}{}
	}
	return &types.Principal{Subject: "p1", Role: role, Permissions: perms}
}

func TestAuthorize_Matrix(t *testing.T) {
	e := NewEngine(nil)

	cases := []struct {
		name        string
		principal   *types.Principal
		action      string
		sensitivity types.Sensitivity
		wantOK      bool
	}{
		{"admin can write public", principal(types.RoleAdmin), "write", types.SensitivityPublic, true},
		{"read_only cannot write", principal(types.RoleReadOnly), "write", types.SensitivityPublic, false},
		{"service can execute public", principal(types.RoleService), "execute", types.SensitivityPublic, true},
		{"service cannot access pii", principal(types.RoleService), "execute", types.SensitivityPII, false},
		{"admin can access pii", principal(types.RoleAdmin), "execute", types.SensitivityPII, true},
		{"service with pii_access grant can access pii", principal(types.RoleService, "execute", "pii_access"), "execute", types.SensitivityPII, true},
		{"read_only cannot access sensitive", principal(types.RoleReadOnly), "read", types.SensitivitySensitive, false},
		{"admin can access confidential", principal(types.RoleAdmin), "read", types.SensitivityConfidential, true},
		{"service cannot access confidential", principal(types.RoleService), "read", types.SensitivityConfidential, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, reason := e.Authorize(tc.principal, tc.action, tc.sensitivity, 0)
			if ok != tc.wantOK {
				t.Fatalf("Authorize() = (%v, %q), want ok=%v", ok, reason, tc.wantOK)
			}
		})
	}
}

func TestAuthorize_CostCeiling(t *testing.T) {
	e := NewEngine(map[string]float64{"p1": 1.0})
	p := principal(types.RoleAdmin)

	if ok, _ := e.Authorize(p, "execute", types.SensitivityPublic, 0.5); !ok {
		t.Fatalf("expected authorized under ceiling")
	}
	ok, reason := e.Authorize(p, "execute", types.SensitivityPublic, 5.0)
	if ok {
		t.Fatalf("expected denial over cost ceiling")
	}
	if reason == "" {
		t.Fatalf("expected a denial reason")
	}
}
