package authn

import (
	"testing"
	"time"

	"elida/internal/gatewayerr"
	"elida/internal/types"
)

func TestService_AuthenticateValidToken(t *testing.T) {
	svc := NewService("test-secret")
	tok, err := svc.IssueToken("svc-1", types.RoleService, []string{"read", "execute"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	p, err := svc.Authenticate(tok)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.Subject != "svc-1" || p.Role != types.RoleService {
		t.Fatalf("unexpected principal: %+v", p)
	}
	if !p.HasPermission("read") || !p.HasPermission("execute") {
		t.Fatalf("expected read+execute permissions, got %+v", p.Permissions)
	}
}

func TestService_AuthenticateExpiredToken(t *testing.T) {
	svc := NewService("test-secret")
	tok, err := svc.IssueToken("svc-1", types.RoleService, nil, -time.Second)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	_, err = svc.Authenticate(tok)
	var gwErr *gatewayerr.GatewayError
	if err == nil {
		t.Fatalf("expected error for expired token")
	}
	if ge, ok := err.(*gatewayerr.GatewayError); ok {
		gwErr = ge
	} else {
		t.Fatalf("expected *gatewayerr.GatewayError, got %T", err)
	}
	if gwErr.Code != gatewayerr.CodeAuthExpired {
		t.Fatalf("expected CodeAuthExpired, got %v", gwErr.Code)
	}
}

func TestService_AuthenticateBadSignature(t *testing.T) {
	svc := NewService("test-secret")
	other := NewService("other-secret")
	tok, _ := other.IssueToken("svc-1", types.RoleService, nil, time.Hour)

	_, err := svc.Authenticate(tok)
	if err == nil {
		t.Fatalf("expected error for bad signature")
	}
	gwErr, ok := err.(*gatewayerr.GatewayError)
	if !ok {
		t.Fatalf("expected *gatewayerr.GatewayError, got %T", err)
	}
	if gwErr.Code != gatewayerr.CodeAuthInvalid {
		t.Fatalf("expected CodeAuthInvalid, got %v", gwErr.Code)
	}
}
