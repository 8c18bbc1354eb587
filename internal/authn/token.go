// Package authn implements the Token Service from spec §4.2: verification
// of HS256 bearer tokens into an authenticated Principal.
package authn

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"elida/internal/gatewayerr"
	"elida/internal/types"
)

// Claims are the signed JWT claims carried by a bearer token (§4.2, §6).
type Claims struct {
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// Service verifies bearer tokens signed with a shared HS256 secret.
// Grounded on streamspace's auth/jwt.go: explicit HMAC method assertion
// guards against algorithm-substitution attacks.
type Service struct {
	secret []byte
}

// NewService creates a Service using the given shared signing secret.
// The secret is never logged.
func NewService(secret string) *Service {
	return &Service{secret: []byte(secret)}
}

// Authenticate verifies tokenString and returns the derived Principal.
// Signature or parse failures return AUTH_INVALID without detail (spec §7,
// "authentication failures never leak which field failed"); an exp in the
// past returns AUTH_EXPIRED specifically, per scenario S6.
func (s *Service) Authenticate(tokenString string) (*types.Principal, error) {
	if tokenString == "" {
		return nil, gatewayerr.New(gatewayerr.CodeAuthInvalid, "missing bearer token")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})

	if err != nil {
		if isExpiredErr(err) {
			return nil, gatewayerr.New(gatewayerr.CodeAuthExpired, "token expired")
		}
		return nil, gatewayerr.Wrap(gatewayerr.CodeAuthInvalid, "invalid bearer token", err)
	}
	if !token.Valid {
		return nil, gatewayerr.New(gatewayerr.CodeAuthInvalid, "invalid bearer token")
	}

	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return nil, gatewayerr.New(gatewayerr.CodeAuthExpired, "token expired")
	}

	perms := make(map[string]struct{}, len(claims.Permissions))
	for _, p := range claims.Permissions {
		perms[p] = struct{}{}
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	return &types.Principal{
		Subject:     claims.Subject,
		Role:        types.Role(claims.Role),
		Permissions: perms,
		ExpiresAt:   expiresAt,
	}, nil
}

func isExpiredErr(err error) bool {
	return errors.Is(err, jwt.ErrTokenExpired)
}

// IssueToken is a test/operator helper that signs a new token with the
// service's secret; production token issuance happens outside this core
// (spec §1 scopes cryptographic primitives to the delegated library only).
func (s *Service) IssueToken(subject string, role types.Role, permissions []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role:        string(role),
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}
