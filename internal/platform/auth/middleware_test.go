package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func signHS256(t *testing.T, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSigningKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func validClaims(sub string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    "https://idp.test",
			Audience:  jwt.ClaimStrings{"recordvault"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Roles: []string{RoleClinician},
	}
}

// runJWT passes a request with the given Authorization header through the
// middleware and returns the handler's view of the context.
func runJWT(t *testing.T, cfg JWTConfig, header string) (context.Context, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	c := e.NewContext(req, httptest.NewRecorder())

	var seen context.Context
	err := JWTMiddleware(cfg)(func(c echo.Context) error {
		seen = c.Request().Context()
		return nil
	})(c)
	return seen, err
}

func expectUnauthorized(t *testing.T, err error) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if he.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", he.Code)
	}
}

func TestJWTMiddleware_Rejects(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "https://idp.test", Audience: "recordvault"}

	expired := validClaims(uuid.NewString())
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	wrongAud := validClaims(uuid.NewString())
	wrongAud.Audience = jwt.ClaimStrings{"billing"}

	noExp := validClaims(uuid.NewString())
	noExp.ExpiresAt = nil

	noSub := validClaims("")

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty token", "Bearer   "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not.a.jwt"},
		{"expired", "Bearer " + signHS256(t, expired)},
		{"wrong audience", "Bearer " + signHS256(t, wrongAud)},
		{"no expiry", "Bearer " + signHS256(t, noExp)},
		{"no subject", "Bearer " + signHS256(t, noSub)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runJWT(t, cfg, tt.header)
			expectUnauthorized(t, err)
		})
	}
}

func TestJWTMiddleware_PutsActorOnContext(t *testing.T) {
	sub := uuid.New()
	cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "https://idp.test", Audience: "recordvault"}

	ctx, err := runJWT(t, cfg, "Bearer "+signHS256(t, validClaims(sub.String())))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id, ok := ActorIDFromContext(ctx)
	if !ok || id != sub {
		t.Errorf("expected actor %s, got %s (%v)", sub, id, ok)
	}
	if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != RoleClinician {
		t.Errorf("unexpected roles %v", roles)
	}
}

func TestJWTMiddleware_HS256RejectedWithoutSharedSecret(t *testing.T) {
	_, err := runJWT(t, JWTConfig{JWKSURL: "http://127.0.0.1:1/jwks"}, "Bearer "+signHS256(t, validClaims(uuid.NewString())))
	expectUnauthorized(t, err)
}

func TestDevAuthMiddleware(t *testing.T) {
	e := echo.New()

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	var ctx context.Context
	_ = DevAuthMiddleware()(func(c echo.Context) error {
		ctx = c.Request().Context()
		return nil
	})(c)

	if id, ok := ActorIDFromContext(ctx); !ok || id != DevUserID {
		t.Errorf("expected dev user, got %s", id)
	}
	if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != RoleAdmin {
		t.Errorf("expected admin role, got %v", roles)
	}

	// An explicit Authorization header is left for downstream handling.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer x")
	c = e.NewContext(req, httptest.NewRecorder())
	_ = DevAuthMiddleware()(func(c echo.Context) error {
		ctx = c.Request().Context()
		return nil
	})(c)
	if UserIDFromContext(ctx) != "" {
		t.Error("dev identity must not be applied over a supplied token")
	}
}

func TestActorIDFromContext_NotUUID(t *testing.T) {
	ctx := WithUser(context.Background(), "service-account@ledger", []string{RoleAnchor})
	if _, ok := ActorIDFromContext(ctx); ok {
		t.Error("expected a non-uuid subject to yield no actor id")
	}
}
