package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("SignedString() failed: %v", err)
	}
	return token
}

func serveIdentity(secret, header string) (*httptest.ResponseRecorder, string, bool) {
	var owner string
	var found bool
	handler := Identity(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, found = OwnerID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/rooms", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr, owner, found
}

func TestIdentity_ValidToken(t *testing.T) {
	token := signToken(t, testSecret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Login: "ada",
	})

	rr, owner, found := serveIdentity(testSecret, "Bearer "+token)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNoContent)
	}
	if !found || owner != "user-42" {
		t.Errorf("OwnerID() = %q, %v; want %q, true", owner, found, "user-42")
	}
}

func TestIdentity_LoginFallback(t *testing.T) {
	token := signToken(t, testSecret, Claims{Login: "ada"})

	_, owner, found := serveIdentity(testSecret, "bearer "+token)
	if !found || owner != "ada" {
		t.Errorf("OwnerID() = %q, %v; want %q, true", owner, found, "ada")
	}
}

func TestIdentity_Anonymous(t *testing.T) {
	rr, _, found := serveIdentity(testSecret, "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNoContent)
	}
	if found {
		t.Error("OwnerID() found an owner for an anonymous request")
	}

	// Without a secret, tokens are not inspected.
	_, _, found = serveIdentity("", "Bearer garbage")
	if found {
		t.Error("OwnerID() found an owner with identity disabled")
	}
}

func TestIdentity_Rejects(t *testing.T) {
	expired := signToken(t, testSecret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})

	tests := []struct {
		name   string
		header string
	}{
		{"wrong scheme", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not-a-jwt"},
		{"wrong secret", "Bearer " + signToken(t, "other-secret", Claims{Login: "ada"})},
		{"expired", "Bearer " + expired},
		{"none alg", "Bearer eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0.eyJzdWIiOiJ4In0."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, _, _ := serveIdentity(testSecret, tt.header)
			if rr.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
			}
		})
	}
}
