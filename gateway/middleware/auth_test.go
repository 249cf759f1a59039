package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const testSecret = "unit-test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestAuthenticatorInjectsSubject(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "intentbook"}, nil)
	var seen string
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = Subject(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/intents", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, jwt.MapClaims{
		"sub": "alice",
		"iss": "intentbook",
		"exp": time.Now().Add(time.Hour).Unix(),
	}))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if seen != "alice" {
		t.Fatalf("expected subject alice, got %q", seen)
	}
}

func TestAuthenticatorRejects(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, OptionalPaths: []string{"/healthz"}}, nil)
	handler := auth.Middleware("operator")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	exp := time.Now().Add(time.Hour).Unix()

	cases := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{name: "missing", path: "/admin/deposits", want: http.StatusUnauthorized},
		{name: "garbage", path: "/admin/deposits", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "no expiry", path: "/admin/deposits", header: "Bearer " + signToken(t, jwt.MapClaims{"sub": "op", "scope": "operator"}), want: http.StatusUnauthorized},
		{name: "no subject", path: "/admin/deposits", header: "Bearer " + signToken(t, jwt.MapClaims{"exp": exp, "scope": "operator"}), want: http.StatusUnauthorized},
		{name: "scope", path: "/admin/deposits", header: "Bearer " + signToken(t, jwt.MapClaims{"sub": "op", "exp": exp, "scope": "user"}), want: http.StatusForbidden},
		{name: "operator", path: "/admin/deposits", header: "Bearer " + signToken(t, jwt.MapClaims{"sub": "op", "exp": exp, "scope": "user operator"}), want: http.StatusOK},
		{name: "optional", path: "/healthz", want: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			res := httptest.NewRecorder()
			handler.ServeHTTP(res, req)
			if res.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, res.Code)
			}
		})
	}
}
