package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeAuthenticator struct {
	identity Identity
	err      error
}

func (f *fakeAuthenticator) Authenticate(context.Context, *http.Request) (Identity, error) {
	return f.identity, f.err
}

func TestConfigFromEnvDisabledByDefault(t *testing.T) {
	t.Setenv("CONVEYOR_AUTH_MODE", "")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Mode != ModeDisabled {
		t.Fatalf("expected disabled got %q", cfg.Mode)
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled", Config{Mode: ModeDisabled}, false},
		{"oidc complete", Config{Mode: ModeOIDC, OIDCIssuer: "https://issuer", OIDCClientID: "conveyor"}, false},
		{"oidc missing issuer", Config{Mode: ModeOIDC, OIDCClientID: "conveyor"}, true},
		{"oidc missing client", Config{Mode: ModeOIDC, OIDCIssuer: "https://issuer"}, true},
		{"unknown mode", Config{Mode: Mode("basic")}, true},
	}
	for _, tc := range cases {
		if err := tc.cfg.Validate(); (err != nil) != tc.wantErr {
			t.Fatalf("%s: err=%v wantErr=%v", tc.name, err, tc.wantErr)
		}
	}
}

func TestMiddlewareNilAuthenticatorAdmitsAnonymous(t *testing.T) {
	var got Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
	})
	rec := httptest.NewRecorder()
	Middleware(nil, next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if got.Subject != "anonymous" {
		t.Fatalf("expected anonymous identity got %+v", got)
	}
}

func TestMiddlewareRejectsOnError(t *testing.T) {
	authn := &fakeAuthenticator{err: errors.New("bad token")}
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("next must not run")
	})
	rec := httptest.NewRecorder()
	Middleware(authn, next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected json error got %q", ct)
	}
}

func TestMiddlewarePassesIdentity(t *testing.T) {
	authn := &fakeAuthenticator{identity: Identity{Subject: "user-1", Email: "dev@example.com"}}
	var got Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
	})
	rec := httptest.NewRecorder()
	Middleware(authn, next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))

	if got.Subject != "user-1" || got.Email != "dev@example.com" {
		t.Fatalf("unexpected identity %+v", got)
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if bearerToken(r) != "" {
		t.Fatalf("expected empty token without header")
	}
	r.Header.Set("Authorization", "Bearer  tok-1 ")
	if got := bearerToken(r); got != "tok-1" {
		t.Fatalf("expected tok-1 got %q", got)
	}
	r.Header.Set("Authorization", "Basic dXNlcg==")
	if bearerToken(r) != "" {
		t.Fatalf("expected empty token for non-bearer scheme")
	}
}
