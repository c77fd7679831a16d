// Package auth guards the daemon API: OIDC bearer verification on API
// routes and HMAC signatures on webhook deliveries. A disabled mode exists
// for local use.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/conveyor-ci/conveyor/internal/platform/env"
)

type Mode string

const (
	ModeOIDC     Mode = "oidc"
	ModeDisabled Mode = "disabled"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Config struct {
	Mode         Mode
	OIDCIssuer   string
	OIDCClientID string
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Mode:         Mode(strings.ToLower(strings.TrimSpace(env.String("CONVEYOR_AUTH_MODE", string(ModeDisabled))))),
		OIDCIssuer:   strings.TrimSpace(env.String("CONVEYOR_AUTH_OIDC_ISSUER", "")),
		OIDCClientID: strings.TrimSpace(env.String("CONVEYOR_AUTH_OIDC_CLIENT_ID", "")),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeDisabled:
		return nil
	case ModeOIDC:
		if c.OIDCIssuer == "" {
			return errors.New("CONVEYOR_AUTH_OIDC_ISSUER is required in oidc mode")
		}
		if c.OIDCClientID == "" {
			return errors.New("CONVEYOR_AUTH_OIDC_CLIENT_ID is required in oidc mode")
		}
		return nil
	default:
		return fmt.Errorf("unknown auth mode %q", c.Mode)
	}
}

// Identity is the verified caller of an API request.
type Identity struct {
	Subject string
	Email   string
}

// Authenticator verifies one request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

type ctxKeyIdentity struct{}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return identity, ok
}

// Middleware authenticates requests before passing them on. A nil
// authenticator admits everything with an anonymous identity.
func Middleware(authenticator Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := Identity{Subject: "anonymous"}
		if authenticator != nil {
			var err error
			identity, err = authenticator.Authenticate(r.Context(), r)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyIdentity{}, identity)))
	})
}

func bearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return ""
	}
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
