// Package identity resolves the caller's user_id for each request and,
// when configured, verifies it against a Keycloak-issued JWT. The core
// never performs token introspection or directory lookups itself — that
// is an external collaborator's job; this package only produces the
// resolved string the rest of the bridge keys everything on.
package identity

import (
	"context"
	"net"
	"net/http"

	"github.com/codexbridge/codexd/internal/apierr"
	"github.com/codexbridge/codexd/internal/config"
)

const DefaultUserID = "default"

type contextKey int

const userIDKey contextKey = iota

// UserIDFromContext extracts the resolved user_id from the request
// context. Empty string means WithUserID was never applied to it.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// resolveFromRequest implements the body/header/query priority order.
// body is the already-parsed request body's user_id field, if any
// (handlers that read a JSON body pass it in; GET handlers pass "").
func resolveFromRequest(r *http.Request, bodyUserID string) string {
	if bodyUserID != "" {
		return bodyUserID
	}
	if h := r.Header.Get("X-User-Id"); h != "" {
		return h
	}
	if q := r.URL.Query().Get("user_id"); q != "" {
		return q
	}
	return ""
}

// Resolver establishes the request's user_id per the configured security
// method. It is called once per request after any JSON body has been
// decoded, since body user_id has top priority.
type Resolver struct {
	cfg      *config.Config
	verifier *KeycloakVerifier // nil when SecurityMethod != keycloak
}

// NewResolver builds a Resolver. When cfg.SecurityMethod is keycloak, it
// constructs the JWKS-backed verifier eagerly so a misconfigured issuer
// fails at startup rather than on the first request.
func NewResolver(cfg *config.Config) (*Resolver, error) {
	res := &Resolver{cfg: cfg}
	if cfg.SecurityMethod == config.SecurityKeycloak {
		v, err := NewKeycloakVerifier(cfg.KeycloakJWKSURL, cfg.KeycloakIssuer, cfg.KeycloakAudience)
		if err != nil {
			return nil, err
		}
		res.verifier = v
	}
	return res, nil
}

// Resolve determines and validates the caller's user_id.
//
//   - security method none, override on: body/header/query/default.
//   - security method none, override off: always DefaultUserID.
//   - security method keycloak: the bearer token's verified subject is
//     authoritative; body/header/query user_id (if present) must match
//     it exactly or the request is forbidden.
func (res *Resolver) Resolve(r *http.Request, bodyUserID string) (string, error) {
	switch res.cfg.SecurityMethod {
	case config.SecurityKeycloak:
		claimed := resolveFromRequest(r, bodyUserID)
		subject, err := res.verifier.VerifyRequest(r)
		if err != nil {
			return "", apierr.Auth("invalid or missing bearer token: %v", err)
		}
		if claimed != "" && claimed != subject {
			return "", apierr.Forbidden("user_id %q does not match authenticated subject", claimed)
		}
		return subject, nil
	default:
		if !res.cfg.AllowUserIDOverride {
			return DefaultUserID, nil
		}
		if uid := resolveFromRequest(r, bodyUserID); uid != "" {
			return uid, nil
		}
		return DefaultUserID, nil
	}
}

// WithUserID stores the fully resolved user_id (already computed by the
// caller, since POST /chat needs its body decoded first) into the
// request context for downstream handlers and logging.
func WithUserID(r *http.Request, userID string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), userIDKey, userID))
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
