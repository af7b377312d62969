package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/werkstatt-flow/api/internal/platform/httpx"
	"github.com/werkstatt-flow/api/internal/platform/requestctx"
)

const defaultVerifyTimeout = 5 * time.Second

// ErrTokenExpired signals an expired ID token. Verifiers other than Firebase may return it.
var ErrTokenExpired = errors.New("auth: id token expired")

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator turns bearer tokens into identities.
type Authenticator struct {
	verifier  TokenVerifier
	roleClaim string
	timeout   time.Duration
}

// Option customises Authenticator.
type Option func(*Authenticator)

// WithRoleClaim changes the claim that carries roles.
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithVerificationTimeout bounds token verification.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{verifier: verifier, roleClaim: "role", timeout: defaultVerifyTimeout}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RequireFirebaseAuth rejects requests without a valid ID token or without
// one of allowedRoles. An empty allowedRoles accepts any role.
func (a *Authenticator) RequireFirebaseAuth(allowedRoles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			raw, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				deny(ctx, w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
				return
			}
			if a == nil || a.verifier == nil {
				deny(ctx, w, http.StatusServiceUnavailable, "verification_unavailable", "authentication not configured")
				return
			}

			verifyCtx, cancel := context.WithTimeout(ctx, a.timeout)
			token, err := a.verifier.VerifyIDToken(verifyCtx, raw)
			cancel()
			if err != nil {
				if errors.Is(err, ErrTokenExpired) || firebaseauth.IsIDTokenExpired(err) {
					deny(ctx, w, http.StatusUnauthorized, "token_expired", "id token expired")
					return
				}
				deny(ctx, w, http.StatusUnauthorized, "invalid_token", "id token verification failed")
				return
			}

			identity := identityFromToken(token, a.roleClaim)
			if len(identity.Roles) == 0 {
				deny(ctx, w, http.StatusForbidden, "missing_role", "no role associated with identity")
				return
			}
			if len(allowedRoles) > 0 && !hasAnyRole(identity, allowedRoles) {
				deny(ctx, w, http.StatusForbidden, "insufficient_role", "identity does not have required role")
				return
			}

			ctx = WithIdentity(ctx, identity)
			ctx = requestctx.WithActor(ctx, identity.Actor())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func identityFromToken(token *firebaseauth.Token, roleClaim string) *Identity {
	identity := &Identity{
		UID:         token.UID,
		Email:       stringClaim(token.Claims, "email"),
		DisplayName: stringClaim(token.Claims, "name"),
		Roles:       rolesFromClaim(token.Claims[roleClaim]),
	}
	if v, ok := token.Claims[overrideClaim].(bool); ok {
		identity.Override = v
	}
	return identity
}

func rolesFromClaim(raw any) []string {
	var values []string
	switch v := raw.(type) {
	case string:
		values = []string{v}
	case []string:
		values = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				values = append(values, s)
			}
		}
	}
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		role := strings.ToLower(strings.TrimSpace(value))
		if role == "" {
			continue
		}
		if _, dup := seen[role]; dup {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}

func hasAnyRole(identity *Identity, roles []string) bool {
	for _, role := range roles {
		if identity.HasRole(role) {
			return true
		}
	}
	return false
}

func stringClaim(claims map[string]any, key string) string {
	s, _ := claims[key].(string)
	return strings.TrimSpace(s)
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func deny(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}
