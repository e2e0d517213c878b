// Package auth turns Firebase ID tokens into the actor carried by order requests.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/hanko-field/orderflow/internal/platform/httpx"
	"github.com/hanko-field/orderflow/internal/platform/requestctx"
)

const (
	defaultRoleClaim     = "role"
	defaultVerifyTimeout = 5 * time.Second
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator wires token verification into HTTP middleware.
type Authenticator struct {
	verifier   TokenVerifier
	roleClaim  string
	staffRoles map[string]struct{}
	timeout    time.Duration
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithRoleClaim overrides the custom claim used for role extraction.
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		claim = strings.TrimSpace(claim)
		if claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithStaffRoles replaces the claim values that grant admin access.
func WithStaffRoles(roles ...string) Option {
	return func(a *Authenticator) {
		staff := make(map[string]struct{}, len(roles))
		for _, role := range roles {
			if role = normaliseRole(role); role != "" {
				staff[role] = struct{}{}
			}
		}
		if len(staff) > 0 {
			a.staffRoles = staff
		}
	}
}

// WithVerificationTimeout sets the timeout used when verifying tokens.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthenticator constructs an Authenticator for middleware composition.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:  verifier,
		roleClaim: defaultRoleClaim,
		staffRoles: map[string]struct{}{
			RoleStaff: {},
			RoleAdmin: {},
		},
		timeout: defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Authenticate verifies the Authorization bearer token and stores the resulting actor on
// the request context.
func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
		if !ok {
			respondAuthError(w, r, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
			return
		}
		if a == nil || a.verifier == nil {
			respondAuthError(w, r, http.StatusUnauthorized, "unauthenticated", "authorization service unavailable")
			return
		}

		ctx := r.Context()
		if a.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, a.timeout)
			defer cancel()
		}

		token, err := a.verifier.VerifyIDToken(ctx, tokenStr)
		if err != nil {
			respondVerificationError(w, r, err)
			return
		}
		if token == nil || strings.TrimSpace(token.UID) == "" {
			respondAuthError(w, r, http.StatusUnauthorized, "invalid_token", "token has no subject")
			return
		}

		actor := actorFromToken(token, a.roleClaim, a.staffRoles)
		next.ServeHTTP(w, r.WithContext(requestctx.WithActor(r.Context(), actor)))
	})
}

// RequireAdmin rejects requests whose actor is not staff. It must run after Authenticate.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requestctx.Actor(r.Context())
		if !ok {
			respondAuthError(w, r, http.StatusUnauthorized, "unauthenticated", "authentication required")
			return
		}
		if !actor.IsAdmin() {
			respondAuthError(w, r, http.StatusForbidden, "insufficient_role", "staff role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func respondAuthError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	httpx.WriteError(r.Context(), w, httpx.NewError(code, message, status))
}

func respondVerificationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case firebaseauth.IsIDTokenExpired(err):
		respondAuthError(w, r, http.StatusUnauthorized, "token_expired", "firebase id token expired")
	case firebaseauth.IsIDTokenRevoked(err):
		respondAuthError(w, r, http.StatusUnauthorized, "token_revoked", "firebase id token revoked")
	default:
		respondAuthError(w, r, http.StatusUnauthorized, "invalid_token", "firebase id token verification failed")
	}
}
