package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const claimsKey contextKey = "claims"

// Anonymous is the identity used when authentication is disabled.
var Anonymous = &Claims{
	Subject: "anonymous",
	Roles:   []string{RoleOperator},
	Scopes:  []string{ScopeRead, ScopeControl, ScopeTelemetry},
}

// ErrorWriter renders an authentication failure.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, status int, code, message string)

// Middleware authenticates requests and enforces scopes. A nil verifier
// disables authentication: every request runs as Anonymous.
type Middleware struct {
	verifier *Verifier
	public   map[string]bool
	writeErr ErrorWriter
}

// NewMiddleware creates a middleware. publicPaths skip authentication.
func NewMiddleware(verifier *Verifier, publicPaths ...string) *Middleware {
	m := &Middleware{
		verifier: verifier,
		public:   make(map[string]bool),
		writeErr: writeError,
	}
	for _, p := range publicPaths {
		m.public[p] = true
	}
	return m
}

// SetErrorWriter replaces the default JSON error body.
func (m *Middleware) SetErrorWriter(fn ErrorWriter) {
	if fn != nil {
		m.writeErr = fn
	}
}

// Enabled reports whether tokens are verified.
func (m *Middleware) Enabled() bool {
	return m.verifier != nil
}

// RequireAuth verifies the bearer token and stores the claims in the
// request context.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.public[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		if m.verifier == nil {
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), Anonymous)))
			return
		}

		token, err := bearerToken(r)
		if err != nil {
			m.writeErr(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
			return
		}
		claims, err := m.verifier.VerifyToken(token)
		if err != nil {
			m.writeErr(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequireScope rejects callers missing any of scopes.
func (m *Middleware) RequireScope(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := FromContext(r.Context())
			if claims == nil {
				m.writeErr(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
				return
			}
			for _, s := range scopes {
				if !claims.HasScope(s) {
					m.writeErr(w, r, http.StatusForbidden, "FORBIDDEN", "Insufficient permissions")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithClaims returns ctx carrying claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// FromContext returns the claims stored by RequireAuth, or nil.
func FromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey).(*Claims)
	return claims
}

// Subject returns the caller's subject or "unknown".
func Subject(ctx context.Context) string {
	if c := FromContext(ctx); c != nil && c.Subject != "" {
		return c.Subject
	}
	return "unknown"
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", errors.New("invalid Authorization header format")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", errors.New("empty token")
	}
	return token, nil
}

func writeError(w http.ResponseWriter, _ *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"result":        "error",
		"code":          code,
		"message":       message,
		"correlationId": uuid.NewString(),
	})
}
