package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
)

// Scopes.
const (
	ScopeRead      = "read"
	ScopeControl   = "control"
	ScopeTelemetry = "telemetry"
)

var (
	// ErrInvalidToken wraps every verification failure.
	ErrInvalidToken = errors.New("invalid token")

	roleScopes = map[string][]string{
		RoleViewer:   {ScopeRead, ScopeTelemetry},
		RoleOperator: {ScopeRead, ScopeControl, ScopeTelemetry},
	}
	validScopes = map[string]bool{ScopeRead: true, ScopeControl: true, ScopeTelemetry: true}
)

// Claims is the verified identity of a caller.
type Claims struct {
	Subject string   `json:"sub"`
	Roles   []string `json:"roles"`
	Scopes  []string `json:"scopes"`
}

// HasScope reports whether the caller was granted scope.
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type tokenClaims struct {
	Roles  []string `json:"roles,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// VerifierConfig selects the signing algorithm and key.
type VerifierConfig struct {
	// Algorithm is "HS256" or "RS256".
	Algorithm    string
	SecretKey    string
	PublicKeyPEM string
	Issuer       string
	Leeway       time.Duration
}

// Verifier checks bearer tokens.
type Verifier struct {
	config    VerifierConfig
	publicKey *rsa.PublicKey
	parser    *jwt.Parser
}

// NewVerifier creates a verifier.
func NewVerifier(config VerifierConfig) (*Verifier, error) {
	v := &Verifier{config: config}
	switch config.Algorithm {
	case "HS256":
		if config.SecretKey == "" {
			return nil, fmt.Errorf("HS256 requires secret key")
		}
	case "RS256":
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(config.PublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("failed to load public key from PEM: %w", err)
		}
		v.publicKey = key
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", config.Algorithm)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{config.Algorithm}),
		jwt.WithLeeway(config.Leeway),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	v.parser = jwt.NewParser(opts...)
	return v, nil
}

// VerifyToken verifies a token and returns its claims. Tokens without a
// scopes claim receive the scopes of their roles.
func (v *Verifier) VerifyToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("%w: token cannot be empty", ErrInvalidToken)
	}

	var tc tokenClaims
	token, err := v.parser.ParseWithClaims(tokenString, &tc, v.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if tc.Subject == "" {
		return nil, fmt.Errorf("%w: missing 'sub' claim", ErrInvalidToken)
	}

	scopes := tc.Scopes
	if len(scopes) == 0 {
		scopes = scopesForRoles(tc.Roles)
	}
	for _, s := range scopes {
		if !validScopes[s] {
			return nil, fmt.Errorf("%w: unknown scope %q", ErrInvalidToken, s)
		}
	}

	return &Claims{Subject: tc.Subject, Roles: tc.Roles, Scopes: scopes}, nil
}

func (v *Verifier) key(*jwt.Token) (interface{}, error) {
	if v.publicKey != nil {
		return v.publicKey, nil
	}
	return []byte(v.config.SecretKey), nil
}

func scopesForRoles(roles []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range roles {
		for _, s := range roleScopes[r] {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// SignHS256 issues a token for subject. Used by tooling and tests.
func SignHS256(secret, subject string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
