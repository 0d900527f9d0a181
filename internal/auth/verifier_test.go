package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key"

func TestNewVerifier(t *testing.T) {
	pub, _ := generateRSAKeyPair(t)
	tests := []struct {
		name    string
		config  VerifierConfig
		wantErr bool
	}{
		{name: "HS256", config: VerifierConfig{Algorithm: "HS256", SecretKey: testSecret}},
		{name: "RS256 with PEM", config: VerifierConfig{Algorithm: "RS256", PublicKeyPEM: pub}},
		{name: "HS256 without secret", config: VerifierConfig{Algorithm: "HS256"}, wantErr: true},
		{name: "RS256 with bad PEM", config: VerifierConfig{Algorithm: "RS256", PublicKeyPEM: "nope"}, wantErr: true},
		{name: "unsupported algorithm", config: VerifierConfig{Algorithm: "ES256"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewVerifier(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewVerifier() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && v == nil {
				t.Fatal("NewVerifier() returned nil verifier")
			}
		})
	}
}

func TestVerifyHS256Token(t *testing.T) {
	v, err := NewVerifier(VerifierConfig{Algorithm: "HS256", SecretKey: testSecret})
	if err != nil {
		t.Fatal(err)
	}

	token, err := SignHS256(testSecret, "operator-1", []string{ScopeRead, ScopeControl}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := v.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken() error = %v", err)
	}
	if claims.Subject != "operator-1" {
		t.Errorf("Subject = %q, want operator-1", claims.Subject)
	}
	if !claims.HasScope(ScopeControl) || claims.HasScope(ScopeTelemetry) {
		t.Errorf("unexpected scopes %v", claims.Scopes)
	}
}

func TestVerifyRolesGrantScopes(t *testing.T) {
	v, _ := NewVerifier(VerifierConfig{Algorithm: "HS256", SecretKey: testSecret})
	token := signHS256Claims(t, tokenClaims{
		Roles:            []string{RoleViewer},
		RegisteredClaims: jwt.RegisteredClaims{Subject: "viewer-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
	})

	claims, err := v.VerifyToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if !claims.HasScope(ScopeRead) || !claims.HasScope(ScopeTelemetry) {
		t.Errorf("viewer scopes = %v", claims.Scopes)
	}
	if claims.HasScope(ScopeControl) {
		t.Error("viewer must not hold control scope")
	}
}

func TestVerifyRS256Token(t *testing.T) {
	pub, priv := generateRSAKeyPair(t)
	v, err := NewVerifier(VerifierConfig{Algorithm: "RS256", PublicKeyPEM: pub})
	if err != nil {
		t.Fatal(err)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, tokenClaims{
		Scopes:           []string{ScopeRead},
		RegisteredClaims: jwt.RegisteredClaims{Subject: "svc", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
	}).SignedString(priv)
	if err != nil {
		t.Fatal(err)
	}

	claims, err := v.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken() error = %v", err)
	}
	if claims.Subject != "svc" {
		t.Errorf("Subject = %q", claims.Subject)
	}
}

func TestVerifyTokenErrors(t *testing.T) {
	v, _ := NewVerifier(VerifierConfig{Algorithm: "HS256", SecretKey: testSecret})
	expired, _ := SignHS256(testSecret, "late", []string{ScopeRead}, -time.Minute)
	wrongKey, _ := SignHS256("other-secret", "x", []string{ScopeRead}, time.Minute)
	noSubject := signHS256Claims(t, tokenClaims{Scopes: []string{ScopeRead}})
	badScope := signHS256Claims(t, tokenClaims{
		Scopes:           []string{"admin"},
		RegisteredClaims: jwt.RegisteredClaims{Subject: "x"},
	})

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"expired", expired},
		{"wrong key", wrongKey},
		{"missing subject", noSubject},
		{"unknown scope", badScope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.VerifyToken(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("VerifyToken() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestVerifyRejectsAlgorithmSwitch(t *testing.T) {
	pub, _ := generateRSAKeyPair(t)
	v, _ := NewVerifier(VerifierConfig{Algorithm: "RS256", PublicKeyPEM: pub})
	token, _ := SignHS256(pub, "attacker", []string{ScopeControl}, time.Minute)
	if _, err := v.VerifyToken(token); err == nil {
		t.Fatal("HS256 token accepted by RS256 verifier")
	}
}

func signHS256Claims(t *testing.T, claims tokenClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func generateRSAKeyPair(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), priv
}
