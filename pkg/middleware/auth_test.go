package middleware

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/entitle/pkg/contextkeys"
)

const testIssuer = "https://issuer.example.com"

type staticVerifier struct {
	subject string
	err     error
}

func (v staticVerifier) VerifyToken(_ context.Context, raw string) (string, map[string]interface{}, error) {
	if v.err != nil {
		return "", nil, v.err
	}
	return v.subject, map[string]interface{}{"sub": v.subject, "raw": raw}, nil
}

// captureHandler records the principal seen by the wrapped handler
func captureHandler(seen *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*seen = contextkeys.GetPrincipalID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestPrincipalAuthenticator_Header(t *testing.T) {
	principal := uuid.New()

	tests := []struct {
		name     string
		header   string
		optional bool
		status   int
		want     string
	}{
		{"valid header", principal.String(), false, http.StatusOK, principal.String()},
		{"missing header", "", false, http.StatusUnauthorized, ""},
		{"missing header optional", "", true, http.StatusOK, ""},
		{"malformed header", "user-1", false, http.StatusUnauthorized, ""},
		{"malformed header optional", "user-1", true, http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := NewPrincipalAuthenticator(nil, tt.optional).Handler(captureHandler(&seen))

			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set(PrincipalHeader, tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.want, seen)
		})
	}
}

func TestPrincipalAuthenticator_Bearer(t *testing.T) {
	principal := uuid.New()

	tests := []struct {
		name     string
		verifier TokenVerifier
		auth     string
		status   int
	}{
		{"verified token", staticVerifier{subject: principal.String()}, "Bearer tok", http.StatusOK},
		{"lowercase scheme", staticVerifier{subject: principal.String()}, "bearer tok", http.StatusOK},
		{"missing header", staticVerifier{subject: principal.String()}, "", http.StatusUnauthorized},
		{"wrong scheme", staticVerifier{subject: principal.String()}, "Basic abc", http.StatusUnauthorized},
		{"rejected token", staticVerifier{err: errors.New("expired")}, "Bearer tok", http.StatusUnauthorized},
		{"subject not a uuid", staticVerifier{subject: "alice"}, "Bearer tok", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := NewPrincipalAuthenticator(tt.verifier, false).Handler(captureHandler(&seen))

			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.auth != "" {
				r.Header.Set("Authorization", tt.auth)
			}
			// the proxy header is ignored once tokens are required
			r.Header.Set(PrincipalHeader, uuid.NewString())
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)

			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, principal.String(), seen)
			} else {
				assert.Empty(t, seen)
			}
		})
	}
}

func TestPrincipalAuthenticator_ClaimsInContext(t *testing.T) {
	principal := uuid.New()
	var claims map[string]interface{}

	handler := NewPrincipalAuthenticator(staticVerifier{subject: principal.String()}, false).Handler(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims = contextkeys.GetClaims(r.Context())
			got, ok := GetPrincipal(r)
			assert.True(t, ok)
			assert.Equal(t, principal, got)
		}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer abc")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	require.NotNil(t, claims)
	assert.Equal(t, "abc", claims["raw"])
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims map[string]interface{}) string {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, (&jose.SignerOptions{}).WithType("JWT"))
	require.NoError(t, err)
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	obj, err := signer.Sign(payload)
	require.NoError(t, err)
	raw, err := obj.CompactSerialize()
	require.NoError(t, err)
	return raw
}

func TestOIDCVerifier(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	now := time.Now()
	verifier := NewOIDCVerifierFromKeySet(testIssuer,
		&oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}},
		&oidc.Config{ClientID: "entitle", Now: func() time.Time { return now }})

	principal := uuid.NewString()
	claims := map[string]interface{}{
		"iss":   testIssuer,
		"sub":   principal,
		"aud":   "entitle",
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"email": "admin@example.com",
	}

	t.Run("valid", func(t *testing.T) {
		subject, got, err := verifier.VerifyToken(context.Background(), signToken(t, key, claims))
		require.NoError(t, err)
		assert.Equal(t, principal, subject)
		assert.Equal(t, "admin@example.com", got["email"])
	})

	t.Run("wrong key", func(t *testing.T) {
		_, _, err := verifier.VerifyToken(context.Background(), signToken(t, other, claims))
		assert.Error(t, err)
	})

	t.Run("wrong audience", func(t *testing.T) {
		bad := map[string]interface{}{}
		for k, v := range claims {
			bad[k] = v
		}
		bad["aud"] = "someone-else"
		_, _, err := verifier.VerifyToken(context.Background(), signToken(t, key, bad))
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		bad := map[string]interface{}{}
		for k, v := range claims {
			bad[k] = v
		}
		bad["exp"] = now.Add(-time.Hour).Unix()
		_, _, err := verifier.VerifyToken(context.Background(), signToken(t, key, bad))
		assert.Error(t, err)
	})

	t.Run("through middleware", func(t *testing.T) {
		var seen string
		handler := NewPrincipalAuthenticator(verifier, false).Handler(captureHandler(&seen))
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer "+signToken(t, key, claims))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, principal, seen)
	})
}
