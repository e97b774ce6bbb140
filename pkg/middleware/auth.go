package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"

	"github.com/platinummonkey/entitle/pkg/contextkeys"
	"github.com/platinummonkey/entitle/pkg/httputil"
)

// PrincipalHeader carries the principal in trusted-proxy mode
const PrincipalHeader = "X-Principal-ID"

// TokenVerifier checks a bearer token and returns its subject and claims
type TokenVerifier interface {
	VerifyToken(ctx context.Context, rawToken string) (subject string, claims map[string]interface{}, err error)
}

// OIDCVerifier verifies ID tokens issued by an OpenID Connect provider
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers issuer's keys and accepts tokens for clientID
func NewOIDCVerifier(ctx context.Context, issuer, clientID string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}
	return &OIDCVerifier{verifier: provider.Verifier(&oidc.Config{ClientID: clientID})}, nil
}

// NewOIDCVerifierFromKeySet builds a verifier without discovery
func NewOIDCVerifierFromKeySet(issuer string, keySet oidc.KeySet, config *oidc.Config) *OIDCVerifier {
	return &OIDCVerifier{verifier: oidc.NewVerifier(issuer, keySet, config)}
}

func (v *OIDCVerifier) VerifyToken(ctx context.Context, rawToken string) (string, map[string]interface{}, error) {
	token, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return "", nil, err
	}
	var claims map[string]interface{}
	if err := token.Claims(&claims); err != nil {
		return "", nil, fmt.Errorf("failed to parse claims: %w", err)
	}
	return token.Subject, claims, nil
}

// PrincipalAuthenticator resolves the calling principal
type PrincipalAuthenticator struct {
	verifier TokenVerifier
	optional bool // If true, allow requests without a principal
}

// NewPrincipalAuthenticator creates the middleware. A nil verifier selects
// trusted-proxy mode.
func NewPrincipalAuthenticator(verifier TokenVerifier, optional bool) *PrincipalAuthenticator {
	return &PrincipalAuthenticator{verifier: verifier, optional: optional}
}

// Handler wraps an HTTP handler with principal authentication
func (m *PrincipalAuthenticator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.verifier == nil {
			m.fromHeader(next, w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.anonymous(next, w, r, "missing authorization header")
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			httputil.WriteUnauthorized(w, "invalid authorization header format")
			return
		}

		subject, claims, err := m.verifier.VerifyToken(r.Context(), token)
		if err != nil {
			httputil.WriteUnauthorized(w, "invalid or expired token")
			return
		}

		principal, err := uuid.Parse(subject)
		if err != nil {
			httputil.WriteUnauthorized(w, "token subject is not a principal id")
			return
		}

		ctx := contextkeys.WithPrincipalID(r.Context(), principal.String())
		ctx = contextkeys.WithClaims(ctx, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *PrincipalAuthenticator) fromHeader(next http.Handler, w http.ResponseWriter, r *http.Request) {
	raw := r.Header.Get(PrincipalHeader)
	if raw == "" {
		m.anonymous(next, w, r, "missing "+PrincipalHeader+" header")
		return
	}
	principal, err := uuid.Parse(raw)
	if err != nil {
		httputil.WriteUnauthorized(w, "invalid "+PrincipalHeader+" header")
		return
	}
	next.ServeHTTP(w, r.WithContext(contextkeys.WithPrincipalID(r.Context(), principal.String())))
}

func (m *PrincipalAuthenticator) anonymous(next http.Handler, w http.ResponseWriter, r *http.Request, message string) {
	if m.optional {
		next.ServeHTTP(w, r)
		return
	}
	httputil.WriteUnauthorized(w, message)
}

// GetPrincipal returns the authenticated principal of r
func GetPrincipal(r *http.Request) (uuid.UUID, bool) {
	raw := contextkeys.GetPrincipalID(r.Context())
	if raw == "" {
		return uuid.Nil, false
	}
	principal, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return principal, true
}
