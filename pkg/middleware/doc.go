// Package middleware authenticates callers and limits their request rate.
//
// # Principal authentication
//
// PrincipalAuthenticator puts the caller's principal UUID in the request
// context. With a TokenVerifier it requires an OIDC ID token:
//
//	verifier, err := middleware.NewOIDCVerifier(ctx, issuer, clientID)
//	router.Use(middleware.NewPrincipalAuthenticator(verifier, false).Handler)
//
// Without one it trusts the X-Principal-ID header set by a fronting proxy.
//
// # Rate limiting
//
// RateLimitMiddleware keys requests by principal, falling back to client IP:
//
//	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
//	router.Use(middleware.NewRateLimitMiddleware(limiter, logger).Handler)
//
// DistributedRateLimiter shares the same limits across replicas through
// Redis and can be passed to NewRateLimitMiddleware in place of the
// in-process limiter.
package middleware
