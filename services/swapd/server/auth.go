package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// AdminAuthConfig configures bearer token and mTLS authentication for
// operator endpoints.
type AdminAuthConfig struct {
	BearerToken string
	AllowMTLS   bool
}

// AdminAuth guards operator endpoints such as manual reconciliation.
type AdminAuth struct {
	bearerToken string
	allowBearer bool
	allowMTLS   bool
}

// Principal describes an authenticated operator.
type Principal struct {
	Method string
}

type principalContextKey struct{}

// PrincipalFromContext extracts the authenticated operator from the request
// context.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	if ctx == nil {
		return nil, false
	}
	principal, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || principal == nil {
		return nil, false
	}
	return principal, true
}

// NewAdminAuth constructs an operator authenticator.
func NewAdminAuth(cfg AdminAuthConfig) (*AdminAuth, error) {
	token := strings.TrimSpace(cfg.BearerToken)
	if token == "" && !cfg.AllowMTLS {
		return nil, fmt.Errorf("at least one admin authentication mechanism must be configured")
	}
	return &AdminAuth{bearerToken: token, allowBearer: token != "", allowMTLS: cfg.AllowMTLS}, nil
}

// Middleware rejects unauthenticated operator requests.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			writeError(w, http.StatusForbidden, "Forbidden", "admin endpoints are disabled")
			return
		}
		principal, ok := a.authenticate(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
			return
		}
		ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *AdminAuth) authenticate(r *http.Request) (*Principal, bool) {
	if a.allowBearer {
		if token := parseBearerToken(r.Header.Get("Authorization")); token != "" &&
			subtle.ConstantTimeCompare([]byte(token), []byte(a.bearerToken)) == 1 {
			return &Principal{Method: "bearer"}, true
		}
	}
	if a.allowMTLS && r.TLS != nil {
		if len(r.TLS.VerifiedChains) > 0 || (len(r.TLS.PeerCertificates) > 0 && r.TLS.HandshakeComplete) {
			return &Principal{Method: "mtls"}, true
		}
	}
	return nil, false
}

// RequesterAuthConfig configures HS256 bearer tokens for swap requesters.
type RequesterAuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

// RequesterAuth verifies that a swap is requested by the key it debits. The
// token subject must be the requester key.
type RequesterAuth struct {
	secret []byte
	cfg    RequesterAuthConfig
}

type requesterContextKey struct{}

// NewRequesterAuth constructs a requester authenticator.
func NewRequesterAuth(cfg RequesterAuthConfig) (*RequesterAuth, error) {
	secret := strings.TrimSpace(cfg.HMACSecret)
	if secret == "" {
		return nil, errors.New("requester auth secret required")
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = time.Minute
	}
	return &RequesterAuth{secret: []byte(secret), cfg: cfg}, nil
}

// Middleware stores the token subject in the request context. A nil
// RequesterAuth lets every request through.
func (a *RequesterAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			next.ServeHTTP(w, r)
			return
		}
		token := parseBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "Unauthorized", "missing bearer token")
			return
		}
		subject, err := a.subject(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized", "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), requesterContextKey{}, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *RequesterAuth) subject(raw string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if !token.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// RequesterFromContext returns the authenticated requester key, if any.
func RequesterFromContext(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(requesterContextKey{}).(string)
	return subject, ok && subject != ""
}

func parseBearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
