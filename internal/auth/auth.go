// Package auth gates the admin review routes behind HS256 bearer tokens.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"houseplans.app/cloud/internal/logger"
)

const (
	RoleAdmin = "admin"

	DefaultTokenTTL = 12 * time.Hour
)

var ErrInvalidToken = errors.New("invalid access token")

type Identity struct {
	Subject string
	Role    string
}

type identityContextKey struct{}

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(Identity)
	return identity, ok
}

type tokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func New(secret string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Authenticator{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// IssueToken signs a token for an operator. Sessions and credential checks
// live outside this service; whoever holds JWT_SECRET mints tokens.
func (a *Authenticator) IssueToken(subject, role string) (string, time.Time, error) {
	if len(a.secret) == 0 {
		return "", time.Time{}, fmt.Errorf("jwt secret is empty")
	}
	if strings.TrimSpace(subject) == "" || strings.TrimSpace(role) == "" {
		return "", time.Time{}, fmt.Errorf("subject and role are required")
	}

	now := a.now().UTC()
	expiresAt := now.Add(a.ttl)
	claims := tokenClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

func (a *Authenticator) Parse(raw string) (Identity, error) {
	if strings.TrimSpace(raw) == "" {
		return Identity{}, ErrInvalidToken
	}

	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(_ *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || token == nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, ErrInvalidToken
	}

	return Identity{Subject: claims.Subject, Role: claims.Role}, nil
}

// RequireAdmin rejects requests without a valid bearer token (401) or whose
// token does not carry the admin role (403).
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeAuthError(w, http.StatusUnauthorized, "missing bearer token", "UNAUTHENTICATED")
			return
		}

		identity, err := a.Parse(raw)
		if err != nil {
			logger.Debug("admin token rejected", map[string]interface{}{
				"path":  r.URL.Path,
				"error": err.Error(),
			})
			writeAuthError(w, http.StatusUnauthorized, "invalid access token", "UNAUTHENTICATED")
			return
		}
		if identity.Role != RoleAdmin {
			logger.Warn("non-admin token on admin route", map[string]interface{}{
				"path":    r.URL.Path,
				"subject": identity.Subject,
			})
			writeAuthError(w, http.StatusForbidden, "admin role required", "FORBIDDEN")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

func bearerToken(value string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(value), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

func writeAuthError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code}); err != nil {
		logger.Error("failed to encode auth error", map[string]interface{}{"error": err.Error()})
	}
}
