// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/capitalize-ai/chat-assistant/internal/orchestrator"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// IdentityKey is the context key for the caller identity.
	IdentityKey ContextKey = "identity"

	// AnonymousIDHeader lets a browser keep one anonymous identity across IPs.
	AnonymousIDHeader = "X-Anonymous-ID"
)

var anonymousIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

// Claims represents JWT claims. The subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
}

// Identify resolves the caller. A valid bearer token yields an authenticated
// identity; no token yields an anonymous one keyed by the X-Anonymous-ID
// header or, failing that, the client IP. A token that is present but
// invalid is rejected.
func Identify(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var id orchestrator.Identity

			if authHeader := r.Header.Get("Authorization"); authHeader != "" {
				parts := strings.SplitN(authHeader, " ", 2)
				if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
					http.Error(w, `{"error":"invalid authorization header format"}`, http.StatusUnauthorized)
					return
				}

				subject, err := parseToken(parts[1], jwtSecret)
				if err != nil {
					http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
					return
				}
				id = orchestrator.Identity{OwnerID: subject}
			} else {
				id = orchestrator.Identity{OwnerID: anonymousID(r), Anonymous: true}
			}

			ctx := context.WithValue(r.Context(), IdentityKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAuth rejects anonymous callers.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := GetIdentity(r.Context())
		if !ok || id.Anonymous {
			http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetIdentity gets the caller identity from context.
func GetIdentity(ctx context.Context) (orchestrator.Identity, bool) {
	id, ok := ctx.Value(IdentityKey).(orchestrator.Identity)
	return id, ok
}

func parseToken(tokenString, secret string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.Subject == "" {
		return "", jwt.ErrTokenInvalidClaims
	}
	return claims.Subject, nil
}

func anonymousID(r *http.Request) string {
	if v := r.Header.Get(AnonymousIDHeader); anonymousIDPattern.MatchString(v) {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
