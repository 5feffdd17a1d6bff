// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/gregpriday/go-work-manager/pkg/auth"
)

type contextKey string

// HolderContextKey is where the authenticated holder ID lives in the
// request context
const HolderContextKey contextKey = "holder_id"

// HolderAuth validates holder credentials on every request. Holders send
// Authorization: Bearer <token> plus X-Holder-ID; operator tooling may send
// X-API-Key instead. Health and metrics endpoints are left open for probes
// and scrapers.
func HolderAuth(registry *auth.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if path == "/health" || path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
				if err := registry.ValidateOperatorKey(apiKey); err != nil {
					log.Printf("[Auth] Rejected API key for %s %s: %v", r.Method, path, err)
					http.Error(w, "Invalid API key", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			holderID := r.Header.Get("X-Holder-ID")
			token := bearerToken(r)
			if holderID == "" || token == "" {
				http.Error(w, "Missing credentials", http.StatusUnauthorized)
				return
			}

			if err := registry.ValidateHolderToken(holderID, token); err != nil {
				log.Printf("[Auth] Rejected holder %s: %v", holderID, err)
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), HolderContextKey, holderID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HolderID extracts the authenticated holder from the request context
func HolderID(r *http.Request) string {
	if holderID, ok := r.Context().Value(HolderContextKey).(string); ok {
		return holderID
	}
	return ""
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
