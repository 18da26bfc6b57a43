package server

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

// identityKey carries the authenticated Identity through the request
// context for handlers that need the caller's handle or team.
const identityKey contextKey = "fleetcore-identity"

// SecurityHeadersMiddleware strips version-exposing headers and sets a
// generic Server header so responses don't leak the Go version or
// framework.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Del("X-Powered-By")
		h.Set("Server", "fleetcore")
		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware answers preflight requests and sets the allow-origin
// header for origins in the configured list. An empty list allows none;
// the single entry "*" allows all.
func CORSMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(origins))
	allowAll := false
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				if _, ok := allowed[origin]; ok || allowAll {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authMiddleware rejects requests without a valid bearer token and
// stashes the recovered identity in the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token", nil)
			return
		}
		id, err := s.tokens.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error(), nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

// callerIdentity returns the authenticated identity, or nil on the few
// unauthenticated routes.
func callerIdentity(r *http.Request) *Identity {
	id, _ := r.Context().Value(identityKey).(*Identity)
	return id
}
