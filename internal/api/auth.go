package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/toolgate/toolgate/pkg/auth"
	"github.com/toolgate/toolgate/pkg/mcp"
)

// authMiddleware resolves API keys from Authorization: Bearer or X-API-Key
// into a principal on the request context. Requests without credentials
// pass through anonymously; invalid credentials are rejected outright.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ""
		if val := r.Header.Get("Authorization"); strings.HasPrefix(val, "Bearer ") {
			key = strings.TrimPrefix(val, "Bearer ")
		} else if val := r.Header.Get("X-API-Key"); val != "" {
			key = val
		}

		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		rec, ok := s.store.FindUserByAPIKey(key)
		if !ok || rec.Disabled {
			writeError(w, fmt.Errorf("%w: invalid API key", mcp.ErrUnauthenticated))
			return
		}

		p := &auth.Principal{Username: rec.Username, Admin: rec.Admin}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

// requireUser guards a handler behind authentication.
func (s *Server) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if auth.FromContext(r.Context()) == nil {
			writeError(w, fmt.Errorf("%w: authentication required", mcp.ErrUnauthenticated))
			return
		}
		next(w, r)
	}
}

// requireAdmin guards a handler behind admin rights.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := auth.FromContext(r.Context())
		if p == nil {
			writeError(w, fmt.Errorf("%w: authentication required", mcp.ErrUnauthenticated))
			return
		}
		if !p.IsAdmin() {
			writeError(w, fmt.Errorf("%w: admin required", mcp.ErrPermission))
			return
		}
		next(w, r)
	}
}
