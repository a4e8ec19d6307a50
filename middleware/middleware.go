// Package middleware provides HTTP middleware and query-token verification
// for the relay. Full authentication (device flow, WebAuthn) is out of
// scope (spec.md §1) — this package only extracts the verified
// (user_id, role) pair the Hub and the WebSocket upgrade handlers need.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/orbit-relay/hub/auth"
)

type contextKey int

const (
	ctxUserID contextKey = iota
	ctxUserRole
	ctxSessionID
)

// RequireAuth validates the Bearer JWT and injects user_id + role into
// context. Returns 401 on missing/invalid/expired token.
func RequireAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}
			claims, err := auth.ParseAccessToken(secret, raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			ctx := context.WithValue(r.Context(), ctxUserID, claims.Subject)
			ctx = context.WithValue(ctx, ctxUserRole, claims.Role)
			ctx = context.WithValue(ctx, ctxSessionID, claims.SessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ContextUserID extracts the user_id injected by RequireAuth.
func ContextUserID(r *http.Request) string {
	v, _ := r.Context().Value(ctxUserID).(string)
	return v
}

// ContextUserRole extracts the role injected by RequireAuth.
func ContextUserRole(r *http.Request) auth.Role {
	v, _ := r.Context().Value(ctxUserRole).(auth.Role)
	return v
}

// ContextSessionID extracts the session UUID injected by RequireAuth.
func ContextSessionID(r *http.Request) uuid.UUID {
	v, _ := r.Context().Value(ctxSessionID).(uuid.UUID)
	return v
}

// AuthenticateSocket verifies the `token` query parameter carried on a
// WebSocket upgrade request and checks its role matches the endpoint being
// dialed (spec.md §6: /ws/client and /ws/anchor each accept only their own
// role's token). Returns the opaque user_id on success.
func AuthenticateSocket(secret []byte, r *http.Request, want auth.Role) (string, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		return "", fmt.Errorf("missing token query parameter")
	}
	claims, err := auth.ParseAccessToken(secret, token)
	if err != nil {
		return "", err
	}
	if claims.Role != want {
		return "", fmt.Errorf("token role %q does not match endpoint role %q", claims.Role, want)
	}
	return claims.Subject, nil
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
