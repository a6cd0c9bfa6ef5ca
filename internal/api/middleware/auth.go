// Package middleware provides HTTP middleware for Civitas.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/jmcalloway/civitas/internal/api/jsonapi"
	"github.com/jmcalloway/civitas/internal/auth"
)

type contextKey string

const claimsKey contextKey = "auth_claims"

// RefreshAdvisedHeader is set on responses when the backing session is inside
// its trailing refresh window. Clients seeing it should rotate their refresh
// token before the session lapses.
const RefreshAdvisedHeader = "X-Session-Refresh"

// SessionValidator classifies the session an access token is bound to.
type SessionValidator interface {
	Validate(ctx context.Context, sessionID string) (auth.Validation, error)
}

// RequireAuth validates the Bearer JWT in the Authorization header and then
// classifies the session it is bound to. A structurally valid token whose
// session is revoked or expired is rejected: the session record is the
// authority, not the token.
// On success it injects *auth.Claims into the request context.
func RequireAuth(secret string, sessions SessionValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				jsonapi.RenderError(w, http.StatusUnauthorized,
					"missing_token", "Unauthorized", "Authorization header is required")
				return
			}

			claims, err := auth.ParseAccessToken(token, secret)
			if err != nil {
				jsonapi.RenderError(w, http.StatusUnauthorized,
					"invalid_token", "Unauthorized", "access token is invalid or expired")
				return
			}

			v, err := sessions.Validate(r.Context(), claims.SessionID)
			if err != nil {
				jsonapi.RenderError(w, http.StatusInternalServerError,
					"internal_error", "Internal Server Error", "session lookup failed")
				return
			}
			if !v.Valid {
				code := "invalid_session"
				if v.RequiresRefresh {
					code = "session_expired"
				}
				jsonapi.RenderError(w, http.StatusUnauthorized,
					code, "Unauthorized", "session is no longer valid")
				return
			}
			if v.RequiresRefresh {
				w.Header().Set(RefreshAdvisedHeader, "true")
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext extracts Claims from the request context.
// Returns nil if not present.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	v := ctx.Value(claimsKey)
	if v == nil {
		return nil
	}
	c, _ := v.(*auth.Claims)
	return c
}

// RequireGateway authenticates the trusted auth-gateway that performs
// provider token verification upstream. The gateway signs its calls with a
// shared-secret HS256 bearer token; no session is involved.
func RequireGateway(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				jsonapi.RenderError(w, http.StatusServiceUnavailable,
					"gateway_disabled", "Service Unavailable", "provider sign-in is not configured")
				return
			}
			token := extractBearerToken(r)
			if token == "" {
				jsonapi.RenderError(w, http.StatusUnauthorized,
					"missing_token", "Unauthorized", "Authorization header is required")
				return
			}
			if _, err := auth.ParseAccessToken(token, secret); err != nil {
				jsonapi.RenderError(w, http.StatusUnauthorized,
					"invalid_gateway_token", "Unauthorized", "gateway token is invalid or expired")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}
