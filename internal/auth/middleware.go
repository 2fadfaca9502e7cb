package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/haasonsaas/pairrelay/pkg/models"
)

type dashboardUserKey struct{}

// WithUser returns ctx carrying the authenticated dashboard user. A nil user
// leaves ctx unchanged so anonymous requests stay anonymous.
func WithUser(ctx context.Context, user *models.User) context.Context {
	if user == nil {
		return ctx
	}
	return context.WithValue(ctx, dashboardUserKey{}, user)
}

// UserFromContext returns the dashboard user Middleware attached, if any.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(dashboardUserKey{}).(*models.User)
	return user, ok && user != nil
}

// Middleware attaches the dashboard user to the request context when a
// valid token is presented. Requests without credentials pass through, so
// phones can still open sockets; a bad token is rejected.
func Middleware(service *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !service.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			token := extractToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			user, err := service.ValidateJWT(token)
			if err != nil {
				if logger != nil {
					logger.Warn("jwt validation failed", "error", err, "path", r.URL.Path)
				}
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// RequireUser rejects requests without an authenticated user when auth is
// required. Use it behind Middleware.
func RequireUser(service *Service, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if service.Required() {
			if _, ok := UserFromContext(r.Context()); !ok {
				http.Error(w, "missing credentials", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// extractToken reads a bearer token from the Authorization header, or from
// the access_token query parameter browsers use for websocket upgrades.
func extractToken(r *http.Request) string {
	if value := r.Header.Get("Authorization"); value != "" {
		lower := strings.ToLower(value)
		if strings.HasPrefix(lower, "bearer ") {
			return strings.TrimSpace(value[len("bearer "):])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}
