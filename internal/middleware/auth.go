package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/promptforge/hub/internal/model"
)

type contextKey string

const ctxUser contextKey = "user"

// AuthMiddleware injects the current principal into request context.
// With a configured API token it requires Authorization: Bearer <token>;
// without one it runs in local open mode and injects a local principal.
func AuthMiddleware(apiToken, localUserID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiToken == "" {
				user := model.NewAuthUser(localUserID, localUserID+"@local", "Local User")
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxUser, user)))
				return
			}

			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				http.Error(w, `{"error":{"code":"E_UNAUTHORIZED","message":"missing token"}}`, http.StatusUnauthorized)
				return
			}
			token := strings.TrimPrefix(header, "Bearer ")
			if token != apiToken {
				http.Error(w, `{"error":{"code":"E_UNAUTHORIZED","message":"invalid or expired token"}}`, http.StatusUnauthorized)
				return
			}
			user := model.NewAuthUser("owner", "owner@hub", "Hub Owner")
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxUser, user)))
		})
	}
}

// UserFromCtx extracts the authenticated user from context.
func UserFromCtx(ctx context.Context) *model.AuthUser {
	u, _ := ctx.Value(ctxUser).(*model.AuthUser)
	return u
}

// WithUser returns a context carrying the given principal. Used by
// background sweeps and tests that run outside an HTTP request.
func WithUser(ctx context.Context, u *model.AuthUser) context.Context {
	return context.WithValue(ctx, ctxUser, u)
}
