package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/nkiryanov/valisauth/internal/apperrors"
	"github.com/nkiryanov/valisauth/internal/handlers/render"
	"github.com/nkiryanov/valisauth/internal/handlers/userctx"
	"github.com/nkiryanov/valisauth/internal/models"
)

type sessionService interface {
	GetCurrentUser(ctx context.Context) (*models.User, error)
}

// RequireSession rejects requests while nobody is signed in
// The session user is put into the request context for the next handler
func RequireSession(s sessionService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := s.GetCurrentUser(r.Context())
			switch {
			case errors.Is(err, apperrors.ErrNotAuthenticated), err == nil && user == nil:
				render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
				return
			case err != nil:
				render.ServiceError(w, "Could not load session user", http.StatusBadGateway)
				return
			}

			ctx := userctx.New(r.Context(), user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
