// Package userctx passes the signed-in provider user down the handler chain
package userctx

import (
	"context"

	"github.com/nkiryanov/valisauth/internal/models"
)

type ctxKey struct{}

// New returns ctx carrying a private copy of u
// Handlers may change what FromContext returns without touching the controller's session
func New(ctx context.Context, u *models.User) context.Context {
	return context.WithValue(ctx, ctxKey{}, u.Clone())
}

// FromContext returns the user set by New
func FromContext(ctx context.Context) (*models.User, bool) {
	u, ok := ctx.Value(ctxKey{}).(*models.User)
	if !ok || u == nil {
		return nil, false
	}
	return u, true
}

// UserID is the id of the signed-in user, empty for anonymous requests
func UserID(ctx context.Context) string {
	if u, ok := FromContext(ctx); ok {
		return u.ID
	}
	return ""
}
