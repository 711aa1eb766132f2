package handlers

import (
	"context"
	"net/http"

	"github.com/nkiryanov/valisauth/internal/handlers/middleware"
	"github.com/nkiryanov/valisauth/internal/logger"
	"github.com/nkiryanov/valisauth/internal/models"
	"github.com/nkiryanov/valisauth/internal/service/callback"
	"github.com/nkiryanov/valisauth/internal/service/session"
)

// chain applies middlewares in the given order: m1(m2(...(h)))
func chain(h http.Handler, mds ...func(next http.Handler) http.Handler) http.Handler {
	for i := len(mds) - 1; i >= 0; i-- {
		h = mds[i](h)
	}
	return h
}

func NewRouter(sessions sessionService, logger logger.Logger) http.Handler {
	withSession := middleware.RequireSession(sessions)

	apisession := http.NewServeMux()

	apisession.Handle("GET /{$}", handleSessionState(sessions))
	apisession.Handle("POST /login", handleLogin(sessions, logger))
	apisession.Handle("POST /register", handleRegister(sessions, logger))
	apisession.Handle("POST /logout", handleLogout(sessions, logger))
	apisession.Handle("POST /refresh", handleRefresh(sessions, logger))
	apisession.Handle("POST /password/reset", handlePasswordReset(sessions, logger))
	apisession.Handle("POST /otp/verify", handleVerifyOTP(sessions, logger))
	apisession.Handle("POST /otp/resend", handleResendOTP(sessions, logger))
	apisession.Handle("POST /callback", handleCallback(sessions, logger))

	apisession.Handle("GET /me", withSession(handleUserMe()))
	apisession.Handle("PUT /me", withSession(handleUpdateMe(sessions, logger)))

	root := http.NewServeMux()
	root.Handle("/api/session/", http.StripPrefix("/api/session", apisession))
	root.Handle("GET /api/session", handleSessionState(sessions))
	root.Handle("GET "+session.CallbackPath, handleCallbackRedirect(sessions, logger))
	root.Handle("GET /auth/oauth/{provider}", handleOAuthStart(sessions, logger))

	handler := chain(root,
		middleware.LoggerMiddleware(logger),
	)

	return handler
}

type sessionService interface {
	State() session.State
	Session() models.Session

	// Has to return apperrors.ErrInvalidInput for malformed credentials
	Login(ctx context.Context, email string, password string) (models.Session, error)
	Register(ctx context.Context, email string, password string) (session.RegisterResult, error)
	Logout(ctx context.Context) error
	Refresh(ctx context.Context) (models.Session, error)

	ResetPassword(ctx context.Context, email string) error
	VerifyOTP(ctx context.Context, params models.OTPParams) (models.AuthResponse, error)
	ResendVerificationCode(ctx context.Context, email string, otpType string) error

	// Has to return apperrors.ErrNotAuthenticated when nobody is signed in
	GetCurrentUser(ctx context.Context) (*models.User, error)
	UpdateProfile(ctx context.Context, attrs map[string]any) (models.User, error)

	OAuthStart(provider string) (string, error)
	HandleCallback(ctx context.Context, rawURL string) (callback.Result, error)
}
