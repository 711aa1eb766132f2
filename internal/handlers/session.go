package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nkiryanov/valisauth/internal/apperrors"
	"github.com/nkiryanov/valisauth/internal/handlers/render"
	"github.com/nkiryanov/valisauth/internal/handlers/userctx"
	"github.com/nkiryanov/valisauth/internal/logger"
	"github.com/nkiryanov/valisauth/internal/models"
	"github.com/nkiryanov/valisauth/internal/service/session"
	"github.com/nkiryanov/valisauth/internal/service/validate"
)

type credentialsRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// Session as seen by the front-end, tokens never leave the process
type sessionResponse struct {
	Authenticated bool         `json:"authenticated"`
	State         string       `json:"state"`
	User          *models.User `json:"user,omitempty"`
	ExpiresAt     *time.Time   `json:"expires_at,omitempty"`
}

func newSessionResponse(s models.Session, state session.State) sessionResponse {
	resp := sessionResponse{
		Authenticated: s.Authenticated(),
		State:         state.String(),
		User:          s.User,
	}
	if !s.ExpiresAt.IsZero() {
		at := s.ExpiresAt.UTC()
		resp.ExpiresAt = &at
	}
	return resp
}

func handleSessionState(sessions sessionService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, newSessionResponse(sessions.Session(), sessions.State()))
	})
}

func handleLogin(sessions sessionService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[credentialsRequest](w, r)
		if err != nil {
			return
		}

		s, err := sessions.Login(r.Context(), data.Email, data.Password)
		if err != nil {
			renderSessionError(w, l, "login", err)
			return
		}

		render.JSON(w, newSessionResponse(s, sessions.State()))
	})
}

func handleRegister(sessions sessionService, l logger.Logger) http.Handler {
	type response struct {
		User                *models.User     `json:"user,omitempty"`
		ConfirmationPending bool             `json:"confirmation_pending"`
		Session             *sessionResponse `json:"session,omitempty"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[credentialsRequest](w, r)
		if err != nil {
			return
		}

		if strength := validate.PasswordStrength(data.Password); !strength.Valid {
			render.JSONStatus(w, render.ErrorResponse{
				Error:   render.ValidationErrorType,
				Message: "Request validation failed",
				Fields: map[string]string{
					"password": "Password is too weak, missing: " + strings.Join(strength.Reasons, ", "),
				},
			}, http.StatusBadRequest)
			return
		}

		res, err := sessions.Register(r.Context(), data.Email, data.Password)
		if err != nil {
			renderSessionError(w, l, "register", err)
			return
		}

		out := response{User: res.User, ConfirmationPending: res.ConfirmationPending}
		if res.Session != nil {
			s := newSessionResponse(*res.Session, sessions.State())
			out.Session = &s
		}
		render.JSON(w, out)
	})
}

func handleLogout(sessions sessionService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := sessions.Logout(r.Context()); err != nil {
			renderSessionError(w, l, "logout", err)
			return
		}
		render.JSON(w, messageResponse{Message: "Signed out"})
	})
}

func handleRefresh(sessions sessionService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := sessions.Refresh(r.Context())
		if err != nil {
			renderSessionError(w, l, "refresh", err)
			return
		}
		render.JSON(w, newSessionResponse(s, sessions.State()))
	})
}

func handlePasswordReset(sessions sessionService, l logger.Logger) http.Handler {
	type request struct {
		Email string `json:"email" validate:"required,email"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		if err := sessions.ResetPassword(r.Context(), data.Email); err != nil {
			renderSessionError(w, l, "password reset", err)
			return
		}
		render.JSON(w, messageResponse{Message: "Password reset email sent"})
	})
}

func handleVerifyOTP(sessions sessionService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[models.OTPParams](w, r)
		if err != nil {
			return
		}

		if _, err := sessions.VerifyOTP(r.Context(), data); err != nil {
			renderSessionError(w, l, "otp verify", err)
			return
		}
		render.JSON(w, newSessionResponse(sessions.Session(), sessions.State()))
	})
}

func handleResendOTP(sessions sessionService, l logger.Logger) http.Handler {
	type request struct {
		Email string `json:"email" validate:"required,email"`
		Type  string `json:"type" validate:"omitempty,oneof=signup recovery magiclink invite email_change"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		if err := sessions.ResendVerificationCode(r.Context(), data.Email, data.Type); err != nil {
			renderSessionError(w, l, "otp resend", err)
			return
		}
		render.JSON(w, messageResponse{Message: "Verification code sent"})
	})
}

func handleUserMe() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := userctx.FromContext(r.Context())
		if !ok {
			render.ServiceError(w, "Internal service error", http.StatusInternalServerError)
			return
		}
		render.JSON(w, user)
	})
}

func handleUpdateMe(sessions sessionService, l logger.Logger) http.Handler {
	type request struct {
		Email    string         `json:"email,omitempty" validate:"omitempty,email"`
		Password string         `json:"password,omitempty"`
		Data     map[string]any `json:"data,omitempty"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		attrs := make(map[string]any, 3)
		if data.Email != "" {
			attrs["email"] = data.Email
		}
		if data.Password != "" {
			attrs["password"] = data.Password
		}
		if data.Data != nil {
			attrs["data"] = data.Data
		}
		if len(attrs) == 0 {
			render.ServiceError(w, "Nothing to update", http.StatusBadRequest)
			return
		}

		user, err := sessions.UpdateProfile(r.Context(), attrs)
		if err != nil {
			renderSessionError(w, l, "profile update", err)
			return
		}
		l.Info("Profile updated", "user_id", userctx.UserID(r.Context()), "fields", len(attrs))
		render.JSON(w, user)
	})
}

// renderSessionError maps controller errors to responses
func renderSessionError(w http.ResponseWriter, l logger.Logger, op string, err error) {
	var (
		perr *apperrors.ProviderError
		nerr *apperrors.NetworkError
	)

	switch {
	case errors.Is(err, apperrors.ErrInvalidInput):
		render.ServiceError(w, "Invalid input", http.StatusBadRequest)
	case errors.Is(err, apperrors.ErrNotAuthenticated):
		render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
	case errors.Is(err, apperrors.ErrConcurrencyRejected):
		render.ServiceError(w, "Another session operation is in progress", http.StatusConflict)
	case errors.As(err, &perr):
		status := perr.Status
		switch {
		case status == 0:
			status = http.StatusUnauthorized
		case status >= http.StatusInternalServerError:
			l.Warn(fmt.Sprintf("Identity provider failed on %s", op), "error", err)
			status = http.StatusBadGateway
		}
		message := perr.Description
		if message == "" {
			message = perr.Code
		}
		render.ProviderError(w, perr.Code, message, status)
	case errors.As(err, &nerr):
		l.Warn(fmt.Sprintf("Identity provider unreachable on %s", op), "error", err)
		render.ServiceError(w, "Identity provider unavailable", http.StatusBadGateway)
	default:
		l.Error(fmt.Sprintf("Session %s failed", op), "error", err)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
	}
}
