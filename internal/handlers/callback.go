package handlers

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/nkiryanov/valisauth/internal/apperrors"
	"github.com/nkiryanov/valisauth/internal/handlers/render"
	"github.com/nkiryanov/valisauth/internal/logger"
	"github.com/nkiryanov/valisauth/internal/service/callback"
)

const (
	homePath  = "/"
	loginPath = "/login"
)

// Callback URL posted by the front-end, the fragment is not visible to the server otherwise
func handleCallback(sessions sessionService, l logger.Logger) http.Handler {
	type request struct {
		URL string `json:"url" validate:"required,url"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		res, err := sessions.HandleCallback(r.Context(), data.URL)
		switch {
		case err != nil:
			renderSessionError(w, l, "callback", err)
		case res.Kind == callback.KindNone:
			render.ServiceError(w, "URL carries no callback parameters", http.StatusBadRequest)
		default:
			render.JSON(w, newSessionResponse(sessions.Session(), sessions.State()))
		}
	})
}

// Provider redirect landing directly on the server
// Errors go back to the login page, anything else to the application root
func handleCallbackRedirect(sessions sessionService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := sessions.HandleCallback(r.Context(), requestURL(r))
		if err != nil {
			l.Info("Callback sign in failed", "error", err)
			http.Redirect(w, r, loginErrorURL(err), http.StatusFound)
			return
		}

		target := homePath
		if res.Kind == callback.KindNone && !sessions.Session().Authenticated() {
			target = loginPath
		}
		http.Redirect(w, r, target, http.StatusFound)
	})
}

func handleOAuthStart(sessions sessionService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target, err := sessions.OAuthStart(r.PathValue("provider"))
		if err != nil {
			renderSessionError(w, l, "oauth start", err)
			return
		}
		http.Redirect(w, r, target, http.StatusFound)
	})
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func loginErrorURL(err error) string {
	code, message := "callback_failed", "Could not complete sign in"

	var perr *apperrors.ProviderError
	switch {
	case errors.As(err, &perr):
		code = perr.Code
		if perr.Description != "" {
			message = perr.Description
		}
	case errors.Is(err, apperrors.ErrConcurrencyRejected):
		code, message = "session_busy", "Another sign in is in progress"
	}

	q := url.Values{}
	q.Set("error", code)
	q.Set("message", message)
	return loginPath + "?" + q.Encode()
}
