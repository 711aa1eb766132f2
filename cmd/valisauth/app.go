package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nkiryanov/valisauth/internal/handlers"
	"github.com/nkiryanov/valisauth/internal/logger"
	"github.com/nkiryanov/valisauth/internal/models"
	"github.com/nkiryanov/valisauth/internal/provider/gotrue"
	"github.com/nkiryanov/valisauth/internal/service/session"
	"github.com/nkiryanov/valisauth/internal/service/tokenclock"
	"github.com/nkiryanov/valisauth/internal/service/validate"
)

type App struct {
	config   *Config
	logger   logger.Logger
	sessions *session.Controller
	out      io.Writer
	closers  []func()
}

func NewApp(ctx context.Context, c *Config, out io.Writer) (*App, error) {
	// Initialize logger
	logger, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	store, closeStore, err := openStore(ctx, c)
	if err != nil {
		return nil, err
	}

	provider := gotrue.NewClient(c.AuthURL, c.APIKey, gotrue.WithLogger(logger))
	sessions := session.New(
		session.Config{SiteURL: c.SiteURL},
		provider,
		store,
		session.WithLogger(logger),
	)

	return &App{
		config:   c,
		logger:   logger,
		sessions: sessions,
		out:      out,
		closers:  []func(){sessions.Close, closeStore},
	}, nil
}

func (a *App) Close() {
	for _, fn := range a.closers {
		fn()
	}
}

// Session as printed by the commands
type statusOutput struct {
	State           string       `json:"state"`
	Authenticated   bool         `json:"authenticated"`
	User            *models.User `json:"user,omitempty"`
	ExpiresAt       *time.Time   `json:"expires_at,omitempty"`
	RenewalDeadline *time.Time   `json:"renewal_deadline,omitempty"`
}

func (a *App) status() statusOutput {
	s := a.sessions.Session()
	out := statusOutput{
		State:         a.sessions.State().String(),
		Authenticated: s.Authenticated(),
		User:          s.User,
	}
	if !s.ExpiresAt.IsZero() {
		at := s.ExpiresAt.UTC()
		out.ExpiresAt = &at
	}
	if deadline, ok := a.sessions.RenewalDeadline(); ok {
		at := deadline.UTC()
		out.RenewalDeadline = &at
	}
	return out
}

func (a *App) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Run a command against the restored session
func (a *App) Run(ctx context.Context, cmd string, args []string) error {
	if cmd == "check-password" {
		if len(args) != 1 {
			return errUsage
		}
		return a.print(validate.PasswordStrength(args[0]))
	}

	if err := a.sessions.Init(ctx); err != nil {
		return fmt.Errorf("error while restoring session: %w", err)
	}

	switch cmd {
	case "status":
		return a.print(a.status())

	case "login":
		if len(args) != 2 {
			return errUsage
		}
		if _, err := a.sessions.Login(ctx, args[0], args[1]); err != nil {
			return err
		}
		return a.print(a.status())

	case "register":
		if len(args) != 2 {
			return errUsage
		}
		res, err := a.sessions.Register(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		return a.print(struct {
			User                *models.User `json:"user,omitempty"`
			ConfirmationPending bool         `json:"confirmation_pending"`
		}{res.User, res.ConfirmationPending})

	case "logout":
		if err := a.sessions.Logout(ctx); err != nil {
			return err
		}
		return a.print(a.status())

	case "refresh":
		if _, err := a.sessions.Refresh(ctx); err != nil {
			return err
		}
		return a.print(a.status())

	case "reset-password":
		if len(args) != 1 {
			return errUsage
		}
		return a.sessions.ResetPassword(ctx, args[0])

	case "verify":
		if len(args) < 2 || len(args) > 3 {
			return errUsage
		}
		params := models.OTPParams{Email: args[0], Token: args[1]}
		if len(args) == 3 {
			params.Type = args[2]
		}
		if _, err := a.sessions.VerifyOTP(ctx, params); err != nil {
			return err
		}
		return a.print(a.status())

	case "resend":
		if len(args) < 1 || len(args) > 2 {
			return errUsage
		}
		otpType := ""
		if len(args) == 2 {
			otpType = args[1]
		}
		return a.sessions.ResendVerificationCode(ctx, args[0], otpType)

	case "me":
		u, err := a.sessions.GetCurrentUser(ctx)
		if err != nil {
			return err
		}
		return a.print(u)

	case "update-profile":
		if len(args) != 1 {
			return errUsage
		}
		var attrs map[string]any
		if err := json.Unmarshal([]byte(args[0]), &attrs); err != nil {
			return fmt.Errorf("profile attributes must be a JSON object: %w", err)
		}
		u, err := a.sessions.UpdateProfile(ctx, attrs)
		if err != nil {
			return err
		}
		return a.print(u)

	case "oauth-url":
		if len(args) != 1 {
			return errUsage
		}
		target, err := a.sessions.OAuthStart(args[0])
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(a.out, target)
		return err

	case "callback":
		if len(args) != 1 {
			return errUsage
		}
		res, err := a.sessions.HandleCallback(ctx, args[0])
		if err != nil {
			return err
		}
		a.logger.Debug("Callback handled", "kind", res.Kind.String())
		return a.print(a.status())

	case "inspect":
		s := a.sessions.Session()
		if !s.Authenticated() {
			return a.print(a.status())
		}
		exp, err := tokenclock.New().Expiry(s.AccessToken)
		if err != nil {
			return err
		}
		return a.print(struct {
			statusOutput
			TokenExpiry time.Time `json:"token_expiry"`
		}{a.status(), exp.UTC()})

	case "serve":
		return a.Serve(ctx)

	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

// Serve runs the session API until ctx is cancelled, closing gracefully
func (a *App) Serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    a.config.ListenAddr,
		Handler: handlers.NewRouter(a.sessions, a.logger),
	}

	idleConnsClosed := make(chan struct{})
	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	go func() {
		<-srvCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); errors.Is(err, context.DeadlineExceeded) {
			a.logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
		}
		a.logger.Info("HTTP server stopped")
		close(idleConnsClosed)
	}()

	// Listen and serve until context is cancelled; then close gracefully connections
	a.logger.Info("Starting server", "address", a.config.ListenAddr)
	err := httpServer.ListenAndServe()
	srvCtxCancel()
	<-idleConnsClosed

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
