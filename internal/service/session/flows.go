package session

import (
	"context"
	"fmt"
	"time"

	"github.com/nkiryanov/valisauth/internal/apperrors"
	"github.com/nkiryanov/valisauth/internal/models"
	"github.com/nkiryanov/valisauth/internal/service/callback"
	"github.com/nkiryanov/valisauth/internal/service/validate"
)

// State-changing operations, at most one in flight
const (
	opInit     = "init"
	opLogin    = "login"
	opRegister = "register"
	opCallback = "callback"
	opVerify   = "verify"
	opLogout   = "logout"
	opRefresh  = "refresh"
)

type credentialsInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type RegisterResult struct {
	User *models.User

	// Nil while the email address awaits confirmation
	Session *models.Session

	ConfirmationPending bool
}

func validateInput(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrInvalidInput, err)
	}
	return nil
}

// Init restores the session persisted by a previous run
// A stored session the provider no longer accepts is refreshed once, then dropped
// Exactly one initial-session event is emitted on success
func (c *Controller) Init(ctx context.Context) error {
	if err := c.begin(opInit); err != nil {
		return err
	}
	events, err := c.init(ctx)
	c.end()
	for _, ev := range events {
		c.emit(ev)
	}
	c.arm()
	return err
}

// Events are emitted in order, a failed refresh adds session-expired after initial-session
func (c *Controller) init(ctx context.Context) ([]*models.Event, error) {
	pair, err := c.store.Get(ctx)
	if err != nil {
		c.setState(StateUnauthenticated)
		return nil, fmt.Errorf("read stored credentials: %w", err)
	}

	if pair.IsZero() {
		c.reset()
		return []*models.Event{{Kind: models.EventInitialSession}}, nil
	}

	c.setState(StateAuthenticating)

	user, err := c.provider.GetUser(ctx, pair.AccessToken)
	if err == nil {
		resp := models.AuthResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken, User: &user}
		s, err := c.establish(ctx, resp, nil)
		if err != nil {
			c.discard(ctx)
			return []*models.Event{{Kind: models.EventInitialSession, Err: err}}, nil
		}
		c.logger.Info("Session restored", "user_id", s.User.ID)
		return []*models.Event{{Kind: models.EventInitialSession, Session: s}}, nil
	}

	c.logger.Info("Stored access token rejected, refreshing", "error", err)
	c.setState(StateRefreshing)

	resp, err := c.provider.RefreshGrant(ctx, pair.RefreshToken)
	if err == nil {
		var s models.Session
		s, err = c.establish(ctx, resp, nil)
		if err == nil {
			c.logger.Info("Session restored with refreshed token")
			return []*models.Event{{Kind: models.EventInitialSession, Session: s}}, nil
		}
	}

	c.logger.Info("Stored session dropped", "error", err)
	c.discard(ctx)
	return []*models.Event{
		{Kind: models.EventInitialSession, Err: err},
		{Kind: models.EventSessionExpired, Err: err},
	}, nil
}

// Login exchanges email and password for a session
func (c *Controller) Login(ctx context.Context, email string, password string) (models.Session, error) {
	if err := validateInput(credentialsInput{Email: email, Password: password}); err != nil {
		return models.Session{}, err
	}
	if err := c.begin(opLogin); err != nil {
		return models.Session{}, err
	}
	s, ev, err := c.login(ctx, email, password)
	c.end()
	c.emit(ev)
	c.arm()
	return s, err
}

func (c *Controller) login(ctx context.Context, email string, password string) (models.Session, *models.Event, error) {
	wasAuthenticated := c.IsAuthenticated()
	c.setState(StateAuthenticating)

	resp, err := c.provider.PasswordGrant(ctx, email, password)
	if err == nil {
		var s models.Session
		s, err = c.establish(ctx, resp, nil)
		if err == nil {
			c.logger.Info("Signed in", "user_id", userID(s))
			return s, &models.Event{Kind: models.EventSignedIn, Session: s}, nil
		}
	}

	c.logger.Info("Sign in failed", "error", err)
	return models.Session{}, c.fail(ctx, wasAuthenticated, err), err
}

// Register signs up a new user
// When the provider requires email confirmation no session is created and
// the result reports ConfirmationPending
func (c *Controller) Register(ctx context.Context, email string, password string) (RegisterResult, error) {
	if err := validateInput(credentialsInput{Email: email, Password: password}); err != nil {
		return RegisterResult{}, err
	}
	if err := c.begin(opRegister); err != nil {
		return RegisterResult{}, err
	}
	res, ev, err := c.register(ctx, email, password)
	c.end()
	c.emit(ev)
	c.arm()
	return res, err
}

func (c *Controller) register(ctx context.Context, email string, password string) (RegisterResult, *models.Event, error) {
	wasAuthenticated := c.IsAuthenticated()
	c.setState(StateAuthenticating)

	resp, err := c.provider.SignUp(ctx, email, password)
	if err != nil {
		c.restore()
		c.logger.Info("Sign up failed", "error", err)
		return RegisterResult{}, nil, err
	}

	if !resp.HasTokens() {
		c.restore()
		c.logger.Info("Sign up awaits email confirmation", "user_id", userIDOf(resp.User))
		return RegisterResult{User: resp.User.Clone(), ConfirmationPending: true}, nil, nil
	}

	s, err := c.establish(ctx, resp, nil)
	if err != nil {
		return RegisterResult{}, c.fail(ctx, wasAuthenticated, err), err
	}

	c.logger.Info("Signed up", "user_id", userID(s))
	return RegisterResult{User: s.User.Clone(), Session: &s}, &models.Event{Kind: models.EventSignedIn, Session: s}, nil
}

// OAuthStart sends the user agent to the third party provider sign in page
// Returns the URL the navigator was pointed to
func (c *Controller) OAuthStart(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: oauth provider is required", apperrors.ErrInvalidInput)
	}
	if c.cfg.SiteURL == "" {
		return "", fmt.Errorf("%w: site url is not configured", apperrors.ErrInvalidInput)
	}

	target := c.provider.AuthorizeURL(name, c.cfg.SiteURL+CallbackPath, c.cfg.Scopes)
	c.logger.Debug("Starting oauth sign in", "provider", name)
	c.nav.Redirect(target)

	return target, nil
}

// HandleCallback completes a provider redirect landing on rawURL
// The navigator location is replaced with the scrubbed URL once handled
func (c *Controller) HandleCallback(ctx context.Context, rawURL string) (callback.Result, error) {
	res := callback.Parse(rawURL)
	if res.Kind == callback.KindNone {
		return res, nil
	}

	// Tokens leave the visible URL even when the callback is rejected
	c.nav.Replace(res.CleanURL)

	if err := c.begin(opCallback); err != nil {
		return res, err
	}
	ev, err := c.handleCallback(ctx, res)
	c.end()
	c.emit(ev)
	c.arm()
	return res, err
}

func (c *Controller) handleCallback(ctx context.Context, res callback.Result) (*models.Event, error) {
	if res.Kind == callback.KindError {
		perr := &apperrors.ProviderError{Code: res.Code, Description: res.Description}
		c.logger.Warn("Provider redirected with error", "code", res.Code, "description", res.Description)
		c.discard(ctx)
		return &models.Event{Kind: models.EventAuthError, Err: perr}, perr
	}

	wasAuthenticated := c.IsAuthenticated()
	c.setState(StateAuthenticating)

	s, err := c.establish(ctx, res.Response(), nil)
	if err != nil {
		return c.fail(ctx, wasAuthenticated, err), err
	}

	c.logger.Info("Signed in with redirect", "user_id", userID(s))
	return &models.Event{Kind: models.EventSignedIn, Session: s}, nil
}

// Logout drops the session locally whatever the provider answers
func (c *Controller) Logout(ctx context.Context) error {
	if err := c.begin(opLogout); err != nil {
		return err
	}
	ev := c.logout(ctx)
	c.end()
	c.emit(ev)
	return nil
}

func (c *Controller) logout(ctx context.Context) *models.Event {
	c.tokens.Cancel()

	if access := c.Session().AccessToken; access != "" {
		if err := c.provider.Logout(ctx, access); err != nil {
			c.logger.Warn("Provider logout failed, signing out locally", "error", err)
		}
	}

	c.discard(ctx)
	c.logger.Info("Signed out")
	return &models.Event{Kind: models.EventSignedOut}
}

// ResetPassword asks the provider to send a recovery email
func (c *Controller) ResetPassword(ctx context.Context, email string) error {
	if !validate.EmailFormat(email) {
		return fmt.Errorf("%w: invalid email", apperrors.ErrInvalidInput)
	}
	return c.provider.Recover(ctx, email, c.cfg.SiteURL)
}

// VerifyOTP checks a one-time code
// A response carrying a token pair signs the user in
func (c *Controller) VerifyOTP(ctx context.Context, params models.OTPParams) (models.AuthResponse, error) {
	if params.Type == "" {
		params.Type = models.OTPTypeSignup
	}
	if err := validateInput(params); err != nil {
		return models.AuthResponse{}, err
	}
	if err := c.begin(opVerify); err != nil {
		return models.AuthResponse{}, err
	}
	resp, ev, err := c.verify(ctx, params)
	c.end()
	c.emit(ev)
	c.arm()
	return resp, err
}

func (c *Controller) verify(ctx context.Context, params models.OTPParams) (models.AuthResponse, *models.Event, error) {
	wasAuthenticated := c.IsAuthenticated()
	c.setState(StateAuthenticating)

	resp, err := c.provider.Verify(ctx, params)
	if err != nil || !resp.HasTokens() {
		c.restore()
		return resp, nil, err
	}

	s, err := c.establish(ctx, resp, nil)
	if err != nil {
		return models.AuthResponse{}, c.fail(ctx, wasAuthenticated, err), err
	}

	resp.User = s.User.Clone()
	c.logger.Info("Signed in with one-time code", "user_id", userID(s))
	return resp, &models.Event{Kind: models.EventSignedIn, Session: s}, nil
}

func (c *Controller) ResendVerificationCode(ctx context.Context, email string, otpType string) error {
	if !validate.EmailFormat(email) {
		return fmt.Errorf("%w: invalid email", apperrors.ErrInvalidInput)
	}
	if otpType == "" {
		otpType = models.OTPTypeSignup
	}
	return c.provider.Resend(ctx, email, otpType)
}

// GetCurrentUser returns the session user, fetching it once when unknown
func (c *Controller) GetCurrentUser(ctx context.Context) (*models.User, error) {
	s := c.Session()
	if !s.Authenticated() {
		return nil, apperrors.ErrNotAuthenticated
	}
	if s.User != nil {
		return s.User, nil
	}

	u, err := c.provider.GetUser(ctx, s.AccessToken)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.session.AccessToken == s.AccessToken {
		c.session.User = u.Clone()
	}
	c.mu.Unlock()

	return &u, nil
}

// UpdateProfile sends attrs to the provider and replaces the session user with the answer
func (c *Controller) UpdateProfile(ctx context.Context, attrs map[string]any) (models.User, error) {
	s := c.Session()
	if !s.Authenticated() {
		return models.User{}, apperrors.ErrNotAuthenticated
	}

	u, err := c.provider.UpdateUser(ctx, s.AccessToken, attrs)
	if err != nil {
		return models.User{}, err
	}

	c.mu.Lock()
	current := c.session.AccessToken == s.AccessToken
	if current {
		c.session.User = u.Clone()
	}
	snapshot := c.session.Clone()
	c.mu.Unlock()

	if current {
		c.emit(&models.Event{Kind: models.EventUserUpdated, Session: snapshot})
	}
	return u, nil
}

// Adopt resp as the session: persist and replace in memory
// keepUser is used when the response carries no user, otherwise the user is fetched (best effort)
func (c *Controller) establish(ctx context.Context, resp models.AuthResponse, keepUser *models.User) (models.Session, error) {
	user := resp.User
	if user == nil {
		user = keepUser
	}
	if user == nil {
		u, err := c.provider.GetUser(ctx, resp.AccessToken)
		if err != nil {
			c.logger.Warn("Failed to fetch user for new session", "error", err)
		} else {
			user = &u
		}
	}

	s := models.Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    c.expiresAt(resp),
		User:         user.Clone(),
	}

	if err := c.store.Set(ctx, s.Pair()); err != nil {
		return models.Session{}, fmt.Errorf("persist credentials: %w", err)
	}

	c.mu.Lock()
	c.session = s
	c.state = StateAuthenticated
	c.mu.Unlock()

	return s.Clone(), nil
}

// Schedule renewal of the current access token
// Runs after the busy slot is released so an immediate renewal is not rejected
func (c *Controller) arm() {
	c.mu.Lock()
	access := c.session.AccessToken
	closed := c.closed
	c.mu.Unlock()

	if closed || access == "" {
		return
	}
	c.tokens.Schedule(access, c.renew)
}

// Expiry comes from the token itself, then from the response
func (c *Controller) expiresAt(resp models.AuthResponse) time.Time {
	if exp, err := c.tokens.Expiry(resp.AccessToken); err == nil {
		return exp
	}
	if resp.ExpiresAt > 0 {
		return time.Unix(resp.ExpiresAt, 0).UTC()
	}
	if resp.ExpiresIn > 0 {
		return c.clock.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return time.Time{}
}

// Drop session, stored credentials and pending renewal
func (c *Controller) discard(ctx context.Context) {
	c.tokens.Cancel()

	if err := c.store.Clear(context.WithoutCancel(ctx)); err != nil {
		c.logger.Error("Failed to clear stored credentials", "error", err)
	}
	c.reset()
}

func (c *Controller) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.session = models.Session{}
	c.state = StateUnauthenticated
}

// Failed sign in: nothing stays persisted
// Listeners hear about it only when a previous session went away
func (c *Controller) fail(ctx context.Context, wasAuthenticated bool, err error) *models.Event {
	c.discard(ctx)
	if !wasAuthenticated {
		return nil
	}
	return &models.Event{Kind: models.EventSignedOut, Err: err}
}

func userID(s models.Session) string {
	return userIDOf(s.User)
}

func userIDOf(u *models.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}
