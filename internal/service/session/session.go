package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/nkiryanov/valisauth/internal/apperrors"
	"github.com/nkiryanov/valisauth/internal/logger"
	"github.com/nkiryanov/valisauth/internal/models"
	"github.com/nkiryanov/valisauth/internal/repository"
	"github.com/nkiryanov/valisauth/internal/service/tokenclock"
)

const (
	// Path the identity provider redirects back to after a third party sign in
	CallbackPath = "/auth/callback"

	DefaultRefreshTimeout = 30 * time.Second
)

var DefaultScopes = []string{"email", "profile"}

type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	default:
		return "unauthenticated"
	}
}

// Identity provider transport
type Provider interface {
	PasswordGrant(ctx context.Context, email string, password string) (models.AuthResponse, error)
	RefreshGrant(ctx context.Context, refreshToken string) (models.AuthResponse, error)

	// Response carries no tokens when the email has to be confirmed first
	SignUp(ctx context.Context, email string, password string) (models.AuthResponse, error)

	Recover(ctx context.Context, email string, redirectTo string) error
	Verify(ctx context.Context, params models.OTPParams) (models.AuthResponse, error)
	Resend(ctx context.Context, email string, otpType string) error

	GetUser(ctx context.Context, accessToken string) (models.User, error)
	UpdateUser(ctx context.Context, accessToken string, attrs map[string]any) (models.User, error)
	Logout(ctx context.Context, accessToken string) error

	AuthorizeURL(provider string, redirectTo string, scopes []string) string
}

// Navigator moves the user agent
// Redirect leaves the app, Replace rewrites the current location without a reload
type Navigator interface {
	Redirect(url string)
	Replace(url string)
}

type Config struct {
	// Origin of the application, e.g. https://app.valis.dev
	SiteURL string

	// Scopes requested from third party providers
	Scopes []string

	// Upper bound for refreshes not bound to a caller context (timer, token source)
	RefreshTimeout time.Duration
}

type Option func(*Controller)

func WithLogger(l logger.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

func WithNavigator(n Navigator) Option {
	return func(c *Controller) { c.nav = n }
}

// Renew access tokens this long before they expire
func WithSafetyMargin(d time.Duration) Option {
	return func(c *Controller) { c.margin = d }
}

// Controller owns the session: the only writer of the credential store
// and the only source of session state for the rest of the application
type Controller struct {
	cfg      Config
	provider Provider
	store    repository.CredentialRepo
	clock    clockwork.Clock
	margin   time.Duration
	nav      Navigator
	logger   logger.Logger
	tokens   *tokenclock.TokenClock
	notifier *notifier

	refreshGroup singleflight.Group

	mu      sync.Mutex
	state   State
	session models.Session
	busy    string // state-changing operation in flight
	closed  bool
}

func New(cfg Config, provider Provider, store repository.CredentialRepo, opts ...Option) *Controller {
	c := &Controller{
		cfg:      cfg,
		provider: provider,
		store:    store,
		clock:    clockwork.NewRealClock(),
		margin:   tokenclock.DefaultSafetyMargin,
		nav:      noopNavigator{},
		logger:   logger.NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.cfg.SiteURL = strings.TrimRight(c.cfg.SiteURL, "/")
	if len(c.cfg.Scopes) == 0 {
		c.cfg.Scopes = DefaultScopes
	}
	if c.cfg.RefreshTimeout <= 0 {
		c.cfg.RefreshTimeout = DefaultRefreshTimeout
	}

	c.tokens = tokenclock.New(
		tokenclock.WithClock(c.clock),
		tokenclock.WithSafetyMargin(c.margin),
		tokenclock.WithLogger(c.logger),
	)
	c.notifier = newNotifier(c.logger)

	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a snapshot of the current session
func (c *Controller) Session() models.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Clone()
}

func (c *Controller) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Authenticated()
}

// RenewalDeadline reports when the access token is renewed next
func (c *Controller) RenewalDeadline() (time.Time, bool) {
	return c.tokens.Deadline()
}

// Close stops background renewal, scheduled refreshes never fire afterwards
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.tokens.Cancel()
}

// Claim the state-changing slot or fail with ErrConcurrencyRejected
func (c *Controller) begin(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.busy != "" {
		c.logger.Debug("Session operation rejected", "op", op, "in_flight", c.busy)
		return fmt.Errorf("%w: %s while %s", apperrors.ErrConcurrencyRejected, op, c.busy)
	}
	c.busy = op
	return nil
}

func (c *Controller) end() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = ""
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// Fold state back to what the current session supports
func (c *Controller) restore() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session.Authenticated() {
		c.state = StateAuthenticated
		return
	}
	c.state = StateUnauthenticated
}

type noopNavigator struct{}

func (noopNavigator) Redirect(string) {}
func (noopNavigator) Replace(string)  {}

type ctxKey struct{}

// NewContext returns a copy of ctx carrying the controller
func NewContext(ctx context.Context, c *Controller) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func FromContext(ctx context.Context) (*Controller, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Controller)
	return c, ok
}
