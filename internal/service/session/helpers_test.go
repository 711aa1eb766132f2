package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/valisauth/internal/models"
	"github.com/nkiryanov/valisauth/internal/repository/memory"
	"github.com/nkiryanov/valisauth/internal/testutil"
)

var start = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

var errNotScripted = errors.New("provider call not scripted")

// Provider stub, every call is counted and answered by the matching func
type stubProvider struct {
	mu    sync.Mutex
	calls map[string]int

	passwordGrant func(ctx context.Context, email, password string) (models.AuthResponse, error)
	refreshGrant  func(ctx context.Context, refreshToken string) (models.AuthResponse, error)
	signUp        func(ctx context.Context, email, password string) (models.AuthResponse, error)
	recoverFn     func(ctx context.Context, email, redirectTo string) error
	verify        func(ctx context.Context, params models.OTPParams) (models.AuthResponse, error)
	resend        func(ctx context.Context, email, otpType string) error
	getUser       func(ctx context.Context, accessToken string) (models.User, error)
	updateUser    func(ctx context.Context, accessToken string, attrs map[string]any) (models.User, error)
	logout        func(ctx context.Context, accessToken string) error
}

func (p *stubProvider) count(op string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = make(map[string]int)
	}
	p.calls[op]++
}

func (p *stubProvider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *stubProvider) PasswordGrant(ctx context.Context, email, password string) (models.AuthResponse, error) {
	p.count("password")
	if p.passwordGrant == nil {
		return models.AuthResponse{}, errNotScripted
	}
	return p.passwordGrant(ctx, email, password)
}

func (p *stubProvider) RefreshGrant(ctx context.Context, refreshToken string) (models.AuthResponse, error) {
	p.count("refresh")
	if p.refreshGrant == nil {
		return models.AuthResponse{}, errNotScripted
	}
	return p.refreshGrant(ctx, refreshToken)
}

func (p *stubProvider) SignUp(ctx context.Context, email, password string) (models.AuthResponse, error) {
	p.count("signup")
	if p.signUp == nil {
		return models.AuthResponse{}, errNotScripted
	}
	return p.signUp(ctx, email, password)
}

func (p *stubProvider) Recover(ctx context.Context, email, redirectTo string) error {
	p.count("recover")
	if p.recoverFn == nil {
		return errNotScripted
	}
	return p.recoverFn(ctx, email, redirectTo)
}

func (p *stubProvider) Verify(ctx context.Context, params models.OTPParams) (models.AuthResponse, error) {
	p.count("verify")
	if p.verify == nil {
		return models.AuthResponse{}, errNotScripted
	}
	return p.verify(ctx, params)
}

func (p *stubProvider) Resend(ctx context.Context, email, otpType string) error {
	p.count("resend")
	if p.resend == nil {
		return errNotScripted
	}
	return p.resend(ctx, email, otpType)
}

func (p *stubProvider) GetUser(ctx context.Context, accessToken string) (models.User, error) {
	p.count("get_user")
	if p.getUser == nil {
		return models.User{}, errNotScripted
	}
	return p.getUser(ctx, accessToken)
}

func (p *stubProvider) UpdateUser(ctx context.Context, accessToken string, attrs map[string]any) (models.User, error) {
	p.count("update_user")
	if p.updateUser == nil {
		return models.User{}, errNotScripted
	}
	return p.updateUser(ctx, accessToken, attrs)
}

func (p *stubProvider) Logout(ctx context.Context, accessToken string) error {
	p.count("logout")
	if p.logout == nil {
		return nil
	}
	return p.logout(ctx, accessToken)
}

func (p *stubProvider) AuthorizeURL(provider, redirectTo string, scopes []string) string {
	return "https://idp.test/authorize?provider=" + provider + "&redirect_to=" + redirectTo
}

type recordingNavigator struct {
	mu        sync.Mutex
	redirects []string
	replaces  []string
}

func (n *recordingNavigator) Redirect(url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.redirects = append(n.redirects, url)
}

func (n *recordingNavigator) Replace(url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.replaces = append(n.replaces, url)
}

func (n *recordingNavigator) Replaced() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.replaces...)
}

func (n *recordingNavigator) Redirected() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.redirects...)
}

type recorder struct {
	mu      sync.Mutex
	events  []models.Event
	claimed map[int]bool
}

func record(c *Controller) *recorder {
	r := &recorder{claimed: make(map[int]bool)}
	c.Subscribe(func(ev models.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	})
	return r
}

func (r *recorder) Kinds() []models.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()

	kinds := make([]models.EventKind, 0, len(r.events))
	for _, ev := range r.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

// Wait for the first event of the given kind not returned by a previous Wait
func (r *recorder) Wait(t *testing.T, kind models.EventKind) models.Event {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if ev, ok := r.claim(kind); ok {
			return ev
		}
		if time.Now().After(deadline) {
			t.Fatalf("event %s not emitted, got %v", kind, r.Kinds())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (r *recorder) claim(kind models.EventKind) (models.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, ev := range r.events {
		if ev.Kind == kind && !r.claimed[i] {
			r.claimed[i] = true
			return ev, true
		}
	}
	return models.Event{}, false
}

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

type fixture struct {
	c        *Controller
	provider *stubProvider
	store    *memory.CredentialRepo
	clock    fakeClock
	nav      *recordingNavigator
	events   *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		provider: &stubProvider{},
		store:    memory.New(),
		clock:    clockwork.NewFakeClockAt(start),
		nav:      &recordingNavigator{},
	}
	f.c = New(Config{SiteURL: "https://app.valis.dev/"}, f.provider, f.store,
		WithClock(f.clock),
		WithNavigator(f.nav),
	)
	f.events = record(f.c)
	t.Cleanup(f.c.Close)

	return f
}

// Stored pair, empty when nothing is persisted
func (f *fixture) stored(t *testing.T) models.TokenPair {
	t.Helper()

	pair, err := f.store.Get(t.Context())
	require.NoError(t, err)
	return pair
}

var alice = models.User{ID: "user-alice", Email: "alice@valis.dev"}

// Session response with a JWT access token expiring ttl after now
func (f *fixture) session(t *testing.T, refresh string, ttl time.Duration) models.AuthResponse {
	t.Helper()

	u := alice
	return models.AuthResponse{
		AccessToken:  testutil.MintJWT(t, f.clock.Now().Add(ttl)),
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(ttl / time.Second),
		User:         &u,
	}
}

// Sign in through the stubbed password grant
func (f *fixture) signIn(t *testing.T, ttl time.Duration) models.Session {
	t.Helper()

	resp := f.session(t, "refresh-1", ttl)
	f.provider.passwordGrant = func(context.Context, string, string) (models.AuthResponse, error) {
		return resp, nil
	}

	s, err := f.c.Login(t.Context(), "alice@valis.dev", "Sup3r-secret")
	require.NoError(t, err)
	f.events.Wait(t, models.EventSignedIn)
	return s
}
