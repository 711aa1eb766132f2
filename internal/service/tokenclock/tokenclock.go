package tokenclock

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/nkiryanov/valisauth/internal/apperrors"
	"github.com/nkiryanov/valisauth/internal/logger"
)

// Renewal fires this long before the access token expires
const DefaultSafetyMargin = 5 * time.Minute

// Schedules token renewal ahead of access token expiry
// At most one timer is pending at any time
type TokenClock struct {
	clock  clockwork.Clock
	margin time.Duration
	logger logger.Logger
	parser *jwt.Parser

	mu       sync.Mutex
	timer    clockwork.Timer
	deadline time.Time
	gen      uint64
	onDue    func()
}

type Option func(*TokenClock)

func WithClock(c clockwork.Clock) Option {
	return func(t *TokenClock) { t.clock = c }
}

func WithSafetyMargin(d time.Duration) Option {
	return func(t *TokenClock) { t.margin = d }
}

func WithLogger(l logger.Logger) Option {
	return func(t *TokenClock) { t.logger = l }
}

func New(opts ...Option) *TokenClock {
	t := &TokenClock{
		clock:  clockwork.NewRealClock(),
		margin: DefaultSafetyMargin,
		logger: logger.NewNoOpLogger(),
		parser: jwt.NewParser(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Expiry decodes the exp claim, signature is not verified
func (t *TokenClock) Expiry(accessToken string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := t.parser.ParseUnverified(accessToken, &claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", apperrors.ErrTokenDecode, err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("%w: exp claim missing", apperrors.ErrTokenDecode)
	}
	return claims.ExpiresAt.UTC(), nil
}

// Schedule arms onDue to run SafetyMargin before the token expires
// A token already inside the margin fires immediately on its own goroutine
// Undecodable tokens or tokens without exp schedule nothing
func (t *TokenClock) Schedule(accessToken string, onDue func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancelLocked()

	exp, err := t.Expiry(accessToken)
	if err != nil {
		t.logger.Warn("Token renewal not scheduled", "error", err)
		return
	}

	delay := exp.Sub(t.clock.Now()) - t.margin
	gen := t.gen
	t.onDue = onDue

	if delay <= 0 {
		t.logger.Debug("Token inside safety margin, renewing now", "expires_at", exp)
		t.deadline = t.clock.Now()
		go t.fire(gen)
		return
	}

	t.deadline = t.clock.Now().Add(delay)
	t.timer = t.clock.AfterFunc(delay, func() { go t.fire(gen) })
	t.logger.Debug("Token renewal scheduled", "delay", delay, "expires_at", exp)
}

// Retry arms onDue to run after delay unless a renewal is already pending
// The retry is the pending renewal: Schedule replaces it and Cancel stops it
func (t *TokenClock) Retry(delay time.Duration, onDue func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.onDue != nil {
		return false
	}

	t.cancelLocked()
	gen := t.gen
	t.onDue = onDue
	t.deadline = t.clock.Now().Add(delay)
	t.timer = t.clock.AfterFunc(delay, func() { go t.fire(gen) })
	t.logger.Debug("Token renewal retry scheduled", "delay", delay)
	return true
}

// Cancel the pending renewal, no-op when nothing is pending
func (t *TokenClock) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancelLocked()
}

func (t *TokenClock) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.onDue != nil
}

// Deadline reports when the pending renewal fires
func (t *TokenClock) Deadline() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.onDue == nil {
		return time.Time{}, false
	}
	return t.deadline, true
}

func (t *TokenClock) cancelLocked() {
	// Bumping the generation invalidates callbacks already past the timer
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.onDue = nil
	t.deadline = time.Time{}
}

func (t *TokenClock) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.onDue == nil {
		t.mu.Unlock()
		return
	}
	onDue := t.onDue
	t.onDue = nil
	t.timer = nil
	t.deadline = time.Time{}
	t.mu.Unlock()

	onDue()
}
