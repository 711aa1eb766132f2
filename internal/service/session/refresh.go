package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nkiryanov/valisauth/internal/apperrors"
	"github.com/nkiryanov/valisauth/internal/models"
)

// Delay before a scheduled refresh retries when another operation held the slot
const renewRetryDelay = 5 * time.Second

type refreshOutcome struct {
	session models.Session
	event   *models.Event
	once    sync.Once
}

// Refresh exchanges the refresh token for a new pair
// Concurrent callers share one provider call and its outcome
// A failed refresh drops the session and emits session-expired
func (c *Controller) Refresh(ctx context.Context) (models.Session, error) {
	ch := c.refreshGroup.DoChan(opRefresh, func() (any, error) {
		// Detached so one caller giving up does not fail the others
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RefreshTimeout)
		defer cancel()

		if err := c.begin(opRefresh); err != nil {
			return nil, err
		}
		s, ev, err := c.refresh(rctx)
		c.end()
		c.arm()

		return &refreshOutcome{session: s, event: ev}, err
	})

	select {
	case res := <-ch:
		out, _ := res.Val.(*refreshOutcome)
		if out != nil {
			out.once.Do(func() { c.emit(out.event) })
		}
		if res.Err != nil {
			return models.Session{}, res.Err
		}
		return out.session.Clone(), nil

	case <-ctx.Done():
		// Listeners must still hear about the outcome
		go func() {
			res := <-ch
			if out, _ := res.Val.(*refreshOutcome); out != nil {
				out.once.Do(func() { c.emit(out.event) })
			}
		}()
		return models.Session{}, ctx.Err()
	}
}

func (c *Controller) refresh(ctx context.Context) (models.Session, *models.Event, error) {
	current := c.Session()
	if current.RefreshToken == "" {
		return models.Session{}, nil, apperrors.ErrNotAuthenticated
	}

	c.setState(StateRefreshing)

	resp, err := c.provider.RefreshGrant(ctx, current.RefreshToken)
	if err == nil {
		var s models.Session
		s, err = c.establish(ctx, resp, current.User)
		if err == nil {
			c.logger.Debug("Token refreshed", "user_id", userID(s), "expires_at", s.ExpiresAt)
			return s, &models.Event{Kind: models.EventTokenRefreshed, Session: s}, nil
		}
	}

	c.logger.Warn("Token refresh failed, session dropped", "error", err)
	c.discard(ctx)
	return models.Session{}, &models.Event{Kind: models.EventSessionExpired, Err: err}, err
}

// Timer callback of the token clock
func (c *Controller) renew() {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RefreshTimeout)
	defer cancel()

	_, err := c.Refresh(ctx)
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrNotAuthenticated):
		c.logger.Debug("Scheduled refresh skipped, signed out")
	case errors.Is(err, apperrors.ErrConcurrencyRejected):
		// The operation holding the slot may restore this session without rescheduling
		c.logger.Debug("Scheduled refresh deferred", "retry_in", renewRetryDelay)
		c.tokens.Retry(renewRetryDelay, c.renew)
	default:
		c.logger.Warn("Scheduled refresh failed", "error", err)
	}
}
