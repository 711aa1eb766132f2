package session

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/nkiryanov/valisauth/internal/apperrors"
)

var _ oauth2.TokenSource = (*Controller)(nil)

// Token returns the current access token, refreshing it first when it has expired
func (c *Controller) Token() (*oauth2.Token, error) {
	s := c.Session()
	if !s.Authenticated() {
		return nil, apperrors.ErrNotAuthenticated
	}

	if !s.ExpiresAt.IsZero() && !c.clock.Now().Before(s.ExpiresAt) {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RefreshTimeout)
		defer cancel()

		var err error
		if s, err = c.Refresh(ctx); err != nil {
			return nil, err
		}
	}

	return &oauth2.Token{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       s.ExpiresAt,
	}, nil
}

// HTTPClient returns a client sending the current access token with every request
// Backend API collaborators use it instead of reading tokens themselves
func (c *Controller) HTTPClient(ctx context.Context) *http.Client {
	base := oauth2.NewClient(ctx, nil)
	return &http.Client{
		Transport: &oauth2.Transport{Source: c, Base: base.Transport},
		Timeout:   base.Timeout,
	}
}
