package models

import "time"

// In-memory authoritative session
// AccessToken is set iff the session is authenticated
// ExpiresAt is zero only when no expiry source was available for the access token
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         *User
}

func (s Session) Authenticated() bool {
	return s.AccessToken != ""
}

func (s Session) Pair() TokenPair {
	return TokenPair{AccessToken: s.AccessToken, RefreshToken: s.RefreshToken}
}

// Clone returns a snapshot safe to hand out to listeners and callers
func (s Session) Clone() Session {
	s.User = s.User.Clone()
	return s
}
