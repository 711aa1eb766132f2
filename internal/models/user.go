package models

import (
	"maps"
	"time"
)

// Identity record as returned by the provider
// Owned by the session controller and replaced wholesale on every update
type User struct {
	ID               string         `json:"id"`
	Email            string         `json:"email,omitempty"`
	Role             string         `json:"role,omitempty"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at,omitempty"`
	Metadata         map[string]any `json:"user_metadata,omitempty"`
	AppMetadata      map[string]any `json:"app_metadata,omitempty"`
}

// Clone returns a copy that shares no maps or pointers with u
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}

	c := *u
	c.Metadata = maps.Clone(u.Metadata)
	c.AppMetadata = maps.Clone(u.AppMetadata)
	if u.EmailConfirmedAt != nil {
		at := *u.EmailConfirmedAt
		c.EmailConfirmedAt = &at
	}
	return &c
}
