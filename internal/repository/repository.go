package repository

import (
	"context"

	"github.com/nkiryanov/valisauth/internal/models"
)

// Fixed keys the token pair is stored under
// Backends that store named fields (file, redis hash, sql columns) use these names
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
)

// Slot used when a store is shared by a single client
const DefaultSlot = "default"

// Credential repository interface
// The session controller is the only writer
type CredentialRepo interface {
	// Return stored token pair
	// Missing or malformed storage (including a half pair) must return an empty pair and nil error
	// Errors are reserved for infrastructure failures (connection refused, permission denied)
	Get(ctx context.Context) (models.TokenPair, error)

	// Overwrite both tokens at once
	// A reader must never observe the new access token with the old refresh token
	Set(ctx context.Context, pair models.TokenPair) error

	// Remove both tokens
	// Must be idempotent: clearing an empty store is not an error
	Clear(ctx context.Context) error
}

// Normalize enforces the "both or nothing" rule on pairs read from storage
func Normalize(pair models.TokenPair) models.TokenPair {
	if !pair.Complete() {
		return models.TokenPair{}
	}
	return pair
}
