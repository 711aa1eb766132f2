package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nkiryanov/valisauth/internal/models"
	"github.com/nkiryanov/valisauth/internal/repository"
)

// Subset of pgx pool and tx methods the repo needs
// Satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Credential repo storing one token pair per slot in the credentials table
type CredentialRepo struct {
	DB   DBTX
	Slot string
}

func New(db DBTX, slot string) *CredentialRepo {
	if slot == "" {
		slot = repository.DefaultSlot
	}
	return &CredentialRepo{DB: db, Slot: slot}
}

const getCredentials = `-- name: GetCredentials
SELECT access_token, refresh_token FROM credentials
WHERE slot = $1
`

func (r *CredentialRepo) Get(ctx context.Context) (models.TokenPair, error) {
	var pair models.TokenPair
	err := r.DB.QueryRow(ctx, getCredentials, r.Slot).Scan(&pair.AccessToken, &pair.RefreshToken)

	var pgErr *pgconn.PgError
	switch {
	case err == nil:
		return repository.Normalize(pair), nil
	case errors.Is(err, pgx.ErrNoRows):
		return models.TokenPair{}, nil
	case errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable:
		// Schema not migrated yet: nothing was ever stored
		return models.TokenPair{}, nil
	default:
		return models.TokenPair{}, fmt.Errorf("db error: %w", err)
	}
}

const setCredentials = `-- name: SetCredentials
INSERT INTO credentials (slot, access_token, refresh_token, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (slot) DO UPDATE
SET access_token = EXCLUDED.access_token,
    refresh_token = EXCLUDED.refresh_token,
    updated_at = EXCLUDED.updated_at
`

func (r *CredentialRepo) Set(ctx context.Context, pair models.TokenPair) error {
	_, err := r.DB.Exec(ctx, setCredentials, r.Slot, pair.AccessToken, pair.RefreshToken)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

const clearCredentials = `-- name: ClearCredentials
DELETE FROM credentials
WHERE slot = $1
`

func (r *CredentialRepo) Clear(ctx context.Context) error {
	_, err := r.DB.Exec(ctx, clearCredentials, r.Slot)

	var pgErr *pgconn.PgError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable:
		return nil
	default:
		return fmt.Errorf("db error: %w", err)
	}
}
