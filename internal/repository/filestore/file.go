package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"

	"github.com/nkiryanov/valisauth/internal/models"
	"github.com/nkiryanov/valisauth/internal/repository"
)

const fileMode = 0o600

// Credential repo backed by a key/value file in dotenv format:
//
//	access_token="..."
//	refresh_token="..."
//
// Writes go to a temp file in the same directory and are renamed over the target
// so a crashed write never leaves a half pair behind
type CredentialRepo struct {
	path string
	mu   sync.Mutex
}

func New(path string) *CredentialRepo {
	return &CredentialRepo{path: path}
}

func (r *CredentialRepo) Path() string {
	return r.path
}

func (r *CredentialRepo) Get(_ context.Context) (models.TokenPair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		return models.TokenPair{}, nil
	default:
		return models.TokenPair{}, fmt.Errorf("read credentials file: %w", err)
	}

	// Unparsable content is treated the same as a missing file
	values, err := godotenv.Unmarshal(string(data))
	if err != nil {
		return models.TokenPair{}, nil
	}

	return repository.Normalize(models.TokenPair{
		AccessToken:  values[repository.KeyAccessToken],
		RefreshToken: values[repository.KeyRefreshToken],
	}), nil
}

func (r *CredentialRepo) Set(_ context.Context, pair models.TokenPair) error {
	content, err := godotenv.Marshal(map[string]string{
		repository.KeyAccessToken:  pair.AccessToken,
		repository.KeyRefreshToken: pair.RefreshToken,
	})
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("create temp credentials file: %w", err)
	}
	defer os.Remove(tmp.Name()) // nolint:errcheck

	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp credentials file: %w", err)
	}
	if _, err := tmp.WriteString(content + "\n"); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp credentials file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp credentials file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp credentials file: %w", err)
	}

	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("replace credentials file: %w", err)
	}
	return nil
}

func (r *CredentialRepo) Clear(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := os.Remove(r.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credentials file: %w", err)
	}
	return nil
}
