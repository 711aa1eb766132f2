package memory

import (
	"context"
	"sync"

	"github.com/nkiryanov/valisauth/internal/models"
	"github.com/nkiryanov/valisauth/internal/repository"
)

// In-memory credential repo
// Credentials live as long as the process: used by tests and by short-lived CLI runs
type CredentialRepo struct {
	mu   sync.RWMutex
	pair models.TokenPair
}

func New() *CredentialRepo {
	return &CredentialRepo{}
}

func (r *CredentialRepo) Get(_ context.Context) (models.TokenPair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return repository.Normalize(r.pair), nil
}

func (r *CredentialRepo) Set(_ context.Context, pair models.TokenPair) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pair = pair
	return nil
}

func (r *CredentialRepo) Clear(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pair = models.TokenPair{}
	return nil
}
