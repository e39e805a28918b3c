package memstore

import (
	"context"
	"sync"

	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
)

// AuthStore is a process-local session store, used when no Redis or SQLite store is configured.
type AuthStore struct {
	mu      sync.RWMutex
	state   *entity.AuthState
	profile *entity.UserProfile
}

func NewAuthStore() *AuthStore {
	return &AuthStore{}
}

func (s *AuthStore) GetAuthState(_ context.Context) (*entity.AuthState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state == nil {
		return nil, nil
	}
	st := *s.state
	return &st, nil
}

func (s *AuthStore) SaveAuthState(_ context.Context, state entity.AuthState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = &state
	return nil
}

func (s *AuthStore) ClearAllAuthData(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = nil
	s.profile = nil
	return nil
}

func (s *AuthStore) GetUserProfile(_ context.Context) (*entity.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.profile == nil {
		return nil, nil
	}
	p := *s.profile
	return &p, nil
}

func (s *AuthStore) SaveUserProfile(_ context.Context, profile entity.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.profile = &profile
	return nil
}

func (s *AuthStore) IsAuthenticated(_ context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state != nil && s.state.AccessToken != "", nil
}
