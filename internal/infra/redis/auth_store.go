package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
	goredis "github.com/redis/go-redis/v9"
)

const (
	stateKey   = "auth:state"
	profileKey = "auth:profile"

	// expiryGrace keeps an expired record around long enough for the token manager to observe it.
	expiryGrace = 24 * time.Hour
)

// AuthStore keeps the session as two JSON values, so every open surface sees the same state.
type AuthStore struct {
	client goredis.UniversalClient
	prefix string
}

// NewAuthStore namespaces keys with prefix, e.g. a profile or installation id.
func NewAuthStore(client goredis.UniversalClient, prefix string) *AuthStore {
	return &AuthStore{client: client, prefix: prefix}
}

func (s *AuthStore) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

func (s *AuthStore) GetAuthState(ctx context.Context) (*entity.AuthState, error) {
	var state entity.AuthState
	found, err := s.getJSON(ctx, stateKey, &state)
	if err != nil || !found {
		return nil, err
	}
	return &state, nil
}

// SaveAuthState expires the key a grace period after the token so an abandoned session cleans itself up.
func (s *AuthStore) SaveAuthState(ctx context.Context, state entity.AuthState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal auth state: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(stateKey), data, 0)
	if !state.ExpiresAt.IsZero() {
		pipe.ExpireAt(ctx, s.key(stateKey), state.ExpiresAt.Add(expiryGrace))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save auth state: %w", err)
	}
	return nil
}

func (s *AuthStore) ClearAllAuthData(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key(stateKey), s.key(profileKey)).Err(); err != nil {
		return fmt.Errorf("clear auth data: %w", err)
	}
	return nil
}

func (s *AuthStore) GetUserProfile(ctx context.Context) (*entity.UserProfile, error) {
	var profile entity.UserProfile
	found, err := s.getJSON(ctx, profileKey, &profile)
	if err != nil || !found {
		return nil, err
	}
	return &profile, nil
}

func (s *AuthStore) SaveUserProfile(ctx context.Context, profile entity.UserProfile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal user profile: %w", err)
	}
	if err := s.client.Set(ctx, s.key(profileKey), data, 0).Err(); err != nil {
		return fmt.Errorf("save user profile: %w", err)
	}
	return nil
}

func (s *AuthStore) IsAuthenticated(ctx context.Context) (bool, error) {
	state, err := s.GetAuthState(ctx)
	if err != nil {
		return false, err
	}
	return state != nil && state.AccessToken != "", nil
}

func (s *AuthStore) getJSON(ctx context.Context, k string, out any) (bool, error) {
	data, err := s.client.Get(ctx, s.key(k)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", k, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", k, err)
	}
	return true, nil
}
