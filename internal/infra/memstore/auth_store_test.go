package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewAuthStore()

	state, err := s.GetAuthState(ctx)
	require.NoError(t, err)
	assert.Nil(t, state)
	ok, _ := s.IsAuthenticated(ctx)
	assert.False(t, ok)

	require.NoError(t, s.SaveAuthState(ctx, entity.AuthState{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, s.SaveUserProfile(ctx, entity.UserProfile{ID: "u1", Username: "clipper"}))

	ok, _ = s.IsAuthenticated(ctx)
	assert.True(t, ok)

	got, err := s.GetAuthState(ctx)
	require.NoError(t, err)
	got.AccessToken = "mutated"
	again, _ := s.GetAuthState(ctx)
	assert.Equal(t, "tok", again.AccessToken, "callers get copies")

	require.NoError(t, s.ClearAllAuthData(ctx))
	state, _ = s.GetAuthState(ctx)
	profile, _ := s.GetUserProfile(ctx)
	assert.Nil(t, state)
	assert.Nil(t, profile)
}
