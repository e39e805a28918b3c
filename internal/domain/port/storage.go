package port

import (
	"context"

	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
)

// AuthStore persists the session. GetAuthState and GetUserProfile return nil, nil when absent.
type AuthStore interface {
	GetAuthState(ctx context.Context) (*entity.AuthState, error)
	SaveAuthState(ctx context.Context, state entity.AuthState) error
	ClearAllAuthData(ctx context.Context) error
	GetUserProfile(ctx context.Context) (*entity.UserProfile, error)
	SaveUserProfile(ctx context.Context, profile entity.UserProfile) error
	IsAuthenticated(ctx context.Context) (bool, error)
}

// FrameArchiver bundles extracted frames and returns the object key of the bundle.
type FrameArchiver interface {
	ArchiveFrames(ctx context.Context, jobID string, frames []entity.Frame) (string, error)
}
