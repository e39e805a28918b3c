package port

import (
	"context"
	"net/http"

	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
)

// TokenRefresher performs the refresh HTTP call. Only the token manager calls it.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, accessToken string) (*entity.TokenGrant, error)
}

// TokenSource hands out bearer tokens to authenticated API calls.
type TokenSource interface {
	ValidToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Authenticator issues tokens for credentials.
type Authenticator interface {
	Login(ctx context.Context, creds entity.Credentials) (*entity.TokenGrant, error)
	Register(ctx context.Context, reg entity.Registration) (*entity.TokenGrant, error)
}

// PlatformClient is the authenticated side of the platform API.
type PlatformClient interface {
	CurrentUser(ctx context.Context) (*entity.UserProfile, error)
	Logout(ctx context.Context) error
	UploadGIF(ctx context.Context, upload entity.GIFUpload) (*entity.UploadedGIF, error)
}
