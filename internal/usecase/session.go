package usecase

import (
	"context"

	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/port"
	"go.uber.org/zap"
)

type sessionTokens interface {
	Establish(ctx context.Context, grant *entity.TokenGrant) error
	Logout(ctx context.Context) error
	CheckAuthStatus(ctx context.Context) entity.AuthStatus
}

// SessionService covers the user-facing account flows.
type SessionService struct {
	store    port.AuthStore
	tokens   sessionTokens
	auth     port.Authenticator
	platform port.PlatformClient
	logger   *zap.Logger
}

func NewSessionService(
	store port.AuthStore,
	tokens sessionTokens,
	auth port.Authenticator,
	platform port.PlatformClient,
	logger *zap.Logger,
) *SessionService {
	return &SessionService{
		store:    store,
		tokens:   tokens,
		auth:     auth,
		platform: platform,
		logger:   logger,
	}
}

func (s *SessionService) Login(ctx context.Context, creds entity.Credentials) (entity.AuthStatus, error) {
	grant, err := s.auth.Login(ctx, creds)
	if err != nil {
		return entity.AuthStatus{}, err
	}
	if err := s.tokens.Establish(ctx, grant); err != nil {
		return entity.AuthStatus{}, err
	}
	return s.tokens.CheckAuthStatus(ctx), nil
}

func (s *SessionService) Register(ctx context.Context, reg entity.Registration) (entity.AuthStatus, error) {
	grant, err := s.auth.Register(ctx, reg)
	if err != nil {
		return entity.AuthStatus{}, err
	}
	if err := s.tokens.Establish(ctx, grant); err != nil {
		return entity.AuthStatus{}, err
	}
	return s.tokens.CheckAuthStatus(ctx), nil
}

// Logout revokes remotely on a best-effort basis and always clears local state.
func (s *SessionService) Logout(ctx context.Context) error {
	if err := s.platform.Logout(ctx); err != nil {
		s.logger.Warn("remote logout failed, clearing local session anyway", zap.Error(err))
	}
	return s.tokens.Logout(ctx)
}

// Profile returns the cached profile unless forceRefresh is set or nothing is cached.
func (s *SessionService) Profile(ctx context.Context, forceRefresh bool) (*entity.UserProfile, error) {
	if !forceRefresh {
		cached, err := s.store.GetUserProfile(ctx)
		if err != nil {
			s.logger.Warn("failed to read cached profile", zap.Error(err))
		}
		if cached != nil {
			return cached, nil
		}
	}

	profile, err := s.platform.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveUserProfile(ctx, *profile); err != nil {
		s.logger.Warn("failed to cache profile", zap.Error(err))
	}
	return profile, nil
}

func (s *SessionService) UploadGIF(ctx context.Context, upload entity.GIFUpload) (*entity.UploadedGIF, error) {
	gif, err := s.platform.UploadGIF(ctx, upload)
	if err != nil {
		return nil, err
	}
	s.logger.Info("gif uploaded", zap.String("gif_id", gif.ID), zap.Int("bytes", len(upload.Data)))
	return gif, nil
}

func (s *SessionService) Status(ctx context.Context) entity.AuthStatus {
	return s.tokens.CheckAuthStatus(ctx)
}
