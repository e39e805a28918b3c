package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/port"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/infra/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	RefreshAlarmName = "token-refresh-check"

	DefaultRefreshThreshold = 5 * time.Minute
	DefaultAlarmInterval    = 4 * time.Minute
	defaultRefreshTimeout   = 30 * time.Second
)

type TokenManagerConfig struct {
	RefreshThreshold time.Duration
	AlarmInterval    time.Duration
	// RefreshTimeout bounds the shared refresh call, which outlives any single caller.
	RefreshTimeout time.Duration
	Now            func() time.Time
}

// TokenManager keeps the stored access token fresh. All refreshes, whether
// triggered by the alarm, a manual request or a 401, share one in-flight call.
type TokenManager struct {
	store       port.AuthStore
	refresher   port.TokenRefresher
	broadcaster port.Broadcaster
	scheduler   port.AlarmScheduler
	logger      *zap.Logger
	nowFn       func() time.Time

	threshold      time.Duration
	interval       time.Duration
	refreshTimeout time.Duration

	group    singleflight.Group
	inFlight atomic.Bool
}

// NewTokenManager wires the manager. broadcaster and scheduler may be nil.
func NewTokenManager(
	store port.AuthStore,
	refresher port.TokenRefresher,
	broadcaster port.Broadcaster,
	scheduler port.AlarmScheduler,
	logger *zap.Logger,
	cfg TokenManagerConfig,
) *TokenManager {
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = DefaultRefreshThreshold
	}
	if cfg.AlarmInterval <= 0 {
		cfg.AlarmInterval = DefaultAlarmInterval
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = defaultRefreshTimeout
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.AlarmInterval > cfg.RefreshThreshold {
		logger.Warn("alarm interval exceeds refresh threshold, tokens may expire between checks",
			zap.Duration("alarm_interval", cfg.AlarmInterval),
			zap.Duration("refresh_threshold", cfg.RefreshThreshold),
		)
	}

	return &TokenManager{
		store:          store,
		refresher:      refresher,
		broadcaster:    broadcaster,
		scheduler:      scheduler,
		logger:         logger,
		nowFn:          cfg.Now,
		threshold:      cfg.RefreshThreshold,
		interval:       cfg.AlarmInterval,
		refreshTimeout: cfg.RefreshTimeout,
	}
}

// OnActivation runs one check and starts the periodic alarm.
func (m *TokenManager) OnActivation(ctx context.Context) {
	m.check(ctx)
	if m.scheduler != nil {
		m.scheduler.Schedule(RefreshAlarmName, m.interval, m.OnAlarm)
	}
}

func (m *TokenManager) OnAlarm(ctx context.Context) {
	m.check(ctx)
}

func (m *TokenManager) Shutdown() {
	if m.scheduler != nil {
		m.scheduler.Cancel(RefreshAlarmName)
	}
}

func (m *TokenManager) check(ctx context.Context) {
	state := m.loadState(ctx)
	if state == nil {
		return
	}

	now := m.nowFn()
	switch {
	case state.Expired(now):
		m.logger.Info("stored token expired", zap.Time("expires_at", state.ExpiresAt))
		m.expireSession(ctx, "expired")
	case state.NeedsRefresh(now, m.threshold):
		if _, err := m.refresh(ctx); err != nil {
			m.logger.Warn("scheduled token refresh failed", zap.Error(err))
		}
	}
}

// CheckAuthStatus reports the session. An expired token is cleared before answering.
func (m *TokenManager) CheckAuthStatus(ctx context.Context) entity.AuthStatus {
	state := m.loadState(ctx)
	if state == nil {
		return entity.AuthStatus{}
	}

	now := m.nowFn()
	if state.Expired(now) {
		m.expireSession(ctx, "expired")
		return entity.AuthStatus{}
	}

	user := state.CachedProfile
	if user == nil {
		if p, err := m.store.GetUserProfile(ctx); err == nil {
			user = p
		}
	}
	return entity.AuthStatus{
		Authenticated: true,
		ExpiresIn:     state.ExpiresAt.Sub(now),
		NeedsRefresh:  state.NeedsRefresh(now, m.threshold),
		User:          user,
	}
}

// ManualRefresh reports whether a refresh succeeded. Without a stored token it returns false without calling out.
func (m *TokenManager) ManualRefresh(ctx context.Context) bool {
	if m.loadState(ctx) == nil {
		return false
	}
	_, err := m.refresh(ctx)
	return err == nil
}

// ValidToken returns a token that is not inside the refresh window, refreshing it first if needed.
func (m *TokenManager) ValidToken(ctx context.Context) (string, error) {
	state := m.loadState(ctx)
	if state == nil {
		return "", entity.ErrNotAuthenticated
	}

	now := m.nowFn()
	switch {
	case state.Expired(now):
		m.expireSession(ctx, "expired")
		return "", entity.ErrSessionExpired
	case state.NeedsRefresh(now, m.threshold):
		return m.refresh(ctx)
	}
	return state.AccessToken, nil
}

// ForceRefresh refreshes regardless of expiry, e.g. after the API rejected the token.
func (m *TokenManager) ForceRefresh(ctx context.Context) (string, error) {
	if m.loadState(ctx) == nil {
		return "", entity.ErrNotAuthenticated
	}
	return m.refresh(ctx)
}

// Establish stores the grant from a login or registration.
func (m *TokenManager) Establish(ctx context.Context, grant *entity.TokenGrant) error {
	if grant == nil || grant.AccessToken == "" {
		return &entity.ValidationError{Field: "access_token", Reason: "is required"}
	}
	if err := m.persistGrant(ctx, grant, nil); err != nil {
		return fmt.Errorf("establish session: %w", err)
	}
	m.logger.Info("session established", zap.Time("expires_at", grant.ExpiresAt))
	return nil
}

// Logout clears local auth state without an expiry notification.
func (m *TokenManager) Logout(ctx context.Context) error {
	if err := m.store.ClearAllAuthData(ctx); err != nil {
		return fmt.Errorf("clear auth data: %w", err)
	}
	m.logger.Info("session cleared by logout")
	return nil
}

// RefreshInFlight reports whether a refresh call is outstanding.
func (m *TokenManager) RefreshInFlight() bool {
	return m.inFlight.Load()
}

func (m *TokenManager) refresh(ctx context.Context) (string, error) {
	ch := m.group.DoChan("refresh", func() (any, error) {
		m.inFlight.Store(true)
		defer m.inFlight.Store(false)

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout)
		defer cancel()
		return m.doRefresh(rctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *TokenManager) doRefresh(ctx context.Context) (string, error) {
	state := m.loadState(ctx)
	if state == nil {
		return "", entity.ErrNotAuthenticated
	}

	grant, err := m.refresher.RefreshToken(ctx, state.AccessToken)
	if err == nil && (grant == nil || grant.AccessToken == "") {
		err = errors.New("refresh response carried no token")
	}
	if err == nil {
		err = m.persistGrant(ctx, grant, state)
	}
	if err != nil {
		metrics.TokenRefreshTotal.WithLabelValues("failure").Inc()
		m.logger.Warn("token refresh failed, clearing session", zap.Error(err))
		m.expireSession(ctx, "refresh_failed")
		return "", fmt.Errorf("%w: %w", entity.ErrRefreshFailed, err)
	}

	metrics.TokenRefreshTotal.WithLabelValues("success").Inc()
	m.logger.Info("token refreshed", zap.Time("expires_at", grant.ExpiresAt))
	return grant.AccessToken, nil
}

func (m *TokenManager) persistGrant(ctx context.Context, grant *entity.TokenGrant, prev *entity.AuthState) error {
	next := entity.AuthState{
		AccessToken:   grant.AccessToken,
		ExpiresAt:     grant.ExpiresAt,
		CachedProfile: grant.User,
	}
	if prev != nil {
		next.SubjectID = prev.SubjectID
		if next.CachedProfile == nil {
			next.CachedProfile = prev.CachedProfile
		}
	}
	if grant.User != nil {
		next.SubjectID = grant.User.ID
	}

	if err := m.store.SaveAuthState(ctx, next); err != nil {
		return fmt.Errorf("save auth state: %w", err)
	}
	if grant.User != nil {
		if err := m.store.SaveUserProfile(ctx, *grant.User); err != nil {
			return fmt.Errorf("save user profile: %w", err)
		}
	}
	return nil
}

// expireSession clears all auth data and tells every listener.
func (m *TokenManager) expireSession(ctx context.Context, reason string) {
	if err := m.store.ClearAllAuthData(ctx); err != nil {
		m.logger.Error("failed to clear auth data", zap.Error(err))
	}
	metrics.SessionExpiredTotal.WithLabelValues(reason).Inc()

	if m.broadcaster == nil {
		return
	}
	n := entity.Notification{Type: entity.NotificationTokenExpired, Reason: reason, Timestamp: m.nowFn()}
	if err := m.broadcaster.Broadcast(ctx, n); err != nil {
		m.logger.Warn("failed to broadcast token expiry", zap.Error(err))
	}
}

// loadState treats read failures as an absent session.
func (m *TokenManager) loadState(ctx context.Context) *entity.AuthState {
	state, err := m.store.GetAuthState(ctx)
	if err != nil {
		m.logger.Warn("failed to read auth state", zap.Error(err))
		return nil
	}
	if state == nil || state.AccessToken == "" {
		return nil
	}
	return state
}
