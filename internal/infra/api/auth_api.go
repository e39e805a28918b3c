package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/port"
	"go.uber.org/zap"
)

// AuthAPI covers the endpoints that issue tokens. It never consults the token manager,
// which is what lets the manager use it as its refresher.
type AuthAPI struct {
	transport
	defaultTTL time.Duration
}

func NewAuthAPI(doer port.HTTPDoer, logger *zap.Logger, cfg Config) *AuthAPI {
	ttl := cfg.DefaultTokenTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &AuthAPI{
		transport:  newTransport(doer, logger, cfg),
		defaultTTL: ttl,
	}
}

type grantResponse struct {
	Token       string              `json:"token"`
	AccessToken string              `json:"access_token"`
	ExpiresIn   int64               `json:"expires_in"`
	User        *entity.UserProfile `json:"user"`
}

func (a *AuthAPI) Login(ctx context.Context, creds entity.Credentials) (*entity.TokenGrant, error) {
	if creds.Email == "" || creds.Password == "" {
		return nil, &entity.ValidationError{Field: "credentials", Reason: "email and password are required"}
	}
	body, _ := json.Marshal(map[string]entity.Credentials{"user": creds})

	grant, err := a.grant(ctx, request{method: http.MethodPost, path: "/auth/login", body: body, contentType: "application/json"})
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return grant, nil
}

func (a *AuthAPI) Register(ctx context.Context, reg entity.Registration) (*entity.TokenGrant, error) {
	switch {
	case reg.Email == "" || reg.Username == "" || reg.Password == "":
		return nil, &entity.ValidationError{Field: "registration", Reason: "email, username and password are required"}
	case reg.PasswordConfirmation != "" && reg.PasswordConfirmation != reg.Password:
		return nil, &entity.ValidationError{Field: "password_confirmation", Reason: "does not match password"}
	}
	body, _ := json.Marshal(map[string]entity.Registration{"user": reg})

	grant, err := a.grant(ctx, request{method: http.MethodPost, path: "/auth/register", body: body, contentType: "application/json"})
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	return grant, nil
}

// RefreshToken exchanges the current token for a new one.
func (a *AuthAPI) RefreshToken(ctx context.Context, accessToken string) (*entity.TokenGrant, error) {
	grant, err := a.grant(ctx, request{method: http.MethodPost, path: "/auth/refresh", token: accessToken})
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return grant, nil
}

func (a *AuthAPI) grant(ctx context.Context, r request) (*entity.TokenGrant, error) {
	resp, err := a.send(ctx, r)
	if err != nil {
		return nil, err
	}
	var out grantResponse
	if err := a.decode(resp, &out); err != nil {
		return nil, err
	}
	return a.toGrant(out)
}

func (a *AuthAPI) toGrant(out grantResponse) (*entity.TokenGrant, error) {
	token := out.Token
	if token == "" {
		token = out.AccessToken
	}
	if token == "" {
		return nil, errors.New("response carried no token")
	}

	now := a.nowFn()
	grant := &entity.TokenGrant{AccessToken: token, User: out.User}
	switch {
	case out.ExpiresIn > 0:
		grant.ExpiresAt = now.Add(time.Duration(out.ExpiresIn) * time.Second)
	default:
		exp, ok := jwtExpiry(token)
		if !ok {
			a.logger.Warn("token carries no expiry, assuming default lifetime", zap.Duration("ttl", a.defaultTTL))
			exp = now.Add(a.defaultTTL)
		}
		grant.ExpiresAt = exp
	}
	return grant, nil
}

// jwtExpiry reads the exp claim without verifying the signature; the server remains the authority.
func jwtExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
