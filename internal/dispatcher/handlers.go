package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
)

type JobService interface {
	Submit(ctx context.Context, kind entity.JobKind, payload entity.ExtractionRequest) (string, error)
	Status(id string) (*entity.Job, error)
	Stats() entity.QueueStats
}

type TokenService interface {
	CheckAuthStatus(ctx context.Context) entity.AuthStatus
	ManualRefresh(ctx context.Context) bool
}

type AccountService interface {
	Login(ctx context.Context, creds entity.Credentials) (entity.AuthStatus, error)
	Register(ctx context.Context, reg entity.Registration) (entity.AuthStatus, error)
	Logout(ctx context.Context) error
	Profile(ctx context.Context, forceRefresh bool) (*entity.UserProfile, error)
	UploadGIF(ctx context.Context, upload entity.GIFUpload) (*entity.UploadedGIF, error)
}

type Services struct {
	Jobs     JobService
	Tokens   TokenService
	Accounts AccountService
	Now      func() time.Time
}

// RegisterHandlers binds every supported message type. Handlers that touch
// storage or the network are async; the rest answer inline. Handlers backed by
// a non-idempotent POST are never retried.
func RegisterHandlers(d *Dispatcher, svc Services) {
	now := svc.Now
	if now == nil {
		now = time.Now
	}

	d.Register(entity.MsgPing, func(context.Context, json.RawMessage) (any, error) {
		return map[string]any{"pong": true, "timestamp": now().UTC()}, nil
	}, false)

	d.Register(entity.MsgExtractFrames, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req entity.ExtractionRequest
		if err := decodePayload(raw, &req); err != nil {
			return nil, err
		}
		id, err := svc.Jobs.Submit(ctx, entity.JobKindFrameExtraction, req)
		if err != nil {
			return nil, err
		}
		return map[string]string{"job_id": id}, nil
	}, false)

	// Encoding needs a DOM-capable context; the worker rejects it before any record is made.
	d.Register(entity.MsgEncodeGIF, func(ctx context.Context, _ json.RawMessage) (any, error) {
		_, err := svc.Jobs.Submit(ctx, entity.JobKindGIFEncoding, entity.ExtractionRequest{})
		return nil, err
	}, false)

	d.Register(entity.MsgGetJobStatus, func(_ context.Context, raw json.RawMessage) (any, error) {
		var req struct {
			JobID string `json:"job_id"`
		}
		if err := decodePayload(raw, &req); err != nil {
			return nil, err
		}
		if req.JobID == "" {
			return nil, &entity.ValidationError{Field: "job_id", Reason: "is required"}
		}
		return svc.Jobs.Status(req.JobID)
	}, false)

	d.Register(entity.MsgGetQueueStats, func(context.Context, json.RawMessage) (any, error) {
		return svc.Jobs.Stats(), nil
	}, false)

	d.Register(entity.MsgCheckAuth, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return svc.Tokens.CheckAuthStatus(ctx), nil
	}, true)

	d.Register(entity.MsgRefreshToken, func(ctx context.Context, _ json.RawMessage) (any, error) {
		ok := svc.Tokens.ManualRefresh(ctx)
		return map[string]any{"refreshed": ok, "status": svc.Tokens.CheckAuthStatus(ctx)}, nil
	}, true)

	d.Register(entity.MsgLogin, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var creds entity.Credentials
		if err := decodePayload(raw, &creds); err != nil {
			return nil, err
		}
		return svc.Accounts.Login(ctx, creds)
	}, true, NoRetry())

	d.Register(entity.MsgRegister, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var reg entity.Registration
		if err := decodePayload(raw, &reg); err != nil {
			return nil, err
		}
		return svc.Accounts.Register(ctx, reg)
	}, true, NoRetry())

	d.Register(entity.MsgLogout, func(ctx context.Context, _ json.RawMessage) (any, error) {
		if err := svc.Accounts.Logout(ctx); err != nil {
			return nil, err
		}
		return map[string]bool{"logged_out": true}, nil
	}, true)

	d.Register(entity.MsgGetUserProfile, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req struct {
			ForceRefresh bool `json:"force_refresh"`
		}
		if len(raw) > 0 {
			if err := decodePayload(raw, &req); err != nil {
				return nil, err
			}
		}
		return svc.Accounts.Profile(ctx, req.ForceRefresh)
	}, true)

	d.Register(entity.MsgUploadGIF, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var upload entity.GIFUpload
		if err := decodePayload(raw, &upload); err != nil {
			return nil, err
		}
		return svc.Accounts.UploadGIF(ctx, upload)
	}, true, NoRetry())
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return &entity.ValidationError{Field: "payload", Reason: "is required"}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &entity.ValidationError{Field: "payload", Reason: err.Error()}
	}
	return nil
}
