package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/port"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/infra/api"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/infra/memstore"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/usecase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type instantProcessor struct{}

func (instantProcessor) ExtractFrames(_ context.Context, req entity.ExtractionRequest, progress port.ProgressFunc) (*entity.ExtractionResult, error) {
	progress(50)
	return &entity.ExtractionResult{
		Frames:          []entity.Frame{{Index: 0, Timestamp: req.Settings.StartTime}},
		Method:          "instant",
		ActualFrameRate: float64(req.Settings.FrameRate),
	}, nil
}

type stubTokenService struct{ refreshed bool }

func (s stubTokenService) CheckAuthStatus(context.Context) entity.AuthStatus {
	return entity.AuthStatus{Authenticated: s.refreshed}
}

func (s stubTokenService) ManualRefresh(context.Context) bool { return s.refreshed }

type stubAccounts struct {
	loginErr error
}

func (a stubAccounts) Login(_ context.Context, c entity.Credentials) (entity.AuthStatus, error) {
	if a.loginErr != nil {
		return entity.AuthStatus{}, a.loginErr
	}
	return entity.AuthStatus{Authenticated: true, User: &entity.UserProfile{Email: c.Email}}, nil
}

func (a stubAccounts) Register(context.Context, entity.Registration) (entity.AuthStatus, error) {
	return entity.AuthStatus{Authenticated: true}, nil
}

func (a stubAccounts) Logout(context.Context) error { return nil }

func (a stubAccounts) Profile(context.Context, bool) (*entity.UserProfile, error) {
	return &entity.UserProfile{ID: "u1", Username: "clipper"}, nil
}

func (a stubAccounts) UploadGIF(_ context.Context, u entity.GIFUpload) (*entity.UploadedGIF, error) {
	return &entity.UploadedGIF{ID: "g1", Title: u.Title}, nil
}

func newWiredDispatcher(t *testing.T, accounts stubAccounts) (*Dispatcher, *usecase.FrameWorker) {
	t.Helper()
	worker := usecase.NewFrameWorker(memstore.NewJobStore(), instantProcessor{}, nil, nil, nil, zap.NewNop(), usecase.FrameWorkerConfig{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = worker.Close(ctx)
	})

	d := newTestDispatcher()
	RegisterHandlers(d, Services{
		Jobs:     worker,
		Tokens:   stubTokenService{refreshed: true},
		Accounts: accounts,
	})
	return d, worker
}

func call(t *testing.T, d *Dispatcher, msgType string, payload any) entity.Response {
	t.Helper()
	env := entity.Envelope{ID: "req-1", Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		env.Payload = raw
	}
	c := newCollector()
	d.Dispatch(context.Background(), env, c.respond)
	resp := c.wait(t)
	drain(t, d)
	return resp
}

func TestEncodeGIFRejectedFast(t *testing.T) {
	d, worker := newWiredDispatcher(t, stubAccounts{})

	c := newCollector()
	async := d.Dispatch(context.Background(), entity.Envelope{Type: entity.MsgEncodeGIF, Payload: json.RawMessage(`{"frames":[]}`)}, c.respond)

	assert.False(t, async)
	resp := c.wait(t)
	assert.Equal(t, CodeUnsupportedJobKind, resp.Error.Code)
	assert.Equal(t, entity.QueueStats{}, worker.Stats())
}

func TestExtractFramesRoundTrip(t *testing.T) {
	d, worker := newWiredDispatcher(t, stubAccounts{})

	resp := call(t, d, entity.MsgExtractFrames, entity.ExtractionRequest{
		TabID:    3,
		Video:    entity.VideoSource{URL: "https://www.youtube.com/watch?v=abc"},
		Settings: entity.ExtractionSettings{StartTime: 2, Duration: 1, FrameRate: 12},
	})
	require.True(t, resp.Success, "%+v", resp.Error)
	jobID := resp.Data.(map[string]string)["job_id"]
	require.NotEmpty(t, jobID)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, worker.Wait(ctx))

	resp = call(t, d, entity.MsgGetJobStatus, map[string]string{"job_id": jobID})
	require.True(t, resp.Success)
	job := resp.Data.(*entity.Job)
	assert.Equal(t, entity.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)

	resp = call(t, d, entity.MsgGetQueueStats, nil)
	assert.Equal(t, entity.QueueStats{Completed: 1}, resp.Data)
}

func TestExtractFramesValidation(t *testing.T) {
	d, _ := newWiredDispatcher(t, stubAccounts{})

	resp := call(t, d, entity.MsgExtractFrames, nil)
	assert.Equal(t, CodeValidation, resp.Error.Code)

	resp = call(t, d, entity.MsgExtractFrames, entity.ExtractionRequest{
		Video:    entity.VideoSource{URL: "https://www.youtube.com/watch?v=abc"},
		Settings: entity.ExtractionSettings{Duration: 1, FrameRate: 120},
	})
	assert.Equal(t, CodeValidation, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "frame_rate")
}

func TestGetJobStatusUnknown(t *testing.T) {
	d, _ := newWiredDispatcher(t, stubAccounts{})

	resp := call(t, d, entity.MsgGetJobStatus, map[string]string{"job_id": "missing"})
	assert.Equal(t, CodeNotFound, resp.Error.Code)

	resp = call(t, d, entity.MsgGetJobStatus, map[string]string{})
	assert.Equal(t, CodeValidation, resp.Error.Code)
}

func TestAuthMessages(t *testing.T) {
	d, _ := newWiredDispatcher(t, stubAccounts{})

	resp := call(t, d, entity.MsgPing, nil)
	assert.True(t, resp.Success)

	resp = call(t, d, entity.MsgCheckAuth, nil)
	assert.Equal(t, entity.AuthStatus{Authenticated: true}, resp.Data)

	resp = call(t, d, entity.MsgRefreshToken, nil)
	assert.Equal(t, true, resp.Data.(map[string]any)["refreshed"])

	resp = call(t, d, entity.MsgLogin, entity.Credentials{Email: "a@b.c", Password: "pw"})
	require.True(t, resp.Success)
	assert.Equal(t, "a@b.c", resp.Data.(entity.AuthStatus).User.Email)

	resp = call(t, d, entity.MsgGetUserProfile, nil)
	assert.Equal(t, "clipper", resp.Data.(*entity.UserProfile).Username)

	resp = call(t, d, entity.MsgLogout, nil)
	assert.True(t, resp.Success)

	resp = call(t, d, entity.MsgUploadGIF, entity.GIFUpload{Title: "cat", ContentType: "image/gif", Data: []byte("GIF89a")})
	assert.Equal(t, "g1", resp.Data.(*entity.UploadedGIF).ID)
}

func TestLoginFailureIsNotRetried(t *testing.T) {
	d, _ := newWiredDispatcher(t, stubAccounts{loginErr: &entity.APIError{Kind: entity.ErrUnauthorized, StatusCode: 401, Message: "Invalid email or password"}})

	resp := call(t, d, entity.MsgLogin, entity.Credentials{Email: "a@b.c", Password: "bad"})
	assert.Equal(t, CodeAuth, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "Invalid email or password")
}

func TestPostBackedHandlersSendOneRequestOnServerError(t *testing.T) {
	var mu sync.Mutex
	posts := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			mu.Lock()
			posts[r.URL.Path]++
			mu.Unlock()
		}
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"upstream unavailable"}`))
	}))
	defer srv.Close()

	store := memstore.NewAuthStore()
	require.NoError(t, store.SaveAuthState(context.Background(), entity.AuthState{
		AccessToken: "live-token",
		ExpiresAt:   time.Now().Add(time.Hour),
	}))

	apiCfg := api.Config{BaseURL: srv.URL, MaxRetries: 2, RetryBaseDelay: time.Millisecond}
	authAPI := api.NewAuthAPI(srv.Client(), zap.NewNop(), apiCfg)
	tokens := usecase.NewTokenManager(store, authAPI, nil, nil, zap.NewNop(), usecase.TokenManagerConfig{})
	platform := api.NewClient(srv.Client(), tokens, zap.NewNop(), apiCfg)
	sessions := usecase.NewSessionService(store, tokens, authAPI, platform, zap.NewNop())

	d := newTestDispatcher()
	RegisterHandlers(d, Services{Tokens: tokens, Accounts: sessions})

	tests := []struct {
		msgType string
		payload any
		path    string
	}{
		{msgType: entity.MsgLogin, payload: entity.Credentials{Email: "a@b.c", Password: "pw"}, path: "/auth/login"},
		{msgType: entity.MsgRegister, payload: entity.Registration{Email: "a@b.c", Username: "clipper", Password: "pw"}, path: "/auth/register"},
		{msgType: entity.MsgUploadGIF, payload: entity.GIFUpload{
			Filename:    "cat.gif",
			ContentType: "image/gif",
			Data:        []byte("GIF89a\x01\x00\x01\x00"),
			Title:       "Cat jumps",
		}, path: "/gifs"},
	}

	for _, tt := range tests {
		t.Run(tt.msgType, func(t *testing.T) {
			resp := call(t, d, tt.msgType, tt.payload)

			assert.False(t, resp.Success)
			assert.Equal(t, CodeHandlerFailed, resp.Error.Code)
			assert.Contains(t, resp.Error.Message, "upstream unavailable")

			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, 1, posts[tt.path], "a failed POST must not be replayed")
		})
	}
}
