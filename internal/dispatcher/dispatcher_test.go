package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type collector struct {
	mu    sync.Mutex
	resps []entity.Response
	got   chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 16)}
}

func (c *collector) respond(resp entity.Response) {
	c.mu.Lock()
	c.resps = append(c.resps, resp)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) wait(t *testing.T) entity.Response {
	t.Helper()
	select {
	case <-c.got:
	case <-time.After(2 * time.Second):
		t.Fatal("no response delivered")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resps[len(c.resps)-1]
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resps)
}

func newTestDispatcher() *Dispatcher {
	return New(zap.NewNop(), Config{RetryDelay: 5 * time.Millisecond, RequestTimeout: time.Second})
}

func drain(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
}

func TestInvalidEnvelope(t *testing.T) {
	d := newTestDispatcher()

	for _, raw := range []string{`not json`, `{"id":"1"}`, `{"type":"  "}`} {
		c := newCollector()
		async := d.DispatchRaw(context.Background(), []byte(raw), c.respond)

		assert.False(t, async)
		resp := c.wait(t)
		assert.False(t, resp.Success)
		assert.Equal(t, CodeInvalidMessage, resp.Error.Code)
	}
}

func TestUnhandledType(t *testing.T) {
	d := newTestDispatcher()
	c := newCollector()

	async := d.Dispatch(context.Background(), entity.Envelope{ID: "m1", Type: "DO_MAGIC"}, c.respond)

	assert.False(t, async)
	resp := c.wait(t)
	assert.Equal(t, "m1", resp.ID)
	assert.Equal(t, CodeUnhandledMessage, resp.Error.Code)
}

func TestSyncSuccessAnswersInline(t *testing.T) {
	d := newTestDispatcher()
	d.Register("ECHO", func(_ context.Context, raw json.RawMessage) (any, error) {
		return string(raw), nil
	}, false)
	c := newCollector()

	async := d.Dispatch(context.Background(), entity.Envelope{ID: "m1", Type: "ECHO", Payload: json.RawMessage(`"hi"`)}, c.respond)

	assert.False(t, async)
	require.Equal(t, 1, c.count())
	resp := c.wait(t)
	assert.True(t, resp.Success)
	assert.Equal(t, `"hi"`, resp.Data)
}

func TestAsyncHandlerSignalsLateAnswer(t *testing.T) {
	d := newTestDispatcher()
	release := make(chan struct{})
	d.Register("SLOW", func(context.Context, json.RawMessage) (any, error) {
		<-release
		return "done", nil
	}, true)
	c := newCollector()

	async := d.Dispatch(context.Background(), entity.Envelope{Type: "SLOW"}, c.respond)

	assert.True(t, async)
	assert.Equal(t, 0, c.count())
	close(release)
	assert.Equal(t, "done", c.wait(t).Data)
	drain(t, d)
}

func TestRetryOnceThenSucceed(t *testing.T) {
	d := newTestDispatcher()
	var calls atomic.Int32
	d.Register("FLAKY", func(context.Context, json.RawMessage) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("storage busy")
		}
		return "ok", nil
	}, false)
	c := newCollector()

	async := d.Dispatch(context.Background(), entity.Envelope{Type: "FLAKY"}, c.respond)

	assert.True(t, async, "sync handler switches to a late answer when retrying")
	resp := c.wait(t)
	assert.True(t, resp.Success)
	assert.Equal(t, int32(2), calls.Load())
	drain(t, d)
	assert.Equal(t, 1, c.count())
}

func TestNoRetryRouteAnswersFirstFailure(t *testing.T) {
	for _, async := range []bool{false, true} {
		d := newTestDispatcher()
		var calls atomic.Int32
		d.Register("CREATE", func(context.Context, json.RawMessage) (any, error) {
			calls.Add(1)
			return nil, entity.ErrServer
		}, async, NoRetry())
		c := newCollector()

		assert.Equal(t, async, d.Dispatch(context.Background(), entity.Envelope{Type: "CREATE"}, c.respond))
		resp := c.wait(t)
		drain(t, d)

		assert.False(t, resp.Success)
		assert.Equal(t, int32(1), calls.Load(), "async=%v", async)
		assert.Equal(t, 1, c.count())
	}
}

func TestRetryExhaustedFallsBack(t *testing.T) {
	d := newTestDispatcher()
	var calls atomic.Int32
	d.Register("BROKEN", func(context.Context, json.RawMessage) (any, error) {
		calls.Add(1)
		return nil, errors.New("storage busy")
	}, true)
	c := newCollector()

	assert.True(t, d.Dispatch(context.Background(), entity.Envelope{Type: "BROKEN"}, c.respond))
	resp := c.wait(t)
	drain(t, d)

	assert.False(t, resp.Success)
	assert.Equal(t, CodeHandlerFailed, resp.Error.Code)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, c.count())
}

func TestPanicIsRetriedAndAnswered(t *testing.T) {
	d := newTestDispatcher()
	var calls atomic.Int32
	d.Register("PANICKY", func(context.Context, json.RawMessage) (any, error) {
		calls.Add(1)
		panic("nil map")
	}, false)
	c := newCollector()

	assert.True(t, d.Dispatch(context.Background(), entity.Envelope{Type: "PANICKY"}, c.respond))
	resp := c.wait(t)
	drain(t, d)

	assert.Equal(t, CodeHandlerFailed, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "nil map")
	assert.Equal(t, int32(2), calls.Load())
}

func TestPermanentErrorsSkipRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{name: "validation", err: &entity.ValidationError{Field: "video.url", Reason: "is required"}, code: CodeValidation},
		{name: "unsupported kind", err: entity.ErrUnsupportedJobKind, code: CodeUnsupportedJobKind},
		{name: "session expired", err: entity.ErrSessionExpired, code: CodeSessionExpired},
		{name: "refresh failed", err: entity.ErrRefreshFailed, code: CodeSessionExpired},
		{name: "unauthorized", err: &entity.APIError{Kind: entity.ErrUnauthorized, StatusCode: 401}, code: CodeAuth},
		{name: "not found", err: entity.ErrJobNotFound, code: CodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDispatcher()
			var calls atomic.Int32
			d.Register("X", func(context.Context, json.RawMessage) (any, error) {
				calls.Add(1)
				return nil, tt.err
			}, false)
			c := newCollector()

			assert.False(t, d.Dispatch(context.Background(), entity.Envelope{Type: "X"}, c.respond))
			resp := c.wait(t)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestRateLimitCarriesRetryAfter(t *testing.T) {
	d := newTestDispatcher()
	d.Register("UPLOAD", func(context.Context, json.RawMessage) (any, error) {
		return nil, &entity.APIError{Kind: entity.ErrRateLimited, StatusCode: 429, RetryAfter: 1500 * time.Millisecond}
	}, true)
	c := newCollector()

	d.Dispatch(context.Background(), entity.Envelope{Type: "UPLOAD"}, c.respond)
	resp := c.wait(t)
	drain(t, d)

	assert.Equal(t, CodeRateLimited, resp.Error.Code)
	assert.Equal(t, 2, resp.Error.RetryAfterSeconds)
}

func TestNetworkErrorCode(t *testing.T) {
	d := newTestDispatcher()
	d.Register("NET", func(context.Context, json.RawMessage) (any, error) {
		return nil, entity.ErrNetwork
	}, true)
	c := newCollector()

	d.Dispatch(context.Background(), entity.Envelope{Type: "NET"}, c.respond)
	resp := c.wait(t)
	drain(t, d)
	assert.Equal(t, CodeNetwork, resp.Error.Code)
}

func TestEveryEnvelopeAnsweredExactlyOnce(t *testing.T) {
	d := newTestDispatcher()
	d.Register("OK", func(context.Context, json.RawMessage) (any, error) { return 1, nil }, false)
	d.Register("OK_ASYNC", func(context.Context, json.RawMessage) (any, error) { return 1, nil }, true)
	d.Register("FAIL", func(context.Context, json.RawMessage) (any, error) { return nil, errors.New("x") }, false)
	d.Register("PANIC", func(context.Context, json.RawMessage) (any, error) { panic("y") }, true)

	types := []string{"OK", "OK_ASYNC", "FAIL", "PANIC", "MISSING", ""}
	var answered sync.Map
	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("m%d", i)
			env := entity.Envelope{ID: id, Type: types[i%len(types)]}
			var n atomic.Int32
			answered.Store(id, &n)
			d.Dispatch(context.Background(), env, func(entity.Response) { n.Add(1) })
		}(i)
	}
	wg.Wait()
	drain(t, d)

	answered.Range(func(key, value any) bool {
		assert.Equal(t, int32(1), value.(*atomic.Int32).Load(), "envelope %v", key)
		return true
	})
}

func TestTimeoutAnswersWithNetworkError(t *testing.T) {
	d := New(zap.NewNop(), Config{RetryDelay: time.Millisecond, RequestTimeout: 20 * time.Millisecond})
	d.Register("HANG", func(ctx context.Context, _ json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, true)
	c := newCollector()

	d.Dispatch(context.Background(), entity.Envelope{Type: "HANG"}, c.respond)
	resp := c.wait(t)
	drain(t, d)

	assert.Equal(t, CodeNetwork, resp.Error.Code)
}
