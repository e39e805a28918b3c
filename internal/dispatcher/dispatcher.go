// Package dispatcher routes inbound envelopes to handlers and guarantees that
// every envelope is answered exactly once.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/infra/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultRetryDelay     = 100 * time.Millisecond
	DefaultRequestTimeout = 30 * time.Second
)

// Response codes.
const (
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeValidation         = "VALIDATION_ERROR"
	CodeUnhandledMessage   = "UNHANDLED_MESSAGE"
	CodeAuth               = "AUTH_ERROR"
	CodeSessionExpired     = "SESSION_EXPIRED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeNetwork            = "NETWORK_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeUnsupportedJobKind = "UNSUPPORTED_JOB_KIND"
	CodeHandlerFailed      = "HANDLER_FAILED"
)

type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Responder receives the single answer to an envelope.
type Responder func(resp entity.Response)

type Config struct {
	RetryDelay     time.Duration
	RequestTimeout time.Duration
}

type route struct {
	fn    HandlerFunc
	async bool
	retry bool
}

type RouteOption func(*route)

// NoRetry marks a handler whose side effects must not be repeated, such as a
// non-idempotent POST. Its first failure is the answer.
func NoRetry() RouteOption {
	return func(r *route) { r.retry = false }
}

type Dispatcher struct {
	logger     *zap.Logger
	retryDelay time.Duration
	timeout    time.Duration

	mu     sync.RWMutex
	routes map[string]route

	inflight sync.WaitGroup
}

func New(logger *zap.Logger, cfg Config) *Dispatcher {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &Dispatcher{
		logger:     logger,
		retryDelay: cfg.RetryDelay,
		timeout:    cfg.RequestTimeout,
		routes:     make(map[string]route),
	}
}

// Register binds a message type. Async handlers always answer after Dispatch returns.
func (d *Dispatcher) Register(msgType string, fn HandlerFunc, async bool, opts ...RouteOption) {
	r := route{fn: fn, async: async, retry: true}
	for _, opt := range opts {
		opt(&r)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes[msgType] = r
}

func (d *Dispatcher) Types() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.routes))
	for t := range d.routes {
		out = append(out, t)
	}
	return out
}

// DispatchRaw decodes data as an envelope and dispatches it.
func (d *Dispatcher) DispatchRaw(ctx context.Context, data []byte, respond Responder) bool {
	var env entity.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return d.Dispatch(ctx, entity.Envelope{}, respond)
	}
	return d.Dispatch(ctx, env, respond)
}

// Dispatch answers env through respond exactly once. It returns true when the
// answer will be delivered after Dispatch returns.
func (d *Dispatcher) Dispatch(ctx context.Context, env entity.Envelope, respond Responder) bool {
	started := time.Now()
	var once sync.Once
	deliver := func(resp entity.Response) {
		once.Do(func() {
			respond(resp)
			d.observe(ctx, env, resp, started)
		})
	}

	if strings.TrimSpace(env.Type) == "" {
		deliver(failure(env, fmt.Errorf("%w: missing type", entity.ErrInvalidEnvelope)))
		return false
	}

	d.mu.RLock()
	r, ok := d.routes[env.Type]
	d.mu.RUnlock()
	if !ok {
		deliver(failure(env, fmt.Errorf("%w: %s", entity.ErrUnhandledMessage, env.Type)))
		return false
	}

	rctx, cancel := context.WithTimeout(ctx, d.timeout)

	if r.async {
		d.goAsync(env, deliver, cancel, func() {
			data, err := d.invoke(rctx, r.fn, env.Payload)
			d.settle(rctx, env, r, data, err, deliver)
		})
		return true
	}

	data, err := d.invoke(rctx, r.fn, env.Payload)
	if err == nil || !r.retry || !Retryable(err) {
		cancel()
		d.settle(rctx, env, r, data, err, deliver)
		return false
	}

	// The first attempt failed; the retry runs in the background so the caller is not held.
	d.goAsync(env, deliver, cancel, func() {
		d.retry(rctx, env, r, err, deliver)
	})
	return true
}

// Wait blocks until every background answer has been delivered.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) goAsync(env entity.Envelope, deliver Responder, cancel context.CancelFunc, fn func()) {
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		defer cancel()
		// Fallback in case fn exits without answering; once makes it a no-op otherwise.
		defer deliver(failure(env, entity.ErrHandlerFailed))
		fn()
	}()
}

func (d *Dispatcher) settle(ctx context.Context, env entity.Envelope, r route, data any, err error, deliver Responder) {
	switch {
	case err == nil:
		deliver(success(env, data))
	case r.retry && Retryable(err):
		d.retry(ctx, env, r, err, deliver)
	default:
		deliver(failure(env, err))
	}
}

func (d *Dispatcher) retry(ctx context.Context, env entity.Envelope, r route, firstErr error, deliver Responder) {
	metrics.DispatchRetryTotal.WithLabelValues(env.Type).Inc()
	d.logger.Warn("handler failed, retrying once",
		zap.String("type", env.Type),
		zap.String("message_id", env.ID),
		zap.Duration("delay", d.retryDelay),
		zap.Error(firstErr),
	)

	timer := time.NewTimer(d.retryDelay)
	select {
	case <-ctx.Done():
		timer.Stop()
		deliver(failure(env, firstErr))
		return
	case <-timer.C:
	}

	data, err := d.invoke(ctx, r.fn, env.Payload)
	if err != nil {
		deliver(failure(env, err))
		return
	}
	deliver(success(env, data))
}

// invoke turns handler panics into errors.
func (d *Dispatcher) invoke(ctx context.Context, fn HandlerFunc, payload json.RawMessage) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = fmt.Errorf("%w: panic: %v", entity.ErrHandlerFailed, r)
		}
	}()
	return fn(ctx, payload)
}

func (d *Dispatcher) observe(ctx context.Context, env entity.Envelope, resp entity.Response, started time.Time) {
	elapsed := time.Since(started)
	outcome := "success"
	if resp.Error != nil {
		outcome = strings.ToLower(resp.Error.Code)
	}

	msgType := env.Type
	if resp.Error != nil && (resp.Error.Code == CodeUnhandledMessage || resp.Error.Code == CodeInvalidMessage) {
		msgType = "unknown"
	}
	metrics.DispatchDuration.WithLabelValues(msgType, outcome).Observe(elapsed.Seconds())

	_, span := otel.Tracer("dispatcher").Start(ctx, "Dispatcher.dispatch", trace.WithTimestamp(started))
	span.SetAttributes(
		attribute.String("message.type", env.Type),
		attribute.String("message.id", env.ID),
		attribute.String("dispatch.outcome", outcome),
	)
	if resp.Error != nil {
		span.SetStatus(codes.Error, resp.Error.Message)
	}
	span.End()

	fields := []zap.Field{
		zap.String("type", env.Type),
		zap.String("message_id", env.ID),
		zap.String("outcome", outcome),
		zap.Duration("duration", elapsed),
	}
	if resp.Error != nil {
		d.logger.Warn("message answered with error", append(fields, zap.String("error", resp.Error.Message))...)
		return
	}
	d.logger.Debug("message answered", fields...)
}

// Retryable reports whether a second attempt could change the outcome.
func Retryable(err error) bool {
	for _, permanent := range []error{
		entity.ErrValidation,
		entity.ErrUnsupportedJobKind,
		entity.ErrRateLimited,
		entity.ErrSessionExpired,
		entity.ErrRefreshFailed,
		entity.ErrUnauthorized,
		entity.ErrForbidden,
		entity.ErrNotAuthenticated,
		entity.ErrNotFound,
		entity.ErrJobNotFound,
		entity.ErrInvalidEnvelope,
		entity.ErrUnhandledMessage,
		entity.ErrWorkerClosed,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, permanent) {
			return false
		}
	}
	return true
}

func success(env entity.Envelope, data any) entity.Response {
	return entity.Response{ID: env.ID, Type: env.Type, Success: true, Data: data}
}

func failure(env entity.Envelope, err error) entity.Response {
	re := &entity.ResponseError{Code: errorCode(err), Message: err.Error()}
	if after, ok := entity.RetryAfterOf(err); ok && after > 0 {
		re.RetryAfterSeconds = int(math.Ceil(after.Seconds()))
	}
	return entity.Response{ID: env.ID, Type: env.Type, Success: false, Error: re}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, entity.ErrInvalidEnvelope):
		return CodeInvalidMessage
	case errors.Is(err, entity.ErrUnhandledMessage):
		return CodeUnhandledMessage
	case errors.Is(err, entity.ErrValidation):
		return CodeValidation
	case errors.Is(err, entity.ErrUnsupportedJobKind):
		return CodeUnsupportedJobKind
	case errors.Is(err, entity.ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, entity.ErrSessionExpired), errors.Is(err, entity.ErrRefreshFailed):
		return CodeSessionExpired
	case errors.Is(err, entity.ErrUnauthorized), errors.Is(err, entity.ErrForbidden), errors.Is(err, entity.ErrNotAuthenticated):
		return CodeAuth
	case errors.Is(err, entity.ErrNotFound), errors.Is(err, entity.ErrJobNotFound):
		return CodeNotFound
	case errors.Is(err, entity.ErrNetwork), errors.Is(err, context.DeadlineExceeded):
		return CodeNetwork
	}
	return CodeHandlerFailed
}
