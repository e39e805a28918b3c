package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/port"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/infra/metrics"
	"go.uber.org/zap"
)

const (
	maxResponseBytes = 4 << 20
	maxRetryDelay    = 5 * time.Second

	maxErrorMessageBytes = 200
)

type Config struct {
	BaseURL string
	// MaxRetries applies to network failures of idempotent requests only.
	MaxRetries     int
	RetryBaseDelay time.Duration
	MaxUploadBytes int64
	// DefaultTokenTTL is assumed when a grant has neither expires_in nor a JWT exp claim.
	DefaultTokenTTL time.Duration
	Now             func() time.Time
}

type transport struct {
	baseURL    string
	doer       port.HTTPDoer
	logger     *zap.Logger
	maxRetries int
	baseDelay  time.Duration
	nowFn      func() time.Time
}

func newTransport(doer port.HTTPDoer, logger *zap.Logger, cfg Config) transport {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 250 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return transport{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		doer:       doer,
		logger:     logger,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.RetryBaseDelay,
		nowFn:      cfg.Now,
	}
}

type request struct {
	method      string
	path        string
	body        []byte
	contentType string
	token       string
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// send performs r, retrying network failures when the method is idempotent.
// Non-2xx responses are returned as they are; see checkStatus.
func (t transport) send(ctx context.Context, r request) (*response, error) {
	attempts := 1
	if idempotent(r.method) {
		attempts += t.maxRetries
	}

	for attempt := 1; ; attempt++ {
		resp, err := t.roundTrip(ctx, r)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s %s: %w", r.method, r.path, ctx.Err())
		}
		if attempt >= attempts {
			return nil, fmt.Errorf("%s %s: %w: %w", r.method, r.path, entity.ErrNetwork, err)
		}

		delay := t.calculateBackoff(attempt)
		t.logger.Warn("api request failed, retrying",
			zap.String("method", r.method),
			zap.String("path", r.path),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%s %s: %w", r.method, r.path, ctx.Err())
		case <-timer.C:
		}
	}
}

func (t transport) roundTrip(ctx context.Context, r request) (*response, error) {
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, t.baseURL+r.path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := t.doer.Do(req)
	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues(r.method, "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues(r.method, "error").Inc()
		return nil, fmt.Errorf("read response body: %w", err)
	}
	metrics.APIRequestsTotal.WithLabelValues(r.method, statusClass(resp.StatusCode)).Inc()

	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

func (t transport) calculateBackoff(attempt int) time.Duration {
	delay := t.baseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

// checkStatus maps a non-2xx response to a classified *entity.APIError.
func (t transport) checkStatus(resp *response) error {
	if resp.status >= 200 && resp.status < 300 {
		return nil
	}

	apiErr := &entity.APIError{
		StatusCode: resp.status,
		Message:    errorMessage(resp.body),
	}
	switch {
	case resp.status == http.StatusUnauthorized:
		apiErr.Kind = entity.ErrUnauthorized
	case resp.status == http.StatusForbidden:
		apiErr.Kind = entity.ErrForbidden
	case resp.status == http.StatusNotFound:
		apiErr.Kind = entity.ErrNotFound
	case resp.status == http.StatusTooManyRequests:
		apiErr.Kind = entity.ErrRateLimited
		apiErr.RetryAfter = parseRetryAfter(resp.header.Get("Retry-After"), t.nowFn())
	case resp.status >= 500:
		apiErr.Kind = entity.ErrServer
	default:
		apiErr.Kind = entity.ErrValidation
	}
	return apiErr
}

func (t transport) decode(resp *response, out any) error {
	if err := t.checkStatus(resp); err != nil {
		return err
	}
	if out == nil || len(resp.body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func errorMessage(body []byte) string {
	var payload struct {
		Error   string   `json:"error"`
		Message string   `json:"message"`
		Errors  []string `json:"errors"`
	}
	if json.Unmarshal(body, &payload) == nil {
		switch {
		case payload.Error != "":
			return payload.Error
		case payload.Message != "":
			return payload.Message
		case len(payload.Errors) > 0:
			return strings.Join(payload.Errors, "; ")
		}
	}
	return truncate(strings.TrimSpace(string(body)), maxErrorMessageBytes)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
