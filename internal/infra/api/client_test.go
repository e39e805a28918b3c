package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type stubTokens struct {
	token      string
	refreshed  string
	refreshErr error
	forced     atomic.Int32
}

func (s *stubTokens) ValidToken(context.Context) (string, error) {
	return s.token, nil
}

func (s *stubTokens) ForceRefresh(context.Context) (string, error) {
	s.forced.Add(1)
	if s.refreshErr != nil {
		return "", s.refreshErr
	}
	return s.refreshed, nil
}

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
		Now:            func() time.Time { return testNow },
	}
}

func TestUnauthorizedRefreshesOnceAndRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer new-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"user":{"id":"u1","username":"clipper"}}`)
	}))
	defer srv.Close()

	tokens := &stubTokens{token: "old-token", refreshed: "new-token"}
	client := NewClient(srv.Client(), tokens, zap.NewNop(), testConfig(srv.URL))

	user, err := client.CurrentUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "clipper", user.Username)
	assert.Equal(t, int32(1), tokens.forced.Load())
	assert.Equal(t, int32(2), hits.Load())
}

func TestSecondUnauthorizedIsTerminal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"Invalid token"}`)
	}))
	defer srv.Close()

	tokens := &stubTokens{token: "old-token", refreshed: "new-token"}
	client := NewClient(srv.Client(), tokens, zap.NewNop(), testConfig(srv.URL))

	_, err := client.CurrentUser(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, entity.ErrUnauthorized)
	assert.Contains(t, err.Error(), "Invalid token")
	assert.Equal(t, int32(1), tokens.forced.Load())
	assert.Equal(t, int32(2), hits.Load())
}

func TestRefreshFailureAbortsRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &stubTokens{token: "old-token", refreshErr: entity.ErrRefreshFailed}
	client := NewClient(srv.Client(), tokens, zap.NewNop(), testConfig(srv.URL))

	_, err := client.CurrentUser(context.Background())
	assert.ErrorIs(t, err, entity.ErrRefreshFailed)
	assert.Equal(t, int32(1), hits.Load())
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		header string
		want   error
	}{
		{status: http.StatusBadRequest, want: entity.ErrValidation},
		{status: http.StatusUnprocessableEntity, want: entity.ErrValidation},
		{status: http.StatusForbidden, want: entity.ErrForbidden},
		{status: http.StatusNotFound, want: entity.ErrNotFound},
		{status: http.StatusTooManyRequests, header: "7", want: entity.ErrRateLimited},
		{status: http.StatusInternalServerError, want: entity.ErrServer},
		{status: http.StatusBadGateway, want: entity.ErrServer},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"message":"nope"}`)
			}))
			defer srv.Close()

			client := NewClient(srv.Client(), &stubTokens{token: "t"}, zap.NewNop(), testConfig(srv.URL))
			_, err := client.CurrentUser(context.Background())

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			var apiErr *entity.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, "nope", apiErr.Message)

			if tt.status == http.StatusTooManyRequests {
				after, ok := entity.RetryAfterOf(err)
				assert.True(t, ok)
				assert.Equal(t, 7*time.Second, after)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 30*time.Second, parseRetryAfter("30", testNow))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", testNow))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-3", testNow))
	date := testNow.Add(90 * time.Second).Format(http.TimeFormat)
	assert.Equal(t, 90*time.Second, parseRetryAfter(date, testNow))
}

func TestErrorMessageKeepsRunesWhole(t *testing.T) {
	// 199 ASCII bytes followed by a 3-byte rune straddling the limit.
	body := strings.Repeat("a", 199) + "€" + strings.Repeat("b", 50)

	msg := errorMessage([]byte(body))

	assert.True(t, utf8.ValidString(msg))
	assert.Equal(t, strings.Repeat("a", 199), msg)

	assert.Equal(t, "Bad gateway", errorMessage([]byte("  Bad gateway \n")))
	assert.Equal(t, "日本語", truncate("日本語テキスト", 9))
	assert.Equal(t, "日本", truncate("日本語テキスト", 8))
}

type flakyDoer struct {
	failures int32
	calls    atomic.Int32
	next     *http.Client
}

func (d *flakyDoer) Do(req *http.Request) (*http.Response, error) {
	if d.calls.Add(1) <= d.failures {
		return nil, errors.New("connection reset by peer")
	}
	return d.next.Do(req)
}

func TestNetworkErrorsRetryIdempotentOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"user":{"id":"u1"}}`)
	}))
	defer srv.Close()

	t.Run("get recovers within retry budget", func(t *testing.T) {
		doer := &flakyDoer{failures: 2, next: srv.Client()}
		client := NewClient(doer, &stubTokens{token: "t"}, zap.NewNop(), testConfig(srv.URL))

		_, err := client.CurrentUser(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int32(3), doer.calls.Load())
	})

	t.Run("get gives up after retry budget", func(t *testing.T) {
		doer := &flakyDoer{failures: 5, next: srv.Client()}
		client := NewClient(doer, &stubTokens{token: "t"}, zap.NewNop(), testConfig(srv.URL))

		_, err := client.CurrentUser(context.Background())
		assert.ErrorIs(t, err, entity.ErrNetwork)
		assert.Equal(t, int32(3), doer.calls.Load())
	})

	t.Run("post is not retried", func(t *testing.T) {
		doer := &flakyDoer{failures: 1, next: srv.Client()}
		client := NewClient(doer, &stubTokens{token: "t"}, zap.NewNop(), testConfig(srv.URL))

		_, err := client.UploadGIF(context.Background(), validUpload())
		assert.ErrorIs(t, err, entity.ErrNetwork)
		assert.Equal(t, int32(1), doer.calls.Load())
	})
}

func validUpload() entity.GIFUpload {
	return entity.GIFUpload{
		Filename:    "cat.gif",
		ContentType: "image/gif",
		Data:        []byte("GIF89a\x01\x00\x01\x00"),
		Title:       "Cat jumps",
		Tags:        []string{"cats", "fail"},
		YouTubeURL:  "https://www.youtube.com/watch?v=abc",
		Privacy:     "public_access",
	}
}

func TestUploadValidationMakesNoNetworkCall(t *testing.T) {
	doer := &flakyDoer{}
	client := NewClient(doer, &stubTokens{token: "t"}, zap.NewNop(), Config{BaseURL: "http://api.invalid", MaxUploadBytes: 16})

	tests := []struct {
		name   string
		mutate func(u *entity.GIFUpload)
	}{
		{name: "wrong content type", mutate: func(u *entity.GIFUpload) { u.ContentType = "image/png" }},
		{name: "too large", mutate: func(u *entity.GIFUpload) { u.Data = []byte(strings.Repeat("x", 17)) }},
		{name: "empty", mutate: func(u *entity.GIFUpload) { u.Data = nil }},
		{name: "no title", mutate: func(u *entity.GIFUpload) { u.Title = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := validUpload()
			tt.mutate(&u)
			_, err := client.UploadGIF(context.Background(), u)
			assert.ErrorIs(t, err, entity.ErrValidation)
		})
	}
	assert.Zero(t, doer.calls.Load())
}

func TestUploadSendsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/gifs", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "Cat jumps", r.FormValue("gif[title]"))
		assert.Equal(t, []string{"cats", "fail"}, r.MultipartForm.Value["gif[hashtag_names][]"])
		file, hdr, err := r.FormFile("gif[file]")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "cat.gif", hdr.Filename)
		assert.Equal(t, "image/gif", hdr.Header.Get("Content-Type"))

		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"gif":{"id":"g1","title":"Cat jumps","file_url":"https://cdn/g1.gif"}}`)
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), &stubTokens{token: "t"}, zap.NewNop(), testConfig(srv.URL))
	gif, err := client.UploadGIF(context.Background(), validUpload())
	require.NoError(t, err)
	assert.Equal(t, "g1", gif.ID)
	assert.Equal(t, "https://cdn/g1.gif", gif.FileURL)
}

func TestLogoutIgnoresAuthFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), &stubTokens{token: "t", refreshed: "t2"}, zap.NewNop(), testConfig(srv.URL))
	assert.NoError(t, client.Logout(context.Background()))
}

func TestAuthAPIGrantExpiry(t *testing.T) {
	signed := func(claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
		require.NoError(t, err)
		return s
	}
	jwtExp := testNow.Add(45 * time.Minute).Truncate(time.Second)

	tests := []struct {
		name string
		body string
		want time.Time
	}{
		{
			name: "expires_in wins",
			body: `{"token":"opaque","expires_in":3600}`,
			want: testNow.Add(time.Hour),
		},
		{
			name: "jwt exp fallback",
			body: `{"token":"` + signed(jwt.MapClaims{"sub": "u1", "exp": jwtExp.Unix()}) + `"}`,
			want: jwtExp,
		},
		{
			name: "default ttl",
			body: `{"access_token":"opaque"}`,
			want: testNow.Add(15 * time.Minute),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/auth/refresh", r.URL.Path)
				assert.Equal(t, "Bearer current", r.Header.Get("Authorization"))
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			authAPI := NewAuthAPI(srv.Client(), zap.NewNop(), testConfig(srv.URL))
			grant, err := authAPI.RefreshToken(context.Background(), "current")
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(grant.ExpiresAt), "want %s got %s", tt.want, grant.ExpiresAt)
		})
	}
}

func TestAuthAPILogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"password":"hunter22"`) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":"Invalid email or password"}`)
			return
		}
		_, _ = io.WriteString(w, `{"token":"tok","expires_in":900,"user":{"id":"u1","username":"clipper"}}`)
	}))
	defer srv.Close()

	authAPI := NewAuthAPI(srv.Client(), zap.NewNop(), testConfig(srv.URL))

	grant, err := authAPI.Login(context.Background(), entity.Credentials{Email: "a@b.c", Password: "hunter22"})
	require.NoError(t, err)
	assert.Equal(t, "tok", grant.AccessToken)
	assert.Equal(t, "clipper", grant.User.Username)

	_, err = authAPI.Login(context.Background(), entity.Credentials{Email: "a@b.c", Password: "wrong"})
	assert.ErrorIs(t, err, entity.ErrUnauthorized)

	_, err = authAPI.Login(context.Background(), entity.Credentials{Email: "a@b.c"})
	assert.ErrorIs(t, err, entity.ErrValidation)

	_, err = authAPI.Register(context.Background(), entity.Registration{
		Email: "a@b.c", Username: "clipper", Password: "x", PasswordConfirmation: "y",
	})
	assert.ErrorIs(t, err, entity.ErrValidation)
}
