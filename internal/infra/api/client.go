package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/port"
	"go.uber.org/zap"
)

const (
	DefaultMaxUploadBytes = 10 << 20
	gifContentType        = "image/gif"
)

// Client performs authenticated platform calls on behalf of the signed-in user.
type Client struct {
	transport
	tokens         port.TokenSource
	maxUploadBytes int64
}

func NewClient(doer port.HTTPDoer, tokens port.TokenSource, logger *zap.Logger, cfg Config) *Client {
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	return &Client{
		transport:      newTransport(doer, logger, cfg),
		tokens:         tokens,
		maxUploadBytes: maxUpload,
	}
}

// authorized runs r with a valid bearer token. A 401 triggers exactly one forced
// refresh and one retry; a second 401 is returned as is.
func (c *Client) authorized(ctx context.Context, r request) (*response, error) {
	token, err := c.tokens.ValidToken(ctx)
	if err != nil {
		return nil, err
	}
	r.token = token

	resp, err := c.send(ctx, r)
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusUnauthorized {
		return resp, nil
	}

	c.logger.Info("api rejected token, forcing refresh", zap.String("path", r.path))
	token, err = c.tokens.ForceRefresh(ctx)
	if err != nil {
		return nil, err
	}
	r.token = token
	return c.send(ctx, r)
}

func (c *Client) CurrentUser(ctx context.Context) (*entity.UserProfile, error) {
	resp, err := c.authorized(ctx, request{method: http.MethodGet, path: "/users/me"})
	if err != nil {
		return nil, fmt.Errorf("get current user: %w", err)
	}
	var out struct {
		User *entity.UserProfile `json:"user"`
	}
	if err := c.decode(resp, &out); err != nil {
		return nil, fmt.Errorf("get current user: %w", err)
	}
	if out.User == nil {
		return nil, fmt.Errorf("get current user: %w", entity.ErrNotFound)
	}
	return out.User, nil
}

// Logout revokes the token server side. Auth failures are ignored since the session is gone either way.
func (c *Client) Logout(ctx context.Context) error {
	resp, err := c.authorized(ctx, request{method: http.MethodDelete, path: "/auth/logout"})
	if err == nil {
		err = c.checkStatus(resp)
	}
	if err != nil && !isAuthError(err) {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

func isAuthError(err error) bool {
	return errors.Is(err, entity.ErrUnauthorized) ||
		errors.Is(err, entity.ErrNotAuthenticated) ||
		errors.Is(err, entity.ErrSessionExpired) ||
		errors.Is(err, entity.ErrRefreshFailed)
}

// ValidateUpload checks the file before anything is sent.
func (c *Client) ValidateUpload(u entity.GIFUpload) error {
	switch {
	case len(u.Data) == 0:
		return &entity.ValidationError{Field: "file", Reason: "is empty"}
	case !strings.EqualFold(u.ContentType, gifContentType):
		return &entity.ValidationError{Field: "file", Reason: fmt.Sprintf("must be %s, got %q", gifContentType, u.ContentType)}
	case int64(len(u.Data)) > c.maxUploadBytes:
		return &entity.ValidationError{Field: "file", Reason: fmt.Sprintf("exceeds %d bytes", c.maxUploadBytes)}
	case u.Title == "":
		return &entity.ValidationError{Field: "title", Reason: "is required"}
	}
	return nil
}

func (c *Client) UploadGIF(ctx context.Context, u entity.GIFUpload) (*entity.UploadedGIF, error) {
	if err := c.ValidateUpload(u); err != nil {
		return nil, fmt.Errorf("upload gif: %w", err)
	}

	body, contentType, err := multipartBody(u)
	if err != nil {
		return nil, fmt.Errorf("upload gif: %w", err)
	}

	resp, err := c.authorized(ctx, request{method: http.MethodPost, path: "/gifs", body: body, contentType: contentType})
	if err != nil {
		return nil, fmt.Errorf("upload gif: %w", err)
	}
	var out struct {
		GIF *entity.UploadedGIF `json:"gif"`
	}
	if err := c.decode(resp, &out); err != nil {
		return nil, fmt.Errorf("upload gif: %w", err)
	}
	if out.GIF == nil {
		return nil, fmt.Errorf("upload gif: response carried no gif")
	}
	return out.GIF, nil
}

// multipartBody is built once so a retried request resends identical bytes.
func multipartBody(u entity.GIFUpload) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	filename := u.Filename
	if filename == "" {
		filename = "clip.gif"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="gif[file]"; filename=%q`, filename))
	h.Set("Content-Type", gifContentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(u.Data); err != nil {
		return nil, "", fmt.Errorf("write file part: %w", err)
	}

	fields := [][2]string{
		{"gif[title]", u.Title},
		{"gif[description]", u.Description},
		{"gif[youtube_video_url]", u.YouTubeURL},
		{"gif[privacy]", u.Privacy},
	}
	for _, tag := range u.Tags {
		fields = append(fields, [2]string{"gif[hashtag_names][]", tag})
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", f[0], err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}
