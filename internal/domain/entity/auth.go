package entity

import "time"

type UserProfile struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	GIFCount    int       `json:"gifs_count,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// AuthState is the persisted token record. The refresh handle lives in the token manager, not here.
type AuthState struct {
	AccessToken   string       `json:"access_token"`
	ExpiresAt     time.Time    `json:"expires_at"`
	SubjectID     string       `json:"subject_id"`
	CachedProfile *UserProfile `json:"cached_profile,omitempty"`
}

func (s AuthState) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

func (s AuthState) NeedsRefresh(now time.Time, threshold time.Duration) bool {
	return s.ExpiresAt.Sub(now) <= threshold
}

// TokenGrant is what the API returns on login, registration and refresh.
type TokenGrant struct {
	AccessToken string       `json:"access_token"`
	ExpiresAt   time.Time    `json:"expires_at"`
	User        *UserProfile `json:"user,omitempty"`
}

type AuthStatus struct {
	Authenticated bool          `json:"authenticated"`
	ExpiresIn     time.Duration `json:"expires_in_ns,omitempty"`
	NeedsRefresh  bool          `json:"needs_refresh,omitempty"`
	User          *UserProfile  `json:"user,omitempty"`
}

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type Registration struct {
	Email                string `json:"email"`
	Username             string `json:"username"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
}

type GIFUpload struct {
	Filename    string   `json:"filename"`
	ContentType string   `json:"content_type"`
	Data        []byte   `json:"data"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	YouTubeURL  string   `json:"youtube_url,omitempty"`
	Privacy     string   `json:"privacy,omitempty"`
}

type UploadedGIF struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	FileURL  string `json:"file_url"`
	Privacy  string `json:"privacy,omitempty"`
	Username string `json:"username,omitempty"`
}
