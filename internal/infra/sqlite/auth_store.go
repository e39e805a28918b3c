package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
)

const (
	stateKey   = "auth_state"
	profileKey = "user_profile"
)

// AuthStore persists the session in a single-file key/value table, for headless installs without Redis.
type AuthStore struct {
	db *sql.DB
}

func Open(path string) (*AuthStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	s := &AuthStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *AuthStore) Close() error { return s.db.Close() }

func (s *AuthStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS auth_kv (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return fmt.Errorf("migrate auth_kv: %w", err)
	}
	return nil
}

func (s *AuthStore) GetAuthState(ctx context.Context) (*entity.AuthState, error) {
	var state entity.AuthState
	found, err := s.get(ctx, stateKey, &state)
	if err != nil || !found {
		return nil, err
	}
	return &state, nil
}

func (s *AuthStore) SaveAuthState(ctx context.Context, state entity.AuthState) error {
	return s.put(ctx, stateKey, state)
}

func (s *AuthStore) ClearAllAuthData(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM auth_kv WHERE key IN (?, ?)`, stateKey, profileKey); err != nil {
		return fmt.Errorf("clear auth data: %w", err)
	}
	return nil
}

func (s *AuthStore) GetUserProfile(ctx context.Context) (*entity.UserProfile, error) {
	var profile entity.UserProfile
	found, err := s.get(ctx, profileKey, &profile)
	if err != nil || !found {
		return nil, err
	}
	return &profile, nil
}

func (s *AuthStore) SaveUserProfile(ctx context.Context, profile entity.UserProfile) error {
	return s.put(ctx, profileKey, profile)
}

func (s *AuthStore) IsAuthenticated(ctx context.Context) (bool, error) {
	state, err := s.GetAuthState(ctx)
	if err != nil {
		return false, err
	}
	return state != nil && state.AccessToken != "", nil
}

func (s *AuthStore) get(ctx context.Context, key string, out any) (bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM auth_kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *AuthStore) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO auth_kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(data))
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}
