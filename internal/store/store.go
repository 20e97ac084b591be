// Package store persists the last-known authentication snapshot and the
// provider session token across process restarts.
//
// The session controller is the only writer of the snapshot. The provider
// client is the only writer of the token.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cyconnect/internal/domain"
)

// Logical record names. Backends namespace them with the storage prefix.
const (
	KeyAuthState    = "authState"
	KeySessionToken = "session_token"
)

// ErrInvalidSnapshot is returned when asked to persist a snapshot that breaks
// the login invariant or still has unknown fields
var ErrInvalidSnapshot = errors.New("store: invalid auth snapshot")

// KV is the minimal key-value surface every backend provides
type KV interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// AuthStore is the persistent auth store
type AuthStore struct {
	kv KV
}

// New wraps a backend
func New(kv KV) *AuthStore {
	return &AuthStore{kv: kv}
}

// persistedSnapshot is the on-disk layout. Both fields are plain booleans.
type persistedSnapshot struct {
	IsLoggedIn      bool `json:"isLoggedIn"`
	IsEmailVerified bool `json:"isEmailVerified"`
}

// Load returns the stored snapshot. A missing record is not an error: it
// yields the signed-out snapshot and found=false.
func (s *AuthStore) Load(ctx context.Context) (domain.AuthSnapshot, bool, error) {
	raw, ok, err := s.kv.Get(ctx, KeyAuthState)
	if err != nil {
		return domain.SignedOut(), false, fmt.Errorf("load auth state: %w", err)
	}
	if !ok {
		return domain.SignedOut(), false, nil
	}

	var p persistedSnapshot
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return domain.SignedOut(), false, fmt.Errorf("decode auth state: %w", err)
	}
	return domain.NewSnapshot(p.IsLoggedIn, p.IsEmailVerified), true, nil
}

// Save persists snap. It returns once the backend has acknowledged the write.
func (s *AuthStore) Save(ctx context.Context, snap domain.AuthSnapshot) error {
	if !snap.Known() || !snap.Valid() {
		return fmt.Errorf("%w: %+v", ErrInvalidSnapshot, snap)
	}

	data, err := json.Marshal(persistedSnapshot{
		IsLoggedIn:      snap.IsLoggedIn.IsTrue(),
		IsEmailVerified: snap.IsEmailVerified.IsTrue(),
	})
	if err != nil {
		return fmt.Errorf("encode auth state: %w", err)
	}
	if err := s.kv.Set(ctx, KeyAuthState, string(data)); err != nil {
		return fmt.Errorf("save auth state: %w", err)
	}
	return nil
}

// Clear removes the snapshot record
func (s *AuthStore) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, KeyAuthState); err != nil {
		return fmt.Errorf("clear auth state: %w", err)
	}
	return nil
}

// Token returns the stored provider session token, or "" if there is none
func (s *AuthStore) Token(ctx context.Context) (string, error) {
	token, _, err := s.kv.Get(ctx, KeySessionToken)
	if err != nil {
		return "", fmt.Errorf("load session token: %w", err)
	}
	return token, nil
}

// SetToken stores the provider session token. An empty token clears it.
func (s *AuthStore) SetToken(ctx context.Context, token string) error {
	if token == "" {
		return s.ClearToken(ctx)
	}
	if err := s.kv.Set(ctx, KeySessionToken, token); err != nil {
		return fmt.Errorf("save session token: %w", err)
	}
	return nil
}

// ClearToken removes the provider session token
func (s *AuthStore) ClearToken(ctx context.Context) error {
	if err := s.kv.Delete(ctx, KeySessionToken); err != nil {
		return fmt.Errorf("clear session token: %w", err)
	}
	return nil
}

// Close releases the backend
func (s *AuthStore) Close() error {
	return s.kv.Close()
}
