package store

import (
	"context"

	"cyconnect/pkg/redis"
)

// Redis stores records through the shared redis client. Keys are built with
// the client's KeyBuilder, e.g. prod:cyconnect:authState.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an already connected client
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) key(name string) string {
	switch name {
	case KeyAuthState:
		return r.client.KeyBuilder.KeyAuthState()
	case KeySessionToken:
		return r.client.KeyBuilder.KeySessionToken()
	default:
		return r.client.KeyBuilder.BuildKey(name)
	}
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, r.key(key))
	if redis.IsNil(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set stores without expiry; the snapshot lives until sign-out
func (r *Redis) Set(ctx context.Context, key, value string) error {
	return r.client.Set(ctx, r.key(key), value, 0)
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Delete(ctx, r.key(key))
}

func (r *Redis) Close() error {
	return r.client.Close()
}
