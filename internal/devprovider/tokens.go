package devprovider

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"cyconnect/pkg/redis"
)

var errTokenRevoked = stderrors.New("token revoked")

// Tokens issues HS256 session tokens and tracks revocations in redis
type Tokens struct {
	secret []byte
	ttl    time.Duration
	client *redis.Client
	now    func() time.Time
}

// NewTokens creates a token issuer
func NewTokens(secret string, ttl time.Duration, client *redis.Client) *Tokens {
	return &Tokens{secret: []byte(secret), ttl: ttl, client: client, now: time.Now}
}

// Issue signs a session token for userID
func (t *Tokens) Issue(userID string) (string, error) {
	now := t.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse validates the signature, expiry and revocation of a token
func (t *Tokens) Parse(ctx context.Context, token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, err
	}

	_, err = t.client.Get(ctx, t.client.KeyBuilder.KeyRevokedToken(claims.ID))
	switch {
	case err == nil:
		return nil, errTokenRevoked
	case !redis.IsNil(err):
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	return claims, nil
}

// Revoke blocks a token until it would have expired anyway
func (t *Tokens) Revoke(ctx context.Context, claims *jwt.RegisteredClaims) error {
	ttl := time.Minute
	if claims.ExpiresAt != nil {
		if remaining := claims.ExpiresAt.Sub(t.now()); remaining > 0 {
			ttl = remaining
		}
	}
	return t.client.Set(ctx, t.client.KeyBuilder.KeyRevokedToken(claims.ID), "1", ttl)
}
