package devprovider

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	stderrors "errors"
	"fmt"
	"math/big"
	"time"

	"cyconnect/pkg/redis"
)

var (
	errCodeExpired     = stderrors.New("code expired")
	errCodeInvalid     = stderrors.New("code invalid")
	errTooManyAttempts = stderrors.New("too many attempts")
	errTooManySends    = stderrors.New("too many codes requested")
)

// CodePolicy bounds how codes are issued and checked
type CodePolicy struct {
	Length      int
	TTL         time.Duration
	SendLimit   int64
	MaxAttempts int64
}

// Codes keeps one live verification code per address in redis
type Codes struct {
	client *redis.Client
	policy CodePolicy
}

// NewCodes creates a code store on client
func NewCodes(client *redis.Client, policy CodePolicy) *Codes {
	return &Codes{client: client, policy: policy}
}

// Issue replaces any live code for email. Each address may request at most
// SendLimit codes per redis.TTLOTPSendWindow.
func (c *Codes) Issue(ctx context.Context, email string) (string, error) {
	kb := c.client.KeyBuilder
	email = normalizeEmail(email)

	sends, err := c.client.Incr(ctx, kb.KeyOTPSendCount(email))
	if err != nil {
		return "", fmt.Errorf("count sends: %w", err)
	}
	if sends == 1 {
		if err := c.client.Expire(ctx, kb.KeyOTPSendCount(email), redis.TTLOTPSendWindow); err != nil {
			return "", fmt.Errorf("expire send counter: %w", err)
		}
	}
	if c.policy.SendLimit > 0 && sends > c.policy.SendLimit {
		return "", errTooManySends
	}

	code, err := randomCode(c.policy.Length)
	if err != nil {
		return "", err
	}
	if err := c.client.Set(ctx, kb.KeyOTPCode(email), code, c.policy.TTL); err != nil {
		return "", fmt.Errorf("store code: %w", err)
	}
	if err := c.client.Delete(ctx, kb.KeyOTPAttempts(email)); err != nil {
		return "", fmt.Errorf("reset attempts: %w", err)
	}
	return code, nil
}

// Check consumes the live code for email when code matches
func (c *Codes) Check(ctx context.Context, email, code string) error {
	kb := c.client.KeyBuilder
	email = normalizeEmail(email)

	want, err := c.client.Get(ctx, kb.KeyOTPCode(email))
	if redis.IsNil(err) {
		return errCodeExpired
	}
	if err != nil {
		return fmt.Errorf("load code: %w", err)
	}

	attempts, err := c.client.Incr(ctx, kb.KeyOTPAttempts(email))
	if err != nil {
		return fmt.Errorf("count attempts: %w", err)
	}
	if attempts == 1 {
		if err := c.client.Expire(ctx, kb.KeyOTPAttempts(email), c.policy.TTL); err != nil {
			return fmt.Errorf("expire attempts: %w", err)
		}
	}
	if c.policy.MaxAttempts > 0 && attempts > c.policy.MaxAttempts {
		_ = c.client.Delete(ctx, kb.KeyOTPCode(email), kb.KeyOTPAttempts(email))
		return errTooManyAttempts
	}

	if subtle.ConstantTimeCompare([]byte(want), []byte(code)) != 1 {
		return errCodeInvalid
	}
	return c.client.Delete(ctx, kb.KeyOTPCode(email), kb.KeyOTPAttempts(email))
}

func randomCode(digits int) (string, error) {
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n.Int64()), nil
}
