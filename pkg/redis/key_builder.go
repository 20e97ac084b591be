package redis

import (
	"fmt"
	"strings"
)

// Key patterns. Everything is namespaced by the environment prefix and the
// storage prefix, e.g. prod:cyconnect:authState.
const (
	KeyAuthState     = "authState"
	KeySessionToken  = "session_token"
	KeyOTPCode       = "otp:%s"       // otp:{email}
	KeyOTPSendCount  = "otp:%s:sends" // otp:{email}:sends
	KeyOTPAttempts   = "otp:%s:attempts"
	KeyRevokedToken  = "session:%s:revoked" // session:{jti}:revoked
	DefaultNamespace = "cyconnect"
)

// KeyBuilder provides environment-aware Redis key building functionality
type KeyBuilder struct {
	prefix    string // Environment prefix (staging/prod)
	namespace string
}

// NewKeyBuilder creates a new key builder with environment-based prefix
func NewKeyBuilder(environment, namespace string) *KeyBuilder {
	prefix := "prod"
	if environment == "development" || environment == "staging" || environment == "test" {
		prefix = "staging"
	}

	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = DefaultNamespace
	}

	return &KeyBuilder{
		prefix:    prefix,
		namespace: namespace,
	}
}

// BuildKey constructs a Redis key with the environment prefix and namespace
func (kb *KeyBuilder) BuildKey(key string) string {
	return fmt.Sprintf("%s:%s:%s", kb.prefix, kb.namespace, key)
}

// GetPrefix returns the current environment prefix
func (kb *KeyBuilder) GetPrefix() string {
	return kb.prefix
}

// Auth store keys
func (kb *KeyBuilder) KeyAuthState() string {
	return kb.BuildKey(KeyAuthState)
}

func (kb *KeyBuilder) KeySessionToken() string {
	return kb.BuildKey(KeySessionToken)
}

// OTP keys, used by the development identity provider
func (kb *KeyBuilder) KeyOTPCode(email string) string {
	return kb.BuildKey(fmt.Sprintf(KeyOTPCode, normalizeEmail(email)))
}

func (kb *KeyBuilder) KeyOTPSendCount(email string) string {
	return kb.BuildKey(fmt.Sprintf(KeyOTPSendCount, normalizeEmail(email)))
}

func (kb *KeyBuilder) KeyOTPAttempts(email string) string {
	return kb.BuildKey(fmt.Sprintf(KeyOTPAttempts, normalizeEmail(email)))
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// KeyRevokedToken marks a signed-out session token id
func (kb *KeyBuilder) KeyRevokedToken(tokenID string) string {
	return kb.BuildKey(fmt.Sprintf(KeyRevokedToken, tokenID))
}
