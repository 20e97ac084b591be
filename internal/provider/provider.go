// Package provider is the client for the remote identity provider.
package provider

import (
	"context"

	"cyconnect/internal/domain"
)

// Client is the identity provider surface the auth core consumes. Every
// method returns either a value or an *errors.AppError; implementations never
// return any other error type.
type Client interface {
	// GetSession returns the user of the current session, or nil when there
	// is no active session.
	GetSession(ctx context.Context) (*domain.UserProfile, error)

	SignInWithPassword(ctx context.Context, email, password string) (*domain.UserProfile, error)

	SignUpWithPassword(ctx context.Context, name, email, password string) (*domain.UserProfile, error)

	// SignInSocial exchanges an OAuth ID token obtained from providerID.
	SignInSocial(ctx context.Context, providerID string, token IDToken) (*domain.UserProfile, error)

	SendVerificationCode(ctx context.Context, email string) error

	VerifyCode(ctx context.Context, email, code string) (*domain.UserProfile, error)

	SignOut(ctx context.Context) error
}

// IDToken is what a social sign-in hands to the identity provider
type IDToken struct {
	Token       string `json:"token"`
	AccessToken string `json:"accessToken,omitempty"`
	Nonce       string `json:"nonce,omitempty"`
}

// TokenStore persists the provider session token between runs
type TokenStore interface {
	Token(ctx context.Context) (string, error)
	SetToken(ctx context.Context, token string) error
	ClearToken(ctx context.Context) error
}

// Error codes returned by the identity provider in {"code": ..., "message": ...}
const (
	CodeInvalidEmailOrPassword = "INVALID_EMAIL_OR_PASSWORD"
	CodeUserAlreadyExists      = "USER_ALREADY_EXISTS"
	CodeEmailNotVerified       = "EMAIL_NOT_VERIFIED"
	CodeInvalidOTP             = "INVALID_OTP"
	CodeOTPExpired             = "OTP_EXPIRED"
	CodeTooManyAttempts        = "TOO_MANY_ATTEMPTS"
	CodeTooManyRequests        = "TOO_MANY_REQUESTS"
	CodeInvalidToken           = "INVALID_TOKEN"
	CodeValidation             = "VALIDATION_ERROR"
	CodeUserNotFound           = "USER_NOT_FOUND"
)

// Endpoint paths relative to the provider base path
const (
	PathGetSession   = "/get-session"
	PathSignInEmail  = "/sign-in/email"
	PathSignUpEmail  = "/sign-up/email"
	PathSignInSocial = "/sign-in/social"
	PathSendOTP      = "/email-otp/send-verification-otp"
	PathVerifyEmail  = "/email-otp/verify-email"
	PathSignOut      = "/sign-out"
)

// OTPTypeEmailVerification is the only OTP purpose this client requests
const OTPTypeEmailVerification = "email-verification"

// HeaderSetAuthToken carries a refreshed bearer token on any response
const HeaderSetAuthToken = "set-auth-token"
