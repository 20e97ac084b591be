package provider

import (
	"cyconnect/internal/domain"
)

// Request and response bodies of the provider's REST API

type signInEmailRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signUpEmailRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signInSocialRequest struct {
	Provider string  `json:"provider"`
	IDToken  IDToken `json:"idToken"`
}

type sendOTPRequest struct {
	Email string `json:"email"`
	Type  string `json:"type"`
}

type verifyEmailRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

type authResponse struct {
	Token string              `json:"token"`
	User  *domain.UserProfile `json:"user"`
}

type verifyEmailResponse struct {
	Status bool                `json:"status"`
	Token  string              `json:"token"`
	User   *domain.UserProfile `json:"user"`
}

type sessionResponse struct {
	Session *struct {
		Token string `json:"token"`
	} `json:"session"`
	User *domain.UserProfile `json:"user"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
