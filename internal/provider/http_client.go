package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"cyconnect/internal/domain"
	"cyconnect/pkg/errors"
	"cyconnect/pkg/logger"
)

// maxErrorBody bounds how much of an error response is read
const maxErrorBody = 64 << 10

// HTTPClient talks to the identity provider's REST API with a bearer token
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenStore
	timeout    time.Duration
	logger     *logger.Logger
	now        func() time.Time
}

// Options configures an HTTPClient
type Options struct {
	// BaseURL is the provider origin, e.g. http://localhost:3000.
	BaseURL string
	// BasePath is prepended to every endpoint, e.g. /api/auth.
	BasePath string
	// Timeout bounds every call so a hung request can't pin a controller.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// NewHTTPClient creates a provider client
func NewHTTPClient(opts Options, tokens TokenStore, log *logger.Logger) (*HTTPClient, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("provider base URL is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("provider token store is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}

	return &HTTPClient{
		baseURL:    strings.TrimRight(opts.BaseURL, "/") + "/" + strings.Trim(opts.BasePath, "/"),
		httpClient: opts.HTTPClient,
		tokens:     tokens,
		timeout:    opts.Timeout,
		logger:     log.Named("provider"),
		now:        time.Now,
	}, nil
}

// GetSession returns the current user or nil. A missing or expired token is
// answered locally without a network call.
func (c *HTTPClient) GetSession(ctx context.Context) (*domain.UserProfile, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to read session token, treating as signed out")
		return nil, nil
	}
	if token == "" {
		c.logger.Debug("No session token stored")
		return nil, nil
	}
	if c.tokenExpired(token) {
		c.logger.Debug("Stored session token has expired")
		c.clearToken(ctx)
		return nil, nil
	}

	var resp *sessionResponse
	status, appErr := c.do(ctx, http.MethodGet, PathGetSession, nil, &resp)
	if appErr != nil {
		if status == http.StatusUnauthorized {
			c.clearToken(ctx)
			return nil, nil
		}
		return nil, appErr
	}
	if resp == nil || resp.User == nil {
		c.clearToken(ctx)
		return nil, nil
	}
	return resp.User, nil
}

// SignInWithPassword signs in with email and password
func (c *HTTPClient) SignInWithPassword(ctx context.Context, email, password string) (*domain.UserProfile, error) {
	var resp authResponse
	_, appErr := c.do(ctx, http.MethodPost, PathSignInEmail, signInEmailRequest{Email: email, Password: password}, &resp)
	if appErr != nil {
		// Providers that refuse unverified sign-ins still identify the account.
		if appErr.Code == CodeEmailNotVerified {
			return &domain.UserProfile{Email: email, EmailVerified: false}, nil
		}
		return nil, appErr
	}
	return c.acceptAuth(ctx, resp.Token, resp.User)
}

// SignUpWithPassword creates an account
func (c *HTTPClient) SignUpWithPassword(ctx context.Context, name, email, password string) (*domain.UserProfile, error) {
	var resp authResponse
	_, appErr := c.do(ctx, http.MethodPost, PathSignUpEmail, signUpEmailRequest{Name: name, Email: email, Password: password}, &resp)
	if appErr != nil {
		return nil, appErr
	}
	return c.acceptAuth(ctx, resp.Token, resp.User)
}

// SignInSocial exchanges an OAuth ID token for a provider session
func (c *HTTPClient) SignInSocial(ctx context.Context, providerID string, token IDToken) (*domain.UserProfile, error) {
	var resp authResponse
	_, appErr := c.do(ctx, http.MethodPost, PathSignInSocial, signInSocialRequest{Provider: providerID, IDToken: token}, &resp)
	if appErr != nil {
		return nil, appErr
	}
	return c.acceptAuth(ctx, resp.Token, resp.User)
}

// SendVerificationCode asks the provider to email a new OTP
func (c *HTTPClient) SendVerificationCode(ctx context.Context, email string) error {
	var resp successResponse
	_, appErr := c.do(ctx, http.MethodPost, PathSendOTP, sendOTPRequest{Email: email, Type: OTPTypeEmailVerification}, &resp)
	if appErr != nil {
		return appErr
	}
	if !resp.Success {
		return errors.NewUnknownError(fmt.Errorf("send verification code: provider reported failure"))
	}
	return nil
}

// VerifyCode submits an OTP for the given email
func (c *HTTPClient) VerifyCode(ctx context.Context, email, code string) (*domain.UserProfile, error) {
	var resp verifyEmailResponse
	_, appErr := c.do(ctx, http.MethodPost, PathVerifyEmail, verifyEmailRequest{Email: email, OTP: code}, &resp)
	if appErr != nil {
		return nil, appErr
	}
	if !resp.Status {
		return nil, errors.New(errors.KindInvalidCode, "Invalid OTP")
	}
	if resp.User != nil {
		// The provider confirmed the address even if its user payload lags.
		resp.User.EmailVerified = true
	}
	return c.acceptAuth(ctx, resp.Token, resp.User)
}

// SignOut ends the provider session. The local token is dropped whatever
// the provider answers.
func (c *HTTPClient) SignOut(ctx context.Context) error {
	defer c.clearToken(context.WithoutCancel(ctx))

	var resp successResponse
	_, appErr := c.do(ctx, http.MethodPost, PathSignOut, struct{}{}, &resp)
	if appErr != nil {
		return appErr
	}
	return nil
}

func (c *HTTPClient) acceptAuth(ctx context.Context, token string, user *domain.UserProfile) (*domain.UserProfile, error) {
	if user == nil {
		return nil, errors.NewUnknownError(fmt.Errorf("provider response has no user"))
	}
	if token != "" {
		if err := c.tokens.SetToken(ctx, token); err != nil {
			c.logger.WithError(err).Error("Failed to persist session token")
			return nil, errors.NewUnknownError(err)
		}
	}
	return user, nil
}

func (c *HTTPClient) clearToken(ctx context.Context) {
	if err := c.tokens.ClearToken(ctx); err != nil {
		c.logger.WithError(err).Warn("Failed to clear session token")
	}
}

// tokenExpired inspects a JWT token's exp claim. Opaque tokens are never
// considered expired locally; the provider decides.
func (c *HTTPClient) tokenExpired(token string) bool {
	if strings.Count(token, ".") != 2 {
		return false
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !c.now().Before(claims.ExpiresAt.Time)
}

// do performs one JSON request. It returns the HTTP status (0 when the
// request never completed) and a normalized error.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) (int, *errors.AppError) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	requestID := uuid.NewString()
	log := c.logger.WithFields(map[string]interface{}{
		"method":     method,
		"path":       path,
		"request_id": requestID,
	})

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, errors.NewUnknownError(fmt.Errorf("marshal request body: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, errors.NewUnknownError(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token, err := c.tokens.Token(ctx); err == nil && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.WithError(err).Warn("Identity provider request failed")
		return 0, errors.NewNetworkError(err)
	}
	defer resp.Body.Close()

	log = log.WithFields(map[string]interface{}{
		"status_code": resp.StatusCode,
		"duration":    time.Since(start).String(),
	})

	if refreshed := resp.Header.Get(HeaderSetAuthToken); refreshed != "" {
		if err := c.tokens.SetToken(ctx, refreshed); err != nil {
			log.WithError(err).Warn("Failed to persist refreshed session token")
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		appErr := classify(resp.StatusCode, readError(resp.Body))
		if appErr.Business() {
			log.WithField("code", appErr.Code).Debug("Identity provider rejected request")
		} else {
			log.WithError(appErr).Warn("Identity provider returned an error")
		}
		return resp.StatusCode, appErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			log.WithError(err).Error("Failed to decode identity provider response")
			return resp.StatusCode, errors.NewUnknownError(fmt.Errorf("decode response: %w", err))
		}
	}

	log.Debug("Identity provider request succeeded")
	return resp.StatusCode, nil
}

func readError(r io.Reader) errorResponse {
	var body errorResponse
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(data) == 0 {
		return body
	}
	if json.Unmarshal(data, &body) != nil {
		// Not JSON; keep nothing so internal details never reach the user.
		return errorResponse{}
	}
	return body
}

// classify maps a provider error response onto the error taxonomy
func classify(status int, body errorResponse) *errors.AppError {
	kind := errors.KindUnknown
	switch body.Code {
	case CodeInvalidEmailOrPassword, CodeInvalidToken:
		kind = errors.KindInvalidCredentials
	case CodeUserAlreadyExists:
		kind = errors.KindAccountExists
	case CodeInvalidOTP, CodeTooManyAttempts:
		kind = errors.KindInvalidCode
	case CodeOTPExpired:
		kind = errors.KindExpiredCode
	case CodeTooManyRequests:
		kind = errors.KindRateLimited
	default:
		switch {
		case status == http.StatusTooManyRequests:
			kind = errors.KindRateLimited
		case status == http.StatusUnauthorized:
			kind = errors.KindInvalidCredentials
		case status >= 500:
			kind = errors.KindNetwork
		case status >= 400:
			kind = errors.KindValidation
		}
	}

	appErr := &errors.AppError{
		Kind:    kind,
		Message: body.Message,
		Code:    body.Code,
		Status:  status,
	}
	switch kind {
	case errors.KindNetwork:
		appErr.Message = errors.MessageNetwork
		appErr.Internal = fmt.Errorf("provider status %d: %s", status, body.Message)
	case errors.KindUnknown:
		appErr.Message = errors.MessageUnknown
		appErr.Internal = fmt.Errorf("provider status %d: %s", status, body.Message)
	}
	return appErr
}
