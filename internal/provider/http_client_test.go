package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cyconnect/internal/store"
	"cyconnect/pkg/errors"
	"cyconnect/pkg/logger"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *store.AuthStore) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	tokens := store.New(store.NewMemory())
	client, err := NewHTTPClient(Options{
		BaseURL:  server.URL,
		BasePath: "/api/auth",
		Timeout:  2 * time.Second,
	}, tokens, logger.NewNop())
	require.NoError(t, err)
	return client, tokens
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func signedToken(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func TestNewHTTPClient_RequiresBaseURLAndTokens(t *testing.T) {
	_, err := NewHTTPClient(Options{}, store.New(store.NewMemory()), logger.NewNop())
	assert.Error(t, err)

	_, err = NewHTTPClient(Options{BaseURL: "http://localhost:3000"}, nil, logger.NewNop())
	assert.Error(t, err)
}

func TestHTTPClient_SignInWithPassword(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          interface{}
		expectedKind  errors.ErrorKind
		expectedEmail string
		verified      bool
		storesToken   bool
	}{
		{
			name:   "verified user",
			status: http.StatusOK,
			body: map[string]interface{}{
				"token": "tok-1",
				"user":  map[string]interface{}{"id": "u1", "email": "a@b.co", "emailVerified": true},
			},
			expectedEmail: "a@b.co",
			verified:      true,
			storesToken:   true,
		},
		{
			name:   "unverified user",
			status: http.StatusOK,
			body: map[string]interface{}{
				"token": "tok-1",
				"user":  map[string]interface{}{"id": "u1", "email": "a@b.co", "emailVerified": false},
			},
			expectedEmail: "a@b.co",
			storesToken:   true,
		},
		{
			name:          "email not verified is reported as an unverified user",
			status:        http.StatusForbidden,
			body:          map[string]string{"code": CodeEmailNotVerified, "message": "Email not verified"},
			expectedEmail: "a@b.co",
		},
		{
			name:         "wrong password",
			status:       http.StatusUnauthorized,
			body:         map[string]string{"code": CodeInvalidEmailOrPassword, "message": "Invalid email or password"},
			expectedKind: errors.KindInvalidCredentials,
		},
		{
			name:         "rate limited",
			status:       http.StatusTooManyRequests,
			body:         map[string]string{"message": "Too many requests"},
			expectedKind: errors.KindRateLimited,
		},
		{
			name:         "server error",
			status:       http.StatusInternalServerError,
			body:         map[string]string{"message": "pq: relation users does not exist"},
			expectedKind: errors.KindNetwork,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/auth"+PathSignInEmail, r.URL.Path)
				assert.Equal(t, http.MethodPost, r.Method)
				assert.NotEmpty(t, r.Header.Get("X-Request-ID"))

				var req signInEmailRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "a@b.co", req.Email)
				assert.Equal(t, "secret123", req.Password)

				writeJSON(w, tt.status, tt.body)
			})

			user, err := client.SignInWithPassword(context.Background(), "a@b.co", "secret123")

			if tt.expectedKind != "" {
				require.Error(t, err)
				assert.Nil(t, user)
				assert.Equal(t, tt.expectedKind, errors.KindOf(err))
				if tt.expectedKind == errors.KindNetwork {
					assert.Equal(t, errors.MessageNetwork, errors.UserMessage(err, errors.MessageNetwork))
					assert.NotContains(t, errors.Normalize(err).Message, "pq:")
				}
				return
			}

			require.NoError(t, err)
			require.NotNil(t, user)
			assert.Equal(t, tt.expectedEmail, user.Email)
			assert.Equal(t, tt.verified, user.EmailVerified)

			token, err := tokens.Token(context.Background())
			require.NoError(t, err)
			if tt.storesToken {
				assert.Equal(t, "tok-1", token)
			} else {
				assert.Empty(t, token)
			}
		})
	}
}

func TestHTTPClient_SignUpWithPassword_AccountExists(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req signUpEmailRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Ada", req.Name)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"code":    CodeUserAlreadyExists,
			"message": "User already exists",
		})
	})

	_, err := client.SignUpWithPassword(context.Background(), "Ada", "a@b.co", "secret123")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAccountExists)
	assert.Equal(t, "User already exists", errors.UserMessage(err, "fallback"))
}

func TestHTTPClient_GetSession(t *testing.T) {
	t.Run("no token skips the network", func(t *testing.T) {
		calls := 0
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			calls++
			writeJSON(w, http.StatusOK, nil)
		})

		user, err := client.GetSession(context.Background())
		require.NoError(t, err)
		assert.Nil(t, user)
		assert.Zero(t, calls)
	})

	t.Run("expired token is dropped locally", func(t *testing.T) {
		calls := 0
		client, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			calls++
			writeJSON(w, http.StatusOK, nil)
		})
		require.NoError(t, tokens.SetToken(context.Background(), signedToken(t, time.Now().Add(-time.Hour))))

		user, err := client.GetSession(context.Background())
		require.NoError(t, err)
		assert.Nil(t, user)
		assert.Zero(t, calls)

		token, err := tokens.Token(context.Background())
		require.NoError(t, err)
		assert.Empty(t, token)
	})

	t.Run("valid token returns user", func(t *testing.T) {
		token := signedToken(t, time.Now().Add(time.Hour))
		client, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer "+token, r.Header.Get("Authorization"))
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"session": map[string]string{"token": token},
				"user":    map[string]interface{}{"id": "u1", "email": "a@b.co", "emailVerified": true},
			})
		})
		require.NoError(t, tokens.SetToken(context.Background(), token))

		user, err := client.GetSession(context.Background())
		require.NoError(t, err)
		require.NotNil(t, user)
		assert.True(t, user.EmailVerified)
	})

	t.Run("null session clears token", func(t *testing.T) {
		client, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, nil)
		})
		require.NoError(t, tokens.SetToken(context.Background(), "opaque"))

		user, err := client.GetSession(context.Background())
		require.NoError(t, err)
		assert.Nil(t, user)

		token, _ := tokens.Token(context.Background())
		assert.Empty(t, token)
	})

	t.Run("unauthorized means no session", func(t *testing.T) {
		client, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"code": CodeInvalidToken})
		})
		require.NoError(t, tokens.SetToken(context.Background(), "opaque"))

		user, err := client.GetSession(context.Background())
		require.NoError(t, err)
		assert.Nil(t, user)
	})

	t.Run("server failure is a network error", func(t *testing.T) {
		client, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		require.NoError(t, tokens.SetToken(context.Background(), "opaque"))

		_, err := client.GetSession(context.Background())
		assert.ErrorIs(t, err, errors.ErrNetwork)
	})
}

func TestHTTPClient_VerifyCode(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         interface{}
		expectedKind errors.ErrorKind
	}{
		{
			name:   "accepted",
			status: http.StatusOK,
			body: map[string]interface{}{
				"status": true,
				"token":  "tok-2",
				"user":   map[string]interface{}{"id": "u1", "email": "a@b.co", "emailVerified": false},
			},
		},
		{
			name:         "invalid code",
			status:       http.StatusBadRequest,
			body:         map[string]string{"code": CodeInvalidOTP, "message": "Invalid OTP"},
			expectedKind: errors.KindInvalidCode,
		},
		{
			name:         "expired code",
			status:       http.StatusBadRequest,
			body:         map[string]string{"code": CodeOTPExpired, "message": "OTP expired"},
			expectedKind: errors.KindExpiredCode,
		},
		{
			name:         "plain bad request is validation",
			status:       http.StatusBadRequest,
			body:         map[string]string{"message": "email is required"},
			expectedKind: errors.KindValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/auth"+PathVerifyEmail, r.URL.Path)
				var req verifyEmailRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "123456", req.OTP)
				writeJSON(w, tt.status, tt.body)
			})

			user, err := client.VerifyCode(context.Background(), "a@b.co", "123456")
			if tt.expectedKind != "" {
				assert.Equal(t, tt.expectedKind, errors.KindOf(err))
				return
			}

			require.NoError(t, err)
			assert.True(t, user.EmailVerified)
			token, _ := tokens.Token(context.Background())
			assert.Equal(t, "tok-2", token)
		})
	}
}

func TestHTTPClient_SendVerificationCode(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req sendOTPRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, OTPTypeEmailVerification, req.Type)
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	})

	assert.NoError(t, client.SendVerificationCode(context.Background(), "a@b.co"))
}

func TestHTTPClient_RefreshedTokenHeader(t *testing.T) {
	client, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderSetAuthToken, "rotated")
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	})

	require.NoError(t, client.SendVerificationCode(context.Background(), "a@b.co"))
	token, _ := tokens.Token(context.Background())
	assert.Equal(t, "rotated", token)
}

func TestHTTPClient_SignOutAlwaysClearsToken(t *testing.T) {
	client, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "down"})
	})
	require.NoError(t, tokens.SetToken(context.Background(), "opaque"))

	err := client.SignOut(context.Background())
	assert.ErrorIs(t, err, errors.ErrNetwork)

	token, _ := tokens.Token(context.Background())
	assert.Empty(t, token)
}

func TestHTTPClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})

	client, err := NewHTTPClient(Options{BaseURL: server.URL, Timeout: 50 * time.Millisecond},
		store.New(store.NewMemory()), logger.NewNop())
	require.NoError(t, err)

	_, err = client.SignInWithPassword(context.Background(), "a@b.co", "secret123")
	assert.ErrorIs(t, err, errors.ErrNetwork)
}
