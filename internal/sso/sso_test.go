package sso

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"cyconnect/internal/config"
	"cyconnect/pkg/errors"
	"cyconnect/pkg/logger"
)

func tokenServer(t *testing.T, body map[string]interface{}, status int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		assert.NotEmpty(t, r.PostForm.Get("code_verifier"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(server.Close)
	return server
}

func registryFor(p Provider, tokenURL string) *Registry {
	return NewRegistry("http://127.0.0.1:8765/oauth/callback", map[Provider]Client{
		p: {
			ID: "client-id",
			Endpoint: &oauth2.Endpoint{
				AuthURL:   "https://accounts.example.com/authorize",
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	})
}

func TestFromConfig_OnlyEnablesConfiguredProviders(t *testing.T) {
	reg := FromConfig(config.SSO{
		RedirectURL:      "http://127.0.0.1:8765/oauth/callback",
		GoogleClientID:   "google-id",
		LinkedInClientID: "linkedin-id",
	})

	assert.Equal(t, []Provider{Google, LinkedIn}, reg.Enabled())

	_, err := reg.Start(GitHub)
	assert.Error(t, err)
}

func TestFlow_AuthCodeURLUsesPKCE(t *testing.T) {
	reg := registryFor(Google, "https://accounts.example.com/token")
	flow, err := reg.Start(Google)
	require.NoError(t, err)

	u, err := url.Parse(flow.AuthCodeURL())
	require.NoError(t, err)
	q := u.Query()

	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, flow.state, q.Get("state"))
	assert.Equal(t, flow.nonce, q.Get("nonce"))
	assert.Equal(t, "openid email profile", q.Get("scope"))
}

func TestFlow_Exchange(t *testing.T) {
	tests := []struct {
		name          string
		provider      Provider
		body          map[string]interface{}
		status        int
		expectedToken string
		expectedKind  errors.ErrorKind
	}{
		{
			name:          "google returns id token",
			provider:      Google,
			body:          map[string]interface{}{"access_token": "at", "token_type": "Bearer", "id_token": "google-id-token"},
			status:        http.StatusOK,
			expectedToken: "google-id-token",
		},
		{
			name:          "github falls back to access token",
			provider:      GitHub,
			body:          map[string]interface{}{"access_token": "gh-access", "token_type": "bearer"},
			status:        http.StatusOK,
			expectedToken: "gh-access",
		},
		{
			name:         "linkedin without id token is an error",
			provider:     LinkedIn,
			body:         map[string]interface{}{"access_token": "at", "token_type": "Bearer"},
			status:       http.StatusOK,
			expectedKind: errors.KindUnknown,
		},
		{
			name:         "rejected code",
			provider:     Google,
			body:         map[string]interface{}{"error": "invalid_grant"},
			status:       http.StatusBadRequest,
			expectedKind: errors.KindInvalidCredentials,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := tokenServer(t, tt.body, tt.status)
			flow, err := registryFor(tt.provider, server.URL).Start(tt.provider)
			require.NoError(t, err)

			token, err := flow.Exchange(context.Background(), url.Values{
				"code":  {"the-code"},
				"state": {flow.state},
			})

			if tt.expectedKind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.expectedKind, errors.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectedToken, token.Token)
			assert.NotEmpty(t, token.AccessToken)
		})
	}
}

func TestFlow_ExchangeRejectsBadCallbacks(t *testing.T) {
	flow, err := registryFor(Google, "http://127.0.0.1:1/token").Start(Google)
	require.NoError(t, err)

	tests := []struct {
		name         string
		callback     url.Values
		expectedKind errors.ErrorKind
		message      string
	}{
		{
			name:         "user denied consent",
			callback:     url.Values{"error": {"access_denied"}, "error_description": {"The user denied access"}},
			expectedKind: errors.KindInvalidCredentials,
			message:      "The user denied access",
		},
		{
			name:         "state mismatch",
			callback:     url.Values{"code": {"the-code"}, "state": {"forged"}},
			expectedKind: errors.KindValidation,
		},
		{
			name:         "missing code",
			callback:     url.Values{"state": {flow.state}},
			expectedKind: errors.KindValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := flow.Exchange(context.Background(), tt.callback)
			require.Error(t, err)
			assert.Equal(t, tt.expectedKind, errors.KindOf(err))
			if tt.message != "" {
				assert.Equal(t, tt.message, errors.UserMessage(err, ""))
			}
		})
	}
}

func TestReceiver(t *testing.T) {
	r, err := Listen("http://127.0.0.1:0/oauth/callback", logger.NewNop())
	require.NoError(t, err)

	go func() {
		resp, err := http.Get("http://" + r.Addr() + "/oauth/callback?code=abc&state=xyz")
		if err == nil {
			resp.Body.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	values, err := r.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", values.Get("code"))
	assert.Equal(t, "xyz", values.Get("state"))
}

func TestListen_RejectsNonLoopback(t *testing.T) {
	_, err := Listen("cyconnect://oauth/callback", logger.NewNop())
	assert.Error(t, err)

	_, err = Listen("http://example.com:8765/oauth/callback", logger.NewNop())
	assert.Error(t, err)
}
