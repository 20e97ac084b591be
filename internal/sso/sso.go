// Package sso runs the OAuth2 authorization code flow with PKCE for the
// social sign-in buttons and turns the result into an ID token for the
// identity provider.
package sso

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/url"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"cyconnect/internal/config"
	"cyconnect/internal/provider"
	"cyconnect/pkg/errors"
)

// Provider identifies a social identity provider. The value is the id the
// identity provider expects at /sign-in/social.
type Provider string

const (
	Google   Provider = "google"
	GitHub   Provider = "github"
	LinkedIn Provider = "linkedin"
)

// Client is one OAuth client registration
type Client struct {
	ID     string
	Secret string
	// Endpoint overrides the provider's well-known endpoint.
	Endpoint *oauth2.Endpoint
}

var defaultEndpoints = map[Provider]oauth2.Endpoint{
	Google:   endpoints.Google,
	GitHub:   endpoints.GitHub,
	LinkedIn: endpoints.LinkedIn,
}

var defaultScopes = map[Provider][]string{
	Google:   {"openid", "email", "profile"},
	GitHub:   {"read:user", "user:email"},
	LinkedIn: {"openid", "email", "profile"},
}

// Registry holds the enabled providers
type Registry struct {
	redirectURL string
	clients     map[Provider]Client
}

// NewRegistry builds a registry from explicit client registrations
func NewRegistry(redirectURL string, clients map[Provider]Client) *Registry {
	r := &Registry{redirectURL: redirectURL, clients: make(map[Provider]Client)}
	for p, c := range clients {
		if c.ID != "" {
			r.clients[p] = c
		}
	}
	return r
}

// FromConfig builds a registry from the SSO configuration
func FromConfig(cfg config.SSO) *Registry {
	return NewRegistry(cfg.RedirectURL, map[Provider]Client{
		Google:   {ID: cfg.GoogleClientID, Secret: cfg.GoogleClientSecret},
		GitHub:   {ID: cfg.GitHubClientID, Secret: cfg.GitHubClientSecret},
		LinkedIn: {ID: cfg.LinkedInClientID, Secret: cfg.LinkedInClientSecret},
	})
}

// Enabled lists the configured providers in a stable order
func (r *Registry) Enabled() []Provider {
	out := make([]Provider, 0, len(r.clients))
	for p := range r.clients {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RedirectURL is where the browser is sent back to
func (r *Registry) RedirectURL() string {
	return r.redirectURL
}

// Start begins a flow for p
func (r *Registry) Start(p Provider) (*Flow, error) {
	client, ok := r.clients[p]
	if !ok {
		return nil, fmt.Errorf("sso: provider %q is not configured", p)
	}

	endpoint, known := defaultEndpoints[p]
	if client.Endpoint != nil {
		endpoint = *client.Endpoint
	} else if !known {
		return nil, fmt.Errorf("sso: no endpoint for provider %q", p)
	}

	return &Flow{
		provider: p,
		oauth: &oauth2.Config{
			ClientID:     client.ID,
			ClientSecret: client.Secret,
			Endpoint:     endpoint,
			RedirectURL:  r.redirectURL,
			Scopes:       defaultScopes[p],
		},
		state:    uuid.NewString(),
		nonce:    uuid.NewString(),
		verifier: oauth2.GenerateVerifier(),
	}, nil
}

// Flow is one authorization attempt
type Flow struct {
	provider Provider
	oauth    *oauth2.Config
	state    string
	nonce    string
	verifier string
}

// Provider returns the provider this flow signs in with
func (f *Flow) Provider() Provider {
	return f.provider
}

// AuthCodeURL is the page the user must open to consent
func (f *Flow) AuthCodeURL() string {
	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(f.verifier)}
	if f.provider != GitHub {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", f.nonce))
	}
	return f.oauth.AuthCodeURL(f.state, opts...)
}

// Exchange validates the callback parameters and redeems the code. GitHub
// does not issue ID tokens, so its access token stands in for one.
func (f *Flow) Exchange(ctx context.Context, callback url.Values) (provider.IDToken, error) {
	if msg := callback.Get("error"); msg != "" {
		if desc := callback.Get("error_description"); desc != "" {
			msg = desc
		}
		return provider.IDToken{}, errors.New(errors.KindInvalidCredentials, msg)
	}
	if callback.Get("state") != f.state {
		return provider.IDToken{}, errors.New(errors.KindValidation, "Sign-in response did not match the request")
	}
	code := callback.Get("code")
	if code == "" {
		return provider.IDToken{}, errors.New(errors.KindValidation, "Sign-in response had no authorization code")
	}

	token, err := f.oauth.Exchange(ctx, code, oauth2.VerifierOption(f.verifier))
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if stderrors.As(err, &retrieveErr) && retrieveErr.Response != nil && retrieveErr.Response.StatusCode < 500 {
			return provider.IDToken{}, &errors.AppError{
				Kind:     errors.KindInvalidCredentials,
				Message:  "An error occurred during authentication",
				Code:     retrieveErr.ErrorCode,
				Status:   retrieveErr.Response.StatusCode,
				Internal: err,
			}
		}
		return provider.IDToken{}, errors.Normalize(err)
	}

	idToken, _ := token.Extra("id_token").(string)
	if idToken == "" {
		if f.provider != GitHub {
			return provider.IDToken{}, errors.NewUnknownError(fmt.Errorf("sso: %s returned no id_token", f.provider))
		}
		idToken = token.AccessToken
	}

	out := provider.IDToken{Token: idToken, AccessToken: token.AccessToken}
	if f.provider != GitHub {
		out.Nonce = f.nonce
	}
	return out, nil
}
