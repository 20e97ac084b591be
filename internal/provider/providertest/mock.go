// Package providertest provides a testify mock of the identity provider.
package providertest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"cyconnect/internal/domain"
	"cyconnect/internal/provider"
)

// MockClient is a mock provider.Client
type MockClient struct {
	mock.Mock
}

var _ provider.Client = (*MockClient)(nil)

func (m *MockClient) GetSession(ctx context.Context) (*domain.UserProfile, error) {
	args := m.Called(ctx)
	user, _ := args.Get(0).(*domain.UserProfile)
	return user, args.Error(1)
}

func (m *MockClient) SignInWithPassword(ctx context.Context, email, password string) (*domain.UserProfile, error) {
	args := m.Called(ctx, email, password)
	user, _ := args.Get(0).(*domain.UserProfile)
	return user, args.Error(1)
}

func (m *MockClient) SignUpWithPassword(ctx context.Context, name, email, password string) (*domain.UserProfile, error) {
	args := m.Called(ctx, name, email, password)
	user, _ := args.Get(0).(*domain.UserProfile)
	return user, args.Error(1)
}

func (m *MockClient) SignInSocial(ctx context.Context, providerID string, token provider.IDToken) (*domain.UserProfile, error) {
	args := m.Called(ctx, providerID, token)
	user, _ := args.Get(0).(*domain.UserProfile)
	return user, args.Error(1)
}

func (m *MockClient) SendVerificationCode(ctx context.Context, email string) error {
	args := m.Called(ctx, email)
	return args.Error(0)
}

func (m *MockClient) VerifyCode(ctx context.Context, email, code string) (*domain.UserProfile, error) {
	args := m.Called(ctx, email, code)
	user, _ := args.Get(0).(*domain.UserProfile)
	return user, args.Error(1)
}

func (m *MockClient) SignOut(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// User builds a profile for tests
func User(email string, verified bool) *domain.UserProfile {
	return &domain.UserProfile{
		ID:            "user-" + email,
		Name:          "Test User",
		Email:         email,
		EmailVerified: verified,
	}
}
