package otp

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"cyconnect/internal/domain"
	"cyconnect/internal/notify"
	"cyconnect/internal/provider/providertest"
	"cyconnect/pkg/clock"
	"cyconnect/pkg/errors"
)

const testEmail = "ada@cy.edu"

type fakeSession struct {
	mu       sync.Mutex
	verified []*domain.UserProfile
	err      error
}

func (s *fakeSession) CompleteVerification(_ context.Context, user *domain.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.verified = append(s.verified, user)
	return nil
}

func (s *fakeSession) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.verified)
}

type fixture struct {
	challenge *Challenge
	client    *providertest.MockClient
	session   *fakeSession
	recorder  *notify.Recorder
	clock     *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		client:   &providertest.MockClient{},
		session:  &fakeSession{},
		recorder: &notify.Recorder{},
		clock:    clock.NewFake(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)),
	}
	challenge, err := New(DefaultConfig(), Deps{
		Email:    testEmail,
		Provider: f.client,
		Session:  f.session,
		Notifier: f.recorder,
		Clock:    f.clock,
	})
	require.NoError(t, err)
	f.challenge = challenge

	t.Cleanup(func() {
		challenge.Dispose()
		f.client.AssertExpectations(t)
	})
	return f
}

func (f *fixture) tick(n int) {
	for i := 0; i < n; i++ {
		f.clock.Advance(time.Second)
	}
}

func (f *fixture) waitForNotification(t *testing.T, title string) notify.Notification {
	t.Helper()
	var found notify.Notification
	require.Eventually(t, func() bool {
		for _, n := range f.recorder.All() {
			if n.Title == title {
				found = n
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	return found
}

func waitForPhase(t *testing.T, c *Challenge, phase Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State().Phase == phase }, time.Second, 5*time.Millisecond)
}

func enter(t *testing.T, c *Challenge, code string) {
	t.Helper()
	for _, r := range code {
		require.NoError(t, c.EnterDigit(r))
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	client := &providertest.MockClient{}
	rec := &notify.Recorder{}
	sess := &fakeSession{}

	tests := []struct {
		name string
		deps Deps
	}{
		{name: "missing email", deps: Deps{Provider: client, Session: sess, Notifier: rec}},
		{name: "missing provider", deps: Deps{Email: testEmail, Session: sess, Notifier: rec}},
		{name: "missing session", deps: Deps{Email: testEmail, Provider: client, Notifier: rec}},
		{name: "missing notifier", deps: Deps{Email: testEmail, Provider: client, Session: sess}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(DefaultConfig(), tt.deps)
			assert.Error(t, err)
			assert.Nil(t, c)
		})
	}
}

func TestChallenge_InitialState(t *testing.T) {
	f := newFixture(t)

	st := f.challenge.State()
	assert.Equal(t, PhaseEntering, st.Phase)
	assert.Equal(t, 30, st.SecondsRemaining)
	assert.False(t, st.ResendEnabled)
	assert.False(t, st.CanSubmit)
	assert.Empty(t, st.Code)
	assert.Equal(t, 1, f.clock.Pending())
}

func TestChallenge_ResendLockTiming(t *testing.T) {
	f := newFixture(t)

	f.tick(29)
	st := f.challenge.State()
	assert.Equal(t, 1, st.SecondsRemaining)
	assert.False(t, st.ResendEnabled)

	f.tick(1)
	st = f.challenge.State()
	assert.Equal(t, 0, st.SecondsRemaining)
	assert.True(t, st.ResendEnabled)
	assert.Zero(t, f.clock.Pending(), "timer stops once unlocked")

	f.client.On("SendVerificationCode", mock.Anything, testEmail).Return(nil).Once()
	require.NoError(t, f.challenge.Resend(context.Background()))

	st = f.challenge.State()
	assert.Equal(t, 60, st.SecondsRemaining)
	assert.False(t, st.ResendEnabled)

	last, ok := f.recorder.Last()
	require.True(t, ok)
	assert.Equal(t, notify.KindSuccess, last.Kind)
	assert.Equal(t, "OTP Resent", last.Title)
	assert.Contains(t, last.Message, testEmail)

	f.tick(60)
	assert.True(t, f.challenge.State().ResendEnabled)
}

func TestChallenge_ResendWhileLocked(t *testing.T) {
	f := newFixture(t)

	err := f.challenge.Resend(context.Background())
	assert.ErrorIs(t, err, ErrResendLocked)
	f.client.AssertNotCalled(t, "SendVerificationCode", mock.Anything, mock.Anything)
	assert.Equal(t, 30, f.challenge.State().SecondsRemaining)
}

func TestChallenge_ResendFailureUnlocksImmediately(t *testing.T) {
	f := newFixture(t)
	f.tick(30)

	f.client.On("SendVerificationCode", mock.Anything, testEmail).
		Return(errors.New(errors.KindRateLimited, "Too many requests. Try again later.")).Once()

	err := f.challenge.Resend(context.Background())
	assert.ErrorIs(t, err, errors.ErrRateLimited)

	st := f.challenge.State()
	assert.Equal(t, 0, st.SecondsRemaining)
	assert.True(t, st.ResendEnabled)
	assert.Zero(t, f.clock.Pending())

	last, _ := f.recorder.Last()
	assert.Equal(t, notify.KindError, last.Kind)
	assert.Equal(t, "Resend Failed", last.Title)
	assert.Equal(t, "Too many requests. Try again later.", last.Message)

	// A late tick from the abandoned countdown must not change anything.
	f.tick(5)
	assert.Equal(t, 0, f.challenge.State().SecondsRemaining)
}

func TestChallenge_ResendNetworkFailureHidesDetails(t *testing.T) {
	f := newFixture(t)
	f.tick(30)

	f.client.On("SendVerificationCode", mock.Anything, testEmail).
		Return(errors.NewNetworkError(stderrors.New("dial tcp 127.0.0.1:3000: connection refused"))).Once()

	_ = f.challenge.Resend(context.Background())

	last, _ := f.recorder.Last()
	assert.Equal(t, "Failed to resend OTP. Please try again later.", last.Message)
	assert.True(t, f.challenge.State().ResendEnabled)
}

func TestChallenge_AutoSubmitsCompleteCode(t *testing.T) {
	f := newFixture(t)
	user := providertest.User(testEmail, true)
	f.client.On("VerifyCode", mock.Anything, testEmail, "123456").Return(user, nil).Once()

	enter(t, f.challenge, "12345")
	assert.Equal(t, PhaseEntering, f.challenge.State().Phase)
	f.client.AssertNotCalled(t, "VerifyCode", mock.Anything, mock.Anything, mock.Anything)

	require.NoError(t, f.challenge.EnterDigit('6'))

	select {
	case <-f.challenge.Done():
	case <-time.After(time.Second):
		t.Fatal("challenge did not finish")
	}

	f.client.AssertNumberOfCalls(t, "VerifyCode", 1)
	assert.Equal(t, 1, f.session.calls())

	st := f.challenge.State()
	assert.Equal(t, PhaseVerified, st.Phase)
	assert.False(t, st.ResendEnabled)
	assert.Zero(t, f.clock.Pending(), "timer stops on success")

	result := f.challenge.Result()
	require.NotNil(t, result)
	assert.True(t, result.EmailVerified)

	n := f.waitForNotification(t, "Verification Successful")
	assert.Equal(t, notify.KindSuccess, n.Kind)
}

func TestChallenge_SubmittingGuardsReentry(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.client.On("VerifyCode", mock.Anything, testEmail, "123456").
		Run(func(mock.Arguments) { <-release }).
		Return(providertest.User(testEmail, true), nil).Once()

	require.NoError(t, f.challenge.Paste("123456"))
	assert.Equal(t, PhaseSubmitting, f.challenge.State().Phase)
	assert.False(t, f.challenge.State().CanSubmit)

	assert.ErrorIs(t, f.challenge.Paste("654321"), ErrBusy)
	assert.ErrorIs(t, f.challenge.EnterDigit('1'), ErrBusy)
	assert.ErrorIs(t, f.challenge.Backspace(), ErrBusy)
	assert.ErrorIs(t, f.challenge.Submit(), ErrSubmitDisabled)

	close(release)
	<-f.challenge.Done()

	f.client.AssertNumberOfCalls(t, "VerifyCode", 1)
}

func TestChallenge_FailedVerificationReturnsToEntry(t *testing.T) {
	tests := []struct {
		name            string
		err             error
		expectedMessage string
	}{
		{
			name:            "invalid code keeps provider message",
			err:             errors.New(errors.KindInvalidCode, "Invalid OTP"),
			expectedMessage: "Invalid OTP",
		},
		{
			name:            "expired code keeps provider message",
			err:             errors.New(errors.KindExpiredCode, "OTP expired"),
			expectedMessage: "OTP expired",
		},
		{
			name:            "network failure uses generic message",
			err:             errors.NewNetworkError(stderrors.New("i/o timeout")),
			expectedMessage: "Please check the code and try again.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.client.On("VerifyCode", mock.Anything, testEmail, "111111").Return(nil, tt.err).Once()

			require.NoError(t, f.challenge.Paste("111111"))

			n := f.waitForNotification(t, "Verification Failed")
			assert.Equal(t, notify.KindError, n.Kind)
			assert.Equal(t, tt.expectedMessage, n.Message)

			waitForPhase(t, f.challenge, PhaseEntering)
			st := f.challenge.State()
			assert.Empty(t, st.Code, "failed code is cleared")
			assert.Zero(t, f.session.calls())
			f.client.AssertNumberOfCalls(t, "VerifyCode", 1)

			// The user can try again with a new code.
			f.client.On("VerifyCode", mock.Anything, testEmail, "222222").
				Return(providertest.User(testEmail, true), nil).Once()
			enter(t, f.challenge, "222222")
			<-f.challenge.Done()
			assert.Equal(t, 1, f.session.calls())
		})
	}
}

func TestChallenge_CompleteVerificationFailure(t *testing.T) {
	f := newFixture(t)
	f.session.err = stderrors.New("disk full")
	f.client.On("VerifyCode", mock.Anything, testEmail, "123456").
		Return(providertest.User(testEmail, true), nil).Once()

	require.NoError(t, f.challenge.Paste("123456"))

	n := f.waitForNotification(t, "Verification Failed")
	assert.Equal(t, "Please check the code and try again.", n.Message)
	waitForPhase(t, f.challenge, PhaseEntering)
}

func TestChallenge_CodeEditing(t *testing.T) {
	f := newFixture(t)

	err := f.challenge.EnterDigit('x')
	assert.ErrorIs(t, err, errors.ErrValidation)
	assert.ErrorIs(t, f.challenge.Paste("12a456"), errors.ErrValidation)
	assert.Empty(t, f.challenge.State().Code)

	enter(t, f.challenge, "123")
	require.NoError(t, f.challenge.Backspace())
	assert.Equal(t, "12", f.challenge.State().Code)

	assert.ErrorIs(t, f.challenge.Submit(), ErrSubmitDisabled)

	require.NoError(t, f.challenge.Paste(" 12 34 "))
	assert.Equal(t, "1234", f.challenge.State().Code)
	assert.Equal(t, PhaseEntering, f.challenge.State().Phase)
}

func TestChallenge_DisposeStopsTimer(t *testing.T) {
	f := newFixture(t)
	f.tick(3)
	require.Equal(t, 27, f.challenge.State().SecondsRemaining)

	f.challenge.Dispose()
	f.challenge.Dispose()

	assert.Zero(t, f.clock.Pending())
	f.tick(10)
	st := f.challenge.State()
	assert.Equal(t, 27, st.SecondsRemaining)
	assert.True(t, st.Closed)
	assert.False(t, st.ResendEnabled)

	assert.ErrorIs(t, f.challenge.EnterDigit('1'), ErrClosed)
	assert.ErrorIs(t, f.challenge.Resend(context.Background()), ErrClosed)

	select {
	case <-f.challenge.Done():
	default:
		t.Fatal("Done must be closed after Dispose")
	}
	assert.Nil(t, f.challenge.Result())
}

func TestChallenge_DisposeAbandonsInFlightVerify(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	f.client.On("VerifyCode", mock.Anything, testEmail, "123456").
		Run(func(args mock.Arguments) {
			close(started)
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.Canceled).Once()

	require.NoError(t, f.challenge.Paste("123456"))
	<-started
	f.challenge.Dispose()

	// The verify goroutine unblocks on cancellation and must stay silent.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.recorder.All())
	assert.Zero(t, f.session.calls())
}

func TestChallenge_Run(t *testing.T) {
	t.Run("returns the verified profile", func(t *testing.T) {
		f := newFixture(t)
		f.client.On("VerifyCode", mock.Anything, testEmail, "123456").
			Return(providertest.User(testEmail, false), nil).Once()

		go func() { _ = f.challenge.Paste("123456") }()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		user, err := f.challenge.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, testEmail, user.Email)
		assert.True(t, user.EmailVerified)
		assert.True(t, f.challenge.State().Closed)
	})

	t.Run("disposes when the context ends", func(t *testing.T) {
		f := newFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		user, err := f.challenge.Run(ctx)
		assert.Nil(t, user)
		assert.ErrorIs(t, err, context.Canceled)
		assert.True(t, f.challenge.State().Closed)
		assert.Zero(t, f.clock.Pending())
	})
}

func TestChallenge_OnChangeReportsCountdown(t *testing.T) {
	var (
		mu      sync.Mutex
		seconds []int
	)
	fake := clock.NewFake(time.Now())
	c, err := New(Config{InitialCooldown: 3 * time.Second}, Deps{
		Email:    testEmail,
		Provider: &providertest.MockClient{},
		Session:  &fakeSession{},
		Notifier: &notify.Recorder{},
		Clock:    fake,
		OnChange: func(st State) {
			mu.Lock()
			defer mu.Unlock()
			seconds = append(seconds, st.SecondsRemaining)
		},
	})
	require.NoError(t, err)
	defer c.Dispose()

	for i := 0; i < 3; i++ {
		fake.Advance(time.Second)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{2, 1, 0}, seconds)
}
