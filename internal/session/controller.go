// Package session owns the authentication state of the app: it reconciles the
// persisted snapshot with the identity provider at startup and is the only
// writer of the snapshot afterwards.
package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cyconnect/internal/domain"
	"cyconnect/internal/notify"
	"cyconnect/internal/provider"
	"cyconnect/internal/validate"
	"cyconnect/pkg/errors"
	"cyconnect/pkg/logger"
)

var (
	// ErrNotReady is returned by mutators called before Initialize finished
	ErrNotReady = stderrors.New("session: controller is not ready")
	// ErrAlreadyInitialized is returned by every Initialize call after the first
	ErrAlreadyInitialized = stderrors.New("session: already initialized")
	// ErrNoPendingVerification is returned when there is no account waiting for an OTP
	ErrNoPendingVerification = stderrors.New("session: no account is waiting for verification")
)

// DefaultRequestTimeout bounds provider calls when Deps.RequestTimeout is zero
const DefaultRequestTimeout = 15 * time.Second

// Store is the persistence the controller needs
type Store interface {
	Load(ctx context.Context) (domain.AuthSnapshot, bool, error)
	Save(ctx context.Context, snap domain.AuthSnapshot) error
	Clear(ctx context.Context) error
}

// Deps are the controller's collaborators
type Deps struct {
	Store          Store
	Provider       provider.Client
	Notifier       notify.Notifier
	Logger         *logger.Logger
	RequestTimeout time.Duration
}

// Next tells the caller where a successful auth flow continues
type Next int

const (
	// NextVerified means the user is logged in
	NextVerified Next = iota + 1
	// NextVerifyEmail means an OTP challenge must be completed first
	NextVerifyEmail
)

func (n Next) String() string {
	switch n {
	case NextVerified:
		return "verified"
	case NextVerifyEmail:
		return "verify_email"
	default:
		return "none"
	}
}

// Outcome is the success side of SignIn, SignUp and SignInWithIDToken
type Outcome struct {
	Next Next
	User *domain.UserProfile
}

// Controller is the auth session controller
type Controller struct {
	store    Store
	provider provider.Client
	notifier notify.Notifier
	logger   *logger.Logger
	timeout  time.Duration

	ready chan struct{}

	mu          sync.RWMutex
	initialized bool
	state       domain.AuthState
	cached      domain.AuthSnapshot
	cacheLoaded bool
	subscribers map[int]chan domain.AuthState
	nextSubID   int
}

// New creates a controller. Missing collaborators are a programming error.
func New(deps Deps) (*Controller, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("session: store is required")
	}
	if deps.Provider == nil {
		return nil, fmt.Errorf("session: identity provider is required")
	}
	if deps.Notifier == nil {
		return nil, fmt.Errorf("session: notifier is required")
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = DefaultRequestTimeout
	}

	return &Controller{
		store:       deps.Store,
		provider:    deps.Provider,
		notifier:    deps.Notifier,
		logger:      deps.Logger.Named("session"),
		timeout:     deps.RequestTimeout,
		ready:       make(chan struct{}),
		subscribers: make(map[int]chan domain.AuthState),
	}, nil
}

// Initialize reconciles the persisted snapshot with the provider session.
// It always leaves the controller ready, whatever fails along the way.
func (c *Controller) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return ErrAlreadyInitialized
	}
	c.initialized = true
	c.mu.Unlock()

	snap, user := domain.SignedOut(), (*domain.UserProfile)(nil)
	defer func() {
		c.finishInitialize(snap, user)
	}()

	var (
		remote    *domain.UserProfile
		remoteErr error
	)

	var g errgroup.Group
	g.Go(func() error {
		cached, found, err := c.store.Load(ctx)
		if err != nil {
			c.logger.WithError(err).Warn("Failed to load cached auth state")
		}
		c.setCached(cached, found)
		return nil
	})
	g.Go(func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		remote, remoteErr = c.provider.GetSession(callCtx)
		return nil
	})
	_ = g.Wait()

	switch {
	case remoteErr != nil:
		c.logger.WithError(remoteErr).Warn("Session check failed, continuing signed out")
		c.clearStore(ctx)
	case remote == nil:
		c.logger.Debug("No active session")
		c.clearStore(ctx)
	default:
		snap = domain.NewSnapshot(remote.EmailVerified, remote.EmailVerified)
		user = remote.Clone()
		if err := c.store.Save(ctx, snap); err != nil {
			c.logger.WithError(err).Error("Failed to persist reconciled auth state")
		}
		c.logger.WithFields(map[string]interface{}{
			"email":          remote.MaskedEmail(),
			"email_verified": remote.EmailVerified,
		}).Info("Session restored")
	}
	return nil
}

func (c *Controller) setCached(snap domain.AuthSnapshot, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = snap
	c.cacheLoaded = true
	if !c.state.Ready {
		c.state.Snapshot = snap
	}
	c.logger.WithFields(map[string]interface{}{
		"found":          found,
		"is_logged_in":   snap.IsLoggedIn.String(),
		"email_verified": snap.IsEmailVerified.String(),
	}).Debug("Cached auth state loaded")
	c.publishLocked()
}

func (c *Controller) finishInitialize(snap domain.AuthSnapshot, user *domain.UserProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = domain.AuthState{Ready: true, Snapshot: snap, User: user}
	close(c.ready)
	c.publishLocked()
}

// Ready is closed once Initialize has finished
func (c *Controller) Ready() <-chan struct{} {
	return c.ready
}

// Cached returns the snapshot read from the store during Initialize, before
// reconciliation. ok is false until the load has finished.
func (c *Controller) Cached() (domain.AuthSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cached, c.cacheLoaded
}

// State returns the current auth state
func (c *Controller) State() domain.AuthState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := c.state
	st.User = st.User.Clone()
	return st
}

// User returns the current profile, or nil
func (c *Controller) User() *domain.UserProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.User.Clone()
}

// Subscribe delivers every state change. A slow subscriber only misses
// intermediate states; the latest one is always delivered. Call the
// returned func to unsubscribe.
func (c *Controller) Subscribe() (<-chan domain.AuthState, func()) {
	ch := make(chan domain.AuthState, 8)

	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subscribers, id)
			close(ch)
		})
	}
}

func (c *Controller) publishLocked() {
	st := c.state
	for _, ch := range c.subscribers {
		snapshot := st
		snapshot.User = st.User.Clone()
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}

func (c *Controller) requireReady() error {
	select {
	case <-c.ready:
		return nil
	default:
		return ErrNotReady
	}
}

// SignIn checks credentials with the provider. Verified accounts are logged
// in; unverified ones get a fresh OTP and NextVerifyEmail.
func (c *Controller) SignIn(ctx context.Context, email, password string) (Outcome, error) {
	if err := c.requireReady(); err != nil {
		return Outcome{}, err
	}
	if appErr := validate.SignIn(email, password); appErr != nil {
		c.logger.WithField("fields", appErr.Fields).Debug("Sign-in form rejected")
		return Outcome{}, appErr
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	user, err := c.provider.SignInWithPassword(callCtx, email, password)
	cancel()
	if err != nil {
		return Outcome{}, c.fail("Sign In Failed", "Invalid email or password", err)
	}

	return c.accept(ctx, user)
}

// SignInWithIDToken completes a social sign-in with an ID token obtained
// through the OAuth flow of providerID
func (c *Controller) SignInWithIDToken(ctx context.Context, providerID string, token provider.IDToken) (Outcome, error) {
	if err := c.requireReady(); err != nil {
		return Outcome{}, err
	}
	if token.Token == "" {
		return Outcome{}, errors.NewValidationError("Missing ID token", nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	user, err := c.provider.SignInSocial(callCtx, providerID, token)
	cancel()
	if err != nil {
		return Outcome{}, c.fail("Authentication Failed", "An error occurred during authentication", err)
	}

	return c.accept(ctx, user)
}

// SignUp creates an account. New accounts always continue to the OTP step;
// the provider emails the first code as part of sign-up.
func (c *Controller) SignUp(ctx context.Context, form validate.SignUpForm) (Outcome, error) {
	if err := c.requireReady(); err != nil {
		return Outcome{}, err
	}
	if appErr := validate.SignUp(form); appErr != nil {
		c.logger.WithField("fields", appErr.Fields).Debug("Sign-up form rejected")
		return Outcome{}, appErr
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	user, err := c.provider.SignUpWithPassword(callCtx, form.Name, form.Email, form.Password)
	cancel()
	if err != nil {
		return Outcome{}, c.fail("Error", errors.MessageUnknown, err)
	}

	if err := c.commit(ctx, domain.SignedOut(), user); err != nil {
		return Outcome{}, err
	}

	c.logger.WithField("email", user.MaskedEmail()).Info("Account created, awaiting verification")
	c.notifier.Notify(notify.Success("OTP Sent",
		fmt.Sprintf("An OTP has been sent to %s. Please enter it to verify your email.", user.Email)))
	return Outcome{Next: NextVerifyEmail, User: user.Clone()}, nil
}

// CompleteVerification logs in the account whose OTP was just accepted. It
// returns once the snapshot is persisted.
func (c *Controller) CompleteVerification(ctx context.Context, user *domain.UserProfile) error {
	if err := c.requireReady(); err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("session: verified profile is required")
	}

	verified := user.Clone()
	verified.EmailVerified = true
	if err := c.commit(ctx, domain.NewSnapshot(true, true), verified); err != nil {
		return err
	}

	c.logger.WithField("email", verified.MaskedEmail()).Info("Email verified, user logged in")
	return nil
}

// SendVerificationCode emails a new OTP to the account waiting for verification
func (c *Controller) SendVerificationCode(ctx context.Context) error {
	if err := c.requireReady(); err != nil {
		return err
	}
	user := c.User()
	if user == nil || user.Email == "" {
		return ErrNoPendingVerification
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.provider.SendVerificationCode(callCtx, user.Email); err != nil {
		appErr := errors.Normalize(err)
		c.logFailure(appErr, "Failed to send verification code")
		return appErr
	}
	return nil
}

// SignOut ends the session. The local state is always cleared, even when
// the provider can't be reached; the remote error is only logged.
func (c *Controller) SignOut(ctx context.Context) error {
	if err := c.requireReady(); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	if err := c.provider.SignOut(callCtx); err != nil {
		c.logger.WithError(err).Warn("Remote sign-out failed, clearing local session anyway")
	}
	cancel()

	clearErr := c.store.Clear(ctx)
	if clearErr != nil {
		c.logger.WithError(clearErr).Error("Failed to clear persisted auth state")
	}

	c.mu.Lock()
	c.state.Snapshot = domain.SignedOut()
	c.state.User = nil
	c.publishLocked()
	c.mu.Unlock()

	c.logger.Info("Signed out")
	if clearErr != nil {
		return errors.NewUnknownError(clearErr)
	}
	return nil
}

// accept applies a successful credential check
func (c *Controller) accept(ctx context.Context, user *domain.UserProfile) (Outcome, error) {
	if user.EmailVerified {
		if err := c.commit(ctx, domain.NewSnapshot(true, true), user); err != nil {
			return Outcome{}, err
		}
		c.logger.WithField("email", user.MaskedEmail()).Info("User signed in")
		return Outcome{Next: NextVerified, User: user.Clone()}, nil
	}

	if err := c.commit(ctx, domain.SignedOut(), user); err != nil {
		return Outcome{}, err
	}

	log := c.logger.WithField("email", user.MaskedEmail())
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	sendErr := c.provider.SendVerificationCode(callCtx, user.Email)
	cancel()
	if sendErr != nil {
		appErr := errors.Normalize(sendErr)
		c.logFailure(appErr, "Failed to send verification code after sign-in")
		c.notifier.Notify(notify.Error("Resend Failed",
			errors.UserMessage(appErr, "Failed to send OTP. Please try again later.")))
	} else {
		log.Info("Unverified sign-in, verification code sent")
		c.notifier.Notify(notify.Success("OTP Sent",
			fmt.Sprintf("An OTP has been sent to %s. Please enter it to verify your email.", user.Email)))
	}
	return Outcome{Next: NextVerifyEmail, User: user.Clone()}, nil
}

// commit persists snap and then publishes it with user
func (c *Controller) commit(ctx context.Context, snap domain.AuthSnapshot, user *domain.UserProfile) error {
	if err := c.store.Save(ctx, snap); err != nil {
		c.logger.WithError(err).Error("Failed to persist auth state")
		return errors.NewUnknownError(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Snapshot = snap
	c.state.User = user.Clone()
	c.publishLocked()
	return nil
}

func (c *Controller) clearStore(ctx context.Context) {
	if err := c.store.Clear(ctx); err != nil {
		c.logger.WithError(err).Error("Failed to clear persisted auth state")
	}
}

// fail normalizes a provider failure and notifies the user
func (c *Controller) fail(title, fallback string, err error) *errors.AppError {
	appErr := errors.Normalize(err)
	c.logFailure(appErr, title)
	c.notifier.Notify(notify.Error(title, errors.UserMessage(appErr, fallback)))
	return appErr
}

func (c *Controller) logFailure(appErr *errors.AppError, msg string) {
	log := c.logger.WithField("kind", string(appErr.Kind))
	if appErr.Business() {
		log.WithField("code", appErr.Code).Info(msg)
		return
	}
	log.WithError(appErr).Warn(msg)
}
