// Package otp drives one email verification attempt: code entry with
// auto-submit, the resend countdown and the outcome report.
package otp

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"cyconnect/internal/domain"
	"cyconnect/internal/notify"
	"cyconnect/internal/validate"
	"cyconnect/pkg/clock"
	"cyconnect/pkg/errors"
	"cyconnect/pkg/logger"
)

var (
	// ErrSubmitDisabled is returned by Submit while verifying or with an incomplete code
	ErrSubmitDisabled = stderrors.New("otp: submit is disabled")
	// ErrResendLocked is returned by Resend while the countdown is running
	ErrResendLocked = stderrors.New("otp: resend is locked")
	// ErrBusy is returned for code edits while a verification is in flight
	ErrBusy = stderrors.New("otp: verification in progress")
	// ErrClosed is returned once the challenge is verified or disposed
	ErrClosed = stderrors.New("otp: challenge is closed")
)

// Phase of the challenge
type Phase int

const (
	PhaseEntering Phase = iota
	PhaseSubmitting
	PhaseVerified
)

func (p Phase) String() string {
	switch p {
	case PhaseEntering:
		return "entering"
	case PhaseSubmitting:
		return "submitting"
	case PhaseVerified:
		return "verified"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Config holds the challenge timings
type Config struct {
	Length          int
	InitialCooldown time.Duration
	ResendCooldown  time.Duration
	// VerifyTimeout bounds each verify and resend call.
	VerifyTimeout time.Duration
}

// DefaultConfig returns the standard 6-digit, 30s/60s challenge
func DefaultConfig() Config {
	return Config{
		Length:          6,
		InitialCooldown: 30 * time.Second,
		ResendCooldown:  60 * time.Second,
		VerifyTimeout:   15 * time.Second,
	}
}

// Provider is the part of the identity provider the challenge calls
type Provider interface {
	VerifyCode(ctx context.Context, email, code string) (*domain.UserProfile, error)
	SendVerificationCode(ctx context.Context, email string) error
}

// Session receives the verified profile
type Session interface {
	CompleteVerification(ctx context.Context, user *domain.UserProfile) error
}

// Deps are the challenge's collaborators
type Deps struct {
	Email    string
	Provider Provider
	Session  Session
	Notifier notify.Notifier
	Clock    clock.Clock
	Logger   *logger.Logger
	// OnChange, when set, receives the state after every change.
	OnChange func(State)
}

// State is a read-only view of the challenge
type State struct {
	Phase            Phase
	Code             string
	SecondsRemaining int
	ResendEnabled    bool
	CanSubmit        bool
	Closed           bool
}

// Challenge is one OTP verification attempt. It owns a one-second timer
// that is stopped by Dispose.
type Challenge struct {
	cfg      Config
	email    string
	provider Provider
	session  Session
	notifier notify.Notifier
	clock    clock.Clock
	logger   *logger.Logger
	onChange func(State)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu               sync.Mutex
	phase            Phase
	code             []rune
	secondsRemaining int
	timer            clock.Timer
	timerGen         int
	closed           bool
	result           *domain.UserProfile
}

// New starts a challenge for email. The resend control starts locked for
// cfg.InitialCooldown.
func New(cfg Config, deps Deps) (*Challenge, error) {
	if deps.Email == "" {
		return nil, fmt.Errorf("otp: email is required")
	}
	if deps.Provider == nil {
		return nil, fmt.Errorf("otp: identity provider is required")
	}
	if deps.Session == nil {
		return nil, fmt.Errorf("otp: session is required")
	}
	if deps.Notifier == nil {
		return nil, fmt.Errorf("otp: notifier is required")
	}

	defaults := DefaultConfig()
	if cfg.Length <= 0 {
		cfg.Length = defaults.Length
	}
	if cfg.InitialCooldown <= 0 {
		cfg.InitialCooldown = defaults.InitialCooldown
	}
	if cfg.ResendCooldown <= 0 {
		cfg.ResendCooldown = defaults.ResendCooldown
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = defaults.VerifyTimeout
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Challenge{
		cfg:      cfg,
		email:    deps.Email,
		provider: deps.Provider,
		session:  deps.Session,
		notifier: deps.Notifier,
		clock:    deps.Clock,
		logger:   deps.Logger.Named("otp").WithField("email", domain.MaskEmail(deps.Email)),
		onChange: deps.OnChange,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	c.lockResendLocked(cfg.InitialCooldown)
	c.mu.Unlock()

	c.logger.Debug("OTP challenge started")
	return c, nil
}

// State returns the current state
func (c *Challenge) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Challenge) stateLocked() State {
	return State{
		Phase:            c.phase,
		Code:             string(c.code),
		SecondsRemaining: c.secondsRemaining,
		ResendEnabled:    !c.closed && c.phase != PhaseVerified && c.secondsRemaining == 0,
		CanSubmit:        !c.closed && c.phase == PhaseEntering && len(c.code) == c.cfg.Length,
		Closed:           c.closed,
	}
}

// Email returns the address being verified
func (c *Challenge) Email() string {
	return c.email
}

// EnterDigit appends one digit. The challenge submits itself when the code
// is complete.
func (c *Challenge) EnterDigit(r rune) error {
	if !isDigit(r) {
		return invalidCode()
	}

	c.mu.Lock()
	if err := c.editableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if len(c.code) >= c.cfg.Length {
		c.mu.Unlock()
		return nil
	}
	c.code = append(c.code, r)
	code, submit := c.maybeSubmitLocked()
	st := c.stateLocked()
	c.mu.Unlock()

	c.changed(st)
	if submit {
		go c.verify(code)
	}
	return nil
}

// Paste replaces the code with s. Whitespace is ignored; anything else that
// is not a digit rejects the paste.
func (c *Challenge) Paste(s string) error {
	digits := []rune(strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s))
	for _, r := range digits {
		if !isDigit(r) {
			return invalidCode()
		}
	}

	c.mu.Lock()
	if err := c.editableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if len(digits) > c.cfg.Length {
		digits = digits[:c.cfg.Length]
	}
	c.code = digits
	code, submit := c.maybeSubmitLocked()
	st := c.stateLocked()
	c.mu.Unlock()

	c.changed(st)
	if submit {
		go c.verify(code)
	}
	return nil
}

// Backspace removes the last digit
func (c *Challenge) Backspace() error {
	c.mu.Lock()
	if err := c.editableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if len(c.code) > 0 {
		c.code = c.code[:len(c.code)-1]
	}
	st := c.stateLocked()
	c.mu.Unlock()

	c.changed(st)
	return nil
}

// Submit is the manual verify action. It is disabled while a verification
// is in flight or the code is incomplete.
func (c *Challenge) Submit() error {
	c.mu.Lock()
	if c.closed || c.phase == PhaseVerified {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.phase != PhaseEntering || len(c.code) != c.cfg.Length {
		c.mu.Unlock()
		return ErrSubmitDisabled
	}
	code, _ := c.maybeSubmitLocked()
	st := c.stateLocked()
	c.mu.Unlock()

	c.changed(st)
	go c.verify(code)
	return nil
}

// Resend requests a new code. It re-locks the control for the resend
// cooldown as soon as it is invoked. A failed send unlocks it again.
func (c *Challenge) Resend(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.phase == PhaseVerified {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.secondsRemaining > 0 {
		c.mu.Unlock()
		return ErrResendLocked
	}
	c.lockResendLocked(c.cfg.ResendCooldown)
	st := c.stateLocked()
	c.mu.Unlock()
	c.changed(st)

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.VerifyTimeout)
	defer cancel()
	err := c.provider.SendVerificationCode(callCtx, c.email)
	if err == nil {
		c.logger.Info("Verification code resent")
		c.notifier.Notify(notify.Success("OTP Resent",
			fmt.Sprintf("An OTP has been resent to %s. Please enter it to verify your email.", c.email)))
		return nil
	}

	appErr := errors.Normalize(err)
	c.logFailure(appErr, "Failed to resend verification code")

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return appErr
	}
	c.stopTimerLocked()
	c.secondsRemaining = 0
	st = c.stateLocked()
	c.mu.Unlock()

	c.changed(st)
	c.notifier.Notify(notify.Error("Resend Failed",
		errors.UserMessage(appErr, "Failed to resend OTP. Please try again later.")))
	return appErr
}

// Done is closed when the challenge is verified or disposed
func (c *Challenge) Done() <-chan struct{} {
	return c.done
}

// Result returns the verified profile, or nil if the challenge did not
// succeed
func (c *Challenge) Result() *domain.UserProfile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result.Clone()
}

// Run waits until the challenge is verified or ctx ends, and disposes the
// challenge on every exit path.
func (c *Challenge) Run(ctx context.Context) (*domain.UserProfile, error) {
	defer c.Dispose()

	select {
	case <-c.done:
		if user := c.Result(); user != nil {
			return user, nil
		}
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dispose stops the timer and abandons any in-flight call. It is safe to
// call more than once.
func (c *Challenge) Dispose() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopTimerLocked()
	c.cancel()
	verified := c.result != nil
	if !verified {
		close(c.done)
	}
	st := c.stateLocked()
	c.mu.Unlock()

	c.logger.WithField("verified", verified).Debug("OTP challenge disposed")
	c.changed(st)
}

func (c *Challenge) verify(code string) {
	log := c.logger.WithField("attempt_at", c.clock.Now().Format(time.RFC3339))
	log.Debug("Verifying code")

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.VerifyTimeout)
	defer cancel()

	user, err := c.provider.VerifyCode(ctx, c.email, code)
	if err == nil && user == nil {
		err = errors.NewUnknownError(fmt.Errorf("verify returned no profile"))
	}
	if err == nil {
		err = c.session.CompleteVerification(ctx, user)
	}
	if err != nil {
		c.failed(errors.Normalize(err))
		return
	}

	log.Info("Email verified")
	c.notifier.Notify(notify.Success("Verification Successful", "Your email has been successfully verified."))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseVerified
	c.result = user.Clone()
	c.result.EmailVerified = true
	c.stopTimerLocked()
	close(c.done)
	st := c.stateLocked()
	c.mu.Unlock()

	c.changed(st)
}

// failed returns to code entry with an empty code. The failed code is never
// resubmitted. The alert is raised before the challenge leaves
// PhaseSubmitting.
func (c *Challenge) failed(appErr *errors.AppError) {
	c.logFailure(appErr, "Verification failed")

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.notifier.Notify(notify.Error("Verification Failed",
		errors.UserMessage(appErr, "Please check the code and try again.")))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseEntering
	c.code = nil
	st := c.stateLocked()
	c.mu.Unlock()

	c.changed(st)
}

func (c *Challenge) editableLocked() error {
	switch {
	case c.closed || c.phase == PhaseVerified:
		return ErrClosed
	case c.phase == PhaseSubmitting:
		return ErrBusy
	}
	return nil
}

// maybeSubmitLocked moves to Submitting when the code is complete
func (c *Challenge) maybeSubmitLocked() (string, bool) {
	if c.phase != PhaseEntering || len(c.code) != c.cfg.Length {
		return "", false
	}
	c.phase = PhaseSubmitting
	return string(c.code), true
}

func (c *Challenge) lockResendLocked(d time.Duration) {
	c.secondsRemaining = int(d / time.Second)
	c.armTimerLocked()
}

func (c *Challenge) armTimerLocked() {
	c.stopTimerLocked()
	if c.secondsRemaining <= 0 {
		return
	}
	gen := c.timerGen
	c.timer = c.clock.AfterFunc(time.Second, func() { c.tick(gen) })
}

func (c *Challenge) stopTimerLocked() {
	c.timerGen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// tick runs once per second while the resend control is locked
func (c *Challenge) tick(gen int) {
	c.mu.Lock()
	if c.closed || gen != c.timerGen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	if c.secondsRemaining > 0 {
		c.secondsRemaining--
	}
	if c.secondsRemaining > 0 {
		c.timer = c.clock.AfterFunc(time.Second, func() { c.tick(gen) })
	}
	st := c.stateLocked()
	c.mu.Unlock()

	c.changed(st)
}

func (c *Challenge) changed(st State) {
	if c.onChange != nil {
		c.onChange(st)
	}
}

func (c *Challenge) logFailure(appErr *errors.AppError, msg string) {
	log := c.logger.WithField("kind", string(appErr.Kind))
	if appErr.Business() {
		log.WithField("code", appErr.Code).Info(msg)
		return
	}
	log.WithError(appErr).Warn(msg)
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func invalidCode() *errors.AppError {
	return errors.NewValidationError("Please enter a valid OTP.", map[string]string{
		validate.FieldCode: "Only digits are allowed",
	})
}
