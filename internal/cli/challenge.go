package cli

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"

	"cyconnect/internal/otp"
	"cyconnect/pkg/errors"
)

// ErrNotVerified is returned when the user leaves the code prompt unverified
var ErrNotVerified = stderrors.New("email not verified")

// runChallenge reads codes from the terminal until the email is verified,
// the user quits or input ends
func (a *App) runChallenge(ctx context.Context, email string) error {
	changes := make(chan otp.State, 1)
	var mu sync.Mutex
	announced := false

	challenge, err := a.c.NewChallenge(email, func(st otp.State) {
		mu.Lock()
		switch {
		case st.ResendEnabled && !announced:
			announced = true
			fmt.Fprintln(a.io.Err, "You can request a new code now (type r).")
		case !st.ResendEnabled:
			announced = false
		}
		mu.Unlock()

		// Only a wake-up is needed; the loop reads the live state.
		select {
		case changes <- st:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer challenge.Dispose()

	length := a.c.Config.OTP.Length
	fmt.Fprintf(a.io.Err, "Enter the %d-digit code sent to %s. Type r to resend, q to quit.\n", length, email)

	lines := a.lineChan()
	inputClosed := false
	for {
		select {
		case <-challenge.Done():
			user := challenge.Result()
			if user == nil {
				return ErrNotVerified
			}
			fmt.Fprintf(a.io.Out, "Welcome, %s.\n", displayName(user.Name, user.Email))
			return nil

		case <-ctx.Done():
			return ctx.Err()

		case <-changes:
			// With no more input, a failed attempt ends the prompt.
			if inputClosed && challenge.State().Phase == otp.PhaseEntering {
				return ErrNotVerified
			}

		case res, ok := <-lines:
			if !ok || res.err != nil {
				lines = nil
				inputClosed = true
				if challenge.State().Phase != otp.PhaseSubmitting {
					return ErrNotVerified
				}
				continue
			}
			if done := a.handleCodeInput(ctx, challenge, strings.TrimSpace(res.line)); done {
				return ErrNotVerified
			}
		}
	}
}

// handleCodeInput applies one line of input. It reports whether the user quit.
func (a *App) handleCodeInput(ctx context.Context, challenge *otp.Challenge, input string) bool {
	switch strings.ToLower(input) {
	case "":
		return false
	case "q", "quit":
		return true
	case "r", "resend":
		err := challenge.Resend(ctx)
		if stderrors.Is(err, otp.ErrResendLocked) {
			fmt.Fprintf(a.io.Err, "You can resend in %ds.\n", challenge.State().SecondsRemaining)
		}
		// Other outcomes are reported through the notifier.
		return false
	}

	err := challenge.Paste(input)
	switch {
	case err == nil:
		if st := challenge.State(); st.Phase == otp.PhaseEntering && !st.CanSubmit {
			fmt.Fprintf(a.io.Err, "Enter all %d digits.\n", a.c.Config.OTP.Length)
		}
	case stderrors.Is(err, otp.ErrBusy):
		fmt.Fprintln(a.io.Err, "Still checking the previous code.")
	default:
		fmt.Fprintln(a.io.Err, errors.UserMessage(err, "Please check the code and try again."))
	}
	return false
}
