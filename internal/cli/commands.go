package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"cyconnect/internal/notify"
	"cyconnect/internal/session"
	"cyconnect/internal/sso"
	"cyconnect/internal/validate"
	"cyconnect/pkg/errors"
)

func (a *App) status(_ context.Context, args []string) error {
	flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
	if ok, err := a.parse(flagSet, args); !ok {
		return err
	}

	st := a.c.Session.State()
	fmt.Fprintf(a.io.Out, "route:          %s\n", session.RouteFor(st))
	fmt.Fprintf(a.io.Out, "logged in:      %s\n", st.Snapshot.IsLoggedIn)
	fmt.Fprintf(a.io.Out, "email verified: %s\n", st.Snapshot.IsEmailVerified)
	if st.User != nil {
		fmt.Fprintf(a.io.Out, "user:           %s <%s>\n", st.User.Name, st.User.Email)
	}
	return nil
}

func (a *App) signIn(ctx context.Context, args []string) error {
	var email string
	flagSet := pflag.NewFlagSet("signin", pflag.ContinueOnError)
	flagSet.StringVarP(&email, "email", "e", "", "account email")
	if ok, err := a.parse(flagSet, args); !ok {
		return err
	}

	email, err := a.prompt("Email", email)
	if err != nil {
		return err
	}
	password, err := a.password("Password")
	if err != nil {
		return err
	}

	outcome, err := a.c.Session.SignIn(ctx, email, password)
	if err != nil {
		return err
	}
	return a.follow(ctx, outcome)
}

func (a *App) signUp(ctx context.Context, args []string) error {
	var form validate.SignUpForm
	flagSet := pflag.NewFlagSet("signup", pflag.ContinueOnError)
	flagSet.StringVarP(&form.Name, "name", "n", "", "full name")
	flagSet.StringVarP(&form.Email, "email", "e", "", "account email")
	if ok, err := a.parse(flagSet, args); !ok {
		return err
	}

	var err error
	if form.Name, err = a.prompt("Name", form.Name); err != nil {
		return err
	}
	if form.Email, err = a.prompt("Email", form.Email); err != nil {
		return err
	}
	if form.Password, err = a.password("Password"); err != nil {
		return err
	}
	if form.ConfirmPassword, err = a.password("Confirm password"); err != nil {
		return err
	}

	outcome, err := a.c.Session.SignUp(ctx, form)
	if err != nil {
		return err
	}
	return a.follow(ctx, outcome)
}

// verify resumes a verification left unfinished by an earlier run. The
// pending account is not persisted, so the email is asked for when this
// process did not start the sign-in.
func (a *App) verify(ctx context.Context, args []string) error {
	var email string
	var send bool
	flagSet := pflag.NewFlagSet("verify", pflag.ContinueOnError)
	flagSet.StringVarP(&email, "email", "e", "", "email waiting for verification")
	flagSet.BoolVar(&send, "send", false, "request a fresh code first")
	if ok, err := a.parse(flagSet, args); !ok {
		return err
	}

	if st := a.c.Session.State(); st.LoggedIn() {
		fmt.Fprintln(a.io.Out, "Already signed in and verified.")
		return nil
	}
	if user := a.c.Session.User(); user != nil && email == "" {
		email = user.Email
	}
	email, err := a.prompt("Email", email)
	if err != nil {
		return err
	}
	if msg := validate.Email(email); msg != "" {
		return usagef("verify: %s", msg)
	}

	if send {
		if err := a.c.Provider.SendVerificationCode(ctx, email); err != nil {
			a.c.Notifier.Notify(notify.Error("Resend Failed",
				errors.UserMessage(err, "Failed to resend OTP. Please try again later.")))
			return err
		}
		fmt.Fprintf(a.io.Out, "A new code was sent to %s.\n", email)
	}
	return a.runChallenge(ctx, email)
}

func (a *App) sso(ctx context.Context, args []string) error {
	var name string
	var timeout time.Duration
	flagSet := pflag.NewFlagSet("sso", pflag.ContinueOnError)
	flagSet.StringVarP(&name, "provider", "p", "", "google, github or linkedin")
	flagSet.DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for the browser")
	if ok, err := a.parse(flagSet, args); !ok {
		return err
	}

	enabled := a.c.SSO.Enabled()
	if len(enabled) == 0 {
		return usagef("sso: no social providers are configured")
	}
	if name == "" {
		if len(enabled) > 1 {
			return usagef("sso: choose a provider with --provider (%v)", enabled)
		}
		name = string(enabled[0])
	}

	flow, err := a.c.SSO.Start(sso.Provider(name))
	if err != nil {
		return usagef("%v", err)
	}
	receiver, err := sso.Listen(a.c.SSO.RedirectURL(), a.c.Logger)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.io.Out, "Open this link to continue with %s:\n\n  %s\n\n", flow.Provider(), flow.AuthCodeURL())

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	callback, err := receiver.Wait(waitCtx)
	if err != nil {
		return fmt.Errorf("waiting for %s: %w", flow.Provider(), err)
	}

	token, err := flow.Exchange(ctx, callback)
	if err != nil {
		return err
	}
	outcome, err := a.c.Session.SignInWithIDToken(ctx, string(flow.Provider()), token)
	if err != nil {
		return err
	}
	return a.follow(ctx, outcome)
}

func (a *App) signOut(ctx context.Context, args []string) error {
	flagSet := pflag.NewFlagSet("signout", pflag.ContinueOnError)
	if ok, err := a.parse(flagSet, args); !ok {
		return err
	}
	if err := a.c.Session.SignOut(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.io.Out, "Signed out.")
	return nil
}

// follow continues after a successful credential step
func (a *App) follow(ctx context.Context, outcome session.Outcome) error {
	switch outcome.Next {
	case session.NextVerified:
		fmt.Fprintf(a.io.Out, "Welcome, %s.\n", displayName(outcome.User.Name, outcome.User.Email))
		return nil
	case session.NextVerifyEmail:
		return a.runChallenge(ctx, outcome.User.Email)
	default:
		return fmt.Errorf("unexpected next step %s", outcome.Next)
	}
}

func displayName(name, email string) string {
	if name != "" {
		return name
	}
	return email
}
