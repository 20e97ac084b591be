// Package cli is the cyconnect terminal front-end. It stands in for the
// mobile screens: every command reconciles the session first and then drives
// the session controller and OTP challenge from the terminal.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"cyconnect/internal/container"
	"cyconnect/internal/session"
)

// ErrUsage marks a command line that could not be parsed
type ErrUsage struct {
	msg string
}

func (e *ErrUsage) Error() string { return e.msg }

func usagef(format string, args ...interface{}) error {
	return &ErrUsage{msg: fmt.Sprintf(format, args...)}
}

// IO is the terminal the commands talk to
type IO struct {
	In  io.Reader
	Out io.Writer
	// Err receives prompts and help text.
	Err io.Writer
	// PasswordFd is read with echo disabled when it is a terminal.
	PasswordFd int
}

// StdIO returns the process terminal
func StdIO() IO {
	return IO{In: os.Stdin, Out: os.Stdout, Err: os.Stderr, PasswordFd: int(os.Stdin.Fd())}
}

// App runs one command against a container
type App struct {
	c     *container.Container
	io    IO
	in    *bufio.Reader
	lines chan lineResult
}

// New creates an App
func New(c *container.Container, stdio IO) *App {
	return &App{c: c, io: stdio, in: bufio.NewReader(stdio.In)}
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string) error
}

func (a *App) commands() []command {
	return []command{
		{"status", "show the current session and route", a.status},
		{"signin", "sign in with email and password", a.signIn},
		{"signup", "create an account and verify the email", a.signUp},
		{"verify", "enter the emailed verification code", a.verify},
		{"sso", "sign in with Google, GitHub or LinkedIn", a.sso},
		{"signout", "end the session", a.signOut},
	}
}

// Run dispatches args[0] to its command
func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		a.printHelp()
		return nil
	}
	for _, cmd := range a.commands() {
		if cmd.name == args[0] {
			if err := a.initialize(ctx); err != nil {
				return err
			}
			return cmd.run(ctx, args[1:])
		}
	}
	a.printHelp()
	return usagef("unknown command %q", args[0])
}

func (a *App) initialize(ctx context.Context) error {
	if err := a.c.Session.Initialize(ctx); err != nil && err != session.ErrAlreadyInitialized {
		return err
	}
	select {
	case <-a.c.Session.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *App) printHelp() {
	fmt.Fprintln(a.io.Err, "cyconnect: campus account sign-in from the terminal")
	fmt.Fprintln(a.io.Err)
	fmt.Fprintln(a.io.Err, "Usage:")
	fmt.Fprintln(a.io.Err, "  cyconnect <command> [flags]")
	fmt.Fprintln(a.io.Err)
	fmt.Fprintln(a.io.Err, "Commands:")
	for _, cmd := range a.commands() {
		fmt.Fprintf(a.io.Err, "  %-8s %s\n", cmd.name, cmd.summary)
	}
}

// parse runs a subcommand flag set. It returns false when help was printed.
func (a *App) parse(flagSet *pflag.FlagSet, args []string) (bool, error) {
	flagSet.SetOutput(a.io.Err)
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return false, nil
		}
		return false, usagef("%s: %v", flagSet.Name(), err)
	}
	if extra := flagSet.Args(); len(extra) > 0 {
		return false, usagef("%s: unexpected argument %q", flagSet.Name(), extra[0])
	}
	return true, nil
}

// prompt asks for a value unless one was given on the command line
func (a *App) prompt(label, value string) (string, error) {
	if value != "" {
		return value, nil
	}
	fmt.Fprintf(a.io.Err, "%s: ", label)
	line, err := a.readLine()
	if err != nil {
		return "", fmt.Errorf("read %s: %w", strings.ToLower(label), err)
	}
	return strings.TrimSpace(line), nil
}

// password reads a secret with echo disabled on a terminal, or a plain line otherwise
func (a *App) password(label string) (string, error) {
	fmt.Fprintf(a.io.Err, "%s: ", label)
	if a.lines == nil && a.io.In == os.Stdin && term.IsTerminal(a.io.PasswordFd) {
		secret, err := term.ReadPassword(a.io.PasswordFd)
		fmt.Fprintln(a.io.Err)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(secret), nil
	}
	line, err := a.readLine()
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return line, nil
}

// readLine reads one line, from the background reader once it is running
func (a *App) readLine() (string, error) {
	if a.lines != nil {
		res, ok := <-a.lines
		if !ok {
			return "", io.EOF
		}
		return res.line, res.err
	}
	return readLine(a.in)
}

type lineResult struct {
	line string
	err  error
}

// lineChan starts reading input in the background so the OTP loop can
// select on it. Once started, all further input goes through the channel.
func (a *App) lineChan() <-chan lineResult {
	if a.lines == nil {
		ch := make(chan lineResult)
		a.lines = ch
		go func() {
			defer close(ch)
			for {
				line, err := readLine(a.in)
				ch <- lineResult{line: line, err: err}
				if err != nil {
					return
				}
			}
		}()
	}
	return a.lines
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err == io.EOF && line != "" {
		err = nil
	}
	return strings.TrimRight(line, "\r\n"), err
}
