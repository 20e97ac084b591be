package cli

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"cyconnect/internal/config"
	"cyconnect/internal/container"
	"cyconnect/internal/devprovider"
	"cyconnect/internal/notify"
	"cyconnect/pkg/clock"
	"cyconnect/pkg/errors"
	"cyconnect/pkg/logger"
	"cyconnect/pkg/redis"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type mailbox struct {
	mu    sync.Mutex
	codes map[string]string
}

func (m *mailbox) SendCode(_ context.Context, email, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.codes == nil {
		m.codes = make(map[string]string)
	}
	m.codes[email] = code
	return nil
}

func (m *mailbox) code(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[email]
}

type harness struct {
	dev   *devprovider.Server
	mail  *mailbox
	c     *container.Container
	notes *notify.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client, err := redis.NewClient("redis://"+mr.Addr(), "test", "cyconnect", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	mail := &mailbox{}
	dev := devprovider.New(devprovider.Options{
		BasePath:    "/api/auth",
		JWTSecret:   "test-secret",
		SessionTTL:  time.Hour,
		Codes:       devprovider.CodePolicy{Length: 6, TTL: 5 * time.Minute, SendLimit: 10, MaxAttempts: 5},
		BcryptCost:  bcrypt.MinCost,
		Mailer:      mail,
		RedisClient: client,
	}, logger.NewNop())
	server := httptest.NewServer(dev.Handler())
	t.Cleanup(server.Close)

	notes := &notify.Recorder{}
	c, err := container.New(&config.Config{
		ProviderURL:    server.URL,
		ProviderPath:   "/api/auth",
		RequestTimeout: 2 * time.Second,
		StoragePrefix:  "cyconnect",
		Store:          config.StoreMemory,
		Environment:    "test",
		OTP:            config.OTP{Length: 6, InitialCooldown: 30 * time.Second, ResendCooldown: 60 * time.Second},
	}, logger.NewNop(), notes)
	require.NoError(t, err)
	c.Clock = clock.NewFake(time.Now())
	t.Cleanup(func() { _ = c.Close() })

	return &harness{dev: dev, mail: mail, c: c, notes: notes}
}

type cmdRun struct {
	input  *io.PipeWriter
	out    *syncBuffer
	errOut *syncBuffer
	result chan error
}

// start runs a command with input fed line by line through a pipe
func (h *harness) start(t *testing.T, args ...string) *cmdRun {
	t.Helper()

	reader, writer := io.Pipe()
	s := &cmdRun{input: writer, out: &syncBuffer{}, errOut: &syncBuffer{}, result: make(chan error, 1)}
	app := New(h.c, IO{In: reader, Out: s.out, Err: s.errOut, PasswordFd: -1})
	go func() { s.result <- app.Run(context.Background(), args) }()
	t.Cleanup(func() { _ = writer.Close() })
	return s
}

func (s *cmdRun) send(t *testing.T, lines ...string) {
	t.Helper()
	for _, line := range lines {
		_, err := io.WriteString(s.input, line+"\n")
		require.NoError(t, err)
	}
}

func (s *cmdRun) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("command did not finish")
		return nil
	}
}

func (h *harness) titles() []string {
	var out []string
	for _, n := range h.notes.All() {
		out = append(out, n.Title)
	}
	return out
}

func TestSignUpThenVerify(t *testing.T) {
	h := newHarness(t)

	s := h.start(t, "signup", "--name", "Ama Mensah", "--email", "ama@example.com")
	s.send(t, "secret123", "secret123")

	require.Eventually(t, func() bool { return h.mail.code("ama@example.com") != "" }, 2*time.Second, 10*time.Millisecond)
	s.send(t, h.mail.code("ama@example.com"))

	require.NoError(t, s.wait(t))
	assert.Contains(t, s.out.String(), "Welcome, Ama Mensah.")
	assert.Equal(t, []string{"OTP Sent", "Verification Successful"}, h.titles())

	status := h.start(t, "status")
	require.NoError(t, status.wait(t))
	assert.Contains(t, status.out.String(), "route:          home")
	assert.Contains(t, status.out.String(), "ama@example.com")
}

func TestSignIn(t *testing.T) {
	h := newHarness(t)
	_, err := h.dev.Accounts().Create("Kofi", "kofi@example.com", "secret123")
	require.NoError(t, err)
	_, err = h.dev.Accounts().MarkVerified("kofi@example.com")
	require.NoError(t, err)

	t.Run("wrong password", func(t *testing.T) {
		s := h.start(t, "signin")
		s.send(t, "kofi@example.com", "not-the-password")

		err := s.wait(t)
		require.Error(t, err)
		assert.Equal(t, errors.KindInvalidCredentials, errors.KindOf(err))
		last, ok := h.notes.Last()
		require.True(t, ok)
		assert.Equal(t, "Sign In Failed", last.Title)
	})

	t.Run("form validation happens before the network", func(t *testing.T) {
		s := h.start(t, "signin", "-e", "not-an-email")
		s.send(t, "secret123")

		err := s.wait(t)
		assert.Equal(t, errors.KindValidation, errors.KindOf(err))
	})

	t.Run("verified account", func(t *testing.T) {
		s := h.start(t, "signin", "--email", "kofi@example.com")
		s.send(t, "secret123")

		require.NoError(t, s.wait(t))
		assert.Contains(t, s.out.String(), "Welcome, Kofi.")
		assert.True(t, h.c.Session.State().LoggedIn())
	})

	t.Run("sign out", func(t *testing.T) {
		s := h.start(t, "signout")
		require.NoError(t, s.wait(t))
		assert.Contains(t, s.out.String(), "Signed out.")
		assert.False(t, h.c.Session.State().LoggedIn())
	})
}

func TestVerify(t *testing.T) {
	t.Run("quit leaves the account unverified", func(t *testing.T) {
		h := newHarness(t)
		s := h.start(t, "verify", "--email", "ama@example.com")
		s.send(t, "q")

		assert.ErrorIs(t, s.wait(t), ErrNotVerified)
		assert.False(t, h.c.Session.State().LoggedIn())
	})

	t.Run("wrong code then end of input", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.dev.Accounts().Create("Ama", "ama@example.com", "secret123")
		require.NoError(t, err)

		s := h.start(t, "verify", "--email", "ama@example.com", "--send")
		require.Eventually(t, func() bool { return h.mail.code("ama@example.com") != "" }, 2*time.Second, 10*time.Millisecond)
		s.send(t, "12345x")
		s.send(t, "000000")
		require.NoError(t, s.input.Close())

		err = s.wait(t)
		if h.mail.code("ama@example.com") == "000000" {
			t.Skip("generated code collided with the wrong guess")
		}
		assert.ErrorIs(t, err, ErrNotVerified)
		assert.Contains(t, h.titles(), "Verification Failed")
		assert.Contains(t, s.errOut.String(), "Please enter a valid")
	})

	t.Run("resend is locked at first", func(t *testing.T) {
		h := newHarness(t)
		s := h.start(t, "verify", "--email", "ama@example.com")
		s.send(t, "r", "q")

		assert.ErrorIs(t, s.wait(t), ErrNotVerified)
		assert.Contains(t, s.errOut.String(), "You can resend in 30s.")
	})
}

func TestRun_UsageErrors(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown command", args: []string{"launch"}},
		{name: "unknown flag", args: []string{"status", "--verbose"}},
		{name: "stray argument", args: []string{"signout", "now"}},
		{name: "no social providers", args: []string{"sso"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := h.start(t, tt.args...)
			var usage *ErrUsage
			assert.ErrorAs(t, s.wait(t), &usage)
		})
	}
}

func TestRun_Help(t *testing.T) {
	h := newHarness(t)
	s := h.start(t)
	require.NoError(t, s.wait(t))
	assert.Contains(t, s.errOut.String(), "signup")
	assert.Contains(t, s.errOut.String(), "verify")
}
