package sso

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"cyconnect/pkg/logger"
)

const callbackPage = `<!doctype html><title>cyconnect</title><p>Sign-in finished. You can close this window and return to the terminal.</p>`

// Receiver serves the loopback redirect URL until the provider calls back
type Receiver struct {
	listener net.Listener
	server   *http.Server
	path     string
	result   chan url.Values
	logger   *logger.Logger
}

// Listen binds the host and path of redirectURL. Only http loopback
// redirect URLs can be received locally.
func Listen(redirectURL string, log *logger.Logger) (*Receiver, error) {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return nil, fmt.Errorf("sso: parse redirect URL: %w", err)
	}
	if u.Scheme != "http" {
		return nil, fmt.Errorf("sso: redirect URL %q is not an http loopback address", redirectURL)
	}
	host := u.Hostname()
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return nil, fmt.Errorf("sso: redirect host %q is not a loopback address", host)
	}

	listener, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("sso: listen on %s: %w", u.Host, err)
	}

	path := u.Path
	if path == "" {
		path = "/"
	}

	r := &Receiver{
		listener: listener,
		path:     path,
		result:   make(chan url.Values, 1),
		logger:   log.Named("sso"),
	}

	router := chi.NewRouter()
	router.Get(path, r.handleCallback)
	r.server = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := r.server.Serve(listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			r.logger.WithError(err).Error("Callback server stopped")
		}
	}()
	return r, nil
}

// Addr is the bound address
func (r *Receiver) Addr() string {
	return r.listener.Addr().String()
}

func (r *Receiver) handleCallback(w http.ResponseWriter, req *http.Request) {
	select {
	case r.result <- req.URL.Query():
		r.logger.Debug("OAuth callback received")
	default:
		// Only the first callback counts.
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(callbackPage))
}

// Wait blocks until the callback arrives or ctx ends, then shuts the server down
func (r *Receiver) Wait(ctx context.Context) (url.Values, error) {
	defer r.Close()

	select {
	case values := <-r.result:
		return values, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the server
func (r *Receiver) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.server.Shutdown(ctx)
}
