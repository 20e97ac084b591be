// Package devprovider is a small identity provider speaking the same REST
// dialect as the production one, for local development and end-to-end tests.
// Accounts live in memory; codes, rate limits and revocations live in redis.
package devprovider

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"cyconnect/internal/middleware"
	"cyconnect/internal/provider"
	"cyconnect/pkg/logger"
	"cyconnect/pkg/redis"
)

// Mailer delivers verification codes
type Mailer interface {
	SendCode(ctx context.Context, email, code string) error
}

// LogMailer writes codes to the log instead of sending mail
type LogMailer struct {
	Logger *logger.Logger
}

// SendCode implements Mailer
func (m LogMailer) SendCode(_ context.Context, email, code string) error {
	m.Logger.WithFields(map[string]interface{}{
		"email": email,
		"code":  code,
	}).Info("Verification code issued")
	return nil
}

// Options configures a Server
type Options struct {
	BasePath    string
	JWTSecret   string
	SessionTTL  time.Duration
	Codes       CodePolicy
	BcryptCost  int
	CORS        *middleware.CORSConfig
	Mailer      Mailer
	RedisClient *redis.Client
}

// Server is the development identity provider
type Server struct {
	basePath string
	accounts *Accounts
	codes    *Codes
	tokens   *Tokens
	mailer   Mailer
	cors     *middleware.CORSConfig
	logger   *logger.Logger
}

// New creates a Server. Options.RedisClient is required.
func New(opts Options, log *logger.Logger) *Server {
	log = log.Named("devprovider")
	mailer := opts.Mailer
	if mailer == nil {
		mailer = LogMailer{Logger: log}
	}
	basePath := "/" + strings.Trim(opts.BasePath, "/")

	return &Server{
		basePath: basePath,
		accounts: NewAccounts(opts.BcryptCost),
		codes:    NewCodes(opts.RedisClient, opts.Codes),
		tokens:   NewTokens(opts.JWTSecret, opts.SessionTTL, opts.RedisClient),
		mailer:   mailer,
		cors:     opts.CORS,
		logger:   log,
	}
}

// Accounts exposes the user table, e.g. for seeding
func (s *Server) Accounts() *Accounts {
	return s.accounts
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(s.cors, s.logger))

	r.Get("/health", s.health)

	r.Route(s.basePath, func(r chi.Router) {
		r.Get(provider.PathGetSession, s.getSession)
		r.Post(provider.PathSignInEmail, s.signInEmail)
		r.Post(provider.PathSignUpEmail, s.signUpEmail)
		r.Post(provider.PathSignInSocial, s.signInSocial)
		r.Post(provider.PathSendOTP, s.sendVerificationOTP)
		r.Post(provider.PathVerifyEmail, s.verifyEmail)
		r.Post(provider.PathSignOut, s.signOut)
	})

	return r
}
