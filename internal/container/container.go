package container

import (
	"fmt"

	"cyconnect/internal/config"
	"cyconnect/internal/notify"
	"cyconnect/internal/otp"
	"cyconnect/internal/provider"
	"cyconnect/internal/session"
	"cyconnect/internal/sso"
	"cyconnect/internal/store"
	"cyconnect/pkg/clock"
	"cyconnect/pkg/logger"
	"cyconnect/pkg/redis"
)

// Container holds all application dependencies
type Container struct {
	Config      *config.Config
	Logger      *logger.Logger
	RedisClient *redis.Client
	Store       *store.AuthStore
	Provider    *provider.HTTPClient
	Notifier    notify.Notifier
	Session     *session.Controller
	SSO         *sso.Registry
	Clock       clock.Clock

	kv store.KV
}

// New creates a new dependency injection container. The session controller
// is created but not initialized.
func New(cfg *config.Config, log *logger.Logger, notifier notify.Notifier) (*Container, error) {
	if notifier == nil {
		notifier = notify.NewLog(log)
	}

	c := &Container{
		Config:   cfg,
		Logger:   log,
		Notifier: notifier,
		SSO:      sso.FromConfig(cfg.SSO),
		Clock:    clock.Real(),
	}

	kv, err := c.openBackend()
	if err != nil {
		return nil, err
	}
	c.kv = kv
	c.Store = store.New(kv)

	c.Provider, err = provider.NewHTTPClient(provider.Options{
		BaseURL:  cfg.ProviderURL,
		BasePath: cfg.ProviderPath,
		Timeout:  cfg.RequestTimeout,
	}, c.Store, log)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("create provider client: %w", err)
	}

	c.Session, err = session.New(session.Deps{
		Store:          c.Store,
		Provider:       c.Provider,
		Notifier:       notifier,
		Logger:         log,
		RequestTimeout: cfg.RequestTimeout,
	})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("create session controller: %w", err)
	}

	log.WithFields(map[string]interface{}{
		"store":        cfg.Store,
		"provider_url": cfg.ProviderURL,
		"sso":          c.SSO.Enabled(),
	}).Debug("Container initialized")
	return c, nil
}

func (c *Container) openBackend() (store.KV, error) {
	switch c.Config.Store {
	case config.StoreMemory:
		return store.NewMemory(), nil
	case config.StoreRedis:
		client, err := redis.NewClient(c.Config.RedisURL, c.Config.Environment, c.Config.StoragePrefix, c.Logger.Named("redis").Logger)
		if err != nil {
			return nil, fmt.Errorf("connect redis store: %w", err)
		}
		c.RedisClient = client
		return store.NewRedis(client), nil
	default:
		kv, err := store.OpenSQLite(c.Config.StorePath, c.Config.StoragePrefix)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return kv, nil
	}
}

// NewChallenge starts an OTP challenge for email wired to the session
// controller. The caller must Dispose it.
func (c *Container) NewChallenge(email string, onChange func(otp.State)) (*otp.Challenge, error) {
	return otp.New(otp.Config{
		Length:          c.Config.OTP.Length,
		InitialCooldown: c.Config.OTP.InitialCooldown,
		ResendCooldown:  c.Config.OTP.ResendCooldown,
		VerifyTimeout:   c.Config.RequestTimeout,
	}, otp.Deps{
		Email:    email,
		Provider: c.Provider,
		Session:  c.Session,
		Notifier: c.Notifier,
		Clock:    c.Clock,
		Logger:   c.Logger,
		OnChange: onChange,
	})
}

// Close releases the storage backend
func (c *Container) Close() error {
	if c.kv == nil {
		return nil
	}
	err := c.kv.Close()
	c.kv = nil
	if err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}
