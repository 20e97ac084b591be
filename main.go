// Command cyconnect signs in to the campus community app from a terminal.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cyconnect/internal/cli"
	"cyconnect/internal/config"
	"cyconnect/internal/container"
	"cyconnect/internal/notify"
	"cyconnect/pkg/errors"
	"cyconnect/pkg/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	notifier := notify.Multi{notify.NewTerminal(os.Stdout), notify.NewLog(log)}
	c, err := container.New(cfg, log, notifier)
	if err != nil {
		log.WithError(err).Error("Failed to create container")
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.WithError(err).Warn("Failed to close store")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = cli.New(c, cli.StdIO()).Run(ctx, os.Args[1:])
	if err == nil {
		return 0
	}

	var usage *cli.ErrUsage
	var appErr *errors.AppError
	switch {
	case stderrors.As(err, &usage):
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	case stderrors.As(err, &appErr):
		// Already shown through the notifier when the controller raised an alert.
		if appErr.Kind == errors.KindValidation {
			fmt.Fprintf(os.Stderr, "error: %s\n", appErr.Message)
		}
		return 1
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
}
