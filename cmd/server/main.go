// Package main is the entry point for the front-desk impagos server.
//
// The main package stays minimal: read configuration, build the logger and
// the App, then hand over to internal/server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/sakif/frontdesk/internal/app"
	"github.com/sakif/frontdesk/internal/config"
	"github.com/sakif/frontdesk/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// === 1. CONFIGURATION ===
	// .env in the working directory is optional; real environment wins.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// === 2. LOGGING ===
	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	// === 3. DEPENDENCIES ===
	// Ledger, lock and event publisher. The broker is optional; the ledger
	// and the lock backend are not.
	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to initialise", slog.String("error", err.Error()))
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("closing dependencies", slog.String("error", err.Error()))
		}
	}()

	// === 4. SERVE ===
	srv, err := server.New(a)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		return err
	}
	return srv.Start()
}
