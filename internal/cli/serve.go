// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// serve.go - HTTP API command for rigrun-chat.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jeranaias/rigrun-chat/internal/config"
	"github.com/jeranaias/rigrun-chat/internal/server"
)

// serverShutdownTimeout bounds graceful shutdown of open requests.
const serverShutdownTimeout = 10 * time.Second

// runServe runs the HTTP API until SIGINT or SIGTERM. Edits to the config
// file swap the endpoint, key and model without a restart.
func runServe(ctx context.Context, app *App, args Args, errOut io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := app.Config.Server
	if args.Addr != "" {
		cfg.Addr = args.Addr
	}

	srv := server.New(cfg, app.Runner).
		WithLogger(app.Logger).
		WithRenderer(app.Renderer).
		WithUsage(app.Usage).
		WithVersion(Version)

	go watchConfig(ctx, app, args)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	fmt.Fprintf(errOut, "%s %s (model %s)\n", SuccessStyle.Render("Serving on"), cfg.Addr, app.Runner.Model())
	fmt.Fprintln(errOut, DimStyle.Render("Press Ctrl+C to stop."))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	app.Logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return <-errCh
}

// watchConfig reconfigures the completion client whenever the config file
// changes. Flag overrides keep their precedence over the file.
func watchConfig(ctx context.Context, app *App, args Args) {
	err := config.Watch(ctx, app.ConfigPath, app.Logger, func(c *config.Config) {
		modelName := c.API.Model
		if args.Model != "" {
			modelName = args.Model
		}
		app.Client.Reconfigure(c.API.URL, c.API.Key, modelName)
		app.Logger.Info("completion endpoint reconfigured", "model", modelName)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		app.Logger.Warn("config watch stopped", "path", app.ConfigPath, "error", err)
	}
}
