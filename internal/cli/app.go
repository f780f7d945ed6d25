// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// app.go - Wiring of configuration, logging, storage and the chat runner.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/rigrun-chat/internal/chat"
	"github.com/jeranaias/rigrun-chat/internal/cloud"
	"github.com/jeranaias/rigrun-chat/internal/config"
	"github.com/jeranaias/rigrun-chat/internal/model"
	"github.com/jeranaias/rigrun-chat/internal/render"
	"github.com/jeranaias/rigrun-chat/internal/session"
	"github.com/jeranaias/rigrun-chat/internal/storage"
	"github.com/jeranaias/rigrun-chat/internal/telemetry"
)

// shutdownTimeout bounds the final telemetry flush.
const shutdownTimeout = 5 * time.Second

// AppOptions controls how NewApp sets up logging.
type AppOptions struct {
	// Console also writes log records to ConsoleOut. Interactive commands
	// log to the file only so records never interleave with replies.
	Console    bool
	ConsoleOut io.Writer
}

// App holds the components shared by every command that touches chat state.
type App struct {
	Config     *config.Config
	ConfigPath string
	Logger     *slog.Logger
	Telemetry  *telemetry.Provider
	Backend    storage.Backend
	Store      *session.Store
	Client     *cloud.Client
	Runner     *chat.Runner
	Usage      *telemetry.UsageTracker
	Renderer   *render.Renderer

	// LoadErr is the error from restoring saved state, if any. The store
	// is usable either way.
	LoadErr error

	closers []func() error
}

// NewApp loads configuration, applies flag overrides and builds the chat
// stack: logger, telemetry, storage backend, session store, completion
// client and runner.
func NewApp(ctx context.Context, args Args, opts AppOptions) (app *App, err error) {
	cfgPath, err := resolveConfigPath(args.ConfigPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := applyOverrides(cfg, args); err != nil {
		return nil, err
	}

	app = &App{Config: cfg, ConfigPath: cfgPath}
	defer func() {
		if err != nil {
			app.Close()
			app = nil
		}
	}()

	dataDir, err := cfg.DataDir()
	if err != nil {
		return app, err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return app, fmt.Errorf("failed to create data directory: %w", err)
	}

	logCfg := cfg.Log
	logCfg.File = cfg.LogFile()
	var console io.Writer
	if opts.Console {
		console = opts.ConsoleOut
	}
	logger, closeLog, err := telemetry.NewLogger(logCfg, console)
	if err != nil {
		return app, err
	}
	app.Logger = logger
	app.closers = append(app.closers, closeLog)

	prov, err := telemetry.Setup(ctx, cfg.Telemetry, cfg.MetricsFile(), Version)
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
		prov = telemetry.Noop()
	}
	app.Telemetry = prov
	app.closers = append(app.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return prov.Shutdown(ctx)
	})
	metrics, err := telemetry.NewMetrics(prov.Meter)
	if err != nil {
		return app, err
	}

	backend, err := storage.Open(cfg.Storage.Backend, dataDir)
	if err != nil {
		return app, err
	}
	app.Backend = backend
	app.closers = append(app.closers, backend.Close)

	app.Store = session.NewStore(session.Config{
		Persister:        backend,
		FragmentSaveRate: rate.Limit(cfg.Storage.SaveRate),
		Logger:           logger.With("component", "session"),
	})
	if err := app.Store.Load(ctx); err != nil {
		logger.Warn("failed to restore chat state", "backend", cfg.Storage.Backend, "error", err)
		app.LoadErr = err
	}

	timeout := time.Duration(cfg.API.RequestTimeoutSecs) * time.Second
	app.Client = cloud.NewClient(cfg.API.URL, cfg.API.Key).
		WithModel(cfg.API.Model).
		WithHTTPClient(cloud.NewStreamingHTTPClient(timeout)).
		WithLogger(logger.With("component", "cloud")).
		WithRecorder(metrics)

	app.Usage = telemetry.NewUsageTracker()
	app.Renderer = render.New(logger.With("component", "render"))
	app.Runner = chat.NewRunner(chat.Config{
		Store:  app.Store,
		Client: app.Client,
		Logger: logger.With("component", "chat"),
		Tracer: prov.Tracer,
		Usage:  app.Usage,
	})

	logger.Debug("app ready",
		"config", cfgPath,
		"backend", cfg.Storage.Backend,
		"data_dir", dataDir,
		"model", cfg.API.Model,
		"sessions", len(app.Store.Sessions()),
	)
	return app, nil
}

// Close cancels any in-flight exchange and releases storage, telemetry and
// the log file, in reverse order of creation.
func (a *App) Close() error {
	if a.Runner != nil {
		a.Runner.Cancel()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// resolveConfigPath returns path, or the default config location.
func resolveConfigPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	return config.Path()
}

// applyOverrides applies global flags on top of the loaded config.
func applyOverrides(cfg *config.Config, args Args) error {
	if args.Storage != "" {
		cfg.Storage.Backend = args.Storage
	}
	if args.LogLevel != "" {
		cfg.Log.Level = args.LogLevel
	}
	if args.Model != "" {
		cfg.API.Model = args.Model
	}
	cfg.SetDefaults()
	return cfg.Validate()
}

// resolveSession finds a session by list number (1 = newest), exact id or
// unique id prefix. An empty ref means the current session.
func resolveSession(store *session.Store, ref string) (model.ChatSession, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		sess, ok := store.CurrentSession()
		if !ok {
			return model.ChatSession{}, session.ErrNoSession
		}
		return sess, nil
	}

	sessions := store.Sessions()
	for _, sess := range sessions {
		if sess.ID == ref {
			return sess, nil
		}
	}
	if n, err := strconv.Atoi(ref); err == nil {
		if n >= 1 && n <= len(sessions) {
			return sessions[n-1], nil
		}
		return model.ChatSession{}, ErrNotFound("session", ref)
	}

	var match *model.ChatSession
	for i := range sessions {
		if strings.HasPrefix(sessions[i].ID, ref) {
			if match != nil {
				return model.ChatSession{}, NewValidationError("session", ref, "id prefix matches more than one session")
			}
			match = &sessions[i]
		}
	}
	if match == nil {
		return model.ChatSession{}, ErrNotFound("session", ref)
	}
	return *match, nil
}
