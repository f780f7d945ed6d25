// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/jeranaias/rigrun-chat/internal/cloud"
	"github.com/jeranaias/rigrun-chat/internal/model"
	"github.com/jeranaias/rigrun-chat/internal/session"
	"github.com/jeranaias/rigrun-chat/internal/telemetry"
)

var (
	// ErrCancelled is returned by Exchange.Run when the exchange was cancelled.
	ErrCancelled = errors.New("chat: exchange cancelled")

	// ErrSessionRemoved is returned by Exchange.Run when the session owning the
	// exchange was deleted or cleared while the reply streamed.
	ErrSessionRemoved = errors.New("chat: session removed while streaming")
)

// Completer opens completion streams. *cloud.Client satisfies it.
type Completer interface {
	StreamCompletion(ctx context.Context, history []model.Message) (*cloud.Stream, error)
	Model() string
}

// Config configures a Runner.
type Config struct {
	Store  *session.Store
	Client Completer

	// Logger (default: slog.Default())
	Logger *slog.Logger
	// Tracer wraps each exchange in a span (default: no-op)
	Tracer trace.Tracer
	// Usage receives one record per exchange (optional)
	Usage *telemetry.UsageTracker
}

// Runner drives request/response exchanges against the session store.
// At most one exchange is in flight at a time; the store enforces this.
type Runner struct {
	store  *session.Store
	client Completer
	logger *slog.Logger
	tracer trace.Tracer
	usage  *telemetry.UsageTracker
	cancel *cancelManager
}

// NewRunner creates a Runner.
func NewRunner(cfg Config) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracenoop.NewTracerProvider().Tracer("chat")
	}
	return &Runner{
		store:  cfg.Store,
		client: cfg.Client,
		logger: cfg.Logger,
		tracer: cfg.Tracer,
		usage:  cfg.Usage,
		cancel: newCancelManager(),
	}
}

// Store returns the session store the runner mutates.
func (r *Runner) Store() *session.Store {
	return r.store
}

// Model returns the model name sent with completion requests.
func (r *Runner) Model() string {
	return r.client.Model()
}

// Busy reports whether an exchange is in flight.
func (r *Runner) Busy() bool {
	return r.store.IsStreaming()
}

// Cancel stops the in-flight exchange, if any. Content received so far is
// kept. It reports whether an exchange was cancelled.
func (r *Runner) Cancel() bool {
	return r.cancel.fire()
}

// Start appends the user message, opens the completion stream and returns
// the exchange to drain. When the stream cannot be opened the store returns
// to idle and the error is returned unchanged.
func (r *Runner) Start(ctx context.Context, content string) (*Exchange, error) {
	turn, history, err := r.store.BeginTurn(content)
	if err != nil {
		return nil, err
	}

	ctx, span := r.tracer.Start(ctx, "chat.exchange", trace.WithAttributes(
		attribute.String("session.id", turn.SessionID),
		attribute.Int("history.length", len(history)),
		attribute.String("model", r.client.Model()),
	))
	start := time.Now()

	stream, err := r.client.StreamCompletion(ctx, history)
	if err != nil {
		r.store.EndStream(turn)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		r.logger.Warn("completion request failed", "session", turn.SessionID, "error", err)
		r.record(turn, telemetry.OutcomeFailed, cloud.StreamStats{Total: time.Since(start)})
		return nil, err
	}

	ex := &Exchange{
		runner: r,
		ctx:    ctx,
		turn:   turn,
		stream: stream,
		span:   span,
	}
	r.cancel.set(ex, func() {
		ex.cancelled.Store(true)
		stream.Close()
	})
	r.logger.Debug("exchange started", "session", turn.SessionID, "history", len(history))
	return ex, nil
}

// Submit runs a full exchange: Start followed by Run.
func (r *Runner) Submit(ctx context.Context, content string, onFragment func(string) error) (string, error) {
	ex, err := r.Start(ctx, content)
	if err != nil {
		return "", err
	}
	return ex.Run(onFragment)
}

func (r *Runner) record(turn session.Turn, outcome telemetry.Outcome, stats cloud.StreamStats) {
	if r.usage == nil {
		return
	}
	r.usage.Record(telemetry.ExchangeRecord{
		SessionID:     turn.SessionID,
		Model:         r.client.Model(),
		Outcome:       outcome,
		Fragments:     stats.Fragments,
		Bytes:         stats.Bytes,
		ParseErrors:   stats.ParseErrors,
		FirstFragment: stats.FirstFragment,
		Duration:      stats.Total,
	})
}

// =============================================================================
// EXCHANGE
// =============================================================================

// Exchange is one in-flight assistant reply.
type Exchange struct {
	runner    *Runner
	ctx       context.Context
	turn      session.Turn
	stream    *cloud.Stream
	span      trace.Span
	cancelled atomic.Bool
	ran       atomic.Bool
}

// SessionID returns the session the reply is written to.
func (e *Exchange) SessionID() string {
	return e.turn.SessionID
}

// Run drains the stream into the store, calling onFragment (which may be
// nil) after each applied fragment. It returns the text received.
//
// The store always returns to idle when Run returns. Partial content is
// kept on failure; nothing is rolled back or retried. Run may be called
// once.
func (e *Exchange) Run(onFragment func(string) error) (string, error) {
	if !e.ran.CompareAndSwap(false, true) {
		return "", errors.New("chat: exchange already run")
	}

	r := e.runner
	var reply strings.Builder
	var runErr error

	for frag := range e.stream.Fragments() {
		if !r.store.AppendFragment(e.turn, frag) {
			runErr = ErrSessionRemoved
			e.stream.Close()
			break
		}
		reply.WriteString(frag)
		if onFragment != nil {
			if err := onFragment(frag); err != nil {
				runErr = err
				e.stream.Close()
				break
			}
		}
	}
	e.stream.Close()

	r.store.EndStream(e.turn)
	r.cancel.release(e)

	streamErr := e.stream.Err()
	outcome := telemetry.OutcomeCompleted
	switch {
	case runErr != nil:
		outcome = telemetry.OutcomeFailed
		if errors.Is(runErr, ErrSessionRemoved) {
			outcome = telemetry.OutcomeCancelled
		}
	case streamErr != nil && (e.cancelled.Load() || e.ctx.Err() != nil):
		outcome = telemetry.OutcomeCancelled
		runErr = ErrCancelled
	case streamErr != nil:
		outcome = telemetry.OutcomeFailed
		runErr = streamErr
	}

	stats := e.stream.Stats()
	e.span.SetAttributes(
		attribute.Int("stream.fragments", stats.Fragments),
		attribute.Int("stream.bytes", stats.Bytes),
		attribute.String("outcome", string(outcome)),
	)
	if outcome == telemetry.OutcomeFailed {
		e.span.RecordError(runErr)
		e.span.SetStatus(codes.Error, runErr.Error())
	}
	e.span.End()
	r.record(e.turn, outcome, stats)

	logArgs := []any{"session", e.turn.SessionID, "outcome", outcome,
		"fragments", stats.Fragments, "duration", stats.Total}
	if runErr != nil && outcome == telemetry.OutcomeFailed {
		r.logger.Warn("exchange ended with error", append(logArgs, "error", runErr)...)
	} else {
		r.logger.Info("exchange finished", logArgs...)
	}

	return reply.String(), runErr
}

// Cancel stops this exchange. Content received so far is kept.
func (e *Exchange) Cancel() {
	e.cancelled.Store(true)
	e.stream.Close()
}
