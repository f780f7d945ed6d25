// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// ask.go - One-shot question command for rigrun-chat.
//
// Examples:
//   rigrun-chat ask "What is the capital of France?"
//   cat notes.md | rigrun-chat ask -
//   rigrun-chat ask --json "Summarize Go generics"

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

// maxStdinQuery caps the message read by "ask -".
const maxStdinQuery = 1 << 20

// AskResult is the --json output of ask.
type AskResult struct {
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
	Reply     string `json:"reply"`
	Duration  string `json:"duration"`
}

// runAsk sends one message in a fresh session and streams the reply to
// stdout. Ctrl+C cancels the reply and keeps what arrived.
func runAsk(ctx context.Context, app *App, args Args, streams IO) error {
	query := args.Query
	if query == "-" {
		data, err := io.ReadAll(io.LimitReader(streams.In, maxStdinQuery))
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		query = strings.TrimSpace(string(data))
		if query == "" {
			return ErrMissingArgument("message", `echo "question" | rigrun-chat ask -`)
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess := app.Store.CreateSession()
	start := time.Now()

	onFragment := func(fragment string) error {
		_, err := io.WriteString(streams.Out, fragment)
		return err
	}
	if args.JSON {
		onFragment = nil
	}

	reply, err := app.Runner.Submit(ctx, query, onFragment)
	if !args.JSON && reply != "" {
		fmt.Fprintln(streams.Out)
	}
	if err != nil {
		return err
	}

	if args.JSON {
		enc := json.NewEncoder(streams.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(AskResult{
			SessionID: sess.ID,
			Model:     app.Runner.Model(),
			Reply:     reply,
			Duration:  time.Since(start).Round(time.Millisecond).String(),
		})
	}
	return nil
}
