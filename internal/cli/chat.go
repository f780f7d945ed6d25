// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat REPL for rigrun-chat.
//
// Interactive Commands (during chat):
//   /help, /h             Show available commands
//   /new, /n              Start a new session
//   /list, /ls            List sessions
//   /switch <n|id>        Make another session current
//   /delete <n|id>        Delete a session
//   /clear                Delete every session and start fresh
//   /search [query]       Filter the session list (no query clears it)
//   /show                 Print the current transcript
//   /export <fmt> [path]  Export the current session
//   /model [name]         Show or switch model
//   /stats                Show exchange statistics
//   /quit, /q             Exit chat
//   Ctrl+C                Cancel the streaming reply
//   Ctrl+D                Exit chat

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/jeranaias/rigrun-chat/internal/chat"
	"github.com/jeranaias/rigrun-chat/internal/config"
	"github.com/jeranaias/rigrun-chat/internal/export"
	"github.com/jeranaias/rigrun-chat/internal/model"
	"github.com/jeranaias/rigrun-chat/internal/render"
	"github.com/jeranaias/rigrun-chat/internal/session"
)

// historyFileName is the REPL input history kept in the config directory.
const historyFileName = "chat_history"

// =============================================================================
// INPUT
// =============================================================================

// lineReader reads one line of input per prompt. io.EOF ends the REPL.
type lineReader interface {
	Prompt(prompt string) (string, error)
	Close() error
}

// linerReader provides input history and line editing on a terminal.
type linerReader struct {
	line        *liner.State
	historyFile string
}

// newLinerReader creates a liner-backed reader and loads saved history.
func newLinerReader(historyFile string) *linerReader {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	r := &linerReader{line: line, historyFile: historyFile}
	if f, err := os.Open(historyFile); err == nil {
		_, _ = line.ReadHistory(f)
		f.Close()
	}
	return r
}

// Prompt reads a line of input. Non-empty input is added to history.
func (r *linerReader) Prompt(prompt string) (string, error) {
	input, err := r.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		r.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves history with owner-only permissions and restores the terminal.
func (r *linerReader) Close() error {
	if err := os.MkdirAll(filepath.Dir(r.historyFile), 0o700); err == nil {
		if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
			_, _ = r.line.WriteHistory(f)
			f.Close()
		}
	}
	return r.line.Close()
}

// scanReader reads lines from a pipe or file without echoing a prompt.
type scanReader struct {
	scanner *bufio.Scanner
}

func newScanReader(in io.Reader) *scanReader {
	s := bufio.NewScanner(in)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &scanReader{scanner: s}
}

func (r *scanReader) Prompt(string) (string, error) {
	if r.scanner.Scan() {
		return r.scanner.Text(), nil
	}
	if err := r.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (r *scanReader) Close() error { return nil }

// =============================================================================
// REPL
// =============================================================================

// repl is one interactive chat run.
type repl struct {
	app      *App
	in       lineReader
	out      io.Writer
	errOut   io.Writer
	terminal *render.Terminal
	prompt   string
}

// runChat starts the interactive REPL on streams.
func runChat(ctx context.Context, app *App, streams IO) error {
	var in lineReader
	if isTerminal(streams.In) {
		dir, err := config.Dir()
		if err != nil {
			dir = os.TempDir()
		}
		in = newLinerReader(filepath.Join(dir, historyFileName))
	} else {
		in = newScanReader(streams.In)
	}
	defer in.Close()

	// Ctrl+C outside the prompt cancels the streaming reply.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer func() {
		signal.Stop(sigCh)
		close(sigCh)
	}()
	go func() {
		for range sigCh {
			if app.Runner.Cancel() {
				fmt.Fprintln(streams.ErrOut, "\n"+WarningStyle.Render("[Cancelled]"))
			}
		}
	}()

	r := newREPL(app, in, streams)
	return r.run(ctx)
}

func newREPL(app *App, in lineReader, streams IO) *repl {
	return &repl{
		app:      app,
		in:       in,
		out:      streams.Out,
		errOut:   streams.ErrOut,
		terminal: render.NewTerminal(terminalWidth(streams.Out), isTerminal(streams.Out)),
		prompt:   PromptStyle.Render("chat> "),
	}
}

// run reads input until EOF, an aborted prompt or /quit.
func (r *repl) run(ctx context.Context) error {
	r.printWelcome()

	for {
		input, err := r.in.Prompt(r.prompt)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				fmt.Fprintln(r.out)
				r.printExitSummary()
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			keepGoing, err := r.handleSlashCommand(input)
			if err != nil {
				DisplayError(r.errOut, err, false)
			}
			if !keepGoing {
				r.printExitSummary()
				return nil
			}
			continue
		}

		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			r.printExitSummary()
			return nil
		}

		if err := r.send(ctx, input); err != nil {
			if errors.Is(err, chat.ErrCancelled) {
				continue
			}
			DisplayError(r.errOut, err, false)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// send runs one exchange, streaming fragments as they arrive.
func (r *repl) send(ctx context.Context, input string) error {
	store := r.app.Store
	if _, ok := store.CurrentSession(); !ok {
		store.CreateSession()
	}

	ex, err := r.app.Runner.Start(ctx, input)
	if err != nil {
		return err
	}

	fmt.Fprintf(r.out, "\n%s\n", RenderRole(model.RoleAssistant))
	start := time.Now()
	_, err = ex.Run(func(fragment string) error {
		_, werr := io.WriteString(r.out, fragment)
		return werr
	})
	fmt.Fprintln(r.out)
	if err == nil {
		fmt.Fprintln(r.out, DimStyle.Render(fmt.Sprintf("(%s)", time.Since(start).Round(time.Millisecond))))
	}
	fmt.Fprintln(r.out)
	return err
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// handleSlashCommand processes slash commands.
// Returns (keepGoing, error) where keepGoing=false means exit.
func (r *repl) handleSlashCommand(cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return true, nil
	}

	command := strings.ToLower(parts[0])
	args := parts[1:]
	store := r.app.Store

	switch command {
	case "/help", "/h", "/?", "/":
		r.printHelp()

	case "/new", "/n":
		sess := store.CreateSession()
		fmt.Fprintln(r.out, SuccessStyle.Render("[New session]")+" "+shortID(sess.ID))

	case "/list", "/ls":
		writeSessionTable(r.out, store)

	case "/switch", "/s":
		if len(args) == 0 {
			return true, ErrMissingArgument("session", "/switch 2")
		}
		sess, err := resolveSession(store, args[0])
		if err != nil {
			return true, err
		}
		if !store.SelectSession(sess.ID) {
			return true, ErrNotFound("session", args[0])
		}
		fmt.Fprintf(r.out, "%s %s\n", SuccessStyle.Render("[Switched]"), sess.Title)

	case "/delete", "/del", "/rm":
		if len(args) == 0 {
			return true, ErrMissingArgument("session", "/delete 2")
		}
		sess, err := resolveSession(store, args[0])
		if err != nil {
			return true, err
		}
		if !store.DeleteSession(sess.ID) {
			return true, ErrNotFound("session", args[0])
		}
		fmt.Fprintf(r.out, "%s %s\n", WarningStyle.Render("[Deleted]"), sess.Title)

	case "/clear", "/c":
		r.app.Runner.Cancel()
		store.ClearAllSessions()
		fmt.Fprintln(r.out, WarningStyle.Render("[All sessions cleared]"))

	case "/search", "/find":
		query := strings.Join(args, " ")
		store.SetSearchQuery(query)
		if query == "" {
			fmt.Fprintln(r.out, DimStyle.Render("[Search cleared]"))
		}
		writeSessionTable(r.out, store)

	case "/show":
		sess, err := resolveSession(store, "")
		if err != nil {
			return true, err
		}
		return true, writeTranscript(r.out, r.terminal, &sess)

	case "/export":
		if len(args) == 0 {
			return true, ErrMissingArgument("format", "/export markdown ./chat.md")
		}
		path := ""
		if len(args) > 1 {
			path = args[1]
		}
		sess, err := resolveSession(store, "")
		if err != nil {
			return true, err
		}
		written, err := exportSession(&sess, args[0], path, r.app.Renderer)
		if err != nil {
			return true, err
		}
		fmt.Fprintf(r.out, "%s %s\n", SuccessStyle.Render("[Exported]"), written)

	case "/model", "/m":
		if len(args) == 0 {
			fmt.Fprintf(r.out, "%s %s\n", DimStyle.Render("[Model]"), r.app.Runner.Model())
			break
		}
		r.app.Client.WithModel(args[0])
		fmt.Fprintf(r.out, "%s %s\n", SuccessStyle.Render("[Model]"), r.app.Runner.Model())

	case "/stats":
		writeUsage(r.out, r.app.Usage.Summary())

	case "/quit", "/q", "/exit":
		return false, nil

	default:
		return true, fmt.Errorf("unknown command: %s (type /help for commands)", command)
	}
	return true, nil
}

// =============================================================================
// OUTPUT
// =============================================================================

func (r *repl) printWelcome() {
	fmt.Fprintln(r.out, TitleStyle.Render("rigrun-chat "+Version))
	fmt.Fprintf(r.out, "%s%s\n", RenderLabel("Model"), r.app.Runner.Model())
	if sess, ok := r.app.Store.CurrentSession(); ok {
		fmt.Fprintf(r.out, "%s%s (%d messages)\n", RenderLabel("Session"), sess.Title, sess.MessageCount())
	}
	if r.app.LoadErr != nil {
		fmt.Fprintln(r.out, WarningStyle.Render("Saved chats could not be restored: "+r.app.LoadErr.Error()))
	}
	fmt.Fprintln(r.out, DimStyle.Render("Type /help for commands, Ctrl+C to cancel a reply, Ctrl+D to exit."))
	fmt.Fprintln(r.out)
}

func (r *repl) printHelp() {
	fmt.Fprintln(r.out, TitleStyle.Render("Commands"))
	for _, line := range [][2]string{
		{"/new", "Start a new session"},
		{"/list", "List sessions"},
		{"/switch <n|id>", "Make another session current"},
		{"/delete <n|id>", "Delete a session"},
		{"/clear", "Delete every session and start fresh"},
		{"/search [query]", "Filter the session list"},
		{"/show", "Print the current transcript"},
		{"/export <fmt> [path]", "Export the current session (markdown, json, html)"},
		{"/model [name]", "Show or switch model"},
		{"/stats", "Show exchange statistics"},
		{"/quit", "Exit chat"},
	} {
		fmt.Fprintf(r.out, "  %s%s\n", RenderLabel(line[0]), line[1])
	}
}

func (r *repl) printExitSummary() {
	summary := r.app.Usage.Summary()
	if summary.Exchanges == 0 {
		return
	}
	fmt.Fprintln(r.out, DimStyle.Render(fmt.Sprintf("%d exchanges, %d fragments received. Goodbye.",
		summary.Exchanges, summary.Fragments)))
}

// currentID returns the current session id, or "".
func currentID(store *session.Store) string {
	if sess, ok := store.CurrentSession(); ok {
		return sess.ID
	}
	return ""
}

// exportSession writes sess in the named format to path (see
// export.ExportToFile for how an empty path or directory is resolved).
func exportSession(sess *model.ChatSession, formatName, path string, renderer *render.Renderer) (string, error) {
	format, err := export.ParseFormat(formatName)
	if err != nil {
		return "", NewValidationError("format", formatName, "must be markdown, json or html")
	}
	opts := export.DefaultOptions()
	opts.Renderer = renderer
	exporter, err := export.New(format, opts)
	if err != nil {
		return "", err
	}
	return export.ExportToFile(sess, exporter, path)
}
