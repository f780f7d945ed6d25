// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-chat/internal/model"
)

// envKeys are cleared for every test so the developer's environment never
// leaks into the results.
var envKeys = []string{
	"RIGRUN_CHAT_API_URL", "VITE_API_URL", "RIGRUN_CHAT_API_KEY", "VITE_API_KEY",
	"RIGRUN_CHAT_MODEL", "RIGRUN_CHAT_STORAGE", "RIGRUN_CHAT_LOG_LEVEL", "RIGRUN_CHAT_ADDR",
}

// setupHome points the config directory at a temp dir and configures the
// endpoint. An empty apiURL leaves the endpoint unset.
func setupHome(t *testing.T, apiURL string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
	if apiURL != "" {
		t.Setenv("RIGRUN_CHAT_API_URL", apiURL)
		t.Setenv("RIGRUN_CHAT_API_KEY", "test-key")
	}
	return home
}

func sseChunk(content string) string {
	return `data: {"choices":[{"delta":{"content":"` + content + `"}}]}` + "\n\n"
}

// completionServer streams the given fragments for every request.
func completionServer(t *testing.T, fragments ...string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error":{"message":"bad key"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, f := range fragments {
			io.WriteString(w, sseChunk(f))
			w.(http.Flusher).Flush()
		}
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

// runCLI runs argv and returns the exit code, stdout and stderr.
func runCLI(t *testing.T, stdin string, argv ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := Run(context.Background(), argv, IO{
		In:     strings.NewReader(stdin),
		Out:    &out,
		ErrOut: &errOut,
	})
	return code, out.String(), errOut.String()
}

func listSessions(t *testing.T, argv ...string) []SessionSummary {
	t.Helper()
	code, out, errOut := runCLI(t, "", append([]string{"sessions", "--json"}, argv...)...)
	require.Equal(t, ExitSuccess, code, errOut)
	var rows []SessionSummary
	require.NoError(t, json.Unmarshal([]byte(out), &rows), out)
	return rows
}

// =============================================================================
// ASK
// =============================================================================

func TestRun_AskStreamsAndPersists(t *testing.T) {
	srv, calls := completionServer(t, "Hel", "lo")
	setupHome(t, srv.URL+"/v1/chat/completions")

	code, out, errOut := runCLI(t, "", "ask", "Say hello")
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Equal(t, "Hello\n", out)
	assert.Equal(t, int32(1), calls.Load())

	rows := listSessions(t)
	require.Len(t, rows, 2, "load creates one empty session, ask adds another")
	assert.Equal(t, "Say hello", rows[0].Title)
	assert.Equal(t, 2, rows[0].Messages)
	assert.True(t, rows[0].Current)

	code, out, errOut = runCLI(t, "", "show", "1")
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "Say hello")
	assert.Contains(t, out, "Hello")
	assert.Contains(t, out, "### Assistant")
}

func TestRun_AskJSONFromStdin(t *testing.T) {
	srv, _ := completionServer(t, "4")
	setupHome(t, srv.URL)

	code, out, errOut := runCLI(t, "what is 2+2?\n", "ask", "--json", "-")
	require.Equal(t, ExitSuccess, code, errOut)

	var res AskResult
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	assert.Equal(t, "4", res.Reply)
	assert.NotEmpty(t, res.SessionID)
	assert.NotEmpty(t, res.Model)
}

func TestRun_AskEmptyStdin(t *testing.T) {
	srv, calls := completionServer(t, "x")
	setupHome(t, srv.URL)

	code, _, errOut := runCLI(t, "   \n", "ask", "-")
	assert.Equal(t, ExitUsageError, code)
	assert.Contains(t, errOut, "message")
	assert.Equal(t, int32(0), calls.Load())
}

func TestRun_AskNotConfigured(t *testing.T) {
	setupHome(t, "")

	code, _, errOut := runCLI(t, "", "ask", "hello")
	assert.Equal(t, ExitConfigError, code)
	assert.Contains(t, errOut, "RIGRUN_CHAT_API_URL")
}

func TestRun_AskAuthFailure(t *testing.T) {
	srv, _ := completionServer(t, "unused")
	setupHome(t, srv.URL)
	t.Setenv("RIGRUN_CHAT_API_KEY", "wrong")

	code, _, errOut := runCLI(t, "", "ask", "hello")
	assert.Equal(t, ExitAuthError, code)
	assert.Contains(t, errOut, "endpoint returned 401: bad key")
}

func TestRun_AskSQLiteBackend(t *testing.T) {
	srv, _ := completionServer(t, "stored")
	home := setupHome(t, srv.URL)

	code, _, errOut := runCLI(t, "", "--storage", "sqlite", "ask", "keep me")
	require.Equal(t, ExitSuccess, code, errOut)
	assert.FileExists(t, filepath.Join(home, ".rigrun-chat", "chat-state.db"))

	rows := listSessions(t, "--storage", "sqlite", "--search", "KEEP")
	require.Len(t, rows, 1)
	assert.Equal(t, "keep me", rows[0].Title)

	// The JSON backend has its own, separate state.
	assert.Len(t, listSessions(t, "--search", "keep"), 0)
}

// =============================================================================
// SESSIONS, SHOW, EXPORT
// =============================================================================

func TestRun_SessionsTable(t *testing.T) {
	srv, _ := completionServer(t, "ok")
	setupHome(t, srv.URL)

	code, _, errOut := runCLI(t, "", "ask", "日本語のタイトル")
	require.Equal(t, ExitSuccess, code, errOut)

	code, out, errOut := runCLI(t, "", "--no-color", "sessions")
	require.Equal(t, ExitSuccess, code, errOut)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "TITLE")
	assert.True(t, strings.HasPrefix(lines[1], "* 1"), lines[1])
	assert.Contains(t, lines[1], "日本語のタイトル")
	assert.Contains(t, lines[2], model.DefaultTitle)

	code, out, _ = runCLI(t, "", "sessions", "--search", "nothing-matches")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, `No sessions match "nothing-matches"`)
}

func TestRun_ShowUnknownSession(t *testing.T) {
	setupHome(t, "")

	code, _, errOut := runCLI(t, "", "show", "7")
	assert.Equal(t, ExitNotFoundError, code)
	assert.Contains(t, errOut, "session not found: 7")
}

func TestRun_Export(t *testing.T) {
	srv, _ := completionServer(t, "**bold** reply")
	setupHome(t, srv.URL)

	code, _, errOut := runCLI(t, "", "ask", "Export me")
	require.Equal(t, ExitSuccess, code, errOut)

	dir := t.TempDir()
	code, out, errOut := runCLI(t, "", "export", "--format", "html", "--out", dir+string(os.PathSeparator))
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "Exported to")

	data, err := os.ReadFile(filepath.Join(dir, "Export_me.html"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "<strong>bold</strong>")

	code, out, errOut = runCLI(t, "", "export", "1", "--format", "json", "--out", "-")
	require.Equal(t, ExitSuccess, code, errOut)
	var doc struct {
		Session model.ChatSession `json:"session"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &doc), out)
	assert.Equal(t, "Export me", doc.Session.Title)
	require.Len(t, doc.Session.Messages, 2)
	assert.Equal(t, "**bold** reply", doc.Session.Messages[1].Content)

	code, _, _ = runCLI(t, "", "export", "--format", "pdf", "--out", "-")
	assert.Equal(t, ExitUsageError, code)
}

// =============================================================================
// CHAT REPL
// =============================================================================

func TestRun_ChatREPL(t *testing.T) {
	srv, calls := completionServer(t, "Hi ", "there")
	setupHome(t, srv.URL)

	input := strings.Join([]string{
		"/new",
		"hello",
		"/list",
		"/model",
		"/stats",
		"/bogus",
		"/quit",
		"never sent",
	}, "\n")
	code, out, errOut := runCLI(t, input, "chat")
	require.Equal(t, ExitSuccess, code, errOut)

	assert.Contains(t, out, "[New session]")
	assert.Contains(t, out, "Hi there")
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "Exchanges")
	assert.Contains(t, out, "Goodbye")
	assert.Contains(t, errOut, "unknown command: /bogus")
	assert.Equal(t, int32(1), calls.Load())

	rows := listSessions(t)
	require.Len(t, rows, 2)
	assert.Equal(t, "hello", rows[0].Title)
}

func TestRun_ChatSlashSessionCommands(t *testing.T) {
	srv, _ := completionServer(t, "reply")
	setupHome(t, srv.URL)

	input := strings.Join([]string{
		"first question",
		"/new",
		"second question",
		"/switch 2",
		"/show",
		"/search second",
		"/search",
		"/delete 1",
		"/switch",
	}, "\n")
	code, out, errOut := runCLI(t, input, "chat")
	require.Equal(t, ExitSuccess, code, errOut)

	assert.Contains(t, out, "[Switched] first question")
	assert.Contains(t, out, "### You")
	assert.Contains(t, out, "[Search cleared]")
	assert.Contains(t, out, "[Deleted] second question")
	assert.Contains(t, errOut, "required argument missing")

	rows := listSessions(t)
	require.Len(t, rows, 1)
	assert.Equal(t, "first question", rows[0].Title)
	assert.True(t, rows[0].Current)
}

func TestRun_ChatClearAndExport(t *testing.T) {
	srv, _ := completionServer(t, "reply")
	setupHome(t, srv.URL)
	dir := t.TempDir()
	target := filepath.Join(dir, "chat.md")

	input := strings.Join([]string{
		"one",
		"/export markdown " + target,
		"/clear",
		"exit",
	}, "\n")
	code, out, errOut := runCLI(t, input, "chat")
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "[Exported] "+target)
	assert.Contains(t, out, "[All sessions cleared]")

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# one")

	rows := listSessions(t)
	require.Len(t, rows, 1)
	assert.Equal(t, model.DefaultTitle, rows[0].Title)
}

func TestREPL_FakeReader(t *testing.T) {
	setupHome(t, "")
	app, err := NewApp(context.Background(), Args{}, AppOptions{})
	require.NoError(t, err)
	defer app.Close()

	var out, errOut bytes.Buffer
	in := &fakeReader{lines: []string{"/help", "hello"}}
	r := newREPL(app, in, IO{Out: &out, ErrOut: &errOut})
	require.NoError(t, r.run(context.Background()))

	assert.Equal(t, 3, in.prompts, "two lines then EOF")
	assert.Contains(t, out.String(), "/switch <n|id>")
	assert.Contains(t, errOut.String(), "API key is missing")
}

type fakeReader struct {
	lines   []string
	prompts int
}

func (f *fakeReader) Prompt(string) (string, error) {
	f.prompts++
	if len(f.lines) == 0 {
		return "", io.EOF
	}
	line := f.lines[0]
	f.lines = f.lines[1:]
	return line, nil
}

func (f *fakeReader) Close() error { return nil }

// =============================================================================
// CONFIG AND VERSION
// =============================================================================

func TestRun_ConfigSetGet(t *testing.T) {
	setupHome(t, "")
	path := filepath.Join(t.TempDir(), "config.toml")

	code, out, _ := runCLI(t, "", "--config", path, "config", "path")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, path+"\n", out)

	code, _, errOut := runCLI(t, "", "--config", path, "config", "set", "api.model", "qwen-max")
	require.Equal(t, ExitSuccess, code, errOut)
	code, _, errOut = runCLI(t, "", "--config", path, "config", "set", "api.key", "sk-secret")
	require.Equal(t, ExitSuccess, code, errOut)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	code, out, _ = runCLI(t, "", "--config", path, "config", "get", "api.model")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "qwen-max\n", out)

	code, out, _ = runCLI(t, "", "--config", path, "config", "show")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "qwen-max")
	assert.Contains(t, out, "[REDACTED]")
	assert.NotContains(t, out, "sk-secret")

	code, _, _ = runCLI(t, "", "--config", path, "config", "set", "storage.backend", "redis")
	assert.Equal(t, ExitConfigError, code)

	code, _, _ = runCLI(t, "", "--config", path, "config", "get", "api.nope")
	assert.Equal(t, ExitUsageError, code)
}

func TestRun_ConfigKeys(t *testing.T) {
	setupHome(t, "")
	code, out, _ := runCLI(t, "", "config", "keys")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "api.url\n")
	assert.Contains(t, out, "storage.backend\n")
}

func TestRun_InvalidLogLevel(t *testing.T) {
	setupHome(t, "")
	code, _, errOut := runCLI(t, "", "--log-level", "loud", "sessions")
	assert.Equal(t, ExitConfigError, code)
	assert.Contains(t, errOut, "log.level")
}

func TestRun_VersionAndHelp(t *testing.T) {
	code, out, _ := runCLI(t, "", "version", "--json")
	require.Equal(t, ExitSuccess, code)
	var info VersionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, Version, info.Version)

	code, out, _ = runCLI(t, "", "help")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "Usage:")

	code, _, errOut := runCLI(t, "", "frobnicate")
	assert.Equal(t, ExitUsageError, code)
	assert.Contains(t, errOut, "rigrun-chat help")
}
