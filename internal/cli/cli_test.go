// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-chat/internal/chat"
	"github.com/jeranaias/rigrun-chat/internal/cloud"
	"github.com/jeranaias/rigrun-chat/internal/config"
	"github.com/jeranaias/rigrun-chat/internal/session"
)

// =============================================================================
// ARG PARSER TESTS (args.go)
// =============================================================================

func TestArgParser_BasicParsing(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		bools    []string
		wantSub  string
		validate func(*testing.T, *ArgParser)
	}{
		{
			name:    "simple subcommand",
			args:    []string{"show"},
			wantSub: "show",
		},
		{
			name:    "subcommand with flag",
			args:    []string{"export", "--format", "html"},
			wantSub: "export",
			validate: func(t *testing.T, p *ArgParser) {
				if p.Flag("format") != "html" {
					t.Errorf("Flag(format) = %q, want %q", p.Flag("format"), "html")
				}
			},
		},
		{
			name:    "flag with equals",
			args:    []string{"sessions", "--search=go channels"},
			wantSub: "sessions",
			validate: func(t *testing.T, p *ArgParser) {
				if p.Flag("search") != "go channels" {
					t.Errorf("Flag(search) = %q, want %q", p.Flag("search"), "go channels")
				}
			},
		},
		{
			name:    "unknown trailing flag is boolean",
			args:    []string{"show", "--verbose"},
			wantSub: "show",
			validate: func(t *testing.T, p *ArgParser) {
				if !p.BoolFlag("verbose") {
					t.Error("BoolFlag(verbose) should be true")
				}
			},
		},
		{
			name:    "known bool flag does not swallow positional",
			args:    []string{"ask", "--json", "hello", "world"},
			bools:   []string{"json"},
			wantSub: "ask",
			validate: func(t *testing.T, p *ArgParser) {
				if !p.BoolFlag("json") {
					t.Error("BoolFlag(json) should be true")
				}
				if got := JoinPositionalArgs(p, 1); got != "hello world" {
					t.Errorf("JoinPositionalArgs = %q, want %q", got, "hello world")
				}
			},
		},
		{
			name:    "explicit bool value",
			args:    []string{"sessions", "--json=false"},
			bools:   []string{"json"},
			wantSub: "sessions",
			validate: func(t *testing.T, p *ArgParser) {
				if p.BoolFlag("json") {
					t.Error("BoolFlag(json) should be false")
				}
				if !p.HasFlag("json") {
					t.Error("HasFlag(json) should be true")
				}
			},
		},
		{
			name:    "double dash ends flags",
			args:    []string{"ask", "--", "--not-a-flag", "-x"},
			wantSub: "ask",
			validate: func(t *testing.T, p *ArgParser) {
				if p.PositionalCount() != 3 {
					t.Errorf("PositionalCount = %d, want 3", p.PositionalCount())
				}
				if p.HasFlag("not-a-flag") {
					t.Error("--not-a-flag after -- should be positional")
				}
			},
		},
		{
			name:    "lone dash is positional",
			args:    []string{"ask", "-"},
			wantSub: "ask",
			validate: func(t *testing.T, p *ArgParser) {
				if p.Positional(1) != "-" {
					t.Errorf("Positional(1) = %q, want %q", p.Positional(1), "-")
				}
			},
		},
		{
			name:    "no args",
			args:    []string{},
			wantSub: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewArgParser(tt.args, tt.bools...)
			if got := p.Subcommand(); got != tt.wantSub {
				t.Errorf("Subcommand() = %q, want %q", got, tt.wantSub)
			}
			if tt.validate != nil {
				tt.validate(t, p)
			}
		})
	}
}

func TestArgParser_Accessors(t *testing.T) {
	p := NewArgParser([]string{"show", "--limit", "5", "-o", "out.md", "extra"})

	if got := p.FlagIntOrDefault("limit", 0); got != 5 {
		t.Errorf("FlagIntOrDefault(limit) = %d, want 5", got)
	}
	if got := p.FlagIntOrDefault("missing", 9); got != 9 {
		t.Errorf("FlagIntOrDefault(missing) = %d, want 9", got)
	}
	if _, err := p.FlagInt("missing"); err == nil {
		t.Error("FlagInt(missing) should fail")
	}
	if got := p.Flag("-o"); got != "out.md" {
		t.Errorf("Flag(-o) = %q, want %q", got, "out.md")
	}
	if got := p.FlagOrDefault("format", "markdown"); got != "markdown" {
		t.Errorf("FlagOrDefault(format) = %q, want %q", got, "markdown")
	}
	if got := p.Positional(1); got != "extra" {
		t.Errorf("Positional(1) = %q, want %q", got, "extra")
	}
	if got := p.Positional(5); got != "" {
		t.Errorf("Positional(5) = %q, want empty", got)
	}
	if got := p.PositionalFrom(9); len(got) != 0 {
		t.Errorf("PositionalFrom(9) = %v, want empty", got)
	}
	if got := p.FlagNames(); strings.Join(got, ",") != "limit,o" {
		t.Errorf("FlagNames() = %v, want [limit o]", got)
	}
	if len(p.Raw()) != 6 {
		t.Errorf("Raw() length = %d, want 6", len(p.Raw()))
	}
}

func TestParseIntWithValidation(t *testing.T) {
	tests := []struct {
		input   string
		want    int
		wantErr bool
	}{
		{"5", 5, false},
		{"", 0, true},
		{"abc", 0, true},
		{"0", 0, true},
		{"-3", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseIntWithValidation(tt.input, "count")
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseIntWithValidation(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseIntWithValidation(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestParseBoolString(t *testing.T) {
	for _, s := range []string{"true", "YES", "y", "1", "on"} {
		if v, err := ParseBoolString(s); err != nil || !v {
			t.Errorf("ParseBoolString(%q) = %v, %v; want true", s, v, err)
		}
	}
	for _, s := range []string{"false", "No", "n", "0", "off"} {
		if v, err := ParseBoolString(s); err != nil || v {
			t.Errorf("ParseBoolString(%q) = %v, %v; want false", s, v, err)
		}
	}
	if _, err := ParseBoolString("maybe"); err == nil {
		t.Error("ParseBoolString(maybe) should fail")
	}
}

// =============================================================================
// COMMAND PARSING TESTS (cli.go)
// =============================================================================

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		argv    []string
		wantCmd Command
		check   func(*testing.T, Args)
	}{
		{"default is chat", nil, CmdChat, nil},
		{"chat with model", []string{"chat", "-m", "qwen-max"}, CmdChat, func(t *testing.T, a Args) {
			assert.Equal(t, "qwen-max", a.Model)
		}},
		{"ask joins words", []string{"ask", "what", "is", "go"}, CmdAsk, func(t *testing.T, a Args) {
			assert.Equal(t, "what is go", a.Query)
		}},
		{"ask with json before text", []string{"--json", "ask", "hello"}, CmdAsk, func(t *testing.T, a Args) {
			assert.True(t, a.JSON)
			assert.Equal(t, "hello", a.Query)
		}},
		{"ask from stdin", []string{"ask", "-"}, CmdAsk, func(t *testing.T, a Args) {
			assert.Equal(t, "-", a.Query)
		}},
		{"sessions search", []string{"sessions", "--search", "channels"}, CmdSessions, func(t *testing.T, a Args) {
			assert.Equal(t, "channels", a.Search)
		}},
		{"ls alias", []string{"ls"}, CmdSessions, nil},
		{"show id", []string{"show", "2"}, CmdShow, func(t *testing.T, a Args) {
			assert.Equal(t, "2", a.SessionID)
		}},
		{"export defaults", []string{"export"}, CmdExport, func(t *testing.T, a Args) {
			assert.Equal(t, "markdown", a.Format)
			assert.Empty(t, a.SessionID)
		}},
		{"export flags", []string{"export", "abc", "-f", "html", "--out", "x.html"}, CmdExport, func(t *testing.T, a Args) {
			assert.Equal(t, "abc", a.SessionID)
			assert.Equal(t, "html", a.Format)
			assert.Equal(t, "x.html", a.Out)
		}},
		{"serve addr", []string{"serve", "--addr", ":9000"}, CmdServe, func(t *testing.T, a Args) {
			assert.Equal(t, ":9000", a.Addr)
		}},
		{"config default show", []string{"config"}, CmdConfig, func(t *testing.T, a Args) {
			assert.Equal(t, "show", a.Subcommand)
		}},
		{"config set", []string{"config", "set", "api.model", "qwen", "max"}, CmdConfig, func(t *testing.T, a Args) {
			assert.Equal(t, "set", a.Subcommand)
			assert.Equal(t, "api.model", a.ConfigKey)
			assert.Equal(t, "qwen max", a.ConfigVal)
		}},
		{"global flags", []string{"--config", "/tmp/c.toml", "--storage", "sqlite", "--log-level", "debug", "--no-color", "sessions"}, CmdSessions, func(t *testing.T, a Args) {
			assert.Equal(t, "/tmp/c.toml", a.ConfigPath)
			assert.Equal(t, "sqlite", a.Storage)
			assert.Equal(t, "debug", a.LogLevel)
			assert.True(t, a.NoColor)
		}},
		{"help flag wins", []string{"ask", "hi", "--help"}, CmdHelp, nil},
		{"version flag", []string{"-v"}, CmdVersion, nil},
		{"version command", []string{"version", "--json"}, CmdVersion, func(t *testing.T, a Args) {
			assert.True(t, a.JSON)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, args, err := Parse(tt.argv)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCmd, cmd, "got %s", cmd)
			if tt.check != nil {
				tt.check(t, args)
			}
		})
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		argv []string
	}{
		{"unknown command", []string{"frobnicate"}},
		{"unknown flag", []string{"sessions", "--bogus"}},
		{"ask without text", []string{"ask"}},
		{"config get without key", []string{"config", "get"}},
		{"config set without value", []string{"config", "set", "api.model"}},
		{"bad config subcommand", []string{"config", "destroy"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Parse(tt.argv)
			require.Error(t, err)
			var ve *ValidationError
			assert.True(t, errors.As(err, &ve), "want ValidationError, got %T", err)
			assert.Equal(t, ExitUsageError, GetExitCode(err))
		})
	}
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "chat", CmdChat.String())
	assert.Equal(t, "serve", CmdServe.String())
	assert.Equal(t, "unknown", Command(99).String())
}

// =============================================================================
// ERROR MAPPING TESTS (errors.go)
// =============================================================================

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"validation", NewValidationError("flag", "--x", "unknown"), ExitUsageError},
		{"not found", ErrNotFound("session", "42"), ExitNotFoundError},
		{"no session", session.ErrNoSession, ExitNotFoundError},
		{"not configured", &cloud.ConfigError{Field: "api.url"}, ExitConfigError},
		{"invalid config", fmt.Errorf("invalid config: %w", config.ValidateErrors{{Field: "log.level", Message: "bad"}}), ExitConfigError},
		{"auth", &cloud.APIError{StatusCode: 401}, ExitAuthError},
		{"upstream", &cloud.APIError{StatusCode: 500}, ExitNetworkError},
		{"transport", &cloud.TransportError{Op: "request", Err: errors.New("refused")}, ExitNetworkError},
		{"cancelled", chat.ErrCancelled, ExitInterrupted},
		{"timeout", fmt.Errorf("wait: %w", context.DeadlineExceeded), ExitTimeoutError},
		{"other", errors.New("boom"), ExitGeneralError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

func TestDisplayError(t *testing.T) {
	var buf strings.Builder
	DisplayError(&buf, &cloud.ConfigError{Field: "api.key"}, false)
	assert.Contains(t, buf.String(), "[ERROR]")
	assert.Contains(t, buf.String(), "api.key is missing")
	assert.Contains(t, buf.String(), "RIGRUN_CHAT_API_KEY")

	buf.Reset()
	DisplayError(&buf, &cloud.APIError{StatusCode: 429, Body: map[string]any{"error": map[string]any{"message": "slow down"}}}, true)
	out := buf.String()
	assert.Contains(t, out, `"error_type": "api_error"`)
	assert.Contains(t, out, `"error": "endpoint returned 429: slow down"`)
	assert.Contains(t, out, `"hint"`)

	buf.Reset()
	DisplayError(&buf, nil, false)
	assert.Empty(t, buf.String())
}

// =============================================================================
// HELPERS
// =============================================================================

func TestResolveSession(t *testing.T) {
	store := session.NewStore(session.Config{})
	first := store.CreateSession()
	second := store.CreateSession() // newest, current

	got, err := resolveSession(store, "")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	got, err = resolveSession(store, "2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	got, err = resolveSession(store, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	got, err = resolveSession(store, first.ID[:12])
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	_, err = resolveSession(store, "9")
	assert.Equal(t, ExitNotFoundError, GetExitCode(err))

	_, err = resolveSession(store, "zzzz-no-such")
	assert.Equal(t, ExitNotFoundError, GetExitCode(err))

	store.DeleteSession(first.ID)
	store.DeleteSession(second.ID)
	_, err = resolveSession(store, "")
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestWrapText(t *testing.T) {
	got := WrapText("the quick brown fox jumps", 12)
	for _, line := range strings.Split(got, "\n") {
		assert.LessOrEqual(t, len(line), 10, "line %q too wide", line)
	}
	assert.Equal(t, "the quick brown fox jumps", strings.ReplaceAll(got, "\n", " "))
	assert.Equal(t, "short\nlines", WrapText("short\nlines", 40))
}

func TestFormatAge(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "-", formatAge(time.Time{}, now))
	assert.Equal(t, "just now", formatAge(now.Add(-10*time.Second), now))
	assert.Equal(t, "5m ago", formatAge(now.Add(-5*time.Minute), now))
	assert.Equal(t, "3h ago", formatAge(now.Add(-3*time.Hour), now))
	assert.Equal(t, "2d ago", formatAge(now.Add(-50*time.Hour), now))
	assert.Equal(t, "2025-01-01", formatAge(time.Date(2025, 1, 1, 12, 0, 0, 0, time.Local), now))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "12345678", shortID("1234567890"))
}
