// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - Command parsing and dispatch for rigrun-chat.

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdChat Command = iota
	CmdAsk
	CmdSessions
	CmdShow
	CmdExport
	CmdServe
	CmdConfig
	CmdVersion
	CmdHelp
)

// String returns the command name as typed on the command line.
func (c Command) String() string {
	switch c {
	case CmdChat:
		return "chat"
	case CmdAsk:
		return "ask"
	case CmdSessions:
		return "sessions"
	case CmdShow:
		return "show"
	case CmdExport:
		return "export"
	case CmdServe:
		return "serve"
	case CmdConfig:
		return "config"
	case CmdVersion:
		return "version"
	case CmdHelp:
		return "help"
	default:
		return "unknown"
	}
}

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	ConfigPath string // --config: config file (empty = ~/.rigrun-chat/config.toml)
	Storage    string // --storage: json or sqlite
	LogLevel   string // --log-level: debug, info, warn, error
	Model      string // --model: overrides api.model
	NoColor    bool   // --no-color: plain output
	JSON       bool   // --json: machine-readable output

	// Command-specific
	Query      string // ask: message text ("-" reads stdin)
	SessionID  string // show, export: session id or list number (empty = current)
	Search     string // sessions: title/content filter
	Format     string // export: markdown, json or html
	Out        string // export: output file or directory
	Addr       string // serve: listen address
	Subcommand string // config: path, show, get, set, keys
	ConfigKey  string
	ConfigVal  string
}

// boolFlags never take a value.
var boolFlags = []string{"no-color", "json", "help", "h", "version", "v"}

// knownFlags lists every accepted flag name.
var knownFlags = map[string]bool{
	"config": true, "storage": true, "log-level": true, "model": true, "m": true,
	"no-color": true, "json": true, "help": true, "h": true, "version": true, "v": true,
	"search": true, "s": true, "format": true, "f": true, "out": true, "o": true,
	"addr": true,
}

const usageText = `rigrun-chat - streaming chat client for OpenAI-compatible endpoints

Usage:
  rigrun-chat [command] [flags]

Commands:
  chat                     Interactive chat (default)
  ask <message>            Send one message and stream the reply ("-" reads stdin)
  sessions [--search q]    List chat sessions
  show [id|n]              Print a session transcript (default: current)
  export [id|n]            Export a session (--format markdown|json|html, --out path)
  serve [--addr host:port] Run the HTTP API
  config [path|show|keys]  Show configuration
  config get <key>         Print one setting
  config set <key> <value> Change one setting
  version                  Print version information
  help                     Show this help

Global flags:
  --config <path>          Config file (default ~/.rigrun-chat/config.toml)
  --storage json|sqlite    Storage backend
  --log-level <level>      debug, info, warn or error
  -m, --model <name>       Model to request
  --json                   JSON output where supported
  --no-color               Disable colored output

Environment:
  RIGRUN_CHAT_API_URL, RIGRUN_CHAT_API_KEY, RIGRUN_CHAT_MODEL,
  RIGRUN_CHAT_STORAGE, RIGRUN_CHAT_LOG_LEVEL, RIGRUN_CHAT_ADDR, NO_COLOR

Examples:
  rigrun-chat ask "Explain Go channels"
  echo "Summarize this" | rigrun-chat ask -
  rigrun-chat sessions --search channels
  rigrun-chat export 2 --format html --out ./exports/
  rigrun-chat config set api.model qwen-max
`

// PrintUsage writes the usage text.
func PrintUsage(w io.Writer) {
	fmt.Fprint(w, usageText)
}

// VersionInfo describes the build.
type VersionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// PrintVersion writes version information, as JSON when jsonMode is set.
func PrintVersion(w io.Writer, jsonMode bool) error {
	info := VersionInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if jsonMode {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintf(w, "rigrun-chat %s\n", info.Version)
	fmt.Fprintf(w, "  Commit:  %s\n", info.GitCommit)
	fmt.Fprintf(w, "  Built:   %s\n", info.BuildDate)
	fmt.Fprintf(w, "  Go:      %s (%s)\n", info.GoVersion, info.Platform)
	return nil
}

// =============================================================================
// PARSING
// =============================================================================

// Parse parses argv (without the program name). Flags may appear anywhere;
// the first positional names the command.
func Parse(argv []string) (Command, Args, error) {
	p := NewArgParser(argv, boolFlags...)

	for _, name := range p.FlagNames() {
		if !knownFlags[name] {
			return CmdHelp, Args{}, NewValidationError("flag", "--"+name, "unknown flag")
		}
	}

	args := Args{
		ConfigPath: p.Flag("config"),
		Storage:    p.Flag("storage"),
		LogLevel:   p.Flag("log-level"),
		Model:      p.FlagOrDefault("model", p.Flag("m")),
		NoColor:    p.BoolFlag("no-color"),
		JSON:       p.BoolFlag("json"),
	}

	if p.BoolFlag("help") || p.BoolFlag("h") {
		return CmdHelp, args, nil
	}
	if p.BoolFlag("version") || p.BoolFlag("v") {
		return CmdVersion, args, nil
	}

	name := strings.ToLower(p.Subcommand())
	switch name {
	case "", "chat":
		return CmdChat, args, nil

	case "ask":
		args.Query = strings.TrimSpace(JoinPositionalArgs(p, 1))
		if args.Query == "" {
			return CmdAsk, args, ErrMissingArgument("message", `rigrun-chat ask "Explain Go channels"`)
		}
		return CmdAsk, args, nil

	case "sessions", "list", "ls":
		args.Search = p.FlagOrDefault("search", p.Flag("s"))
		return CmdSessions, args, nil

	case "show":
		args.SessionID = p.Positional(1)
		return CmdShow, args, nil

	case "export":
		args.SessionID = p.Positional(1)
		args.Format = p.FlagOrDefault("format", p.FlagOrDefault("f", "markdown"))
		args.Out = p.FlagOrDefault("out", p.Flag("o"))
		return CmdExport, args, nil

	case "serve", "server":
		args.Addr = p.Flag("addr")
		return CmdServe, args, nil

	case "config":
		args.Subcommand = strings.ToLower(p.Positional(1))
		if args.Subcommand == "" {
			args.Subcommand = "show"
		}
		args.ConfigKey = p.Positional(2)
		args.ConfigVal = JoinPositionalArgs(p, 3)
		switch args.Subcommand {
		case "path", "show", "keys":
		case "get":
			if args.ConfigKey == "" {
				return CmdConfig, args, ErrMissingArgument("key", "rigrun-chat config get api.model")
			}
		case "set":
			if args.ConfigKey == "" || p.PositionalCount() < 4 {
				return CmdConfig, args, ErrMissingArgument("value", "rigrun-chat config set api.model qwen-max")
			}
		default:
			return CmdConfig, args, NewValidationError("config subcommand", args.Subcommand, "must be path, show, keys, get or set")
		}
		return CmdConfig, args, nil

	case "version":
		return CmdVersion, args, nil

	case "help":
		return CmdHelp, args, nil

	default:
		return CmdHelp, args, NewValidationError("command", name, "unknown command, run 'rigrun-chat help'")
	}
}

// =============================================================================
// DISPATCH
// =============================================================================

// IO bundles the streams a command reads and writes.
type IO struct {
	In     io.Reader
	Out    io.Writer
	ErrOut io.Writer
}

// StdIO returns the process streams.
func StdIO() IO {
	return IO{In: os.Stdin, Out: os.Stdout, ErrOut: os.Stderr}
}

// Run parses argv, executes the command and returns the process exit code.
func Run(ctx context.Context, argv []string, streams IO) int {
	cmd, args, err := Parse(argv)
	if args.NoColor {
		SetColorsEnabled(false)
	}
	if err != nil {
		DisplayError(streams.ErrOut, err, args.JSON)
		if !args.JSON {
			fmt.Fprintln(streams.ErrOut, DimStyle.Render("Run 'rigrun-chat help' for usage."))
		}
		return GetExitCode(err)
	}

	if err := dispatch(ctx, cmd, args, streams); err != nil {
		DisplayError(streams.ErrOut, err, args.JSON)
		return GetExitCode(err)
	}
	return ExitSuccess
}

func dispatch(ctx context.Context, cmd Command, args Args, streams IO) error {
	switch cmd {
	case CmdHelp:
		PrintUsage(streams.Out)
		return nil
	case CmdVersion:
		return PrintVersion(streams.Out, args.JSON)
	case CmdConfig:
		return runConfig(args, streams.Out)
	}

	app, err := NewApp(ctx, args, AppOptions{Console: cmd == CmdServe, ConsoleOut: streams.ErrOut})
	if err != nil {
		return err
	}
	defer app.Close()

	switch cmd {
	case CmdChat:
		return runChat(ctx, app, streams)
	case CmdAsk:
		return runAsk(ctx, app, args, streams)
	case CmdSessions:
		return runSessions(app, args, streams.Out)
	case CmdShow:
		return runShow(app, args, streams.Out)
	case CmdExport:
		return runExport(app, args, streams.Out)
	case CmdServe:
		return runServe(ctx, app, args, streams.ErrOut)
	}
	return fmt.Errorf("unhandled command %s", cmd)
}
