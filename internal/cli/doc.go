// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the rigrun-chat command line.
//
// Run parses the arguments, builds the App (configuration, logging,
// telemetry, storage, session store, completion client and runner) and
// dispatches to one of the commands:
//
//	chat       interactive REPL with line editing and slash commands
//	ask        one message, reply streamed to stdout
//	sessions   list saved sessions
//	show       print a transcript
//	export     write a session as markdown, JSON or HTML
//	serve      HTTP API with live config reload
//	config     inspect or edit the config file
//	version    build information
//
// Commands return errors; Run prints them once and maps them to exit
// codes (see GetExitCode).
package cli
