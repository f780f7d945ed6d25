// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists the chat state for rigrun-chat.
//
// Two backends are available. Both store the whole state at once and both
// satisfy session.Persister.
//
// # Backends
//
//   - FileStore: a single JSON document written atomically (default)
//   - SQLiteStore: a SQLite database with sessions, messages and meta tables
//
// # Usage
//
//	backend, err := storage.Open("sqlite", dataDir)
//	if err != nil {
//	    return err
//	}
//	defer backend.Close()
//
//	state, err := backend.Load(ctx)
//	if errors.Is(err, storage.ErrCorrupt) {
//	    // start fresh
//	}
package storage
