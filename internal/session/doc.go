// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session owns the chat state and every mutation of it.
//
// The Store is an explicitly constructed object handed to the components
// that need it. It keeps the ordered list of sessions, the current
// selection, the search query, and a streaming state machine
// (idle -> streaming -> idle) that admits only one in-flight response.
//
// # Key Types
//
//   - Store: Mutex-guarded state with CRUD, search and fragment append
//   - Turn: Handle for the bound in-flight stream
//   - Persister: Load/save collaborator (see package storage)
//   - Event: Change notification for reactive presentation layers
//
// # Usage
//
//	store := session.NewStore(session.Config{Persister: fileStore})
//	if err := store.Load(ctx); err != nil {
//	    log.Warn("starting with fresh state", "error", err)
//	}
//	turn, history, err := store.BeginTurn("Hello!")
//	if err != nil {
//	    return err // ErrStreamInProgress, ErrNoSession, ErrEmptyMessage
//	}
//	defer store.EndStream(turn)
//	for frag := range fragments {
//	    store.AppendFragment(turn, frag)
//	}
//
// # Persistence
//
// Every mutation hands a snapshot to the Persister outside the store lock.
// Fragment appends are throttled; EndStream always saves. Save failures are
// logged and never surface as errors from Store operations.
package session
