// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jeranaias/rigrun-chat/internal/model"
)

// Backend names accepted by Open.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Backend persists the whole chat state. It satisfies session.Persister.
type Backend interface {
	// Load returns nil, nil when nothing has been saved yet.
	Load(ctx context.Context) (*model.ChatState, error)
	Save(ctx context.Context, state model.ChatState) error
	Close() error
}

// Open returns the backend for name, storing its data under dir.
func Open(name, dir string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", BackendJSON:
		return NewFileStore(dir), nil
	case BackendSQLite:
		return OpenSQLite(filepath.Join(dir, "chat-state.db"))
	default:
		return nil, fmt.Errorf("unknown storage backend %q (want %s or %s)", name, BackendJSON, BackendSQLite)
	}
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrCorrupt is returned when persisted data cannot be decoded.
// Use errors.Is(err, ErrCorrupt) to check for this error.
var ErrCorrupt = &StorageError{Message: "stored chat state is corrupt"}

// StorageError represents a storage-related error.
type StorageError struct {
	Message string
	Err     error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support by comparing messages.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}

func corrupt(err error) error {
	return &StorageError{Message: ErrCorrupt.Message, Err: err}
}
