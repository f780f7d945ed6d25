// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jeranaias/rigrun-chat/internal/model"
	"github.com/jeranaias/rigrun-chat/internal/util"
)

// FileName is the JSON document written by FileStore.
const FileName = "chat-state.json"

// fileFormatVersion is bumped when the document layout changes.
const fileFormatVersion = 1

// fileDocument is the on-disk envelope.
type fileDocument struct {
	Version int             `json:"version"`
	State   model.ChatState `json:"state"`
}

// FileStore keeps the chat state in a single JSON document.
type FileStore struct {
	// Path is the document location.
	// Default: ~/.rigrun-chat/chat-state.json
	Path string

	mu sync.Mutex
}

// NewFileStore creates a store writing FileName inside dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{Path: filepath.Join(dir, FileName)}
}

// Load reads the document. A missing file is not an error.
func (s *FileStore) Load(ctx context.Context) (*model.ChatState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.Path, err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, corrupt(err)
	}
	if doc.Version > fileFormatVersion {
		return nil, corrupt(fmt.Errorf("format version %d is newer than supported %d", doc.Version, fileFormatVersion))
	}
	return &doc.State, nil
}

// Save writes the document atomically with owner-only permissions.
func (s *FileStore) Save(ctx context.Context, state model.ChatState) error {
	data, err := json.MarshalIndent(fileDocument{Version: fileFormatVersion, State: state}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal chat state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// RELIABILITY: Atomic write prevents a torn document on crash
	if err := util.AtomicWriteFile(s.Path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", s.Path, err)
	}
	return nil
}

// Close is a no-op; FileStore holds no open handles.
func (s *FileStore) Close() error {
	return nil
}
