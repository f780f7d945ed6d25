// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-chat/internal/model"
)

func sampleState() model.ChatState {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	first := model.ChatSession{
		ID:        "s1",
		Title:     "Hello there",
		CreatedAt: base,
		UpdatedAt: base.Add(time.Minute),
		Messages: []model.Message{
			{ID: "m1", Role: model.RoleUser, Content: "Hello there", Timestamp: base},
			{ID: "m2", Role: model.RoleAssistant, Content: "Hi! 汉字 🎉", Timestamp: base.Add(time.Second)},
		},
	}
	second := model.ChatSession{
		ID:        "s2",
		Title:     model.DefaultTitle,
		CreatedAt: base.Add(time.Hour),
		UpdatedAt: base.Add(time.Hour),
		Messages:  []model.Message{},
	}
	current := "s1"
	return model.ChatState{
		Sessions:         []model.ChatSession{second, first},
		CurrentSessionID: &current,
		SearchQuery:      "hel",
	}
}

func assertSameState(t *testing.T, want model.ChatState, got *model.ChatState) {
	t.Helper()
	require.NotNil(t, got)
	require.Len(t, got.Sessions, len(want.Sessions))
	for i, ws := range want.Sessions {
		gs := got.Sessions[i]
		assert.Equal(t, ws.ID, gs.ID)
		assert.Equal(t, ws.Title, gs.Title)
		assert.True(t, ws.CreatedAt.Equal(gs.CreatedAt), "created_at of %s", ws.ID)
		assert.True(t, ws.UpdatedAt.Equal(gs.UpdatedAt), "updated_at of %s", ws.ID)
		require.Len(t, gs.Messages, len(ws.Messages))
		for j, wm := range ws.Messages {
			gm := gs.Messages[j]
			assert.Equal(t, wm.ID, gm.ID)
			assert.Equal(t, wm.Role, gm.Role)
			assert.Equal(t, wm.Content, gm.Content)
			assert.True(t, wm.Timestamp.Equal(gm.Timestamp))
		}
	}
	require.NotNil(t, got.CurrentSessionID)
	assert.Equal(t, *want.CurrentSessionID, *got.CurrentSessionID)
	assert.Equal(t, want.SearchQuery, got.SearchQuery)
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Backend{
		"json":   NewFileStore(t.TempDir()),
		"sqlite": sq,
	}
}

// =============================================================================
// SHARED BACKEND TESTS
// =============================================================================

func TestBackend_LoadEmpty(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			state, err := b.Load(context.Background())
			require.NoError(t, err)
			assert.Nil(t, state)
		})
	}
}

func TestBackend_SaveLoadPreservesOrderAndContent(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			want := sampleState()
			require.NoError(t, b.Save(context.Background(), want))

			got, err := b.Load(context.Background())
			require.NoError(t, err)
			assertSameState(t, want, got)
		})
	}
}

func TestBackend_SaveReplacesPreviousState(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.Save(ctx, sampleState()))

			next := sampleState()
			next.Sessions = next.Sessions[1:]
			next.SearchQuery = ""
			require.NoError(t, b.Save(ctx, next))

			got, err := b.Load(ctx)
			require.NoError(t, err)
			require.Len(t, got.Sessions, 1)
			assert.Equal(t, "s1", got.Sessions[0].ID)
			assert.Len(t, got.Sessions[0].Messages, 2)
			assert.Empty(t, got.SearchQuery)
		})
	}
}

func TestBackend_ZeroTimestampsRoundTrip(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			want := sampleState()
			want.Sessions[1].UpdatedAt = time.Time{}
			want.Sessions[1].Messages[0].Timestamp = time.Time{}
			require.NoError(t, b.Save(context.Background(), want))

			got, err := b.Load(context.Background())
			require.NoError(t, err)
			require.Len(t, got.Sessions, 2)
			assert.True(t, got.Sessions[1].UpdatedAt.IsZero())
			assert.True(t, got.Sessions[1].Messages[0].Timestamp.IsZero())
			assert.True(t, want.Sessions[1].CreatedAt.Equal(got.Sessions[1].CreatedAt))
		})
	}
}

func TestBackend_NilCurrentSession(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			state := model.ChatState{Sessions: []model.ChatSession{}}
			require.NoError(t, b.Save(context.Background(), state))

			got, err := b.Load(context.Background())
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Nil(t, got.CurrentSessionID)
			assert.Empty(t, got.Sessions)
		})
	}
}

// =============================================================================
// FILE STORE TESTS
// =============================================================================

func TestFileStore_CorruptDocument(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("{not json"), 0o600))

	_, err := NewFileStore(dir).Load(context.Background())
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestFileStore_NewerVersionRejected(t *testing.T) {
	dir := t.TempDir()
	doc := `{"version": 99, "state": {"sessions": []}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(doc), 0o600))

	_, err := NewFileStore(dir).Load(context.Background())
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestFileStore_OwnerOnlyPermissions(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)
	require.NoError(t, store.Save(context.Background(), sampleState()))

	info, err := os.Stat(store.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

// =============================================================================
// OPEN TESTS
// =============================================================================

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	b, err := Open("", dir)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, b)

	b, err = Open("SQLite", dir)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, b)
	assert.Equal(t, filepath.Join(dir, "chat-state.db"), b.(*SQLiteStore).Path())
	require.NoError(t, b.Close())

	_, err = Open("redis", dir)
	assert.Error(t, err)
}

func TestStorageError_Is(t *testing.T) {
	err := corrupt(os.ErrClosed)
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.ErrorIs(t, err, os.ErrClosed)
	assert.Contains(t, err.Error(), "corrupt")
}
