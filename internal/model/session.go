// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"time"

	"github.com/jeranaias/rigrun-chat/internal/util"
)

const (
	// DefaultTitle is the title of a session before its first user message.
	DefaultTitle = "New Chat"

	// TitleMaxLen is the number of characters kept when deriving a title.
	TitleMaxLen = 30

	// TitleEllipsis marks a truncated title.
	TitleEllipsis = "..."
)

// =============================================================================
// CHAT SESSION
// =============================================================================

// ChatSession is a named, ordered conversation thread.
type ChatSession struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewChatSession creates an empty session titled DefaultTitle.
func NewChatSession(now time.Time) ChatSession {
	return ChatSession{
		ID:        NewID(),
		Title:     DefaultTitle,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy of the session.
func (s ChatSession) Clone() ChatSession {
	out := s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	return out
}

// LastMessage returns the most recently appended message.
func (s ChatSession) LastMessage() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// MessageCount returns the number of messages in the session.
func (s ChatSession) MessageCount() int {
	return len(s.Messages)
}

// Matches reports whether the title or any message content contains query.
// Both sides are passed through fold first, so callers choose the
// case-insensitivity rules.
func (s ChatSession) Matches(query string, fold func(string) string) bool {
	if query == "" {
		return true
	}
	q := fold(query)
	if strings.Contains(fold(s.Title), q) {
		return true
	}
	for _, m := range s.Messages {
		if strings.Contains(fold(m.Content), q) {
			return true
		}
	}
	return false
}

// DeriveTitle builds a session title from the first user message.
func DeriveTitle(content string) string {
	return util.TruncateRunes(content, TitleMaxLen, TitleEllipsis)
}

// =============================================================================
// CHAT STATE
// =============================================================================

// ChatState is the process-wide chat state. Sessions are ordered most
// recently created first.
type ChatState struct {
	Sessions         []ChatSession `json:"sessions"`
	CurrentSessionID *string       `json:"currentSessionId"`
	IsStreaming      bool          `json:"isStreaming"`
	SearchQuery      string        `json:"searchQuery"`
}

// Clone returns a deep copy of the state.
func (cs ChatState) Clone() ChatState {
	out := ChatState{
		Sessions:    make([]ChatSession, len(cs.Sessions)),
		IsStreaming: cs.IsStreaming,
		SearchQuery: cs.SearchQuery,
	}
	for i, s := range cs.Sessions {
		out.Sessions[i] = s.Clone()
	}
	if cs.CurrentSessionID != nil {
		id := *cs.CurrentSessionID
		out.CurrentSessionID = &id
	}
	return out
}

// Index returns the position of the session with the given id, or -1.
func (cs ChatState) Index(id string) int {
	for i := range cs.Sessions {
		if cs.Sessions[i].ID == id {
			return i
		}
	}
	return -1
}

// Find returns the session with the given id.
func (cs ChatState) Find(id string) (ChatSession, bool) {
	if i := cs.Index(id); i >= 0 {
		return cs.Sessions[i], true
	}
	return ChatSession{}, false
}

// CurrentID returns the current session id, or "" when none is selected.
func (cs ChatState) CurrentID() string {
	if cs.CurrentSessionID == nil {
		return ""
	}
	return *cs.CurrentSessionID
}
