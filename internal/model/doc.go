// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chat sessions and messages.
//
// This package defines the core domain types used throughout the application.
// Types here are plain values; all mutation of live state goes through the
// session.Store.
//
// # Key Types
//
//   - Message: Single message with role, content and timestamp
//   - ChatSession: Ordered conversation thread with a derived title
//   - ChatState: Process-wide set of sessions plus selection and search state
//   - Role: Message role enumeration (user, assistant, system)
//
// # Usage
//
//	s := model.NewChatSession(time.Now())
//	s.Messages = append(s.Messages, model.NewUserMessage("Hello!"))
//	s.Title = model.DeriveTitle("Hello!")
package model
