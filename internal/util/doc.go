// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across rigrun-chat.
//
// # Key Functions
//
//   - AtomicWriteFile: Crash-safe file writing with fsync and rename
//   - TruncateRunes: UTF-8 safe truncation with a caller-chosen marker
//   - TruncateWidth, PadRight: Display-width aware layout for terminal tables
//
// # Usage
//
//	title := util.TruncateRunes(text, 30, "...")
//	err := util.AtomicWriteFile(path, data, 0o600)
package util
