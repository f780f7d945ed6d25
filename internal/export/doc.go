// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export writes chat sessions to shareable documents.
//
// # Supported Formats
//
//   - Markdown: human-readable with YAML frontmatter
//   - JSON: the full session, suitable for re-import
//   - HTML: a standalone page with sanitized, highlighted message bodies
//
// # Usage
//
//	format, err := export.ParseFormat("html")
//	err = export.Export(os.Stdout, &sess, format, export.DefaultOptions())
//
// Or write to a file:
//
//	path, err := export.ExportToFile(&sess, export.NewMarkdownExporter(nil), "")
package export
