// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"
	"time"

	"github.com/jeranaias/rigrun-chat/internal/model"
)

// =============================================================================
// JSON EXPORTER
// =============================================================================

// JSONExporter exports sessions to JSON format.
// The session is always written in full so the document can be re-imported.
type JSONExporter struct {
	options *Options
}

// jsonDocument wraps the session with export metadata.
type jsonDocument struct {
	Generator  string             `json:"generator,omitempty"`
	ExportedAt *time.Time         `json:"exportedAt,omitempty"`
	Session    *model.ChatSession `json:"session"`
}

// NewJSONExporter creates a new JSON exporter.
func NewJSONExporter(opts *Options) *JSONExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &JSONExporter{options: opts}
}

// Export converts a session to indented JSON.
func (e *JSONExporter) Export(sess *model.ChatSession) ([]byte, error) {
	if err := validate(sess); err != nil {
		return nil, err
	}

	doc := jsonDocument{Session: sess}
	if e.options.IncludeMetadata {
		now := time.Now().UTC()
		doc.Generator = "rigrun-chat"
		doc.ExportedAt = &now
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

// FileExtension returns the file extension for JSON.
func (e *JSONExporter) FileExtension() string {
	return ".json"
}

// MimeType returns the MIME type for JSON.
func (e *JSONExporter) MimeType() string {
	return "application/json"
}
