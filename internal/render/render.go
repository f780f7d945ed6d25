// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package render

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"
)

// SanitizationError is returned by RenderHTML when markdown conversion fails.
type SanitizationError struct {
	Err error
}

// Error implements the error interface.
func (e *SanitizationError) Error() string {
	return fmt.Sprintf("render markdown: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *SanitizationError) Unwrap() error {
	return e.Err
}

// Renderer converts markdown to sanitized HTML. It is safe for concurrent use.
type Renderer struct {
	convert func(source []byte, w io.Writer) error
	policy  *bluemonday.Policy
	logger  *slog.Logger
}

// New creates a Renderer. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM, extension.Typographer),
		goldmark.WithParserOptions(parser.WithAutoHeadingID()),
		// Raw HTML is omitted because html.WithUnsafe is never set.
		goldmark.WithRendererOptions(
			renderer.WithNodeRenderers(util.Prioritized(newCodeBlockRenderer(), 100)),
		),
	)
	return &Renderer{
		convert: func(source []byte, w io.Writer) error { return md.Convert(source, w) },
		policy:  NewPolicy(),
		logger:  logger,
	}
}

// Render returns safe HTML for markdown. It never fails: on a conversion
// error the escaped source is returned in a single paragraph.
func (r *Renderer) Render(markdown string) string {
	out, err := r.RenderHTML(markdown)
	if err != nil {
		r.logger.Warn("markdown render failed, using escaped text", "error", err)
		return "<p>" + EscapeHTML(markdown) + "</p>"
	}
	return out
}

// RenderHTML is Render without the fallback.
func (r *Renderer) RenderHTML(markdown string) (string, error) {
	if ContainsXSS(markdown) {
		r.logger.Warn("potential XSS detected in markdown content", "length", len(markdown))
	}

	var buf bytes.Buffer
	if err := r.convert([]byte(markdown), &buf); err != nil {
		return "", &SanitizationError{Err: err}
	}
	return r.policy.SanitizeReader(&buf).String(), nil
}
