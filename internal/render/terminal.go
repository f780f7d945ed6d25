// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package render

import (
	"strings"

	"github.com/charmbracelet/glamour"
)

// DefaultWrapWidth is used when the terminal width is unknown.
const DefaultWrapWidth = 80

// Terminal renders markdown for terminal output.
type Terminal struct {
	renderer *glamour.TermRenderer
}

// NewTerminal creates a terminal renderer. When tty is false, or the glamour
// renderer cannot be built, Render returns the markdown unchanged.
func NewTerminal(width int, tty bool) *Terminal {
	if !tty {
		return &Terminal{}
	}
	if width <= 0 {
		width = DefaultWrapWidth
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return &Terminal{}
	}
	return &Terminal{renderer: r}
}

// Styled reports whether output is rendered through glamour.
func (t *Terminal) Styled() bool {
	return t.renderer != nil
}

// Render returns content formatted for the terminal.
func (t *Terminal) Render(content string) string {
	if t.renderer == nil {
		return content
	}
	rendered, err := t.renderer.Render(content)
	if err != nil {
		return content
	}
	return strings.TrimRight(rendered, "\n")
}
