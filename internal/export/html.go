// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-chat/internal/model"
	"github.com/jeranaias/rigrun-chat/internal/render"
)

// =============================================================================
// HTML EXPORTER
// =============================================================================

// HTMLExporter exports sessions to a standalone HTML page with embedded CSS.
// Message bodies go through the markdown renderer, so the output carries
// the same sanitization and highlighting as the web view.
type HTMLExporter struct {
	options  *Options
	renderer *render.Renderer
}

// NewHTMLExporter creates a new HTML exporter.
func NewHTMLExporter(opts *Options) *HTMLExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	r := opts.Renderer
	if r == nil {
		r = render.New(nil)
	}
	return &HTMLExporter{options: opts, renderer: r}
}

// Export converts a session to HTML format.
func (e *HTMLExporter) Export(sess *model.ChatSession) ([]byte, error) {
	if err := validate(sess); err != nil {
		return nil, err
	}

	theme := e.options.Theme
	if theme != "light" {
		theme = "dark"
	}

	var sb strings.Builder

	sb.WriteString("<!DOCTYPE html>\n")
	sb.WriteString("<html lang=\"en\">\n")
	sb.WriteString("<head>\n")
	sb.WriteString("    <meta charset=\"UTF-8\">\n")
	sb.WriteString("    <meta name=\"viewport\" content=\"width=device-width, initial-scale=1.0\">\n")
	fmt.Fprintf(&sb, "    <title>%s</title>\n", html.EscapeString(sess.Title))
	sb.WriteString("    <meta name=\"generator\" content=\"rigrun-chat\">\n")
	fmt.Fprintf(&sb, "    <meta name=\"date\" content=\"%s\">\n", sess.CreatedAt.Format(time.RFC3339))
	sb.WriteString("    <style>\n")
	sb.WriteString(pageCSS)
	sb.WriteString(render.CSS())
	sb.WriteString("    </style>\n")
	sb.WriteString("</head>\n")
	fmt.Fprintf(&sb, "<body class=\"%s-theme\">\n", theme)
	sb.WriteString("    <div class=\"container\">\n")

	if e.options.IncludeMetadata {
		sb.WriteString(e.renderHeader(sess))
	} else {
		fmt.Fprintf(&sb, "        <h1>%s</h1>\n", html.EscapeString(sess.Title))
	}

	sb.WriteString("        <main class=\"conversation\">\n")
	if len(sess.Messages) == 0 {
		sb.WriteString("            <p class=\"empty\">No messages.</p>\n")
	}
	for i := range sess.Messages {
		if err := e.renderMessage(&sb, &sess.Messages[i]); err != nil {
			return nil, err
		}
	}
	sb.WriteString("        </main>\n")

	if e.options.IncludeMetadata {
		sb.WriteString("        <footer class=\"footer\">\n")
		fmt.Fprintf(&sb, "            <p>Exported from <strong>rigrun-chat</strong> on %s</p>\n",
			time.Now().Format("January 2, 2006 at 3:04 PM"))
		sb.WriteString("        </footer>\n")
	}

	sb.WriteString("    </div>\n")
	sb.WriteString("</body>\n")
	sb.WriteString("</html>\n")

	return []byte(sb.String()), nil
}

// FileExtension returns the file extension for HTML.
func (e *HTMLExporter) FileExtension() string {
	return ".html"
}

// MimeType returns the MIME type for HTML.
func (e *HTMLExporter) MimeType() string {
	return "text/html"
}

// =============================================================================
// RENDERING FUNCTIONS
// =============================================================================

func (e *HTMLExporter) renderHeader(sess *model.ChatSession) string {
	var sb strings.Builder

	sb.WriteString("        <header class=\"header\">\n")
	fmt.Fprintf(&sb, "            <h1>%s</h1>\n", html.EscapeString(sess.Title))
	sb.WriteString("            <div class=\"metadata\">\n")
	fmt.Fprintf(&sb, "                <span class=\"meta-item\"><strong>Created:</strong> %s</span>\n", formatTimestamp(sess.CreatedAt))
	fmt.Fprintf(&sb, "                <span class=\"meta-item\"><strong>Updated:</strong> %s</span>\n", formatTimestamp(sess.UpdatedAt))
	fmt.Fprintf(&sb, "                <span class=\"meta-item\"><strong>Messages:</strong> %d</span>\n", len(sess.Messages))
	sb.WriteString("            </div>\n")
	sb.WriteString("        </header>\n")

	return sb.String()
}

func (e *HTMLExporter) renderMessage(sb *strings.Builder, msg *model.Message) error {
	body, err := e.renderer.RenderHTML(msg.Content)
	if err != nil {
		return fmt.Errorf("render message %s: %w", msg.ID, err)
	}

	// Role is embedded in a class attribute; anything unknown collapses to "other".
	roleClass := "other"
	if msg.Role.Valid() {
		roleClass = string(msg.Role)
	}

	fmt.Fprintf(sb, "            <div class=\"message %s-message\">\n", roleClass)
	sb.WriteString("                <div class=\"message-header\">\n")
	fmt.Fprintf(sb, "                    <span class=\"role-label\">%s</span>\n", html.EscapeString(roleLabel(msg.Role)))
	if e.options.IncludeTimestamps && !msg.Timestamp.IsZero() {
		fmt.Fprintf(sb, "                    <span class=\"timestamp\">%s</span>\n", formatShortTimestamp(msg.Timestamp))
	}
	sb.WriteString("                </div>\n")
	sb.WriteString("                <div class=\"message-content\">\n")
	sb.WriteString(body)
	sb.WriteString("\n                </div>\n")
	sb.WriteString("            </div>\n")
	return nil
}

// =============================================================================
// EMBEDDED CSS
// =============================================================================

const pageCSS = `        * { box-sizing: border-box; margin: 0; padding: 0; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
            line-height: 1.6;
            padding: 2rem 1rem;
        }
        .dark-theme { background: #0d1117; color: #e6edf3; }
        .light-theme { background: #ffffff; color: #1f2328; }
        .container { max-width: 860px; margin: 0 auto; }
        .header { border-bottom: 1px solid #30363d; margin-bottom: 2rem; padding-bottom: 1rem; }
        .header h1 { font-size: 1.8rem; margin-bottom: 0.5rem; }
        .metadata { display: flex; flex-wrap: wrap; gap: 1rem; font-size: 0.9rem; opacity: 0.8; }
        .message { border-radius: 8px; margin-bottom: 1.5rem; padding: 1rem 1.25rem; }
        .dark-theme .user-message { background: #1f2a3a; }
        .dark-theme .assistant-message { background: #161b22; }
        .dark-theme .system-message, .dark-theme .other-message { background: #2d2a1f; }
        .light-theme .user-message { background: #ddf4ff; }
        .light-theme .assistant-message { background: #f6f8fa; }
        .light-theme .system-message, .light-theme .other-message { background: #fff8c5; }
        .message-header { display: flex; justify-content: space-between; margin-bottom: 0.5rem; }
        .role-label { font-weight: 600; }
        .timestamp { font-size: 0.8rem; opacity: 0.6; }
        .message-content p { margin: 0.5rem 0; }
        .message-content ul, .message-content ol { margin: 0.5rem 0 0.5rem 1.5rem; }
        .message-content table { border-collapse: collapse; margin: 0.5rem 0; }
        .message-content th, .message-content td { border: 1px solid #30363d; padding: 0.3rem 0.6rem; }
        .message-content pre { border-radius: 6px; overflow-x: auto; padding: 0.75rem; margin: 0.5rem 0; }
        .message-content code { font-family: "SF Mono", Consolas, monospace; font-size: 0.9em; }
        .empty { opacity: 0.6; font-style: italic; }
        .footer { border-top: 1px solid #30363d; font-size: 0.85rem; margin-top: 2rem; opacity: 0.7; padding-top: 1rem; text-align: center; }
`
