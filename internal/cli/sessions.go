// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// sessions.go - Session listing, transcript display and export commands.

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/text/cases"

	"github.com/jeranaias/rigrun-chat/internal/export"
	"github.com/jeranaias/rigrun-chat/internal/model"
	"github.com/jeranaias/rigrun-chat/internal/render"
	"github.com/jeranaias/rigrun-chat/internal/session"
	"github.com/jeranaias/rigrun-chat/internal/telemetry"
	"github.com/jeranaias/rigrun-chat/internal/util"
)

// titleColumnWidth is the display width of the title column.
const titleColumnWidth = 36

// SessionSummary is one row of "sessions --json".
type SessionSummary struct {
	Number    int       `json:"number"`
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  int       `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Current   bool      `json:"current"`
}

// runSessions lists sessions, optionally filtered by --search.
// The filter is applied locally and never changes the saved search query.
func runSessions(app *App, args Args, out io.Writer) error {
	all := app.Store.Sessions()
	current := currentID(app.Store)

	caser := cases.Fold()
	fold := func(v string) string { return caser.String(v) }

	var rows []SessionSummary
	for i, sess := range all {
		if !sess.Matches(args.Search, fold) {
			continue
		}
		rows = append(rows, SessionSummary{
			Number:    i + 1,
			ID:        sess.ID,
			Title:     sess.Title,
			Messages:  sess.MessageCount(),
			CreatedAt: sess.CreatedAt,
			UpdatedAt: sess.UpdatedAt,
			Current:   sess.ID == current,
		})
	}

	if args.JSON {
		if rows == nil {
			rows = []SessionSummary{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		if args.Search != "" {
			fmt.Fprintf(out, "No sessions match %q.\n", args.Search)
		} else {
			fmt.Fprintln(out, "No sessions.")
		}
		return nil
	}
	writeRows(out, rows)
	return nil
}

// writeSessionTable prints the store's filtered sessions numbered by their
// position in the full list, so numbers stay valid for /switch while a
// search is active.
func writeSessionTable(out io.Writer, store *session.Store) {
	filtered := store.FilteredSessions()
	if len(filtered) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return
	}
	number := make(map[string]int)
	for i, sess := range store.Sessions() {
		number[sess.ID] = i + 1
	}
	current := currentID(store)
	rows := make([]SessionSummary, len(filtered))
	for i, sess := range filtered {
		rows[i] = SessionSummary{
			Number:    number[sess.ID],
			ID:        sess.ID,
			Title:     sess.Title,
			Messages:  sess.MessageCount(),
			UpdatedAt: sess.UpdatedAt,
			Current:   sess.ID == current,
		}
	}
	writeRows(out, rows)
}

func writeRows(out io.Writer, rows []SessionSummary) {
	header := fmt.Sprintf("  %-4s %s %-8s %5s  %s", "#", util.PadRight("TITLE", titleColumnWidth), "ID", "MSGS", "UPDATED")
	fmt.Fprintln(out, DimStyle.Render(header))
	for _, row := range rows {
		marker := " "
		if row.Current {
			marker = "*"
		}
		title := util.PadRight(util.TruncateWidth(util.SingleLine(row.Title), titleColumnWidth), titleColumnWidth)
		line := fmt.Sprintf("%s %-4d %s %-8s %5d  %s", marker, row.Number, title, shortID(row.ID), row.Messages,
			formatAge(row.UpdatedAt, time.Now()))
		if row.Current {
			line = HighlightStyle.Render(line)
		}
		fmt.Fprintln(out, line)
	}
}

// runShow prints a transcript. On a terminal the markdown is rendered with
// glamour; otherwise it is printed as-is.
func runShow(app *App, args Args, out io.Writer) error {
	sess, err := resolveSession(app.Store, args.SessionID)
	if err != nil {
		return err
	}
	if args.JSON {
		exporter, err := export.New(export.FormatJSON, &export.Options{IncludeMetadata: false})
		if err != nil {
			return err
		}
		data, err := exporter.Export(&sess)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	}
	term := render.NewTerminal(terminalWidth(out), isTerminal(out) && ColorsEnabled())
	return writeTranscript(out, term, &sess)
}

// writeTranscript renders sess as markdown through term.
func writeTranscript(out io.Writer, term *render.Terminal, sess *model.ChatSession) error {
	exporter, err := export.New(export.FormatMarkdown, &export.Options{IncludeTimestamps: true})
	if err != nil {
		return err
	}
	data, err := exporter.Export(sess)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, term.Render(string(data)))
	return nil
}

// runExport writes a session to a file, or to stdout when --out is "-".
func runExport(app *App, args Args, out io.Writer) error {
	sess, err := resolveSession(app.Store, args.SessionID)
	if err != nil {
		return err
	}

	if args.Out == "-" {
		format, err := export.ParseFormat(args.Format)
		if err != nil {
			return NewValidationError("format", args.Format, "must be markdown, json or html")
		}
		opts := export.DefaultOptions()
		opts.Renderer = app.Renderer
		return export.Export(out, &sess, format, opts)
	}

	written, err := exportSession(&sess, args.Format, args.Out, app.Renderer)
	if err != nil {
		return err
	}
	app.Logger.Info("session exported", "session", sess.ID, "format", args.Format, "path", written)
	if args.JSON {
		return json.NewEncoder(out).Encode(map[string]string{"session_id": sess.ID, "path": written})
	}
	fmt.Fprintf(out, "%s %s\n", SuccessStyle.Render("Exported to"), written)
	return nil
}

// writeUsage prints exchange statistics.
func writeUsage(out io.Writer, s telemetry.UsageSummary) {
	fmt.Fprintln(out, TitleStyle.Render("Usage"))
	fmt.Fprintf(out, "%s%d\n", RenderLabel("Exchanges"), s.Exchanges)
	for _, outcome := range []telemetry.Outcome{telemetry.OutcomeCompleted, telemetry.OutcomeCancelled, telemetry.OutcomeFailed} {
		if n := s.ByOutcome[outcome]; n > 0 {
			fmt.Fprintf(out, "%s%d\n", RenderLabel("  "+string(outcome)), n)
		}
	}
	fmt.Fprintf(out, "%s%d (%d bytes)\n", RenderLabel("Fragments"), s.Fragments, s.Bytes)
	if s.ParseErrors > 0 {
		fmt.Fprintf(out, "%s%d\n", RenderLabel("Parse errors"), s.ParseErrors)
	}
	if s.Exchanges > 0 {
		fmt.Fprintf(out, "%s%s\n", RenderLabel("Avg duration"), s.AvgDuration.Round(time.Millisecond))
		fmt.Fprintf(out, "%s%s\n", RenderLabel("Avg first token"), s.AvgFirst.Round(time.Millisecond))
	}
}

// shortID returns the first eight characters of id.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatAge renders t relative to now.
func formatAge(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case t.IsZero():
		return "-"
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return t.Local().Format("2006-01-02")
	}
}
