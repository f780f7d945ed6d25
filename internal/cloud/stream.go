// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
)

// STREAMING: Incremental line decoding of the completion event stream.

// =============================================================================
// STREAMING CONSTANTS
// =============================================================================

const (
	// DataPrefix starts every payload-bearing line.
	DataPrefix = "data: "

	// DoneSentinel is the literal line that marks the end of the stream.
	DoneSentinel = "data: [DONE]"

	// MaxLineSize bounds a single buffered line.
	// SECURITY: A peer that never sends '\n' cannot grow the buffer without limit.
	MaxLineSize = 1024 * 1024

	// readChunkSize is the size of each body read.
	readChunkSize = 4096
)

// =============================================================================
// STREAMING TYPES
// =============================================================================

// StreamChunk is the JSON payload carried by a "data: " line.
type StreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Role    string `json:"role,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error,omitempty"`
}

// GetContent returns the content from the first choice's delta.
func (c *StreamChunk) GetContent() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta.Content
	}
	return ""
}

// =============================================================================
// DECODER
// =============================================================================

// Decoder turns raw byte chunks into content fragments.
//
// Lines are split on '\n' at the byte level. A UTF-8 multi-byte sequence
// never contains 0x0A, so every complete line holds whole code points no
// matter where the network split the chunks. Only the trailing partial line
// is carried over between calls to Feed.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf         []byte
	parseErrors int
	logger      *slog.Logger
	onParseErr  func()
}

// NewDecoder creates a decoder that logs malformed lines to logger.
// A nil logger uses slog.Default().
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger}
}

// OnParseError registers a hook invoked for every malformed payload.
func (d *Decoder) OnParseError(fn func()) {
	d.onParseErr = fn
}

// Feed appends chunk to the buffer and returns the fragments of every line
// it completed, in line order.
func (d *Decoder) Feed(chunk []byte) []string {
	d.buf = append(d.buf, chunk...)

	var fragments []string
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		if frag, ok := d.decodeLine(d.buf[:i]); ok {
			fragments = append(fragments, frag)
		}
		d.buf = d.buf[i+1:]
	}

	if len(d.buf) > MaxLineSize {
		d.logger.Warn("stream line exceeds limit, discarding",
			"bytes", len(d.buf), "limit", MaxLineSize)
		d.countParseError()
		d.buf = nil
	}

	// Reclaim the consumed prefix once the buffer is drained.
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	}
	return fragments
}

// Residual returns the number of buffered bytes not yet forming a line.
func (d *Decoder) Residual() int {
	return len(d.buf)
}

// ParseErrors returns the number of malformed payloads skipped so far.
func (d *Decoder) ParseErrors() int {
	return d.parseErrors
}

// decodeLine applies the line protocol to one complete line.
func (d *Decoder) decodeLine(raw []byte) (string, bool) {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 || string(line) == DoneSentinel {
		return "", false
	}
	if !bytes.HasPrefix(line, []byte(DataPrefix)) {
		// event:, id:, retry: and ":" comments carry no content.
		return "", false
	}

	var chunk StreamChunk
	if err := json.Unmarshal(line[len(DataPrefix):], &chunk); err != nil {
		d.logger.Warn("error parsing stream chunk", "error", err, "bytes", len(line))
		d.countParseError()
		return "", false
	}
	if chunk.Error != nil {
		d.logger.Warn("stream carried an error payload", "message", chunk.Error.Message)
		return "", false
	}

	content := chunk.GetContent()
	if content == "" {
		return "", false
	}
	return content, true
}

func (d *Decoder) countParseError() {
	d.parseErrors++
	if d.onParseErr != nil {
		d.onParseErr()
	}
}

// =============================================================================
// READER LOOP
// =============================================================================

// Decode reads r chunk by chunk, feeding d, and calls emit for every
// fragment in order. It returns nil when r reaches EOF, the read error
// otherwise, or the first error returned by emit. Any residual partial line
// at EOF is discarded.
func (d *Decoder) Decode(ctx context.Context, r io.Reader, emit func(string) error) error {
	chunk := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := r.Read(chunk)
		if n > 0 {
			for _, frag := range d.Feed(chunk[:n]) {
				if err := emit(frag); err != nil {
					return err
				}
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				if d.Residual() > 0 {
					d.logger.Debug("discarding partial line at end of stream", "bytes", d.Residual())
					d.buf = nil
				}
				return nil
			}
			return readErr
		}
	}
}

// DecodeAll is a convenience for tests and offline tools: it decodes r to
// completion and returns every fragment.
func DecodeAll(r io.Reader) ([]string, error) {
	var out []string
	err := NewDecoder(nil).Decode(context.Background(), r, func(s string) error {
		out = append(out, s)
		return nil
	})
	return out, err
}
