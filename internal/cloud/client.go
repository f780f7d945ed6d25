// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jeranaias/rigrun-chat/internal/model"
)

// Configuration constants for the completion endpoint.
const (
	// DefaultModel is sent when no model is configured.
	DefaultModel = "qwen-plus"

	// DefaultBufferSize is the capacity of the fragment channel.
	DefaultBufferSize = 64

	// DefaultHeaderTimeout bounds the wait for response headers. The body
	// itself has no deadline; cancel through the context or Stream.Close.
	DefaultHeaderTimeout = 60 * time.Second

	// MaxErrorBodySize is the maximum error body read from a failed response.
	// SECURITY: Response size limit prevents memory exhaustion.
	MaxErrorBodySize = 1024 * 1024
)

// sharedStreamingClient is used when no client is injected.
// PERFORMANCE: Connection pooling for streaming requests.
var sharedStreamingClient = NewStreamingHTTPClient(DefaultHeaderTimeout)

// NewStreamingHTTPClient builds an HTTP client suited to long-lived streamed
// responses: pooled connections, TLS 1.2+, a response header deadline, and
// no overall client timeout.
func NewStreamingHTTPClient(headerTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: headerTimeout,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
		// No timeout for streaming - controlled via context
	}
}

// =============================================================================
// METRICS SIDE CHANNEL
// =============================================================================

// Recorder receives per-request and per-fragment measurements.
type Recorder interface {
	Fragment(ctx context.Context)
	ParseError(ctx context.Context)
	Request(ctx context.Context, status int, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) Fragment(context.Context)                    {}
func (nopRecorder) ParseError(context.Context)                  {}
func (nopRecorder) Request(context.Context, int, time.Duration) {}

// =============================================================================
// WIRE TYPES
// =============================================================================

// ChatMessage is the wire form of a message. Only role and content are sent.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the JSON body of a streamed completion request.
type CompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// ToWire maps history onto the wire format, preserving order.
func ToWire(history []model.Message) []ChatMessage {
	out := make([]ChatMessage, len(history))
	for i, m := range history {
		out[i] = ChatMessage{Role: string(m.Role), Content: m.Content}
	}
	return out
}

// =============================================================================
// CLIENT
// =============================================================================

// Client issues streamed chat completion requests. It holds no session
// state; every call is independent.
type Client struct {
	mu         sync.RWMutex
	apiURL     string
	apiKey     string
	model      string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger
	recorder   Recorder
	bufferSize int
}

// NewClient creates a client for the given endpoint URL and credential.
func NewClient(apiURL, apiKey string) *Client {
	return &Client{
		apiURL:     apiURL,
		apiKey:     apiKey,
		model:      DefaultModel,
		headers:    map[string]string{},
		httpClient: sharedStreamingClient,
		logger:     slog.Default(),
		recorder:   nopRecorder{},
		bufferSize: DefaultBufferSize,
	}
}

// WithModel sets the model name sent with each request.
func (c *Client) WithModel(name string) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name != "" {
		c.model = name
	}
	return c
}

// WithHTTPClient replaces the HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.httpClient = hc
	}
	return c
}

// WithLogger sets the structured logger.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// WithRecorder sets the metrics recorder.
func (c *Client) WithRecorder(r Recorder) *Client {
	if r != nil {
		c.recorder = r
	}
	return c
}

// WithBufferSize sets the fragment channel capacity.
func (c *Client) WithBufferSize(n int) *Client {
	if n > 0 {
		c.bufferSize = n
	}
	return c
}

// WithHeader adds an extra request header, such as an HTTP-Referer for
// routing proxies.
func (c *Client) WithHeader(key, value string) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers[key] = value
	return c
}

// Reconfigure swaps the endpoint, credential and model. Streams already in
// progress keep the settings they started with.
func (c *Client) Reconfigure(apiURL, apiKey, modelName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiURL = apiURL
	c.apiKey = apiKey
	if modelName != "" {
		c.model = modelName
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

// IsConfigured reports whether both credential and endpoint are set.
func (c *Client) IsConfigured() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey != "" && c.apiURL != ""
}

// KeyFingerprint identifies the credential in logs without exposing it.
// SECURITY: Never log key fragments.
func (c *Client) KeyFingerprint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fingerprint(c.apiKey)
}

func fingerprint(key string) string {
	if key == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:4])
}

// requestSettings is an immutable view of the client settings for one call.
type requestSettings struct {
	apiURL  string
	apiKey  string
	model   string
	headers map[string]string
}

func (c *Client) settings() requestSettings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	headers := make(map[string]string, len(c.headers))
	for k, v := range c.headers {
		headers[k] = v
	}
	return requestSettings{apiURL: c.apiURL, apiKey: c.apiKey, model: c.model, headers: headers}
}

// StreamCompletion sends history to the endpoint and returns a Stream of
// content fragments. Configuration, transport and status failures are
// returned here, before any fragment is produced. The returned Stream must
// be closed by the caller.
func (c *Client) StreamCompletion(ctx context.Context, history []model.Message) (*Stream, error) {
	cfg := c.settings()
	if cfg.apiKey == "" {
		return nil, &ConfigError{Field: "API key"}
	}
	if cfg.apiURL == "" {
		return nil, &ConfigError{Field: "API URL"}
	}

	body, err := json.Marshal(CompletionRequest{
		Model:    cfg.model,
		Messages: ToWire(history),
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, cfg.apiURL, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: invalid API URL: %v", ErrNotConfigured, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+cfg.apiKey)
	for k, v := range cfg.headers {
		req.Header.Set(k, v)
	}

	c.logger.Info("completion request",
		"model", cfg.model,
		"messages", len(history),
		"key", fingerprint(cfg.apiKey))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		c.logger.Error("completion request failed", "error", err)
		return nil, &TransportError{Op: "request", Err: err}
	}
	c.recorder.Request(ctx, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancel()
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBodySize))
		apiErr := newAPIError(resp.StatusCode, data)
		c.logger.Error("completion request rejected", "status", resp.StatusCode, "message", apiErr.Message())
		return nil, apiErr
	}

	c.logger.Debug("completion stream opened", "status", resp.StatusCode, "ttfb", time.Since(start))

	dec := NewDecoder(c.logger)
	dec.OnParseError(func() { c.recorder.ParseError(ctx) })

	s := newStream(cancel, c.bufferSize)
	go s.run(streamCtx, resp.Body, dec, c.recorder, c.logger, start)
	return s, nil
}

// =============================================================================
// STREAM
// =============================================================================

// StreamStats holds statistics collected during streaming.
type StreamStats struct {
	Fragments     int
	Bytes         int
	FirstFragment time.Duration
	Total         time.Duration
	ParseErrors   int
}

// Stream is a single-pass, single-consumer sequence of content fragments.
// Fragments is closed when the body ends, fails, or the stream is closed.
type Stream struct {
	fragments chan string
	done      chan struct{}
	cancel    context.CancelFunc
	closeOnce sync.Once

	// Written by the producer before done is closed.
	err   error
	stats StreamStats
}

func newStream(cancel context.CancelFunc, buffer int) *Stream {
	return &Stream{
		fragments: make(chan string, buffer),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
}

// NewStreamFromReader wraps an arbitrary body in a Stream. It lets tests and
// replay tools drive consumers without an HTTP endpoint.
func NewStreamFromReader(ctx context.Context, body io.ReadCloser, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	streamCtx, cancel := context.WithCancel(ctx)
	// Unblock a pending Read on bodies that ignore the context.
	context.AfterFunc(streamCtx, func() { body.Close() })
	s := newStream(cancel, DefaultBufferSize)
	go s.run(streamCtx, body, NewDecoder(logger), nopRecorder{}, logger, time.Now())
	return s
}

func (s *Stream) run(ctx context.Context, body io.ReadCloser, dec *Decoder, rec Recorder, logger *slog.Logger, start time.Time) {
	defer s.cancel()
	// done closes before fragments so Err and Stats are final by the time a
	// consumer observes the end of Fragments.
	defer close(s.fragments)
	defer close(s.done)
	defer body.Close()

	err := dec.Decode(ctx, body, func(frag string) error {
		if s.stats.Fragments == 0 {
			s.stats.FirstFragment = time.Since(start)
		}
		s.stats.Fragments++
		s.stats.Bytes += len(frag)
		rec.Fragment(ctx)

		select {
		case s.fragments <- frag:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	s.stats.Total = time.Since(start)
	s.stats.ParseErrors = dec.ParseErrors()

	if ctxErr := ctx.Err(); ctxErr != nil {
		// Cancellation surfaces as context.Canceled regardless of how the
		// transport reported the aborted read.
		err = ctxErr
	}
	if err != nil {
		s.err = &TransportError{Op: "read", Err: err}
		logger.Warn("completion stream ended early", "error", err, "fragments", s.stats.Fragments)
		return
	}
	logger.Info("completion stream finished",
		"fragments", s.stats.Fragments,
		"parse_errors", s.stats.ParseErrors,
		"duration", s.stats.Total)
}

// Fragments returns the fragment channel. Consume it exactly once.
func (s *Stream) Fragments() <-chan string {
	return s.fragments
}

// Done is closed once the producer has exited.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error once Fragments is closed, and nil before.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Stats returns the stream statistics once Fragments is closed.
func (s *Stream) Stats() StreamStats {
	select {
	case <-s.done:
		return s.stats
	default:
		return StreamStats{}
	}
}

// Close cancels the producer, releases the response body, and waits for the
// producer to exit. Safe to call more than once and from any goroutine.
func (s *Stream) Close() {
	s.closeOnce.Do(s.cancel)
	<-s.done
}
