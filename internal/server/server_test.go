// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-chat/internal/chat"
	"github.com/jeranaias/rigrun-chat/internal/cloud"
	"github.com/jeranaias/rigrun-chat/internal/config"
	"github.com/jeranaias/rigrun-chat/internal/model"
	"github.com/jeranaias/rigrun-chat/internal/session"
	"github.com/jeranaias/rigrun-chat/internal/telemetry"
)

// fakeCompleter serves a canned body, a blocking pipe or an error.
type fakeCompleter struct {
	mu   sync.Mutex
	body string
	pipe *io.PipeReader
	err  error
}

func (f *fakeCompleter) Model() string { return "fake-model" }

func (f *fakeCompleter) StreamCompletion(ctx context.Context, _ []model.Message) (*cloud.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.pipe != nil {
		return cloud.NewStreamFromReader(ctx, f.pipe, nil), nil
	}
	return cloud.NewStreamFromReader(ctx, io.NopCloser(strings.NewReader(f.body)), nil), nil
}

func dataLine(content string) string {
	return `data: {"choices":[{"delta":{"content":"` + content + `"}}]}` + "\n"
}

func testConfig() config.ServerConfig {
	return config.ServerConfig{Addr: "127.0.0.1:0", CORSOrigins: []string{"http://localhost:5173"}}
}

func newTestServer(t *testing.T, client chat.Completer) (*Server, *session.Store) {
	t.Helper()
	store := session.NewStore(session.DefaultConfig())
	require.NoError(t, store.Load(context.Background()))
	usage := telemetry.NewUsageTracker()
	runner := chat.NewRunner(chat.Config{Store: store, Client: client, Usage: usage})
	return New(testConfig(), runner).WithUsage(usage).WithVersion("test"), store
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// =============================================================================
// STATE AND HEALTH
// =============================================================================

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, &fakeCompleter{})

	rec := do(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	health := decodeBody[HealthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.Equal(t, "fake-model", health.Model)
	assert.False(t, health.Streaming)
}

func TestState(t *testing.T) {
	s, store := newTestServer(t, &fakeCompleter{})

	rec := do(t, s, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, rec.Code)

	state := decodeBody[model.ChatState](t, rec)
	require.Len(t, state.Sessions, 1)
	assert.Equal(t, store.Snapshot().CurrentID(), state.CurrentID())
}

func TestSecurityHeaders(t *testing.T) {
	s, _ := newTestServer(t, &fakeCompleter{})

	rec := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.NotEmpty(t, rec.Header().Get("Content-Security-Policy"))
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, &fakeCompleter{})

	rec := do(t, s, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody[errorBody](t, rec).Error.Type)

	rec = do(t, s, http.MethodPatch, "/api/state", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// =============================================================================
// SESSIONS
// =============================================================================

func TestSessionLifecycle(t *testing.T) {
	s, store := newTestServer(t, &fakeCompleter{})
	first, _ := store.CurrentSession()

	rec := do(t, s, http.MethodPost, "/api/sessions", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[model.ChatSession](t, rec)
	assert.Equal(t, model.DefaultTitle, created.Title)

	rec = do(t, s, http.MethodGet, "/api/sessions/current", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decodeBody[model.ChatSession](t, rec).ID)

	rec = do(t, s, http.MethodPut, "/api/sessions/current", `{"id":"`+first.ID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first.ID, decodeBody[model.ChatSession](t, rec).ID)

	rec = do(t, s, http.MethodPut, "/api/sessions/current", `{"id":"missing"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	cur, _ := store.CurrentSession()
	assert.Equal(t, first.ID, cur.ID, "unknown id leaves the selection unchanged")

	rec = do(t, s, http.MethodGet, "/api/sessions/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodDelete, "/api/sessions/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, s, http.MethodDelete, "/api/sessions/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/sessions", "")
	list := decodeBody[SessionsResponse](t, rec)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, first.ID, list.Sessions[0].ID)
}

func TestClearSessions(t *testing.T) {
	s, store := newTestServer(t, &fakeCompleter{})
	store.CreateSession()
	store.CreateSession()

	rec := do(t, s, http.MethodDelete, "/api/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	fresh := decodeBody[model.ChatSession](t, rec)

	snap := store.Snapshot()
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, fresh.ID, snap.CurrentID())
}

func TestCurrentSession_None(t *testing.T) {
	s, store := newTestServer(t, &fakeCompleter{})
	cur, _ := store.CurrentSession()
	store.DeleteSession(cur.ID)

	rec := do(t, s, http.MethodGet, "/api/sessions/current", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearch(t *testing.T) {
	s, store := newTestServer(t, &fakeCompleter{})
	store.AddMessage(model.RoleUser, "Talk about Gophers")
	store.CreateSession()
	store.AddMessage(model.RoleUser, "unrelated")

	rec := do(t, s, http.MethodPut, "/api/search", `{"query":"GOPHER"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[SessionsResponse](t, rec)
	assert.Equal(t, "GOPHER", list.SearchQuery)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "Talk about Gophers", list.Sessions[0].Title)

	assert.Equal(t, "GOPHER", store.SearchQuery())
}

func TestExportSession(t *testing.T) {
	s, store := newTestServer(t, &fakeCompleter{})
	store.AddMessage(model.RoleUser, "hello **world**")
	cur, _ := store.CurrentSession()

	rec := do(t, s, http.MethodGet, "/api/sessions/"+cur.ID+"/export?format=html", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".html")
	assert.Contains(t, rec.Body.String(), "<strong>world</strong>")

	rec = do(t, s, http.MethodGet, "/api/sessions/"+cur.ID+"/export?format=md", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hello **world**")

	rec = do(t, s, http.MethodGet, "/api/sessions/"+cur.ID+"/export?format=pdf", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/sessions/missing/export", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// REQUEST VALIDATION
// =============================================================================

func TestDecode_InvalidAndOversizedBodies(t *testing.T) {
	s, _ := newTestServer(t, &fakeCompleter{})

	rec := do(t, s, http.MethodPost, "/api/messages", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/messages", `{"content":"hi","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	big := `{"content":"` + strings.Repeat("x", MaxRequestBodySize) + `"}`
	rec = do(t, s, http.MethodPost, "/api/messages", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRender(t *testing.T) {
	s, _ := newTestServer(t, &fakeCompleter{})

	rec := do(t, s, http.MethodPost, "/api/render", `{"text":"# Title\n\n<script>alert(1)</script>"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[RenderResponse](t, rec)
	assert.Contains(t, resp.HTML, "<h1")
	assert.NotContains(t, resp.HTML, "<script>")
}

// =============================================================================
// MESSAGE STREAMING
// =============================================================================

func TestSendMessage_StreamsEvents(t *testing.T) {
	s, store := newTestServer(t, &fakeCompleter{body: dataLine("He") + dataLine("llo") + "data: [DONE]\n"})

	rec := do(t, s, http.MethodPost, "/api/messages", `{"content":"Hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	want := `data: {"content":"He"}` + "\n\n" +
		`data: {"content":"llo"}` + "\n\n" +
		"data: [DONE]\n\n"
	assert.Equal(t, want, rec.Body.String())

	cur, _ := store.CurrentSession()
	assert.Equal(t, rec.Header().Get("X-Session-Id"), cur.ID)
	require.Len(t, cur.Messages, 2)
	assert.Equal(t, "Hello", cur.Messages[1].Content)
	assert.False(t, store.IsStreaming())

	stats := decodeBody[StatsResponse](t, do(t, s, http.MethodGet, "/api/stats", ""))
	assert.Equal(t, 1, stats.Sessions)
	assert.Equal(t, 2, stats.Messages)
	require.NotNil(t, stats.Usage)
	assert.Equal(t, 1, stats.Usage.Exchanges)
}

// brokenWriter accepts headers but fails every body write.
type brokenWriter struct {
	header http.Header
	status int
}

func (w *brokenWriter) Header() http.Header {
	if w.header == nil {
		w.header = http.Header{}
	}
	return w.header
}

func (w *brokenWriter) Write([]byte) (int, error) { return 0, errors.New("connection reset") }

func (w *brokenWriter) WriteHeader(status int) { w.status = status }

func TestSendMessage_LogsUnwritableErrorEvent(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s, store := newTestServer(t, &fakeCompleter{body: dataLine("Hi") + "data: [DONE]\n"})
	s.WithLogger(logger)

	req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(`{"content":"hello"}`))
	req.Header.Set("Content-Type", "application/json")
	w := &brokenWriter{}
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.status)
	assert.Contains(t, logs.String(), "failed to write error event")
	assert.Contains(t, logs.String(), "connection reset")
	assert.False(t, store.IsStreaming())
}

func TestSendMessage_ErrorsBeforeStream(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		content string
		status  int
	}{
		{"not configured", &cloud.ConfigError{Field: "API key"}, "hi", http.StatusServiceUnavailable},
		{"api error", &cloud.APIError{StatusCode: 401, Body: map[string]any{}}, "hi", http.StatusBadGateway},
		{"transport", &cloud.TransportError{Op: "request", Err: errors.New("refused")}, "hi", http.StatusGatewayTimeout},
		{"empty", nil, "   ", http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, store := newTestServer(t, &fakeCompleter{err: tc.err})

			rec := do(t, s, http.MethodPost, "/api/messages", `{"content":"`+tc.content+`"}`)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tc.status, decodeBody[errorBody](t, rec).Error.Code)
			assert.False(t, store.IsStreaming())
		})
	}
}

func TestSendMessage_NoSession(t *testing.T) {
	s, store := newTestServer(t, &fakeCompleter{})
	cur, _ := store.CurrentSession()
	store.DeleteSession(cur.ID)

	rec := do(t, s, http.MethodPost, "/api/messages", `{"content":"hi"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendMessage_ConflictAndCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	s, store := newTestServer(t, &fakeCompleter{pipe: pr})

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	type result struct {
		body string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.Post(ts.URL+"/api/messages", "application/json", strings.NewReader(`{"content":"first"}`))
		if err != nil {
			done <- result{err: err}
			return
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		done <- result{body: string(b), err: err}
	}()

	_, err := pw.Write([]byte(dataLine("partial")))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		cur, _ := store.CurrentSession()
		return len(cur.Messages) == 2
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Post(ts.URL+"/api/messages", "application/json", strings.NewReader(`{"content":"second"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/messages/cancel", "application/json", bytes.NewReader(nil))
	require.NoError(t, err)
	var cancelled map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cancelled))
	resp.Body.Close()
	assert.True(t, cancelled["cancelled"])

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Contains(t, res.body, `data: {"content":"partial"}`)
		assert.Contains(t, res.body, "event: error\n")
		assert.NotContains(t, res.body, "[DONE]")
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after cancel")
	}

	assert.False(t, store.IsStreaming())
	cur, _ := store.CurrentSession()
	assert.Equal(t, "partial", cur.Messages[1].Content, "partial reply is kept")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{cloud.ErrNotConfigured, http.StatusServiceUnavailable},
		{session.ErrStreamInProgress, http.StatusConflict},
		{session.ErrNoSession, http.StatusNotFound},
		{chat.ErrSessionRemoved, http.StatusNotFound},
		{session.ErrEmptyMessage, http.StatusBadRequest},
		{&cloud.APIError{StatusCode: 500}, http.StatusBadGateway},
		{&cloud.TransportError{Op: "read", Err: io.ErrUnexpectedEOF}, http.StatusGatewayTimeout},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		status, _ := statusFor(tc.err)
		assert.Equal(t, tc.status, status, "%v", tc.err)
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestStartAndShutdown(t *testing.T) {
	s, _ := newTestServer(t, &fakeCompleter{})

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	require.Eventually(t, func() bool {
		return !strings.HasSuffix(s.Addr(), ":0")
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.NoError(t, <-errCh)
}
