// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the chat store and runner over HTTP.
//
// # Endpoints
//
//   - GET    /healthz                  - Health check
//   - GET    /api/state                - Full chat state snapshot
//   - GET    /api/stats                - Session counts and exchange usage
//   - GET    /api/sessions             - Sessions matching the search query
//   - POST   /api/sessions             - Create a session
//   - DELETE /api/sessions             - Clear all sessions
//   - GET    /api/sessions/current     - Current session
//   - PUT    /api/sessions/current     - Select a session
//   - GET    /api/sessions/{id}        - One session
//   - DELETE /api/sessions/{id}        - Delete a session
//   - GET    /api/sessions/{id}/export - Export as markdown, json or html
//   - PUT    /api/search               - Set the search query
//   - POST   /api/messages             - Send a message, reply streams as SSE
//   - POST   /api/messages/cancel      - Cancel the in-flight reply
//   - POST   /api/render               - Render markdown to sanitized HTML
//
// # Middleware
//
// Requests pass through request IDs, real-IP extraction, panic recovery,
// structured logging, security headers, CORS, a per-IP rate limit and a
// body-size limit, in that order.
//
// # Usage
//
//	srv := server.New(cfg.Server, runner).WithLogger(logger)
//	go srv.Start()
//	defer srv.Shutdown(ctx)
package server
