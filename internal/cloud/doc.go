// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud streams chat completions from an OpenAI-compatible endpoint.
//
// The endpoint answers with a line-delimited event stream where each payload
// line has the form "data: <json>" and the stream ends with "data: [DONE]".
// This package decodes that stream incrementally and exposes the content
// deltas as a bounded channel of fragments.
//
// # Key Types
//
//   - Client: Sends the request, validates the response and starts a Stream
//   - Stream: Single-pass fragment channel with Err, Stats and Close
//   - Decoder: Incremental byte-chunk to fragment decoder
//   - ConfigError, TransportError, APIError: Error taxonomy
//   - Recorder: Metrics side channel for fragments and parse errors
//
// # Usage
//
//	client := cloud.NewClient(apiURL, apiKey).WithModel("qwen-plus")
//	stream, err := client.StreamCompletion(ctx, history)
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//	for frag := range stream.Fragments() {
//	    fmt.Print(frag)
//	}
//	if err := stream.Err(); err != nil {
//	    return err
//	}
//
// # Security
//
// API keys are never logged; a short SHA-256 fingerprint is used instead.
// All requests use TLS 1.2+ and error bodies are read with a size limit.
package cloud
