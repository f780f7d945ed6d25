// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package render turns assistant markdown into safe output.
//
// Renderer produces sanitized HTML for the web surface and exports:
// goldmark converts the markdown, chroma highlights fenced code and
// bluemonday strips anything that could execute in a browser.
//
// Terminal renders the same markdown for the CLI with glamour.
//
// # Usage
//
//	r := render.New(logger)
//	html := r.Render("**hello** `world`")
//
//	css := render.CSS() // stylesheet for highlighted code
package render
