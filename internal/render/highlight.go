// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package render

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	chromaStyles "github.com/alecthomas/chroma/v2/styles"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"
)

// StyleName is the chroma style used for highlighted code.
const StyleName = "github-dark"

// codeClass is set on every <pre> wrapping a code block. "chroma" scopes
// the stylesheet returned by CSS.
const codeClass = "hljs chroma"

var langSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]`)

func codeStyle() *chroma.Style {
	style := chromaStyles.Get(StyleName)
	if style == nil {
		style = chromaStyles.Fallback
	}
	return style
}

func newFormatter() *chromahtml.Formatter {
	return chromahtml.New(
		chromahtml.WithClasses(true),
		chromahtml.PreventSurroundingPre(true),
	)
}

// CSS returns the stylesheet for the classes emitted in highlighted code.
func CSS() string {
	var buf bytes.Buffer
	if err := newFormatter().WriteCSS(&buf, codeStyle()); err != nil {
		return ""
	}
	return buf.String()
}

// codeBlockRenderer renders fenced code blocks through chroma.
type codeBlockRenderer struct {
	formatter *chromahtml.Formatter
	style     *chroma.Style
}

func newCodeBlockRenderer() renderer.NodeRenderer {
	return &codeBlockRenderer{formatter: newFormatter(), style: codeStyle()}
}

// RegisterFuncs implements renderer.NodeRenderer.
func (r *codeBlockRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindFencedCodeBlock, r.renderFencedCode)
}

func (r *codeBlockRenderer) renderFencedCode(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.FencedCodeBlock)

	var code strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		code.Write(seg.Value(source))
	}

	lang := langSanitizer.ReplaceAllString(string(n.Language(source)), "")

	w.WriteString(`<pre class="` + codeClass + `"><code`)
	if lang != "" {
		w.WriteString(` class="language-` + strings.ToLower(lang) + `"`)
	}
	w.WriteString(">")
	w.WriteString(r.highlight(code.String(), lang))
	w.WriteString("</code></pre>\n")
	return ast.WalkSkipChildren, nil
}

// highlight returns highlighted HTML, or escaped text when the language is
// unknown or the lexer fails.
func (r *codeBlockRenderer) highlight(code, lang string) string {
	if lang == "" {
		return EscapeHTML(code)
	}
	lexer := lexers.Get(lang)
	if lexer == nil {
		return EscapeHTML(code)
	}
	lexer = chroma.Coalesce(lexer)

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return EscapeHTML(code)
	}

	var buf bytes.Buffer
	if err := r.formatter.Format(&buf, r.style, iterator); err != nil {
		return EscapeHTML(code)
	}
	return buf.String()
}
