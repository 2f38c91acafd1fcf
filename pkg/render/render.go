// Package render turns a finished assistant reply into display markup. It
// never sees raw deltas; a renderer failure is reported so the caller can
// fall back to plain text.
package render

import (
	"bytes"
	"html"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/yuin/goldmark"
	emoji "github.com/yuin/goldmark-emoji"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

type Renderer interface {
	Render(text string) (string, error)
}

// HTMLRenderer renders markdown to an HTML fragment with tables, task lists,
// strikethrough, autolinks, emoji shortcodes and hard line breaks. Raw HTML
// in the input is not passed through.
type HTMLRenderer struct {
	md goldmark.Markdown
}

func NewHTMLRenderer() *HTMLRenderer {
	return &HTMLRenderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM, emoji.Emoji),
			goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
		),
	}
}

func (r *HTMLRenderer) Render(text string) (string, error) {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(text), &buf); err != nil {
		return "", errors.Wrap(err, "render html")
	}
	return buf.String(), nil
}

// TerminalRenderer renders markdown for an ANSI terminal.
type TerminalRenderer struct {
	style string
}

func NewTerminalRenderer(style string) *TerminalRenderer {
	if style == "" {
		style = "dark"
	}
	return &TerminalRenderer{style: style}
}

func (r *TerminalRenderer) Render(text string) (string, error) {
	out, err := glamour.Render(text, r.style)
	if err != nil {
		return "", errors.Wrap(err, "render terminal")
	}
	return strings.TrimRight(out, "\n") + "\n", nil
}

// Plain returns the text unchanged.
type Plain struct{}

func (Plain) Render(text string) (string, error) { return text, nil }

// PlainHTML escapes the text and keeps line breaks, for HTML surfaces whose
// markdown renderer failed.
func PlainHTML(text string) string {
	return "<p>" + strings.ReplaceAll(html.EscapeString(text), "\n", "<br />\n") + "</p>"
}

// Or renders with r and falls back to fallback(text) when r is nil or fails.
// ok reports whether r produced the result.
func Or(r Renderer, text string, fallback func(string) string) (out string, ok bool) {
	if fallback == nil {
		fallback = func(s string) string { return s }
	}
	if r == nil {
		return fallback(text), false
	}
	out, err := r.Render(text)
	if err != nil {
		log.Warn().Err(err).Str("component", "render").Msg("markup rendering failed, using plain text")
		return fallback(text), false
	}
	return out, true
}
