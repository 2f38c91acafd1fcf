package render

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxianzi-99/AiBot/pkg/chat"
	"github.com/xiaoxianzi-99/AiBot/pkg/persistence/chatstore"
)

func TestHTMLRenderer_Extensions(t *testing.T) {
	r := NewHTMLRenderer()

	out, err := r.Render("| a | b |\n|---|---|\n| 1 | 2 |\n")
	require.NoError(t, err)
	require.Contains(t, out, "<table>")

	out, err = r.Render("- [x] done\n- [ ] todo\n")
	require.NoError(t, err)
	require.Contains(t, out, `type="checkbox"`)

	out, err = r.Render("~~gone~~ and https://example.com")
	require.NoError(t, err)
	require.Contains(t, out, "<del>gone</del>")
	require.Contains(t, out, `<a href="https://example.com">`)

	out, err = r.Render("line one\nline two")
	require.NoError(t, err)
	require.Contains(t, out, "<br")

	out, err = r.Render("ship it :rocket:")
	require.NoError(t, err)
	require.NotContains(t, out, ":rocket:")
}

func TestHTMLRenderer_DropsRawHTML(t *testing.T) {
	out, err := NewHTMLRenderer().Render("<script>alert(1)</script>\n\nhello")
	require.NoError(t, err)
	require.NotContains(t, out, "<script>")
	require.Contains(t, out, "hello")
}

type failing struct{}

func (failing) Render(string) (string, error) { return "", errors.New("boom") }

func TestOr_FallsBack(t *testing.T) {
	out, ok := Or(failing{}, "a < b", PlainHTML)
	require.False(t, ok)
	require.Equal(t, "<p>a &lt; b</p>", out)

	out, ok = Or(nil, "plain", nil)
	require.False(t, ok)
	require.Equal(t, "plain", out)

	out, ok = Or(Plain{}, "plain", nil)
	require.True(t, ok)
	require.Equal(t, "plain", out)
}

func TestExportHTML(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	conv := chatstore.Conversation{ID: 1, Title: "Quicksort <3", CreatedAt: now, UpdatedAt: now}
	msgs := []chatstore.Message{
		{ID: 1, ConversationID: 1, Role: chat.RoleUser, Content: "<b>explain</b>", CreatedAt: now},
		{ID: 2, ConversationID: 1, Role: chat.RoleAssistant, Content: "**pivot** first", CreatedAt: now},
	}

	var buf bytes.Buffer
	require.NoError(t, ExportHTML(&buf, NewHTMLRenderer(), conv, msgs))
	page := buf.String()
	require.Contains(t, page, "<title>Quicksort &lt;3</title>")
	require.Contains(t, page, "&lt;b&gt;explain&lt;/b&gt;")
	require.Contains(t, page, "<strong>pivot</strong>")
	require.Equal(t, 2, strings.Count(page, `<div class="msg `))
}
