package render

import (
	"html/template"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/xiaoxianzi-99/AiBot/pkg/chat"
	"github.com/xiaoxianzi-99/AiBot/pkg/persistence/chatstore"
)

var exportTemplate = template.Must(template.New("export").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: -apple-system, "Segoe UI", sans-serif; max-width: 860px; margin: 2em auto; color: #222; }
.msg { border-radius: 8px; padding: 0.6em 1em; margin: 0.8em 0; }
.user { background: #e8f0fe; }
.assistant { background: #f5f5f5; }
.system { background: #fff8e1; font-style: italic; }
.meta { font-size: 0.8em; color: #777; }
pre { background: #272822; color: #f8f8f2; padding: 0.8em; overflow-x: auto; }
table { border-collapse: collapse; } td, th { border: 1px solid #ccc; padding: 0.3em 0.6em; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p class="meta">Created {{.Created}} · Updated {{.Updated}}</p>
{{range .Messages}}<div class="msg {{.Role}}">
<div class="meta">{{.Role}} · {{.At}}</div>
{{.Body}}
</div>
{{end}}</body>
</html>
`))

type exportMessage struct {
	Role string
	At   string
	Body template.HTML
}

// ExportHTML writes a standalone HTML page for a conversation. Message bodies
// go through r; a nil or failing renderer falls back to escaped plain text.
func ExportHTML(w io.Writer, r Renderer, conv chatstore.Conversation, messages []chatstore.Message) error {
	data := struct {
		Title    string
		Created  string
		Updated  string
		Messages []exportMessage
	}{
		Title:   conv.Title,
		Created: conv.CreatedAt.Local().Format(time.DateTime),
		Updated: conv.UpdatedAt.Local().Format(time.DateTime),
	}
	for _, m := range messages {
		var body string
		if m.Role == chat.RoleAssistant {
			body, _ = Or(r, m.Content, PlainHTML)
		} else {
			body = PlainHTML(m.Content)
		}
		data.Messages = append(data.Messages, exportMessage{
			Role: m.Role.String(),
			At:   m.CreatedAt.Local().Format(time.DateTime),
			// body is produced by goldmark without raw HTML passthrough, or escaped
			Body: template.HTML(body), //nolint:gosec
		})
	}
	return errors.Wrap(exportTemplate.Execute(w, data), "export html")
}
