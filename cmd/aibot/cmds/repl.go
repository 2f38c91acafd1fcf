package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	input "github.com/tcnksm/go-input"

	"github.com/xiaoxianzi-99/AiBot/pkg/chat"
	"github.com/xiaoxianzi-99/AiBot/pkg/persistence/chatstore"
	"github.com/xiaoxianzi-99/AiBot/pkg/session"
)

type replStyles struct {
	prompt    lipgloss.Style
	assistant lipgloss.Style
	err       lipgloss.Style
	dim       lipgloss.Style
	active    lipgloss.Style
}

func newReplStyles(color bool) replStyles {
	if !color {
		plain := lipgloss.NewStyle()
		return replStyles{prompt: plain, assistant: plain, err: plain, dim: plain, active: plain}
	}
	return replStyles{
		prompt:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		assistant: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		err:       lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		dim:       lipgloss.NewStyle().Faint(true),
		active:    lipgloss.NewStyle().Bold(true),
	}
}

// repl is the interactive loop behind `aibot chat`. It reads lines on its own
// goroutine so that an interrupt can cancel a running turn.
type repl struct {
	orch       *session.Orchestrator
	out        io.Writer
	lines      chan string
	interrupts <-chan os.Signal
	styles     replStyles

	// copyText puts the last reply on the clipboard.
	copyText func(string) error

	// streamed is only touched from sink callbacks.
	streamed   bool
	lastText   string
	lastMarkup string
}

// newRepl starts reading in right away. orch must be set before Run.
func newRepl(in io.Reader, out io.Writer, interrupts <-chan os.Signal, styles replStyles) *repl {
	r := &repl{
		out:        out,
		lines:      make(chan string),
		interrupts: interrupts,
		styles:     styles,
	}
	go func() {
		defer close(r.lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for sc.Scan() {
			r.lines <- sc.Text()
		}
	}()
	return r
}

// Sink prints streamed deltas as they arrive and remembers the final reply.
func (r *repl) Sink() session.Sink {
	return session.SinkFuncs{
		OnTurnStarted: func(session.Event) {
			r.streamed = false
			_, _ = fmt.Fprint(r.out, r.styles.assistant.Render("assistant")+"> ")
		},
		OnDelta: func(e session.Event) {
			r.streamed = true
			_, _ = io.WriteString(r.out, e.Delta)
		},
		OnError: func(e session.Event) {
			r.printErr(e.Message)
		},
		OnComplete: func(e session.Event) {
			if !r.streamed && e.Text != "" {
				_, _ = io.WriteString(r.out, strings.TrimRight(e.Text, "\n"))
			}
			_, _ = fmt.Fprintln(r.out)
			if e.Text != "" {
				r.lastText, r.lastMarkup = e.Text, e.Markup
			}
		},
	}
}

func (r *repl) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}

func (r *repl) printErr(msg string) {
	_, _ = fmt.Fprintln(r.out, r.styles.err.Render(msg))
}

func (r *repl) printDim(msg string) {
	_, _ = fmt.Fprintln(r.out, r.styles.dim.Render(msg))
}

func (r *repl) readLine(ctx context.Context) (string, bool) {
	select {
	case <-ctx.Done():
		return "", false
	case <-r.interrupts:
		return "", false
	case line, ok := <-r.lines:
		return line, ok
	}
}

func (r *repl) Run(ctx context.Context) error {
	conv, err := r.orch.Init(ctx)
	if err != nil {
		return err
	}
	if err := r.printHistory(ctx, conv); err != nil {
		return err
	}
	r.printDim("Type /help for commands. Ctrl-C cancels a running reply.")

	for {
		_, _ = fmt.Fprint(r.out, r.styles.prompt.Render("you")+"> ")
		line, ok := r.readLine(ctx)
		if !ok {
			_, _ = fmt.Fprintln(r.out)
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := r.command(ctx, line)
			if err != nil {
				r.printErr(session.UserMessage(err))
			}
			if quit {
				return nil
			}
			continue
		}
		turn, err := r.orch.SendUserMessage(ctx, line)
		if err != nil {
			r.printErr(session.UserMessage(err))
			continue
		}
		r.wait(ctx, turn)
	}
}

// wait blocks until the turn ends. An interrupt cancels the turn instead of
// the program.
func (r *repl) wait(ctx context.Context, turn *session.Turn) {
	for {
		select {
		case <-turn.Done():
			return
		case <-ctx.Done():
			r.orch.CancelTurn()
			_, _ = turn.Wait(context.Background())
			return
		case <-r.interrupts:
			if r.orch.CancelTurn() {
				log.Debug().Str("turn_id", turn.ID).Msg("turn canceled by interrupt")
			}
		}
	}
}

func (r *repl) printHistory(ctx context.Context, conv chatstore.Conversation) error {
	msgs, err := r.orch.Messages(ctx)
	if err != nil {
		return err
	}
	r.printf("%s\n", r.styles.active.Render(fmt.Sprintf("[%d] %s", conv.ID, conv.Title)))
	if len(msgs) == 0 {
		r.printDim(session.WelcomeText)
		return nil
	}
	for _, m := range msgs {
		label := m.Role.String()
		if m.Role == chat.RoleAssistant {
			label = r.styles.assistant.Render(label)
		} else {
			label = r.styles.prompt.Render(label)
		}
		r.printf("%s> %s\n", label, m.Content)
	}
	return nil
}

const replHelp = `Commands:
  /new               start a new conversation
  /list              list conversations
  /switch <id>       switch to a conversation
  /rename <title>    rename the current conversation
  /delete [id]       delete a conversation (current by default)
  /upload <path>     send a text file for analysis
  /show              show the last reply rendered as markdown
  /copy              copy the last reply to the clipboard
  /quit              leave`

// command runs a slash command and reports whether the loop should end.
func (r *repl) command(ctx context.Context, line string) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		r.printf("%s\n", replHelp)
	case "/new":
		c, err := r.orch.NewConversation(ctx)
		if err != nil {
			return false, err
		}
		r.lastText, r.lastMarkup = "", ""
		return false, r.printHistory(ctx, c)
	case "/list":
		list, err := r.orch.ListConversations(ctx)
		if err != nil {
			return false, err
		}
		cur, _ := r.orch.Current()
		for _, c := range list {
			row := fmt.Sprintf("%4d  %-32s %s", c.ID, c.Title, c.UpdatedAt.Local().Format("2006-01-02 15:04"))
			if c.ID == cur.ID {
				row = r.styles.active.Render("*" + row[1:])
			}
			r.printf("%s\n", row)
		}
	case "/switch":
		id, err := parseID(arg)
		if err != nil {
			return false, err
		}
		c, err := r.orch.SelectConversation(ctx, id)
		if err != nil {
			return false, err
		}
		r.lastText, r.lastMarkup = "", ""
		return false, r.printHistory(ctx, c)
	case "/rename":
		cur, ok := r.orch.Current()
		if !ok {
			return false, errors.Wrap(chatstore.ErrConversationNotFound, "no conversation selected")
		}
		c, err := r.orch.RenameConversation(ctx, cur.ID, arg)
		if err != nil {
			return false, err
		}
		r.printDim(fmt.Sprintf("Renamed to %q.", c.Title))
	case "/delete":
		return false, r.delete(ctx, arg)
	case "/upload":
		if arg == "" {
			return false, errors.New("usage: /upload <path>")
		}
		name, data, err := session.ReadUploadPath(arg)
		if err != nil {
			return false, err
		}
		if !session.SupportedExtension(name) {
			r.printDim("Note: " + name + " has an unusual extension; sending it as text.")
		}
		turn, err := r.orch.UploadFile(ctx, name, data)
		if err != nil {
			return false, err
		}
		r.printDim("Analyzing " + name + "...")
		r.wait(ctx, turn)
	case "/show":
		switch {
		case r.lastMarkup != "":
			r.printf("%s\n", strings.TrimRight(r.lastMarkup, "\n"))
		case r.lastText != "":
			r.printf("%s\n", r.lastText)
		default:
			r.printDim("No reply yet.")
		}
	case "/copy":
		if r.lastText == "" {
			r.printDim("No reply yet.")
			return false, nil
		}
		if r.copyText == nil {
			return false, errors.New("clipboard not available")
		}
		if err := r.copyText(r.lastText); err != nil {
			return false, errors.Wrap(err, "copy to clipboard")
		}
		r.printDim("Copied the last reply.")
	default:
		r.printErr("Unknown command " + name + ". Type /help.")
	}
	return false, nil
}

func (r *repl) delete(ctx context.Context, arg string) error {
	cur, _ := r.orch.Current()
	id := cur.ID
	if arg != "" {
		var err error
		if id, err = parseID(arg); err != nil {
			return err
		}
	}
	if id == 0 {
		return errors.Wrap(chatstore.ErrConversationNotFound, "no conversation selected")
	}

	ok, err := r.confirm(fmt.Sprintf("Delete conversation %d? [y/N]", id))
	if err != nil || !ok {
		return err
	}
	if err := r.orch.DeleteConversation(ctx, id); err != nil {
		return err
	}
	r.printDim(fmt.Sprintf("Deleted conversation %d.", id))
	if next, ok := r.orch.Current(); ok && next.ID != cur.ID {
		r.lastText, r.lastMarkup = "", ""
		return r.printHistory(ctx, next)
	}
	return nil
}

func (r *repl) confirm(query string) (bool, error) {
	ui := &input.UI{
		Writer: r.out,
		Reader: &lineReader{lines: r.lines},
	}
	answer, err := ui.Ask(query, &input.Options{
		Default: "n",
		Loop:    true,
		ValidateFunc: func(answer string) error {
			switch strings.ToLower(answer) {
			case "y", "yes", "n", "no", "":
				return nil
			}
			return errors.Errorf("please enter 'y' or 'n'")
		},
	})
	if err != nil {
		return false, errors.Wrap(err, "failed to get user input")
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// lineReader feeds lines already split by the repl reader to go-input.
type lineReader struct {
	lines   <-chan string
	pending []byte
}

func (l *lineReader) Read(p []byte) (int, error) {
	if len(l.pending) == 0 {
		line, ok := <-l.lines
		if !ok {
			return 0, io.EOF
		}
		l.pending = []byte(line + "\n")
	}
	n := copy(p, l.pending)
	l.pending = l.pending[n:]
	return n, nil
}
