package cmds

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	input "github.com/tcnksm/go-input"
	"gopkg.in/yaml.v3"

	"github.com/xiaoxianzi-99/AiBot/pkg/chat"
	"github.com/xiaoxianzi-99/AiBot/pkg/persistence/chatstore"
	"github.com/xiaoxianzi-99/AiBot/pkg/render"
	"github.com/xiaoxianzi-99/AiBot/pkg/session"
)

func NewConversationsCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Inspect and manage stored conversations",
	}
	cmd.AddCommand(
		newConvListCommand(app),
		newConvShowCommand(app),
		newConvRenameCommand(app),
		newConvDeleteCommand(app),
		newConvExportCommand(app),
	)
	return cmd
}

func newConvListCommand(app *App) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := app.OpenStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			list, err := store.ListConversations(cmd.Context())
			if err != nil {
				return err
			}
			return writeConversations(cmd.OutOrStdout(), output, list)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json or yaml")
	return cmd
}

func writeConversations(w io.Writer, format string, list []chatstore.Conversation) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer func() { _ = enc.Close() }()
		return enc.Encode(list)
	case "table", "":
		t := table.New().
			Border(lipgloss.NormalBorder()).
			Headers("ID", "TITLE", "UPDATED")
		for _, c := range list {
			t.Row(strconv.FormatInt(c.ID, 10), c.Title, c.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
		}
		_, err := fmt.Fprintln(w, t.Render())
		return err
	}
	return errors.Errorf("unknown output format %q", format)
}

func newConvShowCommand(app *App) *cobra.Command {
	var (
		markdown bool
		style    string
	)
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print the messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			store, err := app.OpenStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			c, ok, err := store.GetConversation(cmd.Context(), id)
			if err != nil {
				return err
			}
			if !ok {
				return errors.Wrapf(chatstore.ErrConversationNotFound, "id %d", id)
			}
			msgs, err := store.ListMessages(cmd.Context(), id)
			if err != nil {
				return err
			}

			var renderer render.Renderer = render.Plain{}
			if markdown && isatty.IsTerminal(os.Stdout.Fd()) {
				renderer = render.NewTerminalRenderer(style)
			}
			printTranscript(cmd.OutOrStdout(), renderer, c, msgs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&markdown, "markdown", true, "Render assistant replies as markdown on a terminal")
	cmd.Flags().StringVar(&style, "style", "dark", "glamour style")
	return cmd
}

func printTranscript(w io.Writer, r render.Renderer, c chatstore.Conversation, msgs []chatstore.Message) {
	_, _ = fmt.Fprintf(w, "# [%d] %s\n\n", c.ID, c.Title)
	if len(msgs) == 0 {
		_, _ = fmt.Fprintln(w, session.WelcomeText)
		return
	}
	for _, m := range msgs {
		text := m.Content
		if m.Role == chat.RoleAssistant {
			text, _ = render.Or(r, m.Content, func(s string) string { return s })
		}
		_, _ = fmt.Fprintf(w, "%s (%s):\n%s\n\n", m.Role, m.CreatedAt.Local().Format("2006-01-02 15:04"), strings.TrimRight(text, "\n"))
	}
}

func newConvRenameCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <title>...",
		Short: "Rename a conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			title := strings.TrimSpace(strings.Join(args[1:], " "))
			if title == "" {
				return session.ErrEmptyInput
			}
			store, err := app.OpenStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			c, err := store.RenameConversation(cmd.Context(), id, title)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Renamed %d to %q\n", c.ID, c.Title)
			return nil
		},
	}
}

func newConvDeleteCommand(app *App) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a conversation and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if !yes {
				if !isatty.IsTerminal(os.Stdin.Fd()) {
					return errors.New("refusing to delete without --yes when stdin is not a terminal")
				}
				ui := &input.UI{Writer: os.Stderr, Reader: os.Stdin}
				answer, err := ui.Ask(fmt.Sprintf("Delete conversation %d? [y/N]", id), &input.Options{
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
					return errors.Wrap(err, "failed to get user input")
				}
				if a := strings.ToLower(answer); a != "y" && a != "yes" {
					return nil
				}
			}

			store, err := app.OpenStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			if err := store.DeleteConversation(cmd.Context(), id); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted conversation %d\n", id)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func newConvExportCommand(app *App) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Export a conversation as a standalone HTML page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			store, err := app.OpenStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			c, ok, err := store.GetConversation(cmd.Context(), id)
			if err != nil {
				return err
			}
			if !ok {
				return errors.Wrapf(chatstore.ErrConversationNotFound, "id %d", id)
			}
			msgs, err := store.ListMessages(cmd.Context(), id)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if outPath != "" && outPath != "-" {
				f, err := os.Create(outPath)
				if err != nil {
					return errors.Wrap(err, "create export file")
				}
				defer func() { _ = f.Close() }()
				w = f
			}
			return render.ExportHTML(w, render.NewHTMLRenderer(), c, msgs)
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}
