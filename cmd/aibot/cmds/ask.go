package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xiaoxianzi-99/AiBot/pkg/completion"
	"github.com/xiaoxianzi-99/AiBot/pkg/render"
	"github.com/xiaoxianzi-99/AiBot/pkg/session"
)

type askSettings struct {
	ConversationID int64
	NoStream       bool
	Style          string
}

func NewAskCommand(app *App) *cobra.Command {
	s := askSettings{}
	cmd := &cobra.Command{
		Use:   "ask <prompt>...",
		Short: "Send one prompt and print the reply",
		Long: "Send one prompt in a new conversation, or in --conversation N, and print the reply.\n" +
			"The reply is streamed unless --no-stream is given.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := app.OpenStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			var renderer render.Renderer
			if s.NoStream && isatty.IsTerminal(os.Stdout.Fd()) {
				renderer = render.NewTerminalRenderer(s.Style)
			}
			return runAsk(ctx, session.Options{
				Store:      store,
				Client:     app.NewClient(),
				Renderer:   renderer,
				Tokens:     app.Tokens(),
				WarnTokens: app.Settings.WarnTokens,
				NoStream:   s.NoStream,
			}, s, strings.Join(args, " "), cmd.OutOrStdout())
		},
	}
	cmd.Flags().Int64VarP(&s.ConversationID, "conversation", "c", 0, "Continue this conversation instead of starting a new one")
	cmd.Flags().BoolVar(&s.NoStream, "no-stream", false, "Wait for the whole reply instead of streaming it")
	cmd.Flags().StringVar(&s.Style, "style", "dark", "glamour style used with --no-stream on a terminal")
	return cmd
}

func runAsk(ctx context.Context, opts session.Options, s askSettings, prompt string, out io.Writer) error {
	events := session.NewChannelSink(64)
	opts.Sink = events
	orch, err := session.New(opts)
	if err != nil {
		return err
	}
	defer func() { _ = orch.Close() }()

	var eg errgroup.Group
	eg.Go(func() error {
		for e := range events.C {
			if e.Kind == session.EventDelta {
				_, _ = io.WriteString(out, e.Delta)
			}
		}
		return nil
	})
	// every event is emitted from the session worker, so once Close returns
	// nothing sends on the channel any more
	stopEvents := func() {
		_ = orch.Close()
		close(events.C)
		_ = eg.Wait()
	}

	if s.ConversationID > 0 {
		_, err = orch.SelectConversation(ctx, s.ConversationID)
	} else {
		_, err = orch.NewConversation(ctx)
	}
	if err != nil {
		stopEvents()
		return err
	}

	turn, err := orch.SendUserMessage(ctx, prompt)
	if err != nil {
		stopEvents()
		return err
	}
	select {
	case <-turn.Done():
	case <-ctx.Done():
		// let the turn save what it has before the session goes away
		orch.CancelTurn()
	}
	res, err := turn.Wait(context.Background())
	stopEvents()
	if err != nil {
		return err
	}

	if s.NoStream {
		text := res.Text
		if res.Markup != "" {
			text = res.Markup
		}
		_, _ = io.WriteString(out, strings.TrimRight(text, "\n"))
	}
	_, _ = fmt.Fprintln(out)

	switch {
	case res.Reason == completion.ReasonCanceled:
		return context.Canceled
	case res.Err != nil:
		return res.Err
	case res.Text == "":
		return errors.Wrap(&completion.ProtocolError{Reason: "empty reply"}, "ask")
	}
	if res.SaveErr != nil {
		_, _ = fmt.Fprintln(os.Stderr, session.UserMessage(res.SaveErr))
	}
	return nil
}
