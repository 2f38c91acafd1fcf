package cmds

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/atotto/clipboard"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/xiaoxianzi-99/AiBot/pkg/render"
	"github.com/xiaoxianzi-99/AiBot/pkg/session"
)

func NewChatCommand(app *App) *cobra.Command {
	var (
		style    string
		noStream bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat in the most recent conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()

			store, err := app.OpenStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			tty := isatty.IsTerminal(os.Stdout.Fd())
			var renderer render.Renderer = render.Plain{}
			if tty {
				renderer = render.NewTerminalRenderer(style)
			}

			interrupts := make(chan os.Signal, 1)
			signal.Notify(interrupts, os.Interrupt)
			defer signal.Stop(interrupts)

			r := newRepl(os.Stdin, os.Stdout, interrupts, newReplStyles(tty))
			r.copyText = clipboard.WriteAll
			orch, err := session.New(session.Options{
				Store:      store,
				Client:     app.NewClient(),
				Sink:       r.Sink(),
				Renderer:   renderer,
				Tokens:     app.Tokens(),
				WarnTokens: app.Settings.WarnTokens,
				NoStream:   noStream,
			})
			if err != nil {
				return err
			}
			defer func() { _ = orch.Close() }()

			r.orch = orch
			return r.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&style, "style", "dark", "glamour style for /show (dark, light, notty, ...)")
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "Wait for the whole reply instead of streaming it")
	return cmd
}
