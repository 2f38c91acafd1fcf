package cmds

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/xiaoxianzi-99/AiBot/pkg/eventbus"
	"github.com/xiaoxianzi-99/AiBot/pkg/render"
	"github.com/xiaoxianzi-99/AiBot/pkg/webchat"
)

func NewServeCommand(app *App) *cobra.Command {
	var (
		addr        string
		redis       bool
		redisAddr   string
		idleTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the REST and websocket chat API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cmd.Flags().Changed("listen") {
				app.Settings.ListenAddr = addr
			}
			bus := app.Settings.Redis
			if cmd.Flags().Changed("redis") {
				bus.Enabled = redis
			}
			if cmd.Flags().Changed("redis-addr") {
				bus.Addr = redisAddr
			}

			store, err := app.OpenStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			backend, err := eventbus.Build(bus)
			if err != nil {
				return err
			}
			defer func() { _ = backend.Close() }()

			srv, err := webchat.NewServer(ctx, app.Settings.ListenAddr, webchat.Deps{
				Store:       store,
				Client:      app.NewClient(),
				Bus:         backend,
				Renderer:    render.NewHTMLRenderer(),
				Tokens:      app.Tokens(),
				WarnTokens:  app.Settings.WarnTokens,
				IdleTimeout: idleTimeout,
			})
			if err != nil {
				return err
			}
			log.Info().
				Str("addr", app.Settings.ListenAddr).
				Bool("redis", bus.Enabled).
				Msg("serving chat api")
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "listen", "127.0.0.1:8080", "Address to listen on")
	cmd.Flags().BoolVar(&redis, "redis", false, "Fan events out through Redis Streams")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "Redis address (host:port)")
	cmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 10*time.Minute, "Unload a conversation after this long without websockets")
	return cmd
}
