package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/xiaoxianzi-99/AiBot/cmd/aibot/cmds"
	"github.com/xiaoxianzi-99/AiBot/pkg/config"
)

func main() {
	app := &cmds.App{}

	rootCmd := &cobra.Command{
		Use:           config.AppName,
		Short:         "aibot is a streaming chat client for OpenAI-compatible completion APIs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// flags are parsed by now, so the logger can honour --log-level and co
			return app.Setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			app.Close()
		},
	}
	config.AddFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		cmds.NewChatCommand(app),
		cmds.NewAskCommand(app),
		cmds.NewConversationsCommand(app),
		cmds.NewServeCommand(app),
		cmds.NewConfigCommand(app),
	)

	if err := rootCmd.Execute(); err != nil {
		cmds.PrintError(os.Stderr, err)
		os.Exit(1)
	}
}
