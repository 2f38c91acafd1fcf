package cmds

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func NewConfigCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the resolved configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective settings as YAML, with the API key redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := app.Settings.YAML()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if app.Settings.ConfigFile != "" {
				_, _ = fmt.Fprintf(w, "# from %s\n", app.Settings.ConfigFile)
			}
			_, err = fmt.Fprint(w, out)
			return err
		},
	}, &cobra.Command{
		Use:   "path",
		Short: "Print the config file in use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Settings.ConfigFile == "" {
				return errors.New("no config file found; create $HOME/.aibot/config.yaml or ./config.yaml")
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), app.Settings.ConfigFile)
			return err
		},
	})
	return cmd
}
