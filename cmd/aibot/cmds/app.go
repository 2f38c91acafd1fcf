// Package cmds holds the cobra commands of the aibot binary.
package cmds

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/xiaoxianzi-99/AiBot/pkg/chat"
	"github.com/xiaoxianzi-99/AiBot/pkg/completion"
	"github.com/xiaoxianzi-99/AiBot/pkg/config"
	"github.com/xiaoxianzi-99/AiBot/pkg/logging"
	"github.com/xiaoxianzi-99/AiBot/pkg/persistence/chatstore"
	"github.com/xiaoxianzi-99/AiBot/pkg/session"
)

// App carries the resolved settings from the root command to subcommands.
type App struct {
	Settings config.Settings

	logCloser io.Closer
}

func (a *App) Setup(cmd *cobra.Command) error {
	s, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	closer, err := logging.Init(s.Log)
	if err != nil {
		return err
	}
	a.Settings = s
	a.logCloser = closer
	log.Debug().
		Str("config", s.ConfigFile).
		Str("model", s.Completion.Model).
		Str("db_driver", s.DB.Driver).
		Msg("settings resolved")
	return nil
}

func (a *App) Close() {
	if a.logCloser != nil {
		_ = a.logCloser.Close()
		a.logCloser = nil
	}
}

func (a *App) OpenStore(ctx context.Context) (chatstore.ConversationStore, error) {
	return chatstore.Open(ctx, a.Settings.DB)
}

func (a *App) NewClient() *completion.Client {
	return completion.NewClient(a.Settings.Completion)
}

// Tokens returns nil when the codec cannot be loaded; the size warning is
// then skipped.
func (a *App) Tokens() *chat.TokenCounter {
	tc, err := chat.NewTokenCounter()
	if err != nil {
		log.Warn().Err(err).Msg("token counter unavailable")
		return nil
	}
	return tc
}

// PrintError writes the user-facing text for err, keeping the raw error for
// the debug log.
func PrintError(w io.Writer, err error) {
	log.Debug().Err(err).Msg("command failed")
	_, _ = fmt.Fprintf(w, "Error: %s\n", session.UserMessage(err))
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Errorf("invalid conversation id %q", s)
	}
	return id, nil
}
