package chatstore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// Set AIBOT_TEST_POSTGRES_DSN to a scratch database to run these.
func TestPostgresConversationStore(t *testing.T) {
	dsn := os.Getenv("AIBOT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AIBOT_TEST_POSTGRES_DSN not set")
	}
	runConversationStoreSuite(t, func(t *testing.T) ConversationStore {
		ctx := context.Background()
		s, err := NewPostgresConversationStore(ctx, dsn)
		require.NoError(t, err)
		_, err = s.db.ExecContext(ctx, `TRUNCATE messages, conversations RESTART IDENTITY CASCADE`)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
