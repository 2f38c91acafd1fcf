package chatstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInMemoryConversationStore(t *testing.T) {
	runConversationStoreSuite(t, func(t *testing.T) ConversationStore {
		return NewInMemoryConversationStore()
	})
}

func TestOpen_MemoryDriver(t *testing.T) {
	s, err := Open(context.Background(), Settings{Driver: DriverMemory})
	require.NoError(t, err)
	_, ok := s.(*InMemoryConversationStore)
	require.True(t, ok)

	require.NoError(t, s.Close())
	_, err = s.ListConversations(context.Background())
	require.Error(t, err)
}
