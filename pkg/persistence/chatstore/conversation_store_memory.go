package chatstore

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/xiaoxianzi-99/AiBot/pkg/chat"
)

// InMemoryConversationStore mirrors the ordering semantics of the SQL stores.
// Nothing survives the process; it backs tests and --db-driver memory.
type InMemoryConversationStore struct {
	mu            sync.Mutex
	clock         *clock
	nextConvID    int64
	nextMessageID int64
	conversations map[int64]Conversation
	messages      map[int64][]Message
	closed        bool
}

var _ ConversationStore = &InMemoryConversationStore{}

func NewInMemoryConversationStore() *InMemoryConversationStore {
	return &InMemoryConversationStore{
		clock:         newClock(),
		conversations: map[int64]Conversation{},
		messages:      map[int64][]Message{},
	}
}

func (s *InMemoryConversationStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *InMemoryConversationStore) checkOpenLocked(op string) error {
	if s.closed {
		return storageErr(op, errors.New("store is closed"))
	}
	return nil
}

func (s *InMemoryConversationStore) CreateConversation(_ context.Context, title string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpenLocked("create conversation"); err != nil {
		return Conversation{}, err
	}
	s.nextConvID++
	now := fromMicros(s.clock.next())
	c := Conversation{ID: s.nextConvID, Title: title, CreatedAt: now, UpdatedAt: now}
	s.conversations[c.ID] = c
	return c, nil
}

func (s *InMemoryConversationStore) ListConversations(_ context.Context) ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpenLocked("list conversations"); err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *InMemoryConversationStore) GetConversation(_ context.Context, id int64) (Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpenLocked("get conversation"); err != nil {
		return Conversation{}, false, err
	}
	c, ok := s.conversations[id]
	return c, ok, nil
}

func (s *InMemoryConversationStore) RenameConversation(_ context.Context, id int64, title string) (Conversation, error) {
	const op = "rename conversation"
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpenLocked(op); err != nil {
		return Conversation{}, err
	}
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, storageErr(op, errors.Wrapf(ErrConversationNotFound, "id %d", id))
	}
	c.Title = title
	c.UpdatedAt = fromMicros(s.clock.next())
	s.conversations[id] = c
	return c, nil
}

func (s *InMemoryConversationStore) DeleteConversation(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpenLocked("delete conversation"); err != nil {
		return err
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	return nil
}

func (s *InMemoryConversationStore) AppendMessage(_ context.Context, conversationID int64, role chat.Role, content string) (Message, error) {
	const op = "append message"
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpenLocked(op); err != nil {
		return Message{}, err
	}
	if err := validRole(role); err != nil {
		return Message{}, storageErr(op, err)
	}
	c, ok := s.conversations[conversationID]
	if !ok {
		return Message{}, storageErr(op, errors.Wrapf(ErrConversationNotFound, "id %d", conversationID))
	}
	us := s.clock.next()
	if msgs := s.messages[conversationID]; len(msgs) > 0 {
		if last := msgs[len(msgs)-1].CreatedAt.UnixMicro(); us <= last {
			us = last + 1
		}
	}
	now := fromMicros(us)
	s.nextMessageID++
	m := Message{
		ID:             s.nextMessageID,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}
	s.messages[conversationID] = append(s.messages[conversationID], m)
	c.UpdatedAt = now
	s.conversations[conversationID] = c
	return m, nil
}

func (s *InMemoryConversationStore) ListMessages(_ context.Context, conversationID int64) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpenLocked("list messages"); err != nil {
		return nil, err
	}
	msgs := s.messages[conversationID]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}
