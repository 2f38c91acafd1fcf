package chatstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/xiaoxianzi-99/AiBot/pkg/chat"
)

// Conversation is the persisted conversation header. UpdatedAt moves forward on
// every appended message and on rename; CreatedAt never changes.
type Conversation struct {
	ID        int64     `json:"id" yaml:"id"`
	Title     string    `json:"title" yaml:"title"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Message is one persisted turn of a conversation.
type Message struct {
	ID             int64     `json:"id" yaml:"id"`
	ConversationID int64     `json:"conversation_id" yaml:"conversation_id"`
	Role           chat.Role `json:"role" yaml:"role"`
	Content        string    `json:"content" yaml:"content"`
	CreatedAt      time.Time `json:"created_at" yaml:"created_at"`
}

func (m Message) Turn() chat.Turn {
	return chat.Turn{Role: m.Role, Content: m.Content}
}

// Turns converts persisted messages into context turns, preserving order.
func Turns(messages []Message) []chat.Turn {
	out := make([]chat.Turn, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.Turn())
	}
	return out
}

// ConversationStore is the durable record of conversations and their messages.
//
// AppendMessage inserts the message and bumps the parent's UpdatedAt in one
// transaction. ListConversations orders by UpdatedAt descending, ListMessages
// by CreatedAt ascending with insertion order as tie-breaker.
type ConversationStore interface {
	CreateConversation(ctx context.Context, title string) (Conversation, error)
	ListConversations(ctx context.Context) ([]Conversation, error)
	GetConversation(ctx context.Context, id int64) (Conversation, bool, error)
	RenameConversation(ctx context.Context, id int64, title string) (Conversation, error)
	DeleteConversation(ctx context.Context, id int64) error
	AppendMessage(ctx context.Context, conversationID int64, role chat.Role, content string) (Message, error)
	ListMessages(ctx context.Context, conversationID int64) ([]Message, error)
	Close() error
}

// ErrConversationNotFound is wrapped in a StorageError when an operation
// targets a conversation id that does not exist.
var ErrConversationNotFound = errors.New("conversation not found")

// StorageError reports a failed persistence operation. Stores never retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("chatstore: %s failed", e.Op)
	}
	return fmt.Sprintf("chatstore: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// clock hands out strictly increasing microsecond timestamps so that two
// writes issued back to back never share a timestamp.
type clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func newClock() *clock {
	return &clock{now: time.Now}
}

func (c *clock) next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	us := c.now().UnixMicro()
	if us <= c.last {
		us = c.last + 1
	}
	c.last = us
	return us
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

func validRole(role chat.Role) error {
	if !role.Valid() {
		return errors.Errorf("invalid role %d", int(role))
	}
	return nil
}
