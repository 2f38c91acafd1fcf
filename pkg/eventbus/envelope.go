package eventbus

import (
	"github.com/xiaoxianzi-99/AiBot/pkg/persistence/chatstore"
	"github.com/xiaoxianzi-99/AiBot/pkg/session"
)

// Envelope is the wire form of a session.Event on the bus and on websockets.
// StreamID and StreamSeq are filled in by the Coordinator on the way out.
type Envelope struct {
	Kind           string `json:"kind"`
	ConversationID int64  `json:"conv_id"`
	TurnID         string `json:"turn_id,omitempty"`

	// Seq is set on deltas only and starts at 0.
	Seq   *int   `json:"seq,omitempty"`
	Delta string `json:"delta,omitempty"`

	Error string `json:"error,omitempty"`

	Text      string `json:"text,omitempty"`
	Markup    string `json:"markup,omitempty"`
	Persisted bool   `json:"persisted,omitempty"`
	Reason    string `json:"reason,omitempty"`

	Conversations []chatstore.Conversation `json:"conversations,omitempty"`
	Conversation  *chatstore.Conversation  `json:"conversation,omitempty"`
	Messages      []chatstore.Message      `json:"messages,omitempty"`

	StreamID  string `json:"stream_id,omitempty"`
	StreamSeq uint64 `json:"stream_seq,omitempty"`
}

func EnvelopeFromEvent(e session.Event) Envelope {
	env := Envelope{
		Kind:           string(e.Kind),
		ConversationID: e.ConversationID,
		TurnID:         e.TurnID,
	}
	switch e.Kind {
	case session.EventDelta:
		seq := e.Seq
		env.Seq = &seq
		env.Delta = e.Delta
	case session.EventError:
		env.Error = e.Message
		if env.Error == "" && e.Err != nil {
			env.Error = e.Err.Error()
		}
	case session.EventComplete:
		env.Text = e.Text
		env.Markup = e.Markup
		env.Persisted = e.Persisted
		env.Reason = string(e.Reason)
	case session.EventConversationsChanged:
		env.Conversations = e.Conversations
	case session.EventConversationSelected:
		c := e.Conversation
		env.Conversation = &c
		env.Messages = e.Messages
	}
	return env
}
