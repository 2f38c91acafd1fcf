package session

import (
	"github.com/xiaoxianzi-99/AiBot/pkg/completion"
	"github.com/xiaoxianzi-99/AiBot/pkg/persistence/chatstore"
)

type EventKind string

const (
	EventTurnStarted          EventKind = "turn.started"
	EventDelta                EventKind = "turn.delta"
	EventError                EventKind = "turn.error"
	EventComplete             EventKind = "turn.complete"
	EventConversationsChanged EventKind = "conversations.changed"
	EventConversationSelected EventKind = "conversation.selected"
)

// Event is what the orchestrator reports to presentation adapters. Which
// fields are set depends on Kind.
type Event struct {
	Kind           EventKind
	ConversationID int64
	TurnID         string

	// EventDelta
	Seq   int
	Delta string

	// EventError. Message is the user-facing text for Err.
	Err     error
	Message string

	// EventComplete. Markup is empty when no renderer is configured or it
	// failed; Persisted is false when the text was empty or the save failed.
	Text      string
	Markup    string
	Persisted bool
	Reason    completion.CompleteReason

	// EventConversationsChanged carries the fresh listing, most recent first.
	Conversations []chatstore.Conversation

	// EventConversationSelected
	Conversation chatstore.Conversation
	Messages     []chatstore.Message
}

// Sink receives events on the orchestrator's worker goroutine. A slow sink
// slows the turn down; it never reorders events.
type Sink interface {
	HandleEvent(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) HandleEvent(e Event) {
	if f != nil {
		f(e)
	}
}

// SinkFuncs dispatches by kind; nil fields are skipped.
type SinkFuncs struct {
	OnTurnStarted func(Event)
	OnDelta       func(Event)
	OnError       func(Event)
	OnComplete    func(Event)
	OnListing     func(Event)
	OnSelected    func(Event)
}

func (s SinkFuncs) HandleEvent(e Event) {
	var fn func(Event)
	switch e.Kind {
	case EventTurnStarted:
		fn = s.OnTurnStarted
	case EventDelta:
		fn = s.OnDelta
	case EventError:
		fn = s.OnError
	case EventComplete:
		fn = s.OnComplete
	case EventConversationsChanged:
		fn = s.OnListing
	case EventConversationSelected:
		fn = s.OnSelected
	}
	if fn != nil {
		fn(e)
	}
}

// ChannelSink forwards events to a buffered channel. Sends block when the
// buffer is full, which applies backpressure to the stream.
type ChannelSink struct {
	C chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{C: make(chan Event, buffer)}
}

func (s *ChannelSink) HandleEvent(e Event) { s.C <- e }
