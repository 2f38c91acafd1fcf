package eventbus

import (
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/xiaoxianzi-99/AiBot/pkg/session"
)

// PublishingSink publishes session events to the conversation's topic.
type PublishingSink struct {
	publisher message.Publisher
}

var _ session.Sink = &PublishingSink{}

func NewPublishingSink(publisher message.Publisher) *PublishingSink {
	return &PublishingSink{publisher: publisher}
}

func (s *PublishingSink) HandleEvent(e session.Event) {
	if s == nil || s.publisher == nil || e.ConversationID == 0 {
		return
	}
	if err := s.Publish(EnvelopeFromEvent(e)); err != nil {
		log.Warn().Err(err).
			Str("component", "eventbus").
			Int64("conv_id", e.ConversationID).
			Str("kind", string(e.Kind)).
			Msg("publish failed")
	}
}

func (s *PublishingSink) Publish(env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("kind", env.Kind)
	if env.TurnID != "" {
		msg.Metadata.Set("turn_id", env.TurnID)
	}
	return s.publisher.Publish(Topic(env.ConversationID), msg)
}
