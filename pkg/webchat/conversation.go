package webchat

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/xiaoxianzi-99/AiBot/pkg/chat"
	"github.com/xiaoxianzi-99/AiBot/pkg/eventbus"
	"github.com/xiaoxianzi-99/AiBot/pkg/persistence/chatstore"
	"github.com/xiaoxianzi-99/AiBot/pkg/render"
	"github.com/xiaoxianzi-99/AiBot/pkg/session"
)

// Deps are the collaborators shared by every live conversation.
type Deps struct {
	Store      chatstore.ConversationStore
	Client     session.Completer
	Bus        *eventbus.Backend
	Renderer   render.Renderer
	Tokens     *chat.TokenCounter
	WarnTokens int
	// IdleTimeout evicts a live conversation once it has had no websocket
	// and no running turn for this long. Zero keeps it forever.
	IdleTimeout time.Duration
}

// Conversation is a conversation loaded into the server: its orchestrator,
// the websocket pool and the coordinator feeding that pool from the bus.
type Conversation struct {
	ID    int64
	Orch  *session.Orchestrator
	Pool  *ConnectionPool
	coord *eventbus.Coordinator
	sub   message.Subscriber
	owned bool
}

func (c *Conversation) close() {
	c.coord.Stop()
	if c.owned && c.sub != nil {
		if err := c.sub.Close(); err != nil {
			log.Warn().Err(err).Str("component", "webchat").Int64("conv_id", c.ID).Msg("subscriber close failed")
		}
	}
	_ = c.Orch.Close()
	c.Pool.CloseAll()
}

// ConvManager stores all live conversations.
type ConvManager struct {
	deps    Deps
	baseCtx context.Context

	mu    sync.Mutex
	convs map[int64]*Conversation
}

func NewConvManager(baseCtx context.Context, deps Deps) *ConvManager {
	return &ConvManager{deps: deps, baseCtx: baseCtx, convs: map[int64]*Conversation{}}
}

// Peek returns the live conversation without loading it.
func (m *ConvManager) Peek(id int64) (*Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	return c, ok
}

// GetOrCreate loads id into the server, failing with
// chatstore.ErrConversationNotFound for unknown ids.
func (m *ConvManager) GetOrCreate(ctx context.Context, id int64) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.convs[id]; ok {
		return c, nil
	}
	if _, ok, err := m.deps.Store.GetConversation(ctx, id); err != nil {
		return nil, err
	} else if !ok {
		return nil, errors.Wrapf(chatstore.ErrConversationNotFound, "id %d", id)
	}

	orch, err := session.New(session.Options{
		Store:      m.deps.Store,
		Client:     m.deps.Client,
		Sink:       eventbus.NewPublishingSink(m.deps.Bus.Publisher()),
		Renderer:   m.deps.Renderer,
		Tokens:     m.deps.Tokens,
		WarnTokens: m.deps.WarnTokens,
	})
	if err != nil {
		return nil, err
	}
	if _, err := orch.SelectConversation(ctx, id); err != nil {
		_ = orch.Close()
		return nil, err
	}

	conv := &Conversation{ID: id, Orch: orch}
	conv.Pool = NewConnectionPool(id, m.deps.IdleTimeout, func() { m.evictIfIdle(id) })

	sub, owned, err := m.deps.Bus.Subscriber(m.baseCtx, id)
	if err != nil {
		_ = orch.Close()
		return nil, err
	}
	conv.sub, conv.owned = sub, owned
	conv.coord = eventbus.NewCoordinator(id, sub, func(_ eventbus.Envelope, frame []byte) {
		conv.Pool.Broadcast(frame)
	})
	if err := conv.coord.Start(m.baseCtx); err != nil {
		if owned {
			_ = sub.Close()
		}
		_ = orch.Close()
		return nil, errors.Wrap(err, "start coordinator")
	}

	m.convs[id] = conv
	conv.Pool.Touch()
	log.Info().Str("component", "webchat").Int64("conv_id", id).Msg("conversation loaded")
	return conv, nil
}

// Drop unloads id, canceling its running turn.
func (m *ConvManager) Drop(id int64) {
	m.mu.Lock()
	c, ok := m.convs[id]
	delete(m.convs, id)
	m.mu.Unlock()
	if ok {
		c.close()
		log.Info().Str("component", "webchat").Int64("conv_id", id).Msg("conversation unloaded")
	}
}

func (m *ConvManager) evictIfIdle(id int64) {
	m.mu.Lock()
	c, ok := m.convs[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if c.Orch.Busy() {
		m.mu.Unlock()
		c.Pool.Touch()
		return
	}
	if !c.Pool.IsEmpty() {
		m.mu.Unlock()
		return
	}
	delete(m.convs, id)
	m.mu.Unlock()
	c.close()
	log.Debug().Str("component", "webchat").Int64("conv_id", id).Msg("evicted idle conversation")
}

func (m *ConvManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.convs)
}

func (m *ConvManager) Close() {
	m.mu.Lock()
	convs := make([]*Conversation, 0, len(m.convs))
	for id, c := range m.convs {
		convs = append(convs, c)
		delete(m.convs, id)
	}
	m.mu.Unlock()
	for _, c := range convs {
		c.close()
	}
}
