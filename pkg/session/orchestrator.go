// Package session drives user turns end to end: context, persistence,
// completion and event delivery for one active conversation at a time.
package session

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/xiaoxianzi-99/AiBot/pkg/chat"
	"github.com/xiaoxianzi-99/AiBot/pkg/completion"
	"github.com/xiaoxianzi-99/AiBot/pkg/persistence/chatstore"
	"github.com/xiaoxianzi-99/AiBot/pkg/render"
)

// Completer is the part of completion.Client the orchestrator uses.
type Completer interface {
	Complete(ctx context.Context, turns []chat.Turn) (string, error)
	Stream(ctx context.Context, turns []chat.Turn) *completion.Stream
}

var _ Completer = &completion.Client{}

type Options struct {
	Store  chatstore.ConversationStore
	Client Completer
	Sink   Sink

	// Renderer, when set, turns the final reply into markup for EventComplete.
	Renderer render.Renderer

	// Tokens and WarnTokens enable a log warning when the history grows past
	// WarnTokens. Nothing is truncated.
	Tokens     *chat.TokenCounter
	WarnTokens int

	// NoStream sends text turns with Complete instead of Stream.
	NoStream bool
}

// Orchestrator owns the current conversation and its history. All history
// and store mutations happen on a single worker goroutine; sink callbacks
// run there too.
type Orchestrator struct {
	store      chatstore.ConversationStore
	client     Completer
	sink       Sink
	renderer   render.Renderer
	tokens     *chat.TokenCounter
	warnTokens int
	noStream   bool

	history *chat.Context

	jobs      chan func()
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	busy      atomic.Bool

	mu         sync.Mutex
	current    chatstore.Conversation
	hasCurrent bool
	turnCancel context.CancelFunc
}

// New validates the options and starts the worker. Call Init before the
// first turn to pick up the most recent conversation; otherwise the first
// turn does it.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if opts.Client == nil {
		return nil, errors.New("session: completion client is required")
	}
	sink := opts.Sink
	if sink == nil {
		sink = SinkFunc(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:      opts.Store,
		client:     opts.Client,
		sink:       sink,
		renderer:   opts.Renderer,
		tokens:     opts.Tokens,
		warnTokens: opts.WarnTokens,
		noStream:   opts.NoStream,
		history:    chat.NewContext(),
		jobs:       make(chan func(), 16),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go o.run()
	return o, nil
}

func (o *Orchestrator) run() {
	defer close(o.done)
	for {
		select {
		case <-o.ctx.Done():
			return
		case job := <-o.jobs:
			job()
		}
	}
}

// Close cancels any running turn and stops the worker. Queued work is
// dropped. The store is not closed; its owner does that.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		o.cancel()
		<-o.done
		log.Debug().Str("component", "session").Msg("orchestrator closed")
	})
	return nil
}

func (o *Orchestrator) closed() bool {
	select {
	case <-o.done:
		return true
	default:
		return o.ctx.Err() != nil
	}
}

// submit runs fn on the worker and waits for its result.
func (o *Orchestrator) submit(ctx context.Context, fn func() error) error {
	if o.closed() {
		return ErrClosed
	}
	res := make(chan error, 1)
	job := func() { res <- fn() }
	select {
	case o.jobs <- job:
	case <-o.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-res:
		return err
	case <-o.done:
		select {
		case err := <-res:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) emit(e Event) {
	o.sink.HandleEvent(e)
}

func (o *Orchestrator) reportError(convID int64, turnID string, err error) {
	if err == nil {
		return
	}
	log.Warn().Err(err).
		Str("component", "session").
		Int64("conv_id", convID).
		Str("turn_id", turnID).
		Msg("turn error")
	o.emit(Event{Kind: EventError, ConversationID: convID, TurnID: turnID, Err: err, Message: UserMessage(err)})
}

// Current returns the active conversation, if one has been selected.
func (o *Orchestrator) Current() (chatstore.Conversation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current, o.hasCurrent
}

func (o *Orchestrator) setCurrent(c chatstore.Conversation) {
	o.mu.Lock()
	o.current = c
	o.hasCurrent = true
	o.mu.Unlock()
}

// History returns a snapshot of the turns the next request will carry.
func (o *Orchestrator) History() []chat.Turn {
	return o.history.Turns()
}

// Busy reports whether a turn is queued or running.
func (o *Orchestrator) Busy() bool {
	return o.busy.Load()
}

// CancelTurn aborts the running turn, if any. The turn still ends with one
// EventComplete.
func (o *Orchestrator) CancelTurn() bool {
	o.mu.Lock()
	cancel := o.turnCancel
	o.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

func (o *Orchestrator) setTurnCancel(cancel context.CancelFunc) {
	o.mu.Lock()
	o.turnCancel = cancel
	o.mu.Unlock()
}

// ListConversations reads straight from the store; it does not touch the
// session state.
func (o *Orchestrator) ListConversations(ctx context.Context) ([]chatstore.Conversation, error) {
	return o.store.ListConversations(ctx)
}

// Messages returns the persisted messages of the current conversation.
func (o *Orchestrator) Messages(ctx context.Context) ([]chatstore.Message, error) {
	cur, ok := o.Current()
	if !ok {
		return []chatstore.Message{}, nil
	}
	return o.store.ListMessages(ctx, cur.ID)
}

// Init selects the most recently active conversation, creating a default
// one when the store is empty.
func (o *Orchestrator) Init(ctx context.Context) (chatstore.Conversation, error) {
	var out chatstore.Conversation
	err := o.submit(ctx, func() error {
		c, err := o.selectMostRecent(ctx)
		out = c
		return err
	})
	return out, err
}

// NewConversation creates a placeholder-titled conversation and selects it.
func (o *Orchestrator) NewConversation(ctx context.Context) (chatstore.Conversation, error) {
	var out chatstore.Conversation
	err := o.submit(ctx, func() error {
		c, err := o.store.CreateConversation(ctx, PlaceholderTitle)
		if err != nil {
			return err
		}
		if err := o.selectConversation(ctx, c); err != nil {
			return err
		}
		o.publishListing(ctx)
		out = c
		return nil
	})
	return out, err
}

// SelectConversation makes id current and reseeds the history from the store.
func (o *Orchestrator) SelectConversation(ctx context.Context, id int64) (chatstore.Conversation, error) {
	var out chatstore.Conversation
	err := o.submit(ctx, func() error {
		c, ok, err := o.store.GetConversation(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(chatstore.ErrConversationNotFound, "id %d", id)
		}
		if err := o.selectConversation(ctx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// DeleteConversation removes id with its messages. Deleting the current
// conversation moves the session to the next most recent one.
func (o *Orchestrator) DeleteConversation(ctx context.Context, id int64) error {
	return o.submit(ctx, func() error {
		if err := o.store.DeleteConversation(ctx, id); err != nil {
			return err
		}
		log.Info().Str("component", "session").Int64("conv_id", id).Msg("conversation deleted")
		if cur, ok := o.Current(); ok && cur.ID == id {
			if _, err := o.selectMostRecent(ctx); err != nil {
				return err
			}
			return nil
		}
		o.publishListing(ctx)
		return nil
	})
}

func (o *Orchestrator) RenameConversation(ctx context.Context, id int64, title string) (chatstore.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return chatstore.Conversation{}, ErrEmptyInput
	}
	var out chatstore.Conversation
	err := o.submit(ctx, func() error {
		c, err := o.store.RenameConversation(ctx, id, title)
		if err != nil {
			return err
		}
		if cur, ok := o.Current(); ok && cur.ID == id {
			o.setCurrent(c)
		}
		o.publishListing(ctx)
		out = c
		return nil
	})
	return out, err
}

// selectMostRecent runs on the worker.
func (o *Orchestrator) selectMostRecent(ctx context.Context) (chatstore.Conversation, error) {
	list, err := o.store.ListConversations(ctx)
	if err != nil {
		return chatstore.Conversation{}, err
	}
	var c chatstore.Conversation
	if len(list) == 0 {
		c, err = o.store.CreateConversation(ctx, PlaceholderTitle)
		if err != nil {
			return chatstore.Conversation{}, err
		}
		list = []chatstore.Conversation{c}
		log.Info().Str("component", "session").Int64("conv_id", c.ID).Msg("created default conversation")
	} else {
		c = list[0]
	}
	if err := o.selectConversation(ctx, c); err != nil {
		return chatstore.Conversation{}, err
	}
	o.emit(Event{Kind: EventConversationsChanged, ConversationID: c.ID, Conversations: list})
	return c, nil
}

// selectConversation runs on the worker. The history is only replaced once
// the messages were loaded.
func (o *Orchestrator) selectConversation(ctx context.Context, c chatstore.Conversation) error {
	msgs, err := o.store.ListMessages(ctx, c.ID)
	if err != nil {
		return err
	}
	o.history.Seed(chatstore.Turns(msgs))
	o.setCurrent(c)
	log.Debug().Str("component", "session").Int64("conv_id", c.ID).Int("messages", len(msgs)).Msg("conversation selected")
	o.emit(Event{Kind: EventConversationSelected, ConversationID: c.ID, Conversation: c, Messages: msgs})
	return nil
}

func (o *Orchestrator) publishListing(ctx context.Context) {
	cur, _ := o.Current()
	list, err := o.store.ListConversations(ctx)
	if err != nil {
		o.reportError(cur.ID, "", err)
		return
	}
	o.emit(Event{Kind: EventConversationsChanged, ConversationID: cur.ID, Conversations: list})
}

// SendUserMessage queues a streamed turn for text and returns at once.
// It fails with ErrTurnInProgress while another turn is queued or running.
func (o *Orchestrator) SendUserMessage(ctx context.Context, text string) (*Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyInput
	}
	return o.startTurn(ctx, text, !o.noStream)
}

// UploadFile turns a file into a synthetic analysis prompt and sends it as a
// non-streamed turn. The returned Turn carries the prompt.
func (o *Orchestrator) UploadFile(ctx context.Context, name string, data []byte) (*Turn, error) {
	content, err := ReadUploadFile(name, data)
	if err != nil {
		return nil, err
	}
	if !SupportedExtension(name) {
		log.Debug().Str("component", "session").Str("file", name).Msg("uploading file with unlisted extension")
	}
	return o.startTurn(ctx, AnalysisPrompt(filepath.Base(name), content), false)
}

func (o *Orchestrator) startTurn(ctx context.Context, prompt string, stream bool) (*Turn, error) {
	if o.closed() {
		return nil, ErrClosed
	}
	if !o.busy.CompareAndSwap(false, true) {
		return nil, ErrTurnInProgress
	}
	t := &Turn{ID: uuid.NewString(), Prompt: prompt, done: make(chan struct{}), closed: o.done}
	select {
	case o.jobs <- func() { o.runTurn(t, stream) }:
		return t, nil
	case <-o.done:
		o.busy.Store(false)
		return nil, ErrClosed
	case <-ctx.Done():
		o.busy.Store(false)
		return nil, ctx.Err()
	}
}
