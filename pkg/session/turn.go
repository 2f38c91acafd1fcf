package session

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xiaoxianzi-99/AiBot/pkg/chat"
	"github.com/xiaoxianzi-99/AiBot/pkg/completion"
	"github.com/xiaoxianzi-99/AiBot/pkg/render"
)

// Turn is a handle on one submitted user turn.
type Turn struct {
	ID     string
	Prompt string

	done   chan struct{}
	closed <-chan struct{}
	result TurnResult
}

// TurnResult is available once the turn is done.
type TurnResult struct {
	ConversationID int64
	Text           string
	Markup         string
	Persisted      bool
	Reason         completion.CompleteReason
	// Err is the remote, protocol or transport failure that ended the turn.
	// Skipped stream chunks are not reported here.
	Err error
	// SaveErr is the first persistence failure of the turn.
	SaveErr error
}

func (t *Turn) Done() <-chan struct{} { return t.done }

// Wait blocks until the turn has ended, ctx is done or the session closed.
func (t *Turn) Wait(ctx context.Context) (TurnResult, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return TurnResult{}, ctx.Err()
	case <-t.closed:
		select {
		case <-t.done:
			return t.result, nil
		default:
			return TurnResult{}, ErrClosed
		}
	}
}

// runTurn runs on the worker. Network calls use a per-turn context that
// CancelTurn cancels; store writes use the session context so a canceled
// turn can still save its partial reply.
func (o *Orchestrator) runTurn(t *Turn, stream bool) {
	defer close(t.done)
	res := &t.result

	turnCtx, cancel := context.WithCancel(o.ctx)
	o.setTurnCancel(cancel)
	defer func() {
		o.setTurnCancel(nil)
		cancel()
	}()

	conv, ok := o.Current()
	if !ok {
		var err error
		conv, err = o.selectMostRecent(o.ctx)
		if err != nil {
			res.Err = err
			res.Reason = completion.ReasonFailed
			o.busy.Store(false)
			o.reportError(0, t.ID, err)
			o.emit(Event{Kind: EventComplete, TurnID: t.ID, Reason: res.Reason})
			return
		}
	}
	res.ConversationID = conv.ID
	logger := log.With().Str("component", "session").Int64("conv_id", conv.ID).Str("turn_id", t.ID).Logger()
	logger.Debug().Bool("stream", stream).Msg("turn started")
	o.emit(Event{Kind: EventTurnStarted, ConversationID: conv.ID, TurnID: t.ID})

	saveErr := func(err error) {
		if err == nil {
			return
		}
		if res.SaveErr == nil {
			res.SaveErr = err
		}
		o.reportError(conv.ID, t.ID, err)
	}

	// The in-memory history moves on even when the save fails.
	o.history.Append(chat.RoleUser, t.Prompt)
	_, err := o.store.AppendMessage(o.ctx, conv.ID, chat.RoleUser, t.Prompt)
	saveErr(err)

	if conv.Title == PlaceholderTitle {
		renamed, err := o.store.RenameConversation(o.ctx, conv.ID, TitleFrom(t.Prompt))
		if err != nil {
			saveErr(err)
		} else {
			o.setCurrent(renamed)
			logger.Debug().Str("title", renamed.Title).Msg("conversation renamed")
		}
	}

	turns := o.history.Turns()
	o.warnIfLarge(logger, turns)

	if stream {
		res.Text, res.Reason, res.Err = o.streamReply(turnCtx, conv.ID, t.ID, turns)
	} else {
		res.Text, res.Reason, res.Err = o.completeReply(turnCtx, conv.ID, t.ID, turns)
	}

	if res.Text != "" {
		o.history.Append(chat.RoleAssistant, res.Text)
		_, err := o.store.AppendMessage(o.ctx, conv.ID, chat.RoleAssistant, res.Text)
		saveErr(err)
		res.Persisted = err == nil
		if o.renderer != nil {
			if markup, ok := render.Or(o.renderer, res.Text, nil); ok {
				res.Markup = markup
			}
		}
	}
	logger.Debug().
		Str("reason", string(res.Reason)).
		Int("chars", len(res.Text)).
		Bool("persisted", res.Persisted).
		Int("history", o.history.Len()).
		Msg("turn finished")

	o.busy.Store(false)
	o.emit(Event{
		Kind:           EventComplete,
		ConversationID: conv.ID,
		TurnID:         t.ID,
		Text:           res.Text,
		Markup:         res.Markup,
		Persisted:      res.Persisted,
		Reason:         res.Reason,
	})
	o.publishListing(o.ctx)
}

func (o *Orchestrator) streamReply(ctx context.Context, convID int64, turnID string, turns []chat.Turn) (string, completion.CompleteReason, error) {
	s := o.client.Stream(ctx, turns)
	defer s.Cancel()

	var (
		b        strings.Builder
		firstErr error
		reason   = completion.ReasonEOF
	)
	for ev := range s.Events() {
		switch ev.Type {
		case completion.EventDelta:
			b.WriteString(ev.Content)
			o.emit(Event{Kind: EventDelta, ConversationID: convID, TurnID: turnID, Seq: ev.Seq, Delta: ev.Content})
		case completion.EventError:
			var ce *completion.ChunkError
			if firstErr == nil && !errors.As(ev.Err, &ce) {
				firstErr = ev.Err
			}
			o.reportError(convID, turnID, ev.Err)
		case completion.EventComplete:
			reason = ev.Reason
		}
	}
	return b.String(), reason, firstErr
}

func (o *Orchestrator) completeReply(ctx context.Context, convID int64, turnID string, turns []chat.Turn) (string, completion.CompleteReason, error) {
	text, err := o.client.Complete(ctx, turns)
	if err != nil {
		if ctx.Err() != nil {
			return "", completion.ReasonCanceled, nil
		}
		o.reportError(convID, turnID, err)
		return "", completion.ReasonFailed, err
	}
	return text, completion.ReasonDone, nil
}

func (o *Orchestrator) warnIfLarge(logger zerolog.Logger, turns []chat.Turn) {
	if o.tokens == nil || o.warnTokens <= 0 {
		return
	}
	n, err := o.tokens.Count(turns)
	if err != nil {
		logger.Debug().Err(err).Msg("token estimate failed")
		return
	}
	if n > o.warnTokens {
		logger.Warn().
			Int("tokens", n).
			Int("warn_tokens", o.warnTokens).
			Msg("conversation history is large, the endpoint may reject it")
	}
}
