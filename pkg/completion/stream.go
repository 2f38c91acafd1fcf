package completion

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/xiaoxianzi-99/AiBot/pkg/chat"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
)

type EventType int

const (
	EventDelta EventType = iota
	EventError
	EventComplete
)

func (t EventType) String() string {
	switch t {
	case EventDelta:
		return "delta"
	case EventError:
		return "error"
	case EventComplete:
		return "complete"
	}
	return "unknown"
}

// CompleteReason says how a stream ended. Every reason is a normal end of
// stream from the consumer's point of view; errors arrive as EventError.
type CompleteReason string

const (
	ReasonDone     CompleteReason = "done"
	ReasonEOF      CompleteReason = "eof"
	ReasonFailed   CompleteReason = "failed"
	ReasonCanceled CompleteReason = "canceled"
)

// StreamEvent is one item on a Stream's channel. Seq numbers deltas from 0.
type StreamEvent struct {
	Type    EventType
	Seq     int
	Content string
	Err     error
	Reason  CompleteReason
}

// Stream is a single in-flight streaming call. Events must be drained until
// the channel is closed; the last event is always one EventComplete.
type Stream struct {
	events chan StreamEvent
	cancel context.CancelFunc
	once   sync.Once
}

func (s *Stream) Events() <-chan StreamEvent { return s.events }

// Cancel aborts the request and closes the connection. Safe to call many
// times and after the stream has ended.
func (s *Stream) Cancel() {
	s.once.Do(s.cancel)
}

// Stream starts a streaming request and returns immediately. The network
// read happens on its own goroutine.
func (c *Client) Stream(ctx context.Context, turns []chat.Turn) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{events: make(chan StreamEvent, 64), cancel: cancel}
	go func() {
		defer close(s.events)
		defer s.Cancel()
		reason := c.readStream(ctx, turns, s)
		log.Debug().Str("component", "completion").Str("reason", string(reason)).Msg("stream ended")
		s.events <- StreamEvent{Type: EventComplete, Reason: reason}
	}()
	return s
}

// CompleteStream is the callback form of Stream. Callbacks run on a single
// goroutine owned by the call; onComplete runs exactly once. The returned
// function cancels the call.
func (c *Client) CompleteStream(
	ctx context.Context,
	turns []chat.Turn,
	onDelta func(string),
	onError func(error),
	onComplete func(),
) (cancel func()) {
	s := c.Stream(ctx, turns)
	go func() {
		for ev := range s.Events() {
			switch ev.Type {
			case EventDelta:
				if onDelta != nil {
					onDelta(ev.Content)
				}
			case EventError:
				if onError != nil {
					onError(ev.Err)
				}
			case EventComplete:
				if onComplete != nil {
					onComplete()
				}
			}
		}
	}()
	return s.Cancel
}

func (c *Client) readStream(ctx context.Context, turns []chat.Turn, s *Stream) CompleteReason {
	emit := func(ev StreamEvent) {
		select {
		case s.events <- ev:
		case <-ctx.Done():
		}
	}
	fail := func(err error) CompleteReason {
		if ctx.Err() != nil {
			return ReasonCanceled
		}
		log.Warn().Err(err).Str("component", "completion").Msg("stream failed")
		emit(StreamEvent{Type: EventError, Err: err})
		return ReasonFailed
	}

	req, err := c.newRequest(ctx, turns, true)
	if err != nil {
		return fail(err)
	}
	log.Debug().Str("component", "completion").Str("model", c.model).Int("turns", len(turns)).Msg("starting stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fail(errors.Wrap(err, "completion: request failed"))
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp); err != nil {
		return fail(err)
	}

	reader := bufio.NewReader(resp.Body)
	seq := 0
	for {
		line, readErr := reader.ReadString('\n')
		if line != "" {
			content, done, err := parseLine(line)
			switch {
			case done:
				return ReasonDone
			case err != nil:
				log.Warn().Err(err).Str("component", "completion").Msg("skipping bad stream chunk")
				emit(StreamEvent{Type: EventError, Err: err})
			case content != "":
				emit(StreamEvent{Type: EventDelta, Seq: seq, Content: content})
				seq++
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return ReasonEOF
			}
			return fail(errors.Wrap(readErr, "completion: read stream"))
		}
		if ctx.Err() != nil {
			return ReasonCanceled
		}
	}
}

type streamChunk struct {
	Choices []struct {
		Delta *struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// parseLine decodes one line of the event stream. Lines without the data
// prefix, chunks without choices or delta, and empty content all yield "".
func parseLine(line string) (content string, done bool, err error) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, dataPrefix) {
		return "", false, nil
	}
	payload := strings.TrimSpace(line[len(dataPrefix):])
	if payload == doneSentinel {
		return "", true, nil
	}
	var chunk streamChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return "", false, &ChunkError{Line: line, Err: err}
	}
	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil || chunk.Choices[0].Delta.Content == nil {
		return "", false, nil
	}
	return *chunk.Choices[0].Delta.Content, false, nil
}
