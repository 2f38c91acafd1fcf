package eventbus

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxianzi-99/AiBot/pkg/completion"
	"github.com/xiaoxianzi-99/AiBot/pkg/persistence/chatstore"
	"github.com/xiaoxianzi-99/AiBot/pkg/session"
)

type frames struct {
	mu   sync.Mutex
	envs []Envelope
	raw  [][]byte
}

func (f *frames) add(env Envelope, frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envs = append(f.envs, env)
	f.raw = append(f.raw, frame)
}

func (f *frames) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.envs)
}

func TestInProcessBus_DeliversInOrderWithCursor(t *testing.T) {
	b, err := Build(Settings{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	sub, owned, err := b.Subscriber(context.Background(), 7)
	require.NoError(t, err)
	require.False(t, owned)

	got := &frames{}
	coord := NewCoordinator(7, sub, got.add)
	require.NoError(t, coord.Start(context.Background()))
	require.True(t, coord.IsRunning())

	sink := NewPublishingSink(b.Publisher())
	sink.HandleEvent(session.Event{Kind: session.EventTurnStarted, ConversationID: 7, TurnID: "t1"})
	for i, d := range []string{"Hel", "lo", ", world"} {
		sink.HandleEvent(session.Event{Kind: session.EventDelta, ConversationID: 7, TurnID: "t1", Seq: i, Delta: d})
	}
	sink.HandleEvent(session.Event{Kind: session.EventComplete, ConversationID: 7, TurnID: "t1", Text: "Hello, world", Persisted: true, Reason: completion.ReasonDone})
	// other conversations and unassigned events do not show up
	sink.HandleEvent(session.Event{Kind: session.EventDelta, ConversationID: 8, Delta: "nope"})
	sink.HandleEvent(session.Event{Kind: session.EventDelta, Delta: "nope"})

	require.Eventually(t, func() bool { return got.len() == 5 }, 5*time.Second, 10*time.Millisecond)
	coord.Stop()

	got.mu.Lock()
	defer got.mu.Unlock()
	var text string
	for i, env := range got.envs {
		require.Equal(t, int64(7), env.ConversationID)
		if i > 0 {
			require.Greater(t, env.StreamSeq, got.envs[i-1].StreamSeq)
		}
		text += env.Delta
	}
	require.Equal(t, "Hello, world", text)
	require.Equal(t, string(session.EventTurnStarted), got.envs[0].Kind)
	last := got.envs[4]
	require.Equal(t, string(session.EventComplete), last.Kind)
	require.Equal(t, "done", last.Reason)
	require.True(t, last.Persisted)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(got.raw[1], &decoded))
	require.Equal(t, "turn.delta", decoded["kind"])
	require.Equal(t, "Hel", decoded["delta"])
	require.Equal(t, float64(0), decoded["seq"])
	require.NotZero(t, decoded["stream_seq"])

	var started map[string]any
	require.NoError(t, json.Unmarshal(got.raw[0], &started))
	_, hasSeq := started["seq"]
	require.False(t, hasSeq, "only deltas carry seq")
}

func TestEnvelopeFromEvent_FirstDeltaKeepsSeq(t *testing.T) {
	raw, err := json.Marshal(EnvelopeFromEvent(session.Event{Kind: session.EventDelta, ConversationID: 1, Seq: 0, Delta: "a"}))
	require.NoError(t, err)
	require.Contains(t, string(raw), `"seq":0`)
}

func TestEnvelopeFromEvent(t *testing.T) {
	env := EnvelopeFromEvent(session.Event{
		Kind:           session.EventError,
		ConversationID: 3,
		Err:            &completion.RemoteError{StatusCode: 500, Body: "x"},
		Message:        "The service returned an error (HTTP 500): x",
	})
	require.Equal(t, "The service returned an error (HTTP 500): x", env.Error)

	env = EnvelopeFromEvent(session.Event{Kind: session.EventError, ConversationID: 3, Err: errors.New("raw")})
	require.Equal(t, "raw", env.Error)

	conv := chatstore.Conversation{ID: 3, Title: "t"}
	env = EnvelopeFromEvent(session.Event{Kind: session.EventConversationSelected, ConversationID: 3, Conversation: conv})
	require.NotNil(t, env.Conversation)
	require.Equal(t, "t", env.Conversation.Title)
	require.Empty(t, env.Delta)
}

func TestTopic(t *testing.T) {
	require.Equal(t, "chat:42", Topic(42))
}

func TestDeriveSeqFromStreamID(t *testing.T) {
	seq, ok := deriveSeqFromStreamID("1700000000000-3")
	require.True(t, ok)
	require.Equal(t, uint64(1700000000000*1_000_000+3), seq)

	_, ok = deriveSeqFromStreamID("")
	require.False(t, ok)
	_, ok = deriveSeqFromStreamID("abc-1")
	require.False(t, ok)
}

func TestCoordinator_NextSeqMonotonic(t *testing.T) {
	c := NewCoordinator(1, nil, nil)
	a := c.nextSeq("5-1")
	b := c.nextSeq("5-0")
	require.Greater(t, b, a)
	require.Greater(t, c.nextSeq(""), b)
}

func TestBuild_RedisRequiresAddr(t *testing.T) {
	_, err := Build(Settings{Enabled: true})
	require.Error(t, err)
}

func TestWatermillLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewWatermillLogger(zerolog.New(&buf).Level(zerolog.TraceLevel))
	l.With(watermill.LogFields{"topic": "chat:1"}).Error("publish failed", errors.New("boom"), watermill.LogFields{"attempt": 2})

	out := buf.String()
	require.Contains(t, out, `"topic":"chat:1"`)
	require.Contains(t, out, `"attempt":2`)
	require.Contains(t, out, `"error":"boom"`)
	require.Contains(t, out, `"component":"eventbus"`)
}
