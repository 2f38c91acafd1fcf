package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxianzi-99/AiBot/pkg/chat"
	"github.com/xiaoxianzi-99/AiBot/pkg/completion"
	"github.com/xiaoxianzi-99/AiBot/pkg/persistence/chatstore"
	"github.com/xiaoxianzi-99/AiBot/pkg/render"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Event, 256)}
}

func (r *recorder) HandleEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.ch <- e
}

func (r *recorder) kinds(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, kind EventKind) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-r.ch:
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

type fakeEndpoint struct {
	mu       sync.Mutex
	requests []map[string]any
	// stream lines, written for stream:true requests
	lines []string
	// json body for stream:false requests
	body   string
	status int
	// block, when set, holds the stream open after the lines until the
	// client goes away
	block bool
}

func (f *fakeEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var req map[string]any
	_ = json.Unmarshal(raw, &req)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = io.WriteString(w, `{"error":{"message":"upstream exploded"}}`)
		return
	}
	if req["stream"] != true {
		_, _ = io.WriteString(w, f.body)
		return
	}
	flusher := w.(http.Flusher)
	for _, l := range f.lines {
		_, _ = fmt.Fprintf(w, "%s\n\n", l)
		flusher.Flush()
	}
	if f.block {
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	}
}

func (f *fakeEndpoint) lastRequest() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

func delta(s string) string {
	return fmt.Sprintf(`data: {"choices":[{"delta":{"content":%q}}]}`, s)
}

type harness struct {
	store    *chatstore.InMemoryConversationStore
	endpoint *fakeEndpoint
	rec      *recorder
	o        *Orchestrator
}

func newHarness(t *testing.T, ep *fakeEndpoint, mutate func(*Options)) *harness {
	t.Helper()
	srv := httptest.NewServer(ep)
	t.Cleanup(srv.Close)

	h := &harness{store: chatstore.NewInMemoryConversationStore(), endpoint: ep, rec: newRecorder()}
	opts := Options{
		Store:  h.store,
		Client: completion.NewClient(completion.Settings{APIURL: srv.URL, APIKey: "sk-test"}),
		Sink:   h.rec,
	}
	if mutate != nil {
		mutate(&opts)
	}
	o, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	h.o = o
	return h
}

func waitTurn(t *testing.T, turn *Turn) TurnResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := turn.Wait(ctx)
	require.NoError(t, err)
	return res
}

func TestInit_CreatesDefaultThenReusesMostRecent(t *testing.T) {
	h := newHarness(t, &fakeEndpoint{}, nil)
	ctx := context.Background()

	c, err := h.o.Init(ctx)
	require.NoError(t, err)
	require.Equal(t, PlaceholderTitle, c.Title)
	cur, ok := h.o.Current()
	require.True(t, ok)
	require.Equal(t, c.ID, cur.ID)

	older, err := h.store.CreateConversation(ctx, "older")
	require.NoError(t, err)
	_, err = h.store.AppendMessage(ctx, older.ID, chat.RoleUser, "remember me")
	require.NoError(t, err)

	again, err := New(Options{Store: h.store, Client: completion.NewClient(completion.Settings{APIKey: "k"})})
	require.NoError(t, err)
	defer func() { _ = again.Close() }()
	sel, err := again.Init(ctx)
	require.NoError(t, err)
	require.Equal(t, older.ID, sel.ID)
	require.Equal(t, []chat.Turn{{Role: chat.RoleUser, Content: "remember me"}}, again.History())

	list, err := h.store.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestSendUserMessage_StreamsPersistsAndRenames(t *testing.T) {
	h := newHarness(t, &fakeEndpoint{lines: []string{delta("Hel"), delta("lo"), "data: [DONE]"}}, func(o *Options) {
		o.Renderer = render.Plain{}
	})
	ctx := context.Background()
	c, err := h.o.Init(ctx)
	require.NoError(t, err)

	turn, err := h.o.SendUserMessage(ctx, "  Explain quicksort in detail please  ")
	require.NoError(t, err)
	res := waitTurn(t, turn)

	require.NoError(t, res.Err)
	require.NoError(t, res.SaveErr)
	require.Equal(t, "Hello", res.Text)
	require.Equal(t, "Hello", res.Markup)
	require.True(t, res.Persisted)
	require.Equal(t, completion.ReasonDone, res.Reason)
	require.Equal(t, c.ID, res.ConversationID)

	deltas := h.rec.kinds(EventDelta)
	require.Len(t, deltas, 2)
	require.Equal(t, "Hel", deltas[0].Delta)
	require.Equal(t, 0, deltas[0].Seq)
	require.Equal(t, "lo", deltas[1].Delta)
	require.Empty(t, h.rec.kinds(EventError))

	complete := h.rec.kinds(EventComplete)
	require.Len(t, complete, 1)
	require.Equal(t, "Hello", complete[0].Text)
	require.Equal(t, turn.ID, complete[0].TurnID)

	listing := h.rec.waitFor(t, EventConversationsChanged)
	require.NotEmpty(t, listing.Conversations)

	msgs, err := h.store.ListMessages(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, []chat.Turn{
		{Role: chat.RoleUser, Content: "Explain quicksort in detail please"},
		{Role: chat.RoleAssistant, Content: "Hello"},
	}, chatstore.Turns(msgs))
	require.Equal(t, chatstore.Turns(msgs), h.o.History())

	got, _, err := h.store.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, "Explain quicksort in detail pl...", got.Title)

	req := h.endpoint.lastRequest()
	require.Equal(t, true, req["stream"])
	require.Len(t, req["messages"], 1)
}

func TestSendUserMessage_SecondTurnCarriesHistoryAndKeepsTitle(t *testing.T) {
	h := newHarness(t, &fakeEndpoint{lines: []string{delta("ok"), "data: [DONE]"}}, nil)
	ctx := context.Background()
	c, err := h.o.Init(ctx)
	require.NoError(t, err)

	waitTurn(t, mustSend(t, h.o, "first question"))
	waitTurn(t, mustSend(t, h.o, "second question"))

	req := h.endpoint.lastRequest()
	require.Len(t, req["messages"], 3)

	got, _, err := h.store.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, "first question", got.Title)
}

func mustSend(t *testing.T, o *Orchestrator, text string) *Turn {
	t.Helper()
	turn, err := o.SendUserMessage(context.Background(), text)
	require.NoError(t, err)
	return turn
}

func TestSendUserMessage_RemoteErrorPersistsNoReply(t *testing.T) {
	h := newHarness(t, &fakeEndpoint{status: http.StatusInternalServerError}, nil)
	ctx := context.Background()
	c, err := h.o.Init(ctx)
	require.NoError(t, err)

	res := waitTurn(t, mustSend(t, h.o, "hello?"))
	var re *completion.RemoteError
	require.True(t, errors.As(res.Err, &re))
	require.Equal(t, http.StatusInternalServerError, re.StatusCode)
	require.False(t, res.Persisted)
	require.Equal(t, completion.ReasonFailed, res.Reason)

	errs := h.rec.kinds(EventError)
	require.Len(t, errs, 1)
	require.Contains(t, errs[0].Message, "500")
	require.Len(t, h.rec.kinds(EventComplete), 1)

	msgs, err := h.store.ListMessages(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, chat.RoleUser, msgs[0].Role)
	require.False(t, h.o.Busy())
}

func TestSendUserMessage_MalformedChunkStillCompletes(t *testing.T) {
	h := newHarness(t, &fakeEndpoint{lines: []string{delta("a"), "data: {oops", delta("b"), "data: [DONE]"}}, nil)
	_, err := h.o.Init(context.Background())
	require.NoError(t, err)

	res := waitTurn(t, mustSend(t, h.o, "go"))
	require.NoError(t, res.Err)
	require.Equal(t, "ab", res.Text)
	require.True(t, res.Persisted)
	require.Len(t, h.rec.kinds(EventError), 1)
}

func TestSendUserMessage_RejectsWhileBusyAndCancels(t *testing.T) {
	h := newHarness(t, &fakeEndpoint{lines: []string{delta("partial")}, block: true}, nil)
	ctx := context.Background()
	c, err := h.o.Init(ctx)
	require.NoError(t, err)

	turn := mustSend(t, h.o, "long answer please")
	_, err = h.o.SendUserMessage(ctx, "me too")
	require.ErrorIs(t, err, ErrTurnInProgress)
	_, err = h.o.UploadFile(ctx, "a.txt", []byte("x"))
	require.ErrorIs(t, err, ErrTurnInProgress)

	h.rec.waitFor(t, EventDelta)
	require.True(t, h.o.CancelTurn())

	res := waitTurn(t, turn)
	require.NoError(t, res.Err)
	require.Equal(t, completion.ReasonCanceled, res.Reason)
	require.Equal(t, "partial", res.Text)
	require.Len(t, h.rec.kinds(EventComplete), 1)
	require.Empty(t, h.rec.kinds(EventError))
	require.False(t, h.o.CancelTurn())

	msgs, err := h.store.ListMessages(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	_, err = h.o.SendUserMessage(ctx, "next")
	require.NoError(t, err)
}

func TestSendUserMessage_EmptyInput(t *testing.T) {
	h := newHarness(t, &fakeEndpoint{}, nil)
	_, err := h.o.SendUserMessage(context.Background(), " \n\t ")
	require.ErrorIs(t, err, ErrEmptyInput)
	require.False(t, h.o.Busy())
}

func TestSendUserMessage_WithoutInitSelectsDefault(t *testing.T) {
	h := newHarness(t, &fakeEndpoint{lines: []string{delta("hi"), "data: [DONE]"}}, nil)
	res := waitTurn(t, mustSend(t, h.o, "hello"))
	require.NotZero(t, res.ConversationID)
	require.True(t, res.Persisted)
}

func TestUploadFile_SyntheticTurnUsesComplete(t *testing.T) {
	h := newHarness(t, &fakeEndpoint{body: `{"choices":[{"message":{"content":"Looks like a CSV."}}]}`}, nil)
	ctx := context.Background()
	_, err := h.o.Init(ctx)
	require.NoError(t, err)

	turn, err := h.o.UploadFile(ctx, "/tmp/data.csv", []byte("a,b\n1,2\n"))
	require.NoError(t, err)
	require.Contains(t, turn.Prompt, "data.csv")
	require.Contains(t, turn.Prompt, "```csv\na,b\n1,2\n```")

	res := waitTurn(t, turn)
	require.NoError(t, res.Err)
	require.Equal(t, "Looks like a CSV.", res.Text)
	require.True(t, res.Persisted)
	require.Empty(t, h.rec.kinds(EventDelta))

	req := h.endpoint.lastRequest()
	require.Equal(t, false, req["stream"])
	msgs := req["messages"].([]any)
	require.Equal(t, turn.Prompt, msgs[0].(map[string]any)["content"])
}

func TestUploadFile_Rejections(t *testing.T) {
	h := newHarness(t, &fakeEndpoint{}, nil)
	ctx := context.Background()

	_, err := h.o.UploadFile(ctx, "big.txt", make([]byte, MaxUploadBytes+1))
	var fe *FileError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, FileTooLarge, fe.Kind)

	_, err = h.o.UploadFile(ctx, "gbk.txt", []byte{0xc4, 0xe3, 0xba, 0xc3, 0xff})
	require.True(t, errors.As(err, &fe))
	require.Equal(t, FileEncoding, fe.Kind)
	require.Contains(t, UserMessage(err), "UTF-8")
	require.False(t, h.o.Busy())
}

func TestConversationControls(t *testing.T) {
	h := newHarness(t, &fakeEndpoint{lines: []string{delta("x"), "data: [DONE]"}}, nil)
	ctx := context.Background()

	first, err := h.o.Init(ctx)
	require.NoError(t, err)
	waitTurn(t, mustSend(t, h.o, "in first"))

	second, err := h.o.NewConversation(ctx)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	require.Empty(t, h.o.History())

	sel, err := h.o.SelectConversation(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, sel.ID)
	require.Len(t, h.o.History(), 2)

	_, err = h.o.SelectConversation(ctx, 9999)
	require.ErrorIs(t, err, chatstore.ErrConversationNotFound)
	cur, _ := h.o.Current()
	require.Equal(t, first.ID, cur.ID)

	renamed, err := h.o.RenameConversation(ctx, first.ID, "  Sorting  ")
	require.NoError(t, err)
	require.Equal(t, "Sorting", renamed.Title)
	cur, _ = h.o.Current()
	require.Equal(t, "Sorting", cur.Title)
	_, err = h.o.RenameConversation(ctx, first.ID, "   ")
	require.ErrorIs(t, err, ErrEmptyInput)

	require.NoError(t, h.o.DeleteConversation(ctx, first.ID))
	cur, _ = h.o.Current()
	require.Equal(t, second.ID, cur.ID)
	msgs, err := h.store.ListMessages(ctx, first.ID)
	require.NoError(t, err)
	require.Empty(t, msgs)

	require.NoError(t, h.o.DeleteConversation(ctx, second.ID))
	cur, ok := h.o.Current()
	require.True(t, ok)
	require.Equal(t, PlaceholderTitle, cur.Title)
	require.NotEqual(t, second.ID, cur.ID)
}

func TestClose_RejectsFurtherWork(t *testing.T) {
	h := newHarness(t, &fakeEndpoint{}, nil)
	require.NoError(t, h.o.Close())
	require.NoError(t, h.o.Close())

	_, err := h.o.SendUserMessage(context.Background(), "hi")
	require.ErrorIs(t, err, ErrClosed)
	_, err = h.o.Init(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{Store: chatstore.NewInMemoryConversationStore()})
	require.Error(t, err)
}

func TestChannelSink_DeliversTurnEventsInOrder(t *testing.T) {
	events := NewChannelSink(64)
	h := newHarness(t, &fakeEndpoint{lines: []string{delta("Hel"), delta("lo"), "data: [DONE]"}}, func(o *Options) {
		o.Sink = events
	})
	ctx := context.Background()
	_, err := h.o.Init(ctx)
	require.NoError(t, err)

	turn, err := h.o.SendUserMessage(ctx, "hi")
	require.NoError(t, err)
	waitTurn(t, turn)

	var (
		kinds  []EventKind
		deltas []string
	)
	for len(events.C) > 0 {
		e := <-events.C
		if e.TurnID != turn.ID {
			continue
		}
		kinds = append(kinds, e.Kind)
		if e.Kind == EventDelta {
			deltas = append(deltas, e.Delta)
		}
	}
	require.Equal(t, []EventKind{EventTurnStarted, EventDelta, EventDelta, EventComplete}, kinds)
	require.Equal(t, []string{"Hel", "lo"}, deltas)
}

func TestTitleFrom(t *testing.T) {
	require.Equal(t, "Explain quicksort in detail pl...", TitleFrom("Explain quicksort in detail please"))
	require.Equal(t, "short", TitleFrom("  short \n"))
	exact := strings.Repeat("a", 30)
	require.Equal(t, exact, TitleFrom(exact))
	require.Equal(t, strings.Repeat("数", 30)+"...", TitleFrom(strings.Repeat("数", 31)))
	require.Equal(t, "line one\n\nline  two", TitleFrom("\n line one\n\nline  two \n"))
	require.Equal(t, "Please analyze the file a.txt:...", TitleFrom("Please analyze the file a.txt:\nbody"))
	require.Equal(t, "Please analyze\tthe file a.txt\n...", TitleFrom("Please analyze\tthe file a.txt\nbody"))
}

func TestUserMessage(t *testing.T) {
	require.Equal(t, "", UserMessage(nil))
	require.Contains(t, UserMessage(&completion.RemoteError{StatusCode: 401, Body: "bad key"}), "401")
	require.Contains(t, UserMessage(&completion.RemoteError{StatusCode: 401, Body: "bad key"}), "bad key")
	require.Equal(t, "No usable reply was received.", UserMessage(&completion.ProtocolError{Reason: "x"}))
	require.Contains(t, UserMessage(&chatstore.StorageError{Op: "append message", Err: errors.New("locked")}), "Could not save")
	require.Contains(t, UserMessage(&FileError{Kind: FileTooLarge, Size: 2 << 20}), "2.0 MB")
	require.Contains(t, UserMessage(&FileError{Kind: FileIO, Err: errors.New("permission denied")}), "permission denied")
	require.Equal(t, "Canceled.", UserMessage(context.Canceled))
}
