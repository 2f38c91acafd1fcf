package completion

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxianzi-99/AiBot/pkg/chat"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Settings{APIURL: srv.URL, APIKey: "sk-test", Model: "deepseek-chat"})
}

func TestComplete_RequestShapeAndAuth(t *testing.T) {
	var (
		gotAuth, gotType string
		gotBody          map[string]any
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"Hello!"}}]}`)
	})

	text, err := c.Complete(context.Background(), []chat.Turn{
		{Role: chat.RoleSystem, Content: "be brief"},
		{Role: chat.RoleUser, Content: "hi"},
	})
	require.NoError(t, err)
	require.Equal(t, "Hello!", text)
	require.Equal(t, "Bearer sk-test", gotAuth)
	require.Equal(t, "application/json", gotType)
	require.Equal(t, "deepseek-chat", gotBody["model"])
	require.Equal(t, false, gotBody["stream"])
	require.Equal(t, []any{
		map[string]any{"role": "system", "content": "be brief"},
		map[string]any{"role": "user", "content": "hi"},
	}, gotBody["messages"])
}

func TestComplete_NonSuccessStatusIsRemoteError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"invalid api key"}`)
	})

	_, err := c.Complete(context.Background(), []chat.Turn{{Role: chat.RoleUser, Content: "hi"}})
	var re *RemoteError
	require.True(t, errors.As(err, &re))
	require.Equal(t, http.StatusUnauthorized, re.StatusCode)
	require.Contains(t, re.Body, "invalid api key")
	require.Contains(t, err.Error(), "401")
}

func TestComplete_MissingContentPathIsProtocolError(t *testing.T) {
	bodies := []string{
		`{}`,
		`{"choices":[]}`,
		`{"choices":[{}]}`,
		`{"choices":[{"message":{}}]}`,
		`{"choices":[{"message":{"content":null}}]}`,
		`not json`,
	}
	for _, body := range bodies {
		body := body
		t.Run(body, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, body)
			})
			_, err := c.Complete(context.Background(), []chat.Turn{{Role: chat.RoleUser, Content: "hi"}})
			var pe *ProtocolError
			require.True(t, errors.As(err, &pe), "got %v", err)
		})
	}
}

func TestComplete_RejectsInvalidRole(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request should not be sent")
	})
	_, err := c.Complete(context.Background(), []chat.Turn{{Role: chat.RoleUnknown, Content: "hi"}})
	require.Error(t, err)
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Settings{APIKey: "k"})
	require.Equal(t, DefaultAPIURL, c.apiURL)
	require.Equal(t, DefaultModel, c.Model())
	require.Zero(t, c.httpClient.Timeout)
}

func TestNewTransport_Timeouts(t *testing.T) {
	tr := NewTransport(0)
	require.Equal(t, DefaultConnectTimeout, tr.TLSHandshakeTimeout)
	require.Zero(t, tr.ResponseHeaderTimeout)
	require.Equal(t, 5, tr.MaxIdleConnsPerHost)
	require.Equal(t, 5*time.Minute, tr.IdleConnTimeout)
}
