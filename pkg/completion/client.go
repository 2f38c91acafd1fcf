package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/xiaoxianzi-99/AiBot/pkg/chat"
)

const (
	DefaultAPIURL = "https://api.deepseek.com/chat/completions"
	DefaultModel  = "deepseek-chat"

	maxErrorBody = 64 << 10
)

// Settings configures the remote OpenAI-compatible endpoint.
type Settings struct {
	APIURL         string        `yaml:"apiUrl"`
	APIKey         string        `yaml:"apiKey"`
	Model          string        `yaml:"model"`
	ConnectTimeout time.Duration `yaml:"-"`
}

// Client talks to a chat-completions endpoint, either in one shot (Complete)
// or as a server-sent-event stream (Stream, CompleteStream).
type Client struct {
	apiURL     string
	apiKey     string
	model      string
	httpClient *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default transport, mostly for tests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func NewClient(settings Settings, opts ...Option) *Client {
	c := &Client{
		apiURL: strings.TrimSpace(settings.APIURL),
		apiKey: strings.TrimSpace(settings.APIKey),
		model:  strings.TrimSpace(settings.Model),
	}
	if c.apiURL == "" {
		c.apiURL = DefaultAPIURL
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	c.httpClient = NewHTTPClient(settings.ConnectTimeout)
	for _, opt := range opts {
		opt(c)
	}
	if c.apiKey == "" {
		log.Warn().Str("component", "completion").Msg("no API key configured; requests will likely be rejected")
	}
	return c
}

func (c *Client) Model() string { return c.model }

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// Pointer fields let us tell a missing path apart from an empty string.
type chatResponse struct {
	Choices []struct {
		Message *struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) newRequest(ctx context.Context, turns []chat.Turn, stream bool) (*http.Request, error) {
	body := chatRequest{Model: c.model, Messages: make([]wireMessage, 0, len(turns)), Stream: stream}
	for i, t := range turns {
		if !t.Role.Valid() {
			return nil, errors.Errorf("completion: turn %d has invalid role %d", i, int(t.Role))
		}
		body.Messages = append(body.Messages, wireMessage{Role: t.Role.String(), Content: t.Content})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "completion: encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "completion: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	return req, nil
}

// Complete sends the whole context and returns choices[0].message.content.
func (c *Client) Complete(ctx context.Context, turns []chat.Turn) (string, error) {
	req, err := c.newRequest(ctx, turns, false)
	if err != nil {
		return "", err
	}
	log.Debug().Str("component", "completion").Str("model", c.model).Int("turns", len(turns)).Msg("sending completion request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "completion: request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp); err != nil {
		return "", err
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "completion: read response")
	}
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", &ProtocolError{Reason: "response is not valid JSON", Err: err}
	}
	if len(parsed.Choices) == 0 {
		return "", &ProtocolError{Reason: "response has no choices"}
	}
	msg := parsed.Choices[0].Message
	if msg == nil || msg.Content == nil {
		return "", &ProtocolError{Reason: "choices[0].message.content is missing"}
	}
	return *msg.Content, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &RemoteError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
