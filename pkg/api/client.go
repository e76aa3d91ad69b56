// Package api is the REST consumer for the conversation backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/model"
)

// SendMessageResponse is the reply to posting a message. A non-empty JobID
// means the assistant answer arrives asynchronously over the real-time
// channel rather than in this response.
type SendMessageResponse struct {
	Message model.Message `json:"message"`
	JobID   string        `json:"job_id,omitempty"`
}

// Job describes a queued server-side job.
type Job struct {
	ID             string `json:"id"`
	ConversationID int64  `json:"conversation_id"`
	Status         string `json:"status"`
}

// Client talks to the conversation REST API.
type Client struct {
	base   string
	http   *http.Client
	logger zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func NewClient(base string, opts ...Option) *Client {
	c := &Client{
		base:   base,
		http:   &http.Client{Timeout: 60 * time.Second},
		logger: log.With().Str("component", "api").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateConversation creates a new conversation with the given title.
func (c *Client) CreateConversation(ctx context.Context, title string) (model.Conversation, error) {
	var conv model.Conversation
	err := c.do(ctx, http.MethodPost, "/conversations",
		map[string]string{"title": title}, &conv)
	return conv, err
}

// SendMessage posts user text to a conversation.
func (c *Client) SendMessage(ctx context.Context, convID int64, text string) (SendMessageResponse, error) {
	var resp SendMessageResponse
	err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/conversations/%d/messages", convID),
		map[string]string{"text": text}, &resp)
	return resp, err
}

// ListMessages fetches the authoritative ordered message log.
func (c *Client) ListMessages(ctx context.Context, convID int64) ([]model.Message, error) {
	var msgs []model.Message
	err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/conversations/%d/messages", convID), nil, &msgs)
	return msgs, err
}

// CreateJob enqueues a server-side job.
func (c *Client) CreateJob(ctx context.Context, convID int64, kind string) (Job, error) {
	var job Job
	err := c.do(ctx, http.MethodPost, "/jobs",
		map[string]any{"conversation_id": convID, "kind": kind}, &job)
	return job, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "api: encode %s %s", method, path)
		}
		payload = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		return errors.Wrapf(err, "api: build %s %s", method, path)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "api: %s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("api call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Errorf("api: %s %s: status %d: %s", method, path, resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "api: decode %s %s response", method, path)
	}
	return nil
}
