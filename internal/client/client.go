// Package client talks to the chat HTTP API and keeps an optimistic local
// view of a conversation in sync with the server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"misorachat/internal/models"
)

const sessionHeader = "X-Session-ID"

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
}

type SendResult struct {
	ConversationID string
	Messages       []models.Message
	Response       string
}

type Client struct {
	baseURL   string
	sessionID string
	http      *http.Client
}

// New returns a client for baseURL. A nil httpClient gets a generous
// timeout because model calls can be slow.
func New(baseURL, sessionID string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), sessionID: sessionID, http: httpClient}
}

type conversationEnvelope struct {
	Conversation models.Conversation `json:"conversation"`
	Response     string              `json:"response"`
}

func (c *Client) Conversation(ctx context.Context) (*models.Conversation, error) {
	var env conversationEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/chat/conversation", nil, &env); err != nil {
		return nil, err
	}
	return &env.Conversation, nil
}

func (c *Client) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var env conversationEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/chat/conversations/"+id, nil, &env); err != nil {
		return nil, err
	}
	return &env.Conversation, nil
}

func (c *Client) NewConversation(ctx context.Context) (*models.Conversation, error) {
	var env conversationEnvelope
	if err := c.do(ctx, http.MethodPost, "/api/chat/conversation/new", nil, &env); err != nil {
		return nil, err
	}
	return &env.Conversation, nil
}

func (c *Client) Clear(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/chat/conversation", nil, nil)
}

func (c *Client) Send(ctx context.Context, text, conversationID string) (*SendResult, error) {
	body := map[string]string{"message": text}
	if conversationID != "" {
		body["conversationId"] = conversationID
	}
	var env conversationEnvelope
	if err := c.do(ctx, http.MethodPost, "/api/chat", body, &env); err != nil {
		return nil, err
	}
	return &SendResult{
		ConversationID: env.Conversation.ID,
		Messages:       env.Conversation.Messages,
		Response:       env.Response,
	}, nil
}

func (c *Client) UserName(ctx context.Context) (string, error) {
	var out struct {
		UserName string `json:"userName"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/user", nil, &out); err != nil {
		return "", err
	}
	return out.UserName, nil
}

func (c *Client) SetUserName(ctx context.Context, name string) (string, error) {
	var out struct {
		UserName string `json:"userName"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/user", map[string]string{"userName": name}, &out); err != nil {
		return "", err
	}
	return out.UserName, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.sessionID != "" {
		req.Header.Set(sessionHeader, c.sessionID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
