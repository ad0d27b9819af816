// Package client is the HTTP client the CLI uses to talk to the daemon.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/wprelay/internal/httpapi"
	"github.com/matheus3301/wprelay/internal/message"
)

// Client calls the daemon's read and send API.
type Client struct {
	base string
	http *http.Client
}

// New returns a client for the daemon listening at addr ("host:port" or a URL).
func New(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Error is a non-2xx daemon response.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("daemon: HTTP %d: %s", e.StatusCode, e.Message)
}

// Status returns the daemon state and store statistics.
func (c *Client) Status(ctx context.Context) (*httpapi.StatusResponse, error) {
	var out httpapi.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Chats lists conversations, most recent first.
func (c *Client) Chats(ctx context.Context, limit, offset int) ([]message.Conversation, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	var out []message.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/chats?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages lists the messages of a conversation.
func (c *Client) Messages(ctx context.Context, address string, limit int) ([]message.Message, error) {
	path := "/api/chats/" + url.PathEscape(address) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []message.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead resets the unread counter of a conversation.
func (c *Client) MarkRead(ctx context.Context, address string) error {
	return c.do(ctx, http.MethodPost, "/api/chats/"+url.PathEscape(address)+"/read", nil, nil)
}

// Send queues a text message and returns its client message id.
func (c *Client) Send(ctx context.Context, to, text string) (*httpapi.SendResponse, error) {
	var out httpapi.SendResponse
	if err := c.do(ctx, http.MethodPost, "/api/messages/send", httpapi.SendRequest{To: to, Message: text}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		var wrapped struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&wrapped) == nil {
			apiErr.Message = wrapped.Error
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
