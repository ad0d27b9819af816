// Package whatsapp talks to the WhatsApp Cloud API: media lookup and
// download, text sending, and webhook envelope decoding.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultBaseURL is the Graph API root used when none is configured.
const DefaultBaseURL = "https://graph.facebook.com/v21.0"

// Params configures a Client.
type Params struct {
	BaseURL       string
	PhoneNumberID string
	AccessToken   string
	Timeout       time.Duration
}

// Client is a minimal Cloud API client authenticated with a bearer token.
type Client struct {
	http    *http.Client
	baseURL string
	phoneID string
}

// NewClient creates a client. Requests carry the access token as a bearer
// token when one is configured.
func NewClient(p Params) *Client {
	if p.BaseURL == "" {
		p.BaseURL = DefaultBaseURL
	}
	if p.Timeout <= 0 {
		p.Timeout = 30 * time.Second
	}
	hc := &http.Client{}
	if p.AccessToken != "" {
		hc = oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: p.AccessToken,
			TokenType:   "Bearer",
		}))
	}
	hc.Timeout = p.Timeout
	return &Client{
		http:    hc,
		baseURL: strings.TrimRight(p.BaseURL, "/"),
		phoneID: p.PhoneNumberID,
	}
}

// APIError is an error response from the Cloud API.
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("cloud api: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("cloud api: HTTP %d: %s (code %d)", e.StatusCode, e.Message, e.Code)
}

// MediaInfo is the metadata returned for a media handle.
type MediaInfo struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	FileSize int64  `json:"file_size"`
}

// GetMediaInfo exchanges a media handle for its metadata and a time-limited URL.
func (c *Client) GetMediaInfo(ctx context.Context, handle string) (*MediaInfo, error) {
	var info MediaInfo
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/"+handle, nil, &info); err != nil {
		return nil, fmt.Errorf("media info %q: %w", handle, err)
	}
	if info.URL == "" {
		return nil, fmt.Errorf("media info %q: empty url", handle)
	}
	return &info, nil
}

// MediaURL implements media.Source.
func (c *Client) MediaURL(ctx context.Context, handle string) (string, error) {
	info, err := c.GetMediaInfo(ctx, handle)
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

// Download implements media.Source. The caller closes the body.
func (c *Client) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, &APIError{StatusCode: resp.StatusCode}
	}
	return resp.Body, nil
}

type sendRequest struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		Body string `json:"body"`
	} `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendText sends a text message and returns the provider message id.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	if c.phoneID == "" {
		return "", fmt.Errorf("send text: phone number id not configured")
	}
	req := sendRequest{MessagingProduct: "whatsapp", RecipientType: "individual", To: to, Type: "text"}
	req.Text.Body = body

	var resp sendResponse
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/"+c.phoneID+"/messages", req, &resp); err != nil {
		return "", fmt.Errorf("send text to %s: %w", to, err)
	}
	if len(resp.Messages) == 0 || resp.Messages[0].ID == "" {
		return "", fmt.Errorf("send text to %s: no message id in response", to)
	}
	return resp.Messages[0].ID, nil
}

func (c *Client) do(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var wrapped struct {
			Error *APIError `json:"error"`
		}
		if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&wrapped) == nil && wrapped.Error != nil {
			apiErr.Code = wrapped.Error.Code
			apiErr.Message = wrapped.Error.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
