package fanout

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// SignatureHeader carries the HMAC-SHA256 of the body when a secret is set.
const SignatureHeader = "X-Signature-256"

// ErrDisabled is returned by a forwarder with no target URL.
var ErrDisabled = errors.New("automation forwarding disabled")

// Forwarder delivers automation payloads.
type Forwarder interface {
	Forward(ctx context.Context, p *AutomationPayload) error
}

// HTTPForwarder posts payloads as JSON to a webhook URL.
type HTTPForwarder struct {
	url    string
	secret []byte
	http   *http.Client
}

// NewHTTPForwarder creates a forwarder. An empty url disables it. When secret
// is set each request is signed as "sha256=<hex>" in SignatureHeader.
func NewHTTPForwarder(url, secret string, client *http.Client) *HTTPForwarder {
	if client == nil {
		client = &http.Client{}
	}
	f := &HTTPForwarder{url: url, http: client}
	if secret != "" {
		f.secret = []byte(secret)
	}
	return f
}

// Forward posts p. Non-2xx responses are errors.
func (f *HTTPForwarder) Forward(ctx context.Context, p *AutomationPayload) error {
	if f.url == "" {
		return ErrDisabled
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode automation payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.secret != nil {
		req.Header.Set(SignatureHeader, Sign(f.secret, body))
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return fmt.Errorf("post automation webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("automation webhook: HTTP %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the SignatureHeader value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ValidSignature reports whether sig matches body under secret.
func ValidSignature(secret, body []byte, sig string) bool {
	return hmac.Equal([]byte(sig), []byte(Sign(secret, body)))
}
