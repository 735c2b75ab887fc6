package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
)

const (
	userAgent       = "ticketflow-webhook/1.0"
	maxResponseBody = 64 << 10

	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
	HeaderDelivery  = "X-Webhook-Delivery"
)

// Request is one delivery attempt.
type Request struct {
	URL        string
	Secret     string
	EventType  string
	DeliveryID string
	Body       []byte
}

// Sender performs delivery attempts. A non-nil error means no HTTP status
// was obtained.
type Sender interface {
	Send(ctx context.Context, req Request) (int, error)
}

// HTTPSender posts signed JSON over net/http.
type HTTPSender struct {
	client *http.Client
}

// NewHTTPSender wraps client; nil uses a client without its own timeout, the
// dispatcher bounds every attempt through the context.
func NewHTTPSender(client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPSender{client: client}
}

// Send posts req.Body and returns the response status.
func (s *HTTPSender) Send(ctx context.Context, r Request) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderEvent, r.EventType)
	req.Header.Set(HeaderDelivery, r.DeliveryID)
	if r.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(r.Body, r.Secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	return resp.StatusCode, nil
}

// Sign returns the signature header value for body.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}
