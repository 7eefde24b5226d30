package webhook

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
	"log/slog"
	"net/http"
	"time"

	"secupoints/core"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is set.
const SignatureHeader = "X-SecuPoints-Signature"

// Sink posts engine events and notifications to configured HTTP endpoints.
// It is synchronous for determinism; attach it to an async event bus to keep
// engine runs off the network path.
type Sink struct {
	client    *http.Client
	endpoints []string
	secret    []byte
	log       *slog.Logger
}

// Option configures a Sink.
type Option func(*Sink)

// WithClient overrides the HTTP client (defaults to 2s timeout).
func WithClient(c *http.Client) Option {
	return func(s *Sink) {
		if c != nil {
			s.client = c
		}
	}
}

// WithSecret signs every request body with HMAC-SHA256.
func WithSecret(secret string) Option {
	return func(s *Sink) { s.secret = []byte(secret) }
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Sink) {
		if log != nil {
			s.log = log
		}
	}
}

// New creates a webhook sink.
func New(endpoints []string, opts ...Option) *Sink {
	s := &Sink{
		client: &http.Client{Timeout: 2 * time.Second},
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.endpoints = append([]string{}, endpoints...)
	return s
}

type envelope struct {
	Kind         string             `json:"kind"`
	Event        *core.Event        `json:"event,omitempty"`
	Notification *core.Notification `json:"notification,omitempty"`
}

// OnEvent posts the event JSON to all endpoints. Delivery failures are
// logged; events are best effort.
func (s *Sink) OnEvent(ctx context.Context, e core.Event) {
	if err := s.post(ctx, envelope{Kind: "event", Event: &e}); err != nil {
		s.log.WarnContext(ctx, "webhook event delivery failed", "type", e.Type, "error", err)
	}
}

// Notify delivers a side-effect notification. Unlike OnEvent, failures are
// returned so the engine can record them against the rule.
func (s *Sink) Notify(ctx context.Context, n core.Notification) error {
	if len(s.endpoints) == 0 {
		return errors.New("webhook: no endpoints configured")
	}
	return s.post(ctx, envelope{Kind: "notification", Notification: &n})
}

func (s *Sink) post(ctx context.Context, env envelope) error {
	if len(s.endpoints) == 0 {
		return nil
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("webhook: encode: %w", err)
	}
	var errs []error
	for _, ep := range s.endpoints {
		if err := s.send(ctx, ep, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Sink) send(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook %s: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(s.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(s.secret, body))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s: unexpected status %d", endpoint, resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
