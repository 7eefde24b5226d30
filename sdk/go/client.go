package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"secupoints/core"
	"secupoints/engine"
)

// Option configures the Client.
type Option func(*Client)

// Client provides typed access to the SecuPoints HTTP + WebSocket API.
type Client struct {
	baseURL    string
	wsURL      string
	httpClient *http.Client
	headers    http.Header
}

// NewClient constructs a new SDK client targeting the given baseURL (e.g., http://localhost:8080/api).
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("baseURL is required")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	c := &Client{
		baseURL:    baseURL,
		wsURL:      deriveWSURL(baseURL),
		httpClient: http.DefaultClient,
		headers:    make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithAuthToken adds an Authorization: Bearer token header to all requests (HTTP + WS).
func WithAuthToken(token string) Option {
	return func(c *Client) {
		if strings.TrimSpace(token) != "" {
			c.headers.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithAPIKey adds an X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		if strings.TrimSpace(key) != "" {
			c.headers.Set("X-API-Key", key)
		}
	}
}

// WithHeader sets an arbitrary header applied to HTTP and WS calls.
func WithHeader(k, v string) Option {
	return func(c *Client) {
		if k != "" {
			c.headers.Set(k, v)
		}
	}
}

// ProcessEvent posts an event payload and returns the processing result. A
// server-side processing failure returns the partial result alongside the
// error when the server sent one.
func (c *Client) ProcessEvent(ctx context.Context, event string, data map[string]any) (*engine.Result, error) {
	if strings.TrimSpace(event) == "" {
		return nil, ErrEmptyEvent
	}
	if data == nil {
		data = map[string]any{}
	}
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode event data: %w", err)
	}

	var res engine.Result
	if err := c.do(ctx, http.MethodPost, "/events/"+url.PathEscape(event), nil, bytes.NewReader(body), &res); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && len(apiErr.Details) > 0 {
			var partial engine.Result
			if json.Unmarshal(apiErr.Details, &partial) == nil && partial.Event != "" {
				return &partial, err
			}
		}
		return nil, err
	}
	return &res, nil
}

// Balance fetches a user's ledger totals, level and badges.
func (c *Client) Balance(ctx context.Context, userID string) (engine.Balance, error) {
	if strings.TrimSpace(userID) == "" {
		return engine.Balance{}, ErrEmptyUserID
	}
	var bal engine.Balance
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/balance", nil, nil, &bal); err != nil {
		return engine.Balance{}, err
	}
	return bal, nil
}

// Leaderboard fetches one page of the leaderboard. A non-positive limit uses
// the server default.
func (c *Client) Leaderboard(ctx context.Context, offset, limit int) (LeaderboardPage, error) {
	q := url.Values{}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page LeaderboardPage
	if err := c.do(ctx, http.MethodGet, "/leaderboard", q, nil, &page); err != nil {
		return LeaderboardPage{}, err
	}
	return page, nil
}

// Rank fetches one user's leaderboard position. Users not on the board
// return an error satisfying IsNotFound.
func (c *Client) Rank(ctx context.Context, userID string) (RankedEntry, error) {
	if strings.TrimSpace(userID) == "" {
		return RankedEntry{}, ErrEmptyUserID
	}
	var e RankedEntry
	if err := c.do(ctx, http.MethodGet, "/leaderboard/"+url.PathEscape(userID), nil, nil, &e); err != nil {
		return RankedEntry{}, err
	}
	return e, nil
}

// Rules fetches the exported catalog.
func (c *Client) Rules(ctx context.Context) (CatalogRules, error) {
	var out CatalogRules
	if err := c.do(ctx, http.MethodGet, "/catalog/rules", nil, nil, &out); err != nil {
		return CatalogRules{}, err
	}
	return out, nil
}

// ReloadCatalog asks the server to re-read its catalog source.
func (c *Client) ReloadCatalog(ctx context.Context) (ReloadResult, error) {
	var out ReloadResult
	if err := c.do(ctx, http.MethodPost, "/catalog/reload", nil, nil, &out); err != nil {
		return ReloadResult{}, err
	}
	return out, nil
}

// Health fetches /healthz. An unhealthy server answers 503, which is
// returned as the decoded status rather than an error.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		return HealthStatus{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HealthStatus{}, err
	}
	defer resp.Body.Close()

	var hs HealthStatus
	if resp.StatusCode == http.StatusServiceUnavailable {
		if err := json.NewDecoder(resp.Body).Decode(&hs); err != nil {
			return HealthStatus{}, fmt.Errorf("decode health: %w", err)
		}
		return hs, nil
	}
	if err := decodeJSON(resp, &hs); err != nil {
		return HealthStatus{}, err
	}
	return hs, nil
}

// SubscribeEvents connects to the WebSocket stream and emits core.Event values.
// A non-empty userID limits the stream to that user plus global events.
// The returned channel closes when ctx is done or the connection drops.
func (c *Client) SubscribeEvents(ctx context.Context, userID string) (<-chan core.Event, error) {
	if c.wsURL == "" {
		return nil, errors.New("wsURL is not set; ensure baseURL is http/https")
	}
	target := c.wsURL
	if userID != "" {
		target += "?user=" + url.QueryEscape(userID)
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, target, c.headers)
	if err != nil {
		return nil, err
	}

	out := make(chan core.Event, 32)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var evt core.Event
			if err := conn.ReadJSON(&evt); err != nil {
				return
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			default:
				// drop if consumer is slow
			}
		}
	}()
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body io.Reader, target any) error {
	req, err := c.newRequest(ctx, method, path, q, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeJSON(resp, target)
}

func (c *Client) newRequest(ctx context.Context, method, path string, q url.Values, body io.Reader) (*http.Request, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) applyHeaders(r *http.Request) {
	for k, vals := range c.headers {
		for _, v := range vals {
			r.Header.Add(k, v)
		}
	}
}

func deriveWSURL(httpBase string) string {
	u, err := url.Parse(httpBase)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		// leave as-is for custom schemes
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}
