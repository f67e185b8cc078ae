// Package gateway talks to the market data gateway: a REST API for history, services
// and sessions, and a websocket stream for real-time kline notifications.
package gateway

import (
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

	"github.com/0xc0d3d00d/heatmap/internal/domain"
)

var ErrUnexpectedStatus = errors.New("unexpected status")

const (
	apiKeyHeader   = "apikey"
	defaultTimeout = 30 * time.Second
)

type Client struct {
	baseURL *url.URL
	apiKey  string
	http    *http.Client
}

type ClientOption func(*Client)

func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		c.http = h
	}
}

func NewClient(endpoint string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(endpoint, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("gateway: parse endpoint: %w", err)
	}

	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Ping returns nil when the gateway answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.get(ctx, "ping", nil, nil)
}

// Session reports whether the session exists on the gateway.
func (c *Client) Session(ctx context.Context, sessionID string) (bool, error) {
	var sessions map[string]json.RawMessage
	if err := c.get(ctx, "sessions/"+url.PathEscape(sessionID), nil, &sessions); err != nil {
		return false, err
	}
	_, ok := sessions[sessionID]
	return ok, nil
}

func (c *Client) Services(ctx context.Context) (*Services, error) {
	var services Services
	if err := c.get(ctx, "server/services", nil, &services); err != nil {
		return nil, err
	}
	return &services, nil
}

// Klines returns the most recent klines of a pair, oldest first.
func (c *Client) Klines(ctx context.Context, exchange domain.Exchange, pair domain.Pair, interval domain.Interval, limit int) ([]domain.Candle, error) {
	q := url.Values{}
	q.Set("interval", interval.String())
	q.Set("limit", strconv.Itoa(limit))

	var candles []domain.Candle
	path := "exchanges/" + url.PathEscape(string(exchange)) + "/klines/" + url.PathEscape(string(pair))
	if err := c.get(ctx, path, q, &candles); err != nil {
		return nil, err
	}
	return candles, nil
}

// Subscriptions returns the subscriptions of a session, empty when the session is unknown.
func (c *Client) Subscriptions(ctx context.Context, sessionID string) (Subscriptions, error) {
	var sessions map[string]Subscriptions
	if err := c.get(ctx, "sessions/"+url.PathEscape(sessionID)+"/subscriptions", nil, &sessions); err != nil {
		return nil, err
	}
	subs, ok := sessions[sessionID]
	if !ok {
		return Subscriptions{}, nil
	}
	return subs, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway: get %s: %w %s: %s", path, ErrUnexpectedStatus, resp.Status, strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gateway: decode %s: %w", path, err)
	}
	return nil
}
