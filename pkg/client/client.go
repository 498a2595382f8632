// Package client talks to a push-toggles server over its JSON API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/astromechza/push-toggles/pkg/feed"
	"github.com/astromechza/push-toggles/pkg/subscriptions"
)

// HTTPError represents a non-2xx response from the server.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err wraps an HTTPError with the given status code.
func IsStatus(err error, code int) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == code
	}
	return false
}

type Toggle struct {
	Name  string `json:"name"`
	Value bool   `json:"value"`
}

type Info struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	Subscribers int    `json:"subscribers"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) Info(ctx context.Context) (*Info, error) {
	var info Info
	if err := c.get(ctx, "/", &info); err != nil {
		return nil, fmt.Errorf("client.Info: %w", err)
	}
	return &info, nil
}

func (c *Client) State(ctx context.Context) (map[string]bool, error) {
	var state map[string]bool
	if err := c.get(ctx, "/api/state", &state); err != nil {
		return nil, fmt.Errorf("client.State: %w", err)
	}
	return state, nil
}

// Toggle flips a toggle and returns its new value.
func (c *Client) Toggle(ctx context.Context, name string) (bool, error) {
	var t Toggle
	if err := c.post(ctx, "/api/toggle/"+url.PathEscape(name), nil, &t); err != nil {
		return false, fmt.Errorf("client.Toggle: %w", err)
	}
	return t.Value, nil
}

func (c *Client) Set(ctx context.Context, name string, value bool) (bool, error) {
	var t Toggle
	if err := c.post(ctx, "/api/set/"+url.PathEscape(name), map[string]bool{"value": value}, &t); err != nil {
		return false, fmt.Errorf("client.Set: %w", err)
	}
	return t.Value, nil
}

func (c *Client) PublicKey(ctx context.Context) (string, error) {
	var out struct {
		PublicKey string `json:"publicKey"`
	}
	if err := c.get(ctx, "/api/vapid-public-key", &out); err != nil {
		return "", fmt.Errorf("client.PublicKey: %w", err)
	}
	return out.PublicKey, nil
}

// Subscribe registers sub and returns the number of subscriptions held.
func (c *Client) Subscribe(ctx context.Context, sub subscriptions.Subscription) (int, error) {
	var out struct {
		Total int `json:"total"`
	}
	if err := c.post(ctx, "/api/subscribe", sub, &out); err != nil {
		return 0, fmt.Errorf("client.Subscribe: %w", err)
	}
	return out.Total, nil
}

func (c *Client) Unsubscribe(ctx context.Context, endpoint string) error {
	if err := c.post(ctx, "/api/unsubscribe", map[string]string{"endpoint": endpoint}, nil); err != nil {
		return fmt.Errorf("client.Unsubscribe: %w", err)
	}
	return nil
}

func (c *Client) Subscribers(ctx context.Context) (int, error) {
	var out struct {
		Total int `json:"total"`
	}
	if err := c.get(ctx, "/api/subscribers", &out); err != nil {
		return 0, fmt.Errorf("client.Subscribers: %w", err)
	}
	return out.Total, nil
}

// TestPush asks the server to broadcast a test notification and returns the
// number of subscriptions left afterwards.
func (c *Client) TestPush(ctx context.Context) (int, error) {
	var out struct {
		SentTo int `json:"sent_to"`
	}
	if err := c.post(ctx, "/api/test-push", nil, &out); err != nil {
		return 0, fmt.Errorf("client.TestPush: %w", err)
	}
	return out.SentTo, nil
}

// Watch streams feed events until ctx is cancelled.
func (c *Client) Watch(ctx context.Context, fn func(feed.Event)) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("client.Watch: %w", err)
	}
	u = u.JoinPath("api/feed")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if err := feed.Watch(ctx, u.String(), fn); err != nil {
		return fmt.Errorf("client.Watch: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.doRequest(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	return c.doRequest(ctx, http.MethodPost, path, body, out)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if readErr != nil {
			return &HTTPError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read body: %v", readErr)}
		}
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return &HTTPError{StatusCode: resp.StatusCode, Message: apiErr.Error}
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
