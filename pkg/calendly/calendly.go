package calendly

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
)

type Config struct {
	Token         string        `split_words:"true" required:"true"`
	BaseURL       string        `split_words:"true" default:"https://api.calendly.com"`
	EventTypeUUID string        `split_words:"true"`
	Timeout       time.Duration `split_words:"true" default:"15s"`
}

type Client struct {
	baseURL       string
	token         string
	eventTypeUUID string
	httpClient    *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("calendly token is required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.calendly.com"
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		token:         token,
		eventTypeUUID: strings.TrimSpace(cfg.EventTypeUUID),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// CreateSchedulingLink mints a single-use booking link for the configured
// event type. When no event type is configured, the account's first one is
// used.
func (c *Client) CreateSchedulingLink(ctx context.Context) (string, error) {
	eventType := c.eventTypeUUID
	if eventType == "" {
		first, err := c.firstEventType(ctx)
		if err != nil {
			return "", err
		}
		eventType = first
	}

	payload := map[string]any{
		"max_event_count": 1,
		"owner":           c.baseURL + "/event_types/" + eventType,
		"owner_type":      "EventType",
	}
	body, err := c.do(ctx, http.MethodPost, "/scheduling_links", payload)
	if err != nil {
		return "", err
	}

	var out struct {
		Resource struct {
			BookingURL string `json:"booking_url"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if out.Resource.BookingURL == "" {
		return "", errors.New("calendly scheduling link: response has no booking_url")
	}
	return out.Resource.BookingURL, nil
}

func (c *Client) firstEventType(ctx context.Context) (string, error) {
	me, err := c.do(ctx, http.MethodGet, "/users/me", nil)
	if err != nil {
		return "", err
	}
	var user struct {
		Resource struct {
			URI string `json:"uri"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(me, &user); err != nil {
		return "", err
	}

	body, err := c.do(ctx, http.MethodGet, "/event_types?user="+url.QueryEscape(user.Resource.URI), nil)
	if err != nil {
		return "", err
	}
	var list struct {
		Collection []struct {
			URI string `json:"uri"`
		} `json:"collection"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return "", err
	}
	if len(list.Collection) == 0 {
		return "", errors.New("calendly: account has no event types")
	}
	uri := list.Collection[0].URI
	return uri[strings.LastIndex(uri, "/")+1:], nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("calendly %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
