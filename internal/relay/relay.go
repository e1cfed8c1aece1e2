// Package relay is the client for the metering/caching relay: an
// intermediary that proxies provider calls with unified timeout, retry and
// observability applied by the relay itself.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Config is the per-call policy the relay applies upstream.
type Config struct {
	TimeoutMs  int     `json:"timeout"`
	Attempts   int     `json:"attempts"`
	RetryDelay int     `json:"retryDelay"`
	Backoff    float64 `json:"backoff"`
}

// DefaultConfig is the relay policy used when the caller does not override it.
func DefaultConfig(timeout time.Duration) Config {
	return Config{
		TimeoutMs:  int(timeout / time.Millisecond),
		Attempts:   1,
		RetryDelay: 1000,
		Backoff:    2.0,
	}
}

type envelope struct {
	Provider string            `json:"provider"`
	Endpoint string            `json:"endpoint"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     json.RawMessage   `json:"body"`
	Config   Config            `json:"config"`
}

// Client submits provider calls through the relay binding.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a relay client for the given binding URL.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// BaseURL returns the relay binding URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Submit sends one provider call through the relay. endpoint is
// relay-relative (e.g. "replicate/predictions"); headers and body are
// forwarded verbatim. The raw response is returned for the dispatcher to
// classify.
func (c *Client) Submit(ctx context.Context, provider, endpoint string, headers map[string]string, body []byte, cfg Config) (*http.Response, error) {
	env := envelope{
		Provider: provider,
		Endpoint: strings.TrimLeft(endpoint, "/"),
		Headers:  headers,
		Body:     body,
		Config:   cfg,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal relay envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.http.Do(req)
}
