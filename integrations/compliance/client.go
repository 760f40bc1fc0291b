package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config defines the HTTP client settings for the compliance registry.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client queries an external compliance registry for participant
// eligibility. The registry owns the allowlist; this client only reads
// decisions.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Decision is the registry's answer for a single participant.
type Decision struct {
	Address  string `json:"address"`
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

// NewClient constructs a client with sane defaults.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("compliance: base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		token:   strings.TrimSpace(cfg.Token),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// CheckAddress fetches the eligibility decision for a bech32 participant
// address.
func (c *Client) CheckAddress(ctx context.Context, addr string) (*Decision, error) {
	if c == nil {
		return nil, fmt.Errorf("compliance: client not configured")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("compliance: address required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/participants/%s/eligibility", c.baseURL, addr), nil)
	if err != nil {
		return nil, fmt.Errorf("compliance: request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("compliance: call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("compliance: unexpected status %d", resp.StatusCode)
	}
	var payload Decision
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("compliance: decode: %w", err)
	}
	return &payload, nil
}
