package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Client wraps the settlement gateway REST endpoints. Mutating calls carry an
// Idempotency-Key; one is generated per request unless the caller supplies
// their own via WithIdempotencyKey.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	newKey     func() string
}

// Option mutates the client configuration during construction.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// withKeyFactory overrides idempotency key generation. Primarily for tests.
func withKeyFactory(fn func() string) Option {
	return func(c *Client) {
		if fn != nil {
			c.newKey = fn
		}
	}
}

// New constructs a client pointed at the supplied base URL. The token is the
// bearer JWT issued for the calling desk.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	trimmedURL := strings.TrimSpace(baseURL)
	if trimmedURL == "" {
		return nil, fmt.Errorf("baseURL required")
	}
	parsed, err := url.Parse(trimmedURL)
	if err != nil {
		return nil, fmt.Errorf("invalid baseURL: %w", err)
	}
	trimmedToken := strings.TrimSpace(token)
	if trimmedToken == "" {
		return nil, fmt.Errorf("bearer token required")
	}
	client := &Client{
		baseURL:    parsed,
		token:      trimmedToken,
		httpClient: http.DefaultClient,
		newKey:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.httpClient == nil {
		client.httpClient = http.DefaultClient
	}
	return client, nil
}

// APIError is a non-2xx reply from the gateway.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("settlement gateway %d: %s", e.Status, e.Message)
}

// Settlement mirrors the settlement resource returned by the gateway.
// Amounts are decimal strings, addresses bech32, the bond series 0x-hex.
type Settlement struct {
	ID               uint64 `json:"id"`
	Seller           string `json:"seller"`
	Buyer            string `json:"buyer"`
	Bond             string `json:"bond"`
	BondAmount       string `json:"bondAmount"`
	PaymentAmount    string `json:"paymentAmount"`
	Status           string `json:"status"`
	CreatedAt        int64  `json:"createdAt"`
	ExpiresAt        int64  `json:"expiresAt"`
	ExecutedAt       int64  `json:"executedAt,omitempty"`
	BondDeposited    bool   `json:"bondDeposited"`
	PaymentDeposited bool   `json:"paymentDeposited"`
}

// CanExecuteResult reports whether a settlement is ready to execute.
type CanExecuteResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// ModuleInfo mirrors GET /v1/info.
type ModuleInfo struct {
	Paused         bool   `json:"paused"`
	TimeoutSeconds int64  `json:"timeoutSeconds"`
	Vault          string `json:"vault"`
}

// Webhook mirrors one subscription in GET /v1/webhooks. The delivery secret
// is never returned.
type Webhook struct {
	ID        int64  `json:"id"`
	EventType string `json:"eventType"`
	URL       string `json:"url"`
	RateLimit int    `json:"rateLimit"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"createdAt"`
}

// CreateSettlementParams names the two legs of a new settlement.
type CreateSettlementParams struct {
	Seller        string `json:"seller"`
	Buyer         string `json:"buyer"`
	Bond          string `json:"bond"`
	BondAmount    string `json:"bondAmount"`
	PaymentAmount string `json:"paymentAmount"`
}

// WebhookParams configures a new delivery subscription. EventType may be a
// concrete type such as "settlement.executed" or "*" for all events.
type WebhookParams struct {
	EventType string `json:"eventType"`
	URL       string `json:"url"`
	Secret    string `json:"secret"`
	RateLimit int    `json:"rateLimit,omitempty"`
}

// RequestOption tweaks request metadata such as the Idempotency-Key header.
type RequestOption func(*requestOptions)

type requestOptions struct {
	idempotencyKey string
}

// WithIdempotencyKey pins the Idempotency-Key header so retries replay the
// original outcome.
func WithIdempotencyKey(key string) RequestOption {
	return func(opts *requestOptions) {
		opts.idempotencyKey = strings.TrimSpace(key)
	}
}

// CreateSettlement opens a new delivery-versus-payment settlement.
func (c *Client) CreateSettlement(ctx context.Context, params CreateSettlementParams, opts ...RequestOption) (*Settlement, error) {
	var out Settlement
	if err := c.do(ctx, http.MethodPost, "/v1/settlements", params, &out, true, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSettlement fetches one settlement by id.
func (c *Client) GetSettlement(ctx context.Context, id uint64) (*Settlement, error) {
	var out Settlement
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/settlements/%d", id), nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// CanExecute reports whether both legs are funded and the deadline unmet.
func (c *Client) CanExecute(ctx context.Context, id uint64) (*CanExecuteResult, error) {
	var out CanExecuteResult
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/settlements/%d/can-execute", id), nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSettlements pages through the settlements a participant is party to.
func (c *Client) ListSettlements(ctx context.Context, participant string, offset, limit int) ([]Settlement, error) {
	values := url.Values{}
	values.Set("participant", participant)
	if offset > 0 {
		values.Set("offset", fmt.Sprintf("%d", offset))
	}
	if limit > 0 {
		values.Set("limit", fmt.Sprintf("%d", limit))
	}
	var out []Settlement
	if err := c.do(ctx, http.MethodGet, "/v1/settlements?"+values.Encode(), nil, &out, false); err != nil {
		return nil, err
	}
	return out, nil
}

// Info returns the module pause flag, timeout, and vault address.
func (c *Client) Info(ctx context.Context) (*ModuleInfo, error) {
	var out ModuleInfo
	if err := c.do(ctx, http.MethodGet, "/v1/info", nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// DepositDelivery locks the seller's bond leg into the settlement vault.
func (c *Client) DepositDelivery(ctx context.Context, id uint64, caller string, opts ...RequestOption) (*Settlement, error) {
	return c.transition(ctx, id, "deposit-delivery", caller, opts...)
}

// DepositPayment locks the buyer's cash leg into the settlement vault.
func (c *Client) DepositPayment(ctx context.Context, id uint64, caller string, opts ...RequestOption) (*Settlement, error) {
	return c.transition(ctx, id, "deposit-payment", caller, opts...)
}

// ClaimExpired refunds the deposited legs after the deadline has passed.
func (c *Client) ClaimExpired(ctx context.Context, id uint64, caller string, opts ...RequestOption) (*Settlement, error) {
	return c.transition(ctx, id, "claim-expired", caller, opts...)
}

func (c *Client) transition(ctx context.Context, id uint64, action, caller string, opts ...RequestOption) (*Settlement, error) {
	payload := map[string]string{"caller": caller}
	var out Settlement
	endpoint := fmt.Sprintf("/v1/settlements/%d/%s", id, action)
	if err := c.do(ctx, http.MethodPost, endpoint, payload, &out, true, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

// Execute atomically swaps the two deposited legs. Anyone may crank a ready
// settlement, so no caller is sent.
func (c *Client) Execute(ctx context.Context, id uint64, opts ...RequestOption) (*Settlement, error) {
	var out Settlement
	endpoint := fmt.Sprintf("/v1/settlements/%d/execute", id)
	if err := c.do(ctx, http.MethodPost, endpoint, nil, &out, true, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel unwinds a settlement before execution. The reason is recorded on
// the cancellation event when present.
func (c *Client) Cancel(ctx context.Context, id uint64, caller, reason string, opts ...RequestOption) (*Settlement, error) {
	payload := map[string]string{"caller": caller}
	if strings.TrimSpace(reason) != "" {
		payload["reason"] = reason
	}
	var out Settlement
	endpoint := fmt.Sprintf("/v1/settlements/%d/cancel", id)
	if err := c.do(ctx, http.MethodPost, endpoint, payload, &out, true, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pause halts new settlement activity. Requires the settlement.admin scope.
func (c *Client) Pause(ctx context.Context, caller string, opts ...RequestOption) error {
	return c.do(ctx, http.MethodPost, "/v1/admin/pause", map[string]string{"caller": caller}, nil, true, opts...)
}

// Resume lifts a pause. Requires the settlement.admin scope.
func (c *Client) Resume(ctx context.Context, caller string, opts ...RequestOption) error {
	return c.do(ctx, http.MethodPost, "/v1/admin/resume", map[string]string{"caller": caller}, nil, true, opts...)
}

// SetTimeout changes the deadline applied to settlements created afterwards.
func (c *Client) SetTimeout(ctx context.Context, caller string, seconds uint64, opts ...RequestOption) error {
	payload := map[string]interface{}{"caller": caller, "seconds": seconds}
	return c.do(ctx, http.MethodPut, "/v1/admin/timeout", payload, nil, true, opts...)
}

// CreateWebhook registers a delivery subscription and returns its id.
func (c *Client) CreateWebhook(ctx context.Context, params WebhookParams, opts ...RequestOption) (int64, error) {
	var out struct {
		ID int64 `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/webhooks", params, &out, true, opts...); err != nil {
		return 0, err
	}
	return out.ID, nil
}

// ListWebhooks returns the caller's subscriptions, active and disabled.
func (c *Client) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	var out []Webhook
	if err := c.do(ctx, http.MethodGet, "/v1/webhooks", nil, &out, false); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteWebhook deactivates a subscription. The call is idempotent on the
// gateway side, so no Idempotency-Key is attached.
func (c *Client) DeleteWebhook(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/v1/webhooks/%d", id), nil, nil, false)
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload, out interface{}, mutation bool, opts ...RequestOption) error {
	var body io.Reader = http.NoBody
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}
	rel, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	target := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if mutation {
		var ro requestOptions
		for _, opt := range opts {
			opt(&ro)
		}
		key := ro.idempotencyKey
		if key == "" {
			key = c.newKey()
		}
		req.Header.Set("Idempotency-Key", key)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return &APIError{Status: resp.StatusCode, Message: errorMessage(bodyBytes)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var decoded struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &decoded); err == nil && decoded.Error != "" {
		return decoded.Error
	}
	return strings.TrimSpace(string(body))
}
