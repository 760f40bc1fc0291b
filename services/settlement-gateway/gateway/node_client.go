package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// maxNodeResponse bounds how much of a node reply the client will buffer.
const maxNodeResponse = 1 << 20

// NodeClient is the settlement node surface the gateway depends on.
type NodeClient interface {
	SettlementCreate(ctx context.Context, req CreateSettlementRequest) (json.RawMessage, error)
	SettlementGet(ctx context.Context, id uint64) (json.RawMessage, error)
	SettlementCanExecute(ctx context.Context, id uint64) (json.RawMessage, error)
	SettlementList(ctx context.Context, participant string, offset, limit int) (json.RawMessage, error)
	SettlementInfo(ctx context.Context) (json.RawMessage, error)
	SettlementDepositDelivery(ctx context.Context, id uint64, caller string) (json.RawMessage, error)
	SettlementDepositPayment(ctx context.Context, id uint64, caller string) (json.RawMessage, error)
	SettlementExecute(ctx context.Context, id uint64) (json.RawMessage, error)
	SettlementClaimExpired(ctx context.Context, id uint64, caller string) (json.RawMessage, error)
	SettlementCancel(ctx context.Context, id uint64, caller, reason string) (json.RawMessage, error)
	SettlementPause(ctx context.Context, caller string) error
	SettlementResume(ctx context.Context, caller string) error
	SettlementSetTimeout(ctx context.Context, caller string, seconds uint64) error
	FetchEvents(ctx context.Context, after uint64, limit int) ([]NodeEvent, error)
	LastEventSequence(ctx context.Context) (uint64, error)
}

// CreateSettlementRequest mirrors the settlement_create parameter object.
type CreateSettlementRequest struct {
	Seller        string `json:"seller"`
	Buyer         string `json:"buyer"`
	Bond          string `json:"bond"`
	BondAmount    string `json:"bondAmount"`
	PaymentAmount string `json:"paymentAmount"`
}

// NodeEvent is one journal entry returned by events_list.
type NodeEvent struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  int64             `json:"timestamp"`
}

// NodeError preserves the JSON-RPC error returned by the node so handlers
// can map it onto an HTTP status.
type NodeError struct {
	Code    int
	Message string
	Detail  string
}

func (e *NodeError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("node rpc error %d: %s: %s", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("node rpc error %d: %s", e.Code, e.Message)
}

// RPCNodeClient talks JSON-RPC to the settlement node over HTTP.
type RPCNodeClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// NewRPCNodeClient builds a client for the node RPC endpoint. The token is
// attached as a bearer credential when present.
func NewRPCNodeClient(baseURL, authToken string, timeout time.Duration) *RPCNodeClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCNodeClient{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		authToken: strings.TrimSpace(authToken),
		http:      &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int64         `json:"id"`
}

type rpcErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcErrorObject `json:"error"`
}

// call performs one JSON-RPC exchange. The node pairs error envelopes with
// non-200 statuses, so the body is decoded before the status is judged.
func (c *RPCNodeClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	payload := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: c.nextID.Add(1)}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("node rpc %s: %w", method, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxNodeResponse))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	var decoded rpcResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("node rpc %s failed: status=%d body=%s", method, resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if decoded.Error != nil {
		return &NodeError{
			Code:    decoded.Error.Code,
			Message: decoded.Error.Message,
			Detail:  errorDetail(decoded.Error.Data),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node rpc %s failed: status=%d body=%s", method, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	if len(decoded.Result) == 0 {
		return fmt.Errorf("node rpc %s returned empty result", method)
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func errorDetail(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	return string(data)
}

func (c *RPCNodeClient) SettlementCreate(ctx context.Context, req CreateSettlementRequest) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.call(ctx, "settlement_create", []interface{}{req}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RPCNodeClient) SettlementGet(ctx context.Context, id uint64) (json.RawMessage, error) {
	var out json.RawMessage
	params := []interface{}{map[string]interface{}{"id": id}}
	if err := c.call(ctx, "settlement_get", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RPCNodeClient) SettlementCanExecute(ctx context.Context, id uint64) (json.RawMessage, error) {
	var out json.RawMessage
	params := []interface{}{map[string]interface{}{"id": id}}
	if err := c.call(ctx, "settlement_canExecute", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RPCNodeClient) SettlementList(ctx context.Context, participant string, offset, limit int) (json.RawMessage, error) {
	var out json.RawMessage
	payload := map[string]interface{}{"participant": participant}
	if offset > 0 {
		payload["offset"] = offset
	}
	if limit > 0 {
		payload["limit"] = limit
	}
	if err := c.call(ctx, "settlement_listByParticipant", []interface{}{payload}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RPCNodeClient) SettlementInfo(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.call(ctx, "settlement_info", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RPCNodeClient) SettlementDepositDelivery(ctx context.Context, id uint64, caller string) (json.RawMessage, error) {
	return c.transition(ctx, "settlement_depositDelivery", id, caller)
}

func (c *RPCNodeClient) SettlementDepositPayment(ctx context.Context, id uint64, caller string) (json.RawMessage, error) {
	return c.transition(ctx, "settlement_depositPayment", id, caller)
}

func (c *RPCNodeClient) SettlementExecute(ctx context.Context, id uint64) (json.RawMessage, error) {
	var out json.RawMessage
	params := []interface{}{map[string]interface{}{"id": id}}
	if err := c.call(ctx, "settlement_execute", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RPCNodeClient) SettlementClaimExpired(ctx context.Context, id uint64, caller string) (json.RawMessage, error) {
	return c.transition(ctx, "settlement_claimExpired", id, caller)
}

func (c *RPCNodeClient) transition(ctx context.Context, method string, id uint64, caller string) (json.RawMessage, error) {
	var out json.RawMessage
	params := []interface{}{map[string]interface{}{"id": id, "caller": caller}}
	if err := c.call(ctx, method, params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RPCNodeClient) SettlementCancel(ctx context.Context, id uint64, caller, reason string) (json.RawMessage, error) {
	var out json.RawMessage
	payload := map[string]interface{}{"id": id, "caller": caller}
	if reason != "" {
		payload["reason"] = reason
	}
	if err := c.call(ctx, "settlement_cancel", []interface{}{payload}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RPCNodeClient) SettlementPause(ctx context.Context, caller string) error {
	params := []interface{}{map[string]interface{}{"caller": caller}}
	return c.call(ctx, "settlement_pause", params, nil)
}

func (c *RPCNodeClient) SettlementResume(ctx context.Context, caller string) error {
	params := []interface{}{map[string]interface{}{"caller": caller}}
	return c.call(ctx, "settlement_resume", params, nil)
}

func (c *RPCNodeClient) SettlementSetTimeout(ctx context.Context, caller string, seconds uint64) error {
	params := []interface{}{map[string]interface{}{"caller": caller, "seconds": seconds}}
	return c.call(ctx, "settlement_setTimeout", params, nil)
}

func (c *RPCNodeClient) FetchEvents(ctx context.Context, after uint64, limit int) ([]NodeEvent, error) {
	payload := map[string]interface{}{}
	if after > 0 {
		payload["after"] = after
	}
	if limit > 0 {
		payload["limit"] = limit
	}
	var out []NodeEvent
	if err := c.call(ctx, "events_list", []interface{}{payload}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RPCNodeClient) LastEventSequence(ctx context.Context) (uint64, error) {
	var out uint64
	if err := c.call(ctx, "events_lastSequence", nil, &out); err != nil {
		return 0, err
	}
	return out, nil
}
