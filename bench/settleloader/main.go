// Command settleloader drives full settlement cycles against a node at a
// fixed rate and measures create-to-executed latency through the websocket
// event stream. The seller, buyer, and bond series must already be funded
// and approved for enough cycles.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"nhooyr.io/websocket"
)

const (
	defaultDuration = 2 * time.Minute
	defaultRate     = 120 // settlement cycles per minute
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      int             `json:"id"`
}

type journalEvent struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  int64             `json:"timestamp"`
}

type latencyTracker struct {
	mu        sync.Mutex
	pending   map[uint64]time.Time
	latencies []time.Duration
}

func newLatencyTracker() *latencyTracker {
	return &latencyTracker{pending: make(map[uint64]time.Time)}
}

func (lt *latencyTracker) track(id uint64, at time.Time) {
	lt.mu.Lock()
	lt.pending[id] = at
	lt.mu.Unlock()
}

func (lt *latencyTracker) finalize(id uint64, at time.Time) {
	lt.mu.Lock()
	start, ok := lt.pending[id]
	if ok {
		lt.latencies = append(lt.latencies, at.Sub(start))
		delete(lt.pending, id)
	}
	lt.mu.Unlock()
}

func (lt *latencyTracker) snapshot() (latencies []time.Duration, pending int) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	latencies = append([]time.Duration(nil), lt.latencies...)
	pending = len(lt.pending)
	return latencies, pending
}

func (lt *latencyTracker) waitForEmpty(ctx context.Context) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		lt.mu.Lock()
		remaining := len(lt.pending)
		lt.mu.Unlock()
		if remaining == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func main() {
	var (
		rpcURL        string
		seller        string
		buyer         string
		bond          string
		bondAmount    string
		paymentAmount string
		cycleRate     int
		durationFlag  time.Duration
	)
	flag.StringVar(&rpcURL, "rpc", "http://127.0.0.1:8545", "node RPC endpoint")
	flag.StringVar(&seller, "seller", "", "seller bech32 address")
	flag.StringVar(&buyer, "buyer", "", "buyer bech32 address")
	flag.StringVar(&bond, "bond", "", "bond series id (0x-prefixed 32-byte hex)")
	flag.StringVar(&bondAmount, "bond-amount", "100", "bond units per cycle")
	flag.StringVar(&paymentAmount, "payment-amount", "95", "cash units per cycle")
	flag.IntVar(&cycleRate, "rate", defaultRate, "target settlement cycles per minute")
	flag.DurationVar(&durationFlag, "duration", defaultDuration, "load duration")
	flag.Parse()

	token := strings.TrimSpace(os.Getenv("BSN_RPC_TOKEN"))
	if token == "" {
		log.Fatal("missing BSN_RPC_TOKEN for RPC authentication")
	}
	for name, value := range map[string]string{"--seller": seller, "--buyer": buyer, "--bond": bond} {
		if strings.TrimSpace(value) == "" {
			log.Fatalf("%s is required", name)
		}
	}
	parsed, err := url.Parse(rpcURL)
	if err != nil {
		log.Fatalf("parse rpc url: %v", err)
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "http"
	}
	if cycleRate <= 0 {
		log.Fatalf("rate must be positive, got %d", cycleRate)
	}
	if durationFlag <= 0 {
		durationFlag = defaultDuration
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	httpClient := &http.Client{Timeout: 10 * time.Second}
	tracker := newLatencyTracker()

	wsURL := *parsed
	switch strings.ToLower(parsed.Scheme) {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = "/ws/events"
	wsURL.RawQuery = ""

	wsCtx, wsCancel := context.WithTimeout(ctx, 5*time.Second)
	conn, _, err := websocket.Dial(wsCtx, wsURL.String(), nil)
	wsCancel()
	if err != nil {
		log.Fatalf("connect event stream: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "load complete")

	streamCtx, streamCancel := context.WithCancel(ctx)
	defer streamCancel()
	go consumeEvents(streamCtx, conn, tracker)

	interval := time.Minute / time.Duration(cycleRate)
	if interval <= 0 {
		interval = time.Millisecond
	}
	deadline := time.Now().Add(durationFlag)
	var created int
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			log.Printf("context cancelled: %v", ctx.Err())
			return
		default:
		}
		id, err := runCycle(ctx, httpClient, parsed, token, seller, buyer, bond, bondAmount, paymentAmount)
		if err != nil {
			log.Printf("cycle %d failed: %v", created, err)
		} else {
			tracker.track(id, time.Now())
			created++
		}
		time.Sleep(interval)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer waitCancel()
	if !tracker.waitForEmpty(waitCtx) {
		_, pending := tracker.snapshot()
		log.Printf("still waiting on executed events for %d settlements", pending)
	}

	streamCancel()

	latencies, pending := tracker.snapshot()
	reportLoadSummary(latencies, pending, created)
}

// runCycle creates a settlement, funds both legs, and cranks the execution.
// It returns the settlement id so the event stream can close the loop.
func runCycle(ctx context.Context, client *http.Client, rpcURL *url.URL, token, seller, buyer, bond, bondAmount, paymentAmount string) (uint64, error) {
	var createdRecord struct {
		ID uint64 `json:"id"`
	}
	createParams := map[string]interface{}{
		"seller":        seller,
		"buyer":         buyer,
		"bond":          bond,
		"bondAmount":    bondAmount,
		"paymentAmount": paymentAmount,
	}
	if err := callRPC(ctx, client, rpcURL, token, "settlement_create", createParams, &createdRecord); err != nil {
		return 0, fmt.Errorf("create: %w", err)
	}
	id := createdRecord.ID

	if err := callRPC(ctx, client, rpcURL, token, "settlement_depositDelivery", map[string]interface{}{"id": id, "caller": seller}, nil); err != nil {
		return id, fmt.Errorf("deposit delivery: %w", err)
	}
	if err := callRPC(ctx, client, rpcURL, token, "settlement_depositPayment", map[string]interface{}{"id": id, "caller": buyer}, nil); err != nil {
		return id, fmt.Errorf("deposit payment: %w", err)
	}
	if err := callRPC(ctx, client, rpcURL, token, "settlement_execute", map[string]interface{}{"id": id}, nil); err != nil {
		return id, fmt.Errorf("execute: %w", err)
	}
	return id, nil
}

func callRPC(ctx context.Context, client *http.Client, rpcURL *url.URL, token, method string, params map[string]interface{}, out interface{}) error {
	payload := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  []interface{}{params},
		ID:      1,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rpcURL.String(), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("rpc call: %w", err)
	}
	defer resp.Body.Close()

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if decoded.Error != nil {
		return fmt.Errorf("rpc error %d: %s", decoded.Error.Code, decoded.Error.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

func consumeEvents(ctx context.Context, conn *websocket.Conn, tracker *latencyTracker) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var evt journalEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			log.Printf("decode event payload: %v", err)
			continue
		}
		if evt.Type != "settlement.executed" {
			continue
		}
		id, err := strconv.ParseUint(evt.Attributes["id"], 10, 64)
		if err != nil {
			continue
		}
		tracker.finalize(id, time.Now())
	}
}

func reportLoadSummary(latencies []time.Duration, pending int, created int) {
	var max time.Duration
	var total time.Duration
	for _, latency := range latencies {
		if latency > max {
			max = latency
		}
		total += latency
	}
	avg := time.Duration(0)
	if len(latencies) > 0 {
		avg = time.Duration(int64(total) / int64(len(latencies)))
	}
	log.Printf("settleloader created %d settlements", created)
	log.Printf("Executed %d settlements (pending: %d)", len(latencies), pending)
	log.Printf("Latency avg=%s max=%s", avg, max)
}
