package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func testEvent(sequence uint64) WebhookEvent {
	return WebhookEvent{
		Sequence:     sequence,
		Type:         "settlement.executed",
		SettlementID: 7,
		Attributes:   map[string]string{"id": "7"},
		CreatedAt:    time.Unix(1767225600, 0).UTC(),
	}
}

func TestWebhookQueuePreservesOrder(t *testing.T) {
	queue := NewWebhookQueue()
	sub := &WebhookSubscription{ID: 1, Active: true}
	for seq := uint64(1); seq <= 3; seq++ {
		queue.enqueueTask(WebhookTask{Event: testEvent(seq), Subscription: sub})
	}
	if pending := queue.Pending(); pending != 3 {
		t.Fatalf("expected 3 pending tasks, got %d", pending)
	}
	for seq := uint64(1); seq <= 3; seq++ {
		task, ok := queue.Dequeue(context.Background())
		if !ok {
			t.Fatalf("queue closed early")
		}
		if task.Event.Sequence != seq {
			t.Fatalf("expected sequence %d, got %d", seq, task.Event.Sequence)
		}
	}
}

func TestWebhookQueueOverflowDropsOldest(t *testing.T) {
	queue := NewWebhookQueue(WithWebhookTaskCapacity(2))
	sub := &WebhookSubscription{ID: 1, Active: true}
	for seq := uint64(1); seq <= 3; seq++ {
		queue.enqueueTask(WebhookTask{Event: testEvent(seq), Subscription: sub})
	}
	task, ok := queue.Dequeue(context.Background())
	if !ok || task.Event.Sequence != 2 {
		t.Fatalf("expected oldest task dropped, got %+v ok=%v", task, ok)
	}
	task, ok = queue.Dequeue(context.Background())
	if !ok || task.Event.Sequence != 3 {
		t.Fatalf("expected newest task retained, got %+v ok=%v", task, ok)
	}
}

func TestWebhookQueueExpiresStaleTasks(t *testing.T) {
	var mu sync.Mutex
	current := time.Unix(1767225600, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	queue := NewWebhookQueue(WithWebhookTTL(time.Minute), withWebhookClock(clock))
	queue.Enqueue(testEvent(1))
	if events := queue.Events(); len(events) != 1 {
		t.Fatalf("expected event in history, got %d", len(events))
	}

	mu.Lock()
	current = current.Add(2 * time.Minute)
	mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, ok := queue.Dequeue(ctx); ok {
		t.Fatalf("expected stale task to be discarded")
	}
	if events := queue.Events(); len(events) != 0 {
		t.Fatalf("expected history eviction, got %d entries", len(events))
	}
}

func startWorker(t *testing.T, worker *WebhookWorker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitForAttempts(t *testing.T, store *Store, query string, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		var count int
		if err := store.db.QueryRow(query).Scan(&count); err != nil {
			t.Fatalf("count attempts: %v", err)
		}
		if count >= want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d attempts, got %d", want, count)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebhookWorkerDeliversSignedPayload(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	type delivery struct {
		signature  string
		deliveryID string
		raw        []byte
	}
	received := make(chan delivery, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		received <- delivery{
			signature:  r.Header.Get("X-BSN-Signature"),
			deliveryID: r.Header.Get("X-BSN-Delivery"),
			raw:        raw,
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	if _, err := store.InsertWebhook(ctx, WebhookSubscription{Subject: "desk-1", EventType: "settlement.executed", URL: srv.URL, Secret: "hook-secret", Active: true, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("insert webhook: %v", err)
	}

	queue := NewWebhookQueue()
	worker := NewWebhookWorker(store, queue, 5)
	startWorker(t, worker)

	queue.Enqueue(testEvent(11))

	var got delivery
	select {
	case got = <-received:
	case <-time.After(3 * time.Second):
		t.Fatalf("webhook was never delivered")
	}
	if got.signature != signPayload("hook-secret", got.raw) {
		t.Fatalf("signature mismatch: %q", got.signature)
	}
	if got.deliveryID == "" {
		t.Fatalf("missing delivery identifier")
	}
	var body map[string]interface{}
	if err := json.Unmarshal(got.raw, &body); err != nil {
		t.Fatalf("decode delivery body: %v", err)
	}
	if body["type"] != "settlement.executed" {
		t.Fatalf("unexpected type %v", body["type"])
	}
	if body["sequence"].(float64) != 11 {
		t.Fatalf("unexpected sequence %v", body["sequence"])
	}
	if body["settlementId"].(float64) != 7 {
		t.Fatalf("unexpected settlement id %v", body["settlementId"])
	}

	waitForAttempts(t, store, `SELECT COUNT(*) FROM webhook_attempts WHERE status = 'success'`, 1)
}

func TestWebhookWorkerExpandsWildcardSubscriptions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	hits := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	now := time.Now().UTC()
	if _, err := store.InsertWebhook(ctx, WebhookSubscription{Subject: "desk-1", EventType: "*", URL: srv.URL, Secret: "s1", Active: true, CreatedAt: now}); err != nil {
		t.Fatalf("insert wildcard webhook: %v", err)
	}
	if _, err := store.InsertWebhook(ctx, WebhookSubscription{Subject: "desk-2", EventType: "settlement.executed", URL: srv.URL, Secret: "s2", Active: true, CreatedAt: now}); err != nil {
		t.Fatalf("insert typed webhook: %v", err)
	}

	queue := NewWebhookQueue()
	worker := NewWebhookWorker(store, queue, 5)
	startWorker(t, worker)

	queue.Enqueue(testEvent(21))

	for i := 0; i < 2; i++ {
		select {
		case <-hits:
		case <-time.After(3 * time.Second):
			t.Fatalf("expected 2 deliveries, got %d", i)
		}
	}
	waitForAttempts(t, store, `SELECT COUNT(DISTINCT webhook_id) FROM webhook_attempts WHERE status = 'success'`, 2)
}

func TestWebhookWorkerRecordsFailedAttempts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	if _, err := store.InsertWebhook(ctx, WebhookSubscription{Subject: "desk-1", EventType: "settlement.executed", URL: srv.URL, Secret: "s", Active: true, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("insert webhook: %v", err)
	}

	queue := NewWebhookQueue()
	worker := NewWebhookWorker(store, queue, 1)
	startWorker(t, worker)

	queue.Enqueue(testEvent(31))

	waitForAttempts(t, store, `SELECT COUNT(*) FROM webhook_attempts WHERE status = 'failed'`, 1)
	var next any
	if err := store.db.QueryRow(`SELECT next_attempt FROM webhook_attempts WHERE status = 'failed'`).Scan(&next); err != nil {
		t.Fatalf("read next attempt: %v", err)
	}
	if next == nil {
		t.Fatalf("failed attempt must schedule a retry window")
	}
}

func TestWebhookWorkerBackoffCaps(t *testing.T) {
	worker := NewWebhookWorker(nil, nil, 5)
	cases := map[int]time.Duration{
		1:  time.Second,
		2:  2 * time.Second,
		4:  8 * time.Second,
		12: 5 * time.Minute,
	}
	for attempt, want := range cases {
		if got := worker.backoffDuration(attempt); got != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
}

func TestWebhookWorkerRateWindow(t *testing.T) {
	worker := NewWebhookWorker(nil, nil, 5)
	now := time.Unix(1767225600, 0)

	if !worker.allow(1, 2, now) || !worker.allow(1, 2, now) {
		t.Fatalf("expected first two deliveries within window")
	}
	if worker.allow(1, 2, now.Add(time.Second)) {
		t.Fatalf("expected third delivery to be throttled")
	}
	if reset := worker.rateReset(1); !reset.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected reset time %s", reset)
	}
	if !worker.allow(1, 2, now.Add(time.Minute)) {
		t.Fatalf("expected fresh window after reset")
	}
	if !worker.allow(2, 2, now) {
		t.Fatalf("subscriptions must not share windows")
	}
}
