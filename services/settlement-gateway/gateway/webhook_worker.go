package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"bondsettle/observability"
)

// WebhookWorker fans queued events out across matching subscriptions and
// delivers them with signed payloads, per-subscription throttling and capped
// retries.
type WebhookWorker struct {
	store       *Store
	queue       *WebhookQueue
	client      *http.Client
	maxAttempts int
	metrics     *observability.GatewayMetrics
	nowFn       func() time.Time

	rateMu sync.Mutex
	rate   map[int64]rateWindow
}

type rateWindow struct {
	windowStart time.Time
	count       int
}

func NewWebhookWorker(store *Store, queue *WebhookQueue, maxAttempts int) *WebhookWorker {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &WebhookWorker{
		store:       store,
		queue:       queue,
		client:      &http.Client{Timeout: 10 * time.Second},
		maxAttempts: maxAttempts,
		metrics:     observability.Gateway(),
		nowFn:       time.Now,
		rate:        make(map[int64]rateWindow),
	}
}

// Run processes webhook tasks until the context is cancelled.
func (w *WebhookWorker) Run(ctx context.Context) {
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Subscription == nil {
			w.expandTask(ctx, task)
			continue
		}
		w.handleDelivery(ctx, task)
	}
}

func (w *WebhookWorker) expandTask(ctx context.Context, task WebhookTask) {
	subs, err := w.store.ListWebhooksForEvent(ctx, task.Event.Type)
	if err != nil {
		return
	}
	for i := range subs {
		sub := subs[i]
		if !sub.Active {
			continue
		}
		w.queue.enqueueTask(WebhookTask{
			Event:        task.Event,
			Subscription: &sub,
		})
	}
}

func (w *WebhookWorker) handleDelivery(ctx context.Context, task WebhookTask) {
	sub := task.Subscription
	if sub == nil || !sub.Active {
		return
	}
	now := w.nowFn()
	if !w.allow(sub.ID, sub.RateLimit, now) {
		task.NotBefore = w.rateReset(sub.ID)
		w.queue.enqueueTask(task)
		return
	}
	payload, err := json.Marshal(deliveryBody(task.Event))
	if err != nil {
		w.recordAttempt(ctx, task, "error", err.Error(), now, time.Time{})
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		w.recordAttempt(ctx, task, "error", err.Error(), now, time.Time{})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-BSN-Signature", signPayload(sub.Secret, payload))
	req.Header.Set("X-BSN-Delivery", uuid.NewString())

	started := time.Now()
	resp, err := w.client.Do(req)
	elapsed := time.Since(started)
	if err != nil {
		w.metrics.ObserveWebhook(false, elapsed)
		w.retryLater(ctx, task, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.metrics.ObserveWebhook(false, elapsed)
		w.retryLater(ctx, task, resp.Status)
		return
	}
	w.metrics.ObserveWebhook(true, elapsed)
	w.recordAttempt(ctx, task, "success", "", now, time.Time{})
}

func deliveryBody(evt WebhookEvent) map[string]interface{} {
	return map[string]interface{}{
		"type":         evt.Type,
		"sequence":     evt.Sequence,
		"settlementId": evt.SettlementID,
		"attributes":   evt.Attributes,
		"timestamp":    evt.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (w *WebhookWorker) retryLater(ctx context.Context, task WebhookTask, errMsg string) {
	now := w.nowFn()
	attemptNum := task.Attempt + 1
	next := now.Add(w.backoffDuration(attemptNum))
	w.recordAttempt(ctx, task, "failed", errMsg, now, next)
	if attemptNum >= w.maxAttempts {
		return
	}
	task.Attempt++
	task.NotBefore = next
	w.queue.enqueueTask(task)
}

func (w *WebhookWorker) backoffDuration(attempt int) time.Duration {
	base := time.Second
	if attempt <= 0 {
		attempt = 1
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func (w *WebhookWorker) recordAttempt(ctx context.Context, task WebhookTask, status, errMsg string, now time.Time, next time.Time) {
	attempt := WebhookAttempt{
		WebhookID:     task.Subscription.ID,
		EventSequence: task.Event.Sequence,
		Attempt:       task.Attempt + 1,
		Status:        status,
		Error:         errMsg,
		NextAttempt:   next,
		CreatedAt:     now,
	}
	_ = w.store.InsertWebhookAttempt(ctx, attempt)
}

// allow enforces the per-subscription deliveries-per-minute window.
func (w *WebhookWorker) allow(id int64, limit int, now time.Time) bool {
	if limit <= 0 {
		limit = 60
	}
	w.rateMu.Lock()
	defer w.rateMu.Unlock()
	state := w.rate[id]
	if now.Sub(state.windowStart) >= time.Minute {
		state.windowStart = now
		state.count = 0
	}
	if state.count >= limit {
		w.rate[id] = state
		return false
	}
	state.count++
	w.rate[id] = state
	return true
}

func (w *WebhookWorker) rateReset(id int64) time.Time {
	w.rateMu.Lock()
	defer w.rateMu.Unlock()
	state := w.rate[id]
	if state.windowStart.IsZero() {
		state.windowStart = w.nowFn()
	}
	reset := state.windowStart.Add(time.Minute)
	w.rate[id] = state
	return reset
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
