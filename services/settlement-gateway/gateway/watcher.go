package gateway

import (
	"context"
	"strconv"
	"strings"
	"time"

	"bondsettle/observability"
)

// EventWatcher polls the node journal and feeds lifecycle events into the
// webhook queue. The cursor in the store makes restarts resume where the
// previous run stopped.
type EventWatcher struct {
	node         NodeClient
	store        *Store
	queue        *WebhookQueue
	pollInterval time.Duration
	batchSize    int
	metrics      *observability.GatewayMetrics
	nowFn        func() time.Time
}

func NewEventWatcher(node NodeClient, store *Store, queue *WebhookQueue, interval time.Duration, batchSize int) *EventWatcher {
	if queue == nil {
		queue = NewWebhookQueue()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &EventWatcher{
		node:         node,
		store:        store,
		queue:        queue,
		pollInterval: interval,
		batchSize:    batchSize,
		metrics:      observability.Gateway(),
		nowFn:        time.Now,
	}
}

// Run starts the polling loop until the context is cancelled.
func (w *EventWatcher) Run(ctx context.Context) {
	if w.node == nil || w.store == nil || w.queue == nil {
		return
	}
	after, _ := w.store.LastEventSequence(ctx)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			after = w.poll(ctx, after)
		}
	}
}

func (w *EventWatcher) poll(ctx context.Context, after uint64) uint64 {
	events, err := w.node.FetchEvents(ctx, after, w.batchSize)
	if err != nil {
		return after
	}
	lastSeq := after
	for _, evt := range events {
		if evt.Sequence <= lastSeq {
			continue
		}
		w.enqueue(evt)
		lastSeq = evt.Sequence
	}
	if lastSeq != after {
		_ = w.store.UpdateEventSequence(ctx, lastSeq)
	}
	w.observeLag(ctx, lastSeq)
	return lastSeq
}

func (w *EventWatcher) observeLag(ctx context.Context, cursor uint64) {
	last, err := w.node.LastEventSequence(ctx)
	if err != nil || last < cursor {
		return
	}
	w.metrics.SetEventLag(last - cursor)
}

func (w *EventWatcher) enqueue(evt NodeEvent) {
	createdAt := time.Unix(evt.Timestamp, 0).UTC()
	if evt.Timestamp == 0 {
		createdAt = w.nowFn().UTC()
	}
	attributes := make(map[string]string, len(evt.Attributes))
	for k, v := range evt.Attributes {
		attributes[k] = v
	}
	webhook := WebhookEvent{
		Sequence:   evt.Sequence,
		Type:       evt.Type,
		Attributes: attributes,
		CreatedAt:  createdAt,
	}
	if raw := strings.TrimSpace(attributes["id"]); raw != "" {
		if id, err := strconv.ParseUint(raw, 10, 64); err == nil {
			webhook.SettlementID = id
		}
	}
	w.queue.Enqueue(webhook)
}
