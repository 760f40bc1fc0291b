package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bondsettle/core/types"

	"nhooyr.io/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsBacklogBatch = 256
)

// handleEventsWS streams the journal over a websocket. The optional "after"
// query parameter names the last sequence the client has seen; the backlog
// past that point is replayed before live events.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.node == nil {
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		return
	}
	after, err := parseCursor(r.URL.Query().Get("after"))
	if err != nil {
		http.Error(w, "invalid cursor", http.StatusBadRequest)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := s.streamEvents(r.Context(), conn, after); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

// streamEvents subscribes before paging the backlog so nothing appended in
// between is lost; the cursor check drops the overlap.
func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, after uint64) error {
	sub, err := s.node.EventsSubscribe(0)
	if err != nil {
		return err
	}
	defer sub.Cancel()

	cursor := after
	for {
		backlog, err := s.node.EventsList(cursor, wsBacklogBatch)
		if err != nil {
			return err
		}
		for _, evt := range backlog {
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
			cursor = evt.Sequence
		}
		if len(backlog) < wsBacklogBatch {
			break
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub.C:
			if !ok {
				return nil
			}
			if evt == nil || evt.Sequence <= cursor {
				continue
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
			cursor = evt.Sequence
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func parseCursor(value string) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	return strconv.ParseUint(trimmed, 10, 64)
}
