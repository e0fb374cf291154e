// Package httpapi serves the fleet's JSON API and server-sent event stream
// over the orchestrator.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hania222/warehouse-fleet/internal/otel"
	"github.com/hania222/warehouse-fleet/pkg/models"
)

// DefaultSSEReplay is how many recent events a reconnecting client can catch up on.
const DefaultSSEReplay = 64

type sseEvent struct {
	id   uint64
	kind string
	data []byte
}

// SSEHub fans orchestrator updates out to every /stream subscriber. Events
// carry increasing ids so a client reconnecting with Last-Event-ID gets
// what it missed, as long as it is still in the replay window. It
// implements orchestrator.Notifier.
type SSEHub struct {
	mu     sync.Mutex
	subs   map[chan sseEvent]struct{}
	seq    uint64
	recent []sseEvent
	replay int
}

func NewSSEHub() *SSEHub {
	return &SSEHub{subs: make(map[chan sseEvent]struct{}), replay: DefaultSSEReplay}
}

// Subscribe registers a subscriber and returns the retained events newer than lastID.
func (h *SSEHub) Subscribe(lastID uint64) (chan sseEvent, []sseEvent) {
	ch := make(chan sseEvent, models.DefaultSSEChannelBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[ch] = struct{}{}
	var backlog []sseEvent
	if lastID > 0 {
		for _, ev := range h.recent {
			if ev.id > lastID {
				backlog = append(backlog, ev)
			}
		}
	}
	otel.AddSSEConnection()
	return ch, backlog
}

func (h *SSEHub) Unsubscribe(ch chan sseEvent) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
		otel.RemoveSSEConnection()
	}
	h.mu.Unlock()
}

// PublishJSON encodes v and sends it to every subscriber. The SSE event name
// is the payload's "type" field when it has one.
func (h *SSEHub) PublishJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	kind := "message"
	if m, ok := v.(map[string]any); ok {
		if s, ok := m["type"].(string); ok && s != "" {
			kind = s
		}
	}
	otel.RecordSSEEvent(context.Background())

	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	ev := sseEvent{id: h.seq, kind: kind, data: b}
	h.recent = append(h.recent, ev)
	if len(h.recent) > h.replay {
		h.recent = h.recent[len(h.recent)-h.replay:]
	}
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; it can catch up via Last-Event-ID.
		}
	}
}

func writeSSE(w http.ResponseWriter, ev sseEvent) {
	_, _ = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.id, ev.kind, ev.data)
}

func (h *SSEHub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		lastID, _ := strconv.ParseUint(r.Header.Get("Last-Event-ID"), 10, 64)
		ch, backlog := h.Subscribe(lastID)
		defer h.Unsubscribe(ch)

		_, _ = fmt.Fprintf(w, "data: %s\n\n", `{"type":"connected"}`)
		for _, ev := range backlog {
			writeSSE(w, ev)
		}
		flusher.Flush()

		keepalive := time.NewTicker(30 * time.Second)
		defer keepalive.Stop()

		sent := lastID
		if n := len(backlog); n > 0 {
			sent = backlog[n-1].id
		}
		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-keepalive.C:
				_, _ = fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			case ev, ok := <-ch:
				if !ok {
					return
				}
				// Already delivered from the backlog.
				if ev.id <= sent {
					continue
				}
				sent = ev.id
				writeSSE(w, ev)
				flusher.Flush()
			}
		}
	}
}
