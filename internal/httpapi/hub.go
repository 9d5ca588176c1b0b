package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Hub fans View updates out to server-sent-event subscribers.
type Hub struct {
	heartbeat time.Duration

	mu      sync.Mutex
	nextID  int64
	clients map[int64]chan View
	last    *View
}

func NewHub(heartbeat time.Duration) *Hub {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Hub{
		heartbeat: heartbeat,
		clients:   make(map[int64]chan View),
	}
}

// Publish sends v to every subscriber. Slow subscribers miss updates
// rather than blocking the caller.
func (h *Hub) Publish(v View) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = &v
	for _, ch := range h.clients {
		select {
		case ch <- v:
		default:
		}
	}
}

// Clients returns the number of live subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) register() (int64, chan View, *View) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	ch := make(chan View, 16)
	h.clients[h.nextID] = ch
	return h.nextID, ch, h.last
}

func (h *Hub) unregister(id int64) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

// Serve streams view events to w until the request or ctx ends. The
// latest known view is sent first.
func (h *Hub) Serve(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming unsupported")
	}
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	id, ch, last := h.register()
	defer h.unregister(id)

	var seq int64
	send := func(v View) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal view: %w", err)
		}
		seq++
		if _, err := fmt.Fprintf(w, "id: %d\nevent: view\ndata: %s\n\n", seq, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if last != nil {
		if err := send(*last); err != nil {
			return err
		}
	} else {
		fmt.Fprint(w, ": ready\n\n")
		flusher.Flush()
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.Context().Done():
			return nil
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		case v := <-ch:
			if err := send(v); err != nil {
				return err
			}
		}
	}
}
