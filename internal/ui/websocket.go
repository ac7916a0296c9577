// Package ui implements the run's observer surfaces: a websocket hub that
// fans a run's streaming events out to connected browser clients, and (in
// history_api.go) an HTTP query surface over run history. The websocket hub
// is adapted from the teacher's cmd/noisefs-webui/main.go UnifiedWebUI:
// the same map[*websocket.Conn]chan interface{} client table guarded by a
// single mutex, a per-client buffered channel with select-default drop on
// a full buffer, and a dedicated outgoing-writer goroutine per
// connection — generalized from broadcasting announce.Announcement
// values to broadcasting stream.Event values.
package ui

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/adamryczkowski/updateall/internal/logging"
	"github.com/adamryczkowski/updateall/internal/stream"
)

// clientBufferSize bounds each websocket client's outgoing queue; a slow
// browser tab drops further events rather than blocking the run, the
// same "channel full, skip" policy the teacher's broadcastAnnouncement
// uses.
const clientBufferSize = 256

// Hub fans stream.Events out to every connected websocket client. It
// implements orchestrator.Sink.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*websocket.Conn]chan interface{}
	upgrader websocket.Upgrader
	log      *logging.Logger
}

// NewHub constructs an empty Hub.
func NewHub(log *logging.Logger) *Hub {
	if log == nil {
		log = logging.Default()
	}
	return &Hub{
		clients:  make(map[*websocket.Conn]chan interface{}),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		log:      log.WithComponent("ui.hub"),
	}
}

// eventMessage is the JSON envelope every event is broadcast as, tagging
// its concrete kind so browser-side JS can dispatch without reflection.
type eventMessage struct {
	Type string      `json:"type"`
	Data stream.Event `json:"data"`
}

// Publish implements orchestrator.Sink: it fans ev out to every connected
// client, dropping for any whose buffer is currently full.
func (h *Hub) Publish(ev stream.Event) {
	msg := eventMessage{Type: kindName(ev.Kind()), Data: ev}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func kindName(k stream.Kind) string {
	switch k {
	case stream.KindOutput:
		return "output"
	case stream.KindProgress:
		return "progress"
	case stream.KindPhaseStart:
		return "phase_start"
	case stream.KindPhaseEnd:
		return "phase_end"
	case stream.KindError:
		return "error"
	case stream.KindCompletion:
		return "completion"
	default:
		return "unknown"
	}
}

// ServeHTTP upgrades the request to a websocket and streams events to it
// until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	clientChan := make(chan interface{}, clientBufferSize)
	h.mu.Lock()
	h.clients[conn] = clientChan
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		close(clientChan)
		conn.Close()
	}()

	go func() {
		for msg := range clientChan {
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// Close disconnects every currently connected client.
func (h *Hub) Close(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		close(ch)
		conn.Close()
		delete(h.clients, conn)
	}
}
