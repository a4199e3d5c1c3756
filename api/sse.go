package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pdulink/logging"
	"pdulink/pduman"
)

// SSE event types.
const (
	EventReadingChange = "reading-change"
	EventStatusChange  = "status-change"
	EventOutletCommand = "outlet-command"
)

const keepaliveInterval = 30 * time.Second

// sseEvent is an internal event for the SSE hub.
type sseEvent struct {
	Type   string
	Device string // set for device-specific events, used for filtering
	Data   interface{}
}

type sseClient struct {
	id     string
	events chan sseEvent
}

// Events fans device events out to connected SSE clients.
type Events struct {
	clients    map[string]*sseClient
	register   chan *sseClient
	unregister chan *sseClient
	broadcast  chan sseEvent
	mu         sync.RWMutex
	done       chan struct{}
	stopOnce   sync.Once
}

// NewEvents starts an event hub. Stop releases it.
func NewEvents() *Events {
	e := &Events{
		clients:    make(map[string]*sseClient),
		register:   make(chan *sseClient),
		unregister: make(chan *sseClient),
		broadcast:  make(chan sseEvent, 256),
		done:       make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Events) run() {
	for {
		select {
		case client := <-e.register:
			e.mu.Lock()
			e.clients[client.id] = client
			e.mu.Unlock()

		case client := <-e.unregister:
			e.mu.Lock()
			if _, ok := e.clients[client.id]; ok {
				delete(e.clients, client.id)
				close(client.events)
			}
			e.mu.Unlock()

		case event := <-e.broadcast:
			e.mu.RLock()
			for _, client := range e.clients {
				select {
				case client.events <- event:
				default:
					logging.DebugLog("api-sse", "client %s buffer full, dropping %s event", client.id, event.Type)
				}
			}
			e.mu.RUnlock()

		case <-e.done:
			e.mu.Lock()
			for id, client := range e.clients {
				close(client.events)
				delete(e.clients, id)
			}
			e.mu.Unlock()
			return
		}
	}
}

func (e *Events) publish(event sseEvent) {
	select {
	case e.broadcast <- event:
	default:
		logging.DebugLog("api-sse", "broadcast channel full, dropping %s event", event.Type)
	}
}

// PublishChanges broadcasts reading and switch changes.
func (e *Events) PublishChanges(changes []pduman.ValueChange) {
	for _, c := range changes {
		e.publish(sseEvent{Type: EventReadingChange, Device: c.Device, Data: c})
	}
}

// PublishStatus broadcasts a device state transition.
func (e *Events) PublishStatus(sc pduman.StatusChange) {
	e.publish(sseEvent{Type: EventStatusChange, Device: sc.Device, Data: sc})
}

// PublishCommand broadcasts an outlet command outcome.
func (e *Events) PublishCommand(cmd pduman.Command) {
	e.publish(sseEvent{Type: EventOutletCommand, Device: cmd.Device, Data: cmd})
}

// ClientCount returns the number of connected clients.
func (e *Events) ClientCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.clients)
}

// Stop disconnects every client and stops the hub.
func (e *Events) Stop() {
	e.stopOnce.Do(func() { close(e.done) })
}

func (e *Events) subscribe() (*sseClient, bool) {
	client := &sseClient{
		id:     "api-" + uuid.New().String(),
		events: make(chan sseEvent, 64),
	}
	select {
	case e.register <- client:
		return client, true
	case <-e.done:
		return nil, false
	}
}

func (e *Events) unsubscribe(client *sseClient) {
	select {
	case e.unregister <- client:
	case <-e.done:
	}
}

func splitFilter(s string) map[string]bool {
	if s == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out[v] = true
		}
	}
	return out
}

// handleSSE serves the event stream. ?types= and ?device= take comma
// separated lists.
func (h *handlers) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}
	if h.events == nil {
		h.writeError(w, http.StatusServiceUnavailable, "event stream not available")
		return
	}

	typeFilter := splitFilter(r.URL.Query().Get("types"))
	deviceFilter := splitFilter(r.URL.Query().Get("device"))

	client, ok := h.events.subscribe()
	if !ok {
		h.writeError(w, http.StatusServiceUnavailable, "event stream stopped")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", client.id)
	flusher.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.events.unsubscribe(client)
			return

		case event, ok := <-client.events:
			if !ok {
				return
			}
			if typeFilter != nil && !typeFilter[event.Type] {
				continue
			}
			if deviceFilter != nil && event.Device != "" && !deviceFilter[event.Device] {
				continue
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
