package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Event is one message pushed to websocket clients
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API binds to localhost; cross-origin dashboards are expected.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventHub fans run transitions out to websocket clients. Slow clients
// are dropped rather than allowed to stall the broadcast.
type EventHub struct {
	log zerolog.Logger

	broadcast  chan Event
	register   chan chan Event
	unregister chan chan Event

	mu      sync.Mutex
	clients map[chan Event]bool
}

// NewEventHub creates an empty hub; Run starts the fan-out loop
func NewEventHub(log zerolog.Logger) *EventHub {
	return &EventHub{
		log:        log.With().Str("component", "ws").Logger(),
		broadcast:  make(chan Event, 64),
		register:   make(chan chan Event),
		unregister: make(chan chan Event),
		clients:    make(map[chan Event]bool),
	}
}

// Run dispatches events until the context is cancelled
func (h *EventHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if h.clients[client] {
				delete(h.clients, client)
				close(client)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client <- event:
				default:
					delete(h.clients, client)
					close(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues an event for all connected clients. Never blocks; if
// the hub is saturated the event is dropped.
func (h *EventHub) Broadcast(event Event) {
	select {
	case h.broadcast <- event:
	default:
		h.log.Warn().Str("type", event.Type).Msg("event feed saturated, dropping event")
	}
}

// Handler upgrades the connection and streams events until the client
// disconnects
func (h *EventHub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Debug().Err(err).Msg("websocket upgrade failed")
			return
		}
		defer conn.Close()

		client := make(chan Event, 16)
		h.register <- client
		defer func() {
			select {
			case h.unregister <- client:
			default:
			}
		}()

		// Drain reads so close frames and pings are processed.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					conn.Close()
					return
				}
			}
		}()

		for event := range client {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}
