package app

import (
	"encoding/json"
	"log"
)

// Event is a state-change notification fanned out to every websocket client
// subscribed to a session.
type Event struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	DocumentID string `json:"documentId,omitempty"`
	UserID     string `json:"userId,omitempty"`
	Payload    any    `json:"payload,omitempty"`
}

// Event types published by the HTTP handlers.
const (
	EventUserJoined      = "user_joined"
	EventUserLeft        = "user_left"
	EventCursorUpdate    = "cursor_update"
	EventTypingStatus    = "typing_status"
	EventChangeCommitted = "change_committed"
)

// Hub tracks the websocket clients of each session and broadcasts events to
// them. All membership changes go through its run loop.
type Hub struct {
	sessions   map[string]map[*client]bool
	register   chan *client
	unregister chan *client
	events     chan Event
}

func NewHub() *Hub {
	return &Hub{
		sessions:   make(map[string]map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		events:     make(chan Event, 64),
	}
}

// Run processes registrations and broadcasts until the channel feeding it is
// closed. Start it once, in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			clients, ok := h.sessions[c.sessionID]
			if !ok {
				clients = make(map[*client]bool)
				h.sessions[c.sessionID] = clients
			}
			clients[c] = true

		case c := <-h.unregister:
			if clients, ok := h.sessions[c.sessionID]; ok {
				if _, registered := clients[c]; registered {
					delete(clients, c)
					close(c.send)
					if len(clients) == 0 {
						delete(h.sessions, c.sessionID)
					}
				}
			}

		case event := <-h.events:
			h.broadcast(event)
		}
	}
}

// Publish queues an event for broadcast. It never blocks the caller; when the
// hub is saturated the event is dropped and clients catch up from the read
// APIs.
func (h *Hub) Publish(event Event) {
	select {
	case h.events <- event:
	default:
		log.Printf("hub: dropping %s event for session %s", event.Type, event.SessionID)
	}
}

func (h *Hub) broadcast(event Event) {
	clients := h.sessions[event.SessionID]
	if len(clients) == 0 {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("hub: marshal event: %v", err)
		return
	}

	for c := range clients {
		select {
		case c.send <- payload:
		default:
			// Slow consumer: drop the connection, the client reconnects
			// and resyncs through the read APIs.
			close(c.send)
			delete(clients, c)
		}
	}
}
