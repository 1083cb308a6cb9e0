// Package websocket pushes sync status changes to connected UI clients so
// record badges and the queue counter update without polling.
package websocket

import (
	"encoding/json"
	"log"

	"github.com/proptrak/proptrakgo/internal/sync"
)

// Message is the envelope pushed to UI clients.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Hub maintains the set of active clients and broadcasts messages to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run processes register/unregister/broadcast events until the process exits.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			log.Printf("🔌 WebSocket client connected (%d active)", len(h.clients))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				log.Printf("🔌 WebSocket client disconnected (%d active)", len(h.clients))
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow client, drop it rather than stall the hub.
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

// Broadcast serializes and queues a message for every connected client.
func (h *Hub) Broadcast(msgType string, payload interface{}) {
	data, err := json.Marshal(Message{Type: msgType, Payload: payload})
	if err != nil {
		log.Printf("⚠️ WebSocket: failed to marshal %s message: %v", msgType, err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		log.Printf("⚠️ WebSocket: broadcast buffer full, dropping %s message", msgType)
	}
}

// StatusChanged implements sync.StatusListener.
func (h *Hub) StatusChanged(snap sync.Snapshot) {
	h.Broadcast("sync_status", snap)
}

// RecordStatusChanged implements sync.StatusListener.
func (h *Hub) RecordStatusChanged(ev sync.RecordEvent) {
	h.Broadcast("record_status", ev)
}
