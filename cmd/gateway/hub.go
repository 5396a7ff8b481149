package main

import (
	"sync"

	"github.com/flowforge/flowforge/common/logger"
)

// Hub maintains active WebSocket connections and routes execution
// events to the clients subscribed to them
type Hub struct {
	// execution ID → subscribed clients
	mu          sync.RWMutex
	subscribers map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Event

	log *logger.Logger
}

// Event is one execution event to fan out
type Event struct {
	ExecutionID string
	Data        []byte
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]map[*Client]struct{}),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Event, 256),
		log:         log,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.log.Info("hub started")
	for {
		select {
		case client := <-h.register:
			h.log.Debug("client connected", "user_id", client.userID)

		case client := <-h.unregister:
			h.dropClient(client)

		case event := <-h.broadcast:
			h.fanOut(event)
		}
	}
}

// Subscribe attaches a client to an execution's event feed
func (h *Hub) Subscribe(client *Client, executionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers[executionID] == nil {
		h.subscribers[executionID] = make(map[*Client]struct{})
	}
	h.subscribers[executionID][client] = struct{}{}
}

// Unsubscribe detaches a client from one execution
func (h *Hub) Unsubscribe(client *Client, executionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(client, executionID)
}

func (h *Hub) dropClient(client *Client) {
	h.mu.Lock()
	for executionID := range h.subscribers {
		h.removeLocked(client, executionID)
	}
	h.mu.Unlock()
	client.closeSend()
	h.log.Debug("client disconnected", "user_id", client.userID)
}

func (h *Hub) removeLocked(client *Client, executionID string) {
	if subs, ok := h.subscribers[executionID]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.subscribers, executionID)
		}
	}
}

func (h *Hub) fanOut(event *Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.subscribers[event.ExecutionID] {
		select {
		case client.send <- event.Data:
		default:
			// slow consumer: drop the connection, not the run
			h.log.Warn("client send buffer full, dropping connection",
				"user_id", client.userID, "execution_id", event.ExecutionID)
			client.closeSend()
		}
	}
}

// ConnectionCount returns the number of distinct subscribed clients
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]struct{})
	for _, subs := range h.subscribers {
		for client := range subs {
			seen[client] = struct{}{}
		}
	}
	return len(seen)
}
