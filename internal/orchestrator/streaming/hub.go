// Package streaming pushes orchestrator lifecycle events to WebSocket
// clients. Clients subscribe to subject patterns ("job.*", "agent.offline",
// ">") and receive matching bus events as JSON.
package streaming

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/winfleet/winfleet/internal/common/logger"
	"github.com/winfleet/winfleet/internal/events/bus"
)

// Client is one WebSocket consumer with its subject subscriptions.
type Client struct {
	ID       string
	send     chan []byte
	patterns map[string]bool
	mu       sync.RWMutex
}

func newClient(id string) *Client {
	return &Client{
		ID:       id,
		send:     make(chan []byte, 256),
		patterns: make(map[string]bool),
	}
}

// Subscribe adds a subject pattern to the client.
func (c *Client) Subscribe(pattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.patterns[pattern] = true
}

// Unsubscribe removes a subject pattern from the client.
func (c *Client) Unsubscribe(pattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.patterns, pattern)
}

func (c *Client) matches(subject string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for pattern := range c.patterns {
		if matchSubject(pattern, subject) {
			return true
		}
	}
	return false
}

// matchSubject implements NATS-style matching: "*" matches one token, ">"
// matches the rest.
func matchSubject(pattern, subject string) bool {
	if pattern == ">" {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, p := range pt {
		if p == ">" {
			return true
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// Hub fans bus events out to subscribed WebSocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	sub     bus.Subscription
	logger  *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		logger:  log.WithFields(zap.String("component", "streaming-hub")),
	}
}

// Start attaches the hub to the bus, receiving every orchestrator event.
func (h *Hub) Start(eventBus bus.EventBus) error {
	if eventBus == nil {
		return nil
	}
	sub, err := eventBus.Subscribe(">", h.onEvent)
	if err != nil {
		return err
	}
	h.sub = sub
	return nil
}

// Stop detaches from the bus and disconnects all clients.
func (h *Hub) Stop() {
	if h.sub != nil {
		_ = h.sub.Unsubscribe()
		h.sub = nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// Attach registers a new client and returns it.
func (h *Hub) Attach(id string) *Client {
	client := newClient(id)
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	h.logger.Debug("streaming client attached", zap.String("client_id", id))
	return client
}

// Detach removes a client and closes its send channel.
func (h *Hub) Detach(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.logger.Debug("streaming client detached", zap.String("client_id", client.ID))
	}
}

// ClientCount returns the number of attached clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) onEvent(_ context.Context, event *bus.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.RLock()
	var full []*Client
	for client := range h.clients {
		if !client.matches(event.Type) {
			continue
		}
		select {
		case client.send <- data:
		default:
			full = append(full, client)
		}
	}
	h.mu.RUnlock()

	// Slow consumers are dropped rather than allowed to stall the bus.
	for _, client := range full {
		h.logger.Warn("dropping slow streaming client", zap.String("client_id", client.ID))
		h.Detach(client)
	}
	return nil
}
