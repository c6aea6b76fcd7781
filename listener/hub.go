package listener

import (
	"encoding/json"
	"log"
	"sync"
)

// ReloadEvent is what goes out to connected dev tooling when the schema
// handler changes.
type ReloadEvent struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type,omitempty"`
	Data    json.RawMessage `json:"data"`
}

type HubClient struct {
	Send chan ReloadEvent
}

// Hub fans reload events out to subscribed clients, keyed by channel.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*HubClient]struct{} // channel -> clients
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*HubClient]struct{}),
	}
}

// Subscribe registers a new client for the given channel.
func (h *Hub) Subscribe(channel string) *HubClient {
	c := &HubClient{
		Send: make(chan ReloadEvent, 16),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[channel] == nil {
		h.clients[channel] = make(map[*HubClient]struct{})
	}
	h.clients[channel][c] = struct{}{}
	return c
}

// Unsubscribe removes a client from the given channel and closes its send channel.
func (h *Hub) Unsubscribe(channel string, c *HubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.clients[channel]
	if subs == nil {
		return
	}

	delete(subs, c)
	close(c.Send)
	if len(subs) == 0 {
		delete(h.clients, channel)
	}
}

// Publish broadcasts an event to all clients on the given channel.
func (h *Hub) Publish(channel, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[hub] marshal error: %v", err)
		return
	}

	ev := ReloadEvent{
		Channel: channel,
		Type:    eventType,
		Data:    data,
	}

	h.mu.RLock()
	subs := h.clients[channel]
	for c := range subs {
		select {
		case c.Send <- ev:

		default:
			// client is slow / buffer full, drop the event

		}
	}

	h.mu.RUnlock()
}
