// Package ws fans deployment events out to websocket and SSE observers.
package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by deployment ID. Broadcast and subscribe
// share one lock, so a subscriber that replays history on registration can
// never miss an event published in between: every event is either in the
// replay or delivered afterwards, in publish order.
type Hub struct {
	mu      sync.Mutex
	clients map[string]map[Subscriber]struct{}
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[Subscriber]struct{})}
}

// Register adds a client to a deployment stream. Payloads in replay are
// delivered to the client first, atomically with registration.
func (h *Hub) Register(deploymentID string, client Subscriber, replay ...[]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, payload := range replay {
		if err := client.Send(payload); err != nil {
			client.Close()
			return
		}
	}
	if _, ok := h.clients[deploymentID]; !ok {
		h.clients[deploymentID] = make(map[Subscriber]struct{})
	}
	h.clients[deploymentID][client] = struct{}{}
}

// Unregister removes a client without closing it.
func (h *Hub) Unregister(deploymentID string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.clients[deploymentID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, deploymentID)
		}
	}
}

// Broadcast sends payload to every subscriber of the deployment. A client
// whose send fails (closed connection or a full outbound queue) is closed and
// dropped; other subscribers are unaffected.
func (h *Hub) Broadcast(deploymentID string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.clients[deploymentID]
	if !ok {
		return
	}
	for c := range clients {
		if err := c.Send(payload); err != nil {
			c.Close()
			delete(clients, c)
		}
	}
	if len(clients) == 0 {
		delete(h.clients, deploymentID)
	}
}

// Subscribers reports the current subscriber count for a deployment.
func (h *Hub) Subscribers(deploymentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[deploymentID])
}
