// Package realtime pushes ticket events to the display screens of a
// branch over SockJS.
package realtime

import (
	"context"
	"encoding/json"
	"expvar"
	"log"
	"sync"
	"time"

	"turnero/ticket-service/internal/notify"
)

var realtimeDropped = expvar.NewInt("realtime_dropped_total")

// Subscription filters the events a screen receives. Empty fields match
// everything.
type Subscription struct {
	BranchID   string
	CategoryID string
}

func (s Subscription) Matches(branchID, categoryID string) bool {
	return (s.BranchID == "" || s.BranchID == branchID) &&
		(s.CategoryID == "" || s.CategoryID == categoryID)
}

// Client is one connected screen. Send is closed by Unregister.
type Client struct {
	ID   string
	Send chan []byte

	sub Subscription
}

func NewClient(id string, buffer int, sub Subscription) *Client {
	return &Client{ID: id, Send: make(chan []byte, buffer), sub: sub}
}

type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

type envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Message   string          `json:"message"`
	CreatedAt time.Time       `json:"created_at"`
}

var _ notify.Target = (*Hub)(nil)

func New() *Hub {
	return &Hub{clients: make(map[*Client]struct{})}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
}

// Unregister is safe to call more than once.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.Send)
	}
}

func (h *Hub) Subscribe(client *Client, sub Subscription) {
	h.mu.Lock()
	client.sub = sub
	h.mu.Unlock()
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues payload for every screen watching the queue. A screen
// with a full buffer loses the message.
func (h *Hub) Broadcast(payload []byte, branchID, categoryID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for client := range h.clients {
		if !client.sub.Matches(branchID, categoryID) {
			continue
		}
		select {
		case client.Send <- payload:
			delivered++
		default:
			realtimeDropped.Add(1)
			log.Printf("realtime drop client=%s branch=%s category=%s", client.ID, branchID, categoryID)
		}
	}
	return delivered
}

func (h *Hub) Name() string { return "realtime" }

func (h *Hub) Send(ctx context.Context, n notify.Notification) error {
	event, err := json.Marshal(n.Event)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{Type: n.Type, Payload: event, Message: n.Message, CreatedAt: n.Event.Timestamp})
	if err != nil {
		return err
	}
	h.Broadcast(payload, n.Event.BranchID, n.Event.CategoryID)
	return nil
}

// ParseSubscribe reads a control frame sent by a screen:
// {"action":"subscribe","branch_id":"...","category_id":"..."} or
// {"action":"unsubscribe"}, which clears the filter.
func ParseSubscribe(data []byte) (Subscription, bool) {
	var msg struct {
		Action     string `json:"action"`
		BranchID   string `json:"branch_id"`
		CategoryID string `json:"category_id"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return Subscription{}, false
	}
	switch msg.Action {
	case "subscribe":
		return Subscription{BranchID: msg.BranchID, CategoryID: msg.CategoryID}, true
	case "unsubscribe":
		return Subscription{}, true
	default:
		return Subscription{}, false
	}
}
