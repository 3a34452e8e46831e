package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"turnero/ticket-service/internal/models"
	"turnero/ticket-service/internal/notify"
)

func TestSubscriptionMatches(t *testing.T) {
	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"no filter", Subscription{}, true},
		{"branch match", Subscription{BranchID: "b1"}, true},
		{"branch mismatch", Subscription{BranchID: "b2"}, false},
		{"category match", Subscription{BranchID: "b1", CategoryID: "c1"}, true},
		{"category mismatch", Subscription{BranchID: "b1", CategoryID: "c2"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.sub.Matches("b1", "c1"); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestSendBroadcastsToSubscribedClients(t *testing.T) {
	h := New()
	centro := NewClient("centro", 1, Subscription{BranchID: "centro"})
	norte := NewClient("norte", 1, Subscription{BranchID: "norte"})
	h.Register(centro)
	h.Register(norte)
	defer h.Unregister(centro)
	defer h.Unregister(norte)

	h.Subscribe(norte, Subscription{BranchID: "norte", CategoryID: "general"})

	event := models.Event{
		EventID:       "ev-1",
		TicketID:      "t-1",
		SequenceLabel: "A-001",
		BranchID:      "centro",
		CategoryID:    "general",
		FromState:     models.StateWaiting,
		ToState:       models.StateServed,
		Reason:        models.ReasonServed,
		Timestamp:     time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	if err := h.Send(context.Background(), notify.Render(event)); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case raw := <-centro.Send:
		var got envelope
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Type != "ticket.served" || got.Message != "Turno A-001 atendido." {
			t.Fatalf("unexpected envelope: %+v", got)
		}
	default:
		t.Fatal("subscribed client received nothing")
	}
	select {
	case <-norte.Send:
		t.Fatal("client of another branch received the event")
	default:
	}
}

func TestBroadcastDropsForSlowClient(t *testing.T) {
	h := New()
	client := NewClient("slow", 1, Subscription{})
	h.Register(client)

	if n := h.Broadcast([]byte("one"), "centro", "general"); n != 1 {
		t.Fatalf("expected one delivery, got %d", n)
	}
	if n := h.Broadcast([]byte("two"), "centro", "general"); n != 0 {
		t.Fatalf("expected drop for full buffer, got %d", n)
	}
	if got := string(<-client.Send); got != "one" {
		t.Fatalf("expected first message, got %s", got)
	}

	h.Unregister(client)
	h.Unregister(client)
	if h.Clients() != 0 {
		t.Fatalf("expected no clients, got %d", h.Clients())
	}
}

func TestParseSubscribe(t *testing.T) {
	sub, ok := ParseSubscribe([]byte(`{"action":"subscribe","branch_id":"centro","category_id":"general"}`))
	if !ok || sub.BranchID != "centro" || sub.CategoryID != "general" {
		t.Fatalf("unexpected parse: %+v %v", sub, ok)
	}
	sub, ok = ParseSubscribe([]byte(`{"action":"unsubscribe","branch_id":"centro"}`))
	if !ok || sub != (Subscription{}) {
		t.Fatalf("expected unsubscribe to clear the filter: %+v %v", sub, ok)
	}
	if _, ok := ParseSubscribe([]byte(`{"action":"dance"}`)); ok {
		t.Fatal("expected unknown action to be rejected")
	}
	if _, ok := ParseSubscribe([]byte(`not json`)); ok {
		t.Fatal("expected invalid json to be rejected")
	}
}

func TestSubscriptionFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/realtime/info?branch_id=centro&category_id=%20caja", nil)
	got := subscriptionFromRequest(req)
	if got.BranchID != "centro" || got.CategoryID != "caja" {
		t.Fatalf("unexpected subscription: %+v", got)
	}
	if sub := subscriptionFromRequest(nil); sub != (Subscription{}) {
		t.Fatalf("expected empty subscription, got %+v", sub)
	}
}
