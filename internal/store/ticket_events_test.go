package store

import (
	"errors"
	"testing"
	"time"

	"turnero/ticket-service/internal/models"
)

func buildChain(t *testing.T) []TicketEvent {
	t.Helper()
	at := time.Date(2026, 1, 12, 8, 0, 0, 0, time.UTC)
	events := []models.Event{
		{TicketID: "t-1", ToState: models.StateWaiting, Reason: models.ReasonIssued, Timestamp: at},
		{TicketID: "t-1", FromState: models.StateWaiting, ToState: models.StateRescheduled, Reason: models.ReasonRescheduled, Timestamp: at.Add(time.Minute)},
		{TicketID: "t-1", FromState: models.StateRescheduled, ToState: models.StateWaiting, Reason: models.ReasonReactivated, Timestamp: at.Add(time.Hour)},
	}
	var chain []TicketEvent
	for _, event := range events {
		var prev *TicketEvent
		if len(chain) > 0 {
			prev = &chain[len(chain)-1]
		}
		link, err := NextTicketEvent(prev, event)
		if err != nil {
			t.Fatalf("link event: %v", err)
		}
		chain = append(chain, link)
	}
	return chain
}

func TestVerifyChain(t *testing.T) {
	chain := buildChain(t)
	if err := VerifyChain(chain); err != nil {
		t.Fatalf("expected valid chain, got %v", err)
	}
	if chain[0].Type != "ticket.issued" || chain[1].Type != "ticket.rescheduled" {
		t.Fatalf("unexpected event types %s, %s", chain[0].Type, chain[1].Type)
	}
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	chain := buildChain(t)
	chain[1].Payload = []byte(`{"reason":"edited"}`)
	if err := VerifyChain(chain); !errors.Is(err, ErrAuditChainBroken) {
		t.Fatalf("expected ErrAuditChainBroken, got %v", err)
	}

	chain = buildChain(t)
	chain = append(chain[:1], chain[2:]...)
	if err := VerifyChain(chain); !errors.Is(err, ErrAuditChainBroken) {
		t.Fatalf("expected ErrAuditChainBroken for missing link, got %v", err)
	}
}
