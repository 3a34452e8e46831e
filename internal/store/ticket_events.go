package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"turnero/ticket-service/internal/models"
)

// TicketEvent is one link of a ticket's tamper-evident audit chain.
type TicketEvent struct {
	TicketID  string          `json:"ticket_id"`
	TicketSeq int             `json:"ticket_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

func ComputeTicketEventHash(prevHash, ticketID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, ticketID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// NextTicketEvent links event after prev. prev is nil for the first
// event of a ticket.
func NextTicketEvent(prev *TicketEvent, event models.Event) (TicketEvent, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return TicketEvent{}, err
	}
	link := TicketEvent{
		TicketID:  event.TicketID,
		TicketSeq: 1,
		Type:      event.Type(),
		Payload:   payload,
		CreatedAt: event.Timestamp.UTC(),
	}
	if prev != nil {
		link.TicketSeq = prev.TicketSeq + 1
		link.PrevHash = prev.Hash
	}
	link.Hash = ComputeTicketEventHash(link.PrevHash, link.TicketID, link.Type, link.Payload, link.CreatedAt, link.TicketSeq)
	return link, nil
}

func VerifyChain(events []TicketEvent) error {
	prevHash := ""
	for i, event := range events {
		if event.TicketSeq != i+1 {
			return fmt.Errorf("%w: ticket %s expected seq %d, got %d", ErrAuditChainBroken, event.TicketID, i+1, event.TicketSeq)
		}
		if event.PrevHash != prevHash {
			return fmt.Errorf("%w: ticket %s seq %d prev hash mismatch", ErrAuditChainBroken, event.TicketID, event.TicketSeq)
		}
		want := ComputeTicketEventHash(event.PrevHash, event.TicketID, event.Type, event.Payload, event.CreatedAt, event.TicketSeq)
		if want != event.Hash {
			return fmt.Errorf("%w: ticket %s seq %d hash mismatch", ErrAuditChainBroken, event.TicketID, event.TicketSeq)
		}
		prevHash = event.Hash
	}
	return nil
}
