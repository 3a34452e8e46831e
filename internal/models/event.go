package models

import "time"

// Event describes one committed ticket transition.
type Event struct {
	EventID       string    `json:"event_id"`
	TicketID      string    `json:"ticket_id"`
	SequenceLabel string    `json:"sequence_label"`
	BranchID      string    `json:"branch_id"`
	CategoryID    string    `json:"category_id"`
	FromState     State     `json:"from_state"`
	ToState       State     `json:"to_state"`
	Reason        string    `json:"reason"`
	Timestamp     time.Time `json:"timestamp"`
}

// Type names the event the way downstream consumers route on it.
func (e Event) Type() string {
	if e.FromState == stateUnknown {
		return "ticket.issued"
	}
	return "ticket." + e.ToState.String()
}
