package store

import (
	"context"
	"iter"
	"time"

	"turnero/ticket-service/internal/models"
)

// Mutator edits a ticket inside Update. Returning an error aborts the
// write and the error is handed back to the caller unchanged.
type Mutator func(ticket *models.Ticket) error

type TicketStore interface {
	Create(ctx context.Context, ticket models.Ticket) (models.Ticket, error)
	Get(ctx context.Context, ticketID string) (models.Ticket, error)
	// Update runs mutate against the current record. Concurrent updates of
	// the same ticket are serialized.
	Update(ctx context.Context, ticketID string, mutate Mutator) (models.Ticket, error)
	// ListByQueue yields tickets of one queue in the given state, ordered by
	// queue position for waiting tickets and by creation time otherwise.
	// Ranging over the sequence again re-reads the store.
	ListByQueue(ctx context.Context, branchID, categoryID string, state models.State) iter.Seq2[models.Ticket, error]
	// ListDue returns tickets in state whose deadline is at or before
	// cutoff: scheduled_for for rescheduled tickets, waiting_since for
	// waiting ones. A limit of zero or less returns every match.
	ListDue(ctx context.Context, state models.State, cutoff time.Time, limit int) ([]models.Ticket, error)
	NextSequence(ctx context.Context, branchID, categoryID, issueDate string) (int, error)
	// Reposition assigns position first+i to ticketIDs[i].
	Reposition(ctx context.Context, ticketIDs []string, first int) error
	AppendEvent(ctx context.Context, event models.Event) (TicketEvent, error)
	ListEvents(ctx context.Context, ticketID string) ([]TicketEvent, error)
}

// Collect drains a ListByQueue sequence.
func Collect(seq iter.Seq2[models.Ticket, error]) ([]models.Ticket, error) {
	var tickets []models.Ticket
	for ticket, err := range seq {
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	return tickets, nil
}
