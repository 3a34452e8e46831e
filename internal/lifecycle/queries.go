package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"turnero/ticket-service/internal/models"
	"turnero/ticket-service/internal/store"
)

func (e *Engine) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	return e.store.Get(ctx, ticketID)
}

// GetQueueSnapshot lists the waiting tickets of a queue, head first.
func (e *Engine) GetQueueSnapshot(ctx context.Context, branchID, categoryID string) ([]models.Ticket, error) {
	ids, err := e.queues.Snapshot(ctx, branchID, categoryID)
	if err != nil {
		return nil, err
	}
	tickets := make([]models.Ticket, 0, len(ids))
	for _, id := range ids {
		ticket, err := e.store.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	return tickets, nil
}

// TicketFilter narrows ListTickets. No states means every state; Search
// matches the sequence label or client reference, ignoring case.
type TicketFilter struct {
	BranchID   string
	CategoryID string
	States     []models.State
	Search     string
}

var listOrder = []models.State{models.StateWaiting, models.StateRescheduled, models.StateServed, models.StateAbandoned}

// ListTickets returns the tickets of one queue grouped by state. Waiting
// tickets come in queue order, the rest oldest first.
func (e *Engine) ListTickets(ctx context.Context, filter TicketFilter) ([]models.Ticket, error) {
	states := filter.States
	if len(states) == 0 {
		states = listOrder
	}
	search := strings.ToLower(strings.TrimSpace(filter.Search))
	tickets := []models.Ticket{}
	for _, state := range states {
		for ticket, err := range e.store.ListByQueue(ctx, filter.BranchID, filter.CategoryID, state) {
			if err != nil {
				return nil, fmt.Errorf("list %s/%s: %w", filter.BranchID, filter.CategoryID, err)
			}
			if search != "" &&
				!strings.Contains(strings.ToLower(ticket.SequenceLabel), search) &&
				!strings.Contains(strings.ToLower(ticket.ClientRef), search) {
				continue
			}
			tickets = append(tickets, ticket)
		}
	}
	return tickets, nil
}

type AuditTrail struct {
	TicketID string              `json:"ticket_id"`
	Events   []store.TicketEvent `json:"events"`
	Verified bool                `json:"verified"`
	Problem  string              `json:"problem,omitempty"`
}

// GetTicketEvents returns the audit trail of a ticket and whether its hash
// chain is intact.
func (e *Engine) GetTicketEvents(ctx context.Context, ticketID string) (AuditTrail, error) {
	events, err := e.store.ListEvents(ctx, ticketID)
	if err != nil {
		return AuditTrail{}, err
	}
	trail := AuditTrail{TicketID: ticketID, Events: events, Verified: true}
	if err := store.VerifyChain(events); err != nil {
		trail.Verified = false
		trail.Problem = err.Error()
	}
	return trail, nil
}

type QueueStats struct {
	BranchID      string `json:"branch_id"`
	CategoryID    string `json:"category_id"`
	Waiting       int    `json:"waiting"`
	Served        int    `json:"served"`
	Abandoned     int    `json:"abandoned"`
	Rescheduled   int    `json:"rescheduled"`
	AvgWaitMs     int64  `json:"avg_wait_ms"`
	LongestWaitMs int64  `json:"longest_wait_ms"`
}

// Stats counts the tickets of a queue per state. Average wait covers
// served tickets; longest wait is the oldest ticket still waiting.
func (e *Engine) Stats(ctx context.Context, branchID, categoryID string) (QueueStats, error) {
	stats := QueueStats{BranchID: branchID, CategoryID: categoryID}
	now := e.clock.Now()
	var totalWait int64
	for _, state := range []models.State{models.StateWaiting, models.StateServed, models.StateAbandoned, models.StateRescheduled} {
		for ticket, err := range e.store.ListByQueue(ctx, branchID, categoryID, state) {
			if err != nil {
				return QueueStats{}, fmt.Errorf("stats %s/%s: %w", branchID, categoryID, err)
			}
			switch state {
			case models.StateWaiting:
				stats.Waiting++
				if wait := now.Sub(ticket.WaitingSince).Milliseconds(); wait > stats.LongestWaitMs {
					stats.LongestWaitMs = wait
				}
			case models.StateServed:
				stats.Served++
				totalWait += ticket.WaitDurationMs
			case models.StateAbandoned:
				stats.Abandoned++
			case models.StateRescheduled:
				stats.Rescheduled++
			}
		}
	}
	if stats.Served > 0 {
		stats.AvgWaitMs = totalWait / int64(stats.Served)
	}
	return stats, nil
}

// RescheduleDeadline is the last moment a rescheduled ticket may still be
// activated.
func (e *Engine) RescheduleDeadline(ctx context.Context, ticket models.Ticket) time.Time {
	if ticket.ScheduledFor == nil {
		return time.Time{}
	}
	return ticket.ScheduledFor.Add(e.Grace(ctx, ticket.CategoryID))
}
