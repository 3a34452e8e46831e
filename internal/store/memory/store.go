// Package memory is the in-process TicketStore used in tests and when no
// database is configured.
package memory

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"turnero/ticket-service/internal/models"
	"turnero/ticket-service/internal/store"
)

type labelKey struct {
	branchID   string
	categoryID string
	issueDate  string
	label      string
}

type sequenceKey struct {
	branchID   string
	categoryID string
	issueDate  string
}

type Store struct {
	mu        sync.RWMutex
	tickets   map[string]*models.Ticket
	labels    map[labelKey]string
	sequences map[sequenceKey]int
	events    map[string][]store.TicketEvent
}

var _ store.TicketStore = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		tickets:   make(map[string]*models.Ticket),
		labels:    make(map[labelKey]string),
		sequences: make(map[sequenceKey]int),
		events:    make(map[string][]store.TicketEvent),
	}
}

func (s *Store) Create(ctx context.Context, ticket models.Ticket) (models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return models.Ticket{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tickets[ticket.TicketID]; exists {
		return models.Ticket{}, fmt.Errorf("ticket %s already exists", ticket.TicketID)
	}
	key := labelKey{ticket.BranchID, ticket.CategoryID, ticket.IssueDate, ticket.SequenceLabel}
	if _, taken := s.labels[key]; taken {
		return models.Ticket{}, fmt.Errorf("%w: %s", store.ErrDuplicateSequenceLabel, ticket.SequenceLabel)
	}
	stored := cloneTicket(ticket)
	s.tickets[ticket.TicketID] = &stored
	s.labels[key] = ticket.TicketID
	return cloneTicket(stored), nil
}

func (s *Store) Get(ctx context.Context, ticketID string) (models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return models.Ticket{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrNotFound
	}
	return cloneTicket(*ticket), nil
}

func (s *Store) Update(ctx context.Context, ticketID string, mutate store.Mutator) (models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return models.Ticket{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrNotFound
	}
	draft := cloneTicket(*current)
	if err := mutate(&draft); err != nil {
		return models.Ticket{}, err
	}
	// Identity and label are immutable.
	draft.TicketID = current.TicketID
	draft.SequenceLabel = current.SequenceLabel
	draft.BranchID = current.BranchID
	draft.CategoryID = current.CategoryID
	draft.IssueDate = current.IssueDate
	*current = draft
	return cloneTicket(draft), nil
}

func (s *Store) ListByQueue(ctx context.Context, branchID, categoryID string, state models.State) iter.Seq2[models.Ticket, error] {
	return func(yield func(models.Ticket, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(models.Ticket{}, err)
			return
		}
		s.mu.RLock()
		var matched []models.Ticket
		for _, ticket := range s.tickets {
			if ticket.BranchID == branchID && ticket.CategoryID == categoryID && ticket.State == state {
				matched = append(matched, cloneTicket(*ticket))
			}
		}
		s.mu.RUnlock()

		sort.Slice(matched, func(i, j int) bool {
			if state == models.StateWaiting && matched[i].QueuePosition != matched[j].QueuePosition {
				return matched[i].QueuePosition < matched[j].QueuePosition
			}
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		})
		for _, ticket := range matched {
			if err := ctx.Err(); err != nil {
				yield(models.Ticket{}, err)
				return
			}
			if !yield(ticket, nil) {
				return
			}
		}
	}
}

func (s *Store) ListDue(ctx context.Context, state models.State, cutoff time.Time, limit int) ([]models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var due []models.Ticket
	for _, ticket := range s.tickets {
		if ticket.State != state {
			continue
		}
		deadline, ok := dueAt(*ticket)
		if ok && !deadline.After(cutoff) {
			due = append(due, cloneTicket(*ticket))
		}
	}
	s.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool {
		a, _ := dueAt(due[i])
		b, _ := dueAt(due[j])
		return a.Before(b)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func dueAt(ticket models.Ticket) (time.Time, bool) {
	switch ticket.State {
	case models.StateRescheduled:
		if ticket.ScheduledFor == nil {
			return time.Time{}, false
		}
		return *ticket.ScheduledFor, true
	case models.StateWaiting:
		return ticket.WaitingSince, true
	default:
		return time.Time{}, false
	}
}

func (s *Store) NextSequence(ctx context.Context, branchID, categoryID, issueDate string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sequenceKey{branchID, categoryID, issueDate}
	s.sequences[key]++
	return s.sequences[key], nil
}

func (s *Store) Reposition(ctx context.Context, ticketIDs []string, first int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ticketIDs {
		if _, ok := s.tickets[id]; !ok {
			return fmt.Errorf("reposition %s: %w", id, store.ErrNotFound)
		}
	}
	for i, id := range ticketIDs {
		s.tickets[id].QueuePosition = first + i
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, event models.Event) (store.TicketEvent, error) {
	if err := ctx.Err(); err != nil {
		return store.TicketEvent{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[event.TicketID]; !ok {
		return store.TicketEvent{}, store.ErrNotFound
	}
	chain := s.events[event.TicketID]
	var prev *store.TicketEvent
	if len(chain) > 0 {
		prev = &chain[len(chain)-1]
	}
	link, err := store.NextTicketEvent(prev, event)
	if err != nil {
		return store.TicketEvent{}, err
	}
	s.events[event.TicketID] = append(chain, link)
	return link, nil
}

func (s *Store) ListEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tickets[ticketID]; !ok {
		return nil, store.ErrNotFound
	}
	chain := s.events[ticketID]
	out := make([]store.TicketEvent, len(chain))
	copy(out, chain)
	return out, nil
}

func cloneTicket(ticket models.Ticket) models.Ticket {
	if ticket.ScheduledFor != nil {
		scheduled := *ticket.ScheduledFor
		ticket.ScheduledFor = &scheduled
	}
	if ticket.ClosedAt != nil {
		closed := *ticket.ClosedAt
		ticket.ClosedAt = &closed
	}
	return ticket
}
