// Package queue owns the ordered waiting line of every (branch, category)
// pair. It allocates sequence labels, keeps positions dense and is the
// only writer of queue_position.
package queue

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"turnero/ticket-service/internal/clock"
	"turnero/ticket-service/internal/models"
	"turnero/ticket-service/internal/store"

	"github.com/google/uuid"
)

const maxLabelAttempts = 5

// Validator resolves the catalog references of a new ticket.
type Validator interface {
	Validate(ctx context.Context, branchID, categoryID, kioskID string) (models.Category, error)
}

type IssueInput struct {
	BranchID   string
	CategoryID string
	KioskID    string
	ClientRef  string
	Notes      string
	// Priority overrides the category priority when non-zero.
	Priority models.Priority
}

type RemoveOptions struct {
	RequireHead bool
	// Commit runs under the queue lock before the ticket leaves the queue.
	// An error leaves the queue untouched.
	Commit func() error
}

type Options struct {
	Location    *time.Location
	LockTimeout time.Duration
}

type entry struct {
	ticketID string
	priority models.Priority
}

type ticketQueue struct {
	lock    chan struct{}
	entries []entry
}

func (q *ticketQueue) ids(from int) []string {
	ids := make([]string, 0, len(q.entries)-from)
	for _, e := range q.entries[from:] {
		ids = append(ids, e.ticketID)
	}
	return ids
}

func (q *ticketQueue) indexOf(ticketID string) int {
	return slices.IndexFunc(q.entries, func(e entry) bool { return e.ticketID == ticketID })
}

type Manager struct {
	store       store.TicketStore
	catalog     Validator
	clock       clock.Clock
	location    *time.Location
	lockTimeout time.Duration

	mu     sync.Mutex
	queues map[models.QueueKey]*ticketQueue
}

func NewManager(st store.TicketStore, catalog Validator, clk clock.Clock, opts Options) *Manager {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Manager{
		store:       st,
		catalog:     catalog,
		clock:       clk,
		location:    opts.Location,
		lockTimeout: opts.LockTimeout,
		queues:      make(map[models.QueueKey]*ticketQueue),
	}
}

func (m *Manager) queue(key models.QueueKey) *ticketQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[key]
	if !ok {
		q = &ticketQueue{lock: make(chan struct{}, 1)}
		m.queues[key] = q
	}
	return q
}

// lock acquires the queue of key, waiting at most the configured timeout.
func (m *Manager) lock(ctx context.Context, key models.QueueKey) (*ticketQueue, func(), error) {
	q := m.queue(key)
	if m.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.lockTimeout)
		defer cancel()
	}
	select {
	case q.lock <- struct{}{}:
		return q, func() { <-q.lock }, nil
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("lock queue %s: %w", key, ctx.Err())
	}
}

// Issue validates the references, allocates the next label of the day and
// inserts the new ticket behind every waiting ticket of the same or higher
// priority. onCreated, when set, runs under the queue lock once the ticket
// is stored.
func (m *Manager) Issue(ctx context.Context, input IssueInput, onCreated func(models.Ticket)) (models.Ticket, error) {
	category, err := m.catalog.Validate(ctx, input.BranchID, input.CategoryID, input.KioskID)
	if err != nil {
		return models.Ticket{}, err
	}
	priority := input.Priority
	if priority == 0 {
		priority = category.Priority
	}
	if err := ctx.Err(); err != nil {
		return models.Ticket{}, err
	}

	key := models.QueueKey{BranchID: input.BranchID, CategoryID: input.CategoryID}
	q, unlock, err := m.lock(ctx, key)
	if err != nil {
		return models.Ticket{}, err
	}
	defer unlock()

	at := insertionIndex(q.entries, priority)
	now := m.clock.Now()
	issueDate := now.In(m.location).Format(models.IssueDateLayout)

	var created models.Ticket
	for attempt := 1; ; attempt++ {
		seq, err := m.store.NextSequence(ctx, input.BranchID, input.CategoryID, issueDate)
		if err != nil {
			return models.Ticket{}, fmt.Errorf("next sequence: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return models.Ticket{}, err
		}
		ticket := models.Ticket{
			TicketID:      uuid.NewString(),
			SequenceLabel: fmt.Sprintf("%s-%0*d", category.Prefix, 3, seq),
			ClientRef:     input.ClientRef,
			BranchID:      input.BranchID,
			KioskID:       input.KioskID,
			CategoryID:    input.CategoryID,
			State:         models.StateWaiting,
			Priority:      priority,
			QueuePosition: at + 1,
			IssueDate:     issueDate,
			CreatedAt:     now,
			WaitingSince:  now,
			Notes:         input.Notes,
		}
		created, err = m.store.Create(ctx, ticket)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrDuplicateSequenceLabel) || attempt >= maxLabelAttempts {
			return models.Ticket{}, err
		}
		log.Printf("sequence label taken label=%s queue=%s attempt=%d", ticket.SequenceLabel, key, attempt)
	}

	q.entries = slices.Insert(q.entries, at, entry{ticketID: created.TicketID, priority: priority})
	if at+1 < len(q.entries) {
		if err := m.store.Reposition(ctx, q.ids(at+1), at+2); err != nil {
			log.Printf("invariant violation queue=%s op=issue err=%v", key, err)
			return created, fmt.Errorf("%w: renumber %s: %v", store.ErrInvariantViolation, key, err)
		}
	}
	if onCreated != nil {
		onCreated(created)
	}
	return created, nil
}

// insertionIndex returns the slot directly behind the last entry whose
// priority is at least p.
func insertionIndex(entries []entry, p models.Priority) int {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].priority >= p {
			return i + 1
		}
	}
	return 0
}

// Advance hands the head of the queue to commit and pops it once commit
// succeeds. It does not change ticket state itself.
func (m *Manager) Advance(ctx context.Context, branchID, categoryID string, commit func(ticketID string) error) (string, error) {
	key := models.QueueKey{BranchID: branchID, CategoryID: categoryID}
	q, unlock, err := m.lock(ctx, key)
	if err != nil {
		return "", err
	}
	defer unlock()

	if len(q.entries) == 0 {
		return "", fmt.Errorf("%w: %s", store.ErrEmptyQueue, key)
	}
	head := q.entries[0].ticketID
	if err := commit(head); err != nil {
		return "", err
	}
	q.entries = q.entries[1:]
	if err := m.renumber(ctx, key, q, 0); err != nil {
		return head, err
	}
	return head, nil
}

// Remove takes a ticket out of its queue and closes the gap. A ticket that
// is not queued is left alone but opts.Commit still runs.
func (m *Manager) Remove(ctx context.Context, ticketID string, opts RemoveOptions) error {
	ticket, err := m.store.Get(ctx, ticketID)
	if err != nil {
		return err
	}
	key := ticket.QueueKey()
	q, unlock, err := m.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	at := q.indexOf(ticketID)
	if at > 0 && opts.RequireHead {
		return fmt.Errorf("%w: %s is at position %d", store.ErrNotHeadOfQueue, ticket.SequenceLabel, at+1)
	}
	if opts.Commit != nil {
		if err := opts.Commit(); err != nil {
			return err
		}
	}
	if at < 0 {
		return nil
	}
	q.entries = slices.Delete(q.entries, at, at+1)
	return m.renumber(ctx, key, q, at)
}

// Reinsert appends a reactivated ticket at the tail. commit receives the
// position the ticket will hold.
func (m *Manager) Reinsert(ctx context.Context, ticket models.Ticket, commit func(position int) error) error {
	key := ticket.QueueKey()
	q, unlock, err := m.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	at := q.indexOf(ticket.TicketID)
	queued := at >= 0
	position := len(q.entries) + 1
	if queued {
		position = at + 1
	}
	if err := commit(position); err != nil {
		return err
	}
	if !queued {
		q.entries = append(q.entries, entry{ticketID: ticket.TicketID, priority: ticket.Priority})
	}
	return nil
}

func (m *Manager) renumber(ctx context.Context, key models.QueueKey, q *ticketQueue, from int) error {
	if from >= len(q.entries) {
		return nil
	}
	if err := m.store.Reposition(ctx, q.ids(from), from+1); err != nil {
		log.Printf("invariant violation queue=%s op=renumber err=%v", key, err)
		return fmt.Errorf("%w: renumber %s: %v", store.ErrInvariantViolation, key, err)
	}
	return nil
}

// Snapshot returns the waiting ticket ids of one queue, head first.
func (m *Manager) Snapshot(ctx context.Context, branchID, categoryID string) ([]string, error) {
	q, unlock, err := m.lock(ctx, models.QueueKey{BranchID: branchID, CategoryID: categoryID})
	if err != nil {
		return nil, err
	}
	defer unlock()
	return q.ids(0), nil
}

// Keys lists every queue the manager has seen.
func (m *Manager) Keys() []models.QueueKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]models.QueueKey, 0, len(m.queues))
	for key := range m.queues {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b models.QueueKey) int {
		return cmp.Or(cmp.Compare(a.BranchID, b.BranchID), cmp.Compare(a.CategoryID, b.CategoryID))
	})
	return keys
}

// Restore rebuilds every queue from the waiting tickets in the store. A
// queue whose stored positions are not exactly 1..n is renumbered in its
// stored order and reported as ErrInvariantViolation.
func (m *Manager) Restore(ctx context.Context) error {
	waiting, err := m.store.ListDue(ctx, models.StateWaiting, m.clock.Now().AddDate(1, 0, 0), 0)
	if err != nil {
		return fmt.Errorf("list waiting tickets: %w", err)
	}
	grouped := make(map[models.QueueKey][]models.Ticket)
	for _, ticket := range waiting {
		grouped[ticket.QueueKey()] = append(grouped[ticket.QueueKey()], ticket)
	}

	var violations []error
	for key, tickets := range grouped {
		slices.SortStableFunc(tickets, func(a, b models.Ticket) int {
			if a.QueuePosition != b.QueuePosition {
				return a.QueuePosition - b.QueuePosition
			}
			return a.CreatedAt.Compare(b.CreatedAt)
		})
		q, unlock, err := m.lock(ctx, key)
		if err != nil {
			return err
		}
		q.entries = q.entries[:0]
		gapless := true
		for i, ticket := range tickets {
			if ticket.QueuePosition != i+1 {
				gapless = false
			}
			q.entries = append(q.entries, entry{ticketID: ticket.TicketID, priority: ticket.Priority})
		}
		if !gapless {
			log.Printf("invariant violation queue=%s op=restore waiting=%d", key, len(tickets))
			violations = append(violations, fmt.Errorf("%w: positions of %s are not dense", store.ErrInvariantViolation, key))
			if err := m.store.Reposition(ctx, q.ids(0), 1); err != nil {
				unlock()
				return fmt.Errorf("repair %s: %w", key, err)
			}
		}
		unlock()
		log.Printf("queue restored queue=%s waiting=%d", key, len(tickets))
	}
	return errors.Join(violations...)
}
