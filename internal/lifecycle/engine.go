// Package lifecycle is the state machine of a ticket. Every transition
// goes through the Engine, which keeps the queue, the stored record, the
// audit trail and the notification sink in step.
package lifecycle

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log"
	"time"

	"turnero/ticket-service/internal/clock"
	"turnero/ticket-service/internal/models"
	"turnero/ticket-service/internal/notify"
	"turnero/ticket-service/internal/queue"
	"turnero/ticket-service/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ticketsIssued = expvar.NewInt("tickets_issued_total")
	transitions   = expvar.NewMap("transitions_total")
	auditFailures = expvar.NewInt("audit_failures_total")
)

var ErrInvalidReason = errors.New("invalid abandon reason")

// Categories supplies the reschedule policy of a category.
type Categories interface {
	Category(ctx context.Context, categoryID string) (models.Category, error)
}

type Options struct {
	// DefaultGrace applies when a category has no grace window of its own.
	DefaultGrace time.Duration
}

type Engine struct {
	store        store.TicketStore
	queues       *queue.Manager
	categories   Categories
	sink         notify.Sink
	clock        clock.Clock
	defaultGrace time.Duration
	tracer       trace.Tracer
}

func NewEngine(st store.TicketStore, queues *queue.Manager, categories Categories, sink notify.Sink, clk clock.Clock, opts Options) *Engine {
	if sink == nil {
		sink = notify.Discard
	}
	if opts.DefaultGrace <= 0 {
		opts.DefaultGrace = models.DefaultRescheduleGraceMinutes * time.Minute
	}
	return &Engine{
		store:        st,
		queues:       queues,
		categories:   categories,
		sink:         sink,
		clock:        clk,
		defaultGrace: opts.DefaultGrace,
		tracer:       otel.Tracer("turnero/lifecycle"),
	}
}

// change is what a transition does to a ticket once its current state is
// known.
type change struct {
	action store.Action
	reason string
	edit   func(ticket *models.Ticket, now time.Time)
}

// apply runs one transition inside a store update. decide sees the
// current record and picks the action; the transition table then rejects
// it if the state does not allow it, so a second firing of the same
// event fails with ErrInvalidTransition.
func (e *Engine) apply(ctx context.Context, ticketID string, decide func(ticket models.Ticket, now time.Time) (change, error)) (models.Ticket, models.Event, error) {
	now := e.clock.Now()
	var from models.State
	var reason string
	updated, err := e.store.Update(ctx, ticketID, func(ticket *models.Ticket) error {
		c, err := decide(*ticket, now)
		if err != nil {
			return err
		}
		to, err := store.Transition(c.action, ticket.State)
		if err != nil {
			return fmt.Errorf("ticket %s: %w", ticket.SequenceLabel, err)
		}
		from, reason = ticket.State, c.reason
		ticket.State = to
		if to != models.StateWaiting {
			ticket.QueuePosition = 0
		}
		if c.edit != nil {
			c.edit(ticket, now)
		}
		if to.Terminal() {
			closed := now
			ticket.ClosedAt = &closed
			ticket.CloseReason = reason
			ticket.ScheduledFor = nil
			ticket.WaitDurationMs = now.Sub(ticket.WaitingSince).Milliseconds()
		}
		return nil
	})
	if err != nil {
		return models.Ticket{}, models.Event{}, err
	}
	transitions.Add(updated.State.String(), 1)
	event := e.audit(ctx, from, updated, reason, now)
	return updated, event, nil
}

// audit appends the event to the ticket's trail. The stored record is the
// source of truth, so a failed append is logged and counted only.
func (e *Engine) audit(ctx context.Context, from models.State, ticket models.Ticket, reason string, at time.Time) models.Event {
	event := models.Event{
		EventID:       uuid.NewString(),
		TicketID:      ticket.TicketID,
		SequenceLabel: ticket.SequenceLabel,
		BranchID:      ticket.BranchID,
		CategoryID:    ticket.CategoryID,
		FromState:     from,
		ToState:       ticket.State,
		Reason:        reason,
		Timestamp:     at,
	}
	if _, err := e.store.AppendEvent(ctx, event); err != nil {
		auditFailures.Add(1)
		log.Printf("audit append failed ticket_id=%s type=%s err=%v", ticket.TicketID, event.Type(), err)
	}
	return event
}

func (e *Engine) emit(ctx context.Context, event models.Event) {
	if err := e.sink.Emit(ctx, event); err != nil {
		log.Printf("notif emit failed event_id=%s type=%s err=%v", event.EventID, event.Type(), err)
	}
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "lifecycle."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func constant(c change) func(models.Ticket, time.Time) (change, error) {
	return func(models.Ticket, time.Time) (change, error) { return c, nil }
}

type IssueRequest = queue.IssueInput

func (e *Engine) IssueTicket(ctx context.Context, req IssueRequest) (ticket models.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "IssueTicket",
		attribute.String("branch_id", req.BranchID), attribute.String("category_id", req.CategoryID))
	defer func() { endSpan(span, err) }()

	var event models.Event
	ticket, err = e.queues.Issue(ctx, req, func(created models.Ticket) {
		event = e.audit(ctx, 0, created, models.ReasonIssued, created.CreatedAt)
	})
	if err != nil {
		if ticket.TicketID == "" {
			return models.Ticket{}, err
		}
		log.Printf("ticket issued with errors ticket_id=%s err=%v", ticket.TicketID, err)
	}
	ticketsIssued.Add(1)
	span.SetAttributes(attribute.String("ticket_id", ticket.TicketID), attribute.String("sequence_label", ticket.SequenceLabel))
	log.Printf("ticket issued ticket_id=%s label=%s queue=%s position=%d", ticket.TicketID, ticket.SequenceLabel, ticket.QueueKey(), ticket.QueuePosition)
	if event.EventID != "" {
		e.emit(ctx, event)
	}
	return ticket, err
}

// ServeNext serves the head of a queue.
func (e *Engine) ServeNext(ctx context.Context, branchID, categoryID string) (served models.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "ServeNext",
		attribute.String("branch_id", branchID), attribute.String("category_id", categoryID))
	defer func() { endSpan(span, err) }()

	var event models.Event
	_, err = e.queues.Advance(ctx, branchID, categoryID, func(ticketID string) error {
		var err error
		served, event, err = e.apply(ctx, ticketID, constant(change{action: store.ActionServe, reason: models.ReasonServed}))
		return err
	})
	if served.TicketID == "" {
		return models.Ticket{}, err
	}
	log.Printf("ticket served ticket_id=%s label=%s wait_ms=%d", served.TicketID, served.SequenceLabel, served.WaitDurationMs)
	e.emit(ctx, event)
	return served, err
}

// ServeTicket serves one ticket. Without override it must be at the head of
// its queue.
func (e *Engine) ServeTicket(ctx context.Context, ticketID string, override bool) (served models.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "ServeTicket",
		attribute.String("ticket_id", ticketID), attribute.Bool("override", override))
	defer func() { endSpan(span, err) }()

	var event models.Event
	err = e.queues.Remove(ctx, ticketID, queue.RemoveOptions{
		RequireHead: !override,
		Commit: func() error {
			var err error
			served, event, err = e.apply(ctx, ticketID, constant(change{action: store.ActionServe, reason: models.ReasonServed}))
			return err
		},
	})
	if served.TicketID == "" {
		return models.Ticket{}, err
	}
	log.Printf("ticket served ticket_id=%s label=%s wait_ms=%d override=%t", served.TicketID, served.SequenceLabel, served.WaitDurationMs, override)
	e.emit(ctx, event)
	return served, err
}

func validAbandonReason(reason string) bool {
	switch reason {
	case models.ReasonNoShow, models.ReasonTimeout, models.ReasonCancelled:
		return true
	}
	return false
}

// AbandonTicket closes a waiting ticket. An empty reason means no-show.
func (e *Engine) AbandonTicket(ctx context.Context, ticketID, reason string) (abandoned models.Ticket, err error) {
	if reason == "" {
		reason = models.ReasonNoShow
	}
	ctx, span := e.startSpan(ctx, "AbandonTicket",
		attribute.String("ticket_id", ticketID), attribute.String("reason", reason))
	defer func() { endSpan(span, err) }()

	if !validAbandonReason(reason) {
		return models.Ticket{}, fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}
	var event models.Event
	err = e.queues.Remove(ctx, ticketID, queue.RemoveOptions{Commit: func() error {
		var err error
		abandoned, event, err = e.apply(ctx, ticketID, constant(change{action: store.ActionAbandon, reason: reason}))
		return err
	}})
	if abandoned.TicketID == "" {
		return models.Ticket{}, err
	}
	log.Printf("ticket abandoned ticket_id=%s label=%s reason=%s", abandoned.TicketID, abandoned.SequenceLabel, reason)
	e.emit(ctx, event)
	return abandoned, err
}

// RescheduleTicket moves a waiting ticket out of the queue until at, or
// moves the appointment of a ticket that is already rescheduled. Once the
// category limit is used up the ticket is abandoned instead and returned
// together with ErrRescheduleLimitExceeded.
func (e *Engine) RescheduleTicket(ctx context.Context, ticketID string, at time.Time) (ticket models.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "RescheduleTicket",
		attribute.String("ticket_id", ticketID), attribute.String("scheduled_for", at.UTC().Format(time.RFC3339)))
	defer func() { endSpan(span, err) }()

	if !at.After(e.clock.Now()) {
		return models.Ticket{}, fmt.Errorf("%w: %s", store.ErrInvalidSchedule, at.UTC().Format(time.RFC3339))
	}
	current, err := e.store.Get(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	limit := e.policy(ctx, current.CategoryID).RescheduleLimit
	scheduled := at.UTC()

	var event models.Event
	err = e.queues.Remove(ctx, ticketID, queue.RemoveOptions{Commit: func() error {
		var err error
		ticket, event, err = e.apply(ctx, ticketID, func(t models.Ticket, now time.Time) (change, error) {
			if t.RescheduleCount >= limit {
				return change{action: store.ActionExhaust, reason: models.ReasonRescheduleLimit}, nil
			}
			return change{action: store.ActionReschedule, reason: models.ReasonRescheduled, edit: func(t *models.Ticket, now time.Time) {
				t.RescheduleCount++
				t.ScheduledFor = &scheduled
			}}, nil
		})
		return err
	}})
	if ticket.TicketID == "" {
		return models.Ticket{}, err
	}
	e.emit(ctx, event)
	if ticket.State == models.StateAbandoned {
		log.Printf("ticket abandoned ticket_id=%s label=%s reason=%s limit=%d", ticket.TicketID, ticket.SequenceLabel, models.ReasonRescheduleLimit, limit)
		return ticket, fmt.Errorf("%w: %s used %d of %d", store.ErrRescheduleLimitExceeded, ticket.SequenceLabel, ticket.RescheduleCount, limit)
	}
	log.Printf("ticket rescheduled ticket_id=%s label=%s scheduled_for=%s count=%d", ticket.TicketID, ticket.SequenceLabel, scheduled.Format(time.RFC3339), ticket.RescheduleCount)
	return ticket, err
}

// Activate returns a rescheduled ticket whose time has come to the tail of
// its queue.
func (e *Engine) Activate(ctx context.Context, ticketID string) (activated models.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "Activate", attribute.String("ticket_id", ticketID))
	defer func() { endSpan(span, err) }()

	current, err := e.store.Get(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	var event models.Event
	err = e.queues.Reinsert(ctx, current, func(position int) error {
		var err error
		activated, event, err = e.apply(ctx, ticketID, func(t models.Ticket, now time.Time) (change, error) {
			if t.State == models.StateRescheduled && t.ScheduledFor != nil && now.Before(*t.ScheduledFor) {
				return change{}, fmt.Errorf("%w: %s is scheduled for %s", store.ErrInvalidTransition, t.SequenceLabel, t.ScheduledFor.Format(time.RFC3339))
			}
			return change{action: store.ActionActivate, reason: models.ReasonReactivated, edit: func(t *models.Ticket, now time.Time) {
				t.QueuePosition = position
				t.WaitingSince = now
				t.ScheduledFor = nil
			}}, nil
		})
		return err
	})
	if activated.TicketID == "" {
		return models.Ticket{}, err
	}
	log.Printf("ticket reactivated ticket_id=%s label=%s position=%d", activated.TicketID, activated.SequenceLabel, activated.QueuePosition)
	e.emit(ctx, event)
	return activated, err
}

// Expire abandons a rescheduled ticket whose grace window has passed.
func (e *Engine) Expire(ctx context.Context, ticketID string) (expired models.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "Expire", attribute.String("ticket_id", ticketID))
	defer func() { endSpan(span, err) }()

	current, err := e.store.Get(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	grace := e.Grace(ctx, current.CategoryID)

	var event models.Event
	err = e.queues.Remove(ctx, ticketID, queue.RemoveOptions{Commit: func() error {
		var err error
		expired, event, err = e.apply(ctx, ticketID, func(t models.Ticket, now time.Time) (change, error) {
			if t.State == models.StateRescheduled && t.ScheduledFor != nil && !now.After(t.ScheduledFor.Add(grace)) {
				return change{}, fmt.Errorf("%w: %s is within its grace window", store.ErrInvalidTransition, t.SequenceLabel)
			}
			return change{action: store.ActionExpire, reason: models.ReasonExpiredReschedule}, nil
		})
		return err
	}})
	if expired.TicketID == "" {
		return models.Ticket{}, err
	}
	log.Printf("ticket abandoned ticket_id=%s label=%s reason=%s", expired.TicketID, expired.SequenceLabel, models.ReasonExpiredReschedule)
	e.emit(ctx, event)
	return expired, err
}

// policy resolves the category of a ticket, falling back to the defaults
// when the catalog no longer knows it.
func (e *Engine) policy(ctx context.Context, categoryID string) models.Category {
	if e.categories != nil {
		category, err := e.categories.Category(ctx, categoryID)
		if err == nil {
			return category
		}
		log.Printf("category lookup failed category_id=%s err=%v", categoryID, err)
	}
	return models.Category{
		CategoryID:             categoryID,
		RescheduleLimit:        models.DefaultRescheduleLimit,
		RescheduleGraceMinutes: int(e.defaultGrace / time.Minute),
	}
}

// Grace is how long after its scheduled time a rescheduled ticket of the
// category may still be activated.
func (e *Engine) Grace(ctx context.Context, categoryID string) time.Duration {
	minutes := e.policy(ctx, categoryID).RescheduleGraceMinutes
	if minutes <= 0 {
		return e.defaultGrace
	}
	return time.Duration(minutes) * time.Minute
}
