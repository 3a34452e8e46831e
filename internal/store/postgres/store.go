package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"turnero/ticket-service/internal/models"
	"turnero/ticket-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	uniqueViolation = "23505"
	labelConstraint = "tickets_label_unique"
	ticketColumns   = `ticket_id, sequence_label, client_ref, branch_id, kiosk_id, category_id, state, priority, queue_position, issue_date, created_at, waiting_since, scheduled_for, reschedule_count, wait_duration_ms, closed_at, close_reason, notes`
)

type Store struct {
	pool *pgxpool.Pool
}

var _ store.TicketStore = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Create(ctx context.Context, ticket models.Ticket) (models.Ticket, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tickets (`+ticketColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, ticket.TicketID, ticket.SequenceLabel, ticket.ClientRef, ticket.BranchID, ticket.KioskID, ticket.CategoryID,
		ticket.State.String(), int(ticket.Priority), ticket.QueuePosition, ticket.IssueDate, ticket.CreatedAt, ticket.WaitingSince,
		ticket.ScheduledFor, ticket.RescheduleCount, ticket.WaitDurationMs, ticket.ClosedAt, ticket.CloseReason, ticket.Notes)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == labelConstraint {
			return models.Ticket{}, fmt.Errorf("%w: %s", store.ErrDuplicateSequenceLabel, ticket.SequenceLabel)
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) Get(ctx context.Context, ticketID string) (models.Ticket, error) {
	if !isValidUUID(ticketID) {
		return models.Ticket{}, store.ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) Update(ctx context.Context, ticketID string, mutate store.Mutator) (ticket models.Ticket, err error) {
	if !isValidUUID(ticketID) {
		return models.Ticket{}, store.ErrNotFound
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1 FOR UPDATE`, ticketID)
	current, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrNotFound
		}
		return models.Ticket{}, err
	}

	draft := current
	if err = mutate(&draft); err != nil {
		return models.Ticket{}, err
	}
	draft.TicketID = current.TicketID
	draft.SequenceLabel = current.SequenceLabel
	draft.BranchID = current.BranchID
	draft.CategoryID = current.CategoryID
	draft.IssueDate = current.IssueDate

	_, err = tx.Exec(ctx, `
		UPDATE tickets
		SET client_ref = $2,
			kiosk_id = $3,
			state = $4,
			priority = $5,
			queue_position = $6,
			waiting_since = $7,
			scheduled_for = $8,
			reschedule_count = $9,
			wait_duration_ms = $10,
			closed_at = $11,
			close_reason = $12,
			notes = $13
		WHERE ticket_id = $1
	`, draft.TicketID, draft.ClientRef, draft.KioskID, draft.State.String(), int(draft.Priority), draft.QueuePosition,
		draft.WaitingSince, draft.ScheduledFor, draft.RescheduleCount, draft.WaitDurationMs, draft.ClosedAt, draft.CloseReason, draft.Notes)
	if err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return draft, nil
}

func (s *Store) ListByQueue(ctx context.Context, branchID, categoryID string, state models.State) iter.Seq2[models.Ticket, error] {
	order := "created_at ASC"
	if state == models.StateWaiting {
		order = "queue_position ASC, created_at ASC"
	}
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE branch_id = $1 AND category_id = $2 AND state = $3 ORDER BY ` + order

	return func(yield func(models.Ticket, error) bool) {
		rows, err := s.pool.Query(ctx, query, branchID, categoryID, state.String())
		if err != nil {
			yield(models.Ticket{}, err)
			return
		}
		defer rows.Close()
		for rows.Next() {
			ticket, err := scanTicket(rows)
			if err != nil {
				yield(models.Ticket{}, err)
				return
			}
			if !yield(ticket, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(models.Ticket{}, err)
		}
	}
}

func (s *Store) ListDue(ctx context.Context, state models.State, cutoff time.Time, limit int) ([]models.Ticket, error) {
	// LIMIT NULL is no limit.
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	column := "waiting_since"
	if state == models.StateRescheduled {
		column = "scheduled_for"
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE state = $1 AND `+column+` IS NOT NULL AND `+column+` <= $2
		ORDER BY `+column+` ASC
		LIMIT $3
	`, state.String(), cutoff, limitArg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func (s *Store) NextSequence(ctx context.Context, branchID, categoryID, issueDate string) (int, error) {
	var next int
	row := s.pool.QueryRow(ctx, `
		INSERT INTO ticket_sequences (branch_id, category_id, issue_date, next_number)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (branch_id, category_id, issue_date)
		DO UPDATE SET next_number = ticket_sequences.next_number + 1
		RETURNING next_number
	`, branchID, categoryID, issueDate)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) Reposition(ctx context.Context, ticketIDs []string, first int) error {
	if len(ticketIDs) == 0 {
		return nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tickets AS t
		SET queue_position = $2 + v.ord - 1
		FROM unnest($1::text[]) WITH ORDINALITY AS v(id, ord)
		WHERE t.ticket_id = v.id::uuid
	`, ticketIDs, first)
	if err != nil {
		return err
	}
	if int(tag.RowsAffected()) != len(ticketIDs) {
		return fmt.Errorf("reposition updated %d of %d tickets: %w", tag.RowsAffected(), len(ticketIDs), store.ErrNotFound)
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, event models.Event) (link store.TicketEvent, err error) {
	// TIMESTAMPTZ keeps microseconds; the hash must survive a round trip.
	event.Timestamp = event.Timestamp.UTC().Truncate(time.Microsecond)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.TicketEvent{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var exists bool
	if err = tx.QueryRow(ctx, `SELECT TRUE FROM tickets WHERE ticket_id = $1 FOR UPDATE`, event.TicketID).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.TicketEvent{}, store.ErrNotFound
		}
		return store.TicketEvent{}, err
	}

	var prev *store.TicketEvent
	last, err := scanEvent(tx.QueryRow(ctx, `
		SELECT ticket_id, ticket_seq, type, payload_json, created_at, prev_hash, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq DESC
		LIMIT 1
	`, event.TicketID))
	switch {
	case err == nil:
		prev = &last
	case errors.Is(err, pgx.ErrNoRows):
		err = nil
	default:
		return store.TicketEvent{}, err
	}

	link, err = store.NextTicketEvent(prev, event)
	if err != nil {
		return store.TicketEvent{}, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO ticket_events (ticket_id, ticket_seq, type, payload_json, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, link.TicketID, link.TicketSeq, link.Type, string(link.Payload), link.CreatedAt, link.PrevHash, link.Hash)
	if err != nil {
		return store.TicketEvent{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return store.TicketEvent{}, err
	}
	return link, nil
}

func (s *Store) ListEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	if _, err := s.Get(ctx, ticketID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT ticket_id, ticket_seq, type, payload_json, created_at, prev_hash, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.TicketEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// ticket_id is a uuid column; any other text fails the cast.
func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var state string
	var priority int
	var scheduledFor sql.NullTime
	var closedAt sql.NullTime
	if err := row.Scan(&ticket.TicketID, &ticket.SequenceLabel, &ticket.ClientRef, &ticket.BranchID, &ticket.KioskID, &ticket.CategoryID,
		&state, &priority, &ticket.QueuePosition, &ticket.IssueDate, &ticket.CreatedAt, &ticket.WaitingSince, &scheduledFor,
		&ticket.RescheduleCount, &ticket.WaitDurationMs, &closedAt, &ticket.CloseReason, &ticket.Notes); err != nil {
		return models.Ticket{}, err
	}
	parsed, err := models.ParseState(state)
	if err != nil {
		return models.Ticket{}, err
	}
	ticket.State = parsed
	ticket.Priority = models.Priority(priority)
	ticket.CreatedAt = ticket.CreatedAt.UTC()
	ticket.WaitingSince = ticket.WaitingSince.UTC()
	ticket.ScheduledFor = nullTimePtr(scheduledFor)
	ticket.ClosedAt = nullTimePtr(closedAt)
	return ticket, nil
}

func scanEvent(row pgx.Row) (store.TicketEvent, error) {
	var event store.TicketEvent
	var payload string
	if err := row.Scan(&event.TicketID, &event.TicketSeq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
		return store.TicketEvent{}, err
	}
	event.Payload = []byte(payload)
	event.CreatedAt = event.CreatedAt.UTC()
	return event, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}
