package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"turnero/ticket-service/internal/catalog"
	"turnero/ticket-service/internal/clock"
	"turnero/ticket-service/internal/models"
	"turnero/ticket-service/internal/queue"
	"turnero/ticket-service/internal/store"
	"turnero/ticket-service/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recordingSink) Emit(ctx context.Context, event models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.events))
	for _, event := range r.events {
		types = append(types, event.Type())
	}
	return types
}

type harness struct {
	engine *Engine
	store  *memory.Store
	clock  *clock.Fake
	sink   *recordingSink
}

func newHarness(t *testing.T) harness {
	t.Helper()
	ctx := context.Background()
	cat := catalog.New()
	_, err := cat.Branches.Create(ctx, models.Branch{BranchID: "centro", Name: "Sucursal Centro", Active: true})
	require.NoError(t, err)

	general := catalog.NewCategory("Atención General")
	general.CategoryID = "general"
	_, err = cat.Categories.Create(ctx, general)
	require.NoError(t, err)

	caja := catalog.NewCategory("Caja")
	caja.CategoryID = "caja"
	caja.RescheduleLimit = 1
	caja.RescheduleGraceMinutes = 10
	_, err = cat.Categories.Create(ctx, caja)
	require.NoError(t, err)

	_, err = cat.Kiosks.Create(ctx, models.Kiosk{KioskID: "k1", BranchID: "centro", Name: "Entrada", Active: true})
	require.NoError(t, err)

	st := memory.NewStore()
	clk := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	sink := &recordingSink{}
	manager := queue.NewManager(st, cat, clk, queue.Options{LockTimeout: time.Second})
	return harness{
		engine: NewEngine(st, manager, cat, sink, clk, Options{}),
		store:  st,
		clock:  clk,
		sink:   sink,
	}
}

func (h harness) issue(t *testing.T, categoryID, clientRef string) models.Ticket {
	t.Helper()
	ticket, err := h.engine.IssueTicket(context.Background(), IssueRequest{
		BranchID:   "centro",
		CategoryID: categoryID,
		KioskID:    "k1",
		ClientRef:  clientRef,
	})
	require.NoError(t, err)
	return ticket
}

func TestServeFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.issue(t, "general", "Ana")
	second := h.issue(t, "general", "Luis")
	assert.Equal(t, "A-001", first.SequenceLabel)
	assert.Equal(t, 1, first.QueuePosition)
	assert.Equal(t, "A-002", second.SequenceLabel)
	assert.Equal(t, 2, second.QueuePosition)

	h.clock.Advance(90 * time.Second)
	served, err := h.engine.ServeNext(ctx, "centro", "general")
	require.NoError(t, err)
	assert.Equal(t, first.TicketID, served.TicketID)
	assert.Equal(t, models.StateServed, served.State)
	assert.Equal(t, int64(90_000), served.WaitDurationMs)
	assert.Equal(t, 0, served.QueuePosition)
	assert.Equal(t, models.ReasonServed, served.CloseReason)
	require.NotNil(t, served.ClosedAt)

	remaining, err := h.engine.GetTicket(ctx, second.TicketID)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining.QueuePosition)

	snapshot, err := h.engine.GetQueueSnapshot(ctx, "centro", "general")
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, "A-002", snapshot[0].SequenceLabel)

	trail, err := h.engine.GetTicketEvents(ctx, first.TicketID)
	require.NoError(t, err)
	assert.True(t, trail.Verified, trail.Problem)
	require.Len(t, trail.Events, 2)
	assert.Equal(t, "ticket.issued", trail.Events[0].Type)
	assert.Equal(t, "ticket.served", trail.Events[1].Type)

	assert.Equal(t, []string{"ticket.issued", "ticket.issued", "ticket.served"}, h.sink.types())
}

func TestRescheduleLimitForcesAbandon(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ticket := h.issue(t, "caja", "Ana")
	at := h.clock.Now().Add(10 * time.Minute)
	rescheduled, err := h.engine.RescheduleTicket(ctx, ticket.TicketID, at)
	require.NoError(t, err)
	assert.Equal(t, models.StateRescheduled, rescheduled.State)
	assert.Equal(t, 1, rescheduled.RescheduleCount)
	assert.Equal(t, 0, rescheduled.QueuePosition)
	require.NotNil(t, rescheduled.ScheduledFor)
	assert.True(t, at.Equal(*rescheduled.ScheduledFor))

	_, err = h.engine.ServeNext(ctx, "centro", "caja")
	assert.ErrorIs(t, err, store.ErrEmptyQueue)

	h.clock.Set(at)
	activated, err := h.engine.Activate(ctx, ticket.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.StateWaiting, activated.State)
	assert.Equal(t, 1, activated.QueuePosition)
	assert.Nil(t, activated.ScheduledFor)
	assert.Equal(t, at, activated.WaitingSince)

	abandoned, err := h.engine.RescheduleTicket(ctx, ticket.TicketID, at.Add(time.Hour))
	assert.ErrorIs(t, err, store.ErrRescheduleLimitExceeded)
	assert.Equal(t, models.StateAbandoned, abandoned.State)
	assert.Equal(t, models.ReasonRescheduleLimit, abandoned.CloseReason)
	assert.Equal(t, 1, abandoned.RescheduleCount)

	snapshot, err := h.engine.GetQueueSnapshot(ctx, "centro", "caja")
	require.NoError(t, err)
	assert.Empty(t, snapshot)
}

func TestRescheduleTwiceWithoutActivationHitsLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ticket := h.issue(t, "caja", "Ana")
	at := h.clock.Now().Add(10 * time.Minute)
	rescheduled, err := h.engine.RescheduleTicket(ctx, ticket.TicketID, at)
	require.NoError(t, err)
	assert.Equal(t, 1, rescheduled.RescheduleCount)

	abandoned, err := h.engine.RescheduleTicket(ctx, ticket.TicketID, at.Add(time.Hour))
	assert.ErrorIs(t, err, store.ErrRescheduleLimitExceeded)
	assert.Equal(t, models.StateAbandoned, abandoned.State)
	assert.Equal(t, models.ReasonRescheduleLimit, abandoned.CloseReason)
	assert.Equal(t, 1, abandoned.RescheduleCount)
	assert.Nil(t, abandoned.ScheduledFor)

	stored, err := h.engine.GetTicket(ctx, ticket.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.StateAbandoned, stored.State)

	trail, err := h.engine.GetTicketEvents(ctx, ticket.TicketID)
	require.NoError(t, err)
	assert.True(t, trail.Verified, trail.Problem)
	require.Len(t, trail.Events, 3)
	assert.Equal(t, "ticket.abandoned", trail.Events[2].Type)
}

func TestRescheduleMovesAppointmentWithinLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ticket := h.issue(t, "general", "Luis")
	first := h.clock.Now().Add(10 * time.Minute)
	_, err := h.engine.RescheduleTicket(ctx, ticket.TicketID, first)
	require.NoError(t, err)

	second := first.Add(20 * time.Minute)
	moved, err := h.engine.RescheduleTicket(ctx, ticket.TicketID, second)
	require.NoError(t, err)
	assert.Equal(t, models.StateRescheduled, moved.State)
	assert.Equal(t, 2, moved.RescheduleCount)
	require.NotNil(t, moved.ScheduledFor)
	assert.True(t, second.Equal(*moved.ScheduledFor))
}

func TestTerminalStatesAreFinal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ticket := h.issue(t, "general", "Ana")
	_, err := h.engine.ServeTicket(ctx, ticket.TicketID, false)
	require.NoError(t, err)

	_, err = h.engine.ServeTicket(ctx, ticket.TicketID, true)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	_, err = h.engine.AbandonTicket(ctx, ticket.TicketID, models.ReasonNoShow)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	_, err = h.engine.RescheduleTicket(ctx, ticket.TicketID, h.clock.Now().Add(time.Hour))
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	_, err = h.engine.Activate(ctx, ticket.TicketID)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	_, err = h.engine.Expire(ctx, ticket.TicketID)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	stored, err := h.engine.GetTicket(ctx, ticket.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.StateServed, stored.State)
}

func TestServeTicketRequiresHeadUnlessOverridden(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.issue(t, "general", "Ana")
	second := h.issue(t, "general", "Luis")
	third := h.issue(t, "general", "Eva")

	_, err := h.engine.ServeTicket(ctx, second.TicketID, false)
	assert.ErrorIs(t, err, store.ErrNotHeadOfQueue)

	served, err := h.engine.ServeTicket(ctx, second.TicketID, true)
	require.NoError(t, err)
	assert.Equal(t, models.StateServed, served.State)

	moved, err := h.engine.GetTicket(ctx, third.TicketID)
	require.NoError(t, err)
	assert.Equal(t, 2, moved.QueuePosition)
}

func TestServeNextIsFIFO(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var want []string
	for _, name := range []string{"Ana", "Luis", "Eva", "Juan"} {
		want = append(want, h.issue(t, "general", name).SequenceLabel)
	}
	var got []string
	for range want {
		served, err := h.engine.ServeNext(ctx, "centro", "general")
		require.NoError(t, err)
		got = append(got, served.SequenceLabel)
	}
	assert.Equal(t, want, got)

	_, err := h.engine.ServeNext(ctx, "centro", "general")
	assert.ErrorIs(t, err, store.ErrEmptyQueue)
}

func TestAbandonRenumbersAndValidatesReason(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.issue(t, "general", "Ana")
	second := h.issue(t, "general", "Luis")

	_, err := h.engine.AbandonTicket(ctx, first.TicketID, "bored")
	assert.ErrorIs(t, err, ErrInvalidReason)

	abandoned, err := h.engine.AbandonTicket(ctx, first.TicketID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StateAbandoned, abandoned.State)
	assert.Equal(t, models.ReasonNoShow, abandoned.CloseReason)

	next, err := h.engine.GetTicket(ctx, second.TicketID)
	require.NoError(t, err)
	assert.Equal(t, 1, next.QueuePosition)
}

func TestRescheduleRejectsPastTime(t *testing.T) {
	h := newHarness(t)
	ticket := h.issue(t, "general", "Ana")

	_, err := h.engine.RescheduleTicket(context.Background(), ticket.TicketID, h.clock.Now())
	assert.ErrorIs(t, err, store.ErrInvalidSchedule)
}

func TestActivateGuardsAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ticket := h.issue(t, "general", "Ana")
	h.issue(t, "general", "Luis")
	at := h.clock.Now().Add(5 * time.Minute)
	_, err := h.engine.RescheduleTicket(ctx, ticket.TicketID, at)
	require.NoError(t, err)

	_, err = h.engine.Activate(ctx, ticket.TicketID)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	h.clock.Set(at)
	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Activate(ctx, ticket.TicketID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, rejected int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, store.ErrInvalidTransition):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)

	snapshot, err := h.engine.GetQueueSnapshot(ctx, "centro", "general")
	require.NoError(t, err)
	require.Len(t, snapshot, 2)
	assert.Equal(t, "A-002", snapshot[0].SequenceLabel)
	assert.Equal(t, "A-001", snapshot[1].SequenceLabel)
	assert.Equal(t, 2, snapshot[1].QueuePosition)
}

func TestExpireAfterGrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ticket := h.issue(t, "caja", "Ana")
	at := h.clock.Now().Add(time.Minute)
	rescheduled, err := h.engine.RescheduleTicket(ctx, ticket.TicketID, at)
	require.NoError(t, err)
	assert.Equal(t, at.Add(10*time.Minute), h.engine.RescheduleDeadline(ctx, rescheduled))

	h.clock.Set(at.Add(10 * time.Minute))
	_, err = h.engine.Expire(ctx, ticket.TicketID)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	h.clock.Advance(time.Second)
	expired, err := h.engine.Expire(ctx, ticket.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.StateAbandoned, expired.State)
	assert.Equal(t, models.ReasonExpiredReschedule, expired.CloseReason)
	assert.Nil(t, expired.ScheduledFor)
}

func TestIssueRejectsUnknownReferences(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.IssueTicket(context.Background(), IssueRequest{BranchID: "centro", CategoryID: "tramites", KioskID: "k1"})
	assert.ErrorIs(t, err, store.ErrInvalidReference)
	assert.Empty(t, h.sink.types())
}

func TestStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.issue(t, "general", "Ana")
	h.issue(t, "general", "Luis")
	third := h.issue(t, "general", "Eva")
	h.clock.Advance(2 * time.Minute)
	_, err := h.engine.ServeNext(ctx, "centro", "general")
	require.NoError(t, err)
	_, err = h.engine.AbandonTicket(ctx, third.TicketID, models.ReasonCancelled)
	require.NoError(t, err)

	stats, err := h.engine.Stats(ctx, "centro", "general")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Waiting)
	assert.Equal(t, 1, stats.Served)
	assert.Equal(t, 1, stats.Abandoned)
	assert.Equal(t, 0, stats.Rescheduled)
	assert.Equal(t, int64(120_000), stats.AvgWaitMs)
	assert.Equal(t, int64(120_000), stats.LongestWaitMs)
}

func TestListTicketsFiltersByStateAndSearch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.issue(t, "general", "Ana")
	h.issue(t, "general", "Luis")
	h.issue(t, "general", "Eva")
	_, err := h.engine.ServeNext(ctx, "centro", "general")
	require.NoError(t, err)

	all, err := h.engine.ListTickets(ctx, TicketFilter{BranchID: "centro", CategoryID: "general"})
	require.NoError(t, err)
	labels := make([]string, 0, len(all))
	for _, ticket := range all {
		labels = append(labels, ticket.SequenceLabel)
	}
	assert.Equal(t, []string{"A-002", "A-003", "A-001"}, labels)

	served, err := h.engine.ListTickets(ctx, TicketFilter{
		BranchID:   "centro",
		CategoryID: "general",
		States:     []models.State{models.StateServed},
	})
	require.NoError(t, err)
	require.Len(t, served, 1)
	assert.Equal(t, "Ana", served[0].ClientRef)

	byClient, err := h.engine.ListTickets(ctx, TicketFilter{BranchID: "centro", CategoryID: "general", Search: "EVA"})
	require.NoError(t, err)
	require.Len(t, byClient, 1)
	assert.Equal(t, "A-003", byClient[0].SequenceLabel)

	byLabel, err := h.engine.ListTickets(ctx, TicketFilter{BranchID: "centro", CategoryID: "general", Search: "a-002"})
	require.NoError(t, err)
	require.Len(t, byLabel, 1)
	assert.Equal(t, "Luis", byLabel[0].ClientRef)

	none, err := h.engine.ListTickets(ctx, TicketFilter{BranchID: "centro", CategoryID: "caja"})
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.NotNil(t, none)
}

func TestNilSinkDiscards(t *testing.T) {
	e := NewEngine(memory.NewStore(), nil, nil, nil, clock.Real(), Options{})
	require.NotNil(t, e.sink)
	assert.NoError(t, e.sink.Emit(context.Background(), models.Event{}))
	assert.Equal(t, 30*time.Minute, e.Grace(context.Background(), "general"))
}

func TestTransitionsAreTraced(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	h := newHarness(t)
	h.issue(t, "general", "Ana")
	_, err := h.engine.ServeNext(context.Background(), "centro", "general")
	require.NoError(t, err)
	_, err = h.engine.ServeNext(context.Background(), "centro", "general")
	require.ErrorIs(t, err, store.ErrEmptyQueue)

	spans := recorder.Ended()
	require.Len(t, spans, 3)
	assert.Equal(t, "lifecycle.IssueTicket", spans[0].Name())
	assert.Equal(t, "lifecycle.ServeNext", spans[1].Name())
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
	assert.Equal(t, codes.Error, spans[2].Status().Code)
}
