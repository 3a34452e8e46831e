// Package sweeper fires the time-driven transitions: activating
// rescheduled tickets, expiring those past their grace window and timing
// out tickets that waited too long.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"turnero/ticket-service/internal/clock"
	"turnero/ticket-service/internal/models"
	"turnero/ticket-service/internal/store"

	"github.com/robfig/cron/v3"
)

type Engine interface {
	Activate(ctx context.Context, ticketID string) (models.Ticket, error)
	Expire(ctx context.Context, ticketID string) (models.Ticket, error)
	AbandonTicket(ctx context.Context, ticketID, reason string) (models.Ticket, error)
	RescheduleDeadline(ctx context.Context, ticket models.Ticket) time.Time
}

type Config struct {
	// Schedule is a cron spec with optional seconds field, or a descriptor
	// such as "@every 5s".
	Schedule string
	// WaitingTimeout abandons waiting tickets older than this. Zero
	// disables it.
	WaitingTimeout time.Duration
	BatchSize      int
	Location       *time.Location
}

type Result struct {
	Activated int
	Expired   int
	TimedOut  int
}

type Sweeper struct {
	store  store.TicketStore
	engine Engine
	clock  clock.Clock
	cfg    Config
}

func New(st store.TicketStore, engine Engine, clk clock.Clock, cfg Config) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 5s"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Sweeper{store: st, engine: engine, clock: clk, cfg: cfg}
}

// Sweep runs one pass. Transitions that lose a race with a caller fail
// the state check and are skipped.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var result Result
	now := s.clock.Now()

	due, err := s.store.ListDue(ctx, models.StateRescheduled, now, s.cfg.BatchSize)
	if err != nil {
		return result, fmt.Errorf("list rescheduled: %w", err)
	}
	for _, ticket := range due {
		if now.After(s.engine.RescheduleDeadline(ctx, ticket)) {
			if _, err := s.engine.Expire(ctx, ticket.TicketID); err != nil {
				logSkipped("expire", ticket, err)
				continue
			}
			result.Expired++
			continue
		}
		if _, err := s.engine.Activate(ctx, ticket.TicketID); err != nil {
			logSkipped("activate", ticket, err)
			continue
		}
		result.Activated++
	}

	if s.cfg.WaitingTimeout > 0 {
		stale, err := s.store.ListDue(ctx, models.StateWaiting, now.Add(-s.cfg.WaitingTimeout), s.cfg.BatchSize)
		if err != nil {
			return result, fmt.Errorf("list waiting: %w", err)
		}
		for _, ticket := range stale {
			if _, err := s.engine.AbandonTicket(ctx, ticket.TicketID, models.ReasonTimeout); err != nil {
				logSkipped("timeout", ticket, err)
				continue
			}
			result.TimedOut++
		}
	}
	return result, nil
}

func logSkipped(op string, ticket models.Ticket, err error) {
	if errors.Is(err, store.ErrInvalidTransition) {
		return
	}
	log.Printf("sweeper %s error ticket_id=%s label=%s: %v", op, ticket.TicketID, ticket.SequenceLabel, err)
}

// Run schedules Sweep until ctx is cancelled. A pass still running when
// the next one is due is not overlapped.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(s.cfg.Location),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	_, err := c.AddFunc(s.cfg.Schedule, func() {
		passCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		result, err := s.Sweep(passCtx)
		if err != nil {
			log.Printf("sweeper error: %v", err)
			return
		}
		if result.Activated+result.Expired+result.TimedOut > 0 {
			log.Printf("sweeper processed activated=%d expired=%d timed_out=%d", result.Activated, result.Expired, result.TimedOut)
		}
	})
	if err != nil {
		return fmt.Errorf("sweeper schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	log.Printf("sweeper started schedule=%q", s.cfg.Schedule)
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
