package notify

import (
	"context"
	"errors"
	"expvar"
	"log"
	"sync"
	"time"

	"turnero/ticket-service/internal/models"

	"github.com/cenkalti/backoff/v5"
)

var (
	notifySent     = expvar.NewInt("notify_sent_total")
	notifyDropped  = expvar.NewInt("notify_dropped_total")
	notifyFailures = expvar.NewInt("notify_failures_total")
)

var ErrBufferFull = errors.New("notification buffer full")

type Config struct {
	Buffer          int
	Workers         int
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Dispatcher is the Sink handed to the lifecycle engine. Emit only
// enqueues; worker goroutines started by Run deliver to every target with
// exponential backoff and log exhausted deliveries as dead letters.
type Dispatcher struct {
	cfg     Config
	events  chan models.Event
	targets []Target
}

var _ Sink = (*Dispatcher)(nil)

func NewDispatcher(cfg Config, targets ...Target) *Dispatcher {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	return &Dispatcher{
		cfg:     cfg,
		events:  make(chan models.Event, cfg.Buffer),
		targets: targets,
	}
}

func (d *Dispatcher) Emit(ctx context.Context, event models.Event) error {
	select {
	case d.events <- event:
		return nil
	default:
		notifyDropped.Add(1)
		log.Printf("notif dropped event_id=%s type=%s: buffer full", event.EventID, event.Type())
		return ErrBufferFull
	}
}

// Run delivers queued events until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case event := <-d.events:
					d.deliver(ctx, event)
				}
			}
		}()
	}
	wg.Wait()
	if pending := len(d.events); pending > 0 {
		log.Printf("notif dispatcher stopped pending=%d", pending)
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, event models.Event) {
	notification := Render(event)
	for _, target := range d.targets {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = d.cfg.InitialInterval
		policy.MaxInterval = d.cfg.MaxInterval

		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, target.Send(ctx, notification)
		},
			backoff.WithBackOff(policy),
			backoff.WithMaxTries(uint(d.cfg.MaxAttempts)),
			backoff.WithNotify(func(err error, next time.Duration) {
				log.Printf("notif retry target=%s event_id=%s next=%s err=%v", target.Name(), event.EventID, next, err)
			}),
		)
		if err != nil {
			notifyFailures.Add(1)
			log.Printf("notif dead letter target=%s event_id=%s type=%s err=%v", target.Name(), event.EventID, notification.Type, err)
			continue
		}
		notifySent.Add(1)
	}
}
