package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"turnero/ticket-service/internal/catalog"
	"turnero/ticket-service/internal/clock"
	"turnero/ticket-service/internal/config"
	"turnero/ticket-service/internal/httpapi"
	"turnero/ticket-service/internal/lifecycle"
	"turnero/ticket-service/internal/notify"
	"turnero/ticket-service/internal/queue"
	"turnero/ticket-service/internal/realtime"
	"turnero/ticket-service/internal/store"
	"turnero/ticket-service/internal/store/memory"
	"turnero/ticket-service/internal/store/postgres"
	"turnero/ticket-service/internal/sweeper"
	"turnero/ticket-service/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: "ticket-service",
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Printf("tracing shutdown error: %v", err)
		}
	}()

	var (
		tickets store.TicketStore
		health  func(context.Context) error
	)
	if cfg.DatabaseURL == "" {
		log.Printf("DB_DSN not set, tickets are kept in memory")
		tickets = memory.NewStore()
	} else {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect: %v", err)
		}
		defer pool.Close()
		if err := postgres.Migrate(ctx, pool); err != nil {
			log.Fatalf("db migrate: %v", err)
		}
		unlock, err := postgres.AcquireInstanceLock(ctx, pool, "ticket-service")
		if err != nil {
			log.Fatalf("instance lock: %v", err)
		}
		defer unlock()
		tickets = postgres.NewStore(pool)
		health = pool.Ping
	}

	cat := catalog.New()
	if cfg.CatalogFile != "" {
		cat, err = catalog.LoadFile(ctx, cfg.CatalogFile)
		if err != nil {
			log.Fatalf("catalog: %v", err)
		}
		log.Printf("catalog loaded file=%s branches=%d categories=%d kiosks=%d",
			cfg.CatalogFile, cat.Branches.Len(), cat.Categories.Len(), cat.Kiosks.Len())
	}

	hub := realtime.New()
	dispatcher := notify.NewDispatcher(notify.Config{
		Buffer:      cfg.NotifBuffer,
		Workers:     cfg.NotifWorkers,
		MaxAttempts: cfg.NotifMaxAttempts,
	}, notify.NewProvider(cfg.NotifProvider, cfg.NotifWebhookURL, cfg.NotifWebhookToken), hub)

	clk := clock.Real()
	queues := queue.NewManager(tickets, cat, clk, queue.Options{
		Location:    cfg.Location,
		LockTimeout: cfg.QueueLockTimeout,
	})
	if err := queues.Restore(ctx); err != nil {
		log.Printf("queue restore: %v", err)
	}

	engine := lifecycle.NewEngine(tickets, queues, cat, dispatcher, clk, lifecycle.Options{
		DefaultGrace: cfg.DefaultRescheduleGrace,
	})
	sweep := sweeper.New(tickets, engine, clk, sweeper.Config{
		Schedule:       cfg.SweepSchedule,
		WaitingTimeout: cfg.WaitingTimeout,
		BatchSize:      cfg.SweepBatchSize,
		Location:       cfg.Location,
	})

	handler := httpapi.NewHandler(engine, cat, httpapi.Options{Health: health})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:     cfg.RateLimitPerMinute,
		IPBurst:         cfg.RateLimitBurst,
		BranchPerMinute: cfg.RateLimitPerMinute,
		BranchBurst:     cfg.RateLimitBurst,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler: httpapi.Mount(
			otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(handler.Routes())), "ticket-service"),
			realtime.NewHandler(hub, "/realtime"),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Printf("ticket-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	group.Go(func() error { return dispatcher.Run(groupCtx) })
	group.Go(func() error { return sweep.Run(groupCtx) })

	if err := group.Wait(); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
