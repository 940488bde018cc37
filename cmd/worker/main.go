package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/email-dispatch/internal/audit"
	"github.com/ignite/email-dispatch/internal/config"
	"github.com/ignite/email-dispatch/internal/job"
	"github.com/ignite/email-dispatch/internal/pkg/logger"
	"github.com/ignite/email-dispatch/internal/provider"
	"github.com/ignite/email-dispatch/internal/queue"
	"github.com/ignite/email-dispatch/internal/render"
	"github.com/ignite/email-dispatch/internal/scheduler"
	"github.com/ignite/email-dispatch/internal/worker"
)

// buckets merges rate limit overrides from the config onto the defaults.
func buckets(cfg *config.Config) map[job.ProviderKind]queue.BucketConfig {
	if len(cfg.RateLimits) == 0 {
		return nil
	}
	out := queue.DefaultBuckets()
	for name, rl := range cfg.RateLimits {
		kind, err := job.ParseProvider(name)
		if err != nil {
			log.Printf("Warning: unknown provider %q in rate_limits, skipping", name)
			continue
		}
		out[kind] = queue.BucketConfig{Capacity: rl.Capacity, RefillRate: rl.RefillPerSecond}
	}
	return out
}

func main() {
	log.Println("Starting email dispatch worker...")

	// Load configuration
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))

	// Connect to the queue store
	store, err := queue.Open(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Failed to open queue store: %v", err)
	}
	defer store.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := store.Ping(pingCtx); err != nil {
		log.Fatalf("Failed to ping queue store: %v", err)
	}
	if err := store.EnsureGroup(pingCtx); err != nil {
		log.Fatalf("Failed to create consumer group: %v", err)
	}
	log.Println("Connected to queue store")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Provider transports, each behind its circuit breaker
	registry := provider.NewRegistry()
	registry.Register(provider.WithBreaker(provider.NewSMTPDriver(provider.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
	})))
	if cfg.SendGrid.Enabled {
		registry.Register(provider.WithBreaker(provider.NewSendGridDriver(cfg.SendGrid.APIKey)))
	}
	if cfg.Mailgun.Enabled {
		registry.Register(provider.WithBreaker(provider.NewMailgunDriver(cfg.Mailgun.APIKey, cfg.Mailgun.Domain)))
	}
	if cfg.SES.Enabled {
		sesDriver, err := provider.NewSESDriver(ctx, provider.SESConfig{
			Region:    cfg.SES.Region,
			AccessKey: cfg.SES.AccessKey,
			SecretKey: cfg.SES.SecretKey,
		})
		if err != nil {
			log.Printf("Warning: SES driver not registered: %v", err)
		} else {
			registry.Register(provider.WithBreaker(sesDriver))
		}
	}

	renderer := render.NewEngine()
	if cfg.Templates.Directory != "" {
		n, err := renderer.LoadDir(cfg.Templates.Directory)
		if err != nil {
			log.Printf("Warning: template directory not loaded: %v", err)
		} else {
			log.Printf("Loaded %d templates from %s", n, cfg.Templates.Directory)
		}
	}

	// Dispatch pool
	pool := worker.NewPool(store, queue.NewRateLimiter(store.Client(), buckets(cfg)),
		registry, renderer, audit.NewTrail(store.Client()), worker.Config{
			Workers:         cfg.Workers.Count,
			FromAddress:     cfg.Sender.FromAddress,
			FromName:        cfg.Sender.FromName,
			DrainTimeout:    cfg.Workers.DrainTimeout(),
			MaxAttempts:     cfg.Workers.MaxAttempts,
			BaseRetryDelay:  cfg.Workers.BaseRetryDelay(),
			PendingTimeout:  cfg.Workers.PendingTimeout(),
			DispatchTimeout: cfg.Workers.DispatchTimeout(),
			RateWaitMax:     cfg.Workers.RateWaitMax(),
		})
	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(ctx) }()
	log.Printf("Worker pool started (%d workers, id %s)", cfg.Workers.Count, pool.WorkerID())

	// Parked-job scheduler; stands by unless it wins the promotion lock
	sched := scheduler.New(store)
	sched.SetTick(cfg.Scheduler.Tick())
	go func() {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("Scheduler stopped: %v", err)
		}
	}()
	log.Println("Scheduler started")

	log.Println("Worker running...")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancel()

	// Let in-flight deliveries finish inside the drain window
	select {
	case err := <-poolDone:
		if err != nil {
			log.Printf("Worker pool exit: %v", err)
		}
	case <-time.After(cfg.Workers.DrainTimeout() + 5*time.Second):
		log.Println("Worker pool drain timed out")
	}

	log.Println("Worker stopped")
}
