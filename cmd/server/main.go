package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/email-dispatch/internal/api"
	"github.com/ignite/email-dispatch/internal/audit"
	"github.com/ignite/email-dispatch/internal/auth"
	"github.com/ignite/email-dispatch/internal/config"
	"github.com/ignite/email-dispatch/internal/enqueue"
	"github.com/ignite/email-dispatch/internal/job"
	"github.com/ignite/email-dispatch/internal/pkg/logger"
	"github.com/ignite/email-dispatch/internal/provider"
	"github.com/ignite/email-dispatch/internal/queue"
	"github.com/ignite/email-dispatch/internal/render"
	"github.com/ignite/email-dispatch/internal/scheduler"
	"github.com/ignite/email-dispatch/internal/stats"
	"github.com/ignite/email-dispatch/internal/worker"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

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

// registerDrivers wires the enabled provider transports, each behind its
// circuit breaker. SMTP is always registered; it is the default provider.
func registerDrivers(ctx context.Context, registry *provider.Registry, cfg *config.Config) {
	registry.Register(provider.WithBreaker(provider.NewSMTPDriver(provider.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
	})))
	log.Printf("SMTP driver registered (relay %s:%d)", cfg.SMTP.Host, cfg.SMTP.Port)

	if cfg.SendGrid.Enabled {
		registry.Register(provider.WithBreaker(provider.NewSendGridDriver(cfg.SendGrid.APIKey)))
		log.Println("SendGrid driver registered")
	}
	if cfg.Mailgun.Enabled {
		registry.Register(provider.WithBreaker(provider.NewMailgunDriver(cfg.Mailgun.APIKey, cfg.Mailgun.Domain)))
		log.Printf("Mailgun driver registered (domain %s)", cfg.Mailgun.Domain)
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
			log.Printf("SES driver registered (region %s)", cfg.SES.Region)
		}
	}
}

func main() {
	log.Println("Starting email dispatch server...")

	// Load configuration
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))

	// Pre-flight check: verify the target port is available
	host := cfg.Server.GetHost()
	if err := checkPortAvailable(host, cfg.Server.Port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

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

	// Core services
	limiter := queue.NewRateLimiter(store.Client(), buckets(cfg))
	trail := audit.NewTrail(store.Client())

	registry := provider.NewRegistry()
	registerDrivers(ctx, registry, cfg)

	renderer := render.NewEngine()
	if cfg.Templates.Directory != "" {
		n, err := renderer.LoadDir(cfg.Templates.Directory)
		if err != nil {
			log.Printf("Warning: template directory not loaded: %v", err)
		} else {
			log.Printf("Loaded %d templates from %s", n, cfg.Templates.Directory)
		}
	}

	// Dispatch workers and the parked-job scheduler run inside the server
	// process; standalone workers can be added with cmd/worker.
	pool := worker.NewPool(store, limiter, registry, renderer, trail, worker.Config{
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

	sched := scheduler.New(store)
	sched.SetTick(cfg.Scheduler.Tick())
	go func() {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("Scheduler stopped: %v", err)
		}
	}()
	log.Println("Scheduler started")

	// HTTP API
	authn := auth.LoadFromEnv()
	enqueuer := enqueue.New(store, trail)
	if kind, err := job.ParseProvider(cfg.Sender.DefaultProvider); err != nil {
		log.Printf("Warning: unknown default provider %q, using smtp", cfg.Sender.DefaultProvider)
	} else {
		enqueuer.SetDefaultProvider(kind)
	}
	handlers := api.NewHandlers(enqueuer, stats.NewCollector(store, limiter, trail), cfg.Server.LinkBase)
	server := api.NewServer(handlers, authn, api.NewHealthChecker(store))

	// Setup graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", host, cfg.Server.Port)
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("All services initialized — server is ready")

	<-done
	log.Println("Shutting down...")

	// Stop accepting requests, then drain the workers
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	select {
	case err := <-poolDone:
		if err != nil && err != context.Canceled {
			log.Printf("Worker pool exit: %v", err)
		}
	case <-time.After(cfg.Workers.DrainTimeout() + 5*time.Second):
		log.Println("Worker pool drain timed out")
	}

	log.Println("Server stopped")
}
