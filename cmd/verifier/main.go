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

	"github.com/redis/go-redis/v9"

	"github.com/ignite/email-verifier/internal/antigreylist"
	"github.com/ignite/email-verifier/internal/api"
	"github.com/ignite/email-verifier/internal/cache"
	"github.com/ignite/email-verifier/internal/config"
	"github.com/ignite/email-verifier/internal/controller"
	"github.com/ignite/email-verifier/internal/dnsx"
	"github.com/ignite/email-verifier/internal/pkg/distlock"
	"github.com/ignite/email-verifier/internal/pkg/logger"
	"github.com/ignite/email-verifier/internal/queue"
	"github.com/ignite/email-verifier/internal/smtpprobe"
	"github.com/ignite/email-verifier/internal/store"
	"github.com/ignite/email-verifier/internal/verifier"
)

const mxCacheTTL = 10 * time.Minute

// checkPortAvailable verifies that the target port is not already in use,
// so a stale process does not silently shadow this one.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("LOG_LEVEL") == "debug" {
		logger.SetLevel(logger.DEBUG)
	}
	log.Printf("[Main] verification engine starting, server_uuid=%s", cfg.ServerUUID)

	host := cfg.Server.GetHost()
	if err := checkPortAvailable(host, cfg.Server.Port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

	db, err := store.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.Bootstrap(ctx); err != nil {
		log.Fatalf("Failed to bootstrap schema: %v", err)
	}

	// Redis is optional; with it the rate limiter and catch-all cache are
	// shared across processes, without it both run on the embedded store.
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		redisClient = redis.NewClient(opt)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("Redis ping failed: %v", err)
		}
		defer redisClient.Close()
		log.Printf("[Main] redis connected")

		// Several processes may share this redis and store; only one engine
		// may own the queue and assignment table.
		lock := distlock.NewEngineLock(redisClient, "verifier:engine", distlock.DefaultTTL)
		ok, err := lock.Acquire(ctx)
		if err != nil {
			log.Fatalf("Engine lock acquire failed: %v", err)
		}
		if !ok {
			log.Fatalf("Another engine instance holds the lock, refusing to start")
		}
		go func() {
			if err := lock.Hold(ctx); err != nil && ctx.Err() == nil {
				log.Fatalf("Engine lock lost: %v", err)
			}
		}()
	}

	var verdicts cache.Cache
	if redisClient != nil {
		verdicts = cache.NewRedis(redisClient)
	} else {
		sqlCache := cache.NewSQL(db)
		go sqlCache.StartAutoClean(ctx)
		verdicts = sqlCache
	}

	var resolver dnsx.Resolver
	if len(cfg.DNS.Servers) > 0 {
		resolver = dnsx.NewDirect(cfg.DNS.Servers, cfg.DNS.Timeout())
		log.Printf("[Main] direct DNS resolution via %v", cfg.DNS.Servers)
	} else {
		resolver = dnsx.System()
	}
	resolver = dnsx.NewMXCache(resolver, mxCacheTTL)

	prober := smtpprobe.New(smtpprobe.Config{
		HeloDomain:     cfg.Verifier.MXDomain,
		FromAddr:       "contact@" + cfg.Verifier.EMDomain,
		Port:           cfg.Verifier.SMTPPort,
		BaseTimeout:    cfg.Verifier.Timeout(),
		EnableSTARTTLS: cfg.Verifier.EnableSTARTTLS,
	}, verdicts)

	q := queue.New(db)
	grey := antigreylist.New(db, antigreylist.WithSchedule(
		cfg.AntiGreylist.InitialDelay(),
		cfg.AntiGreylist.MaxDelay(),
		cfg.AntiGreylist.MaxAttempts,
	))
	results := controller.NewResults(db)
	archive := controller.NewArchive(db)
	assignments := controller.NewAssignments(db)
	webhook := controller.NewWebhookSender(cfg.Webhook.Timeout(), cfg.Webhook.MaxAttempts)

	limiter := verifier.NewOrgLimiter(redisClient)
	gravatar := verifier.NewGravatarChecker()
	factory := func(index int) controller.WorkerRunner {
		return verifier.NewWorker(index, resolver, prober, limiter,
			verifier.WithPingFreq(cfg.Verifier.PingFreq()),
			verifier.WithDNSTimeout(cfg.DNS.Timeout()),
			verifier.WithGravatar(gravatar),
		)
	}

	// Assignments from the previous process are stale: those workers are gone,
	// so their requests must go through recovery like any other orphan.
	if err := assignments.ClearAll(ctx); err != nil {
		log.Fatalf("Failed to clear stale assignments: %v", err)
	}

	recovery := controller.NewRecovery(q, grey, results, archive, assignments, webhook)
	go func() {
		outcomes, err := recovery.Run(ctx)
		if err != nil {
			log.Printf("[Main] recovery error: %v", err)
			return
		}
		for id, outcome := range outcomes {
			log.Printf("[Main] recovered %s: %s", id, outcome)
		}
	}()

	ctrl := controller.New(controller.Config{
		ThreadNum:    cfg.Verifier.ThreadNum,
		PingFreq:     cfg.Verifier.PingFreq(),
		RestartAfter: cfg.Verifier.RestartAfter(),
	}, q, grey, results, archive, assignments, webhook, factory, recovery.Done())
	ctrl.Start(ctx)

	handlers := api.NewHandlers(q, results, cfg.ServerUUID)
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, cfg.Server.Port),
		Handler: api.Router(handlers),
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("[Main] listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("[Main] shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Main] server shutdown error: %v", err)
	}

	ctrl.Stop()
	cancel()
	log.Println("[Main] stopped")
}
