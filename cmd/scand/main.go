package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vantagesec/scand/internal/api"
	"github.com/vantagesec/scand/internal/cache"
	"github.com/vantagesec/scand/internal/config"
	"github.com/vantagesec/scand/internal/coordinator"
	"github.com/vantagesec/scand/internal/enrich"
	"github.com/vantagesec/scand/internal/events"
	"github.com/vantagesec/scand/internal/identify"
	"github.com/vantagesec/scand/internal/metrics"
	"github.com/vantagesec/scand/internal/middleware"
	"github.com/vantagesec/scand/internal/orchestrator"
	"github.com/vantagesec/scand/internal/policy"
	"github.com/vantagesec/scand/internal/probe"
	"github.com/vantagesec/scand/internal/scan"
	"github.com/vantagesec/scand/internal/store"
	"github.com/vantagesec/scand/internal/stream"
	"github.com/vantagesec/scand/internal/tasks"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	log.Printf("starting scand (env=%s)", cfg.Server.Env)

	// Coordinator counters: Redis when configured and reachable, otherwise
	// process-local. Falling back narrows enforcement to one process; it
	// never raises the limits themselves.
	var (
		coordStore coordinator.Store
		redisStore *coordinator.RedisStore
	)
	if cfg.Redis.Addr != "" {
		redisStore, err = coordinator.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Printf("redis unavailable, using in-process limits: %v", err)
		}
	}
	if redisStore != nil {
		coordStore = redisStore
		defer redisStore.Close()
	} else {
		coordStore = coordinator.NewMemoryStore()
	}

	coord := coordinator.New(coordStore, coordinator.Limits{
		RatePerMinute:       cfg.Limits.RatePerMinute,
		ConcurrentPerClient: cfg.Limits.ConcurrentPerClient,
		GlobalConcurrent:    cfg.Limits.GlobalConcurrent,
	})

	m := metrics.New()

	// Event bus: relay across instances over the same Redis connection
	// when available.
	var bus stream.Bus
	var sink orchestrator.EventSink
	if redisStore != nil {
		rb, err := events.NewRedisBus(redisStore.Client())
		if err != nil {
			log.Fatalf("event relay: %v", err)
		}
		defer rb.Close()
		rb.OnDrop(m.RecordEventDropped)
		bus, sink = rb, rb
	} else {
		b := events.NewBus()
		b.OnDrop(m.RecordEventDropped)
		bus, sink = b, b
	}

	// Task persistence: Postgres when DATABASE_URL is set (a configured
	// database that cannot be reached is a startup failure), SQLite when
	// SQLITE_PATH is set, in-memory otherwise.
	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	taskStore, auditStore := openStores(startCtx, cfg)
	cancelStart()
	defer taskStore.Close()

	pol, err := policy.NewEngine(cfg.Policy.DenylistFile, cfg.Policy.AllowlistFile)
	if err != nil {
		log.Fatalf("policy lists: %v", err)
	}

	whitelist := cfg.PrivateWhitelist()
	resolver := scan.NewResolver(cfg.DNS.Server, 5*time.Second, whitelist)
	controller := probe.NewController(cfg.Probe.MaxConcurrent, cfg.Probe.Timeout)
	pool := probe.NewPool(controller)
	identifier := identify.New()
	enricher := enrich.New(cfg.CVE.FeedURL, cfg.CVE.FetchTimeout, cfg.Cache.MaxEntries, cfg.Cache.CVETTL)
	scanCache := cache.New(cfg.Cache.MaxEntries, cfg.Cache.MaxValue, cfg.Cache.ScanTTL)

	orch := orchestrator.New(resolver, pol, coord, scanCache, pool, controller,
		identifier, enricher, sink, m, orchestrator.Config{
			HardTimeout:      cfg.Probe.ScanHardLimit,
			CacheTTL:         cfg.Cache.ScanTTL,
			PortLimit:        cfg.Limits.PortsPerScan,
			PrivateWhitelist: whitelist,
		})

	registry := tasks.NewRegistry(orch, taskStore)
	retention := time.Duration(cfg.Store.RetentionDays) * 24 * time.Hour
	purgeCtx, cancelPurge := context.WithTimeout(context.Background(), 30*time.Second)
	if err := registry.PurgeExpired(purgeCtx, retention); err != nil {
		log.Printf("retention purge: %v", err)
	}
	cancelPurge()

	auth := middleware.NewAuth(cfg.Auth.APIKeys, cfg.Auth.APIKeyTTL)
	if !auth.Enabled() {
		log.Printf("WARNING: no API_KEYS configured, every REST request will be rejected")
	}
	if cfg.Auth.WebSocketAPIKey == "" {
		log.Printf("WARNING: no WEBSOCKET_API_KEY configured, /ws/command is disabled")
	}

	sse := stream.NewSSEHandler(orch, bus)
	ws := stream.NewWSHandler(cfg.Auth.WebSocketAPIKey, orch, bus, coord, pol, auditStore, resolver,
		cfg.Limits.PortWarnThreshold)

	server := api.NewServer(registry, coord, auth, sse, ws, api.Config{
		PortLimit:         cfg.Limits.PortsPerScan,
		PortWarnThreshold: cfg.Limits.PortWarnThreshold,
		PrivateWhitelist:  whitelist,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.ListenAndServe(ctx, ":"+cfg.Server.Port); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("scand stopped")
}

// openStores picks the persistence backend. The audit trail rides the
// same backend as tasks.
func openStores(ctx context.Context, cfg *config.Config) (interface {
	store.ScanStore
	store.AuditStore
}, store.AuditStore) {
	switch {
	case cfg.Store.DatabaseURL != "":
		s, err := store.OpenPostgres(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		log.Println("task store: postgres")
		return s, s
	case cfg.Store.SQLitePath != "":
		s, err := store.OpenSQLite(ctx, cfg.Store.SQLitePath)
		if err != nil {
			log.Fatalf("sqlite: %v", err)
		}
		log.Printf("task store: sqlite (%s)", cfg.Store.SQLitePath)
		return s, s
	default:
		log.Println("task store: in-memory (tasks do not survive restarts)")
		s := store.NewMemoryStore()
		return s, s
	}
}
