package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/clipcast/autopilot/internal/abtest"
	"github.com/clipcast/autopilot/internal/ads"
	"github.com/clipcast/autopilot/internal/api"
	"github.com/clipcast/autopilot/internal/config"
	"github.com/clipcast/autopilot/internal/identity"
	"github.com/clipcast/autopilot/internal/ledger"
	"github.com/clipcast/autopilot/internal/media"
	"github.com/clipcast/autopilot/internal/provider"
	"github.com/clipcast/autopilot/internal/repository/postgres"
	"github.com/clipcast/autopilot/internal/scheduler"
	"github.com/clipcast/autopilot/internal/service/publication"
	"github.com/clipcast/autopilot/internal/worker"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale/stub processes occupying the port.
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

func extractHost(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return "(unknown)"
	}
	rest := dsn[at+1:]
	slash := strings.Index(rest, "/")
	if slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func main() {
	log.Println("╔════════════════════════════════════════════════════════════╗")
	log.Println("║  CLIPCAST Autopilot Server (cmd/server/main.go)            ║")
	log.Println("║  Scheduler, publish queue, ads, A/B tests, master control  ║")
	log.Println("╚════════════════════════════════════════════════════════════╝")

	// Load configuration
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}
	if cfg.Live() {
		log.Println("[config] mode=live — real provider APIs will be called")
	} else {
		log.Println("[config] mode=stub — provider calls are simulated")
	}

	// Pre-flight check: verify the target port is available
	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}
	log.Printf("Pre-flight check passed: port %d is available", port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to Postgres. Everything downstream needs it, so a failure here
	// is fatal. Statement timeouts keep a stuck query from wedging a worker.
	dbURL := cfg.Database.DSN()
	if strings.HasPrefix(dbURL, "postgres://") || strings.HasPrefix(dbURL, "postgresql://") {
		sep := "?"
		if strings.Contains(dbURL, "?") {
			sep = "&"
		}
		if !strings.Contains(dbURL, "connect_timeout") {
			dbURL += sep + "connect_timeout=5"
			sep = "&"
		}
		dbURL += sep + "options=-c%20statement_timeout%3D15000%20-c%20idle_in_transaction_session_timeout%3D15000"
		log.Printf("DB URL host portion: ...@%s/...", extractHost(dbURL))
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(30 * time.Second)

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("Database ping failed: %v", err)
	}
	pingCancel()
	log.Println("Postgres connected")

	// Redis is optional: distributed locks and publish rate limits degrade to
	// Postgres advisory locks / fail-open limits without it.
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Warning: Redis connection failed (%s): %v — falling back to PG advisory locks", cfg.Redis.Addr, err)
			redisClient.Close()
			redisClient = nil
		} else {
			log.Printf("Redis connected: %s (distributed locking + rate limits enabled)", cfg.Redis.Addr)
		}
		pingCancel()
	} else {
		log.Println("Redis not configured — using PG advisory locks for distributed locking")
	}

	// ClickHouse mirror is optional: the ledger always writes Postgres and
	// fans out to the mirror when one is running.
	var mirror *ledger.Mirror
	if cfg.ClickHouse.Enabled {
		mirror, err = ledger.NewMirror(cfg.ClickHouse)
		if err != nil {
			log.Printf("Warning: ClickHouse mirror init failed: %v — ledger writes to Postgres only", err)
			mirror = nil
		} else {
			mirror.Start(ctx)
			log.Printf("ClickHouse mirror started (addr: %s, table: %s.%s)",
				cfg.ClickHouse.Addr, cfg.ClickHouse.Database, cfg.ClickHouse.Table)
		}
	} else {
		log.Println("ClickHouse mirror disabled — ledger writes to Postgres only")
	}
	eventLedger := ledger.New(db, mirror)

	// Repositories
	logs := postgres.NewPublishLogRepo(db)
	clips := postgres.NewClipRepo(db)
	accounts := postgres.NewAccountRepo(db)
	adsRepo := postgres.NewAdsRepo(db)
	actions := postgres.NewActionRepo(db)
	abtests := postgres.NewABTestRepo(db)
	identities := postgres.NewIdentityRepo(db)
	control := postgres.NewControlRepo(db)

	// Identity router enforces one-account-per-identity isolation on every
	// outbound provider call.
	router := identity.NewRouter(identities, eventLedger)

	// Media store: S3 when configured, in-memory stub otherwise.
	mediaStore, err := media.NewStore(ctx, cfg.S3)
	if err != nil {
		log.Fatalf("Failed to initialize media store: %v", err)
	}
	if cfg.S3.Enabled {
		log.Printf("Media store: S3 (bucket: %s, region: %s)", cfg.S3.Bucket, cfg.S3.Region)
	} else {
		log.Println("Media store: stub (S3 disabled)")
	}

	providers := provider.NewResolver(cfg)

	// Backpressure monitor feeds both the scheduler (deferred tagging) and
	// the optimizer guards.
	pressure := worker.NewBackpressureMonitor(cfg.Backpressure, logs, control)

	// Core services
	sched := scheduler.New(cfg.Scheduler, cfg.Platforms, logs, clips, accounts,
		control, eventLedger, pressure, redisClient, db)
	pubs := publication.NewService(logs, eventLedger)
	orchestrator := ads.New(adsRepo, clips, accounts, control, router, providers,
		mediaStore, eventLedger)
	evaluator := abtest.New(cfg.ABTest, abtests, adsRepo, sched, eventLedger)

	// Worker loops
	limiter := worker.NewPublishRateLimiter(redisClient, cfg.Platforms)
	publisher := worker.NewPublishWorker(cfg.Publisher, cfg.Platforms, logs, clips,
		accounts, router, providers, mediaStore, limiter, control, eventLedger, control)
	promoter := worker.NewPromoter(cfg.Scheduler, logs, control)
	reconciler := worker.NewReconciler(cfg.Reconciler, logs, eventLedger, control)
	optimizer := worker.NewOptimizer(cfg.Optimizer, adsRepo, actions, accounts,
		router, providers, control, pressure, eventLedger, control)
	abLoop := worker.NewABEvaluatorLoop(cfg.ABTest, evaluator, control)

	// Master control supervises every loop: heartbeat health checks,
	// auto-restart of stalled components, emergency stop.
	master := worker.NewMasterControl(cfg.Master, control, eventLedger, eventLedger, orchestrator)
	master.Register(worker.ComponentPromoter, promoter.Run)
	master.Register(worker.ComponentPublisher, publisher.Run)
	master.Register(worker.ComponentReconciler, reconciler.Run)
	master.Register(worker.ComponentOptimizer, optimizer.Run)
	master.Register(worker.ComponentABEvaluator, abLoop.Run)
	master.Register(worker.ComponentBackpressure, pressure.Run)
	go master.Run(ctx)
	log.Println("Master control started (6 components under supervision)")

	// HTTP surface
	h := api.NewHandlers(pubs, sched, sched.Oracle(), eventLedger)
	h.SetAds(orchestrator)
	h.SetABTesting(evaluator, abtests)
	h.SetOptimization(optimizer, actions)
	h.SetControl(master)

	var s3Client *awss3.Client
	if s3Store, ok := mediaStore.(*media.S3Store); ok {
		s3Client = s3Store.Client()
	}
	healthChecker := api.NewHealthChecker(db, redisClient, s3Client, cfg.S3.Bucket)
	mux := api.SetupRoutes(h, healthChecker, cfg.Server)
	srv := api.NewServer(cfg.Server, mux)

	// Setup graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("All components initialized — autopilot is ready")

	<-done
	log.Println("Shutting down...")

	// Cancel background loops; master control drains each one.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if mirror != nil {
		mirror.Stop()
	}
	if redisClient != nil {
		redisClient.Close()
	}
	db.Close()

	log.Println("Server stopped")
}
