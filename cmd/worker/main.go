package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clipcast/autopilot/internal/abtest"
	"github.com/clipcast/autopilot/internal/ads"
	"github.com/clipcast/autopilot/internal/config"
	"github.com/clipcast/autopilot/internal/domain"
	"github.com/clipcast/autopilot/internal/identity"
	"github.com/clipcast/autopilot/internal/ledger"
	"github.com/clipcast/autopilot/internal/media"
	"github.com/clipcast/autopilot/internal/provider"
	"github.com/clipcast/autopilot/internal/repository/postgres"
	"github.com/clipcast/autopilot/internal/scheduler"
	"github.com/clipcast/autopilot/internal/worker"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

// Exit codes for -run-once invocations, so cron/systemd units can tell a
// clean tick from a refused one.
const (
	exitOK           = 0
	exitConfig       = 1
	exitUpstream     = 2
	exitGuardRefusal = 3
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the config file")
	runOnce := flag.String("run-once", "", "run one tick of a component and exit: "+
		"promoter|publisher|reconciler|optimizer|ab_evaluator|backpressure|health_check")
	flag.Parse()

	os.Exit(run(*configPath, *runOnce))
}

// run is separated from main so deferred cleanup fires before os.Exit.
func run(configPath, runOnce string) int {
	log.Println("Starting CLIPCAST Autopilot Worker...")

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		return exitConfig
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		log.Printf("Failed to open database: %v", err)
		return exitUpstream
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(30 * time.Second)

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Printf("Database ping failed: %v", err)
		return exitUpstream
	}
	pingCancel()
	log.Println("Postgres connected")

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
			defer redisClient.Close()
		}
		pingCancel()
	}

	var mirror *ledger.Mirror
	if cfg.ClickHouse.Enabled {
		mirror, err = ledger.NewMirror(cfg.ClickHouse)
		if err != nil {
			log.Printf("Warning: ClickHouse mirror init failed: %v — ledger writes to Postgres only", err)
			mirror = nil
		} else {
			mirror.Start(ctx)
			defer mirror.Stop()
		}
	}
	eventLedger := ledger.New(db, mirror)

	logs := postgres.NewPublishLogRepo(db)
	clips := postgres.NewClipRepo(db)
	accounts := postgres.NewAccountRepo(db)
	adsRepo := postgres.NewAdsRepo(db)
	actions := postgres.NewActionRepo(db)
	abtests := postgres.NewABTestRepo(db)
	identities := postgres.NewIdentityRepo(db)
	control := postgres.NewControlRepo(db)

	router := identity.NewRouter(identities, eventLedger)

	mediaStore, err := media.NewStore(ctx, cfg.S3)
	if err != nil {
		log.Printf("Failed to initialize media store: %v", err)
		return exitUpstream
	}
	providers := provider.NewResolver(cfg)

	pressure := worker.NewBackpressureMonitor(cfg.Backpressure, logs, control)
	sched := scheduler.New(cfg.Scheduler, cfg.Platforms, logs, clips, accounts,
		control, eventLedger, pressure, redisClient, db)
	orchestrator := ads.New(adsRepo, clips, accounts, control, router, providers,
		mediaStore, eventLedger)
	evaluator := abtest.New(cfg.ABTest, abtests, adsRepo, sched, eventLedger)

	limiter := worker.NewPublishRateLimiter(redisClient, cfg.Platforms)
	publisher := worker.NewPublishWorker(cfg.Publisher, cfg.Platforms, logs, clips,
		accounts, router, providers, mediaStore, limiter, control, eventLedger, control)
	promoter := worker.NewPromoter(cfg.Scheduler, logs, control)
	reconciler := worker.NewReconciler(cfg.Reconciler, logs, eventLedger, control)
	optimizer := worker.NewOptimizer(cfg.Optimizer, adsRepo, actions, accounts,
		router, providers, control, pressure, eventLedger, control)
	abLoop := worker.NewABEvaluatorLoop(cfg.ABTest, evaluator, control)
	master := worker.NewMasterControl(cfg.Master, control, eventLedger, eventLedger, orchestrator)

	if runOnce != "" {
		return tickOnce(ctx, runOnce, control, logs, cfg,
			promoter, publisher, reconciler, optimizer, abLoop, master)
	}

	master.Register(worker.ComponentPromoter, promoter.Run)
	master.Register(worker.ComponentPublisher, publisher.Run)
	master.Register(worker.ComponentReconciler, reconciler.Run)
	master.Register(worker.ComponentOptimizer, optimizer.Run)
	master.Register(worker.ComponentABEvaluator, abLoop.Run)
	master.Register(worker.ComponentBackpressure, pressure.Run)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	masterDone := make(chan struct{})
	go func() {
		master.Run(ctx)
		close(masterDone)
	}()
	log.Println("All pipeline components started — worker is ready")

	<-done
	log.Println("Shutting down...")
	cancel()
	<-masterDone
	log.Println("Worker stopped")
	return exitOK
}

// tickOnce runs a single component pass. Components that honor the emergency
// stop refuse to tick while the flag is up.
func tickOnce(
	ctx context.Context,
	component string,
	flags *postgres.ControlRepo,
	logs *postgres.PublishLogRepo,
	cfg *config.Config,
	promoter *worker.Promoter,
	publisher *worker.PublishWorker,
	reconciler *worker.Reconciler,
	optimizer *worker.Optimizer,
	abLoop *worker.ABEvaluatorLoop,
	master *worker.MasterControl,
) int {
	guarded := func() (int, bool) {
		_, stopped, err := flags.GetFlag(ctx, domain.FlagEmergencyStop)
		if err != nil {
			log.Printf("Emergency stop check failed: %v", err)
			return exitUpstream, true
		}
		if stopped {
			log.Printf("Refusing %s tick: emergency stop engaged", component)
			return exitGuardRefusal, true
		}
		return exitOK, false
	}

	switch component {
	case worker.ComponentPromoter:
		promoter.Tick(ctx)

	case worker.ComponentPublisher:
		if code, refused := guarded(); refused {
			return code
		}
		retries := publisher.Tick(ctx)
		log.Printf("Publisher tick done (retries queued: %d)", retries)

	case worker.ComponentReconciler:
		confirmed, timedOut := reconciler.Tick(ctx)
		log.Printf("Reconciler tick done (confirmed: %d, timed out: %d)", confirmed, timedOut)

	case worker.ComponentOptimizer:
		if code, refused := guarded(); refused {
			return code
		}
		stats := optimizer.Tick(ctx)
		log.Printf("Optimizer tick done (campaigns: %d, suggested: %d, executed: %d, expired: %d, refused: %d)",
			stats.Campaigns, stats.Suggested, stats.Executed, stats.Expired, stats.Refused)

	case worker.ComponentABEvaluator:
		if code, refused := guarded(); refused {
			return code
		}
		decided := abLoop.Tick(ctx)
		log.Printf("A/B evaluation sweep done (winners: %d)", decided)

	case worker.ComponentBackpressure:
		depth, err := logs.QueueDepth(ctx)
		if err != nil {
			log.Printf("Queue depth read failed: %v", err)
			return exitUpstream
		}
		log.Printf("Queue depth: %d (high water: %d, low water: %d)",
			depth, cfg.Backpressure.HighWaterMark, cfg.Backpressure.LowWaterMark)

	case "health_check":
		report := master.RunHealthCheck(ctx)
		for _, c := range report.Components {
			log.Printf("  %-16s %-8s (last seen %.0fs ago)", c.Component, c.State, c.AgeSeconds)
		}
		log.Printf("Health check done (components: %d, errors 24h: %d, critical: %v)",
			len(report.Components), report.Errors24h, report.Critical)
		if report.Critical {
			return exitUpstream
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown component %q\n", component)
		flag.Usage()
		return exitConfig
	}
	return exitOK
}
