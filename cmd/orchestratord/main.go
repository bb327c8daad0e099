package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskmesh/orchestrator/internal/admission"
	"github.com/taskmesh/orchestrator/internal/allocator"
	"github.com/taskmesh/orchestrator/internal/breaker"
	"github.com/taskmesh/orchestrator/internal/cache"
	"github.com/taskmesh/orchestrator/internal/checkpoint"
	"github.com/taskmesh/orchestrator/internal/config"
	"github.com/taskmesh/orchestrator/internal/coordination"
	"github.com/taskmesh/orchestrator/internal/decomposer"
	"github.com/taskmesh/orchestrator/internal/engine"
	"github.com/taskmesh/orchestrator/internal/eventbus"
	"github.com/taskmesh/orchestrator/internal/health"
	"github.com/taskmesh/orchestrator/internal/idempotency"
	"github.com/taskmesh/orchestrator/internal/metrics"
	"github.com/taskmesh/orchestrator/internal/model"
	"github.com/taskmesh/orchestrator/internal/pool"
	"github.com/taskmesh/orchestrator/internal/registry"
	"github.com/taskmesh/orchestrator/internal/router"
	"github.com/taskmesh/orchestrator/internal/scheduler"
	"github.com/taskmesh/orchestrator/internal/store"
	"github.com/taskmesh/orchestrator/internal/timeline"
)

func replicaID(cfg *config.Config) string {
	if cfg.ReplicaID != "" {
		return cfg.ReplicaID
	}
	hostname, _ := os.Hostname()
	return hostname + "-" + uuid.NewString()[:8]
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	replica := replicaID(cfg)
	log.Printf("starting orchestrator replica %s (%s)", replica, cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	breakerCfg := breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		HalfOpenMaxCalls: cfg.BreakerHalfOpenMaxCalls,
	}
	cacheBreaker := breaker.New(withName(breakerCfg, "cache"))

	var st store.Store
	if cfg.DatabaseURL == "memory" {
		log.Printf("store: using in-memory store (single-node mode)")
		st = store.NewMemoryStore()
	} else {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("store: %v", err)
		}
		st = pg
	}
	defer st.Close()

	c, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB, cacheBreaker)
	if err != nil {
		log.Fatalf("cache: %v", err)
	}
	defer c.Close()

	prometheus.MustRegister(metrics.NewStateCollector(st))

	monitor := pool.NewMonitor(st, c, pool.DefaultThresholds())
	go monitor.Run(ctx)
	gate := admission.NewGate(monitor)

	bus := eventbus.New(c, cfg.MailboxTTL)
	tl := timeline.NewStore()

	allocCfg := allocator.DefaultConfig()
	allocCfg.Weights = allocator.Weights{
		ToolMatch:    cfg.ToolWeight,
		ResourceFit:  cfg.ResourceWeight,
		PrivacyMatch: cfg.PrivacyWeight,
	}
	allocCfg.PerWorkerCap = cfg.MaxSubtasksPerWorker
	alloc := allocator.New(st, c, bus, allocCfg)
	alloc.SetSelector(router.New(cfg.ExplorationEps))

	schedCfg := scheduler.DefaultConfig()
	schedCfg.Interval = cfg.SchedulerInterval
	schedCfg.GlobalCap = cfg.MaxConcurrentSubtasks
	schedCfg.AllocationBatchSize = cfg.AllocationBatchSize
	schedCfg.MaxQueueAllocationAttempts = cfg.MaxQueueAllocationAttempts
	sched := scheduler.New(st, c, alloc, bus, tl, schedCfg)

	triggerCfg := checkpoint.DefaultConfig()
	triggerCfg.EvaluationThreshold = cfg.EvaluationThreshold
	triggerCfg.CompletionInterval = cfg.SubtaskCompletionInterval
	triggerCfg.Timeout = cfg.CheckpointTimeout
	triggerCfg.MaxCorrectionCycles = cfg.MaxCorrectionCycles
	trigger := checkpoint.NewTrigger(st, bus, triggerCfg)

	checker := health.NewChecker(st, c, bus, cfg.HealthCheckInterval, cfg.HeartbeatTimeout)
	checker.OnRequeue = func([]string) { sched.Wake() }

	eng := engine.New(engine.Deps{
		Store:             st,
		Cache:             c,
		Bus:               bus,
		Decomposer:        decomposer.New(st, decomposer.NewRegistry()),
		Allocator:         alloc,
		Scheduler:         sched,
		Trigger:           trigger,
		Registry:          registry.New(st),
		Gate:              gate,
		Idempotency:       idempotency.NewStore(c),
		Timeline:          tl,
		EvalWeights:       model.DefaultEvaluationWeights(),
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
	// Only the elected leader drives scheduling, liveness sweeps and the
	// checkpoint timeout rule; every replica serves reads and event-bus
	// fan-out regardless of leadership.
	elector := coordination.NewLeaderElector(c, replica, cfg.LeaderTTL)
	elector.SetCallbacks(
		func(leaderCtx context.Context) {
			if err := sched.RehydrateQueue(leaderCtx); err != nil {
				log.Printf("rehydrate on election: %v", err)
			}
			sched.Start(leaderCtx)
			checker.Start(leaderCtx)
			trigger.RunTimeoutSweep(leaderCtx)
		},
		func() {
			sched.Stop()
		},
	)
	elector.Start(ctx)
	coordination.NewLockJanitor(c, cfg.LeaderTTL*2).Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/scheduler/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		stats := eng.SchedulerStats(r.Context())
		_ = json.NewEncoder(w).Encode(stats)
	})
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		log.Printf("metrics listening on %s", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func withName(cfg breaker.Config, name string) breaker.Config {
	cfg.Name = name
	return cfg
}
