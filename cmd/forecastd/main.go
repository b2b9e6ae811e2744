package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/outbreaklab/epidemic-forecast-backend/internal/infrastructure/config"
	"github.com/outbreaklab/epidemic-forecast-backend/internal/infrastructure/persistence"
	"github.com/outbreaklab/epidemic-forecast-backend/internal/infrastructure/telemetry"
	"github.com/outbreaklab/epidemic-forecast-backend/internal/metrics"
	"github.com/outbreaklab/epidemic-forecast-backend/internal/provider"
	"github.com/outbreaklab/epidemic-forecast-backend/internal/service/failover"
	forecastsvc "github.com/outbreaklab/epidemic-forecast-backend/internal/service/forecast"
)

func main() {
	var configPath = flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("daemon exited with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, err := buildLockStore(cfg)
	if err != nil {
		return err
	}

	archive, cleanup, err := buildAuditArchive(ctx, cfg)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	clients := buildClients(cfg, logger)

	lockMgr, err := failover.NewLockManager(logger, failover.LockManagerConfig{
		Providers:        cfg.Providers.Priority,
		FailureThreshold: cfg.Failover.FailureThreshold,
		AuditCapacity:    cfg.Failover.AuditCapacity,
	}, store, archive)
	if err != nil {
		return fmt.Errorf("building lock manager: %w", err)
	}

	engine := forecastsvc.NewEngine(logger)

	monitor := failover.NewHealthMonitor(logger, failover.MonitorConfig{
		Interval:             cfg.Monitor.Interval,
		Window:               cfg.Monitor.Window,
		ProbeTimeout:         cfg.Monitor.ProbeTimeout,
		DegradedThresholdPct: cfg.Monitor.DegradedThresholdPct,
		RingCapacity:         cfg.Monitor.RingCapacity,
	}, lockMgr, clients)

	dispatcher := failover.NewDispatcher(logger, failover.DispatcherConfig{
		RequestTimeout: cfg.Failover.RequestTimeout,
		HorizonDays:    cfg.Failover.HorizonDays,
	}, lockMgr, monitor, engine, clients)

	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("starting health monitor: %w", err)
	}

	opsServer := newOpsServer(cfg.Metrics.Addr, dispatcher)
	go func() {
		logger.Info("ops server listening", zap.String("addr", cfg.Metrics.Addr))
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops server failed", zap.Error(err))
		}
	}()

	logger.Info("forecastd started",
		zap.String("version", cfg.Version),
		zap.Strings("provider_priority", cfg.Providers.Priority),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := monitor.Stop(shutdownCtx); err != nil {
		logger.Warn("health monitor shutdown", zap.Error(err))
	}
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops server shutdown", zap.Error(err))
	}
	return nil
}

func buildLockStore(cfg *config.Config) (persistence.LockStateStore, error) {
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return persistence.NewRedisStore(client, cfg.Redis.StateKey), nil
	}
	return persistence.NewFileStore(cfg.Failover.StateFile), nil
}

func buildAuditArchive(ctx context.Context, cfg *config.Config) (persistence.AuditArchive, func(), error) {
	if !cfg.Database.Enabled {
		return nil, nil, nil
	}
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting audit database: %w", err)
	}
	archive, err := persistence.NewPostgresAuditArchive(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return archive, pool.Close, nil
}

// buildClients constructs one adapter per configured provider, ordered by
// the priority list.
func buildClients(cfg *config.Config, logger *zap.Logger) []provider.Client {
	byName := map[string]provider.Client{
		"openai":  provider.NewOpenAIClient(cfg.Providers.OpenAI, logger),
		"gemini":  provider.NewGeminiClient(cfg.Providers.Gemini, logger),
		"claude":  provider.NewClaudeClient(cfg.Providers.Claude, logger),
		"mistral": provider.NewMistralClient(cfg.Providers.Mistral, logger),
		"cohere":  provider.NewCohereClient(cfg.Providers.Cohere, logger),
	}

	clients := make([]provider.Client, 0, len(cfg.Providers.Priority))
	for _, name := range cfg.Providers.Priority {
		if c, ok := byName[name]; ok {
			clients = append(clients, c)
		}
	}
	return clients
}

// newOpsServer exposes the operational read-only surface: Prometheus
// metrics, liveness, and the monitoring queries the dashboard polls.
func newOpsServer(addr string, dispatcher *failover.Dispatcher) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, dispatcher.LockStatus())
	})
	mux.HandleFunc("/providers/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, dispatcher.ProviderHealth())
	})
	mux.HandleFunc("/audit", func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				limit = n
			}
		}
		writeJSON(w, dispatcher.AuditTrail(limit))
	})

	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
