// llmctl Control Plane — orchestrates flowchart runs against ephemeral
// Kubernetes executors.
//
// Runs as a standalone binary. Serves:
//   - Realtime WebSocket endpoint (run event subscriptions)
//   - MCP endpoint (run control tools)
//   - Prometheus metrics and health probes
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"k8s.io/klog/v2"

	"github.com/nodadyoushutup/llmctl/internal/config"
	"github.com/nodadyoushutup/llmctl/internal/credentials"
	k8sdispatch "github.com/nodadyoushutup/llmctl/internal/dispatch/kubernetes"
	"github.com/nodadyoushutup/llmctl/internal/events"
	"github.com/nodadyoushutup/llmctl/internal/flowchart"
	"github.com/nodadyoushutup/llmctl/internal/mcpmap"
	"github.com/nodadyoushutup/llmctl/internal/mcpserver"
	"github.com/nodadyoushutup/llmctl/internal/metrics"
	"github.com/nodadyoushutup/llmctl/internal/orchestrator"
	"github.com/nodadyoushutup/llmctl/internal/realtime"
	"github.com/nodadyoushutup/llmctl/internal/settings"
	"github.com/nodadyoushutup/llmctl/internal/store"
	"github.com/nodadyoushutup/llmctl/internal/telemetry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flowchartDir := flag.String("flowcharts", "", "directory of flowchart definitions to register at startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg.LogLevel)
	defer logger.Sync()
	klog.SetLogger(zapr.NewLogger(logger.Named("k8s")))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Fatal("init tracing", zap.Error(err))
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal("create data dir", zap.Error(err))
	}
	st, err := store.Open(cfg.StoreDriver, cfg.StoreDSNOrDefault())
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	metrics.Register(prometheus.DefaultRegisterer)

	var broker events.Broker
	if cfg.RedisAddr != "" {
		redisBroker := events.NewRedisBroker(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), 256, logger)
		defer redisBroker.Close()
		broker = redisBroker
	} else {
		broker = events.NewBus(256)
	}
	publisher := realtime.NewPublisher(st, broker, 250*time.Millisecond, logger)
	go publisher.Start(ctx)

	settingsProvider := settings.NewProvider(st, logger)
	if err := settingsProvider.Init(ctx); err != nil {
		logger.Fatal("load executor settings", zap.Error(err))
	}

	masterKey := cfg.MasterKey
	if masterKey == "" {
		logger.Warn("no master key configured; sealing integration credentials with an insecure development key")
		masterKey = "insecure-dev-key"
	}
	credResolver, err := credentials.NewResolver(st, []byte(masterKey))
	if err != nil {
		logger.Fatal("build credential resolver", zap.Error(err))
	}
	mcpResolver, err := mcpmap.NewResolver(credResolver)
	if err != nil {
		logger.Fatal("build mcp resolver", zap.Error(err))
	}

	dispatcher, err := k8sdispatch.NewFromSettings(settingsProvider.Snapshot(), logger)
	if err != nil {
		logger.Fatal("build kubernetes dispatcher", zap.Error(err))
	}

	graphs := orchestrator.NewStaticGraphSource()
	if *flowchartDir != "" {
		if err := registerFlowcharts(graphs, *flowchartDir, logger); err != nil {
			logger.Fatal("register flowcharts", zap.Error(err))
		}
	}

	orch := orchestrator.New(
		st,
		dispatcher,
		publisher,
		graphs,
		settingsProvider,
		filepath.Join(cfg.DataDir, "workspaces"),
		logger,
		orchestrator.WithMCPResolver(mcpResolver),
		orchestrator.WithFairnessLimit(int64(cfg.DispatchFairnessLimit)),
	)

	runner := orchestrator.NewRunner(orch, st, logger)
	runner.Start(ctx)
	defer runner.Stop()

	retention := cron.New()
	if _, err := retention.AddFunc("@every 10m", func() {
		deleted, err := st.SweepArtifacts(context.Background(), time.Now().UTC())
		if err != nil {
			logger.Warn("artifact retention sweep failed", zap.Error(err))
			return
		}
		if deleted > 0 {
			logger.Info("artifact retention sweep", zap.Int64("deleted", deleted))
		}
	}); err != nil {
		logger.Fatal("schedule retention sweep", zap.Error(err))
	}
	retention.Start()
	defer retention.Stop()

	hub := realtime.NewHub(broker, logger)
	mcpSrv := mcpserver.New(st, orch, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"version":"%s","commit":"%s","date":"%s"}`+"\n", version, commit, date)
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("/ws/events", hub.HandleSubscribe)
	mux.Handle("/mcp", mcpSrv.Handler())
	mux.Handle("/mcp/", mcpSrv.Handler())

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting control plane",
		zap.String("addr", cfg.ListenAddr),
		zap.String("version", version),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

func buildLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if parsed, err := zap.ParseAtomicLevel(level); err == nil {
		cfg.Level = parsed
	}
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func registerFlowcharts(graphs *orchestrator.StaticGraphSource, dir string, logger *zap.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}
		chart, err := flowchart.LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		if err := graphs.Register(chart.ID, chart); err != nil {
			return err
		}
		logger.Info("flowchart registered",
			zap.String("id", chart.ID), zap.String("file", entry.Name()))
	}
	return nil
}
