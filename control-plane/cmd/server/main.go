// Command server runs the network overview service.
//
// # Usage
//
//	server --config /etc/netoverview/config.yaml --port 8080
//
// # Configuration
//
// The server can be configured via:
// - A YAML file (--config)
// - Environment variables (NETOVERVIEW_*)
// - Command-line flags, which win over both
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/pilot-net/netoverview/control-plane/internal/api"
	"github.com/pilot-net/netoverview/control-plane/internal/cache"
	"github.com/pilot-net/netoverview/control-plane/internal/classify"
	"github.com/pilot-net/netoverview/control-plane/internal/config"
	"github.com/pilot-net/netoverview/control-plane/internal/health"
	"github.com/pilot-net/netoverview/control-plane/internal/metrics"
	"github.com/pilot-net/netoverview/control-plane/internal/secrets"
	"github.com/pilot-net/netoverview/control-plane/internal/service"
	"github.com/pilot-net/netoverview/control-plane/internal/worker"
	"github.com/pilot-net/netoverview/control-plane/internal/zabbix"
	"github.com/pilot-net/netoverview/pkg/types"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		port       = flag.Int("port", 0, "HTTP server port (overrides config)")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("netoverview-server v0.1.0")
		os.Exit(0)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg, err := loadConfig(*configPath, *port)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	creds, err := secrets.NewCredentialStore(secrets.Config{
		Backend: cfg.Secrets.Backend,
		File:    cfg.Secrets.File,
		OnePassword: secrets.OnePasswordConfig{
			Host:      cfg.Secrets.OnePassword.Host,
			Token:     cfg.Secrets.OnePassword.Token,
			VaultID:   cfg.Secrets.OnePassword.VaultID,
			ItemTitle: cfg.Secrets.OnePassword.ItemTitle,
		},
	}, logger)
	if err != nil {
		logger.Error("failed to initialize credential store", "error", err)
		os.Exit(1)
	}
	defer creds.Close()
	logger.Info("credential store ready", "backend", creds.Name())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)

	client := zabbix.NewClient(zabbix.Config{
		URL:                cfg.Zabbix.URL,
		Timeout:            cfg.Zabbix.RequestTimeout,
		RetryDelay:         cfg.Zabbix.RetryDelay,
		RateLimit:          cfg.Zabbix.RateLimit,
		RateBurst:          cfg.Zabbix.RateBurst,
		BreakerFailures:    cfg.Zabbix.BreakerFailures,
		BreakerTimeout:     cfg.Zabbix.BreakerTimeout,
		RawHistoryLimit:    cfg.Zabbix.RawHistoryLimit,
		InsecureSkipVerify: cfg.Zabbix.InsecureSkipVerify,
	}, creds, m, logger)

	classifier, err := newClassifier(cfg.Classifier)
	if err != nil {
		logger.Error("invalid classifier rules", "error", err)
		os.Exit(1)
	}

	weights, err := health.WeightsFromSlice(
		cfg.Scoring.AvailabilityWeight,
		cfg.Scoring.SeverityPenalties,
		cfg.Scoring.ProblemPenaltyCap,
		cfg.Scoring.HighLatencyMs,
		cfg.Scoring.HighLatencyFraction,
		cfg.Scoring.LatencyPenalty,
	)
	if err != nil {
		logger.Error("invalid scoring weights", "error", err)
		os.Exit(1)
	}
	scorer, err := health.New(weights)
	if err != nil {
		logger.Error("invalid scoring weights", "error", err)
		os.Exit(1)
	}

	// Redis is optional; without it each replica keeps its own cache.
	var (
		l2    cache.SecondLevel
		redis metrics.Pinger
	)
	if cfg.Cache.RedisURL != "" {
		rc, err := cache.NewRedis(cfg.Cache.RedisURL, logger)
		if err != nil {
			logger.Warn("redis unavailable, continuing without second-level cache", "error", err)
		} else {
			defer rc.Close()
			l2 = rc
			redis = rc
			logger.Info("connected to redis")
		}
	}

	svc := service.NewService(client, classifier, scorer, service.Options{
		MetricsBatchSize: cfg.Aggregation.MetricsBatchSize,
		MaxInFlight:      cfg.Aggregation.MaxInFlight,
		MaxHistoryHosts:  cfg.Aggregation.MaxHistoryHosts,
		RankingSize:      cfg.Aggregation.RankingSize,
		MergeThreshold:   cfg.Aggregation.MergeThreshold,
		EmitUnassigned:   cfg.Aggregation.EmitUnassigned,
		SnapshotTTL:      cfg.Cache.SnapshotTTL,
		FailureTTL:       cfg.Cache.FailureTTL,
		HistoryTTL:       cfg.Cache.HistoryTTL,
		L2TTL:            cfg.Cache.RedisSnapshotTTL,
		L2:               l2,
		Metrics:          m,
	}, logger)

	collector := metrics.NewCollector(client, svc, redis, nil)
	apiServer := api.NewServer(svc, collector, api.Config{
		APIKeyHash:  cfg.Server.APIKeyHash,
		EnforceAuth: cfg.Server.AuthMode == "enforce",
		Gatherer:    reg,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	refresher := worker.NewRefresher(svc, worker.RefresherConfig{
		Interval: cfg.Refresher.Interval,
	}, nil, logger)
	refresher.Start(ctx)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      apiServer,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server
	go func() {
		logger.Info("starting server", "port", cfg.Server.Port, "zabbix", cfg.Zabbix.URL)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
	refresher.Stop()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}

func loadConfig(path string, port int) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.ApplyEnvOverrides()
	if port != 0 {
		cfg.Server.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newClassifier(cc config.ClassifierConfig) (*classify.Classifier, error) {
	rules := make([]classify.Rule, 0, len(cc.Rules))
	for _, r := range cc.Rules {
		rules = append(rules, classify.Rule{
			Pattern: r.Pattern,
			Field:   classify.Field(r.Field),
			Type:    types.EquipmentType(r.Type),
			Subtype: r.Subtype,
		})
	}
	return classify.New(classify.Options{
		Rules:           rules,
		ReplaceDefaults: cc.ReplaceDefaults,
		SitePattern:     cc.SitePattern,
		ReservedTokens:  cc.ReservedTokens,
		SiteNames:       cc.SiteNames,
	})
}
