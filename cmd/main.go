package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ltv-alert/internal/access"
	"ltv-alert/internal/bot"
	"ltv-alert/internal/config"
	"ltv-alert/internal/core"
	"ltv-alert/internal/dedup"
	"ltv-alert/internal/defi"
	"ltv-alert/internal/logger"
	"ltv-alert/internal/ltv"
	"ltv-alert/internal/message"
	"ltv-alert/internal/metrics"
	"ltv-alert/internal/scheduler"
	"ltv-alert/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger with date-based file rotation and optional Elasticsearch
	esConfig := &logger.ESConfig{
		Enabled:   cfg.ESEnabled,
		Addresses: cfg.ESAddresses,
		Index:     cfg.ESIndex,
	}
	if err := logger.InitLogger(cfg.LogDir, "ltv-alert", esConfig); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.GetLogger().Close()
	if cfg.Debug {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	validator, err := core.ValidatorForProtocol(cfg.Protocol)
	if err != nil {
		log.Fatalf("Invalid protocol: %v", err)
	}

	// Domain store: MySQL when configured, in-memory otherwise
	st, err := openStore(ctx, cfg, validator)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	// Dedup cache: Redis when configured, in-memory otherwise
	cache, err := openCache(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open dedup cache: %v", err)
	}
	defer cache.Close()

	// LTV source for the configured protocol
	clientManager, err := defi.NewClientManager(defi.SourceConfig{
		Protocol:         cfg.Protocol,
		LCDURL:           cfg.LCDURL,
		MarketContract:   cfg.AnchorMarketContract,
		OverseerContract: cfg.AnchorOverseerContract,
		MaxLTV:           cfg.AnchorMaxLTV,
		ChainID:          cfg.AaveChainID,
	})
	if err != nil {
		log.Fatalf("Failed to create LTV source: %v", err)
	}
	defer clientManager.Close()
	source := ltv.WithTimeout(clientManager.Source(), cfg.LTVQueryTimeout)

	telegram := message.NewTelegramSender(cfg.BotToken)
	notifier, closeNotifier := openNotifier(cfg, telegram)
	defer closeNotifier()

	// Access control
	controller := access.NewController(st, cfg.RootOperators)
	if err := controller.Reload(ctx); err != nil {
		log.Fatalf("Failed to load operators: %v", err)
	}
	limiter := access.NewRateLimiter(cfg.RateLimitWindow)
	log.Printf("👮 Root operators: %v", cfg.RootOperators)

	// Alert scheduler
	engine := core.NewDecisionEngine(cfg.RenotifyInterval, cfg.NotifyCleared)
	sched := scheduler.New(st, source, cache, notifier, engine, scheduler.Config{
		Protocol:         cfg.Protocol,
		DefaultThreshold: cfg.DefaultThreshold,
		PollInterval:     cfg.PollInterval,
		DedupTTL:         cfg.DedupTTL,
		WorkerPoolSize:   cfg.WorkerPoolSize,
		DeliveryTimeout:  cfg.DeliveryTimeout,
	})
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	// Command surface
	svc := bot.NewService(st, source, cache, controller, limiter, validator, bot.Config{
		Protocol:         cfg.Protocol,
		DefaultThreshold: cfg.DefaultThreshold,
		ListConcurrency:  cfg.WorkerPoolSize,
	})
	router := bot.NewRouter(svc, telegram, cfg.LTVQueryTimeout+cfg.DeliveryTimeout)
	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		bot.NewPoller(telegram, router, telegram.PollTimeout()).Run(ctx)
	}()

	metricsSrv := startMetrics(cfg.MetricsAddr)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Printf("🚀 LTV Alert bot started (protocol %s, default threshold %g%%, notifier %s)", cfg.Protocol, cfg.DefaultThreshold, cfg.Notifier)
	log.Println("Press Ctrl+C to stop...")

	// Wait for shutdown signal
	<-sigChan
	log.Println("🛑 Shutting down...")

	// let a running cycle finish before dependencies close
	sched.Stop()
	cancel()
	<-pollerDone

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	log.Println("✅ Shutdown complete")
}

func openStore(ctx context.Context, cfg *config.Config, validator core.AddressValidator) (store.Store, error) {
	if cfg.MySQLDSN == "" {
		log.Println("ℹ️  MYSQL_DSN not set, using in-memory store (data is lost on restart)")
		return store.NewMemoryStore(validator), nil
	}

	s, err := store.NewMySQLStore(cfg.MySQLDSN, validator)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	log.Println("✅ Connected to MySQL")
	return s, nil
}

func openCache(ctx context.Context, cfg *config.Config) (dedup.Cache, error) {
	if cfg.RedisURL == "" {
		log.Println("ℹ️  REDIS_URL not set, using in-memory dedup cache")
		return dedup.NewMemoryCache(), nil
	}

	c, err := dedup.NewRedisCache(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	log.Println("✅ Connected to Redis")
	return c, nil
}

func openNotifier(cfg *config.Config, telegram *message.TelegramSender) (message.Notifier, func()) {
	if cfg.Notifier == config.NotifierKafka {
		p := message.NewKafkaAlertPublisher(cfg.KafkaBrokers)
		log.Printf("📨 Alerts published to Kafka topic %s on %v", message.TopicLTVAlert, cfg.KafkaBrokers)
		return p, func() {
			if err := p.Close(); err != nil {
				log.Printf("⚠️  Failed to close Kafka writer: %v", err)
			}
		}
	}
	log.Println("📨 Alerts delivered directly over Telegram")
	return telegram, func() {}
}

func startMetrics(addr string) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("⚠️  Metrics server stopped: %v", err)
		}
	}()
	log.Printf("📈 Metrics on %s/metrics", addr)
	return srv
}
