package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rapidaai/agentassist/internal/asr"
	"github.com/rapidaai/agentassist/internal/asr/vendor/genericws"
	"github.com/rapidaai/agentassist/internal/bus"
	"github.com/rapidaai/agentassist/internal/commons"
	"github.com/rapidaai/agentassist/internal/config"
	"github.com/rapidaai/agentassist/internal/fanout"
	"github.com/rapidaai/agentassist/internal/ingest"
	"github.com/rapidaai/agentassist/internal/registry"
)

// version and commit are injected at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var configPath string
	var showVersion bool
	flag.StringVar(&configPath, "config", "", "Path to a config file (optional; environment variables always apply)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("agentassist %s (%s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agentassist: config:", err)
		os.Exit(1)
	}

	logger := commons.New(commons.Options{
		LogFilePath: cfg.LogFilePath,
		Development: cfg.Development,
	})
	logger.Infow("agentassist starting", "version", version, "commit", commit, "pubsub_adapter", cfg.PubsubAdapter)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus, callRegistry, closeBackingStore, err := wireBackingStore(cfg, logger)
	if err != nil {
		logger.Errorw("failed to wire backing store", "error", err)
		os.Exit(1)
	}
	defer closeBackingStore()

	authenticator, err := ingest.NewAuthenticator(cfg)
	if err != nil {
		logger.Errorw("failed to build ingest authenticator", "error", err)
		os.Exit(1)
	}

	ingestMetrics := ingest.NewMetrics(reg)
	gateway := ingest.NewGateway(logger.With("component", "ingest"), messageBus, callRegistry, ingestMetrics, authenticator, cfg.AckEveryNFrames, cfg.CallTTL)

	asrMetrics := asr.NewMetrics(reg)
	vendorDialer := genericws.NewDialer(genericws.Config{
		URL:             cfg.ASRVendorURL,
		APIKeyHeader:    "Authorization",
		APIKey:          cfg.ASRVendorAPIKey,
		SampleRateParam: "sample_rate",
	}, logger.With("component", "asr_vendor"), asrMetrics)

	asrManager := asr.NewManager(logger.With("component", "asr"), messageBus, vendorDialer, asrMetrics, asr.Config{
		ConsumerGroup:   cfg.RedisConsumerGroup,
		Consumer:        cfg.ASRConsumerName,
		BufferWindow:    cfg.BufferWindow,
		IdleTeardown:    cfg.IdleTeardown,
		MaxReconnects:   cfg.MaxReconnects,
		AmplifyEnabled:  cfg.AmplifyEnabled,
		AmplifyGain:     cfg.AmplifyTelephonyGain,
		ReclaimInterval: cfg.ASRReclaimInterval,
		ReclaimMinIdle:  cfg.ASRReclaimMinIdle,
	})

	fanoutMetrics := fanout.NewMetrics(reg)
	hub := fanout.NewHub(logger.With("component", "fanout"), messageBus, callRegistry, fanoutMetrics, fanout.Config{
		DiscoveryInterval: cfg.DiscoveryInterval,
		SubscriptionGrace: cfg.SubscriptionGrace,
		QueueSize:         cfg.SSEQueueSize,
		ReclaimInterval:   cfg.FanoutReclaimInterval,
		ReclaimMinIdle:    cfg.FanoutReclaimMinIdle,
	})
	sseServer := fanout.NewServer(hub, cfg.SSEHeartbeat, cfg.SSEQueueSize, cfg.ASRProvider, asrManager.ActiveCalls)

	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	ingestEngine := gin.New()
	ingestEngine.Use(gin.Recovery())
	gateway.Register(ingestEngine)
	ingestSrv := &http.Server{Addr: cfg.IngestAddr, Handler: ingestEngine}

	fanoutEngine := gin.New()
	fanoutEngine.Use(gin.Recovery())
	fanoutEngine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:    []string{"Authorization", "Content-Type"},
	}))
	sseServer.Register(fanoutEngine)
	fanoutSrv := &http.Server{Addr: cfg.FanoutAddr, Handler: fanoutEngine}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return asrManager.Run(groupCtx)
	})
	group.Go(func() error {
		return hub.Run(groupCtx)
	})
	group.Go(func() error {
		logger.Infow("ingest listening", "addr", cfg.IngestAddr)
		if err := ingestSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("ingest server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		logger.Infow("fanout listening", "addr", cfg.FanoutAddr)
		if err := fanoutSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("fanout server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		logger.Infow("metrics listening", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	<-groupCtx.Done()
	logger.Infow("shutdown signal received, draining")

	// The asr manager and fanout hub are already stopping: they exit on
	// groupCtx's cancellation, concurrently with the steps below, and the
	// asr workers discard unflushed audio. What follows closes the active
	// telephony sockets first, then shuts down the three HTTP servers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := gateway.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("ingest gateway shutdown error", "error", err)
	}
	if err := ingestSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("ingest http shutdown error", "error", err)
	}
	if err := fanoutSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("fanout http shutdown error", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("metrics http shutdown error", "error", err)
	}

	if err := group.Wait(); err != nil {
		logger.Errorw("agentassist stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Infow("agentassist stopped")
}

// wireBackingStore selects the Message Bus and Call Registry adapter pair
// for cfg.PubsubAdapter. Both in_memory and streams receive the same trim
// policy and consumer-group shape; the in_memory bus applies only the
// count-based limit, so audio_stream is not time-trimmed in that mode.
func wireBackingStore(cfg *config.AppConfig, logger commons.Logger) (bus.Bus, registry.Registry, func(), error) {
	trimPolicy := bus.DefaultTrimPolicy(cfg.TranscriptTopicSize, cfg.AudioStreamTTL)

	switch cfg.PubsubAdapter {
	case config.AdapterInMemory:
		b := bus.NewMemoryBus(logger.With("component", "bus"), trimPolicy)
		r := registry.NewMemoryRegistry(cfg.CallTTL)
		return b, r, func() { _ = b.Close() }, nil

	case config.AdapterStreams:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("agentassist: parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		b := bus.NewRedisBus(client, logger.With("component", "bus"), trimPolicy)
		r := registry.NewRedisRegistry(client, cfg.CallTTL)
		return b, r, func() { _ = b.Close() }, nil

	default:
		return nil, nil, nil, fmt.Errorf("agentassist: unknown PUBSUB_ADAPTER %q", cfg.PubsubAdapter)
	}
}
