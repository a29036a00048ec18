package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LouisdeMagician/blaze/internal/alert"
	"github.com/LouisdeMagician/blaze/internal/cache"
	"github.com/LouisdeMagician/blaze/internal/executor"
	"github.com/LouisdeMagician/blaze/internal/ha"
	"github.com/LouisdeMagician/blaze/internal/platform/aws"
	"github.com/LouisdeMagician/blaze/internal/platform/config"
	"github.com/LouisdeMagician/blaze/internal/platform/observability"
	"github.com/LouisdeMagician/blaze/internal/platform/resilience"
	"github.com/LouisdeMagician/blaze/internal/provider"
	"github.com/LouisdeMagician/blaze/internal/warmup"
)

func main() {
	// Create root context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	log.Println("Loading configuration...")
	cfg := config.MustLoad(os.Getenv("BLAZE_CONFIG"))

	// Setup observability (foundational - must be first)
	logger := observability.NewLogger(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)

	metrics, err := observability.NewMetrics("rpc-gateway", cfg.Observability.Metrics.Enabled)
	if err != nil {
		log.Fatalf("Failed to create metrics: %v", err)
	}

	instanceID := cfg.HA.InstanceID
	if instanceID == "" {
		host, _ := os.Hostname()
		instanceID = host
	}

	// Alert publisher
	var alerts alert.Publisher = alert.NoopPublisher{}
	if cfg.Alerting.Enabled {
		awsCfg, err := aws.LoadAWSConfig(ctx, aws.Config{Region: cfg.Alerting.Region})
		if err != nil {
			logger.LogError(ctx, "failed to load AWS config", err)
			log.Fatalf("Failed to load AWS config: %v", err)
		}
		alerts, err = alert.NewSNSPublisher(alert.SNSPublisherConfig{
			AWSConfig: awsCfg,
			TopicARN:  cfg.Alerting.SNSTopicARN,
			Logger:    logger,
		})
		if err != nil {
			log.Fatalf("Failed to create alert publisher: %v", err)
		}
	}

	// Cache store, validated against the largest expected entry
	if err := cache.ValidateCeiling(cfg.Cache.MaxBytes, cfg.Cache.MaxEntryBytes); err != nil {
		log.Fatalf("Invalid cache configuration: %v", err)
	}
	store, err := cache.NewStore(cache.Config{
		MaxBytes:   cfg.Cache.MaxBytes,
		MaxEntries: cfg.Cache.MaxEntries,
	})
	if err != nil {
		log.Fatalf("Failed to create cache store: %v", err)
	}

	// Health tracker with circuit transitions fanned out to metrics and alerts
	tracker := provider.NewHealthTracker(provider.HealthConfig{
		FailureThreshold:  cfg.Health.FailureThreshold,
		BaseCooldown:      cfg.Health.BaseCooldown,
		MaxCooldown:       cfg.Health.MaxCooldown,
		DefaultRetryAfter: cfg.Health.DefaultRetryAfter,
		OnStateChange: func(id string, from, to provider.CircuitState) {
			logger.LogWarn(ctx, "provider circuit transition",
				"provider", id, "from", from.String(), "to", to.String())
			metrics.SetCircuitState(ctx, id, int64(to))
			switch to {
			case provider.StateOpen:
				go alerts.Publish(ctx, alert.Event{
					Kind:     alert.KindCircuitOpened,
					Instance: instanceID,
					Provider: id,
					Detail:   fmt.Sprintf("circuit %s -> %s", from, to),
				})
			case provider.StateClosed:
				go alerts.Publish(ctx, alert.Event{
					Kind:     alert.KindCircuitClosed,
					Instance: instanceID,
					Provider: id,
				})
			}
		},
	})

	// Provider transports
	descriptors := make([]*provider.Descriptor, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		var limiter *resilience.RateLimiter
		if pc.RateLimitRPM > 0 {
			limiter = resilience.NewRateLimiterFromRPM(pc.RateLimitRPM, pc.RateLimitBurst)
		}

		var transport provider.Transport
		var kind provider.Kind
		switch pc.Kind {
		case "enhanced-api":
			kind = provider.KindEnhanced
			transport = provider.NewEnhancedTransport(provider.EnhancedTransportConfig{
				ProviderID: pc.ID,
				BaseURL:    pc.URL,
				RPCURL:     pc.RPCURL,
				APIKey:     pc.APIKey,
				Timeout:    cfg.Executor.RequestTimeout,
				Limiter:    limiter,
			})
		default:
			kind = provider.KindRPC
			transport = provider.NewRPCTransport(provider.RPCTransportConfig{
				ProviderID: pc.ID,
				URL:        pc.URL,
				Timeout:    cfg.Executor.RequestTimeout,
				Limiter:    limiter,
			})
		}

		descriptors = append(descriptors, &provider.Descriptor{
			ID:        pc.ID,
			BaseURL:   pc.URL,
			Kind:      kind,
			Priority:  pc.Priority,
			Transport: transport,
		})
	}

	pool, err := provider.NewPool(descriptors, tracker)
	if err != nil {
		log.Fatalf("Failed to create provider pool: %v", err)
	}

	// Executor: the single request path everything else goes through
	ttls := executor.DefaultTTLTable()
	for _, mt := range cfg.TTLs {
		ttls[mt.Method] = mt.TTL
	}
	exec, err := executor.New(executor.Config{
		Cache:          store,
		Pool:           pool,
		Tracker:        tracker,
		Logger:         logger,
		Metrics:        metrics,
		TTLs:           ttls,
		MaxAttempts:    cfg.Executor.MaxAttempts,
		BaseDelay:      cfg.Executor.BaseDelay,
		MaxDelay:       cfg.Executor.MaxDelay,
		RequestTimeout: cfg.Executor.RequestTimeout,
		OnDegraded: func(providerID string) {
			go alerts.Publish(ctx, alert.Event{
				Kind:     alert.KindDegradedMode,
				Instance: instanceID,
				Provider: providerID,
				Detail:   "no eligible provider, failing open",
			})
		},
	})
	if err != nil {
		log.Fatalf("Failed to create executor: %v", err)
	}

	loader := warmup.NewLoader(warmup.Config{
		Executor: exec,
		Logger:   logger,
		Workers:  cfg.Warmup.Workers,
		Timeout:  cfg.Warmup.Timeout,
	})
	rewarm := func() warmup.Report {
		if !cfg.Warmup.Enabled {
			return warmup.Report{}
		}
		items := make([]warmup.Item, 0, len(cfg.Warmup.Tokens)*len(cfg.Warmup.Methods))
		for _, token := range cfg.Warmup.Tokens {
			for _, method := range cfg.Warmup.Methods {
				items = append(items, warmup.Item{Method: method, Params: []interface{}{token}})
			}
		}
		return loader.Run(ctx, items)
	}

	// HA synchronizer
	var sync *ha.Synchronizer
	var channel *ha.RedisChannel
	if cfg.HA.Enabled {
		channel, err = ha.NewRedisChannel(ha.RedisChannelConfig{
			Addr:         cfg.HA.Redis.Address,
			Password:     cfg.HA.Redis.Password,
			DB:           cfg.HA.Redis.DB,
			Topic:        cfg.HA.Topic,
			HeartbeatKey: cfg.HA.HeartbeatKey,
			HeartbeatTTL: cfg.HA.StaleAfter,
			Logger:       logger,
		})
		if err != nil {
			logger.LogError(ctx, "failed to connect HA channel", err)
			log.Fatalf("Failed to connect HA channel: %v", err)
		}
		defer channel.Close()

		sync, err = ha.New(ha.Config{
			Store:             store,
			Channel:           channel,
			Heartbeats:        channel,
			Logger:            logger,
			Metrics:           metrics,
			InstanceID:        instanceID,
			HeartbeatInterval: cfg.HA.HeartbeatInterval,
			TakeoverAfter:     cfg.HA.TakeoverAfter,
			StaleAfter:        cfg.HA.StaleAfter,
			OnPromote: func(lag time.Duration) {
				go alerts.Publish(ctx, alert.Event{
					Kind:     alert.KindPromoted,
					Instance: instanceID,
					Detail:   fmt.Sprintf("replication lag at takeover: %v", lag),
				})
				// A stale replica serves traffic immediately but rewarms the
				// hot set in the background.
				go rewarm()
			},
		})
		if err != nil {
			log.Fatalf("Failed to create HA synchronizer: %v", err)
		}

		if cfg.HA.Role == "standby" {
			if err := sync.StartStandby(ctx); err != nil {
				logger.LogError(ctx, "failed to start standby", err)
				log.Fatalf("Failed to start standby: %v", err)
			}
		} else {
			sync.StartActive(ctx)
		}
	}

	// Warm the cache before serving; a standby skips it and relies on the
	// replication stream instead.
	if cfg.HA.Role != "standby" || !cfg.HA.Enabled {
		report := rewarm()
		logger.LogInfo(ctx, "startup warm load complete",
			"succeeded", report.Succeeded, "failed", report.Failed, "duration", report.Duration)
	}

	// HTTP surface: health, readiness, metrics
	logger.LogInfo(ctx, "starting HTTP server...", "port", cfg.HTTP.Port)
	go startHTTPServer(cfg.HTTP.Port, store, tracker, exec, sync, metrics, logger)

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.LogInfo(ctx, "gateway running",
		"instance", instanceID, "providers", pool.Len(), "ha", cfg.HA.Enabled)

	<-sigCh
	logger.LogInfo(ctx, "shutdown signal received, gracefully stopping...")
	cancel()
	logger.LogInfo(ctx, "gateway stopped")
}

// healthResponse is the /healthz payload.
type healthResponse struct {
	Status    string                       `json:"status"`
	Cache     cache.Stats                  `json:"cache"`
	Providers map[string]provider.Snapshot `json:"providers"`
	Executor  executor.Counters            `json:"executor"`
	HA        *ha.Snapshot                 `json:"ha,omitempty"`
}

// startHTTPServer serves health checks and the Prometheus scrape endpoint.
func startHTTPServer(
	port int,
	store *cache.Store,
	tracker *provider.HealthTracker,
	exec *executor.Executor,
	sync *ha.Synchronizer,
	metrics *observability.Metrics,
	logger *observability.Logger,
) {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:    "healthy",
			Cache:     store.Stats(),
			Providers: tracker.Snapshots(),
			Executor:  exec.Counters(),
		}
		if sync != nil {
			snap := sync.SnapshotState()
			resp.HA = &snap
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		// A standby is ready too: it can serve stale reads before promotion.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	if h := metrics.Handler(); h != nil {
		mux.Handle("/metrics", h)
	}

	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.LogError(context.Background(), "HTTP server error", err)
	}
}
