package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"modelgateway/internal/async"
	"modelgateway/internal/auth"
	"modelgateway/internal/config"
	"modelgateway/internal/httpapi"
	"modelgateway/internal/logging"
	"modelgateway/internal/metrics"
	"modelgateway/internal/models"
	"modelgateway/internal/providers"
	"modelgateway/internal/queue"
	"modelgateway/internal/relay"
	"modelgateway/internal/storage"
	"modelgateway/internal/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := utils.NewLogger("gateway")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage layer: encrypted secrets, model metadata, invocations.
	encryption, err := storage.NewEncryptionFromBase64(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize encryption: %v", err)
	}

	db, err := storage.NewDB(storage.DBConfig{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		Database:        cfg.Database.Name,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		QueryTimeout:    cfg.Database.QueryTimeout,
		ModelCacheSize:  cfg.Cache.ModelCacheSize,
		ModelCacheTTL:   cfg.Cache.ModelCacheTTL,
		SecretCacheSize: cfg.Cache.SecretCacheSize,
		SecretCacheTTL:  cfg.Cache.SecretCacheTTL,
	})
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	modelRepo := db.NewModelRepository()
	secretRepo := db.NewSecretRepository(encryption)
	invocationRepo := db.NewInvocationRepository()

	// Provider adapters over a shared credential resolver. The base env
	// bag carries process-wide keys; per-user database secrets win.
	creds := providers.NewCredentialResolver(secretRepo, cfg.Cache.TokenCacheTTL, logger)

	baseEnv := providers.Env{
		Keys: map[string]string{
			"OPENAI_API_KEY":        cfg.Provider.OpenAIKey,
			"REPLICATE_API_KEY":     cfg.Provider.ReplicateKey,
			"BEDROCK_AWS_KEYS":      cfg.Provider.BedrockKeys,
			"BEDROCK_OUTPUT_S3_URI": cfg.Provider.BedrockS3Output,
			"VERTEX_SA_KEY":         cfg.Provider.VertexSAKey,
		},
		AWSRegion:       cfg.Provider.AWSRegion,
		CallbackBaseURL: cfg.Webhook.CallbackBaseURL,
		WebhookSecret:   cfg.Webhook.Secret,
	}

	// No client-level timeout: it would sever streaming responses mid-body.
	// Non-stream calls get per-call context deadlines from the dispatcher
	// and the adapters (PROVIDER_REQUEST_TIMEOUT via the orchestrator).
	httpClient := providers.NewUpstreamClient()

	var relayClient *relay.Client
	if cfg.Relay.URL != "" {
		relayClient = relay.NewClient(cfg.Relay.URL, &http.Client{Timeout: cfg.Relay.Timeout})
	}
	dispatcher := providers.NewDispatcher(httpClient, relayClient, logger)

	openaiCfg := providers.OpenAICompatibleConfig{
		Name:    "openai",
		EnvKey:  "OPENAI_API_KEY",
		BaseURL: "https://api.openai.com/v1",
	}
	if relayClient != nil {
		openaiCfg.RelayPath = "openai/chat/completions"
	}

	bedrockAdapter, err := providers.NewBedrockAdapter(creds, providers.BedrockOptions{
		HTTPClient:   httpClient,
		RelayBaseURL: cfg.Relay.URL,
		DefaultEnv:   baseEnv,
		Logger:       logger,
	})
	if err != nil {
		log.Fatalf("Failed to initialize bedrock adapter: %v", err)
	}
	replicateAdapter := providers.NewReplicateAdapter(creds, httpClient, baseEnv, logger)

	registry := providers.NewRegistry()
	registry.Register(providers.NewOpenAICompatible(openaiCfg, creds))
	registry.Register(bedrockAdapter)
	registry.Register(replicateAdapter)
	if cfg.Provider.VertexProject != "" {
		registry.Register(providers.NewVertexAdapter(creds, providers.VertexOptions{
			ProjectID:  cfg.Provider.VertexProject,
			Region:     cfg.Provider.VertexRegion,
			HTTPClient: httpClient,
			Logger:     logger,
		}))
	}

	tracker := async.NewTracker(logger)
	tracker.RegisterPoller(models.InvocationTypeBedrockAsync, bedrockAdapter)
	tracker.RegisterPoller(models.InvocationTypeReplicatePrediction, replicateAdapter)

	// Poll queue and background worker for async invocations.
	pollQueueCfg := queue.DefaultConfig(cfg.PollWorker.QueueName)
	pollQueueCfg.BatchSize = cfg.PollWorker.BatchSize
	pollQueueCfg.BatchTimeout = cfg.PollWorker.BatchTimeout
	configureRedis(pollQueueCfg, cfg)
	pollQueue, pollDLQ, err := queue.New(pollQueueCfg)
	if err != nil {
		log.Fatalf("Failed to create poll queue: %v", err)
	}

	scheduler := async.NewScheduler(pollQueue, logger)
	pollWorker := async.NewPollWorker(pollQueue, pollDLQ, tracker, invocationRepo, pollQueueCfg, cfg.PollWorker.MaxPolls)
	pollWorker.Start(ctx)

	// Invocations left pending by a previous process resume polling here.
	recoverPendingInvocations(ctx, invocationRepo, scheduler, logger)

	// Metrics pipeline: queue sink on the request path, worker draining
	// into the logging archive.
	metricsQueueCfg := queue.DefaultConfig("metrics")
	configureRedis(metricsQueueCfg, cfg)
	metricsQueue, metricsDLQ, err := queue.New(metricsQueueCfg)
	if err != nil {
		log.Fatalf("Failed to create metrics queue: %v", err)
	}
	metricsSink := metrics.NewQueueSink(metricsQueue, logger)

	var logSink logging.Sink
	if cfg.LoggingSink.Enabled {
		logSink, err = logging.NewS3Sink(ctx, logging.S3SinkConfig{
			BufferSize:    cfg.LoggingSink.BufferSize,
			FlushSize:     cfg.LoggingSink.FlushSize,
			FlushInterval: cfg.LoggingSink.FlushInterval,
			S3Bucket:      cfg.LoggingSink.S3Bucket,
			S3Region:      cfg.LoggingSink.S3Region,
			S3Prefix:      cfg.LoggingSink.S3Prefix,
			PodName:       cfg.LoggingSink.PodName,
		})
		if err != nil {
			log.Fatalf("Failed to initialize S3 logging sink: %v", err)
		}
	} else {
		logSink = logging.NewNoopSink()
	}

	metricsWorker := metrics.NewWorker(metricsQueue, metricsDLQ, logging.NewCallRecorder(logSink), metricsQueueCfg)
	metricsWorker.Start(ctx)

	orchestrator := providers.NewOrchestrator(registry, modelRepo, dispatcher, metricsSink, providers.OrchestratorConfig{
		RetryAttempts:  cfg.Provider.RetryAttempts,
		RetryBaseDelay: cfg.Provider.RetryBaseDelay,
		DefaultTimeout: cfg.Provider.RequestTimeout,
	}, logger)

	deps := &httpapi.Dependencies{
		APIKeys:       bootstrapAPIKeys(logger),
		Orchestrator:  orchestrator,
		Tracker:       tracker,
		Invocations:   invocationRepo,
		Scheduler:     scheduler,
		LogSink:       logSink,
		BaseEnv:       baseEnv,
		JWTSecret:     cfg.JWTSecret,
		WebhookSecret: cfg.Webhook.Secret,
	}
	mux := httpapi.NewRouter(deps)

	addr := ":" + cfg.HTTPPort
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streams stay open past any fixed deadline
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Model gateway listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	if err := pollWorker.Stop(); err != nil {
		log.Printf("Failed to stop poll worker: %v", err)
	}
	if err := metricsWorker.Stop(); err != nil {
		log.Printf("Failed to stop metrics worker: %v", err)
	}
	if err := logSink.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown logging sink: %v", err)
	}

	_ = pollQueue.Close()
	_ = pollDLQ.Close()
	_ = metricsQueue.Close()
	_ = metricsDLQ.Close()

	if err := db.Close(); err != nil {
		log.Printf("Failed to close database: %v", err)
	}

	log.Println("Server exited")
}

func configureRedis(qc *queue.Config, cfg *config.Config) {
	if !cfg.Redis.Enabled {
		return
	}
	qc.UseRedis = true
	qc.RedisAddr = cfg.Redis.Address
	qc.RedisPassword = cfg.Redis.Password
	qc.RedisDB = cfg.Redis.DB
}

// recoverPendingInvocations re-enqueues invocations that were pending when
// the previous process stopped.
func recoverPendingInvocations(ctx context.Context, repo *storage.InvocationRepository, scheduler *async.Scheduler, logger *utils.Logger) {
	pending, err := repo.ListPending(ctx, 1000)
	if err != nil {
		logger.Error("failed to list pending invocations", "error", err)
		return
	}
	for i := range pending {
		if err := scheduler.Schedule(ctx, pending[i].Metadata()); err != nil {
			logger.Error("failed to reschedule invocation", "jobId", pending[i].JobID, "error", err)
		}
	}
	if len(pending) > 0 {
		logger.Info("resumed polling for pending invocations", "count", len(pending))
	}
}

// bootstrapAPIKeys loads pre-minted keys from GATEWAY_API_KEYS, a
// comma-separated list of "keyID=bcryptHash:userID" entries produced by the
// genkey tool.
func bootstrapAPIKeys(logger *utils.Logger) auth.APIKeyStore {
	store := auth.NewInMemoryAPIKeyStore()

	raw := os.Getenv("GATEWAY_API_KEYS")
	if raw == "" {
		logger.Warn("GATEWAY_API_KEYS is not set; no API keys are configured")
		return store
	}

	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, rest, ok := strings.Cut(entry, "=")
		if !ok {
			logger.Warn("skipping malformed API key entry")
			continue
		}
		hash, userID, _ := strings.Cut(rest, ":")
		store.Add(&auth.APIKeyRecord{
			ID:     id,
			UserID: userID,
			Hash:   hash,
		})
	}
	return store
}
