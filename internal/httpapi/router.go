package httpapi

import (
	"context"
	"net/http"

	"modelgateway/internal/async"
	"modelgateway/internal/auth"
	"modelgateway/internal/logging"
	"modelgateway/internal/middleware"
	"modelgateway/internal/models"
	"modelgateway/internal/providers"
	"modelgateway/internal/storage"
)

// InvocationStore persists async invocations for the poll and webhook
// endpoints. Satisfied by storage.InvocationRepository.
type InvocationStore interface {
	Save(ctx context.Context, meta *models.InvocationMetadata) error
	GetByJobID(ctx context.Context, jobID string) (*storage.InvocationRecord, error)
	MarkCompleted(ctx context.Context, jobID string, result map[string]interface{}) error
	MarkFailed(ctx context.Context, jobID, detail string) error
}

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	APIKeys      auth.APIKeyStore
	Orchestrator *providers.Orchestrator
	Tracker      *async.Tracker
	Invocations  InvocationStore
	Scheduler    *async.Scheduler
	LogSink      logging.Sink

	// BaseEnv is the process-wide environment bag attached to every
	// completion request; per-user overrides resolve later in the pipeline.
	BaseEnv providers.Env

	JWTSecret     []byte
	WebhookSecret string
}

// NewRouter creates an HTTP router over the wired dependencies.
func NewRouter(deps *Dependencies) *http.ServeMux {
	mux := http.NewServeMux()
	registerRoutes(mux, deps)
	return mux
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies) {
	authMiddleware := middleware.AuthMiddleware(deps.APIKeys, deps.JWTSecret)

	// Completion endpoint - protected, accepts an API key or a minted JWT
	mux.Handle("/v1/chat/completions", authMiddleware(http.HandlerFunc(deps.handleCompletions)))

	// Async invocation polling - protected
	mux.Handle("/v1/invocations/", authMiddleware(http.HandlerFunc(deps.handleInvocation)))

	// Provider completion callbacks - authenticated by shared secret token
	mux.HandleFunc("/webhooks/replicate", deps.handleReplicateWebhook)

	// API key to JWT exchange - public
	mux.HandleFunc("/auth/token", deps.handleTokenExchange)

	// Health check endpoint - public
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}
